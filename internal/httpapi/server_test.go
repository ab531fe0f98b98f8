package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ledgerlock/ledgerlock/internal/httpapi"
	"github.com/ledgerlock/ledgerlock/internal/ledger"
	"github.com/ledgerlock/ledgerlock/internal/signing"
	"github.com/ledgerlock/ledgerlock/internal/verify"
)

var ctx = context.Background()

const adminSecret = "hunter2"

type fixture struct {
	srv    *httptest.Server
	store  *ledger.MemoryStore
	signer *signing.Signer
}

func setup(t *testing.T, withAdmin bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := ledger.NewMemoryStore()
	if err := store.RegisterStream(ctx, &ledger.StreamConfig{Name: "customers", PrimaryKey: "id"}); err != nil {
		t.Fatalf("register stream: %v", err)
	}
	rows := []ledger.Image{
		{"name": "alice", "balance": int64(100)},
		{"name": "bob", "balance": int64(250)},
		{"name": "carol", "balance": int64(75)},
	}
	for i, row := range rows {
		id := string(rune('1' + i))
		if _, err := store.Append(ctx, "customers", id, ledger.OpInsert, nil, row); err != nil {
			t.Fatalf("append: %v", err)
		}
		store.SetLiveRow("customers", id, row)
	}

	dir := t.TempDir()
	if _, _, err := signing.Generate(dir); err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	signer, err := signing.Load(filepath.Join(dir, "private.pem"), "api-test")
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}

	cfg := httpapi.Config{}
	var tokens *httpapi.TokenIssuer
	if withAdmin {
		hash, err := httpapi.HashAdminSecret(adminSecret)
		if err != nil {
			t.Fatalf("hash secret: %v", err)
		}
		cfg.AdminSecretHash = hash
		tokens = httpapi.NewTokenIssuer(signer.Key(), "http://test", time.Hour)
	}

	s := httpapi.New(store, signer, tokens, cfg, zap.NewNop())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store, signer: signer}
}

func getJSON(t *testing.T, srv *httptest.Server, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func postJSON(t *testing.T, srv *httptest.Server, path, bearer string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		json.NewEncoder(&buf).Encode(payload)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestHealthz(t *testing.T) {
	f := setup(t, false)
	resp, body := getJSON(t, f.srv, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestChainOverview(t *testing.T) {
	f := setup(t, false)
	resp, body := getJSON(t, f.srv, "/api/v1/streams/customers/chain")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["entries"] != float64(3) {
		t.Errorf("expected 3 entries, got %v", body["entries"])
	}
	tail, _ := body["tail_hash"].(string)
	if len(tail) != 64 {
		t.Errorf("expected 64-char tail hash, got %q", tail)
	}
	if _, ok := body["checkpoint"]; ok {
		t.Error("unanchored stream should not report a checkpoint")
	}
}

func TestChainOverview_withCheckpoint(t *testing.T) {
	f := setup(t, false)
	if _, err := verify.New(f.store, zap.NewNop()).Reanchor(ctx, "customers", f.signer); err != nil {
		t.Fatalf("reanchor: %v", err)
	}
	resp, body := getJSON(t, f.srv, "/api/v1/streams/customers/chain")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	cp, ok := body["checkpoint"].(map[string]any)
	if !ok {
		t.Fatalf("expected checkpoint in body: %v", body)
	}
	if cp["signer_id"] != "api-test" {
		t.Errorf("unexpected signer id: %v", cp["signer_id"])
	}
}

func TestChainOverview_unknownStream(t *testing.T) {
	f := setup(t, false)
	resp, _ := getJSON(t, f.srv, "/api/v1/streams/nope/chain")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestVerifyChain_intact(t *testing.T) {
	f := setup(t, false)
	resp, body := getJSON(t, f.srv, "/api/v1/streams/customers/verify-chain")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["valid"] != true {
		t.Errorf("expected valid chain, got %v", body)
	}
}

func TestVerifyChain_tampered(t *testing.T) {
	f := setup(t, false)
	entries, err := f.store.Entries(ctx, "customers")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	entries[1].After["balance"] = int64(999999)

	resp, body := getJSON(t, f.srv, "/api/v1/streams/customers/verify-chain")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("a detected break is a result, not an HTTP error; got %d", resp.StatusCode)
	}
	if body["valid"] != false {
		t.Fatalf("expected invalid chain, got %v", body)
	}
	brk, ok := body["break"].(map[string]any)
	if !ok {
		t.Fatalf("expected break details: %v", body)
	}
	if brk["sequence"] != float64(2) {
		t.Errorf("expected break at sequence 2, got %v", brk["sequence"])
	}
}

func TestVerify_stored(t *testing.T) {
	f := setup(t, false)
	if _, err := verify.New(f.store, zap.NewNop()).Reanchor(ctx, "customers", f.signer); err != nil {
		t.Fatalf("reanchor: %v", err)
	}
	resp, body := getJSON(t, f.srv, "/api/v1/streams/customers/verify?mode=stored")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["match"] != true {
		t.Errorf("expected stored root match, got %v", body)
	}
}

func TestVerify_storedWithoutCheckpoint(t *testing.T) {
	f := setup(t, false)
	resp, _ := getJSON(t, f.srv, "/api/v1/streams/customers/verify")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for unanchored stream, got %d", resp.StatusCode)
	}
}

func TestVerify_live(t *testing.T) {
	f := setup(t, false)
	resp, body := getJSON(t, f.srv, "/api/v1/streams/customers/verify?mode=live")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["match"] != true {
		t.Errorf("expected live state match, got %v", body)
	}
}

func TestVerify_liveDivergence(t *testing.T) {
	f := setup(t, false)
	f.store.SetLiveRow("customers", "2", ledger.Image{"name": "bob", "balance": int64(9999)})

	resp, body := getJSON(t, f.srv, "/api/v1/streams/customers/verify?mode=live")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["match"] != false {
		t.Fatalf("expected mismatch, got %v", body)
	}
	divs, ok := body["divergences"].([]any)
	if !ok || len(divs) == 0 {
		t.Errorf("expected divergence details, got %v", body)
	}
}

func TestVerify_badMode(t *testing.T) {
	f := setup(t, false)
	resp, _ := getJSON(t, f.srv, "/api/v1/streams/customers/verify?mode=yolo")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestForensic(t *testing.T) {
	f := setup(t, false)
	resp, body := getJSON(t, f.srv, "/api/v1/streams/customers/forensic")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["risk_score"] != float64(0) {
		t.Errorf("clean chain should score 0, got %v", body["risk_score"])
	}
}

func TestForensic_badDetail(t *testing.T) {
	f := setup(t, false)
	for _, q := range []string{"detail=abc", "detail=0", "detail=9"} {
		resp, _ := getJSON(t, f.srv, "/api/v1/streams/customers/forensic?"+q)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, resp.StatusCode)
		}
	}
}

func TestGetEntry(t *testing.T) {
	f := setup(t, false)
	resp, body := getJSON(t, f.srv, "/api/v1/streams/customers/entries/2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["record_id"] != "2" {
		t.Errorf("unexpected entry: %v", body)
	}

	resp, _ = getJSON(t, f.srv, "/api/v1/streams/customers/entries/99")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for missing entry, got %d", resp.StatusCode)
	}
	resp, _ = getJSON(t, f.srv, "/api/v1/streams/customers/entries/zero")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric sequence, got %d", resp.StatusCode)
	}
}

func TestIssueToken(t *testing.T) {
	f := setup(t, true)

	resp, _ := postJSON(t, f.srv, "/api/v1/token", "", map[string]string{"secret": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret: expected 401, got %d", resp.StatusCode)
	}

	resp, _ = postJSON(t, f.srv, "/api/v1/token", "", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing secret: expected 400, got %d", resp.StatusCode)
	}

	resp, body := postJSON(t, f.srv, "/api/v1/token", "", map[string]string{"secret": adminSecret})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if tok, _ := body["token"].(string); tok == "" {
		t.Error("expected a token in the response")
	}
	if body["expires_in"] != float64(3600) {
		t.Errorf("expected expires_in 3600, got %v", body["expires_in"])
	}
}

func TestReanchor_requiresToken(t *testing.T) {
	f := setup(t, true)

	resp, _ := postJSON(t, f.srv, "/api/v1/streams/customers/reanchor", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", resp.StatusCode)
	}
	resp, _ = postJSON(t, f.srv, "/api/v1/streams/customers/reanchor", "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", resp.StatusCode)
	}
}

func TestReanchor(t *testing.T) {
	f := setup(t, true)

	_, body := postJSON(t, f.srv, "/api/v1/token", "", map[string]string{"secret": adminSecret, "operator": "ops@example.com"})
	tok, _ := body["token"].(string)
	if tok == "" {
		t.Fatalf("token exchange failed: %v", body)
	}

	resp, body := postJSON(t, f.srv, "/api/v1/streams/customers/reanchor", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	root, _ := body["root_hash"].(string)
	if len(root) != 64 {
		t.Errorf("expected 64-char root hash, got %q", root)
	}

	cp, err := f.store.LatestCheckpoint(ctx, "customers")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if cp.RootHash != root {
		t.Errorf("stored checkpoint root %s does not match response %s", cp.RootHash, root)
	}
}

func TestAdminRoutesDisabledWithoutSecret(t *testing.T) {
	f := setup(t, false)
	resp, _ := postJSON(t, f.srv, "/api/v1/token", "", map[string]string{"secret": adminSecret})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 when admin auth is unconfigured, got %d", resp.StatusCode)
	}
	resp, _ = postJSON(t, f.srv, "/api/v1/streams/customers/reanchor", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 when admin auth is unconfigured, got %d", resp.StatusCode)
	}
}
