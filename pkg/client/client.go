// Package client provides a Go SDK for the ledgerd verification API:
// chain overviews, continuity checks, verification runs, forensic reports,
// and authenticated re-anchoring.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Checkpoint mirrors a signed trust anchor returned by the API.
type Checkpoint struct {
	StreamName           string    `json:"stream_name"`
	RootHash             string    `json:"root_hash"`
	ComputedAt           time.Time `json:"computed_at"`
	SignerID             string    `json:"signer_id"`
	Signature            string    `json:"signature"`
	PublicKeyFingerprint string    `json:"public_key_fingerprint"`
	ReferenceStream      string    `json:"reference_stream,omitempty"`
	ReferenceRoot        string    `json:"reference_root,omitempty"`
}

// ChainOverview summarizes a stream's ledger.
type ChainOverview struct {
	Stream     string      `json:"stream"`
	Entries    int64       `json:"entries"`
	TailHash   string      `json:"tail_hash"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
}

// Break describes the first continuity failure found in a chain.
type Break struct {
	Sequence int64  `json:"sequence"`
	Kind     string `json:"kind"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Detail   string `json:"detail"`
}

// ChainResult is the outcome of a continuity check.
type ChainResult struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	Break   *Break `json:"break,omitempty"`
}

// StoredVerification is the outcome of a stored-root verification run.
type StoredVerification struct {
	StreamName      string    `json:"stream_name"`
	StoredRoot      string    `json:"stored_root"`
	ComputedRoot    string    `json:"computed_root"`
	CheckpointAt    time.Time `json:"checkpoint_at"`
	SignerID        string    `json:"signer_id,omitempty"`
	Match           bool      `json:"match"`
	EntriesReplayed int       `json:"entries_replayed"`
	RecordCount     int       `json:"record_count"`
}

// Divergence is a single ledger-vs-live discrepancy.
type Divergence struct {
	RecordID string `json:"record_id"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
}

// LiveVerification is the outcome of a live-state verification run.
type LiveVerification struct {
	StreamName   string       `json:"stream_name"`
	ReplayedRoot string       `json:"replayed_root"`
	LiveRoot     string       `json:"live_root"`
	Match        bool         `json:"match"`
	Divergences  []Divergence `json:"divergences,omitempty"`
}

// ForensicReport is a scored anomaly report.
type ForensicReport struct {
	StreamName     string         `json:"stream_name"`
	EntriesScanned int            `json:"entries_scanned"`
	Counts         map[string]int `json:"counts"`
	RiskScore      int            `json:"risk_score"`
	Severity       string         `json:"severity"`
	DetailLevel    int            `json:"detail_level"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// Entry is a single ledger entry as served by the API.
type Entry struct {
	Sequence      int64          `json:"sequence"`
	TransactionID string         `json:"transaction_id"`
	StreamName    string         `json:"stream_name"`
	RecordID      string         `json:"record_id"`
	Operation     string         `json:"operation"`
	Before        map[string]any `json:"before_image,omitempty"`
	After         map[string]any `json:"after_image,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	PrevHash      string         `json:"predecessor_hash"`
	Hash          string         `json:"entry_hash"`
}

// Client talks to a ledgerd instance.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// token state — guarded by mu
	mu          sync.Mutex
	bearerToken string
	tokenExpiry time.Time
	adminSecret string
	operator    string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBearerToken attaches a pre-obtained admin token to mutating requests.
// The token is treated as long-lived and never auto-refreshed.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.bearerToken = token
		c.tokenExpiry = time.Time{}
	}
}

// WithAdminSecret lets the client exchange the secret for admin tokens on
// demand, refreshing them as they approach expiry.
func WithAdminSecret(secret, operator string) Option {
	return func(c *Client) {
		c.adminSecret = secret
		c.operator = operator
	}
}

// New creates a Client for the ledgerd instance at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Chain returns the stream's entry count, tail hash, and latest checkpoint.
func (c *Client) Chain(ctx context.Context, stream string) (*ChainOverview, error) {
	var out ChainOverview
	if err := c.get(ctx, "/api/v1/streams/"+stream+"/chain", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyChain recomputes every entry hash server-side and reports the first
// break, if any. A detected break is a normal result, not an error.
func (c *Client) VerifyChain(ctx context.Context, stream string) (*ChainResult, error) {
	var out ChainResult
	if err := c.get(ctx, "/api/v1/streams/"+stream+"/verify-chain", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyStored runs a stored-root verification.
func (c *Client) VerifyStored(ctx context.Context, stream string) (*StoredVerification, error) {
	var out StoredVerification
	if err := c.get(ctx, "/api/v1/streams/"+stream+"/verify?mode=stored", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyLive runs a live-state verification.
func (c *Client) VerifyLive(ctx context.Context, stream string) (*LiveVerification, error) {
	var out LiveVerification
	if err := c.get(ctx, "/api/v1/streams/"+stream+"/verify?mode=live", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Forensic fetches an anomaly report at the given detail level (1–3).
func (c *Client) Forensic(ctx context.Context, stream string, detail int) (*ForensicReport, error) {
	var out ForensicReport
	path := "/api/v1/streams/" + stream + "/forensic?detail=" + strconv.Itoa(detail)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Entry fetches a single ledger entry by sequence number.
func (c *Client) Entry(ctx context.Context, stream string, seq int64) (*Entry, error) {
	var out Entry
	path := "/api/v1/streams/" + stream + "/entries/" + strconv.FormatInt(seq, 10)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reanchor recomputes the stream's root and writes a fresh signed
// checkpoint. Requires admin credentials.
func (c *Client) Reanchor(ctx context.Context, stream string) (*Checkpoint, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	var out Checkpoint
	if err := c.post(ctx, "/api/v1/streams/"+stream+"/reanchor", token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchToken exchanges the configured admin secret for a bearer token,
// caches it, and returns it.
func (c *Client) FetchToken(ctx context.Context) (string, error) {
	token, expiry, err := c.fetchTokenRaw(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.bearerToken = token
	c.tokenExpiry = expiry
	c.mu.Unlock()
	return token, nil
}

func (c *Client) fetchTokenRaw(ctx context.Context) (string, time.Time, error) {
	c.mu.Lock()
	secret, operator := c.adminSecret, c.operator
	c.mu.Unlock()
	if secret == "" {
		return "", time.Time{}, fmt.Errorf("no admin credentials configured")
	}

	body, _ := json.Marshal(map[string]string{"secret": secret, "operator": operator})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/token", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("token endpoint error %d: %s", resp.StatusCode, string(raw))
	}

	var payload struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}

	// Refresh 60 s before actual expiry to absorb clock skew.
	const refreshBuffer = 60 * time.Second
	exp := time.Now().Add(time.Duration(payload.ExpiresIn)*time.Second - refreshBuffer)
	return payload.Token, exp, nil
}

// ensureToken returns a valid bearer token, fetching a fresh one when the
// cached token is absent or approaching expiry. Thread-safe.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	// A zero expiry means the token was set via WithBearerToken and is
	// never auto-refreshed.
	if c.bearerToken != "" && (c.tokenExpiry.IsZero() || time.Now().Before(c.tokenExpiry)) {
		token := c.bearerToken
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()
	return c.FetchToken(ctx)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path, token string, payload, out any) error {
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d: %s", req.Method, req.URL.Path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
