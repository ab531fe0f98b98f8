// Package httpapi serves the read-only verification surface over HTTP.
// Every endpoint except re-anchoring is unauthenticated: the service holds
// no secrets a reader could abuse, and an integrity failure is reported in
// the response body, never as an HTTP error.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ledgerlock/ledgerlock/internal/forensic"
	"github.com/ledgerlock/ledgerlock/internal/ledger"
	"github.com/ledgerlock/ledgerlock/internal/verify"
)

// Config holds the server's tunables.
type Config struct {
	// AdminSecretHash is the bcrypt hash of the admin secret exchanged for
	// re-anchoring tokens. Empty disables the token and reanchor endpoints.
	AdminSecretHash string

	// AllowedOrigins configures CORS. Empty means same-origin only.
	AllowedOrigins []string

	RateLimitRPS   int
	RateLimitBurst int
}

// Server wires the verification engine to the HTTP surface.
type Server struct {
	store    ledger.Store
	verifier *verify.Verifier
	analyzer *forensic.Analyzer
	signer   verify.RootSigner
	tokens   *TokenIssuer
	cfg      Config
	logger   *zap.Logger
}

// New creates a Server. signer and tokens may be nil when the deployment is
// strictly read-only; the reanchor and token endpoints then return 404.
func New(store ledger.Store, signer verify.RootSigner, tokens *TokenIssuer, cfg Config, logger *zap.Logger) *Server {
	return &Server{
		store:    store,
		verifier: verify.New(store, logger),
		analyzer: forensic.NewAnalyzer(store, logger),
		signer:   signer,
		tokens:   tokens,
		cfg:      cfg,
		logger:   logger,
	}
}

// Router builds the Gin engine with all routes and middleware mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(PrometheusMiddleware())
	if len(s.cfg.AllowedOrigins) > 0 {
		cc := cors.DefaultConfig()
		cc.AllowOrigins = s.cfg.AllowedOrigins
		cc.AllowHeaders = append(cc.AllowHeaders, "Authorization")
		r.Use(cors.New(cc))
	}
	if s.cfg.RateLimitRPS > 0 {
		r.Use(RateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst))
	}

	r.GET("/healthz", s.Healthz)
	r.GET("/metrics", MetricsHandler())

	api := r.Group("/api/v1")
	{
		api.GET("/streams/:stream/chain", s.ChainOverview)
		api.GET("/streams/:stream/verify-chain", s.VerifyChain)
		api.GET("/streams/:stream/verify", s.Verify)
		api.GET("/streams/:stream/forensic", s.Forensic)
		api.GET("/streams/:stream/entries/:seq", s.GetEntry)

		if s.tokens != nil && s.cfg.AdminSecretHash != "" {
			api.POST("/token", s.IssueToken)
			api.POST("/streams/:stream/reanchor", RequireAdmin(s.tokens), s.Reanchor)
		}
	}
	return r
}

// Healthz handles GET /healthz.
func (s *Server) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ChainOverview handles GET /api/v1/streams/:stream/chain — entry count,
// tail hash, and the latest checkpoint if one exists.
func (s *Server) ChainOverview(c *gin.Context) {
	ctx := c.Request.Context()
	stream := c.Param("stream")

	if _, err := s.store.Stream(ctx, stream); err != nil {
		s.streamError(c, err)
		return
	}
	last, err := s.store.LastSequence(ctx, stream)
	if err != nil {
		s.streamError(c, err)
		return
	}
	tail, err := s.store.TailHash(ctx, stream)
	if err != nil {
		s.streamError(c, err)
		return
	}

	resp := gin.H{
		"stream":    stream,
		"entries":   last,
		"tail_hash": tail,
	}
	cp, err := s.store.LatestCheckpoint(ctx, stream)
	switch {
	case errors.Is(err, ledger.ErrNoCheckpoint):
	case err != nil:
		s.streamError(c, err)
		return
	default:
		resp["checkpoint"] = cp
	}
	c.JSON(http.StatusOK, resp)
}

// VerifyChain handles GET /api/v1/streams/:stream/verify-chain — recomputes
// every entry hash and checks predecessor linkage.
func (s *Server) VerifyChain(c *gin.Context) {
	ctx := c.Request.Context()
	stream := c.Param("stream")

	if _, err := s.store.Stream(ctx, stream); err != nil {
		s.streamError(c, err)
		return
	}
	entries, err := s.store.Entries(ctx, stream)
	if err != nil {
		s.streamError(c, err)
		return
	}
	brk, err := verify.ValidateChainParallel(ctx, entries)
	if err != nil {
		s.streamError(c, err)
		return
	}
	if brk != nil {
		RecordChainBreaks(1)
		c.JSON(http.StatusOK, gin.H{"valid": false, "break": brk})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "entries": len(entries)})
}

// Verify handles GET /api/v1/streams/:stream/verify?mode=stored|live|comprehensive.
func (s *Server) Verify(c *gin.Context) {
	ctx := c.Request.Context()
	stream := c.Param("stream")
	mode := c.DefaultQuery("mode", "stored")

	var (
		match bool
		body  any
		err   error
	)
	switch mode {
	case "stored":
		var res *verify.StoredRootResult
		res, err = s.verifier.StoredRoot(ctx, stream)
		if res != nil {
			match, body = res.Match, res
		}
	case "live":
		var res *verify.LiveStateResult
		res, err = s.verifier.LiveState(ctx, stream)
		if res != nil {
			match, body = res.Match, res
		}
	case "comprehensive":
		var res *verify.ComprehensiveResult
		res, err = s.verifier.Comprehensive(ctx, stream)
		if res != nil {
			match, body = res.Match(), res
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be stored, live, or comprehensive"})
		return
	}
	if err != nil {
		s.streamError(c, err)
		return
	}
	RecordVerification(mode, match)
	c.JSON(http.StatusOK, body)
}

// Forensic handles GET /api/v1/streams/:stream/forensic?detail=N.
func (s *Server) Forensic(c *gin.Context) {
	ctx := c.Request.Context()
	stream := c.Param("stream")

	detail := forensic.DetailSummary
	if raw := c.Query("detail"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "detail must be an integer"})
			return
		}
		detail = d
	}
	if detail < forensic.DetailSummary || detail > forensic.DetailContext {
		c.JSON(http.StatusBadRequest, gin.H{"error": "detail must be between 1 and 3"})
		return
	}

	report, err := s.analyzer.Analyze(ctx, stream, detail)
	if err != nil {
		s.streamError(c, err)
		return
	}
	RecordForensicScan(report.Severity)
	c.JSON(http.StatusOK, report)
}

// GetEntry handles GET /api/v1/streams/:stream/entries/:seq.
func (s *Server) GetEntry(c *gin.Context) {
	ctx := c.Request.Context()
	stream := c.Param("stream")

	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a positive integer"})
		return
	}
	entries, err := s.store.EntriesRange(ctx, stream, seq, seq)
	if err != nil {
		s.streamError(c, err)
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, entries[0])
}

type tokenRequest struct {
	Secret   string `json:"secret" binding:"required"`
	Operator string `json:"operator"`
}

// IssueToken handles POST /api/v1/token — exchanges the admin secret for a
// short-lived bearer token.
func (s *Server) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "secret is required"})
		return
	}
	if !checkAdminSecret(s.cfg.AdminSecretHash, req.Secret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	operator := req.Operator
	if operator == "" {
		operator = "admin"
	}
	tok, err := s.tokens.Issue(operator)
	if err != nil {
		s.logger.Error("issue admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      tok,
		"expires_in": int(s.tokens.TTL() / time.Second),
	})
}

// Reanchor handles POST /api/v1/streams/:stream/reanchor — recomputes the
// root and writes a fresh signed checkpoint. Admin-only; the act is logged
// with the operator identity from the token.
func (s *Server) Reanchor(c *gin.Context) {
	ctx := c.Request.Context()
	stream := c.Param("stream")

	cp, err := s.verifier.Reanchor(ctx, stream, s.signer)
	if err != nil {
		s.streamError(c, err)
		return
	}
	RecordReanchor()
	s.logger.Info("trust re-anchored",
		zap.String("stream", stream),
		zap.String("root", cp.RootHash),
		zap.String("operator", c.GetString("admin_subject")),
	)
	c.JSON(http.StatusOK, cp)
}

// streamError maps store and policy errors to HTTP statuses. Integrity
// failures never arrive here; they are encoded in 200 responses.
func (s *Server) streamError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrStreamNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
	case errors.Is(err, verify.ErrEmptyLedger), errors.Is(err, ledger.ErrNoEntries):
		c.JSON(http.StatusConflict, gin.H{"error": "stream has no entries"})
	case errors.Is(err, ledger.ErrNoCheckpoint):
		c.JSON(http.StatusConflict, gin.H{"error": "stream has no checkpoint"})
	case errors.Is(err, verify.ErrNoMatchingRecord), errors.Is(err, verify.ErrAmbiguousTarget):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
