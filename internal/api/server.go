// Package api serves the pipeline reports, tier occupancy and strategy tier
// requests over HTTP, plus Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"market-tiers/internal/market"
	"market-tiers/internal/pipeline"
	"market-tiers/internal/tierreq"
)

// ReportSource is the read side of the pipeline.
type ReportSource interface {
	Funnel(window time.Duration) pipeline.Funnel
	Rejections(limit int) []pipeline.Evaluation
	Candidates(limit int) []pipeline.Candidate
	Totals(window time.Duration) pipeline.Totals
}

// TierCounter reports how many markets sit in each tier.
type TierCounter interface {
	CountByTier(ctx context.Context) (map[market.Tier]int64, error)
}

// RequestQueue accepts strategy tier requests.
type RequestQueue interface {
	Submit(ctx context.Context, req tierreq.Request) (market.TierRequest, error)
	Cancel(ctx context.Context, strategy, marketID string) error
}

// Options wire the server. Any collaborator may be nil; its routes then
// answer 503.
type Options struct {
	Reports        ReportSource
	Tiers          TierCounter
	Requests       RequestQueue
	Window         time.Duration
	RejectionLimit int
	Debug          bool
}

// Server is the HTTP surface.
type Server struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Server.
func New(opts Options, logger zerolog.Logger) *Server {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.RejectionLimit <= 0 {
		opts.RejectionLimit = 500
	}
	return &Server{opts: opts, logger: logger.With().Str("component", "api").Logger()}
}

// Router builds the gin engine.
func (s *Server) Router() http.Handler {
	if s.opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	p := api.Group("/pipeline")
	p.GET("/funnel", s.funnel)
	p.GET("/rejections", s.rejections)
	p.GET("/candidates", s.candidates)
	p.GET("/totals", s.totals)

	api.GET("/tiers", s.tiers)
	api.POST("/tier-requests", s.submitRequest)
	api.DELETE("/tier-requests/:strategy/:marketID", s.cancelRequest)

	return r
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("api shutdown")
		}
		return ctx.Err()
	}
}

func (s *Server) window(c *gin.Context) (time.Duration, bool) {
	raw := c.Query("window")
	if raw == "" {
		return s.opts.Window, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		Error(c, http.StatusBadRequest, "invalid window", map[string]any{"window": raw})
		return 0, false
	}
	return d, true
}

func (s *Server) limit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		Error(c, http.StatusBadRequest, "invalid limit", map[string]any{"limit": raw})
		return 0, false
	}
	if n > s.opts.RejectionLimit {
		n = s.opts.RejectionLimit
	}
	return n, true
}

func (s *Server) requireReports(c *gin.Context) bool {
	if s.opts.Reports == nil {
		Error(c, http.StatusServiceUnavailable, "pipeline reports unavailable", nil)
		return false
	}
	return true
}

func (s *Server) funnel(c *gin.Context) {
	if !s.requireReports(c) {
		return
	}
	w, ok := s.window(c)
	if !ok {
		return
	}
	Ok(c, s.opts.Reports.Funnel(w), map[string]any{"window": w.String()})
}

func (s *Server) rejections(c *gin.Context) {
	if !s.requireReports(c) {
		return
	}
	n, ok := s.limit(c, 100)
	if !ok {
		return
	}
	items := s.opts.Reports.Rejections(n)
	Ok(c, items, map[string]any{"count": len(items)})
}

func (s *Server) candidates(c *gin.Context) {
	if !s.requireReports(c) {
		return
	}
	n, ok := s.limit(c, 50)
	if !ok {
		return
	}
	items := s.opts.Reports.Candidates(n)
	Ok(c, items, map[string]any{"count": len(items)})
}

func (s *Server) totals(c *gin.Context) {
	if !s.requireReports(c) {
		return
	}
	w, ok := s.window(c)
	if !ok {
		return
	}
	Ok(c, s.opts.Reports.Totals(w), map[string]any{"window": w.String()})
}

func (s *Server) tiers(c *gin.Context) {
	if s.opts.Tiers == nil {
		Error(c, http.StatusServiceUnavailable, "market store unavailable", nil)
		return
	}
	counts, err := s.opts.Tiers.CountByTier(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("count tiers")
		Error(c, http.StatusInternalServerError, "count tiers failed", nil)
		return
	}
	out := make(map[string]int64, 3)
	for _, t := range []market.Tier{market.TierCatalog, market.TierCandles, market.TierOrderbook} {
		out[strconv.Itoa(int(t))] = counts[t]
	}
	Ok(c, out, nil)
}

type tierRequestBody struct {
	Strategy string `json:"strategy"`
	MarketID string `json:"market_id"`
	Tier     int    `json:"tier"`
	Reason   string `json:"reason"`
	TTL      string `json:"ttl"`
}

func (s *Server) submitRequest(c *gin.Context) {
	if s.opts.Requests == nil {
		Error(c, http.StatusServiceUnavailable, "tier requests unavailable", nil)
		return
	}
	var body tierRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", map[string]any{"error": err.Error()})
		return
	}
	var ttl time.Duration
	if strings.TrimSpace(body.TTL) != "" {
		d, err := time.ParseDuration(body.TTL)
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid ttl", map[string]any{"ttl": body.TTL})
			return
		}
		ttl = d
	}
	req, err := s.opts.Requests.Submit(c.Request.Context(), tierreq.Request{
		Strategy: body.Strategy,
		MarketID: body.MarketID,
		Tier:     market.Tier(body.Tier),
		Reason:   body.Reason,
		TTL:      ttl,
	})
	if err != nil {
		if errors.Is(err, tierreq.ErrInvalidRequest) {
			Error(c, http.StatusBadRequest, err.Error(), nil)
			return
		}
		s.logger.Error().Err(err).Msg("submit tier request")
		Error(c, http.StatusInternalServerError, "submit failed", nil)
		return
	}
	Ok(c, gin.H{
		"strategy":       req.Strategy,
		"market_id":      req.MarketID,
		"requested_tier": int(req.RequestedTier),
		"reason":         req.Reason,
		"requested_at":   req.RequestedAt,
		"expires_at":     req.ExpiresAt,
	}, nil)
}

func (s *Server) cancelRequest(c *gin.Context) {
	if s.opts.Requests == nil {
		Error(c, http.StatusServiceUnavailable, "tier requests unavailable", nil)
		return
	}
	if err := s.opts.Requests.Cancel(c.Request.Context(), c.Param("strategy"), c.Param("marketID")); err != nil {
		s.logger.Error().Err(err).Msg("cancel tier request")
		Error(c, http.StatusInternalServerError, "cancel failed", nil)
		return
	}
	Ok(c, nil, nil)
}
