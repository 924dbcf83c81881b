package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"paper-trading-engine/config"
	"paper-trading-engine/internal/engine"
)

// Server is the HTTP facade over the engine. All mutation routes go through
// the engine's own gates; the API never touches the ledger directly.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine
	logger zerolog.Logger
	http   *http.Server
}

// New builds the router and wraps it in an http.Server.
func New(cfg *config.Config, eng *engine.Engine, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if cfg.CORSOrigin == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{cfg.CORSOrigin}
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsCfg))

	s := &Server{
		cfg:    cfg,
		engine: eng,
		logger: logger,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.BackendPort),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/health", s.handleHealth)
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.GET("/trades", s.handleTrades)
		apiGroup.GET("/decisions", s.handleDecisions)
		apiGroup.GET("/strategy", s.handleStrategy)
		apiGroup.GET("/training", s.handleTraining)
		apiGroup.POST("/force-trade", s.handleForceTrade)
		apiGroup.POST("/settings", s.handleSettings)
		apiGroup.POST("/breaker/reset", s.handleBreakerReset)
		apiGroup.POST("/refine", s.handleRefine)
	}
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("api listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	status := s.engine.Status()
	breaker := s.engine.Breaker()
	c.JSON(http.StatusOK, gin.H{
		"engine": status,
		"breaker": gin.H{
			"tripped": breaker.Tripped(),
			"reasons": breaker.Reasons(),
		},
		"symbols":   s.cfg.Symbols,
		"timeframe": s.cfg.Timeframe,
		"mode":      s.cfg.Mode,
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	limit := queryLimit(c, 50)
	trades, err := s.engine.Store().RecentTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) handleDecisions(c *gin.Context) {
	limit := queryLimit(c, 50)
	decisions, err := s.engine.Store().RecentDecisions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions, "count": len(decisions)})
}

func (s *Server) handleStrategy(c *gin.Context) {
	state := s.engine.Strategy()
	params, version := state.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version":            version,
		"params":             params,
		"lastRefinementTime": state.LastRefinementTime(),
		"history":            state.History(),
		"warnings":           state.Warnings(),
	})
}

func (s *Server) handleTraining(c *gin.Context) {
	entries := s.engine.TrainingLog()
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleForceTrade(c *gin.Context) {
	var req engine.ForceTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.engine.ForceTrade(c.Request.Context(), req)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", req.Symbol).Msg("force trade rejected")
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "result": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

type settingsRequest struct {
	AutoPaper           *bool    `json:"autoPaper"`
	ConfidenceThreshold *float64 `json:"confidenceThreshold"`
}

func (s *Server) handleSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ConfidenceThreshold != nil && (*req.ConfidenceThreshold <= 0 || *req.ConfidenceThreshold > 1) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confidenceThreshold must be in (0,1]"})
		return
	}
	s.engine.UpdateSettings(req.AutoPaper, req.ConfidenceThreshold)
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	s.engine.Breaker().Reset()
	s.logger.Info().Str("remote", c.ClientIP()).Msg("circuit breaker reset via api")
	c.JSON(http.StatusOK, gin.H{"tripped": false})
}

func (s *Server) handleRefine(c *gin.Context) {
	go s.engine.RunRefinement(time.Now())
	c.JSON(http.StatusAccepted, gin.H{"status": "refinement started"})
}

func queryLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}
