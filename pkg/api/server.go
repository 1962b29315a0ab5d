// REST and WebSocket ingress for the chainhookd indexer
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hirosystems/chainhook-indexer/internal/logger"
	"github.com/hirosystems/chainhook-indexer/pkg/chain"
	"github.com/hirosystems/chainhook-indexer/pkg/checkpoint"
	"github.com/hirosystems/chainhook-indexer/pkg/config"
	"github.com/hirosystems/chainhook-indexer/pkg/ingest"
	"github.com/hirosystems/chainhook-indexer/pkg/limiter"
	"github.com/hirosystems/chainhook-indexer/pkg/pool"
)

// Prometheus metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainhookd_http_requests_total",
			Help: "Total HTTP requests by endpoint and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainhookd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)
)

// Pool is the subset of BlockPool the ingress layer needs.
type Pool interface {
	ProcessBlock(block chain.StacksBlock) (*chain.ChainEvent, error)
	ProcessMicroblocks(mbs []chain.StacksMicroblock) (*chain.ChainEvent, error)
	CanonicalTip() (chain.BlockIdentifier, bool)
	Stats() pool.Stats
}

// Server is the ingress REST/WebSocket API server.
type Server struct {
	config     config.APIConfig
	log        *logger.Logger
	limiter    *limiter.RateLimiter
	pool       Pool
	checkpoint *checkpoint.Store
	wsHub      *WSHub
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new ingress API server.
func NewServer(
	cfg config.APIConfig,
	rateLimiter *limiter.RateLimiter,
	pool Pool,
	cp *checkpoint.Store,
	log *logger.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	wsHub := NewWSHub(log)
	go wsHub.Run()

	s := &Server{
		config:     cfg,
		log:        log,
		limiter:    rateLimiter,
		pool:       pool,
		checkpoint: cp,
		wsHub:      wsHub,
		router:     router,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.rateLimitMiddleware())
	s.router.Use(s.loggingMiddleware())

	if s.config.EnableCORS {
		s.router.Use(corsMiddleware())
	}

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.handleWebSocket)

	v1 := s.router.Group("/v1")
	{
		v1.POST("/new_block", s.handleNewBlock)
		v1.POST("/new_microblocks", s.handleNewMicroblocks)
		v1.POST("/new_burn_block", s.handleNewBurnBlock)
		v1.GET("/status", s.handleStatus)
	}
}

// Start starts the API server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.log.WithField("address", addr).Info("ingress API server starting")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Middleware

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := s.limiter.CheckRequest(c.Request.RemoteAddr)
		if !allowed {
			s.log.WithError(err).WithField("ip", c.ClientIP()).Warn("rate limit exceeded")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(path, method).Observe(duration.Seconds())

		s.log.WithFields(logger.Fields{
			"method":   method,
			"path":     path,
			"status":   status,
			"duration": duration,
			"ip":       c.ClientIP(),
		}).Info("ingress request")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"components": gin.H{
			"pool":         "ok",
			"checkpoint":   "ok",
			"rate_limiter": "ok",
		},
	})
}

func (s *Server) handleNewBlock(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	record, err := ingest.ParseNewBlock(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid new_block payload", "details": err.Error()})
		return
	}

	event, err := s.pool.ProcessBlock(record.Block)
	if err != nil {
		s.log.WithError(err).WithField("block", record.Block.ID.String()).Error("failed to process block")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process block"})
		return
	}

	if event != nil {
		s.broadcastChainEvent(event)
		if len(event.ConfirmedBlocks) > 0 && s.checkpoint != nil {
			if err := s.checkpoint.RecordConfirmedBlocks(event.ConfirmedBlocks); err != nil {
				s.log.WithError(err).Warn("failed to persist confirmed blocks")
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) handleNewMicroblocks(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	record, err := ingest.ParseNewMicroblocks(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid new_microblocks payload", "details": err.Error()})
		return
	}

	event, err := s.pool.ProcessMicroblocks(record.Microblocks)
	if err != nil {
		s.log.WithError(err).Error("failed to process microblocks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process microblocks"})
		return
	}

	if event != nil {
		s.broadcastChainEvent(event)
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) handleNewBurnBlock(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	record, err := ingest.ParseNewBurnBlock(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid new_burn_block payload", "details": err.Error()})
		return
	}

	if s.checkpoint != nil {
		tip, _ := s.pool.CanonicalTip()
		cursor := checkpoint.Cursor{
			BaseAnchor: chain.BlockIdentifier{Index: record.BurnBlock.BurnBlockHeight, Hash: record.BurnBlock.BurnBlockHash},
			StacksTip:  tip,
		}
		if err := s.checkpoint.RecordCheckpoint(cursor); err != nil {
			s.log.WithError(err).Warn("failed to persist checkpoint")
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) handleStatus(c *gin.Context) {
	tip, hasTip := s.pool.CanonicalTip()
	stats := s.pool.Stats()

	status := gin.H{
		"rate_limiter": s.limiter.Stats(),
		"pool": gin.H{
			"fork_count":         stats.ForkCount,
			"orphan_count":       stats.OrphanCount,
			"microfork_anchors":  stats.MicroForkAnchors,
			"canonical_height":   stats.CanonicalHeight,
			"has_canonical_tip":  hasTip,
			"canonical_tip_hash": tip.Hash,
		},
	}

	c.JSON(http.StatusOK, status)
}
