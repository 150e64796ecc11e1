// Package admin serves the operator HTTP surface of a GDNP node: health,
// readiness, Prometheus metrics, live sessions and commit history.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/gdnp/internal/observability"
	"github.com/danmuck/gdnp/internal/server"
	"github.com/danmuck/gdnp/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	version         = "0.1.0"
	defaultHistory  = 20
	maxHistory      = 500
	shutdownTimeout = 5 * time.Second
)

// Node is the server view the admin routes read.
type Node interface {
	NodeID() string
	Ready() bool
	Uptime() time.Duration
	Sessions() []server.SessionInfo
}

// History is the commit log the /commits routes read.
type History interface {
	History(limit int) ([]store.Commit, error)
	Last() (store.Commit, error)
}

type Config struct {
	Addr        string
	CORSOrigins []string
}

type Admin struct {
	cfg     Config
	node    Node
	history History
	router  *gin.Engine
}

// New builds the router and registers every route. history may be nil.
func New(cfg Config, node Node, history History) *Admin {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(node.NodeID()))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{cfg: cfg, node: node, history: history, router: r}
	a.registerRoutes()
	return a
}

func (a *Admin) Router() *gin.Engine {
	return a.router
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  a.node.Uptime().String(),
			"node":    a.node.NodeID(),
			"version": version,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !a.node.Ready() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   a.node.Ready(),
			"uptime":  a.node.Uptime().String(),
			"node":    a.node.NodeID(),
			"version": version,
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": a.node.Sessions()})
	})

	a.router.GET("/sessions/:id", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		for _, info := range a.node.Sessions() {
			if info.ID == uint32(id) {
				c.JSON(http.StatusOK, info)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	})

	a.router.GET("/commits", func(c *gin.Context) {
		if a.history == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "commit history disabled"})
			return
		}
		limit := defaultHistory
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = min(n, maxHistory)
		}
		commits, err := a.history.History(limit)
		if err != nil {
			log.Error().Err(err).Msg("commit history read failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"commits": commits})
	})

	a.router.GET("/commits/last", func(c *gin.Context) {
		if a.history == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "commit history disabled"})
			return
		}
		last, err := a.history.Last()
		if errors.Is(err, store.ErrEmpty) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no commits recorded"})
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("last commit read failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, last)
	})
}

// Serve listens on cfg.Addr until ctx ends, then shuts down gracefully.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.cfg.Addr).Msg("admin server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
