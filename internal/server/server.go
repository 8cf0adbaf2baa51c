// Package server exposes the dashboard REST surface, the gateway webhook
// endpoint and the SSE bridge feeding connected browsers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zapdeskhq/zapdesk/internal/gateway"
	"github.com/zapdeskhq/zapdesk/internal/pubsub"
	"github.com/zapdeskhq/zapdesk/internal/relay"
	"gorm.io/gorm"
)

// Opts holds configuration for the HTTP server.
type Opts struct {
	DB         *gorm.DB
	Gateway    *gateway.Client
	Publisher  pubsub.Publisher
	Bridge     *pubsub.MemoryBroker
	Processor  *relay.Processor
	Port       int
	AuthToken  string
	WebhookURL string
	Log        *slog.Logger
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	if opts.DB == nil {
		return fmt.Errorf("server: db is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	router := newRouter(opts)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	opts.Log.Info("server listening", slog.Int("port", opts.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// newRouter assembles the Gin engine with all routes registered.
func newRouter(opts Opts) *gin.Engine {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router
}

// authRequired rejects requests without the configured bearer token. The
// webhook and health endpoints are registered outside this middleware; the
// gateway cannot present our token.
func authRequired(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || presented != token || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
