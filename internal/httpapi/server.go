// Package httpapi serves the session lifecycle API, the provider webhook
// endpoint and the realtime transports over gin.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/realtime"
	"github.com/zulandar/switchboard/internal/session"
	"github.com/zulandar/switchboard/internal/webhook"
)

// WebhookHandler processes one signed provider callback.
type WebhookHandler interface {
	Handle(ctx context.Context, body []byte, signature string) (webhook.Outcome, error)
}

// DeliveryLog lists recently audited deliveries.
type DeliveryLog interface {
	Recent(ctx context.Context, limit int) ([]models.WebhookDelivery, error)
}

// RouterOpts holds the collaborators the API serves. Deliveries is optional.
type RouterOpts struct {
	Config     *config.Config
	Store      *session.Store
	Hub        *realtime.Hub
	Webhooks   WebhookHandler
	Realtime   http.Handler
	Deliveries DeliveryLog
	// HeartbeatInterval paces SSE keepalives. Defaults to 15s.
	HeartbeatInterval time.Duration
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	RouterOpts
	Out io.Writer
}

// NewRouter validates opts and builds the gin engine with every route
// registered.
func NewRouter(opts RouterOpts) (*gin.Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("httpapi: config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("httpapi: store is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("httpapi: hub is required")
	}
	if opts.Webhooks == nil {
		return nil, fmt.Errorf("httpapi: webhook handler is required")
	}
	if opts.Realtime == nil {
		return nil, fmt.Errorf("httpapi: realtime handler is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}))
	router.Use(corsMiddleware(opts.Config.Server.AllowedOrigins))

	registerRoutes(router, &api{opts: opts})
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts.RouterOpts)
	if err != nil {
		return err
	}

	port := opts.Config.Server.Port
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: opts.Config.Server.ReadHeaderTimeout,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Switchboard listening on http://localhost:%d\n", port)
		fmt.Fprintf(opts.Out, "  Webhook:  POST /webhook (signature header %q)\n", opts.Config.Webhook.SignatureHeader)
		fmt.Fprintf(opts.Out, "  Realtime: %s\n", opts.Config.Server.PublicURL)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: %w", err)
	}
	return nil
}
