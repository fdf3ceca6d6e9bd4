package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"turnrelay/pkg/channel"
	"turnrelay/pkg/config"
)

const shutdownTimeout = 5 * time.Second

// Adapter serves the Turn webhook under the configured path prefix and routes
// replies back through a shared Dispatcher.
type Adapter struct {
	cfg        config.TurnConfig
	dedup      Deduplicator
	dispatcher *Dispatcher
	log        *slog.Logger
}

var _ channel.Adapter = (*Adapter)(nil)

// NewAdapter builds the Turn adapter and its process-wide API client and media cache.
func NewAdapter(cfg config.TurnConfig, dedup Deduplicator, log *slog.Logger) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}

	client, err := NewClient(cfg, nil, log.With("component", "channel.turn.client"))
	if err != nil {
		return nil, err
	}
	media := NewMediaResolver(client, log.With("component", "channel.turn.media"))

	return &Adapter{
		cfg:        cfg,
		dedup:      dedup,
		dispatcher: NewDispatcher(client, media, log.With("component", "channel.turn.dispatcher")),
		log:        log,
	}, nil
}

func (a *Adapter) Name() string {
	return ChannelName
}

// Dispatcher returns the unbound reply dispatcher.
func (a *Adapter) Dispatcher() *Dispatcher {
	return a.dispatcher
}

// Handler mounts the webhook routes under the path prefix.
func (a *Adapter) Handler(handler channel.Handler) (http.Handler, error) {
	webhook, err := NewWebhook(WebhookOptions{
		HMACSecret:   a.cfg.HMACSecret,
		MaxBodyBytes: a.cfg.MaxBodyBytes,
		Handler:      handler,
		Dedup:        a.dedup,
		Routes:       a.dispatcher.Route,
		Logger:       a.log.With("component", "channel.turn.webhook"),
	})
	if err != nil {
		return nil, err
	}

	prefix := strings.TrimRight(a.cfg.PathPrefix, "/")
	if prefix == "" {
		return webhook.Routes(), nil
	}

	mux := http.NewServeMux()
	mux.Handle(prefix+"/", http.StripPrefix(prefix, webhook.Routes()))
	return mux, nil
}

// Run serves the webhook until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("turn handler is required")
	}

	routes, err := a.Handler(handler)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(strings.TrimSpace(a.cfg.Host), strconv.Itoa(a.cfg.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           routes,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	a.log.With("component", "channel.turn").Info("Turn webhook listening", "address", addr, "path_prefix", a.cfg.PathPrefix)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve turn webhook: %w", err)
	}

	return ctx.Err()
}
