// Package app wires the gateway's subsystems into a running HTTP server.
//
// The App owns the full lifecycle: [New] connects the store and builds the
// routes, [Run] serves until the context is cancelled, and [Shutdown] drains
// live call sessions under the caller's deadline.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kilobco/sb-voice-gateway/internal/config"
	"github.com/kilobco/sb-voice-gateway/internal/health"
	"github.com/kilobco/sb-voice-gateway/internal/observe"
	"github.com/kilobco/sb-voice-gateway/internal/session"
	"github.com/kilobco/sb-voice-gateway/internal/store"
	"github.com/kilobco/sb-voice-gateway/internal/telephony"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	gateway  store.Gateway
	registry *session.Registry
	transfer *telephony.TransferController
	metrics  *observe.Metrics

	server *http.Server

	// sessionsCtx is the parent context of every call session; cancelling it
	// drives each session through its close path during shutdown.
	sessionsCtx    context.Context
	cancelSessions context.CancelFunc

	// wg tracks live stream handlers so Shutdown can wait for their
	// teardown (terminal writes included) to finish.
	wg sync.WaitGroup

	// closers are called in order during Shutdown.
	closers  []func()
	stopOnce sync.Once
}

// Option is a functional option for [New]. Use these to inject test doubles.
type Option func(*App)

// WithGateway injects a persistence gateway instead of connecting to the
// database from config.
func WithGateway(g store.Gateway) Option {
	return func(a *App) { a.gateway = g }
}

// WithTransferController injects a transfer controller, e.g. one pointed at
// a mock REST server.
func WithTransferController(t *telephony.TransferController) Option {
	return func(a *App) { a.transfer = t }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: session.NewRegistry(),
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if a.gateway == nil {
		pg, err := store.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: connect store: %w", err)
		}
		a.gateway = pg
		a.closers = append(a.closers, pg.Close)
	}

	if a.transfer == nil {
		var transferOpts []telephony.TransferOption
		if cfg.Telephony.APIBase != "" {
			transferOpts = append(transferOpts, telephony.WithAPIBase(cfg.Telephony.APIBase))
		}
		a.transfer = telephony.NewTransferController(
			cfg.Telephony.AccountSID,
			cfg.Telephony.AuthToken,
			transferOpts...,
		)
	}

	a.sessionsCtx, a.cancelSessions = context.WithCancel(context.WithoutCancel(ctx))

	mux := http.NewServeMux()
	health.New(a.registry).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /twiml", a.handleTwiml)
	mux.HandleFunc("GET /stream", a.handleStream)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Handler exposes the route mux, for tests.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Run serves HTTP until ctx is cancelled, then returns. The actual drain of
// live sessions happens in [Shutdown].
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("listening", "addr", a.cfg.Server.ListenAddr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		// Stop accepting; live WebSocket sessions are drained by Shutdown.
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.server.Shutdown(closeCtx)
		return nil
	})

	return g.Wait()
}

// Shutdown terminates all sessions and releases resources. It returns an
// error when the drain exceeds ctx's deadline; the process should then exit
// non-zero.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("draining sessions", "live", a.registry.Len())
		a.cancelSessions()

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: shutdown deadline exceeded with %d sessions live", a.registry.Len())
		}

		for _, c := range a.closers {
			c()
		}
	})
	return err
}
