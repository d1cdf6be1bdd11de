package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/logger"
	"github.com/wolfeidau/sessiond/internal/server"
	"github.com/wolfeidau/sessiond/internal/session"
	"github.com/wolfeidau/sessiond/internal/telemetry"
)

type ServeCmd struct {
	// Server configuration
	Listen          string        `help:"HTTP server listen address" default:"127.0.0.1:8080" env:"SESSIOND_LISTEN"`
	Config          string        `help:"YAML config file, values set there override flags" type:"existingfile" env:"SESSIOND_CONFIG"`
	ShutdownTimeout time.Duration `help:"time allowed for in-flight requests on shutdown" default:"15s"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" env:"SESSIOND_CORS_ORIGINS"`
	TrustProxy  bool     `help:"trust X-Forwarded-For and X-Real-IP headers" default:"false" env:"SESSIOND_TRUST_PROXY"`

	// Session lifecycle
	SessionTTL    time.Duration        `help:"lifetime of a new session" default:"1h" env:"SESSIOND_SESSION_TTL"`
	SweepInterval time.Duration        `help:"how often expired sessions are removed" default:"1m" env:"SESSIOND_SWEEP_INTERVAL"`
	ExpiryPolicy  session.ExpiryPolicy `help:"absolute keeps the creation expiry, sliding extends it on access" default:"absolute" enum:"absolute,sliding" env:"SESSIOND_EXPIRY_POLICY"`

	// Operational modes
	Tracing bool `help:"enable tracing" default:"false" env:"SESSIOND_TRACING"`

	// Store configuration
	Store StoreFlags `embed:""`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	if c.Config != "" {
		fileConfig, err := loadConfigFile(c.Config)
		if err != nil {
			return err
		}
		fileConfig.apply(c)
	}

	log := logger.Setup(globals.Debug)
	zlog.Logger = log

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "sessiond",
			Version:     globals.Version,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	sessionStore, err := c.Store.NewStore()
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}

	manager, err := session.NewManager(sessionStore, session.Config{
		DefaultTTL:    c.SessionTTL,
		SweepInterval: c.SweepInterval,
		Policy:        c.ExpiryPolicy,
	}, session.WithLogger(log))
	if err != nil {
		return err
	}

	if err := manager.Start(ctx); err != nil {
		return err
	}

	log.Info().
		Str("store", c.Store.StoreType).
		Bool("durable", c.Store.Durable()).
		Msg("Session store ready")

	handler := server.NewServer(manager).Handler(log, server.Options{
		CORSOrigins: c.CORSOrigins,
		TrustProxy:  c.TrustProxy,
		Tracing:     c.Tracing,
	})
	srv := configureHTTPServer(c.Listen, handler)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Msg("Starting HTTP server")
		serveErr <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown HTTP server")
	}

	// Requests have drained, stop the sweep and close the store last
	if err := manager.Shutdown(); err != nil {
		runErr = errors.Join(runErr, err)
	}

	log.Info().Msg("Server stopped")
	return runErr
}
