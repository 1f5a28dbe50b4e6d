package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/team-draft/internal/clock"
	"github.com/DoyleJ11/team-draft/internal/config"
	"github.com/DoyleJ11/team-draft/internal/draft"
	"github.com/DoyleJ11/team-draft/internal/httpapi"
	"github.com/DoyleJ11/team-draft/internal/hub"
	"github.com/DoyleJ11/team-draft/internal/lobby"
	"github.com/DoyleJ11/team-draft/internal/logging"
	"github.com/DoyleJ11/team-draft/internal/metrics"
	"github.com/DoyleJ11/team-draft/internal/roster"
	"github.com/DoyleJ11/team-draft/internal/store"
	"github.com/DoyleJ11/team-draft/internal/store/memory"
	"github.com/DoyleJ11/team-draft/internal/store/postgres"
	"github.com/DoyleJ11/team-draft/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.NewJSON(cfg.LogLevel)
	logging.SetDefault(logger)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	var st store.Store
	if cfg.DatabaseURL == "" {
		logger.Info("using in-memory store")
		st = memory.New()
	} else {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.WithLogger(logger))
		if err != nil {
			return errors.Wrap(err, "open postgres")
		}
		g.Go(func() error { return pg.Listen(ctx) })
		st = pg
	}
	defer st.Close()

	m := metrics.New()
	svc := draft.NewService(st, roster.Default(),
		draft.WithMetrics(m),
		draft.WithLogger(logger),
		draft.WithDefaultMode(cfg.DefaultMode),
		draft.WithCodeAttempts(cfg.CodeAttempts),
	)

	// Lobbies outlive request contexts and stop with the hub.
	h := hub.NewHub(context.Background(), lobby.Config{
		Source:   svc,
		Resolver: svc,
		Logger:   logger,
		Metrics:  m,
		Clock:    []clock.Option{clock.WithInterval(cfg.TickInterval)},
	})

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Service: svc,
			Hub:     h,
			Metrics: m,
			Logger:  logger,
			WS: ws.Options{
				WriteTimeout: cfg.WSWriteTimeout,
				PingInterval: cfg.WSPingInterval,
				Buffer:       cfg.ClientBuffer,
				Logger:       logger,
			},
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("http server starting", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown; closing
		// the lobbies closes their outboxes, which ends each session.
		h.Shutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "graceful shutdown")
		}
		return nil
	})

	err := g.Wait()
	if err != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("http server stopped")
	return err
}
