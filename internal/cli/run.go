package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/watchtower/internal/agent"
	"github.com/tripwire/watchtower/internal/audit"
	"github.com/tripwire/watchtower/internal/config"
	"github.com/tripwire/watchtower/internal/history"
	"github.com/tripwire/watchtower/internal/learner"
	"github.com/tripwire/watchtower/internal/logging"
	"github.com/tripwire/watchtower/internal/metrics"
	"github.com/tripwire/watchtower/internal/notify"
	"github.com/tripwire/watchtower/internal/queue"
	"github.com/tripwire/watchtower/internal/rules"
	"github.com/tripwire/watchtower/internal/server/rest"
	"github.com/tripwire/watchtower/internal/server/storage"
	"github.com/tripwire/watchtower/internal/server/websocket"
	"github.com/tripwire/watchtower/internal/watcher"
	"github.com/tripwire/watchtower/internal/webhook"
)

const (
	shutdownTimeout = 30 * time.Second
	wsClientBuffer  = 64
	wsWriteTimeout  = 10 * time.Second
)

func (a *app) newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch the configured directory and serve the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.LogLevel)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			d, err := newDaemon(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return d.run(ctx)
		},
	}
}

// daemon holds every long-lived component of a running monitor.
type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store       *audit.Store
	agent       *agent.Agent
	notifier    *notify.Notifier
	broadcaster *websocket.Broadcaster
	outbox      *queue.Outbox
	deliverer   *queue.Deliverer
	matchStore  *storage.Store
	httpServer  *http.Server
}

// newDaemon opens storage and wires the pipeline, handlers and HTTP API.
// Optional integrations are enabled by their configuration sections.
func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			d.closeStores()
		}
	}()

	d.store, err = audit.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	hist := history.New()
	eval := rules.NewEvaluator(hist, logger,
		rules.WithFaultHook(func(rules.Rule, error) { d.metrics.RuleEvalFaults.Inc() }),
	)
	d.notifier = notify.New(d.store, logger,
		notify.WithFailureHook(func(string, error) { d.metrics.HandlerFailures.Inc() }),
	)
	d.notifier.RegisterHandler("log", notify.LogHandler(logger))

	d.broadcaster = websocket.NewBroadcaster(logger, wsClientBuffer)
	d.notifier.RegisterHandler("websocket", d.broadcaster.Handler())

	if cfg.Webhook.URL != "" {
		d.outbox, err = queue.New(cfg.OutboxPath)
		if err != nil {
			return nil, err
		}
		sender := webhook.New(cfg.Webhook.URL,
			webhook.WithHeaders(cfg.Webhook.Headers),
			webhook.WithTimeout(cfg.Webhook.Timeout),
		)
		d.deliverer = queue.NewDeliverer(d.outbox, sender, logger,
			queue.WithBatchSize(cfg.Webhook.BatchSize),
			queue.WithPollInterval(cfg.Webhook.PollInterval),
			queue.WithMaxAttempts(cfg.Webhook.MaxAttempts),
			queue.WithDepthHook(func(n int) { d.metrics.OutboxPending.Set(float64(n)) }),
		)
		d.notifier.RegisterHandler("webhook-outbox", d.outbox.Handler())
		logger.Info("webhook delivery enabled", slog.String("url", sender.URL()))
	}

	if cfg.Postgres.DSN != "" {
		d.matchStore, err = storage.New(ctx, cfg.Postgres.DSN, logger, 0, 0)
		if err != nil {
			return nil, err
		}
		d.notifier.RegisterHandler("postgres", d.matchStore.Handler())
		logger.Info("PostgreSQL match history enabled")
	}

	fw, err := watcher.NewFileWatcher(cfg.WatchDir, logger, watcher.Options{
		Debounce:    cfg.Watcher.Debounce,
		Ignore:      cfg.Watcher.Ignore,
		IgnoreNames: cfg.Watcher.IgnoreNames,
		Exclude:     selfWrittenPaths(cfg),
	})
	if err != nil {
		return nil, err
	}
	d.agent = agent.New(d.store, eval, d.notifier, logger,
		agent.WithWatchers(fw),
		agent.WithMetrics(d.metrics),
		agent.WithHistory(hist),
	)

	deps := rest.Deps{
		Audit:   d.store,
		Index:   hist,
		Health:  http.HandlerFunc(d.agent.HealthzHandler),
		Metrics: d.metrics.Handler(),
		Live:    websocket.NewHandler(d.broadcaster, logger, wsWriteTimeout),
		Logger:  logger,
	}
	if d.matchStore != nil {
		deps.History = d.matchStore
	}
	if cfg.LearningEnabled() {
		gen, err := learner.NewGeminiGenerator(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			return nil, err
		}
		deps.Learner = learner.New(gen, logger, learner.WithTimeout(cfg.LLM.Timeout))
	} else {
		logger.Warn("no LLM API key configured; rule learning disabled")
	}

	auth, err := loadAuth(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}

	d.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      rest.NewRouter(rest.NewServer(deps), auth),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return d, nil
}

// loadAuth reads the JWT public key. A nil config disables authentication.
func loadAuth(cfg config.AuthConfig, logger *slog.Logger) (*rest.JWTConfig, error) {
	if cfg.JWTPublicKeyPath == "" {
		logger.Warn("auth.jwt_public_key_path not configured; API authentication disabled")
		return nil, nil
	}
	pemData, err := os.ReadFile(cfg.JWTPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read JWT public key: %w", err)
	}
	key, err := rest.ParseRSAPublicKey(pemData)
	if err != nil {
		return nil, err
	}
	logger.Info("JWT validation enabled")
	return &rest.JWTConfig{
		PublicKey: key,
		Issuer:    cfg.Issuer,
		Audience:  cfg.Audience,
		Logger:    logger,
	}, nil
}

// run starts every component and blocks until ctx is cancelled or the HTTP
// server fails, then shuts down in dependency order.
func (d *daemon) run(ctx context.Context) error {
	d.logger.Info("watchtower starting",
		slog.String("watch_dir", d.cfg.WatchDir),
		slog.String("data_dir", d.cfg.DataDir),
		slog.String("http_addr", d.cfg.HTTPAddr),
	)

	if err := d.agent.Start(ctx); err != nil {
		d.closeStores()
		return err
	}

	deliverCtx, cancelDeliver := context.WithCancel(context.WithoutCancel(ctx))
	deliverDone := make(chan struct{})
	if d.deliverer != nil {
		go func() {
			defer close(deliverDone)
			d.deliverer.Run(deliverCtx)
		}()
	} else {
		close(deliverDone)
	}

	httpErrCh := make(chan error, 1)
	go func() {
		d.logger.Info("HTTP server listening", slog.String("addr", d.cfg.HTTPAddr))
		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info("received shutdown signal")
	case err := <-httpErrCh:
		if err != nil {
			d.logger.Error("HTTP server error", slog.Any("error", err))
			runErr = err
		}
	}

	d.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}
	if err := d.agent.Stop(shutdownCtx); err != nil {
		d.logger.Warn("pipeline shutdown error", slog.Any("error", err))
	}
	d.broadcaster.Close()

	// One last delivery pass for matches enqueued while draining.
	cancelDeliver()
	<-deliverDone
	if d.deliverer != nil {
		if _, err := d.deliverer.DeliverOnce(shutdownCtx); err != nil {
			d.logger.Warn("final webhook delivery failed", slog.Any("error", err))
		}
	}

	d.closeStores()
	d.logger.Info("watchtower exited cleanly")
	return runErr
}

func (d *daemon) closeStores() {
	if d.matchStore != nil {
		d.matchStore.Close(context.Background())
	}
	if d.outbox != nil {
		if err := d.outbox.Close(); err != nil {
			d.logger.Warn("close outbox", slog.Any("error", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("close audit store", slog.Any("error", err))
		}
	}
}

// selfWrittenPaths lists what the daemon itself writes, so a data dir or
// outbox inside watch_dir never feeds its own writes back as observations.
func selfWrittenPaths(cfg *config.Config) []string {
	return []string{
		cfg.DataDir,
		cfg.OutboxPath,
		cfg.OutboxPath + "-wal",
		cfg.OutboxPath + "-shm",
		cfg.OutboxPath + "-journal",
	}
}
