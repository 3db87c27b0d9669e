// Command flowd runs the pipeline worker and the webhook ingress in
// one process: task handlers long-poll the engine gateway while the
// HTTP server turns GitHub and Odoo callbacks into engine messages.
package main

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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tut-ua/flowd/internal/config"
	"github.com/tut-ua/flowd/internal/engine"
	"github.com/tut-ua/flowd/internal/gitops"
	"github.com/tut-ua/flowd/internal/handlers"
	"github.com/tut-ua/flowd/internal/observability"
	"github.com/tut-ua/flowd/internal/odoo"
	"github.com/tut-ua/flowd/internal/sshexec"
	"github.com/tut-ua/flowd/internal/webhook"
	"github.com/tut-ua/flowd/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics once per process and expose them on a
	// dedicated port, separate from the webhook listener.
	observability.InitMetrics()

	slog.Info("starting flowd",
		slog.String("env", cfg.AppEnv),
		slog.String("gateway", cfg.ZeebeAddress),
		slog.Int("servers", len(cfg.Servers)))

	var tokens *engine.TokenManager
	if cfg.UseOAuth() {
		tokens = engine.NewTokenManager(cfg.ZeebeClientID, cfg.ZeebeClientSecret, cfg.ZeebeTokenURL, cfg.ZeebeAudience)
		slog.Info("gateway auth enabled", slog.String("token_url", cfg.ZeebeTokenURL))
	}

	sshPool := sshexec.NewPool(cfg.SSHKeyPath)
	defer sshPool.Close()

	gh, err := gitops.New(cfg.Repository, cfg.GitHubToken, cfg.DeployPAT)
	if err != nil {
		slog.Error("github client setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	odooClient := odoo.New(cfg.OdooWebhookURL, cfg.OdooProjectID)

	reg := worker.NewRegistry()
	err = handlers.RegisterAll(reg, handlers.Deps{
		Cfg:    cfg,
		SSH:    sshPool,
		GitHub: gh,
		Odoo:   odooClient,
	})
	if err != nil {
		slog.Error("handler registration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("handlers registered", slog.Int("task_types", reg.Len()))

	// The webhook server publishes through its own gateway client so a
	// worker transport failure never takes the ingress down with it.
	pubClient, err := engine.NewClient(cfg, tokens)
	if err != nil {
		slog.Error("engine connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = pubClient.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return worker.RunLoop(ctx, newEngineFactory(cfg, tokens), reg, 0)
	})

	g.Go(func() error {
		return webhook.NewServer(cfg, pubClient).Run(ctx)
	})

	g.Go(func() error {
		return runMetricsServer(ctx, cfg.MetricsPort)
	})

	if err := g.Wait(); err != nil {
		slog.Error("flowd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("flowd stopped")
}

// newEngineFactory builds gateway clients for the worker supervision
// loop. Each rebuild discards the cached OAuth2 token first: when a
// stream died because the gateway stopped accepting the token, dialing
// again with the same one would fail every pass.
func newEngineFactory(cfg config.Config, tokens *engine.TokenManager) worker.EngineFactory {
	return func(ctx context.Context) (worker.Engine, func() error, error) {
		if tokens != nil {
			if err := tokens.Refresh(ctx); err != nil {
				// The interceptors fetch on demand, so a transient
				// token endpoint failure only delays auth, not dialing.
				slog.Warn("token refresh failed, dialing with on-demand fetch", slog.Any("error", err))
			}
		}
		c, err := engine.NewClient(cfg, tokens)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
}

// runMetricsServer serves /metrics until the context is cancelled.
func runMetricsServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics server listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
