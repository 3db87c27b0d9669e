package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/tut-ua/flowd/internal/config"
	"github.com/tut-ua/flowd/internal/domain"
	"github.com/tut-ua/flowd/internal/observability"
)

// Publisher is the slice of the engine client the webhook server
// needs: message publication plus instance cancellation for the Odoo
// cancel action.
type Publisher interface {
	PublishMessage(ctx context.Context, msg domain.Message) (int64, error)
	CancelProcessInstance(ctx context.Context, processInstanceKey int64) error
}

// messageTTL bounds how long a published message waits for its
// subscription; a redelivered webhook refreshes it.
const messageTTL = 5 * time.Minute

// Server bridges inbound webhooks to engine messages.
type Server struct {
	cfg      config.Config
	pub      Publisher
	validate *validator.Validate
}

// NewServer builds the webhook server on the given publisher.
func NewServer(cfg config.Config, pub Publisher) *Server {
	return &Server{cfg: cfg, pub: pub, validate: validator.New()}
}

// Routes assembles the router with the full middleware chain.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(SecurityHeaders)
	r.Use(httprate.LimitByIP(s.cfg.RateLimitPerMin, time.Minute))

	r.Get("/health", s.handleHealth)
	r.Post("/webhook/github", s.handleGitHub)
	r.Post("/webhook/odoo", s.handleOdoo)
	return r
}

// Run serves until the context is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.WebhookAddr(),
		Handler:           s.Routes(),
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("webhook server listening", slog.String("addr", srv.Addr))
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("webhook server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// publish sends one message with the default TTL applied. The engine
// client records the publish outcome metric.
func (s *Server) publish(ctx context.Context, msg domain.Message) error {
	if msg.TimeToLive == 0 {
		msg.TimeToLive = messageTTL
	}
	_, err := s.pub.PublishMessage(ctx, msg)
	return err
}
