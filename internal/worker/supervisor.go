package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/tut-ua/flowd/internal/observability"
)

// EngineFactory builds a fresh engine client for one subscription
// pass. It is called after every transport failure, so it is the
// place to refresh credentials before redialing.
type EngineFactory func(ctx context.Context) (Engine, func() error, error)

// defaultRestartDelay spaces out rebuild attempts after a transport
// failure.
const defaultRestartDelay = 5 * time.Second

// RunLoop supervises the runtime: build a client, run a pass, and on
// failure tear down, wait, and rebuild. Returns nil once the context
// is cancelled; in-flight jobs at teardown are abandoned and re-leased
// by the engine.
func RunLoop(ctx context.Context, factory EngineFactory, reg *Registry, restartDelay time.Duration) error {
	if restartDelay <= 0 {
		restartDelay = defaultRestartDelay
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		eng, closer, err := factory(ctx)
		if err != nil {
			slog.Error("engine client build failed", slog.Any("error", err))
		} else {
			slog.Info("worker started, listening for jobs", slog.Int("task_types", reg.Len()))
			err = NewRuntime(eng, reg).Run(ctx)
			if closer != nil {
				_ = closer()
			}
			if ctx.Err() != nil {
				slog.Info("worker loop stopped")
				return nil
			}
			slog.Error("worker pass ended, restarting",
				slog.Any("error", err),
				slog.Duration("restart_delay", restartDelay))
			observability.EngineReconnectsTotal.Inc()
		}
		select {
		case <-ctx.Done():
			slog.Info("worker loop stopped")
			return nil
		case <-time.After(restartDelay):
		}
	}
}
