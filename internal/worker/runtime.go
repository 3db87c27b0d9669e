package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tut-ua/flowd/internal/domain"
	"github.com/tut-ua/flowd/internal/engine"
	"github.com/tut-ua/flowd/internal/observability"
	"github.com/tut-ua/flowd/internal/retry"
)

// Engine is the slice of the gateway client the runtime needs. Tests
// substitute a scripted fake.
type Engine interface {
	ActivateJobs(ctx context.Context, p engine.ActivationParams) ([]domain.Job, error)
	CompleteJob(ctx context.Context, jobKey int64, vars map[string]any) error
	FailJob(ctx context.Context, jobKey int64, retries int32, message string) error
	ThrowError(ctx context.Context, jobKey int64, code, message string) error
}

const (
	// defaultLongPoll is the server-side window one activation request
	// stays open waiting for jobs.
	defaultLongPoll = 30 * time.Second
	// handlerGuard is shaved off the job lease so the outcome report
	// reaches the engine before the lease expires.
	handlerGuard = 5 * time.Second
)

// Runtime runs one subscription pass: a poller per registered task
// type feeding a bounded set of executors. Any transport error ends
// the pass; the supervisor rebuilds the client and starts the next.
type Runtime struct {
	engine   Engine
	regs     []Registration
	longPoll time.Duration
}

// NewRuntime binds a registry to an engine client.
func NewRuntime(e Engine, reg *Registry) *Runtime {
	return &Runtime{engine: e, regs: reg.Registrations(), longPoll: defaultLongPoll}
}

// Run polls every registered task type until the context is cancelled
// or a poller hits a transport error. In-flight handlers are awaited
// before returning; jobs that were activated but not yet reported are
// re-leased by the engine after their timeout.
func (rt *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, reg := range rt.regs {
		g.Go(func() error { return rt.poll(gctx, reg) })
	}
	return g.Wait()
}

// poll long-polls one task type and hands activated jobs to at most
// reg.MaxConcurrent executors. Excess activations wait on the
// semaphore, which backpressures the next activation round.
func (rt *Runtime) poll(ctx context.Context, reg Registration) error {
	sem := make(chan struct{}, reg.MaxConcurrent)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		jobs, err := rt.engine.ActivateJobs(ctx, engine.ActivationParams{
			Type:           reg.Type,
			MaxJobs:        int32(reg.MaxConcurrent),
			JobTimeout:     reg.Timeout,
			RequestTimeout: rt.longPoll,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("poll %s: %w", reg.Type, err)
		}
		for _, job := range jobs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func(job domain.Job) {
				defer wg.Done()
				defer func() { <-sem }()
				rt.execute(ctx, reg, job)
			}(job)
		}
	}
}

// execute runs one job through the before middleware and the handler,
// then reports the single outcome.
func (rt *Runtime) execute(ctx context.Context, reg Registration, job domain.Job) {
	start := time.Now()
	observability.StartJob(job.Type)
	if reg.Before != nil {
		reg.Before(&job)
	}
	outcome := rt.invoke(ctx, reg, job)
	rt.report(ctx, job, outcome, time.Since(start))
}

// invoke calls the handler under the guarded deadline and maps its
// return to an outcome. A handler failing on its last retry becomes a
// BPMN error so error boundary events can route it.
func (rt *Runtime) invoke(ctx context.Context, reg Registration, job domain.Job) domain.Outcome {
	budget := reg.Timeout - handlerGuard
	if budget < reg.Timeout/2 {
		budget = reg.Timeout / 2
	}
	hctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	vars, err := safeInvoke(hctx, reg.Handler, job)
	if err == nil {
		return domain.Completed(vars)
	}
	if job.Retries > 1 {
		slog.Warn("job failed, retrying",
			slog.Int64("job_key", job.Key),
			slog.String("type", job.Type),
			slog.Int("retries_left", int(job.Retries-1)),
			slog.Any("error", err))
		return domain.Failed(job.Retries-1, "Failed job. Error: "+err.Error())
	}
	code := domain.CodeOf(err)
	slog.Error("job exhausted retries, throwing BPMN error",
		slog.Int64("job_key", job.Key),
		slog.String("type", job.Type),
		slog.String("error_code", code),
		slog.Any("error", err))
	return domain.BpmnError(code, domain.Truncate(err.Error(), 500))
}

// safeInvoke shields the runtime from handler panics, converting them
// to errors so the outcome contract holds.
func safeInvoke(ctx context.Context, h Handler, job domain.Job) (vars map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, job)
}

// report delivers the outcome, retrying transient gateway failures. If
// reporting ultimately fails the job is abandoned; the engine
// re-leases it after the lease expires, which keeps the engine as the
// only queue.
func (rt *Runtime) report(ctx context.Context, job domain.Job, outcome domain.Outcome, took time.Duration) {
	op := func() error {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		switch outcome.Kind {
		case domain.OutcomeCompleted:
			return rt.engine.CompleteJob(rctx, job.Key, outcome.Variables)
		case domain.OutcomeFailed:
			return rt.engine.FailJob(rctx, job.Key, outcome.Retries, outcome.Message)
		default:
			return rt.engine.ThrowError(rctx, job.Key, outcome.Code, outcome.Message)
		}
	}
	if err := retry.Do(ctx, op, 3, time.Second, 2); err != nil {
		slog.Error("outcome report failed, job will be re-leased",
			slog.Int64("job_key", job.Key),
			slog.String("type", job.Type),
			slog.Any("error", err))
		observability.FailJob(job.Type, took)
		return
	}
	switch outcome.Kind {
	case domain.OutcomeCompleted:
		observability.CompleteJob(job.Type, took)
	case domain.OutcomeFailed:
		observability.FailJob(job.Type, took)
	default:
		observability.BpmnErrorJob(job.Type, took)
	}
}
