// Package worker owns the job subscription lifecycle: it long-polls
// the engine for activated jobs, dispatches them to registered
// handlers under per-type concurrency caps, and reports exactly one
// outcome per job.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/tut-ua/flowd/internal/domain"
)

// Handler executes one job and returns the variables to complete it
// with. A returned error fails the job; the runtime decides between a
// retry and a BPMN error based on the retries left.
type Handler func(ctx context.Context, job domain.Job) (map[string]any, error)

// Registration binds one task type to a handler.
type Registration struct {
	Type    string
	Handler Handler
	// Timeout is the lease the engine grants per job; the handler
	// itself runs under this minus a guard margin.
	Timeout time.Duration
	// MaxConcurrent caps in-flight handler invocations for this type
	// and doubles as the activation batch size.
	MaxConcurrent int
	// Before runs on the job prior to the handler, typically to lift
	// job metadata into the variable map.
	Before func(*domain.Job)
}

// Registry holds the handler registrations in registration order.
type Registry struct {
	order []Registration
	types map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]struct{})}
}

// Register adds one registration. Task types are unique within a
// runtime; a duplicate or an incomplete registration is a programming
// error and is rejected here rather than at poll time.
func (r *Registry) Register(reg Registration) error {
	if reg.Type == "" {
		return fmt.Errorf("register handler: empty task type")
	}
	if reg.Handler == nil {
		return fmt.Errorf("register handler %s: nil handler", reg.Type)
	}
	if _, dup := r.types[reg.Type]; dup {
		return fmt.Errorf("register handler %s: duplicate task type", reg.Type)
	}
	if reg.Timeout <= 0 {
		reg.Timeout = 5 * time.Minute
	}
	if reg.MaxConcurrent <= 0 {
		reg.MaxConcurrent = 1
	}
	r.types[reg.Type] = struct{}{}
	r.order = append(r.order, reg)
	return nil
}

// Registrations returns the registrations in registration order.
func (r *Registry) Registrations() []Registration {
	return r.order
}

// Len reports how many task types are registered.
func (r *Registry) Len() int { return len(r.order) }
