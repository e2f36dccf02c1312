// Package adapter defines the pluggable dispatch boundary the
// executor calls into for each step action. Actions map to handlers
// through a registry rather than a type switch, so new actions can be
// added without touching the executor.
package adapter

import (
	"context"
	"time"

	"github.com/sintraprime/ger/internal/model"
)

// Result is what an adapter reports back to the executor after
// dispatching one step.
type Result struct {
	HTTPStatus int
	ExitCode   int
	Stdout     string
	Stderr     string
	Response   map[string]interface{}
	Duration   time.Duration
}

// Success reports whether the adapter considers this outcome a
// success (exit code 0, or HTTP 2xx when HTTPStatus is set).
func (r Result) Success() bool {
	if r.HTTPStatus != 0 {
		return r.HTTPStatus >= 200 && r.HTTPStatus < 300
	}
	return r.ExitCode == 0
}

// Adapter dispatches one step and returns its outcome.
type Adapter interface {
	Run(ctx context.Context, step model.Step) (Result, error)
}

// Registry maps action names to adapters.
type Registry struct {
	adapters map[model.Action]Adapter
}

// NewRegistry constructs an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.Action]Adapter)}
}

// Register binds an action to an adapter. Registering the same action
// twice overwrites the previous binding; last registration wins.
func (r *Registry) Register(action model.Action, a Adapter) {
	r.adapters[action] = a
}

// Lookup returns the adapter for action, if registered.
func (r *Registry) Lookup(action model.Action) (Adapter, bool) {
	a, ok := r.adapters[action]
	return a, ok
}
