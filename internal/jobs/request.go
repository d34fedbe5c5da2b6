// Package jobs schedules deferred, retryable background work.
//
// A Request names a job, its target and the earliest time it may run. Queues
// deliver each request at least once and retry failed handlers with backoff,
// so handlers must be safe to re-run.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobCompact folds a document's update log into a fresh snapshot.
const JobCompact = "post:compact"

var (
	// ErrInvalidRequest indicates that a request lacks a name or target.
	ErrInvalidRequest = errors.New("jobs: invalid request")
	// ErrUnknownJob indicates that no handler is registered for the job name.
	ErrUnknownJob = errors.New("jobs: unknown job")
	// ErrSkipRetry marks a handler failure that must not be retried.
	ErrSkipRetry = errors.New("jobs: skip retry")
)

// Priority orders queued work. Interactive work outranks maintenance.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityDefault
	PriorityCritical
)

// Queue returns the broker queue name that carries the priority.
func (p Priority) Queue() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityDefault:
		return "default"
	default:
		return "low"
	}
}

// QueueWeights are the relative polling weights of each priority queue.
func QueueWeights() map[string]int {
	return map[string]int{
		PriorityCritical.Queue(): 6,
		PriorityDefault.Queue():  3,
		PriorityLow.Queue():      1,
	}
}

// Request is a single scheduling request.
type Request struct {
	Name      string
	Target    string
	NotBefore time.Time
	Priority  Priority
}

// Validate checks that the request can be routed.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: missing job name", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Target) == "" {
		return fmt.Errorf("%w: missing target for %s", ErrInvalidRequest, r.Name)
	}
	return nil
}

// Handler processes one delivery of a job for target.
type Handler func(ctx context.Context, target string) error

// Queue accepts scheduling requests.
type Queue interface {
	Enqueue(ctx context.Context, request Request) error
}

// Registry maps job names to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Handle registers handler for name, replacing any earlier registration.
func (r *Registry) Handle(name string, handler Handler) {
	r.handlers[name] = handler
}

// Lookup returns the handler registered for name.
func (r *Registry) Lookup(name string) (Handler, error) {
	handler, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return handler, nil
}

// Names lists the registered job names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
