// Package dispatch maps (domain, operation) pairs to task handlers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/taskrouter/internal/codec"
	"github.com/cuongbtq/taskrouter/internal/domain"
)

var (
	// ErrUnknownOperation is returned by Lookup when nothing is registered
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrDuplicateHandler is returned when a pair is registered twice
	ErrDuplicateHandler = errors.New("handler already registered")
)

// Result is what a handler produced for a task
type Result map[string]any

// Handler executes one operation of one domain
type Handler interface {
	Handle(ctx context.Context, msg *domain.Message) (Result, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, msg *domain.Message) (Result, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *domain.Message) (Result, error) {
	return f(ctx, msg)
}

// SchemaProvider is implemented by handlers that declare decode hints for
// their payload
type SchemaProvider interface {
	Schema() codec.Schema
}

// PermanentError marks a handler failure that retrying cannot fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent failure: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the retry policy skips further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

type key struct {
	domain    domain.Domain
	operation string
}

// Registry is populated at startup and read concurrently afterwards
type Registry struct {
	mu       sync.RWMutex
	handlers map[key]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[key]Handler),
	}
}

// Register binds h to (d, operation)
func (r *Registry) Register(d domain.Domain, operation string, h Handler) error {
	if !d.Valid() {
		return fmt.Errorf("register %s/%s: unknown domain", d, operation)
	}
	if operation == "" {
		return fmt.Errorf("register %s: operation is required", d)
	}
	if h == nil {
		return fmt.Errorf("register %s/%s: nil handler", d, operation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{domain: d, operation: operation}
	if _, ok := r.handlers[k]; ok {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateHandler, d, operation)
	}
	r.handlers[k] = h
	return nil
}

// Lookup returns the handler bound to (d, operation)
func (r *Registry) Lookup(d domain.Domain, operation string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[key{domain: d, operation: operation}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownOperation, d, operation)
	}
	return h, nil
}

// Schema returns the decode hints of the handler bound to (d, operation).
// It implements codec.HintSource.
func (r *Registry) Schema(d domain.Domain, operation string) codec.Schema {
	h, err := r.Lookup(d, operation)
	if err != nil {
		return nil
	}
	if sp, ok := h.(SchemaProvider); ok {
		return sp.Schema()
	}
	return nil
}

// Operations lists the operations registered for d in sorted order
func (r *Registry) Operations(d domain.Domain) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ops []string
	for k := range r.handlers {
		if k.domain == d {
			ops = append(ops, k.operation)
		}
	}
	sort.Strings(ops)
	return ops
}
