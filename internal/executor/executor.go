// Package executor maps test identifiers to runnable tests.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/privacyscore/scanner/internal/model"
)

var ErrUnknownTest = errors.New("unknown test")

// Target is the site a test runs against within one scan.
type Target struct {
	ScanID int64
	SiteID int64
	URL    string
}

type Params map[string]any

// Outcomes is where a running test reports to. Every method is safe for
// concurrent use.
type Outcomes interface {
	RecordResult(ctx context.Context, v any) error
	RecordError(ctx context.Context, msg string) error
	StoreArtifact(ctx context.Context, identifier, dataType string, payload []byte) error
}

type Test interface {
	Run(ctx context.Context, target Target, params Params, out Outcomes) error
}

// TestFunc adapts a plain function to Test.
type TestFunc func(ctx context.Context, target Target, params Params, out Outcomes) error

func (f TestFunc) Run(ctx context.Context, target Target, params Params, out Outcomes) error {
	return f(ctx, target, params, out)
}

type Registry struct {
	mx    sync.RWMutex
	tests map[string]Test
}

func NewRegistry() *Registry {
	return &Registry{tests: make(map[string]Test)}
}

// Register adds a test under name. It panics on an empty name or when name
// is already taken.
func (r *Registry) Register(name string, test Test) {
	if name == "" || test == nil {
		panic("executor: Register called with empty name or nil test")
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.tests[name]; ok {
		panic("executor: test " + name + " registered twice")
	}
	r.tests[name] = test
}

func (r *Registry) Resolve(name string) (Test, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	test, ok := r.tests[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTest, name)
	}
	return test, nil
}

// Names returns the registered identifiers, sorted.
func (r *Registry) Names() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	names := make([]string, 0, len(r.tests))
	for name := range r.tests {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate checks that every suite names a registered test.
func (r *Registry) Validate(suites []model.Suite) error {
	var errs []error
	for _, s := range suites {
		if _, err := r.Resolve(s.Test); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run executes the named test and reports whether it completed without
// error. A returned error or a panic is recorded as an error outcome.
func (r *Registry) Run(ctx context.Context, name string, target Target, params Params, out Outcomes) bool {
	test, err := r.Resolve(name)
	if err != nil {
		record(ctx, out, err.Error())
		return false
	}
	return Run(ctx, test, target, params, out)
}

// Run executes test, converting a returned error or a panic into an error
// outcome.
func Run(ctx context.Context, test Test, target Target, params Params, out Outcomes) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "test panicked", "panic", p, "stack", string(debug.Stack()))
			record(ctx, out, fmt.Sprintf("test panicked: %v", p))
			ok = false
		}
	}()

	if err := test.Run(ctx, target, params, out); err != nil {
		record(ctx, out, err.Error())
		return false
	}
	return true
}

func record(ctx context.Context, out Outcomes, msg string) {
	if err := out.RecordError(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "recording test error failed", "error", err, "test_error", msg)
	}
}
