package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dotsetgreg/companion/pkg/bus"
	"github.com/dotsetgreg/companion/pkg/logger"
	"github.com/dotsetgreg/companion/pkg/memory"
)

// Status is the coarse outcome of one adapter invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// FailureKind refines non-success results so callers can react differently
// (infrastructure failures are not held against the user).
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureInput       FailureKind = "input_error"
	FailureUnavailable FailureKind = "external_unavailable"
	FailureTimeout     FailureKind = "timeout"
	FailureInternal    FailureKind = "internal_error"
)

// Result is the outcome of one capability invocation.
type Result struct {
	Status   Status
	Failure  FailureKind
	Payload  string
	Duration time.Duration
}

func SuccessResult(payload string) *Result {
	return &Result{Status: StatusSuccess, Payload: payload}
}

func FailureResult(kind FailureKind, msg string) *Result {
	return &Result{Status: StatusFailure, Failure: kind, Payload: msg}
}

func TimeoutResult(msg string) *Result {
	return &Result{Status: StatusTimeout, Failure: FailureTimeout, Payload: msg}
}

// Context is the per-task slice of state an adapter may read. Adapters never
// mutate relationship or memory state; that is the router's job.
type Context struct {
	User   memory.User
	Recent []memory.Entry
}

// Adapter wraps one external capability behind a uniform invocation
// contract. Implementations must respect the context deadline: on expiry the
// underlying work is cancelled, not abandoned.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, task bus.Task, ec Context) *Result
}

// Registry maps capability tags to adapters. New capabilities register here;
// the router's dispatch logic never changes.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// Execute invokes one adapter and normalizes its result: nil results and
// panics become internal errors, work unfinished at deadline expiry becomes
// a timeout, and the measured duration is always set. Errors never escape
// past this boundary.
func (r *Registry) Execute(ctx context.Context, name string, task bus.Task, ec Context) (result *Result) {
	adapter, ok := r.Get(name)
	if !ok {
		return FailureResult(FailureInternal, fmt.Sprintf("capability %q not registered", name))
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorCF("capability", "Adapter panicked", map[string]any{
				"capability": name,
				"panic":      fmt.Sprintf("%v", rec),
			})
			result = FailureResult(FailureInternal, fmt.Sprintf("capability %s crashed: %v", name, rec))
		}
		if result.Duration == 0 {
			result.Duration = time.Since(start)
		}
		logger.InfoCF("capability", "Capability executed", map[string]any{
			"capability":  name,
			"status":      string(result.Status),
			"duration_ms": result.Duration.Milliseconds(),
		})
	}()

	result = adapter.Execute(ctx, task, ec)
	if result == nil {
		result = FailureResult(FailureInternal, fmt.Sprintf("capability %s returned no result", name))
	}
	// A success that lands as the deadline expires is still a success; only
	// unfinished work is normalized to a timeout.
	if result.Status == StatusFailure && result.Failure != FailureInput && ctx.Err() == context.DeadlineExceeded {
		result = TimeoutResult(fmt.Sprintf("capability %s exceeded its deadline", name))
	}
	return result
}
