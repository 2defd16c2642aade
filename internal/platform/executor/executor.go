package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rxd90/CommandBridge/internal/platform/catalog"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrIntegrity     = errors.New("executor registry does not match catalog")
	ErrUnknownAction = errors.New("no executor for action")
	ErrTimeout       = errors.New("executor timed out")
	ErrPanic         = errors.New("executor panicked")
)

// Result is the JSON object an executor returns to the caller.
type Result map[string]any

// Executor performs one action. body is the caller's original request, passed
// through unmodified.
type Executor interface {
	Execute(ctx context.Context, body json.RawMessage) (Result, error)
}

type Func func(ctx context.Context, body json.RawMessage) (Result, error)

func (f Func) Execute(ctx context.Context, body json.RawMessage) (Result, error) {
	return f(ctx, body)
}

// Registry is the fixed action id to executor mapping. It is read-only after
// NewRegistry returns.
type Registry struct {
	Timeout time.Duration

	executors map[string]Executor
}

// NewRegistry checks that executors covers the catalog exactly.
func NewRegistry(c *catalog.Catalog, executors map[string]Executor, timeout time.Duration) (*Registry, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil catalog", ErrIntegrity)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var problems []string
	for _, id := range c.ActionIDs() {
		if executors[id] == nil {
			problems = append(problems, "missing executor for "+id)
		}
	}
	for id := range executors {
		if _, ok := c.Action(id); !ok {
			problems = append(problems, "executor registered for unknown action "+id)
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, fmt.Errorf("%w: %s", ErrIntegrity, strings.Join(problems, "; "))
	}
	m := make(map[string]Executor, len(executors))
	for id, ex := range executors {
		m[id] = ex
	}
	return &Registry{Timeout: timeout, executors: m}, nil
}

func (r *Registry) Has(actionID string) bool {
	_, ok := r.executors[actionID]
	return ok
}

type outcome struct {
	res Result
	err error
}

// Dispatch runs the executor for actionID under the registry timeout. A panic
// or an overrun is returned as an error; an executor that ignores ctx is
// abandoned once the deadline passes.
func (r *Registry) Dispatch(ctx context.Context, actionID string, body json.RawMessage) (Result, error) {
	ex, ok := r.executors[actionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrPanic, p)}
			}
		}()
		res, err := ex.Execute(ctx, body)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrTimeout, r.Timeout, out.err)
		}
		return out.res, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, r.Timeout)
		}
		return nil, ctx.Err()
	}
}
