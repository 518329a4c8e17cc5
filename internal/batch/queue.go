package batch

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Result is everything a batch produced: one value per node that succeeded
// and one error per node that failed. A node appears in at most one of the
// two maps.
type Result[T any] struct {
	Values   map[string]T
	Failures map[string]error
}

// Failed returns the names of failed nodes in sorted order.
func (r Result[T]) Failed() []string {
	return slices.Sorted(maps.Keys(r.Failures))
}

// Queue collects (name, value) pairs pushed by concurrent producers.
//
// Producers started with Go are tracked; Drain waits for every one of them
// before handing back what was pushed, so a drained result is always
// complete for the batch. Pushing the same name twice keeps the last value.
type Queue[T any] struct {
	g        errgroup.Group
	mu       sync.Mutex
	values   map[string]T
	failures map[string]error
}

// NewQueue returns a queue whose producers run with at most limit in flight.
// A limit of zero or less means unbounded.
func NewQueue[T any](limit int) *Queue[T] {
	q := &Queue[T]{
		values:   map[string]T{},
		failures: map[string]error{},
	}
	if limit > 0 {
		q.g.SetLimit(limit)
	}
	return q
}

// Push records a successful value for name.
func (q *Queue[T]) Push(name string, v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.failures, name)
	q.values[name] = v
}

// Fail records a failure for name.
func (q *Queue[T]) Fail(name string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.values, name)
	q.failures[name] = err
}

// Go starts a producer for name. Its value is pushed on success; its error,
// or a recovered panic, is recorded as a failure.
func (q *Queue[T]) Go(name string, fn func() (T, error)) {
	q.g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				q.Fail(name, fmt.Errorf("panic: %v", r))
			}
		}()
		v, err := fn()
		if err != nil {
			q.Fail(name, err)
			return nil
		}
		q.Push(name, v)
		return nil
	})
}

// Drain blocks until every producer started with Go has returned, then
// returns and clears the collected values and failures.
func (q *Queue[T]) Drain() Result[T] {
	_ = q.g.Wait() // producers never return errors; failures are recorded instead

	q.mu.Lock()
	defer q.mu.Unlock()
	res := Result[T]{Values: q.values, Failures: q.failures}
	q.values = map[string]T{}
	q.failures = map[string]error{}
	return res
}
