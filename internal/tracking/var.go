package tracking

import (
	"context"
	"sync"
)

// Var holds the latest value of T. Subscribers also see the one it replaced.
// Every Set closes the channel previously returned by Changed, so waiters can
// select on it next to a context or a timer.
type Var[T any] struct {
	mu      sync.Mutex
	cur     T
	prev    T
	set     bool
	changed chan struct{}
	subs    []func(cur, prev T)
}

func New[T any]() *Var[T] {
	return &Var[T]{changed: make(chan struct{})}
}

func NewWith[T any](initial T) *Var[T] {
	v := New[T]()
	v.cur = initial
	v.set = true
	return v
}

func (v *Var[T]) Set(val T) {
	v.mu.Lock()
	v.prev, v.cur = v.cur, val
	v.set = true
	prev := v.prev
	ch := v.changed
	v.changed = make(chan struct{})
	subs := append([]func(cur, prev T){}, v.subs...)
	v.mu.Unlock()

	close(ch)
	for _, fn := range subs {
		fn(val, prev)
	}
}

// Get returns the current value and whether it was ever set.
func (v *Var[T]) Get() (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur, v.set
}

func (v *Var[T]) Value() T {
	val, _ := v.Get()
	return val
}

func (v *Var[T]) Changed() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.changed
}

// Subscribe registers fn to run synchronously on the setter's goroutine after
// each Set.
func (v *Var[T]) Subscribe(fn func(cur, prev T)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.subs = append(v.subs, fn)
}

// Wait blocks until the next Set or until ctx is done.
func (v *Var[T]) Wait(ctx context.Context) error {
	select {
	case <-v.Changed():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
