// Package lazy provides once-cells for values computed on first access.
//
// Initializers may run more than once when callers race; the first result
// to be published wins and every caller observes it. Initializers must
// therefore be free of side effects other than allocation.
package lazy

import "sync/atomic"

// Value memoizes the result of an initializer.
type Value[T any] struct {
	p atomic.Pointer[T]
}

// Get returns the memoized value, computing it with init on first access.
func (v *Value[T]) Get(init func() T) T {
	if p := v.p.Load(); p != nil {
		return *p
	}
	x := init()
	if v.p.CompareAndSwap(nil, &x) {
		return x
	}
	return *v.p.Load()
}

// Set publishes x unless a value is already present. It reports whether x
// was stored.
func (v *Value[T]) Set(x T) bool {
	return v.p.CompareAndSwap(nil, &x)
}

// Loaded reports whether a value has been published.
func (v *Value[T]) Loaded() bool {
	return v.p.Load() != nil
}

type result[T any] struct {
	val T
	err error
}

// Result memoizes the outcome of a fallible initializer. Errors are
// memoized as well.
type Result[T any] struct {
	v Value[result[T]]
}

// Get returns the memoized result, computing it with init on first access.
func (r *Result[T]) Get(init func() (T, error)) (T, error) {
	res := r.v.Get(func() result[T] {
		val, err := init()
		return result[T]{val: val, err: err}
	})
	return res.val, res.err
}

// Set publishes a value unless one is already present.
func (r *Result[T]) Set(val T) bool {
	return r.v.Set(result[T]{val: val})
}
