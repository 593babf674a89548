// Package allocator distributes a bounded pool over an ordered target list.
package allocator

import "github.com/cockroachdb/errors"

// ErrEmptyPool is returned when a round-robin is built over no members
var ErrEmptyPool = errors.New("allocation pool is empty")

// RoundRobin assigns pool members cyclically. The pool is copied on
// construction, so later changes to the caller's slice are not observed.
type RoundRobin[T any] struct {
	pool []T
}

// New creates a RoundRobin over a snapshot of pool
func New[T any](pool []T) (*RoundRobin[T], error) {
	if len(pool) == 0 {
		return nil, errors.WithStack(ErrEmptyPool)
	}
	cp := make([]T, len(pool))
	copy(cp, pool)
	return &RoundRobin[T]{pool: cp}, nil
}

// Assign returns the member for iteration i
func (r *RoundRobin[T]) Assign(i int) T {
	return r.pool[r.Slot(i)]
}

// Slot returns the pool index used for iteration i
func (r *RoundRobin[T]) Slot(i int) int {
	k := len(r.pool)
	return ((i % k) + k) % k
}

// Size returns the number of members
func (r *RoundRobin[T]) Size() int {
	return len(r.pool)
}

// Distribution returns how often each member is used over m iterations
func (r *RoundRobin[T]) Distribution(m int) []int {
	k := len(r.pool)
	counts := make([]int, k)
	if m <= 0 {
		return counts
	}
	base, extra := m/k, m%k
	for j := range counts {
		counts[j] = base
		if j < extra {
			counts[j]++
		}
	}
	return counts
}
