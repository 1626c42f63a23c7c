// Package stream is a small pull-based iterator with filter, map, for-each
// and on-completion stages. Elements are pulled one at a time, so a slow
// sink throttles the source.
package stream

import (
	"context"
)

// Iterator yields values until Next returns false. Err reports why it
// stopped; nil means the source was exhausted.
type Iterator[T any] interface {
	Next(ctx context.Context) bool
	Value() T
	Err() error
	Close() error
}

// Filter passes through the values for which keep returns true.
func Filter[T any](src Iterator[T], keep func(T) bool) Iterator[T] {
	return &filterIter[T]{src: src, keep: keep}
}

type filterIter[T any] struct {
	src  Iterator[T]
	keep func(T) bool
}

func (f *filterIter[T]) Next(ctx context.Context) bool {
	for f.src.Next(ctx) {
		if f.keep(f.src.Value()) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

func (f *filterIter[T]) Value() T     { return f.src.Value() }
func (f *filterIter[T]) Err() error   { return f.src.Err() }
func (f *filterIter[T]) Close() error { return f.src.Close() }

// Map converts each value with fn. A conversion error stops the iterator.
func Map[T, U any](src Iterator[T], fn func(T) (U, error)) Iterator[U] {
	return &mapIter[T, U]{src: src, fn: fn}
}

type mapIter[T, U any] struct {
	src Iterator[T]
	fn  func(T) (U, error)
	cur U
	err error
}

func (m *mapIter[T, U]) Next(ctx context.Context) bool {
	if m.err != nil || !m.src.Next(ctx) {
		return false
	}
	v, err := m.fn(m.src.Value())
	if err != nil {
		m.err = err
		return false
	}
	m.cur = v
	return true
}

func (m *mapIter[T, U]) Value() U { return m.cur }

func (m *mapIter[T, U]) Err() error {
	if m.err != nil {
		return m.err
	}
	return m.src.Err()
}

func (m *mapIter[T, U]) Close() error { return m.src.Close() }

// Each calls sink for every value, then end once the source is exhausted.
// ctx is checked before every pull; the source is closed on every path.
// sink must finish its side effect before returning, which is what makes
// the pipeline backpressured.
func Each[T any](ctx context.Context, src Iterator[T], sink func(T) error, end func() error) (err error) {
	defer func() {
		if cerr := src.Close(); err == nil && cerr != nil && ctx.Err() == nil {
			err = cerr
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !src.Next(ctx) {
			break
		}
		if err := sink(src.Value()); err != nil {
			return err
		}
	}

	if err := src.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if end != nil {
		return end()
	}
	return nil
}

// FromSlice iterates over a fixed slice.
func FromSlice[T any](values []T) Iterator[T] {
	return &sliceIter[T]{values: values, pos: -1}
}

type sliceIter[T any] struct {
	values []T
	pos    int
	err    error
	closed bool
}

func (s *sliceIter[T]) Next(ctx context.Context) bool {
	if s.closed {
		return false
	}
	if err := ctx.Err(); err != nil {
		s.err = err
		return false
	}
	if s.pos+1 >= len(s.values) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceIter[T]) Value() T     { return s.values[s.pos] }
func (s *sliceIter[T]) Err() error   { return s.err }
func (s *sliceIter[T]) Close() error { s.closed = true; return nil }
