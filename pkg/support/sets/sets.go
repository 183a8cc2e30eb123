// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets provides a generic Set, used to compare parameter names and to collect report keys.
package sets

import (
	"github.com/gomlx/trainstate/pkg/support/xslices"
	"golang.org/x/exp/constraints"
)

// Set of comparable elements.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set, optionally with room reserved for size elements.
func Make[T comparable](size ...int) Set[T] {
	if len(size) > 0 {
		return make(Set[T], size[0])
	}
	return make(Set[T])
}

// MakeWith returns a Set holding elements.
func MakeWith[T comparable](elements ...T) Set[T] {
	s := Make[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has reports whether e is in the set.
func (s Set[T]) Has(e T) bool {
	_, found := s[e]
	return found
}

// Insert adds elements to the set.
func (s Set[T]) Insert(elements ...T) {
	for _, e := range elements {
		s[e] = struct{}{}
	}
}

// Sub returns the elements of s not in other.
func (s Set[T]) Sub(other Set[T]) Set[T] {
	diff := Make[T]()
	for e := range s {
		if !other.Has(e) {
			diff.Insert(e)
		}
	}
	return diff
}

// Sorted returns the elements in ascending order.
func Sorted[T constraints.Ordered](s Set[T]) []T {
	return xslices.SortedKeys(s)
}
