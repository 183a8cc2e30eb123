// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"math"
	"reflect"
	"slices"

	"golang.org/x/exp/constraints"
)

// FillSlice with fill the slice with the given value.
func FillSlice[T any](slice []T, value T) {
	// Apparently, the fastest way is by using copy.
	if len(slice) == 0 {
		return
	}
	slice[0] = value
	filled := 1
	for ; filled < len(slice); filled *= 2 {
		copy(slice[filled:], slice[:filled])
	}
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Keys returns the keys of a map in the form of a slice.
func Keys[K comparable, V any](m map[K]V) []K {
	s := make([]K, 0, len(m))
	for k := range m {
		s = append(s, k)
	}
	return s
}

// SortedKeys returns the sorted keys of a map in the form of a slice.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	s := Keys(m)
	slices.Sort(s)
	return s
}

// Count returns how many times value appears in slice.
func Count[T comparable](slice []T, value T) int {
	var n int
	for _, v := range slice {
		if v == value {
			n++
		}
	}
	return n
}

// SlicesInDelta checks whether flat slices s0 and s1 have the same length and types,
// and that each of their values are within the given delta. Works with any Go numeric
// type that can be converted to float64.
//
// If delta <= 0, it checks for equality.
func SlicesInDelta(s0, s1 any, delta float64) bool {
	v0, v1 := reflect.ValueOf(s0), reflect.ValueOf(s1)
	if !v0.IsValid() || !v1.IsValid() || v0.Kind() != reflect.Slice || v1.Kind() != reflect.Slice {
		return false
	}
	if v0.Type() != v1.Type() || v0.Len() != v1.Len() {
		return false
	}
	float64Type := reflect.TypeOf(delta)
	for ii := range v0.Len() {
		e0, e1 := v0.Index(ii), v1.Index(ii)
		if e0.Equal(e1) {
			continue
		}
		if delta <= 0 || !e0.CanConvert(float64Type) {
			return false
		}
		f0, f1 := e0.Convert(float64Type).Float(), e1.Convert(float64Type).Float()
		if math.IsNaN(f0) && math.IsNaN(f1) {
			continue
		}
		if math.Abs(f0-f1) > delta {
			return false
		}
	}
	return true
}

// Iota returns a slice of incremental int values, starting with start and of length len.
// Eg: Iota(3.0, 2) -> []float64{3.0, 4.0}
func Iota[T interface {
	constraints.Integer | constraints.Float
}](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}
