// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"iter"

	"github.com/gomlx/trainstate/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Weights is an ordered mapping from parameter name to host tensor.
//
// The insertion order is preserved, and it is the order in which weights are persisted.
type Weights struct {
	names  []string
	values map[string]*tensors.Tensor
}

// NewWeights returns an empty Weights.
func NewWeights() *Weights {
	return &Weights{values: make(map[string]*tensors.Tensor)}
}

// Set the value for name. New names are appended at the end, existing names keep their position.
func (w *Weights) Set(name string, value *tensors.Tensor) error {
	if name == "" {
		return errors.New("Weights.Set: empty parameter name")
	}
	if value == nil {
		return errors.Errorf("Weights.Set(%q): nil value", name)
	}
	if _, found := w.values[name]; !found {
		w.names = append(w.names, name)
	}
	w.values[name] = value
	return nil
}

// Get returns the tensor for name, or nil if not present.
func (w *Weights) Get(name string) *tensors.Tensor {
	return w.values[name]
}

// Has returns whether name is present.
func (w *Weights) Has(name string) bool {
	_, found := w.values[name]
	return found
}

// Len returns the number of weights.
func (w *Weights) Len() int { return len(w.names) }

// Names returns a copy of the names, in insertion order.
func (w *Weights) Names() []string {
	return append([]string(nil), w.names...)
}

// All iterates over name and values, in insertion order.
func (w *Weights) All() iter.Seq2[string, *tensors.Tensor] {
	return func(yield func(string, *tensors.Tensor) bool) {
		for _, name := range w.names {
			if !yield(name, w.values[name]) {
				return
			}
		}
	}
}

// Memory returns the total number of bytes of the weights' values.
func (w *Weights) Memory() uintptr {
	var total uintptr
	for _, value := range w.values {
		total += value.Memory()
	}
	return total
}

// Equal returns whether both have the same names, in the same order, with equal values.
func (w *Weights) Equal(other *Weights) bool {
	if w.Len() != other.Len() {
		return false
	}
	for ii, name := range w.names {
		if other.names[ii] != name || !w.values[name].Equal(other.values[name]) {
			return false
		}
	}
	return true
}
