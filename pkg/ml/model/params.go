// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/trainstate/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Params is a simple ordered, in-memory Network.
type Params struct {
	names  []string
	values map[string]tensors.Materializer
}

var _ Network = (*Params)(nil)

// NewParams returns an empty Params.
func NewParams() *Params {
	return &Params{values: make(map[string]tensors.Materializer)}
}

// Add a parameter, or replace the value of an existing one. It returns itself, to allow cascading calls.
func (p *Params) Add(name string, value tensors.Materializer) *Params {
	if _, found := p.values[name]; !found {
		p.names = append(p.names, name)
	}
	p.values[name] = value
	return p
}

// Get returns the current value of the named parameter, or nil.
func (p *Params) Get(name string) tensors.Materializer {
	return p.values[name]
}

// Parameters implements Network.
func (p *Params) Parameters() []Parameter {
	params := make([]Parameter, 0, len(p.names))
	for _, name := range p.names {
		params = append(params, Parameter{Name: name, Value: p.values[name]})
	}
	return params
}

// SetParameter implements Network.
func (p *Params) SetParameter(name string, value *tensors.Tensor) error {
	holder, found := p.values[name]
	if !found {
		return errors.Errorf("unknown parameter %q", name)
	}
	if err := setValue(&holder, name, value); err != nil {
		return err
	}
	p.values[name] = holder
	return nil
}
