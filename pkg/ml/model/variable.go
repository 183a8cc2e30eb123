// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"cmp"
	"fmt"
	"iter"
	"reflect"
	"slices"

	"github.com/gomlx/trainstate/pkg/core/tensors"
	"github.com/gomlx/trainstate/pkg/support/sets"
	"github.com/gomlx/trainstate/pkg/support/xslices"
	"github.com/pkg/errors"
)

const modelPkgPath = "github.com/gomlx/trainstate/pkg/ml/model"

// Variable holds the value of one learnable parameter inside a user-defined model struct.
// The value may be a host tensor or a device-resident one (tensors.OnDevice).
type Variable struct {
	value tensors.Materializer
}

// NewVariable creates a Variable with the given value.
func NewVariable(value tensors.Materializer) *Variable {
	return &Variable{value: value}
}

// Value returns the current value.
func (v *Variable) Value() tensors.Materializer { return v.value }

// PathAndVariable refers to a variable within a model struct, at the "Path" location.
// See details in IterVariables.
type PathAndVariable struct {
	Path     string
	Variable *Variable
}

// IterVariables returns an iterator over the model's non-nil variables, performing a "depth first search" into the
// model, in a deterministic order (always the same for the same contents). The paths it yields are the parameter
// names used by FromStruct, and hence the keys stored in weight checkpoints.
//
// Struct fields are iterated in the order they are defined in the struct. Maps are iterated in alphabetic order
// of their keys. A "model" can be any struct, slice, array or map (with string or number keys), recursively,
// holding *Variable.
//
// Example:
//
//	type A struct { W, B *Variable }
//	type B struct { Layers []*A }
//	IterVariables(&B{...}) -> { "Layers[0].W", v0 }, { "Layers[0].B", v1 }, { "Layers[1].W", v2 }, ...
//
// It yields an error if Variable is included by value (as opposed to by pointer), or for unsupported map keys.
func IterVariables(model any) iter.Seq2[PathAndVariable, error] {
	return func(yield func(PathAndVariable, error) bool) {
		w := &variablesWalker{yield: yield, seen: sets.Make[uintptr]()}
		w.value(reflect.ValueOf(model), "")
	}
}

// variablesWalker implements the depth-first search of IterVariables. Each method returns false if the
// iteration should stop.
type variablesWalker struct {
	yield func(PathAndVariable, error) bool
	seen  sets.Set[uintptr] // Pointers visited, to avoid cycles.
}

func isVariableType(t reflect.Type) bool {
	return t.Name() == "Variable" && t.PkgPath() == modelPkgPath
}

func (w *variablesWalker) value(v reflect.Value, path string) bool {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() || w.seen.Has(v.Pointer()) {
			return true
		}
		w.seen.Insert(v.Pointer())
		if isVariableType(v.Elem().Type()) {
			return w.yield(PathAndVariable{Path: path, Variable: v.Interface().(*Variable)}, nil)
		}
		return w.value(v.Elem(), path)
	case reflect.Interface:
		if v.IsNil() {
			return true
		}
		return w.value(v.Elem(), path)
	case reflect.Struct:
		if isVariableType(v.Type()) {
			return w.yield(PathAndVariable{Path: path}, errors.Errorf("model has Variable passed by value, at path %q", path))
		}
		for fieldIdx := range v.NumField() {
			fieldPath := v.Type().Field(fieldIdx).Name
			if path != "" {
				fieldPath = path + "." + fieldPath
			}
			if !w.value(v.Field(fieldIdx), fieldPath) {
				return false
			}
		}
		return true
	case reflect.Slice, reflect.Array:
		for ii := range v.Len() {
			if !w.value(v.Index(ii), fmt.Sprintf("%s[%d]", path, ii)) {
				return false
			}
		}
		return true
	case reflect.Map:
		return w.mapValues(v, path)
	default:
		return true
	}
}

// mapValues visits the values of a map sorted by their keys' string representation.
func (w *variablesWalker) mapValues(v reflect.Value, path string) bool {
	if v.IsNil() {
		return true
	}
	keys := v.MapKeys()
	keyNames := make([]string, len(keys))
	for ii, k := range keys {
		switch k.Kind() {
		case reflect.String:
			keyNames[ii] = k.String()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			keyNames[ii] = fmt.Sprintf("%d", k.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			keyNames[ii] = fmt.Sprintf("%d", k.Uint())
		default:
			return w.yield(PathAndVariable{}, errors.Errorf("map key type %v not supported at path %q", k.Type(), path))
		}
	}
	order := xslices.Iota(0, len(keys))
	slices.SortFunc(order, func(i, j int) int { return cmp.Compare(keyNames[i], keyNames[j]) })
	for _, idx := range order {
		if !w.value(v.MapIndex(keys[idx]), fmt.Sprintf("%s[%s]", path, keyNames[idx])) {
			return false
		}
	}
	return true
}

// StructNetwork is a Network view over a user-defined model struct holding *Variable values.
// Create it with FromStruct.
type StructNetwork struct {
	paths     []string
	variables map[string]*Variable
}

var _ Network = (*StructNetwork)(nil)

// FromStruct collects the variables of model (see IterVariables) into a Network.
// Variables with a nil value are included: they can only be set, not saved.
func FromStruct(model any) (*StructNetwork, error) {
	net := &StructNetwork{variables: make(map[string]*Variable)}
	for pv, err := range IterVariables(model) {
		if err != nil {
			return nil, err
		}
		net.paths = append(net.paths, pv.Path)
		net.variables[pv.Path] = pv.Variable
	}
	return net, nil
}

// Parameters implements Network.
func (n *StructNetwork) Parameters() []Parameter {
	return xslices.Map(n.paths, func(path string) Parameter {
		return Parameter{Name: path, Value: n.variables[path].value}
	})
}

// SetParameter implements Network.
func (n *StructNetwork) SetParameter(name string, value *tensors.Tensor) error {
	v, found := n.variables[name]
	if !found {
		return errors.Errorf("unknown parameter %q", name)
	}
	return setValue(&v.value, name, value)
}
