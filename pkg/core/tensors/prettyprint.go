// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/x448/float16"
)

var typeFloat16 = reflect.TypeOf(float16.Float16(0))

// MaxStringElements is the maximum number of values printed by Tensor.String. Larger tensors are elided.
var MaxStringElements = 16

// String returns the shape followed by the flat values, elided if larger than MaxStringElements.
func (t *Tensor) String() string {
	return t.Summary(4)
}

// Summary returns the shape followed by the flat values, formatted with the given precision for floats.
func (t *Tensor) Summary(precision int) string {
	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }
	w("%s", t.shape)
	values := reflect.ValueOf(t.flat)
	if values.Len() == 0 {
		return buf.String()
	}
	w(": [")
	for ii := range min(values.Len(), MaxStringElements) {
		if ii > 0 {
			w(" ")
		}
		v := values.Index(ii)
		switch {
		case v.Type() == typeFloat16:
			w("%.*g", precision, v.Interface().(float16.Float16).Float32())
		case v.Kind() == reflect.Float32 || v.Kind() == reflect.Float64:
			w("%.*g", precision, v.Float())
		default:
			w("%v", v.Interface())
		}
	}
	if values.Len() > MaxStringElements {
		w(" ...")
	}
	w("]")
	return buf.String()
}
