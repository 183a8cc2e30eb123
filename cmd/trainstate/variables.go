// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/trainstate/pkg/core/dtypes"
	"github.com/gomlx/trainstate/pkg/core/tensors"
	"github.com/gomlx/trainstate/pkg/ml/checkpoints"
	"github.com/gomlx/trainstate/pkg/ml/model"
	"github.com/gomlx/trainstate/pkg/ml/random"
	"github.com/gomlx/trainstate/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// floatValues returns the values of a float tensor converted to float64, or false for other dtypes.
func floatValues(t *tensors.Tensor) (values []float64, ok bool) {
	t.ConstFlatData(func(flat any) {
		switch flat := flat.(type) {
		case []float64:
			values, ok = slices.Clone(flat), true
		case []float32:
			values, ok = xslices.Map(flat, func(v float32) float64 { return float64(v) }), true
		case []float16.Float16:
			values, ok = xslices.Map(flat, func(v float16.Float16) float64 { return float64(v.Float32()) }), true
		}
	})
	return
}

// firstValue returns the first value of a tensor, formatted.
func firstValue(t *tensors.Tensor) (value string) {
	t.ConstFlatData(func(flat any) {
		flatV := reflect.ValueOf(flat)
		if flatV.Len() > 0 {
			value = fmt.Sprintf("%v", flatV.Index(0).Interface())
		}
	})
	return
}

// ListVariables lists the variables of a weights artifact, with their shape and MAV (mean absolute value),
// RMS (root-mean-square) and MaxAV (max absolute value) values.
func ListVariables(w io.Writer, name string, weights *model.Weights, glossary bool) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Variables in %s", name)))
	table := newTable(true)
	table.Headers("Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for varName, value := range weights.All() {
		shape := value.Shape()
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = firstValue(value)
		} else if values, ok := floatValues(value); ok && len(values) > 0 {
			n := float64(len(values))
			mav = fmt.Sprintf("%.3g", floats.Norm(values, 1)/n)
			rms = fmt.Sprintf("%.3g", floats.Norm(values, 2)/math.Sqrt(n))
			maxAV = fmt.Sprintf("%.3g", floats.Norm(values, math.Inf(1)))
		}
		table.Row(varName, shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV)
	}
	fmt.Fprintln(w, table.Render())
	if glossary {
		fmt.Fprintf(w, "  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Fprintf(w, "   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
		fmt.Fprintf(w, "   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
		fmt.Fprintf(w, "   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
	}
}

// DeleteVars removes from the weights artifact at path the variables under the given scopes: a scope
// matches the variable of the same name and all variables prefixed by "<scope>/".
// It returns the number of variables deleted. The artifact is only rewritten if something was deleted.
func DeleteVars(path string, scopes ...string) (int, error) {
	weights, err := checkpoints.ReadWeights(path)
	if err != nil {
		return 0, err
	}
	kept := model.NewWeights()
	var numDeleted int
	for name, value := range weights.All() {
		if inScopes(name, scopes) {
			numDeleted++
			continue
		}
		if err = kept.Set(name, value); err != nil {
			return 0, err
		}
	}
	if numDeleted == 0 {
		return 0, nil
	}
	if err = checkpoints.RewriteWeights(path, kept); err != nil {
		return 0, err
	}
	klog.Infof("%d deleted vars under scopes %q, %q rewritten", numDeleted, scopes, path)
	return numDeleted, nil
}

func inScopes(name string, scopes []string) bool {
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		if name == scope || strings.HasPrefix(name, scope+"/") {
			return true
		}
	}
	return false
}

// PerturbVars multiplies every float value of the weights artifact at path by 1.0+RandomUniform(-x, x),
// drawn from the array generator of generators. It returns the number of variables updated.
func PerturbVars(path string, x float64, generators *random.Generators) (int, error) {
	weights, err := checkpoints.ReadWeights(path)
	if err != nil {
		return 0, err
	}
	var numUpdates int
	for name, value := range weights.All() {
		if !value.DType().IsFloat() {
			continue
		}
		factors := generators.Array.Uniform(value.Size(), 1-x, 1+x)
		if err = scaleValues(value, factors); err != nil {
			return 0, errors.WithMessagef(err, "variable %q", name)
		}
		numUpdates++
	}
	if err = checkpoints.RewriteWeights(path, weights); err != nil {
		return 0, err
	}
	klog.Infof("%d variables perturbed by %g, %q rewritten", numUpdates, x, path)
	return numUpdates, nil
}

// scaleValues multiplies the values of a float tensor in place, element-wise, by factors.
func scaleValues(t *tensors.Tensor, factors []float64) error {
	switch t.DType() {
	case dtypes.Float64:
		return tensors.MutableFlatData(t, func(flat []float64) {
			floats.Mul(flat, factors)
		})
	case dtypes.Float32:
		return tensors.MutableFlatData(t, func(flat []float32) {
			for ii := range flat {
				flat[ii] = float32(float64(flat[ii]) * factors[ii])
			}
		})
	case dtypes.Float16:
		return tensors.MutableFlatData(t, func(flat []float16.Float16) {
			for ii := range flat {
				flat[ii] = float16.Fromfloat32(float32(float64(flat[ii].Float32()) * factors[ii]))
			}
		})
	}
	return errors.Errorf("can't scale values of dtype %s", t.DType())
}
