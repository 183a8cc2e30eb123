// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/gomlx/trainstate/pkg/ml/checkpoints"
	"github.com/gomlx/trainstate/pkg/support/sets"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// scopeKey identifies one hyperparameter: e.g. {"scheduler #0", "gamma"}.
type scopeKey struct{ Scope, Key string }

// hyperparameters flattens the configuration of the optimizers and schedulers of a training state.
func hyperparameters(state *checkpoints.TrainingState) (map[scopeKey]string, error) {
	params := make(map[scopeKey]string)
	addFields := func(scope string, value any) error {
		encoded, err := json.Marshal(value)
		if err != nil {
			return errors.Wrapf(err, "failed to encode %s", scope)
		}
		fields := make(map[string]any)
		if err = json.Unmarshal(encoded, &fields); err != nil {
			return errors.Wrapf(err, "failed to decode %s", scope)
		}
		for key, field := range fields {
			params[scopeKey{Scope: scope, Key: key}] = fmt.Sprintf("%v", field)
		}
		return nil
	}
	for ii, opt := range state.Optimizers {
		scope := fmt.Sprintf("optimizer #%d", ii)
		params[scopeKey{Scope: scope, Key: "kind"}] = opt.Kind()
		if opt.Config.Value != nil {
			if err := addFields(scope, opt.Config.Value); err != nil {
				return nil, err
			}
		}
	}
	for ii, sched := range state.Schedulers {
		if err := addFields(fmt.Sprintf("scheduler #%d", ii), sched); err != nil {
			return nil, err
		}
	}
	return params, nil
}

// Params prints the hyperparameters of the optimizers and schedulers of the training states side by side.
// Values that differ across states are highlighted.
func Params(w io.Writer, states []*checkpoints.TrainingState, names []string) error {
	numStates := len(names)
	numCols := numStates + 2

	fmt.Fprintln(w, titleStyle.Render("Hyperparameters"))
	table := newDiffTable(true)
	headers := make([]string, 0, numCols)
	headers = append(headers, "Scope", "Name")
	if numStates == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, names...)
	}
	table.table.Headers(headers...)

	allParams := make([]map[scopeKey]string, numStates)
	scopeKeySet := sets.Make[scopeKey]()
	for ii, state := range states {
		params, err := hyperparameters(state)
		if err != nil {
			return errors.WithMessagef(err, "training state %s", names[ii])
		}
		allParams[ii] = params
		for key := range params {
			scopeKeySet.Insert(key)
		}
	}
	scopeKeys := maps.Keys(scopeKeySet)
	slices.SortFunc(scopeKeys, func(a, b scopeKey) int {
		if a.Scope != b.Scope {
			if a.Scope < b.Scope {
				return -1
			}
			return 1
		}
		if a.Key < b.Key {
			return -1
		}
		if a.Key > b.Key {
			return 1
		}
		return 0
	})
	for _, key := range scopeKeys {
		row := make([]string, numCols)
		row[0], row[1] = key.Scope, key.Key
		for ii, params := range allParams {
			row[2+ii] = params[key]
		}
		table.Row(!allEqual(row[2:]), row...)
	}
	fmt.Fprintln(w, table.table.Render())
	return nil
}
