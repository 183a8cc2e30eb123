// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedulers

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Desired is a partially specified scheduler configuration, usually read from the training options.
// Nil fields are not specified and leave the live value untouched.
type Desired struct {
	// Scheme selects which kind of scheduler the configuration is for. If empty, it applies to any kind.
	Scheme Kind

	StepSize       *int
	StepSizes      []int
	Milestones     []int
	Restarts       []int
	RestartWeights []float64
	ClearState     *bool
	Gamma          *float64
}

// Change describes one field updated by Reconcile.
type Change struct {
	// Scheduler is the position of the scheduler in the registry.
	Scheduler int
	Kind      Kind
	Field     string
	Old, New  any
}

// String implements fmt.Stringer.
func (c Change) String() string {
	return fmt.Sprintf("Updating %s of scheduler #%d (%s) from %v to %v", c.Field, c.Scheduler, c.Kind, c.Old, c.New)
}

// fieldChange is a planned change, applied by apply.
type fieldChange struct {
	field    string
	from, to any
	apply    func()
}

// reconciler is implemented by the hot-reconfigurable schedulers.
type reconciler interface {
	// plan returns the changes needed to match d, without applying them. It returns an error wrapping
	// ErrInvalidScheduleConfig if the resulting configuration would be invalid.
	plan(d Desired) ([]fieldChange, error)
}

// Reconcile updates the live schedulers to match the desired configuration, and returns the changes applied.
//
// A field is updated only if it is specified in d and differs from the live value. Desired milestones are
// converted to the representation of the live ones before comparing. Schedulers of a kind other than
// d.Scheme, or of a kind that is not reconfigurable, are left untouched.
//
// All schedulers are validated before any change is applied: on error nothing changes.
// Each change is logged and then passed to the OnChange listeners.
func (r *Registry) Reconcile(d Desired) ([]Change, error) {
	type planned struct {
		index   int
		kind    Kind
		changes []fieldChange
	}
	var plans []planned
	for ii, s := range r.schedulers {
		if d.Scheme != "" && d.Scheme != s.Kind() {
			klog.Warningf("scheduler #%d is a %s, configuration for %s ignored", ii, s.Kind(), d.Scheme)
			continue
		}
		rec, ok := s.(reconciler)
		if !ok {
			klog.V(1).Infof("scheduler #%d (%s) is not reconfigurable", ii, s.Kind())
			continue
		}
		changes, err := rec.plan(d)
		if err != nil {
			return nil, errors.WithMessagef(err, "scheduler #%d (%s)", ii, s.Kind())
		}
		if len(changes) > 0 {
			plans = append(plans, planned{index: ii, kind: s.Kind(), changes: changes})
		}
	}

	var applied []Change
	for _, p := range plans {
		for _, fc := range p.changes {
			fc.apply()
			change := Change{Scheduler: p.index, Kind: p.kind, Field: fc.field, Old: fc.from, New: fc.to}
			klog.Infof("%s", change)
			applied = append(applied, change)
		}
	}
	for _, change := range applied {
		for _, listener := range r.listeners {
			listener(change)
		}
	}
	return applied, nil
}

func planGamma(s Scheduler, d Desired) ([]fieldChange, error) {
	if d.Gamma == nil || *d.Gamma == s.Gamma() {
		return nil, nil
	}
	gamma := *d.Gamma
	if err := validateGamma(gamma); err != nil {
		return nil, err
	}
	return []fieldChange{{field: "gamma", from: s.Gamma(), to: gamma, apply: func() { s.SetGamma(gamma) }}}, nil
}

// planMilestones validates desired milestones, converted to the live representation, and returns the change
// if they differ.
func planMilestones(live *Milestones, desired []int) ([]fieldChange, error) {
	if desired == nil {
		return nil, nil
	}
	if err := validateMilestones(desired); err != nil {
		return nil, err
	}
	target := SequenceOf(desired...).As(*live)
	if target.Equal(*live) {
		return nil, nil
	}
	old := *live
	return []fieldChange{{field: "milestones", from: old, to: target, apply: func() { *live = target }}}, nil
}

// planRestarts plans restarts, restart weights and clear_state. If restarts or restart weights are given,
// the resulting restarts are validated against the resulting weights.
func planRestarts(restarts *[]int, weights *[]float64, clearState *bool, d Desired) ([]fieldChange, error) {
	var changes []fieldChange
	newRestarts, newWeights := *restarts, *weights
	if d.Restarts != nil && !slices.Equal(d.Restarts, *restarts) {
		newRestarts = slices.Clone(d.Restarts)
		changes = append(changes, fieldChange{field: "restarts", from: slices.Clone(*restarts), to: newRestarts,
			apply: func() { *restarts = newRestarts }})
	}
	if d.RestartWeights != nil && !slices.Equal(d.RestartWeights, *weights) {
		newWeights = slices.Clone(d.RestartWeights)
		changes = append(changes, fieldChange{field: "restart_weights", from: slices.Clone(*weights), to: newWeights,
			apply: func() { *weights = newWeights }})
	}
	if d.Restarts != nil || d.RestartWeights != nil {
		if err := validateRestarts(newRestarts, newWeights); err != nil {
			return nil, err
		}
	}
	if d.ClearState != nil && *d.ClearState != *clearState {
		value := *d.ClearState
		changes = append(changes, fieldChange{field: "clear_state", from: *clearState, to: value,
			apply: func() { *clearState = value }})
	}
	return changes, nil
}

func (s *StepLR) plan(d Desired) ([]fieldChange, error) {
	var changes []fieldChange
	if d.StepSize != nil && *d.StepSize != s.stepSize {
		stepSize := *d.StepSize
		if stepSize <= 0 {
			return nil, errors.Wrapf(ErrInvalidScheduleConfig, "step_size must be positive, got %d", stepSize)
		}
		changes = append(changes, fieldChange{field: "step_size", from: s.stepSize, to: stepSize,
			apply: func() { s.stepSize = stepSize }})
	}
	gamma, err := planGamma(s, d)
	if err != nil {
		return nil, err
	}
	return append(changes, gamma...), nil
}

func (s *StepLRRestart) plan(d Desired) ([]fieldChange, error) {
	var changes []fieldChange
	if d.StepSizes != nil && !slices.Equal(d.StepSizes, s.stepSizes) {
		if err := validateStepSizes(d.StepSizes); err != nil {
			return nil, err
		}
		stepSizes := slices.Clone(d.StepSizes)
		changes = append(changes, fieldChange{field: "step_sizes", from: slices.Clone(s.stepSizes), to: stepSizes,
			apply: func() { s.stepSizes = stepSizes }})
	}
	restarts, err := planRestarts(&s.restarts, &s.weights, &s.clearState, d)
	if err != nil {
		return nil, err
	}
	gamma, err := planGamma(s, d)
	if err != nil {
		return nil, err
	}
	return append(append(changes, restarts...), gamma...), nil
}

func (s *MultiStepLR) plan(d Desired) ([]fieldChange, error) {
	changes, err := planMilestones(&s.milestones, d.Milestones)
	if err != nil {
		return nil, err
	}
	gamma, err := planGamma(s, d)
	if err != nil {
		return nil, err
	}
	return append(changes, gamma...), nil
}

func (s *MultiStepLRRestart) plan(d Desired) ([]fieldChange, error) {
	changes, err := planMilestones(&s.milestones, d.Milestones)
	if err != nil {
		return nil, err
	}
	restarts, err := planRestarts(&s.restarts, &s.weights, &s.clearState, d)
	if err != nil {
		return nil, err
	}
	gamma, err := planGamma(s, d)
	if err != nil {
		return nil, err
	}
	return append(append(changes, restarts...), gamma...), nil
}
