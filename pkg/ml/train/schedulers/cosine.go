// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedulers

import (
	"math"
	"slices"

	"github.com/gomlx/trainstate/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// CosineRestart anneals the learning rates from the base rate down to etaMin following a cosine curve,
// with warm restarts. The period after the i-th restart is tPeriod[i+1] (tPeriod[0] before the first restart).
//
// The update is computed recursively from the current rate, so external changes to the optimizer learning
// rates are carried forward.
type CosineRestart struct {
	base
	tPeriod     []int
	restarts    []int
	weights     []float64
	etaMin      float64
	lastRestart int
	tMax        int
}

var _ Scheduler = (*CosineRestart)(nil)

// NewCosineRestart creates a CosineRestart scheduler attached to opt, and performs the initial step.
// It has no gamma: Gamma returns 1.
func NewCosineRestart(opt optimizers.Interface, tPeriod, restarts []int, weights []float64, etaMin float64) (
	*CosineRestart, error) {
	if err := validateStepSizes(tPeriod); err != nil {
		return nil, errors.WithMessage(err, "T_period")
	}
	if err := validateRestarts(restarts, weights); err != nil {
		return nil, err
	}
	s := &CosineRestart{
		base:     newBase(KindCosineRestart, opt, 1),
		tPeriod:  slices.Clone(tPeriod),
		restarts: slices.Clone(restarts),
		weights:  slices.Clone(weights),
		etaMin:   etaMin,
		tMax:     tPeriod[0],
	}
	if err := s.Step(); err != nil {
		return nil, err
	}
	return s, nil
}

// Step implements Scheduler.
func (s *CosineRestart) Step() error {
	return s.stepWith(func(epoch int, lrs []float64) []float64 {
		if epoch == 0 {
			return slices.Clone(s.baseLRs)
		}
		if idx := restartIndex(s.restarts, epoch); idx >= 0 {
			s.lastRestart = epoch
			s.tMax = s.tPeriod[min(idx+1, len(s.tPeriod)-1)]
			return scaled(s.baseLRs, restartWeight(s.weights, idx))
		}
		tMax := float64(s.tMax)
		since := epoch - s.lastRestart
		out := make([]float64, len(lrs))
		if (since-1-s.tMax)%(2*s.tMax) == 0 {
			for ii, lr := range lrs {
				out[ii] = lr + (s.baseLRs[ii]-s.etaMin)*(1-math.Cos(math.Pi/tMax))/2
			}
			return out
		}
		factor := (1 + math.Cos(math.Pi*float64(since)/tMax)) / (1 + math.Cos(math.Pi*float64(since-1)/tMax))
		for ii, lr := range lrs {
			out[ii] = factor*(lr-s.etaMin) + s.etaMin
		}
		return out
	})
}

// State implements Scheduler.
func (s *CosineRestart) State() *State {
	state := s.state()
	state.TPeriod = slices.Clone(s.tPeriod)
	state.Restarts = slices.Clone(s.restarts)
	state.RestartWeights = slices.Clone(s.weights)
	state.EtaMin = s.etaMin
	state.LastRestart = s.lastRestart
	state.TMax = s.tMax
	return state
}

// LoadState implements Scheduler.
func (s *CosineRestart) LoadState(state *State) error {
	if state != nil {
		if err := validateStepSizes(state.TPeriod); err != nil {
			return errors.WithMessage(err, "T_period")
		}
		if state.TMax <= 0 {
			return errors.Wrapf(ErrInvalidScheduleConfig, "T_max must be positive, got %d", state.TMax)
		}
	}
	if err := s.loadState(state); err != nil {
		return err
	}
	s.tPeriod = slices.Clone(state.TPeriod)
	s.restarts = slices.Clone(state.Restarts)
	s.weights = slices.Clone(state.RestartWeights)
	s.etaMin = state.EtaMin
	s.lastRestart = state.LastRestart
	s.tMax = state.TMax
	return nil
}
