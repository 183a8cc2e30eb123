// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedulers

import (
	"slices"

	"github.com/gomlx/trainstate/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// StepLR decays the learning rates by gamma every stepSize epochs.
type StepLR struct {
	base
	stepSize int
}

var _ Scheduler = (*StepLR)(nil)

// NewStepLR creates a StepLR scheduler attached to opt, and performs the initial step.
func NewStepLR(opt optimizers.Interface, stepSize int, gamma float64) (*StepLR, error) {
	if stepSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidScheduleConfig, "step_size must be positive, got %d", stepSize)
	}
	if err := validateGamma(gamma); err != nil {
		return nil, err
	}
	s := &StepLR{base: newBase(KindStepLR, opt, gamma), stepSize: stepSize}
	if err := s.Step(); err != nil {
		return nil, err
	}
	return s, nil
}

// StepSize returns the number of epochs between decays.
func (s *StepLR) StepSize() int { return s.stepSize }

// Step implements Scheduler.
func (s *StepLR) Step() error {
	return s.stepWith(func(epoch int, lrs []float64) []float64 {
		if epoch == 0 || epoch%s.stepSize != 0 {
			return lrs
		}
		return scaled(lrs, s.gamma)
	})
}

// State implements Scheduler.
func (s *StepLR) State() *State {
	state := s.state()
	state.StepSize = s.stepSize
	return state
}

// LoadState implements Scheduler.
func (s *StepLR) LoadState(state *State) error {
	if state != nil && state.StepSize <= 0 {
		return errors.Wrapf(ErrInvalidScheduleConfig, "step_size must be positive, got %d", state.StepSize)
	}
	if err := s.loadState(state); err != nil {
		return err
	}
	s.stepSize = state.StepSize
	return nil
}

// StepLRRestart is a StepLR with warm restarts.
//
// Segment i (the epochs following the i-th restart, segment 0 being before the first restart) decays every
// stepSizes[i] epochs, counted from the start of the segment. If there are fewer step sizes than segments,
// the last one is reused.
type StepLRRestart struct {
	base
	stepSizes   []int
	restarts    []int
	weights     []float64
	clearState  bool
	lastRestart int
	segment     int
}

var _ Scheduler = (*StepLRRestart)(nil)

// NewStepLRRestart creates a StepLRRestart scheduler attached to opt, and performs the initial step.
// restarts and weights must have the same length.
func NewStepLRRestart(opt optimizers.Interface, stepSizes, restarts []int, weights []float64, gamma float64,
	clearState bool) (*StepLRRestart, error) {
	if err := validateStepSizes(stepSizes); err != nil {
		return nil, err
	}
	if err := validateRestarts(restarts, weights); err != nil {
		return nil, err
	}
	if err := validateGamma(gamma); err != nil {
		return nil, err
	}
	s := &StepLRRestart{
		base:       newBase(KindStepLRRestart, opt, gamma),
		stepSizes:  slices.Clone(stepSizes),
		restarts:   slices.Clone(restarts),
		weights:    slices.Clone(weights),
		clearState: clearState,
	}
	if err := s.Step(); err != nil {
		return nil, err
	}
	return s, nil
}

// stepSize of the current segment.
func (s *StepLRRestart) stepSize() int {
	return s.stepSizes[min(s.segment, len(s.stepSizes)-1)]
}

// Step implements Scheduler.
func (s *StepLRRestart) Step() error {
	return s.stepWith(func(epoch int, lrs []float64) []float64 {
		if idx := restartIndex(s.restarts, epoch); idx >= 0 {
			if s.clearState {
				s.opt.ClearState()
			}
			s.lastRestart = epoch
			s.segment = idx + 1
			return scaled(s.baseLRs, restartWeight(s.weights, idx))
		}
		since := epoch - s.lastRestart
		if since <= 0 || since%s.stepSize() != 0 {
			return lrs
		}
		return scaled(lrs, s.gamma)
	})
}

// State implements Scheduler.
func (s *StepLRRestart) State() *State {
	state := s.state()
	state.StepSizes = slices.Clone(s.stepSizes)
	state.Restarts = slices.Clone(s.restarts)
	state.RestartWeights = slices.Clone(s.weights)
	state.ClearState = s.clearState
	state.LastRestart = s.lastRestart
	state.Segment = s.segment
	return state
}

// LoadState implements Scheduler.
func (s *StepLRRestart) LoadState(state *State) error {
	if state != nil {
		if err := validateStepSizes(state.StepSizes); err != nil {
			return err
		}
		if err := validateRestarts(state.Restarts, state.RestartWeights); err != nil {
			return err
		}
	}
	if err := s.loadState(state); err != nil {
		return err
	}
	s.stepSizes = slices.Clone(state.StepSizes)
	s.restarts = slices.Clone(state.Restarts)
	s.weights = slices.Clone(state.RestartWeights)
	s.clearState = state.ClearState
	s.lastRestart = state.LastRestart
	s.segment = state.Segment
	return nil
}
