// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedulers

import (
	"math"
	"slices"

	"github.com/gomlx/trainstate/pkg/ml/train/optimizers"
)

// MultiStepLR decays the learning rates by gamma each time the epoch reaches a milestone. A milestone
// repeated k times decays by gamma^k.
type MultiStepLR struct {
	base
	milestones Milestones
}

var _ Scheduler = (*MultiStepLR)(nil)

// NewMultiStepLR creates a MultiStepLR scheduler attached to opt, and performs the initial step.
// The representation of milestones (sequence or multiset) is kept for the lifetime of the scheduler.
func NewMultiStepLR(opt optimizers.Interface, milestones Milestones, gamma float64) (*MultiStepLR, error) {
	if err := validateMilestones(milestones.Steps()); err != nil {
		return nil, err
	}
	if err := validateGamma(gamma); err != nil {
		return nil, err
	}
	s := &MultiStepLR{base: newBase(KindMultiStepLR, opt, gamma), milestones: milestones}
	if err := s.Step(); err != nil {
		return nil, err
	}
	return s, nil
}

// Milestones returns the current milestones.
func (s *MultiStepLR) Milestones() Milestones { return s.milestones }

func multiStepLR(milestones Milestones, gamma float64, epoch int, lrs []float64) []float64 {
	count := milestones.Count(epoch)
	if count == 0 {
		return lrs
	}
	return scaled(lrs, math.Pow(gamma, float64(count)))
}

// Step implements Scheduler.
func (s *MultiStepLR) Step() error {
	return s.stepWith(func(epoch int, lrs []float64) []float64 {
		return multiStepLR(s.milestones, s.gamma, epoch, lrs)
	})
}

// State implements Scheduler.
func (s *MultiStepLR) State() *State {
	state := s.state()
	milestones := s.milestones.As(s.milestones)
	state.Milestones = &milestones
	return state
}

// LoadState implements Scheduler.
// The milestones are taken in the stored representation, see MigrateState.
func (s *MultiStepLR) LoadState(state *State) error {
	if err := s.loadState(state); err != nil {
		return err
	}
	s.milestones = Milestones{}
	if state.Milestones != nil {
		s.milestones = state.Milestones.As(*state.Milestones)
	}
	return nil
}

// MultiStepLRRestart is a MultiStepLR with warm restarts. The milestones are absolute epochs, they are not
// reset by restarts.
type MultiStepLRRestart struct {
	base
	milestones Milestones
	restarts   []int
	weights    []float64
	clearState bool
}

var _ Scheduler = (*MultiStepLRRestart)(nil)

// NewMultiStepLRRestart creates a MultiStepLRRestart scheduler attached to opt, and performs the initial step.
// restarts and weights must have the same length.
func NewMultiStepLRRestart(opt optimizers.Interface, milestones Milestones, restarts []int, weights []float64,
	gamma float64, clearState bool) (*MultiStepLRRestart, error) {
	if err := validateMilestones(milestones.Steps()); err != nil {
		return nil, err
	}
	if err := validateRestarts(restarts, weights); err != nil {
		return nil, err
	}
	if err := validateGamma(gamma); err != nil {
		return nil, err
	}
	s := &MultiStepLRRestart{
		base:       newBase(KindMultiStepLRRestart, opt, gamma),
		milestones: milestones,
		restarts:   slices.Clone(restarts),
		weights:    slices.Clone(weights),
		clearState: clearState,
	}
	if err := s.Step(); err != nil {
		return nil, err
	}
	return s, nil
}

// Milestones returns the current milestones.
func (s *MultiStepLRRestart) Milestones() Milestones { return s.milestones }

// Step implements Scheduler.
func (s *MultiStepLRRestart) Step() error {
	return s.stepWith(func(epoch int, lrs []float64) []float64 {
		if idx := restartIndex(s.restarts, epoch); idx >= 0 {
			if s.clearState {
				s.opt.ClearState()
			}
			return scaled(s.baseLRs, restartWeight(s.weights, idx))
		}
		return multiStepLR(s.milestones, s.gamma, epoch, lrs)
	})
}

// State implements Scheduler.
func (s *MultiStepLRRestart) State() *State {
	state := s.state()
	milestones := s.milestones.As(s.milestones)
	state.Milestones = &milestones
	state.Restarts = slices.Clone(s.restarts)
	state.RestartWeights = slices.Clone(s.weights)
	state.ClearState = s.clearState
	return state
}

// LoadState implements Scheduler.
func (s *MultiStepLRRestart) LoadState(state *State) error {
	if state != nil {
		if err := validateRestarts(state.Restarts, state.RestartWeights); err != nil {
			return err
		}
	}
	if err := s.loadState(state); err != nil {
		return err
	}
	s.milestones = Milestones{}
	if state.Milestones != nil {
		s.milestones = state.Milestones.As(*state.Milestones)
	}
	s.restarts = slices.Clone(state.Restarts)
	s.weights = slices.Clone(state.RestartWeights)
	s.clearState = state.ClearState
	return nil
}

// milestoned is implemented by schedulers with milestones.
type milestoned interface {
	Milestones() Milestones
}

// MigrateState returns a copy of a stored state adapted to the live scheduler: stored milestones are converted
// to the representation used by the live scheduler, in either direction. States written by older producers keep
// milestones as a sequence, while live schedulers may use a multiset; a stored multiset loaded into a scheduler
// using a sequence is converted to the sorted sequence of its steps.
func MigrateState(live Scheduler, stored *State) *State {
	if stored == nil {
		return nil
	}
	migrated := *stored
	if ms, ok := live.(milestoned); ok && stored.Milestones != nil {
		converted := stored.Milestones.As(ms.Milestones())
		migrated.Milestones = &converted
	}
	return &migrated
}
