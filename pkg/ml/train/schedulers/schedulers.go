// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schedulers implements learning-rate schedulers attached to optimizers, the Registry that
// holds the live schedulers of a training run, and their hot-reconfiguration from a (partially specified)
// desired configuration. See Registry.Reconcile.
//
// Schedulers follow the epoch-counter model: they are created at "last epoch" -1 and immediately stepped
// to 0, which sets the optimizer to the base learning rates. Each call to Step advances one epoch (or
// iteration, by the driver's convention) and sets the new learning rates on the optimizer.
//
// Available kinds:
//
//   - StepLR: decays by gamma every step_size epochs.
//   - StepLR_Restart: StepLR with warm restarts, each segment with its own step size.
//   - MultiStepLR: decays by gamma at each milestone.
//   - MultiStepLR_Restart: MultiStepLR with warm restarts.
//   - CosineAnnealingLR_Restart: cosine annealing with warm restarts. It is not hot-reconfigurable.
//
// Restart steps are given in configuration units: a restart at step r takes effect when the epoch
// counter reaches r+1. At a restart the learning rate is reset to the base rate times the restart weight,
// and optionally (clear_state) the optimizer's state is cleared.
package schedulers

import (
	"math"
	"slices"

	"github.com/gomlx/trainstate/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Kind of scheduler.
type Kind string

const (
	KindStepLR             Kind = "StepLR"
	KindStepLRRestart      Kind = "StepLR_Restart"
	KindMultiStepLR        Kind = "MultiStepLR"
	KindMultiStepLRRestart Kind = "MultiStepLR_Restart"
	KindCosineRestart      Kind = "CosineAnnealingLR_Restart"
)

// ErrInvalidScheduleConfig is returned when a scheduler configuration is invalid: milestones not sorted,
// restarts and restart weights of different lengths, or non-positive step sizes or gamma.
var ErrInvalidScheduleConfig = errors.New("invalid schedule configuration")

// Scheduler adjusts the learning rates of one optimizer as training progresses.
type Scheduler interface {
	// Kind of the scheduler.
	Kind() Kind

	// Optimizer the scheduler is attached to.
	Optimizer() optimizers.Interface

	// Step advances the epoch counter by one, and sets the new learning rates on the optimizer.
	Step() error

	// LastLR returns the learning rates computed by the most recent Step.
	LastLR() []float64

	// LR returns the learning rates currently set on the attached optimizer.
	// After a Step, and with no external changes to the optimizer, it equals LastLR.
	LR() []float64

	// LastEpoch returns the epoch counter.
	LastEpoch() int

	// Gamma is the multiplicative decay factor.
	Gamma() float64

	// SetGamma changes the decay factor for the following steps.
	SetGamma(gamma float64)

	// State returns a copy of the scheduler state.
	State() *State

	// LoadState replaces the scheduler state with a copy of the given one. The kinds must match.
	LoadState(state *State) error
}

// State is the serializable state of a scheduler. Fields not used by a kind are left empty.
type State struct {
	Kind      Kind      `json:"kind"`
	LastEpoch int       `json:"last_epoch"`
	BaseLRs   []float64 `json:"base_lrs"`
	LastLRs   []float64 `json:"last_lrs"`
	Gamma     float64   `json:"gamma"`

	StepSize       int         `json:"step_size,omitempty"`
	StepSizes      []int       `json:"step_sizes,omitempty"`
	Milestones     *Milestones `json:"milestones,omitempty"`
	Restarts       []int       `json:"restarts,omitempty"`
	RestartWeights []float64   `json:"restart_weights,omitempty"`
	ClearState     bool        `json:"clear_state,omitempty"`
	LastRestart    int         `json:"last_restart,omitempty"`
	Segment        int         `json:"segment,omitempty"`
	TPeriod        []int       `json:"t_period,omitempty"`
	TMax           int         `json:"t_max,omitempty"`
	EtaMin         float64     `json:"eta_min,omitempty"`
}

// Config is the complete configuration used to create a scheduler with New.
type Config struct {
	Scheme         Kind
	Gamma          float64
	StepSize       int
	StepSizes      []int
	Milestones     Milestones
	Restarts       []int
	RestartWeights []float64
	ClearState     bool
	TPeriod        []int
	EtaMin         float64
}

// New creates a scheduler of the configured kind attached to opt.
func New(opt optimizers.Interface, config Config) (Scheduler, error) {
	switch config.Scheme {
	case KindStepLR:
		return NewStepLR(opt, config.StepSize, config.Gamma)
	case KindStepLRRestart:
		return NewStepLRRestart(opt, config.StepSizes, config.Restarts, config.RestartWeights, config.Gamma, config.ClearState)
	case KindMultiStepLR:
		return NewMultiStepLR(opt, config.Milestones, config.Gamma)
	case KindMultiStepLRRestart:
		return NewMultiStepLRRestart(opt, config.Milestones, config.Restarts, config.RestartWeights, config.Gamma,
			config.ClearState)
	case KindCosineRestart:
		return NewCosineRestart(opt, config.TPeriod, config.Restarts, config.RestartWeights, config.EtaMin)
	}
	return nil, errors.Wrapf(ErrInvalidScheduleConfig, "unknown scheduler kind %q", config.Scheme)
}

// base holds the fields common to all schedulers.
type base struct {
	kind      Kind
	opt       optimizers.Interface
	lastEpoch int
	baseLRs   []float64
	lastLRs   []float64
	gamma     float64
}

func newBase(kind Kind, opt optimizers.Interface, gamma float64) base {
	lrs := opt.LearningRates()
	return base{kind: kind, opt: opt, lastEpoch: -1, baseLRs: lrs, lastLRs: slices.Clone(lrs), gamma: gamma}
}

func (b *base) Kind() Kind                      { return b.kind }
func (b *base) Optimizer() optimizers.Interface { return b.opt }
func (b *base) LastLR() []float64               { return slices.Clone(b.lastLRs) }
func (b *base) LR() []float64                   { return b.opt.LearningRates() }
func (b *base) LastEpoch() int                  { return b.lastEpoch }
func (b *base) Gamma() float64                  { return b.gamma }
func (b *base) SetGamma(gamma float64)          { b.gamma = gamma }

// stepWith advances the epoch, computes the new rates with lrAt (given the epoch and current rates), and sets them
// on the optimizer.
func (b *base) stepWith(lrAt func(epoch int, current []float64) []float64) error {
	epoch := b.lastEpoch + 1
	lrs := lrAt(epoch, b.opt.LearningRates())
	if err := b.opt.SetLearningRates(lrs); err != nil {
		return errors.WithMessagef(err, "%s scheduler failed to set learning rates at epoch %d", b.kind, epoch)
	}
	b.lastEpoch = epoch
	b.lastLRs = lrs
	return nil
}

func (b *base) state() *State {
	return &State{
		Kind:      b.kind,
		LastEpoch: b.lastEpoch,
		BaseLRs:   slices.Clone(b.baseLRs),
		LastLRs:   slices.Clone(b.lastLRs),
		Gamma:     b.gamma,
	}
}

func (b *base) loadState(state *State) error {
	if state == nil {
		return errors.Errorf("%s.LoadState: nil state", b.kind)
	}
	if state.Kind != b.kind {
		return errors.Errorf("cannot load state of a %s scheduler into a %s scheduler", state.Kind, b.kind)
	}
	b.lastEpoch = state.LastEpoch
	b.baseLRs = slices.Clone(state.BaseLRs)
	b.lastLRs = slices.Clone(state.LastLRs)
	b.gamma = state.Gamma
	return nil
}

func scaled(lrs []float64, factor float64) []float64 {
	out := make([]float64, len(lrs))
	for ii, lr := range lrs {
		out[ii] = lr * factor
	}
	return out
}

// restartIndex returns the index of the restart taking effect at epoch, or -1.
func restartIndex(restarts []int, epoch int) int {
	for ii, restart := range restarts {
		if restart+1 == epoch {
			return ii
		}
	}
	return -1
}

func restartWeight(weights []float64, idx int) float64 {
	if idx < len(weights) {
		return weights[idx]
	}
	return 1
}

func validateGamma(gamma float64) error {
	if !(gamma > 0) || math.IsInf(gamma, 0) {
		return errors.Wrapf(ErrInvalidScheduleConfig, "gamma must be positive, got %g", gamma)
	}
	return nil
}

func validateStepSizes(stepSizes []int) error {
	if len(stepSizes) == 0 {
		return errors.Wrap(ErrInvalidScheduleConfig, "step_sizes must not be empty")
	}
	for _, size := range stepSizes {
		if size <= 0 {
			return errors.Wrapf(ErrInvalidScheduleConfig, "step sizes must be positive, got %v", stepSizes)
		}
	}
	return nil
}

func validateRestarts(restarts []int, weights []float64) error {
	if len(restarts) != len(weights) {
		return errors.Wrapf(ErrInvalidScheduleConfig, "restarts %v and restart_weights %v do not match", restarts, weights)
	}
	return nil
}

func validateMilestones(steps []int) error {
	if !slices.IsSorted(steps) {
		return errors.Wrapf(ErrInvalidScheduleConfig, "lr_steps should be a list of increasing integers, got %v", steps)
	}
	return nil
}
