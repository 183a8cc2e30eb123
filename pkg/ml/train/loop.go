// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// StepFn runs one training step (forward, backward and optimizer updates) and returns the batch loss.
type StepFn func(loop *Loop) (loss float64, err error)

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks. loss is the value returned by the StepFn.
type OnStepFn func(loop *Loop, loss float64) error

// OnEndFn is the type of OnEnd hooks. loss is the value returned by the last StepFn.
type OnEndFn func(loop *Loop, loss float64) error

// Loop runs a training loop: at every step it calls the StepFn, advances the learning-rate schedulers
// of the Base and calls the OnStep hooks.
//
// It also converts panics in StepFn and hooks (e.g. thrown with exceptions.Panicf) into errors.
//
// By itself it doesn't do much, but one can attach functionality to it, like checkpointing
// (CheckpointEveryNSteps), progress bars, applying reloaded options, etc.
//
// The public attributes are meant for reading only, don't change them.
type Loop struct {
	// Base of the training run.
	Base *Base

	// LoopStep currently being executed. It's initialized with the iteration of the Base's resumed
	// training state, if any, see SetLoopStep.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run (RunSteps).
	StartStep int

	// EndStep is one-past the last step to be executed.
	EndStep int

	// Epoch is the current epoch, saved along with training states.
	Epoch int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during the last run.
	TrainStepDurations []time.Duration

	stepFn StepFn

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop for base, that calls stepFn at each step.
func NewLoop(base *Base, stepFn StepFn) *Loop {
	return &Loop{
		Base:       base,
		SharedData: make(map[string]any),
		stepFn:     stepFn,
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// SetLoopStep sets the next step to run, typically the iteration of a resumed training state.
func (loop *Loop) SetLoopStep(step int) {
	loop.LoopStep = step
}

// start of loop, it calls the OnStart hooks.
func (loop *Loop) start() error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step runs one step: StepFn, schedulers and OnStep hooks.
func (loop *Loop) step() (loss float64, err error) {
	startTime := time.Now()
	loss, err = loop.stepFn(loop)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) {
		return loss, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(loss, 0) {
		return loss, errors.Errorf("batch loss is infinity (%f), training interrupted", loss)
	}
	if err = loop.Base.AdvanceSchedulers(); err != nil {
		return loss, err
	}
	for hook := range loop.onStep.All() {
		if err = hook.fn(loop, loss); err != nil {
			return loss, errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	return loss, nil
}

// end of loop, it calls the OnEnd hooks.
func (loop *Loop) end(loss float64) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up where it left of last time.
//
// It returns the loss of the last step.
func (loop *Loop) RunSteps(steps int) (loss float64, err error) {
	if steps <= 0 {
		return 0, nil
	}
	panicErr := exceptions.TryCatch[error](func() {
		loss, err = loop.runSteps(steps)
	})
	if panicErr != nil {
		return 0, errors.WithMessagef(panicErr, "Loop.RunSteps(%d) panicked at step %d", steps, loop.LoopStep)
	}
	return
}

func (loop *Loop) runSteps(steps int) (loss float64, err error) {
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	if err = loop.start(); err != nil {
		return 0, err
	}
	for ; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		loss, err = loop.step()
		if err != nil {
			return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed at step %d", steps, loop.LoopStep)
		}
	}
	if err = loop.end(loss); err != nil {
		return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return loss, nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function fn is called after the StepFn and after the schedulers are advanced.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last step.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
