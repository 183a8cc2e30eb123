// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/trainstate/pkg/ml/checkpoints"
	"github.com/gomlx/trainstate/pkg/ml/train/options"
	"k8s.io/klog/v2"
)

// nTimes is used to implement NTimesDuringLoop.
type nTimes struct {
	n, nUsed int
	fn       OnStepFn
}

func (nT *nTimes) onStart(_ *Loop) error {
	nT.nUsed = 0
	return nil
}

func (nT *nTimes) onStep(loop *Loop, loss float64) error {
	stepsDone := (loop.LoopStep - loop.StartStep) + 1 // Current LoopStep just finished.
	if loop.LoopStep < loop.EndStep-1 {               // Last step is always included.
		totalSteps := loop.EndStep - loop.StartStep
		stepsPerCall := float64(totalSteps) / float64(nT.n)
		if stepsPerCall > 1 && float64(nT.nUsed) > float64(stepsDone)/stepsPerCall {
			return nil
		}
	}
	nT.nUsed++
	return nT.fn(loop, loss)
}

// NTimesDuringLoop registers a OnStep hook on the loop that is called about n times per run, split evenly
// across all steps.
//
// It always calls `fn` at the very last step.
func NTimesDuringLoop(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		exceptions.Panicf("NTimesDuringLoop(n=%d): n must be > 0", n)
	}
	nT := &nTimes{n: n, fn: fn}
	name = fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name)
	loop.OnStart(name, priority, nT.onStart)
	loop.OnStep(name, priority, nT.onStep)
}

type everyNSteps struct {
	n  int
	fn OnStepFn
}

func (eN *everyNSteps) onStep(loop *Loop, loss float64) error {
	if (loop.LoopStep+1)%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, loss)
}

// EveryNSteps registers a OnStep hook on the loop that is called every N steps, counted by LoopStep:
// so it is called at the same steps after resuming.
//
// Notice that it does not call `fn` at the last step (except by coincidence).
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		exceptions.Panicf("EveryNSteps(n=%d): n must be > 0", n)
	}
	eN := &everyNSteps{n: n, fn: fn}
	loop.OnStep(fmt.Sprintf("EveryNSteps(%d): %s", n, name), priority, eN.onStep)
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnStepFn
}

func (p *periodicCallback) onStep(loop *Loop, loss float64) error {
	if !p.started {
		p.started = true
		p.last = time.Now()
		return nil
	}
	if time.Since(p.last) < p.period {
		return nil
	}
	err := p.fn(loop, loss)
	p.last = time.Now()
	return err
}

// PeriodicCallback registers an `OnStep` hook on the loop that is called every period of time.
// The period counts after the execution of `fn`.
//
// If callOnEnd is set, it will also call at the end of the loop.
func PeriodicCallback(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{period: period, fn: fn}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStep(fullName, priority, p.onStep)
	if callOnEnd {
		loop.OnEnd(fullName, priority, func(loop *Loop, loss float64) error { return p.fn(loop, loss) })
	}
}

// CheckpointPriority is the priority of the hooks registered by CheckpointEveryNSteps: after all
// default priority hooks.
const CheckpointPriority Priority = 100

// SaveBackup saves the weights of all networks of base and its training state in their backup slots.
// nextStep is the iteration saved: the step to run when resuming.
func SaveBackup(base *Base, epoch, nextStep int) error {
	runName := base.Options().Name
	for _, label := range base.NetworkLabels() {
		if _, err := base.SaveWeights(label, checkpoints.Backup, runName); err != nil {
			return err
		}
	}
	_, err := base.SaveTrainingState(epoch, int64(nextStep), true)
	return err
}

// CheckpointEveryNSteps registers hooks that save backups (see SaveBackup) every n steps and at the end of
// every run.
func CheckpointEveryNSteps(loop *Loop, n int) {
	EveryNSteps(loop, n, "checkpoint", CheckpointPriority, func(loop *Loop, _ float64) error {
		return SaveBackup(loop.Base, loop.Epoch, loop.LoopStep+1)
	})
	loop.OnEnd("checkpoint", CheckpointPriority, func(loop *Loop, _ float64) error {
		// LoopStep is already one past the last step run.
		return SaveBackup(loop.Base, loop.Epoch, loop.LoopStep)
	})
}

// ApplyTrainOptions registers an OnStep hook that reconciles the schedulers with every train section
// received from updates, before the next step. Receiving doesn't block.
//
// Typically, updates are fed from an options.Watch callback running in another goroutine.
// Invalid configurations are logged and ignored: training continues with the current schedulers.
func ApplyTrainOptions(loop *Loop, updates <-chan *options.Train) {
	loop.OnStep("ApplyTrainOptions", -CheckpointPriority, func(loop *Loop, _ float64) error {
		for {
			select {
			case trainOpts, ok := <-updates:
				if !ok {
					return nil
				}
				changes, err := loop.Base.ReconcileSchedulers(trainOpts)
				if err != nil {
					klog.Errorf("step %d: ignoring new train options: %+v", loop.LoopStep, err)
					continue
				}
				klog.V(1).Infof("step %d: %d scheduler changes", loop.LoopStep, len(changes))
			default:
				return nil
			}
		}
	})
}
