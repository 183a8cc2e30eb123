// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedulers

import (
	"strings"

	"github.com/gomlx/trainstate/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"golang.org/x/mod/semver"
	"k8s.io/klog/v2"
)

// ErrNoSchedulers is returned by Registry.CurrentRate when no scheduler is registered.
var ErrNoSchedulers = errors.New("no learning-rate schedulers registered")

const (
	// DefaultStackVersion is the version of the scheduler stack assumed if none is given.
	DefaultStackVersion = "v2.5.0"

	// LastLRVersion is the first stack version where the current rate is read with Scheduler.LastLR.
	// Older stacks read it with Scheduler.LR.
	LastLRVersion = "v1.4.0"
)

// Accessor names returned by Registry.RateAccessor.
const (
	AccessorLastLR = "LastLR"
	AccessorLR     = "LR"
)

// Registry holds the optimizers and learning-rate schedulers of a training run, in order.
//
// It is not safe for concurrent use: it's owned by the training loop.
type Registry struct {
	optimizers []optimizers.Interface
	schedulers []Scheduler
	listeners  []func(Change)

	stackVersion string
	accessorName string
	rate         func(Scheduler) []float64
}

// RegistryOption configures NewRegistry.
type RegistryOption func(r *Registry) error

// WithStackVersion sets the version of the scheduler stack, which selects how the current learning rate
// is read: versions >= LastLRVersion use Scheduler.LastLR, older ones Scheduler.LR.
//
// The "v" prefix is optional. Anything after the core version that is not valid semver (e.g. "a0" in "2.0.0a0")
// is ignored.
func WithStackVersion(version string) RegistryOption {
	return func(r *Registry) error {
		canonical, err := canonicalVersion(version)
		if err != nil {
			return err
		}
		r.stackVersion = canonical
		return nil
	}
}

// canonicalVersion normalizes a version string to semver with the "v" prefix.
func canonicalVersion(version string) (string, error) {
	v := strings.TrimSpace(version)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if semver.IsValid(v) {
		return semver.Canonical(v), nil
	}
	// Keep the longest valid prefix made of digits and dots.
	end := 1
	for end < len(v) && (v[end] == '.' || (v[end] >= '0' && v[end] <= '9')) {
		end++
	}
	core := strings.TrimSuffix(v[:end], ".")
	if !semver.IsValid(core) {
		return "", errors.Errorf("invalid scheduler stack version %q", version)
	}
	return semver.Canonical(core), nil
}

// NewRegistry creates an empty registry. The rate accessor is selected once, here.
func NewRegistry(options ...RegistryOption) (*Registry, error) {
	r := &Registry{stackVersion: DefaultStackVersion}
	for _, option := range options {
		if err := option(r); err != nil {
			return nil, err
		}
	}
	if semver.Compare(r.stackVersion, LastLRVersion) >= 0 {
		r.accessorName = AccessorLastLR
		r.rate = func(s Scheduler) []float64 { return s.LastLR() }
	} else {
		r.accessorName = AccessorLR
		r.rate = func(s Scheduler) []float64 { return s.LR() }
	}
	klog.V(2).Infof("schedulers registry for stack %s reads rates with %s", r.stackVersion, r.accessorName)
	return r, nil
}

// StackVersion returns the canonical stack version.
func (r *Registry) StackVersion() string { return r.stackVersion }

// RateAccessor returns the name of the accessor used to read current rates: AccessorLastLR or AccessorLR.
func (r *Registry) RateAccessor() string { return r.accessorName }

// Add registers an optimizer and its scheduler. sched may be nil for optimizers without scheduling,
// otherwise it must be attached to opt.
func (r *Registry) Add(opt optimizers.Interface, sched Scheduler) error {
	if opt == nil {
		return errors.New("Registry.Add: nil optimizer")
	}
	if sched != nil {
		if sched.Optimizer() != opt {
			return errors.Errorf("Registry.Add: %s scheduler is attached to a different optimizer", sched.Kind())
		}
		r.schedulers = append(r.schedulers, sched)
	}
	r.optimizers = append(r.optimizers, opt)
	return nil
}

// Optimizers returns the registered optimizers, in order.
func (r *Registry) Optimizers() []optimizers.Interface {
	return append([]optimizers.Interface(nil), r.optimizers...)
}

// Schedulers returns the registered schedulers, in order.
func (r *Registry) Schedulers() []Scheduler {
	return append([]Scheduler(nil), r.schedulers...)
}

// Len returns the number of registered schedulers.
func (r *Registry) Len() int { return len(r.schedulers) }

// Advance steps all schedulers once.
func (r *Registry) Advance() error {
	for ii, s := range r.schedulers {
		if err := s.Step(); err != nil {
			return errors.WithMessagef(err, "failed to advance scheduler #%d", ii)
		}
	}
	return nil
}

// CurrentRates returns the learning rates of the first parameter group of each scheduler's optimizer.
func (r *Registry) CurrentRates() ([]float64, error) {
	if len(r.schedulers) == 0 {
		return nil, ErrNoSchedulers
	}
	rates := make([]float64, 0, len(r.schedulers))
	for ii, s := range r.schedulers {
		lrs := r.rate(s)
		if len(lrs) == 0 {
			return nil, errors.Errorf("scheduler #%d (%s) has no parameter groups", ii, s.Kind())
		}
		rates = append(rates, lrs[0])
	}
	return rates, nil
}

// CurrentRate returns the learning rate of the first parameter group of the first scheduler's optimizer.
func (r *Registry) CurrentRate() (float64, error) {
	rates, err := r.CurrentRates()
	if err != nil {
		return 0, err
	}
	return rates[0], nil
}

// OnChange registers a listener called for every change applied by Reconcile, after all changes of the
// call have been applied.
func (r *Registry) OnChange(listener func(Change)) {
	r.listeners = append(r.listeners, listener)
}
