// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package options holds the run configuration of a training driver, as read from a JSON or YAML file.
//
// Optional fields of the "train" section are pointers or slices: when absent (or null) they mean
// "no change requested" to the scheduler reconciliation, see Train.Desired.
//
// Example of a YAML configuration:
//
//	name: sr_x4
//	is_train: true
//	gpu_ids: [0]
//	path:
//	  models: ~/experiments/sr_x4/models
//	  training_state: ~/experiments/sr_x4/training_state
//	train:
//	  optimizer: adam
//	  lr: 2e-4
//	  lr_scheme: MultiStepLR
//	  lr_steps: [200000, 400000]
//	  lr_gamma: 0.5
package options

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/trainstate/pkg/ml/train/schedulers"
	"github.com/gomlx/trainstate/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Options of a training (or inference) run.
type Options struct {
	Name    string `json:"name" yaml:"name"`
	IsTrain bool   `json:"is_train" yaml:"is_train"`

	// GPUIDs selects the accelerators. Empty means CPU.
	GPUIDs []int `json:"gpu_ids" yaml:"gpu_ids"`

	Path Paths `json:"path" yaml:"path"`

	// NumericStackVersion is the version of the scheduler stack, see schedulers.WithStackVersion.
	// Empty means schedulers.DefaultStackVersion.
	NumericStackVersion string `json:"numeric_stack_version,omitempty" yaml:"numeric_stack_version,omitempty"`

	Train *Train `json:"train,omitempty" yaml:"train,omitempty"`
}

// Paths where artifacts are stored.
type Paths struct {
	Models        string `json:"models" yaml:"models"`
	TrainingState string `json:"training_state" yaml:"training_state"`
}

// Train section of the options.
type Train struct {
	Optimizer string   `json:"optimizer,omitempty" yaml:"optimizer,omitempty"`
	LR        *float64 `json:"lr,omitempty" yaml:"lr,omitempty"`

	LRScheme       schedulers.Kind `json:"lr_scheme,omitempty" yaml:"lr_scheme,omitempty"`
	LRGamma        *float64        `json:"lr_gamma,omitempty" yaml:"lr_gamma,omitempty"`
	LRStepSize     *int            `json:"lr_step_size,omitempty" yaml:"lr_step_size,omitempty"`
	LRStepSizes    []int           `json:"lr_step_sizes,omitempty" yaml:"lr_step_sizes,omitempty"`
	LRSteps        []int           `json:"lr_steps,omitempty" yaml:"lr_steps,omitempty"`
	Restarts       []int           `json:"restarts,omitempty" yaml:"restarts,omitempty"`
	RestartWeights []float64       `json:"restart_weights,omitempty" yaml:"restart_weights,omitempty"`
	ClearState     *bool           `json:"clear_state,omitempty" yaml:"clear_state,omitempty"`
	LRTPeriod      []int           `json:"lr_T_period,omitempty" yaml:"lr_T_period,omitempty"`
	EtaMin         *float64        `json:"eta_min,omitempty" yaml:"eta_min,omitempty"`
}

// Format of an options file.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatFor returns the format for the file extension of path: ".json", ".yml" or ".yaml".
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yml", ".yaml":
		return FormatYAML, nil
	}
	return 0, errors.Errorf("options file %q: unknown extension, use .json, .yml or .yaml", path)
}

// Load reads the options file at path. Its format is selected by the file extension.
// Unknown keys are ignored. "~" in the paths is expanded to the home directory.
func Load(path string) (*Options, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read options file %q", path)
	}
	opts, err := Parse(content, format)
	if err != nil {
		return nil, errors.WithMessagef(err, "options file %q", path)
	}
	return opts, nil
}

// Parse options from content in the given format.
func Parse(content []byte, format Format) (*Options, error) {
	opts := &Options{}
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(content, opts)
	case FormatYAML:
		err = yaml.Unmarshal(content, opts)
	default:
		return nil, errors.Errorf("unknown options format %d", format)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse options")
	}
	if opts.Path.Models, err = fsutil.ReplaceTildeInDir(opts.Path.Models); err != nil {
		return nil, err
	}
	if opts.Path.TrainingState, err = fsutil.ReplaceTildeInDir(opts.Path.TrainingState); err != nil {
		return nil, err
	}
	return opts, nil
}

// Validate checks that the paths required for training are set, and that the stack version and scheduler
// scheme are known.
func (o *Options) Validate() error {
	if o.IsTrain {
		if o.Path.Models == "" {
			return errors.New("options: path.models is required for training")
		}
		if o.Path.TrainingState == "" {
			return errors.New("options: path.training_state is required for training")
		}
	}
	if o.NumericStackVersion != "" {
		if _, err := schedulers.NewRegistry(schedulers.WithStackVersion(o.NumericStackVersion)); err != nil {
			return errors.WithMessage(err, "options: numeric_stack_version")
		}
	}
	for _, id := range o.GPUIDs {
		if id < 0 {
			return errors.Errorf("options: invalid gpu_ids %v", o.GPUIDs)
		}
	}
	if o.Train != nil && o.Train.LRScheme != "" && !knownScheme(o.Train.LRScheme) {
		return errors.Errorf("options: unknown lr_scheme %q", o.Train.LRScheme)
	}
	return nil
}

func knownScheme(kind schedulers.Kind) bool {
	switch kind {
	case schedulers.KindStepLR, schedulers.KindStepLRRestart, schedulers.KindMultiStepLR,
		schedulers.KindMultiStepLRRestart, schedulers.KindCosineRestart:
		return true
	}
	return false
}

// Desired returns the scheduler configuration requested by the train section, for Registry.Reconcile.
// Fields not set in the options are left unspecified.
func (t *Train) Desired() schedulers.Desired {
	if t == nil {
		return schedulers.Desired{}
	}
	return schedulers.Desired{
		Scheme:         t.LRScheme,
		StepSize:       t.LRStepSize,
		StepSizes:      t.LRStepSizes,
		Milestones:     t.LRSteps,
		Restarts:       t.Restarts,
		RestartWeights: t.RestartWeights,
		ClearState:     t.ClearState,
		Gamma:          t.LRGamma,
	}
}

// DefaultGamma is the decay used when lr_gamma is not given.
const DefaultGamma = 0.1

// SchedulerConfig returns the complete configuration to create a new scheduler from the train section.
// Milestones are created as a multiset.
func (t *Train) SchedulerConfig() (schedulers.Config, error) {
	if t == nil || t.LRScheme == "" {
		return schedulers.Config{}, errors.New("options: train.lr_scheme not set")
	}
	config := schedulers.Config{
		Scheme:         t.LRScheme,
		Gamma:          DefaultGamma,
		StepSizes:      t.LRStepSizes,
		Milestones:     schedulers.MultisetOf(t.LRSteps...),
		Restarts:       t.Restarts,
		RestartWeights: t.RestartWeights,
		TPeriod:        t.LRTPeriod,
	}
	if t.LRGamma != nil {
		config.Gamma = *t.LRGamma
	}
	if t.LRStepSize != nil {
		config.StepSize = *t.LRStepSize
	}
	if t.ClearState != nil {
		config.ClearState = *t.ClearState
	}
	if t.EtaMin != nil {
		config.EtaMin = *t.EtaMin
	}
	return config, nil
}
