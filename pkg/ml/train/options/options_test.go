// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package options

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/trainstate/pkg/ml/train/schedulers"
	"github.com/gomlx/trainstate/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlOptions = `
name: sr_x4
is_train: true
gpu_ids: [0, 1]
path:
  models: /tmp/sr/models
  training_state: /tmp/sr/training_state
datasets:
  train: {name: DIV2K}
train:
  optimizer: adam
  lr: 2e-4
  lr_scheme: MultiStepLR_Restart
  lr_steps: [100, 200, 200]
  lr_gamma: 0.5
  restarts: [250]
  restart_weights: [1]
  clear_state: ~
`

const jsonOptions = `{
  "name": "sr_x4",
  "is_train": false,
  "gpu_ids": null,
  "path": {"models": "~/models"},
  "numeric_stack_version": "1.1.0",
  "train": {"lr_scheme": "StepLR", "lr_step_size": 10, "lr_gamma": null, "lr_T_period": [5]}
}`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "run.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlOptions), 0o600))
	opts := must.M1(Load(yamlPath))
	assert.Equal(t, "sr_x4", opts.Name)
	assert.True(t, opts.IsTrain)
	assert.Equal(t, []int{0, 1}, opts.GPUIDs)
	assert.Equal(t, "/tmp/sr/models", opts.Path.Models)
	require.NotNil(t, opts.Train)
	assert.Equal(t, "adam", opts.Train.Optimizer)
	assert.InDelta(t, 2e-4, *opts.Train.LR, 1e-12)
	assert.Equal(t, schedulers.KindMultiStepLRRestart, opts.Train.LRScheme)
	assert.Equal(t, []int{100, 200, 200}, opts.Train.LRSteps)
	assert.Nil(t, opts.Train.ClearState, "null means not set")
	assert.Nil(t, opts.Train.LRStepSize)
	require.NoError(t, opts.Validate())

	jsonPath := filepath.Join(dir, "run.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(jsonOptions), 0o600))
	opts = must.M1(Load(jsonPath))
	assert.Empty(t, opts.GPUIDs)
	home := must.M1(fsutil.ReplaceTildeInDir("~"))
	assert.Equal(t, filepath.Join(home, "models"), opts.Path.Models)
	assert.Equal(t, "1.1.0", opts.NumericStackVersion)
	assert.Equal(t, 10, *opts.Train.LRStepSize)
	assert.Nil(t, opts.Train.LRGamma)
	assert.Equal(t, []int{5}, opts.Train.LRTPeriod)
	require.NoError(t, opts.Validate())

	_, err := Load(filepath.Join(dir, "run.toml"))
	require.Error(t, err)
	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	opts := &Options{IsTrain: true, Path: Paths{Models: "m"}}
	require.ErrorContains(t, opts.Validate(), "training_state")
	opts.Path.TrainingState = "s"
	require.NoError(t, opts.Validate())

	opts.NumericStackVersion = "not-a-version"
	require.Error(t, opts.Validate())
	opts.NumericStackVersion = "2.0.0a0"
	require.NoError(t, opts.Validate())

	opts.Train = &Train{LRScheme: "ExponentialLR"}
	require.ErrorContains(t, opts.Validate(), "lr_scheme")
	opts.Train.LRScheme = schedulers.KindCosineRestart
	require.NoError(t, opts.Validate())

	opts.GPUIDs = []int{-1}
	require.Error(t, opts.Validate())
}

func TestDesired(t *testing.T) {
	var nilTrain *Train
	assert.Equal(t, schedulers.Desired{}, nilTrain.Desired())

	opts := must.M1(Parse([]byte(yamlOptions), FormatYAML))
	d := opts.Train.Desired()
	assert.Equal(t, schedulers.KindMultiStepLRRestart, d.Scheme)
	assert.Equal(t, []int{100, 200, 200}, d.Milestones)
	assert.Equal(t, []int{250}, d.Restarts)
	assert.Equal(t, []float64{1}, d.RestartWeights)
	assert.Nil(t, d.StepSize)
	assert.Nil(t, d.ClearState)
	assert.Equal(t, 0.5, *d.Gamma)
}

func TestSchedulerConfig(t *testing.T) {
	opts := must.M1(Parse([]byte(yamlOptions), FormatYAML))
	config := must.M1(opts.Train.SchedulerConfig())
	assert.Equal(t, 0.5, config.Gamma)
	assert.True(t, config.Milestones.Equal(schedulers.MultisetOf(100, 200, 200)))
	assert.False(t, config.ClearState)

	opts = must.M1(Parse([]byte(jsonOptions), FormatJSON))
	config = must.M1(opts.Train.SchedulerConfig())
	assert.Equal(t, DefaultGamma, config.Gamma)
	assert.Equal(t, 10, config.StepSize)

	_, err := (&Train{}).SchedulerConfig()
	require.Error(t, err)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, fsutil.WriteFile(path, []byte(yamlOptions), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	type reload struct {
		opts *Options
		err  error
	}
	reloads := make(chan reload, 16)
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- watch(ctx, path, ready, func(opts *Options, err error) { reloads <- reload{opts, err} })
	}()
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher not installed")
	}

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("name: x"), 0o600))

	updated := yamlOptions + "  lr_step_size: 7\n"
	require.NoError(t, fsutil.WriteFile(path, []byte(updated), 0o600))
	select {
	case r := <-reloads:
		require.NoError(t, r.err)
		require.NotNil(t, r.opts.Train.LRStepSize)
		assert.Equal(t, 7, *r.opts.Train.LRStepSize)
	case <-time.After(5 * time.Second):
		t.Fatal("options were not reloaded")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch didn't return after cancel")
	}
}

func TestApplySettings(t *testing.T) {
	opts := must.M1(Parse([]byte(yamlOptions), FormatYAML))
	keys, err := ApplySettings(opts, "train.lr_gamma=0.25; train.lr_steps=[10, 20];train.clear_state=true;name=other")
	require.NoError(t, err)
	assert.Equal(t, []string{"train.lr_gamma", "train.lr_steps", "train.clear_state", "name"}, keys)
	assert.Equal(t, 0.25, *opts.Train.LRGamma)
	assert.Equal(t, []int{10, 20}, opts.Train.LRSteps)
	assert.True(t, *opts.Train.ClearState)
	assert.Equal(t, "other", opts.Name)
	assert.Equal(t, "adam", opts.Train.Optimizer, "other keys are preserved")
	assert.Equal(t, "/tmp/sr/models", opts.Path.Models)

	// null unsets.
	_, err = ApplySettings(opts, "train.lr_gamma=null")
	require.NoError(t, err)
	assert.Nil(t, opts.Train.LRGamma)

	// Sections are created if needed.
	empty := &Options{}
	_, err = ApplySettings(empty, "train.lr_step_size=5")
	require.NoError(t, err)
	assert.Equal(t, 5, *empty.Train.LRStepSize)

	// Errors leave the options untouched.
	for _, settings := range []string{"train.unknown=1", "train.lr_steps=abc", "name", "name.first=x", "=3"} {
		_, err = ApplySettings(opts, settings)
		require.Error(t, err, "settings %q", settings)
	}
	assert.Equal(t, []int{10, 20}, opts.Train.LRSteps)

	settingsPath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(settingsPath, []byte("# Decay\ntrain.lr_gamma=0.1\n\ntrain.restarts=[5];train.restart_weights=[0.5]\n"), 0o600))
	keys, err = ApplySettings(opts, "file:"+settingsPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"train.lr_gamma", "train.restarts", "train.restart_weights"}, keys)
	assert.Equal(t, []float64{0.5}, opts.Train.RestartWeights)
}
