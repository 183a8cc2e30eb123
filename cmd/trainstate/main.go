// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// trainstate inspects and edits training artifacts (weights and training states), and runs a small demo
// training with resumable, reconfigurable learning-rate schedules.
//
// Usage:
//
//	trainstate inspect [--summary] [--params] [--vars] [--delete_vars=<scopes>] [--perturb=<x>] <artifact>...
//	trainstate demo --config=<options.yaml> [--set=<settings>] [--steps=N] [--save_every=N] [--watch]
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gomlx/trainstate/pkg/ml/checkpoints"
	"github.com/gomlx/trainstate/pkg/ml/random"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// newRootCmd creates the command tree, writing reports to w. klog flags (-v, -logtostderr, ...) are
// available to all subcommands.
func newRootCmd(w io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trainstate",
		Short: "Inspect training artifacts and run a resumable demo training",
		Long: `trainstate reports on weights (.pth) and training state (.state) artifacts, and can edit
weights offline. The demo subcommand trains a small linear regression whose learning-rate schedule
is configured, and optionally hot-reconfigured, by an options file.`,
		SilenceUsage: true,
	}
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)
	rootCmd.AddCommand(newInspectCmd(w), newDemoCmd(w))
	return rootCmd
}

func newInspectCmd(w io.Writer) *cobra.Command {
	var cfg inspectConfig
	cmd := &cobra.Command{
		Use:   "inspect <artifact>...",
		Short: "Report on weights and training state artifacts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, paths []string) error {
			return inspect(w, paths, cfg)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&cfg.Summary, "summary", true, "Display a summary of the artifacts: kind, iteration and sizes.")
	flags.BoolVar(&cfg.Params, "params", false, "Lists the hyperparameters of the optimizers and schedulers of training states.")
	flags.BoolVar(&cfg.State, "state", true, "Reports the counters, optimizers and schedulers of training states.")
	flags.BoolVar(&cfg.Vars, "vars", false, "Lists the variables of weights artifacts.")
	flags.BoolVar(&cfg.Glossary, "glossary", true, "Whether to list glossary of abbreviations used in --vars.")
	flags.StringVar(&cfg.DeleteVars, "delete_vars", "",
		"Comma-separated list of scopes whose variables are deleted from weights artifacts, which are rewritten.")
	flags.Float64Var(&cfg.Perturb, "perturb", 0,
		"Perturbs float variables of weights artifacts by <x>: it multiplies the weights by 1.0+(RandomUniform(-1, 1)*x). "+
			"The artifacts are rewritten.")
	flags.Uint64Var(&cfg.Seed, "seed", 0, "Seed used by --perturb.")
	return cmd
}

func newDemoCmd(w io.Writer) *cobra.Command {
	cfg := &demoConfig{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Train a small linear regression with resumable, reconfigurable learning-rate schedules",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			_, err := runDemo(w, cfg)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfg.ConfigPath, "config", "", "Options file (.yaml, .yml or .json).")
	flags.StringVar(&cfg.Settings, "set", "",
		`Overrides of options, e.g. "train.lr_gamma=0.5;train.lr_steps=[100,200]". Use "file:<path>" to read them from a file.`)
	flags.IntVar(&cfg.Steps, "steps", 100, "Number of steps to train in this run.")
	flags.IntVar(&cfg.SaveEvery, "save_every", 10, "Save backups of the weights and training state every N steps. 0 disables it.")
	flags.IntVar(&cfg.BatchSize, "batch", 16, "Batch size.")
	flags.Uint64Var(&cfg.Seed, "seed", 42, "Seed of the random generators, when not resuming.")
	flags.BoolVar(&cfg.Watch, "watch", false, "Watch the options file and apply changes of its train section while training.")
	flags.BoolVar(&cfg.Progress, "progress", true, "Display a progress bar.")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

// inspectConfig holds the flags of the inspect subcommand.
type inspectConfig struct {
	Summary, Params, State, Vars, Glossary bool
	DeleteVars                             string
	Perturb                                float64
	Seed                                   uint64
}

func inspect(w io.Writer, paths []string, cfg inspectConfig) error {
	metas := make([]*checkpoints.Metadata, len(paths))
	for ii, path := range paths {
		meta, err := checkpoints.ReadMetadata(path)
		if err != nil {
			return err
		}
		metas[ii] = meta
	}

	// Edits first, so the reports reflect them.
	if cfg.DeleteVars != "" || cfg.Perturb != 0 {
		generators := random.NewGenerators(cfg.Seed)
		for ii, path := range paths {
			if metas[ii].Kind != checkpoints.KindWeights {
				continue
			}
			if cfg.DeleteVars != "" {
				n, err := DeleteVars(path, strings.Split(cfg.DeleteVars, ",")...)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s: %d variables deleted\n", path, n)
			}
			if cfg.Perturb != 0 {
				n, err := PerturbVars(path, cfg.Perturb, generators)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s: %d variables perturbed\n", path, n)
			}
			meta, err := checkpoints.ReadMetadata(path)
			if err != nil {
				return err
			}
			metas[ii] = meta
		}
	}

	names := MinimalUniquePaths(paths...)
	if cfg.Summary {
		Summary(w, metas, names)
	}

	var statePaths, stateNames []string
	for ii, meta := range metas {
		if meta.Kind == checkpoints.KindTrainingState {
			statePaths = append(statePaths, paths[ii])
			stateNames = append(stateNames, names[ii])
		}
	}
	if len(statePaths) > 0 && (cfg.State || cfg.Params) {
		states := make([]*checkpoints.TrainingState, len(statePaths))
		for ii, path := range statePaths {
			state, err := checkpoints.ReadTrainingState(path)
			if err != nil {
				return err
			}
			states[ii] = state
			if cfg.State {
				ReportTrainingState(w, stateNames[ii], state)
			}
		}
		if cfg.Params {
			if err := Params(w, states, stateNames); err != nil {
				return err
			}
		}
	}

	if cfg.Vars {
		for ii, meta := range metas {
			if meta.Kind != checkpoints.KindWeights {
				continue
			}
			weights, err := checkpoints.ReadWeights(paths[ii])
			if err != nil {
				return err
			}
			ListVariables(w, names[ii], weights, cfg.Glossary)
		}
	}
	return nil
}
