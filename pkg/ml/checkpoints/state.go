// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/trainstate/pkg/core/tensors"
	"github.com/gomlx/trainstate/pkg/ml/model"
	"github.com/gomlx/trainstate/pkg/ml/random"
	"github.com/gomlx/trainstate/pkg/ml/train/optimizers"
	"github.com/gomlx/trainstate/pkg/ml/train/schedulers"
	"github.com/gomlx/trainstate/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StateSuffix is the file extension of training state artifacts.
const StateSuffix = ".state"

// TrainingState is everything needed to resume a training run, other than the weights.
//
// Optimizers and Schedulers are index-aligned with the registry they were captured from.
// Random is nil for states written before random generators were captured.
type TrainingState struct {
	ID         uuid.UUID           `json:"id"`
	Epoch      int                 `json:"epoch"`
	Iteration  int64               `json:"iteration"`
	Optimizers []*optimizers.State `json:"optimizers"`
	Schedulers []*schedulers.State `json:"schedulers"`
	Random     *random.Snapshot    `json:"random,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Assemble captures a TrainingState from the live optimizers and schedulers of registry and,
// if generators is not nil, a fresh snapshot of the random generators.
func Assemble(epoch int, iteration int64, registry *schedulers.Registry, generators *random.Generators) (
	*TrainingState, error) {
	state := &TrainingState{
		ID:        uuid.New(),
		Epoch:     epoch,
		Iteration: iteration,
		CreatedAt: time.Now(),
	}
	for ii, opt := range registry.Optimizers() {
		optState, err := opt.StateDict()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to capture state of optimizer #%d (%s)", ii, opt.Name())
		}
		state.Optimizers = append(state.Optimizers, optState)
	}
	for _, s := range registry.Schedulers() {
		state.Schedulers = append(state.Schedulers, s.State())
	}
	if generators != nil {
		snapshot, err := generators.Capture()
		if err != nil {
			return nil, err
		}
		state.Random = snapshot
	}
	return state, nil
}

// slotPrefix is the prefix of the tensors of the optimizer at position idx.
func slotPrefix(idx int) string {
	return fmt.Sprintf("optimizers/%d/", idx)
}

// StateStore saves and reads training states under a directory.
//
// Artifacts are named "{iteration}.state", or "backup.state" for the rotating backup, whose backup slot
// is "backup-old.state".
type StateStore struct {
	dir  string
	opts *storeOptions
}

// NewStateStore returns a store for the given directory, creating it if it doesn't exist.
func NewStateStore(dir string, options ...StoreOption) (*StateStore, error) {
	dir, err := prepareDir(dir)
	if err != nil {
		return nil, err
	}
	return &StateStore{dir: dir, opts: collectStoreOptions(options...)}, nil
}

// String implements fmt.Stringer.
func (s *StateStore) String() string {
	return fmt.Sprintf("checkpoints.StateStore(%q)", s.dir)
}

// Dir returns the store directory.
func (s *StateStore) Dir() string { return s.dir }

// Path returns the artifact path for the given iteration, or the backup.
func (s *StateStore) Path(iteration int64, backup bool) string {
	it := AtStep(iteration)
	if backup {
		it = Backup
	}
	return filepath.Join(s.dir, it.String()+StateSuffix)
}

// BackupPath returns the backup slot path.
func (s *StateStore) BackupPath() string {
	return filepath.Join(s.dir, "backup-old"+StateSuffix)
}

// Save assembles the training state (see Assemble) and writes it. It returns the path written.
//
// If backup is set and "backup.state" already exists, it is first rotated into the backup slot.
func (s *StateStore) Save(epoch int, iteration int64, backup bool, registry *schedulers.Registry,
	generators *random.Generators) (string, error) {
	state, err := Assemble(epoch, iteration, registry, generators)
	if err != nil {
		return "", errors.WithMessagef(err, "%s: failed to save training state", s)
	}
	return s.Write(state, backup)
}

// Write the given training state, with the same naming and rotation as Save.
func (s *StateStore) Write(state *TrainingState, backup bool) (string, error) {
	path := s.Path(state.Iteration, backup)
	if backup {
		if _, err := fsutil.RotateBackup(path, s.BackupPath()); err != nil {
			return "", errors.WithMessagef(err, "%s: failed to rotate backup", s)
		}
	}

	// Optimizer slots go to the tensor section.
	slots := model.NewWeights()
	for ii, optState := range state.Optimizers {
		for _, name := range optState.SlotNames() {
			if err := slots.Set(slotPrefix(ii)+name, optState.Slots[name]); err != nil {
				return "", err
			}
		}
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return "", errors.Wrapf(err, "%s: failed to encode training state", s)
	}
	meta := &Metadata{
		Kind:      KindTrainingState,
		Iteration: strconv.FormatInt(state.Iteration, 10),
		CreatedAt: state.CreatedAt,
		Payload:   payload,
	}
	content, err := encodeArtifact(meta, slots, s.opts.binFormat)
	if err != nil {
		return "", errors.WithMessagef(err, "%s: failed to encode training state", s)
	}
	if err = fsutil.WriteFile(path, content, FilePermMode); err != nil {
		return "", err
	}
	klog.V(1).Infof("saved training state %s (epoch %d, iteration %d) to %q", state.ID, state.Epoch,
		state.Iteration, path)
	return path, nil
}

// Read the training state stored at path.
func (s *StateStore) Read(path string) (*TrainingState, error) {
	meta, slots, err := readArtifact(path, true)
	if err != nil {
		return nil, err
	}
	return decodeTrainingState(path, meta, slots)
}

// ReadTrainingState reads the training state at path, given its metadata, without the optimizer slots.
// It's enough to inspect an artifact.
func ReadTrainingState(path string) (*TrainingState, error) {
	meta, err := ReadMetadata(path)
	if err != nil {
		return nil, err
	}
	return decodeTrainingState(path, meta, nil)
}

func decodeTrainingState(path string, meta *Metadata, slots *model.Weights) (*TrainingState, error) {
	if meta.Kind != KindTrainingState {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%q holds a %q artifact, not a training state", path, meta.Kind)
	}
	state := &TrainingState{}
	if err := json.Unmarshal(meta.Payload, state); err != nil {
		return nil, errors.Wrapf(err, "failed to decode training state in %q", path)
	}
	if slots == nil {
		return state, nil
	}
	for ii, optState := range state.Optimizers {
		if optState == nil {
			return nil, errors.Errorf("training state in %q has no state for optimizer #%d", path, ii)
		}
		optState.Slots = make(map[string]*tensors.Tensor)
	}
	for name, tensor := range slots.All() {
		rest, hasPrefix := strings.CutPrefix(name, "optimizers/")
		idxStr, slotName, hasSlot := strings.Cut(rest, "/")
		idx, err := strconv.Atoi(idxStr)
		if !hasPrefix || !hasSlot || err != nil || idx < 0 || idx >= len(state.Optimizers) {
			return nil, errors.Errorf("training state in %q has an unexpected tensor %q", path, name)
		}
		state.Optimizers[idx].Slots[slotName] = tensor
	}
	return state, nil
}

// Latest returns the path of the most recent training state in the store: the one with the highest iteration,
// or "backup.state" if it was modified more recently. found is false if there are none.
func (s *StateStore) Latest() (path string, found bool, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", false, errors.Wrapf(err, "%s: failed to list directory", s)
	}
	var bestIteration int64 = -1
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, StateSuffix) {
			continue
		}
		iteration, err := strconv.ParseInt(strings.TrimSuffix(name, StateSuffix), 10, 64)
		if err != nil || iteration < bestIteration {
			continue
		}
		bestIteration, path, found = iteration, filepath.Join(s.dir, name), true
	}

	backupPath := s.Path(0, true)
	backupInfo, err := os.Stat(backupPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return path, found, nil
		}
		return "", false, errors.Wrapf(err, "%s: failed to stat %q", s, backupPath)
	}
	if !found {
		return backupPath, true, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", false, errors.Wrapf(err, "%s: failed to stat %q", s, path)
	}
	if backupInfo.ModTime().After(info.ModTime()) {
		return backupPath, true, nil
	}
	return path, true, nil
}

// Resume restores the live optimizers, schedulers and random generators from state.
//
// The numbers and kinds of optimizers and schedulers must match the registry's, otherwise it returns an error
// wrapping ErrStateShapeMismatch and nothing is modified. Stored scheduler milestones are converted to the
// representation of the live scheduler (see schedulers.MigrateState).
//
// If the state has no random snapshot, or an incomplete one, the generators are left untouched: it is logged,
// not an error. generators can be nil.
//
// If restoring fails mid-way, the previous states of the objects already restored are re-applied.
func Resume(state *TrainingState, registry *schedulers.Registry, generators *random.Generators) error {
	if state == nil {
		return errors.New("checkpoints.Resume: nil training state")
	}
	opts, scheds := registry.Optimizers(), registry.Schedulers()
	if len(state.Optimizers) != len(opts) {
		return errors.Wrapf(ErrStateShapeMismatch, "stored state has %d optimizers, %d are registered",
			len(state.Optimizers), len(opts))
	}
	if len(state.Schedulers) != len(scheds) {
		return errors.Wrapf(ErrStateShapeMismatch, "stored state has %d schedulers, %d are registered",
			len(state.Schedulers), len(scheds))
	}
	for ii, opt := range opts {
		if state.Optimizers[ii] == nil || state.Optimizers[ii].Kind() != opt.Name() {
			return errors.Wrapf(ErrStateShapeMismatch, "stored optimizer #%d is %q, registered one is %q",
				ii, state.Optimizers[ii].Kind(), opt.Name())
		}
	}
	for ii, s := range scheds {
		if state.Schedulers[ii] == nil || state.Schedulers[ii].Kind != s.Kind() {
			var kind schedulers.Kind
			if state.Schedulers[ii] != nil {
				kind = state.Schedulers[ii].Kind
			}
			return errors.Wrapf(ErrStateShapeMismatch, "stored scheduler #%d is %q, registered one is %q",
				ii, kind, s.Kind())
		}
	}

	// Capture live states to roll back on failure.
	prevOpts := make([]*optimizers.State, len(opts))
	for ii, opt := range opts {
		prev, err := opt.StateDict()
		if err != nil {
			return errors.WithMessagef(err, "failed to capture state of optimizer #%d", ii)
		}
		prevOpts[ii] = prev
	}
	prevScheds := make([]*schedulers.State, len(scheds))
	for ii, s := range scheds {
		prevScheds[ii] = s.State()
	}
	var restoredOpts, restoredScheds int
	rollback := func() {
		for ii := range restoredOpts {
			if err := opts[ii].LoadStateDict(prevOpts[ii]); err != nil {
				klog.Errorf("failed to roll back optimizer #%d: %+v", ii, err)
			}
		}
		for ii := range restoredScheds {
			if err := scheds[ii].LoadState(prevScheds[ii]); err != nil {
				klog.Errorf("failed to roll back scheduler #%d: %+v", ii, err)
			}
		}
	}

	for ii, opt := range opts {
		// Count it before loading: a failed load may have changed it partially.
		restoredOpts = ii + 1
		if err := opt.LoadStateDict(state.Optimizers[ii]); err != nil {
			rollback()
			return errors.WithMessagef(err, "failed to restore optimizer #%d", ii)
		}
	}
	for ii, s := range scheds {
		restoredScheds = ii + 1
		if err := s.LoadState(schedulers.MigrateState(s, state.Schedulers[ii])); err != nil {
			rollback()
			return errors.WithMessagef(err, "failed to restore scheduler #%d", ii)
		}
	}

	if generators == nil {
		return nil
	}
	if state.Random == nil {
		klog.Warningf("training state %s has no random state: generators left untouched", state.ID)
		return nil
	}
	restored, err := generators.Restore(state.Random)
	if err != nil {
		rollback()
		return errors.WithMessage(err, "failed to restore random generators")
	}
	if !restored {
		klog.Warningf("training state %s has an incomplete random state (%v): generators left untouched",
			state.ID, state.Random.Validate())
	}
	return nil
}
