// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/trainstate/pkg/ml/model"
	"github.com/gomlx/trainstate/pkg/support/fsutil"
	"github.com/gomlx/trainstate/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WeightSuffix is the file extension of weight artifacts.
const WeightSuffix = ".pth"

// WeightStore saves and loads network weights under a models directory.
//
// Artifacts are named "{iteration}_{label}.pth", or "{runName}_{iteration}_{label}.pth" if a run name is given.
// The backup slot of a label is always "backup-old_{label}.pth", regardless of the run name.
type WeightStore struct {
	dir  string
	opts *storeOptions
}

// NewWeightStore returns a store for the given directory, creating it if it doesn't exist.
// A "~" prefix in dir is expanded to the home directory.
func NewWeightStore(dir string, options ...StoreOption) (*WeightStore, error) {
	dir, err := prepareDir(dir)
	if err != nil {
		return nil, err
	}
	return &WeightStore{dir: dir, opts: collectStoreOptions(options...)}, nil
}

func prepareDir(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("checkpoints: empty directory")
	}
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return "", errors.Wrapf(err, "failed to create checkpoints directory %q", dir)
	}
	return dir, nil
}

// String implements fmt.Stringer.
func (s *WeightStore) String() string {
	return fmt.Sprintf("checkpoints.WeightStore(%q)", s.dir)
}

// Dir returns the store directory.
func (s *WeightStore) Dir() string { return s.dir }

// Path returns the artifact path for the given network label, iteration and optional run name.
func (s *WeightStore) Path(label string, it Iteration, runName string) string {
	name := fmt.Sprintf("%s_%s%s", it, label, WeightSuffix)
	if runName != "" {
		name = runName + "_" + name
	}
	return filepath.Join(s.dir, name)
}

// BackupPath returns the backup slot path for the given network label.
func (s *WeightStore) BackupPath(label string) string {
	return filepath.Join(s.dir, fmt.Sprintf("backup-old_%s%s", label, WeightSuffix))
}

// Save copies all parameters of net to host memory and writes them to the artifact for (label, it, runName).
// It returns the path written.
//
// If it is Backup and the artifact already exists, it is first rotated into the backup slot.
func (s *WeightStore) Save(net model.Network, label string, it Iteration, runName string) (string, error) {
	weights, err := model.Materialize(net)
	if err != nil {
		return "", errors.WithMessagef(err, "%s: failed to save %q", s, label)
	}
	return s.SaveWeights(weights, label, it, runName)
}

// SaveWeights is like Save, for weights already on host.
func (s *WeightStore) SaveWeights(weights *model.Weights, label string, it Iteration, runName string) (string, error) {
	path := s.Path(label, it, runName)
	if it.IsBackup() {
		rotated, err := fsutil.RotateBackup(path, s.BackupPath(label))
		if err != nil {
			return "", errors.WithMessagef(err, "%s: failed to rotate backup of %q", s, label)
		}
		if rotated {
			klog.V(1).Infof("rotated %q to %q", path, s.BackupPath(label))
		}
	}
	meta := &Metadata{Kind: KindWeights, Label: label, Iteration: it.String(), CreatedAt: time.Now()}
	content, err := encodeArtifact(meta, weights, s.opts.binFormat)
	if err != nil {
		return "", errors.WithMessagef(err, "%s: failed to encode %q", s, label)
	}
	if err = fsutil.WriteFile(path, content, FilePermMode); err != nil {
		return "", err
	}
	if klog.V(1).Enabled() {
		klog.Infof("saved %q: %d parameters (%s in memory, %s on disk)", path, weights.Len(),
			humanize.Bytes(uint64(weights.Memory())), humanize.Bytes(uint64(len(content))))
	}
	return path, nil
}

// Read the weights stored in the artifact at path. The path doesn't need to be in the store directory.
func (s *WeightStore) Read(path string) (*model.Weights, error) {
	return ReadWeights(path)
}

// ReadWeights reads the weights stored in the artifact at path.
func ReadWeights(path string) (*model.Weights, error) {
	meta, weights, err := readArtifact(path, true)
	if err != nil {
		return nil, err
	}
	if meta.Kind != KindWeights {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%q holds a %q artifact, not weights", path, meta.Kind)
	}
	return weights, nil
}

// RewriteWeights replaces the weights stored in the weights artifact at path, keeping its label, iteration
// and binary format. Used by tools that edit checkpoints offline.
func RewriteWeights(path string, weights *model.Weights) error {
	meta, err := ReadMetadata(path)
	if err != nil {
		return err
	}
	if meta.Kind != KindWeights {
		return errors.Wrapf(ErrUnsupportedFormat, "%q holds a %q artifact, not weights", path, meta.Kind)
	}
	bf, err := ParseBinFormat(meta.BinFormat)
	if err != nil {
		return errors.WithMessagef(err, "artifact %q", path)
	}
	updated := &Metadata{Kind: KindWeights, Label: meta.Label, Iteration: meta.Iteration, CreatedAt: time.Now()}
	content, err := encodeArtifact(updated, weights, bf)
	if err != nil {
		return errors.WithMessagef(err, "failed to encode %q", path)
	}
	return fsutil.WriteFile(path, content, FilePermMode)
}

// Load reads the artifact at path and sets the network parameters from it.
//
// With strict, the stored names must be exactly the network's parameter names. Otherwise, names only on one
// side are ignored. In both cases, the shape (and dtype) of every matched parameter must be the same.
// Mismatches return an error wrapping ErrShapeOrKeyMismatch, and the network is not modified.
func (s *WeightStore) Load(path string, net model.Network, strict bool) error {
	stored, err := s.Read(path)
	if err != nil {
		return err
	}
	if err = LoadWeights(stored, net, strict); err != nil {
		return errors.WithMessagef(err, "failed to load %q", path)
	}
	klog.V(1).Infof("loaded %q", path)
	return nil
}

// LoadWeights sets the network parameters from weights, with the same validation as WeightStore.Load.
func LoadWeights(weights *model.Weights, net model.Network, strict bool) error {
	params := net.Parameters()
	liveNames := sets.Make[string](len(params))
	for _, p := range params {
		liveNames.Insert(p.Name)
	}
	storedNames := sets.MakeWith(weights.Names()...)
	missing, unexpected := liveNames.Sub(storedNames), storedNames.Sub(liveNames)
	if strict && (len(missing) > 0 || len(unexpected) > 0) {
		return errors.Wrapf(ErrShapeOrKeyMismatch, "missing keys %q, unexpected keys %q",
			sets.Sorted(missing), sets.Sorted(unexpected))
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		klog.V(1).Infof("non-strict load: ignoring missing keys %q and unexpected keys %q",
			sets.Sorted(missing), sets.Sorted(unexpected))
	}

	var mismatches []string
	for _, p := range params {
		value := weights.Get(p.Name)
		if value == nil || p.Value == nil {
			continue
		}
		if !value.Shape().Equal(p.Value.Shape()) {
			mismatches = append(mismatches, fmt.Sprintf("%s: stored %s, network %s", p.Name, value.Shape(), p.Value.Shape()))
		}
	}
	if len(mismatches) > 0 {
		return errors.Wrapf(ErrShapeOrKeyMismatch, "shapes differ for %q", mismatches)
	}

	for _, p := range params {
		value := weights.Get(p.Name)
		if value == nil {
			continue
		}
		if err := net.SetParameter(p.Name, value); err != nil {
			return err
		}
	}
	return nil
}
