// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints persists model weights (WeightStore) and the training state needed to resume a run
// (StateStore: counters, optimizers, schedulers and random generators), with backup rotation.
//
// Both stores use the same single-file artifact format: a header identifying the artifact, a JSON metadata
// section describing the tensors (and, for training states, the JSON payload), and the raw tensor bytes,
// gzip'd by default.
//
// Saving with the "backup" iteration rotates the previous artifact at the same path into a backup slot
// before writing: the old backup is removed, the current primary is renamed into the backup slot, and the
// new artifact is written. This sequence is not atomic: a crash between steps may leave the backup slot
// empty or stale. The stores assume a single writer and do no locking.
//
// Example: save the weights of a network as a rotating backup, and the training state every 1000 iterations:
//
//	weightStore := must.M1(checkpoints.NewWeightStore(modelsDir))
//	stateStore := must.M1(checkpoints.NewStateStore(stateDir))
//	…
//	if iteration%1000 == 0 {
//		must.M(weightStore.Save(net, "G", checkpoints.AtStep(iteration), ""))
//		must.M1(stateStore.Save(epoch, iteration, false, registry, generators))
//	}
package checkpoints

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission (before umask) of the artifacts written.
	FilePermMode = os.FileMode(0660)

	// ErrShapeOrKeyMismatch is returned when loading weights whose names (in strict mode) or shapes don't match
	// the network's parameters.
	ErrShapeOrKeyMismatch = errors.New("weights shape or key mismatch")

	// ErrStateShapeMismatch is returned when resuming a training state whose optimizers or schedulers don't match,
	// in number or kind, the live ones.
	ErrStateShapeMismatch = errors.New("training state shape mismatch")

	// ErrUnsupportedFormat is returned when reading a file that is not an artifact of this package, or that uses an
	// unknown compression.
	ErrUnsupportedFormat = errors.New("unsupported artifact format")
)

// BinFormat of the tensor data section of an artifact.
type BinFormat int

const (
	// BinGZIP compresses the tensor data with gzip. It's the default.
	BinGZIP BinFormat = iota

	// BinUncompressed stores the tensor data as is.
	BinUncompressed
)

// String implements fmt.Stringer.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// ParseBinFormat is the inverse of BinFormat.String.
func ParseBinFormat(name string) (BinFormat, error) {
	switch name {
	case "gzip":
		return BinGZIP, nil
	case "uncompressed":
		return BinUncompressed, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedFormat, "unknown compression %q", name)
}

type storeOptions struct {
	binFormat BinFormat
}

// StoreOption configures NewWeightStore and NewStateStore.
type StoreOption func(opts *storeOptions)

func collectStoreOptions(options ...StoreOption) *storeOptions {
	opts := &storeOptions{}
	for _, option := range options {
		option(opts)
	}
	return opts
}

// WithCompression defines the compression format of the tensor data. The default is BinGZIP.
func WithCompression(bf BinFormat) StoreOption {
	return func(op *storeOptions) {
		op.binFormat = bf
		if bf != BinGZIP && bf != BinUncompressed {
			op.binFormat = BinGZIP
		}
	}
}

// Iteration identifies the artifact of a save: either a step number or the rotating backup.
// The zero value is AtStep(0).
type Iteration struct {
	step   int64
	backup bool
}

// Backup is the iteration of the rotating backup artifact.
var Backup = Iteration{backup: true}

// AtStep returns the iteration for the given step.
func AtStep(step int64) Iteration { return Iteration{step: step} }

// IsBackup returns whether it is the rotating backup.
func (it Iteration) IsBackup() bool { return it.backup }

// Step returns the step number, or -1 for the backup.
func (it Iteration) Step() int64 {
	if it.backup {
		return -1
	}
	return it.step
}

// String renders the step number or "backup", as used in file names.
func (it Iteration) String() string {
	if it.backup {
		return "backup"
	}
	return strconv.FormatInt(it.step, 10)
}

// ParseIteration is the inverse of Iteration.String.
func ParseIteration(s string) (Iteration, error) {
	if s == "backup" {
		return Backup, nil
	}
	step, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Iteration{}, errors.Wrapf(err, "invalid iteration %q", s)
	}
	return AtStep(step), nil
}

// GoString implements fmt.GoStringer.
func (it Iteration) GoString() string {
	if it.backup {
		return "checkpoints.Backup"
	}
	return fmt.Sprintf("checkpoints.AtStep(%d)", it.step)
}
