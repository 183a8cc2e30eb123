// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/trainstate/pkg/core/dtypes"
	"github.com/gomlx/trainstate/pkg/core/tensors"
	"github.com/gomlx/trainstate/pkg/ml/model"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestIteration(t *testing.T) {
	assert.Equal(t, "12", AtStep(12).String())
	assert.Equal(t, "backup", Backup.String())
	assert.Equal(t, int64(-1), Backup.Step())
	assert.Equal(t, Backup, must.M1(ParseIteration("backup")))
	assert.Equal(t, AtStep(7), must.M1(ParseIteration("7")))
	_, err := ParseIteration("latest")
	require.Error(t, err)
}

func TestWeightStorePaths(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	store := must.M1(NewWeightStore(dir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.Equal(t, filepath.Join(dir, "5_G.pth"), store.Path("G", AtStep(5), ""))
	assert.Equal(t, filepath.Join(dir, "run1_backup_G.pth"), store.Path("G", Backup, "run1"))
	assert.Equal(t, filepath.Join(dir, "backup-old_G.pth"), store.BackupPath("G"))

	_, err = NewWeightStore("")
	require.Error(t, err)
}

// testNet returns a network with parameters of various dtypes, with values derived from base.
func testNet(base float32) *model.Params {
	return model.NewParams().
		Add("conv/w", tensors.FromFlatDataAndDimensions([]float32{base, base + 1, base + 2, base + 3, base + 4, base + 5}, 2, 3)).
		Add("conv/b", tensors.FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(base), float16.Fromfloat32(-base)}, 2)).
		Add("embed/ids", tensors.FromFlatDataAndDimensions([]int64{int64(base), 7, -3}, 3)).
		Add("mask", tensors.FromFlatDataAndDimensions([]bool{true, false}, 2)).
		Add("scale", tensors.FromScalar(float64(base)/3))
}

func TestWeightsRoundTrip(t *testing.T) {
	for _, bf := range []BinFormat{BinGZIP, BinUncompressed} {
		t.Run(bf.String(), func(t *testing.T) {
			store := must.M1(NewWeightStore(t.TempDir(), WithCompression(bf)))
			net := testNet(1.5)
			path, err := store.Save(net, "G", AtStep(100), "")
			require.NoError(t, err)
			assert.Equal(t, store.Path("G", AtStep(100), ""), path)

			meta := must.M1(ReadMetadata(path))
			assert.Equal(t, KindWeights, meta.Kind)
			assert.Equal(t, bf.String(), meta.BinFormat)
			assert.Equal(t, "100", meta.Iteration)
			require.Len(t, meta.Variables, 5)
			assert.Equal(t, dtypes.Float16, meta.Variables[1].DType)

			loaded := testNet(0)
			require.NoError(t, store.Load(path, loaded, true))
			assert.True(t, must.M1(model.Materialize(net)).Equal(must.M1(model.Materialize(loaded))))
		})
	}
}

func TestWeightsBackupRotation(t *testing.T) {
	store := must.M1(NewWeightStore(t.TempDir()))
	first, second := testNet(1), testNet(2)
	primary := must.M1(store.Save(first, "D", Backup, "run"))
	_, err := os.Stat(store.BackupPath("D"))
	require.True(t, errors.Is(err, os.ErrNotExist), "nothing to rotate on the first save")

	require.Equal(t, primary, must.M1(store.Save(second, "D", Backup, "run")))
	files := must.M1(filepath.Glob(filepath.Join(store.Dir(), "*.pth")))
	assert.ElementsMatch(t, []string{primary, store.BackupPath("D")}, files)

	backupWeights := must.M1(store.Read(store.BackupPath("D")))
	assert.True(t, must.M1(model.Materialize(first)).Equal(backupWeights))
	primaryWeights := must.M1(store.Read(primary))
	assert.True(t, must.M1(model.Materialize(second)).Equal(primaryWeights))

	// A third save drops the first values.
	must.M1(store.Save(testNet(3), "D", Backup, "run"))
	assert.True(t, must.M1(model.Materialize(second)).Equal(must.M1(store.Read(store.BackupPath("D")))))
}

func TestWeightsLoadMismatch(t *testing.T) {
	store := must.M1(NewWeightStore(t.TempDir()))
	path := must.M1(store.Save(testNet(1), "G", AtStep(1), ""))

	// Extra parameter in the network: strict fails and nothing is loaded.
	net := testNet(0).Add("extra", tensors.FromScalar(int32(5)))
	err := store.Load(path, net, true)
	require.True(t, errors.Is(err, ErrShapeOrKeyMismatch), "got %+v", err)
	assert.Contains(t, err.Error(), "extra")
	assert.Equal(t, float64(0), tensors.ToScalar[float64](must.M1(net.Get("scale").Local())))

	// Non-strict loads the overlap and leaves the extra parameter alone.
	require.NoError(t, store.Load(path, net, false))
	assert.Equal(t, float64(1)/3, tensors.ToScalar[float64](must.M1(net.Get("scale").Local())))
	assert.Equal(t, int32(5), tensors.ToScalar[int32](must.M1(net.Get("extra").Local())))

	// Shape mismatches fail in both modes.
	net = testNet(0).Add("scale", tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2))
	for _, strict := range []bool{true, false} {
		err = store.Load(path, net, strict)
		require.True(t, errors.Is(err, ErrShapeOrKeyMismatch), "strict=%v", strict)
	}
	assert.Equal(t, float32(0), tensors.CopyFlatData[float32](must.M1(net.Get("conv/w").Local()))[0])
}

func TestWeightsOnDevice(t *testing.T) {
	store := must.M1(NewWeightStore(t.TempDir()))
	onDevice := tensors.ToDevice(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3), "cuda:0")
	net := model.NewParams().Add("w", onDevice)
	path := must.M1(store.Save(net, "G", AtStep(1), ""))
	assert.Equal(t, 1, onDevice.Transfers(), "saving copies the value to host once")

	other := tensors.ToDevice(tensors.FromFlatDataAndDimensions([]float32{0, 0, 0}, 3), "cuda:1")
	net2 := model.NewParams().Add("w", other)
	require.NoError(t, store.Load(path, net2, true))
	assert.Same(t, other, net2.Get("w"), "device values are updated in place")
	assert.Equal(t, []float32{1, 2, 3}, tensors.CopyFlatData[float32](must.M1(other.Local())))
}

func TestUnsupportedFormat(t *testing.T) {
	store := must.M1(NewWeightStore(t.TempDir()))
	path := filepath.Join(store.Dir(), "garbage.pth")
	require.NoError(t, os.WriteFile(path, []byte("not a checkpoint at all"), 0o600))
	_, err := store.Read(path)
	require.True(t, errors.Is(err, ErrUnsupportedFormat))

	_, err = store.Read(filepath.Join(store.Dir(), "missing.pth"))
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRewriteWeights(t *testing.T) {
	store := must.M1(NewWeightStore(t.TempDir(), WithCompression(BinUncompressed)))
	path := must.M1(store.Save(testNet(1), "G", AtStep(3), "run"))
	weights := model.NewWeights()
	require.NoError(t, weights.Set("only", tensors.FromFlatDataAndDimensions([]float32{4, 5}, 2)))
	require.NoError(t, RewriteWeights(path, weights))

	meta := must.M1(ReadMetadata(path))
	assert.Equal(t, "G", meta.Label)
	assert.Equal(t, "3", meta.Iteration)
	assert.Equal(t, BinUncompressed.String(), meta.BinFormat)
	assert.True(t, weights.Equal(must.M1(ReadWeights(path))))

	garbage := filepath.Join(store.Dir(), "garbage.pth")
	require.NoError(t, os.WriteFile(garbage, []byte("nope"), 0o600))
	require.Error(t, RewriteWeights(garbage, weights))
}

func TestReadMetadataStopsAtMetadata(t *testing.T) {
	store := must.M1(NewWeightStore(t.TempDir(), WithCompression(BinUncompressed)))
	path := must.M1(store.Save(testNet(1), "G", AtStep(7), ""))
	content := must.M1(os.ReadFile(path))

	// Cut the tensor data short: the metadata is still readable, the weights are not.
	require.NoError(t, os.WriteFile(path, content[:len(content)-4], 0o600))
	meta, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, KindWeights, meta.Kind)
	assert.Equal(t, "7", meta.Iteration)
	assert.NotEmpty(t, meta.Variables)
	_, err = ReadWeights(path)
	require.Error(t, err)

	// Cut inside the metadata: it is reported as truncated.
	headerLen := lenBinHeader + 1 + len(BinUncompressed.String()) + 4
	require.NoError(t, os.WriteFile(path, content[:headerLen+10], 0o600))
	_, err = ReadMetadata(path)
	require.ErrorContains(t, err, "truncated artifact")
}
