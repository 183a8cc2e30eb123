// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/gomlx/trainstate/pkg/core/dtypes"
	"github.com/gomlx/trainstate/pkg/core/tensors"
	"github.com/gomlx/trainstate/pkg/ml/model"
	"github.com/pkg/errors"
)

const (
	binHeader    = "gomlx_trainstate"
	lenBinHeader = len(binHeader)

	// FormatVersion of the artifacts written.
	FormatVersion = 1
)

// Format
//
// -------------------------------------------------------------------------------------------------
// | 0              15 | 16  | 17  16+len | 4 bytes (big-endian) | metadata JSON | tensor data      |
// -------------------------------------------------------------------------------------------------
// | "gomlx_trainstate" | len | "gzip"     | len(metadata JSON)   | Metadata      | gzip'd or raw    |
//
// Tensors are stored in the order of Metadata.Variables, in native byte order.

// ArtifactKind tells what an artifact holds.
type ArtifactKind string

const (
	KindWeights       ArtifactKind = "weights"
	KindTrainingState ArtifactKind = "training_state"
)

// Metadata is the JSON section of an artifact.
type Metadata struct {
	Kind      ArtifactKind   `json:"kind"`
	Version   int            `json:"version"`
	Label     string         `json:"label,omitempty"`
	Iteration string         `json:"iteration,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	BinFormat string         `json:"bin_format"`
	Variables []VariableInfo `json:"variables"`

	// Payload is the training state, for KindTrainingState artifacts.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// VariableInfo describes one tensor stored in the artifact.
type VariableInfo struct {
	Name       string       `json:"name"`
	DType      dtypes.DType `json:"dtype"`
	Dimensions []int        `json:"dimensions"`

	// Pos, Length in bytes in the (uncompressed) tensor data.
	Pos    int `json:"pos"`
	Length int `json:"length"`
}

// Shape of the variable.
func (v VariableInfo) Shape() tensors.Shape {
	return tensors.Shape{DType: v.DType, Dimensions: v.Dimensions}
}

// encodeArtifact serializes metadata and the tensors into the artifact format. It fills in
// meta.BinFormat, meta.Variables and meta.Version.
func encodeArtifact(meta *Metadata, values *model.Weights, bf BinFormat) ([]byte, error) {
	var data bytes.Buffer
	var w io.Writer = &data
	var gz *gzip.Writer
	if bf == BinGZIP {
		gz = gzip.NewWriter(&data)
		w = gz
	}
	meta.Version = FormatVersion
	meta.BinFormat = bf.String()
	meta.Variables = make([]VariableInfo, 0, values.Len())
	var pos int
	for name, tensor := range values.All() {
		var n int
		var writeErr error
		tensor.ConstBytes(func(rawData []byte) {
			n, writeErr = w.Write(rawData)
		})
		if writeErr != nil {
			return nil, errors.Wrapf(writeErr, "failed to write tensor %q", name)
		}
		meta.Variables = append(meta.Variables, VariableInfo{
			Name:       name,
			DType:      tensor.DType(),
			Dimensions: tensor.Dimensions(),
			Pos:        pos,
			Length:     n,
		})
		pos += n
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, errors.Wrap(err, "failed to compress tensor data")
		}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode artifact metadata")
	}

	var out bytes.Buffer
	out.Grow(lenBinHeader + 1 + 16 + 4 + len(metaJSON) + data.Len())
	out.WriteString(binHeader)
	formatName := bf.String()
	out.WriteByte(byte(len(formatName)))
	out.WriteString(formatName)
	_ = binary.Write(&out, binary.BigEndian, uint32(len(metaJSON)))
	out.Write(metaJSON)
	out.Write(data.Bytes())
	return out.Bytes(), nil
}

// decodeArtifact parses an artifact of size bytes from r. If withData is false, reading stops after the
// metadata and the returned weights are nil.
func decodeArtifact(r io.Reader, size int64, withData bool) (*Metadata, *model.Weights, error) {
	magic := make([]byte, lenBinHeader)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != binHeader {
		return nil, nil, errors.Wrap(ErrUnsupportedFormat, "missing artifact header")
	}
	var formatLen uint8
	if err := binary.Read(r, binary.BigEndian, &formatLen); err != nil {
		return nil, nil, errors.Wrap(err, "read header")
	}
	formatName := make([]byte, formatLen)
	if _, err := io.ReadFull(r, formatName); err != nil {
		return nil, nil, errors.Wrap(err, "read header")
	}
	bf, err := ParseBinFormat(string(formatName))
	if err != nil {
		return nil, nil, err
	}
	var metaLen uint32
	if err = binary.Read(r, binary.BigEndian, &metaLen); err != nil {
		return nil, nil, errors.Wrap(err, "read header")
	}
	available := size - int64(lenBinHeader+1+int(formatLen)+4)
	if int64(metaLen) > available {
		return nil, nil, errors.Errorf("truncated artifact: metadata of %d bytes, only %d available", metaLen, available)
	}
	metaJSON := make([]byte, metaLen)
	if _, err = io.ReadFull(r, metaJSON); err != nil {
		return nil, nil, errors.Wrap(err, "read metadata")
	}
	meta := &Metadata{}
	if err = json.Unmarshal(metaJSON, meta); err != nil {
		return nil, nil, errors.Wrap(err, "failed to decode artifact metadata")
	}
	if !withData {
		return meta, nil, nil
	}

	var data []byte
	if bf == BinGZIP {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, errors.Wrap(err, "read gzip header")
		}
		defer func() { _ = gz.Close() }()
		data, err = io.ReadAll(gz)
		if err != nil {
			return nil, nil, errors.Wrap(err, "read zip")
		}
	} else {
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, nil, errors.Wrap(err, "read tensor data")
		}
	}

	values := model.NewWeights()
	var pos int
	for _, v := range meta.Variables {
		if v.Pos != pos {
			return nil, nil, errors.Errorf("variable %q position at %d is out-of-order, expected it at %d",
				v.Name, v.Pos, pos)
		}
		if v.Length < 0 || pos+v.Length > len(data) {
			return nil, nil, errors.Errorf("variable %q (%d bytes at %d) goes beyond the %d bytes of tensor data",
				v.Name, v.Length, v.Pos, len(data))
		}
		tensor, err := tensors.FromBytes(v.Shape(), data[pos:pos+v.Length])
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "variable %q", v.Name)
		}
		if err = values.Set(v.Name, tensor); err != nil {
			return nil, nil, err
		}
		pos += v.Length
	}
	return meta, values, nil
}

// readArtifact reads and decodes the artifact at path. Without data, only the header and metadata are read.
func readArtifact(path string, withData bool) (*Metadata, *model.Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read artifact %q", path)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to stat artifact %q", path)
	}
	meta, values, err := decodeArtifact(bufio.NewReader(f), info.Size(), withData)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "artifact %q", path)
	}
	return meta, values, nil
}

// ReadMetadata reads only the metadata of the artifact at path: enough to list its contents.
func ReadMetadata(path string) (*Metadata, error) {
	meta, _, err := readArtifact(path, false)
	return meta, err
}
