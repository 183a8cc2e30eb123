// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMapOfNames(t *testing.T) {
	assert.Equal(t, Float16, MapOfNames["Float16"])
	assert.Equal(t, Float16, MapOfNames["float16"])
	assert.Equal(t, Float16, MapOfNames["F16"])
	assert.Equal(t, Float16, MapOfNames["f16"])
	assert.Equal(t, Int64, MapOfNames["int64"])
}

func TestFromGenericsType(t *testing.T) {
	assert.Equal(t, Float16, FromGenericsType[float16.Float16]())
	assert.Equal(t, Float32, FromGenericsType[float32]())
	assert.Equal(t, Uint8, FromGenericsType[uint8]())
	assert.Equal(t, Bool, FromGenericsType[bool]())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 8, Float64.Size())
	assert.True(t, Float16.IsFloat())
	assert.False(t, Int32.IsFloat())
	assert.True(t, Uint16.IsInt())
}

func TestTextMarshaling(t *testing.T) {
	type holder struct {
		DType DType
	}
	data, err := json.Marshal(holder{DType: Float16})
	require.NoError(t, err)
	assert.JSONEq(t, `{"DType":"Float16"}`, string(data))

	var h holder
	require.NoError(t, json.Unmarshal([]byte(`{"DType":"f32"}`), &h))
	assert.Equal(t, Float32, h.DType)

	// Raw enum values written by older metadata.
	require.NoError(t, json.Unmarshal([]byte(`{"DType":"12"}`), &h))
	assert.Equal(t, Float64, h.DType)

	require.Error(t, json.Unmarshal([]byte(`{"DType":"complex64"}`), &h))
	_, err = json.Marshal(holder{})
	require.Error(t, err)
}
