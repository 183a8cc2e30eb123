// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedulers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMilestones(t *testing.T) {
	seq := SequenceOf(10, 20, 20)
	assert.False(t, seq.IsMultiset())
	assert.Equal(t, 2, seq.Count(20))
	assert.Equal(t, 0, seq.Count(15))
	assert.Equal(t, "[10 20 20]", seq.String())

	ms := seq.AsMultiset()
	assert.True(t, ms.IsMultiset())
	assert.Equal(t, 2, ms.Count(20))
	assert.Equal(t, 3, ms.Len())
	assert.Equal(t, []int{10, 20, 20}, ms.Steps())
	assert.Equal(t, "{10:1 20:2}", ms.String())

	// Equality takes representation into account.
	assert.False(t, seq.Equal(ms))
	assert.True(t, ms.Equal(MultisetOf(20, 10, 20)))
	assert.False(t, seq.Equal(SequenceOf(20, 10, 20)))
	assert.True(t, SequenceOf(1, 2).As(ms).Equal(MultisetOf(2, 1)))
	assert.True(t, ms.As(seq).Equal(SequenceOf(10, 20, 20)))
	assert.True(t, Milestones{}.Equal(SequenceOf()))
}

func TestMilestonesJSON(t *testing.T) {
	data, err := json.Marshal(SequenceOf(3, 1))
	require.NoError(t, err)
	assert.Equal(t, "[3,1]", string(data))
	data, err = json.Marshal(MultisetOf(1, 3, 3))
	require.NoError(t, err)
	assert.JSONEq(t, `{"1":1,"3":2}`, string(data))

	var m Milestones
	require.NoError(t, json.Unmarshal([]byte(`{"5": 2}`), &m))
	assert.True(t, m.Equal(MultisetOf(5, 5)))
	require.NoError(t, json.Unmarshal([]byte(` [5, 7] `), &m))
	assert.True(t, m.Equal(SequenceOf(5, 7)))
	require.Error(t, json.Unmarshal([]byte(`{"x": 1}`), &m))
	require.Error(t, json.Unmarshal([]byte(`12`), &m))
}
