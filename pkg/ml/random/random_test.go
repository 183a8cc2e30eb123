// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package random

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drawAll draws n values from every domain.
func drawAll(g *Generators, n int) map[Domain][]uint64 {
	draws := make(map[Domain][]uint64)
	for _, domain := range Domains {
		r := g.Rand(domain)
		for range n {
			draws[domain] = append(draws[domain], r.Uint64())
		}
	}
	return draws
}

func TestPhiloxKnownAnswer(t *testing.T) {
	// Known-answer vector for Philox4x32-10 with zero counter and key.
	assert.Equal(t, [4]uint32{0x6627e8d5, 0xe169c58d, 0xbc57ac4c, 0x9b00dbd8},
		PhiloxBlock([4]uint32{}, [2]uint32{}))

	p := NewPhilox(0)
	assert.Equal(t, uint64(0x6627e8d5e169c58d), p.Uint64())
	assert.Equal(t, uint64(0xbc57ac4c9b00dbd8), p.Uint64())
	assert.Equal(t, [4]uint32{1, 0, 0, 0}, p.counter)
}

func TestPhiloxMarshal(t *testing.T) {
	p := NewPhilox(42)
	p.Uint64()
	blob, err := p.MarshalBinary()
	require.NoError(t, err)
	want := []uint64{p.Uint64(), p.Uint64(), p.Uint64()}

	p2 := NewPhilox(0)
	require.NoError(t, p2.UnmarshalBinary(blob))
	assert.Equal(t, want, []uint64{p2.Uint64(), p2.Uint64(), p2.Uint64()})

	require.Error(t, p2.UnmarshalBinary([]byte("pcg:")))
}

func TestCaptureRestoreReproduces(t *testing.T) {
	g := NewGenerators(17)
	drawAll(g, 5) // Advance past the initial state.
	snapshot, err := g.Capture()
	require.NoError(t, err)
	want := drawAll(g, 100)

	// Restore into generators with a different history.
	g2 := NewGenerators(1)
	restored, err := g2.Restore(snapshot)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Equal(t, want, drawAll(g2, 100))

	// Capture doesn't mutate the generators.
	g3 := NewGenerators(3)
	_, err = g3.Capture()
	require.NoError(t, err)
	assert.Equal(t, drawAll(NewGenerators(3), 10), drawAll(g3, 10))
}

func TestArrayDrawsReproduce(t *testing.T) {
	g := NewGenerators(5)
	snapshot, err := g.Capture()
	require.NoError(t, err)
	normal := g.Array.Normal(10, 0, 1)
	uniform := g.Array.Uniform(10, -1, 1)
	for _, v := range uniform {
		assert.True(t, v >= -1 && v < 1)
	}

	_, err = g.Restore(snapshot)
	require.NoError(t, err)
	assert.Equal(t, normal, g.Array.Normal(10, 0, 1))
	assert.Equal(t, uniform, g.Array.Uniform(10, -1, 1))

	tensor := g.Array.NormalTensor(0.1, 3, 2)
	assert.Equal(t, []int{3, 2}, tensor.Dimensions())
}

func TestRestoreIncompleteIsSkipped(t *testing.T) {
	g := NewGenerators(11)
	snapshot, err := g.Capture()
	require.NoError(t, err)
	snapshot.Device = nil
	require.ErrorIs(t, snapshot.Validate(), ErrMissingState)
	assert.Equal(t, []Domain{DomainGeneral, DomainArray, DomainCompute}, snapshot.Present())

	before, err := NewGenerators(99).Capture()
	require.NoError(t, err)
	g2 := NewGenerators(99)
	restored, err := g2.Restore(snapshot)
	require.NoError(t, err)
	assert.False(t, restored)
	after, err := g2.Capture()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	var nilSnapshot *Snapshot
	require.ErrorIs(t, nilSnapshot.Validate(), ErrMissingState)
	restored, err = g2.Restore(nil)
	require.NoError(t, err)
	assert.False(t, restored)
}

func TestRestoreFailureRollsBack(t *testing.T) {
	g := NewGenerators(23)
	snapshot, err := NewGenerators(1).Capture()
	require.NoError(t, err)
	snapshot.Compute = []byte("corrupted")

	before, err := g.Capture()
	require.NoError(t, err)
	restored, err := g.Restore(snapshot)
	require.Error(t, err)
	assert.False(t, restored)
	assert.False(t, errors.Is(err, ErrMissingState))
	after, err := g.Capture()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSnapshotJSON(t *testing.T) {
	snapshot, err := NewGenerators(8).Capture()
	require.NoError(t, err)
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *snapshot, decoded)
}
