// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedulers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/trainstate/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Milestones are the steps at which a multi-step scheduler decays the learning rate.
//
// They have two representations: an ordered sequence (as written by older producers of training states),
// and a multiset mapping each step to the number of times it appears (a step listed twice decays twice).
// The representation is chosen once per scheduler, and values crossing into a live scheduler are converted
// to it, see Milestones.As.
//
// The zero value is an empty sequence.
type Milestones struct {
	multiset bool
	sequence []int
	counts   map[int]int
}

// SequenceOf returns milestones represented as an ordered sequence.
func SequenceOf(steps ...int) Milestones {
	return Milestones{sequence: slices.Clone(steps)}
}

// MultisetOf returns milestones represented as a multiset of the given steps.
func MultisetOf(steps ...int) Milestones {
	counts := make(map[int]int, len(steps))
	for _, step := range steps {
		counts[step]++
	}
	return Milestones{multiset: true, counts: counts}
}

// IsMultiset returns whether the milestones are represented as a multiset.
func (m Milestones) IsMultiset() bool { return m.multiset }

// AsMultiset converts to the multiset representation. It's a no-op (copy) if already a multiset.
func (m Milestones) AsMultiset() Milestones {
	return MultisetOf(m.Steps()...)
}

// As converts m to the same representation as reference.
func (m Milestones) As(reference Milestones) Milestones {
	if reference.multiset {
		return m.AsMultiset()
	}
	return SequenceOf(m.Steps()...)
}

// Count returns how many times step is a milestone.
func (m Milestones) Count(step int) int {
	if m.multiset {
		return m.counts[step]
	}
	return xslices.Count(m.sequence, step)
}

// Len returns the number of milestones, counting repetitions.
func (m Milestones) Len() int {
	if !m.multiset {
		return len(m.sequence)
	}
	var n int
	for _, count := range m.counts {
		n += count
	}
	return n
}

// Steps returns the milestones as a list: the sequence as is, or for a multiset, the sorted steps
// with repetitions.
func (m Milestones) Steps() []int {
	if !m.multiset {
		return slices.Clone(m.sequence)
	}
	steps := make([]int, 0, m.Len())
	for _, step := range slices.Sorted(maps.Keys(m.counts)) {
		for range m.counts[step] {
			steps = append(steps, step)
		}
	}
	return steps
}

// Equal compares representation and values: a sequence is never equal to a multiset.
// Sequences are compared in order, multisets by counts.
func (m Milestones) Equal(other Milestones) bool {
	if m.multiset != other.multiset {
		return false
	}
	if !m.multiset {
		return slices.Equal(m.sequence, other.sequence)
	}
	return maps.Equal(m.nonZeroCounts(), other.nonZeroCounts())
}

func (m Milestones) nonZeroCounts() map[int]int {
	counts := make(map[int]int, len(m.counts))
	for step, count := range m.counts {
		if count > 0 {
			counts[step] = count
		}
	}
	return counts
}

// String implements fmt.Stringer: "[10 20]" for sequences, "{10:1 20:2}" for multisets.
func (m Milestones) String() string {
	if !m.multiset {
		return fmt.Sprint(m.sequence)
	}
	parts := make([]string, 0, len(m.counts))
	for _, step := range slices.Sorted(maps.Keys(m.counts)) {
		parts = append(parts, fmt.Sprintf("%d:%d", step, m.counts[step]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// MarshalJSON implements json.Marshaler: sequences are stored as arrays, multisets as objects
// mapping step to count.
func (m Milestones) MarshalJSON() ([]byte, error) {
	if !m.multiset {
		if m.sequence == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(m.sequence)
	}
	counts := make(map[string]int, len(m.counts))
	for step, count := range m.counts {
		counts[strconv.Itoa(step)] = count
	}
	return json.Marshal(counts)
}

// UnmarshalJSON implements json.Unmarshaler, accepting both representations.
func (m *Milestones) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		*m = Milestones{}
	case data[0] == '[':
		var steps []int
		if err := json.Unmarshal(data, &steps); err != nil {
			return errors.Wrap(err, "failed to parse milestones sequence")
		}
		*m = SequenceOf(steps...)
	case data[0] == '{':
		var counts map[string]int
		if err := json.Unmarshal(data, &counts); err != nil {
			return errors.Wrap(err, "failed to parse milestones multiset")
		}
		ms := Milestones{multiset: true, counts: make(map[int]int, len(counts))}
		for key, count := range counts {
			step, err := strconv.Atoi(key)
			if err != nil {
				return errors.Wrapf(err, "invalid milestone step %q", key)
			}
			ms.counts[step] = count
		}
		*m = ms
	default:
		return errors.Errorf("milestones must be a JSON array or object, got %q", data)
	}
	return nil
}
