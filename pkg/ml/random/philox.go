// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package random

import (
	"bytes"
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"
)

// Philox4x32-10 constants, from Salmon et al., "Parallel random numbers: as easy as 1, 2, 3" (SC'11).
const (
	philoxM0 = 0xD2511F53
	philoxM1 = 0xCD9E8D57
	philoxW0 = 0x9E3779B9
	philoxW1 = 0xBB67AE85

	philoxRounds = 10
)

// philoxMagic prefixes the marshaled state.
var philoxMagic = []byte("philox:")

// Philox is a counter-based Philox4x32-10 generator, the algorithm used by accelerator devices
// for their random bit generation.
//
// Its state is the 64-bit key, the 128-bit counter and which half of the current block is next.
// Each block yields two uint64 values.
type Philox struct {
	key     [2]uint32
	counter [4]uint32
	lane    uint8
}

// NewPhilox returns a Philox generator keyed with seed, with counter 0.
func NewPhilox(seed uint64) *Philox {
	return &Philox{key: [2]uint32{uint32(seed), uint32(seed >> 32)}}
}

// PhiloxBlock returns the 4 words of the Philox4x32-10 block for the given counter and key.
func PhiloxBlock(counter [4]uint32, key [2]uint32) [4]uint32 {
	for round := range philoxRounds {
		if round > 0 {
			key[0] += philoxW0
			key[1] += philoxW1
		}
		hi0, lo0 := bits.Mul32(philoxM0, counter[0])
		hi1, lo1 := bits.Mul32(philoxM1, counter[2])
		counter = [4]uint32{hi1 ^ counter[1] ^ key[0], lo1, hi0 ^ counter[3] ^ key[1], lo0}
	}
	return counter
}

// Uint64 implements rand.Source.
func (p *Philox) Uint64() uint64 {
	block := PhiloxBlock(p.counter, p.key)
	v := uint64(block[2*p.lane])<<32 | uint64(block[2*p.lane+1])
	p.lane++
	if p.lane == 2 {
		p.lane = 0
		p.incrementCounter()
	}
	return v
}

func (p *Philox) incrementCounter() {
	for ii := range p.counter {
		p.counter[ii]++
		if p.counter[ii] != 0 {
			return
		}
	}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *Philox) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, len(philoxMagic)+4*6+1)
	buf = append(buf, philoxMagic...)
	for _, w := range p.key {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	for _, w := range p.counter {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	return append(buf, p.lane), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *Philox) UnmarshalBinary(data []byte) error {
	if !bytes.HasPrefix(data, philoxMagic) || len(data) != len(philoxMagic)+4*6+1 {
		return errors.Errorf("invalid Philox state encoding (%d bytes)", len(data))
	}
	data = data[len(philoxMagic):]
	lane := data[24]
	if lane > 1 {
		return errors.Errorf("invalid Philox state encoding: lane %d", lane)
	}
	for ii := range p.key {
		p.key[ii] = binary.LittleEndian.Uint32(data[4*ii:])
	}
	for ii := range p.counter {
		p.counter[ii] = binary.LittleEndian.Uint32(data[8+4*ii:])
	}
	p.lane = lane
	return nil
}
