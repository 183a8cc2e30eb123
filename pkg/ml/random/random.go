// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package random holds the pseudo-random number generators of a training run, and the Snapshot
// of their states used to resume a run reproducibly.
//
// There are four independent generator domains:
//
//   - DomainGeneral: general purpose draws (shuffling, sampling), a PCG source.
//   - DomainArray: numeric-array draws (weight initialization, noise), a ChaCha8 source wrapped by ArraySource.
//   - DomainCompute: the primary compute stream (e.g. dropout masks on host), a PCG source.
//   - DomainDevice: the accelerator stream, a Philox4x32-10 counter-based source, as used by XLA devices.
//
// Generators are explicit values, passed around by the training driver: there is no process-wide state.
package random

import (
	"encoding"
	"encoding/binary"
	"math/rand/v2"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Domain identifies one of the generators.
type Domain string

const (
	DomainGeneral Domain = "general"
	DomainArray   Domain = "array"
	DomainCompute Domain = "compute"
	DomainDevice  Domain = "device"
)

// Domains lists all domains in a fixed order. Captures and restores follow this order.
var Domains = []Domain{DomainGeneral, DomainArray, DomainCompute, DomainDevice}

// Generator is a pseudo-random source whose complete state can be saved and restored as an opaque blob.
type Generator interface {
	rand.Source
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

var (
	_ Generator = (*rand.PCG)(nil)
	_ Generator = (*ArraySource)(nil)
	_ Generator = (*Philox)(nil)
)

// Generators holds one generator per domain.
type Generators struct {
	General *rand.PCG
	Array   *ArraySource
	Compute *rand.PCG
	Device  *Philox
}

// NewGenerators creates the generators for all domains deterministically from seed.
// Each domain derives its own seed, so their streams are independent.
func NewGenerators(seed uint64) *Generators {
	seeder := rand.NewPCG(seed, 0x9e3779b97f4a7c15)
	var chachaSeed [32]byte
	for ii := 0; ii < len(chachaSeed); ii += 8 {
		binary.LittleEndian.PutUint64(chachaSeed[ii:], seeder.Uint64())
	}
	return &Generators{
		General: rand.NewPCG(seeder.Uint64(), seeder.Uint64()),
		Array:   NewArraySource(chachaSeed),
		Compute: rand.NewPCG(seeder.Uint64(), seeder.Uint64()),
		Device:  NewPhilox(seeder.Uint64()),
	}
}

// Source returns the generator for the given domain, or nil for unknown domains.
func (g *Generators) Source(domain Domain) Generator {
	switch domain {
	case DomainGeneral:
		return g.General
	case DomainArray:
		return g.Array
	case DomainCompute:
		return g.Compute
	case DomainDevice:
		return g.Device
	}
	return nil
}

// Rand returns a *rand.Rand drawing from the given domain's generator.
// Draws through it advance the generator, and are hence captured by snapshots.
func (g *Generators) Rand(domain Domain) *rand.Rand {
	return rand.New(g.Source(domain))
}

// Capture returns a Snapshot with the states of all generators. Generators are not modified.
func (g *Generators) Capture() (*Snapshot, error) {
	s := &Snapshot{}
	for _, domain := range Domains {
		source := g.Source(domain)
		if source == nil {
			return nil, errors.Errorf("random.Capture: no generator for domain %q", domain)
		}
		blob, err := source.MarshalBinary()
		if err != nil {
			return nil, errors.Wrapf(err, "random.Capture: failed to marshal %q generator", domain)
		}
		s.Set(domain, blob)
	}
	return s, nil
}

// Restore sets all generators from the snapshot.
//
// If snapshot is nil or is missing any domain, nothing is touched and it returns false: a partial restore
// would make the run only partially reproducible. Use Snapshot.Validate to find out what is missing.
//
// If setting any generator fails, the ones already set are returned to their previous states, and the error
// is returned.
func (g *Generators) Restore(snapshot *Snapshot) (restored bool, err error) {
	if err = snapshot.Validate(); err != nil {
		klog.V(1).Infof("random.Restore skipped: %v", err)
		return false, nil
	}
	previous, err := g.Capture()
	if err != nil {
		return false, err
	}
	for ii, domain := range Domains {
		err = g.Source(domain).UnmarshalBinary(snapshot.Get(domain))
		if err == nil {
			continue
		}
		err = errors.Wrapf(err, "random.Restore: failed to restore %q generator", domain)
		for _, applied := range Domains[:ii+1] {
			if rollbackErr := g.Source(applied).UnmarshalBinary(previous.Get(applied)); rollbackErr != nil {
				klog.Errorf("random.Restore: failed to roll back %q generator: %+v", applied, rollbackErr)
			}
		}
		return false, err
	}
	return true, nil
}
