// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package random

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrMissingState is returned by Snapshot.Validate when the snapshot is absent or lacks some domain.
// Resuming treats it as "leave generators untouched", it is never a fatal condition.
var ErrMissingState = errors.New("random state missing")

// Snapshot of the states of all generators, as opaque blobs. It is serialized as part of the training state,
// with blobs in base64.
type Snapshot struct {
	General []byte `json:"general,omitempty"`
	Array   []byte `json:"array,omitempty"`
	Compute []byte `json:"compute,omitempty"`
	Device  []byte `json:"device,omitempty"`
}

// Get returns the blob for the domain, or nil.
func (s *Snapshot) Get(domain Domain) []byte {
	if s == nil {
		return nil
	}
	switch domain {
	case DomainGeneral:
		return s.General
	case DomainArray:
		return s.Array
	case DomainCompute:
		return s.Compute
	case DomainDevice:
		return s.Device
	}
	return nil
}

// Set the blob for the domain. Unknown domains are ignored.
func (s *Snapshot) Set(domain Domain, blob []byte) {
	switch domain {
	case DomainGeneral:
		s.General = blob
	case DomainArray:
		s.Array = blob
	case DomainCompute:
		s.Compute = blob
	case DomainDevice:
		s.Device = blob
	}
}

// Present returns the domains with a blob.
func (s *Snapshot) Present() []Domain {
	var present []Domain
	for _, domain := range Domains {
		if len(s.Get(domain)) > 0 {
			present = append(present, domain)
		}
	}
	return present
}

// Validate returns an error wrapping ErrMissingState if the snapshot is nil or lacks any domain.
func (s *Snapshot) Validate() error {
	if s == nil {
		return errors.Wrap(ErrMissingState, "no random snapshot")
	}
	var missing []string
	for _, domain := range Domains {
		if len(s.Get(domain)) == 0 {
			missing = append(missing, string(domain))
		}
	}
	if len(missing) > 0 {
		return errors.Wrapf(ErrMissingState, "random snapshot lacks domains [%s]", strings.Join(missing, ", "))
	}
	return nil
}
