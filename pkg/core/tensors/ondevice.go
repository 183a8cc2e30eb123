// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"sync"

	"github.com/pkg/errors"
)

// OnDevice holds a tensor value resident on an accelerator device (or simulated as such).
// Its values are only reachable through an explicit host transfer, see OnDevice.Local.
//
// It counts the transfers to the host, so callers can verify that persistence always
// materializes a host copy and never holds on to device memory.
//
// It is safe for concurrent use.
type OnDevice struct {
	device string

	mu        sync.Mutex
	value     *Tensor // nil once finalized.
	transfers int
}

// Assert *OnDevice is a Materializer.
var _ Materializer = (*OnDevice)(nil)

// ToDevice copies the tensor to the named device (e.g. "cuda:0").
func ToDevice(t *Tensor, device string) *OnDevice {
	return &OnDevice{device: device, value: t.Clone()}
}

// Device where the value resides.
func (d *OnDevice) Device() string { return d.device }

// Shape of the value. It doesn't trigger a transfer.
func (d *OnDevice) Shape() Shape {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.value == nil {
		return Shape{}
	}
	return d.value.shape
}

// Local transfers a copy of the value to host memory.
func (d *OnDevice) Local() (*Tensor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.value == nil {
		return nil, errors.Errorf("OnDevice(%s).Local(): value was already finalized", d.device)
	}
	d.transfers++
	return d.value.Clone(), nil
}

// Update replaces the device value with a copy of t. The shape must match.
func (d *OnDevice) Update(t *Tensor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.value == nil {
		return errors.Errorf("OnDevice(%s).Update(): value was already finalized", d.device)
	}
	if !d.value.shape.Equal(t.shape) {
		return errors.Errorf("OnDevice(%s).Update(): shape %s doesn't match device value shape %s",
			d.device, t.shape, d.value.shape)
	}
	d.value = t.Clone()
	return nil
}

// Transfers returns the number of host transfers triggered so far.
func (d *OnDevice) Transfers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transfers
}

// Finalize releases the device value. Further calls to Local fail.
func (d *OnDevice) Finalize() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.value = nil
}
