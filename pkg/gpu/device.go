package gpu

import (
	"sync/atomic"
)

// Device is the shared execution context of one physical accelerator. It is
// not re-entrant; the Manager guarantees a single user at a time.
type Device interface {
	Name() string

	// Reset restores the context after a user faulted while holding it.
	Reset() error
}

// HostDevice stands in for an accelerator when no driver binding is
// configured. It carries no hardware state.
type HostDevice struct {
	name   string
	resets atomic.Int64
}

// NewHostDevice creates a host device
func NewHostDevice(name string) *HostDevice {
	return &HostDevice{name: name}
}

// Name returns the device name
func (d *HostDevice) Name() string { return d.name }

// Reset counts the reset request
func (d *HostDevice) Reset() error {
	d.resets.Add(1)
	return nil
}

// Resets returns the number of resets performed
func (d *HostDevice) Resets() int64 {
	return d.resets.Load()
}
