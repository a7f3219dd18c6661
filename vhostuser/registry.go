package vhostuser

import (
	"sync"

	"github.com/pkg/errors"
)

// maxVhostDevices bounds the registry, matching DPDK's
// MAX_VHOST_DEVICE (lib/vhost/vhost.h) — a fixed-size table keyed by a
// small integer vid (C10, §4.8).
const maxVhostDevices = 1024

// Registry is the process-wide table of active devices, keyed by vid. One
// Registry is normally shared by every listening socket/VDUSE chardev in a
// backend process.
type Registry struct {
	mu      sync.Mutex
	devices [maxVhostDevices]*Device
	used    int
}

// NewRegistry returns an empty device registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// NewDevice allocates the lowest free vid and registers dev under it,
// mirroring DPDK's new_device's linear scan over vhost_devices[].
func (r *Registry) NewDevice(dev *Device) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.used >= maxVhostDevices {
		return -1, errors.Errorf("device registry full (max %d)", maxVhostDevices)
	}
	for i := range r.devices {
		if r.devices[i] == nil {
			r.devices[i] = dev
			r.used++
			dev.vid = i
			return i, nil
		}
	}
	return -1, errors.New("device registry full")
}

// DestroyDevice removes vid from the table (destroy_device).
func (r *Registry) DestroyDevice(vid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vid < 0 || vid >= maxVhostDevices {
		return
	}
	if r.devices[vid] != nil {
		r.devices[vid] = nil
		r.used--
	}
}

// Get returns the device registered under vid, or nil.
func (r *Registry) Get(vid int) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vid < 0 || vid >= maxVhostDevices {
		return nil
	}
	return r.devices[vid]
}

// Len reports the number of currently-registered devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}
