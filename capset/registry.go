// Package capset implements the capability set registry.
//
// The registry is assembled once at broker build time with a bitmask over
// capset ids. Enumeration only ever sees capsets whose id bit is set in the
// mask, which allows staged rollout of backend capabilities without removing
// backend support.
package capset

import (
	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/errors"
)

// Descriptor is one registered capability set.
type Descriptor struct {
	ID      gpubroker.CapsetID
	Version uint32
	Data    []byte
}

// Registry holds the ordered capset sequence. It is immutable after New
// and safe for concurrent readers.
type Registry struct {
	capsets []Descriptor
	mask    uint64
	visible []Descriptor
}

// New builds a registry from the mask and the registration-ordered
// descriptors. A duplicate capset id is an id collision and fails the build.
func New(mask uint64, descriptors ...Descriptor) (*Registry, error) {
	seen := make(map[gpubroker.CapsetID]struct{}, len(descriptors))
	r := &Registry{
		capsets: make([]Descriptor, 0, len(descriptors)),
		mask:    mask,
	}

	for _, d := range descriptors {
		if d.ID == 0 {
			return nil, errors.InvalidArgument(errors.OpCapset, "capset id 0 is reserved")
		}
		if _, dup := seen[d.ID]; dup {
			return nil, errors.Duplicate(errors.OpCapset, uint32(d.ID))
		}
		seen[d.ID] = struct{}{}
		r.capsets = append(r.capsets, d)
		if r.visibleID(d.ID) {
			r.visible = append(r.visible, d)
		}
	}

	return r, nil
}

func (r *Registry) visibleID(id gpubroker.CapsetID) bool {
	if uint32(id) >= 64 {
		return false
	}
	return r.mask&(1<<uint32(id)) != 0
}

// Count returns the number of capsets visible through the mask.
func (r *Registry) Count() uint32 {
	return uint32(len(r.visible))
}

// Get returns the capset at the given enumeration index. Indexes count only
// mask-visible capsets, in registration order.
func (r *Registry) Get(index uint32) (Descriptor, error) {
	if int(index) >= len(r.visible) {
		return Descriptor{}, errors.InvalidArgument(errors.OpCapset,
			"capset index %d out of range (count %d)", index, len(r.visible))
	}
	return r.visible[index], nil
}

// Info returns the id, max version and blob size for the capset at the given
// enumeration index. This is the shape of a capset-info query.
func (r *Registry) Info(index uint32) (id gpubroker.CapsetID, version uint32, size uint32, err error) {
	d, err := r.Get(index)
	if err != nil {
		return 0, 0, 0, err
	}
	return d.ID, d.Version, uint32(len(d.Data)), nil
}

// Lookup finds a capset by id. Masked-out capsets are invisible and report
// not found.
func (r *Registry) Lookup(id gpubroker.CapsetID) (Descriptor, bool) {
	if !r.visibleID(id) {
		return Descriptor{}, false
	}
	for _, d := range r.capsets {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Mask returns the build-time capset mask.
func (r *Registry) Mask() uint64 {
	return r.mask
}
