package resource

import (
	gpubroker "github.com/virtgfx/gpu-broker"
)

// Event types for resource lifecycle notifications.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDestroyed
	EventExported
	EventAttached
	EventDetached
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDestroyed:
		return "destroyed"
	case EventExported:
		return "exported"
	case EventAttached:
		return "attached"
	case EventDetached:
		return "detached"
	}
	return "unknown"
}

// Event represents a resource lifecycle event.
type Event struct {
	Resource gpubroker.ResourceID
	Context  gpubroker.ContextID
	Type     EventType
}

// Observer receives notifications about resource lifecycle events.
type Observer interface {
	OnResourceEvent(Event)
}

// Descriptor describes a resource allocation request. The table assigns the
// id unless the caller brings one through CreateWithID.
type Descriptor struct {
	Format gpubroker.Format
	Target uint32
	Width  uint32
	Height uint32
	Depth  uint32
	Flags  uint32

	// Blob is set for blob resources; nil for ordinary 3D/2D resources.
	Blob *gpubroker.BlobCreate

	// Owner is the creating context, 0 for context-less display resources.
	Owner gpubroker.ContextID
}

// Size returns the byte size the descriptor implies.
func (d Descriptor) Size() uint64 {
	if d.Blob != nil {
		return d.Blob.Size
	}
	depth := d.Depth
	if depth == 0 {
		depth = 1
	}
	return uint64(d.Width) * uint64(d.Height) * uint64(depth) * uint64(d.Format.BytesPerPixel())
}

// Resource is the broker-side record for one guest-visible resource. All
// fields are maintained under the owning table's lock; callers outside the
// table treat a Resource as read-only.
type Resource struct {
	ID     gpubroker.ResourceID
	Format gpubroker.Format
	Target uint32
	Width  uint32
	Height uint32
	Depth  uint32
	Size   uint64
	Flags  uint32

	BlobMem   uint32
	BlobFlags uint32

	// Owner is the context the resource is attached to, 0 when context-less.
	Owner gpubroker.ContextID

	// Backing is the guest scatter-gather list, nil until attach_backing.
	Backing gpubroker.Iovecs

	exportHandle *gpubroker.Handle
	scanoutRefs  uint32
	fenceRefs    uint32
}

// Mappable reports whether the resource can be CPU-mapped by the host.
func (r *Resource) Mappable() bool {
	return r.BlobFlags&gpubroker.BlobFlagMappable != 0
}

// Exported reports whether a canonical export handle exists.
func (r *Resource) Exported() bool {
	return r.exportHandle != nil
}

// MinStride returns the smallest valid row stride for the resource.
func (r *Resource) MinStride() uint32 {
	return r.Width * r.Format.BytesPerPixel()
}
