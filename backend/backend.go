package backend

import (
	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/fence"
	"github.com/virtgfx/gpu-broker/resource"
)

// Variant names a backend implementation. A context's variant is fixed at
// creation time; there is no re-routing or fallback for a live context.
type Variant uint8

const (
	VariantUnknown Variant = iota
	VariantGfx
	VariantCrossDomain
	VariantSoft2D
	VariantStub
)

func (v Variant) String() string {
	switch v {
	case VariantGfx:
		return "gfx"
	case VariantCrossDomain:
		return "cross-domain"
	case VariantSoft2D:
		return "soft2d"
	case VariantStub:
		return "stub"
	}
	return "unknown"
}

// ParseVariant maps a variant name to its constant.
func ParseVariant(s string) (Variant, bool) {
	for _, v := range []Variant{VariantGfx, VariantCrossDomain, VariantSoft2D, VariantStub} {
		if v.String() == s {
			return v, true
		}
	}
	return VariantUnknown, false
}

// Builder constructs a component at broker assembly time. The fence handler
// is the component's only channel for completion signaling.
type Builder func(fences *fence.Handler) (Component, error)

// Component is one backend implementation, instantiated once per broker.
// Components that lack a capability return an Unsupported error for it;
// embed Unsupported defaults from Base.
type Component interface {
	// Variant identifies the implementation.
	Variant() Variant

	// CapsetInfo returns the max version and blob size the component
	// advertises for a capset id, (0, 0) when unrecognized.
	CapsetInfo(id gpubroker.CapsetID) (version, size uint32)

	// Capset returns the capability blob for the id/version pair.
	Capset(id gpubroker.CapsetID, version uint32) []byte

	// CreateContext builds a new backend context. The context's variant is
	// fixed for its lifetime.
	CreateContext(id gpubroker.ContextID, capset gpubroker.CapsetID, name string) (Context, error)

	// CreateResource allocates backend storage for a resource the table
	// has already recorded.
	CreateResource(res *resource.Resource) error

	// CreateBlob allocates a blob resource. An import handle may be
	// supplied for cross-device blobs.
	CreateBlob(ctx gpubroker.ContextID, res *resource.Resource, blob gpubroker.BlobCreate, imported *gpubroker.Handle) error

	// TransferWrite moves data from guest backing memory into the
	// backend's copy of the resource.
	TransferWrite(res *resource.Resource, xfer gpubroker.Transfer3D) error

	// TransferRead moves data from the backend's copy back into guest
	// backing memory.
	TransferRead(res *resource.Resource, xfer gpubroker.Transfer3D) error

	// ExportHandle creates the canonical platform handle for sharing the
	// resource across process boundaries. Called at most once per
	// resource; the resource table caches the result.
	ExportHandle(res *resource.Resource) (*gpubroker.Handle, error)

	// Map returns a host CPU mapping of a mappable resource.
	Map(res *resource.Resource) (gpubroker.MemoryRegion, error)

	// Unmap releases a mapping obtained from Map.
	Unmap(res *resource.Resource) error

	// DestroyResource releases backend storage. The broker calls this
	// after the table has removed the id.
	DestroyResource(res *resource.Resource) error

	// CreateFence records a fence on the global timeline (context 0).
	CreateFence(seq gpubroker.FenceID) error

	// Close tears the component down. Live contexts are closed first.
	Close() error
}

// Context is one backend context instance. Contexts own an ordered command
// stream: Submit calls are FIFO within the context.
type Context interface {
	// ID returns the context id assigned at creation.
	ID() gpubroker.ContextID

	// Variant identifies the owning component.
	Variant() Variant

	// Submit accepts a command stream. It returns once the backend has
	// accepted the work, not when the work finishes; fenceIDs name fences
	// the caller wants attached to this submission.
	Submit(commands []byte, fenceIDs []gpubroker.FenceID) error

	// Attach registers a resource with the context after the table has
	// recorded ownership.
	Attach(res *resource.Resource)

	// Detach removes a resource from the context.
	Detach(res *resource.Resource)

	// CreateFence records a context-targeted fence. The backend signals
	// it once all previously submitted work completes.
	CreateFence(seq gpubroker.FenceID) error

	// Close destroys the context. Pending work is completed or abandoned
	// by the backend before Close returns.
	Close() error
}
