// Package soft2d implements the software composition backend.
//
// Resources are shadowed in host memory and transfers copy pixel rows
// between the guest scatter-gather list and the shadow. No GPU is involved;
// submitted command streams are accepted and their fences complete
// immediately, which makes this the backend of choice for display-only
// guests and for tests.
package soft2d

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/backend"
	"github.com/virtgfx/gpu-broker/backend/internal/stage"
	"github.com/virtgfx/gpu-broker/errors"
	"github.com/virtgfx/gpu-broker/fence"
	"github.com/virtgfx/gpu-broker/resource"
)

// Component is the software 2D backend.
type Component struct {
	backend.Base

	fences *fence.Handler

	mu      sync.Mutex
	shadows map[gpubroker.ResourceID][]byte
}

var _ backend.Component = (*Component)(nil)

// New builds the component. It satisfies backend.Builder.
func New(fences *fence.Handler) (backend.Component, error) {
	return &Component{
		fences:  fences,
		shadows: make(map[gpubroker.ResourceID][]byte),
	}, nil
}

func (c *Component) Variant() backend.Variant {
	return backend.VariantSoft2D
}

// CreateResource allocates the host shadow for a 2D resource.
func (c *Component) CreateResource(res *resource.Resource) error {
	size := uint64(res.Width) * uint64(res.Height) * uint64(res.Format.BytesPerPixel())
	if size == 0 || size > maxShadowSize {
		return errors.InvalidArgument(errors.OpCreateResource,
			"shadow size %d out of range", size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.shadows[res.ID]; ok {
		return errors.Duplicate(errors.OpCreateResource, uint32(res.ID))
	}
	c.shadows[res.ID] = make([]byte, size)
	return nil
}

// maxShadowSize caps a single shadow allocation at 1 GiB.
const maxShadowSize = 1 << 30

// CreateBlob accepts guest-memory blobs only; the guest list attached later
// is the sole storage.
func (c *Component) CreateBlob(_ gpubroker.ContextID, res *resource.Resource, blob gpubroker.BlobCreate, _ *gpubroker.Handle) error {
	if blob.BlobMem != gpubroker.BlobMemGuest {
		return errors.Unsupported(errors.OpCreateBlob, "host-memory blobs")
	}
	return nil
}

// TransferWrite copies rect rows from guest backing memory into the shadow.
func (c *Component) TransferWrite(res *resource.Resource, xfer gpubroker.Transfer3D) error {
	return c.transfer(res, xfer, true)
}

// TransferRead copies rect rows from the shadow back to guest memory.
func (c *Component) TransferRead(res *resource.Resource, xfer gpubroker.Transfer3D) error {
	return c.transfer(res, xfer, false)
}

func (c *Component) transfer(res *resource.Resource, xfer gpubroker.Transfer3D, toHost bool) error {
	if !xfer.Is2D() {
		return errors.Unsupported(errors.OpTransfer, "3d transfers")
	}
	if len(res.Backing) == 0 {
		return errors.InvalidArgument(errors.OpTransfer,
			"resource %d has no backing attached", res.ID)
	}

	c.mu.Lock()
	shadow, ok := c.shadows[res.ID]
	c.mu.Unlock()
	if !ok {
		return errors.ResourceNotFound(errors.OpTransfer, uint32(res.ID))
	}

	if toHost {
		return stage.ToHost(shadow, res, xfer)
	}
	return stage.ToGuest(shadow, res, xfer)
}

// ExportHandle materializes the shadow into a sealed memfd so another
// process can import the pixels.
func (c *Component) ExportHandle(res *resource.Resource) (*gpubroker.Handle, error) {
	c.mu.Lock()
	shadow, ok := c.shadows[res.ID]
	c.mu.Unlock()
	if !ok {
		return nil, errors.ResourceNotFound(errors.OpExport, uint32(res.ID))
	}

	fd, err := unix.MemfdCreate("soft2d-export", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, errors.Backend(errors.OpExport, err)
	}
	f := os.NewFile(uintptr(fd), "soft2d-export")
	if _, err := f.Write(shadow); err != nil {
		f.Close()
		return nil, errors.Backend(errors.OpExport, err)
	}
	return &gpubroker.Handle{File: f, Type: gpubroker.HandleShm}, nil
}

// DestroyResource drops the shadow.
func (c *Component) DestroyResource(res *resource.Resource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.shadows, res.ID)
	return nil
}

// CreateFence completes immediately: the software path has no asynchronous
// work outstanding by the time a fence is requested.
func (c *Component) CreateFence(seq gpubroker.FenceID) error {
	c.fences.Signal(0, seq)
	return nil
}

// CreateContext builds a software context.
func (c *Component) CreateContext(id gpubroker.ContextID, capset gpubroker.CapsetID, name string) (backend.Context, error) {
	return &context2d{
		id:        id,
		name:      name,
		component: c,
		attached:  backend.NewContextResources(),
	}, nil
}

func (c *Component) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shadows = make(map[gpubroker.ResourceID][]byte)
	return nil
}
