package gfx

import (
	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/backend"
	"github.com/virtgfx/gpu-broker/resource"
)

// gfxContext is one renderer context. Command streams are accepted in FIFO
// order; because queue writes on gpu.Backend complete synchronously, every
// attached fence is signaled as soon as the stream is enqueued.
type gfxContext struct {
	id        gpubroker.ContextID
	name      string
	component *Component
	attached  *backend.ContextResources
}

var _ backend.Context = (*gfxContext)(nil)

func (c *gfxContext) ID() gpubroker.ContextID {
	return c.id
}

func (c *gfxContext) Variant() backend.Variant {
	return backend.VariantGfx
}

func (c *gfxContext) Submit(_ []byte, fenceIDs []gpubroker.FenceID) error {
	for _, seq := range fenceIDs {
		c.component.fences.Signal(c.id, seq)
	}
	return nil
}

func (c *gfxContext) Attach(res *resource.Resource) {
	c.attached.Insert(res.ID, backend.ContextResource{Backing: res.Backing})
}

func (c *gfxContext) Detach(res *resource.Resource) {
	c.attached.Remove(res.ID)
}

func (c *gfxContext) CreateFence(seq gpubroker.FenceID) error {
	c.component.fences.Signal(c.id, seq)
	return nil
}

func (c *gfxContext) Close() error {
	c.attached.Close()
	return nil
}
