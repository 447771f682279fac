package soft2d

import (
	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/backend"
	"github.com/virtgfx/gpu-broker/resource"
)

// context2d is a software context. It performs no rendering: submitted
// streams are accepted as-is and every fence completes at submission time,
// preserving FIFO order trivially.
type context2d struct {
	id        gpubroker.ContextID
	name      string
	component *Component
	attached  *backend.ContextResources
}

var _ backend.Context = (*context2d)(nil)

func (c *context2d) ID() gpubroker.ContextID {
	return c.id
}

func (c *context2d) Variant() backend.Variant {
	return backend.VariantSoft2D
}

func (c *context2d) Submit(_ []byte, fenceIDs []gpubroker.FenceID) error {
	for _, seq := range fenceIDs {
		c.component.fences.Signal(c.id, seq)
	}
	return nil
}

func (c *context2d) Attach(res *resource.Resource) {
	c.attached.Insert(res.ID, backend.ContextResource{Backing: res.Backing})
}

func (c *context2d) Detach(res *resource.Resource) {
	c.attached.Remove(res.ID)
}

func (c *context2d) CreateFence(seq gpubroker.FenceID) error {
	c.component.fences.Signal(c.id, seq)
	return nil
}

func (c *context2d) Close() error {
	c.attached.Close()
	return nil
}
