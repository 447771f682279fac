// Package stub implements an intentionally inert backend.
//
// Every call is accepted and fences complete trivially. This keeps an older
// guest-facing API surface working against a backend that does nothing,
// which is how vendor-specific context types are brought up before their
// real implementation lands.
package stub

import (
	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/backend"
	"github.com/virtgfx/gpu-broker/fence"
	"github.com/virtgfx/gpu-broker/resource"
)

// Component is the vendor stub backend.
type Component struct {
	backend.Base

	fences *fence.Handler
}

var _ backend.Component = (*Component)(nil)

// New builds the component. It satisfies backend.Builder.
func New(fences *fence.Handler) (backend.Component, error) {
	return &Component{fences: fences}, nil
}

func (c *Component) Variant() backend.Variant {
	return backend.VariantStub
}

// CreateResource accepts the resource without allocating anything.
func (c *Component) CreateResource(*resource.Resource) error {
	return nil
}

// CreateFence signals immediately; the stub never has work in flight.
func (c *Component) CreateFence(seq gpubroker.FenceID) error {
	c.fences.Signal(0, seq)
	return nil
}

// CreateContext builds an inert context.
func (c *Component) CreateContext(id gpubroker.ContextID, _ gpubroker.CapsetID, _ string) (backend.Context, error) {
	return &stubContext{
		id:        id,
		component: c,
		attached:  backend.NewContextResources(),
	}, nil
}

func (c *Component) Close() error {
	return nil
}

type stubContext struct {
	id        gpubroker.ContextID
	component *Component
	attached  *backend.ContextResources
}

var _ backend.Context = (*stubContext)(nil)

func (c *stubContext) ID() gpubroker.ContextID {
	return c.id
}

func (c *stubContext) Variant() backend.Variant {
	return backend.VariantStub
}

func (c *stubContext) Submit(_ []byte, fenceIDs []gpubroker.FenceID) error {
	for _, seq := range fenceIDs {
		c.component.fences.Signal(c.id, seq)
	}
	return nil
}

func (c *stubContext) Attach(res *resource.Resource) {
	if res.BlobMem == gpubroker.BlobMemGuest {
		c.attached.Insert(res.ID, backend.ContextResource{Backing: res.Backing})
		return
	}
	c.attached.Insert(res.ID, backend.ContextResource{})
}

func (c *stubContext) Detach(res *resource.Resource) {
	c.attached.Remove(res.ID)
}

func (c *stubContext) CreateFence(seq gpubroker.FenceID) error {
	c.component.fences.Signal(c.id, seq)
	return nil
}

func (c *stubContext) Close() error {
	c.attached.Close()
	return nil
}
