package backend

import (
	"sync"

	gpubroker "github.com/virtgfx/gpu-broker"
)

// ContextResource is a context's private view of one attached resource:
// either the guest backing list (guest-memory blobs) or a backend handle.
type ContextResource struct {
	Handle  *gpubroker.Handle
	Backing gpubroker.Iovecs
}

// ContextResources tracks the resources attached to one context. It is
// shared between the context's caller-facing methods and any worker
// goroutine the backend runs, so access is locked.
type ContextResources struct {
	mu sync.Mutex
	m  map[gpubroker.ResourceID]ContextResource
}

// NewContextResources creates an empty attachment map.
func NewContextResources() *ContextResources {
	return &ContextResources{m: make(map[gpubroker.ResourceID]ContextResource)}
}

// Insert records an attachment, replacing any previous entry for the id.
func (c *ContextResources) Insert(id gpubroker.ResourceID, res ContextResource) {
	c.mu.Lock()
	c.m[id] = res
	c.mu.Unlock()
}

// Get returns the attachment for an id.
func (c *ContextResources) Get(id gpubroker.ResourceID) (ContextResource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.m[id]
	return res, ok
}

// Remove drops the attachment and closes any held handle.
func (c *ContextResources) Remove(id gpubroker.ResourceID) {
	c.mu.Lock()
	res, ok := c.m[id]
	delete(c.m, id)
	c.mu.Unlock()

	if ok && res.Handle != nil {
		res.Handle.Close()
	}
}

// Len returns the number of attached resources.
func (c *ContextResources) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// Close drops every attachment and closes held handles.
func (c *ContextResources) Close() {
	c.mu.Lock()
	handles := make([]*gpubroker.Handle, 0, len(c.m))
	for id, res := range c.m {
		if res.Handle != nil {
			handles = append(handles, res.Handle)
		}
		delete(c.m, id)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}
