// Package crossdomain implements the cross-process buffer sharing backend.
//
// Contexts proxy resource allocation and byte streams between the guest and
// another host process. Each context runs a worker goroutine that consumes
// submitted commands from a job queue, writes responses into the context's
// query ring and signals fences on completion, so completion always arrives
// asynchronously from the worker rather than the submitting caller.
//
// Host-memory blobs are allocated as memfds and exported as shm handles.
package crossdomain

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/backend"
	"github.com/virtgfx/gpu-broker/errors"
	"github.com/virtgfx/gpu-broker/fence"
	"github.com/virtgfx/gpu-broker/resource"
)

// Component is the cross-domain backend.
type Component struct {
	backend.Base

	fences *fence.Handler

	mu       sync.Mutex
	blobs    map[gpubroker.ResourceID]*os.File
	mappings map[gpubroker.ResourceID][]byte
}

var _ backend.Component = (*Component)(nil)

// New builds the component. It satisfies backend.Builder.
func New(fences *fence.Handler) (backend.Component, error) {
	return &Component{
		fences:   fences,
		blobs:    make(map[gpubroker.ResourceID]*os.File),
		mappings: make(map[gpubroker.ResourceID][]byte),
	}, nil
}

func (c *Component) Variant() backend.Variant {
	return backend.VariantCrossDomain
}

// capset is the negotiation blob: layout version and supported channels.
var capsetBlob = encode(struct {
	Version           uint32
	SupportedChannels uint32
}{Version: 1, SupportedChannels: 1 << channelTypeWayland})

func (c *Component) CapsetInfo(id gpubroker.CapsetID) (uint32, uint32) {
	if id != gpubroker.CapsetCrossDomain {
		return 0, 0
	}
	return 1, uint32(len(capsetBlob))
}

func (c *Component) Capset(id gpubroker.CapsetID, _ uint32) []byte {
	if id != gpubroker.CapsetCrossDomain {
		return nil
	}
	out := make([]byte, len(capsetBlob))
	copy(out, capsetBlob)
	return out
}

// CreateBlob allocates host-memory blobs as memfds. Guest-memory blobs are
// ring buffers backed entirely by the guest list attached later.
func (c *Component) CreateBlob(_ gpubroker.ContextID, res *resource.Resource, blob gpubroker.BlobCreate, imported *gpubroker.Handle) error {
	switch blob.BlobMem {
	case gpubroker.BlobMemGuest:
		return nil
	case gpubroker.BlobMemHost3D:
	default:
		return errors.Unsupported(errors.OpCreateBlob, "host3d-guest blobs")
	}

	if imported != nil {
		// Cross-device import: adopt the handle as the blob's storage.
		dup, err := imported.Clone()
		if err != nil {
			return errors.Backend(errors.OpCreateBlob, err)
		}
		c.mu.Lock()
		c.blobs[res.ID] = dup.File
		c.mu.Unlock()
		return nil
	}

	fd, err := unix.MemfdCreate("cross-domain-blob", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return errors.Backend(errors.OpCreateBlob, err)
	}
	if err := unix.Ftruncate(fd, int64(blob.Size)); err != nil {
		unix.Close(fd)
		return errors.Backend(errors.OpCreateBlob, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.blobs[res.ID]; ok {
		unix.Close(fd)
		return errors.Duplicate(errors.OpCreateBlob, uint32(res.ID))
	}
	c.blobs[res.ID] = os.NewFile(uintptr(fd), "cross-domain-blob")
	return nil
}

// ExportHandle duplicates the blob's memfd as a shareable shm handle.
func (c *Component) ExportHandle(res *resource.Resource) (*gpubroker.Handle, error) {
	c.mu.Lock()
	f, ok := c.blobs[res.ID]
	c.mu.Unlock()
	if !ok {
		return nil, errors.Unsupported(errors.OpExport, "only host-memory blobs export")
	}

	h := &gpubroker.Handle{File: f, Type: gpubroker.HandleShm}
	return h.Clone()
}

// Map memory-maps the blob's memfd.
func (c *Component) Map(res *resource.Resource) (gpubroker.MemoryRegion, error) {
	if !res.Mappable() {
		return gpubroker.MemoryRegion{}, errors.InvalidArgument(errors.OpMap,
			"resource %d is not mappable", res.ID)
	}

	c.mu.Lock()
	f, ok := c.blobs[res.ID]
	c.mu.Unlock()
	if !ok {
		return gpubroker.MemoryRegion{}, errors.ResourceNotFound(errors.OpMap, uint32(res.ID))
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(res.Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return gpubroker.MemoryRegion{}, errors.Backend(errors.OpMap, err)
	}
	c.mu.Lock()
	c.mappings[res.ID] = data
	c.mu.Unlock()
	return gpubroker.MemoryRegion{Data: data, CacheTyp: gpubroker.MapCacheCached}, nil
}

// Unmap releases the mapping recorded by Map.
func (c *Component) Unmap(res *resource.Resource) error {
	c.mu.Lock()
	data, ok := c.mappings[res.ID]
	delete(c.mappings, res.ID)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return errors.Backend(errors.OpMap, err)
	}
	return nil
}

// DestroyResource drops any live mapping and closes the blob's memfd.
func (c *Component) DestroyResource(res *resource.Resource) error {
	c.mu.Lock()
	f, ok := c.blobs[res.ID]
	delete(c.blobs, res.ID)
	data, mapped := c.mappings[res.ID]
	delete(c.mappings, res.ID)
	c.mu.Unlock()

	if mapped {
		unix.Munmap(data)
	}
	if ok {
		f.Close()
	}
	return nil
}

// CreateFence completes global fences immediately. Only context-bound
// fences ride the per-context worker queues.
func (c *Component) CreateFence(seq gpubroker.FenceID) error {
	c.fences.Signal(0, seq)
	return nil
}

// CreateContext builds a cross-domain context and starts its worker.
func (c *Component) CreateContext(id gpubroker.ContextID, capset gpubroker.CapsetID, name string) (backend.Context, error) {
	if capset != gpubroker.CapsetCrossDomain {
		return nil, errors.Unsupported(errors.OpContext, "cross-domain contexts need the cross-domain capset")
	}
	return newContext(id, name, c), nil
}

func (c *Component) Close() error {
	c.mu.Lock()
	files := make([]*os.File, 0, len(c.blobs))
	for id, f := range c.blobs {
		files = append(files, f)
		delete(c.blobs, id)
	}
	regions := make([][]byte, 0, len(c.mappings))
	for id, data := range c.mappings {
		regions = append(regions, data)
		delete(c.mappings, id)
	}
	c.mu.Unlock()

	for _, data := range regions {
		unix.Munmap(data)
	}
	for _, f := range files {
		f.Close()
	}
	return nil
}
