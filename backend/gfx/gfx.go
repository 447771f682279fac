// Package gfx implements the native-render backend on top of gogpu.
//
// Resources become GPU textures (3D resources) or buffers (blobs) on the
// active gogpu backend. Transfers stage through a host shadow: writes update
// the shadow and push it to the GPU through the device queue, reads are
// served from the shadow because gpu.Backend exposes no readback path.
//
// The active gogpu backend must be registered before the component is
// built, typically with a blank import:
//
//	import _ "github.com/gogpu/gogpu/gpu/backend/native" // Pure Go
package gfx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gogpu/gogpu/gpu"
	"github.com/gogpu/gogpu/gpu/types"

	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/backend"
	"github.com/virtgfx/gpu-broker/backend/internal/stage"
	"github.com/virtgfx/gpu-broker/errors"
	"github.com/virtgfx/gpu-broker/fence"
	"github.com/virtgfx/gpu-broker/resource"
)

// Component is the gogpu-backed renderer backend.
type Component struct {
	backend.Base

	fences *fence.Handler

	gpuBackend gpu.Backend
	instance   types.Instance
	adapter    types.Adapter
	device     types.Device
	queue      types.Queue

	mu       sync.Mutex
	textures map[gpubroker.ResourceID]types.Texture
	buffers  map[gpubroker.ResourceID]types.Buffer
	shadows  map[gpubroker.ResourceID][]byte
	capset   []byte
}

var _ backend.Component = (*Component)(nil)

// New acquires the active gogpu backend and a device/queue pair. It
// satisfies backend.Builder.
func New(fences *fence.Handler) (backend.Component, error) {
	gpuBackend := gpu.GetBackend()
	if gpuBackend == nil {
		if err := gpu.InitDefaultBackend(); err != nil {
			return nil, errors.Wrap(errors.OpContext, errors.KindBackendFailure, err, "no gpu backend registered")
		}
		gpuBackend = gpu.GetBackend()
	}
	if gpuBackend == nil {
		return nil, errors.Unsupported(errors.OpContext, "no gpu backend registered")
	}

	instance, err := gpuBackend.CreateInstance()
	if err != nil {
		return nil, errors.Wrap(errors.OpContext, errors.KindBackendFailure, err, "create instance")
	}

	adapter, err := gpuBackend.RequestAdapter(instance, &types.AdapterOptions{
		PowerPreference: types.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, errors.Wrap(errors.OpContext, errors.KindBackendFailure, err, "request adapter")
	}

	device, err := gpuBackend.RequestDevice(adapter, &types.DeviceOptions{
		Label: "gpu-broker-gfx",
	})
	if err != nil {
		return nil, errors.Wrap(errors.OpContext, errors.KindBackendFailure, err, "request device")
	}

	c := &Component{
		fences:     fences,
		gpuBackend: gpuBackend,
		instance:   instance,
		adapter:    adapter,
		device:     device,
		queue:      gpuBackend.GetQueue(device),
		textures:   make(map[gpubroker.ResourceID]types.Texture),
		buffers:    make(map[gpubroker.ResourceID]types.Buffer),
		shadows:    make(map[gpubroker.ResourceID][]byte),
	}
	c.capset = buildCapset(gpuBackend.Name())
	return c, nil
}

// capsetVersion is the capability blob layout version this component emits.
const capsetVersion = 1

// buildCapset encodes the renderer identity the guest driver negotiates
// against: a version word, a name length and the backend name bytes.
func buildCapset(name string) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint32(capsetVersion))
	binary.Write(&b, binary.LittleEndian, uint32(len(name)))
	b.WriteString(name)
	return b.Bytes()
}

func (c *Component) Variant() backend.Variant {
	return backend.VariantGfx
}

func (c *Component) recognizes(id gpubroker.CapsetID) bool {
	return id == gpubroker.CapsetVirgl || id == gpubroker.CapsetVirgl2
}

func (c *Component) CapsetInfo(id gpubroker.CapsetID) (uint32, uint32) {
	if !c.recognizes(id) {
		return 0, 0
	}
	return capsetVersion, uint32(len(c.capset))
}

func (c *Component) Capset(id gpubroker.CapsetID, _ uint32) []byte {
	if !c.recognizes(id) {
		return nil
	}
	out := make([]byte, len(c.capset))
	copy(out, c.capset)
	return out
}

// CreateResource allocates a GPU texture for the resource.
func (c *Component) CreateResource(res *resource.Resource) error {
	depth := res.Depth
	if depth == 0 {
		depth = 1
	}

	desc := &types.TextureDescriptor{
		Label: fmt.Sprintf("res-%d", res.ID),
		Size: types.Extent3D{
			Width:              res.Width,
			Height:             res.Height,
			DepthOrArrayLayers: depth,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     types.TextureDimension2D,
		Format:        textureFormat(res.Format),
		Usage:         types.TextureUsageCopySrc | types.TextureUsageCopyDst | types.TextureUsageStorageBinding,
	}

	texture, err := c.gpuBackend.CreateTexture(c.device, desc)
	if err != nil {
		return errors.Backend(errors.OpCreateResource, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.textures[res.ID]; ok {
		c.gpuBackend.ReleaseTexture(texture)
		return errors.Duplicate(errors.OpCreateResource, uint32(res.ID))
	}
	c.textures[res.ID] = texture
	c.shadows[res.ID] = make([]byte, res.Size)
	return nil
}

func textureFormat(f gpubroker.Format) types.TextureFormat {
	switch f {
	case gpubroker.FormatB8G8R8A8, gpubroker.FormatB8G8R8X8,
		gpubroker.FormatA8R8G8B8, gpubroker.FormatX8R8G8B8:
		return types.TextureFormatBGRA8Unorm
	default:
		return types.TextureFormatRGBA8Unorm
	}
}

// CreateBlob allocates a GPU buffer for host-memory blobs. Guest-memory
// blobs carry no device storage.
func (c *Component) CreateBlob(_ gpubroker.ContextID, res *resource.Resource, blob gpubroker.BlobCreate, _ *gpubroker.Handle) error {
	if blob.BlobMem == gpubroker.BlobMemGuest {
		return nil
	}

	buffer, err := c.gpuBackend.CreateBuffer(c.device, &types.BufferDescriptor{
		Label: fmt.Sprintf("blob-%d", res.ID),
		Size:  blob.Size,
		Usage: types.BufferUsageCopySrc | types.BufferUsageCopyDst | types.BufferUsageStorage,
	})
	if err != nil {
		return errors.Backend(errors.OpCreateBlob, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.buffers[res.ID]; ok {
		c.gpuBackend.ReleaseBuffer(buffer)
		return errors.Duplicate(errors.OpCreateBlob, uint32(res.ID))
	}
	c.buffers[res.ID] = buffer
	c.shadows[res.ID] = make([]byte, blob.Size)
	return nil
}

// TransferWrite stages guest data into the shadow and pushes the whole
// image or buffer range to the device queue.
func (c *Component) TransferWrite(res *resource.Resource, xfer gpubroker.Transfer3D) error {
	if len(res.Backing) == 0 {
		return errors.InvalidArgument(errors.OpTransfer,
			"resource %d has no backing attached", res.ID)
	}

	c.mu.Lock()
	shadow, ok := c.shadows[res.ID]
	texture, isTexture := c.textures[res.ID]
	buffer, isBuffer := c.buffers[res.ID]
	c.mu.Unlock()
	if !ok {
		return errors.ResourceNotFound(errors.OpTransfer, uint32(res.ID))
	}

	switch {
	case isTexture:
		if err := stage.ToHost(shadow, res, xfer); err != nil {
			return err
		}
		bytesPerRow := res.Width * res.Format.BytesPerPixel()
		c.gpuBackend.WriteTexture(c.queue,
			&types.ImageCopyTexture{
				Texture:  texture,
				MipLevel: 0,
				Origin:   types.Origin3D{X: 0, Y: 0, Z: 0},
				Aspect:   types.TextureAspectAll,
			},
			shadow,
			&types.ImageDataLayout{
				Offset:       0,
				BytesPerRow:  bytesPerRow,
				RowsPerImage: res.Height,
			},
			&types.Extent3D{
				Width:              res.Width,
				Height:             res.Height,
				DepthOrArrayLayers: 1,
			})
	case isBuffer:
		// Blobs are linear; copy the whole range and push it.
		if err := stage.FromIovecs(res.Backing, 0, shadow); err != nil {
			return err
		}
		c.gpuBackend.WriteBuffer(c.queue, buffer, 0, shadow)
	}
	return nil
}

// TransferRead copies the shadow back into guest memory. The queue has no
// readback path, so the shadow is the freshest host-visible copy.
func (c *Component) TransferRead(res *resource.Resource, xfer gpubroker.Transfer3D) error {
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
	if res.BlobMem != 0 {
		return stage.IntoIovecs(res.Backing, 0, shadow)
	}
	return stage.ToGuest(shadow, res, xfer)
}

// Map exposes the shadow of a mappable blob.
func (c *Component) Map(res *resource.Resource) (gpubroker.MemoryRegion, error) {
	if !res.Mappable() {
		return gpubroker.MemoryRegion{}, errors.InvalidArgument(errors.OpMap,
			"resource %d is not mappable", res.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	shadow, ok := c.shadows[res.ID]
	if !ok {
		return gpubroker.MemoryRegion{}, errors.ResourceNotFound(errors.OpMap, uint32(res.ID))
	}
	return gpubroker.MemoryRegion{Data: shadow, CacheTyp: gpubroker.MapCacheCached}, nil
}

func (c *Component) Unmap(res *resource.Resource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.shadows[res.ID]; !ok {
		return errors.ResourceNotFound(errors.OpMap, uint32(res.ID))
	}
	return nil
}

// DestroyResource releases the GPU object and the shadow.
func (c *Component) DestroyResource(res *resource.Resource) error {
	c.mu.Lock()
	texture, isTexture := c.textures[res.ID]
	buffer, isBuffer := c.buffers[res.ID]
	delete(c.textures, res.ID)
	delete(c.buffers, res.ID)
	delete(c.shadows, res.ID)
	c.mu.Unlock()

	if isTexture {
		c.gpuBackend.ReleaseTexture(texture)
	}
	if isBuffer {
		c.gpuBackend.ReleaseBuffer(buffer)
	}
	return nil
}

// CreateFence signals once queued writes are enqueued; queue writes on
// gpu.Backend complete synchronously.
func (c *Component) CreateFence(seq gpubroker.FenceID) error {
	c.fences.Signal(0, seq)
	return nil
}

// CreateContext builds a renderer context.
func (c *Component) CreateContext(id gpubroker.ContextID, capset gpubroker.CapsetID, name string) (backend.Context, error) {
	if !c.recognizes(capset) {
		return nil, errors.Unsupported(errors.OpContext,
			fmt.Sprintf("capset %d", capset))
	}
	return &gfxContext{
		id:        id,
		name:      name,
		component: c,
		attached:  backend.NewContextResources(),
	}, nil
}

func (c *Component) Close() error {
	c.mu.Lock()
	textures := c.textures
	buffers := c.buffers
	c.textures = make(map[gpubroker.ResourceID]types.Texture)
	c.buffers = make(map[gpubroker.ResourceID]types.Buffer)
	c.shadows = make(map[gpubroker.ResourceID][]byte)
	c.mu.Unlock()

	for _, t := range textures {
		c.gpuBackend.ReleaseTexture(t)
	}
	for _, b := range buffers {
		c.gpuBackend.ReleaseBuffer(b)
	}
	return nil
}
