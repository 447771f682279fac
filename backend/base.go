package backend

import (
	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/errors"
	"github.com/virtgfx/gpu-broker/resource"
)

// Base provides Unsupported defaults for optional component capabilities.
// Backends embed Base and override what they actually implement.
type Base struct{}

func (Base) CapsetInfo(gpubroker.CapsetID) (uint32, uint32) {
	return 0, 0
}

func (Base) Capset(gpubroker.CapsetID, uint32) []byte {
	return nil
}

func (Base) CreateResource(*resource.Resource) error {
	return errors.Unsupported(errors.OpCreateResource, "3d resources")
}

func (Base) CreateBlob(gpubroker.ContextID, *resource.Resource, gpubroker.BlobCreate, *gpubroker.Handle) error {
	return errors.Unsupported(errors.OpCreateBlob, "blob resources")
}

func (Base) TransferWrite(*resource.Resource, gpubroker.Transfer3D) error {
	return errors.Unsupported(errors.OpTransfer, "transfer to host")
}

func (Base) TransferRead(*resource.Resource, gpubroker.Transfer3D) error {
	return errors.Unsupported(errors.OpTransfer, "transfer from host")
}

func (Base) ExportHandle(*resource.Resource) (*gpubroker.Handle, error) {
	return nil, errors.Unsupported(errors.OpExport, "resource export")
}

func (Base) Map(*resource.Resource) (gpubroker.MemoryRegion, error) {
	return gpubroker.MemoryRegion{}, errors.Unsupported(errors.OpMap, "cpu mapping")
}

func (Base) Unmap(*resource.Resource) error {
	return errors.Unsupported(errors.OpMap, "cpu mapping")
}

func (Base) DestroyResource(*resource.Resource) error {
	return nil
}

func (Base) CreateFence(gpubroker.FenceID) error {
	return errors.Unsupported(errors.OpFence, "global fences")
}
