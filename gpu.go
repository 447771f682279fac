package gpubroker

// ResourceID names a guest-visible resource. Id 0 is reserved and always invalid.
type ResourceID uint32

// ContextID names a backend context instance. Id 0 addresses the global
// fence timeline rather than a specific context.
type ContextID uint32

// CapsetID identifies a capability set a guest driver can negotiate against.
type CapsetID uint32

// FenceID is a completion sequence number on the broker's global timeline.
type FenceID uint64

// Capability set ids per the virtio-gpu numbering.
const (
	CapsetVirgl       CapsetID = 1
	CapsetVirgl2      CapsetID = 2
	CapsetGfxstreamVk CapsetID = 3
	CapsetVenus       CapsetID = 4
	CapsetCrossDomain CapsetID = 5
	CapsetDRM         CapsetID = 6
)

// Format is a virtio-gpu 2D resource format.
type Format uint32

const (
	FormatB8G8R8A8 Format = 1
	FormatB8G8R8X8 Format = 2
	FormatA8R8G8B8 Format = 3
	FormatX8R8G8B8 Format = 4
	FormatR8G8B8A8 Format = 67
	FormatX8B8G8R8 Format = 68
	FormatA8B8G8R8 Format = 121
	FormatR8G8B8X8 Format = 134
)

// BytesPerPixel returns the pixel stride of the format. All supported 2D
// formats are 32-bit.
func (f Format) BytesPerPixel() uint32 {
	return 4
}

// Valid reports whether f is one of the supported 2D formats.
func (f Format) Valid() bool {
	switch f {
	case FormatB8G8R8A8, FormatB8G8R8X8, FormatA8R8G8B8, FormatX8R8G8B8,
		FormatR8G8B8A8, FormatX8B8G8R8, FormatA8B8G8R8, FormatR8G8B8X8:
		return true
	}
	return false
}

// Rect is a guest-coordinate rectangle.
type Rect struct {
	X      uint32
	Y      uint32
	Width  uint32
	Height uint32
}

// Transfer3D describes a transfer between guest backing memory and a host
// resource. For 2D resources only X/Y/Width/Height/Offset are meaningful.
type Transfer3D struct {
	X           uint32
	Y           uint32
	Z           uint32
	Width       uint32
	Height      uint32
	Depth       uint32
	Level       uint32
	Stride      uint32
	LayerStride uint32
	Offset      uint64
}

// Is2D reports whether the transfer addresses a single 2D layer.
func (t Transfer3D) Is2D() bool {
	return t.Depth <= 1 && t.Z == 0 && t.Level == 0
}

// Iovec is one guest-pinned memory region backing a resource.
type Iovec struct {
	Base []byte
}

// Iovecs is an ordered guest scatter-gather list.
type Iovecs []Iovec

// TotalLen returns the summed length of all regions.
func (iovs Iovecs) TotalLen() uint64 {
	var n uint64
	for _, iov := range iovs {
		n += uint64(len(iov.Base))
	}
	return n
}

// Blob memory types.
const (
	BlobMemGuest       uint32 = 1
	BlobMemHost3D      uint32 = 2
	BlobMemHost3DGuest uint32 = 3
)

// Blob flags.
const (
	BlobFlagMappable    uint32 = 1 << 0
	BlobFlagShareable   uint32 = 1 << 1
	BlobFlagCrossDevice uint32 = 1 << 2
)

// BlobCreate describes a blob resource allocation request.
type BlobCreate struct {
	BlobMem   uint32
	BlobFlags uint32
	BlobID    uint64
	Size      uint64
}

// MemoryRegion is a host CPU mapping of a mappable resource.
type MemoryRegion struct {
	Data     []byte
	CacheTyp uint32
}

// Mapping cache types.
const (
	MapCacheCached   uint32 = 1
	MapCacheUncached uint32 = 2
	MapCacheWC       uint32 = 3
)

// MaxScanouts is the number of display output slots a guest may address.
const MaxScanouts = 16

// ScanoutInfo binds a display slot to a resource for presentation.
type ScanoutInfo struct {
	ScanoutID  uint32
	ResourceID ResourceID
	Width      uint32
	Height     uint32
	Stride     uint32
	Format     Format
}
