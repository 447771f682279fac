package gpubroker

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// HandleType tags the platform flavor of an export handle.
type HandleType uint32

const (
	HandleOpaqueFD HandleType = 0x1
	HandleDmaBuf   HandleType = 0x2
	HandleShm      HandleType = 0x4
	HandleFenceFD  HandleType = 0x10
)

func (t HandleType) String() string {
	switch t {
	case HandleOpaqueFD:
		return "opaque-fd"
	case HandleDmaBuf:
		return "dma-buf"
	case HandleShm:
		return "shm"
	case HandleFenceFD:
		return "fence-fd"
	}
	return fmt.Sprintf("handle(%d)", uint32(t))
}

// Handle is a platform export handle for sharing a resource or fence across
// process boundaries. The broker's resource table owns the canonical handle;
// clones handed to other processes are weak references that do not extend
// the resource's lifetime.
type Handle struct {
	File *os.File
	Type HandleType
}

// Clone duplicates the underlying descriptor. The clone has independent
// lifetime and must be closed by its receiver.
func (h *Handle) Clone() (*Handle, error) {
	if h == nil || h.File == nil {
		return nil, fmt.Errorf("clone: nil handle")
	}
	fd, err := unix.Dup(int(h.File.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup handle fd: %w", err)
	}
	return &Handle{
		File: os.NewFile(uintptr(fd), h.File.Name()),
		Type: h.Type,
	}, nil
}

// Close releases the descriptor. Safe on a nil handle.
func (h *Handle) Close() error {
	if h == nil || h.File == nil {
		return nil
	}
	return h.File.Close()
}
