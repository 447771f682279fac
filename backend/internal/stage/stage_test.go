package stage

import (
	stderrors "errors"
	"math"
	"testing"

	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/errors"
	"github.com/virtgfx/gpu-broker/resource"
)

func isKind(err error, kind errors.Kind) bool {
	return stderrors.Is(err, &errors.Error{Kind: kind})
}

func newTestResource(t *testing.T, w, h uint32, backing int) *resource.Resource {
	t.Helper()
	tbl := resource.NewTable()
	t.Cleanup(func() { tbl.Close() })

	r, err := tbl.Create(resource.Descriptor{
		Format: gpubroker.FormatB8G8R8A8,
		Width:  w,
		Height: h,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := tbl.AttachBacking(r.ID, gpubroker.Iovecs{{Base: make([]byte, backing)}}); err != nil {
		t.Fatalf("AttachBacking: %v", err)
	}
	return r
}

func TestCopyRectRejectsHostileOffsets(t *testing.T) {
	const w, h = 8, 4
	r := newTestResource(t, w, h, w*h*4)
	host := make([]byte, w*h*4)

	tests := []struct {
		name string
		xfer gpubroker.Transfer3D
	}{
		{"offset past backing", gpubroker.Transfer3D{
			Width: w, Height: h, Offset: w*h*4 + 1,
		}},
		// An offset near the top of the range would wrap the per-row
		// arithmetic back into bounds if added unchecked.
		{"offset wraps", gpubroker.Transfer3D{
			Width: w, Height: h, Offset: math.MaxUint64 - 16,
		}},
		{"last row wraps", gpubroker.Transfer3D{
			Width: w, Height: h, Offset: math.MaxUint64 - uint64(h-1)*w*4,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ToHost(host, r, tt.xfer)
			if !isKind(err, errors.KindInvalidArgument) {
				t.Fatalf("ToHost = %v, want invalid argument", err)
			}
		})
	}
}

func TestCopyRectRoundTrip(t *testing.T) {
	const w, h = 4, 4
	r := newTestResource(t, w, h, w*h*4)
	for i := range r.Backing[0].Base {
		r.Backing[0].Base[i] = byte(i)
	}

	host := make([]byte, w*h*4)
	if err := ToHost(host, r, gpubroker.Transfer3D{Width: w, Height: h}); err != nil {
		t.Fatalf("ToHost: %v", err)
	}
	for i, b := range host {
		if b != byte(i) {
			t.Fatalf("host[%d] = %d, want %d", i, b, byte(i))
		}
	}
}
