package stub

import (
	stderrors "errors"
	"testing"

	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/errors"
	"github.com/virtgfx/gpu-broker/fence"
)

func TestStubAcceptsEverything(t *testing.T) {
	h := fence.NewHandler(fence.Options{})
	defer h.Close()

	c, err := New(h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ctx, err := c.CreateContext(1, gpubroker.CapsetVirgl, "stub")
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	defer ctx.Close()

	seq := h.NextSeq()
	if _, err := h.Register(1, seq); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := ctx.Submit([]byte{1, 2, 3}, []gpubroker.FenceID{seq}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.Poll(seq) != fence.StateSignaled {
		t.Fatal("stub submit fence must be trivially successful")
	}
}

func TestStubUnsupportedCapabilities(t *testing.T) {
	h := fence.NewHandler(fence.Options{})
	defer h.Close()

	c, err := New(h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if version, size := c.CapsetInfo(gpubroker.CapsetVirgl); version != 0 || size != 0 {
		t.Error("stub advertises no capsets")
	}
	if _, err := c.Map(nil); !stderrors.Is(err, &errors.Error{Kind: errors.KindUnsupported}) {
		t.Errorf("Map = %v, want unsupported", err)
	}
	if err := c.TransferWrite(nil, gpubroker.Transfer3D{}); !stderrors.Is(err, &errors.Error{Kind: errors.KindUnsupported}) {
		t.Errorf("TransferWrite = %v, want unsupported", err)
	}
}
