package broker

import (
	"bytes"
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/backend"
	"github.com/virtgfx/gpu-broker/backend/crossdomain"
	"github.com/virtgfx/gpu-broker/backend/soft2d"
	"github.com/virtgfx/gpu-broker/backend/stub"
	"github.com/virtgfx/gpu-broker/capset"
	"github.com/virtgfx/gpu-broker/errors"
	"github.com/virtgfx/gpu-broker/fence"
	"github.com/virtgfx/gpu-broker/resource"
)

func isKind(err error, kind errors.Kind) bool {
	return stderrors.Is(err, &errors.Error{Kind: kind})
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(Config{
		Components: map[backend.Variant]backend.Builder{
			backend.VariantSoft2D:      soft2d.New,
			backend.VariantCrossDomain: crossdomain.New,
			backend.VariantStub:        stub.New,
		},
		CapsetMask: 1<<gpubroker.CapsetVirgl | 1<<gpubroker.CapsetCrossDomain,
		Capsets: []capset.Descriptor{
			{ID: gpubroker.CapsetVirgl, Version: 1, Data: []byte{1, 2, 3}},
			{ID: gpubroker.CapsetCrossDomain, Version: 1},
			{ID: gpubroker.CapsetVenus, Version: 1, Data: []byte{9}},
		},
		Default: backend.VariantSoft2D,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func create2D(t *testing.T, b *Broker, w, h uint32) gpubroker.ResourceID {
	t.Helper()
	id, err := b.CreateResource3D(resource.Descriptor{
		Format: gpubroker.FormatB8G8R8A8,
		Width:  w,
		Height: h,
	})
	if err != nil {
		t.Fatalf("CreateResource3D: %v", err)
	}
	return id
}

func TestCapsetSurface(t *testing.T) {
	b := newTestBroker(t)

	// Venus is registered but masked out.
	if n := b.CapsetCount(); n != 2 {
		t.Fatalf("CapsetCount = %d, want 2", n)
	}

	id, version, size, err := b.CapsetInfo(0)
	if err != nil {
		t.Fatalf("CapsetInfo: %v", err)
	}
	if id != gpubroker.CapsetVirgl || version != 1 || size != 3 {
		t.Fatalf("CapsetInfo(0) = (%d, %d, %d)", id, version, size)
	}

	data, err := b.Capset(gpubroker.CapsetVirgl, 1)
	if err != nil {
		t.Fatalf("Capset: %v", err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Fatalf("Capset data = %v", data)
	}

	// The cross-domain entry carries no data and defers to its component.
	data, err = b.Capset(gpubroker.CapsetCrossDomain, 1)
	if err != nil {
		t.Fatalf("Capset cross-domain: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("cross-domain capset blob is empty")
	}

	if _, err := b.Capset(gpubroker.CapsetVenus, 1); !isKind(err, errors.KindUnsupported) {
		t.Fatalf("masked capset = %v, want unsupported", err)
	}
	if _, _, _, err := b.CapsetInfo(2); !isKind(err, errors.KindInvalidArgument) {
		t.Fatalf("CapsetInfo(2) = %v, want invalid argument", err)
	}
}

func TestCreateContextUnsupportedCapset(t *testing.T) {
	b := newTestBroker(t)

	// Masked-out capset: no context id may be allocated.
	err := b.CreateContext(1, gpubroker.CapsetVenus, "masked")
	if !isKind(err, errors.KindUnsupported) {
		t.Fatalf("CreateContext = %v, want unsupported", err)
	}
	if got := b.Contexts(); len(got) != 0 {
		t.Fatalf("contexts = %v after failed create", got)
	}

	// The id stays usable afterwards.
	if err := b.CreateContext(1, gpubroker.CapsetVirgl, "ok"); err != nil {
		t.Fatalf("CreateContext retry: %v", err)
	}
}

func TestCreateContextDuplicate(t *testing.T) {
	b := newTestBroker(t)

	if err := b.CreateContext(3, gpubroker.CapsetVirgl, "a"); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	err := b.CreateContext(3, gpubroker.CapsetVirgl, "b")
	if !isKind(err, errors.KindAlreadyExists) {
		t.Fatalf("duplicate = %v, want already exists", err)
	}
}

func TestTransferRoundTrip(t *testing.T) {
	b := newTestBroker(t)

	id := create2D(t, b, 4, 4)
	backing := gpubroker.Iovecs{{Base: make([]byte, 4*4*4)}}
	for i := range backing[0].Base {
		backing[0].Base[i] = byte(i)
	}
	if err := b.AttachBacking(id, backing); err != nil {
		t.Fatalf("AttachBacking: %v", err)
	}

	full := gpubroker.Transfer3D{Width: 4, Height: 4}
	if err := b.TransferWrite(0, id, full); err != nil {
		t.Fatalf("TransferWrite: %v", err)
	}

	for i := range backing[0].Base {
		backing[0].Base[i] = 0
	}
	if err := b.TransferRead(0, id, full); err != nil {
		t.Fatalf("TransferRead: %v", err)
	}
	for i, got := range backing[0].Base {
		if got != byte(i) {
			t.Fatalf("byte %d = %d after read back", i, got)
		}
	}
}

func TestTransferStrideValidation(t *testing.T) {
	b := newTestBroker(t)

	id := create2D(t, b, 8, 2)
	if err := b.AttachBacking(id, gpubroker.Iovecs{{Base: make([]byte, 8*2*4)}}); err != nil {
		t.Fatalf("AttachBacking: %v", err)
	}

	err := b.TransferWrite(0, id, gpubroker.Transfer3D{Width: 8, Height: 2, Stride: 8})
	if !isKind(err, errors.KindInvalidArgument) {
		t.Fatalf("short stride = %v, want invalid argument", err)
	}
}

func TestSubmitWithFence(t *testing.T) {
	b := newTestBroker(t)

	if err := b.CreateContext(2, gpubroker.CapsetVirgl, "render"); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	seq, err := b.Submit(2, []byte{0xca, 0xfe}, true)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if seq == 0 {
		t.Fatal("Submit returned fence id 0")
	}
	if state := b.PollFence(seq); state != fence.StateSignaled {
		t.Fatalf("PollFence = %v, want signaled", state)
	}
	if err := b.WaitFence(context.Background(), seq); err != nil {
		t.Fatalf("WaitFence: %v", err)
	}

	if _, err := b.Submit(99, nil, false); !isKind(err, errors.KindNotFound) {
		t.Fatalf("unknown context = %v, want not found", err)
	}
}

func TestCreateFence(t *testing.T) {
	b := newTestBroker(t)

	seq, err := b.CreateFence(0)
	if err != nil {
		t.Fatalf("CreateFence: %v", err)
	}
	if state := b.PollFence(seq); state != fence.StateSignaled {
		t.Fatalf("PollFence = %v, want signaled", state)
	}

	seq2, err := b.CreateFence(0)
	if err != nil {
		t.Fatalf("CreateFence: %v", err)
	}
	if seq2 <= seq {
		t.Fatalf("fence ids not monotonic: %d then %d", seq, seq2)
	}

	if _, err := b.CreateFence(42); !isKind(err, errors.KindNotFound) {
		t.Fatalf("unknown context = %v, want not found", err)
	}
}

func TestExportIdempotent(t *testing.T) {
	b := newTestBroker(t)

	id := create2D(t, b, 2, 2)
	backing := gpubroker.Iovecs{{Base: bytes.Repeat([]byte{7}, 2*2*4)}}
	if err := b.AttachBacking(id, backing); err != nil {
		t.Fatalf("AttachBacking: %v", err)
	}
	if err := b.TransferWrite(0, id, gpubroker.Transfer3D{Width: 2, Height: 2}); err != nil {
		t.Fatalf("TransferWrite: %v", err)
	}

	h1, err := b.Export(id)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	defer h1.Close()
	h2, err := b.Export(id)
	if err != nil {
		t.Fatalf("Export again: %v", err)
	}
	defer h2.Close()

	if h1.Type != h2.Type {
		t.Fatalf("handle types differ: %v vs %v", h1.Type, h2.Type)
	}
	got := make([]byte, 2*2*4)
	if _, err := h2.File.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, backing[0].Base) {
		t.Fatalf("exported bytes = %v", got)
	}
}

func TestScanoutLifecycle(t *testing.T) {
	b := newTestBroker(t)

	id := create2D(t, b, 4, 4)
	info := gpubroker.ScanoutInfo{
		ResourceID: id,
		Width:      4,
		Height:     4,
		Stride:     16,
		Format:     gpubroker.FormatB8G8R8A8,
	}

	if err := b.SetScanout(0, info); err != nil {
		t.Fatalf("SetScanout: %v", err)
	}
	if got, ok := b.Scanout(0); !ok || got.ResourceID != id {
		t.Fatalf("Scanout(0) = %+v, %v", got, ok)
	}

	// Scanned-out resources refuse destruction.
	if err := b.DestroyResource(id); !isKind(err, errors.KindInUse) {
		t.Fatalf("DestroyResource = %v, want in use", err)
	}
	if err := b.ClearScanout(0); err != nil {
		t.Fatalf("ClearScanout: %v", err)
	}
	if err := b.DestroyResource(id); err != nil {
		t.Fatalf("DestroyResource after clear: %v", err)
	}

	short := info
	short.ResourceID = create2D(t, b, 4, 4)
	short.Stride = 8
	if err := b.SetScanout(1, short); !isKind(err, errors.KindInvalidArgument) {
		t.Fatalf("short stride = %v, want invalid argument", err)
	}
	if err := b.SetScanout(gpubroker.MaxScanouts, info); !isKind(err, errors.KindInvalidArgument) {
		t.Fatalf("index overflow = %v, want invalid argument", err)
	}
}

func TestScanoutRebindReleasesOldRef(t *testing.T) {
	b := newTestBroker(t)

	first := create2D(t, b, 4, 4)
	second := create2D(t, b, 4, 4)

	if err := b.SetScanout(0, gpubroker.ScanoutInfo{ResourceID: first}); err != nil {
		t.Fatalf("SetScanout: %v", err)
	}
	if err := b.SetScanout(0, gpubroker.ScanoutInfo{ResourceID: second}); err != nil {
		t.Fatalf("rebind: %v", err)
	}

	// Rebinding dropped the first resource's reference.
	if err := b.DestroyResource(first); err != nil {
		t.Fatalf("DestroyResource(first): %v", err)
	}
	if err := b.DestroyResource(second); !isKind(err, errors.KindInUse) {
		t.Fatalf("DestroyResource(second) = %v, want in use", err)
	}
}

func TestBlobMapUnmap(t *testing.T) {
	b := newTestBroker(t)

	if err := b.CreateContext(5, gpubroker.CapsetCrossDomain, "wl"); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	id, err := b.CreateBlob(5, gpubroker.BlobCreate{
		BlobMem:   gpubroker.BlobMemHost3D,
		BlobFlags: gpubroker.BlobFlagMappable,
		Size:      4096,
	}, nil)
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}

	region, err := b.Map(id)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(region.Data) != 4096 {
		t.Fatalf("mapped %d bytes, want 4096", len(region.Data))
	}
	if err := b.Unmap(id); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if err := b.Unmap(id); !isKind(err, errors.KindInvalidArgument) {
		t.Fatalf("double unmap = %v, want invalid argument", err)
	}

	// Non-mappable resources are rejected up front.
	plain := create2D(t, b, 2, 2)
	if _, err := b.Map(plain); !isKind(err, errors.KindInvalidArgument) {
		t.Fatalf("Map 2d = %v, want invalid argument", err)
	}
}

func TestDestroyContextDetachesResources(t *testing.T) {
	b := newTestBroker(t)

	if err := b.CreateContext(1, gpubroker.CapsetVirgl, "a"); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if err := b.CreateContext(2, gpubroker.CapsetVirgl, "b"); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	id := create2D(t, b, 2, 2)
	if err := b.AttachResource(1, id); err != nil {
		t.Fatalf("AttachResource: %v", err)
	}
	// Attached elsewhere: exclusive ownership refuses the second context.
	if err := b.AttachResource(2, id); !isKind(err, errors.KindInUse) {
		t.Fatalf("AttachResource(2) = %v, want in use", err)
	}

	if err := b.DestroyContext(1); err != nil {
		t.Fatalf("DestroyContext: %v", err)
	}
	// The resource survives its context and is attachable again.
	if err := b.AttachResource(2, id); err != nil {
		t.Fatalf("AttachResource after destroy: %v", err)
	}
}

func TestWaitFenceHonorsCancellation(t *testing.T) {
	b := newTestBroker(t)

	// Register a fence directly so nothing ever signals it.
	seq := b.Fences().NextSeq()
	if _, err := b.Fences().Register(0, seq); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.WaitFence(ctx, seq); !stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitFence = %v, want deadline exceeded", err)
	}

	if err := b.WaitFence(context.Background(), gpubroker.FenceID(1<<40)); !isKind(err, errors.KindInvalidArgument) {
		t.Fatalf("unknown fence = %v, want invalid argument", err)
	}
}

func TestExportFenceUnsupported(t *testing.T) {
	b := newTestBroker(t)

	seq, err := b.CreateFence(0)
	if err != nil {
		t.Fatalf("CreateFence: %v", err)
	}
	if _, err := b.ExportFence(seq); !isKind(err, errors.KindUnsupported) {
		t.Fatalf("ExportFence = %v, want unsupported", err)
	}
	if _, err := b.ExportFence(gpubroker.FenceID(1 << 40)); !isKind(err, errors.KindInvalidArgument) {
		t.Fatalf("unknown fence = %v, want invalid argument", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	b := newTestBroker(t)

	if err := b.CreateContext(1, gpubroker.CapsetVirgl, "a"); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// latchComponent accepts fenced submissions but signals nothing until the
// test releases the context's held fences.
type latchComponent struct {
	backend.Base
	fences *fence.Handler

	mu   sync.Mutex
	ctxs map[gpubroker.ContextID]*latchContext
}

func (c *latchComponent) Variant() backend.Variant { return backend.VariantStub }

func (c *latchComponent) CreateResource(*resource.Resource) error { return nil }

func (c *latchComponent) CreateContext(id gpubroker.ContextID, _ gpubroker.CapsetID, _ string) (backend.Context, error) {
	ctx := &latchContext{id: id, comp: c}
	c.mu.Lock()
	if c.ctxs == nil {
		c.ctxs = make(map[gpubroker.ContextID]*latchContext)
	}
	c.ctxs[id] = ctx
	c.mu.Unlock()
	return ctx, nil
}

func (c *latchComponent) Close() error { return nil }

type latchContext struct {
	id   gpubroker.ContextID
	comp *latchComponent

	mu   sync.Mutex
	held []gpubroker.FenceID
}

func (c *latchContext) ID() gpubroker.ContextID { return c.id }
func (c *latchContext) Variant() backend.Variant { return backend.VariantStub }
func (c *latchContext) Attach(*resource.Resource) {}
func (c *latchContext) Detach(*resource.Resource) {}
func (c *latchContext) Close() error { return nil }

func (c *latchContext) Submit(_ []byte, fenceIDs []gpubroker.FenceID) error {
	c.mu.Lock()
	c.held = append(c.held, fenceIDs...)
	c.mu.Unlock()
	return nil
}

func (c *latchContext) CreateFence(seq gpubroker.FenceID) error {
	c.mu.Lock()
	c.held = append(c.held, seq)
	c.mu.Unlock()
	return nil
}

func (c *latchContext) release() {
	c.mu.Lock()
	held := c.held
	c.held = nil
	c.mu.Unlock()
	for _, seq := range held {
		c.comp.fences.Signal(c.id, seq)
	}
}

func TestDestroyBlockedByPendingFence(t *testing.T) {
	var latch *latchComponent
	b, err := New(Config{
		Components: map[backend.Variant]backend.Builder{
			backend.VariantStub: func(f *fence.Handler) (backend.Component, error) {
				latch = &latchComponent{fences: f}
				return latch, nil
			},
		},
		CapsetMask: 1 << gpubroker.CapsetVirgl,
		Capsets:    []capset.Descriptor{{ID: gpubroker.CapsetVirgl, Version: 1, Data: []byte{1}}},
		Default:    backend.VariantStub,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	const ctx = 1
	if err := b.CreateContext(ctx, gpubroker.CapsetVirgl, "latched"); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	id := create2D(t, b, 4, 4)
	if err := b.AttachResource(ctx, id); err != nil {
		t.Fatalf("AttachResource: %v", err)
	}

	seq, err := b.Submit(ctx, nil, true)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if b.PollFence(seq) != fence.StatePending {
		t.Fatalf("fence %d not pending", seq)
	}

	// The unresolved fence pins the attached resource.
	if err := b.DestroyResource(id); !isKind(err, errors.KindInUse) {
		t.Fatalf("DestroyResource with pending fence = %v, want in use", err)
	}

	latch.ctxs[ctx].release()
	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.WaitFence(wctx, seq); err != nil {
		t.Fatalf("WaitFence: %v", err)
	}

	// The pin lifts once the completion sink has run; that delivery is
	// asynchronous, so retry briefly.
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := b.DestroyResource(id)
		if err == nil {
			break
		}
		if !isKind(err, errors.KindInUse) {
			t.Fatalf("DestroyResource after signal = %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("resource still pinned after fence signaled")
		}
		time.Sleep(time.Millisecond)
	}
}
