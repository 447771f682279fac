package resource

import (
	stderrors "errors"
	"os"
	"sync"
	"testing"

	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/errors"
)

func newTestDescriptor() Descriptor {
	return Descriptor{
		Format: gpubroker.FormatB8G8R8A8,
		Width:  64,
		Height: 32,
	}
}

func isKind(err error, kind errors.Kind) bool {
	return stderrors.Is(err, &errors.Error{Kind: kind})
}

func TestTable_CreateAndLookup(t *testing.T) {
	tbl := NewTable()
	defer tbl.Close()

	r, err := tbl.Create(newTestDescriptor())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.ID == 0 {
		t.Fatal("resource id 0 is invalid")
	}
	if r.Size != 64*32*4 {
		t.Errorf("Size = %d, want %d", r.Size, 64*32*4)
	}

	got, err := tbl.Lookup(r.ID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != r {
		t.Error("Lookup returned a different resource")
	}
}

func TestTable_DestroyThenLookupNotFound(t *testing.T) {
	tbl := NewTable()
	defer tbl.Close()

	r, err := tbl.Create(newTestDescriptor())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := tbl.Destroy(r.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	_, err = tbl.Lookup(r.ID)
	if !isKind(err, errors.KindNotFound) {
		t.Fatalf("Lookup after destroy = %v, want not_found", err)
	}
	var e *errors.Error
	if stderrors.As(err, &e) && e.Op != errors.OpLookup {
		t.Errorf("Lookup op = %q, want %q", e.Op, errors.OpLookup)
	}
}

func TestTable_IDsNeverReused(t *testing.T) {
	tbl := NewTable()
	defer tbl.Close()

	const n = 10
	var max gpubroker.ResourceID
	for i := 0; i < n; i++ {
		r, err := tbl.Create(newTestDescriptor())
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if r.ID > max {
			max = r.ID
		}
		if _, err := tbl.Destroy(r.ID); err != nil {
			t.Fatalf("Destroy: %v", err)
		}
	}

	r, err := tbl.Create(newTestDescriptor())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.ID <= max {
		t.Fatalf("id %d reused (previous max %d)", r.ID, max)
	}
}

func TestTable_InvalidDescriptor(t *testing.T) {
	tbl := NewTable()
	defer tbl.Close()

	if _, err := tbl.Create(Descriptor{Format: gpubroker.FormatB8G8R8A8}); !isKind(err, errors.KindInvalidArgument) {
		t.Errorf("zero extent: %v, want invalid_argument", err)
	}
	if _, err := tbl.Create(Descriptor{Format: 7, Width: 4, Height: 4}); !isKind(err, errors.KindInvalidArgument) {
		t.Errorf("bad format: %v, want invalid_argument", err)
	}
	if _, err := tbl.Create(Descriptor{Blob: &gpubroker.BlobCreate{}}); !isKind(err, errors.KindInvalidArgument) {
		t.Errorf("zero-size blob: %v, want invalid_argument", err)
	}
}

func TestTable_AttachContextExclusive(t *testing.T) {
	tbl := NewTable()
	defer tbl.Close()

	r, err := tbl.Create(newTestDescriptor())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := tbl.AttachContext(r.ID, 1); err != nil {
		t.Fatalf("AttachContext(1): %v", err)
	}
	// Re-attach by the same owner is fine.
	if err := tbl.AttachContext(r.ID, 1); err != nil {
		t.Fatalf("re-AttachContext(1): %v", err)
	}
	if err := tbl.AttachContext(r.ID, 2); !isKind(err, errors.KindInUse) {
		t.Fatalf("AttachContext(2) = %v, want in_use", err)
	}

	if err := tbl.DetachContext(r.ID, 1); err != nil {
		t.Fatalf("DetachContext(1): %v", err)
	}
	if err := tbl.AttachContext(r.ID, 2); err != nil {
		t.Fatalf("AttachContext(2) after detach: %v", err)
	}
}

func TestTable_DetachWrongContext(t *testing.T) {
	tbl := NewTable()
	defer tbl.Close()

	r, _ := tbl.Create(newTestDescriptor())
	if err := tbl.AttachContext(r.ID, 1); err != nil {
		t.Fatalf("AttachContext: %v", err)
	}
	if err := tbl.DetachContext(r.ID, 2); !isKind(err, errors.KindInvalidArgument) {
		t.Fatalf("DetachContext(2) = %v, want invalid_argument", err)
	}
}

func testHandleProvider(t *testing.T) func(*Resource) (*gpubroker.Handle, error) {
	t.Helper()
	return func(*Resource) (*gpubroker.Handle, error) {
		f, err := os.CreateTemp(t.TempDir(), "export")
		if err != nil {
			return nil, err
		}
		return &gpubroker.Handle{File: f, Type: gpubroker.HandleShm}, nil
	}
}

func TestTable_ExportIdempotent(t *testing.T) {
	tbl := NewTable()
	defer tbl.Close()

	r, _ := tbl.Create(newTestDescriptor())

	calls := 0
	provider := testHandleProvider(t)
	create := func(res *Resource) (*gpubroker.Handle, error) {
		calls++
		return provider(res)
	}

	h1, err := tbl.Export(r.ID, create)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	defer h1.Close()

	h2, err := tbl.Export(r.ID, create)
	if err != nil {
		t.Fatalf("second Export: %v", err)
	}
	defer h2.Close()

	if calls != 1 {
		t.Fatalf("canonical handle created %d times, want 1", calls)
	}
	if h1.Type != h2.Type {
		t.Error("clones differ in type")
	}
	if !r.Exported() {
		t.Error("resource should report an export handle")
	}
}

func TestTable_DestroyInUse(t *testing.T) {
	tbl := NewTable()
	defer tbl.Close()

	r, _ := tbl.Create(newTestDescriptor())

	if err := tbl.AddScanoutRef(r.ID); err != nil {
		t.Fatalf("AddScanoutRef: %v", err)
	}
	if _, err := tbl.Destroy(r.ID); !isKind(err, errors.KindInUse) {
		t.Fatalf("Destroy with scanout = %v, want in_use", err)
	}
	if err := tbl.ReleaseScanoutRef(r.ID); err != nil {
		t.Fatalf("ReleaseScanoutRef: %v", err)
	}

	if err := tbl.AddFenceRef(r.ID); err != nil {
		t.Fatalf("AddFenceRef: %v", err)
	}
	if _, err := tbl.Destroy(r.ID); !isKind(err, errors.KindInUse) {
		t.Fatalf("Destroy with fence ref = %v, want in_use", err)
	}
	if err := tbl.ReleaseFenceRef(r.ID); err != nil {
		t.Fatalf("ReleaseFenceRef: %v", err)
	}

	if _, err := tbl.Destroy(r.ID); err != nil {
		t.Fatalf("Destroy after clearing refs: %v", err)
	}
}

func TestTable_AttachedTo(t *testing.T) {
	tbl := NewTable()
	defer tbl.Close()

	var want []gpubroker.ResourceID
	for i := 0; i < 3; i++ {
		r, _ := tbl.Create(newTestDescriptor())
		if err := tbl.AttachContext(r.ID, 7); err != nil {
			t.Fatalf("AttachContext: %v", err)
		}
		want = append(want, r.ID)
	}
	other, _ := tbl.Create(newTestDescriptor())
	_ = other

	got := tbl.AttachedTo(7)
	if len(got) != len(want) {
		t.Fatalf("AttachedTo(7) = %v, want %d ids", got, len(want))
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) OnResourceEvent(e Event) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func TestTable_ObserverEvents(t *testing.T) {
	tbl := NewTable()
	defer tbl.Close()

	obs := &recordingObserver{}
	tbl.Subscribe(obs)

	r, _ := tbl.Create(newTestDescriptor())
	tbl.AttachContext(r.ID, 1)
	tbl.DetachContext(r.ID, 1)
	tbl.Destroy(r.ID)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	wantTypes := []EventType{EventCreated, EventAttached, EventDetached, EventDestroyed}
	if len(obs.events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(obs.events), len(wantTypes))
	}
	for i, et := range wantTypes {
		if obs.events[i].Type != et {
			t.Errorf("event[%d].Type = %d, want %d", i, obs.events[i].Type, et)
		}
	}

	tbl.Unsubscribe(obs)
	r2, _ := tbl.Create(newTestDescriptor())
	_ = r2
	if len(obs.events) != len(wantTypes) {
		t.Error("unsubscribed observer still notified")
	}
}

func TestTable_ConcurrentCreateDestroy(t *testing.T) {
	tbl := NewTable()
	defer tbl.Close()

	var wg sync.WaitGroup
	ids := make(chan gpubroker.ResourceID, 128)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 16; j++ {
				r, err := tbl.Create(newTestDescriptor())
				if err != nil {
					t.Error(err)
					return
				}
				ids <- r.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[gpubroker.ResourceID]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d handed out", id)
		}
		seen[id] = true
		if _, err := tbl.Destroy(id); err != nil {
			t.Fatalf("Destroy(%d): %v", id, err)
		}
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len() = %d after destroying everything", tbl.Len())
	}
}

func TestTable_CreateWithID(t *testing.T) {
	tbl := NewTable()
	defer tbl.Close()

	r, err := tbl.CreateWithID(40, newTestDescriptor())
	if err != nil {
		t.Fatalf("CreateWithID: %v", err)
	}
	if r.ID != 40 {
		t.Fatalf("ID = %d, want 40", r.ID)
	}

	// A live collision is an invariant breach.
	if _, err := tbl.CreateWithID(40, newTestDescriptor()); !isKind(err, errors.KindAlreadyExists) {
		t.Fatalf("collision = %v, want already exists", err)
	}
	if _, err := tbl.CreateWithID(0, newTestDescriptor()); !isKind(err, errors.KindInvalidArgument) {
		t.Fatalf("zero id = %v, want invalid argument", err)
	}

	// The allocator skips past explicit ids.
	auto, err := tbl.Create(newTestDescriptor())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if auto.ID <= 40 {
		t.Fatalf("allocated id %d overlaps explicit range", auto.ID)
	}
}
