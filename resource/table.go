package resource

import (
	"sync"

	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/errors"
)

// Table owns the mapping from resource id to resource metadata. It is the
// single source of truth for resource lifecycle and is safe for concurrent
// use from the protocol path and backend callback goroutines.
//
// Ids are allocated monotonically starting at 1 and never recycled for the
// process lifetime, so a stale id reports NotFound instead of silently
// aliasing a newer resource.
type Table struct {
	mu        sync.RWMutex
	entries   map[gpubroker.ResourceID]*Resource
	nextID    gpubroker.ResourceID
	closed    bool
	observers []Observer
	obsMu     sync.RWMutex
}

// NewTable creates an empty resource table.
func NewTable() *Table {
	return &Table{
		entries: make(map[gpubroker.ResourceID]*Resource),
		nextID:  1,
	}
}

// Create allocates an id and records the resource.
func (t *Table) Create(d Descriptor) (*Resource, error) {
	if d.Blob == nil && (d.Width == 0 || d.Height == 0) {
		return nil, errors.InvalidArgument(errors.OpCreateResource,
			"zero extent %dx%d", d.Width, d.Height)
	}
	if d.Blob == nil && !d.Format.Valid() {
		return nil, errors.InvalidArgument(errors.OpCreateResource,
			"unknown format %d", d.Format)
	}
	if d.Blob != nil && d.Blob.Size == 0 {
		return nil, errors.InvalidArgument(errors.OpCreateBlob, "zero-size blob")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.Invariant(errors.OpCreateResource, "table closed")
	}

	id := t.nextID
	if _, collision := t.entries[id]; collision {
		t.mu.Unlock()
		return nil, errors.Duplicate(errors.OpCreateResource, uint32(id))
	}
	t.nextID++

	r := &Resource{
		ID:     id,
		Format: d.Format,
		Target: d.Target,
		Width:  d.Width,
		Height: d.Height,
		Depth:  d.Depth,
		Size:   d.Size(),
		Flags:  d.Flags,
		Owner:  d.Owner,
	}
	if d.Blob != nil {
		r.BlobMem = d.Blob.BlobMem
		r.BlobFlags = d.Blob.BlobFlags
	}
	t.entries[id] = r
	t.mu.Unlock()

	t.notify(Event{Type: EventCreated, Resource: id, Context: d.Owner})
	return r, nil
}

// CreateWithID records a resource under a caller-chosen id. Ids chosen this
// way still advance the allocator so Create never collides with them. A
// collision with a live entry is an invariant breach, not a guest error.
func (t *Table) CreateWithID(id gpubroker.ResourceID, d Descriptor) (*Resource, error) {
	if id == 0 {
		return nil, errors.InvalidArgument(errors.OpCreateResource, "resource id 0")
	}
	if d.Blob == nil && (d.Width == 0 || d.Height == 0) {
		return nil, errors.InvalidArgument(errors.OpCreateResource,
			"zero extent %dx%d", d.Width, d.Height)
	}
	if d.Blob == nil && !d.Format.Valid() {
		return nil, errors.InvalidArgument(errors.OpCreateResource,
			"unknown format %d", d.Format)
	}
	if d.Blob != nil && d.Blob.Size == 0 {
		return nil, errors.InvalidArgument(errors.OpCreateBlob, "zero-size blob")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.Invariant(errors.OpCreateResource, "table closed")
	}
	if _, collision := t.entries[id]; collision {
		t.mu.Unlock()
		return nil, errors.Duplicate(errors.OpCreateResource, uint32(id))
	}
	if id >= t.nextID {
		t.nextID = id + 1
	}

	r := &Resource{
		ID:     id,
		Format: d.Format,
		Target: d.Target,
		Width:  d.Width,
		Height: d.Height,
		Depth:  d.Depth,
		Size:   d.Size(),
		Flags:  d.Flags,
		Owner:  d.Owner,
	}
	if d.Blob != nil {
		r.BlobMem = d.Blob.BlobMem
		r.BlobFlags = d.Blob.BlobFlags
	}
	t.entries[id] = r
	t.mu.Unlock()

	t.notify(Event{Type: EventCreated, Resource: id, Context: d.Owner})
	return r, nil
}

// Lookup finds a live resource by id.
func (t *Table) Lookup(id gpubroker.ResourceID) (*Resource, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.entries[id]
	if !ok {
		return nil, errors.ResourceNotFound(errors.OpLookup, uint32(id))
	}
	return r, nil
}

// AttachBacking pins a guest scatter-gather list to the resource.
func (t *Table) AttachBacking(id gpubroker.ResourceID, iovs gpubroker.Iovecs) error {
	if len(iovs) == 0 {
		return errors.InvalidArgument(errors.OpAttachBacking, "empty iovec list")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[id]
	if !ok {
		return errors.ResourceNotFound(errors.OpAttachBacking, uint32(id))
	}
	r.Backing = iovs
	return nil
}

// DetachBacking releases the guest backing list.
func (t *Table) DetachBacking(id gpubroker.ResourceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[id]
	if !ok {
		return errors.ResourceNotFound(errors.OpDetachBacking, uint32(id))
	}
	r.Backing = nil
	return nil
}

// AttachContext gives a context exclusive ownership of the resource.
// Attaching while a different live context owns it fails with InUse;
// the current owner must detach first.
func (t *Table) AttachContext(id gpubroker.ResourceID, ctx gpubroker.ContextID) error {
	if ctx == 0 {
		return errors.InvalidArgument(errors.OpAttachResource, "context id 0")
	}

	t.mu.Lock()
	r, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return errors.ResourceNotFound(errors.OpAttachResource, uint32(id))
	}
	if r.Owner != 0 && r.Owner != ctx {
		owner := r.Owner
		t.mu.Unlock()
		return errors.New(errors.OpAttachResource, errors.KindInUse).
			Resource(uint32(id)).
			Context(uint32(owner)).
			Detail("owned by context %d", owner).
			Build()
	}
	r.Owner = ctx
	t.mu.Unlock()

	t.notify(Event{Type: EventAttached, Resource: id, Context: ctx})
	return nil
}

// DetachContext releases a context's ownership. Detaching a resource the
// context does not own is an invalid argument.
func (t *Table) DetachContext(id gpubroker.ResourceID, ctx gpubroker.ContextID) error {
	t.mu.Lock()
	r, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return errors.ResourceNotFound(errors.OpDetachResource, uint32(id))
	}
	if r.Owner != ctx {
		t.mu.Unlock()
		return errors.InvalidArgument(errors.OpDetachResource,
			"resource %d not attached to context %d", id, ctx)
	}
	r.Owner = 0
	t.mu.Unlock()

	t.notify(Event{Type: EventDetached, Resource: id, Context: ctx})
	return nil
}

// Export returns a duplicate of the resource's canonical export handle,
// creating the canonical handle with create on first export. Export is
// idempotent: later calls duplicate the same stored handle, never allocate
// a second one.
func (t *Table) Export(id gpubroker.ResourceID, create func(*Resource) (*gpubroker.Handle, error)) (*gpubroker.Handle, error) {
	t.mu.Lock()
	r, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return nil, errors.ResourceNotFound(errors.OpExport, uint32(id))
	}

	if r.exportHandle == nil {
		h, err := create(r)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		r.exportHandle = h
	}
	canonical := r.exportHandle
	t.mu.Unlock()

	dup, err := canonical.Clone()
	if err != nil {
		return nil, errors.Backend(errors.OpExport, err)
	}

	t.notify(Event{Type: EventExported, Resource: id})
	return dup, nil
}

// ExportHandleType returns the canonical handle's type, if one exists.
func (t *Table) ExportHandleType(id gpubroker.ResourceID) (gpubroker.HandleType, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.entries[id]
	if !ok || r.exportHandle == nil {
		return 0, false
	}
	return r.exportHandle.Type, true
}

// AddScanoutRef records a scanout binding that blocks destroy.
func (t *Table) AddScanoutRef(id gpubroker.ResourceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[id]
	if !ok {
		return errors.ResourceNotFound(errors.OpScanout, uint32(id))
	}
	r.scanoutRefs++
	return nil
}

// ReleaseScanoutRef drops a scanout binding.
func (t *Table) ReleaseScanoutRef(id gpubroker.ResourceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[id]
	if !ok {
		return errors.ResourceNotFound(errors.OpScanout, uint32(id))
	}
	if r.scanoutRefs == 0 {
		return errors.Invariant(errors.OpScanout,
			"scanout ref underflow for resource %d", id)
	}
	r.scanoutRefs--
	return nil
}

// AddFenceRef records a pending completion that will write the resource.
func (t *Table) AddFenceRef(id gpubroker.ResourceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[id]
	if !ok {
		return errors.ResourceNotFound(errors.OpFence, uint32(id))
	}
	r.fenceRefs++
	return nil
}

// ReleaseFenceRef drops a pending completion reference. Safe to call from
// backend completion goroutines.
func (t *Table) ReleaseFenceRef(id gpubroker.ResourceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[id]
	if !ok {
		return errors.ResourceNotFound(errors.OpFence, uint32(id))
	}
	if r.fenceRefs == 0 {
		return errors.Invariant(errors.OpFence,
			"fence ref underflow for resource %d", id)
	}
	r.fenceRefs--
	return nil
}

// Destroy removes the resource and closes its export handle. It fails with
// InUse while a scanout binding or pending fence still references the id;
// callers must clear those first. The removed resource is returned so the
// owning backend can release its own state.
func (t *Table) Destroy(id gpubroker.ResourceID) (*Resource, error) {
	t.mu.Lock()
	r, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return nil, errors.ResourceNotFound(errors.OpDestroy, uint32(id))
	}
	if r.scanoutRefs > 0 {
		t.mu.Unlock()
		return nil, errors.InUse(errors.OpDestroy, uint32(id), "scanout still bound")
	}
	if r.fenceRefs > 0 {
		t.mu.Unlock()
		return nil, errors.InUse(errors.OpDestroy, uint32(id), "pending fence references")
	}

	delete(t.entries, id)
	handle := r.exportHandle
	r.exportHandle = nil
	r.Backing = nil
	owner := r.Owner
	t.mu.Unlock()

	if handle != nil {
		handle.Close()
	}

	t.notify(Event{Type: EventDestroyed, Resource: id, Context: owner})
	return r, nil
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer.
func (t *Table) Unsubscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Len returns the number of live resources.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Each iterates over live resources in unspecified order.
func (t *Table) Each(fn func(*Resource) bool) {
	t.mu.RLock()
	ids := make([]*Resource, 0, len(t.entries))
	for _, r := range t.entries {
		ids = append(ids, r)
	}
	t.mu.RUnlock()

	for _, r := range ids {
		if !fn(r) {
			return
		}
	}
}

// AttachedTo returns the ids of all resources owned by the context.
func (t *Table) AttachedTo(ctx gpubroker.ContextID) []gpubroker.ResourceID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []gpubroker.ResourceID
	for id, r := range t.entries {
		if r.Owner == ctx {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close releases all resources and their export handles.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	handles := make([]*gpubroker.Handle, 0)
	for id, r := range t.entries {
		if r.exportHandle != nil {
			handles = append(handles, r.exportHandle)
			r.exportHandle = nil
		}
		delete(t.entries, id)
	}
	t.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	return nil
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnResourceEvent(e)
	}
}
