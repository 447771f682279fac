// Package broker assembles the capset registry, resource table, fence
// handler and backend components into the single guest-facing facade.
//
// All broker methods are synchronous: one call in, one result out. Backends
// may complete work and signal fences from their own goroutines; the broker
// never blocks a caller on backend completion except through the explicit
// fence wait operations.
package broker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/backend"
	"github.com/virtgfx/gpu-broker/capset"
	"github.com/virtgfx/gpu-broker/errors"
	"github.com/virtgfx/gpu-broker/fence"
	"github.com/virtgfx/gpu-broker/resource"
)

// Config assembles a broker. It is read once by New and never mutated
// afterwards.
type Config struct {
	// Components maps each variant to its builder. At least one entry is
	// required.
	Components map[backend.Variant]backend.Builder

	// CapsetMask filters which registered capsets are guest-visible. Bit n
	// set makes capset id n visible.
	CapsetMask uint64

	// Capsets is the registration-ordered capset list. A descriptor with
	// empty Data defers the blob to the owning component.
	Capsets []capset.Descriptor

	// Default is the variant used for context-less operations and for
	// capsets with no dedicated variant.
	Default backend.Variant

	// Logger, when set, replaces the package logger.
	Logger *zap.Logger

	// FenceSink receives completion notifications. Optional.
	FenceSink fence.Sink
}

type liveContext struct {
	ctx    backend.Context
	capset gpubroker.CapsetID
	name   string
}

type scanoutSlot struct {
	active bool
	info   gpubroker.ScanoutInfo
}

// Broker is the guest-facing command and resource facade.
type Broker struct {
	mu         sync.Mutex
	components map[backend.Variant]backend.Component
	contexts   map[gpubroker.ContextID]*liveContext
	scanouts   [gpubroker.MaxScanouts]scanoutSlot
	mapped     map[gpubroker.ResourceID]backend.Component
	fenceRefs  map[gpubroker.FenceID][]gpubroker.ResourceID
	closed     bool

	table    *resource.Table
	fences   *fence.Handler
	registry *capset.Registry
	defaultV backend.Variant
	log      *zap.Logger
}

// New builds a broker from the config. Components are constructed eagerly;
// a failing builder tears down the ones already built.
func New(cfg Config) (*Broker, error) {
	if cfg.Logger != nil {
		SetLogger(cfg.Logger)
	}
	log := Logger()

	if len(cfg.Components) == 0 {
		return nil, errors.InvalidArgument(errors.OpContext, "no components configured")
	}

	registry, err := capset.New(cfg.CapsetMask, cfg.Capsets...)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		contexts:  make(map[gpubroker.ContextID]*liveContext),
		mapped:    make(map[gpubroker.ResourceID]backend.Component),
		fenceRefs: make(map[gpubroker.FenceID][]gpubroker.ResourceID),
		table:     resource.NewTable(),
		registry:  registry,
		log:       log,
	}

	// All completions pass through the broker first so resources pinned by
	// a fenced submission are released before the caller's sink runs.
	fences := fence.NewHandler(fence.Options{
		Sink: completionSink{broker: b, next: cfg.FenceSink},
		OnError: func(err error) {
			log.Error("fence invariant violated", zap.Error(err))
		},
	})
	b.fences = fences

	components := make(map[backend.Variant]backend.Component, len(cfg.Components))
	for variant, build := range cfg.Components {
		comp, err := build(fences)
		if err != nil {
			for _, built := range components {
				built.Close()
			}
			fences.Close()
			b.table.Close()
			return nil, errors.Backend(errors.OpContext, err)
		}
		components[variant] = comp
	}

	defaultV := cfg.Default
	if defaultV == backend.VariantUnknown {
		for _, v := range []backend.Variant{backend.VariantGfx, backend.VariantSoft2D, backend.VariantStub, backend.VariantCrossDomain} {
			if _, ok := components[v]; ok {
				defaultV = v
				break
			}
		}
	}
	if _, ok := components[defaultV]; !ok {
		for _, built := range components {
			built.Close()
		}
		fences.Close()
		b.table.Close()
		return nil, errors.InvalidArgument(errors.OpContext,
			"default variant %s has no component", defaultV)
	}

	b.components = components
	b.defaultV = defaultV
	b.table.Subscribe(resourceLogger{log})
	return b, nil
}

// completionSink releases the resources a fenced submission pinned, then
// forwards the notification.
type completionSink struct {
	broker *Broker
	next   fence.Sink
}

func (s completionSink) FenceSignaled(ctx gpubroker.ContextID, seq gpubroker.FenceID) {
	s.broker.releaseFenceRefs(seq)
	if s.next != nil {
		s.next.FenceSignaled(ctx, seq)
	}
}

func (b *Broker) releaseFenceRefs(seq gpubroker.FenceID) {
	b.mu.Lock()
	refs := b.fenceRefs[seq]
	delete(b.fenceRefs, seq)
	b.mu.Unlock()

	for _, id := range refs {
		if err := b.table.ReleaseFenceRef(id); err != nil {
			b.log.Debug("fence ref release",
				zap.Uint32("resource", uint32(id)), zap.Error(err))
		}
	}
}

// resourceLogger mirrors table lifecycle events into the debug log.
type resourceLogger struct {
	log *zap.Logger
}

func (l resourceLogger) OnResourceEvent(e resource.Event) {
	l.log.Debug("resource event",
		zap.Stringer("type", e.Type),
		zap.Uint32("resource", uint32(e.Resource)),
		zap.Uint32("ctx", uint32(e.Context)))
}

// variantFor maps a capset id to the backend variant that serves it.
func (b *Broker) variantFor(id gpubroker.CapsetID) backend.Variant {
	switch id {
	case gpubroker.CapsetVirgl, gpubroker.CapsetVirgl2:
		if _, ok := b.components[backend.VariantGfx]; ok {
			return backend.VariantGfx
		}
	case gpubroker.CapsetCrossDomain:
		if _, ok := b.components[backend.VariantCrossDomain]; ok {
			return backend.VariantCrossDomain
		}
	}
	return b.defaultV
}

// componentFor routes an operation: context 0 goes to the default variant,
// anything else to the component owning the context.
func (b *Broker) componentFor(ctx gpubroker.ContextID) (backend.Component, error) {
	if ctx == 0 {
		return b.components[b.defaultV], nil
	}
	lc, ok := b.contexts[ctx]
	if !ok {
		return nil, errors.ContextNotFound(errors.OpContext, uint32(ctx))
	}
	return b.components[lc.ctx.Variant()], nil
}

// CreateContext builds a context bound to the backend variant serving the
// capset. The capset must be registry-visible; on any failure no context id
// is recorded.
func (b *Broker) CreateContext(id gpubroker.ContextID, capsetID gpubroker.CapsetID, name string) error {
	if id == 0 {
		return errors.InvalidArgument(errors.OpContext, "context id 0 is reserved")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.Invariant(errors.OpContext, "broker closed")
	}

	if _, visible := b.registry.Lookup(capsetID); !visible {
		return errors.New(errors.OpContext, errors.KindUnsupported).
			Context(uint32(id)).
			Detail("capset %d not registered or masked out", capsetID).
			Build()
	}
	if _, dup := b.contexts[id]; dup {
		return errors.Duplicate(errors.OpContext, uint32(id))
	}

	variant := b.variantFor(capsetID)
	comp := b.components[variant]
	ctx, err := comp.CreateContext(id, capsetID, name)
	if err != nil {
		return err
	}

	b.contexts[id] = &liveContext{ctx: ctx, capset: capsetID, name: name}
	b.log.Debug("context created",
		zap.Uint32("ctx", uint32(id)),
		zap.Stringer("variant", variant),
		zap.String("name", name))
	return nil
}

// DestroyContext detaches the context's resources (without destroying
// them) and closes the backend context.
func (b *Broker) DestroyContext(id gpubroker.ContextID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	lc, ok := b.contexts[id]
	if !ok {
		return errors.ContextNotFound(errors.OpDestroy, uint32(id))
	}

	for _, resID := range b.table.AttachedTo(id) {
		if res, err := b.table.Lookup(resID); err == nil {
			lc.ctx.Detach(res)
		}
		if err := b.table.DetachContext(resID, id); err != nil {
			b.log.Warn("detach during context destroy",
				zap.Uint32("ctx", uint32(id)),
				zap.Uint32("resource", uint32(resID)),
				zap.Error(err))
		}
	}

	err := lc.ctx.Close()
	delete(b.contexts, id)
	b.log.Debug("context destroyed", zap.Uint32("ctx", uint32(id)))
	return err
}

// CreateResource3D records a resource in the table, allocates backend
// storage for it in the default component and returns the new id.
func (b *Broker) CreateResource3D(d resource.Descriptor) (gpubroker.ResourceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.table.Create(d)
	if err != nil {
		return 0, err
	}

	comp := b.components[b.defaultV]
	if err := comp.CreateResource(res); err != nil {
		b.table.Destroy(res.ID)
		return 0, err
	}
	return res.ID, nil
}

// CreateBlob records a blob resource and allocates its storage in the
// component owning ctx (the default component when ctx is 0).
func (b *Broker) CreateBlob(ctx gpubroker.ContextID, blob gpubroker.BlobCreate, imported *gpubroker.Handle) (gpubroker.ResourceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	comp, err := b.componentFor(ctx)
	if err != nil {
		return 0, err
	}

	res, err := b.table.Create(resource.Descriptor{Blob: &blob, Owner: ctx})
	if err != nil {
		return 0, err
	}
	if err := comp.CreateBlob(ctx, res, blob, imported); err != nil {
		b.table.Destroy(res.ID)
		return 0, err
	}
	return res.ID, nil
}

// AttachBacking pins guest memory regions to the resource.
func (b *Broker) AttachBacking(id gpubroker.ResourceID, iovs gpubroker.Iovecs) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.table.AttachBacking(id, iovs)
}

// DetachBacking releases the resource's guest memory regions.
func (b *Broker) DetachBacking(id gpubroker.ResourceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.table.DetachBacking(id)
}

// AttachResource gives the context exclusive use of the resource.
func (b *Broker) AttachResource(ctx gpubroker.ContextID, id gpubroker.ResourceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	lc, ok := b.contexts[ctx]
	if !ok {
		return errors.ContextNotFound(errors.OpAttachResource, uint32(ctx))
	}
	if err := b.table.AttachContext(id, ctx); err != nil {
		return err
	}
	res, err := b.table.Lookup(id)
	if err != nil {
		return err
	}
	lc.ctx.Attach(res)
	return nil
}

// DetachResource removes the resource from the context.
func (b *Broker) DetachResource(ctx gpubroker.ContextID, id gpubroker.ResourceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	lc, ok := b.contexts[ctx]
	if !ok {
		return errors.ContextNotFound(errors.OpDetachResource, uint32(ctx))
	}
	res, err := b.table.Lookup(id)
	if err != nil {
		return err
	}
	if err := b.table.DetachContext(id, ctx); err != nil {
		return err
	}
	lc.ctx.Detach(res)
	return nil
}

// Submit hands a command stream to the context's backend. With withFence
// set, a fence from the global sequence is registered before the backend
// sees the work and its id is returned; the backend signals it when the
// submission completes.
func (b *Broker) Submit(ctx gpubroker.ContextID, commands []byte, withFence bool) (gpubroker.FenceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lc, ok := b.contexts[ctx]
	if !ok {
		return 0, errors.ContextNotFound(errors.OpSubmit, uint32(ctx))
	}

	var fenceIDs []gpubroker.FenceID
	var seq gpubroker.FenceID
	if withFence {
		seq = b.fences.NextSeq()
		if _, err := b.fences.Register(ctx, seq); err != nil {
			return 0, err
		}
		fenceIDs = []gpubroker.FenceID{seq}

		// Pin the context's attached resources until the fence resolves;
		// Destroy on any of them fails with InUse in the meantime. The
		// completion sink releases the pins.
		var pinned []gpubroker.ResourceID
		for _, resID := range b.table.AttachedTo(ctx) {
			if err := b.table.AddFenceRef(resID); err == nil {
				pinned = append(pinned, resID)
			}
		}
		if len(pinned) > 0 {
			b.fenceRefs[seq] = pinned
		}
	}

	if err := lc.ctx.Submit(commands, fenceIDs); err != nil {
		if withFence {
			// The backend never saw the fence; retire it here so the
			// sequence does not leak a forever-pending entry.
			b.fences.Signal(ctx, seq)
		}
		return 0, err
	}
	return seq, nil
}

// TransferWrite moves bytes from the guest backing into the backend copy.
// An explicit stride below the row length is rejected before the backend
// runs.
func (b *Broker) TransferWrite(ctx gpubroker.ContextID, id gpubroker.ResourceID, xfer gpubroker.Transfer3D) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transfer(ctx, id, xfer, true)
}

// TransferRead moves bytes from the backend copy back into guest backing.
func (b *Broker) TransferRead(ctx gpubroker.ContextID, id gpubroker.ResourceID, xfer gpubroker.Transfer3D) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transfer(ctx, id, xfer, false)
}

func (b *Broker) transfer(ctx gpubroker.ContextID, id gpubroker.ResourceID, xfer gpubroker.Transfer3D, write bool) error {
	res, err := b.table.Lookup(id)
	if err != nil {
		return err
	}
	if res.BlobMem == 0 && xfer.Stride != 0 && xfer.Stride < res.MinStride() {
		return errors.InvalidArgument(errors.OpTransfer,
			"stride %d below row length %d", xfer.Stride, res.MinStride())
	}

	comp, err := b.componentFor(ctx)
	if err != nil {
		return err
	}
	if write {
		return comp.TransferWrite(res, xfer)
	}
	return comp.TransferRead(res, xfer)
}

// Export returns a platform handle for sharing the resource. The first
// export creates the canonical handle; every later export clones it.
func (b *Broker) Export(id gpubroker.ResourceID) (*gpubroker.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.table.Lookup(id)
	if err != nil {
		return nil, err
	}
	comp, err := b.componentFor(res.Owner)
	if err != nil {
		comp = b.components[b.defaultV]
	}
	return b.table.Export(id, comp.ExportHandle)
}

// ExportFence would return a sync-fd for the fence. No configured backend
// produces fence descriptors.
func (b *Broker) ExportFence(seq gpubroker.FenceID) (*gpubroker.Handle, error) {
	if b.fences.Poll(seq) == fence.StateUnknown {
		return nil, errors.InvalidArgument(errors.OpFence, "unknown fence %d", seq)
	}
	return nil, errors.Unsupported(errors.OpFence, "fence export")
}

// CreateFence allocates and registers a fence, then asks the backend to
// signal it once prior work on the timeline completes.
func (b *Broker) CreateFence(ctx gpubroker.ContextID) (gpubroker.FenceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.fences.NextSeq()
	if _, err := b.fences.Register(ctx, seq); err != nil {
		return 0, err
	}

	var err error
	if ctx == 0 {
		err = b.components[b.defaultV].CreateFence(seq)
	} else {
		lc, ok := b.contexts[ctx]
		if !ok {
			err = errors.ContextNotFound(errors.OpFence, uint32(ctx))
		} else {
			err = lc.ctx.CreateFence(seq)
		}
	}
	if err != nil {
		b.fences.Signal(ctx, seq)
		return 0, err
	}
	return seq, nil
}

// PollFence reports the fence's state without blocking.
func (b *Broker) PollFence(seq gpubroker.FenceID) fence.State {
	return b.fences.Poll(seq)
}

// WaitFence blocks until the fence signals or ctx is cancelled.
func (b *Broker) WaitFence(ctx context.Context, seq gpubroker.FenceID) error {
	f, ok := b.fences.Lookup(seq)
	if !ok {
		if b.fences.Poll(seq) == fence.StateSignaled {
			return nil
		}
		return errors.InvalidArgument(errors.OpFence, "unknown fence %d", seq)
	}
	return f.Wait(ctx)
}

// SetScanout binds a display slot to a resource. The resource gains a
// scanout reference that blocks its destruction until the slot is cleared
// or rebound.
func (b *Broker) SetScanout(index uint32, info gpubroker.ScanoutInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if index >= gpubroker.MaxScanouts {
		return errors.InvalidArgument(errors.OpScanout,
			"scanout index %d out of range", index)
	}
	res, err := b.table.Lookup(info.ResourceID)
	if err != nil {
		return err
	}
	if info.Stride != 0 && info.Stride < res.MinStride() {
		return errors.InvalidArgument(errors.OpScanout,
			"stride %d below row length %d", info.Stride, res.MinStride())
	}

	if err := b.table.AddScanoutRef(info.ResourceID); err != nil {
		return err
	}
	if prev := b.scanouts[index]; prev.active {
		b.table.ReleaseScanoutRef(prev.info.ResourceID)
	}
	b.scanouts[index] = scanoutSlot{active: true, info: info}
	return nil
}

// ClearScanout unbinds a display slot and drops its resource reference.
func (b *Broker) ClearScanout(index uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if index >= gpubroker.MaxScanouts {
		return errors.InvalidArgument(errors.OpScanout,
			"scanout index %d out of range", index)
	}
	slot := b.scanouts[index]
	if !slot.active {
		return nil
	}
	b.scanouts[index] = scanoutSlot{}
	return b.table.ReleaseScanoutRef(slot.info.ResourceID)
}

// Scanout returns the binding of a display slot.
func (b *Broker) Scanout(index uint32) (gpubroker.ScanoutInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if index >= gpubroker.MaxScanouts || !b.scanouts[index].active {
		return gpubroker.ScanoutInfo{}, false
	}
	return b.scanouts[index].info, true
}

// DestroyResource removes the resource once nothing references it. Backend
// storage is released only after the table confirms removal.
func (b *Broker) DestroyResource(id gpubroker.ResourceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.table.Lookup(id)
	if err != nil {
		return err
	}
	owner := res.Owner
	removed, err := b.table.Destroy(id)
	if err != nil {
		return err
	}
	if comp, ok := b.mapped[id]; ok {
		comp.Unmap(removed)
		delete(b.mapped, id)
	}
	if lc, ok := b.contexts[owner]; ok {
		lc.ctx.Detach(removed)
	}

	comp, cerr := b.componentFor(owner)
	if cerr != nil {
		comp = b.components[b.defaultV]
	}
	return comp.DestroyResource(removed)
}

// Map returns a CPU mapping of a mappable blob resource.
func (b *Broker) Map(id gpubroker.ResourceID) (gpubroker.MemoryRegion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.table.Lookup(id)
	if err != nil {
		return gpubroker.MemoryRegion{}, err
	}
	if !res.Mappable() {
		return gpubroker.MemoryRegion{}, errors.InvalidArgument(errors.OpMap,
			"resource %d is not mappable", id)
	}

	comp, err := b.componentFor(res.Owner)
	if err != nil {
		comp = b.components[b.defaultV]
	}
	region, err := comp.Map(res)
	if err != nil {
		return gpubroker.MemoryRegion{}, err
	}
	b.mapped[id] = comp
	return region, nil
}

// Unmap releases the mapping created by Map.
func (b *Broker) Unmap(id gpubroker.ResourceID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.table.Lookup(id)
	if err != nil {
		return err
	}
	comp, ok := b.mapped[id]
	if !ok {
		return errors.InvalidArgument(errors.OpMap, "resource %d is not mapped", id)
	}
	delete(b.mapped, id)
	return comp.Unmap(res)
}

// CapsetCount returns how many capsets the mask exposes.
func (b *Broker) CapsetCount() uint32 {
	return b.registry.Count()
}

// CapsetInfo describes the visible capset at the given index.
func (b *Broker) CapsetInfo(index uint32) (gpubroker.CapsetID, uint32, uint32, error) {
	return b.registry.Info(index)
}

// Capset returns the capability blob for a visible capset id. A registry
// entry with no data of its own defers to the component advertising the id.
func (b *Broker) Capset(id gpubroker.CapsetID, version uint32) ([]byte, error) {
	desc, ok := b.registry.Lookup(id)
	if !ok {
		return nil, errors.Unsupported(errors.OpCapset, "capset not registered or masked out")
	}
	if len(desc.Data) > 0 {
		out := make([]byte, len(desc.Data))
		copy(out, desc.Data)
		return out, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, comp := range b.components {
		if v, _ := comp.CapsetInfo(id); v != 0 {
			return comp.Capset(id, version), nil
		}
	}
	return nil, errors.Unsupported(errors.OpCapset, "no component advertises the capset")
}

// Contexts returns the live context ids, for diagnostics.
func (b *Broker) Contexts() []gpubroker.ContextID {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]gpubroker.ContextID, 0, len(b.contexts))
	for id := range b.contexts {
		out = append(out, id)
	}
	return out
}

// Table exposes the resource table for diagnostics and observers.
func (b *Broker) Table() *resource.Table {
	return b.table
}

// Fences exposes the fence handler for diagnostics.
func (b *Broker) Fences() *fence.Handler {
	return b.fences
}

// Close tears down contexts, components, the table and the fence handler.
// It is safe to call once; later calls are no-ops.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	contexts := b.contexts
	b.contexts = make(map[gpubroker.ContextID]*liveContext)
	b.mu.Unlock()

	var firstErr error
	for _, lc := range contexts {
		if err := lc.ctx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, comp := range b.components {
		if err := comp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.table.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.fences.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
