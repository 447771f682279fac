// Package resource implements the broker's resource table.
//
// The table owns the mapping from resource id to resource metadata: backing
// memory description, format and size, export handle and owning context. All
// lifecycle mutation flows through the table's narrow contract; backends are
// never handed direct mutable access to another backend's resources.
//
// # Identity
//
// Ids are allocated monotonically starting at 1 and never recycled for the
// process lifetime. Destroying a resource retires its id permanently, so a
// stale reference surfaces as NotFound rather than aliasing a newer
// resource.
//
// # Export handles
//
// The table holds the canonical export handle for each resource. Export is
// idempotent: the first call creates and stores the canonical handle, every
// call returns a duplicated descriptor of the same handle. Duplicates handed
// across process boundaries are weak references; they never extend the
// resource's lifetime, so destroy stays explicit and InUse-guarded.
//
// # Destroy guards
//
// Destroy is rejected while a scanout binding or a pending fence still
// references the id. Scanout and fence references are counted through
// AddScanoutRef/AddFenceRef and their Release counterparts.
//
// # Observers
//
// Lifecycle events (create, destroy, export, attach, detach) are delivered
// to subscribed observers, which the broker uses for debug logging.
package resource
