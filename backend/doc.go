// Package backend defines the contracts between the broker and its pluggable
// backend implementations.
//
// A Component is instantiated once per broker for each registered variant
// and handles component-wide concerns: capset advertisement, resource
// storage, transfers, export handles and global fences. A Context is one
// guest-visible context instance created through a component; it owns an
// ordered command stream and its own set of attached resources.
//
// Backends signal completion exclusively through the fence handler passed
// to their Builder, and reach resource state only through the arguments the
// broker hands them. They never touch another backend's resources.
package backend
