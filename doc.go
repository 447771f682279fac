// Package gpubroker provides a GPU command and resource virtualization broker.
//
// The broker sits between a guest's virtio-gpu 3D protocol layer and one or
// more host-side rendering backends. It owns resource identity, dispatches
// commands across pluggable backend contexts, negotiates capability sets and
// manages fence-based completion signaling.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	gpubroker/           Root package with core identifiers, formats and handles
//	├── broker/          Broker facade: the single entry point the protocol layer calls
//	├── backend/         Component and Context contracts shared by all backends
//	│   ├── soft2d/      Software composition path (no GPU required)
//	│   ├── gfx/         Native renderer contexts on top of gogpu
//	│   ├── crossdomain/ Cross-process buffer sharing contexts
//	│   └── stub/        Inert vendor stub contexts
//	├── resource/        Resource table: id allocation, backing, export, lifecycle
//	├── fence/           Fence handler: global sequence, signaling, poll/wait
//	├── capset/          Capability set registry with mask filtering
//	└── errors/          Structured error types for the broker taxonomy
//
// # Quick Start
//
// Assemble a broker with a software backend and create a display resource:
//
//	b, err := broker.New(broker.Config{
//	    Components: map[backend.Variant]backend.Builder{
//	        backend.VariantSoft2D: soft2d.New,
//	    },
//	    CapsetMask: 1 << gpubroker.CapsetVirgl,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close()
//
//	id, err := b.CreateResource3D(resource.Descriptor{
//	    Format: gpubroker.FormatB8G8R8A8,
//	    Width:  640,
//	    Height: 480,
//	})
//
// # Thread Safety
//
// The broker facade is invoked synchronously by a caller-owned protocol loop.
// Backends may complete work asynchronously; fence signaling is safe from any
// goroutine. The resource table and fence handler serialize their own state.
//
// # Resource Identity
//
// Resource ids are allocated monotonically and never recycled for the process
// lifetime. A destroyed id stays dead, so use-after-destroy surfaces as a
// NotFound error instead of silently aliasing a newer resource.
package gpubroker
