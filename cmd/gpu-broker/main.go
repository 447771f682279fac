package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/backend"
	"github.com/virtgfx/gpu-broker/backend/crossdomain"
	"github.com/virtgfx/gpu-broker/backend/gfx"
	"github.com/virtgfx/gpu-broker/backend/soft2d"
	"github.com/virtgfx/gpu-broker/backend/stub"
	"github.com/virtgfx/gpu-broker/broker"
	"github.com/virtgfx/gpu-broker/capset"
	"github.com/virtgfx/gpu-broker/resource"

	_ "github.com/gogpu/gogpu/gpu/backend/native"
)

func main() {
	var (
		backendName = flag.String("backend", "soft2d", "Default backend variant (soft2d, gfx, cross-domain, stub)")
		ops         = flag.Int("ops", 4, "Number of scripted resource round trips")
		list        = flag.Bool("list", false, "List visible capsets and exit")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
		verbose     = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	if *verbose {
		log, err := zap.NewProduction()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer log.Sync()
		broker.SetLogger(log)
	}

	b, err := buildBroker(*backendName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer b.Close()

	if *list {
		listCapsets(b)
		return
	}

	if *interactive {
		if err := runInteractive(b); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(b, *ops); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildBroker(backendName string) (*broker.Broker, error) {
	variant, ok := backend.ParseVariant(backendName)
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", backendName)
	}

	components := map[backend.Variant]backend.Builder{
		backend.VariantSoft2D:      soft2d.New,
		backend.VariantCrossDomain: crossdomain.New,
		backend.VariantStub:        stub.New,
	}
	if variant == backend.VariantGfx {
		components[backend.VariantGfx] = gfx.New
	}

	return broker.New(broker.Config{
		Components: components,
		CapsetMask: 1<<gpubroker.CapsetVirgl |
			1<<gpubroker.CapsetVirgl2 |
			1<<gpubroker.CapsetCrossDomain,
		Capsets: []capset.Descriptor{
			{ID: gpubroker.CapsetVirgl, Version: 1},
			{ID: gpubroker.CapsetVirgl2, Version: 1},
			{ID: gpubroker.CapsetCrossDomain, Version: 1},
		},
		Default: variant,
	})
}

func listCapsets(b *broker.Broker) {
	n := b.CapsetCount()
	fmt.Printf("Visible capsets: %d\n", n)
	for i := uint32(0); i < n; i++ {
		id, version, size, err := b.CapsetInfo(i)
		if err != nil {
			fmt.Printf("  [%d] error: %v\n", i, err)
			continue
		}
		fmt.Printf("  [%d] id=%d version=%d size=%d\n", i, id, version, size)
	}
}

// run exercises the broker end to end: a context, backed resources, full
// transfers, fenced submissions and a scanout bind per round.
func run(b *broker.Broker, rounds int) error {
	const ctxID = 1
	if err := b.CreateContext(ctxID, gpubroker.CapsetVirgl, "scripted"); err != nil {
		return fmt.Errorf("create context: %w", err)
	}

	for round := 0; round < rounds; round++ {
		const w, h = 64, 64
		id, err := b.CreateResource3D(resource.Descriptor{
			Format: gpubroker.FormatB8G8R8A8,
			Width:  w,
			Height: h,
		})
		if err != nil {
			return fmt.Errorf("create resource: %w", err)
		}

		backing := gpubroker.Iovecs{{Base: make([]byte, w*h*4)}}
		for i := range backing[0].Base {
			backing[0].Base[i] = byte(round + i)
		}
		if err := b.AttachBacking(id, backing); err != nil {
			return fmt.Errorf("attach backing: %w", err)
		}
		if err := b.TransferWrite(0, id, gpubroker.Transfer3D{Width: w, Height: h}); err != nil {
			return fmt.Errorf("transfer: %w", err)
		}

		seq, err := b.Submit(ctxID, []byte{0}, true)
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		if err := b.WaitFence(context.Background(), seq); err != nil {
			return fmt.Errorf("wait fence: %w", err)
		}

		if err := b.SetScanout(0, gpubroker.ScanoutInfo{
			ResourceID: id,
			Width:      w,
			Height:     h,
			Stride:     w * 4,
			Format:     gpubroker.FormatB8G8R8A8,
		}); err != nil {
			return fmt.Errorf("set scanout: %w", err)
		}
		if err := b.ClearScanout(0); err != nil {
			return fmt.Errorf("clear scanout: %w", err)
		}
		if err := b.DestroyResource(id); err != nil {
			return fmt.Errorf("destroy resource: %w", err)
		}

		fmt.Printf("round %d: resource %d, fence %d ok\n", round+1, id, seq)
	}

	if err := b.DestroyContext(ctxID); err != nil {
		return fmt.Errorf("destroy context: %w", err)
	}
	fmt.Printf("completed %d rounds\n", rounds)
	return nil
}
