package crossdomain

import (
	"fmt"
	"os"
	"sync"

	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/backend"
	"github.com/virtgfx/gpu-broker/backend/internal/stage"
	"github.com/virtgfx/gpu-broker/errors"
	"github.com/virtgfx/gpu-broker/resource"
)

// item is one entry in a context's item table: an imported handle or the
// read end of a local pipe.
type item struct {
	handle *gpubroker.Handle
	pipe   *os.File
}

// Item identifiers: handles get even ids, pipe read-ends odd ids, so the
// two spaces never collide.
const (
	firstHandleID = 2
	firstPipeID   = 1
)

// job is one unit of deferred work for the context worker.
type job struct {
	stream []byte
	fences []gpubroker.FenceID
}

// cdContext is one cross-domain context. Submit parses the stream header
// and queues the command for the worker goroutine; the worker performs ring
// writes and signals fences, so completion is asynchronous and FIFO.
type cdContext struct {
	id        gpubroker.ContextID
	name      string
	component *Component
	attached  *backend.ContextResources

	mu           sync.Mutex
	queryRing    gpubroker.ResourceID
	channelRing  gpubroker.ResourceID
	initialized  bool
	items        map[uint32]item
	nextHandleID uint32
	nextPipeID   uint32
	lastErr      error

	jobs chan job
	wg   sync.WaitGroup
}

var _ backend.Context = (*cdContext)(nil)

func newContext(id gpubroker.ContextID, name string, component *Component) *cdContext {
	c := &cdContext{
		id:           id,
		name:         name,
		component:    component,
		attached:     backend.NewContextResources(),
		items:        make(map[uint32]item),
		nextHandleID: firstHandleID,
		nextPipeID:   firstPipeID,
		jobs:         make(chan job, 32),
	}
	c.wg.Add(1)
	go c.worker()
	return c
}

func (c *cdContext) ID() gpubroker.ContextID {
	return c.id
}

func (c *cdContext) Variant() backend.Variant {
	return backend.VariantCrossDomain
}

// Submit validates the header synchronously so malformed streams fail the
// caller, then hands the command to the worker.
func (c *cdContext) Submit(commands []byte, fenceIDs []gpubroker.FenceID) error {
	if len(commands) > 0 {
		if _, _, err := decodeHeader(commands); err != nil {
			return err
		}
	}

	stream := make([]byte, len(commands))
	copy(stream, commands)
	c.jobs <- job{stream: stream, fences: fenceIDs}
	return nil
}

func (c *cdContext) worker() {
	defer c.wg.Done()
	for j := range c.jobs {
		if len(j.stream) > 0 {
			if err := c.execute(j.stream); err != nil {
				// The submitting caller already returned; record the
				// failure so diagnostics can surface it.
				c.mu.Lock()
				c.lastErr = err
				c.mu.Unlock()
			}
		}
		for _, seq := range j.fences {
			c.component.fences.Signal(c.id, seq)
		}
	}
}

// LastError returns the most recent command failure observed by the worker.
func (c *cdContext) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *cdContext) execute(stream []byte) error {
	h, body, err := decodeHeader(stream)
	if err != nil {
		return err
	}

	switch h.Cmd {
	case cmdInit:
		var cmd initCmd
		if err := decodeInto(body, &cmd); err != nil {
			return err
		}
		return c.handleInit(cmd)
	case cmdGetImageRequirements:
		var cmd imageReqCmd
		if err := decodeInto(body, &cmd); err != nil {
			return err
		}
		return c.handleImageRequirements(cmd)
	case cmdPoll:
		// Nothing to wait for without a connected channel peer.
		return nil
	case cmdWrite:
		if len(body) < 16 {
			return errors.InvalidArgument(errors.OpSubmit, "truncated write command")
		}
		var cmd writeCmd
		if err := decodeInto(body[:16], &cmd); err != nil {
			return err
		}
		return c.handleWrite(cmd, body[16:])
	default:
		return errors.Unsupported(errors.OpSubmit,
			fmt.Sprintf("cross-domain command %d", h.Cmd))
	}
}

func (c *cdContext) handleInit(cmd initCmd) error {
	if cmd.ChannelType != channelTypeWayland {
		return errors.Unsupported(errors.OpSubmit,
			fmt.Sprintf("channel type %d", cmd.ChannelType))
	}

	query := gpubroker.ResourceID(cmd.QueryRingID)
	if _, ok := c.attached.Get(query); !ok {
		return errors.ResourceNotFound(errors.OpSubmit, cmd.QueryRingID)
	}
	if cmd.ChannelRingID != 0 {
		if _, ok := c.attached.Get(gpubroker.ResourceID(cmd.ChannelRingID)); !ok {
			return errors.ResourceNotFound(errors.OpSubmit, cmd.ChannelRingID)
		}
	}

	c.mu.Lock()
	c.queryRing = query
	c.channelRing = gpubroker.ResourceID(cmd.ChannelRingID)
	c.initialized = true
	c.mu.Unlock()
	return nil
}

func (c *cdContext) handleImageRequirements(cmd imageReqCmd) error {
	c.mu.Lock()
	initialized := c.initialized
	ring := c.queryRing
	blobID := uint64(c.nextHandleID)
	c.nextHandleID += 2
	c.mu.Unlock()

	if !initialized {
		return errors.InvalidArgument(errors.OpSubmit, "context not initialized")
	}
	if cmd.Width == 0 || cmd.Height == 0 {
		return errors.InvalidArgument(errors.OpSubmit, "zero image extent")
	}

	stride := cmd.Width * 4
	resp := imageReqResp{
		Stride0: stride,
		Size:    uint64(stride) * uint64(cmd.Height),
		BlobID:  blobID,
		MapInfo: gpubroker.MapCacheCached,
	}
	return c.ringWrite(ring, encode(resp))
}

func (c *cdContext) handleWrite(cmd writeCmd, opaque []byte) error {
	c.mu.Lock()
	it, ok := c.items[cmd.Identifier]
	if cmd.HangUp != 0 {
		delete(c.items, cmd.Identifier)
	}
	c.mu.Unlock()

	if !ok || it.pipe == nil {
		return errors.ResourceNotFound(errors.OpSubmit, cmd.Identifier)
	}

	n := int(cmd.OpaqueLen)
	if n > len(opaque) {
		return errors.InvalidArgument(errors.OpSubmit,
			"opaque length %d exceeds body %d", n, len(opaque))
	}
	if _, err := it.pipe.Write(opaque[:n]); err != nil {
		return errors.Backend(errors.OpSubmit, err)
	}
	if cmd.HangUp != 0 {
		it.pipe.Close()
	}
	return nil
}

// ringWrite copies a response into the ring resource's guest backing.
func (c *cdContext) ringWrite(ring gpubroker.ResourceID, resp []byte) error {
	res, ok := c.attached.Get(ring)
	if !ok {
		return errors.ResourceNotFound(errors.OpSubmit, uint32(ring))
	}
	if res.Backing.TotalLen() < uint64(len(resp)) {
		return errors.InvalidArgument(errors.OpSubmit,
			"ring %d smaller than response %d", ring, len(resp))
	}
	return stage.IntoIovecs(res.Backing, 0, resp)
}

// AddPipeItem registers the read end of a local pipe and returns its odd
// item id.
func (c *cdContext) AddPipeItem(pipe *os.File) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextPipeID
	c.nextPipeID += 2
	c.items[id] = item{pipe: pipe}
	return id
}

func (c *cdContext) Attach(res *resource.Resource) {
	c.attached.Insert(res.ID, backend.ContextResource{Backing: res.Backing})
}

func (c *cdContext) Detach(res *resource.Resource) {
	c.attached.Remove(res.ID)
}

// CreateFence queues a fence-only job so it signals after all previously
// submitted commands, preserving FIFO.
func (c *cdContext) CreateFence(seq gpubroker.FenceID) error {
	c.jobs <- job{fences: []gpubroker.FenceID{seq}}
	return nil
}

// Close drains the worker and releases items and attachments.
func (c *cdContext) Close() error {
	close(c.jobs)
	c.wg.Wait()

	c.mu.Lock()
	for id, it := range c.items {
		if it.pipe != nil {
			it.pipe.Close()
		}
		if it.handle != nil {
			it.handle.Close()
		}
		delete(c.items, id)
	}
	c.mu.Unlock()

	c.attached.Close()
	return nil
}
