// Package stage copies transfer rectangles between guest scatter-gather
// lists and host staging buffers laid out at the resource's natural stride.
package stage

import (
	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/errors"
	"github.com/virtgfx/gpu-broker/resource"
)

// ToHost copies the transfer rect from guest backing into the host buffer.
func ToHost(host []byte, res *resource.Resource, xfer gpubroker.Transfer3D) error {
	return copyRect(host, res, xfer, true)
}

// ToGuest copies the transfer rect from the host buffer into guest backing.
func ToGuest(host []byte, res *resource.Resource, xfer gpubroker.Transfer3D) error {
	return copyRect(host, res, xfer, false)
}

// copyRect moves the rectangle one row at a time. All offset arithmetic is
// widened to uint64 and bounds-checked so a hostile rectangle becomes an
// InvalidArgument, never an out-of-range access.
func copyRect(host []byte, res *resource.Resource, xfer gpubroker.Transfer3D, toHost bool) error {
	bpp := uint64(res.Format.BytesPerPixel())
	hostStride := uint64(res.Width) * bpp

	rectX := uint64(xfer.X)
	rectY := uint64(xfer.Y)
	rectW := uint64(xfer.Width)
	rectH := uint64(xfer.Height)

	if rectW == 0 || rectH == 0 {
		return errors.InvalidArgument(errors.OpTransfer, "empty transfer rect")
	}
	if rectX+rectW > uint64(res.Width) || rectY+rectH > uint64(res.Height) {
		return errors.InvalidArgument(errors.OpTransfer,
			"rect %d,%d %dx%d exceeds resource %dx%d",
			xfer.X, xfer.Y, xfer.Width, xfer.Height, res.Width, res.Height)
	}

	guestStride := uint64(xfer.Stride)
	if guestStride == 0 {
		guestStride = hostStride
	}
	rowLen := rectW * bpp
	if guestStride < rowLen {
		return errors.InvalidArgument(errors.OpTransfer,
			"stride %d below row length %d", guestStride, rowLen)
	}

	guestLen := res.Backing.TotalLen()
	if xfer.Offset > guestLen {
		return errors.InvalidArgument(errors.OpTransfer,
			"guest offset %d exceeds backing length %d", xfer.Offset, guestLen)
	}
	// Checked once for the whole rect: end = Offset + (rectH-1)*stride + rowLen
	// with every addition guarded against wrap, so a hostile offset cannot
	// fold back into bounds.
	span := (rectH - 1) * guestStride
	guestEnd := xfer.Offset + span
	if span/guestStride != rectH-1 ||
		guestEnd < xfer.Offset || guestEnd+rowLen < guestEnd || guestEnd+rowLen > guestLen {
		return errors.InvalidArgument(errors.OpTransfer,
			"guest rect at offset %d exceeds backing length %d", xfer.Offset, guestLen)
	}
	for row := uint64(0); row < rectH; row++ {
		hostOff := (rectY+row)*hostStride + rectX*bpp
		guestOff := xfer.Offset + row*guestStride
		if hostOff+rowLen > uint64(len(host)) {
			return errors.InvalidArgument(errors.OpTransfer,
				"host offset %d exceeds staging length %d", hostOff, len(host))
		}

		hostRow := host[hostOff : hostOff+rowLen]
		if toHost {
			if err := FromIovecs(res.Backing, guestOff, hostRow); err != nil {
				return err
			}
		} else {
			if err := IntoIovecs(res.Backing, guestOff, hostRow); err != nil {
				return err
			}
		}
	}
	return nil
}

// FromIovecs reads len(dst) bytes from the scatter-gather list starting at
// the linear offset.
func FromIovecs(iovs gpubroker.Iovecs, off uint64, dst []byte) error {
	return walk(iovs, off, uint64(len(dst)), func(chunk []byte, at uint64) {
		copy(dst[at:], chunk)
	})
}

// IntoIovecs writes src into the scatter-gather list starting at the linear
// offset.
func IntoIovecs(iovs gpubroker.Iovecs, off uint64, src []byte) error {
	return walk(iovs, off, uint64(len(src)), func(chunk []byte, at uint64) {
		copy(chunk, src[at:])
	})
}

// walk visits the chunks of the linear range [off, off+n) across the
// scatter-gather list.
func walk(iovs gpubroker.Iovecs, off, n uint64, visit func(chunk []byte, at uint64)) error {
	var done uint64
	for _, iov := range iovs {
		l := uint64(len(iov.Base))
		if off >= l {
			off -= l
			continue
		}
		chunk := iov.Base[off:]
		off = 0
		if rem := n - done; uint64(len(chunk)) > rem {
			chunk = chunk[:rem]
		}
		visit(chunk, done)
		done += uint64(len(chunk))
		if done == n {
			return nil
		}
	}
	return errors.InvalidArgument(errors.OpTransfer,
		"scatter-gather list short by %d bytes", n-done)
}
