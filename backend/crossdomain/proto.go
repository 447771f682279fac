package crossdomain

import (
	"bytes"
	"encoding/binary"

	"github.com/virtgfx/gpu-broker/errors"
)

// Command identifiers carried in the stream header.
const (
	cmdInit                 = 1
	cmdGetImageRequirements = 2
	cmdPoll                 = 3
	cmdSend                 = 4
	cmdReceive              = 5
	cmdRead                 = 6
	cmdWrite                = 7
)

// channelTypeWayland is the only channel type the component accepts today.
const channelTypeWayland = 1

// header prefixes every command in a submitted stream.
type header struct {
	Cmd         uint8
	FenceCtxIdx uint8
	CmdSize     uint16
	Pad         uint32
}

const headerSize = 8

// initCmd binds the context's rings.
type initCmd struct {
	QueryRingID   uint32
	ChannelRingID uint32
	ChannelType   uint32
}

// imageReqCmd asks for allocation requirements of an image.
type imageReqCmd struct {
	Width     uint32
	Height    uint32
	DrmFormat uint32
	Flags     uint32
}

// imageReqResp is written into the query ring in response.
type imageReqResp struct {
	Stride0    uint32
	Offset0    uint32
	Modifier   uint64
	Size       uint64
	BlobID     uint64
	MapInfo    uint32
	MemoryIdx  uint32
	PhysDevIdx uint32
	Pad        uint32
}

// writeCmd pushes bytes into a previously received pipe item.
type writeCmd struct {
	Identifier uint32
	HangUp     uint32
	OpaqueLen  uint32
	Pad        uint32
}

func decodeHeader(stream []byte) (header, []byte, error) {
	if len(stream) < headerSize {
		return header{}, nil, errors.InvalidArgument(errors.OpSubmit,
			"command stream %d bytes, header needs %d", len(stream), headerSize)
	}
	var h header
	if err := binary.Read(bytes.NewReader(stream[:headerSize]), binary.LittleEndian, &h); err != nil {
		return header{}, nil, errors.InvalidArgument(errors.OpSubmit, "malformed header")
	}
	if int(h.CmdSize) < headerSize || int(h.CmdSize) > len(stream) {
		return header{}, nil, errors.InvalidArgument(errors.OpSubmit,
			"declared size %d outside [%d, %d]", h.CmdSize, headerSize, len(stream))
	}
	return h, stream[headerSize:h.CmdSize], nil
}

func decodeInto(body []byte, v any) error {
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, v); err != nil {
		return errors.InvalidArgument(errors.OpSubmit, "truncated command body")
	}
	return nil
}

func encode(v any) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, v)
	return b.Bytes()
}
