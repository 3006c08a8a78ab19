// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/asch/ggbridge/internal/bio"
)

const (
	// Magic opens every frame, "GGB1" read as little endian.
	Magic uint32 = 0x31424747

	// Version of the frame format.
	Version uint16 = 1

	// HeaderSize is the size of the fixed frame header.
	HeaderSize = 48

	// GeometrySize is the size of the fixed part of the geometry payload.
	// The info string follows it.
	GeometrySize = 24
)

// Cmd is the frame command. I/O commands reuse the bio opcodes.
type Cmd uint16

const (
	CmdRead   = Cmd(bio.OpRead)
	CmdWrite  = Cmd(bio.OpWrite)
	CmdDelete = Cmd(bio.OpDelete)
	CmdFlush  = Cmd(bio.OpFlush)

	// Gateway to bridge control.
	CmdOpen    Cmd = 0x100
	CmdDestroy Cmd = 0x101

	// Bridge to gateway replies.
	CmdGeometry Cmd = 0x200
	CmdDone     Cmd = 0x201
)

// Header is the fixed part of a frame. All fields are little endian.
//
//	0  magic     u32
//	4  version   u16
//	6  cmd       u16
//	8  unit      i32
//	12 error     i32
//	16 seq       u64
//	24 offset    u64
//	32 length    u64
//	40 datalen   u32
//	44 reserved  u32
type Header struct {
	Magic   uint32
	Version uint16
	Cmd     Cmd
	Unit    int32
	Error   int32
	Seq     uint64
	Offset  uint64
	Length  uint64
	DataLen uint32
}

// Frame is a header followed by DataLen bytes of payload.
type Frame struct {
	Header
	Payload []byte
}

// Marshal writes h to the first HeaderSize bytes of b.
func (h *Header) Marshal(b []byte) {
	_ = b[HeaderSize-1]

	binary.LittleEndian.PutUint32(b[0:], h.Magic)
	binary.LittleEndian.PutUint16(b[4:], h.Version)
	binary.LittleEndian.PutUint16(b[6:], uint16(h.Cmd))
	binary.LittleEndian.PutUint32(b[8:], uint32(h.Unit))
	binary.LittleEndian.PutUint32(b[12:], uint32(h.Error))
	binary.LittleEndian.PutUint64(b[16:], h.Seq)
	binary.LittleEndian.PutUint64(b[24:], h.Offset)
	binary.LittleEndian.PutUint64(b[32:], h.Length)
	binary.LittleEndian.PutUint32(b[40:], h.DataLen)
	binary.LittleEndian.PutUint32(b[44:], 0)
}

// Unmarshal parses the first HeaderSize bytes of b. The content is not
// checked, see Decode.
func (h *Header) Unmarshal(b []byte) error {
	if len(b) < HeaderSize {
		return bio.Errorf(bio.ErrProtocol, bio.EINVAL, "decode", "truncated header of %d bytes", len(b))
	}

	h.Magic = binary.LittleEndian.Uint32(b[0:])
	h.Version = binary.LittleEndian.Uint16(b[4:])
	h.Cmd = Cmd(binary.LittleEndian.Uint16(b[6:]))
	h.Unit = int32(binary.LittleEndian.Uint32(b[8:]))
	h.Error = int32(binary.LittleEndian.Uint32(b[12:]))
	h.Seq = binary.LittleEndian.Uint64(b[16:])
	h.Offset = binary.LittleEndian.Uint64(b[24:])
	h.Length = binary.LittleEndian.Uint64(b[32:])
	h.DataLen = binary.LittleEndian.Uint32(b[40:])

	return nil
}

// WriteFrame writes f to w. DataLen is taken from the payload.
func WriteFrame(w io.Writer, f Frame) error {
	if uint64(len(f.Payload)) > math.MaxUint32 {
		return bio.Errorf(bio.ErrProtocol, bio.EINVAL, "encode", "payload of %d bytes", len(f.Payload))
	}
	f.DataLen = uint32(len(f.Payload))

	buf := make([]byte, HeaderSize+len(f.Payload))
	f.Header.Marshal(buf)
	copy(buf[HeaderSize:], f.Payload)

	_, err := w.Write(buf)

	return err
}

// ReadFrame reads one frame from r. Payloads longer than maxPayload are
// refused since the stream cannot be trusted any more. A clean end of stream
// before the header returns io.EOF.
func ReadFrame(r io.Reader, maxPayload uint32) (Frame, error) {
	var f Frame

	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return f, bio.Errorf(bio.ErrProtocol, bio.EINVAL, "decode", "truncated header")
		}
		return f, err
	}

	f.Header.Unmarshal(buf)

	if f.DataLen > maxPayload {
		return f, bio.Errorf(bio.ErrProtocol, bio.EINVAL, "decode",
			"payload of %d bytes exceeds %d", f.DataLen, maxPayload)
	}

	if f.DataLen > 0 {
		f.Payload = make([]byte, f.DataLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return f, bio.Errorf(bio.ErrProtocol, bio.EINVAL, "decode", "truncated payload: %v", err)
		}
	}

	return f, nil
}

// GeometryInfo is the payload of a CmdGeometry reply.
//
//	0  mediasize   u64
//	8  sectorsize  u32
//	12 flags       u32
//	16 timeout     u32, seconds
//	20 infolen     u32
//	24 info
type GeometryInfo struct {
	MediaSize  uint64
	SectorSize uint32
	Flags      bio.AccessMode
	Timeout    uint32
	Info       string
}

func (g *GeometryInfo) Marshal() []byte {
	b := make([]byte, GeometrySize+len(g.Info))

	binary.LittleEndian.PutUint64(b[0:], g.MediaSize)
	binary.LittleEndian.PutUint32(b[8:], g.SectorSize)
	binary.LittleEndian.PutUint32(b[12:], uint32(g.Flags))
	binary.LittleEndian.PutUint32(b[16:], g.Timeout)
	binary.LittleEndian.PutUint32(b[20:], uint32(len(g.Info)))
	copy(b[GeometrySize:], g.Info)

	return b
}

func (g *GeometryInfo) Unmarshal(b []byte) error {
	if len(b) < GeometrySize {
		return bio.Errorf(bio.ErrProtocol, bio.EINVAL, "decode", "truncated geometry of %d bytes", len(b))
	}

	g.MediaSize = binary.LittleEndian.Uint64(b[0:])
	g.SectorSize = binary.LittleEndian.Uint32(b[8:])
	g.Flags = bio.AccessMode(binary.LittleEndian.Uint32(b[12:]))
	g.Timeout = binary.LittleEndian.Uint32(b[16:])

	n := binary.LittleEndian.Uint32(b[20:])
	if uint64(n) > uint64(len(b)-GeometrySize) {
		return bio.Errorf(bio.ErrProtocol, bio.EINVAL, "decode", "truncated info")
	}
	g.Info = string(b[GeometrySize : GeometrySize+int(n)])

	return nil
}
