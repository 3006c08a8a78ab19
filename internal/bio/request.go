// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package bio

import (
	"fmt"
	"math/bits"
)

const (
	// Sector size used when a backend has no opinion.
	DefaultSectorSize = 512

	// Longest info string a unit may carry, excluding the terminator.
	MaxInfoLen = 2048 - 1
)

// Op is the kind of a block I/O request. Values follow the BIO_* opcodes.
type Op uint16

const (
	OpRead   Op = 1
	OpWrite  Op = 2
	OpDelete Op = 3
	OpFlush  Op = 5
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	case OpFlush:
		return "flush"
	}

	return fmt.Sprintf("op(%d)", uint16(o))
}

// Known reports whether o is an opcode the bridge can route.
func (o Op) Known() bool {
	switch o {
	case OpRead, OpWrite, OpDelete, OpFlush:
		return true
	}

	return false
}

// AccessMode restricts which operations reach a backend. Values follow the
// G_GATE_FLAG_* constants, so ReadWrite is zero.
type AccessMode uint32

const (
	ReadWrite AccessMode = 0
	ReadOnly  AccessMode = 1
	WriteOnly AccessMode = 2

	accessMask AccessMode = 0x03
)

func (m AccessMode) String() string {
	switch m {
	case ReadWrite:
		return "rw"
	case ReadOnly:
		return "ro"
	case WriteOnly:
		return "wo"
	}

	return fmt.Sprintf("mode(%d)", uint32(m))
}

// ParseAccessMode accepts rw, ro and wo.
func ParseAccessMode(s string) (AccessMode, error) {
	switch s {
	case "rw", "":
		return ReadWrite, nil
	case "ro":
		return ReadOnly, nil
	case "wo":
		return WriteOnly, nil
	}

	return ReadWrite, fmt.Errorf("unknown access mode %q, want rw, ro or wo", s)
}

// Valid reports whether m is one of the three modes.
func (m AccessMode) Valid() bool {
	return m == ReadWrite || m == ReadOnly || m == WriteOnly
}

// Permits reports whether a unit served in mode m may be backed by a backend
// advertising flags. The unit mode has to be at least as restrictive as the
// backend.
func (m AccessMode) Permits(flags AccessMode) bool {
	return (flags|m)&accessMask == m
}

// Allows reports whether op may reach a backend of a unit in mode m. Flush
// carries no data and is always allowed.
func (m AccessMode) Allows(op Op) bool {
	switch op {
	case OpRead:
		return m != WriteOnly
	case OpWrite, OpDelete:
		return m != ReadOnly
	}

	return true
}

// Geometry of a unit. It is queried once at registration and never again.
type Geometry struct {
	MediaSize  uint64
	SectorSize uint32
}

// Validate checks that the sector size is a power of two and the media size
// a positive multiple of it.
func (g Geometry) Validate() error {
	if g.SectorSize == 0 || bits.OnesCount32(g.SectorSize) != 1 {
		return Errorf(ErrGeometry, EINVAL, "", "sector size %d is not a power of two", g.SectorSize)
	}

	if g.MediaSize == 0 {
		return Errorf(ErrGeometry, EINVAL, "", "media size is zero")
	}

	if g.MediaSize%uint64(g.SectorSize) != 0 {
		return Errorf(ErrGeometry, EINVAL, "", "media size %d is not a multiple of sector size %d",
			g.MediaSize, g.SectorSize)
	}

	return nil
}

// Request is one pending I/O operation. Data is set for writes only.
type Request struct {
	Op     Op
	Seq    uint64
	Offset uint64
	Length uint64
	Data   []byte
}

// Response completes exactly one Request. Data is set for successful reads
// only.
type Response struct {
	Code ErrorCode
	Data []byte
}

// Failed returns the response for a request that completed with err.
func Failed(err error) Response {
	code := CodeOf(err)
	if code == OK {
		code = EIO
	}

	return Response{Code: code}
}

// Validate checks req against the unit geometry and access mode. A request
// rejected here must never reach the backend.
func Validate(req Request, g Geometry, mode AccessMode) error {
	op := req.Op.String()

	if !req.Op.Known() {
		return Errorf(ErrUnsupported, EOPNOTSUPP, op, "unknown opcode")
	}

	if !mode.Allows(req.Op) {
		return Errorf(ErrAccess, EPERM, op, "not allowed on %s unit", mode)
	}

	if req.Op == OpFlush {
		return nil
	}

	sector := uint64(g.SectorSize)
	if req.Offset%sector != 0 || req.Length%sector != 0 {
		return Errorf(ErrAlignment, EINVAL, op, "offset %d length %d not aligned to %d",
			req.Offset, req.Length, sector)
	}

	if req.Offset > g.MediaSize || req.Length > g.MediaSize-req.Offset {
		return Errorf(ErrBounds, EIO, op, "range [%d, %d) exceeds media size %d",
			req.Offset, req.Offset+req.Length, g.MediaSize)
	}

	if req.Op == OpWrite && uint64(len(req.Data)) != req.Length {
		return Errorf(ErrProtocol, EINVAL, op, "payload of %d bytes for length %d",
			len(req.Data), req.Length)
	}

	return nil
}
