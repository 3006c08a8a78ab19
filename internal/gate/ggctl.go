// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"unsafe"

	"github.com/asch/ggbridge/internal/bio"
)

// GEOM Gate control device interface, see sys/geom/gate/g_gate.h. The
// structures mirror the C layout on 64-bit platforms.
const (
	ggVersion   = 3
	ggNameMax   = 255
	ggInfoSize  = bio.MaxInfoLen + 1
	ggUnitAuto  = -1
	ggMaxCount  = 0
	ggCtlDevice = "/dev/ggctl"

	ggFlagReadOnly  = 0x0001
	ggFlagWriteOnly = 0x0002
)

type ggCreate struct {
	Version    uint32
	MediaSize  int64
	SectorSize uint32
	Flags      uint32
	MaxCount   uint32
	Timeout    uint32
	Name       [ggNameMax]byte
	Info       [ggInfoSize]byte
	ReadProv   [ggNameMax]byte
	ReadOffset int64
	Unit       int32
}

type ggDestroy struct {
	Version uint32
	Unit    int32
	Force   int32
	Name    [ggNameMax]byte
}

type ggIO struct {
	Version uint32
	Unit    int32
	Seq     uintptr
	Cmd     uint32
	Offset  int64
	Length  int64
	Data    unsafe.Pointer
	Error   int32
}

// Equivalent of _IOWR('m', n, t) from sys/ioccom.h.
func ggIOWR(n uintptr, size uintptr) uintptr {
	const (
		iocInOut     = 0x80000000 | 0x40000000
		iocParmMask  = 0x1fff
		ggIoctlGroup = 'm'
	)

	return iocInOut | (size&iocParmMask)<<16 | ggIoctlGroup<<8 | n
}

var (
	ggCmdCreate  = ggIOWR(0, unsafe.Sizeof(ggCreate{}))
	ggCmdDestroy = ggIOWR(3, unsafe.Sizeof(ggDestroy{}))
	ggCmdStart   = ggIOWR(4, unsafe.Sizeof(ggIO{}))
	ggCmdDone    = ggIOWR(5, unsafe.Sizeof(ggIO{}))
)

func ggFlags(m bio.AccessMode) uint32 {
	switch m {
	case bio.ReadOnly:
		return ggFlagReadOnly
	case bio.WriteOnly:
		return ggFlagWriteOnly
	}

	return 0
}
