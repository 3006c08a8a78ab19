// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/asch/ggbridge/internal/bio"
)

func TestHeaderLayout(t *testing.T) {
	require := require.New(t)

	h := Header{
		Magic:   Magic,
		Version: Version,
		Cmd:     CmdWrite,
		Unit:    -1,
		Error:   int32(bio.EIO),
		Seq:     0x0102030405060708,
		Offset:  4096,
		Length:  512,
		DataLen: 512,
	}

	b := make([]byte, HeaderSize)
	h.Marshal(b)

	require.Equal([]byte("GGB1"), b[0:4])
	require.Equal(uint16(2), binary.LittleEndian.Uint16(b[6:]))
	require.Equal(uint32(0xffffffff), binary.LittleEndian.Uint32(b[8:]))
	require.Equal(uint64(4096), binary.LittleEndian.Uint64(b[24:]))

	var got Header
	require.NoError(got.Unmarshal(b))
	require.Equal(h, got)

	err := got.Unmarshal(b[:HeaderSize-1])
	require.ErrorIs(err, bio.ErrProtocol)
}

func TestFrameStream(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	f := Frame{Header: Header{Magic: Magic, Version: Version, Cmd: CmdWrite, Length: 4}, Payload: []byte{1, 2, 3, 4}}
	require.NoError(WriteFrame(&buf, f))
	require.NoError(WriteFrame(&buf, Frame{Header: Header{Magic: Magic, Version: Version, Cmd: CmdFlush}}))

	got, err := ReadFrame(&buf, 16)
	require.NoError(err)
	require.Equal(uint32(4), got.DataLen)
	require.Equal([]byte{1, 2, 3, 4}, got.Payload)

	got, err = ReadFrame(&buf, 16)
	require.NoError(err)
	require.Equal(CmdFlush, got.Cmd)
	require.Nil(got.Payload)

	_, err = ReadFrame(&buf, 16)
	require.Equal(io.EOF, err)
}

func TestFrameStreamErrors(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteFrame(&buf, Frame{Header: Header{Magic: Magic}, Payload: make([]byte, 32)}))

	_, err := ReadFrame(bytes.NewReader(buf.Bytes()), 16)
	require.ErrorIs(err, bio.ErrProtocol)

	_, err = ReadFrame(bytes.NewReader(buf.Bytes()[:HeaderSize+8]), 64)
	require.ErrorIs(err, bio.ErrProtocol)

	_, err = ReadFrame(bytes.NewReader(buf.Bytes()[:10]), 64)
	require.ErrorIs(err, bio.ErrProtocol)
}

func TestGeometryInfo(t *testing.T) {
	require := require.New(t)

	g := GeometryInfo{MediaSize: 1 << 20, SectorSize: 512, Flags: bio.ReadOnly, Timeout: 30, Info: "memory"}
	b := g.Marshal()
	require.Len(b, GeometrySize+6)

	var got GeometryInfo
	require.NoError(got.Unmarshal(b))
	require.Equal(g, got)

	require.ErrorIs(got.Unmarshal(b[:GeometrySize-1]), bio.ErrProtocol)
	require.ErrorIs(got.Unmarshal(b[:GeometrySize+2]), bio.ErrProtocol)
}

func TestGGateControlLayout(t *testing.T) {
	if unsafe.Sizeof(uintptr(0)) != 8 {
		t.Skip("layout checked on 64-bit platforms only")
	}

	require := require.New(t)

	require.Equal(uintptr(2608), unsafe.Sizeof(ggCreate{}))
	require.Equal(uintptr(268), unsafe.Sizeof(ggDestroy{}))
	require.Equal(uintptr(56), unsafe.Sizeof(ggIO{}))

	require.Equal(uintptr(0xc0386d04), ggCmdStart)
	require.Equal(uintptr(0xc0386d05), ggCmdDone)
	require.Equal(uintptr(0xca306d00), ggCmdCreate)

	require.Equal(uint32(0), ggFlags(bio.ReadWrite))
	require.Equal(uint32(ggFlagReadOnly), ggFlags(bio.ReadOnly))
	require.Equal(uint32(ggFlagWriteOnly), ggFlags(bio.WriteOnly))
}
