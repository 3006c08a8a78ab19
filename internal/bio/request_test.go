// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package bio

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var geometry = Geometry{MediaSize: 1 << 20, SectorSize: 512}

func TestGeometryValidate(t *testing.T) {
	require := require.New(t)

	require.NoError(geometry.Validate())
	require.NoError(Geometry{MediaSize: 4096, SectorSize: 4096}.Validate())

	for _, g := range []Geometry{
		{MediaSize: 1000, SectorSize: 512},
		{MediaSize: 1024, SectorSize: 0},
		{MediaSize: 1536, SectorSize: 768},
		{MediaSize: 0, SectorSize: 512},
	} {
		err := g.Validate()
		require.Error(err, "%+v", g)
		require.True(errors.Is(err, ErrGeometry), "%+v", g)
	}
}

func TestValidateAlignment(t *testing.T) {
	require := require.New(t)

	for _, off := range []uint64{1, 100, 511, 513, 1023} {
		err := Validate(Request{Op: OpRead, Offset: off, Length: 512}, geometry, ReadWrite)
		require.True(errors.Is(err, ErrAlignment), "offset %d", off)
		require.Equal(EINVAL, CodeOf(err))
	}

	err := Validate(Request{Op: OpRead, Offset: 0, Length: 100}, geometry, ReadWrite)
	require.True(errors.Is(err, ErrAlignment))
}

func TestValidateBounds(t *testing.T) {
	require := require.New(t)

	require.NoError(Validate(Request{Op: OpRead, Offset: geometry.MediaSize - 512, Length: 512}, geometry, ReadWrite))
	require.NoError(Validate(Request{Op: OpRead, Offset: geometry.MediaSize, Length: 0}, geometry, ReadWrite))

	for _, req := range []Request{
		{Op: OpRead, Offset: geometry.MediaSize, Length: 512},
		{Op: OpRead, Offset: geometry.MediaSize - 512, Length: 1024},
		{Op: OpDelete, Offset: 0, Length: geometry.MediaSize + 512},
		{Op: OpRead, Offset: 1 << 62, Length: 1 << 62},
	} {
		err := Validate(req, geometry, ReadWrite)
		require.True(errors.Is(err, ErrBounds), "%+v", req)
		require.Equal(EIO, CodeOf(err))
	}
}

func TestValidateAccess(t *testing.T) {
	require := require.New(t)

	write := Request{Op: OpWrite, Length: 512, Data: make([]byte, 512)}
	read := Request{Op: OpRead, Length: 512}
	trim := Request{Op: OpDelete, Length: 512}
	flush := Request{Op: OpFlush}

	err := Validate(write, geometry, ReadOnly)
	require.True(errors.Is(err, ErrAccess))
	require.Equal(EPERM, CodeOf(err))
	require.True(errors.Is(Validate(trim, geometry, ReadOnly), ErrAccess))
	require.True(errors.Is(Validate(read, geometry, WriteOnly), ErrAccess))

	require.NoError(Validate(read, geometry, ReadOnly))
	require.NoError(Validate(write, geometry, WriteOnly))
	require.NoError(Validate(flush, geometry, ReadOnly))
	require.NoError(Validate(flush, geometry, WriteOnly))
}

func TestValidatePayload(t *testing.T) {
	err := Validate(Request{Op: OpWrite, Length: 1024, Data: make([]byte, 512)}, geometry, ReadWrite)
	require.True(t, errors.Is(err, ErrProtocol))
}

func TestValidateUnknownOp(t *testing.T) {
	err := Validate(Request{Op: Op(4), Length: 512}, geometry, ReadWrite)
	require.True(t, errors.Is(err, ErrUnsupported))
	require.Equal(t, EOPNOTSUPP, CodeOf(err))
}

func TestAccessModePermits(t *testing.T) {
	require := require.New(t)

	require.True(ReadWrite.Permits(ReadWrite))
	require.False(ReadWrite.Permits(ReadOnly))
	require.False(ReadWrite.Permits(WriteOnly))
	require.True(ReadOnly.Permits(ReadWrite))
	require.True(ReadOnly.Permits(ReadOnly))
	require.False(ReadOnly.Permits(WriteOnly))
	require.True(WriteOnly.Permits(ReadWrite))
	require.True(WriteOnly.Permits(WriteOnly))
}

func TestParseAccessMode(t *testing.T) {
	require := require.New(t)

	for s, want := range map[string]AccessMode{"rw": ReadWrite, "ro": ReadOnly, "wo": WriteOnly} {
		m, err := ParseAccessMode(s)
		require.NoError(err)
		require.Equal(want, m)
		require.Equal(s, m.String())
	}

	_, err := ParseAccessMode("rx")
	require.Error(err)
}

func TestCodeOf(t *testing.T) {
	require := require.New(t)

	require.Equal(OK, CodeOf(nil))
	require.Equal(ENOSPC, CodeOf(ENOSPC))
	require.Equal(ErrorCode(syscall.EROFS), CodeOf(syscall.EROFS))
	require.Equal(ENOSPC, CodeOf(pkgerrors.Wrap(ENOSPC, "chunk 3")))
	require.Equal(ErrorCode(syscall.EROFS), CodeOf(fmt.Errorf("write: %w", syscall.EROFS)))
	require.Equal(EIO, CodeOf(errors.New("boom")))
	require.Equal(ENXIO, CodeOf(Errorf(ErrUnknownUnit, ENXIO, "read", "unit %d", 3)))

	resp := Failed(errors.New("boom"))
	require.Equal(EIO, resp.Code)
	require.Nil(resp.Data)
}

func TestKindOf(t *testing.T) {
	require := require.New(t)

	require.Nil(KindOf(nil))
	require.Equal(ErrBackend, KindOf(ENOSPC))
	require.Equal(ErrUnknownUnit, KindOf(Errorf(ErrUnknownUnit, ENXIO, "", "gone")))
	require.Equal("read: unknown unit: gone", Errorf(ErrUnknownUnit, ENXIO, "read", "gone").Error())
}
