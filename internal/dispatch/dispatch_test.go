// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dispatch

import (
	"bytes"
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asch/ggbridge/internal/backend/backendtest"
	"github.com/asch/ggbridge/internal/backend/memory"
	"github.com/asch/ggbridge/internal/bio"
	"github.com/asch/ggbridge/internal/gate"
	"github.com/asch/ggbridge/internal/unit"
)

const (
	mediaSize  = 1048576
	sectorSize = 512
)

func setup(t *testing.T, opts ...unit.Option) (*Dispatcher, *unit.Registry, *backendtest.Recorder, unit.ID) {
	r := unit.NewRegistry()
	t.Cleanup(r.Close)

	b := backendtest.New(mediaSize, sectorSize)
	id, err := r.Register(b, opts...)
	require.NoError(t, err)

	return New(r, gate.Encoder{}), r, b, id
}

func read(offset, length uint64) bio.Request {
	return bio.Request{Op: bio.OpRead, Offset: offset, Length: length}
}

func write(offset uint64, data []byte) bio.Request {
	return bio.Request{Op: bio.OpWrite, Offset: offset, Length: uint64(len(data)), Data: data}
}

func TestWriteThenRead(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	d, _, _, id := setup(t)

	data := bytes.Repeat([]byte{0xAB}, 512)
	resp := d.Dispatch(ctx, id, write(0, data))
	require.Equal(bio.OK, resp.Code)
	require.Empty(resp.Data)

	resp = d.Dispatch(ctx, id, read(0, 512))
	require.Equal(bio.OK, resp.Code)
	require.Equal(data, resp.Data)

	resp = d.Dispatch(ctx, id, read(1024, 512))
	require.Equal(bio.OK, resp.Code)
	require.Equal(make([]byte, 512), resp.Data)
}

func TestRoundTripRanges(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	d, _, _, id := setup(t)

	ranges := []struct{ offset, length uint64 }{
		{0, 512},
		{512, 4096},
		{65536 - 512, 1024},
		{mediaSize - 512, 512},
		{0, 3 * 65536},
	}

	for i, rg := range ranges {
		data := bytes.Repeat([]byte{byte(i + 1)}, int(rg.length))
		require.Equal(bio.OK, d.Dispatch(ctx, id, write(rg.offset, data)).Code)

		resp := d.Dispatch(ctx, id, read(rg.offset, rg.length))
		require.Equal(bio.OK, resp.Code)
		require.Equal(data, resp.Data)
	}
}

func TestRejectedBeforeBackend(t *testing.T) {
	tests := []struct {
		name string
		req  bio.Request
		code bio.ErrorCode
		kind error
	}{
		{"misaligned offset", read(100, 512), bio.EINVAL, bio.ErrAlignment},
		{"misaligned length", read(0, 100), bio.EINVAL, bio.ErrAlignment},
		{"misaligned write", write(1, make([]byte, 512)), bio.EINVAL, bio.ErrAlignment},
		{"beyond media", read(mediaSize-512, 1024), bio.EIO, bio.ErrBounds},
		{"offset beyond media", read(mediaSize+512, 512), bio.EIO, bio.ErrBounds},
		{"overflowing range", read(mediaSize-512, ^uint64(0)-511), bio.EIO, bio.ErrBounds},
		{"delete beyond media", bio.Request{Op: bio.OpDelete, Offset: mediaSize, Length: 512}, bio.EIO, bio.ErrBounds},
		{"unknown op", bio.Request{Op: bio.Op(9), Length: 512}, bio.EOPNOTSUPP, bio.ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			d, r, b, id := setup(t)

			u, err := r.Get(id)
			require.NoError(err)
			require.ErrorIs(bio.Validate(tt.req, u.Geometry, u.Mode), tt.kind)

			resp := d.Dispatch(context.Background(), id, tt.req)
			require.Equal(tt.code, resp.Code)
			require.Empty(resp.Data)
			require.Zero(b.Total())
		})
	}
}

func TestReadOnlyUnit(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	d, _, b, id := setup(t, unit.WithAccessMode(bio.ReadOnly))

	resp := d.Dispatch(ctx, id, write(0, make([]byte, 512)))
	require.Equal(bio.EPERM, resp.Code)
	require.Zero(b.Calls(bio.OpWrite))

	resp = d.Dispatch(ctx, id, bio.Request{Op: bio.OpDelete, Length: 512})
	require.Equal(bio.EPERM, resp.Code)
	require.Zero(b.Calls(bio.OpDelete))

	resp = d.Dispatch(ctx, id, read(0, 512))
	require.Equal(bio.OK, resp.Code)
	require.Equal(1, b.Calls(bio.OpRead))
}

func TestWriteOnlyUnit(t *testing.T) {
	require := require.New(t)

	d, _, b, id := setup(t, unit.WithAccessMode(bio.WriteOnly))

	resp := d.Dispatch(context.Background(), id, read(0, 512))
	require.Equal(bio.EPERM, resp.Code)
	require.Zero(b.Calls(bio.OpRead))
}

func TestUnknownUnit(t *testing.T) {
	require := require.New(t)

	d, _, b, _ := setup(t)

	resp := d.Dispatch(context.Background(), 42, read(0, 512))
	require.Equal(bio.ENXIO, resp.Code)
	require.Zero(b.Total())
}

func TestFlush(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	d, r, b, id := setup(t, unit.WithAccessMode(bio.ReadOnly))

	// Flush carries no data, it is allowed in every mode.
	resp := d.Dispatch(ctx, id, bio.Request{Op: bio.OpFlush})
	require.Equal(bio.OK, resp.Code)
	require.Equal(1, b.Calls(bio.OpFlush))

	plain, err := r.Register(memory.New(mediaSize, sectorSize))
	require.NoError(err)

	resp = d.Dispatch(ctx, plain, bio.Request{Op: bio.OpFlush})
	require.Equal(bio.EOPNOTSUPP, resp.Code)
}

func TestZeroLength(t *testing.T) {
	require := require.New(t)

	d, _, b, id := setup(t)

	resp := d.Dispatch(context.Background(), id, read(mediaSize, 0))
	require.Equal(bio.OK, resp.Code)
	require.Empty(resp.Data)
	require.Zero(b.Total())
}

type failing struct {
	*memory.Memory
}

func (f failing) WriteAt(ctx context.Context, offset uint64, p []byte) error {
	return syscall.ENOSPC
}

func (f failing) ReadAt(ctx context.Context, offset, length uint64) ([]byte, error) {
	return []byte{1, 2, 3}, nil
}

func TestBackendErrorsPassThrough(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	r := unit.NewRegistry()
	defer r.Close()

	id, err := r.Register(failing{memory.New(mediaSize, sectorSize)})
	require.NoError(err)

	d := New(r, gate.Encoder{})

	resp := d.Dispatch(ctx, id, write(0, make([]byte, 512)))
	require.Equal(bio.ENOSPC, resp.Code)

	resp = d.Dispatch(ctx, id, read(0, 512))
	require.Equal(bio.EIO, resp.Code, "short reads are rejected")
	require.Empty(resp.Data)

	d = New(r, gate.Encoder{ShortRead: gate.ShortReadPad})
	resp = d.Dispatch(ctx, id, read(0, 512))
	require.Equal(bio.OK, resp.Code)
	require.Equal(append([]byte{1, 2, 3}, make([]byte, 509)...), resp.Data)
}

func TestBackendFault(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	d, _, b, id := setup(t)

	fault := true
	b.Hook = func(op bio.Op) {
		if fault && op == bio.OpWrite {
			panic("disk on fire")
		}
	}

	resp := d.Dispatch(ctx, id, write(0, make([]byte, 512)))
	require.Equal(bio.EIO, resp.Code)

	// The unit keeps serving.
	fault = false
	data := bytes.Repeat([]byte{7}, 512)
	require.Equal(bio.OK, d.Dispatch(ctx, id, write(0, data)).Code)

	resp = d.Dispatch(ctx, id, read(0, 512))
	require.Equal(bio.OK, resp.Code)
	require.Equal(data, resp.Data)
}

func TestDestroyMidFlight(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	d, r, b, id := setup(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	b.Hook = func(op bio.Op) {
		if op == bio.OpRead {
			close(entered)
			<-release
		}
	}

	inflight := make(chan bio.Response)
	go func() {
		inflight <- d.Dispatch(ctx, id, read(0, 512))
	}()
	<-entered

	destroyed := make(chan error)
	go func() {
		destroyed <- r.Destroy(id)
	}()

	require.Eventually(func() bool { return len(r.List()) == 0 }, time.Second, time.Millisecond)

	resp := d.Dispatch(ctx, id, write(0, make([]byte, 512)))
	require.Equal(bio.ENXIO, resp.Code)
	require.Zero(b.Calls(bio.OpWrite))
	require.Zero(b.Cleanups())

	close(release)

	resp = <-inflight
	require.Equal(bio.OK, resp.Code)
	require.Equal(make([]byte, 512), resp.Data)

	require.NoError(<-destroyed)
	require.Equal(1, b.Cleanups())
}

func TestSameUnitSerialized(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	d, _, b, id := setup(t)
	b.Delay = 5 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			offset := uint64(i) * 4096
			if i%2 == 0 {
				d.Dispatch(ctx, id, write(offset, make([]byte, 4096)))
			} else {
				d.Dispatch(ctx, id, bio.Request{Op: bio.OpDelete, Offset: offset, Length: 4096})
			}
		}(i)
	}
	wg.Wait()

	require.Equal(8, b.Total())
	require.Zero(b.Overlaps())
}

func TestDistinctUnitsConcurrent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	r := unit.NewRegistry()
	defer r.Close()
	d := New(r, gate.Encoder{})

	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()

	ids := make([]unit.ID, 2)
	for i := range ids {
		b := backendtest.New(mediaSize, sectorSize)
		b.Hook = func(op bio.Op) {
			arrived.Done()
			<-both
		}
		id, err := r.Register(b)
		require.NoError(err)
		ids[i] = id
	}

	// Each request only finishes once the other one reached its backend.
	var wg sync.WaitGroup
	codes := make([]bio.ErrorCode, 2)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id unit.ID) {
			defer wg.Done()
			codes[i] = d.Dispatch(ctx, id, read(0, 512)).Code
		}(i, id)
	}
	wg.Wait()

	require.Equal([]bio.ErrorCode{bio.OK, bio.OK}, codes)
}
