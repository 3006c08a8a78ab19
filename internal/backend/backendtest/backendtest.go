// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package backendtest provides a Backend recording how it is called. It is
// meant for tests of the layers above the backends.
package backendtest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asch/ggbridge/internal/backend"
	"github.com/asch/ggbridge/internal/backend/memory"
	"github.com/asch/ggbridge/internal/bio"
)

// Recorder is a memory backend counting calls per operation. It also
// detects calls overlapping in time, which the bridge must never produce on
// one backend.
type Recorder struct {
	backend.Attrs

	mem *memory.Memory

	// Every call sleeps this long while being counted as in flight.
	Delay time.Duration

	// Called inside every data operation before it runs. It may block or
	// panic.
	Hook func(op bio.Op)

	mu       sync.Mutex
	calls    map[bio.Op]int
	cleanups int

	inflight int32
	overlaps int32
}

// New returns a read-write recorder of the given geometry. The geometry is
// not validated.
func New(size uint64, sectorSize uint32) *Recorder {
	return &Recorder{
		Attrs: backend.Attrs{Size: size, Sector: sectorSize, Mode: bio.ReadWrite},
		mem:   memory.New(size, sectorSize),
		calls: make(map[bio.Op]int),
	}
}

// Calls returns how many times op reached the backend.
func (r *Recorder) Calls(op bio.Op) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.calls[op]
}

// Total returns the number of data operations the backend received.
func (r *Recorder) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.calls {
		n += c
	}

	return n
}

// Cleanups returns how many times Cleanup was called.
func (r *Recorder) Cleanups() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cleanups
}

// Overlaps returns the number of calls which started while another one was
// still running.
func (r *Recorder) Overlaps() int {
	return int(atomic.LoadInt32(&r.overlaps))
}

func (r *Recorder) Info() string {
	return "recorder"
}

func (r *Recorder) enter(op bio.Op) func() {
	if atomic.AddInt32(&r.inflight, 1) > 1 {
		atomic.AddInt32(&r.overlaps, 1)
	}

	r.mu.Lock()
	r.calls[op]++
	r.mu.Unlock()

	return func() {
		atomic.AddInt32(&r.inflight, -1)
	}
}

func (r *Recorder) pause(op bio.Op) {
	if r.Hook != nil {
		r.Hook(op)
	}
	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
}

func (r *Recorder) ReadAt(ctx context.Context, offset, length uint64) ([]byte, error) {
	defer r.enter(bio.OpRead)()
	r.pause(bio.OpRead)

	return r.mem.ReadAt(ctx, offset, length)
}

func (r *Recorder) WriteAt(ctx context.Context, offset uint64, p []byte) error {
	defer r.enter(bio.OpWrite)()
	r.pause(bio.OpWrite)

	return r.mem.WriteAt(ctx, offset, p)
}

func (r *Recorder) DeleteAt(ctx context.Context, offset, length uint64) error {
	defer r.enter(bio.OpDelete)()
	r.pause(bio.OpDelete)

	return r.mem.DeleteAt(ctx, offset, length)
}

func (r *Recorder) Flush(ctx context.Context) error {
	defer r.enter(bio.OpFlush)()
	r.pause(bio.OpFlush)

	return nil
}

func (r *Recorder) Cleanup() error {
	r.mu.Lock()
	r.cleanups++
	r.mu.Unlock()

	return r.mem.Cleanup()
}
