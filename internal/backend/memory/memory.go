// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memory provides a sparse RAM disk backend. Memory is allocated in
// fixed chunks on first write, so a large device costs nothing until it is
// used.
package memory

import (
	"context"
	"fmt"

	"github.com/asch/ggbridge/internal/backend"
	"github.com/asch/ggbridge/internal/bio"
)

const (
	// Granularity of allocation. Has to be a multiple of every sector
	// size we expect to be used with.
	DefaultChunkSize = 64 * 1024
)

// Memory is a RAM disk. Never written ranges read as zeros. Trim releases
// the chunks it covers completely and ignores the rest.
//
// Memory does not support concurrent access, the bridge never calls one
// backend concurrently.
type Memory struct {
	backend.Attrs

	chunkSize uint64
	chunks    map[uint64][]byte
}

// New returns a read-write RAM disk of size bytes.
func New(size uint64, sectorSize uint32) *Memory {
	return NewWithChunkSize(size, sectorSize, DefaultChunkSize)
}

// NewWithChunkSize is New with explicit allocation granularity.
func NewWithChunkSize(size uint64, sectorSize uint32, chunkSize uint64) *Memory {
	if chunkSize < uint64(sectorSize) {
		chunkSize = uint64(sectorSize)
	}

	return &Memory{
		Attrs:     backend.Attrs{Size: size, Sector: sectorSize, Mode: bio.ReadWrite},
		chunkSize: chunkSize,
		chunks:    make(map[uint64][]byte),
	}
}

// SetFlags changes the advertised access mode. Only meaningful before the
// backend is registered.
func (m *Memory) SetFlags(mode bio.AccessMode) {
	m.Mode = mode
}

func (m *Memory) Info() string {
	return fmt.Sprintf("memory, %d bytes, %d chunks allocated", m.Size, len(m.chunks))
}

// Allocated returns number of chunks holding data.
func (m *Memory) Allocated() int {
	return len(m.chunks)
}

func (m *Memory) ReadAt(ctx context.Context, offset, length uint64) ([]byte, error) {
	if offset+length > m.Size {
		return nil, bio.EIO
	}

	buf := make([]byte, length)
	for _, p := range backend.Split(offset, length, m.chunkSize) {
		if c, ok := m.chunks[p.Chunk]; ok {
			copy(buf[p.Pos:p.Pos+p.Length], c[p.Start:])
		}
	}

	return buf, nil
}

func (m *Memory) WriteAt(ctx context.Context, offset uint64, data []byte) error {
	if offset+uint64(len(data)) > m.Size {
		return bio.ENOSPC
	}

	for _, p := range backend.Split(offset, uint64(len(data)), m.chunkSize) {
		c, ok := m.chunks[p.Chunk]
		if !ok {
			c = make([]byte, m.chunkSize)
			m.chunks[p.Chunk] = c
		}
		copy(c[p.Start:p.Start+p.Length], data[p.Pos:])
	}

	return nil
}

func (m *Memory) DeleteAt(ctx context.Context, offset, length uint64) error {
	for _, p := range backend.Split(offset, length, m.chunkSize) {
		if p.Full(m.chunkSize) {
			delete(m.chunks, p.Chunk)
		}
	}

	return nil
}

func (m *Memory) Cleanup() error {
	m.chunks = make(map[uint64][]byte)
	return nil
}
