// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objstore

import (
	"github.com/asch/ggbridge/internal/backend"
)

// Bookkeeping of chunk objects. Present chunks have an object holding live
// data. Dead chunks were trimmed, still have an object, and wait for the
// collector. A chunk is never in both sets.
//
// The map does not support concurrent access.
type chunkMap struct {
	Present map[uint64]struct{}
	Dead    map[uint64]struct{}
}

func newChunkMap(keys []uint64) *chunkMap {
	m := chunkMap{
		Present: make(map[uint64]struct{}, len(keys)),
		Dead:    make(map[uint64]struct{}),
	}

	for _, k := range keys {
		m.Present[k] = struct{}{}
	}

	return &m
}

// Returns pieces of present chunks.
func (m *chunkMap) filterPresent(pieces []backend.Piece) []backend.Piece {
	present := make([]backend.Piece, 0, len(pieces))
	for _, p := range pieces {
		if _, ok := m.Present[p.Chunk]; ok {
			present = append(present, p)
		}
	}

	return present
}

// Marks all chunks of pieces present and returns which of them were present
// before.
func (m *chunkMap) markPresent(pieces []backend.Piece) []bool {
	existed := make([]bool, len(pieces))
	for i, p := range pieces {
		_, existed[i] = m.Present[p.Chunk]
		m.Present[p.Chunk] = struct{}{}
		delete(m.Dead, p.Chunk)
	}

	return existed
}

// Moves present chunks covered completely by pieces to the dead set.
func (m *chunkMap) markDead(pieces []backend.Piece, chunkSize uint64) {
	for _, p := range pieces {
		if !p.Full(chunkSize) {
			continue
		}
		if _, ok := m.Present[p.Chunk]; ok {
			delete(m.Present, p.Chunk)
			m.Dead[p.Chunk] = struct{}{}
		}
	}
}
