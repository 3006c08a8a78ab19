// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package backend

// Piece is the part of a byte range falling into one fixed size chunk.
type Piece struct {
	// Index of the chunk.
	Chunk uint64

	// Offset of the piece inside the chunk.
	Start uint64

	// Length of the piece.
	Length uint64

	// Offset of the piece inside the caller's buffer.
	Pos uint64
}

// Full reports whether the piece covers its whole chunk.
func (p Piece) Full(chunkSize uint64) bool {
	return p.Start == 0 && p.Length == chunkSize
}

// Split cuts [offset, offset+length) at chunk boundaries.
func Split(offset, length, chunkSize uint64) []Piece {
	pieces := make([]Piece, 0, length/chunkSize+2)

	var pos uint64
	for length > 0 {
		chunk := offset / chunkSize
		start := offset % chunkSize
		n := chunkSize - start
		if n > length {
			n = length
		}

		pieces = append(pieces, Piece{Chunk: chunk, Start: start, Length: n, Pos: pos})

		offset += n
		pos += n
		length -= n
	}

	return pieces
}
