// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"context"

	"github.com/asch/ggbridge/internal/backend"
	"github.com/asch/ggbridge/internal/bio"
)

// Null implementation of Backend. Usefull for measuring performance of the
// bridge and the gateway underneath it. Otherwise useless. Reads return
// zeros and writes are forgotten. It can also serve as a template for a new
// backend since it implements the whole contract and nothing else.
type null struct {
	backend.Attrs
}

func NewNull(size uint64, sectorSize uint32) *null {
	return &null{backend.Attrs{Size: size, Sector: sectorSize, Mode: bio.ReadWrite}}
}

func (n *null) Info() string {
	return "null device"
}

func (n *null) ReadAt(ctx context.Context, offset, length uint64) ([]byte, error) {
	return make([]byte, length), nil
}

func (n *null) WriteAt(ctx context.Context, offset uint64, p []byte) error {
	return nil
}

func (n *null) DeleteAt(ctx context.Context, offset, length uint64) error {
	return nil
}

func (n *null) Flush(ctx context.Context) error {
	return nil
}

func (n *null) Cleanup() error {
	return nil
}
