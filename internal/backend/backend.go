// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package backend defines the capability set a storage implementation has to
// provide to be served as a unit. Anything implementing Backend can be
// registered; Informer and Flusher are optional.
package backend

import (
	"context"
	"fmt"

	"github.com/asch/ggbridge/internal/bio"
)

// Backend is the storage behind one unit. Geometry and flags are read once at
// registration. Calls on one backend are never concurrent, the bridge
// serializes them per unit.
//
// Errors carrying a bio.ErrorCode or syscall.Errno are reported to the
// gateway verbatim, any other error is reported as EIO.
type Backend interface {
	// Total addressable bytes, a multiple of SectorSize.
	MediaSize() uint64

	// Alignment unit, a power of two.
	SectorSize() uint32

	// Operations the backend supports.
	Flags() bio.AccessMode

	// Returns length bytes starting at offset.
	ReadAt(ctx context.Context, offset, length uint64) ([]byte, error)

	// Stores p at offset.
	WriteAt(ctx context.Context, offset uint64, p []byte) error

	// Advisory trim. Backends ignoring it must still return nil.
	DeleteAt(ctx context.Context, offset, length uint64) error

	// Teardown hook, called once when the unit is destroyed. The error is
	// only logged.
	Cleanup() error
}

// Informer is implemented by backends with a description for operators.
type Informer interface {
	Info() string
}

// Flusher is implemented by backends able to make previous writes durable.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Kind tags the concrete backend implementations.
type Kind string

const (
	KindMemory Kind = "memory"
	KindFile   Kind = "file"
	KindS3     Kind = "s3"
	KindRedis  Kind = "redis"
	KindNull   Kind = "null"
)

// Kinds lists every known backend kind.
var Kinds = []Kind{KindMemory, KindFile, KindS3, KindRedis, KindNull}

// ParseKind returns the kind named s.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}

	return "", fmt.Errorf("unknown backend %q", s)
}

// Attrs is embedded by implementations to answer the geometry queries.
type Attrs struct {
	Size   uint64
	Sector uint32
	Mode   bio.AccessMode
}

func (a Attrs) MediaSize() uint64 {
	return a.Size
}

func (a Attrs) SectorSize() uint32 {
	return a.Sector
}

func (a Attrs) Flags() bio.AccessMode {
	return a.Mode
}

// Info returns the description of b, empty when it has none.
func Info(b Backend) string {
	if i, ok := b.(Informer); ok {
		return i.Info()
	}

	return ""
}
