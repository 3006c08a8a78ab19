// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package file implements a backend stored in a regular file.
package file

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/asch/ggbridge/internal/backend"
	"github.com/asch/ggbridge/internal/bio"
)

// Options for Open.
type Options struct {
	Path       string
	SectorSize uint32

	// Size of the device. Zero means the size of the file, rounded down
	// to the sector size.
	Size uint64

	// Create the file when missing and extend it to Size.
	Create bool

	// Open the file read-only and advertise a read-only backend.
	ReadOnly bool

	// Deallocate trimmed ranges. Supported on Linux only, elsewhere trim
	// stays a no-op.
	PunchHoles bool
}

// File is a backend on top of *os.File.
type File struct {
	backend.Attrs

	file  *os.File
	punch bool
}

// Open opens or creates the backing file according to o.
func Open(o Options) (*File, error) {
	flag := os.O_RDWR
	mode := bio.ReadWrite
	if o.ReadOnly {
		flag = os.O_RDONLY
		mode = bio.ReadOnly
	} else if o.Create {
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(o.Path, flag, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open backing file")
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %s", o.Path)
	}

	size := o.Size
	if size == 0 {
		size = uint64(stat.Size())
	} else if o.Create && uint64(stat.Size()) < size {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "extend %s to %d bytes", o.Path, size)
		}
	}
	size -= size % uint64(o.SectorSize)

	return New(f, size, o.SectorSize, mode, o.PunchHoles), nil
}

// New wraps an already opened file.
func New(f *os.File, size uint64, sectorSize uint32, mode bio.AccessMode, punch bool) *File {
	return &File{
		Attrs: backend.Attrs{Size: size, Sector: sectorSize, Mode: mode},
		file:  f,
		punch: punch,
	}
}

func (f *File) Info() string {
	return fmt.Sprintf("file %s", f.file.Name())
}

// ReadAt implements Backend.ReadAt. Ranges past the end of a shorter file
// read as zeros.
func (f *File) ReadAt(ctx context.Context, offset, length uint64) ([]byte, error) {
	buf := make([]byte, length)

	_, err := f.file.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "read %d bytes at %d", length, offset)
	}

	return buf, nil
}

// WriteAt implements Backend.WriteAt.
func (f *File) WriteAt(ctx context.Context, offset uint64, p []byte) error {
	_, err := f.file.WriteAt(p, int64(offset))

	return errors.Wrapf(err, "write %d bytes at %d", len(p), offset)
}

// DeleteAt implements Backend.DeleteAt.
func (f *File) DeleteAt(ctx context.Context, offset, length uint64) error {
	if !f.punch || length == 0 {
		return nil
	}

	return errors.Wrapf(punchHole(f.file, int64(offset), int64(length)),
		"punch %d bytes at %d", length, offset)
}

// Flush implements Flusher.
func (f *File) Flush(ctx context.Context) error {
	return errors.Wrap(f.file.Sync(), "sync")
}

// Cleanup implements Backend.Cleanup.
func (f *File) Cleanup() error {
	return f.file.Close()
}
