// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objstore implements a network backend on top of an object storage.
// The device is cut into fixed size chunks and every chunk ever written is
// one object. Chunks without an object read as zeros.
//
// The storage protocol is hidden behind the ObjectStore interface, see
// package s3 for the default implementation. Transfers go through
// ObjectProxy which runs a pool of workers and prioritizes requests the
// gateway waits for over background deletes of trimmed chunks.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/ggbridge/internal/backend"
	"github.com/asch/ggbridge/internal/bio"
)

// ErrClosed is returned for transfers submitted after Cleanup.
var ErrClosed = errors.New("object store closed")

// Interface for the object storage. Anything implementing this interface can
// be used as a storage for chunks.
type ObjectStore interface {
	// Uploads data in buf under the key identifier.
	Upload(key uint64, buf []byte) error

	// Downloads data into buf starting from offset in the object
	// identified by key. The length of buf is the length of requested
	// data.
	DownloadAt(key uint64, buf []byte, offset int64) error

	// Deletes object identified by key. Deleting a missing object is not
	// an error.
	Delete(key uint64) error

	// Returns keys of all existing objects.
	Keys() ([]uint64, error)

	// Human readable location of the objects.
	String() string
}

// Options for New.
type Options struct {
	Size        uint64
	SectorSize  uint32
	ChunkSize   uint64
	Uploaders   int
	Downloaders int

	// Period of the collector deleting trimmed chunks. Zero deletes them
	// synchronously during trim.
	CollectInterval time.Duration
}

// ObjStore is the backend. Chunk bookkeeping is guarded by mu, the bridge
// serializes everything else.
type ObjStore struct {
	backend.Attrs

	proxy     *ObjectProxy
	location  string
	chunkSize uint64

	mu     sync.Mutex
	chunks *chunkMap

	interval time.Duration
	quit     chan struct{}
	stopped  chan struct{}
}

// New lists the existing chunks of store and returns the backend. A
// collector is started when o.CollectInterval is positive.
func New(store ObjectStore, o Options) (*ObjStore, error) {
	keys, err := store.Keys()
	if err != nil {
		return nil, fmt.Errorf("list chunks in %s: %w", store, err)
	}

	chunkSize := o.ChunkSize
	if chunkSize < uint64(o.SectorSize) {
		chunkSize = uint64(o.SectorSize)
	}

	b := &ObjStore{
		Attrs:     backend.Attrs{Size: o.Size, Sector: o.SectorSize, Mode: bio.ReadWrite},
		proxy:     NewProxy(store, o.Uploaders, o.Downloaders),
		location:  store.String(),
		chunkSize: chunkSize,
		chunks:    newChunkMap(keys),
		interval:  o.CollectInterval,
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	log.Info().Str("store", b.location).Int("chunks", len(keys)).Msg("Object store opened.")

	if b.interval > 0 {
		go b.collector()
	} else {
		close(b.stopped)
	}

	return b, nil
}

func (b *ObjStore) Info() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return fmt.Sprintf("objects %s, chunk size %d, %d chunks", b.location, b.chunkSize, len(b.chunks.Present))
}

// Read extent starting at offset with length length. Chunks present in the
// storage are downloaded in parallel, the rest stays zeroed.
func (b *ObjStore) ReadAt(ctx context.Context, offset, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	pieces := backend.Split(offset, length, b.chunkSize)

	b.mu.Lock()
	present := b.chunks.filterPresent(pieces)
	b.mu.Unlock()

	var g errgroup.Group
	for _, p := range present {
		p := p
		g.Go(func() error {
			return b.proxy.Download(p.Chunk, buf[p.Pos:p.Pos+p.Length], int64(p.Start), true)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return buf, nil
}

// Write uploads every touched chunk. Partially touched chunks which already
// exist are downloaded and merged first.
func (b *ObjStore) WriteAt(ctx context.Context, offset uint64, data []byte) error {
	pieces := backend.Split(offset, uint64(len(data)), b.chunkSize)

	// Marking chunks alive before the upload makes sure the collector
	// never deletes them afterwards.
	b.mu.Lock()
	existed := b.chunks.markPresent(pieces)
	b.mu.Unlock()

	var g errgroup.Group
	for i, p := range pieces {
		p, exists := p, existed[i]
		g.Go(func() error {
			chunk := make([]byte, b.chunkSize)
			if exists && !p.Full(b.chunkSize) {
				if err := b.proxy.Download(p.Chunk, chunk, 0, true); err != nil {
					return err
				}
			}
			copy(chunk[p.Start:p.Start+p.Length], data[p.Pos:])

			return b.proxy.Upload(p.Chunk, chunk, true)
		})
	}

	return g.Wait()
}

// Trim marks chunks covered completely by the range as dead. They read as
// zeros from now on and are deleted by the collector.
func (b *ObjStore) DeleteAt(ctx context.Context, offset, length uint64) error {
	b.mu.Lock()
	b.chunks.markDead(backend.Split(offset, length, b.chunkSize), b.chunkSize)
	b.mu.Unlock()

	if b.interval <= 0 {
		b.collect()
	}

	return nil
}

// Every write is uploaded before it is acknowledged, there is nothing to
// flush.
func (b *ObjStore) Flush(ctx context.Context) error {
	return nil
}

// Stops the collector, deletes remaining dead chunks and stops the workers.
func (b *ObjStore) Cleanup() error {
	if b.interval > 0 {
		close(b.quit)
	}
	<-b.stopped

	b.collect()
	b.proxy.Close()

	return nil
}

// Deletes all dead chunks. The lock is held for the whole run, so a write
// reviving a chunk either waits for its deletion or removes it from the dead
// set before the collector gets to it.
func (b *ObjStore) collect() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks.Dead) == 0 {
		return
	}

	log.Trace().Int("chunks", len(b.chunks.Dead)).Msg("Chunk collection started.")

	for k := range b.chunks.Dead {
		if err := b.proxy.Delete(k); err != nil {
			log.Info().Err(err).Uint64("chunk", k).Send()
			continue
		}
		delete(b.chunks.Dead, k)
	}

	log.Trace().Msg("Chunk collection finished.")
}

// Collector infinite loop. Deleting dead chunks is cheap, hence running
// regularly.
func (b *ObjStore) collector() {
	defer close(b.stopped)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.collect()
		case <-b.quit:
			return
		}
	}
}
