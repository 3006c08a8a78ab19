// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package redis implements a network backend keeping the device in a single
// redis hash. Every field holds one fixed size chunk and absent fields read
// as zeros, so an empty hash is a zeroed device.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/pkg/errors"

	"github.com/asch/ggbridge/internal/backend"
	"github.com/asch/ggbridge/internal/bio"
)

// Options for New.
type Options struct {
	Address    string
	Password   string
	Database   int
	Key        string
	Size       uint64
	SectorSize uint32
	ChunkSize  uint64
	MaxIdle    int
}

// Redis is a backend storing chunks as fields of the hash Key.
type Redis struct {
	backend.Attrs

	pool      *redis.Pool
	key       string
	address   string
	chunkSize uint64
}

// New returns a backend talking to the redis server at o.Address. The
// connection is verified with PING.
func New(o Options) (*Redis, error) {
	pool := &redis.Pool{
		MaxIdle:     o.MaxIdle,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", o.Address,
				redis.DialPassword(o.Password),
				redis.DialDatabase(o.Database))
		},
	}

	r := NewWithPool(pool, o)

	conn := pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		pool.Close()
		return nil, errors.Wrapf(err, "redis %s", o.Address)
	}

	return r, nil
}

// NewWithPool returns a backend using an existing pool.
func NewWithPool(pool *redis.Pool, o Options) *Redis {
	chunkSize := o.ChunkSize
	if chunkSize < uint64(o.SectorSize) {
		chunkSize = uint64(o.SectorSize)
	}

	return &Redis{
		Attrs:     backend.Attrs{Size: o.Size, Sector: o.SectorSize, Mode: bio.ReadWrite},
		pool:      pool,
		key:       o.Key,
		address:   o.Address,
		chunkSize: chunkSize,
	}
}

func (r *Redis) Info() string {
	return fmt.Sprintf("redis %s hash %s", r.address, r.key)
}

// Fetch the listed chunks with a single HMGET. Missing chunks come back as
// nil.
func (r *Redis) fetch(conn redis.Conn, pieces []backend.Piece) ([][]byte, error) {
	args := make([]interface{}, 0, len(pieces)+1)
	args = append(args, r.key)
	for _, p := range pieces {
		args = append(args, p.Chunk)
	}

	values, err := redis.Values(conn.Do("HMGET", args...))
	if err != nil {
		return nil, errors.Wrap(err, "HMGET")
	}

	chunks := make([][]byte, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("unexpected reply type %T for chunk %d", v, pieces[i].Chunk)
		}
		chunks[i] = b
	}

	return chunks, nil
}

func (r *Redis) ReadAt(ctx context.Context, offset, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	pieces := backend.Split(offset, length, r.chunkSize)
	if len(pieces) == 0 {
		return buf, nil
	}

	conn := r.pool.Get()
	defer conn.Close()

	chunks, err := r.fetch(conn, pieces)
	if err != nil {
		return nil, err
	}

	for i, p := range pieces {
		if chunks[i] != nil {
			copy(buf[p.Pos:p.Pos+p.Length], chunks[i][p.Start:])
		}
	}

	return buf, nil
}

// WriteAt stores whole chunks. Chunks touched only partially are read first
// and merged.
func (r *Redis) WriteAt(ctx context.Context, offset uint64, p []byte) error {
	pieces := backend.Split(offset, uint64(len(p)), r.chunkSize)
	if len(pieces) == 0 {
		return nil
	}

	conn := r.pool.Get()
	defer conn.Close()

	partial := make([]backend.Piece, 0, 2)
	for _, pc := range pieces {
		if !pc.Full(r.chunkSize) {
			partial = append(partial, pc)
		}
	}

	old := make(map[uint64][]byte, len(partial))
	if len(partial) > 0 {
		chunks, err := r.fetch(conn, partial)
		if err != nil {
			return err
		}
		for i, pc := range partial {
			old[pc.Chunk] = chunks[i]
		}
	}

	args := make([]interface{}, 0, 2*len(pieces)+1)
	args = append(args, r.key)
	for _, pc := range pieces {
		chunk := make([]byte, r.chunkSize)
		copy(chunk, old[pc.Chunk])
		copy(chunk[pc.Start:pc.Start+pc.Length], p[pc.Pos:])
		args = append(args, pc.Chunk, chunk)
	}

	_, err := conn.Do("HMSET", args...)

	return errors.Wrap(err, "HMSET")
}

// DeleteAt removes chunks covered completely by the range.
func (r *Redis) DeleteAt(ctx context.Context, offset, length uint64) error {
	args := []interface{}{r.key}
	for _, p := range backend.Split(offset, length, r.chunkSize) {
		if p.Full(r.chunkSize) {
			args = append(args, p.Chunk)
		}
	}

	if len(args) == 1 {
		return nil
	}

	conn := r.pool.Get()
	defer conn.Close()

	_, err := conn.Do("HDEL", args...)

	return errors.Wrap(err, "HDEL")
}

// Flush has nothing to do, every write is acknowledged by the server.
func (r *Redis) Flush(ctx context.Context) error {
	return nil
}

func (r *Redis) Cleanup() error {
	return r.pool.Close()
}
