// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package provider builds the backend selected by the configuration.
package provider

import (
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/asch/ggbridge/internal/backend"
	"github.com/asch/ggbridge/internal/backend/file"
	"github.com/asch/ggbridge/internal/backend/memory"
	"github.com/asch/ggbridge/internal/backend/null"
	"github.com/asch/ggbridge/internal/backend/objstore"
	"github.com/asch/ggbridge/internal/backend/objstore/s3"
	"github.com/asch/ggbridge/internal/backend/redis"
	"github.com/asch/ggbridge/internal/bio"
	"github.com/asch/ggbridge/internal/config"
)

// Open returns the backend of kind c.Backend configured by c. Sizes in c
// are expected in bytes, as left by config.Configure.
func Open(c *config.Config) (backend.Backend, error) {
	kind, err := backend.ParseKind(c.Backend)
	if err != nil {
		return nil, err
	}

	size := uint64(c.Size)
	sector := uint32(c.SectorSize)

	switch kind {
	case backend.KindMemory:
		return memory.NewWithChunkSize(size, sector, uint64(c.Memory.ChunkSize)), nil

	case backend.KindNull:
		return null.NewNull(size, sector), nil

	case backend.KindFile:
		mode, _ := bio.ParseAccessMode(c.Access)
		f, err := file.Open(file.Options{
			Path:       c.File.Path,
			SectorSize: sector,
			Size:       size,
			Create:     c.File.Create,
			ReadOnly:   mode == bio.ReadOnly,
			PunchHoles: c.File.PunchHoles,
		})
		if err != nil {
			return nil, pkgerrors.Wrap(err, "file backend")
		}
		return f, nil

	case backend.KindRedis:
		r, err := redis.New(redis.Options{
			Address:    c.Redis.Address,
			Password:   c.Redis.Password,
			Database:   c.Redis.Database,
			Key:        c.Redis.Key,
			Size:       size,
			SectorSize: sector,
			ChunkSize:  uint64(c.Redis.ChunkSize),
			MaxIdle:    c.Redis.MaxIdle,
		})
		if err != nil {
			return nil, pkgerrors.Wrap(err, "redis backend")
		}
		return r, nil

	case backend.KindS3:
		store, err := s3.New(s3.Options{
			Remote:    c.S3.Remote,
			Region:    c.S3.Region,
			Bucket:    c.S3.Bucket,
			Prefix:    c.S3.Prefix,
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey,
		})
		if err != nil {
			return nil, pkgerrors.Wrap(err, "s3 backend")
		}

		o, err := objstore.New(store, objstore.Options{
			Size:            size,
			SectorSize:      sector,
			ChunkSize:       uint64(c.S3.ChunkSize),
			Uploaders:       c.S3.Uploaders,
			Downloaders:     c.S3.Downloaders,
			CollectInterval: time.Duration(c.S3.Collect) * time.Second,
		})
		if err != nil {
			return nil, pkgerrors.Wrap(err, "s3 backend")
		}
		return o, nil
	}

	return nil, pkgerrors.Errorf("backend %s not implemented", kind)
}
