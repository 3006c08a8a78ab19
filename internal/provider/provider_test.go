// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package provider

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/asch/ggbridge/internal/backend"
	"github.com/asch/ggbridge/internal/bio"
	"github.com/asch/ggbridge/internal/config"
)

func cfg(t *testing.T, kind string, override func(*config.Config)) *config.Config {
	t.Setenv("GGB_BACKEND", kind)
	t.Setenv("GGB_SIZE", "1")

	require.NoError(t, config.Configure(filepath.Join(t.TempDir(), "missing.toml"), override))

	c := config.Cfg

	return &c
}

func TestOpen(t *testing.T) {
	srv := miniredis.RunT(t)

	tests := []struct {
		kind     string
		override func(*config.Config)
		info     string
	}{
		{"memory", func(c *config.Config) {}, "memory"},
		{"null", func(c *config.Config) {}, "null device"},
		{"file", func(c *config.Config) {
			c.File.Path = filepath.Join(t.TempDir(), "disk.img")
			c.File.Create = true
		}, "disk.img"},
		{"redis", func(c *config.Config) {
			c.Redis.Address = srv.Addr()
		}, "redis"},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			require := require.New(t)
			ctx := context.Background()

			b, err := Open(cfg(t, tt.kind, tt.override))
			require.NoError(err)
			defer b.Cleanup()

			require.Equal(uint64(1024*1024), b.MediaSize())
			require.Equal(uint32(512), b.SectorSize())
			require.Equal(bio.ReadWrite, b.Flags())
			require.Contains(backend.Info(b), tt.info)

			data, err := b.ReadAt(ctx, 4096, 512)
			require.NoError(err)
			require.Equal(make([]byte, 512), data)
		})
	}
}

func TestOpenFailures(t *testing.T) {
	require := require.New(t)

	_, err := Open(cfg(t, "file", func(c *config.Config) {
		c.File.Path = filepath.Join(t.TempDir(), "absent.img")
	}))
	require.Error(err)

	_, err = Open(cfg(t, "redis", func(c *config.Config) {
		c.Redis.Address = "127.0.0.1:1"
	}))
	require.Error(err)

	_, err = Open(&config.Config{Backend: "tape"})
	require.Error(err)
}
