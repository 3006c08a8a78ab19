// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func missing(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.toml")
}

func TestDefaults(t *testing.T) {
	require := require.New(t)

	require.NoError(Configure(missing(t)))

	require.Equal("memory", Cfg.Backend)
	require.Equal(-1, Cfg.Unit)
	require.Equal(30, Cfg.Timeout)
	require.Equal(512, Cfg.SectorSize)
	require.Equal(int64(1024*1024*1024), Cfg.Size)
	require.Equal("stream", Cfg.Transport.Kind)
	require.Equal(16*1024*1024, Cfg.Transport.MaxPayload)
	require.Equal(64*1024, Cfg.Memory.ChunkSize)
	require.Equal(1024*1024, Cfg.S3.ChunkSize)
	require.Equal("reject", Cfg.ShortRead)
}

func TestEnvironment(t *testing.T) {
	require := require.New(t)

	t.Setenv("GGB_BACKEND", "redis")
	t.Setenv("GGB_SIZE", "8")
	t.Setenv("GGB_ACCESS", "ro")
	t.Setenv("GGB_REDIS_ADDRESS", "redis:6379")

	require.NoError(Configure(missing(t)))

	require.Equal("redis", Cfg.Backend)
	require.Equal(int64(8*1024*1024), Cfg.Size)
	require.Equal("ro", Cfg.Access)
	require.Equal("redis:6379", Cfg.Redis.Address)
}

func TestFile(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(os.WriteFile(path, []byte(`
backend = "file"
unit = 3

[file]
path = "/tmp/disk.img"
create = true

[transport]
kind = "ggate"
`), 0o644))

	t.Setenv("GGB_UNIT", "5")

	require.NoError(Configure(path))

	require.Equal(path, Cfg.ConfigPath)
	require.Equal("file", Cfg.Backend)
	require.Equal("/tmp/disk.img", Cfg.File.Path)
	require.True(Cfg.File.Create)
	require.Equal("ggate", Cfg.Transport.Kind)
	require.Equal(5, Cfg.Unit, "environment wins over the file")
}

func TestOverrides(t *testing.T) {
	require := require.New(t)

	t.Setenv("GGB_TIMEOUT", "10")

	require.NoError(Configure(missing(t), func(c *Config) {
		c.Timeout = 2000
		c.Access = "wo"
	}))

	require.Equal(500, Cfg.Timeout)
	require.Equal("wo", Cfg.Access)

	require.NoError(Configure(missing(t), func(c *Config) {
		c.Timeout = 0
	}))
	require.Equal(30, Cfg.Timeout)
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name     string
		override func(*Config)
	}{
		{"backend", func(c *Config) { c.Backend = "tape" }},
		{"access", func(c *Config) { c.Access = "rx" }},
		{"short read", func(c *Config) { c.ShortRead = "ignore" }},
		{"transport", func(c *Config) { c.Transport.Kind = "nbd" }},
		{"unit", func(c *Config) { c.Unit = -2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, Configure(missing(t), tt.override))
		})
	}
}

func TestUsage(t *testing.T) {
	require := require.New(t)

	usage, err := Usage()
	require.NoError(err)
	require.Contains(usage, "GGB_BACKEND")
	require.Contains(usage, "GGB_S3_BUCKET")
	require.Contains(usage, "GGB_ACCESS")
	require.Contains(usage, "Empty defaults to the backend flags")
}
