// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/asch/ggbridge/internal/backend"
	"github.com/asch/ggbridge/internal/bio"
	"github.com/asch/ggbridge/internal/gate"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	DefaultConfig = "/etc/ggbridge/config.toml"

	// Bounds of the I/O timeout in seconds.
	defaultTimeout = 30
	maxTimeout     = 1000
	clampedTimeout = 500

	mib = 1024 * 1024
	kib = 1024
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Backend    string `toml:"backend" env:"GGB_BACKEND" env-default:"memory" env-description:"Backend serving the unit: memory, file, s3, redis or null."`
	Unit       int    `toml:"unit" env:"GGB_UNIT" env-default:"-1" env-description:"Unit number, decimal part of /dev/ggate%d. -1 picks the lowest free one."`
	Name       string `toml:"name" env:"GGB_NAME" env-default:"" env-description:"Unit name used in logs. Defaults to the device name."`
	Access     string `toml:"access" env:"GGB_ACCESS" env-default:"" env-description:"Access mode rw, ro or wo. Empty defaults to the backend flags, a writable backend is served rw and not ro."`
	Timeout    int    `toml:"timeout" env:"GGB_TIMEOUT" env-default:"30" env-description:"I/O timeout reported to the gateway in seconds."`
	SectorSize int    `toml:"sector_size" env:"GGB_SECTORSIZE" env-default:"512" env-description:"Sector size."`
	Size       int64  `toml:"size" env:"GGB_SIZE" env-default:"1024" env-description:"Device size in MiB. Zero takes the size of the backing file for the file backend."`
	ShortRead  string `toml:"short_read" env:"GGB_SHORTREAD" env-default:"reject" env-description:"What to do with short backend reads: reject or pad."`

	Transport struct {
		Kind       string `toml:"kind" env:"GGB_TRANSPORT" env-default:"stream" env-description:"Gateway transport: stream or ggate."`
		Network    string `toml:"network" env:"GGB_TRANSPORT_NETWORK" env-default:"unix" env-description:"Network of the stream transport."`
		Address    string `toml:"address" env:"GGB_TRANSPORT_ADDRESS" env-default:"/var/run/ggbridge.sock" env-description:"Address of the stream transport."`
		Device     string `toml:"device" env:"GGB_TRANSPORT_DEVICE" env-default:"/dev/ggctl" env-description:"GEOM Gate control device."`
		Workers    int    `toml:"workers" env:"GGB_TRANSPORT_WORKERS" env-default:"16" env-description:"Max number of concurrently served gateway connections. Zero means unlimited."`
		MaxPayload int    `toml:"max_payload" env:"GGB_TRANSPORT_MAXPAYLOAD" env-default:"16" env-description:"Max payload of a stream frame in MiB."`
	} `toml:"transport"`

	Memory struct {
		ChunkSize int `toml:"chunk_size" env:"GGB_MEMORY_CHUNKSIZE" env-default:"64" env-description:"Allocation granularity in KiB."`
	} `toml:"memory"`

	File struct {
		Path       string `toml:"path" env:"GGB_FILE_PATH" env-default:"" env-description:"Backing file."`
		Create     bool   `toml:"create" env:"GGB_FILE_CREATE" env-default:"false" env-description:"Create the backing file and extend it to the device size."`
		PunchHoles bool   `toml:"punch_holes" env:"GGB_FILE_PUNCHHOLES" env-default:"false" env-description:"Deallocate trimmed ranges. Linux only."`
	} `toml:"file"`

	S3 struct {
		Bucket      string `toml:"bucket" env:"GGB_S3_BUCKET" env-description:"S3 Bucket name." env-default:"ggbridge"`
		Remote      string `toml:"remote" env:"GGB_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region      string `toml:"region" env:"GGB_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey   string `toml:"access_key" env:"GGB_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey   string `toml:"secret_key" env:"GGB_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Prefix      string `toml:"prefix" env:"GGB_S3_PREFIX" env-description:"Prefix of the chunk objects." env-default:"chunks/"`
		ChunkSize   int    `toml:"chunk_size" env:"GGB_S3_CHUNKSIZE" env-description:"Chunk size in KiB." env-default:"1024"`
		Uploaders   int    `toml:"uploaders" env:"GGB_S3_UPLOADERS" env-description:"S3 Max number of uploader threads." env-default:"16"`
		Downloaders int    `toml:"downloaders" env:"GGB_S3_DOWNLOADERS" env-description:"S3 Max number of downloader threads." env-default:"16"`
		Collect     int    `toml:"collect" env:"GGB_S3_COLLECT" env-description:"Seconds between deletions of trimmed chunks. Zero deletes them during trim." env-default:"600"`
	} `toml:"s3"`

	Redis struct {
		Address   string `toml:"address" env:"GGB_REDIS_ADDRESS" env-description:"Redis server address." env-default:"localhost:6379"`
		Password  string `toml:"password" env:"GGB_REDIS_PASSWORD" env-description:"Redis password." env-default:""`
		Database  int    `toml:"database" env:"GGB_REDIS_DATABASE" env-description:"Redis database number." env-default:"0"`
		Key       string `toml:"key" env:"GGB_REDIS_KEY" env-description:"Hash holding the chunks." env-default:"ggbridge"`
		ChunkSize int    `toml:"chunk_size" env:"GGB_REDIS_CHUNKSIZE" env-description:"Chunk size in KiB." env-default:"64"`
		MaxIdle   int    `toml:"max_idle" env:"GGB_REDIS_MAXIDLE" env-description:"Max number of idle connections." env-default:"4"`
	} `toml:"redis"`

	Log struct {
		Level  int  `toml:"level" env:"GGB_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"GGB_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"GGB_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"GGB_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads the configuration file at path, then the environment
// variables, then applies overrides, typically commandline flags. The
// configuration file has the lowest priority. It is perfectly fine to use
// just one of these or to combine them.
func Configure(path string, overrides ...func(*Config)) error {
	Cfg = Config{ConfigPath: path}

	if err := read(&Cfg); err != nil {
		return err
	}

	for _, o := range overrides {
		o(&Cfg)
	}

	return postprocess(&Cfg)
}

// Parse the configuration file and reads the environment variable. A missing
// file is not an error.
func read(c *Config) error {
	if _, err := os.Stat(c.ConfigPath); err == nil {
		return cleanenv.ReadConfig(c.ConfigPath, c)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return cleanenv.ReadEnv(c)
}

// Converts units and checks the enumerations.
func postprocess(c *Config) error {
	if _, err := backend.ParseKind(c.Backend); err != nil {
		return err
	}

	if _, err := bio.ParseAccessMode(c.Access); err != nil {
		return err
	}

	if _, err := gate.ParseShortReadPolicy(c.ShortRead); err != nil {
		return err
	}

	switch c.Transport.Kind {
	case "stream", "ggate":
	default:
		return fmt.Errorf("unknown transport %q, want stream or ggate", c.Transport.Kind)
	}

	if c.Unit < -1 {
		return fmt.Errorf("invalid unit number %d", c.Unit)
	}

	if c.Timeout < 1 {
		c.Timeout = defaultTimeout
	} else if c.Timeout > maxTimeout {
		c.Timeout = clampedTimeout
	}

	if c.SectorSize <= 0 {
		c.SectorSize = bio.DefaultSectorSize
	}

	c.Size *= mib
	c.Transport.MaxPayload *= mib
	c.Memory.ChunkSize *= kib
	c.S3.ChunkSize *= kib
	c.Redis.ChunkSize *= kib

	return nil
}

// Usage returns the description of all environment variables.
func Usage() (string, error) {
	header := "Environment variables:"

	return cleanenv.GetDescription(&Config{}, &header)
}
