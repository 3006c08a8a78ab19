// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// ggbridge is a userspace daemon serving virtual block devices. A block
// device gateway, the FreeBSD GEOM Gate driver or any program speaking the
// stream protocol, sends I/O requests which are validated and executed by a
// storage backend. It is designed for easy extension of all the important
// parts. Hence new backends or gateway transports can be added without
// touching the rest.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/bio describes requests, responses and error codes.
//
// - internal/backend defines the backend contract. Its subpackages are the
// backend implementations: memory, file, s3 through objstore, redis and null.
// The null implementation does nothing but correctly and is useful for
// benchmarking the bridge and the gateway.
//
// - internal/unit is the registry of served units.
//
// - internal/gate decodes gateway messages and encodes replies for the
// stream and ggate transports.
//
// - internal/dispatch routes requests to backends and serves connections.
//
// - internal/config and internal/provider contain configuration common for
// all backends and the selection of the backend.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asch/ggbridge/internal/bio"
	"github.com/asch/ggbridge/internal/config"
	"github.com/asch/ggbridge/internal/dispatch"
	"github.com/asch/ggbridge/internal/gate"
	"github.com/asch/ggbridge/internal/provider"
	"github.com/asch/ggbridge/internal/unit"
)

// Commandline flags. They have the highest priority when set explicitly.
type flags struct {
	config  string
	access  string
	timeout int
	unit    int
	quiet   bool
	verbose int
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var f flags

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured backend as a unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &f)
		},
	}

	env := &cobra.Command{
		Use:   "env",
		Short: "Print the environment variables used for configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			usage, err := config.Usage()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), usage)
			return nil
		},
	}

	root := &cobra.Command{
		Use:          "ggbridge",
		Short:        "Virtual block device bridge between a gateway and a storage backend",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         serve.RunE,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.config, "config", "c", config.DefaultConfig, "Path to configuration file")
	pf.StringVarP(&f.access, "access", "o", "", "Access mode: rw, ro or wo")
	pf.IntVarP(&f.timeout, "timeout", "t", 0, "I/O timeout in seconds")
	pf.IntVarP(&f.unit, "unit", "u", -1, "Unit number, -1 for the lowest free one")
	pf.BoolVarP(&f.quiet, "quiet", "q", false, "Log warnings and errors only")
	pf.CountVarP(&f.verbose, "verbose", "v", "More verbose logging, repeat for even more")

	root.AddCommand(serve, env)

	return root
}

// Parse configuration, builds the backend, registers it as a unit and serves
// it until it is signaled by SIGINT or SIGTERM to gracefully finish.
func run(cmd *cobra.Command, f *flags) error {
	err := config.Configure(f.config, func(c *config.Config) {
		fs := cmd.Flags()
		if fs.Changed("access") {
			c.Access = f.access
		}
		if fs.Changed("timeout") {
			c.Timeout = f.timeout
		}
		if fs.Changed("unit") {
			c.Unit = f.unit
		}
		if f.quiet {
			c.Log.Level = int(zerolog.WarnLevel)
		}
		if f.verbose > 0 {
			c.Log.Level = int(zerolog.InfoLevel) - f.verbose
		}
	})
	if err != nil {
		return err
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	b, err := provider.Open(&config.Cfg)
	if err != nil {
		return err
	}

	registry := unit.NewRegistry()
	defer registry.Close()

	opts := []unit.Option{
		unit.WithID(unit.ID(config.Cfg.Unit)),
		unit.WithName(config.Cfg.Name),
		unit.WithTimeout(time.Duration(config.Cfg.Timeout) * time.Second),
	}
	if config.Cfg.Access != "" {
		mode, _ := bio.ParseAccessMode(config.Cfg.Access)
		opts = append(opts, unit.WithAccessMode(mode))
	}

	id, err := registry.Register(b, opts...)
	if err != nil {
		b.Cleanup()
		return err
	}

	if config.Cfg.Unit == int(unit.Auto) {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}

	listener, err := getListener(id)
	if err != nil {
		return err
	}
	defer listener.Close()

	shortRead, _ := gate.ParseShortReadPolicy(config.Cfg.ShortRead)
	d := dispatch.New(registry, gate.Encoder{ShortRead: shortRead})
	server := dispatch.NewServer(listener, registry, d, config.Cfg.Transport.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = server.Serve(ctx)

	log.Info().Msgf("Removing %s", id)

	return err
}

// Return GEOM Gate listener if user wants it, otherwise returns stream
// listener, which is default.
func getListener(id unit.ID) (gate.Listener, error) {
	t := config.Cfg.Transport

	if t.Kind == "ggate" {
		return gate.ListenGGate(t.Device, id)
	}

	return gate.Listen(t.Network, t.Address, uint32(t.MaxPayload))
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
