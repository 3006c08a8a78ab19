// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dispatch

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/ggbridge/internal/bio"
	"github.com/asch/ggbridge/internal/gate"
	"github.com/asch/ggbridge/internal/unit"
)

// Server accepts gateway connections and serves each of them in its own
// session. At most workers sessions run at once, zero means no limit.
type Server struct {
	listener   gate.Listener
	registry   *unit.Registry
	dispatcher *Dispatcher
	workers    int
}

func NewServer(l gate.Listener, registry *unit.Registry, d *Dispatcher, workers int) *Server {
	return &Server{
		listener:   l,
		registry:   registry,
		dispatcher: d,
		workers:    workers,
	}
}

// Serve runs until ctx is done, the listener fails or is drained, or a kernel
// device cannot be created. Running sessions are waited for before it returns.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.workers > 0 {
		g.SetLimit(s.workers)
	}

	log.Info().Str("listener", s.listener.String()).Int("workers", s.workers).Msg("Serving.")

	var err error
	for {
		var c gate.Conn
		c, err = s.listener.Accept(gctx)
		if err != nil {
			break
		}

		g.Go(func() error {
			return s.session(gctx, c)
		})
	}

	if werr := g.Wait(); werr != nil {
		return werr
	}

	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

// Serves one connection until the gateway leaves. Only errors that have to
// stop the whole server are returned.
func (s *Server) session(ctx context.Context, c gate.Conn) error {
	defer c.Close()

	logger := log.Logger
	bound := unit.Auto

	for {
		ev, err := c.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				logger.Debug().Msg("Session finished.")
			} else {
				logger.Info().Err(err).Msg("Session failed.")
			}
			return nil
		}

		if ev.Unit == unit.Auto && ev.Kind != gate.EventOpen {
			ev.Unit = bound
		}

		if ev.Err != nil {
			logger.Debug().Err(ev.Err).Msg("Malformed message.")
			if ev.Kind == gate.EventOpen {
				err = c.Ack(ev, nil, ev.Err)
			} else {
				err = c.Reply(ev, bio.Failed(ev.Err))
			}
		} else {
			switch ev.Kind {
			case gate.EventOpen:
				var u *unit.Unit
				u, err = s.open(ev.Unit)
				if err == nil {
					bound = u.ID
					logger = log.With().Str("unit", u.Name).Str("instance", u.Instance.String()).Logger()
				}
				err = c.Ack(ev, u, err)
			case gate.EventIO:
				err = c.Reply(ev, s.dispatcher.Dispatch(ctx, ev.Unit, ev.Req))
			case gate.EventDestroy:
				code := bio.CodeOf(s.destroy(logger, ev))
				err = c.Reply(ev, bio.Response{Code: code})
			}
		}

		if errors.Is(err, gate.ErrCreate) {
			logger.Error().Err(err).Msg("Device creation failed.")
			return err
		}
		if err != nil {
			logger.Info().Err(err).Msg("Reply failed.")
			return nil
		}
	}
}

// Returns the unit the gateway asks for. Auto picks the lowest registered
// one.
func (s *Server) open(id unit.ID) (*unit.Unit, error) {
	if id == unit.Auto {
		ids := s.registry.List()
		if len(ids) == 0 {
			return nil, bio.Errorf(bio.ErrUnknownUnit, bio.ENXIO, "open", "no unit registered")
		}
		id = ids[0]
	}

	return s.registry.Get(id)
}

func (s *Server) destroy(logger zerolog.Logger, ev gate.Event) error {
	err := s.registry.Destroy(ev.Unit)
	if err != nil {
		logger.Debug().Err(err).Msg("Destroy failed.")
	}

	return err
}
