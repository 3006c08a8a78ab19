// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package dispatch routes decoded gateway requests to the backends of their
// units and turns the results into responses.
//
// Requests for one unit reach its backend one at a time, requests for
// distinct units run concurrently. Nothing a backend does to one request,
// including a panic, is allowed to affect other requests or units.
package dispatch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/asch/ggbridge/internal/backend"
	"github.com/asch/ggbridge/internal/bio"
	"github.com/asch/ggbridge/internal/gate"
	"github.com/asch/ggbridge/internal/unit"
)

// Dispatcher executes requests against the units of a registry.
type Dispatcher struct {
	registry *unit.Registry
	encoder  gate.Encoder
}

func New(registry *unit.Registry, encoder gate.Encoder) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		encoder:  encoder,
	}
}

// Dispatch executes req on unit id and returns its response. The unit is
// held exclusively until the backend call returns. Requests violating the
// geometry or the access mode of the unit never reach the backend.
func (d *Dispatcher) Dispatch(ctx context.Context, id unit.ID, req bio.Request) bio.Response {
	u, err := d.registry.Acquire(id)
	if err != nil {
		trace(id, req, err)
		return d.encoder.Encode(req, nil, err)
	}
	defer u.Release()

	data, err := execute(ctx, u, req)
	trace(id, req, err)

	return d.encoder.Encode(req, data, err)
}

func execute(ctx context.Context, u *unit.Unit, req bio.Request) (data []byte, err error) {
	if err := bio.Validate(req, u.Geometry, u.Mode); err != nil {
		return nil, err
	}

	if req.Op != bio.OpFlush && req.Length == 0 {
		return nil, nil
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("unit", u.Name).Stringer("op", req.Op).Uint64("offset", req.Offset).
				Uint64("length", req.Length).Interface("panic", p).Msg("Backend fault.")
			data = nil
			err = bio.Errorf(bio.ErrBackendFault, bio.EIO, req.Op.String(), "panic: %v", p)
		}
	}()

	b := u.Backend

	switch req.Op {
	case bio.OpRead:
		data, err = b.ReadAt(ctx, req.Offset, req.Length)
	case bio.OpWrite:
		err = b.WriteAt(ctx, req.Offset, req.Data)
	case bio.OpDelete:
		err = b.DeleteAt(ctx, req.Offset, req.Length)
	case bio.OpFlush:
		f, ok := b.(backend.Flusher)
		if !ok {
			return nil, bio.Errorf(bio.ErrUnsupported, bio.EOPNOTSUPP, "flush", "backend cannot flush")
		}
		err = f.Flush(ctx)
	}

	return data, err
}

func trace(id unit.ID, req bio.Request, err error) {
	log.Trace().Int32("unit", int32(id)).Uint64("seq", req.Seq).Stringer("op", req.Op).
		Uint64("offset", req.Offset).Uint64("length", req.Length).
		Int32("error", int32(bio.CodeOf(err))).Msg("Request.")
}
