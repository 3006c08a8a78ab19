// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package gate is the boundary between the bridge and a block device
// gateway. A gateway opens a unit, sends I/O requests for it and eventually
// destroys it. Every transport decodes the messages of its gateway into
// Events and writes the replies back in its own format.
//
// Two transports are provided. The stream transport speaks a framed binary
// protocol over any net.Listener, a unix socket by default. The ggate
// transport drives the FreeBSD GEOM Gate driver through /dev/ggctl and is
// available only there.
package gate

import (
	"context"
	"errors"

	"github.com/asch/ggbridge/internal/bio"
	"github.com/asch/ggbridge/internal/unit"
)

// ErrCreate marks a failure to create the kernel device of a unit. Unlike
// other connection errors it stops the server.
var ErrCreate = errors.New("cannot create device")

// EventKind tells what the gateway asks for.
type EventKind int

const (
	// The gateway attaches to a unit and waits for its geometry.
	EventOpen EventKind = iota

	// One I/O request.
	EventIO

	// The gateway destroys the unit.
	EventDestroy
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventIO:
		return "io"
	case EventDestroy:
		return "destroy"
	}

	return "unknown"
}

// Event is one decoded gateway message. Err is set when the message was
// malformed. Such an event still has to be replied to, it fails only the
// request it carried.
type Event struct {
	Kind EventKind
	Unit unit.ID
	Req  bio.Request
	Err  error
}

// Conn is a gateway connection. Events are replied to in the order they were
// received.
type Conn interface {
	// Next blocks until the next message arrives. It returns io.EOF when
	// the gateway is gone.
	Next(ctx context.Context) (Event, error)

	// Ack answers EventOpen with the geometry of u, or with err when the
	// unit cannot be opened.
	Ack(ev Event, u *unit.Unit, err error) error

	// Reply answers EventIO and EventDestroy.
	Reply(ev Event, resp bio.Response) error

	Close() error
}

// Listener produces gateway connections.
type Listener interface {
	// Accept blocks until a gateway connects or ctx is done. It returns
	// net.ErrClosed once the listener has nothing more to accept.
	Accept(ctx context.Context) (Conn, error)

	Close() error

	String() string
}
