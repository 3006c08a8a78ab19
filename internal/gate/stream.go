// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/asch/ggbridge/internal/bio"
	"github.com/asch/ggbridge/internal/unit"
)

// DefaultMaxPayload bounds the payload of a single frame.
const DefaultMaxPayload = 16 * 1024 * 1024

// StreamListener accepts stream gateway connections.
type StreamListener struct {
	l          net.Listener
	maxPayload uint32
}

// Listen listens on address. A stale unix socket left behind by a previous
// run is removed first.
func Listen(network, address string, maxPayload uint32) (*StreamListener, error) {
	if network == "unix" {
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, pkgerrors.Wrapf(err, "remove stale socket %s", address)
		}
	}

	l, err := net.Listen(network, address)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "listen on %s %s", network, address)
	}

	return NewStreamListener(l, maxPayload), nil
}

// NewStreamListener serves the stream protocol on l.
func NewStreamListener(l net.Listener, maxPayload uint32) *StreamListener {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}

	return &StreamListener{l: l, maxPayload: maxPayload}
}

func (s *StreamListener) Accept(ctx context.Context) (Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		s.l.Close()
	})
	defer stop()

	c, err := s.l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	return NewStreamConn(c, s.maxPayload), nil
}

func (s *StreamListener) Close() error {
	return s.l.Close()
}

func (s *StreamListener) String() string {
	return s.l.Addr().Network() + ":" + s.l.Addr().String()
}

// StreamConn is one gateway connection speaking the framed protocol.
type StreamConn struct {
	c          net.Conn
	r          *bufio.Reader
	maxPayload uint32

	mu sync.Mutex
	w  *bufio.Writer
}

// NewStreamConn speaks the stream protocol over c.
func NewStreamConn(c net.Conn, maxPayload uint32) *StreamConn {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}

	return &StreamConn{
		c:          c,
		r:          bufio.NewReader(c),
		w:          bufio.NewWriter(c),
		maxPayload: maxPayload,
	}
}

// Next reads the next frame. A frame which cannot be read completely breaks
// the connection, a frame which was read but is malformed is returned as an
// Event with Err set.
func (s *StreamConn) Next(ctx context.Context) (Event, error) {
	stop := context.AfterFunc(ctx, func() {
		s.c.Close()
	})
	defer stop()

	f, err := ReadFrame(s.r, s.maxPayload)
	if err != nil {
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		return Event{}, err
	}

	ev, err := Decode(f, s.maxPayload)
	ev.Err = err

	return ev, nil
}

func (s *StreamConn) Ack(ev Event, u *unit.Unit, err error) error {
	return s.write(GeometryFrame(ev, u, err))
}

func (s *StreamConn) Reply(ev Event, resp bio.Response) error {
	return s.write(DoneFrame(ev, resp))
}

func (s *StreamConn) write(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := WriteFrame(s.w, f); err != nil {
		return err
	}

	return s.w.Flush()
}

func (s *StreamConn) Close() error {
	return s.c.Close()
}
