// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asch/ggbridge/internal/bio"
)

func TestStreamConn(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	client, server := net.Pipe()
	defer client.Close()

	conn := NewStreamConn(server, 0)
	defer conn.Close()

	data := bytes.Repeat([]byte{0xAB}, 512)
	go func() {
		WriteFrame(client, frame(CmdWrite, 0, 512, data))
		WriteFrame(client, frame(Cmd(0x77), 0, 512, nil))
	}()

	ev, err := conn.Next(ctx)
	require.NoError(err)
	require.NoError(ev.Err)
	require.Equal(bio.OpWrite, ev.Req.Op)
	require.Equal(data, ev.Req.Data)

	go conn.Reply(ev, bio.Response{})

	reply, err := ReadFrame(client, 0)
	require.NoError(err)
	require.Equal(CmdDone, reply.Cmd)
	require.Equal(int32(0), reply.Error)
	require.Equal(uint64(9), reply.Seq)

	// A malformed frame is an event too, the connection survives it.
	ev, err = conn.Next(ctx)
	require.NoError(err)
	require.ErrorIs(ev.Err, bio.ErrProtocol)

	go conn.Reply(ev, bio.Failed(ev.Err))

	reply, err = ReadFrame(client, 0)
	require.NoError(err)
	require.Equal(int32(bio.EOPNOTSUPP), reply.Error)

	client.Close()
	_, err = conn.Next(ctx)
	require.ErrorIs(err, io.EOF)
}

func TestStreamConnCanceled(t *testing.T) {
	require := require.New(t)

	client, server := net.Pipe()
	defer client.Close()

	conn := NewStreamConn(server, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := conn.Next(ctx)
	require.ErrorIs(err, context.Canceled)
}

func TestStreamListener(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "gate.sock")

	l, err := Listen("unix", path, 1024)
	require.NoError(err)
	defer l.Close()
	require.Contains(l.String(), "gate.sock")

	go func() {
		c, err := net.Dial("unix", path)
		if err != nil {
			return
		}
		defer c.Close()
		WriteFrame(c, frame(CmdOpen, 0, 0, nil))
		ReadFrame(c, 1024)
	}()

	conn, err := l.Accept(context.Background())
	require.NoError(err)
	defer conn.Close()

	ev, err := conn.Next(context.Background())
	require.NoError(err)
	require.Equal(EventOpen, ev.Kind)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Accept(ctx)
	require.ErrorIs(err, context.Canceled)
}
