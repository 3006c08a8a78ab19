// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

//go:build freebsd

package gate

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"unsafe"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/asch/ggbridge/internal/bio"
	"github.com/asch/ggbridge/internal/unit"
)

// Initial request buffer. It grows when the kernel asks for more.
const ggInitialBuffer = 128 * 1024

const ggModule = "geom_gate"

// GGateListener hands out one connection per unit it was created for. Each
// connection creates its own ggate device. Once every unit was handed out and
// all devices are gone, Accept returns net.ErrClosed.
type GGateListener struct {
	device string
	queue  *unitQueue
}

// ListenGGate prepares GEOM Gate devices for units. The control device is
// /dev/ggctl when device is empty. The geom_gate module is loaded when
// missing.
func ListenGGate(device string, units ...unit.ID) (Listener, error) {
	if device == "" {
		device = ggCtlDevice
	}

	loadModule(ggModule)

	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open control device, is the geom_gate module loaded?")
	}
	f.Close()

	return &GGateListener{device: device, queue: newUnitQueue(units)}, nil
}

func (g *GGateListener) Accept(ctx context.Context) (Conn, error) {
	id, release, err := g.queue.next(ctx)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(g.device, os.O_RDWR, 0)
	if err != nil {
		release()
		return nil, pkgerrors.Wrap(err, "open control device")
	}

	return &GGateConn{
		f:       f,
		id:      id,
		kunit:   ggUnitAuto,
		buf:     make([]byte, ggInitialBuffer),
		release: release,
	}, nil
}

func (g *GGateListener) Close() error {
	g.queue.close()

	return nil
}

func (g *GGateListener) String() string {
	return "ggate:" + g.device
}

// GGateConn serves one ggate device. Requests are fetched by the START ioctl
// and completed by DONE. The data of a write request is valid until it is
// replied to.
type GGateConn struct {
	f   *os.File
	id  unit.ID
	buf []byte
	io  ggIO

	opened  bool
	release func()

	mu      sync.Mutex
	kunit   int32
	created bool
	gone    bool
}

func (c *GGateConn) Next(ctx context.Context) (Event, error) {
	if !c.opened {
		c.opened = true
		return Event{Kind: EventOpen, Unit: c.id}, nil
	}

	// START cannot be interrupted, destroying the device makes it
	// return.
	stop := context.AfterFunc(ctx, func() {
		c.destroy()
	})
	defer stop()

	for {
		if c.isGone() {
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			return Event{}, io.EOF
		}

		c.io = ggIO{
			Version: ggVersion,
			Unit:    c.unit(),
			Data:    unsafe.Pointer(&c.buf[0]),
			Length:  int64(len(c.buf)),
		}

		if err := ggIoctl(c.f, ggCmdStart, unsafe.Pointer(&c.io)); err != nil {
			return Event{}, pkgerrors.Wrap(err, "start")
		}

		switch syscall.Errno(c.io.Error) {
		case 0:
		case syscall.ENOMEM:
			log.Debug().Int64("size", c.io.Length).Msg("Growing request buffer.")
			c.buf = make([]byte, c.io.Length)
			continue
		case syscall.ECANCELED, syscall.ENXIO:
			c.markGone()
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			return Event{Kind: EventDestroy, Unit: c.id}, nil
		default:
			return Event{}, pkgerrors.Wrap(syscall.Errno(c.io.Error), "start")
		}

		req := bio.Request{
			Op:     bio.Op(c.io.Cmd),
			Seq:    uint64(c.io.Seq),
			Offset: uint64(c.io.Offset),
			Length: uint64(c.io.Length),
		}
		if req.Op == bio.OpWrite {
			req.Data = c.buf[:c.io.Length]
		}

		return Event{Kind: EventIO, Unit: c.id, Req: req}, nil
	}
}

// Ack creates the kernel device with the geometry of u.
func (c *GGateConn) Ack(ev Event, u *unit.Unit, err error) error {
	if err != nil {
		return err
	}

	cr := ggCreate{
		Version:    ggVersion,
		MediaSize:  int64(u.Geometry.MediaSize),
		SectorSize: u.Geometry.SectorSize,
		Flags:      ggFlags(u.Mode),
		MaxCount:   ggMaxCount,
		Timeout:    uint32(u.Timeout.Seconds()),
		Unit:       int32(u.ID),
	}
	copy(cr.Info[:ggInfoSize-1], u.Info)

	if err := ggIoctl(c.f, ggCmdCreate, unsafe.Pointer(&cr)); err != nil {
		return fmt.Errorf("%w: ggate%d: %w", ErrCreate, u.ID, err)
	}

	c.mu.Lock()
	c.kunit = cr.Unit
	c.created = true
	c.mu.Unlock()

	log.Info().Msgf("Device /dev/ggate%d created.", cr.Unit)

	return nil
}

func (c *GGateConn) Reply(ev Event, resp bio.Response) error {
	if ev.Kind != EventIO {
		return nil
	}

	if resp.Code == bio.OK && ev.Req.Op == bio.OpRead {
		copy(c.buf[:ev.Req.Length], resp.Data)
	}
	c.io.Error = int32(resp.Code)

	err := ggIoctl(c.f, ggCmdDone, unsafe.Pointer(&c.io))
	if err == syscall.ECANCELED || err == syscall.ENXIO {
		c.markGone()
		return nil
	}

	return pkgerrors.Wrap(err, "done")
}

// Close destroys the kernel device unless the kernel did already.
func (c *GGateConn) Close() error {
	c.destroy()
	c.release()

	return c.f.Close()
}

func (c *GGateConn) destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.created || c.gone {
		return
	}

	d := ggDestroy{Version: ggVersion, Unit: c.kunit, Force: 1}
	if err := ggIoctl(c.f, ggCmdDestroy, unsafe.Pointer(&d)); err != nil {
		log.Info().Err(err).Msgf("Destroying ggate%d failed.", c.kunit)
	}
	c.gone = true
}

func (c *GGateConn) unit() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.kunit
}

func (c *GGateConn) isGone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.gone
}

func (c *GGateConn) markGone() {
	c.mu.Lock()
	c.gone = true
	c.mu.Unlock()
}

// Loads a kernel module. A module that is already loaded is fine, other
// failures surface when the control device is opened.
func loadModule(name string) {
	p, err := unix.BytePtrFromString(name)
	if err != nil {
		return
	}

	_, _, errno := unix.Syscall(unix.SYS_KLDLOAD, uintptr(unsafe.Pointer(p)), 0, 0)
	if errno != 0 && errno != unix.EEXIST {
		log.Debug().Err(errno).Msgf("Loading %s failed.", name)
	}
}

func ggIoctl(f *os.File, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		}
		return errno
	}
}
