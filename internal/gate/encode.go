// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"fmt"

	"github.com/asch/ggbridge/internal/bio"
	"github.com/asch/ggbridge/internal/unit"
)

// ShortReadPolicy decides what happens when a backend returns fewer bytes
// than requested.
type ShortReadPolicy int

const (
	// The request fails with EIO.
	ShortReadReject ShortReadPolicy = iota

	// The missing tail is filled with zeros.
	ShortReadPad
)

func (p ShortReadPolicy) String() string {
	if p == ShortReadPad {
		return "pad"
	}

	return "reject"
}

// ParseShortReadPolicy accepts reject and pad.
func ParseShortReadPolicy(s string) (ShortReadPolicy, error) {
	switch s {
	case "reject", "":
		return ShortReadReject, nil
	case "pad":
		return ShortReadPad, nil
	}

	return ShortReadReject, fmt.Errorf("unknown short read policy %q, want reject or pad", s)
}

// Encoder flattens backend results into responses. Successful reads always
// carry exactly the requested number of bytes, failures carry a nonzero
// code and no data.
type Encoder struct {
	ShortRead ShortReadPolicy
}

// Encode returns the response for req which completed with data and err.
// Data is ignored for everything but reads.
func (e Encoder) Encode(req bio.Request, data []byte, err error) bio.Response {
	if err != nil {
		return bio.Failed(err)
	}

	if req.Op != bio.OpRead {
		return bio.Response{}
	}

	switch {
	case uint64(len(data)) > req.Length:
		data = data[:req.Length]
	case uint64(len(data)) < req.Length:
		if e.ShortRead == ShortReadReject {
			return bio.Failed(bio.Errorf(bio.ErrBackend, bio.EIO, "read",
				"short read of %d bytes, %d requested", len(data), req.Length))
		}
		padded := make([]byte, req.Length)
		copy(padded, data)
		data = padded
	}

	return bio.Response{Data: data}
}

// DoneFrame returns the frame answering ev with resp.
func DoneFrame(ev Event, resp bio.Response) Frame {
	f := Frame{
		Header: Header{
			Magic:   Magic,
			Version: Version,
			Cmd:     CmdDone,
			Unit:    int32(ev.Unit),
			Error:   int32(resp.Code),
			Seq:     ev.Req.Seq,
			Offset:  ev.Req.Offset,
			Length:  ev.Req.Length,
		},
	}

	if resp.Code == bio.OK {
		f.Payload = resp.Data
	}

	return f
}

// GeometryFrame returns the frame answering the open event ev. With err set
// the frame carries only the error code.
func GeometryFrame(ev Event, u *unit.Unit, err error) Frame {
	f := Frame{
		Header: Header{
			Magic:   Magic,
			Version: Version,
			Cmd:     CmdGeometry,
			Unit:    int32(ev.Unit),
			Seq:     ev.Req.Seq,
		},
	}

	if err != nil {
		f.Error = int32(bio.Failed(err).Code)
		return f
	}

	g := GeometryInfo{
		MediaSize:  u.Geometry.MediaSize,
		SectorSize: u.Geometry.SectorSize,
		Flags:      u.Mode,
		Timeout:    uint32(u.Timeout.Seconds()),
		Info:       u.Info,
	}

	f.Unit = int32(u.ID)
	f.Payload = g.Marshal()

	return f
}
