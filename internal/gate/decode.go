// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"github.com/asch/ggbridge/internal/bio"
	"github.com/asch/ggbridge/internal/unit"
)

// Decode turns a frame received from the gateway into an Event. Only the
// structure of the frame is checked here. Alignment, bounds and access are
// checked against the unit later, before the request reaches the backend.
//
// Reads and writes longer than maxPayload are refused, their data would not
// fit into a single frame.
//
// A malformed frame returns an error of kind bio.ErrProtocol together with
// an Event holding whatever could be decoded, so the failure can be replied
// to.
func Decode(f Frame, maxPayload uint32) (Event, error) {
	ev := Event{
		Kind: EventIO,
		Unit: unit.ID(f.Unit),
		Req: bio.Request{
			Op:     bio.Op(f.Cmd),
			Seq:    f.Seq,
			Offset: f.Offset,
			Length: f.Length,
		},
	}

	if f.Magic != Magic {
		return ev, bio.Errorf(bio.ErrProtocol, bio.EINVAL, "decode", "bad magic %#x", f.Magic)
	}

	if f.Version != Version {
		return ev, bio.Errorf(bio.ErrProtocol, bio.EINVAL, "decode", "unsupported version %d", f.Version)
	}

	if int(f.DataLen) != len(f.Payload) {
		return ev, bio.Errorf(bio.ErrProtocol, bio.EINVAL, "decode",
			"payload of %d bytes, header says %d", len(f.Payload), f.DataLen)
	}

	if (f.Cmd == CmdRead || f.Cmd == CmdWrite) && f.Length > uint64(maxPayload) {
		return ev, bio.Errorf(bio.ErrProtocol, bio.EINVAL, "decode",
			"length %d exceeds %d", f.Length, maxPayload)
	}

	switch f.Cmd {
	case CmdOpen:
		ev.Kind = EventOpen
		ev.Req = bio.Request{Seq: f.Seq}
	case CmdDestroy:
		ev.Kind = EventDestroy
		ev.Req = bio.Request{Seq: f.Seq}
	case CmdWrite:
		if uint64(len(f.Payload)) != f.Length {
			return ev, bio.Errorf(bio.ErrProtocol, bio.EINVAL, "decode",
				"write of %d bytes carries %d", f.Length, len(f.Payload))
		}
		ev.Req.Data = f.Payload
		return ev, nil
	case CmdRead, CmdDelete, CmdFlush:
	default:
		return ev, bio.Errorf(bio.ErrProtocol, bio.EOPNOTSUPP, "decode", "unknown command %#x", uint16(f.Cmd))
	}

	if len(f.Payload) != 0 {
		return ev, bio.Errorf(bio.ErrProtocol, bio.EINVAL, "decode",
			"unexpected payload of %d bytes for command %#x", len(f.Payload), uint16(f.Cmd))
	}

	return ev, nil
}
