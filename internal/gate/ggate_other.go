// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

//go:build !freebsd

package gate

import (
	"github.com/asch/ggbridge/internal/bio"
	"github.com/asch/ggbridge/internal/unit"
)

// ListenGGate is available on FreeBSD only.
func ListenGGate(device string, units ...unit.ID) (Listener, error) {
	return nil, bio.Errorf(bio.ErrUnsupported, bio.EOPNOTSUPP, "ggate", "GEOM Gate is available on FreeBSD only")
}
