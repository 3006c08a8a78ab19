// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package unit keeps track of the registered units, i.e. the virtual block
// devices served by the bridge, and of their lifecycle.
//
// A unit is created by Registry.Register with the geometry queried from its
// backend exactly once. Requests access the backend only between
// Registry.Acquire and Unit.Release, which serializes them per unit.
// Registry.Destroy waits for the request in flight, if any, and runs the
// backend cleanup.
package unit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asch/ggbridge/internal/backend"
	"github.com/asch/ggbridge/internal/bio"
)

// ID is the unit number. Gateway devices are named after it.
type ID int32

// Auto asks Register for the lowest free unit number.
const Auto ID = -1

func (id ID) String() string {
	return fmt.Sprintf("ggate%d", int32(id))
}

// Unit is one registered virtual block device. All exported fields are
// immutable after registration.
type Unit struct {
	ID       ID
	Instance uuid.UUID
	Name     string
	Geometry bio.Geometry
	Mode     bio.AccessMode
	Info     string
	Timeout  time.Duration
	Backend  backend.Backend

	mu        sync.Mutex
	destroyed bool
}

// Release ends the exclusive access obtained by Registry.Acquire.
func (u *Unit) Release() {
	u.mu.Unlock()
}

// Option customizes Register.
type Option func(*options)

type options struct {
	id      ID
	name    string
	mode    bio.AccessMode
	hasMode bool
	timeout time.Duration
}

// WithID requests a specific unit number. Auto is the default.
func WithID(id ID) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithName sets the name used in logs. The device name is the default.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithAccessMode restricts the unit further than its backend flags. Without
// it the unit is served in the mode the backend advertises.
func WithAccessMode(mode bio.AccessMode) Option {
	return func(o *options) {
		o.mode = mode
		o.hasMode = true
	}
}

// WithTimeout sets the I/O timeout reported to the gateway.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}
