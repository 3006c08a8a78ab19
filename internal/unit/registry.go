// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package unit

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/ggbridge/internal/backend"
	"github.com/asch/ggbridge/internal/bio"
)

var (
	// ErrAccessMismatch is returned by Register when the requested access
	// mode is less restrictive than the backend flags.
	ErrAccessMismatch = errors.New("access mode mismatch")

	// ErrUnitTaken is returned by Register when the requested unit number
	// is in use.
	ErrUnitTaken = errors.New("unit number in use")
)

// Registry is the set of registered units. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	units map[ID]*Unit
}

func NewRegistry() *Registry {
	return &Registry{
		units: make(map[ID]*Unit),
	}
}

// Register queries geometry, flags and info of b, validates them and
// registers a new unit served by b. Invalid geometry fails with an error of
// kind bio.ErrGeometry and the unit is not created.
func (r *Registry) Register(b backend.Backend, opts ...Option) (ID, error) {
	o := options{id: Auto}
	for _, opt := range opts {
		opt(&o)
	}

	g := bio.Geometry{MediaSize: b.MediaSize(), SectorSize: b.SectorSize()}
	if err := g.Validate(); err != nil {
		return Auto, pkgerrors.Wrap(err, "register")
	}

	flags := b.Flags()
	if !flags.Valid() {
		return Auto, bio.Errorf(bio.ErrGeometry, bio.EINVAL, "register", "backend flags %s", flags)
	}

	mode := flags
	if o.hasMode {
		if !o.mode.Valid() || !o.mode.Permits(flags) {
			return Auto, &bio.Error{Kind: bio.ErrGeometry, Code: bio.EINVAL, Op: "register",
				Err: fmt.Errorf("%w: unit %s, backend %s", ErrAccessMismatch, o.mode, flags)}
		}
		mode = o.mode
	}

	info := backend.Info(b)
	if len(info) > bio.MaxInfoLen {
		return Auto, bio.Errorf(bio.ErrGeometry, bio.EINVAL, "register",
			"info of %d bytes, at most %d allowed", len(info), bio.MaxInfoLen)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.allocate(o.id)
	if err != nil {
		return Auto, err
	}

	u := &Unit{
		ID:       id,
		Instance: uuid.New(),
		Name:     o.name,
		Geometry: g,
		Mode:     mode,
		Info:     info,
		Timeout:  o.timeout,
		Backend:  b,
	}
	if u.Name == "" {
		u.Name = id.String()
	}

	r.units[id] = u

	log.Info().Str("unit", u.Name).Str("instance", u.Instance.String()).
		Uint64("mediasize", g.MediaSize).Uint32("sectorsize", g.SectorSize).
		Stringer("mode", mode).Msg("Unit registered.")

	return id, nil
}

// Returns want if it is free or the lowest free number for Auto. Called with
// the lock held.
func (r *Registry) allocate(want ID) (ID, error) {
	if want != Auto {
		if want < 0 {
			return Auto, fmt.Errorf("invalid unit number %d", want)
		}
		if _, ok := r.units[want]; ok {
			return Auto, pkgerrors.Wrapf(ErrUnitTaken, "unit %d", want)
		}
		return want, nil
	}

	for id := ID(0); id < math.MaxInt32; id++ {
		if _, ok := r.units[id]; !ok {
			return id, nil
		}
	}

	return Auto, errors.New("no free unit number")
}

// Get returns the unit id without locking it. The unit may be destroyed at
// any time after Get returns.
func (r *Registry) Get(id ID) (*Unit, error) {
	r.mu.RLock()
	u, ok := r.units[id]
	r.mu.RUnlock()

	if !ok {
		return nil, unknown(id)
	}

	return u, nil
}

// Acquire returns the unit id with exclusive access to its backend. The
// caller must call Release when the request is done. Destroyed units fail
// with an error of kind bio.ErrUnknownUnit.
func (r *Registry) Acquire(id ID) (*Unit, error) {
	u, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	if u.destroyed {
		u.mu.Unlock()
		return nil, unknown(id)
	}

	return u, nil
}

// Destroy removes the unit id. New requests fail from now on, the request in
// flight is waited for, and the backend is cleaned up. Cleanup failures are
// only logged.
func (r *Registry) Destroy(id ID) error {
	r.mu.Lock()
	u, ok := r.units[id]
	delete(r.units, id)
	r.mu.Unlock()

	if !ok {
		return unknown(id)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	u.destroyed = true
	cleanup(u)

	log.Info().Str("unit", u.Name).Str("instance", u.Instance.String()).Msg("Unit destroyed.")

	return nil
}

// List returns numbers of all registered units in ascending order.
func (r *Registry) List() []ID {
	r.mu.RLock()
	ids := make([]ID, 0, len(r.units))
	for id := range r.units {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Close destroys all units.
func (r *Registry) Close() {
	for _, id := range r.List() {
		if err := r.Destroy(id); err != nil {
			log.Debug().Err(err).Msg("Destroy failed.")
		}
	}
}

func cleanup(u *Unit) {
	defer func() {
		if p := recover(); p != nil {
			log.Warn().Str("unit", u.Name).Interface("panic", p).Msg("Backend cleanup panicked.")
		}
	}()

	if err := u.Backend.Cleanup(); err != nil {
		log.Warn().Str("unit", u.Name).Err(err).Msg("Backend cleanup failed.")
	}
}

func unknown(id ID) error {
	return bio.Errorf(bio.ErrUnknownUnit, bio.ENXIO, "", "unit %d", id)
}
