// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrDuplicateRoom is returned when a room id is registered twice on the
// same connector.
var ErrDuplicateRoom = errors.New("room already registered on connector")

// Room is one chat room or thread on one connector.
type Room struct {
	id        string
	connector Connector
	targets   []*Room
}

// NewRoom creates a room owned by connector. It is not registered anywhere;
// see Rooms.Add.
func NewRoom(connector Connector, id string) *Room {
	return &Room{id: id, connector: connector}
}

// ID returns the native room id.
func (r *Room) ID() string {
	return r.id
}

// Connector returns the connector owning the room.
func (r *Room) Connector() Connector {
	return r.connector
}

// Targets returns a copy of the relay targets in insertion order.
func (r *Room) Targets() []*Room {
	cp := make([]*Room, len(r.targets))
	copy(cp, r.targets)
	return cp
}

// Send posts msg into this room through its connector.
func (r *Room) Send(ctx context.Context, msg Message) error {
	return r.connector.Send(ctx, msg, r.id)
}

// Receive relays a message that originated in this room to every target, in
// insertion order. A failing target does not stop delivery to the others;
// all failures are returned joined.
func (r *Room) Receive(ctx context.Context, msg Message) error {
	log := zerolog.Ctx(ctx)
	source := r.connector.Name()
	var errs []error
	for _, target := range r.targets {
		err := target.Send(ctx, msg)
		targetName := target.connector.Name()
		if err != nil {
			relayedMessages.WithLabelValues(source, targetName, "error").Inc()
			log.Warn().Err(err).
				Str("source_room", r.id).
				Str("target_room", target.id).
				Str("target_connector", targetName).
				Msg("Failed to relay message")
			errs = append(errs, fmt.Errorf("relay to %s/%s: %w", targetName, target.id, err))
			continue
		}
		relayedMessages.WithLabelValues(source, targetName, "ok").Inc()
		log.Debug().
			Str("source_room", r.id).
			Str("target_room", target.id).
			Str("target_connector", targetName).
			Msg("Relayed message")
	}
	return errors.Join(errs...)
}

// Link connects a and b symmetrically: b becomes a target of a and a
// becomes a target of b. Must only be called during startup.
func Link(a, b *Room) {
	a.targets = append(a.targets, b)
	b.targets = append(b.targets, a)
}

// Rooms maps native room ids to rooms for one connector.
type Rooms struct {
	mu   sync.RWMutex
	byID map[string]*Room
	ids  []string
}

// NewRooms creates an empty room map.
func NewRooms() *Rooms {
	return &Rooms{byID: make(map[string]*Room)}
}

// Add registers room under its id.
func (rs *Rooms) Add(room *Room) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.byID[room.id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRoom, room.id)
	}
	rs.byID[room.id] = room
	rs.ids = append(rs.ids, room.id)
	return nil
}

// Get returns the room registered under id.
func (rs *Rooms) Get(id string) (*Room, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	room, ok := rs.byID[id]
	return room, ok
}

// All returns the registered rooms in registration order.
func (rs *Rooms) All() []*Room {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]*Room, 0, len(rs.ids))
	for _, id := range rs.ids {
		out = append(out, rs.byID[id])
	}
	return out
}

// Dispatch hands msg to the room registered under id. Events for unknown
// rooms are dropped and Dispatch reports false.
func (rs *Rooms) Dispatch(ctx context.Context, id string, msg Message) (bool, error) {
	room, ok := rs.Get(id)
	if !ok {
		return false, nil
	}
	receivedMessages.WithLabelValues(room.connector.Name()).Inc()
	return true, room.Receive(ctx, msg)
}
