// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownRoom = errors.New("unknown room key")
	ErrSelfLink    = errors.New("room cannot be linked to itself")
	ErrSealed      = errors.New("relay graph is sealed")
)

// Edge is one configured relay link between two room keys.
type Edge struct {
	A, B string
}

// Graph holds every room by its configuration key and the links between
// them. It is built once at startup and sealed before listening starts.
type Graph struct {
	rooms  map[string]*Room
	keys   []string
	edges  []Edge
	sealed bool
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{rooms: make(map[string]*Room)}
}

// AddRoom registers room under the configuration key.
func (g *Graph) AddRoom(key string, room *Room) error {
	if g.sealed {
		return ErrSealed
	}
	if _, ok := g.rooms[key]; ok {
		return fmt.Errorf("duplicate room key %q", key)
	}
	g.rooms[key] = room
	g.keys = append(g.keys, key)
	return nil
}

// Room returns the room registered under key.
func (g *Graph) Room(key string) (*Room, bool) {
	room, ok := g.rooms[key]
	return room, ok
}

// Keys returns the room keys in registration order.
func (g *Graph) Keys() []string {
	cp := make([]string, len(g.keys))
	copy(cp, g.keys)
	return cp
}

// Edges returns the configured links in the order they were added.
func (g *Graph) Edges() []Edge {
	cp := make([]Edge, len(g.edges))
	copy(cp, g.edges)
	return cp
}

// Link connects the rooms registered under keys a and b in both directions.
func (g *Graph) Link(a, b string) error {
	if g.sealed {
		return ErrSealed
	}
	ra, ok := g.rooms[a]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, a)
	}
	rb, ok := g.rooms[b]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, b)
	}
	if ra == rb {
		return fmt.Errorf("%w: %s", ErrSelfLink, a)
	}
	Link(ra, rb)
	g.edges = append(g.edges, Edge{A: a, B: b})
	return nil
}

// Seal forbids further changes.
func (g *Graph) Seal() {
	g.sealed = true
}
