// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ConnectorStatus is the admin API view of one connector.
type ConnectorStatus struct {
	Name  string       `json:"name"`
	State string       `json:"state"`
	Rooms []RoomStatus `json:"rooms"`
}

// RoomStatus lists the rooms a room relays into, as "account/room_id".
type RoomStatus struct {
	ID      string   `json:"id"`
	Targets []string `json:"targets"`
}

// Status reports every connector with its rooms and their relay targets.
func (b *Bridge) Status() []ConnectorStatus {
	out := make([]ConnectorStatus, 0, len(b.connectors))
	for _, conn := range b.connectors {
		cs := ConnectorStatus{
			Name:  conn.Name(),
			State: conn.State().String(),
			Rooms: []RoomStatus{},
		}
		for _, room := range conn.Rooms().All() {
			rs := RoomStatus{ID: room.ID(), Targets: []string{}}
			for _, target := range room.Targets() {
				rs.Targets = append(rs.Targets, target.Connector().Name()+"/"+target.ID())
			}
			cs.Rooms = append(cs.Rooms, rs)
		}
		out = append(out, cs)
	}
	return out
}

// Handler returns the admin API routes.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", b.HandleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// HandleStatus is an HTTP handler for GET /api/status.
func (b *Bridge) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"connectors": b.Status(),
		"relays":     len(b.graph.Edges()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		b.log.Warn().Err(err).Msg("Failed to write status response")
	}
}
