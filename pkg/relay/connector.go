// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"sync/atomic"
)

// Connector is a live connection to one chat network.
type Connector interface {
	// Name returns the account key the connector was configured under.
	Name() string
	// Connect establishes the network session.
	Connect(ctx context.Context) error
	// Listen starts delivering inbound events in the background and returns
	// without waiting for them. Delivery stops when ctx is cancelled or the
	// session breaks, in which case the connector reports StateDegraded.
	Listen(ctx context.Context) error
	// Send posts msg into the native room identified by roomID.
	Send(ctx context.Context, msg Message, roomID string) error
	// Rooms returns the rooms registered on this connector.
	Rooms() *Rooms
	// State reports the session health.
	State() State
}

// State is the health of a connector session.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateListening
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// StateTracker is embedded by connectors to report their State.
type StateTracker struct {
	state atomic.Int32
}

func (t *StateTracker) State() State {
	return State(t.state.Load())
}

func (t *StateTracker) SetState(s State) {
	t.state.Store(int32(s))
}
