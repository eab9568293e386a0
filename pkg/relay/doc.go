// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay implements the network-independent half of the bridge.
//
// # Core Types
//
// [Message] is a sealed sum type with two variants, [TextMessage] and
// [AttachmentMessage]. Every consumer switches on the variant.
//
// [Connector] is implemented by each backend (XMPP, social chat, Matrix). A
// connector owns a [Rooms] map from native room id to [Room] and translates
// native events into messages and back.
//
// [Room] holds an ordered list of relay targets. [Link] always adds targets
// in symmetric pairs.
//
// # Echo Prevention
//
// Connectors drop inbound events authored by their own identity before
// translation. Relaying is one-hop: a room reaches its targets through
// [Room.Send], never through [Room.Receive], so a relayed message is never
// forwarded again.
package relay
