// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrix connects the relay to Matrix rooms as a regular user.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/chatrelay/pkg/connector/matrixfmt"
	"github.com/aiku/chatrelay/pkg/connector/mattermostfmt"
	"github.com/aiku/chatrelay/pkg/relay"
)

var ErrNotConnected = errors.New("matrix: not connected")

// Config holds the settings of one Matrix account.
type Config struct {
	HomeserverURL string
	UserID        string
	AccessToken   string
	// MediaURL is the base of the links handed to other networks for
	// Matrix media. Defaults to HomeserverURL. Homeservers that require
	// authenticated media refuse these unauthenticated links, so such
	// deployments need a public media proxy here.
	MediaURL string
}

// Connector is a relay.Connector for one Matrix account.
type Connector struct {
	relay.StateTracker

	name   string
	cfg    Config
	client *mautrix.Client
	log    zerolog.Logger

	rooms *relay.Rooms
	names *exsync.Map[id.UserID, string]

	connected bool
}

var _ relay.Connector = (*Connector)(nil)

func New(name string, cfg Config, log zerolog.Logger) (*Connector, error) {
	client, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	return &Connector{
		name:   name,
		cfg:    cfg,
		client: client,
		log:    log.With().Str("component", "matrix").Str("account", name).Logger(),
		rooms:  relay.NewRooms(),
		names:  exsync.NewMap[id.UserID, string](),
	}, nil
}

func (c *Connector) Name() string {
	return c.name
}

func (c *Connector) Rooms() *relay.Rooms {
	return c.rooms
}

// Connect verifies the access token.
func (c *Connector) Connect(ctx context.Context) error {
	resp, err := c.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify access token: %w", err)
	}
	c.client.UserID = resp.UserID
	c.connected = true
	c.SetState(relay.StateConnected)
	c.log.Info().Stringer("user_id", resp.UserID).Msg("Authenticated")
	return nil
}

// JoinRoom joins roomID and registers it.
func (c *Connector) JoinRoom(ctx context.Context, roomID string) (*relay.Room, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}
	room := relay.NewRoom(c, roomID)
	if err := c.rooms.Add(room); err != nil {
		return nil, err
	}
	if _, err := c.client.JoinRoomByID(ctx, id.RoomID(roomID)); err != nil {
		return nil, fmt.Errorf("failed to join %s: %w", roomID, err)
	}
	c.log.Info().Str("room_id", roomID).Msg("Joined room")
	return room, nil
}

// Listen starts syncing in a background goroutine. Events from before the
// first sync are skipped.
func (c *Connector) Listen(ctx context.Context) error {
	if !c.connected {
		return ErrNotConnected
	}
	syncer, ok := c.client.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		return fmt.Errorf("unsupported syncer %T", c.client.Syncer)
	}
	syncer.OnSync(c.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	c.SetState(relay.StateListening)
	ctx = c.log.WithContext(ctx)
	go func() {
		err := c.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			c.SetState(relay.StateDisconnected)
			c.log.Info().Msg("Sync stopped")
			return
		}
		c.SetState(relay.StateDegraded)
		c.log.Error().Err(err).Msg("Sync failed, connector degraded")
	}()
	return nil
}

func (c *Connector) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID {
		return
	}
	roomID := evt.RoomID.String()
	if _, ok := c.rooms.Get(roomID); !ok {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return
	}
	log := c.log.With().Str("room_id", roomID).Stringer("sender", evt.Sender).Stringer("event_id", evt.ID).Logger()
	ctx = log.WithContext(ctx)

	msg := c.convert(ctx, evt.Sender, content)
	if msg == nil {
		log.Debug().Str("msgtype", string(content.MsgType)).Msg("Ignoring unsupported message type")
		return
	}
	if _, err := c.rooms.Dispatch(ctx, roomID, msg); err != nil {
		log.Warn().Err(err).Msg("Message was not relayed to every target")
	}
}

func (c *Connector) convert(ctx context.Context, sender id.UserID, content *event.MessageEventContent) relay.Message {
	author := c.displayName(ctx, sender)
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
		text := matrixfmt.ToPlain(content)
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return relay.NewTextMessage(author, text)
	case event.MsgEmote:
		return relay.NewTextMessage(author, "/me "+matrixfmt.ToPlain(content))
	case event.MsgImage:
		return relay.NewAttachmentMessage(author, relay.Image(c.mediaURL(content.URL)))
	case event.MsgVideo:
		return relay.NewAttachmentMessage(author, relay.Video(c.mediaURL(content.URL)))
	case event.MsgAudio:
		return relay.NewAttachmentMessage(author, relay.Audio(c.mediaURL(content.URL)))
	case event.MsgFile:
		return relay.NewAttachmentMessage(author, relay.File(c.mediaURL(content.URL)))
	case event.MsgLocation:
		return relay.NewAttachmentMessage(author, relay.Generic(content.GeoURI))
	default:
		return nil
	}
}

// displayName returns the sender's global display name, cached for the life
// of the connector. The localpart is used when the lookup fails.
func (c *Connector) displayName(ctx context.Context, userID id.UserID) string {
	if name, ok := c.names.Get(userID); ok {
		return name
	}
	resp, err := c.client.GetDisplayName(ctx, userID)
	if err != nil || resp.DisplayName == "" {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("No display name, using localpart")
		return userID.Localpart()
	}
	c.names.Set(userID, resp.DisplayName)
	return resp.DisplayName
}

// mediaURL turns an mxc:// URI into an unauthenticated download URL. Other
// networks fetch it without Matrix credentials.
func (c *Connector) mediaURL(uri id.ContentURIString) string {
	parsed, err := uri.Parse()
	if err != nil {
		return string(uri)
	}
	base := c.cfg.MediaURL
	if base == "" {
		base = c.cfg.HomeserverURL
	}
	return strings.TrimSuffix(base, "/") +
		"/_matrix/media/v3/download/" + parsed.Homeserver + "/" + parsed.FileID
}

// Send posts msg into roomID.
func (c *Connector) Send(ctx context.Context, msg relay.Message, roomID string) error {
	switch m := msg.(type) {
	case relay.TextMessage:
		return c.send(ctx, roomID, mattermostfmt.RenderRelayed(m.Author, m.Body).MessageContent(event.MsgText))
	case relay.AttachmentMessage:
		notice := relay.FormatAttachmentNotice(m.Author, m.Len())
		if err := c.send(ctx, roomID, &event.MessageEventContent{MsgType: event.MsgNotice, Body: notice}); err != nil {
			return err
		}
		for _, att := range m.Attachments() {
			if err := c.send(ctx, roomID, &event.MessageEventContent{MsgType: event.MsgText, Body: att.URL}); err != nil {
				return fmt.Errorf("failed to send %s attachment: %w", att.Kind, err)
			}
		}
		return nil
	default:
		c.log.Debug().Type("message", msg).Msg("Ignoring unsupported message type")
		return nil
	}
}

func (c *Connector) send(ctx context.Context, roomID string, content *event.MessageEventContent) error {
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return fmt.Errorf("failed to send to %s: %w", roomID, err)
	}
	zerolog.Ctx(ctx).Debug().Stringer("event_id", resp.EventID).Str("room_id", roomID).Msg("Sent message")
	return nil
}
