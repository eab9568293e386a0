// Copyright 2024-2026 Aiku AI

package social

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/chatrelay/pkg/relay"
)

// LiveLocationPlaceholder stands in for live locations, which have no
// stable URL.
const LiveLocationPlaceholder = "[live location]"

var ErrNotConnected = errors.New("social: not connected")

// Options tunes a Connector.
type Options struct {
	// ImageLookupRetries is how many times a failed image lookup is retried
	// when the service reports ErrTransient. Zero disables retries.
	ImageLookupRetries int
	ImageLookupDelay   time.Duration
}

// Connector is a relay.Connector for one social chat account.
type Connector struct {
	relay.StateTracker

	name string
	svc  Service
	opts Options
	log  zerolog.Logger

	rooms *relay.Rooms
	names *exsync.Map[string, string]

	connected bool
}

var _ relay.Connector = (*Connector)(nil)

// New creates a connector on top of svc. It does not log in.
func New(name string, svc Service, opts Options, log zerolog.Logger) *Connector {
	return &Connector{
		name:  name,
		svc:   svc,
		opts:  opts,
		log:   log.With().Str("component", "social").Str("account", name).Logger(),
		rooms: relay.NewRooms(),
		names: exsync.NewMap[string, string](),
	}
}

func (c *Connector) Name() string {
	return c.name
}

func (c *Connector) Rooms() *relay.Rooms {
	return c.rooms
}

// Connect logs in to the service.
func (c *Connector) Connect(ctx context.Context) error {
	if err := c.svc.Login(ctx); err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	c.connected = true
	c.SetState(relay.StateConnected)
	c.log.Info().Str("user_id", c.svc.UserID()).Msg("Logged in")
	return nil
}

// AddRoom registers the thread threadID as a room.
func (c *Connector) AddRoom(threadID string) (*relay.Room, error) {
	room := relay.NewRoom(c, threadID)
	if err := c.rooms.Add(room); err != nil {
		return nil, err
	}
	return room, nil
}

// Listen starts the service listener in a background goroutine.
func (c *Connector) Listen(ctx context.Context) error {
	if !c.connected {
		return ErrNotConnected
	}
	c.SetState(relay.StateListening)
	go func() {
		err := c.svc.Listen(c.log.WithContext(ctx), c.handleEvent)
		if ctx.Err() != nil {
			c.SetState(relay.StateDisconnected)
			c.log.Info().Msg("Listener stopped")
			return
		}
		c.SetState(relay.StateDegraded)
		c.log.Error().Err(err).Msg("Listener failed, connector degraded")
	}()
	return nil
}

func (c *Connector) handleEvent(ctx context.Context, evt Event) {
	if evt.AuthorID == c.svc.UserID() {
		return
	}
	if _, ok := c.rooms.Get(evt.ThreadID); !ok {
		return
	}
	log := c.log.With().Str("room_id", evt.ThreadID).Str("author_id", evt.AuthorID).Logger()
	ctx = log.WithContext(ctx)

	author := c.authorName(ctx, evt.AuthorID)
	if strings.TrimSpace(evt.Text) != "" {
		if _, err := c.rooms.Dispatch(ctx, evt.ThreadID, relay.NewTextMessage(author, evt.Text)); err != nil {
			log.Warn().Err(err).Msg("Message was not relayed to every target")
		}
	}
	if len(evt.Attachments) == 0 {
		return
	}
	atts, err := c.translateAttachments(ctx, evt.Attachments)
	if err != nil {
		log.Error().Err(err).Msg("Dropping attachments")
		return
	}
	if _, err := c.rooms.Dispatch(ctx, evt.ThreadID, relay.NewAttachmentMessage(author, atts...)); err != nil {
		log.Warn().Err(err).Msg("Attachments were not relayed to every target")
	}
}

// authorName resolves a user ID to a first name. Successful lookups are
// cached for the lifetime of the connector; on failure the ID is used.
func (c *Connector) authorName(ctx context.Context, userID string) string {
	if name, ok := c.names.Get(userID); ok {
		return name
	}
	name, err := c.svc.FetchUserName(ctx, userID)
	if err != nil || name == "" {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to look up author name")
		return userID
	}
	c.names.Set(userID, name)
	return name
}

func (c *Connector) translateAttachments(ctx context.Context, native []NativeAttachment) ([]relay.Attachment, error) {
	atts := make([]relay.Attachment, 0, len(native))
	for _, na := range native {
		switch na.Kind {
		case KindAudio:
			atts = append(atts, relay.Audio(na.URL))
		case KindFile:
			atts = append(atts, relay.File(na.URL))
		case KindVideo:
			atts = append(atts, relay.Video(na.URL))
		case KindShare, KindLocation:
			atts = append(atts, relay.Generic(na.URL))
		case KindLiveLocation:
			atts = append(atts, relay.Generic(LiveLocationPlaceholder))
		case KindImage:
			u, err := c.imageURL(ctx, na.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve image %s: %w", na.ID, err)
			}
			atts = append(atts, relay.Image(u))
		default:
			zerolog.Ctx(ctx).Debug().Stringer("kind", na.Kind).Msg("Skipping unknown attachment kind")
		}
	}
	return atts, nil
}

func (c *Connector) imageURL(ctx context.Context, imageID string) (string, error) {
	u, err := c.svc.FetchImageURL(ctx, imageID)
	for attempt := 0; err != nil && errors.Is(err, ErrTransient) && attempt < c.opts.ImageLookupRetries; attempt++ {
		zerolog.Ctx(ctx).Debug().Err(err).Int("attempt", attempt+1).Msg("Retrying image lookup")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.opts.ImageLookupDelay):
		}
		u, err = c.svc.FetchImageURL(ctx, imageID)
	}
	return u, err
}

// Send posts msg into the thread threadID.
func (c *Connector) Send(ctx context.Context, msg relay.Message, threadID string) error {
	switch m := msg.(type) {
	case relay.TextMessage:
		return c.svc.SendText(ctx, threadID, relay.FormatLine(m.Author, m.Body))
	case relay.AttachmentMessage:
		if err := c.svc.SendText(ctx, threadID, relay.FormatAttachmentNotice(m.Author, m.Len())); err != nil {
			return err
		}
		for _, att := range m.Attachments() {
			if err := c.svc.SendAttachmentURL(ctx, threadID, att.URL); err != nil {
				return fmt.Errorf("failed to send %s attachment: %w", att.Kind, err)
			}
		}
		return nil
	default:
		c.log.Debug().Type("message", msg).Msg("Ignoring unsupported message type")
		return nil
	}
}
