// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package xmpp connects the relay to XMPP multi-user chat rooms.
//
// Own messages are recognised by the nickname the bridge joined each room
// with. Images relayed into a room are re-hosted through the server's
// XEP-0363 upload service, since groupchat has no attachments of its own.
package xmpp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	goxmpp "github.com/xmppo/go-xmpp"

	"github.com/aiku/chatrelay/pkg/relay"
	"github.com/aiku/chatrelay/pkg/upload"
)

var ErrNotConnected = errors.New("xmpp: not connected")

// stream is the subset of *goxmpp.Client the connector uses.
type stream interface {
	Recv() (any, error)
	Send(chat goxmpp.Chat) (int, error)
	SendOrg(org string) (int, error)
	JoinMUCNoHistory(jid, nick string) (int, error)
	Close() error
}

func dialClient(opts goxmpp.Options) (stream, error) {
	return opts.NewClient()
}

// TLSMode selects how the client stream is encrypted.
type TLSMode string

const (
	// TLSStartTLS upgrades a plain connection with STARTTLS, as on port 5222.
	TLSStartTLS TLSMode = "starttls"
	// TLSDirect opens the connection with a TLS handshake, as on port 5223.
	TLSDirect TLSMode = "direct"
	// TLSNone never encrypts and allows plain authentication.
	TLSNone TLSMode = "none"
)

// Config holds the account settings of one XMPP connector.
type Config struct {
	JID      string
	Password string
	// Host is the server address as host:port. When empty the server is
	// located through the _xmpp-client._tcp SRV record of the JID domain.
	Host     string
	Resource string
	// TLS defaults to TLSStartTLS.
	TLS                TLSMode
	InsecureSkipVerify bool

	IQTimeout   time.Duration
	HTTPTimeout time.Duration
	TempDir     string
	// MaxUploadSize caps images downloaded for re-hosting, in bytes.
	MaxUploadSize int64
}

// Connector is a relay.Connector for one XMPP account.
type Connector struct {
	relay.StateTracker

	name   string
	cfg    Config
	domain string
	log    zerolog.Logger
	dial   func(goxmpp.Options) (stream, error)

	conn      stream
	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error

	rooms   *relay.Rooms
	nicksMu sync.RWMutex
	nicks   map[string]string

	pendingMu sync.Mutex
	pending   map[string]chan goxmpp.IQ

	uploader *upload.Negotiator
}

var _ relay.Connector = (*Connector)(nil)

// New creates an XMPP connector. It does not connect.
func New(name string, cfg Config, log zerolog.Logger) *Connector {
	c := &Connector{
		name:    name,
		cfg:     cfg,
		domain:  domainOf(cfg.JID),
		log:     log.With().Str("component", "xmpp").Str("account", name).Logger(),
		dial:    dialClient,
		rooms:   relay.NewRooms(),
		nicks:   make(map[string]string),
		pending: make(map[string]chan goxmpp.IQ),
	}
	c.uploader = upload.New(c, c.domain, upload.Options{
		IQTimeout:   cfg.IQTimeout,
		HTTPTimeout: cfg.HTTPTimeout,
		TempDir:     cfg.TempDir,
		MaxFileSize: cfg.MaxUploadSize,
		Log:         c.log,
	})
	return c
}

func (c *Connector) Name() string {
	return c.name
}

func (c *Connector) Rooms() *relay.Rooms {
	return c.rooms
}

// Connect opens the XMPP stream and authenticates.
func (c *Connector) Connect(_ context.Context) error {
	opts := c.clientOptions()
	host := opts.Host
	if host == "" {
		host = c.domain + " (SRV)"
	}
	c.log.Info().Str("host", host).Str("tls", string(c.tlsMode())).Str("jid", c.cfg.JID).Msg("Connecting to XMPP server")
	conn, err := c.dial(opts)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", host, err)
	}
	c.conn = conn
	c.SetState(relay.StateConnected)
	c.log.Info().Msg("Connected")
	return nil
}

func (c *Connector) tlsMode() TLSMode {
	if c.cfg.TLS == "" {
		return TLSStartTLS
	}
	return c.cfg.TLS
}

func (c *Connector) clientOptions() goxmpp.Options {
	opts := goxmpp.Options{
		Host:     c.cfg.Host,
		User:     c.cfg.JID,
		Password: c.cfg.Password,
		Resource: c.cfg.Resource,
		Session:  true,
		TLSConfig: &tls.Config{
			ServerName:         c.domain,
			InsecureSkipVerify: c.cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-hosted servers
		},
	}
	switch c.tlsMode() {
	case TLSDirect:
		opts.NoTLS = false
	case TLSNone:
		opts.NoTLS = true
		opts.InsecureAllowUnencryptedAuth = true
	default:
		opts.NoTLS = true
		opts.StartTLS = true
	}
	return opts
}

// JoinRoom joins the MUC room roomJID as nick and registers it.
func (c *Connector) JoinRoom(_ context.Context, roomJID, nick string) (*relay.Room, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	roomJID = strings.ToLower(roomJID)
	room := relay.NewRoom(c, roomJID)
	if err := c.rooms.Add(room); err != nil {
		return nil, err
	}
	c.nicksMu.Lock()
	c.nicks[roomJID] = nick
	c.nicksMu.Unlock()

	if _, err := c.conn.JoinMUCNoHistory(roomJID, nick); err != nil {
		return nil, fmt.Errorf("failed to join %s: %w", roomJID, err)
	}
	c.log.Info().Str("room", roomJID).Str("nick", nick).Msg("Joined room")
	return room, nil
}

func (c *Connector) ownNick(roomJID string) string {
	c.nicksMu.RLock()
	defer c.nicksMu.RUnlock()
	return c.nicks[roomJID]
}

// Listen starts reading the stream in a background goroutine. The stream is
// closed when ctx is cancelled.
func (c *Connector) Listen(ctx context.Context) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	c.SetState(relay.StateListening)
	go func() {
		<-ctx.Done()
		if err := c.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to close XMPP stream")
		}
	}()
	go c.listen(ctx)
	return nil
}

func (c *Connector) listen(ctx context.Context) {
	ctx = c.log.WithContext(ctx)
	for {
		stanza, err := c.conn.Recv()
		if err != nil {
			c.failPending()
			if ctx.Err() != nil {
				c.SetState(relay.StateDisconnected)
				c.log.Info().Msg("XMPP listener stopped")
				return
			}
			c.SetState(relay.StateDegraded)
			c.log.Error().Err(err).Msg("XMPP stream failed, connector degraded")
			return
		}
		switch v := stanza.(type) {
		case goxmpp.Chat:
			c.handleChat(ctx, v)
		case goxmpp.IQ:
			c.handleIQ(v)
		default:
			c.log.Trace().Type("stanza", stanza).Msg("Unhandled stanza")
		}
	}
}

func (c *Connector) handleChat(ctx context.Context, chat goxmpp.Chat) {
	if chat.Type != "groupchat" {
		return
	}
	roomJID, nick := splitJID(chat.Remote)
	roomJID = strings.ToLower(roomJID)
	if _, ok := c.rooms.Get(roomJID); !ok {
		return
	}
	// Echo prevention: skip own messages, room notices and history.
	if nick == "" || nick == c.ownNick(roomJID) {
		return
	}
	if !chat.Stamp.IsZero() || strings.TrimSpace(chat.Text) == "" {
		return
	}

	log := c.log.With().Str("room", roomJID).Str("author", nick).Logger()
	log.Debug().Msg("Received groupchat message")
	msg := relay.NewTextMessage(nick, chat.Text)
	if _, err := c.rooms.Dispatch(log.WithContext(ctx), roomJID, msg); err != nil {
		log.Warn().Err(err).Msg("Message was not relayed to every target")
	}
}

// Send posts msg into the room roomJID.
func (c *Connector) Send(ctx context.Context, msg relay.Message, roomJID string) error {
	switch m := msg.(type) {
	case relay.TextMessage:
		return c.sendText(roomJID, relay.FormatLine(m.Author, m.Body))
	case relay.AttachmentMessage:
		urls := make([]string, 0, m.Len())
		for _, att := range m.Attachments() {
			u, err := c.attachmentURL(ctx, att)
			if err != nil {
				return fmt.Errorf("failed to prepare %s attachment: %w", att.Kind, err)
			}
			urls = append(urls, u)
		}
		if err := c.sendText(roomJID, relay.FormatAttachmentNotice(m.Author, m.Len())); err != nil {
			return err
		}
		for _, u := range urls {
			if err := c.sendText(roomJID, u); err != nil {
				return err
			}
		}
		return nil
	default:
		c.log.Debug().Type("message", msg).Msg("Ignoring unsupported message type")
		return nil
	}
}

// attachmentURL returns a URL XMPP users can open for att.
func (c *Connector) attachmentURL(ctx context.Context, att relay.Attachment) (string, error) {
	switch att.Kind {
	case relay.AttachmentImage:
		return c.uploader.Rehost(ctx, att.URL)
	case relay.AttachmentGeneric, relay.AttachmentAudio, relay.AttachmentFile, relay.AttachmentVideo:
		return att.URL, nil
	default:
		return att.URL, nil
	}
}

func (c *Connector) sendText(roomJID, body string) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := c.conn.Send(goxmpp.Chat{Remote: roomJID, Type: "groupchat", Text: body}); err != nil {
		return fmt.Errorf("failed to send to %s: %w", roomJID, err)
	}
	return nil
}

func (c *Connector) sendRaw(raw string) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err := c.conn.SendOrg(raw)
	return err
}

// Close closes the stream. Only the first call reaches the stream; later
// calls return its result.
func (c *Connector) Close() error {
	if c.conn == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// splitJID splits a full JID into its bare part and resource.
func splitJID(jid string) (bare, resource string) {
	if idx := strings.IndexByte(jid, '/'); idx >= 0 {
		return jid[:idx], jid[idx+1:]
	}
	return jid, ""
}

// domainOf returns the domain part of a JID.
func domainOf(jid string) string {
	bare, _ := splitJID(jid)
	if idx := strings.LastIndexByte(bare, '@'); idx >= 0 {
		return bare[idx+1:]
	}
	return bare
}
