// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mmdriver implements social.Service on the Mattermost API v4.
package mmdriver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/connector/social"
)

var (
	ErrNoCredentials   = errors.New("no session token and no login credentials configured")
	ErrWebSocketClosed = errors.New("websocket event channel closed")
)

// Config holds the settings of one Mattermost account.
type Config struct {
	ServerURL string
	// Token is a personal access token. When empty, a stored session token
	// or Login/Password is used.
	Token    string
	Login    string
	Password string
	// SessionFile is where the session token obtained by password login is
	// stored between runs. Empty disables persistence.
	SessionFile string
}

// Driver is a Mattermost session.
type Driver struct {
	cfg    Config
	client *model.Client4
	userID string
	log    zerolog.Logger
}

var _ social.Service = (*Driver)(nil)

func New(cfg Config, log zerolog.Logger) *Driver {
	cfg.ServerURL = strings.TrimSuffix(cfg.ServerURL, "/")
	return &Driver{
		cfg:    cfg,
		client: model.NewAPIv4Client(cfg.ServerURL),
		log:    log.With().Str("component", "mm_driver").Logger(),
	}
}

// Login verifies the configured or stored token and falls back to a password
// login when neither works.
func (d *Driver) Login(ctx context.Context) error {
	for _, tok := range []string{d.cfg.Token, d.loadSession()} {
		if tok == "" {
			continue
		}
		d.client.SetToken(tok)
		me, _, err := d.client.GetMe(ctx, "")
		if err == nil {
			d.userID = me.Id
			d.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated with token")
			return nil
		}
		d.log.Warn().Err(err).Msg("Token rejected")
	}

	if d.cfg.Login == "" || d.cfg.Password == "" {
		return ErrNoCredentials
	}
	d.client.SetToken("")
	user, _, err := d.client.Login(ctx, d.cfg.Login, d.cfg.Password)
	if err != nil {
		return fmt.Errorf("password login failed: %w", err)
	}
	d.userID = user.Id
	d.log.Info().Str("user_id", user.Id).Str("username", user.Username).Msg("Authenticated with password")
	if err := d.saveSession(d.client.AuthToken); err != nil {
		d.log.Warn().Err(err).Msg("Failed to store session token")
	}
	return nil
}

func (d *Driver) loadSession() string {
	if d.cfg.SessionFile == "" {
		return ""
	}
	data, err := os.ReadFile(d.cfg.SessionFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			d.log.Warn().Err(err).Msg("Failed to read session file")
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (d *Driver) saveSession(token string) error {
	if d.cfg.SessionFile == "" || token == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.cfg.SessionFile), 0o700); err != nil {
		return err
	}
	return os.WriteFile(d.cfg.SessionFile, []byte(token+"\n"), 0o600)
}

func (d *Driver) UserID() string {
	return d.userID
}

// Listen reads WebSocket events until ctx is cancelled or the socket closes.
func (d *Driver) Listen(ctx context.Context, handler social.Handler) error {
	wsURL := httpToWS(d.cfg.ServerURL)
	ws, err := model.NewWebSocketClient4(wsURL, d.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	defer ws.Close()
	d.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ws.EventChannel:
			if !ok {
				if ws.ListenError != nil {
					return fmt.Errorf("%w: %w", ErrWebSocketClosed, ws.ListenError)
				}
				return ErrWebSocketClosed
			}
			if evt == nil {
				continue
			}
			d.handleEvent(ctx, evt, handler)
		}
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// FetchUserName returns the user's first name, or the username when no
// first name is set.
func (d *Driver) FetchUserName(ctx context.Context, userID string) (string, error) {
	user, resp, err := d.client.GetUser(ctx, userID, "")
	if err != nil {
		return "", classify(resp, fmt.Errorf("failed to get user %s: %w", userID, err))
	}
	if user.FirstName != "" {
		return user.FirstName, nil
	}
	return user.Username, nil
}

// FetchImageURL resolves an image file ID to its public link.
func (d *Driver) FetchImageURL(ctx context.Context, fileID string) (string, error) {
	link, resp, err := d.client.GetFileLink(ctx, fileID)
	if err != nil {
		return "", classify(resp, fmt.Errorf("failed to get link for file %s: %w", fileID, err))
	}
	return link, nil
}

func (d *Driver) SendText(ctx context.Context, channelID, body string) error {
	return d.createPost(ctx, channelID, body)
}

// SendAttachmentURL posts url on its own so clients render a preview.
func (d *Driver) SendAttachmentURL(ctx context.Context, channelID, url string) error {
	return d.createPost(ctx, channelID, url)
}

func (d *Driver) createPost(ctx context.Context, channelID, message string) error {
	post := &model.Post{ChannelId: channelID, Message: message}
	created, resp, err := d.client.CreatePost(ctx, post)
	if err != nil {
		return classify(resp, fmt.Errorf("failed to create post in %s: %w", channelID, err))
	}
	d.log.Debug().Str("post_id", created.Id).Str("channel_id", channelID).Msg("Posted message")
	return nil
}

// classify marks rate limiting and server errors as transient.
func classify(resp *model.Response, err error) error {
	if resp == nil {
		return err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %w", social.ErrTransient, err)
	}
	return err
}
