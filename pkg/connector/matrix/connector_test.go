// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/chatrelay/pkg/relay"
)

const (
	ownUser  = id.UserID("@relay:example.org")
	testRoom = "!room:example.org"
)

// fakeHomeserver simulates the client-server API endpoints the connector
// uses.
type fakeHomeserver struct {
	Server *httptest.Server

	mu   sync.Mutex
	sent []event.MessageEventContent

	DisplayNames  map[string]string
	profileLookup atomic.Int32
	FailSend      atomic.Bool
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	f := &fakeHomeserver{DisplayNames: map[string]string{"@alice:example.org": "Alice"}}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeHomeserver) handler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	body, _ := io.ReadAll(r.Body)
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/account/whoami"):
		writeJSON(w, http.StatusOK, map[string]string{"user_id": string(ownUser)})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/join"):
		writeJSON(w, http.StatusOK, map[string]string{"room_id": testRoom})

	case r.Method == http.MethodGet && strings.Contains(path, "/profile/") && strings.HasSuffix(path, "/displayname"):
		f.profileLookup.Add(1)
		user := strings.TrimSuffix(path[strings.Index(path, "/profile/")+len("/profile/"):], "/displayname")
		if name, ok := f.DisplayNames[user]; ok {
			writeJSON(w, http.StatusOK, map[string]string{"displayname": name})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "no profile"})

	case r.Method == http.MethodPut && strings.Contains(path, "/send/m.room.message/"):
		if f.FailSend.Load() {
			writeJSON(w, http.StatusForbidden, map[string]string{"errcode": "M_FORBIDDEN", "error": "not in room"})
			return
		}
		var content event.MessageEventContent
		_ = json.Unmarshal(body, &content)
		f.mu.Lock()
		f.sent = append(f.sent, content)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$sent"})

	default:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"errcode": "M_UNKNOWN_TOKEN", "error": "unknown token"})
	}
}

func (f *fakeHomeserver) Sent() []event.MessageEventContent {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]event.MessageEventContent, len(f.sent))
	copy(cp, f.sent)
	return cp
}

type recordingConnector struct {
	relay.StateTracker
	rooms *relay.Rooms

	mu   sync.Mutex
	msgs []relay.Message
}

func (r *recordingConnector) Name() string                  { return "recorder" }
func (r *recordingConnector) Connect(context.Context) error { return nil }
func (r *recordingConnector) Listen(context.Context) error  { return nil }
func (r *recordingConnector) Rooms() *relay.Rooms           { return r.rooms }
func (r *recordingConnector) Send(_ context.Context, msg relay.Message, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func newTestConnector(t *testing.T, f *fakeHomeserver) (*Connector, *recordingConnector) {
	t.Helper()
	c, err := New("matrix", Config{HomeserverURL: f.Server.URL, UserID: string(ownUser), AccessToken: "tok"}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	room, err := c.JoinRoom(context.Background(), testRoom)
	require.NoError(t, err)

	rec := &recordingConnector{rooms: relay.NewRooms()}
	target := relay.NewRoom(rec, "thread-1")
	require.NoError(t, rec.rooms.Add(target))
	relay.Link(room, target)
	return c, rec
}

func messageEvent(sender id.UserID, roomID string, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Sender:  sender,
		RoomID:  id.RoomID(roomID),
		ID:      "$evt",
		Type:    event.EventMessage,
		Content: event.Content{Parsed: content},
	}
}

func TestConnectAndJoin(t *testing.T) {
	t.Parallel()
	f := newFakeHomeserver(t)
	c, _ := newTestConnector(t, f)

	assert.Equal(t, relay.StateConnected, c.State())
	_, ok := c.Rooms().Get(testRoom)
	assert.True(t, ok)

	_, err := c.JoinRoom(context.Background(), testRoom)
	assert.ErrorIs(t, err, relay.ErrDuplicateRoom)
}

func TestJoinRequiresConnect(t *testing.T) {
	t.Parallel()
	c, err := New("matrix", Config{HomeserverURL: "https://matrix.example", UserID: string(ownUser)}, zerolog.Nop())
	require.NoError(t, err)
	_, err = c.JoinRoom(context.Background(), testRoom)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Listen(context.Background()), ErrNotConnected)
}

func TestHandleMessage(t *testing.T) {
	t.Parallel()
	f := newFakeHomeserver(t)
	c, rec := newTestConnector(t, f)
	ctx := context.Background()

	c.handleMessage(ctx, messageEvent("@alice:example.org", testRoom, &event.MessageEventContent{
		MsgType: event.MsgText, Body: "hi", Format: event.FormatHTML, FormattedBody: "<strong>hi</strong>",
	}))
	c.handleMessage(ctx, messageEvent("@bob:example.org", testRoom, &event.MessageEventContent{
		MsgType: event.MsgImage, Body: "cat.png", URL: "mxc://example.org/abc123",
	}))
	c.handleMessage(ctx, messageEvent("@alice:example.org", testRoom, &event.MessageEventContent{
		MsgType: event.MsgEmote, Body: "waves",
	}))

	assert.Equal(t, []relay.Message{
		relay.NewTextMessage("Alice", "*hi*"),
		relay.NewAttachmentMessage("bob", relay.Image(f.Server.URL+"/_matrix/media/v3/download/example.org/abc123")),
		relay.NewTextMessage("Alice", "/me waves"),
	}, rec.msgs)
	// Alice is looked up once, Bob's failed lookup is not cached.
	assert.EqualValues(t, 2, f.profileLookup.Load())
}

func TestHandleMessageDropped(t *testing.T) {
	t.Parallel()
	f := newFakeHomeserver(t)
	c, rec := newTestConnector(t, f)
	ctx := context.Background()

	c.handleMessage(ctx, messageEvent(ownUser, testRoom, &event.MessageEventContent{MsgType: event.MsgText, Body: "<alice> hi"}))
	c.handleMessage(ctx, messageEvent("@alice:example.org", "!other:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}))
	c.handleMessage(ctx, messageEvent("@alice:example.org", testRoom, &event.MessageEventContent{MsgType: event.MsgText, Body: "  "}))
	c.handleMessage(ctx, messageEvent("@alice:example.org", testRoom, &event.MessageEventContent{MsgType: "m.custom"}))

	assert.Empty(t, rec.msgs)
}

func TestSendText(t *testing.T) {
	t.Parallel()
	f := newFakeHomeserver(t)
	c, _ := newTestConnector(t, f)

	require.NoError(t, c.Send(context.Background(), relay.NewTextMessage("alice", "hi"), testRoom))

	sent := f.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, event.MsgText, sent[0].MsgType)
	assert.Equal(t, "<alice> hi", sent[0].Body)
	assert.Equal(t, event.FormatHTML, sent[0].Format)
	assert.Equal(t, "<strong>&lt;alice&gt;</strong> hi", sent[0].FormattedBody)
}

func TestSendAttachments(t *testing.T) {
	t.Parallel()
	f := newFakeHomeserver(t)
	c, _ := newTestConnector(t, f)

	msg := relay.NewAttachmentMessage("bob", relay.Image("https://cdn.example/a.png"), relay.Audio("https://cdn.example/b.ogg"))
	require.NoError(t, c.Send(context.Background(), msg, testRoom))

	sent := f.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, event.MsgNotice, sent[0].MsgType)
	assert.Equal(t, "<bob> sent 2 attachments", sent[0].Body)
	assert.Equal(t, "https://cdn.example/a.png", sent[1].Body)
	assert.Equal(t, "https://cdn.example/b.ogg", sent[2].Body)
}

func TestSendError(t *testing.T) {
	t.Parallel()
	f := newFakeHomeserver(t)
	c, _ := newTestConnector(t, f)
	f.FailSend.Store(true)

	err := c.Send(context.Background(), relay.NewTextMessage("alice", "hi"), testRoom)
	assert.Error(t, err)
}

func TestListenDegradesOnSyncFailure(t *testing.T) {
	t.Parallel()
	f := newFakeHomeserver(t)
	c, _ := newTestConnector(t, f)

	require.NoError(t, c.Listen(context.Background()))

	require.Eventually(t, func() bool { return c.State() == relay.StateDegraded }, 5*time.Second, 10*time.Millisecond)
}

func TestMediaURL(t *testing.T) {
	t.Parallel()
	c, err := New("matrix", Config{HomeserverURL: "https://matrix.example/", UserID: string(ownUser)}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "https://matrix.example/_matrix/media/v3/download/example.org/abc", c.mediaURL("mxc://example.org/abc"))
	assert.Equal(t, "not-a-uri", c.mediaURL("not-a-uri"))

	c, err = New("matrix", Config{
		HomeserverURL: "https://matrix.example",
		UserID:        string(ownUser),
		MediaURL:      "https://media.example/",
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "https://media.example/_matrix/media/v3/download/example.org/abc", c.mediaURL("mxc://example.org/abc"))
}
