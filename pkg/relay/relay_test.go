// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	Connector string
	RoomID    string
	Msg       Message
}

// sendLog is shared by the fake connectors of one test so that the global
// order of sends can be asserted.
type sendLog struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (l *sendLog) add(s sentMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, s)
}

func (l *sendLog) Sent() []sentMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]sentMessage, len(l.sent))
	copy(cp, l.sent)
	return cp
}

type fakeConnector struct {
	StateTracker
	name    string
	rooms   *Rooms
	log     *sendLog
	failFor map[string]error
}

func newFakeConnector(name string, log *sendLog) *fakeConnector {
	return &fakeConnector{name: name, rooms: NewRooms(), log: log, failFor: map[string]error{}}
}

func (f *fakeConnector) Name() string                  { return f.name }
func (f *fakeConnector) Connect(context.Context) error { return nil }
func (f *fakeConnector) Listen(context.Context) error  { return nil }
func (f *fakeConnector) Rooms() *Rooms                 { return f.rooms }
func (f *fakeConnector) Send(_ context.Context, msg Message, roomID string) error {
	if err := f.failFor[roomID]; err != nil {
		return err
	}
	f.log.add(sentMessage{Connector: f.name, RoomID: roomID, Msg: msg})
	return nil
}

func (f *fakeConnector) room(t *testing.T, id string) *Room {
	t.Helper()
	r := NewRoom(f, id)
	require.NoError(t, f.rooms.Add(r))
	return r
}

func TestLinkIsSymmetric(t *testing.T) {
	t.Parallel()
	log := &sendLog{}
	x := newFakeConnector("xmpp", log)
	s := newFakeConnector("social", log)
	a := x.room(t, "room@conf.example.org")
	b := s.room(t, "thread-1")

	Link(a, b)

	assert.Equal(t, []*Room{b}, a.Targets())
	assert.Equal(t, []*Room{a}, b.Targets())
}

func TestReceiveFansOutInInsertionOrder(t *testing.T) {
	t.Parallel()
	log := &sendLog{}
	c := newFakeConnector("c", log)
	a := c.room(t, "a")
	b := c.room(t, "b")
	cc := c.room(t, "c")
	d := c.room(t, "d")
	Link(a, b)
	Link(a, cc)
	Link(a, d)

	msg := NewTextMessage("alice", "hi")
	require.NoError(t, a.Receive(context.Background(), msg))

	sent := log.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "b", sent[0].RoomID)
	assert.Equal(t, "c", sent[1].RoomID)
	assert.Equal(t, "d", sent[2].RoomID)
	for _, s := range sent {
		assert.Equal(t, msg, s.Msg)
	}
}

func TestRelayIsOneHop(t *testing.T) {
	t.Parallel()
	log := &sendLog{}
	c := newFakeConnector("c", log)
	a := c.room(t, "a")
	b := c.room(t, "b")
	cc := c.room(t, "c")
	Link(a, b)
	Link(b, cc)

	require.NoError(t, a.Receive(context.Background(), NewTextMessage("alice", "hi")))

	sent := log.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "b", sent[0].RoomID)
}

func TestReceiveContinuesAfterFailingTarget(t *testing.T) {
	t.Parallel()
	log := &sendLog{}
	c := newFakeConnector("c", log)
	boom := errors.New("boom")
	c.failFor["b"] = boom
	a := c.room(t, "a")
	b := c.room(t, "b")
	d := c.room(t, "d")
	Link(a, b)
	Link(a, d)

	err := a.Receive(context.Background(), NewTextMessage("alice", "hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	sent := log.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "d", sent[0].RoomID)
}

func TestDispatchUnmappedRoom(t *testing.T) {
	t.Parallel()
	log := &sendLog{}
	c := newFakeConnector("c", log)
	a := c.room(t, "a")
	b := c.room(t, "b")
	Link(a, b)

	ok, err := c.Rooms().Dispatch(context.Background(), "nope", NewTextMessage("alice", "hi"))
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.Empty(t, log.Sent())

	ok, err = c.Rooms().Dispatch(context.Background(), "a", NewTextMessage("alice", "hi"))
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Len(t, log.Sent(), 1)
}

func TestRoomsRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	c := newFakeConnector("c", &sendLog{})
	c.room(t, "a")
	err := c.Rooms().Add(NewRoom(c, "a"))
	assert.ErrorIs(t, err, ErrDuplicateRoom)
	assert.Len(t, c.Rooms().All(), 1)
}

func TestAttachmentMessageIsImmutable(t *testing.T) {
	t.Parallel()
	atts := []Attachment{Image("https://cdn.example/a.png"), Audio("https://cdn.example/b.ogg")}
	msg := NewAttachmentMessage("bob", atts...)

	atts[0] = Video("https://evil.example/x")
	got := msg.Attachments()
	got[1] = File("https://evil.example/y")

	want := []Attachment{Image("https://cdn.example/a.png"), Audio("https://cdn.example/b.ogg")}
	assert.Equal(t, want, msg.Attachments())
	assert.Equal(t, 2, msg.Len())
	assert.Equal(t, "bob", msg.Sender())
}

func TestFormatLine(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "<alice> hi", FormatLine("alice", "hi"))
	assert.Equal(t, "<alice> sent an attachment", FormatAttachmentNotice("alice", 1))
	assert.Equal(t, "<alice> sent 3 attachments", FormatAttachmentNotice("alice", 3))
}

func TestAttachmentKindString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind AttachmentKind
		want string
	}{
		{AttachmentGeneric, "generic"},
		{AttachmentAudio, "audio"},
		{AttachmentFile, "file"},
		{AttachmentImage, "image"},
		{AttachmentVideo, "video"},
		{AttachmentKind(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestGraph(t *testing.T) {
	t.Parallel()
	c := newFakeConnector("c", &sendLog{})
	g := NewGraph()
	a := NewRoom(c, "a")
	b := NewRoom(c, "b")
	require.NoError(t, g.AddRoom("ra", a))
	require.NoError(t, g.AddRoom("rb", b))
	assert.Error(t, g.AddRoom("ra", b))

	assert.ErrorIs(t, g.Link("ra", "missing"), ErrUnknownRoom)
	assert.ErrorIs(t, g.Link("ra", "ra"), ErrSelfLink)
	require.NoError(t, g.Link("ra", "rb"))

	assert.Equal(t, []*Room{b}, a.Targets())
	assert.Equal(t, []*Room{a}, b.Targets())
	assert.Equal(t, []Edge{{A: "ra", B: "rb"}}, g.Edges())
	assert.Equal(t, []string{"ra", "rb"}, g.Keys())

	g.Seal()
	assert.ErrorIs(t, g.Link("rb", "ra"), ErrSealed)
	assert.ErrorIs(t, g.AddRoom("rc", NewRoom(c, "c")), ErrSealed)
}

func TestStateTracker(t *testing.T) {
	t.Parallel()
	var st StateTracker
	assert.Equal(t, StateDisconnected, st.State())
	st.SetState(StateDegraded)
	assert.Equal(t, StateDegraded, st.State())
	assert.Equal(t, "degraded", st.State().String())
}
