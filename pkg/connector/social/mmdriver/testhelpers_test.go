// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mmdriver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/model"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

// fakeMM wraps an httptest.Server simulating the parts of the Mattermost
// API the driver uses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs.
	TokenToUser map[string]string
	// Passwords maps login IDs to password and user ID.
	Passwords map[string][2]string
	// SessionToken is returned by a successful password login.
	SessionToken string
	// FileLinks maps file ID to its public link.
	FileLinks map[string]string
	// FailEndpoints makes requests whose path contains the key fail with
	// the given status.
	FailEndpoints map[string]int

	// Events is written to every WebSocket client; closing it closes the
	// socket.
	Events chan *model.WebSocketEvent
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:         make(map[string]*model.User),
		TokenToUser:   make(map[string]string),
		Passwords:     make(map[string][2]string),
		SessionToken:  "session-token",
		FileLinks:     make(map[string]string),
		FailEndpoints: make(map[string]int),
		Events:        make(chan *model.WebSocketEvent, 16),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(r *http.Request, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Body: body, Auth: r.Header.Get("Authorization")})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CallsTo(method, path string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	f.mu.Lock()
	defer f.mu.Unlock()
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var upgrader = websocket.Upgrader{}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/api/v4/websocket" {
		f.record(r, "")
		f.serveWebSocket(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	f.record(r, string(body))

	for prefix, status := range f.FailEndpoints {
		if strings.Contains(path, prefix) {
			writeJSON(w, status, map[string]any{"message": "fake error", "status_code": status})
			return
		}
	}

	switch {
	case r.Method == http.MethodGet && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "unauthorized", "status_code": 401})
			return
		}
		writeJSON(w, http.StatusOK, f.Users[uid])

	case r.Method == http.MethodPost && path == "/api/v4/users/login":
		var req map[string]string
		_ = json.Unmarshal(body, &req)
		cred, ok := f.Passwords[req["login_id"]]
		if !ok || cred[0] != req["password"] {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "invalid credentials", "status_code": 401})
			return
		}
		f.mu.Lock()
		f.TokenToUser[f.SessionToken] = cred[1]
		f.mu.Unlock()
		w.Header().Set("Token", f.SessionToken)
		writeJSON(w, http.StatusOK, f.Users[cred[1]])

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/users/"):
		if u, ok := f.Users[path[len("/api/v4/users/"):]]; ok {
			writeJSON(w, http.StatusOK, u)
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "user not found", "status_code": 404})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/files/") && strings.HasSuffix(path, "/link"):
		fileID := strings.TrimSuffix(path[len("/api/v4/files/"):], "/link")
		if link, ok := f.FileLinks[fileID]; ok {
			writeJSON(w, http.StatusOK, map[string]string{"link": link})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "file not found", "status_code": 404})

	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		writeJSON(w, http.StatusCreated, &post)

	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "not found: " + path, "status_code": 404})
	}
}

func (f *fakeMM) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	// Drain the authentication challenge and notice when the client leaves.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-gone:
			return
		case evt, ok := <-f.Events:
			if !ok {
				return
			}
			data, err := evt.ToJSON()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// newPostedEvent builds a posted WebSocket event carrying post.
func newPostedEvent(post *model.Post) *model.WebSocketEvent {
	data, _ := json.Marshal(post)
	evt := model.NewWebSocketEvent(model.WebsocketEventPosted, "", post.ChannelId, "", nil, "")
	return evt.SetData(map[string]any{"post": string(data)})
}
