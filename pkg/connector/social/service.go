// Copyright 2024-2026 Aiku AI

// Package social connects the relay to a social chat service thread.
//
// The connector only knows the Service interface; the wire protocol lives
// in a driver package such as mmdriver.
package social

import (
	"context"
	"errors"
)

// ErrTransient marks a service failure that may succeed when retried.
var ErrTransient = errors.New("transient service error")

// AttachmentKind is the kind of attachment as the service reports it.
type AttachmentKind int

const (
	KindAudio AttachmentKind = iota
	KindFile
	KindVideo
	KindImage
	KindShare
	KindLocation
	KindLiveLocation
)

func (k AttachmentKind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindFile:
		return "file"
	case KindVideo:
		return "video"
	case KindImage:
		return "image"
	case KindShare:
		return "share"
	case KindLocation:
		return "location"
	case KindLiveLocation:
		return "live_location"
	default:
		return "unknown"
	}
}

// NativeAttachment is an attachment on an inbound service event. Images
// carry only an ID that must be resolved with Service.FetchImageURL.
type NativeAttachment struct {
	Kind AttachmentKind
	ID   string
	URL  string
}

// Event is one inbound message from the service.
type Event struct {
	ThreadID    string
	AuthorID    string
	Text        string
	Attachments []NativeAttachment
}

// Handler receives inbound events. It runs on the service's listener
// goroutine.
type Handler func(ctx context.Context, evt Event)

// Service is a session with the social chat service.
type Service interface {
	// Login restores or creates the session.
	Login(ctx context.Context) error
	// UserID is the account's own user ID, valid after Login.
	UserID() string
	// Listen delivers events to handler until ctx is cancelled or the
	// transport fails. It returns nil only when ctx is done.
	Listen(ctx context.Context, handler Handler) error
	FetchUserName(ctx context.Context, userID string) (string, error)
	FetchImageURL(ctx context.Context, imageID string) (string, error)
	SendText(ctx context.Context, threadID, body string) error
	SendAttachmentURL(ctx context.Context, threadID, url string) error
}
