// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"fmt"
)

// Message is a chat event in a form every connector understands.
// The only implementations are TextMessage and AttachmentMessage.
type Message interface {
	// Sender returns the display name of the human who wrote the message.
	Sender() string
	isMessage()
}

// TextMessage is a plain text line.
type TextMessage struct {
	Author string
	Body   string
}

// AttachmentMessage carries one or more attachments and no text.
type AttachmentMessage struct {
	Author      string
	attachments []Attachment
}

var (
	_ Message = TextMessage{}
	_ Message = AttachmentMessage{}
)

// NewTextMessage creates a text message.
func NewTextMessage(author, body string) TextMessage {
	return TextMessage{Author: author, Body: body}
}

// NewAttachmentMessage creates an attachment message. The slice is copied.
func NewAttachmentMessage(author string, attachments ...Attachment) AttachmentMessage {
	cp := make([]Attachment, len(attachments))
	copy(cp, attachments)
	return AttachmentMessage{Author: author, attachments: cp}
}

func (m TextMessage) Sender() string { return m.Author }
func (m TextMessage) isMessage()     {}

func (m AttachmentMessage) Sender() string { return m.Author }
func (m AttachmentMessage) isMessage()     {}

// Attachments returns a copy of the attachments in their original order.
func (m AttachmentMessage) Attachments() []Attachment {
	cp := make([]Attachment, len(m.attachments))
	copy(cp, m.attachments)
	return cp
}

// Len returns the number of attachments.
func (m AttachmentMessage) Len() int {
	return len(m.attachments)
}

// FormatLine renders a relayed text line the way every backend shows it.
func FormatLine(author, body string) string {
	return "<" + author + "> " + body
}

// FormatAttachmentNotice renders the line announcing attachments from author.
func FormatAttachmentNotice(author string, count int) string {
	if count == 1 {
		return fmt.Sprintf("<%s> sent an attachment", author)
	}
	return fmt.Sprintf("<%s> sent %d attachments", author, count)
}
