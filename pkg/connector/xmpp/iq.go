// Copyright 2024-2026 Aiku AI

package xmpp

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	goxmpp "github.com/xmppo/go-xmpp"
)

// ErrIQ is returned for IQ responses of type error. The client library keeps
// the error condition to itself, so only the echoed request is reported.
var ErrIQ = errors.New("xmpp: iq error")

func iqError(to string, query []byte) error {
	if name := firstElement(query); name != "" {
		return fmt.Errorf("%w from %s (in reply to <%s/>)", ErrIQ, to, name)
	}
	return fmt.Errorf("%w from %s", ErrIQ, to)
}

// firstElement returns the local name of the first element in inner.
func firstElement(inner []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(inner))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local
		}
	}
}

// SendIQ sends an IQ with payload as its child and waits for the matching
// result. It implements upload.IQSender.
func (c *Connector) SendIQ(ctx context.Context, to, iqType string, payload []byte) ([]byte, error) {
	id := uuid.NewString()
	ch := make(chan goxmpp.IQ, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	var b strings.Builder
	b.WriteString("<iq type='")
	_ = xml.EscapeText(&b, []byte(iqType))
	b.WriteString("' id='")
	b.WriteString(id)
	b.WriteString("' to='")
	_ = xml.EscapeText(&b, []byte(to))
	b.WriteString("'>")
	b.Write(payload)
	b.WriteString("</iq>")
	if err := c.sendRaw(b.String()); err != nil {
		return nil, fmt.Errorf("failed to send iq to %s: %w", to, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("iq to %s: %w", to, ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("iq to %s: stream closed", to)
		}
		if resp.Type == "error" {
			return nil, iqError(to, resp.Query)
		}
		return resp.Query, nil
	}
}

// handleIQ routes an IQ response to its waiting sender. It never blocks.
func (c *Connector) handleIQ(iq goxmpp.IQ) {
	if iq.Type != "result" && iq.Type != "error" {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[iq.ID]
	if ok {
		delete(c.pending, iq.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.log.Trace().Str("id", iq.ID).Msg("Dropping unsolicited iq response")
		return
	}
	ch <- iq
}

// failPending releases every waiting IQ sender when the stream ends.
func (c *Connector) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
