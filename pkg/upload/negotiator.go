// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package upload implements XEP-0363 HTTP File Upload slot negotiation.
//
// A [Negotiator] discovers the upload service of an XMPP domain once per
// session, requests a slot for a local file, PUTs the file to the slot and
// returns the public GET URL. The local file is always removed afterwards.
package upload

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNoUploadService = errors.New("no HTTP upload service found")
	ErrSlotRequest     = errors.New("upload slot request failed")
	ErrInvalidSlot     = errors.New("invalid upload slot")
	ErrUpload          = errors.New("upload failed")
)

const (
	DefaultIQTimeout   = 30 * time.Second
	DefaultHTTPTimeout = 2 * time.Minute
	// DefaultMaxFileSize caps how much Rehost downloads.
	DefaultMaxFileSize int64 = 100 << 20
)

// IQSender performs one IQ round trip. It returns the inner XML of the
// result IQ, or an error if the response is of type "error".
type IQSender interface {
	SendIQ(ctx context.Context, to, iqType string, payload []byte) ([]byte, error)
}

// Slot is a negotiated upload slot.
type Slot struct {
	PutURL     string
	GetURL     string
	PutHeaders http.Header
}

// Options tune a Negotiator. Zero values pick defaults.
type Options struct {
	HTTPClient  *http.Client
	IQTimeout   time.Duration
	HTTPTimeout time.Duration
	// TempDir is where Rehost downloads files. Empty means os.TempDir().
	TempDir string
	// MaxFileSize is the largest source Rehost accepts, in bytes.
	MaxFileSize int64
	Log         zerolog.Logger
}

// Negotiator negotiates upload slots against one XMPP domain.
type Negotiator struct {
	iq          IQSender
	domain      string
	http        *http.Client
	iqTimeout   time.Duration
	httpTimeout time.Duration
	tempDir     string
	maxFileSize int64
	log         zerolog.Logger

	mu      sync.Mutex
	service string
}

// New creates a Negotiator for domain, sending IQs through iq.
func New(iq IQSender, domain string, opts Options) *Negotiator {
	n := &Negotiator{
		iq:          iq,
		domain:      domain,
		http:        opts.HTTPClient,
		iqTimeout:   opts.IQTimeout,
		httpTimeout: opts.HTTPTimeout,
		tempDir:     opts.TempDir,
		maxFileSize: opts.MaxFileSize,
		log:         opts.Log.With().Str("component", "http_upload").Logger(),
	}
	if n.http == nil {
		n.http = http.DefaultClient
	}
	if n.iqTimeout <= 0 {
		n.iqTimeout = DefaultIQTimeout
	}
	if n.httpTimeout <= 0 {
		n.httpTimeout = DefaultHTTPTimeout
	}
	if n.maxFileSize <= 0 {
		n.maxFileSize = DefaultMaxFileSize
	}
	return n
}

func (n *Negotiator) sendIQ(ctx context.Context, to, iqType string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, n.iqTimeout)
	defer cancel()
	return n.iq.SendIQ(ctx, to, iqType, payload)
}

func (n *Negotiator) supportsUpload(ctx context.Context, jid string) (bool, error) {
	resp, err := n.sendIQ(ctx, jid, "get", encodeDiscoQuery(NSDiscoInfo))
	if err != nil {
		return false, err
	}
	var info discoInfoQuery
	if err := xml.Unmarshal(resp, &info); err != nil {
		return false, fmt.Errorf("failed to parse disco#info from %s: %w", jid, err)
	}
	return info.hasFeature(NSHTTPUpload), nil
}

// Discover finds the upload service of the domain. A successful result is
// cached for the lifetime of the Negotiator; failures are not.
func (n *Negotiator) Discover(ctx context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.service != "" {
		return n.service, nil
	}

	ok, err := n.supportsUpload(ctx, n.domain)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrNoUploadService, n.domain, err)
	}
	if ok {
		n.service = n.domain
		n.log.Debug().Str("service", n.service).Msg("Discovered HTTP upload service")
		return n.service, nil
	}

	resp, err := n.sendIQ(ctx, n.domain, "get", encodeDiscoQuery(NSDiscoItems))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrNoUploadService, n.domain, err)
	}
	var items discoItemsQuery
	if err := xml.Unmarshal(resp, &items); err != nil {
		return "", fmt.Errorf("%w: %s: failed to parse disco#items: %w", ErrNoUploadService, n.domain, err)
	}
	for _, item := range items.Items {
		ok, err := n.supportsUpload(ctx, item.JID)
		if err != nil {
			n.log.Debug().Err(err).Str("jid", item.JID).Msg("disco#info failed for item")
			continue
		}
		if ok {
			n.service = item.JID
			n.log.Debug().Str("service", n.service).Msg("Discovered HTTP upload service")
			return n.service, nil
		}
	}
	return "", fmt.Errorf("%w @ %s", ErrNoUploadService, n.domain)
}

// RequestSlot asks the upload service for a slot for a file.
func (n *Negotiator) RequestSlot(ctx context.Context, filename string, size int64, contentType string) (*Slot, error) {
	service, err := n.Discover(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := encodeSlotRequest(filename, size, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSlotRequest, err)
	}
	resp, err := n.sendIQ(ctx, service, "get", payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSlotRequest, err)
	}

	var parsed slotResponse
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSlot, err)
	}
	slot := &Slot{
		PutURL:     parsed.Put.URL,
		GetURL:     parsed.Get.URL,
		PutHeaders: make(http.Header),
	}
	switch {
	case slot.PutURL == "":
		return nil, fmt.Errorf("%w: missing put url", ErrInvalidSlot)
	case slot.GetURL == "":
		return nil, fmt.Errorf("%w: missing get url", ErrInvalidSlot)
	case slot.PutURL == slot.GetURL:
		return nil, fmt.Errorf("%w: put and get urls are identical", ErrInvalidSlot)
	}
	for _, h := range parsed.Put.Headers {
		name := http.CanonicalHeaderKey(h.Name)
		if allowedPutHeaders[name] {
			slot.PutHeaders.Set(name, h.Value)
		}
	}
	return slot, nil
}

// Upload negotiates a slot for the file at path, uploads it and returns the
// public URL. The file at path is removed whatever the outcome. An empty
// contentType is guessed from the file name.
func (n *Negotiator) Upload(ctx context.Context, path, contentType string) (getURL string, err error) {
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			n.log.Warn().Err(rmErr).Str("path", path).Msg("Failed to remove uploaded file")
		}
		result := "ok"
		if err != nil {
			result = "error"
		}
		uploads.WithLabelValues(result).Inc()
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	size := int64(len(data))
	if contentType == "" {
		contentType = GuessContentType(path)
	}

	slot, err := n.RequestSlot(ctx, filepath.Base(path), size, contentType)
	if err != nil {
		return "", err
	}
	if err := n.put(ctx, slot, data, contentType); err != nil {
		return "", err
	}
	n.log.Debug().
		Str("filename", filepath.Base(path)).
		Int64("size", size).
		Str("get_url", slot.GetURL).
		Msg("Uploaded file")
	return slot.GetURL, nil
}

func (n *Negotiator) put(ctx context.Context, slot *Slot, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, n.httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.PutURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpload, err)
	}
	for name, values := range slot.PutHeaders {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpload, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: unexpected status %d", ErrUpload, resp.StatusCode)
	}
	return nil
}
