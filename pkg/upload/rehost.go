// Copyright 2024-2026 Aiku AI

package upload

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const fallbackFilename = "attachment"

var uploads = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatrelay_uploads_total",
		Help: "Total number of HTTP upload attempts by result",
	},
	[]string{"result"},
)

// Rehost downloads sourceURL and uploads it through a negotiated slot,
// returning the public URL. Every download lands in its own temporary
// directory, so files with the same name never collide.
func (n *Negotiator) Rehost(ctx context.Context, sourceURL string) (string, error) {
	dir, err := os.MkdirTemp(n.tempDir, "chatrelay-upload-")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	localPath, contentType, err := n.download(ctx, sourceURL, dir)
	if err != nil {
		return "", err
	}
	return n.Upload(ctx, localPath, contentType)
}

func (n *Negotiator) download(ctx context.Context, sourceURL, dir string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := n.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to download %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("failed to download %s: unexpected status %d", sourceURL, resp.StatusCode)
	}
	if resp.ContentLength > n.maxFileSize {
		uploads.WithLabelValues("too_large").Inc()
		return "", "", fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrUpload, sourceURL, resp.ContentLength, n.maxFileSize)
	}

	contentType := stripParams(resp.Header.Get("Content-Type"))
	name := FilenameFromURL(sourceURL)
	if filepath.Ext(name) == "" && contentType != "" {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			name += exts[0]
		}
	}

	localPath := filepath.Join(dir, name)
	f, err := os.Create(localPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to create temp file: %w", err)
	}
	written, err := io.Copy(f, io.LimitReader(resp.Body, n.maxFileSize+1))
	if err != nil {
		f.Close()
		return "", "", fmt.Errorf("failed to download %s: %w", sourceURL, err)
	}
	if written > n.maxFileSize {
		f.Close()
		uploads.WithLabelValues("too_large").Inc()
		return "", "", fmt.Errorf("%w: %s exceeds %d bytes", ErrUpload, sourceURL, n.maxFileSize)
	}
	if err := f.Close(); err != nil {
		return "", "", fmt.Errorf("failed to write temp file: %w", err)
	}
	return localPath, contentType, nil
}

// FilenameFromURL returns the last path segment of rawURL, or "attachment"
// when there is none usable.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallbackFilename
	}
	name := path.Base(u.Path)
	switch name {
	case "", ".", "/", "..":
		return fallbackFilename
	}
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, name)
	return name
}

// GuessContentType guesses the MIME type of the file at p from its
// extension, falling back to sniffing its content.
func GuessContentType(p string) string {
	if t := stripParams(mime.TypeByExtension(filepath.Ext(p))); t != "" {
		return t
	}
	if m, err := mimetype.DetectFile(p); err == nil {
		return stripParams(m.String())
	}
	return "application/octet-stream"
}

func stripParams(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mediaType
}
