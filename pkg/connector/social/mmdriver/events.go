// Copyright 2024-2026 Aiku AI

package mmdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/chatrelay/pkg/connector/social"
)

// Post props that carry locations shared from mobile clients.
const (
	propLocation     = "location"
	propLiveLocation = "live_location"
)

func (d *Driver) handleEvent(ctx context.Context, evt *model.WebSocketEvent, handler social.Handler) {
	if evt.EventType() != model.WebsocketEventPosted {
		d.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
		return
	}
	post, err := parsePostedEvent(evt)
	if err != nil {
		d.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}
	if post == nil {
		return
	}
	d.log.Debug().
		Str("post_id", post.Id).
		Str("channel_id", post.ChannelId).
		Str("user_id", post.UserId).
		Msg("Received new message")
	handler(ctx, d.postToEvent(post))
}

// parsePostedEvent extracts the post from a posted event. It returns
// (nil, nil) for system posts.
func parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}
	return &post, nil
}

func (d *Driver) postToEvent(post *model.Post) social.Event {
	evt := social.Event{
		ThreadID: post.ChannelId,
		AuthorID: post.UserId,
		Text:     post.Message,
	}

	var files []*model.FileInfo
	var embeds []*model.PostEmbed
	if post.Metadata != nil {
		files = post.Metadata.Files
		embeds = post.Metadata.Embeds
	}
	seen := make(map[string]bool, len(files))
	for _, fi := range files {
		seen[fi.Id] = true
		evt.Attachments = append(evt.Attachments, d.fileAttachment(fi.Id, fi.MimeType))
	}
	// Posts delivered without metadata only list file IDs.
	for _, id := range post.FileIds {
		if !seen[id] {
			evt.Attachments = append(evt.Attachments, d.fileAttachment(id, ""))
		}
	}
	for _, embed := range embeds {
		if embed.URL == "" || strings.Contains(post.Message, embed.URL) {
			continue
		}
		evt.Attachments = append(evt.Attachments, social.NativeAttachment{Kind: social.KindShare, URL: embed.URL})
	}
	if loc, ok := locationURL(post.GetProp(propLocation)); ok {
		evt.Attachments = append(evt.Attachments, social.NativeAttachment{Kind: social.KindLocation, URL: loc})
	}
	if live, _ := post.GetProp(propLiveLocation).(bool); live {
		evt.Attachments = append(evt.Attachments, social.NativeAttachment{Kind: social.KindLiveLocation})
	}
	return evt
}

// fileAttachment maps a file by MIME type. Images only carry their ID since
// their URL needs a separate lookup.
func (d *Driver) fileAttachment(fileID, mimeType string) social.NativeAttachment {
	fileURL := d.cfg.ServerURL + "/api/v4/files/" + url.PathEscape(fileID)
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return social.NativeAttachment{Kind: social.KindImage, ID: fileID}
	case strings.HasPrefix(mimeType, "video/"):
		return social.NativeAttachment{Kind: social.KindVideo, ID: fileID, URL: fileURL}
	case strings.HasPrefix(mimeType, "audio/"):
		return social.NativeAttachment{Kind: social.KindAudio, ID: fileID, URL: fileURL}
	default:
		return social.NativeAttachment{Kind: social.KindFile, ID: fileID, URL: fileURL}
	}
}

// locationURL turns a {"latitude": …, "longitude": …} prop into a map link.
func locationURL(prop any) (string, bool) {
	m, ok := prop.(map[string]any)
	if !ok {
		return "", false
	}
	lat, latOK := m["latitude"].(float64)
	lon, lonOK := m["longitude"].(float64)
	if !latOK || !lonOK {
		return "", false
	}
	return fmt.Sprintf("https://www.openstreetmap.org/?mlat=%g&mlon=%g", lat, lon), true
}
