// Copyright 2024-2026 Aiku AI

package relay

// AttachmentKind tags an Attachment.
type AttachmentKind int

const (
	AttachmentGeneric AttachmentKind = iota
	AttachmentAudio
	AttachmentFile
	AttachmentImage
	AttachmentVideo
)

func (k AttachmentKind) String() string {
	switch k {
	case AttachmentGeneric:
		return "generic"
	case AttachmentAudio:
		return "audio"
	case AttachmentFile:
		return "file"
	case AttachmentImage:
		return "image"
	case AttachmentVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Attachment is a single attached item. URL is opaque and never validated;
// for images it may point at storage only the originating network can reach.
type Attachment struct {
	Kind AttachmentKind
	URL  string
}

func Generic(url string) Attachment { return Attachment{Kind: AttachmentGeneric, URL: url} }
func Audio(url string) Attachment   { return Attachment{Kind: AttachmentAudio, URL: url} }
func File(url string) Attachment    { return Attachment{Kind: AttachmentFile, URL: url} }
func Image(url string) Attachment   { return Attachment{Kind: AttachmentImage, URL: url} }
func Video(url string) Attachment   { return Attachment{Kind: AttachmentVideo, URL: url} }
