package model

import (
	"errors"
	"fmt"
	"strings"
)

type PayloadKind string

const (
	PayloadText    PayloadKind = "text"
	PayloadImage   PayloadKind = "image"
	PayloadFile    PayloadKind = "file"
	PayloadContact PayloadKind = "contact"
	PayloadLink    PayloadKind = "link"
)

var (
	ErrUnknownPayloadKind = errors.New("unknown payload kind")
	ErrAttachmentRequired = errors.New("attachment is required for this payload kind")
	ErrEmptyContent       = errors.New("content is required")
)

func (k PayloadKind) Valid() bool {
	switch k {
	case PayloadText, PayloadImage, PayloadFile, PayloadContact, PayloadLink:
		return true
	}
	return false
}

// NeedsAttachment reports whether the kind carries a reference besides the text.
func (k PayloadKind) NeedsAttachment() bool {
	return k == PayloadImage || k == PayloadFile || k == PayloadContact || k == PayloadLink
}

// Payload is the content handed to the gateway. Exactly one of the concrete
// variants below is used per delivery.
type Payload interface {
	Kind() PayloadKind
	// Content is the text part (body, caption or link text).
	Content() string
	// Attachment is the media URL, contact id or link target. Empty for text.
	Attachment() string
}

type TextPayload struct {
	Text string `json:"text"`
}

func (p TextPayload) Kind() PayloadKind  { return PayloadText }
func (p TextPayload) Content() string    { return p.Text }
func (p TextPayload) Attachment() string { return "" }

// MediaPayload is an image or a file with an optional caption.
type MediaPayload struct {
	MediaKind PayloadKind `json:"kind"`
	URL       string      `json:"url"`
	Caption   string      `json:"caption,omitempty"`
}

func (p MediaPayload) Kind() PayloadKind  { return p.MediaKind }
func (p MediaPayload) Content() string    { return p.Caption }
func (p MediaPayload) Attachment() string { return p.URL }

type ContactPayload struct {
	ContactID string `json:"contact_id"`
	Text      string `json:"text,omitempty"`
}

func (p ContactPayload) Kind() PayloadKind  { return PayloadContact }
func (p ContactPayload) Content() string    { return p.Text }
func (p ContactPayload) Attachment() string { return p.ContactID }

type LinkPayload struct {
	URL  string `json:"url"`
	Text string `json:"text,omitempty"`
}

func (p LinkPayload) Kind() PayloadKind  { return PayloadLink }
func (p LinkPayload) Content() string    { return p.Text }
func (p LinkPayload) Attachment() string { return p.URL }

// NewPayload builds the variant for kind. Text payloads require content,
// every other kind requires an attachment.
func NewPayload(kind PayloadKind, content, attachment string) (Payload, error) {
	if kind == "" {
		kind = PayloadText
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadKind, kind)
	}
	attachment = strings.TrimSpace(attachment)
	if kind.NeedsAttachment() && attachment == "" {
		return nil, fmt.Errorf("%w: %s", ErrAttachmentRequired, kind)
	}

	switch kind {
	case PayloadImage, PayloadFile:
		return MediaPayload{MediaKind: kind, URL: attachment, Caption: content}, nil
	case PayloadContact:
		return ContactPayload{ContactID: attachment, Text: content}, nil
	case PayloadLink:
		return LinkPayload{URL: attachment, Text: content}, nil
	default:
		if strings.TrimSpace(content) == "" {
			return nil, ErrEmptyContent
		}
		return TextPayload{Text: content}, nil
	}
}
