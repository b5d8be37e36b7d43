package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AzielCF/az-dispatch/workspace/domain/session"
)

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentAudio    ContentType = "audio"
	ContentDocument ContentType = "document"
	ContentLocation ContentType = "location"
	ContentSticker  ContentType = "sticker"
	ContentUnknown  ContentType = "unknown"
)

type Media struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Payload is the channel-agnostic outbound message body.
type Payload struct {
	ContentType ContentType `json:"content_type"`
	Text        string      `json:"text,omitempty"`
	Media       *Media      `json:"media,omitempty"`
}

// Preview returns the text shown in inbox listings.
func (p Payload) Preview() string {
	if p.Text != "" {
		return p.Text
	}
	if p.Media != nil {
		if p.Media.Caption != "" {
			return p.Media.Caption
		}
		return "[" + string(p.ContentType) + "]"
	}
	return ""
}

type Kind string

const (
	KindStatusUpdate Kind = "status_update"
	KindNewMessage   Kind = "new_message"
)

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// InboundEvent is the canonical form of anything a provider pushes to us.
type InboundEvent struct {
	ProviderEventID   string       `json:"provider_event_id"`
	ChannelType       session.Type `json:"channel_type"`
	Kind              Kind         `json:"kind"`
	Direction         string       `json:"direction"`
	FromID            string       `json:"from_id"`
	ToID              string       `json:"to_id"`
	FromName          string       `json:"from_name,omitempty"`
	ContentType       ContentType  `json:"content_type,omitempty"`
	Content           string       `json:"content,omitempty"`
	MediaRef          string       `json:"media_ref,omitempty"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	StatusValue       string       `json:"status_value,omitempty"`
	ErrorReason       string       `json:"error_reason,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
}

// InboundRequest is the transport-independent view of a webhook callback.
// Header keys are stored lower-cased.
type InboundRequest struct {
	Headers  map[string]string
	Query    map[string]string
	Body     []byte
	RemoteIP string
}

func (r InboundRequest) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[strings.ToLower(name)]
}

// ParseError is returned by NormalizeInbound for payloads it cannot read.
type ParseError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: cannot parse inbound payload: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: cannot parse inbound payload: %s", e.Provider, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Adapter is implemented once per provider. Send is synchronous and returns
// the provider message id or a classified provider error.
type Adapter interface {
	Type() session.Type
	Send(ctx context.Context, s session.Session, recipient string, p Payload) (string, error)
	NormalizeInbound(raw []byte) ([]InboundEvent, error)
	VerifySignature(s session.Session, req InboundRequest) bool
}

// Handshaker is implemented by providers that confirm webhook subscriptions
// with a GET challenge.
type Handshaker interface {
	Handshake(s session.Session, query map[string]string) (string, bool)
}

// Resolver picks the adapter that serves a session.
type Resolver interface {
	For(s session.Session) (Adapter, error)
}
