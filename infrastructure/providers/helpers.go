package providers

import (
	"bytes"
	"fmt"
	"strings"

	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
)

func missingCredential(provider, key string) error {
	return pkgError.NewPermanent(provider, 0, "missing credential "+key)
}

// baseURLFor prefers the per-session override.
func baseURLFor(s session.Session, fallback string) string {
	if s.BaseURL != "" {
		return strings.TrimRight(s.BaseURL, "/")
	}
	return fallback
}

func contentTypeOrText(p channel.Payload) channel.ContentType {
	if p.ContentType != "" {
		return p.ContentType
	}
	if p.Media != nil {
		return channel.ContentDocument
	}
	return channel.ContentText
}

func normalizeContentType(v string) channel.ContentType {
	switch strings.ToLower(v) {
	case "", "text", "chat", "conversation":
		return channel.ContentText
	case "image", "photo":
		return channel.ContentImage
	case "video":
		return channel.ContentVideo
	case "audio", "voice", "ptt":
		return channel.ContentAudio
	case "document", "file":
		return channel.ContentDocument
	case "location":
		return channel.ContentLocation
	case "sticker":
		return channel.ContentSticker
	}
	return channel.ContentUnknown
}

func knownStatus(v string) bool {
	switch v {
	case "sent", "delivered", "read", "failed":
		return true
	}
	return false
}

func trimSpace(b []byte) []byte { return bytes.TrimSpace(b) }

// recoverParse turns a panic inside a normalizer into a ParseError.
func recoverParse(provider string, err *error) {
	if r := recover(); r != nil {
		*err = &channel.ParseError{Provider: provider, Reason: fmt.Sprintf("panic: %v", r)}
	}
}
