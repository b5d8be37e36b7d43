package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/buger/jsonparser"
)

const (
	metaProvider        = "meta"
	metaSignatureHeader = "X-Hub-Signature-256"
)

// Graph API error codes with a meaning beyond the HTTP status.
const (
	metaCodeTokenInvalid = 190
)

var metaThrottleCodes = map[int64]bool{4: true, 17: true, 32: true, 613: true, 80007: true, 130429: true, 131048: true, 131056: true}

// MetaAdapter serves Messenger, Instagram Direct and the WhatsApp Cloud API.
// They share the Graph API transport, signature scheme and subscription
// handshake; only the message shapes differ.
type MetaAdapter struct {
	http        *HTTPClient
	baseURL     string
	version     string
	channelType session.Type
}

func NewMetaAdapter(client *HTTPClient, channelType session.Type, baseURL, version string) *MetaAdapter {
	if baseURL == "" {
		baseURL = "https://graph.facebook.com"
	}
	if version == "" {
		version = "v21.0"
	}
	return &MetaAdapter{
		http:        client,
		baseURL:     strings.TrimRight(baseURL, "/"),
		version:     version,
		channelType: channelType,
	}
}

func (a *MetaAdapter) Type() session.Type { return a.channelType }

func (a *MetaAdapter) Send(ctx context.Context, s session.Session, recipient string, p channel.Payload) (string, error) {
	token := s.Credential(session.CredAccessToken)
	if token == "" {
		return "", missingCredential(metaProvider, session.CredAccessToken)
	}

	var body any
	if a.channelType == session.TypeWhatsApp {
		body = cloudMessage(recipient, p)
	} else {
		body = messengerMessage(recipient, p)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", baseURLFor(s, a.baseURL), a.version, s.ExternalID)
	resp, err := a.http.PostJSON(ctx, metaProvider, url, map[string]string{"Authorization": "Bearer " + token}, body)
	if err != nil {
		return "", reclassifyMeta(resp, err)
	}

	if id, err := jsonparser.GetString(resp, "messages", "[0]", "id"); err == nil && id != "" {
		return id, nil
	}
	if id, err := jsonparser.GetString(resp, "message_id"); err == nil && id != "" {
		return id, nil
	}
	return "", pkgError.NewPermanent(metaProvider, 200, "response carries no message id")
}

// reclassifyMeta refines the HTTP based classification using the Graph error
// code: expired tokens come back as 400, throttling sometimes as 400 too.
func reclassifyMeta(body []byte, err error) error {
	code, cerr := jsonparser.GetInt(body, "error", "code")
	if cerr != nil {
		return err
	}
	reason := errorReason(body)
	switch {
	case code == metaCodeTokenInvalid:
		return pkgError.NewPermanent(metaProvider, http.StatusUnauthorized, reason)
	case metaThrottleCodes[code]:
		return pkgError.NewTransient(metaProvider, http.StatusTooManyRequests, fmt.Errorf("graph error %d: %s", code, reason))
	}
	return err
}

func cloudMessage(to string, p channel.Payload) map[string]any {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}
	if p.Media == nil {
		body["type"] = "text"
		body["text"] = map[string]any{"body": p.Text}
		return body
	}

	kind := "document"
	switch contentTypeOrText(p) {
	case channel.ContentImage:
		kind = "image"
	case channel.ContentVideo:
		kind = "video"
	case channel.ContentAudio:
		kind = "audio"
	case channel.ContentSticker:
		kind = "sticker"
	}
	media := map[string]any{"link": p.Media.URL}
	caption := p.Media.Caption
	if caption == "" {
		caption = p.Text
	}
	if caption != "" && (kind == "image" || kind == "video" || kind == "document") {
		media["caption"] = caption
	}
	if kind == "document" && p.Media.Filename != "" {
		media["filename"] = p.Media.Filename
	}
	body["type"] = kind
	body[kind] = media
	return body
}

func messengerMessage(to string, p channel.Payload) map[string]any {
	body := map[string]any{
		"recipient":      map[string]any{"id": to},
		"messaging_type": "UPDATE",
	}
	if p.Media == nil {
		body["message"] = map[string]any{"text": p.Text}
		return body
	}
	kind := "file"
	switch contentTypeOrText(p) {
	case channel.ContentImage, channel.ContentSticker:
		kind = "image"
	case channel.ContentVideo:
		kind = "video"
	case channel.ContentAudio:
		kind = "audio"
	}
	body["message"] = map[string]any{
		"attachment": map[string]any{
			"type":    kind,
			"payload": map[string]any{"url": p.Media.URL, "is_reusable": true},
		},
	}
	return body
}

func (a *MetaAdapter) VerifySignature(s session.Session, req channel.InboundRequest) bool {
	return validHMACSHA256(req.Header(metaSignatureHeader), req.Body, s.Credential(session.CredAppSecret))
}

// Handshake answers the GET subscription check.
func (a *MetaAdapter) Handshake(s session.Session, query map[string]string) (string, bool) {
	if query["hub.mode"] != "subscribe" {
		return "", false
	}
	if !secretsEqual(query["hub.verify_token"], s.Credential(session.CredVerifyToken)) {
		return "", false
	}
	return query["hub.challenge"], true
}

func (a *MetaAdapter) NormalizeInbound(raw []byte) (events []channel.InboundEvent, err error) {
	defer recoverParse(metaProvider, &err)

	object, err := jsonparser.GetString(raw, "object")
	if err != nil {
		return nil, &channel.ParseError{Provider: metaProvider, Reason: "missing object", Err: err}
	}

	var parseErr error
	_, err = jsonparser.ArrayEach(raw, func(entry []byte, _ jsonparser.ValueType, _ int, _ error) {
		if parseErr != nil {
			return
		}
		var evts []channel.InboundEvent
		switch object {
		case "page":
			evts, parseErr = parseMessaging(entry, session.TypeMessenger)
		case "instagram":
			evts, parseErr = parseMessaging(entry, session.TypeInstagram)
		case "whatsapp_business_account":
			evts, parseErr = parseCloudChanges(entry)
		default:
			parseErr = &channel.ParseError{Provider: metaProvider, Reason: "unsupported object " + object}
		}
		events = append(events, evts...)
	}, "entry")
	if err != nil {
		return nil, &channel.ParseError{Provider: metaProvider, Reason: "invalid entry array", Err: err}
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return events, nil
}

// parseMessaging handles the Messenger and Instagram shape:
// entry[].messaging[] with message, delivery or read.
func parseMessaging(entry []byte, t session.Type) ([]channel.InboundEvent, error) {
	var events []channel.InboundEvent
	_, err := jsonparser.ArrayEach(entry, func(item []byte, _ jsonparser.ValueType, _ int, _ error) {
		sender, _ := jsonparser.GetString(item, "sender", "id")
		recipient, _ := jsonparser.GetString(item, "recipient", "id")
		ts := millisField(item, "timestamp")

		if msg, _, _, err := jsonparser.Get(item, "message"); err == nil {
			if echo, _ := jsonparser.GetBoolean(msg, "is_echo"); echo {
				return
			}
			mid, _ := jsonparser.GetString(msg, "mid")
			if mid == "" || sender == "" {
				return
			}
			evt := channel.InboundEvent{
				ProviderEventID:   mid,
				ChannelType:       t,
				Kind:              channel.KindNewMessage,
				Direction:         channel.DirectionIncoming,
				FromID:            sender,
				ToID:              recipient,
				ProviderMessageID: mid,
				ContentType:       channel.ContentText,
				Timestamp:         ts,
			}
			evt.Content, _ = jsonparser.GetString(msg, "text")
			if attType, err := jsonparser.GetString(msg, "attachments", "[0]", "type"); err == nil {
				evt.ContentType = normalizeContentType(attType)
				evt.MediaRef, _ = jsonparser.GetString(msg, "attachments", "[0]", "payload", "url")
			}
			events = append(events, evt)
			return
		}

		if _, _, _, err := jsonparser.Get(item, "delivery"); err == nil {
			_, _ = jsonparser.ArrayEach(item, func(v []byte, _ jsonparser.ValueType, _ int, _ error) {
				mid := string(v)
				events = append(events, metaStatus(t, mid, "delivered", sender, ts))
			}, "delivery", "mids")
			return
		}

		// Messenger reads only carry a watermark; without a mid there is
		// nothing to match, so only Instagram style reads are emitted.
		if mid, err := jsonparser.GetString(item, "read", "mid"); err == nil && mid != "" {
			events = append(events, metaStatus(t, mid, "read", sender, ts))
		}
	}, "messaging")
	if err != nil && err != jsonparser.KeyPathNotFoundError {
		return nil, &channel.ParseError{Provider: metaProvider, Reason: "invalid messaging array", Err: err}
	}
	return events, nil
}

func metaStatus(t session.Type, mid, status, customer string, ts time.Time) channel.InboundEvent {
	return channel.InboundEvent{
		ProviderEventID:   status + ":" + mid,
		ChannelType:       t,
		Kind:              channel.KindStatusUpdate,
		Direction:         channel.DirectionOutgoing,
		ToID:              customer,
		ProviderMessageID: mid,
		StatusValue:       status,
		Timestamp:         ts,
	}
}

// parseCloudChanges handles entry[].changes[].value of the WhatsApp Cloud
// API.
func parseCloudChanges(entry []byte) ([]channel.InboundEvent, error) {
	var events []channel.InboundEvent
	_, err := jsonparser.ArrayEach(entry, func(change []byte, _ jsonparser.ValueType, _ int, _ error) {
		value, _, _, err := jsonparser.Get(change, "value")
		if err != nil {
			return
		}
		phoneID, _ := jsonparser.GetString(value, "metadata", "phone_number_id")
		names := map[string]string{}
		_, _ = jsonparser.ArrayEach(value, func(c []byte, _ jsonparser.ValueType, _ int, _ error) {
			waID, _ := jsonparser.GetString(c, "wa_id")
			name, _ := jsonparser.GetString(c, "profile", "name")
			names[waID] = name
		}, "contacts")

		_, _ = jsonparser.ArrayEach(value, func(m []byte, _ jsonparser.ValueType, _ int, _ error) {
			id, _ := jsonparser.GetString(m, "id")
			from, _ := jsonparser.GetString(m, "from")
			if id == "" || from == "" {
				return
			}
			kind, _ := jsonparser.GetString(m, "type")
			evt := channel.InboundEvent{
				ProviderEventID:   id,
				ChannelType:       session.TypeWhatsApp,
				Kind:              channel.KindNewMessage,
				Direction:         channel.DirectionIncoming,
				FromID:            from,
				ToID:              phoneID,
				FromName:          names[from],
				ProviderMessageID: id,
				ContentType:       normalizeContentType(kind),
				Timestamp:         unixField(m, "timestamp"),
			}
			switch kind {
			case "text":
				evt.Content, _ = jsonparser.GetString(m, "text", "body")
			case "image", "video", "audio", "document", "sticker":
				evt.MediaRef, _ = jsonparser.GetString(m, kind, "id")
				evt.Content, _ = jsonparser.GetString(m, kind, "caption")
			case "location":
				lat, _ := jsonparser.GetFloat(m, "location", "latitude")
				lng, _ := jsonparser.GetFloat(m, "location", "longitude")
				evt.Content = fmt.Sprintf("%f,%f", lat, lng)
			case "button":
				evt.ContentType = channel.ContentText
				evt.Content, _ = jsonparser.GetString(m, "button", "text")
			case "interactive":
				evt.ContentType = channel.ContentText
				if title, err := jsonparser.GetString(m, "interactive", "button_reply", "title"); err == nil {
					evt.Content = title
				} else {
					evt.Content, _ = jsonparser.GetString(m, "interactive", "list_reply", "title")
				}
			}
			events = append(events, evt)
		}, "messages")

		_, _ = jsonparser.ArrayEach(value, func(st []byte, _ jsonparser.ValueType, _ int, _ error) {
			id, _ := jsonparser.GetString(st, "id")
			status, _ := jsonparser.GetString(st, "status")
			status = strings.ToLower(status)
			if id == "" || !knownStatus(status) {
				return
			}
			evt := channel.InboundEvent{
				ProviderEventID:   status + ":" + id,
				ChannelType:       session.TypeWhatsApp,
				Kind:              channel.KindStatusUpdate,
				Direction:         channel.DirectionOutgoing,
				FromID:            phoneID,
				ProviderMessageID: id,
				StatusValue:       status,
				Timestamp:         unixField(st, "timestamp"),
			}
			evt.ToID, _ = jsonparser.GetString(st, "recipient_id")
			if status == "failed" {
				if title, err := jsonparser.GetString(st, "errors", "[0]", "title"); err == nil {
					evt.ErrorReason = title
				}
			}
			events = append(events, evt)
		}, "statuses")
	}, "changes")
	if err != nil && err != jsonparser.KeyPathNotFoundError {
		return nil, &channel.ParseError{Provider: metaProvider, Reason: "invalid changes array", Err: err}
	}
	return events, nil
}

// millisField reads a Messenger style millisecond timestamp.
func millisField(data []byte, keys ...string) time.Time {
	if v, err := jsonparser.GetInt(data, keys...); err == nil && v > 0 {
		return time.UnixMilli(v).UTC()
	}
	return time.Now().UTC()
}
