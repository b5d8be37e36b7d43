package providers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/buger/jsonparser"
)

const (
	gatewayProvider     = "gateway"
	gatewaySecretHeader = "X-Gateway-Secret"
)

// GatewayAdapter talks to a self-hosted WhatsApp HTTP gateway. The gateway
// owns the protocol session; we only post messages and receive callbacks.
type GatewayAdapter struct {
	http    *HTTPClient
	baseURL string
}

func NewGatewayAdapter(client *HTTPClient, baseURL string) *GatewayAdapter {
	return &GatewayAdapter{http: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (a *GatewayAdapter) Type() session.Type { return session.TypeWhatsApp }

type gatewayMedia struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type gatewaySendRequest struct {
	To    string        `json:"to"`
	Type  string        `json:"type"`
	Text  string        `json:"text,omitempty"`
	Media *gatewayMedia `json:"media,omitempty"`
}

func (a *GatewayAdapter) Send(ctx context.Context, s session.Session, recipient string, p channel.Payload) (string, error) {
	apiKey := s.Credential(session.CredAPIKey)
	if apiKey == "" {
		return "", missingCredential(gatewayProvider, session.CredAPIKey)
	}

	body := gatewaySendRequest{To: recipient, Type: string(contentTypeOrText(p)), Text: p.Text}
	if p.Media != nil {
		body.Media = &gatewayMedia{
			URL:      p.Media.URL,
			MimeType: p.Media.MimeType,
			Caption:  p.Media.Caption,
			Filename: p.Media.Filename,
		}
	}

	base := baseURLFor(s, a.baseURL)
	if base == "" {
		return "", pkgError.NewPermanent(gatewayProvider, 0, "no gateway url configured")
	}
	url := fmt.Sprintf("%s/sessions/%s/messages", base, s.ExternalID)
	resp, err := a.http.PostJSON(ctx, gatewayProvider, url, map[string]string{"X-Api-Key": apiKey}, body)
	if err != nil {
		return "", err
	}

	for _, path := range [][]string{{"id"}, {"message_id"}, {"data", "id"}} {
		if id, err := jsonparser.GetString(resp, path...); err == nil && id != "" {
			return id, nil
		}
	}
	return "", pkgError.NewPermanent(gatewayProvider, 200, "response carries no message id")
}

func (a *GatewayAdapter) VerifySignature(s session.Session, req channel.InboundRequest) bool {
	return secretsEqual(req.Header(gatewaySecretHeader), s.Credential(session.CredWebhookSecret))
}

// NormalizeInbound accepts a single gateway event or an array of them.
func (a *GatewayAdapter) NormalizeInbound(raw []byte) (events []channel.InboundEvent, err error) {
	defer recoverParse(gatewayProvider, &err)

	raw = trimSpace(raw)
	if len(raw) == 0 {
		return nil, &channel.ParseError{Provider: gatewayProvider, Reason: "empty body"}
	}

	if raw[0] == '[' {
		var itemErr error
		_, err := jsonparser.ArrayEach(raw, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
			if itemErr != nil {
				return
			}
			evt, ok, err := parseGatewayEvent(value)
			if err != nil {
				itemErr = err
				return
			}
			if ok {
				events = append(events, evt)
			}
		})
		if err != nil {
			return nil, &channel.ParseError{Provider: gatewayProvider, Reason: "invalid event array", Err: err}
		}
		if itemErr != nil {
			return nil, itemErr
		}
		return events, nil
	}

	evt, ok, err := parseGatewayEvent(raw)
	if err != nil {
		return nil, err
	}
	if ok {
		events = append(events, evt)
	}
	return events, nil
}

func parseGatewayEvent(raw []byte) (channel.InboundEvent, bool, error) {
	eventID, err := jsonparser.GetString(raw, "event_id")
	if err != nil || eventID == "" {
		return channel.InboundEvent{}, false, &channel.ParseError{Provider: gatewayProvider, Reason: "missing event_id", Err: err}
	}
	kind, _ := jsonparser.GetString(raw, "type")

	evt := channel.InboundEvent{
		ProviderEventID: eventID,
		ChannelType:     session.TypeWhatsApp,
	}

	switch kind {
	case "message":
		msg, _, _, err := jsonparser.Get(raw, "message")
		if err != nil {
			return evt, false, &channel.ParseError{Provider: gatewayProvider, Reason: "message event without message", Err: err}
		}
		evt.Kind = channel.KindNewMessage
		evt.Direction = channel.DirectionIncoming
		evt.ProviderMessageID, _ = jsonparser.GetString(msg, "id")
		evt.FromID, _ = jsonparser.GetString(msg, "from")
		evt.ToID, _ = jsonparser.GetString(msg, "to")
		evt.FromName, _ = jsonparser.GetString(msg, "from_name")
		evt.Content, _ = jsonparser.GetString(msg, "text")
		evt.MediaRef, _ = jsonparser.GetString(msg, "media_url")
		ct, _ := jsonparser.GetString(msg, "type")
		evt.ContentType = normalizeContentType(ct)
		evt.Timestamp = unixField(msg, "timestamp")
		if evt.FromID == "" {
			return evt, false, &channel.ParseError{Provider: gatewayProvider, Reason: "message without sender"}
		}
		if fromMe, err := jsonparser.GetBoolean(msg, "from_me"); err == nil && fromMe {
			return evt, false, nil
		}
	case "status":
		st, _, _, err := jsonparser.Get(raw, "status")
		if err != nil {
			return evt, false, &channel.ParseError{Provider: gatewayProvider, Reason: "status event without status", Err: err}
		}
		evt.Kind = channel.KindStatusUpdate
		evt.Direction = channel.DirectionOutgoing
		evt.ProviderMessageID, _ = jsonparser.GetString(st, "id")
		value, _ := jsonparser.GetString(st, "status")
		evt.StatusValue = strings.ToLower(value)
		evt.ErrorReason, _ = jsonparser.GetString(st, "error")
		evt.Timestamp = unixField(st, "timestamp")
		if evt.ProviderMessageID == "" || !knownStatus(evt.StatusValue) {
			return evt, false, &channel.ParseError{Provider: gatewayProvider, Reason: "status event without id or known status"}
		}
	default:
		// Presence, QR and connection events are not ours to handle.
		return evt, false, nil
	}
	return evt, true, nil
}

// unixField reads seconds since epoch given as number or string. Missing or
// zero values yield the current time.
func unixField(data []byte, keys ...string) time.Time {
	if v, err := jsonparser.GetInt(data, keys...); err == nil && v > 0 {
		return time.Unix(v, 0).UTC()
	}
	if s, err := jsonparser.GetString(data, keys...); err == nil {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil && v > 0 {
			return time.Unix(v, 0).UTC()
		}
	}
	return time.Now().UTC()
}
