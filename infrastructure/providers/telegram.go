package providers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/buger/jsonparser"
)

const (
	telegramProvider     = "telegram"
	telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// TelegramAdapter uses the Bot API. Telegram emits no delivery receipts, so
// messages sent through it never advance past "sent".
type TelegramAdapter struct {
	http    *HTTPClient
	baseURL string
}

func NewTelegramAdapter(client *HTTPClient, baseURL string) *TelegramAdapter {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramAdapter{http: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (a *TelegramAdapter) Type() session.Type { return session.TypeTelegram }

func (a *TelegramAdapter) Send(ctx context.Context, s session.Session, recipient string, p channel.Payload) (string, error) {
	token := s.Credential(session.CredBotToken)
	if token == "" {
		return "", missingCredential(telegramProvider, session.CredBotToken)
	}

	method, body := telegramRequest(recipient, p)
	url := fmt.Sprintf("%s/bot%s/%s", baseURLFor(s, a.baseURL), token, method)

	resp, err := a.http.PostJSON(ctx, telegramProvider, url, nil, body)
	if err != nil {
		return "", err
	}
	if ok, err := jsonparser.GetBoolean(resp, "ok"); err == nil && !ok {
		return "", pkgError.NewPermanent(telegramProvider, 200, errorReason(resp))
	}
	msgID, err := jsonparser.GetInt(resp, "result", "message_id")
	if err != nil {
		return "", pkgError.NewPermanent(telegramProvider, 200, "response carries no message id")
	}
	// message_id is only unique within a chat.
	return telegramMessageID(recipient, msgID), nil
}

func telegramMessageID(chatID string, messageID int64) string {
	return chatID + ":" + strconv.FormatInt(messageID, 10)
}

func telegramRequest(chatID string, p channel.Payload) (string, map[string]any) {
	body := map[string]any{"chat_id": chatID}
	if p.Media == nil {
		body["text"] = p.Text
		return "sendMessage", body
	}

	caption := p.Media.Caption
	if caption == "" {
		caption = p.Text
	}
	if caption != "" {
		body["caption"] = caption
	}

	switch contentTypeOrText(p) {
	case channel.ContentImage:
		body["photo"] = p.Media.URL
		return "sendPhoto", body
	case channel.ContentVideo:
		body["video"] = p.Media.URL
		return "sendVideo", body
	case channel.ContentAudio:
		body["audio"] = p.Media.URL
		return "sendAudio", body
	case channel.ContentSticker:
		delete(body, "caption")
		body["sticker"] = p.Media.URL
		return "sendSticker", body
	default:
		body["document"] = p.Media.URL
		return "sendDocument", body
	}
}

func (a *TelegramAdapter) VerifySignature(s session.Session, req channel.InboundRequest) bool {
	return secretsEqual(req.Header(telegramSecretHeader), s.Credential(session.CredWebhookSecret))
}

// NormalizeInbound reads one Update. Updates other than messages (callback
// queries, member changes) produce no events.
func (a *TelegramAdapter) NormalizeInbound(raw []byte) (events []channel.InboundEvent, err error) {
	defer recoverParse(telegramProvider, &err)

	updateID, err := jsonparser.GetInt(raw, "update_id")
	if err != nil {
		return nil, &channel.ParseError{Provider: telegramProvider, Reason: "missing update_id", Err: err}
	}

	var msg []byte
	for _, key := range []string{"message", "channel_post"} {
		if v, _, _, err := jsonparser.Get(raw, key); err == nil {
			msg = v
			break
		}
	}
	if msg == nil {
		return nil, nil
	}

	chatID, err := jsonparser.GetInt(msg, "chat", "id")
	if err != nil {
		return nil, &channel.ParseError{Provider: telegramProvider, Reason: "message without chat id", Err: err}
	}
	messageID, _ := jsonparser.GetInt(msg, "message_id")
	from := strconv.FormatInt(chatID, 10)

	evt := channel.InboundEvent{
		ProviderEventID:   strconv.FormatInt(updateID, 10),
		ChannelType:       session.TypeTelegram,
		Kind:              channel.KindNewMessage,
		Direction:         channel.DirectionIncoming,
		FromID:            from,
		FromName:          telegramName(msg),
		ProviderMessageID: telegramMessageID(from, messageID),
		Timestamp:         unixField(msg, "date"),
	}

	switch {
	case hasKey(msg, "text"):
		evt.ContentType = channel.ContentText
		evt.Content, _ = jsonparser.GetString(msg, "text")
	case hasKey(msg, "photo"):
		evt.ContentType = channel.ContentImage
		// Sizes are ascending; keep the largest.
		_, _ = jsonparser.ArrayEach(msg, func(v []byte, _ jsonparser.ValueType, _ int, _ error) {
			if id, err := jsonparser.GetString(v, "file_id"); err == nil {
				evt.MediaRef = id
			}
		}, "photo")
	case hasKey(msg, "video"):
		evt.ContentType = channel.ContentVideo
		evt.MediaRef, _ = jsonparser.GetString(msg, "video", "file_id")
	case hasKey(msg, "voice"):
		evt.ContentType = channel.ContentAudio
		evt.MediaRef, _ = jsonparser.GetString(msg, "voice", "file_id")
	case hasKey(msg, "audio"):
		evt.ContentType = channel.ContentAudio
		evt.MediaRef, _ = jsonparser.GetString(msg, "audio", "file_id")
	case hasKey(msg, "document"):
		evt.ContentType = channel.ContentDocument
		evt.MediaRef, _ = jsonparser.GetString(msg, "document", "file_id")
	case hasKey(msg, "sticker"):
		evt.ContentType = channel.ContentSticker
		evt.MediaRef, _ = jsonparser.GetString(msg, "sticker", "file_id")
	case hasKey(msg, "location"):
		evt.ContentType = channel.ContentLocation
		lat, _ := jsonparser.GetFloat(msg, "location", "latitude")
		lng, _ := jsonparser.GetFloat(msg, "location", "longitude")
		evt.Content = fmt.Sprintf("%f,%f", lat, lng)
	default:
		evt.ContentType = channel.ContentUnknown
	}
	if evt.Content == "" {
		evt.Content, _ = jsonparser.GetString(msg, "caption")
	}

	return []channel.InboundEvent{evt}, nil
}

func telegramName(msg []byte) string {
	first, _ := jsonparser.GetString(msg, "from", "first_name")
	last, _ := jsonparser.GetString(msg, "from", "last_name")
	name := strings.TrimSpace(first + " " + last)
	if name == "" {
		name, _ = jsonparser.GetString(msg, "from", "username")
	}
	if name == "" {
		name, _ = jsonparser.GetString(msg, "chat", "title")
	}
	return name
}

func hasKey(data []byte, keys ...string) bool {
	_, _, _, err := jsonparser.Get(data, keys...)
	return err == nil
}
