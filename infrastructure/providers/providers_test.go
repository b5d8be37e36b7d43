package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AzielCF/az-dispatch/core/config"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Path    string
	Headers http.Header
	Body    map[string]any
}

func fakeProvider(t *testing.T, status int, response string) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	captured := make(chan capturedRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		captured <- capturedRequest{Path: r.URL.Path, Headers: r.Header.Clone(), Body: body}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func TestGateway_SendText(t *testing.T) {
	srv, captured := fakeProvider(t, http.StatusOK, `{"id":"wamid-1"}`)
	a := NewGatewayAdapter(NewHTTPClient(time.Second), srv.URL)
	s := session.Session{ExternalID: "line-1", Credentials: map[string]string{session.CredAPIKey: "key-1"}}

	id, err := a.Send(context.Background(), s, "5511999", channel.Payload{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "wamid-1", id)

	req := <-captured
	assert.Equal(t, "/sessions/line-1/messages", req.Path)
	assert.Equal(t, "key-1", req.Headers.Get("X-Api-Key"))
	assert.Equal(t, "5511999", req.Body["to"])
	assert.Equal(t, "text", req.Body["type"])
}

func TestGateway_SendClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
		revoked   bool
	}{
		{"server error", http.StatusBadGateway, true, false},
		{"throttled", http.StatusTooManyRequests, true, false},
		{"bad recipient", http.StatusBadRequest, false, false},
		{"revoked key", http.StatusUnauthorized, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := fakeProvider(t, tt.status, `{"error":"nope"}`)
			a := NewGatewayAdapter(NewHTTPClient(time.Second), srv.URL)
			s := session.Session{ExternalID: "l", Credentials: map[string]string{session.CredAPIKey: "k"}}

			_, err := a.Send(context.Background(), s, "1", channel.Payload{Text: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, pkgError.IsTransient(err))
			assert.Equal(t, !tt.transient, pkgError.IsPermanent(err))
			assert.Equal(t, tt.revoked, pkgError.IsCredentialRevoked(err))
		})
	}
}

func TestGateway_NetworkFailureIsTransient(t *testing.T) {
	srv, _ := fakeProvider(t, http.StatusOK, `{}`)
	url := srv.URL
	srv.Close()

	a := NewGatewayAdapter(NewHTTPClient(200*time.Millisecond), url)
	s := session.Session{ExternalID: "l", Credentials: map[string]string{session.CredAPIKey: "k"}}
	_, err := a.Send(context.Background(), s, "1", channel.Payload{Text: "x"})
	assert.True(t, pkgError.IsTransient(err))
}

func TestGateway_MissingCredentialIsPermanent(t *testing.T) {
	a := NewGatewayAdapter(NewHTTPClient(time.Second), "http://127.0.0.1:1")
	_, err := a.Send(context.Background(), session.Session{}, "1", channel.Payload{Text: "x"})
	assert.True(t, pkgError.IsPermanent(err))
}

func TestGateway_Normalize(t *testing.T) {
	a := NewGatewayAdapter(nil, "")

	events, err := a.NormalizeInbound([]byte(`[
		{"event_id":"e1","type":"message","message":{"id":"m1","from":"5511","from_name":"Ana","type":"text","text":"hi","timestamp":1700000000}},
		{"event_id":"e2","type":"status","status":{"id":"m0","status":"DELIVERED","timestamp":"1700000001"}},
		{"event_id":"e3","type":"presence"}
	]`))
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, channel.KindNewMessage, events[0].Kind)
	assert.Equal(t, "5511", events[0].FromID)
	assert.Equal(t, "Ana", events[0].FromName)
	assert.Equal(t, "hi", events[0].Content)
	assert.Equal(t, int64(1700000000), events[0].Timestamp.Unix())

	assert.Equal(t, channel.KindStatusUpdate, events[1].Kind)
	assert.Equal(t, "delivered", events[1].StatusValue)
	assert.Equal(t, "m0", events[1].ProviderMessageID)
}

func TestNormalize_MalformedNeverPanics(t *testing.T) {
	adapters := []channel.Adapter{
		NewGatewayAdapter(nil, ""),
		NewTelegramAdapter(nil, ""),
		NewMetaAdapter(nil, session.TypeMessenger, "", ""),
	}
	inputs := [][]byte{nil, []byte(""), []byte("{"), []byte("[1,2"), []byte(`{"object":"page","entry":"x"}`), []byte("\x00\xff")}

	for _, a := range adapters {
		for _, in := range inputs {
			assert.NotPanics(t, func() {
				_, err := a.NormalizeInbound(in)
				var perr *channel.ParseError
				assert.ErrorAs(t, err, &perr, "adapter %s input %q", a.Type(), in)
			})
		}
	}
}

func TestGateway_VerifySignature(t *testing.T) {
	a := NewGatewayAdapter(nil, "")
	s := session.Session{Credentials: map[string]string{session.CredWebhookSecret: "shh"}}

	ok := channel.InboundRequest{Headers: map[string]string{"x-gateway-secret": "shh"}}
	bad := channel.InboundRequest{Headers: map[string]string{"x-gateway-secret": "nope"}}
	assert.True(t, a.VerifySignature(s, ok))
	assert.False(t, a.VerifySignature(s, bad))
	assert.False(t, a.VerifySignature(session.Session{}, channel.InboundRequest{}))
}

func TestTelegram_SendAndNormalize(t *testing.T) {
	srv, captured := fakeProvider(t, http.StatusOK, `{"ok":true,"result":{"message_id":77}}`)
	a := NewTelegramAdapter(NewHTTPClient(time.Second), srv.URL)
	s := session.Session{Credentials: map[string]string{session.CredBotToken: "123:abc"}}

	id, err := a.Send(context.Background(), s, "42", channel.Payload{
		ContentType: channel.ContentImage,
		Media:       &channel.Media{URL: "https://x/y.png", Caption: "look"},
	})
	require.NoError(t, err)
	assert.Equal(t, "42:77", id)

	req := <-captured
	assert.Equal(t, "/bot123:abc/sendPhoto", req.Path)
	assert.Equal(t, "https://x/y.png", req.Body["photo"])
	assert.Equal(t, "look", req.Body["caption"])

	events, err := a.NormalizeInbound([]byte(`{"update_id":9,"message":{"message_id":5,"date":1700000000,
		"from":{"id":42,"first_name":"Ana","last_name":"Lima"},"chat":{"id":42},"text":"hello"}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "9", events[0].ProviderEventID)
	assert.Equal(t, "42", events[0].FromID)
	assert.Equal(t, "Ana Lima", events[0].FromName)
	assert.Equal(t, "42:5", events[0].ProviderMessageID)

	events, err = a.NormalizeInbound([]byte(`{"update_id":10,"callback_query":{"id":"q"}}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTelegram_NotOKIsPermanent(t *testing.T) {
	srv, _ := fakeProvider(t, http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	a := NewTelegramAdapter(NewHTTPClient(time.Second), srv.URL)
	s := session.Session{Credentials: map[string]string{session.CredBotToken: "t"}}

	_, err := a.Send(context.Background(), s, "1", channel.Payload{Text: "x"})
	require.True(t, pkgError.IsPermanent(err))
	assert.Contains(t, err.Error(), "chat not found")
}

func TestMeta_CloudSendAndTokenExpiry(t *testing.T) {
	srv, captured := fakeProvider(t, http.StatusOK, `{"messaging_product":"whatsapp","messages":[{"id":"wamid.X"}]}`)
	a := NewMetaAdapter(NewHTTPClient(time.Second), session.TypeWhatsApp, srv.URL, "v21.0")
	s := session.Session{ExternalID: "phone-1", Credentials: map[string]string{session.CredAccessToken: "tok"}}

	id, err := a.Send(context.Background(), s, "5511", channel.Payload{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.X", id)
	req := <-captured
	assert.Equal(t, "/v21.0/phone-1/messages", req.Path)
	assert.Equal(t, "Bearer tok", req.Headers.Get("Authorization"))
	assert.Equal(t, "whatsapp", req.Body["messaging_product"])

	expired, _ := fakeProvider(t, http.StatusBadRequest, `{"error":{"message":"Session has expired","code":190}}`)
	a = NewMetaAdapter(NewHTTPClient(time.Second), session.TypeWhatsApp, expired.URL, "v21.0")
	_, err = a.Send(context.Background(), s, "5511", channel.Payload{Text: "hi"})
	assert.True(t, pkgError.IsCredentialRevoked(err))

	throttled, _ := fakeProvider(t, http.StatusBadRequest, `{"error":{"message":"rate","code":130429}}`)
	a = NewMetaAdapter(NewHTTPClient(time.Second), session.TypeWhatsApp, throttled.URL, "v21.0")
	_, err = a.Send(context.Background(), s, "5511", channel.Payload{Text: "hi"})
	assert.True(t, pkgError.IsTransient(err))
}

func TestMeta_SignatureAndHandshake(t *testing.T) {
	a := NewMetaAdapter(nil, session.TypeMessenger, "", "")
	s := session.Session{Credentials: map[string]string{
		session.CredAppSecret:   "app-secret",
		session.CredVerifyToken: "verify-me",
	}}
	body := []byte(`{"object":"page","entry":[]}`)

	good := channel.InboundRequest{Body: body, Headers: map[string]string{"x-hub-signature-256": SignHMACSHA256(body, "app-secret")}}
	forged := channel.InboundRequest{Body: body, Headers: map[string]string{"x-hub-signature-256": SignHMACSHA256(body, "other")}}
	assert.True(t, a.VerifySignature(s, good))
	assert.False(t, a.VerifySignature(s, forged))
	assert.False(t, a.VerifySignature(s, channel.InboundRequest{Body: body}))

	challenge, ok := a.Handshake(s, map[string]string{"hub.mode": "subscribe", "hub.verify_token": "verify-me", "hub.challenge": "123"})
	assert.True(t, ok)
	assert.Equal(t, "123", challenge)
	_, ok = a.Handshake(s, map[string]string{"hub.mode": "subscribe", "hub.verify_token": "wrong", "hub.challenge": "123"})
	assert.False(t, ok)
}

func TestMeta_NormalizeMessengerBatch(t *testing.T) {
	a := NewMetaAdapter(nil, session.TypeMessenger, "", "")
	events, err := a.NormalizeInbound([]byte(`{"object":"page","entry":[
		{"id":"page-1","messaging":[
			{"sender":{"id":"psid-1"},"recipient":{"id":"page-1"},"timestamp":1700000000000,"message":{"mid":"m.1","text":"price?"}},
			{"sender":{"id":"page-1"},"recipient":{"id":"psid-1"},"timestamp":1700000000001,"message":{"mid":"m.2","text":"echo","is_echo":true}}
		]},
		{"id":"page-1","messaging":[
			{"sender":{"id":"psid-2"},"recipient":{"id":"page-1"},"timestamp":1700000000002,"delivery":{"mids":["m.a","m.b"],"watermark":1}}
		]}
	]}`))
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, channel.KindNewMessage, events[0].Kind)
	assert.Equal(t, session.TypeMessenger, events[0].ChannelType)
	assert.Equal(t, "price?", events[0].Content)

	assert.Equal(t, "delivered", events[1].StatusValue)
	assert.Equal(t, "m.a", events[1].ProviderMessageID)
	assert.Equal(t, "delivered:m.b", events[2].ProviderEventID)
}

func TestMeta_NormalizeCloud(t *testing.T) {
	a := NewMetaAdapter(nil, session.TypeWhatsApp, "", "")
	events, err := a.NormalizeInbound([]byte(`{"object":"whatsapp_business_account","entry":[{"id":"waba","changes":[{"field":"messages","value":{
		"metadata":{"phone_number_id":"phone-1"},
		"contacts":[{"wa_id":"5511","profile":{"name":"Ana"}}],
		"messages":[{"from":"5511","id":"wamid.in","timestamp":"1700000000","type":"text","text":{"body":"oi"}}],
		"statuses":[{"id":"wamid.out","status":"read","timestamp":"1700000005","recipient_id":"5511"},
		            {"id":"wamid.bad","status":"failed","timestamp":"1700000006","recipient_id":"5522","errors":[{"code":131026,"title":"Message undeliverable"}]}]
	}}]}]}`))
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "Ana", events[0].FromName)
	assert.Equal(t, "oi", events[0].Content)
	assert.Equal(t, "phone-1", events[0].ToID)

	assert.Equal(t, "read", events[1].StatusValue)
	assert.Equal(t, "read:wamid.out", events[1].ProviderEventID)
	assert.Equal(t, "failed", events[2].StatusValue)
	assert.Equal(t, "Message undeliverable", events[2].ErrorReason)
}

func TestRegistry_SelectsBackend(t *testing.T) {
	r := NewDefaultRegistry(config.ProvidersConfig{HTTPTimeout: time.Second, GatewayURL: "http://gateway.local"})

	a, err := r.For(session.Session{Type: session.TypeWhatsApp})
	require.NoError(t, err)
	assert.IsType(t, &GatewayAdapter{}, a)

	a, err = r.For(session.Session{Type: session.TypeWhatsApp, Credentials: map[string]string{session.CredProvider: WhatsAppCloud}})
	require.NoError(t, err)
	assert.IsType(t, &MetaAdapter{}, a)

	a, err = r.For(session.Session{Type: session.TypeInstagram})
	require.NoError(t, err)
	assert.Equal(t, session.TypeInstagram, a.Type())

	_, err = NewRegistry().For(session.Session{Type: session.TypeTelegram})
	assert.Error(t, err)
}
