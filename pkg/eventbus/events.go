package eventbus

import "time"

type Type string

const (
	SessionConnected    Type = "SessionConnected"
	SessionDisconnected Type = "SessionDisconnected"
	IncomingMessage     Type = "IncomingMessage"
	MessageSent         Type = "MessageSent"
	MessageStatus       Type = "MessageStatus"
	BroadcastStarted    Type = "BroadcastStarted"
	BroadcastProgress   Type = "BroadcastProgress"
	BroadcastCompleted  Type = "BroadcastCompleted"
	BroadcastFailed     Type = "BroadcastFailed"
)

// Event is what observers receive. Key routes it: "session:<id>" or
// "campaign:<id>".
type Event struct {
	Type       Type      `json:"type"`
	Key        string    `json:"key"`
	SessionID  string    `json:"session_id,omitempty"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Data       any       `json:"data,omitempty"`
	// Origin is the server that produced the event when it arrived through
	// the relay. Empty for local events.
	Origin string `json:"origin,omitempty"`
}

func SessionKey(sessionID string) string   { return "session:" + sessionID }
func CampaignKey(campaignID string) string { return "campaign:" + campaignID }

// IsRemote reports whether the event was relayed from another node.
func (e Event) IsRemote() bool { return e.Origin != "" }

type SessionData struct {
	SessionID   string `json:"session_id"`
	ChannelType string `json:"channel_type"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

type MessageData struct {
	MessageID         string `json:"message_id"`
	ConversationID    string `json:"conversation_id,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	CustomerID        string `json:"customer_id,omitempty"`
	Content           string `json:"content,omitempty"`
	ContentType       string `json:"content_type,omitempty"`
	IsAutoReply       bool   `json:"is_auto_reply,omitempty"`
	AutoReplySource   string `json:"auto_reply_source,omitempty"`
}

type MessageStatusData struct {
	MessageID         string `json:"message_id"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Status            string `json:"status"`
	Reason            string `json:"reason,omitempty"`
}

type BroadcastData struct {
	CampaignID      string  `json:"campaign_id"`
	SentCount       int     `json:"sent_count"`
	FailedCount     int     `json:"failed_count"`
	TotalRecipients int     `json:"total_recipients"`
	ProgressPercent float64 `json:"progress_percent"`
	Reason          string  `json:"reason,omitempty"`
}

// Percent rounds to one decimal place.
func Percent(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(done) * 100 / float64(total)
	return float64(int(p*10+0.5)) / 10
}

// NewSessionEvent stamps a session-scoped event.
func NewSessionEvent(t Type, sessionID string, data any) Event {
	return Event{
		Type:      t,
		Key:       SessionKey(sessionID),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewCampaignEvent stamps a campaign-scoped event.
func NewCampaignEvent(t Type, campaignID, sessionID string, data any) Event {
	return Event{
		Type:       t,
		Key:        CampaignKey(campaignID),
		SessionID:  sessionID,
		CampaignID: campaignID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}
}
