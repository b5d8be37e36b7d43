package websocket

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/AzielCF/az-dispatch/pkg/eventbus"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Subscriber is the part of the event bus an observer needs.
type Subscriber interface {
	Subscribe(key string) *eventbus.Subscription
	Unsubscribe(sub *eventbus.Subscription)
}

// BroadcastMessage is sent to a client that cannot be served.
type BroadcastMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Hub streams bus events to websocket observers. Every connection names the
// stream it wants with ?key=session:<id>, ?key=campaign:<id> or ?key=*.
// Cross-node delivery happens upstream in the bus relay.
type Hub struct {
	bus     Subscriber
	clients int64
}

func NewHub(bus Subscriber) *Hub {
	return &Hub{bus: bus}
}

// Clients is the number of open connections on this node.
func (h *Hub) Clients() int64 { return atomic.LoadInt64(&h.clients) }

func RegisterRoutes(api fiber.Router, hub *Hub) {
	api.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	api.Get("/ws", websocket.New(hub.serve))
}

// ValidKey reports whether key names a stream observers may subscribe to.
func ValidKey(key string) bool {
	if key == eventbus.Wildcard {
		return true
	}
	for _, prefix := range []string{"session:", "campaign:"} {
		if id, ok := strings.CutPrefix(key, prefix); ok && id != "" {
			return true
		}
	}
	return false
}

func (h *Hub) serve(conn *websocket.Conn) {
	key := conn.Query("key")
	if !ValidKey(key) {
		_ = conn.WriteJSON(BroadcastMessage{Code: "INVALID_KEY", Message: "key must be session:<id>, campaign:<id> or *"})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid key"))
		_ = conn.Close()
		return
	}

	sub := h.bus.Subscribe(key)
	atomic.AddInt64(&h.clients, 1)
	log := logrus.WithFields(logrus.Fields{"key": key, "remote": conn.RemoteAddr().String()})
	log.Debug("[WS] Observer connected")
	defer func() {
		h.bus.Unsubscribe(sub)
		atomic.AddInt64(&h.clients, -1)
		_ = conn.Close()
		log.WithField("dropped", sub.Dropped()).Debug("[WS] Observer disconnected")
	}()

	// Observers only listen; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				log.WithError(err).Warn("[WS] Write failed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
