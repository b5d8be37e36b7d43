package eventbus

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// PubSub is the subset of the valkey client the relay needs.
type PubSub interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string, fn func(payload string)) error
}

// Relay propagates local events to other nodes and injects theirs into the
// local bus, so an observer connected to any node sees every event.
type Relay struct {
	client   PubSub
	channel  string
	serverID string
	bus      *Bus
}

func NewRelay(client PubSub, channel, serverID string, bus *Bus) *Relay {
	return &Relay{client: client, channel: channel, serverID: serverID, bus: bus}
}

func (r *Relay) Name() string { return "valkey-relay" }

func (r *Relay) Deliver(ctx context.Context, evt Event) error {
	evt.Origin = r.serverID
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, string(data))
}

// Run blocks receiving remote events until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	logrus.Infof("[EVENTBUS] Relay subscribed to %s as %s", r.channel, r.serverID)
	return r.client.Subscribe(ctx, r.channel, func(payload string) {
		var evt Event
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			logrus.WithError(err).Warn("[EVENTBUS] Relay received malformed event")
			return
		}
		if evt.Origin == "" || evt.Origin == r.serverID {
			return
		}
		r.bus.Publish(evt)
	})
}
