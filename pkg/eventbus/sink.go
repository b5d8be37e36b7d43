package eventbus

import (
	"context"
	"fmt"

	"github.com/AzielCF/az-dispatch/core/config"
	"github.com/sirupsen/logrus"
)

// Sink forwards events somewhere outside the process.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt Event) error
}

// Attach subscribes the sink to every event and forwards until the bus is
// closed or ctx is done. Remote events are skipped so every node exports
// only what it produced.
func (b *Bus) Attach(ctx context.Context, sink Sink) {
	sub := b.Subscribe(Wildcard)
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				if evt.IsRemote() {
					continue
				}
				if err := sink.Deliver(ctx, evt); err != nil {
					logrus.WithError(err).Warnf("[EVENTBUS] Sink %s failed to deliver %s", sink.Name(), evt.Type)
				}
			}
		}
	}()
	logrus.Infof("[EVENTBUS] Sink %s attached", sink.Name())
}

// SinkFactories build the optional sinks. A nil factory means the sink is not
// available in this binary.
type SinkFactories struct {
	Relay func() (Sink, error)
	AMQP  func() (Sink, error)
}

// SinksFromConfig picks the sinks enabled by cfg. The relay needs valkey.
func SinksFromConfig(cfg config.Config, f SinkFactories) ([]Sink, error) {
	var sinks []Sink
	if cfg.Valkey.Enabled && f.Relay != nil {
		s, err := f.Relay()
		if err != nil {
			return nil, fmt.Errorf("valkey relay: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.AMQP.Enabled && f.AMQP != nil {
		s, err := f.AMQP()
		if err != nil {
			return nil, fmt.Errorf("amqp sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
