package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/AzielCF/az-dispatch/core/config"
	"github.com/AzielCF/az-dispatch/pkg/eventbus"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const routingPrefix = "dispatch."

// Channel is the subset of *amqp091.Channel the sink publishes through.
type Channel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) (*amqp091.DeferredConfirmation, error)
	Close() error
}

type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Producer      string    `json:"producer"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Time          time.Time `json:"time"`
}

// Envelope is the message body published for every event.
type Envelope struct {
	Meta Meta           `json:"meta"`
	Data eventbus.Event `json:"data"`
}

// Sink publishes bus events to a topic exchange with routing key
// dispatch.<event_type>, e.g. dispatch.broadcast_progress.
type Sink struct {
	mu       sync.Mutex
	ch       Channel
	reopen   func() (Channel, error)
	conn     *amqp091.Connection
	exchange string
	producer string
}

// NewSink wraps an already configured channel.
func NewSink(ch Channel, exchange, producer string) *Sink {
	return &Sink{ch: ch, exchange: exchange, producer: producer}
}

// Dial connects, declares the exchange and puts the channel in confirm mode.
func Dial(ctx context.Context, cfg config.AMQPConfig, producer string) (*Sink, error) {
	conn, err := DialWithRetry(ctx, cfg.URL, cfg.RetryAttempts, time.Second)
	if err != nil {
		return nil, err
	}
	open := func() (Channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("enable publisher confirms: %w", err)
		}
		return ch, nil
	}
	ch, err := open()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := NewSink(ch, cfg.Exchange, producer)
	s.conn = conn
	s.reopen = open
	logrus.WithField("exchange", cfg.Exchange).Info("[AMQP] Event sink ready")
	return s, nil
}

func (s *Sink) Name() string { return "amqp" }

// Deliver publishes one persistent message and waits for the broker's
// confirmation. A closed channel is reopened once.
func (s *Sink) Deliver(ctx context.Context, evt eventbus.Event) error {
	env := Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			Type:          string(evt.Type),
			Producer:      s.producer,
			CorrelationID: firstNonEmpty(evt.CampaignID, evt.SessionID),
			Time:          evt.Timestamp,
		},
		Data: evt,
	}
	if env.Meta.Time.IsZero() {
		env.Meta.Time = time.Now().UTC()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		AppId:         s.producer,
		Timestamp:     env.Meta.Time,
		Body:          body,
	}
	key := RoutingKey(evt.Type)

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.publish(ctx, key, msg)
	if errors.Is(err, amqp091.ErrClosed) && s.reopen != nil {
		ch, rerr := s.reopen()
		if rerr != nil {
			return fmt.Errorf("reopen channel: %w", rerr)
		}
		s.ch = ch
		err = s.publish(ctx, key, msg)
	}
	return err
}

func (s *Sink) publish(ctx context.Context, key string, msg amqp091.Publishing) error {
	confirm, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, s.exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	// Nil when the channel is not in confirm mode.
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker nacked %s", key)
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.ch != nil {
		errs = append(errs, s.ch.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}

// RoutingKey maps BroadcastProgress to dispatch.broadcast_progress.
func RoutingKey(t eventbus.Type) string {
	var b strings.Builder
	b.WriteString(routingPrefix)
	for i, r := range string(t) {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
