package application

import (
	"context"
	"fmt"

	"github.com/AzielCF/az-dispatch/autoreply/domain"
	msgApp "github.com/AzielCF/az-dispatch/messaging/application"
	"github.com/AzielCF/az-dispatch/messaging/domain/conversation"
	"github.com/AzielCF/az-dispatch/messaging/domain/message"
	"github.com/AzielCF/az-dispatch/pkg/metrics"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/sirupsen/logrus"
)

// Deliverer is the outbound path replies go through.
type Deliverer interface {
	Deliver(ctx context.Context, out msgApp.Outbound, policy msgApp.RetryPolicy) (message.Message, error)
}

// Engine answers incoming messages with the session's best matching rule.
type Engine struct {
	rules      domain.Repository
	matcher    *Matcher
	dispatcher Deliverer
	policy     msgApp.RetryPolicy
	metrics    *metrics.Metrics
}

func NewEngine(rules domain.Repository, dispatcher Deliverer, policy msgApp.RetryPolicy, m *metrics.Metrics) *Engine {
	return &Engine{
		rules:      rules,
		matcher:    NewMatcher(),
		dispatcher: dispatcher,
		policy:     policy,
		metrics:    m,
	}
}

// Handle replies to evt if a rule matches. It returns the reply message, or
// nil when nothing was sent. An error with a nil message happened before
// anything reached the provider and may be retried.
func (e *Engine) Handle(ctx context.Context, sess session.Session, adapter channel.Adapter, evt channel.InboundEvent, conv conversation.Conversation) (*message.Message, error) {
	if evt.Kind != channel.KindNewMessage || !sess.IsConnected() {
		return nil, nil
	}

	rules, err := e.rules.ListBySession(ctx, sess.ID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	rule, ok := e.matcher.Match(rules, evt.Content)
	if !ok {
		e.metrics.ObserveAutoReply("no_match")
		return nil, nil
	}

	name := conv.CustomerName
	if name == "" {
		name = evt.FromName
	}
	reply := rule.Reply
	reply.Text = Render(reply.Text, name, evt.Content)
	if reply.Media != nil {
		media := *reply.Media
		media.Caption = Render(media.Caption, name, evt.Content)
		reply.Media = &media
	}

	log := logrus.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"rule_id":    rule.ID,
		"customer":   evt.FromID,
	})
	msg, err := e.dispatcher.Deliver(ctx, msgApp.Outbound{
		Session:         sess,
		Adapter:         adapter,
		Recipient:       evt.FromID,
		Payload:         reply,
		IsAutoReply:     true,
		AutoReplySource: rule.ID,
	}, e.policy)
	if msg.ID != "" {
		// Counted once the reply exists; attempts that stopped before it
		// are retried and would count twice.
		if uerr := e.rules.IncrementUsage(context.WithoutCancel(ctx), rule.ID); uerr != nil {
			log.WithError(uerr).Warn("[AUTOREPLY] Could not count rule usage")
		}
	}
	if err != nil {
		e.metrics.ObserveAutoReply("failed")
		if msg.ID == "" {
			return nil, err
		}
		log.WithError(err).Warn("[AUTOREPLY] Reply failed")
		return &msg, err
	}

	e.metrics.ObserveAutoReply("sent")
	log.Info("[AUTOREPLY] Replied")
	return &msg, nil
}
