package application

import (
	"context"
	"time"

	"github.com/AzielCF/az-dispatch/messaging/domain/conversation"
	"github.com/AzielCF/az-dispatch/messaging/domain/message"
	"github.com/AzielCF/az-dispatch/pkg/msgworker"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/sirupsen/logrus"
)

// Handler is implemented by Engine.
type Handler interface {
	Handle(ctx context.Context, sess session.Session, adapter channel.Adapter, evt channel.InboundEvent, conv conversation.Conversation) (*message.Message, error)
}

// Runner takes auto-replies off the webhook path. Every attempt runs on the
// auto-reply pool, keyed by customer so replies to one customer stay in
// order; a failure before anything was sent is retried with a growing
// delay. Failures never reach the caller.
type Runner struct {
	engine      Handler
	pool        *msgworker.MessageWorkerPool
	maxAttempts int
	backoff     time.Duration
}

// NewRunner builds a runner. With a nil pool the engine runs inline and
// failures are only logged.
func NewRunner(engine Handler, pool *msgworker.MessageWorkerPool, maxAttempts int, backoff time.Duration) *Runner {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Runner{engine: engine, pool: pool, maxAttempts: maxAttempts, backoff: backoff}
}

// Run queues the reply and returns at once. The gate and the provider call
// may block for seconds while campaigns share the session.
func (r *Runner) Run(ctx context.Context, sess session.Session, adapter channel.Adapter, evt channel.InboundEvent, conv conversation.Conversation) {
	if r.pool == nil {
		r.attempt(context.WithoutCancel(ctx), 1, sess, adapter, evt, conv)
		return
	}
	if !r.submit(1, sess, adapter, evt, conv) {
		logrus.WithFields(logrus.Fields{
			"session_id": sess.ID,
			"event_id":   evt.ProviderEventID,
		}).Error("[AUTOREPLY] Queue full, reply dropped")
	}
}

func (r *Runner) submit(n int, sess session.Session, adapter channel.Adapter, evt channel.InboundEvent, conv conversation.Conversation) bool {
	return r.pool.TryDispatch(msgworker.MessageJob{
		SessionID: sess.ID,
		Key:       evt.FromID,
		Handler: func(ctx context.Context) error {
			if ctx.Err() != nil {
				return nil
			}
			r.attempt(ctx, n, sess, adapter, evt, conv)
			return nil
		},
	})
}

func (r *Runner) attempt(ctx context.Context, n int, sess session.Session, adapter channel.Adapter, evt channel.InboundEvent, conv conversation.Conversation) {
	msg, err := r.engine.Handle(ctx, sess, adapter, evt, conv)
	if err == nil || msg != nil {
		return
	}
	log := logrus.WithError(err).WithFields(logrus.Fields{
		"session_id": sess.ID,
		"event_id":   evt.ProviderEventID,
		"attempt":    n,
	})
	if r.pool == nil || n >= r.maxAttempts {
		log.Error("[AUTOREPLY] Giving up")
		return
	}

	delay := r.backoff * time.Duration(1<<(n-1))
	log.Warnf("[AUTOREPLY] Retrying in %s", delay)
	time.AfterFunc(delay, func() {
		if !r.submit(n+1, sess, adapter, evt, conv) {
			log.Error("[AUTOREPLY] Retry queue unavailable, dropping")
		}
	})
}
