package amqp

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const maxDialDelay = 60 * time.Second

// DialWithRetry connects with exponential backoff and gives up when ctx is
// done or attempts run out.
func DialWithRetry(ctx context.Context, url string, attempts int, delay time.Duration) (*amqp091.Connection, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp091.Dial(url)
		if err == nil {
			if i > 1 {
				logrus.WithField("attempt", i).Info("[AMQP] Connected")
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := delay << (i - 1)
		if sleep > maxDialDelay || sleep <= 0 {
			sleep = maxDialDelay
		}
		logrus.WithFields(logrus.Fields{
			"attempt": i,
			"sleep":   sleep,
		}).WithError(err).Warn("[AMQP] Dial failed")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("amqp dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed to connect to amqp after %d attempts: %w", attempts, lastErr)
}
