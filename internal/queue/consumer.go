package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RetryHeader counts how many times a notification was handed back to the
// queue after a failed attempt.
const RetryHeader = "x-retries"

// NotificationHandler settles one payment notification.  A returned error
// means the delivery should be retried.
type NotificationHandler func(ctx context.Context, n PaymentNotification) error

// republisher puts a message back on a queue and returns once the broker
// has confirmed it.
type republisher interface {
	publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// confirmedChannel publishes on a channel in confirm mode.
type confirmedChannel struct {
	ch      *amqp.Channel
	timeout time.Duration
}

func (c confirmedChannel) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	return publishConfirmed(ctx, c.ch, queue, msg, c.timeout)
}

// Consumer reads payment.notifications and hands each message to a
// NotificationHandler.  Failed deliveries are republished with an
// incremented RetryHeader; after maxRetries attempts the message is moved
// to DeadLetterQueue for an operator to replay.
type Consumer struct {
	url            string
	handle         NotificationHandler
	log            *slog.Logger
	retryDelay     time.Duration // pause before a failed delivery is republished
	maxRetries     int
	prefetch       int
	maxReconnect   time.Duration // upper bound of the reconnect backoff
	confirmTimeout time.Duration
}

// NewConsumer returns a Consumer for the broker at url.
func NewConsumer(url string, handle NotificationHandler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		url:            url,
		handle:         handle,
		log:            logger,
		retryDelay:     2 * time.Second,
		maxRetries:     30,
		prefetch:       50,
		maxReconnect:   30 * time.Second,
		confirmTimeout: 5 * time.Second,
	}
}

// Run connects to the broker, declares the notification queues and
// consumes until ctx is cancelled, reconnecting with exponential backoff
// whenever the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("broker dial failed", "err", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			// double the wait up to maxReconnect
			if backoff < c.maxReconnect {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("consume loop ended, reconnecting", "err", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	// Republished retries must be stored before the original is acked.
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.log.Warn("set QoS failed", "err", err)
	}
	for _, q := range []string{NotificationsQueue, DeadLetterQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", q, err)
		}
	}
	msgs, err := ch.Consume(NotificationsQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.log.Info("consuming", "queue", NotificationsQueue)

	out := confirmedChannel{ch: ch, timeout: c.confirmTimeout}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.deliver(ctx, out, d)
		}
	}
}

type verdict int

const (
	ack verdict = iota
	retry
	reject
)

// deliver runs one delivery through the handler and settles it with the
// broker.  The original is acked only after its retry or dead letter copy
// is confirmed; if that publish fails it is requeued as is.
func (c *Consumer) deliver(ctx context.Context, out republisher, d amqp.Delivery) {
	attempts := retryCount(d.Headers)
	v := c.process(ctx, d.Body, attempts)
	if v == ack {
		_ = d.Ack(false)
		return
	}

	target := DeadLetterQueue
	if v == retry && attempts+1 < c.maxRetries {
		target = NotificationsQueue
		// back off so a processor outage does not spin the queue
		sleep(ctx, c.retryDelay)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{RetryHeader: int32(attempts + 1)},
		Body:         d.Body,
	}
	if err := out.publish(ctx, target, msg); err != nil {
		c.log.Warn("republish failed, requeueing", "queue", target, "err", err)
		_ = d.Nack(false, true)
		return
	}
	if target == DeadLetterQueue {
		c.log.Error("notification dead-lettered", "attempts", attempts+1, "body", string(d.Body))
	}
	_ = d.Ack(false)
}

func (c *Consumer) process(ctx context.Context, body []byte, attempts int) verdict {
	var n PaymentNotification
	if err := json.Unmarshal(body, &n); err != nil || n.PaymentID == "" {
		c.log.Warn("malformed notification", "err", err, "body", string(body))
		return reject
	}
	if err := c.handle(ctx, n); err != nil {
		c.log.Warn("notification failed", "payment_id", n.PaymentID, "attempt", attempts+1, "err", err)
		return retry
	}
	return ack
}

// retryCount reads RetryHeader, which the broker hands back as int32 or
// int64 depending on how it was written.
func retryCount(h amqp.Table) int {
	switch v := h[RetryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
