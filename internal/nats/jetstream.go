package natsjs

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	streamName = "SYNC_JOBS"

	// MaxAttempts bounds redelivery of a job before the queue gives up
	MaxAttempts = 3

	// backoffBase is the first redelivery delay; doubled per attempt
	backoffBase = 5 * time.Second
)

// Queue wraps NATS JetStream as the sync job queue. One subject per topic
// (email-sync, calendar-sync), each with a .priority sibling for initial
// imports, all under a single stream with publish-side deduplication.
type Queue struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect connects to NATS and opens a JetStream context
func Connect(url string) (*Queue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Queue{nc: nc, js: js}, nil
}

// EnsureStream ensures the SYNC_JOBS stream exists. The duplicate window is
// what makes stable job keys idempotent: re-publishing the same Nats-Msg-Id
// inside it is a no-op.
func (q *Queue) EnsureStream(ctx context.Context) error {
	streamInfo, err := q.js.StreamInfo(streamName)
	if err == nil && streamInfo != nil {
		return nil
	}

	_, err = q.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"sync.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     24 * time.Hour,
	})

	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse || err.Error() == "stream name already in use" {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Publish enqueues a job on a topic with a deduplication key
func (q *Queue) Publish(topic string, payload []byte, msgID string) error {
	return q.publish(subjectFor(topic, false), payload, msgID)
}

// PublishPriority enqueues a job on the topic's priority subject
func (q *Queue) PublishPriority(topic string, payload []byte, msgID string) error {
	return q.publish(subjectFor(topic, true), payload, msgID)
}

func (q *Queue) publish(subject string, payload []byte, msgID string) error {
	_, err := q.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close closes the NATS connection
func (q *Queue) Close() {
	if q.nc != nil {
		q.nc.Close()
	}
}

func subjectFor(topic string, priority bool) string {
	if priority {
		return "sync." + topic + ".priority"
	}
	return "sync." + topic
}

// Consumer pulls jobs for one topic, draining the priority subject before
// the regular one.
type Consumer struct {
	priority *nats.Subscription
	normal   *nats.Subscription
}

// Consumer creates durable pull consumers for a topic
func (q *Queue) Consumer(topic, durable string) (*Consumer, error) {
	opts := []nats.SubOpt{
		nats.MaxDeliver(MaxAttempts),
		nats.AckExplicit(),
		nats.AckWait(5 * time.Minute),
	}

	prio, err := q.js.PullSubscribe(subjectFor(topic, true), durable+"-priority", opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s priority: %w", topic, err)
	}
	normal, err := q.js.PullSubscribe(subjectFor(topic, false), durable, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	return &Consumer{priority: prio, normal: normal}, nil
}

// Next returns the next job, or nil when none arrived within wait
func (c *Consumer) Next(wait time.Duration) (*nats.Msg, error) {
	msgs, err := c.priority.Fetch(1, nats.MaxWait(50*time.Millisecond))
	if err == nil && len(msgs) > 0 {
		return msgs[0], nil
	}
	if err != nil && err != nats.ErrTimeout {
		return nil, err
	}

	msgs, err = c.normal.Fetch(1, nats.MaxWait(wait))
	if err != nil {
		if err == nats.ErrTimeout {
			return nil, nil
		}
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// RetryLater redelivers the message after an exponential backoff derived
// from its delivery count (5s, 10s, 20s). After MaxAttempts the server
// stops redelivering.
func RetryLater(msg *nats.Msg) {
	delay := backoffBase
	if meta, err := msg.Metadata(); err == nil {
		for i := uint64(1); i < meta.NumDelivered; i++ {
			delay *= 2
		}
	}
	_ = msg.NakWithDelay(delay)
}
