// Package queue implements the optional core.MessageQueue hand-off used by
// the upload coordinator (spec.md §4.F) between accepting a chunk upload and
// the sub-job processor picking it up, over core NATS pub/sub.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/book-expert/chunked-transcriber/internal/core"
)

// Subject is the NATS subject processing tasks are published and subscribed
// on. A single subject is sufficient since every task carries its own
// parent/sub-job ids.
const Subject = "chunked-transcriber.process"

// NatsQueue publishes and subscribes core.ProcessingTask messages over a
// plain NATS connection, adapted from the teacher's NatsWorker subject
// subscription but without the reply/event-envelope machinery: a
// ProcessingTask is already self-contained.
type NatsQueue struct {
	conn *nats.Conn
}

// New builds a NatsQueue over an established connection.
func New(conn *nats.Conn) *NatsQueue {
	return &NatsQueue{conn: conn}
}

// Publish sends task onto Subject.
func (q *NatsQueue) Publish(_ context.Context, task core.ProcessingTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: marshal task: %w", err)
	}

	err = q.conn.Publish(Subject, data)
	if err != nil {
		return fmt.Errorf("queue: publish task: %w", err)
	}

	return nil
}

// Subscribe registers handler against Subject and blocks until ctx is
// cancelled, draining the subscription on exit so in-flight messages are not
// lost (mirrors the teacher's NatsWorker.Run).
func (q *NatsQueue) Subscribe(ctx context.Context, handler func(context.Context, core.ProcessingTask) error) error {
	sub, err := q.conn.Subscribe(Subject, func(msg *nats.Msg) {
		var task core.ProcessingTask

		decodeErr := json.Unmarshal(msg.Data, &task)
		if decodeErr != nil {
			return
		}

		_ = handler(ctx, task)
	})
	if err != nil {
		return fmt.Errorf("queue: subscribe: %w", err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("queue: drain subscription: %w", drainErr)
	}

	return nil
}
