// Package insertbuffer implements an optional publish-then-batch-write
// insert path: Insert calls publish to a RabbitMQ queue instead of
// writing to the database directly, and a Buffer drains that queue in
// batches. Off by default: Insert writes directly to the adapter unless
// a Buffer is configured.
package insertbuffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"izi/internal/adapter"
	"izi/internal/model"
)

// Buffer publishes inserted jobs to a RabbitMQ queue and drains them in
// batches into the adapter, decoupling job submission from the database
// write.
type Buffer struct {
	conn    *amqp.Connection
	channel *amqp.Channel

	exchange   string
	queue      string
	routingKey string

	BatchSize     int
	FlushInterval time.Duration
}

// New dials RabbitMQ and declares the exchange, queue, and binding
// between them.
func New(url, exchange, queue, routingKey string) (*Buffer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("insertbuffer: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("insertbuffer: channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("insertbuffer: exchange declare: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("insertbuffer: queue declare: %w", err)
	}
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("insertbuffer: queue bind: %w", err)
	}

	return &Buffer{
		conn: conn, channel: ch,
		exchange: exchange, queue: queue, routingKey: routingKey,
		BatchSize: 100, FlushInterval: time.Second,
	}, nil
}

// Publish enqueues j for later batch insertion instead of writing it
// directly.
func (b *Buffer) Publish(ctx context.Context, j *model.Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return b.channel.PublishWithContext(ctx, b.exchange, b.routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Drain runs until ctx is cancelled, consuming published jobs and
// flushing them to a in batches of BatchSize or every FlushInterval,
// whichever comes first.
func (b *Buffer) Drain(ctx context.Context, a adapter.Adapter) error {
	msgs, err := b.channel.Consume(b.queue, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("insertbuffer: consume: %w", err)
	}

	batch := make([]*model.Job, 0, b.BatchSize)
	ticker := time.NewTicker(b.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, j := range batch {
			if _, err := a.InsertJob(ctx, j); err != nil {
				log.Printf("insertbuffer: batch insert failed: %v", err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case <-ticker.C:
			flush()
		case msg, ok := <-msgs:
			if !ok {
				flush()
				return nil
			}
			var j model.Job
			if err := json.Unmarshal(msg.Body, &j); err != nil {
				log.Printf("insertbuffer: malformed message: %v", err)
				continue
			}
			batch = append(batch, &j)
			if len(batch) >= b.BatchSize {
				flush()
			}
		}
	}
}

func (b *Buffer) Close() error {
	if err := b.channel.Close(); err != nil {
		b.conn.Close()
		return err
	}
	return b.conn.Close()
}
