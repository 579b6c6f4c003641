package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/DelmMV/telegram-ballot-guard/internal/domain"
)

// RabbitRefreshQueue реализует очередь заданий сверки поверх AMQP.
type RabbitRefreshQueue struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	queue      string
	deliveries <-chan amqp.Delivery
}

// NewRabbitRefreshQueue подключается к брокеру и объявляет очередь.
func NewRabbitRefreshQueue(amqpURL, queue string) (*RabbitRefreshQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &RabbitRefreshQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Enqueue публикует задание в очередь.
func (q *RabbitRefreshQueue) Enqueue(ctx context.Context, job domain.RefreshJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.JobID,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задание из очереди.
func (q *RabbitRefreshQueue) Pop(ctx context.Context) (domain.RefreshJob, error) {
	if q.deliveries == nil {
		deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			return domain.RefreshJob{}, fmt.Errorf("consume: %w", err)
		}
		q.deliveries = deliveries
	}
	for {
		select {
		case <-ctx.Done():
			return domain.RefreshJob{}, ctx.Err()
		case d, ok := <-q.deliveries:
			if !ok {
				return domain.RefreshJob{}, errors.New("amqp queue: channel closed")
			}
			var job domain.RefreshJob
			if err := json.Unmarshal(d.Body, &job); err != nil {
				// Нечитаемое сообщение отбрасываем, чтобы не зациклиться.
				_ = d.Nack(false, false)
				continue
			}
			if err := d.Ack(false); err != nil {
				return domain.RefreshJob{}, fmt.Errorf("ack: %w", err)
			}
			return job, nil
		}
	}
}

// Close освобождает соединение с брокером.
func (q *RabbitRefreshQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}
