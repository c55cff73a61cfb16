package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/noah-isme/pickup-go-api/internal/config"
	"github.com/noah-isme/pickup-go-api/internal/dto"
)

// DefaultCompletedQueue receives one message per completed pickup.
const DefaultCompletedQueue = "pickup.completed"

// RabbitPublisher hands completed pickups to reporting consumers.
type RabbitPublisher struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	queueName string
	cb        *gobreaker.CircuitBreaker
}

// NewRabbitPublisher dials the broker and declares the durable queue.
func NewRabbitPublisher(amqpURL, queueName string, logger zerolog.Logger) (*RabbitPublisher, error) {
	if queueName == "" {
		queueName = DefaultCompletedQueue
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &RabbitPublisher{
		conn:      conn,
		ch:        ch,
		queueName: queueName,
		cb:        config.NewCircuitBreaker("rabbitmq-publisher", 30*time.Second, nil, logger),
	}, nil
}

// PublishPickupCompleted publishes the archived pickup as JSON.
func (p *RabbitPublisher) PublishPickupCompleted(ctx context.Context, history dto.PickupHistoryResponse) error {
	body, err := json.Marshal(history)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= 0 {
		return ctx.Err()
	}

	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, p.ch.PublishWithContext(ctx, "", p.queueName, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Type:         "pickup.completed",
			Body:         body,
		})
	})
	return err
}

// Close releases the channel and connection.
func (p *RabbitPublisher) Close() error {
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
