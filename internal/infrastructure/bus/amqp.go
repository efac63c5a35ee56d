package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drmaatic/backend/internal/infrastructure/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrBusClosed = errors.New("bus: publisher closed")

// AMQPPublisher sends messages to a RabbitMQ broker. The connection is opened
// lazily and reopened after the broker drops it; each publish uses its own
// channel.
type AMQPPublisher struct {
	url    string
	logger *logger.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

func NewAMQPPublisher(url string, log *logger.Logger) *AMQPPublisher {
	return &AMQPPublisher{url: url, logger: log}
}

func (p *AMQPPublisher) connection() (*amqp.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrBusClosed
	}
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("bus: dial broker: %w", err)
	}
	p.conn = conn
	p.logger.Infow("amqp_connected")
	return conn, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, exchange, route string, body []byte) error {
	conn, err := p.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("bus: open channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, exchange, route, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("bus: publish to %s/%s: %w", exchange, route, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}
	return p.conn.Close()
}
