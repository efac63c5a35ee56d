package ports

import "context"

// EventPublisher delivers one message to an exchange/route pair.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, route string, body []byte) error
	Close() error
}
