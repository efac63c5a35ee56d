package bus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
)

// LocalBus keeps completion messages in process. It is used when no broker is
// configured; subscribers see messages published after they subscribed.
type LocalBus struct {
	pubsub *gochannel.GoChannel
	logger *logger.Logger
}

func NewLocalBus(log *logger.Logger) *LocalBus {
	return &LocalBus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            64,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		}, NewWatermillLogger(log)),
		logger: log,
	}
}

// Topic maps an exchange/route pair to a single topic name.
func Topic(exchange, route string) string {
	if exchange == "" {
		return route
	}
	return exchange + "." + route
}

func (b *LocalBus) Publish(ctx context.Context, exchange, route string, body []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.SetContext(ctx)
	msg.Metadata.Set("exchange", exchange)
	msg.Metadata.Set("route", route)
	return b.pubsub.Publish(Topic(exchange, route), msg)
}

func (b *LocalBus) Subscribe(ctx context.Context, exchange, route string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, Topic(exchange, route))
}

func (b *LocalBus) Close() error {
	return b.pubsub.Close()
}

// watermillLogger forwards watermill's logging to zap.
type watermillLogger struct {
	log    *logger.Logger
	fields watermill.LogFields
}

func NewWatermillLogger(log *logger.Logger) watermill.LoggerAdapter {
	return &watermillLogger{log: log.Named("watermill")}
}

func (l *watermillLogger) args(fields watermill.LogFields) []interface{} {
	all := l.fields.Add(fields)
	out := make([]interface{}, 0, len(all)*2)
	for k, v := range all {
		out = append(out, k, v)
	}
	return out
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.log.Errorw(msg, append(l.args(fields), "error", err)...)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.log.Infow(msg, l.args(fields)...)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.log.Debugw(msg, l.args(fields)...)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.log.Debugw(msg, l.args(fields)...)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{log: l.log, fields: l.fields.Add(fields)}
}
