package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"notecard_fleet/internal/fault"
)

// DefaultSubject carries routed Notehub events.
const DefaultSubject = "notehub.events"

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Subject        string
	Queue          string
	HandlerTimeout time.Duration
}

// Consumer feeds events from a NATS queue subscription into a Handler.
type Consumer struct {
	sub     *nats.Subscription
	handler *Handler
	timeout time.Duration
	log     logrus.FieldLogger
}

// Connect opens a NATS connection that reconnects forever and logs
// connection state changes.
func Connect(url string, logger logrus.FieldLogger) (*nats.Conn, error) {
	log := logger.WithField("component", "nats")
	nc, err := nats.Connect(url,
		nats.Name("fleet-ingest"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected.")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected.")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// Subscribe starts consuming. Members of the same queue share the stream.
func Subscribe(nc *nats.Conn, cfg ConsumerConfig, h *Handler, logger logrus.FieldLogger) (*Consumer, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 10 * time.Second
	}

	c := &Consumer{
		handler: h,
		timeout: cfg.HandlerTimeout,
		log:     logger.WithFields(logrus.Fields{"component": "ingest", "subject": cfg.Subject}),
	}

	sub, err := nc.QueueSubscribe(cfg.Subject, cfg.Queue, func(m *nats.Msg) {
		c.Process(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Subject, err)
	}
	c.sub = sub
	c.log.WithField("queue", cfg.Queue).Info("Consuming events.")
	return c, nil
}

// Process handles one message under the per-event timeout. Failures are
// logged; the message is not redelivered.
func (c *Consumer) Process(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	err := c.handler.Handle(ctx, data)
	switch {
	case err == nil:
	case errors.Is(err, fault.ErrInvalidArgument):
		c.log.WithError(err).Warn("Dropping malformed event.")
	default:
		c.log.WithError(err).Error("Event handling failed.")
	}
}

// Drain stops delivery after in-flight messages are handled.
func (c *Consumer) Drain() error {
	return c.sub.Drain()
}
