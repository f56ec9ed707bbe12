package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/darklight-media/darklight/internal/metrics"
	"github.com/darklight-media/darklight/pkg/logger"
	"github.com/nats-io/nats.go"
)

type natsBus struct {
	conn *nats.Conn
}

// NewNatsBus connects to the NATS server described by the config. The
// connection reconnects indefinitely, so a temporarily unavailable server
// surfaces as failed publishes rather than a dead bus.
func NewNatsBus(config Config) (*natsBus, error) {
	conn, err := nats.Connect(config.URL,
		nats.Name(config.ClientName),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Emit(logger.SUCCESS, "Reconnected to NATS at %s\n", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("NATS connection lost: %s\n", err)
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Errorf("NATS error on subscription %s: %s\n", sub.Subject, err)
			} else {
				log.Errorf("NATS error: %s\n", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to NATS at %s: %w", ErrBus, config.URL, err)
	}

	log.Emit(logger.SUCCESS, "Connected to NATS at %s\n", conn.ConnectedUrl())
	return &natsBus{conn: conn}, nil
}

func (bus *natsBus) Publish(ctx context.Context, subject Subject, payload any) error {
	if err := ctx.Err(); err != nil {
		metrics.EventsPublished.WithLabelValues(string(subject), "error").Inc()
		return fmt.Errorf("%w: publish to %s interrupted: %w", ErrBus, subject, err)
	}

	data, err := encode(subject, payload)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(string(subject), "error").Inc()
		return err
	}

	if err := bus.conn.Publish(string(subject), data); err != nil {
		metrics.EventsPublished.WithLabelValues(string(subject), "error").Inc()
		return fmt.Errorf("%w: failed to publish to %s: %w", ErrBus, subject, err)
	}

	metrics.EventsPublished.WithLabelValues(string(subject), "ok").Inc()
	return nil
}

func (bus *natsBus) Subscribe(ctx context.Context, subject Subject, group Group) (<-chan Message, error) {
	var (
		sub *nats.Subscription
		err error
	)
	if group != "" {
		sub, err = bus.conn.QueueSubscribeSync(string(subject), string(group))
	} else {
		sub, err = bus.conn.SubscribeSync(string(subject))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to subscribe to %s (group %q): %w", ErrBus, subject, group, err)
	}

	// Interest must be registered with the server before the caller publishes
	if err := bus.conn.Flush(); err != nil {
		log.Warnf("Failed to flush subscription to %s: %s\n", subject, err)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()

		for {
			msg, err := sub.NextMsgWithContext(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
					return
				}

				log.Warnf("Failed to receive from %s: %s\n", subject, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}

			select {
			case out <- Message{Subject: Subject(msg.Subject), Data: msg.Data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close flushes any buffered publishes and closes the connection.
func (bus *natsBus) Close() error {
	if err := bus.conn.FlushTimeout(2 * time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		log.Warnf("Failed to flush NATS connection before close: %s\n", err)
	}
	bus.conn.Close()
	return nil
}
