// Package amqp forwards dispatch events to a RabbitMQ topic exchange so that
// other services can follow order progress.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kilianp07/lastmile/core/events"
	"github.com/kilianp07/lastmile/core/logger"
	coremon "github.com/kilianp07/lastmile/core/monitoring"
	"github.com/kilianp07/lastmile/internal/eventbus"
)

// Config locates the broker. Events are published on Exchange with the
// routing key "<RoutingPrefix>.<kind>".
type Config struct {
	URL                   string `json:"url"`
	Exchange              string `json:"exchange"`
	RoutingPrefix         string `json:"routing_prefix"`
	ConfirmTimeoutSeconds int    `json:"confirm_timeout_seconds"`
}

// Enabled reports whether a broker is configured.
func (c Config) Enabled() bool { return c.URL != "" }

func (c Config) exchange() string {
	if c.Exchange == "" {
		return "lastmile.dispatch"
	}
	return c.Exchange
}

func (c Config) routingKey(k events.Kind) string {
	prefix := c.RoutingPrefix
	if prefix == "" {
		prefix = "dispatch"
	}
	return prefix + "." + string(k)
}

func (c Config) confirmTimeout() time.Duration {
	if c.ConfirmTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ConfirmTimeoutSeconds) * time.Second
}

// channel is the part of *amqp.Channel used by the forwarder.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dial opens a connection and a channel. Replaced in tests.
var dial = func(url string) (channel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn, nil
}

// Forwarder publishes every DispatchEvent it receives with publisher
// confirms.
type Forwarder struct {
	cfg      Config
	ch       channel
	conn     io.Closer
	confirms chan amqp.Confirmation
	mu       sync.Mutex
	log      logger.Logger
}

// NewForwarder connects, declares the topic exchange and enables confirms.
func NewForwarder(cfg Config, log logger.Logger) (*Forwarder, error) {
	if !cfg.Enabled() {
		return nil, errors.New("amqp: url is required")
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	ch, conn, err := dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.exchange(), amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return &Forwarder{cfg: cfg, ch: ch, conn: conn, confirms: confirms, log: log}, nil
}

// Publish sends one event and waits for the broker acknowledgement.
func (f *Forwarder) Publish(ctx context.Context, ev events.DispatchEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, f.cfg.confirmTimeout())
	defer cancel()
	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    ev.At,
		MessageId:    fmt.Sprintf("%s-%s-%d", ev.OrderID, ev.Kind, ev.Attempt),
		Body:         body,
	}
	if err := f.ch.PublishWithContext(ctx, f.cfg.exchange(), f.cfg.routingKey(ev.Kind), false, false, msg); err != nil {
		return err
	}
	select {
	case c, ok := <-f.confirms:
		if !ok {
			return errors.New("amqp: channel closed")
		}
		if !c.Ack {
			return errors.New("amqp: publish not acknowledged")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start forwards events from bus until ctx is done or the bus closes. The
// returned channel is closed when forwarding has stopped.
func (f *Forwarder) Start(ctx context.Context, bus *eventbus.TypedBus[events.DispatchEvent]) <-chan struct{} {
	done := make(chan struct{})
	sub := bus.Subscribe()
	go func() {
		defer close(done)
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if err := f.Publish(context.Background(), ev); err != nil {
					f.log.Errorf("amqp forward of %s for order %s failed: %v", ev.Kind, ev.OrderID, err)
					coremon.CaptureException(err, map[string]string{"module": "amqp", "order_id": ev.OrderID})
				}
			}
		}
	}()
	return done
}

// Close releases the channel and the connection.
func (f *Forwarder) Close() error {
	return errors.Join(f.ch.Close(), f.conn.Close())
}
