// Package messaging provides the NATS client used to publish support-desk
// events (escalations, session lifecycle) to out-of-process consumers such
// as the email notifier. NATS carries notifications only; message routing
// between users and admins never goes through it.
package messaging

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects used across support-desk services.
const (
	SubjectEscalation = "support.escalation"
	SubjectSession    = "support.session" // + .<session_id>
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string
	Name           string        // client name shown in server monitoring
	Queue          string        // queue group for escalations; replicas sharing it split them
	ReconnectWait  time.Duration
	MaxReconnects  int // -1 retries forever
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "support-desk",
		Queue:          "support-notifier",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

func (c NATSConfig) options() []nats.Option {
	return []nats.Option{
		nats.Name(c.Name),
		nats.Timeout(c.ConnectTimeout),
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Printf("[nats] subscription %s: %v", sub.Subject, err)
				return
			}
			log.Printf("[nats] async error: %v", err)
		}),
	}
}

// NATSClient publishes support-desk events and, in the notifier, consumes
// them: escalations through a queue group, session events on every replica.
type NATSClient struct {
	conn  *nats.Conn
	queue string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSClient connects with config. It fails if the first connection
// attempt fails; later outages are retried in the background.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	nc, err := nats.Connect(config.URL, config.options()...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect %s: %w", config.URL, err)
	}
	log.Printf("[nats] connected to %s as %s", nc.ConnectedUrl(), config.Name)
	return &NATSClient{conn: nc, queue: config.Queue}, nil
}

// Publish sends data on subject. Delivery is at most once.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush(ctx context.Context) error {
	return c.conn.FlushWithContext(ctx)
}

// SubscribeEscalations delivers each escalation to one replica of the
// queue group.
func (c *NATSClient) SubscribeEscalations(handler func(data []byte)) error {
	return c.subscribe(SubjectEscalation, c.queue, handler)
}

// SubscribeSessionEvents delivers lifecycle events for all sessions to
// every replica. A claim must reach whichever replica holds the pending
// email, so these are not split by the queue group.
func (c *NATSClient) SubscribeSessionEvents(handler func(data []byte)) error {
	return c.subscribe(SubjectSession+".>", "", handler)
}

func (c *NATSClient) subscribe(subject, queue string, handler func(data []byte)) error {
	cb := func(msg *nats.Msg) { handler(msg.Data) }
	var sub *nats.Subscription
	var err error
	if queue == "" {
		sub, err = c.conn.Subscribe(subject, cb)
	} else {
		sub, err = c.conn.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close drains subscriptions so in-flight events finish, flushes pending
// publishes, and closes the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
		c.conn.Close()
	}
	log.Printf("[nats] client closed")
}
