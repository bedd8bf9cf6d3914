// Package fabric implements the message fabric client: one Redis
// connection per host, exposing lattice-scoped publish/subscribe,
// queue-group subscription, and request/request-multi over Redis
// Pub/Sub, with large payloads offloaded to a content-addressed chunk
// store. Grounded in internal/cache/manager.go's Redis client wiring,
// generalized from a key/value cache to a pub/sub transport.
package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wasmlattice/wasmlatticed/config"
	"github.com/wasmlattice/wasmlatticed/internal/chunkstore"
)

// Message is one payload delivered on a subscription, with the headers
// the sender attached (trace context, chunk descriptors).
type Message struct {
	Subject string
	Payload []byte
	Headers map[string]string
}

// Client owns the lattice's single connection to the pub/sub broker.
type Client struct {
	rdb    *redis.Client
	chunks *chunkstore.Store
	cfg    config.FabricConfig
	prefix string
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// New dials the message fabric. latticeID scopes every subject this
// client touches under "<latticeID>.".
func New(cfg config.FabricConfig, latticeID string, logger *zap.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	return &Client{
		rdb:    rdb,
		chunks: chunkstore.New(rdb, cfg.InlineLimitBytes),
		cfg:    cfg,
		prefix: latticeID + ".",
		logger: logger.With(zap.String("component", "fabric")),
	}
}

func (c *Client) subject(s string) string {
	return c.prefix + s
}

// Publish fails fast if the connection is down; it does not buffer or retry.
func (c *Client) Publish(ctx context.Context, subject string, payload []byte, headers map[string]string) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return fmt.Errorf("fabric: client closed")
	}

	envelope, err := c.chunks.Wrap(ctx, payload, headers)
	if err != nil {
		return fmt.Errorf("fabric: chunk payload: %w", err)
	}

	if err := c.rdb.Publish(ctx, c.subject(subject), envelope).Err(); err != nil {
		return fmt.Errorf("fabric: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe returns a channel of every message published to subject.
// Closing ctx unsubscribes and closes the channel.
func (c *Client) Subscribe(ctx context.Context, subject string) (<-chan Message, error) {
	sub := c.rdb.Subscribe(ctx, c.subject(subject))
	return c.drain(ctx, sub), nil
}

// QueueSubscribe behaves like Subscribe but only one member of group
// receives each message, emulated over Redis by having every member
// attempt a best-effort claim via a short-lived SETNX lock keyed by the
// message's delivery id (embedded in the envelope by the publisher).
func (c *Client) QueueSubscribe(ctx context.Context, subject, group string) (<-chan Message, error) {
	sub := c.rdb.Subscribe(ctx, c.subject(subject))
	raw := sub.Channel()
	out := make(chan Message, 64)

	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-raw:
				if !ok {
					return
				}
				msg, deliveryID, err := c.chunks.Unwrap(ctx, []byte(m.Payload))
				if err != nil {
					c.logger.Warn("failed to unwrap fabric message", zap.Error(err))
					continue
				}
				claimed, err := c.rdb.SetNX(ctx, "qgroup:"+group+":"+deliveryID, 1, 2*time.Second).Result()
				if err != nil || !claimed {
					continue
				}
				select {
				case out <- Message{Subject: m.Channel, Payload: msg.Payload, Headers: msg.Headers}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (c *Client) drain(ctx context.Context, sub *redis.PubSub) <-chan Message {
	raw := sub.Channel()
	out := make(chan Message, 64)

	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-raw:
				if !ok {
					return
				}
				msg, _, err := c.chunks.Unwrap(ctx, []byte(m.Payload))
				if err != nil {
					c.logger.Warn("failed to unwrap fabric message", zap.Error(err))
					continue
				}
				select {
				case out <- Message{Subject: m.Channel, Payload: msg.Payload, Headers: msg.Headers}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Request publishes payload to subject and waits for a single reply on a
// generated reply subject, within timeout.
func (c *Client) Request(ctx context.Context, subject string, payload []byte, headers map[string]string, timeout time.Duration) (Message, error) {
	replySubject := "_reply." + uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies, err := c.Subscribe(ctx, replySubject)
	if err != nil {
		return Message{}, err
	}

	if headers == nil {
		headers = map[string]string{}
	}
	headers["reply-to"] = replySubject

	if err := c.Publish(ctx, subject, payload, headers); err != nil {
		return Message{}, err
	}

	select {
	case m, ok := <-replies:
		if !ok {
			return Message{}, fmt.Errorf("fabric: reply channel closed")
		}
		return m, nil
	case <-ctx.Done():
		return Message{}, fmt.Errorf("fabric: request to %s: %w", subject, ctx.Err())
	}
}

// RequestMulti collects replies to subject until window elapses after the
// first reply, or the overall timeout expires — an auction-style request.
func (c *Client) RequestMulti(ctx context.Context, subject string, payload []byte, headers map[string]string, timeout, window time.Duration) ([]Message, error) {
	replySubject := "_reply." + uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies, err := c.Subscribe(ctx, replySubject)
	if err != nil {
		return nil, err
	}

	if headers == nil {
		headers = map[string]string{}
	}
	headers["reply-to"] = replySubject

	if err := c.Publish(ctx, subject, payload, headers); err != nil {
		return nil, err
	}

	var results []Message
	var windowTimer *time.Timer
	var windowCh <-chan time.Time

	for {
		select {
		case m, ok := <-replies:
			if !ok {
				return results, nil
			}
			results = append(results, m)
			if windowTimer == nil {
				windowTimer = time.NewTimer(window)
				windowCh = windowTimer.C
			}
		case <-windowCh:
			return results, nil
		case <-ctx.Done():
			return results, nil
		}
	}
}

// Reply publishes an InvocationResponse-shaped payload back to the
// reply-to subject carried in the request's headers.
func (c *Client) Reply(ctx context.Context, replyTo string, payload []byte, headers map[string]string) error {
	return c.Publish(ctx, replyTo, payload, headers)
}

// Close releases the underlying Redis connection. Further publishes fail.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.rdb.Close()
}
