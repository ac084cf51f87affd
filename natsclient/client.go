// Package natsclient wraps the NATS connection used by the optional
// JetStream-backed deployment: one client owns the connection, the
// JetStream handle, and the service KV bucket.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrNotConnected is returned by operations invoked before Connect.
var ErrNotConnected = stderrors.New("not connected to NATS")

// Client manages one NATS connection and its JetStream context.
type Client struct {
	urls   []string
	logger *slog.Logger

	name          string
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for connection lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithName sets the connection name reported to the server.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithMaxReconnects sets the reconnect budget; -1 retries forever.
func WithMaxReconnects(n int) Option {
	return func(c *Client) { c.maxReconnects = n }
}

// WithReconnectWait sets the delay between reconnect attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(c *Client) { c.reconnectWait = d }
}

// WithTimeout sets the initial connect timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates an unconnected client for the given server URLs.
func New(urls []string, opts ...Option) *Client {
	c := &Client{
		urls:          urls,
		logger:        slog.Default(),
		name:          "hypha-core",
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the servers and initializes JetStream.
func (c *Client) Connect(_ context.Context) error {
	conn, err := nats.Connect(joinURLs(c.urls),
		nats.Name(c.name),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info("NATS reconnected", "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("initialize JetStream: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	c.logger.Info("NATS connected", "url", conn.ConnectedUrl())
	return nil
}

// Close drains the connection, bounded by ctx.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- conn.Drain() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
}

// IsConnected reports whether the underlying connection is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Publish sends a message on the given subject. Satisfies the event
// bridge's publisher contract.
func (c *Client) Publish(subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// KeyValueBucket creates (or opens) the named KV bucket.
func (c *Client) KeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		return nil, ErrNotConnected
	}
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  name,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("open KV bucket %s: %w", name, err)
	}
	return bucket, nil
}

func joinURLs(urls []string) string {
	if len(urls) == 0 {
		return nats.DefaultURL
	}
	joined := urls[0]
	for _, u := range urls[1:] {
		joined += "," + u
	}
	return joined
}
