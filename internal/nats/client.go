// Package nats carries groupscan events over NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// SubjectPrefix namespaces every subject groupscan publishes to.
const SubjectPrefix = "groupscan."

const (
	streamMaxAge     = 7 * 24 * time.Hour
	duplicatesWindow = 2 * time.Minute
)

// Client wraps nats connection and jetstream context.
type Client struct {
	Conn *nats.Conn
	js   jetstream.JetStream
}

// New connects and keeps reconnecting forever; scans keep running while the
// broker is away and publishing resumes when it is back.
func New(_ context.Context, natsURL string) (*Client, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("groupscan"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Client{Conn: conn, js: js}, nil
}

// StreamConfig is the stream that captures groupscan.> for a week. Message
// ids within the duplicates window are dropped, so a retried publish is
// stored once.
func StreamConfig(name string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{SubjectPrefix + ">"},
		MaxAge:     streamMaxAge,
		Duplicates: duplicatesWindow,
	}
}

// EnsureStream creates or updates the event stream.
func (c *Client) EnsureStream(ctx context.Context, name string) error {
	if _, err := c.js.CreateOrUpdateStream(ctx, StreamConfig(name)); err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// Publish sends data as JSON. A non-empty msgID is used for deduplication.
func (c *Client) Publish(ctx context.Context, subject, msgID string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}

	if _, err := c.js.Publish(ctx, subject, payload, opts...); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Handler receives one stored event. Returning an error naks the message so
// it is redelivered.
type Handler func(subject string, data []byte) error

// Tail attaches a durable consumer to the stream and delivers every message
// matching filter (groupscan.> when empty) until ctx is done. A consumer
// name that was used before resumes where it left off.
func (c *Client) Tail(ctx context.Context, stream, consumer, filter string, handle Handler) error {
	if consumer == "" {
		return errors.New("consumer name is required")
	}
	if filter == "" {
		filter = SubjectPrefix + ">"
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       consumer,
		FilterSubject: filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumer, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		if err := handle(msg.Subject(), msg.Data()); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumer, err)
	}

	<-ctx.Done()
	cc.Stop()
	return nil
}

// Close drains and closes the nats connection.
func (c *Client) Close() {
	if err := c.Conn.Drain(); err != nil {
		c.Conn.Close()
	}
}

// IsConnected returns true if connected to nats.
func (c *Client) IsConnected() bool {
	return c.Conn.IsConnected()
}
