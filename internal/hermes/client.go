// Package hermes publishes Alfred's account events on NATS.
package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is what the server needs from an event bus.
type Publisher interface {
	Publish(subject string, data any) error
}

// Discard is a Publisher that drops every event. It stands in when NATS is
// not configured.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, any) error { return nil }

type identified interface {
	MessageID() string
}

type Client struct {
	conn *nats.Conn
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("alfred-server"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc}, nil
}

// Publish sends data as JSON. Events carrying a message id get the
// Nats-Msg-Id header so a JetStream stream drops redelivered duplicates.
func (c *Client) Publish(subject string, data any) error {
	msg, err := newMsg(subject, data)
	if err != nil {
		return err
	}
	if err := c.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func newMsg(subject string, data any) (*nats.Msg, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set("Content-Type", "application/json")
	if e, ok := data.(identified); ok {
		if id := e.MessageID(); id != "" {
			msg.Header.Set(nats.MsgIdHdr, id)
		}
	}
	return msg, nil
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush(ctx context.Context) error {
	return c.conn.FlushWithContext(ctx)
}

func (c *Client) Close() {
	c.conn.Close()
}
