// Package client talks to an inmembro broker: it publishes over HTTP and
// consumes a topic over WebSocket, reconnecting with exponential backoff.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/coachpo/inmembro/internal/domain/message"
)

const (
	defaultMaxReconnectInterval = 10 * time.Second
	readLimit                   = 1 << 20
)

// Client targets a single broker.
type Client struct {
	baseURL              *url.URL
	httpClient           *http.Client
	logger               *log.Logger
	maxReconnectInterval time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for publishing.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithLogger sets the logger used to report reconnects.
func WithLogger(l *log.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithMaxReconnectInterval caps the delay between reconnect attempts.
func WithMaxReconnectInterval(d time.Duration) Option {
	return func(cl *Client) { cl.maxReconnectInterval = d }
}

// New builds a client for the broker at baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("broker url must be http or https, got %q", baseURL)
	}
	c := &Client{
		baseURL:              parsed,
		httpClient:           http.DefaultClient,
		logger:               log.Default(),
		maxReconnectInterval: defaultMaxReconnectInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) topicURL(topic, action string) string {
	u := *c.baseURL
	u.RawPath = c.baseURL.EscapedPath() + "/topic/" + url.PathEscape(topic) + "/" + action
	u.Path = c.baseURL.Path + "/topic/" + topic + "/" + action
	return u.String()
}

func (c *Client) websocketURL(topic string) string {
	target, _ := url.Parse(c.topicURL(topic, "ws"))
	if target.Scheme == "https" {
		target.Scheme = "wss"
	} else {
		target.Scheme = "ws"
	}
	return target.String()
}

// Create asks the broker to create topic and returns its reply.
func (c *Client) Create(ctx context.Context, topic string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.topicURL(topic, "create"), nil)
	if err != nil {
		return "", fmt.Errorf("build create request: %w", err)
	}
	return c.do(req)
}

// Publish posts msg to topic and returns the broker's confirmation text.
func (c *Client) Publish(ctx context.Context, topic string, msg message.Message) (string, error) {
	body, err := msg.Compact()
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.topicURL(topic, "push"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (string, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

// Handler receives each consumed message. Returning an error stops Consume.
type Handler func(message.Message) error

// Consume subscribes to topic and calls handle for every message until ctx
// ends or handle fails. Dropped connections are re-dialed with exponential
// backoff; messages pushed while disconnected wait in the topic buffer
// unless another subscriber is attached.
func (c *Client) Consume(ctx context.Context, topic string, handle Handler) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = c.maxReconnectInterval
	target := c.websocketURL(topic)

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := websocket.Dial(ctx, target, nil)
		if err == nil {
			backoffCfg.Reset()
			err = c.readLoop(ctx, conn, handle)
			_ = conn.Close(websocket.StatusNormalClosure, "")
			var handlerErr *handlerError
			if errors.As(err, &handlerErr) {
				return handlerErr.err
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Printf("topic'%s': connection lost: %v", topic, err)
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.maxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, handle Handler) error {
	conn.SetReadLimit(readLimit)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := message.Decode(data)
		if err != nil {
			c.logger.Printf("skip malformed frame: %v", err)
			continue
		}
		if err := handle(msg); err != nil {
			return &handlerError{err: err}
		}
	}
}
