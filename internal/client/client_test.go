package client

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/inmembro/internal/app/broker"
	"github.com/coachpo/inmembro/internal/domain/message"
	"github.com/coachpo/inmembro/internal/infra/config"
	httpserver "github.com/coachpo/inmembro/internal/infra/server/http"
)

var errEnough = errors.New("enough")

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func newBroker(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := config.NewAppConfigStore(config.DefaultAppConfig())
	require.NoError(t, err)
	registry := broker.NewRegistry(broker.Options{Resolver: store.TopicConfigFor, Logger: quiet()})
	server := httptest.NewServer(httpserver.NewHandler(httpserver.Options{Registry: registry, Config: store, Logger: quiet()}))
	t.Cleanup(server.Close)
	return server
}

func TestNewRejectsBadScheme(t *testing.T) {
	_, err := New("ftp://example.com")
	require.Error(t, err)
}

func TestURLs(t *testing.T) {
	c, err := New("https://broker.example/base/")
	require.NoError(t, err)
	require.Equal(t, "https://broker.example/base/topic/a%20b/push", c.topicURL("a b", "push"))
	require.Equal(t, "wss://broker.example/base/topic/t/ws", c.websocketURL("t"))
	require.Equal(t, "https://broker.example/base/topic/a%2Fb/create", c.topicURL("a/b", "create"))
}

func TestCreateAndPublish(t *testing.T) {
	server := newBroker(t)
	c, err := New(server.URL, WithLogger(quiet()))
	require.NoError(t, err)
	ctx := context.Background()

	reply, err := c.Create(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, "created topic'orders'", reply)

	key := "k"
	reply, err = c.Publish(ctx, "orders", message.New([]byte(`{"id":1}`), &key))
	require.NoError(t, err)
	require.Contains(t, reply, "was pushed to topic'orders'")
}

func TestPublishReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	c, err := New(server.URL)
	require.NoError(t, err)
	_, err = c.Publish(context.Background(), "t", message.Message{})
	require.ErrorContains(t, err, "status 429")
}

func TestConsumeReceivesBacklogAndLive(t *testing.T) {
	server := newBroker(t)
	c, err := New(server.URL, WithLogger(quiet()))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = c.Publish(ctx, "t", message.New([]byte(`1`), nil))
	require.NoError(t, err)

	var got []string
	err = c.Consume(ctx, "t", func(m message.Message) error {
		got = append(got, string(m.Data))
		if len(got) == 1 {
			_, perr := c.Publish(ctx, "t", message.New([]byte(`2`), nil))
			require.NoError(t, perr)
			return nil
		}
		return errEnough
	})
	require.ErrorIs(t, err, errEnough)
	require.Equal(t, []string{"1", "2"}, got)
}

func TestConsumeReconnects(t *testing.T) {
	var dials atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		n := dials.Add(1)
		payload := []byte(`{"data":` + string(rune('0'+n)) + `}`)
		_ = conn.Write(r.Context(), websocket.MessageText, payload)
		_ = conn.Close(websocket.StatusGoingAway, "bye")
	}))
	t.Cleanup(server.Close)

	c, err := New(server.URL, WithLogger(quiet()), WithMaxReconnectInterval(50*time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []string
	err = c.Consume(ctx, "t", func(m message.Message) error {
		got = append(got, string(m.Data))
		if len(got) == 2 {
			return errEnough
		}
		return nil
	})
	require.ErrorIs(t, err, errEnough)
	require.Equal(t, []string{"1", "2"}, got)
	require.GreaterOrEqual(t, dials.Load(), int32(2))
}

func TestConsumeStopsOnContext(t *testing.T) {
	server := newBroker(t)
	c, err := New(server.URL, WithLogger(quiet()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.Consume(ctx, "idle", func(message.Message) error { return nil })
	require.NoError(t, err)
}
