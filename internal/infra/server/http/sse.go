package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/coachpo/inmembro/internal/app/broker"
	"github.com/coachpo/inmembro/internal/domain/errs"
)

// sseEvent is a single server-sent event.
type sseEvent struct {
	Event string
	Data  string
	ID    string
}

// sseWriter frames events on a streaming response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) send(event sseEvent) error {
	var b strings.Builder
	if event.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", event.ID)
	}
	if event.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", event.Event)
	}
	// Every line of a multi-line payload needs its own data field.
	for _, line := range strings.Split(event.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')
	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *httpServer) subscribeSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := mux.Vars(r)["name"]

	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	stream, err := s.registry.Subscribe(ctx, name)
	if err != nil {
		s.writeBrokerError(w, r, "subscribe", err)
		return
	}
	defer stream.Close()
	s.metrics.recordSubscription(ctx, name, "sse")

	sse, err := newSSEWriter(w)
	if err != nil {
		return
	}
	for {
		payload, err := nextWithKeepAlive(ctx, stream, s.keepAlive, func() error {
			return sse.comment("keep-alive")
		})
		if err != nil {
			if !isStreamEnd(err) {
				_ = sse.send(sseEvent{Event: "error", Data: errs.Describe(err)})
			}
			return
		}
		if err := sse.send(sseEvent{Data: payload}); err != nil {
			return
		}
	}
}

// nextWithKeepAlive waits for the next event, calling onIdle each time
// keepAlive elapses without one.
func nextWithKeepAlive(ctx context.Context, stream *broker.Stream, keepAlive time.Duration, onIdle func() error) (string, error) {
	if keepAlive <= 0 {
		return stream.NextEvent(ctx)
	}
	for {
		waitCtx, cancel := context.WithTimeout(ctx, keepAlive)
		payload, err := stream.NextEvent(waitCtx)
		cancel()
		if err == nil {
			return payload, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			if err := onIdle(); err != nil {
				return "", err
			}
			continue
		}
		return "", err
	}
}

func isStreamEnd(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errs.IsCode(err, errs.CodeUnavailable)
}
