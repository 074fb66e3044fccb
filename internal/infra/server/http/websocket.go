package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"

	"github.com/coachpo/inmembro/internal/domain/errs"
)

const websocketWriteTimeout = 5 * time.Second

// subscribeWebsocket streams the same payloads as the SSE endpoint, one text
// frame per message.
func (s *httpServer) subscribeWebsocket(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Printf("topic'%s': websocket accept failed: %v", name, err)
		return
	}
	defer conn.CloseNow()

	stream, err := s.registry.Subscribe(r.Context(), name)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, errs.Describe(err))
		return
	}
	defer stream.Close()
	s.metrics.recordSubscription(r.Context(), name, "websocket")

	// Inbound frames are ignored; the returned context ends when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		payload, err := nextWithKeepAlive(ctx, stream, s.keepAlive, func() error {
			pingCtx, cancel := context.WithTimeout(ctx, websocketWriteTimeout)
			defer cancel()
			return conn.Ping(pingCtx)
		})
		if err != nil {
			if errs.IsCode(err, errs.CodeUnavailable) {
				_ = conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			_ = conn.Close(websocket.StatusInternalError, errs.Describe(err))
			return
		}

		writeCtx, cancel := context.WithTimeout(ctx, websocketWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, []byte(payload))
		cancel()
		if err != nil {
			return
		}
	}
}
