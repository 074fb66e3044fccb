// Package httpserver exposes the broker over HTTP: topic creation, message
// publication, SSE and WebSocket subscriptions, and diagnostic pages.
package httpserver

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/coachpo/inmembro/internal/app/broker"
	"github.com/coachpo/inmembro/internal/domain/errs"
	"github.com/coachpo/inmembro/internal/domain/message"
	"github.com/coachpo/inmembro/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	topicPrefix   = "/topic/{name}"
	createPath    = topicPrefix + "/create"
	pushPath      = topicPrefix + "/push"
	subscribePath = topicPrefix + "/subscribe"
	websocketPath = topicPrefix + "/ws"
	configPath    = topicPrefix + "/config"
	aboutPath     = "/about"
	healthPath    = "/healthz"
	indexPath     = "/"
)

// Options wires the handler to the broker and configuration.
type Options struct {
	Registry *broker.Registry
	Config   *config.AppConfigStore
	Logger   *log.Logger
}

type httpServer struct {
	registry  *broker.Registry
	config    *config.AppConfigStore
	logger    *log.Logger
	keepAlive time.Duration
	metrics   *httpMetrics
}

// NewHandler creates the HTTP handler for every broker endpoint.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	cfg := opts.Config.Snapshot()
	server := &httpServer{
		registry:  opts.Registry,
		config:    opts.Config,
		logger:    logger,
		keepAlive: cfg.APIServer.SSEKeepAlive,
		metrics:   newHTTPMetrics(),
	}

	router := mux.NewRouter()
	trusted, err := cfg.APIServer.TrustedProxyPrefixes()
	if err != nil {
		logger.Printf("ignoring trusted proxies: %v", err)
		trusted = nil
	}
	pushLimit := rateLimitMiddleware(cfg.APIServer.PushRateLimit, cfg.APIServer.PushBurst, trusted)

	router.HandleFunc(createPath, server.createTopic).Methods(http.MethodGet)
	router.Handle(pushPath, pushLimit(http.HandlerFunc(server.pushByGet))).Methods(http.MethodGet)
	router.Handle(pushPath, pushLimit(http.HandlerFunc(server.pushByPost))).Methods(http.MethodPost)
	router.HandleFunc(subscribePath, server.subscribeSSE).Methods(http.MethodGet)
	router.HandleFunc(websocketPath, server.subscribeWebsocket).Methods(http.MethodGet)
	router.HandleFunc(configPath, server.getTopicConfig).Methods(http.MethodGet)
	router.HandleFunc(configPath, server.setTopicConfig).Methods(http.MethodPost)
	router.HandleFunc(aboutPath, server.about).Methods(http.MethodGet)
	router.HandleFunc(healthPath, server.healthz).Methods(http.MethodGet)
	router.HandleFunc(indexPath, server.index).Methods(http.MethodGet)
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return withCORS(router)
}

func (s *httpServer) createTopic(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	_, err := s.registry.CreateTopic(r.Context(), name)
	switch {
	case err == nil:
		s.metrics.recordRequest(r.Context(), "create", "created")
		writeText(w, http.StatusOK, fmt.Sprintf("created topic'%s'", name))
	case errs.IsCode(err, errs.CodeConflict):
		s.metrics.recordRequest(r.Context(), "create", "exists")
		writeText(w, http.StatusOK, fmt.Sprintf("topic'%s' already exists", name))
	default:
		s.writeBrokerError(w, r, "create", err)
	}
}

func (s *httpServer) pushByGet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	raw := r.URL.Query().Get("message")
	s.push(w, r, name, []byte(raw))
}

func (s *httpServer) pushByPost(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	limitRequestBody(w, r)
	defer r.Body.Close()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	s.push(w, r, name, raw)
}

func (s *httpServer) push(w http.ResponseWriter, r *http.Request, name string, raw []byte) {
	msg, err := message.Decode(raw)
	if err != nil {
		s.metrics.recordRequest(r.Context(), "push", "malformed")
		writeText(w, http.StatusOK, fmt.Sprintf("failed to push to topic'%s' message'%s' due to error: %s",
			name, raw, errs.Describe(err)))
		return
	}
	pretty, err := msg.Pretty()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	created, err := s.registry.Push(r.Context(), name, msg)
	if err != nil {
		s.writeBrokerError(w, r, "push", err)
		return
	}
	s.metrics.recordRequest(r.Context(), "push", "pushed")

	reply := "message " + pretty + " was pushed to "
	if created {
		reply += "newly created "
	}
	writeText(w, http.StatusOK, reply+fmt.Sprintf("topic'%s'", name))
}

// getTopicConfig and setTopicConfig accept config requests without applying
// them; topic config is fixed when the topic is created.
func (s *httpServer) getTopicConfig(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, mux.Vars(r)["name"])
}

func (s *httpServer) setTopicConfig(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, err := decodeTopicConfig(w, r); err != nil {
		writeDecodeError(w, err)
		return
	}
	writeText(w, http.StatusOK, name)
}

func (s *httpServer) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "topics": s.registry.Len()})
}

func (s *httpServer) writeBrokerError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.metrics.recordRequest(r.Context(), op, "error")
	writeErrorE(w, err)
}

func decodeTopicConfig(w http.ResponseWriter, r *http.Request) (message.TopicConfig, error) {
	limitRequestBody(w, r)
	defer r.Body.Close()
	var cfg message.TopicConfig
	if err := decodeJSON(r.Body, &cfg); err != nil {
		return message.TopicConfig{}, err
	}
	return cfg, nil
}
