package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/callsession"
	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/failure"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/persona"
	"github.com/ent0n29/callrelay/internal/recording"
	"github.com/ent0n29/callrelay/internal/relay"
)

// CallPlacer places outbound calls through the carrier.
type CallPlacer interface {
	Configured() bool
	Place(ctx context.Context, to string, streamParams map[string]string) (string, error)
}

// Observer attaches sideband legs to calls running elsewhere.
type Observer interface {
	Observe(req relay.ObserveRequest) error
}

// Deps are the collaborators shared by every request. Relay carries the
// session store, persona catalog and recorder registry used by the
// handlers as well as by each media relay.
type Deps struct {
	Relay    relay.Config
	Observer Observer
	Placer   CallPlacer
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

type Server struct {
	cfg       config.Config
	relayCfg  relay.Config
	sessions  callsession.Store
	personas  *persona.Catalog
	recorders *recording.Registry
	observer  Observer
	placer    CallPlacer
	logger    *zap.Logger
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader

	// ctx outlives individual requests; media relays stop when it is cancelled.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := deps.Relay
	if rc.Sessions == nil {
		rc.Sessions = callsession.NewInMemoryStore()
	}
	if rc.Recorders == nil {
		rc.Recorders = recording.NewRegistry(recording.RegistryConfig{
			Storage: recording.NewFileStorage(cfg.RecordingsDir),
			Logger:  logger,
			Metrics: deps.Metrics,
		})
	}
	if rc.Logger == nil {
		rc.Logger = logger
	}
	if rc.Metrics == nil {
		rc.Metrics = deps.Metrics
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		relayCfg:  rc,
		sessions:  rc.Sessions,
		personas:  rc.Personas,
		recorders: rc.Recorders,
		observer:  deps.Observer,
		placer:    deps.Placer,
		logger:    logger,
		metrics:   deps.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// The carrier never sends an Origin header.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// Close stops every media relay still running. Hijacked websocket
// connections are not tracked by http.Server.Shutdown.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/calls", s.handlePlaceCall)
	r.Post("/v1/calls/incoming", s.handleIncomingCall)
	r.Post("/v1/calls/{id}/session", s.handleRegisterSession)
	r.Post("/v1/calls/{id}/recording/start", s.handleStartRecording)
	r.Post("/v1/calls/{id}/recording/stop", s.handleStopRecording)
	r.Get("/v1/media-stream", s.handleMediaStream)
	r.Post("/v1/webrtc/observe", s.handleObserve)

	r.Get("/v1/recordings", s.handleListRecordings)
	r.Get("/v1/recordings/active", s.handleActiveRecordings)
	r.Get("/v1/recordings/{name}", s.handleGetRecording)
	r.Delete("/v1/recordings/{name}", s.handleDeleteRecording)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	var personas []string
	if s.personas != nil {
		personas = s.personas.Personas()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":               "ready",
		"personas":             personas,
		"session_store":        s.sessionStoreMode(),
		"recording_storage":    s.recordingStorageMode(),
		"telephony_configured": s.placer != nil && s.placer.Configured(),
		"upstream_configured":  strings.TrimSpace(s.cfg.OpenAIAPIKey) != "",
	})
}

func (s *Server) sessionStoreMode() string {
	switch s.sessions.(type) {
	case *callsession.PostgresStore:
		return "postgres"
	case *callsession.InMemoryStore:
		return "in-memory"
	default:
		return "custom"
	}
}

func (s *Server) recordingStorageMode() string {
	switch s.recorders.Storage().(type) {
	case *recording.S3Storage:
		return "s3"
	case *recording.FileStorage:
		return "file"
	default:
		return "custom"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondFailure maps classified failures to their HTTP status and falls
// back to status/code for everything else.
func (s *Server) respondFailure(w http.ResponseWriter, err error, status int, code string) {
	kind := failure.KindOf(err)
	switch kind {
	case failure.KindConfiguration:
		status, code = http.StatusServiceUnavailable, "configuration_error"
	case failure.KindPersistence:
		status, code = http.StatusInternalServerError, "persistence_error"
	}
	s.metrics.ObserveError(string(kind))
	respondError(w, status, code, err.Error())
}
