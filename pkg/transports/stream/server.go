// Package stream exposes the orchestrator over HTTP: a small JSON API for
// project and phase operations, and a websocket endpoint that bridges the
// ordered log stream to live clients.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FlexiInc/sirpi-gcp/pkg/engine"
	"github.com/FlexiInc/sirpi-gcp/pkg/logstream"
	"github.com/FlexiInc/sirpi-gcp/pkg/stores"
	"github.com/FlexiInc/sirpi-gcp/pkg/telemetry"
)

// writeWait bounds a single websocket write.
const writeWait = 10 * time.Second

// Engine is the orchestrator surface the server exposes.
type Engine interface {
	CreateProject(ctx context.Context, name, repoURL, provider, region string) (*stores.Project, error)
	Generate(ctx context.Context, projectID string) (*stores.Generation, error)
	StartPhase(ctx context.Context, projectID string, phase stores.Phase) (*stores.DeploymentAction, error)
	Cancel(ctx context.Context, actionID string) error
	GetStatus(ctx context.Context, projectID string) (*engine.Status, error)
	StreamLogs(ctx context.Context, actionID string) (<-chan logstream.Event, error)
}

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// ReadTimeout and WriteTimeout guard non-websocket requests.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Server serves the JSON API and the log websocket.
type Server struct {
	engine   Engine
	metrics  *telemetry.Metrics
	log      *telemetry.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	http     *http.Server
}

// NewServer wires the routes.
func NewServer(cfg Config, eng Engine, metrics *telemetry.Metrics, log *telemetry.Logger) *Server {
	s := &Server{
		engine:  eng,
		metrics: metrics,
		log:     log.NewComponentLogger("http"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	s.mux.HandleFunc("POST /api/projects/{id}/generate", s.handleGenerate)
	s.mux.HandleFunc("GET /api/projects/{id}/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/projects/{id}/phases/{phase}", s.handleStartPhase)
	s.mux.HandleFunc("POST /api/actions/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /api/actions/{id}/logs", s.handleLogs)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the route mux, used by tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.http.Addr).Info("http server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains connections and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createProjectRequest struct {
	Name     string `json:"name"`
	RepoURL  string `json:"repo_url"`
	Provider string `json:"provider"`
	Region   string `json:"region"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	project, err := s.engine.CreateProject(r.Context(), req.Name, req.RepoURL, req.Provider, req.Region)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	generation, err := s.engine.Generate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, generation)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStartPhase(w http.ResponseWriter, r *http.Request) {
	phase := stores.Phase(r.PathValue("phase"))
	action, err := s.engine.StartPhase(r.Context(), r.PathValue("id"), phase)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, action)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// logFrame is one websocket message on the log endpoint.
type logFrame struct {
	Type      string `json:"type"` // "line" or "end"
	Seq       int64  `json:"seq,omitempty"`
	Stream    string `json:"stream,omitempty"`
	Timestamp string `json:"ts,omitempty"`
	Text      string `json:"text,omitempty"`
}

// handleLogs upgrades to a websocket and forwards the action's ordered
// log events: full history first, then live lines, then an end frame.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	actionID := r.PathValue("id")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := s.engine.StreamLogs(ctx, actionID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Reads are discarded; a read error means the client went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		var frame logFrame
		if ev.End {
			frame = logFrame{Type: "end"}
		} else {
			frame = logFrame{
				Type:      "line",
				Seq:       ev.Line.Seq,
				Stream:    string(ev.Line.Stream),
				Timestamp: ev.Line.Timestamp.UTC().Format(time.RFC3339Nano),
				Text:      ev.Line.Text,
			}
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
		if ev.End {
			break
		}
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
}

// writeEngineError maps a classified engine error to an HTTP status.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch engine.ClassOf(err) {
	case engine.ErrorClassValidation:
		status = http.StatusBadRequest
	case engine.ErrorClassNotFound:
		status = http.StatusNotFound
	case engine.ErrorClassConflict:
		status = http.StatusConflict
	case engine.ErrorClassCredential:
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
