// Package httpapi is the thin external HTTP surface (component J) over the
// orchestrator core. Handlers do nothing but decode requests, call into
// voltaic, and encode the result — all business logic stays in the root
// package.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/nevindra/voltaic"
	"github.com/nevindra/voltaic/sensor"
)

// discardHandler is a slog.Handler that drops every record, mirroring the
// core package's nopLogger default.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

var nopLogger = slog.New(discardHandler{})

// Server wires every manager built at startup into a routable mux.
type Server struct {
	registry     *voltaic.Registry
	orchestrator *voltaic.Orchestrator
	training     *voltaic.TrainingSessionManager
	automated    *voltaic.AutomatedPredictManager
	summaries    *voltaic.TrainingSummaryStore
	health       *voltaic.HealthProber
	logger       *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger threads l through the server; unset, the server logs nothing.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer builds a Server over the given components.
func NewServer(
	registry *voltaic.Registry,
	orchestrator *voltaic.Orchestrator,
	training *voltaic.TrainingSessionManager,
	automated *voltaic.AutomatedPredictManager,
	summaries *voltaic.TrainingSummaryStore,
	health *voltaic.HealthProber,
	opts ...ServerOption,
) *Server {
	s := &Server{
		registry:     registry,
		orchestrator: orchestrator,
		training:     training,
		automated:    automated,
		summaries:    summaries,
		health:       health,
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the mux. Separated from NewServer so tests can mount it
// over httptest.NewServer without also standing up a *http.Server.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/predict", s.method(http.MethodPost, s.handlePredict))
	mux.HandleFunc("/train/start", s.method(http.MethodPost, s.handleStartTraining))
	mux.HandleFunc("/train/batch", s.method(http.MethodPost, s.handleSendBatch))
	mux.HandleFunc("/train/finish", s.method(http.MethodPost, s.handleFinishTraining))
	mux.HandleFunc("/trainingCompleted", s.method(http.MethodPost, s.handleTrainingCompleted))
	mux.HandleFunc("/trainingCompleted/recent", s.method(http.MethodGet, s.handleRecentSummaries))

	mux.HandleFunc("/automated-predicts/session", s.method(http.MethodPost, s.handleStartAutomatedSession))
	mux.HandleFunc("/automated-predicts/session/{id}", s.method(http.MethodPost, s.handleUploadAutomatedSession))
	mux.HandleFunc("/automated-predicts/session/{id}/zip", s.method(http.MethodGet, s.handleFinalizeAutomatedSession))

	mux.HandleFunc("/health", s.method(http.MethodGet, s.handleHealth))

	mux.HandleFunc("/config/nodes", s.handleNodesCollection)
	mux.HandleFunc("/config/nodes/{key}", s.handleNodeItem)

	return mux
}

// method wraps h so that any verb but the one expected yields a uniform 405.
func (s *Server) method(verb string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != verb {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("httpapi: encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps a *voltaic.Error's Code to an HTTP status. This is
// the one place in the repo allowed to know that mapping — the core never
// imports net/http.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var verr *voltaic.Error
	if !errors.As(err, &verr) {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch verr.Code {
	case voltaic.CodeBadRequest:
		s.writeError(w, http.StatusBadRequest, verr.Message)
	case voltaic.CodeNoModelsEnabled:
		s.writeError(w, http.StatusServiceUnavailable, verr.Message)
	case voltaic.CodeNodeUnreachable:
		s.writeError(w, http.StatusBadGateway, verr.Message)
	case voltaic.CodeNodeProtocol:
		s.writeError(w, http.StatusBadGateway, verr.Message)
	case voltaic.CodeParse:
		s.writeError(w, http.StatusBadRequest, verr.Message)
	case voltaic.CodeSessionNotFound:
		s.writeError(w, http.StatusNotFound, verr.Message)
	case voltaic.CodeTie:
		s.writeError(w, http.StatusConflict, verr.Message)
	default:
		s.writeError(w, http.StatusInternalServerError, verr.Message)
	}
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req voltaic.PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed json body")
		return
	}
	if len(req.Discharges) == 0 {
		s.writeError(w, http.StatusBadRequest, "discharges must contain at least one entry")
		return
	}

	result, err := s.orchestrator.Predict(r.Context(), req.Discharges[0])
	if err != nil {
		s.logger.Error("predict dispatch failed", "discharge.id", req.Discharges[0].ID, "error", err)
		s.writeDomainError(w, err)
		return
	}
	s.logger.Debug("predict dispatch completed", "discharge.id", req.Discharges[0].ID, "vote.decision", result.Vote.Decision)
	// A tied or undecided vote is reported as 409 at the transport boundary
	// even though the core always hands back Decision=nil rather than an
	// error — the vote itself succeeded, there is simply no majority.
	if result.Vote.Decision == nil {
		s.writeJSON(w, http.StatusConflict, result)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type startTrainingBody struct {
	TotalDischarges int  `json:"totalDischarges"`
	AutoFinish      bool `json:"autoFinish"`
}

func (s *Server) handleStartTraining(w http.ResponseWriter, r *http.Request) {
	var body startTrainingBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed json body")
		return
	}
	result, err := s.training.StartSession(r.Context(), body.TotalDischarges, body.AutoFinish)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSendBatch(w http.ResponseWriter, r *http.Request) {
	var req voltaic.TrainingBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed json body")
		return
	}
	result, err := s.training.SendBatch(r.Context(), req.Discharges)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFinishTraining(w http.ResponseWriter, r *http.Request) {
	if err := s.training.FinishTraining(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"state": string(s.training.State())})
}

func (s *Server) handleTrainingCompleted(w http.ResponseWriter, r *http.Request) {
	var summary voltaic.TrainingSummary
	if err := json.NewDecoder(r.Body).Decode(&summary); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed json body")
		return
	}
	if err := s.summaries.Record(summary); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (s *Server) handleRecentSummaries(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.summaries.Get())
}

func (s *Server) handleStartAutomatedSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.automated.Start()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

// handleUploadAutomatedSession accepts a multipart form: one or more sensor
// text files under the "files" field, a "dischargeId" field, and optional
// "justificationThreshold"/"countThreshold" fields.
func (s *Server) handleUploadAutomatedSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed multipart form")
		return
	}

	dischargeID := r.FormValue("dischargeId")
	if dischargeID == "" {
		s.writeError(w, http.StatusBadRequest, "dischargeId is required")
		return
	}

	thresholds := voltaic.Thresholds{Count: 1}
	if v := r.FormValue("justificationThreshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "justificationThreshold must be a number")
			return
		}
		thresholds.Justification = f
	}
	if v := r.FormValue("countThreshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "countThreshold must be an integer")
			return
		}
		thresholds.Count = n
	}

	formFiles := r.MultipartForm.File["files"]
	if len(formFiles) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one sensor file is required")
		return
	}
	files := make([]sensor.File, 0, len(formFiles))
	for _, fh := range formFiles {
		f, err := fh.Open()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "could not read uploaded file")
			return
		}
		content := make([]byte, fh.Size)
		if _, err := io.ReadFull(f, content); err != nil {
			f.Close()
			s.writeError(w, http.StatusBadRequest, "could not read uploaded file")
			return
		}
		f.Close()
		files = append(files, sensor.File{Name: fh.Filename, Content: content})
	}

	result, err := s.automated.Upload(r.Context(), id, files, dischargeID, thresholds)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFinalizeAutomatedSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.zip"`)
	if err := s.automated.Finalize(id, w); err != nil {
		// Headers may already be flushed once streaming starts; best effort.
		s.writeDomainError(w, err)
		return
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.health.Check(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleNodesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		nodes, err := s.registry.List(r.Context())
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, nodes)
	case http.MethodPost:
		var node voltaic.NodeDescriptor
		if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
			s.writeError(w, http.StatusBadRequest, "malformed json body")
			return
		}
		if err := s.registry.Upsert(r.Context(), node); err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, node)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleNodeItem(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	switch r.Method {
	case http.MethodGet:
		node, ok, err := s.registry.Get(r.Context(), key)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		if !ok {
			s.writeError(w, http.StatusNotFound, "unknown node")
			return
		}
		s.writeJSON(w, http.StatusOK, node)
	case http.MethodPatch:
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "malformed json body")
			return
		}
		if err := s.registry.SetEnabled(r.Context(), key, body.Enabled); err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	case http.MethodDelete:
		if err := s.registry.Delete(r.Context(), key); err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
