package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/szaher/acprelay/internal/adapters"
	"github.com/szaher/acprelay/internal/auth"
	"github.com/szaher/acprelay/internal/events"
	"github.com/szaher/acprelay/internal/options"
	"github.com/szaher/acprelay/internal/session"
	"github.com/szaher/acprelay/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP gateway in front of a session manager.
type Server struct {
	manager   *session.Manager
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	mux       *http.ServeMux
	apiKey    string
	noAuth    bool
	lockout   *auth.Lockout
	version   string
	startTime time.Time
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey sets the API key callers must present.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithNoAuth disables authentication.
func WithNoAuth(noAuth bool) ServerOption {
	return func(s *Server) { s.noAuth = noAuth }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// NewServer creates the gateway for manager.
func NewServer(manager *session.Manager, opts ...ServerOption) *Server {
	s := &Server{
		manager:   manager,
		logger:    slog.Default(),
		lockout:   auth.NewLockout(),
		version:   "dev",
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("GET /v1/sessions", s.handleList)
	mux.HandleFunc("POST /v1/sessions", s.handleEnsure)
	mux.HandleFunc("GET /v1/sessions/{key}", s.handleStatus)
	mux.HandleFunc("DELETE /v1/sessions/{key}", s.handleClose)
	mux.HandleFunc("POST /v1/sessions/{key}/turns", s.handleTurn)
	mux.HandleFunc("POST /v1/sessions/{key}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/sessions/{key}/options", s.handleGetStatus)
	mux.HandleFunc("PATCH /v1/sessions/{key}/options", s.handleUpdateOptions)
	mux.HandleFunc("DELETE /v1/sessions/{key}/options", s.handleResetOptions)
	mux.HandleFunc("PUT /v1/sessions/{key}/options/mode", s.handleSetMode)
	mux.HandleFunc("PUT /v1/sessions/{key}/options/{option}", s.handleSetOption)
	mux.HandleFunc("POST /v1/handles/cancel", s.handleCancelHandle)
	mux.HandleFunc("POST /v1/handles/close", s.handleCloseHandle)
	s.mux = mux
	return s
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mw := auth.Middleware(s.apiKey, s.noAuth, []string{"/healthz", "/metrics"}, s.lockout)
	return s.withRequestID(mw(s.mux))
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", telemetry.RequestID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	health := s.manager.Health()
	status := "healthy"
	for _, ok := range health {
		if !ok {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"uptime":   time.Since(s.startTime).Round(time.Second).String(),
		"backends": health,
		"sessions": len(s.manager.List()),
		"version":  s.version,
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": s.manager.List()})
}

type ensureRequest struct {
	SessionKey string `json:"session_key"`
	Agent      string `json:"agent"`
	Backend    string `json:"backend"`
	Mode       string `json:"mode"`
	Cwd        string `json:"cwd"`
}

func (s *Server) handleEnsure(w http.ResponseWriter, r *http.Request) {
	var req ensureRequest
	if !decode(w, r, &req) {
		return
	}
	key := strings.TrimSpace(req.SessionKey)
	if key == "" {
		if strings.TrimSpace(req.Agent) == "" {
			writeError(w, http.StatusBadRequest, adapters.FallbackSessionInitFailed, "session_key or agent is required")
			return
		}
		key = session.NewSessionKey(strings.TrimSpace(req.Agent))
	}
	st, err := s.manager.EnsureSession(r.Context(), session.EnsureRequest{
		SessionKey: key,
		Agent:      req.Agent,
		Backend:    req.Backend,
		Mode:       options.Mode(req.Mode),
		Cwd:        req.Cwd,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.Status(r.Context(), r.PathValue("key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.GetStatus(r.Context(), r.PathValue("key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type reasonRequest struct {
	Reason string `json:"reason"`
	Handle string `json:"handle,omitempty"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "closed by client"
	}
	if err := s.manager.Close(r.Context(), r.PathValue("key"), reason); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by client"
	}
	if err := s.manager.Cancel(r.Context(), r.PathValue("key"), req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelHandle(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.manager.CancelHandle(r.Context(), req.Handle, req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseHandle(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.manager.CloseHandle(r.Context(), req.Handle, req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type turnRequest struct {
	Text string `json:"text"`
}

// handleTurn streams a turn as server-sent events, one event per canonical
// event, named after its type. Disconnecting cancels the turn.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if !decode(w, r, &req) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, adapters.FallbackTurnFailed, "streaming not supported")
		return
	}

	ch, err := s.manager.RunTurn(r.Context(), session.TurnRequest{
		SessionKey: r.PathValue("key"),
		Text:       req.Text,
		RequestID:  telemetry.RequestID(r.Context()),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var id int64
	for ev := range ch {
		id++
		if err := writeSSE(w, id, ev); err != nil {
			// The client is gone; keep draining so the turn can settle.
			continue
		}
		flusher.Flush()
	}
}

// writeSSE frames ev. id counts events in arrival order; the backend's own
// seq stays in the payload.
func writeSSE(w http.ResponseWriter, id int64, ev events.Event) error {
	data, err := ev.JSON()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, ev.Type, data)
	return err
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.manager.SetRuntimeMode(r.Context(), r.PathValue("key"), req.Mode)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type optionRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSetOption(w http.ResponseWriter, r *http.Request) {
	var req optionRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.manager.SetConfigOption(r.Context(), r.PathValue("key"), r.PathValue("option"), req.Value)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpdateOptions(w http.ResponseWriter, r *http.Request) {
	var patch options.Options
	if !decode(w, r, &patch) {
		return
	}
	res, err := s.manager.UpdateRuntimeOptions(r.Context(), r.PathValue("key"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResetOptions(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.ResetRuntimeOptions(r.Context(), r.PathValue("key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// fail maps a manager error onto an HTTP status and the stable error code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	logger := telemetry.RequestLogger(s.logger, r.Context(), r.PathValue("key"), "")
	if status >= http.StatusInternalServerError {
		logger.Warn("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	fallback := adapters.FallbackOf(err)
	if errors.Is(err, session.ErrNotFound) {
		fallback = adapters.FallbackSessionNotFound
	}
	writeJSON(w, status, errorBody{
		Error:   fallback,
		Code:    string(adapters.CodeOf(err)),
		Message: err.Error(),
	})
}

func statusFor(err error) int {
	if errors.Is(err, session.ErrNotFound) {
		return http.StatusNotFound
	}
	switch adapters.FallbackOf(err) {
	case adapters.FallbackSessionNotFound:
		return http.StatusNotFound
	case adapters.FallbackSessionBusy:
		return http.StatusConflict
	case adapters.FallbackInvalidRuntimeOption:
		return http.StatusBadRequest
	case adapters.FallbackBackendUnsupportedControl:
		return http.StatusUnprocessableEntity
	case adapters.FallbackBackendUnavailable:
		return http.StatusServiceUnavailable
	}
	switch adapters.CodeOf(err) {
	case adapters.CodeUsage:
		return http.StatusBadRequest
	case adapters.CodeUnavailable:
		return http.StatusServiceUnavailable
	case adapters.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}
