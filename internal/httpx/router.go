package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kantinekoning/agent/internal/domain"
	"github.com/kantinekoning/agent/internal/enroll"
	"github.com/kantinekoning/agent/internal/gateway"
	"github.com/kantinekoning/agent/internal/state"
	"github.com/kantinekoning/agent/internal/ws"
)

// Identity is the device identity stamped onto outgoing registrations.
type Identity struct {
	DeviceID    string
	DeviceToken string
}

// Router exposes the state container to the presentation layer.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	state    *state.Container
	hub      *ws.Hub
	identity Identity
	upgrader websocket.Upgrader
	limiter  RateLimiter
	apiToken string
	health   func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitEnroll    = 10
	rateLimitMutation  = 60
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, container *state.Container, hub *ws.Hub, identity Identity, limiter RateLimiter, apiToken string, health func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		state:    container,
		hub:      hub,
		identity: identity,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		apiToken: strings.TrimSpace(apiToken),
		health:   health,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/state/status", r.audit(r.guarded("/state/status", rateLimitRead, rateWindowDefault, r.handleStatus)))
	r.mux.HandleFunc("/state/reset", r.audit(r.guarded("/state/reset", rateLimitMutation, rateWindowDefault, r.handleReset)))
	r.mux.HandleFunc("/state/new-enrollment", r.audit(r.guarded("/state/new-enrollment", rateLimitMutation, rateWindowDefault, r.handleNewEnrollment)))
	r.mux.HandleFunc("/enrollments", r.audit(r.guarded("/enrollments", rateLimitEnroll, rateWindowDefault, r.handleEnrollments)))
	r.mux.HandleFunc("/enrollments/", r.audit(r.guarded("/enrollments/", rateLimitMutation, rateWindowDefault, r.handleEnrollmentSubroutes)))
	r.mux.HandleFunc("/shifts", r.audit(r.guarded("/shifts", rateLimitRead, rateWindowDefault, r.handleShifts)))
	r.mux.HandleFunc("/shifts/", r.audit(r.guarded("/shifts/", rateLimitMutation, rateWindowDefault, r.handleShiftSubroutes)))
	r.mux.HandleFunc("/ws/state", r.audit(r.withRateLimit("/ws/state", rateLimitWebsocket, rateWindowRealtime, r.handleStateWS)))
}

// guarded applies the optional static bearer token and a rate limit.
func (r *Router) guarded(route string, limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return r.requireToken(r.withRateLimit(route, limit, window, next))
}

func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.apiToken == "" {
			next(w, req)
			return
		}
		token := bearerToken(req.Header.Get("Authorization"))
		if token == "" {
			token = req.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(r.apiToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, req)
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.health(ctx); err != nil {
			r.logger.Error("health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "phase": r.state.Phase()})
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.state.Status())
}

func (r *Router) handleReset(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.state.ResetAll(req.Context()); err != nil {
		r.respondStateError(w, err)
		return
	}
	writeOK(w)
}

func (r *Router) handleNewEnrollment(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	r.state.StartNewEnrollment()
	writeJSON(w, http.StatusOK, map[string]string{"phase": r.state.Phase()})
}

// enrollmentView is the read projection; bearer credentials never leave the agent.
type enrollmentView struct {
	TenantID   string   `json:"tenant_id"`
	TenantName string   `json:"tenant_name"`
	Role       string   `json:"role"`
	Email      string   `json:"email,omitempty"`
	TeamIDs    []string `json:"team_ids"`
}

func viewEnrollments(enrollments []domain.Enrollment) []enrollmentView {
	out := make([]enrollmentView, 0, len(enrollments))
	for _, e := range enrollments {
		out = append(out, enrollmentView{
			TenantID:   e.TenantID,
			TenantName: e.TenantName,
			Role:       e.Role,
			Email:      e.Email,
			TeamIDs:    e.TeamIDs,
		})
	}
	return out
}

func (r *Router) handleEnrollments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, viewEnrollments(r.state.Enrollments()))
	case http.MethodPost:
		var payload struct {
			TenantSlug string   `json:"tenant_slug"`
			TeamCodes  []string `json:"team_codes"`
			Email      string   `json:"email"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if payload.TenantSlug == "" || len(payload.TeamCodes) == 0 {
			writeError(w, http.StatusBadRequest, "tenant_slug and team_codes are required")
			return
		}
		input := gateway.RegisterInput{
			DeviceID:    r.identity.DeviceID,
			DeviceToken: r.identity.DeviceToken,
			TenantSlug:  payload.TenantSlug,
			TeamCodes:   payload.TeamCodes,
			Email:       payload.Email,
		}
		if err := r.state.Enroll(req.Context(), input); err != nil {
			r.respondStateError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, viewEnrollments(r.state.Enrollments()))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleEnrollmentSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/enrollments/"), "/")
	if rest == "" {
		r.notFound(w)
		return
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && parts[0] == "confirmed" && req.Method == http.MethodPost:
		r.handleConfirmedEnrollment(w, req)
	case len(parts) == 1 && req.Method == http.MethodDelete:
		if err := r.state.RemoveTenant(req.Context(), parts[0]); err != nil {
			r.respondStateError(w, err)
			return
		}
		writeOK(w)
	case len(parts) == 3 && parts[1] == "teams" && req.Method == http.MethodDelete:
		if err := r.state.RemoveTeam(req.Context(), parts[0], parts[2]); err != nil {
			r.respondStateError(w, err)
			return
		}
		writeOK(w)
	default:
		r.notFound(w)
	}
}

// handleConfirmedEnrollment accepts a registration result the presentation
// layer already obtained, e.g. via an email confirmation deep link.
func (r *Router) handleConfirmedEnrollment(w http.ResponseWriter, req *http.Request) {
	var candidate domain.Enrollment
	if err := json.NewDecoder(req.Body).Decode(&candidate); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if candidate.TenantID == "" || len(candidate.TeamIDs) == 0 || candidate.SignedDeviceToken == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, team_ids and signed_device_token are required")
		return
	}
	if candidate.Role == "" {
		candidate.Role = domain.RoleManager
	}
	if candidate.DeviceID == "" {
		candidate.DeviceID = r.identity.DeviceID
	}
	if err := r.state.ApplyEnrollmentResult(req.Context(), candidate); err != nil {
		r.respondStateError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewEnrollments(r.state.Enrollments()))
}

func (r *Router) handleShifts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.state.Shifts())
}

func (r *Router) handleShiftSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/shifts/"), "/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && parts[0] == "refresh" && req.Method == http.MethodPost:
		if err := r.state.RefreshShifts(req.Context()); err != nil {
			r.respondStateError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, r.state.Shifts())
	case len(parts) == 2 && parts[1] == "volunteers" && req.Method == http.MethodPost:
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil || strings.TrimSpace(payload.Name) == "" {
			writeError(w, http.StatusBadRequest, "volunteer name is required")
			return
		}
		updated, err := r.state.AddVolunteer(req.Context(), parts[0], strings.TrimSpace(payload.Name))
		if err != nil {
			r.respondStateError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case len(parts) == 3 && parts[1] == "volunteers" && req.Method == http.MethodDelete:
		updated, err := r.state.RemoveVolunteer(req.Context(), parts[0], parts[2])
		if err != nil {
			r.respondStateError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleStateWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	topic := strings.TrimSpace(req.URL.Query().Get("tenant"))
	if topic == "" {
		topic = ws.TopicAll
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	defer r.hub.Unregister(topic, client)

	// Drain control frames until the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// respondStateError maps typed container/gateway errors onto HTTP statuses.
// Raw backend details are logged, not shown.
func (r *Router) respondStateError(w http.ResponseWriter, err error) {
	var apiErr gateway.APIError
	switch {
	case errors.Is(err, enroll.ErrTeamCapExceeded):
		writeError(w, http.StatusConflict, "maximum number of followed teams reached")
	case errors.Is(err, state.ErrAuthMissing):
		writeError(w, http.StatusUnauthorized, "no manager authorization for this team")
	case errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, gateway.ErrMalformedResponse):
		r.logger.Error("backend returned malformed response", "error", err)
		writeError(w, http.StatusBadGateway, "invalid response from backend")
	case errors.Is(err, gateway.ErrNetwork):
		r.logger.Warn("backend unreachable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "backend unreachable, try again")
	case errors.As(err, &apiErr):
		r.logger.Warn("backend rejected request", "status", apiErr.Status, "message", apiErr.Message)
		writeError(w, http.StatusBadGateway, "backend rejected the request")
	default:
		r.logger.Error("operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(p)
	s.bytes += n
	return n, err
}

// Hijack lets the websocket upgrade reach the underlying connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)
	}
}

func routeLabel(path string) string {
	segments := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	if len(segments) == 0 || segments[0] == "" {
		return "/"
	}
	return "/" + segments[0]
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
