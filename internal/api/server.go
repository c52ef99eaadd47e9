// Package api is the HTTP surface of the relay: health and metrics, the
// device pull endpoints, operator command endpoints and the app socket.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/markus-barta/carrelay/internal/auth"
	"github.com/markus-barta/carrelay/internal/command"
	"github.com/markus-barta/carrelay/internal/relay"
	"github.com/markus-barta/carrelay/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// History is the read side of the store used by the reporting endpoints.
type History interface {
	ListCommands(ctx context.Context, f store.CommandFilter) ([]*command.Command, int, error)
	CommandStats(ctx context.Context) (*store.CommandStats, error)
	ListEvents(ctx context.Context, f store.EventFilter) ([]store.Event, int, error)
}

// Server routes HTTP requests to the relay.
type Server struct {
	log      zerolog.Logger
	relay    *relay.Relay
	history  History
	verifier *auth.Verifier
	gate     *auth.DeviceGate
	version  string
	router   *chi.Mux
}

// New creates the HTTP server and its routes.
func New(log zerolog.Logger, rl *relay.Relay, history History, verifier *auth.Verifier, gate *auth.DeviceGate, version string) *Server {
	s := &Server{
		log:      log.With().Str("component", "api").Logger(),
		relay:    rl,
		history:  history,
		verifier: verifier,
		gate:     gate,
		version:  version,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/device/status", s.handleDeviceStatus)
	r.Post("/api/device/ping", s.handlePing)

	// Car controller (pull fallback)
	r.Group(func(r chi.Router) {
		r.Use(s.requireDevice)

		r.Get("/api/commands/latest", s.handleLatestCommand)
		r.Post("/api/commands/executed", s.handleCommandExecuted)
		r.Post("/api/device/sensor", s.handleSensorUpload)
	})

	// Operators
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/ws", s.handleAppSocket)

		// Commands
		r.With(s.requireAccess).Post("/api/commands/send", s.handleSendCommand)
		r.Post("/api/commands/emergency-stop", s.handleEmergencyStop) // no access check
		r.Get("/api/commands/history", s.handleCommandHistory)

		// Device
		r.With(s.requireAccess).Post("/api/device/mode", s.handleChangeMode)
		r.Get("/api/device/battery", s.handleBattery)

		// Audit log
		r.Get("/api/logs/user", s.handleOwnLogs)

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Get("/api/commands/stats", s.handleCommandStats)
			r.Get("/api/device/stats", s.handleRelayStats)
			r.Post("/api/device/notification", s.handleNotification)
			r.Get("/api/logs", s.handleLogs)
		})
	})

	s.router = r
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// ═══════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ═══════════════════════════════════════════════════════════════════════════

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth resolves the operator from a bearer token. The app socket may
// pass the token as ?token= since browsers cannot set headers on upgrade.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			s.jsonError(w, "Access token required", http.StatusUnauthorized)
			return
		}

		op, err := s.verifier.Parse(token)
		if err != nil {
			s.log.Debug().Err(err).Str("ip", r.RemoteAddr).Msg("rejected token")
			s.jsonError(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithOperator(r.Context(), op)))
	})
}

// requireAccess admits operators allowed to drive the car.
func (s *Server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, ok := auth.OperatorFromContext(r.Context())
		if !ok || !op.CanCommand() {
			s.jsonError(w, "Access denied. Contact an administrator to grant access.", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin admits admins only.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, ok := auth.OperatorFromContext(r.Context())
		if !ok || !op.IsAdmin() {
			s.jsonError(w, "Admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireDevice checks the shared device token when one is configured.
func (s *Server) requireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Device-Token")
		if token == "" {
			token = bearerToken(r)
		}
		if !s.gate.Allow(token) {
			s.log.Warn().Str("ip", r.RemoteAddr).Msg("device request with bad token")
			s.jsonError(w, "Invalid device token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

// source describes the request for the audit log.
func source(r *http.Request) relay.Source {
	return relay.Source{
		Channel:    "http",
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("failed to write response")
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.writeJSON(w, status, map[string]any{"success": false, "message": message})
}

// parseIntLimit parses a string to an int with bounds checking.
func parseIntLimit(v string, lo, hi, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < lo {
		n = lo
	}
	if n > hi {
		n = hi
	}
	return n
}

// page reads ?page= and ?limit= into an offset and limit.
func page(r *http.Request, defLimit, maxLimit int) (pageNum, limit, offset int) {
	q := r.URL.Query()
	limit = parseIntLimit(q.Get("limit"), 1, maxLimit, defLimit)
	pageNum = parseIntLimit(q.Get("page"), 1, 1<<20, 1)
	return pageNum, limit, (pageNum - 1) * limit
}

func pagination(total, pageNum, limit int) map[string]int {
	return map[string]int{
		"total": total,
		"page":  pageNum,
		"limit": limit,
		"pages": (total + limit - 1) / limit,
	}
}

func since(r *http.Request) time.Time {
	v := r.URL.Query().Get("since")
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
