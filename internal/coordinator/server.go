package coordinator

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/SallyKAN/device-relay/internal/config"
	"github.com/SallyKAN/device-relay/internal/types"
)

const maxRequestBody = 1 << 20 // 1 MB

// Connector upgrades an authenticated device connection to the relay
// transport.
type Connector interface {
	ServeDevice(w http.ResponseWriter, r *http.Request, deviceID string)
}

// Server is the coordinator HTTP server.
type Server struct {
	cfg   config.ServerConfig
	coord *Coordinator
	conn  Connector
	log   zerolog.Logger
	http  *http.Server
}

// NewServer creates a coordinator server. conn may be nil, in which case
// device connections are refused.
func NewServer(cfg config.ServerConfig, coord *Coordinator, conn Connector, log zerolog.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		coord: coord,
		conn:  conn,
		log:   log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/devices", s.requireAuth(s.handleRegister))
	mux.HandleFunc("GET /api/v1/devices/{id}", s.handleGetDevice)
	mux.HandleFunc("DELETE /api/v1/devices/{id}", s.requireAuth(s.handleUnregister))
	mux.HandleFunc("POST /api/v1/devices/{id}/performance", s.requireAuth(s.handlePerformance))
	mux.HandleFunc("GET /api/v1/devices/{id}/ws", s.handleDeviceSocket)
	mux.HandleFunc("GET /api/v1/users/{userId}/topology", s.handleTopology)

	mux.HandleFunc("POST /api/v1/discover", s.requireAuth(s.handleDiscover))
	mux.HandleFunc("POST /api/v1/negotiations", s.requireAuth(s.handleNegotiate))
	mux.HandleFunc("GET /api/v1/users/{userId}/negotiations", s.handleNegotiationHistory)
	mux.HandleFunc("POST /api/v1/handoffs", s.requireAuth(s.handleHandoff))
	mux.HandleFunc("POST /api/v1/handoffs/retry", s.requireAuth(s.handleRetryHandoff))
	mux.HandleFunc("POST /api/v1/handoffs/{id}/cancel", s.requireAuth(s.handleCancelHandoff))
	mux.HandleFunc("GET /api/v1/users/{userId}/handoffs", s.handleHandoffHistory)

	mux.HandleFunc("POST /api/v1/route", s.requireAuth(s.handleRoute))
	mux.HandleFunc("GET /api/v1/metrics", s.handleMetrics)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.recoverMiddleware(s.requestLogger(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler returns the root handler, including middleware.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", s.http.Addr).Msg("Coordinator listening")
	return s.http.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return auth[len(prefix):]
}

// caller is the principal behind an authenticated request. A device
// caller may only act on devices and data of its own user.
type caller struct {
	admin    bool
	deviceID string
	userID   string
}

type callerKey struct{}

func callerFrom(r *http.Request) caller {
	c, ok := r.Context().Value(callerKey{}).(caller)
	if !ok {
		return caller{admin: true}
	}
	return c
}

// requireAuth wraps a handler to enforce Bearer token auth on mutating endpoints.
// Accepts the coordinator admin token or any valid per-device token; the
// latter is scoped to the device's user.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing or invalid authorization header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1 {
			next(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller{admin: true})))
			return
		}
		deviceID, ok := s.coord.TokenDevice(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		userID, ok := s.coord.DeviceOwner(deviceID)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		c := caller{deviceID: deviceID, userID: userID}
		next(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	}
}

// ownsUser reports whether the caller may act for userID. An empty userID
// is left for the handler to resolve from the devices involved.
func (c caller) ownsUser(userID string) bool {
	return c.admin || userID == "" || userID == c.userID
}

// ownsDevices reports whether every named device that is registered belongs
// to the caller's user. Unknown devices pass so the coordinator reports
// them with its own error code.
func (s *Server) ownsDevices(c caller, deviceIDs ...string) bool {
	if c.admin {
		return true
	}
	for _, id := range deviceIDs {
		if id == "" {
			continue
		}
		if owner, ok := s.coord.DeviceOwner(id); ok && owner != c.userID {
			return false
		}
	}
	return true
}

func writeForbidden(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, "device token is not authorized for this resource")
}

// decodeJSON reads a JSON body with size limit and strict field checking.
// It rejects requests with trailing data after the JSON value.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

// recoverMiddleware catches panics and returns 500 instead of crashing.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				s.log.Error().Interface("panic", rv).Str("path", r.URL.Path).Msg("Handler panicked")
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs method, path, and duration for each request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	})
}

// statusFor maps a coordination error to an HTTP status.
func statusFor(err error) int {
	switch {
	case types.HasCode(err, types.CodeDeviceNotFound), types.HasCode(err, types.CodeTopologyNotFound):
		return http.StatusNotFound
	case types.HasCode(err, types.CodeDeviceUnreachable):
		return http.StatusBadGateway
	case types.HasCode(err, types.CodeInvalidRoutingPath),
		types.HasCode(err, types.CodeRegistrationFailed),
		types.HasCode(err, types.CodeMessageExpired):
		return http.StatusBadRequest
	case types.HasCode(err, types.CodeCapabilityMismatch):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string          `json:"error"`
	Code  types.ErrorCode `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeCoordinationError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error(), Code: types.CodeOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
