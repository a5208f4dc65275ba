package coordinator

import (
	"net/http"

	"github.com/SallyKAN/device-relay/internal/types"
)

// handleRegister handles POST /api/v1/devices.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var info types.DeviceInfo
	if err := decodeJSON(w, r, &info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if c := callerFrom(r); !c.ownsUser(info.UserID) || !s.ownsDevices(c, info.ID) {
		writeForbidden(w)
		return
	}
	node, err := s.coord.RegisterDevice(r.Context(), info)
	if err != nil {
		writeCoordinationError(w, err)
		return
	}
	topo, err := s.coord.GetDeviceTopology(node.Info.UserID)
	var version int64
	if err == nil {
		version = topo.Version
	}
	writeJSON(w, http.StatusCreated, types.RegisterResponse{
		DeviceID:        node.Info.ID,
		Token:           s.coord.DeviceToken(node.Info.ID),
		Role:            node.Role,
		Priority:        node.Priority,
		TopologyVersion: version,
	})
}

// handleGetDevice handles GET /api/v1/devices/{id}.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	node, err := s.coord.GetDeviceNode(r.PathValue("id"))
	if err != nil {
		writeCoordinationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// handleUnregister handles DELETE /api/v1/devices/{id}.
func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.ownsDevices(callerFrom(r), id) {
		writeForbidden(w)
		return
	}
	if err := s.coord.UnregisterDevice(r.Context(), id); err != nil {
		writeCoordinationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePerformance handles POST /api/v1/devices/{id}/performance.
func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	var perf types.DevicePerformance
	if err := decodeJSON(w, r, &perf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := r.PathValue("id")
	if !s.ownsDevices(callerFrom(r), id) {
		writeForbidden(w)
		return
	}
	if err := s.coord.UpdateDevicePerformance(r.Context(), id, perf); err != nil {
		writeCoordinationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceSocket handles GET /api/v1/devices/{id}/ws. The device
// authenticates with its own token, as a bearer header or a token query
// parameter.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.conn == nil {
		writeError(w, http.StatusServiceUnavailable, "device transport not configured")
		return
	}
	if s.coord.registry.Node(id) == nil {
		writeError(w, http.StatusNotFound, "device not registered")
		return
	}
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" || (token != s.coord.DeviceToken(id) && (s.cfg.Token == "" || token != s.cfg.Token)) {
		writeError(w, http.StatusUnauthorized, "invalid device token")
		return
	}
	s.conn.ServeDevice(w, r, id)
}

// handleTopology handles GET /api/v1/users/{userId}/topology.
func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	topo, err := s.coord.GetDeviceTopology(r.PathValue("userId"))
	if err != nil {
		writeCoordinationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, topo)
}

// handleDiscover handles POST /api/v1/discover.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req types.DiscoveryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" && req.RequestingDeviceID == "" {
		writeError(w, http.StatusBadRequest, "user_id or requesting_device_id is required")
		return
	}
	if c := callerFrom(r); !c.ownsUser(req.UserID) || !s.ownsDevices(c, req.RequestingDeviceID) {
		writeForbidden(w)
		return
	}
	res, err := s.coord.DiscoverDevices(r.Context(), req)
	if err != nil {
		writeCoordinationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleNegotiate handles POST /api/v1/negotiations.
func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	var n types.CapabilityNegotiation
	if err := decodeJSON(w, r, &n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if n.SourceDeviceID == "" || n.TargetDeviceID == "" {
		writeError(w, http.StatusBadRequest, "source_device_id and target_device_id are required")
		return
	}
	if c := callerFrom(r); !c.ownsUser(n.UserID) || !s.ownsDevices(c, n.SourceDeviceID, n.TargetDeviceID) {
		writeForbidden(w)
		return
	}
	res, err := s.coord.NegotiateCapabilities(r.Context(), n)
	if err != nil {
		if res == nil {
			writeCoordinationError(w, err)
			return
		}
		writeJSON(w, statusFor(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleNegotiationHistory handles GET /api/v1/users/{userId}/negotiations.
func (s *Server) handleNegotiationHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	writeJSON(w, http.StatusOK, struct {
		History []types.NegotiationResult `json:"history"`
		Stats   types.NegotiationStats    `json:"stats"`
	}{
		History: s.coord.NegotiationHistory(userID),
		Stats:   s.coord.NegotiationStats(userID),
	})
}

type handoffResponse struct {
	*types.HandoffResult
	ErrorMessage string `json:"error_message,omitempty"`
}

func (s *Server) writeHandoff(w http.ResponseWriter, res *types.HandoffResult, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case res == nil:
		writeCoordinationError(w, err)
	case res.Error != nil && res.Error.Stage == types.StageValidate:
		writeJSON(w, http.StatusBadRequest, handoffResponse{HandoffResult: res, ErrorMessage: err.Error()})
	default:
		writeJSON(w, statusFor(err), handoffResponse{HandoffResult: res, ErrorMessage: err.Error()})
	}
}

func (s *Server) ownsHandoff(c caller, req types.HandoffRequest) bool {
	return c.ownsUser(req.UserID) && s.ownsDevices(c, req.FromDeviceID, req.ToDeviceID)
}

// handleHandoff handles POST /api/v1/handoffs.
func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var req types.HandoffRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.ownsHandoff(callerFrom(r), req) {
		writeForbidden(w)
		return
	}
	res, err := s.coord.InitiateHandoff(r.Context(), req)
	s.writeHandoff(w, res, err)
}

// handleRetryHandoff handles POST /api/v1/handoffs/retry. The body is the
// original request.
func (s *Server) handleRetryHandoff(w http.ResponseWriter, r *http.Request) {
	var req types.HandoffRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id of the original handoff is required")
		return
	}
	if !s.ownsHandoff(callerFrom(r), req) {
		writeForbidden(w)
		return
	}
	res, err := s.coord.RetryHandoff(r.Context(), req)
	s.writeHandoff(w, res, err)
}

// handleCancelHandoff handles POST /api/v1/handoffs/{id}/cancel.
func (s *Server) handleCancelHandoff(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, req := range s.coord.ActiveHandoffs() {
		if req.ID == id && !s.ownsHandoff(callerFrom(r), req) {
			writeForbidden(w)
			return
		}
	}
	if err := s.coord.CancelHandoff(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHandoffHistory handles GET /api/v1/users/{userId}/handoffs.
func (s *Server) handleHandoffHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	var active []types.HandoffRequest
	for _, req := range s.coord.ActiveHandoffs() {
		if req.UserID == userID {
			active = append(active, req)
		}
	}
	writeJSON(w, http.StatusOK, struct {
		History []types.HandoffResult  `json:"history"`
		Stats   types.HandoffStats     `json:"stats"`
		Active  []types.HandoffRequest `json:"active"`
	}{
		History: s.coord.HandoffHistory(userID),
		Stats:   s.coord.HandoffStats(userID),
		Active:  active,
	})
}

// handleRoute handles POST /api/v1/route.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var msg types.RelayMessage
	if err := decodeJSON(w, r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg.FromDeviceID == "" || msg.FromDeviceID == systemSender {
		writeError(w, http.StatusBadRequest, "from_device_id must name a registered device")
		return
	}
	if !s.ownsDevices(callerFrom(r), msg.FromDeviceID, msg.ToDeviceID) {
		writeForbidden(w)
		return
	}
	if msg.Type == "" {
		msg.Type = types.MessageApplication
	}
	res, err := s.coord.RouteMessage(r.Context(), &msg)
	if err != nil {
		writeCoordinationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleMetrics handles GET /api/v1/metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.GetMetrics())
}
