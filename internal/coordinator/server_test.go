package coordinator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SallyKAN/device-relay/internal/config"
	"github.com/SallyKAN/device-relay/internal/logger"
	"github.com/SallyKAN/device-relay/internal/types"
)

const adminToken = "admin-token"

type fakeConnector struct {
	served []string
}

func (f *fakeConnector) ServeDevice(w http.ResponseWriter, _ *http.Request, deviceID string) {
	f.served = append(f.served, deviceID)
	w.WriteHeader(http.StatusOK)
}

func newTestServer(t *testing.T) (http.Handler, *Coordinator, *fakeConnector) {
	t.Helper()
	c := newTestCoordinator(t)
	conn := &fakeConnector{}
	srv := NewServer(config.ServerConfig{Port: 0, Token: adminToken}, c, conn, logger.NewTestLogger())
	return srv.Handler(), c, conn
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func registerOverHTTP(t *testing.T, h http.Handler, info types.DeviceInfo) types.RegisterResponse {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/api/v1/devices", adminToken, info)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp types.RegisterResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func TestServer_RegisterRequiresAuth(t *testing.T) {
	h, _, _ := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/api/v1/devices", "", deviceInfo("u1", "a", types.DeviceTypeDesktop, types.DeviceCapabilities{}))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/v1/devices", "wrong", deviceInfo("u1", "a", types.DeviceTypeDesktop, types.DeviceCapabilities{}))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestServer_RegisterAndFetch(t *testing.T) {
	h, _, _ := newTestServer(t)

	resp := registerOverHTTP(t, h, deviceInfo("u1", "a", types.DeviceTypeDesktop, types.DeviceCapabilities{}))
	assert.Equal(t, "a", resp.DeviceID)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, types.RolePrimary, resp.Role)
	assert.Equal(t, 100, resp.Priority)
	assert.Equal(t, int64(1), resp.TopologyVersion)

	rr := do(t, h, http.MethodGet, "/api/v1/devices/a", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var node types.DeviceNode
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&node))
	assert.Equal(t, "u1", node.Info.UserID)

	rr = do(t, h, http.MethodGet, "/api/v1/users/u1/topology", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var topo types.DeviceTopology
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&topo))
	assert.Equal(t, "a", topo.PrimaryDevice)
}

func TestServer_RegisterInvalidDevice(t *testing.T) {
	h, _, _ := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/api/v1/devices", adminToken, deviceInfo("", "a", types.DeviceTypeDesktop, types.DeviceCapabilities{}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/v1/devices", adminToken, `{"user_id":"u1","type":"desktop","colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_NotFound(t *testing.T) {
	h, _, _ := newTestServer(t)

	rr := do(t, h, http.MethodGet, "/api/v1/users/nobody/topology", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	var body errorBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, types.CodeTopologyNotFound, body.Code)

	rr = do(t, h, http.MethodGet, "/api/v1/devices/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodDelete, "/api/v1/devices/ghost", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_RouteWithDeviceToken(t *testing.T) {
	h, _, _ := newTestServer(t)
	a := registerOverHTTP(t, h, deviceInfo("u1", "a", types.DeviceTypeDesktop, types.DeviceCapabilities{}))
	registerOverHTTP(t, h, deviceInfo("u1", "b", types.DeviceTypeMobile, types.DeviceCapabilities{}))

	rr := do(t, h, http.MethodPost, "/api/v1/route", a.Token, map[string]any{
		"from_device_id": "a",
		"to_device_id":   "b",
		"payload":        map[string]string{"text": "hello"},
		"routing":        map[string]any{"strategy": "direct"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res types.RouteResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, "b", res.DeliveredTo)
	assert.Equal(t, []string{"a", "b"}, res.Path)
}

func TestServer_DeviceTokenCannotActOnOtherUsers(t *testing.T) {
	h, c, _ := newTestServer(t)
	victim := registerOverHTTP(t, h, deviceInfo("u1", "a", types.DeviceTypeDesktop, types.DeviceCapabilities{}))
	registerOverHTTP(t, h, deviceInfo("u1", "b", types.DeviceTypeMobile, types.DeviceCapabilities{}))
	other := registerOverHTTP(t, h, deviceInfo("u2", "x", types.DeviceTypeDesktop, types.DeviceCapabilities{}))

	rr := do(t, h, http.MethodDelete, "/api/v1/devices/a", other.Token, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	_, err := c.GetDeviceNode("a")
	assert.NoError(t, err)

	rr = do(t, h, http.MethodPost, "/api/v1/devices", other.Token, deviceInfo("u1", "a", types.DeviceTypeDesktop, types.DeviceCapabilities{}))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = do(t, h, http.MethodPost, "/api/v1/devices", other.Token, deviceInfo("u2", "a", types.DeviceTypeDesktop, types.DeviceCapabilities{}))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, victim.Token, c.DeviceToken("a"))
	owner, ok := c.DeviceOwner("a")
	require.True(t, ok)
	assert.Equal(t, "u1", owner)

	rr = do(t, h, http.MethodPost, "/api/v1/devices/a/performance", other.Token, perf(99))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	node, err := c.GetDeviceNode("a")
	require.NoError(t, err)
	assert.NotEqual(t, 99.0, node.Performance.CPUUsage)

	rr = do(t, h, http.MethodPost, "/api/v1/route", other.Token, map[string]any{
		"from_device_id": "a",
		"to_device_id":   "b",
		"routing":        map[string]any{"strategy": "direct"},
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/v1/route", other.Token, map[string]any{
		"from_device_id": "x",
		"to_device_id":   "b",
		"routing":        map[string]any{"strategy": "direct"},
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/v1/discover", other.Token, types.DiscoveryRequest{UserID: "u1"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/v1/negotiations", other.Token, types.CapabilityNegotiation{
		SourceDeviceID: "a",
		TargetDeviceID: "b",
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/v1/handoffs", other.Token, types.HandoffRequest{
		FromDeviceID: "a",
		ToDeviceID:   "b",
		HandoffType:  types.HandoffManual,
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, c.HandoffHistory("u1"))
}

func TestServer_DeviceTokenActsWithinOwnUser(t *testing.T) {
	h, c, _ := newTestServer(t)
	a := registerOverHTTP(t, h, deviceInfo("u1", "a", types.DeviceTypeDesktop, types.DeviceCapabilities{}))
	registerOverHTTP(t, h, deviceInfo("u1", "b", types.DeviceTypeMobile, types.DeviceCapabilities{}))

	rr := do(t, h, http.MethodPost, "/api/v1/devices", a.Token, deviceInfo("u1", "c", types.DeviceTypeBrowser, types.DeviceCapabilities{}))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/api/v1/discover", a.Token, types.DiscoveryRequest{UserID: "u1", RequestingDeviceID: "a"})
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, h, http.MethodDelete, "/api/v1/devices/c", a.Token, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	_, err := c.GetDeviceNode("c")
	assert.Error(t, err)

	// The admin token is not scoped.
	rr = do(t, h, http.MethodDelete, "/api/v1/devices/b", adminToken, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestServer_RouteRejectsSystemSender(t *testing.T) {
	h, _, _ := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/api/v1/route", adminToken, map[string]any{
		"from_device_id": systemSender,
		"to_device_id":   "b",
		"routing":        map[string]any{"strategy": "direct"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_RouteToUnreachableDevice(t *testing.T) {
	h, c, _ := newTestServer(t)
	registerOverHTTP(t, h, deviceInfo("u1", "a", types.DeviceTypeDesktop, types.DeviceCapabilities{}))
	registerOverHTTP(t, h, deviceInfo("u1", "b", types.DeviceTypeMobile, types.DeviceCapabilities{}))
	markUnreachable(t, c, "b")

	rr := do(t, h, http.MethodPost, "/api/v1/route", adminToken, map[string]any{
		"from_device_id": "a",
		"to_device_id":   "b",
		"routing":        map[string]any{"strategy": "direct"},
	})
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	var body errorBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, types.CodeRoutingFailed, body.Code)
}

func TestServer_PerformanceUpdate(t *testing.T) {
	h, c, _ := newTestServer(t)
	a := registerOverHTTP(t, h, deviceInfo("u1", "a", types.DeviceTypeDesktop, types.DeviceCapabilities{}))

	rr := do(t, h, http.MethodPost, "/api/v1/devices/a/performance", a.Token, perf(42))
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	node, err := c.GetDeviceNode("a")
	require.NoError(t, err)
	assert.Equal(t, 42.0, node.Performance.CPUUsage)

	rr = do(t, h, http.MethodPost, "/api/v1/devices/ghost/performance", adminToken, perf(1))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_NegotiateAndHandoff(t *testing.T) {
	h, _, _ := newTestServer(t)
	registerOverHTTP(t, h, deviceInfo("u1", "a", types.DeviceTypeDesktop, types.DeviceCapabilities{SupportsNotifications: true}))
	registerOverHTTP(t, h, deviceInfo("u1", "b", types.DeviceTypeMobile, types.DeviceCapabilities{SupportsNotifications: true}))

	rr := do(t, h, http.MethodPost, "/api/v1/negotiations", adminToken, types.CapabilityNegotiation{
		SourceDeviceID: "a",
		TargetDeviceID: "b",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var neg types.NegotiationResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&neg))
	assert.Equal(t, types.NegotiationFailed, neg.Status)

	rr = do(t, h, http.MethodPost, "/api/v1/handoffs", adminToken, types.HandoffRequest{
		FromDeviceID: "a",
		ToDeviceID:   "b",
		HandoffType:  types.HandoffManual,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res types.HandoffResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.True(t, res.Success)

	rr = do(t, h, http.MethodGet, "/api/v1/users/u1/handoffs", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"successful":1`)
}

func TestServer_HandoffValidationError(t *testing.T) {
	h, _, _ := newTestServer(t)
	registerOverHTTP(t, h, deviceInfo("u1", "a", types.DeviceTypeDesktop, types.DeviceCapabilities{}))

	rr := do(t, h, http.MethodPost, "/api/v1/handoffs", adminToken, types.HandoffRequest{
		FromDeviceID: "a",
		ToDeviceID:   "a",
		HandoffType:  types.HandoffManual,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "cannot be the same")
}

func TestServer_CancelUnknownHandoff(t *testing.T) {
	h, _, _ := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/api/v1/handoffs/nope/cancel", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_DeviceSocketAuth(t *testing.T) {
	h, _, conn := newTestServer(t)
	a := registerOverHTTP(t, h, deviceInfo("u1", "a", types.DeviceTypeDesktop, types.DeviceCapabilities{}))
	b := registerOverHTTP(t, h, deviceInfo("u1", "b", types.DeviceTypeMobile, types.DeviceCapabilities{}))

	rr := do(t, h, http.MethodGet, "/api/v1/devices/a/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Another device's token does not open this socket.
	rr = do(t, h, http.MethodGet, "/api/v1/devices/a/ws", b.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/v1/devices/a/ws?token="+a.Token, "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/v1/devices/ghost/ws", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	assert.Equal(t, []string{"a"}, conn.served)
}

func TestServer_Metrics(t *testing.T) {
	h, _, _ := newTestServer(t)
	registerOverHTTP(t, h, deviceInfo("u1", "a", types.DeviceTypeDesktop, types.DeviceCapabilities{}))

	rr := do(t, h, http.MethodGet, "/api/v1/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var m types.RelayMetrics
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&m))
	assert.Equal(t, 1, m.TotalDevices)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", strings.NewReader(""))
	assert.Empty(t, bearerToken(req))
	req.Header.Set("Authorization", "bearer abc")
	assert.Equal(t, "abc", bearerToken(req))
	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, bearerToken(req))
}
