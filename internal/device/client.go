// Package device implements the agent a device runs to join a relay
// coordinator: registration, the message socket and performance reports.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SallyKAN/device-relay/internal/types"
)

// maxResponseBody bounds what the client reads from a single response.
const maxResponseBody = 4 << 20

// Client talks to the coordinator's HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	dialer  *websocket.Dialer
}

// NewClient creates a client for the coordinator at baseURL. token is sent
// as a bearer token on every request.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// SetToken replaces the bearer token, e.g. with a device token after
// registration.
func (c *Client) SetToken(token string) { c.token = token }

// errorResponse covers both plain error bodies and failed handoff results,
// whose "error" field is an object.
type errorResponse struct {
	Error        json.RawMessage `json:"error"`
	Code         types.ErrorCode `json:"code"`
	ErrorMessage string          `json:"error_message"`
}

func decodeError(status int, body []byte) error {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return fmt.Errorf("coordinator returned %d: %s", status, strings.TrimSpace(string(body)))
	}
	msg := er.ErrorMessage
	code := er.Code
	if len(er.Error) > 0 {
		var s string
		if json.Unmarshal(er.Error, &s) == nil {
			if msg == "" {
				msg = s
			}
		} else {
			var he types.HandoffError
			if json.Unmarshal(er.Error, &he) == nil {
				if code == "" {
					code = he.Code
				}
				if msg == "" {
					msg = he.Message
				}
			}
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if code == "" {
		code = types.CodeUnknown
	}
	return &types.CoordinationError{Code: code, Message: fmt.Sprintf("coordinator returned %d: %s", status, msg)}
}

// do sends in as JSON and decodes the response into out. On an error
// status the body is still decoded into out when possible, so callers get
// partial results such as a failed handoff.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if out != nil {
			json.Unmarshal(data, out)
		}
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Register registers info with the coordinator.
func (c *Client) Register(ctx context.Context, info types.DeviceInfo) (*types.RegisterResponse, error) {
	var resp types.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/devices", info, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Unregister removes the device from its topology.
func (c *Client) Unregister(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/devices/"+url.PathEscape(deviceID), nil, nil)
}

// ReportPerformance posts a performance sample.
func (c *Client) ReportPerformance(ctx context.Context, deviceID string, perf types.DevicePerformance) error {
	return c.do(ctx, http.MethodPost, "/api/v1/devices/"+url.PathEscape(deviceID)+"/performance", perf, nil)
}

// Device fetches a registered device.
func (c *Client) Device(ctx context.Context, deviceID string) (*types.DeviceNode, error) {
	var node types.DeviceNode
	if err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+url.PathEscape(deviceID), nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// Topology fetches a user's device topology.
func (c *Client) Topology(ctx context.Context, userID string) (*types.DeviceTopology, error) {
	var topo types.DeviceTopology
	if err := c.do(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(userID)+"/topology", nil, &topo); err != nil {
		return nil, err
	}
	return &topo, nil
}

// Route asks the coordinator to route msg.
func (c *Client) Route(ctx context.Context, msg *types.RelayMessage) (*types.RouteResult, error) {
	var res types.RouteResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/route", msg, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Discover runs a discovery request.
func (c *Client) Discover(ctx context.Context, req types.DiscoveryRequest) (*types.DiscoveryResult, error) {
	var res types.DiscoveryResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/discover", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Negotiate runs a capability negotiation. A failed negotiation returns
// its result along with the error.
func (c *Client) Negotiate(ctx context.Context, n types.CapabilityNegotiation) (*types.NegotiationResult, error) {
	var res types.NegotiationResult
	err := c.do(ctx, http.MethodPost, "/api/v1/negotiations", n, &res)
	if err != nil && res.NegotiationID == "" {
		return nil, err
	}
	return &res, err
}

// Handoff initiates a handoff. A failed handoff returns its result along
// with the error.
func (c *Client) Handoff(ctx context.Context, req types.HandoffRequest) (*types.HandoffResult, error) {
	var res types.HandoffResult
	err := c.do(ctx, http.MethodPost, "/api/v1/handoffs", req, &res)
	if err != nil && res.RequestID == "" {
		return nil, err
	}
	return &res, err
}

// Metrics fetches the relay counters.
func (c *Client) Metrics(ctx context.Context) (*types.RelayMetrics, error) {
	var m types.RelayMetrics
	if err := c.do(ctx, http.MethodGet, "/api/v1/metrics", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Ping measures the round trip of a metrics request.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.do(ctx, http.MethodGet, "/api/v1/metrics", nil, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Dial opens the device's message socket.
func (c *Client) Dial(ctx context.Context, deviceID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing coordinator url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/devices/" + url.PathEscape(deviceID) + "/ws"

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
			return nil, decodeError(resp.StatusCode, data)
		}
		return nil, fmt.Errorf("dialing coordinator: %w", err)
	}
	return conn, nil
}
