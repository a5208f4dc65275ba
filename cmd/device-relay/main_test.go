package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SallyKAN/device-relay/internal/config"
	"github.com/SallyKAN/device-relay/internal/types"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")

	out, err := run(t, "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Server.Token)
	assert.Equal(t, 9180, cfg.Server.Port)

	_, err = run(t, "init", "--config", path)
	require.Error(t, err)
	_, err = run(t, "init", "--config", path, "--force")
	require.NoError(t, err)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "device-relay dev\n", out)
}

func TestDevicesPrintsTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/u1/topology", r.URL.Path)
		json.NewEncoder(w).Encode(types.DeviceTopology{
			UserID:        "u1",
			PrimaryDevice: "laptop",
			Version:       3,
			Devices: map[string]*types.DeviceNode{
				"laptop": {Info: types.DeviceInfo{ID: "laptop", Type: types.DeviceTypeDesktop, Platform: "linux"}, Role: types.RolePrimary, Priority: 110, IsReachable: true},
				"phone":  {Info: types.DeviceInfo{ID: "phone", Type: types.DeviceTypeMobile, Platform: "ios"}, Role: types.RoleSecondary, Priority: 55},
			},
		})
	}))
	defer srv.Close()

	out, err := run(t, "devices", "u1", "--coordinator", srv.URL, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "laptop")
	assert.Contains(t, out, "phone")
	assert.Contains(t, out, "Primary: laptop (topology version 3)")
}

func TestSendReportsRoutingError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg types.RelayMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		assert.Equal(t, "laptop", msg.FromDeviceID)
		assert.JSONEq(t, `"hello"`, string(msg.Payload))
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"device phone unreachable","code":"ROUTING_FAILED"}`))
	}))
	defer srv.Close()

	_, err := run(t, "send", "laptop", "hello", "--to", "phone", "--coordinator", srv.URL)
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.CodeRoutingFailed))
}
