package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pingcap-incubator/tinymesh/config"
	"github.com/pingcap-incubator/tinymesh/host"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap-incubator/tinymesh/service/inventory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*host.Host, *httptest.Server) {
	cfg := config.NewConfig()
	require.NoError(t, cfg.Adjust(nil))
	h := host.NewHost(cfg, NewHandler)
	_, err := h.Build(9800, []config.GatewayAddress{{Host: "127.0.0.1", Port: 9900}})
	require.NoError(t, err)
	h.Register(inventory.ServiceName, inventory.NewStore(nil).Factory())
	srv := httptest.NewServer(NewHandler(h))
	t.Cleanup(srv.Close)
	return h, srv
}

func doRequest(t *testing.T, method, url string, out interface{}) *http.Response {
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestLocks(t *testing.T) {
	h, srv := newTestServer(t)
	require.NoError(t, h.Center().TryLock(context.Background(), "tx1", "inventory/apple", 0))

	var keys []protocol.LockedKey
	resp := doRequest(t, "GET", srv.URL+"/api/v1/locks", &keys)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, keys, 1)
	assert.Equal(t, "inventory/apple", keys[0].Key)

	var result protocol.UnlockKeyResult
	resp = doRequest(t, "DELETE", srv.URL+"/api/v1/locks?key=inventory/apple", &result)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, result.Released)
	assert.Empty(t, h.Locker().GetAllLockedKeys())

	resp = doRequest(t, "DELETE", srv.URL+"/api/v1/locks", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "input", resp.Header.Get(errorCodeHeader))
}

func TestTransactions(t *testing.T) {
	h, srv := newTestServer(t)
	require.NoError(t, h.Center().TryLock(context.Background(), "tx1", "k", 0))

	var ids []string
	doRequest(t, "GET", srv.URL+"/api/v1/transactions", &ids)
	assert.Equal(t, []string{"tx1"}, ids)

	var info struct {
		ID       string   `json:"id"`
		HeldKeys []string `json:"heldKeys"`
	}
	doRequest(t, "GET", srv.URL+"/api/v1/transactions/tx1", &info)
	assert.Equal(t, []string{"k"}, info.HeldKeys)

	resp := doRequest(t, "GET", srv.URL+"/api/v1/transactions/tx2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var result protocol.FinalizeResult
	resp = doRequest(t, "POST", srv.URL+"/api/v1/transactions/tx1/rollback", &result)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, result.Found)
	assert.Empty(t, h.Center().GetOpenTransactionIDs())

	doRequest(t, "POST", srv.URL+"/api/v1/transactions/never/commit", &result)
	assert.False(t, result.Found)
}

func TestServices(t *testing.T) {
	h, srv := newTestServer(t)

	resp := doRequest(t, "POST", srv.URL+"/api/v1/services/"+inventory.ServiceName+"/disable", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var services []protocol.ServiceInfo
	doRequest(t, "GET", srv.URL+"/api/v1/services", &services)
	require.Len(t, services, 1)
	assert.False(t, services[0].Enabled)
	assert.Len(t, services[0].Methods, 3)
	assert.False(t, h.Services()[0].Enabled)

	resp = doRequest(t, "POST", srv.URL+"/api/v1/services/Orders/enable", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	h, srv := newTestServer(t)

	var status Status
	resp := doRequest(t, "GET", srv.URL+"/api/v1/status", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, h.ID(), status.ID)
	require.Len(t, status.Gateways, 1)
	assert.True(t, status.Gateways[0].IsMaster)

	// Not running, so no gateway is connected.
	resp = doRequest(t, "GET", srv.URL+"/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var states map[string]string
	doRequest(t, "GET", srv.URL+"/api/v1/gateways", &states)
	assert.Equal(t, map[string]string{"127.0.0.1:9900": "disconnected"}, states)

	var version Version
	doRequest(t, "GET", srv.URL+"/api/v1/version", &version)
	assert.Equal(t, protocol.Version.String(), version.ProtocolVersion)

	resp = doRequest(t, "GET", srv.URL+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = doRequest(t, "GET", srv.URL+pingAPI, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
