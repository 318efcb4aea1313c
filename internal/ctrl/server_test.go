package ctrl

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/core"
	"main/internal/ops"
)

func startControl(t *testing.T) (*Server, *core.Engine) {
	t.Helper()

	cfg := ops.Default()
	cfg.Network.PubsubPort = 0
	cfg.Storage.Dir = t.TempDir()
	cfg.Feeds.MockEnabled = false
	cfg.Feeds.DefaultSymbols = []string{"BTCUSDT"}

	engine, err := core.NewEngine(cfg)
	require.NoError(t, err)
	require.NoError(t, engine.Start())
	t.Cleanup(engine.Stop)

	srv := NewServer("127.0.0.1:0", engine)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, engine
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := startControl(t)

	var health core.Health
	resp := getJSON(t, "http://"+srv.Addr().String()+"/health", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "ok", health.Status)
}

func TestSymbolsEndpoint(t *testing.T) {
	srv, engine := startControl(t)
	engine.Registry.GetOrAdd("BTCUSDT")

	var out struct {
		Symbols []struct {
			ID     uint32 `json:"id"`
			Symbol string `json:"symbol"`
		} `json:"symbols"`
		Count int `json:"count"`
	}
	resp := getJSON(t, "http://"+srv.Addr().String()+"/symbols", &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, uint32(1), out.Symbols[0].ID)
	assert.Equal(t, "BTCUSDT", out.Symbols[0].Symbol)
}

func TestFeedsEndpoints(t *testing.T) {
	srv, engine := startControl(t)
	base := "http://" + srv.Addr().String()

	var feeds struct {
		Feeds []struct {
			Name   string `json:"name"`
			Active bool   `json:"active"`
		} `json:"feeds"`
	}
	getJSON(t, base+"/feeds", &feeds)
	require.Len(t, feeds.Feeds, 1)
	assert.Equal(t, "mock", feeds.Feeds[0].Name)
	assert.False(t, feeds.Feeds[0].Active)

	resp := postJSON(t, base+"/feeds", map[string]any{"action": "start", "l1_rate": 100, "l2_rate": 100, "trade_rate": 100})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, engine.Feed.Running())

	resp = postJSON(t, base+"/feeds", map[string]any{"action": "stop"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, engine.Feed.Running())

	resp = postJSON(t, base+"/feeds", map[string]any{"action": "explode"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReplayEndpointValidation(t *testing.T) {
	srv, _ := startControl(t)
	base := "http://" + srv.Addr().String()

	resp := postJSON(t, base+"/replay", map[string]any{
		"action": "start", "from_ts_ns": 200, "to_ts_ns": 100,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// No recorded files in an empty data dir.
	resp = postJSON(t, base+"/replay", map[string]any{
		"action": "start", "from_ts_ns": 100, "to_ts_ns": 200,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, base+"/replay", map[string]any{"action": "stop", "session_id": "rpl_missing"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var sessions struct {
		Sessions []any `json:"sessions"`
	}
	getJSON(t, base+"/replay", &sessions)
	assert.Empty(t, sessions.Sessions)
}

func TestMetricsEndpointAndPush(t *testing.T) {
	srv, engine := startControl(t)
	base := srv.Addr().String()
	engine.Metrics.IncCounter("test_counter", 5)

	var snap struct {
		Counters map[string]uint64 `json:"counters"`
	}
	resp := getJSON(t, "http://"+base+"/metrics", &snap)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(5), snap.Counters["test_counter"])

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+base+"/ws/metrics", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var pushed struct {
		Counters map[string]uint64 `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(payload, &pushed))
	assert.Equal(t, uint64(5), pushed.Counters["test_counter"])
}
