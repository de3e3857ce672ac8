package web_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/protei/datagate/pkg/config"
	"github.com/protei/datagate/pkg/data"
	"github.com/protei/datagate/pkg/data/random"
	"github.com/protei/datagate/pkg/scheme"
	"github.com/protei/datagate/pkg/web"
)

// noCOVModule wraps the random module but reports COV as unsupported,
// standing in for SNMP/Modbus in the websocket subscription tests.
type noCOVModule struct {
	*random.Module
	name string
}

func (m *noCOVModule) Name() string { return m.name }

func (m *noCOVModule) RegisterCOV(context.Context, string, string, data.COVCallback) (bool, error) {
	return false, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *data.Controller) {
	t.Helper()

	randomModule := random.New(zerolog.Nop())
	snmpLike := &noCOVModule{Module: random.New(zerolog.Nop()), name: "snmp"}
	controller := data.NewController(randomModule, snmpLike)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(`
schemes_dir: /tmp/schemes
scheme:
  - scheme_id: s1
    scheme_name: First
    svg_path: s1.svg
`), &cfg))
	resolver, err := scheme.NewResolver(&cfg)
	require.NoError(t, err)

	srv := web.New(web.Config{
		Logger:     zerolog.Nop(),
		Controller: controller,
		Resolver:   resolver,
		Renderer:   scheme.NewRenderer(zerolog.Nop(), resolver),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, controller
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func postJSON(t *testing.T, url, payload string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestRandomRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	status, body := postJSON(t, ts.URL+"/data/random", `{"t::int::0::10": "7"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "7", body["t::int::0::10"])

	status, body = getJSON(t, ts.URL+"/data/random?data_id=t%3A%3Aint%3A%3A0%3A%3A10")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "7", body["t::int::0::10"])
}

func TestGetDataEmptyIDList(t *testing.T) {
	ts, _ := newTestServer(t)

	status, body := getJSON(t, ts.URL+"/data/random")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "No id to get", body["detail"])
}

func TestPostDataEmptyBody(t *testing.T) {
	ts, _ := newTestServer(t)

	status, body := postJSON(t, ts.URL+"/data/random", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "No data to set", body["detail"])
}

func TestPostDataMalformedBody(t *testing.T) {
	ts, _ := newTestServer(t)

	status, body := postJSON(t, ts.URL+"/data/random", `not json`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid message", body["detail"])
}

func TestUnknownModule(t *testing.T) {
	ts, _ := newTestServer(t)

	status, _ := getJSON(t, ts.URL+"/data/nosuch?data_id=x")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestInvalidIdIsClientError(t *testing.T) {
	ts, _ := newTestServer(t)

	status, _ := getJSON(t, ts.URL+"/data/random?data_id=t%3A%3Afloat%3A%3Aabc")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestIndexListsSchemes(t *testing.T) {
	ts, _ := newTestServer(t)

	status, body := getJSON(t, ts.URL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"s1"}, body["schemes"])
}

func TestSchemeNotFoundIs404(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/schemes/nosuch")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func dialWS(t *testing.T, ts *httptest.Server, module string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + module
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var body map[string]any
	require.NoError(t, conn.ReadJSON(&body))
	return body
}

func TestWebSocketGet(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts, "random")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"command": "set", "data": map[string]string{"p1": "3"},
	}))
	assert.Equal(t, "3", readFrame(t, conn)["p1"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"command": "get", "data_ids": []string{"p1"},
	}))
	assert.Equal(t, "3", readFrame(t, conn)["p1"])
}

func TestWebSocketCOVSubscribeAndNotify(t *testing.T) {
	ts, controller := newTestServer(t)
	conn := dialWS(t, ts, "random")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"command": "cov", "data_ids": []string{"p1"},
	}))
	reply := readFrame(t, conn)
	assert.Equal(t, float64(200), reply["status"])
	assert.Equal(t, "Subscribed", reply["detail"])

	// A write through the controller must push a notification frame.
	_, err := controller.SetValues(context.Background(), "random", map[string]string{"p1": "9"})
	require.NoError(t, err)
	assert.Equal(t, "9", readFrame(t, conn)["p1"])
}

func TestWebSocketCOVUnsupportedModule(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts, "snmp")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"command": "cov", "data_ids": []string{"pub::1.3.6.1.2.1.1.1.0"},
	}))
	reply := readFrame(t, conn)
	assert.Equal(t, float64(403), reply["status"])
	assert.Equal(t, "Module does not support COV messages", reply["detail"])
}

func TestWebSocketUnknownCommand(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts, "random")

	require.NoError(t, conn.WriteJSON(map[string]any{"command": "frobnicate"}))
	reply := readFrame(t, conn)
	assert.Equal(t, float64(400), reply["status"])
	assert.Equal(t, "Invalid command 'frobnicate'", reply["detail"])
}

func TestWebSocketMalformedFrame(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts, "random")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	reply := readFrame(t, conn)
	assert.Equal(t, float64(400), reply["status"])
	assert.Equal(t, "Invalid message", reply["detail"])
}

// recordingModule wraps the random module and records every RemoveCOV
// call, so the disconnect-cleanup contract is directly observable.
type recordingModule struct {
	*random.Module

	mu      sync.Mutex
	removed []string
}

func (m *recordingModule) Name() string { return "rec" }

func (m *recordingModule) RemoveCOV(ctx context.Context, id, subscriberID string) error {
	m.mu.Lock()
	m.removed = append(m.removed, id)
	m.mu.Unlock()
	return m.Module.RemoveCOV(ctx, id, subscriberID)
}

func (m *recordingModule) removedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

func TestWebSocketDisconnectRemovesSubscriptions(t *testing.T) {
	rec := &recordingModule{Module: random.New(zerolog.Nop())}
	controller := data.NewController(rec)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte("schemes_dir: /tmp/schemes\n"), &cfg))
	resolver, err := scheme.NewResolver(&cfg)
	require.NoError(t, err)

	srv := web.New(web.Config{
		Logger:     zerolog.Nop(),
		Controller: controller,
		Resolver:   resolver,
		Renderer:   scheme.NewRenderer(zerolog.Nop(), resolver),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dialWS(t, ts, "rec")
	require.NoError(t, conn.WriteJSON(map[string]any{
		"command": "cov", "data_ids": []string{"p1", "p2"},
	}))
	readFrame(t, conn)
	readFrame(t, conn)

	conn.Close()

	require.Eventually(t, func() bool {
		return len(rec.removedIDs()) == 2
	}, 2*time.Second, 20*time.Millisecond)
	assert.ElementsMatch(t, []string{"p1", "p2"}, rec.removedIDs())
}
