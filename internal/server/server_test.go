package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"profmon-sim-go/internal/catalog"
	"profmon-sim-go/internal/channels"
	"profmon-sim-go/internal/processing"
)

const device = "YAGS:IN20:241"

func newTestServer(t *testing.T) (*Server, *processing.Table, *channels.Table) {
	t.Helper()
	cat := catalog.New([]catalog.Screen{{
		ElementName: "YAG01",
		DeviceName:  device,
		Props:       []string{device + ":N_OF_COL", device + ":N_OF_ROW"},
		Values:      []float64{3, 2, 8, 0, 0, 0, 0, 0, 0, 0, 1, 1},
	}})
	table := processing.NewTable(cat)
	chans := channels.New()
	g, _ := cat.Lookup(device)
	require.NoError(t, chans.RegisterDevice(g))

	srv := New(Deps{
		Table:       table,
		Channels:    chans,
		Status:      func() map[string]any { return map[string]any{"metrics": map[string]any{"cycles": 4}} },
		Config:      func() map[string]any { return map[string]any{"mode": "smooth"} },
		SnapshotDir: t.TempDir(),
	})
	return srv, table, chans
}

func get(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthConfigStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := get(t, srv, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get(t, srv, http.MethodGet, "/config")
	var cfg map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, "smooth", cfg["mode"])

	rec = get(t, srv, http.MethodGet, "/status")
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	metrics := status["metrics"].(map[string]any)
	assert.Equal(t, 4.0, metrics["cycles"])
	assert.Equal(t, 0.0, metrics["ws_clients"])
}

func TestDevicesAndImages(t *testing.T) {
	srv, table, _ := newTestServer(t)

	rec := get(t, srv, http.MethodGet, "/devices")
	var summaries []processing.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.False(t, summaries[0].HasImage)

	rec = get(t, srv, http.MethodGet, "/devices/"+device+"/image")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = get(t, srv, http.MethodGet, "/devices/NOPE/image")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.True(t, table.Update(device, []uint16{0, 1, 2, 3, 4, 255}, 2))

	rec = get(t, srv, http.MethodGet, "/devices/"+device)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary processing.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.True(t, summary.HasImage)
	assert.Equal(t, uint64(2), summary.Cycle)

	rec = get(t, srv, http.MethodGet, "/devices/"+device+"/image")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-Image-Width"))
	body := rec.Body.Bytes()
	require.Len(t, body, 12)
	assert.Equal(t, uint16(255), binary.LittleEndian.Uint16(body[10:]))

	rec = get(t, srv, http.MethodGet, "/devices/"+device+"/image?format=json")
	var img struct {
		Width  int      `json:"width"`
		Pixels []uint16 `json:"pixels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &img))
	assert.Equal(t, 3, img.Width)
	assert.Equal(t, []uint16{0, 1, 2, 3, 4, 255}, img.Pixels)

	rec = get(t, srv, http.MethodGet, "/devices/"+device+"/image.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	decoded, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 2, decoded.Bounds().Dy())
}

func TestImagePNGStatusMatchesBody(t *testing.T) {
	srv, table, _ := newTestServer(t)

	rec := get(t, srv, http.MethodGet, "/devices/"+device+"/image.png")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEqual(t, "image/png", rec.Header().Get("Content-Type"))

	require.True(t, table.Update(device, []uint16{10, 20, 30, 40, 50, 60}, 1))
	rec = get(t, srv, http.MethodGet, "/devices/"+device+"/image.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	decoded, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 3, decoded.Bounds().Dx())
	r, _, _, _ := decoded.At(2, 1).RGBA()
	assert.Equal(t, uint32(60)*0x101, r)
}

func TestSaveWritesSnapshotAndBumpsChannel(t *testing.T) {
	srv, table, chans := newTestServer(t)
	require.True(t, table.Update(device, make([]uint16, 6), 1))

	rec := get(t, srv, http.MethodPost, "/devices/"+device+"/save")
	require.Equal(t, http.StatusCreated, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	path := payload["path"].(string)
	_, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, 1.0, payload["saved"])

	v, _ := chans.Get(device + ":SAVE_IMG")
	assert.Equal(t, 1.0, v.Data)
}

func TestChannels(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := get(t, srv, http.MethodGet, "/channels")
	var names []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &names))
	assert.Contains(t, names, device+":N_OF_COL")

	rec = get(t, srv, http.MethodGet, "/channels/"+device+":Acquisition")
	require.Equal(t, http.StatusOK, rec.Code)
	var v map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "Acquire", v["value"])

	rec = get(t, srv, http.MethodGet, "/channels/NOPE")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebsocketHelloSnapshotAndBroadcast(t *testing.T) {
	srv, table, _ := newTestServer(t)
	require.True(t, table.Update(device, make([]uint16, 6), 1))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages := make(chan any, 1)
	go srv.broadcast(ctx, messages)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "config", hello["type"])
	assert.Equal(t, 1, srv.clientCount())

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "snapshot_request"}))
	var snap map[string]any
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "snapshot", snap["type"])
	assert.Len(t, snap["devices"], 1)

	messages <- map[string]any{"type": "cycle", "cycle": 9}
	var update map[string]any
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "cycle", update["type"])
	assert.Equal(t, 9.0, update["cycle"])
}
