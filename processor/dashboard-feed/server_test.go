package dashboardfeed

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/v2icoord/commlog"
	"github.com/c360studio/v2icoord/engine"
	"github.com/c360studio/v2icoord/model"
)

var hq = model.Location{Lat: 40.7128, Lng: -74.0060}

func newServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	eng := engine.New(engine.DefaultConfig())
	srv, err := NewServer(DefaultConfig(), eng, nil)
	require.NoError(t, err)
	return srv, eng
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"no connections", func(c *Config) { c.MaxConnections = 0 }, true},
		{"negative entries", func(c *Config) { c.SnapshotEntries = -1 }, true},
		{"no buffer", func(c *Config) { c.ClientBuffer = 0 }, true},
		{"no write timeout", func(c *Config) { c.WriteTimeout = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.Equal(t, tt.wantErr, cfg.Validate() != nil)
		})
	}
}

func TestNewServerRequiresEngine(t *testing.T) {
	_, err := NewServer(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

func TestSnapshotEndpoint(t *testing.T) {
	srv, eng := newServer(t)
	for _, id := range []string{"A", "B", "C"} {
		_, err := eng.RegisterVehicle(context.Background(), id, "car", hq)
		require.NoError(t, err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/snapshot?entries=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap engine.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Len(t, snap.Vehicles, 3)
	require.Len(t, snap.Log, 2)
	assert.Equal(t, "C", snap.Log[1].EntityID)

	bad, err := http.Get(ts.URL + "/snapshot?entries=-3")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["clients"])
}

func TestWebsocketStream(t *testing.T) {
	srv, eng := newServer(t)
	_, err := eng.RegisterVehicle(context.Background(), "EARLY", "car", hq)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first Message
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, MessageSnapshot, first.Type)
	require.NotNil(t, first.Snapshot)
	assert.Len(t, first.Snapshot.Vehicles, 1)
	assert.Equal(t, int64(1), eng.Metrics().DashboardClients.Load())

	_, err = eng.RegisterVehicle(context.Background(), "LIVE", "bus", hq)
	require.NoError(t, err)

	var next Message
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, MessageEntry, next.Type)
	require.NotNil(t, next.Entry)
	assert.Equal(t, "LIVE", next.Entry.EntityID)
	assert.Equal(t, commlog.EventVehicleRegistration, next.Entry.EventType)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestBroadcastDropsForSlowClients(t *testing.T) {
	srv, eng := newServer(t)
	slow := &client{send: make(chan []byte, 2), done: make(chan struct{})}
	require.NoError(t, srv.attach(slow))

	srv.broadcast(commlog.Entry{EventType: commlog.EventAlertBroadcast, EntityID: commlog.SystemEntity})
	srv.broadcast(commlog.Entry{EventType: commlog.EventAlertBroadcast, EntityID: commlog.SystemEntity})

	assert.Len(t, slow.send, 2)
	assert.Equal(t, uint64(1), eng.Metrics().DashboardDropped.Load())

	srv.unregister(slow)
	srv.unregister(slow)
	assert.Equal(t, int64(0), eng.Metrics().DashboardClients.Load())
	assert.Equal(t, 0, srv.Clients())
}

func TestAttachQueuesSnapshotBeforeEntries(t *testing.T) {
	srv, eng := newServer(t)
	_, err := eng.RegisterVehicle(context.Background(), "CAR-1", "car", hq)
	require.NoError(t, err)

	c := &client{send: make(chan []byte, 4), done: make(chan struct{})}
	require.NoError(t, srv.attach(c))
	assert.Equal(t, 1, srv.Clients())
	assert.Equal(t, int64(1), eng.Metrics().DashboardClients.Load())

	// Logged after attach, so it must follow the snapshot
	srv.broadcast(commlog.Entry{EventType: commlog.EventAlertBroadcast, EntityID: commlog.SystemEntity, Message: "later"})

	require.Len(t, c.send, 2)
	var first, second Message
	require.NoError(t, json.Unmarshal(<-c.send, &first))
	require.NoError(t, json.Unmarshal(<-c.send, &second))

	assert.Equal(t, MessageSnapshot, first.Type)
	require.NotNil(t, first.Snapshot)
	assert.Len(t, first.Snapshot.Vehicles, 1)
	assert.Equal(t, MessageEntry, second.Type)
	require.NotNil(t, second.Entry)
	assert.Equal(t, "later", second.Entry.Message)

	srv.unregister(c)
	assert.Equal(t, 0, srv.Clients())
}
