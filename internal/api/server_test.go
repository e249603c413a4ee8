package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"innovationquest/internal/store"
	"innovationquest/internal/websocket"
	"innovationquest/pkg/interfaces"
	"innovationquest/pkg/types"
)

type unhealthyStore struct {
	interfaces.Store
}

func (unhealthyStore) HealthCheck(ctx context.Context) error {
	return errors.New("disk on fire")
}

type fakeConn struct{ id string }

func (c *fakeConn) ID() string                   { return c.id }
func (c *fakeConn) WriteJSON(v interface{}) error { return nil }
func (c *fakeConn) Close() error                 { return nil }
func (c *fakeConn) IsOpen() bool                 { return true }

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

type fixture struct {
	server   *Server
	store    *store.MemoryStore
	registry *websocket.Registry
	room     *types.Room
}

// newFixture seeds room ABC123 with two students, one invention and one vote.
func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	registry := websocket.NewRegistry(testLogger())

	room, err := s.CreateRoom(ctx, "ABC123", types.PhaseVoting, nil)
	require.NoError(t, err)
	alice, err := s.AddStudent(ctx, room.ID, "Alice", true)
	require.NoError(t, err)
	bob, err := s.AddStudent(ctx, room.ID, "Bob", false)
	require.NoError(t, err)
	inv, err := s.AddInvention(ctx, types.InventionDraft{RoomID: room.ID, StudentID: alice.ID, Name: "Widget"})
	require.NoError(t, err)
	_, err = s.AddVote(ctx, room.ID, bob.ID, inv.ID)
	require.NoError(t, err)

	require.NoError(t, registry.Register(room.Code, &fakeConn{id: "teacher"}, true))
	require.NoError(t, registry.Register(room.Code, &fakeConn{id: "alice"}, false))

	return &fixture{
		server:   NewServer(s, registry, opts, testLogger()),
		store:    s,
		registry: registry,
		room:     room,
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestServer_HealthCheck(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	decode(t, w, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 2, resp.Connections.TotalConnections)
	assert.Equal(t, 1, resp.Connections.ActiveRooms)
}

func TestServer_HealthCheckUnhealthy(t *testing.T) {
	server := NewServer(unhealthyStore{store.NewMemoryStore()}, websocket.NewRegistry(testLogger()), Options{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp HealthResponse
	decode(t, w, &resp)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Contains(t, resp.Store, "disk on fire")
}

func TestServer_Version(t *testing.T) {
	f := newFixture(t, Options{Version: "1.2.3"})

	w := f.get(t, "/version")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "innovationquest v1.2.3\n", w.Body.String())
}

func TestServer_Stats(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.get(t, "/api/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatsResponse
	decode(t, w, &resp)
	assert.Equal(t, types.StoreStats{Rooms: 1, Students: 2, Inventions: 1, Votes: 1}, resp.Store)
	assert.Equal(t, 1, resp.Connections.Teachers)
}

func TestServer_GetRoom(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.get(t, "/api/rooms/abc123")
	require.Equal(t, http.StatusOK, w.Code)

	var resp RoomResponse
	decode(t, w, &resp)
	require.NotNil(t, resp.Room)
	assert.Equal(t, "ABC123", resp.Room.Code)
	assert.Equal(t, types.PhaseVoting, resp.Room.Phase)
	assert.Len(t, resp.Students, 2)
	assert.Equal(t, 1, resp.SubmissionCount)
	assert.Equal(t, 1, resp.VoteCount)
	assert.Equal(t, 2, resp.ConnectionCount)
	assert.True(t, resp.TeacherConnected)
}

func TestServer_RoomErrors(t *testing.T) {
	f := newFixture(t, Options{})

	tests := []struct {
		path string
		code int
	}{
		{"/api/rooms/ZZZZZZ", http.StatusNotFound},
		{"/api/rooms/bad", http.StatusBadRequest},
		{"/api/rooms/ZZZZZZ/results", http.StatusNotFound},
		{"/api/rooms/ZZZZZZ/qr", http.StatusNotFound},
		{"/api/rooms/ABC123/qr?size=big", http.StatusBadRequest},
		{"/api/nothing", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := f.get(t, tt.path)
			assert.Equal(t, tt.code, w.Code)

			var resp ErrorResponse
			decode(t, w, &resp)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestServer_ResultsRequireResultsPhase(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.get(t, "/api/rooms/ABC123/results")
	assert.Equal(t, http.StatusConflict, w.Code)

	phase := types.PhaseResults
	_, err := f.store.UpdateRoom(context.Background(), "ABC123", types.RoomUpdate{Phase: &phase})
	require.NoError(t, err)

	w = f.get(t, "/api/rooms/ABC123/results")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ResultsResponse
	decode(t, w, &resp)
	assert.Equal(t, "ABC123", resp.RoomCode)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Widget", resp.Results[0].Name)
	assert.Equal(t, 1, resp.Results[0].VoteCount)
	assert.Equal(t, "Alice", resp.Results[0].StudentNickname)
}

func TestServer_QRCode(t *testing.T) {
	f := newFixture(t, Options{})

	tests := []struct {
		query    string
		expected int
	}{
		{"", DefaultQRSize},
		{"?size=200", 200},
		{"?size=10", MinQRSize},
		{"?size=5000", MaxQRSize},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := f.get(t, "/api/rooms/ABC123/qr"+tt.query)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

			img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, img.Bounds().Dx())
		})
	}
}

func TestServer_JoinURL(t *testing.T) {
	derived := NewServer(store.NewMemoryStore(), websocket.NewRegistry(testLogger()), Options{}, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/rooms/ABC123/qr", nil)
	req.Host = "class.example:8080"
	assert.Equal(t, "http://class.example:8080/?room=ABC123", derived.JoinURL(req, "ABC123"))

	req.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://class.example:8080/?room=ABC123", derived.JoinURL(req, "ABC123"))

	configured := NewServer(store.NewMemoryStore(), websocket.NewRegistry(testLogger()), Options{PublicURL: "https://quest.school/"}, testLogger())
	assert.Equal(t, "https://quest.school/?room=ABC123", configured.JoinURL(req, "ABC123"))
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newFixture(t, Options{})

	req := httptest.NewRequest(http.MethodOptions, "/api/stats", nil)
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Handle(t *testing.T) {
	f := newFixture(t, Options{})
	f.server.Handle(http.MethodGet, "/ws", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	assert.Equal(t, http.StatusTeapot, f.get(t, "/ws").Code)
}
