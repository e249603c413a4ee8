package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"innovationquest/internal/config"
	"innovationquest/pkg/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func startApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	app, err := NewApplication(cfg, quietLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, app.StartWithListener(context.Background(), ln))
	return app
}

func stopApp(t *testing.T, app *Application) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(ctx))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&config.LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("component", "test").Debug("hello")
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "test", entry["component"])

	_, err = NewLogger(&config.LogConfig{Level: "shouty", Format: "text"}, &buf)
	assert.Error(t, err)
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Backend = "tape"
	_, err := NewApplication(cfg, quietLogger())
	assert.Error(t, err)
}

func TestApplication_Lifecycle(t *testing.T) {
	app := startApp(t, nil)

	resp, err := http.Get("http://" + app.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.ErrorIs(t, app.StartWithListener(context.Background(), nil), ErrAlreadyStarted)

	ws, _, err := gorillaws.DefaultDialer.Dial("ws://"+app.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	var env types.Envelope
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, types.TypeConnectionEstablished, env.Type)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": types.TypeCreateRoom}))
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, types.TypeRoomCreated, env.Type)

	stopApp(t, app)

	// The server closed the socket on the way down.
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, app.Registry().GetStats().TotalConnections)
}

func TestApplication_StopBeforeStart(t *testing.T) {
	app, err := NewApplication(nil, quietLogger())
	require.NoError(t, err)
	assert.ErrorIs(t, app.Stop(context.Background()), ErrNotStarted)
}

func TestApplication_SQLiteStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "quest.db")
	cfg.Store.MaxConnections = 4

	app := startApp(t, cfg)
	ctx := context.Background()

	_, err := app.Store().CreateRoom(ctx, "ABC123", types.PhaseSetup, nil)
	require.NoError(t, err)

	resp, err := http.Get("http://" + app.Addr() + "/api/rooms/ABC123")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopApp(t, app)

	// Rooms survive a restart with a file database.
	reopened := startApp(t, cfg)
	defer stopApp(t, reopened)
	room, err := reopened.Store().GetRoom(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseSetup, room.Phase)
}
