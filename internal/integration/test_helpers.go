// Package integration drives a running server over real WebSocket
// connections.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"innovationquest/internal/app"
	"innovationquest/internal/config"
	"innovationquest/pkg/types"
)

const readTimeout = 3 * time.Second

// StartServer runs an application on a random local port and stops it when
// the test ends.
func StartServer(t *testing.T, mutate func(*config.Config)) *app.Application {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	application, err := app.NewApplication(cfg, logger)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, application.StartWithListener(context.Background(), ln))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return application
}

// Client is a test WebSocket client.
type Client struct {
	t    *testing.T
	conn *gorillaws.Conn
}

// Dial connects to the server and consumes the connection_established greeting.
func Dial(t *testing.T, application *app.Application) *Client {
	t.Helper()
	conn, _, err := gorillaws.DefaultDialer.Dial("ws://"+application.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &Client{t: t, conn: conn}
	c.Expect(types.TypeConnectionEstablished, nil)
	return c
}

func (c *Client) Send(msgType string, data interface{}) {
	c.t.Helper()
	env := map[string]interface{}{"type": msgType}
	if data != nil {
		env["data"] = data
	}
	require.NoError(c.t, c.conn.WriteJSON(env))
}

func (c *Client) SendRaw(raw string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(gorillaws.TextMessage, []byte(raw)))
}

// Next reads the next envelope.
func (c *Client) Next() types.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var env types.Envelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	return env
}

// Expect requires the next message to be of msgType and decodes its data
// into out when out is not nil.
func (c *Client) Expect(msgType string, out interface{}) {
	c.t.Helper()
	env := c.Next()
	require.Equal(c.t, msgType, env.Type, "data: %s", string(env.Data))
	if out != nil {
		require.NoError(c.t, json.Unmarshal(env.Data, out))
	}
}

// ExpectError requires the next message to be an error and returns its text.
func (c *Client) ExpectError() string {
	c.t.Helper()
	var msg types.ErrorMessage
	c.Expect(types.TypeError, &msg)
	return msg.Message
}

// ExpectSilence requires that nothing arrives within d.
func (c *Client) ExpectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := c.conn.ReadMessage()
	require.Error(c.t, err, "unexpected message: %s", string(data))
}

func (c *Client) Close() {
	_ = c.conn.Close()
}

// OpenRoom creates a room and returns the teacher client and room code.
func OpenRoom(t *testing.T, application *app.Application) (*Client, string) {
	t.Helper()
	teacher := Dial(t, application)
	teacher.Send(types.TypeCreateRoom, nil)

	var created types.RoomCreated
	teacher.Expect(types.TypeRoomCreated, &created)
	return teacher, created.RoomCode
}

// Join adds a student and consumes the teacher's roster update.
func Join(t *testing.T, application *app.Application, teacher *Client, code, nickname string) (*Client, types.JoinedRoom) {
	t.Helper()
	student := Dial(t, application)
	student.Send(types.TypeJoinRoom, map[string]string{"roomCode": code, "nickname": nickname})

	var joined types.JoinedRoom
	student.Expect(types.TypeJoinedRoom, &joined)
	teacher.Expect(types.TypeStudentsUpdated, nil)
	return student, joined
}
