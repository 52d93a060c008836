package integration

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"peermatch/pkg/types"
)

// client is one user's websocket as seen from outside the process
type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, addr, token string) *client {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", header)
	require.NoError(t, err)
	_ = resp.Body.Close()

	c := &client{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *client) send(eventType string, payload interface{}) {
	c.t.Helper()
	env, err := types.NewEnvelope(eventType, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(env))
}

func (c *client) start(category, difficulty string) {
	c.send(types.EventStartMatching, types.StartMatchingPayload{Category: category, Difficulty: difficulty})
}

// expect reads the next frame, requires its type and decodes its payload
func (c *client) expect(eventType string, into interface{}, within time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(within)))

	var env types.Envelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	require.Equal(c.t, eventType, env.Type, "payload: %s", string(env.Payload))
	if into != nil {
		require.NoError(c.t, json.Unmarshal(env.Payload, into))
	}
}

// silent asserts nothing arrives for d
func (c *client) silent(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := c.conn.ReadMessage()
	require.Error(c.t, err, "unexpected frame: %s", string(data))
}
