package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwgprojects/schlopping/internal/signaling"
	"github.com/hwgprojects/schlopping/internal/testutil/testlog"
)

func startServer(t *testing.T, ready func(context.Context) error) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	log := testlog.New(t)
	hub := signaling.NewHub(nil, log)
	go hub.Run(ctx)
	srv := httptest.NewServer(newRouter(hub, ready, log))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func TestHealthz(t *testing.T) {
	srv := startServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	down := startServer(t, func(context.Context) error { return errors.New("redis down") })
	resp, err = http.Get(down.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRouter_RelaysOnBothPaths(t *testing.T) {
	srv := startServer(t, nil)
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	sub, _, err := websocket.DefaultDialer.Dial(base+"/ws", nil)
	require.NoError(t, err)
	defer sub.Close()
	pub, _, err := websocket.DefaultDialer.Dial(base+"/", nil)
	require.NoError(t, err)
	defer pub.Close()

	write := func(c *websocket.Conn, m signaling.Message) {
		raw, err := signaling.Encode(m)
		require.NoError(t, err)
		require.NoError(t, c.WriteMessage(websocket.TextMessage, raw))
	}
	write(sub, signaling.Message{Type: signaling.TypeSubscribe, Topics: []string{"camping-weekend"}})
	// The pong proves the subscribe was handled.
	write(sub, signaling.Message{Type: signaling.TypePing})
	require.NoError(t, sub.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := sub.ReadMessage()
	require.NoError(t, err)
	pong, err := signaling.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, signaling.TypePong, pong.Type)

	write(pub, signaling.Message{Type: signaling.TypePublish, Topic: "camping-weekend", Data: []byte(`{"peer":"p1"}`)})
	_, raw, err = sub.ReadMessage()
	require.NoError(t, err)
	got, err := signaling.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, signaling.TypePublish, got.Type)
	assert.JSONEq(t, `{"peer":"p1"}`, string(got.Data))
}

func TestRootCommandFlags(t *testing.T) {
	t.Setenv(envAddr, ":9999")
	cmd := newRootCommand()
	addr := cmd.Flags().Lookup("addr")
	require.NotNil(t, addr)
	assert.Equal(t, ":9999", addr.DefValue)
	require.NotNil(t, cmd.Flags().Lookup("redis-addr"))
}
