package events

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amiable-dev/llm-council/internal/council"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestDefaultWebSocketConfig(t *testing.T) {
	cfg := DefaultWebSocketConfig()
	assert.Equal(t, 1024, cfg.ReadBufferSize)
	assert.Equal(t, 1024, cfg.WriteBufferSize)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
}

func TestStreamServer_CheckOrigin(t *testing.T) {
	bus := NewBus(DefaultBusConfig(), testLogger())

	t.Run("allow all when origins list empty", func(t *testing.T) {
		s := NewStreamServer(WebSocketConfig{}, bus, testLogger())
		req := httptest.NewRequest("GET", "/stream/q1", nil)
		req.Header.Set("Origin", "https://anywhere.example")
		assert.True(t, s.checkOrigin(req))
	})

	t.Run("wildcard allows any origin", func(t *testing.T) {
		s := NewStreamServer(WebSocketConfig{AllowedOrigins: []string{"*"}}, bus, testLogger())
		req := httptest.NewRequest("GET", "/stream/q1", nil)
		req.Header.Set("Origin", "https://anywhere.example")
		assert.True(t, s.checkOrigin(req))
	})

	t.Run("rejects unlisted origin", func(t *testing.T) {
		s := NewStreamServer(WebSocketConfig{AllowedOrigins: []string{"https://dashboard.example"}}, bus, testLogger())
		req := httptest.NewRequest("GET", "/stream/q1", nil)
		req.Header.Set("Origin", "https://attacker.example")
		assert.False(t, s.checkOrigin(req))
	})

	t.Run("accepts listed origin case-insensitively", func(t *testing.T) {
		s := NewStreamServer(WebSocketConfig{AllowedOrigins: []string{"https://Dashboard.example"}}, bus, testLogger())
		req := httptest.NewRequest("GET", "/stream/q1", nil)
		req.Header.Set("Origin", "https://dashboard.example")
		assert.True(t, s.checkOrigin(req))
	})
}

func TestStreamServer_ServeQuery_RelaysEvents(t *testing.T) {
	bus := NewBus(DefaultBusConfig(), testLogger())
	srv := NewStreamServer(DefaultWebSocketConfig(), bus, testLogger())

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.ServeQuery(w, r, "q-1")
	}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Subscribe is synchronous inside ServeQuery, but the dial handshake
	// races the goroutine serving it; give it a moment before publishing.
	time.Sleep(20 * time.Millisecond)

	bus.Publish(&council.LayerEvent{Type: council.EventCouncilStarted, QueryID: "q-1", SeqNum: 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got council.LayerEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, council.EventCouncilStarted, got.Type)
	assert.Equal(t, "q-1", got.QueryID)
}

func TestStreamServer_ServeQuery_IgnoresOtherQueries(t *testing.T) {
	bus := NewBus(DefaultBusConfig(), testLogger())
	srv := NewStreamServer(DefaultWebSocketConfig(), bus, testLogger())

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.ServeQuery(w, r, "q-mine")
	}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)

	bus.Publish(&council.LayerEvent{Type: council.EventCouncilStarted, QueryID: "q-other", SeqNum: 1})
	bus.Publish(&council.LayerEvent{Type: council.EventCouncilCompleted, QueryID: "q-mine", SeqNum: 2})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got council.LayerEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "q-mine", got.QueryID)
	assert.Equal(t, council.EventCouncilCompleted, got.Type)
}
