package events

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketConfig controls the upgrader an operator dashboard connects
// through to watch a session's LayerEvent stream live, as an alternative
// transport to the deliberate endpoint's own SSE framing.
type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	AllowedOrigins  []string
	WriteTimeout    time.Duration
}

// DefaultWebSocketConfig matches common gin-fronted proxy buffer sizes.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		WriteTimeout:    10 * time.Second,
	}
}

// StreamServer upgrades HTTP connections to WebSocket and forwards one
// query's bus events to each connected watcher until the subscriber closes.
type StreamServer struct {
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
	bus      *Bus
	log      *logrus.Logger
}

// NewStreamServer builds a StreamServer that upgrades requests and relays
// events published on bus.
func NewStreamServer(cfg WebSocketConfig, bus *Bus, log *logrus.Logger) *StreamServer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &StreamServer{cfg: cfg, bus: bus, log: log}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *StreamServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeQuery upgrades w/r and streams queryID's events as JSON text frames
// until the event stream closes or a write to the connection fails.
func (s *StreamServer) ServeQuery(w http.ResponseWriter, r *http.Request, queryID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("events: websocket upgrade failed")
		return
	}
	defer conn.Close()

	subID := "ws:" + queryID + ":" + r.RemoteAddr
	sub := s.bus.Subscribe(subID, queryID, nil)
	defer s.bus.Unsubscribe(subID)

	for event := range sub.Channel {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := conn.WriteJSON(event); err != nil {
			s.log.WithError(err).Debug("events: websocket write failed, closing")
			return
		}
	}
}
