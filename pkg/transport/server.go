package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaystone/nostrd/pkg/broadcast"
	"github.com/relaystone/nostrd/pkg/config"
	"github.com/relaystone/nostrd/pkg/extension"
	"github.com/relaystone/nostrd/pkg/relay"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 70 * time.Second
	pingInterval = 55 * time.Second
)

// Server terminates websocket connections and speaks the wire protocol on
// behalf of the relay core.
type Server struct {
	relay    *relay.Relay
	ext      *extension.Registry
	info     config.Info
	maxFrame int64
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func NewServer(r *relay.Relay, ext *extension.Registry, cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		relay:    r,
		ext:      ext,
		info:     cfg.Info,
		maxFrame: cfg.Limits.MaxWSMessageBytes,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// relays are public endpoints
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*websocket.Conn),
	}
	r.SetOverflowHandler(s.kick)
	return s
}

// ServeHTTP serves the websocket endpoint and the relay information
// document on the same path.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}
	if websocket.IsWebSocketUpgrade(req) {
		ws, err := s.upgrader.Upgrade(w, req, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "err", err)
			return
		}
		go s.handleConn(ws)
		return
	}
	if strings.Contains(req.Header.Get("Accept"), "application/nostr+json") {
		w.Header().Set("Content-Type", "application/nostr+json")
		_ = json.NewEncoder(w).Encode(BuildRelayInfo(s.info, s.ext))
		return
	}
	_, _ = w.Write([]byte("Please use a Nostr client to connect.\n"))
}

// kick force-closes a connection flagged as a slow reader.
func (s *Server) kick(connID string) {
	s.mu.Lock()
	ws := s.conns[connID]
	s.mu.Unlock()
	if ws != nil {
		s.logger.Info("shedding slow reader", "conn", shortID(connID))
		_ = ws.Close()
	}
}

// handleConn runs one client connection: a read loop feeding the relay
// facade and a write pump draining outbound frames. The relay's bounded
// delivery buffer is the only queue between commit and the wire.
func (s *Server) handleConn(ws *websocket.Conn) {
	connID, deliveries := s.relay.OpenConnection()
	cid := shortID(connID)
	s.logger.Info("new connection", "conn", cid, "remote", ws.RemoteAddr().String())

	s.mu.Lock()
	s.conns[connID] = ws
	s.mu.Unlock()

	if s.maxFrame > 0 {
		ws.SetReadLimit(s.maxFrame)
	}
	_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	out := make(chan []byte, 64)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(ws, out, done)
	}()
	go func() {
		defer wg.Done()
		s.deliveryPump(deliveries, out, done)
	}()

	s.readLoop(ws, connID, out, done)

	close(done)
	s.relay.CloseConnection(connID)
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
	_ = ws.Close()
	wg.Wait()
	s.logger.Info("connection closed", "conn", cid)
}

func (s *Server) readLoop(ws *websocket.Conn, connID string, out chan<- []byte, done <-chan struct{}) {
	ctx := context.Background()
	cid := shortID(connID)
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := ParseMessage(data)
		if err != nil {
			send(out, done, NoticeEnvelope(err.Error()))
			continue
		}
		switch m := msg.(type) {
		case EventMessage:
			outcome := s.relay.SubmitEvent(ctx, connID, m.Raw)
			send(out, done, okFrame(outcome))
		case ReqMessage:
			backfill, err := s.relay.OpenSubscription(ctx, connID, m.Name, m.Filters)
			if err != nil {
				s.logger.Info("subscription refused", "conn", cid, "sub", m.Name, "err", err)
				send(out, done, NoticeEnvelope(err.Error()))
				continue
			}
			for _, ev := range backfill {
				send(out, done, EventEnvelope(m.Name, ev))
			}
			send(out, done, EOSEEnvelope(m.Name))
		case CloseMessage:
			s.relay.CloseSubscription(connID, m.Name)
		}
	}
}

// deliveryPump moves live matches from the relay's bounded buffer to the
// socket writer, preserving commit order.
func (s *Server) deliveryPump(deliveries <-chan broadcast.Delivery, out chan<- []byte, done <-chan struct{}) {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			send(out, done, EventEnvelope(d.Sub.Name, d.Event))
		case <-done:
			return
		}
	}
}

func (s *Server) writePump(ws *websocket.Conn, out <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-out:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func send(out chan<- []byte, done <-chan struct{}, frame []byte) {
	if frame == nil {
		return
	}
	select {
	case out <- frame:
	case <-done:
	}
}

func okFrame(o relay.Outcome) []byte {
	if o.EventID == "" {
		// rejection before the event id was even parseable
		return NoticeEnvelope(o.Reason)
	}
	switch o.Status {
	case relay.StatusInserted:
		return OKEnvelope(o.EventID, true, "")
	case relay.StatusDuplicate:
		return OKEnvelope(o.EventID, true, o.Reason)
	case relay.StatusRateLimited:
		return NoticeEnvelope(o.Reason)
	case relay.StatusBackpressure:
		return OKEnvelope(o.EventID, false, o.Reason)
	default:
		return OKEnvelope(o.EventID, false, o.Reason)
	}
}

func shortID(connID string) string {
	if len(connID) < 8 {
		return connID
	}
	return connID[:8]
}
