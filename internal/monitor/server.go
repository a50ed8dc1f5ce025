// Package monitor exposes a read-only introspection endpoint over the
// tunnel's flow tables: a /healthz liveness probe and a /ws WebSocket feed
// that receives one JSON snapshot per idle-sweep tick. It never accepts
// input that could affect the data plane — Publish is the only way data
// flows into it, and that is driven entirely by the supervisor.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shadowmesh/rtptun/internal/logging"
)

// Snapshot is the flow-table summary pushed to every connected WebSocket
// client on each sweep tick.
type Snapshot struct {
	Mode          string    `json:"mode"` // "client" or "server"
	ActiveFlows   int       `json:"active_flows"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Server is the monitor's HTTP+WebSocket listener.
type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	log        *logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New builds a monitor server bound to addr ("host:port"). Call Serve to run it.
func New(addr string, log *logging.Logger) *Server {
	s := &Server{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Serve blocks until the server errors or Shutdown is called.
func (s *Server) Serve() error {
	s.log.Info("monitor endpoint listening", logging.Fields{"addr": s.httpServer.Addr})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server and closes every WebSocket client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// Publish fans snapshot out to every connected WebSocket client. A client
// whose write buffer is stuck (i.e. not reading) is dropped rather than
// allowed to stall the fan-out — this endpoint is a best-effort feed, not a
// reliable channel.
func (s *Server) Publish(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Error("marshal snapshot", logging.Fields{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.clients {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logging.Fields{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	// This is a push-only feed: drain and discard anything the client sends
	// so control frames (ping, close) are processed, until it closes.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
