package main

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nmxmxh/cbs/cbs"
	"github.com/nmxmxh/cbs/internal/obslog"
)

// streamServer periodically pushes Describe() snapshots of a live
// cbs.Instance to every connected websocket client. Callers must
// serialize their own access to the Instance; streamServer only ever
// reads from it on the tick goroutine.
type streamServer struct {
	inst     *cbs.Instance
	interval time.Duration
	log      *obslog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newStreamServer(inst *cbs.Instance, interval time.Duration, log *obslog.Logger) *streamServer {
	return &streamServer{
		inst:     inst,
		interval: interval,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (s *streamServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", obslog.Err(err))
		return
	}
	connID := obslog.NewID()
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	s.log.Info("client connected", obslog.String("conn_id", connID), obslog.Int("clients", len(s.clients)))

	go s.drainClient(conn)
}

// drainClient reads (and discards) incoming frames so the connection's
// read deadline and close handshake are serviced; cbsviz is a one-way
// broadcast, it expects no client messages.
func (s *streamServer) drainClient(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *streamServer) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

// broadcast writes the current Describe() dump to every connected
// client, dropping any client whose write fails.
func (s *streamServer) broadcast() {
	var buf bytes.Buffer
	if err := s.inst.Describe(&buf); err != nil {
		s.log.Error("describe failed", obslog.Err(err))
		return
	}
	payload := buf.Bytes()

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.removeClient(c)
		}
	}
}

// run ticks broadcast at s.interval until ctx is cancelled.
func (s *streamServer) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast()
		}
	}
}
