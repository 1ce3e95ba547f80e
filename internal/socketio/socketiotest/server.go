// Package socketiotest provides an in-process Socket.IO server for tests.
package socketiotest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"formcoach/internal/socketio"
)

// Event is an event received from a client.
type Event struct {
	Name string
	Args []json.RawMessage
	At   time.Time
}

// Server accepts Engine.IO v4 websocket connections on the default namespace.
type Server struct {
	*httptest.Server

	PingInterval time.Duration
	PingTimeout  time.Duration
	// RefuseConnect answers namespace connects with CONNECT_ERROR.
	RefuseConnect bool
	// SuppressPings advertises PingInterval but never pings.
	SuppressPings bool

	upgrader websocket.Upgrader

	mu      sync.Mutex
	opened  int
	closed  int
	events  []Event
	conns   map[*websocket.Conn]*sync.Mutex
	nextSID int
}

// NewServer starts a server. Callers must Close it.
func NewServer() *Server {
	s := newServer()
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// NewUnstartedServer returns a server whose fields may be tuned before Start.
func NewUnstartedServer() *Server {
	s := newServer()
	s.Server = httptest.NewUnstartedServer(http.HandlerFunc(s.handle))
	return s
}

func newServer() *Server {
	return &Server{
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:        make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Connections returns how many websocket connections were opened and how many
// have since ended.
func (s *Server) Connections() (opened, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened, s.closed
}

// Active returns the number of connections that completed a namespace connect
// and are still open.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Events returns the received events named name, in arrival order.
func (s *Server) Events(name string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events named name were received.
func (s *Server) Count(name string) int {
	return len(s.Events(name))
}

// Emit sends an event to every connected client.
func (s *Server) Emit(name string, args ...any) error {
	p, err := socketio.EventPacket("/", name, args...)
	if err != nil {
		return err
	}
	return s.broadcast(socketio.EncodePacket(p))
}

// Disconnect sends a server-side namespace disconnect to every client.
func (s *Server) Disconnect() error {
	return s.broadcast(socketio.EncodePacket(socketio.Packet{Type: socketio.PacketDisconnect, AckID: socketio.NoAck}))
}

func (s *Server) broadcast(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return fmt.Errorf("socketiotest: no connected clients")
	}
	for conn, wmu := range s.conns {
		wmu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, msg)
		wmu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/socket.io/") || r.URL.Query().Get("EIO") != "4" {
		http.Error(w, "bad engine.io request", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.opened++
	s.nextSID++
	sid := fmt.Sprintf("sid-%d", s.nextSID)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.closed++
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	wmu := &sync.Mutex{}
	write := func(msg string) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, []byte(msg))
	}

	open, _ := json.Marshal(socketio.Handshake{
		SID:          sid,
		Upgrades:     []string{},
		PingInterval: int(s.PingInterval / time.Millisecond),
		PingTimeout:  int(s.PingTimeout / time.Millisecond),
		MaxPayload:   1000000,
	})
	if err := write("0" + string(open)); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		if s.SuppressPings {
			return
		}
		ticker := time.NewTicker(s.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := write("2"); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) == 0 || data[0] != '4' {
			continue
		}
		p, err := socketio.DecodePacket(data[1:])
		if err != nil {
			continue
		}
		switch p.Type {
		case socketio.PacketConnect:
			if s.RefuseConnect {
				_ = write(`44{"message":"not authorized"}`)
				continue
			}
			if err := write(`40{"sid":"` + sid + `"}`); err != nil {
				return
			}
			s.mu.Lock()
			s.conns[conn] = wmu
			s.mu.Unlock()
		case socketio.PacketDisconnect:
			return
		case socketio.PacketEvent:
			name, args, err := p.Event()
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.events = append(s.events, Event{Name: name, Args: args, At: time.Now()})
			s.mu.Unlock()
		}
	}
}
