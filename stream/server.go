// Package stream serves controller status, snapshots and monitor events to
// TCP clients as newline-delimited JSON. Clients may query the current
// controller list, fetch one controller's state, and replay buffered
// messages after a reconnect.
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"rcmon/erc"
	"rcmon/monitor"
)

// StateProvider supplies current controller data for queries.
type StateProvider interface {
	Statuses() []monitor.Status
	Snapshot(name string) (erc.Snapshot, bool)
}

// Server is a TCP server that streams monitor output to connected clients.
type Server struct {
	mu         sync.RWMutex
	listener   net.Listener
	clients    map[uint64]*client
	nextID     uint64
	ringBuffer *RingBuffer
	running    bool
	stopChan   chan struct{}
	wg         sync.WaitGroup
	logFn      func(string, ...interface{})

	provider  StateProvider
	namespace string

	clientCount atomic.Int64
}

type client struct {
	id   uint64
	conn net.Conn
	send chan []byte
}

// NewServer creates a server reading query data from provider. It does not
// listen until Start.
func NewServer(provider StateProvider, namespace string) *Server {
	return &Server{
		clients:   make(map[uint64]*client),
		logFn:     func(string, ...interface{}) {},
		provider:  provider,
		namespace: namespace,
	}
}

// SetLogFunc sets the logging callback. Call before Start.
func (s *Server) SetLogFunc(fn func(string, ...interface{})) {
	s.logFn = fn
}

// HasClients reports whether at least one client is connected, so callers
// can skip serialization work.
func (s *Server) HasClients() bool {
	return s.clientCount.Load() > 0
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return int(s.clientCount.Load())
}

// Addr returns the listening address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start begins accepting connections on listenAddr. bufferSize bounds the
// replay buffer.
func (s *Server) Start(listenAddr string, bufferSize int) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("stream server already running")
	}
	s.mu.Unlock()

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("stream listen: %w", err)
	}

	stop := make(chan struct{})
	s.mu.Lock()
	s.listener = ln
	s.running = true
	s.stopChan = stop
	s.ringBuffer = NewRingBuffer(bufferSize)
	s.mu.Unlock()

	s.logFn("Event stream listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ln, stop)
	return nil
}

// Stop closes the listener and disconnects every client.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.listener.Close()
	s.listener = nil

	for _, c := range s.clients {
		close(c.send)
		c.conn.Close()
	}
	s.clients = make(map[uint64]*client)
	s.clientCount.Store(0)
	s.mu.Unlock()

	s.wg.Wait()
	s.logFn("Event stream stopped")
}

func timestamp() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func statusMessage(st monitor.Status) map[string]interface{} {
	msg := map[string]interface{}{
		"type":       "status",
		"controller": st.Name,
		"online":     st.State == monitor.StateConnected,
		"state":      st.State.String(),
		"code":       st.Code,
		"ts":         timestamp(),
	}
	if st.Phase != "" {
		msg["phase"] = st.Phase
	}
	if st.Countdown > 0 {
		msg["countdown"] = st.Countdown
	}
	if st.LastError != "" {
		msg["error"] = st.LastError
	}
	return msg
}

// BroadcastStatus sends a controller status change to all clients.
func (s *Server) BroadcastStatus(st monitor.Status) {
	s.broadcast(statusMessage(st))
}

// BroadcastSnapshot sends a full state snapshot to all clients.
func (s *Server) BroadcastSnapshot(snap erc.Snapshot) {
	s.broadcast(map[string]interface{}{
		"type":       "snapshot",
		"controller": snap.Controller,
		"payload":    snap.Payload,
		"timestamp":  snap.Timestamp,
		"ts":         timestamp(),
	})
}

// BroadcastEvent forwards a monitor event to all clients.
func (s *Server) BroadcastEvent(ev erc.Event) {
	msg := map[string]interface{}{
		"type":       "event",
		"kind":       ev.Kind.String(),
		"controller": ev.Controller,
		"ts":         ev.Time.UTC().Format(time.RFC3339Nano),
	}
	if ev.Text != "" {
		msg["text"] = ev.Text
	}
	switch ev.Kind {
	case erc.EventPhaseChanged:
		msg["phase"] = ev.Phase
	case erc.EventConnection:
		msg["status"] = ev.Status
		if ev.Countdown > 0 {
			msg["countdown"] = ev.Countdown
		}
	}
	s.broadcast(msg)
}

// broadcast serializes msg, buffers it for replay and fans it out without
// blocking. Slow clients miss messages.
func (s *Server) broadcast(msg map[string]interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logFn("Event stream marshal error: %v", err)
		return
	}
	data = append(data, '\n')

	s.mu.RLock()
	if s.ringBuffer != nil {
		s.ringBuffer.Add(data, time.Now().UTC())
	}
	for _, c := range s.clients {
		select {
		case c.send <- data:
		default:
		}
	}
	s.mu.RUnlock()
}

func (s *Server) acceptLoop(ln net.Listener, stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				s.logFn("Event stream accept error: %v", err)
				continue
			}
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		id := s.nextID
		s.nextID++
		c := &client{
			id:   id,
			conn: conn,
			send: make(chan []byte, 256),
		}
		s.clients[id] = c
		s.clientCount.Add(1)
		s.mu.Unlock()

		s.logFn("Event stream client connected: %s (id=%d)", conn.RemoteAddr(), id)

		s.wg.Add(2)
		go s.clientWriter(c)
		go s.clientReader(c)

		go s.sendWelcome(c)
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		s.clientCount.Add(-1)
		close(c.send)
		c.conn.Close()
		s.logFn("Event stream client disconnected: %s (id=%d)", c.conn.RemoteAddr(), c.id)
	}
	s.mu.Unlock()
}

func (s *Server) clientWriter(c *client) {
	defer s.wg.Done()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := c.conn.Write(data); err != nil {
			s.removeClient(c)
			return
		}
	}
}

// clientReader handles newline-delimited JSON requests:
// {"type":"list_controllers"}, {"type":"get_config"},
// {"type":"get_state","controller":"x"} and {"type":"replay","since":RFC3339}.
func (s *Server) clientReader(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req struct {
			Type       string `json:"type"`
			Controller string `json:"controller"`
			Since      string `json:"since"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendToClient(c, map[string]interface{}{"type": "error", "error": "invalid JSON"})
			continue
		}

		switch req.Type {
		case "list_controllers":
			s.sendControllerList(c)
		case "get_config":
			s.sendConfig(c)
		case "get_state":
			s.sendState(c, req.Controller)
		case "replay":
			s.handleReplay(c, req.Since)
		default:
			s.sendToClient(c, map[string]interface{}{"type": "error", "error": fmt.Sprintf("unknown request %q", req.Type)})
		}
	}
}

func (s *Server) sendWelcome(c *client) {
	s.sendConfig(c)
	s.sendControllerList(c)
}

func (s *Server) sendConfig(c *client) {
	s.sendToClient(c, map[string]interface{}{
		"type":      "config",
		"namespace": s.namespace,
	})
}

func (s *Server) sendControllerList(c *client) {
	if s.provider == nil {
		return
	}
	statuses := s.provider.Statuses()
	list := make([]map[string]interface{}, 0, len(statuses))
	for _, st := range statuses {
		m := statusMessage(st)
		delete(m, "type")
		delete(m, "ts")
		list = append(list, m)
	}
	s.sendToClient(c, map[string]interface{}{
		"type":        "controller_list",
		"controllers": list,
	})
}

func (s *Server) sendState(c *client, name string) {
	if s.provider == nil {
		return
	}
	snap, ok := s.provider.Snapshot(name)
	if !ok {
		s.sendToClient(c, map[string]interface{}{"type": "error", "controller": name, "error": "no state"})
		return
	}
	s.sendToClient(c, map[string]interface{}{
		"type":       "state",
		"controller": snap.Controller,
		"payload":    snap.Payload,
		"timestamp":  snap.Timestamp,
	})
}

// handleReplay sends buffered messages newer than since. A client that
// disconnects mid-replay closes its send channel under us; the recover
// absorbs that send.
func (s *Server) handleReplay(c *client, since string) {
	defer func() { recover() }()

	ts, err := time.Parse(time.RFC3339Nano, since)
	if err != nil {
		s.sendToClient(c, map[string]interface{}{"type": "error", "error": "replay needs an RFC3339 since"})
		return
	}

	s.mu.RLock()
	rb := s.ringBuffer
	s.mu.RUnlock()
	if rb == nil {
		return
	}

	for _, data := range rb.Since(ts) {
		select {
		case c.send <- data:
		default:
			return
		}
	}
}

// sendToClient queues one message for a single client, dropping it when
// the client is slow or already gone.
func (s *Server) sendToClient(c *client, msg map[string]interface{}) {
	defer func() { recover() }()

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')

	select {
	case c.send <- data:
	default:
	}
}
