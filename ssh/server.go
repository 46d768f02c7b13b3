// Package ssh serves the terminal UI to remote operators. Every session
// gets its own TUI drawing over the SSH channel while sharing the daemon's
// monitor manager and sinks.
package ssh

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/terminfo"
	gossh "golang.org/x/crypto/ssh"

	"rcmon/config"
	"rcmon/logging"
	"rcmon/tui"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("ssh", format, args...)
	if store := tui.GetDebugStore(); store != nil {
		store.Log(tui.LevelSSH, format, args...)
	}
}

// Config holds SSH server configuration.
type Config struct {
	Host           string
	Port           int
	Password       string
	AuthorizedKeys string // authorized_keys file or directory
	HostKeyPath    string
}

// Backend is what each remote session's TUI displays.
type Backend struct {
	Config     *config.Config
	ConfigPath string
	Services   tui.Services
}

// Session is one interactive SSH session.
type Session struct {
	channel gossh.Channel
	conn    *gossh.ServerConn
	pty     *ptyRequest
	tty     *channelTty

	closeMu sync.Mutex
	closed  bool
}

// RemoteAddr returns the remote address of the session.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close ends the session with exit-status 0 and closes the channel.
func (s *Session) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tty != nil {
		s.tty.Stop()
	}
	s.channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
	s.channel.CloseWrite()
	return s.channel.Close()
}

// closeConnection drops the transport. Call it after the screen is
// finalized so the restore sequences reach the client.
func (s *Session) closeConnection() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Window is a terminal size in cells.
type Window struct {
	Width  int
	Height int
}

type ptyRequest struct {
	Term   string
	Width  uint32
	Height uint32
}

// Server accepts SSH connections and runs an independent TUI per session.
type Server struct {
	config    *Config
	backend   *Backend
	sshConfig *gossh.ServerConfig
	listener  net.Listener

	sessions   map[*Session]struct{}
	sessionsMu sync.RWMutex

	running  bool
	mu       sync.Mutex
	stopChan chan struct{}

	onSessionConnect    func(remoteAddr string)
	onSessionDisconnect func(remoteAddr string)
}

// NewServer creates a new SSH server.
func NewServer(cfg *Config, backend *Backend) *Server {
	return &Server{
		config:   cfg,
		backend:  backend,
		sessions: make(map[*Session]struct{}),
		stopChan: make(chan struct{}),
	}
}

// SetOnSessionConnect sets a callback for when a session starts its TUI.
func (s *Server) SetOnSessionConnect(fn func(remoteAddr string)) {
	s.onSessionConnect = fn
}

// SetOnSessionDisconnect sets a callback for when a session ends.
func (s *Server) SetOnSessionDisconnect(fn func(remoteAddr string)) {
	s.onSessionDisconnect = fn
}

// serverConfig builds the handshake configuration. At least one of
// password and authorized keys must be usable.
func (s *Server) serverConfig() (*gossh.ServerConfig, error) {
	hostKey, err := LoadOrCreateHostKey(s.config.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get host key: %w", err)
	}

	sc := &gossh.ServerConfig{}
	sc.AddHostKey(hostKey)

	hasAuth := false
	if cb := passwordCallback(s.config.Password); cb != nil {
		sc.PasswordCallback = cb
		hasAuth = true
	}
	if cb := publicKeyCallback(s.config.AuthorizedKeys); cb != nil {
		sc.PublicKeyCallback = cb
		hasAuth = true
	}
	if !hasAuth {
		return nil, fmt.Errorf("no authentication method configured")
	}
	return sc, nil
}

// Start listens and accepts connections in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	sc, err := s.serverConfig()
	if err != nil {
		return err
	}
	s.sshConfig = sc

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.running = true
	s.stopChan = make(chan struct{})

	debugLog("Server started on %s", listener.Addr())
	go s.acceptLoop(listener, s.stopChan)
	return nil
}

// Addr returns the listening address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(listener net.Listener, stop <-chan struct{}) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				debugLog("Accept error: %v", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	sshConn, chans, reqs, err := gossh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		debugLog("Handshake failed from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	debugLog("Connection from %s (user %s)", sshConn.RemoteAddr(), sshConn.User())

	go gossh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(gossh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			debugLog("Could not accept channel: %v", err)
			continue
		}
		go s.handleSession(sshConn, channel, requests)
	}
}

// handleSession processes session requests. The TUI starts once both a
// pty and a shell have been requested.
func (s *Server) handleSession(conn *gossh.ServerConn, channel gossh.Channel, requests <-chan *gossh.Request) {
	session := &Session{channel: channel, conn: conn}
	remoteAddr := conn.RemoteAddr().String()

	var (
		winMu   sync.Mutex
		started bool
	)

	for req := range requests {
		switch req.Type {
		case "pty-req":
			pty, err := parsePtyRequest(req.Payload)
			if err != nil {
				debugLog("Invalid pty-req from %s: %v", remoteAddr, err)
				reply(req, false)
				continue
			}
			session.pty = pty
			reply(req, true)

		case "shell":
			if session.pty == nil {
				channel.Write([]byte("rcmon requires an interactive terminal (ssh -t)\r\n"))
				reply(req, false)
				continue
			}
			reply(req, true)
			winMu.Lock()
			if !started {
				started = true
				session.tty = newChannelTty(channel, session.pty.Term, int(session.pty.Width), int(session.pty.Height))
				go s.runSession(session)
			}
			winMu.Unlock()

		case "window-change":
			win, err := parseWindowChange(req.Payload)
			if err != nil {
				debugLog("Invalid window-change from %s: %v", remoteAddr, err)
				continue
			}
			winMu.Lock()
			if session.tty != nil {
				session.tty.SetWindowSize(win.Width, win.Height)
			}
			winMu.Unlock()

		case "env":
			reply(req, true)

		default:
			debugLog("Unknown request type %s from %s", req.Type, remoteAddr)
			reply(req, false)
		}
	}

	session.Close()
}

func reply(req *gossh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}

// runSession runs one TUI until the user disconnects or the channel drops.
func (s *Server) runSession(session *Session) {
	remoteAddr := session.RemoteAddr().String()
	debugLog("Session started from %s (term=%s, size=%dx%d)",
		remoteAddr, session.pty.Term, session.pty.Width, session.pty.Height)

	s.sessionsMu.Lock()
	s.sessions[session] = struct{}{}
	s.sessionsMu.Unlock()

	if s.onSessionConnect != nil {
		s.onSessionConnect(remoteAddr)
	}

	screen, err := screenForTty(session.tty)
	if err != nil {
		debugLog("Failed to create screen for %s: %v", remoteAddr, err)
		s.cleanupSession(session, remoteAddr)
		return
	}

	app := tui.NewAppWithScreen(s.backend.Config, s.backend.ConfigPath, s.backend.Services, screen)
	app.SetDaemonMode(true)

	var finalizedMu sync.Mutex
	finalized := false
	app.SetOnDisconnect(func() {
		debugLog("Disconnect requested from %s", remoteAddr)
		finalizedMu.Lock()
		finalized = true
		finalizedMu.Unlock()
		// Restore the client terminal by hand: screen.Fini deadlocks from
		// inside the event loop and cannot write once the channel closes.
		session.channel.Write([]byte("\x1b[?1049l\x1b[?25h\x1b[0m"))
		session.tty.Close()
	})

	if err := app.Run(); err != nil {
		debugLog("TUI error for %s: %v", remoteAddr, err)
	}
	app.Shutdown()

	finalizedMu.Lock()
	if !finalized {
		screen.Fini()
	}
	finalizedMu.Unlock()

	session.closeConnection()
	s.cleanupSession(session, remoteAddr)
}

func (s *Server) cleanupSession(session *Session, remoteAddr string) {
	s.sessionsMu.Lock()
	delete(s.sessions, session)
	s.sessionsMu.Unlock()

	if s.onSessionDisconnect != nil {
		s.onSessionDisconnect(remoteAddr)
	}
	session.Close()
	debugLog("Session disconnected from %s", remoteAddr)
}

// parsePtyRequest decodes a pty-req payload: string term, uint32 columns,
// uint32 rows, then pixel sizes and modes which are ignored.
func parsePtyRequest(payload []byte) (*ptyRequest, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("payload too short")
	}
	termLen := binary.BigEndian.Uint32(payload[0:4])
	if uint64(len(payload)) < 4+uint64(termLen)+16 {
		return nil, fmt.Errorf("payload too short for term")
	}
	off := 4 + termLen
	return &ptyRequest{
		Term:   string(payload[4:off]),
		Width:  binary.BigEndian.Uint32(payload[off : off+4]),
		Height: binary.BigEndian.Uint32(payload[off+4 : off+8]),
	}, nil
}

// parseWindowChange decodes a window-change payload: uint32 columns,
// uint32 rows, then pixel sizes.
func parseWindowChange(payload []byte) (Window, error) {
	if len(payload) < 8 {
		return Window{}, fmt.Errorf("payload too short")
	}
	return Window{
		Width:  int(binary.BigEndian.Uint32(payload[0:4])),
		Height: int(binary.BigEndian.Uint32(payload[4:8])),
	}, nil
}

// screenForTty looks up terminfo for the client's TERM, falling back to
// xterm-256color and then xterm.
func screenForTty(tty *channelTty) (tcell.Screen, error) {
	var ti *terminfo.Terminfo
	var err error
	for _, term := range []string{tty.Term(), "xterm-256color", "xterm"} {
		if ti, err = terminfo.LookupTerminfo(term); err == nil {
			break
		}
		debugLog("Terminfo not found for %s", term)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find terminfo: %w", err)
	}
	return tcell.NewTerminfoScreenFromTtyTerminfo(tty, ti)
}

// Stop closes the listener and every session.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopChan)
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	s.DisconnectAllSessions()
	if listener != nil {
		return listener.Close()
	}
	return nil
}

// IsRunning returns whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SessionCount returns the number of active TUI sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// DisconnectAllSessions closes every active session in the background.
func (s *Server) DisconnectAllSessions() {
	s.sessionsMu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.sessionsMu.RUnlock()

	for _, session := range sessions {
		go session.Close()
	}
	if len(sessions) > 0 {
		debugLog("Disconnecting %d session(s)", len(sessions))
	}
}
