package erc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"rcmon/codec"
	"rcmon/logging"
)

const (
	// DefaultReplyTimeout bounds one command/reply exchange.
	DefaultReplyTimeout = 20 * time.Second
	// SlowCommandDelay is waited before sending after a slow reply.
	SlowCommandDelay = 10 * time.Millisecond
)

// The controller needs a short pause after these replies before it will
// accept the next command.
var slowReplies = map[string]bool{
	"GetPrjName":        true,
	"GetRobotInfo":      true,
	"GetContVer":        true,
	"GetForceSerial":    true,
	"GetRobotName":      true,
	"GetRobotSerial":    true,
	"GetHealthCont":     true,
	"GetHealthRB":       true,
	"GetSubnetMask":     true,
	"GetDefaultGateway": true,
}

// NeedsDelay reports whether a command following res must be delayed.
func NeedsDelay(res string) bool {
	return slowReplies[ReplyName(res)]
}

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	Password string
	Timeout  time.Duration
	Clock    clockwork.Clock
	// OnEvent receives parser warnings. May be nil.
	OnEvent func(Event)
}

// Channel sends commands to one controller over an established socket and
// applies every reply to the state tree. Only one command is in flight at a
// time; concurrent callers queue on the channel's mutex.
type Channel struct {
	mu      sync.Mutex
	conn    net.Conn
	scanner *bufio.Scanner
	codec   *codec.Codec
	state   *State
	opts    ChannelOptions
	broken  bool
	addr    string
}

// NewChannel wraps conn and marks st connected.
func NewChannel(conn net.Conn, c *codec.Codec, st *State, opts ChannelOptions) *Channel {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultReplyTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	sc := bufio.NewScanner(conn)
	sc.Split(codec.ScanReplies)

	st.Connected = true
	st.LoggedIn = false
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		st.Controller.Network.Address = addr.IP.String()
	}

	return &Channel{
		conn:    conn,
		scanner: sc,
		codec:   c,
		state:   st,
		opts:    opts,
		addr:    conn.RemoteAddr().String(),
	}
}

// Send transmits one command, waits for its reply and parses it. A
// session-fatal remote error or any socket failure is returned; after a
// socket failure the channel is broken and every later call returns ErrClosed.
func (c *Channel) Send(ctx context.Context, cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.state.Connected {
		return ErrNotConnected
	}
	if c.broken {
		return ErrClosed
	}

	if NeedsDelay(c.state.LastResponse) {
		select {
		case <-c.opts.Clock.After(SlowCommandDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
		return c.fail(ctx, cmd, err)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	c.state.LastCommand = cmd
	raw := c.codec.Encode(cmd)
	logging.DebugTX("erc", raw)
	if _, err := c.conn.Write(raw); err != nil {
		return c.fail(ctx, cmd, err)
	}

	if !c.scanner.Scan() {
		err := c.scanner.Err()
		if err == nil {
			err = io.EOF
		}
		return c.fail(ctx, cmd, err)
	}
	line := c.scanner.Bytes()
	logging.DebugRX("erc", line)

	events, err := Parse(c.state, c.codec.Decode(line))
	for _, ev := range events {
		logging.DebugLog("erc", "warning: %s", ev.Text)
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(ev)
		}
	}
	return err
}

func (c *Channel) fail(ctx context.Context, cmd string, err error) error {
	c.broken = true
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		logging.DebugError("erc", cmd, ErrTimeout)
		return ErrTimeout
	}
	logging.DebugError("erc", cmd, err)
	return fmt.Errorf("%s: %w", cmd, err)
}

// Exec sends each command in order and stops at the first error.
func (c *Channel) Exec(ctx context.Context, cmds []string) error {
	for _, cmd := range cmds {
		if err := c.Send(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// Login authenticates when connected and not yet logged in.
func (c *Channel) Login(ctx context.Context) error {
	c.mu.Lock()
	skip := !c.state.Connected || c.state.LoggedIn
	c.mu.Unlock()
	if skip {
		return nil
	}
	return c.Send(ctx, "$Login,"+c.opts.Password)
}

// Logout ends the session when connected and logged in.
func (c *Channel) Logout(ctx context.Context) error {
	c.mu.Lock()
	skip := !c.state.Connected || !c.state.LoggedIn
	c.mu.Unlock()
	if skip {
		return nil
	}
	return c.Send(ctx, "$Logout")
}

// Broken reports whether a socket failure has ended the channel.
func (c *Channel) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// CloseWrite half-closes the socket so the controller sees end of stream.
func (c *Channel) CloseWrite() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close destroys the socket and resets the session flags. It does not wait
// for an in-flight command; the blocked read fails once the socket closes.
func (c *Channel) Close() error {
	err := c.conn.Close()
	c.mu.Lock()
	c.broken = true
	c.state.ResetSession()
	c.mu.Unlock()
	logging.DebugDisconnect("erc", c.addr, "closed")
	return err
}
