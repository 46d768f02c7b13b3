package erc

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"rcmon/codec"
)

// fakeController answers each command line on the server end of a pipe.
type fakeController struct {
	conn    net.Conn
	mu      sync.Mutex
	got     []string
	replies map[string]string
	silent  map[string]bool
	hangup  map[string]bool
}

func newFakeController(conn net.Conn) *fakeController {
	return &fakeController{
		conn:    conn,
		replies: map[string]string{},
		silent:  map[string]bool{},
		hangup:  map[string]bool{},
	}
}

func (f *fakeController) serve() {
	sc := bufio.NewScanner(f.conn)
	sc.Split(codec.ScanReplies)
	for sc.Scan() {
		cmd := sc.Text()
		f.mu.Lock()
		f.got = append(f.got, cmd)
		reply, silent, hangup := f.replies[cmd], f.silent[cmd], f.hangup[cmd]
		f.mu.Unlock()
		if hangup {
			f.conn.Close()
			return
		}
		if silent {
			continue
		}
		if reply == "" {
			reply = "#" + strings.TrimPrefix(strings.SplitN(cmd, ",", 2)[0], "$")
		}
		f.conn.Write([]byte(reply + "\r\n"))
	}
}

func (f *fakeController) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func newPipeChannel(t *testing.T, opts ChannelOptions) (*Channel, *fakeController, *State) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	c, err := codec.New("en", "CRLF")
	if err != nil {
		t.Fatal(err)
	}
	st := NewState("pipe", 5000, "en")
	fc := newFakeController(server)
	ch := NewChannel(client, c, st, opts)
	return ch, fc, st
}

func TestChannelLoginExecLogout(t *testing.T) {
	ch, fc, st := newPipeChannel(t, ChannelOptions{Password: "secret"})
	fc.replies["$GetContName"] = "#GetContName,cell-a"
	go fc.serve()

	ctx := context.Background()
	if !st.Connected {
		t.Fatal("NewChannel should mark the state connected")
	}
	if err := ch.Login(ctx); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !st.LoggedIn {
		t.Fatal("not logged in")
	}
	// second login is a no-op
	if err := ch.Login(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ch.Exec(ctx, []string{"$GetContName"}); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if st.Controller.Name != "cell-a" {
		t.Errorf("name = %q", st.Controller.Name)
	}
	if err := ch.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	if st.LoggedIn {
		t.Error("still logged in")
	}

	want := []string{"$Login,secret", "$GetContName", "$Logout"}
	got := fc.commands()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %q, want %q", got, want)
	}
}

func TestChannelWarningsAndFatal(t *testing.T) {
	var events []Event
	ch, fc, _ := newPipeChannel(t, ChannelOptions{
		OnEvent: func(ev Event) { events = append(events, ev) },
	})
	fc.replies["$GetContVer"] = "!GetContVer,11"
	fc.replies["$Login,"] = "!Login,13"
	go fc.serve()

	ctx := context.Background()
	if err := ch.Send(ctx, "$GetContVer"); err != nil {
		t.Fatalf("non-fatal remote error should not fail Send: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventWarning {
		t.Fatalf("events = %v", events)
	}

	err := ch.Login(ctx)
	if !IsFatal(err) {
		t.Fatalf("Login error = %v, want fatal remote error", err)
	}
	if ch.Broken() {
		t.Error("a remote error leaves the socket usable")
	}
}

func TestChannelTimeout(t *testing.T) {
	ch, fc, _ := newPipeChannel(t, ChannelOptions{Timeout: 50 * time.Millisecond})
	fc.silent["$GetStatus"] = true
	go fc.serve()

	err := ch.Send(context.Background(), "$GetStatus")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if err := ch.Send(context.Background(), "$GetStatus"); !errors.Is(err, ErrClosed) {
		t.Errorf("after timeout err = %v, want ErrClosed", err)
	}
}

func TestChannelRemoteClose(t *testing.T) {
	ch, fc, _ := newPipeChannel(t, ChannelOptions{})
	fc.hangup["$GetStatus"] = true
	go fc.serve()

	err := ch.Send(context.Background(), "$GetStatus")
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want socket error", err)
	}
	if !ch.Broken() {
		t.Error("channel should be broken after remote close")
	}
}

func TestChannelContextCancel(t *testing.T) {
	ch, fc, _ := newPipeChannel(t, ChannelOptions{})
	fc.silent["$GetStatus"] = true
	go fc.serve()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := ch.Send(ctx, "$GetStatus"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestChannelNotConnected(t *testing.T) {
	ch, _, st := newPipeChannel(t, ChannelOptions{})
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	if st.Connected || st.LoggedIn {
		t.Error("Close should reset the session")
	}
	if err := ch.Send(context.Background(), "$GetStatus"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestChannelSingleFlight(t *testing.T) {
	ch, fc, _ := newPipeChannel(t, ChannelOptions{})
	go fc.serve()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ch.Send(context.Background(), "$GetCurRobot")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if n := len(fc.commands()); n != 20 {
		t.Errorf("controller saw %d commands, want 20", n)
	}
}

func TestNeedsDelay(t *testing.T) {
	tests := map[string]bool{
		"#GetPrjName,abc":      true,
		"#GetRobotInfo,0":      true,
		"#GetHealthRB,-1":      true,
		"#GetStatus,0001,0000": false,
		"":                     false,
		"!GetContVer,11":       true,
	}
	for res, want := range tests {
		if got := NeedsDelay(res); got != want {
			t.Errorf("NeedsDelay(%q) = %v, want %v", res, got, want)
		}
	}
}

func TestChannelDelaysAfterSlowReply(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ch, fc, _ := newPipeChannel(t, ChannelOptions{Clock: clock})
	fc.replies["$GetRobotInfo"] = "#GetRobotInfo,0"
	fc.replies["$GetCurRobot"] = "#GetCurRobot,1"
	go fc.serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ch.Send(ctx, "$GetRobotInfo"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- ch.Send(ctx, "$GetCurRobot") }()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("send never waited on the clock: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := fc.commands(); len(got) != 1 {
		t.Fatalf("command sent before the delay elapsed: %v", got)
	}

	clock.Advance(SlowCommandDelay)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("send still blocked after the delay")
	}
	if got := fc.commands(); len(got) != 2 || got[1] != "$GetCurRobot" {
		t.Errorf("commands = %v", got)
	}

	// #GetCurRobot is not slow, so the next command goes out without
	// touching the clock.
	go func() { done <- ch.Send(ctx, "$GetStatus") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command after a fast reply was delayed")
	}
	if got := fc.commands(); len(got) != 3 {
		t.Errorf("commands = %v", got)
	}
}
