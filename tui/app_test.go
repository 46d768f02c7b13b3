package tui

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"

	"rcmon/config"
	"rcmon/erc"
	"rcmon/kafka"
	"rcmon/monitor"
	"rcmon/mqtt"
	"rcmon/push"
	"rcmon/trigger"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	SetTheme("default")

	mgr := monitor.NewManager(monitor.ManagerOptions{})
	for _, name := range []string{"cell-a", "cell-b"} {
		if err := mgr.Add(config.ControllerConfig{Name: name, Host: "10.0.0.1", Start: config.StartIdle}); err != nil {
			t.Fatalf("Add(%s): %v", name, err)
		}
	}

	mqttMgr := mqtt.NewManager()
	mqttMgr.Add(mqtt.NewPublisher(&config.MQTTConfig{Name: "broker", Broker: "localhost", Port: 1883, Enabled: true}, "factory"))

	kafkaMgr := kafka.NewManager()
	kcfg := kafka.DefaultConfig("cluster")
	kcfg.Brokers = []string{"localhost:9092"}
	kafkaMgr.AddCluster(&kcfg, "factory")

	pushMgr := push.NewManager(mgr)
	pushMgr.AddPush(&config.PushConfig{
		Name: "estop-page",
		URL:  "http://localhost:9/hook",
		Conditions: []config.PushCondition{
			{Controller: "cell-a", Field: "robots.0.estop", Operator: "==", Value: true},
		},
	})

	triggerMgr := trigger.NewManager(kafkaMgr, mgr)
	triggerMgr.AddTrigger(&config.TriggerConfig{
		Name:         "fault-capture",
		Enabled:      true,
		Controller:   "cell-a",
		Condition:    config.TriggerCondition{Field: "controller.status.signal.error", Operator: "==", Value: true},
		KafkaCluster: "cluster",
		Topic:        "captures",
	})

	cfg := config.DefaultConfig()
	path := filepath.Join(t.TempDir(), "config.yaml")

	screen := tcell.NewSimulationScreen("UTF-8")
	a := NewAppWithScreen(cfg, path, Services{Manager: mgr, MQTT: mqttMgr, Kafka: kafkaMgr, Push: pushMgr, Triggers: triggerMgr}, screen)
	t.Cleanup(func() {
		triggerMgr.Stop()
		mgr.Stop()
	})
	return a
}

func key(k tcell.Key) *tcell.EventKey { return tcell.NewEventKey(k, 0, tcell.ModNone) }
func runeKey(r rune) *tcell.EventKey  { return tcell.NewEventKey(tcell.KeyRune, r, tcell.ModNone) }
func statusText(a *App) string        { return a.statusBar.GetText(true) }
func frontPage(a *App) string         { p, _ := a.pages.GetFrontPage(); return p }

func TestThemes(t *testing.T) {
	SetTheme("amber")
	if GetThemeName() != "amber" {
		t.Errorf("theme = %q, want amber", GetThemeName())
	}
	if name := NextTheme(); name != "default" {
		t.Errorf("NextTheme after amber = %q, want default", name)
	}
	SetTheme("MONO")
	if GetThemeName() != "mono" {
		t.Errorf("theme = %q, want mono", GetThemeName())
	}
	SetTheme("no-such-theme")
	if GetThemeName() != "default" {
		t.Errorf("unknown theme selected %q", GetThemeName())
	}
}

func TestStateText(t *testing.T) {
	tests := []struct {
		name string
		st   monitor.Status
		want string
		ind  string
	}{
		{"disconnected", monitor.Status{State: monitor.StateDisconnected, Code: erc.StatusDisconnected}, "disconnected", StatusIndicatorDisconnected},
		{"connected", monitor.Status{State: monitor.StateConnected, Code: erc.StatusConnectedWithPhase}, "connected-with-phase", StatusIndicatorConnected},
		{"reconnecting", monitor.Status{State: monitor.StateReconnecting, Code: erc.StatusReconnecting, Countdown: 7}, "reconnecting (7s)", StatusIndicatorError},
		{"closing", monitor.Status{State: monitor.StateClosing, Code: erc.StatusConnected}, "connected", StatusIndicatorConnecting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stateText(tt.st); got != tt.want {
				t.Errorf("stateText = %q, want %q", got, tt.want)
			}
			if got := stateIndicator(tt.st); got != tt.ind {
				t.Errorf("stateIndicator = %q, want %q", got, tt.ind)
			}
		})
	}
}

func TestControllerFormToConfig(t *testing.T) {
	tests := []struct {
		name    string
		form    controllerForm
		wantErr bool
		check   func(t *testing.T, cc config.ControllerConfig)
	}{
		{
			name: "defaults",
			form: controllerForm{name: " rc1 ", host: "10.0.0.5"},
			check: func(t *testing.T, cc config.ControllerConfig) {
				if cc.Name != "rc1" || cc.Port != config.DefaultPort || cc.Interval != config.DefaultInterval {
					t.Errorf("got %+v", cc)
				}
				if cc.Start != config.StartIdle || cc.Terminator != "CRLF" || cc.Locale != "en" {
					t.Errorf("got %+v", cc)
				}
			},
		},
		{
			name: "all fields",
			form: controllerForm{name: "rc2", host: "h", port: "2001", terminator: 1, locale: 1, interval: "500ms", startActive: true},
			check: func(t *testing.T, cc config.ControllerConfig) {
				if cc.Port != 2001 || cc.Terminator != "CR" || cc.Locale != "ja" || cc.Interval != 500*time.Millisecond || cc.Start != config.StartActive {
					t.Errorf("got %+v", cc)
				}
			},
		},
		{name: "missing host", form: controllerForm{name: "rc3"}, wantErr: true},
		{name: "bad interval", form: controllerForm{name: "rc4", host: "h", interval: "soon"}, wantErr: true},
		{name: "port out of range", form: controllerForm{name: "rc5", host: "h", port: "70000"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc, err := tt.form.toConfig()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", cc)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, cc)
		})
	}
}

func TestControllerInfo(t *testing.T) {
	SetTheme("default")
	st := monitor.Status{Name: "rc1", Address: "h:5000", State: monitor.StateConnected, Code: erc.StatusConnected, LastWarning: "odd reply"}
	s := erc.NewState("h", 5000, "en")
	s.Controller.Model = "RC700-A"
	s.Controller.Status.ErrCode = "2000"
	s.Controller.Status.ErrMsg = "Motor overload"
	s.Controller.Status.Signal = &erc.Signals{EmergencyStop: true, Auto: true}
	s.Robots = append(s.Robots, erc.Robot{Number: 1, Name: "arm", Model: "C4", Warnings: &erc.PartWarnings{Belt: true, Gear: true}})

	out := controllerInfo(st, erc.NewSnapshot("rc1", s, time.Now()))
	for _, want := range []string{"odd reply", "RC700-A", "2000 Motor overload", "E-Stop Auto", "Robot 1", "belt, gear"} {
		if !strings.Contains(out, want) {
			t.Errorf("info missing %q:\n%s", want, out)
		}
	}

	noSnap := controllerInfo(st, erc.Snapshot{})
	if strings.Contains(noSnap, "Model") {
		t.Errorf("info without snapshot shows controller details:\n%s", noSnap)
	}
}

func TestApp_ControllersTable(t *testing.T) {
	a := newTestApp(t)
	tab := a.controllersTab

	if rows := tab.table.GetRowCount(); rows != 3 {
		t.Fatalf("rows = %d, want 3", rows)
	}
	if name := tab.getSelectedName(); name != "cell-a" {
		t.Errorf("selected = %q, want cell-a", name)
	}
	if got := tab.table.GetCell(1, 3).Text; got != "disconnected" {
		t.Errorf("status cell = %q", got)
	}
	if got := tab.statusBar.GetText(true); !strings.Contains(got, "2 controllers, 0 connected") {
		t.Errorf("status bar = %q", got)
	}
}

func TestApp_ActivateIdleKeys(t *testing.T) {
	a := newTestApp(t)
	tab := a.controllersTab

	if ev := tab.handleKeys(runeKey('a')); ev != nil {
		t.Error("'a' not consumed")
	}
	if got := statusText(a); !strings.Contains(got, "Activating cell-a") {
		t.Errorf("status = %q", got)
	}

	tab.table.Select(2, 0)
	tab.handleKeys(runeKey('i'))
	if got := statusText(a); !strings.Contains(got, "Idling cell-b") {
		t.Errorf("status = %q", got)
	}

	if ev := tab.handleKeys(runeKey('z')); ev == nil {
		t.Error("unbound key consumed")
	}
}

func TestApp_GlobalKeys(t *testing.T) {
	a := newTestApp(t)

	a.handleGlobalKeys(key(tcell.KeyBacktab))
	if frontPage(a) != TabSinks {
		t.Errorf("front page = %q, want %s", frontPage(a), TabSinks)
	}
	a.handleGlobalKeys(key(tcell.KeyBacktab))
	a.handleGlobalKeys(key(tcell.KeyBacktab))
	if frontPage(a) != TabControllers {
		t.Errorf("tab did not wrap, front page = %q", frontPage(a))
	}

	a.handleGlobalKeys(runeKey('?'))
	if frontPage(a) != "help" {
		t.Fatalf("help not shown, front page = %q", frontPage(a))
	}
	// Keys pass through while a modal is open.
	if ev := a.handleGlobalKeys(key(tcell.KeyBacktab)); ev == nil {
		t.Error("global key intercepted while modal open")
	}
	a.closeModal("help")
	if frontPage(a) != TabControllers {
		t.Errorf("front page after close = %q", frontPage(a))
	}
}

func TestApp_DaemonModeQuitDisconnects(t *testing.T) {
	a := newTestApp(t)
	a.SetDaemonMode(true)

	disconnected := false
	a.SetOnDisconnect(func() { disconnected = true })

	a.handleGlobalKeys(runeKey('Q'))
	if !disconnected {
		t.Error("Q did not request disconnect")
	}
	select {
	case <-a.stopChan:
		t.Error("Q shut down a daemon-mode app")
	default:
	}

	a.handleGlobalKeys(runeKey('?'))
	help, ok := a.app.GetFocus().(interface{ GetText(bool) string })
	if !ok {
		t.Fatal("help view not focused")
	}
	if !strings.Contains(help.GetText(true), "disconnect") {
		t.Error("daemon help does not mention disconnect")
	}
}

func TestApp_ThemeKeySaves(t *testing.T) {
	a := newTestApp(t)

	a.handleGlobalKeys(key(tcell.KeyF6))
	if GetThemeName() != "mono" {
		t.Errorf("theme = %q, want mono", GetThemeName())
	}
	loaded, err := config.Load(a.configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.UI.Theme != "mono" {
		t.Errorf("saved theme = %q, want mono", loaded.UI.Theme)
	}
	SetTheme("default")
}

func TestApp_Sinks(t *testing.T) {
	a := newTestApp(t)

	rows := a.sinksTab.collectSinks()
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want 4: %+v", len(rows), rows)
	}
	if rows[0].Kind != sinkMQTT || rows[0].Status != "Stopped" || rows[0].Address != "tcp://localhost:1883" {
		t.Errorf("mqtt row = %+v", rows[0])
	}
	if rows[1].Kind != sinkKafka || rows[1].Status != "Disconnected" || rows[1].Address != "localhost:9092" {
		t.Errorf("kafka row = %+v", rows[1])
	}
	if rows[2].Kind != sinkPush || rows[2].Status != "Disabled" || rows[2].Address != "POST http://localhost:9/hook" || rows[2].Online {
		t.Errorf("webhook row = %+v", rows[2])
	}
	if err := a.restartSink(sinkPush, "estop-page"); err != nil {
		t.Errorf("restart webhook: %v", err)
	}
	if rows[3].Kind != sinkTrigger || rows[3].Status != "Disabled" || rows[3].Address != "cell-a controller.status.signal.error -> cluster/captures" {
		t.Errorf("trigger row = %+v", rows[3])
	}
	if err := a.restartSink(sinkTrigger, "fault-capture"); err != nil {
		t.Errorf("restart trigger: %v", err)
	}
	if err := a.triggerMgr.TestFireTrigger("fault-capture"); err == nil {
		t.Error("test fire with disconnected cluster succeeded")
	}

	if err := a.restartSink(sinkValkey, "missing"); err == nil {
		t.Error("restart of unknown sink succeeded")
	}
}
