package erc

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestState() *State {
	st := NewState("192.168.0.1", 5000, "en")
	st.Connected = true
	return st
}

func mustParse(t *testing.T, st *State, cmd, res string) []Event {
	t.Helper()
	st.LastCommand = cmd
	events, err := Parse(st, res)
	if err != nil {
		t.Fatalf("Parse(%q): %v", res, err)
	}
	return events
}

func withRobots(t *testing.T, st *State) {
	t.Helper()
	mustParse(t, st, "$GetRobotInfo", "#GetRobotInfo,2,3,G6-453S,5,C4-A601S")
}

func TestReplyTableComplete(t *testing.T) {
	for k := ReplyKind(0); k < numReplyKinds; k++ {
		if replyNames[k] == "" {
			t.Errorf("reply kind %d has no name", k)
		}
		if replyHandlers[k] == nil {
			t.Errorf("reply %s has no handler", k)
		}
		if got, ok := LookupReply(replyNames[k]); !ok || got != k {
			t.Errorf("LookupReply(%q) = %v, %v", replyNames[k], got, ok)
		}
	}
	if len(replyByName) != int(numReplyKinds) {
		t.Errorf("duplicate reply names: %d names for %d kinds", len(replyByName), numReplyKinds)
	}
}

func TestParseSessionReplies(t *testing.T) {
	st := newTestState()
	mustParse(t, st, "$Login,", "#Login")
	if !st.LoggedIn {
		t.Error("expected loggedIn after #Login")
	}
	mustParse(t, st, "$Logout", "#Logout")
	if st.LoggedIn {
		t.Error("expected logged out after #Logout")
	}
	if st.LastResponse != "#Logout" || st.LastCommand != "$Logout" {
		t.Errorf("last = %q / %q", st.LastCommand, st.LastResponse)
	}
}

func TestParseScalarReplies(t *testing.T) {
	tests := []struct {
		res   string
		check func(*State) string
		want  string
	}{
		{"#GetContName,0", func(s *State) string { return s.Controller.Name }, "0"},
		{"#GetContNo,12345", func(s *State) string { return s.Controller.Serial }, "12345"},
		{"#GetContVer,7.5. 1 .0", func(s *State) string { return s.Controller.Firmware }, "7.5.1.0"},
		{"#GetContType,RC700-A", func(s *State) string { return s.Controller.Model }, "RC700-A"},
		{"#GetContDev,21", func(s *State) string { return s.Controller.ControlledBy }, "21"},
		{"#GetSubnetMask,255.255.255.0", func(s *State) string { return s.Controller.Network.SubnetMask }, "255.255.255.0"},
		{"#GetDefaultGateway,192.168.0.254", func(s *State) string { return s.Controller.Network.DefaultGateway }, "192.168.0.254"},
		{"#GetContMacAdd,00:11:22:33:44:55", func(s *State) string { return s.Controller.Network.MACAddress }, "00:11:22:33:44:55"},
		{"#GetCameraModel,CV2-A", func(s *State) string { return s.Controller.Camera }, "CV2-A"},
		{"#GetPrjName,Palletizing", func(s *State) string { return s.Controller.Project.Name }, "Palletizing"},
		{"#GetErrMsg,Motor overheat", func(s *State) string { return s.Controller.Status.ErrMsg }, "Motor overheat"},
	}
	for _, tc := range tests {
		t.Run(ReplyName(tc.res), func(t *testing.T) {
			st := newTestState()
			if ev := mustParse(t, st, "$"+ReplyName(tc.res), tc.res); len(ev) != 0 {
				t.Errorf("unexpected events %v", ev)
			}
			if got := tc.check(st); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseNumericReplies(t *testing.T) {
	st := newTestState()
	mustParse(t, st, "$GetCurRobot", "#GetCurRobot,2")
	mustParse(t, st, "$GetCpuLoad", "#GetCpuLoad,37.5")
	if st.Controller.Status.CurrentRobot == nil || *st.Controller.Status.CurrentRobot != 2 {
		t.Errorf("currentRobot = %v", st.Controller.Status.CurrentRobot)
	}
	if st.Controller.Status.CPULoad == nil || *st.Controller.Status.CPULoad != 37.5 {
		t.Errorf("cpuLoad = %v", st.Controller.Status.CPULoad)
	}

	events := mustParse(t, st, "$GetCpuLoad", "#GetCpuLoad,abc")
	if len(events) != 1 || events[0].Kind != EventWarning {
		t.Errorf("expected one warning for non-numeric field, got %v", events)
	}
}

func TestParseErrorReplies(t *testing.T) {
	t.Run("non-fatal becomes warning", func(t *testing.T) {
		st := newTestState()
		events := mustParse(t, st, "$GetContVer", "!GetContVer,11")
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		want := "Remote command: !GetContVer,11: Remote command is wrong, or Login is not executed"
		if events[0].Kind != EventWarning || events[0].Text != want {
			t.Errorf("event = %+v", events[0])
		}
		if st.Controller.Firmware != "" {
			t.Error("error reply must not change state")
		}
	})

	for _, code := range []string{"13", "98"} {
		t.Run("fatal "+code, func(t *testing.T) {
			st := newTestState()
			st.LastCommand = "$Login,bad"
			_, err := Parse(st, "!Login,"+code)
			var re *RemoteError
			if !errors.As(err, &re) || re.Code != code || !re.Fatal() {
				t.Fatalf("Parse error = %v", err)
			}
			if !IsFatal(err) {
				t.Error("IsFatal = false")
			}
			if !strings.Contains(err.Error(), RemoteErrorMessage(code)) {
				t.Errorf("message %q", err.Error())
			}
		})
	}

	t.Run("code after marker", func(t *testing.T) {
		st := newTestState()
		_, err := Parse(st, "!13")
		if !IsFatal(err) {
			t.Errorf("expected fatal error for !13, got %v", err)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		st := newTestState()
		events := mustParse(t, st, "$GetStatus", "GetStatus,1")
		if len(events) != 1 || events[0].Text != "Invalid remote command response: GetStatus,1" {
			t.Errorf("events = %v", events)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		st := newTestState()
		events := mustParse(t, st, "$GetForceSerial", "#GetForceSerial,1")
		if len(events) != 1 || events[0].Text != "Unsupported response: #GetForceSerial,1" {
			t.Errorf("events = %v", events)
		}
	})
}

func TestParseRobotInfo(t *testing.T) {
	st := newTestState()
	mustParse(t, st, "$GetRobotInfo", "#GetRobotInfo,2,1,G1-252S,3,C4-A701S")
	if len(st.Robots) != 2 {
		t.Fatalf("robots = %d", len(st.Robots))
	}
	r1, r2 := st.Robots[0], st.Robots[1]
	if r1.Number != 1 || r1.Type != RobotJoint || r1.Series != "G1" || r1.Joints != 0 {
		t.Errorf("robot 1 = %+v", r1)
	}
	if r2.Number != 2 || r2.Type != RobotSCARA || r2.Series != UnknownSeries || r2.Joints != 4 {
		t.Errorf("robot 2 = %+v", r2)
	}

	// the same reply applied again yields the same robot list
	before := append([]Robot(nil), st.Robots...)
	mustParse(t, st, "$GetRobotInfo", "#GetRobotInfo,2,1,G1-252S,3,C4-A701S")
	if !reflect.DeepEqual(before, st.Robots) {
		t.Errorf("reapplied reply changed robots:\n got %+v\nwant %+v", st.Robots, before)
	}

	// replaced, not merged
	mustParse(t, st, "$GetRobotInfo", "#GetRobotInfo,1,5,C8-A701S")
	if len(st.Robots) != 1 || st.Robots[0].Series != "C8" || st.Robots[0].Joints != 6 {
		t.Errorf("robots after replace = %+v", st.Robots)
	}

	tests := []struct {
		name string
		res  string
	}{
		{"short reply", "#GetRobotInfo,3,5,C8-A701S"},
		{"count overflows", "#GetRobotInfo,4611686018427387904,3,G1"},
		{"max int count", "#GetRobotInfo,9223372036854775807,3,G1"},
		{"negative count", "#GetRobotInfo,-1"},
		{"missing count", "#GetRobotInfo"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			events := mustParse(t, st, "$GetRobotInfo", tc.res)
			if len(events) != 1 || events[0].Kind != EventWarning {
				t.Errorf("events = %v, want one warning", events)
			}
			if len(st.Robots) != 1 || st.Robots[0].Series != "C8" {
				t.Errorf("robots changed: %+v", st.Robots)
			}
		})
	}
}

func TestParseCountCheckedReplies(t *testing.T) {
	st := newTestState()
	withRobots(t, st)

	mustParse(t, st, "$GetRobotName,0", "#GetRobotName,2,left,right")
	mustParse(t, st, "$GetRobotSerial,0", "#GetRobotSerial,2,S1,S2")
	if st.Robots[0].Name != "left" || st.Robots[1].Name != "right" {
		t.Errorf("names = %q %q", st.Robots[0].Name, st.Robots[1].Name)
	}
	if st.Robots[0].Serial != "S1" || st.Robots[1].Serial != "S2" {
		t.Errorf("serials = %q %q", st.Robots[0].Serial, st.Robots[1].Serial)
	}

	mustParse(t, st, "$GetMotor,0", "#GetMotor,2,1,0,0,1")
	m1, m2 := st.Robots[0].Status, st.Robots[1].Status
	if !*m1.MotorExcitation || *m1.PowerHigh || *m2.MotorExcitation || !*m2.PowerHigh {
		t.Errorf("motor status = %+v %+v", m1, m2)
	}

	before := append([]Robot(nil), st.Robots...)
	for i := 0; i < 3; i++ {
		events := mustParse(t, st, "$GetRobotName,0", "#GetRobotName,3,a,b,c")
		if len(events) != 1 || events[0].Text != "Response 3 and number of robots 2 doesn't match." {
			t.Errorf("attempt %d: events = %v", i, events)
		}
		if !reflect.DeepEqual(before, st.Robots) {
			t.Fatalf("attempt %d: mismatched count changed robots: %+v", i, st.Robots)
		}
	}
}

func TestParseContSettings(t *testing.T) {
	st := newTestState()
	// bits 6 (maintenance data), 1 (inverted independent mode) and 0 set
	mustParse(t, st, "$GetContSettings", "#GetContSettings,1000011")
	p := st.Controller.Preferences
	if p == nil {
		t.Fatal("preferences not set")
	}
	if !p.EnableRobotMaintenanceData || !p.EnableBackgroundTasks {
		t.Errorf("expected bits 6 and 0 set: %+v", p)
	}
	if p.IndependentMode {
		t.Error("independentMode is inverted: bit 1 set means false")
	}
	if !p.ClearGlobalsWhenMainXXFunctionStarted {
		t.Error("clearGlobals is inverted: bit 13 clear means true")
	}
	if p.DryRun || p.VirtualIO {
		t.Errorf("unexpected flags: %+v", p)
	}
	if !st.Controller.MaintenanceDataEnabled() {
		t.Error("MaintenanceDataEnabled = false")
	}

	mustParse(t, st, "$GetContSettings", "#GetContSettings,10000000000000000000000")
	if !st.Controller.Preferences.ResetCommandTurnsOffOutputs {
		t.Error("bit 22 not decoded")
	}
}

func TestParseContSettingsBits0And14(t *testing.T) {
	st := newTestState()
	mustParse(t, st, "$GetContSettings", "#GetContSettings,100000000000001")
	p := *st.Controller.Preferences

	want := Preferences{
		EnableBackgroundTasks:                 true,
		EnableAdvancedTaskCommands:            true,
		IndependentMode:                       true,
		ClearGlobalsWhenMainXXFunctionStarted: true,
	}
	if p != want {
		t.Errorf("preferences = %+v, want %+v", p, want)
	}
}

func TestParseHofs(t *testing.T) {
	st := newTestState()
	withRobots(t, st) // robot 1 SCARA 4 joints, robot 2 6-axis

	mustParse(t, st, "$GetHofs,1", "#GetHofs,1,2,3,4,5,6,7,8,9")
	if got := st.Robots[0].Hofs; len(got) != 4 || got[3] != 4 {
		t.Errorf("robot 1 hofs = %v", got)
	}
	mustParse(t, st, "$GetHofs,2", "#GetHofs,10,20,30,40,50,60,0,0,0")
	if got := st.Robots[1].Hofs; len(got) != 6 || got[0] != 10 {
		t.Errorf("robot 2 hofs = %v", got)
	}

	events := mustParse(t, st, "$GetHofs,7", "#GetHofs,1,2")
	if len(events) != 1 {
		t.Errorf("out-of-range robot should warn, got %v", events)
	}
}

func TestParseHealth(t *testing.T) {
	st := newTestState()
	withRobots(t, st)

	mustParse(t, st, "$GetHealthCont", "#GetHealthCont,2024/05/01 08:30:00,12.5,40")
	bb := st.Controller.Health.BackupBattery
	want := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	if bb == nil || !bb.Installed.Equal(want) || bb.Consumption != 12.5 || bb.MonthsRemaining != 40 {
		t.Errorf("backupBattery = %+v", bb)
	}
	mustParse(t, st, "$GetHealthCont", "#GetHealthCont,-1")
	if st.Controller.Health.BackupBattery != nil {
		t.Error("-1 should clear controller health")
	}

	mustParse(t, st, "$GetHealthRB,2,1,1", "#GetHealthRB,2023/01/15 10:20:30,5,60")
	mustParse(t, st, "$GetHealthRB,2,4,6", "#GetHealthRB,2023/01/15 10:20:30,80.5,3")
	h := st.Robots[1].Health
	if _, ok := h["common"]["backupBattery"]; !ok {
		t.Errorf("battery should be stored under common: %v", h)
	}
	if m := h["joint6"]["motor"]; m.Consumption != 80.5 || m.MonthsRemaining != 3 {
		t.Errorf("joint6 motor = %+v", m)
	}

	mustParse(t, st, "$GetHealthRB,1,2,3", "#GetHealthRB,-1")
	if len(st.Robots[0].Health) != 0 {
		t.Error("-1 health reply must not store anything")
	}
}

func TestParsePartWarning(t *testing.T) {
	st := newTestState()
	withRobots(t, st)
	mustParse(t, st, "$GetPartWarning,2", "#GetPartWarning,0,1,0,0,1,0")
	w := st.Robots[1].Warnings
	if w == nil || w.BackupBattery || !w.Belt || w.Grease || w.Motor || !w.Gear || w.BallScrew {
		t.Errorf("warnings = %+v", w)
	}
	if st.Robots[0].Warnings != nil {
		t.Error("robot 1 should be untouched")
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		bits  string
		phase Phase
	}{
		{"00000000000", PhaseReset},
		{"00000000001", PhaseReady},
		{"00000000010", PhaseRunning},
		{"00000000100", PhasePaused},
		{"00000000011", PhaseUnknown},
		{"00000000101", PhaseUnknown},
		{"00000000110", PhaseUnknown},
		{"00000000111", PhaseUnknown},
	}
	for _, tc := range tests {
		st := newTestState()
		mustParse(t, st, "$GetStatus", "#GetStatus,"+tc.bits+",0000")
		if st.Controller.Status.Phase != tc.phase {
			t.Errorf("%s: phase = %s, want %s", tc.bits, st.Controller.Status.Phase, tc.phase)
		}
	}

	st := newTestState()
	st.Controller.Status.ErrMsg = "old"
	st.Controller.Status.ErrFunc = &ErrFunc{Name: "main"}
	mustParse(t, st, "$GetStatus", "#GetStatus,10100101001,0000")
	sig := st.Controller.Status.Signal
	if !sig.Test || sig.Teach || !sig.Auto || sig.Warning || sig.SystemError || !sig.Safeguard || sig.EmergencyStop || !sig.Error {
		t.Errorf("signal = %+v", sig)
	}
	if st.Controller.Status.ErrMsg != "" || st.Controller.Status.ErrFunc != nil {
		t.Error("errCode 0000 should clear errMsg and errFunc")
	}

	mustParse(t, st, "$GetStatus", "#GetStatus,00000001001,2010")
	if st.Controller.Status.ErrCode != "2010" {
		t.Errorf("errCode = %s", st.Controller.Status.ErrCode)
	}
}

func TestParseErrFunc(t *testing.T) {
	st := newTestState()
	mustParse(t, st, "$GetErrFunc,2010", "#GetErrFunc,main      ,42,1,2,2024/02/29 23:59:59")
	ef := st.Controller.Status.ErrFunc
	if ef == nil || ef.Name != "main" || ef.LineNo != 42 || ef.TaskNo != 1 || ef.RobotNo != 2 {
		t.Fatalf("errFunc = %+v", ef)
	}
	if ef.Occurred.Day() != 29 {
		t.Errorf("occurred = %v", ef.Occurred)
	}
	mustParse(t, st, "$GetErrFunc,2010", "#GetErrFunc,0")
	if st.Controller.Status.ErrFunc != nil {
		t.Error("0 should clear errFunc")
	}
}

func TestCloneIsDeep(t *testing.T) {
	st := newTestState()
	withRobots(t, st)
	mustParse(t, st, "$GetHealthRB,1,1,1", "#GetHealthRB,2023/01/15 10:20:30,5,60")
	mustParse(t, st, "$GetCpuLoad", "#GetCpuLoad,10")

	c := st.Clone()
	c.Robots[0].Name = "changed"
	c.Robots[0].Health["common"]["backupBattery"] = PartHealth{Consumption: 99}
	*c.Controller.Status.CPULoad = 99

	if st.Robots[0].Name == "changed" {
		t.Error("robot slice shared")
	}
	if st.Robots[0].Health["common"]["backupBattery"].Consumption == 99 {
		t.Error("health map shared")
	}
	if *st.Controller.Status.CPULoad == 99 {
		t.Error("cpuLoad pointer shared")
	}
}
