package erc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ReplyKind identifies a supported success reply.
type ReplyKind int

const (
	ReplyLogin ReplyKind = iota
	ReplyLogout
	ReplyGetContName
	ReplyGetContNo
	ReplyGetContVer
	ReplyGetContType
	ReplyGetContDev
	ReplyGetSubnetMask
	ReplyGetDefaultGateway
	ReplyGetContMacAdd
	ReplyGetCameraModel
	ReplyGetPrjName
	ReplyGetErrMsg
	ReplyGetCurRobot
	ReplyGetCpuLoad
	ReplyGetRobotName
	ReplyGetRobotSerial
	ReplyGetContSettings
	ReplyGetHofs
	ReplyGetHealthCont
	ReplyGetPartWarning
	ReplyGetHealthRB
	ReplyGetRobotInfo
	ReplyGetStatus
	ReplyGetErrFunc
	ReplyGetMotor

	numReplyKinds
)

var replyNames = [numReplyKinds]string{
	ReplyLogin:             "Login",
	ReplyLogout:            "Logout",
	ReplyGetContName:       "GetContName",
	ReplyGetContNo:         "GetContNo",
	ReplyGetContVer:        "GetContVer",
	ReplyGetContType:       "GetContType",
	ReplyGetContDev:        "GetContDev",
	ReplyGetSubnetMask:     "GetSubnetMask",
	ReplyGetDefaultGateway: "GetDefaultGateway",
	ReplyGetContMacAdd:     "GetContMacAdd",
	ReplyGetCameraModel:    "GetCameraModel",
	ReplyGetPrjName:        "GetPrjName",
	ReplyGetErrMsg:         "GetErrMsg",
	ReplyGetCurRobot:       "GetCurRobot",
	ReplyGetCpuLoad:        "GetCpuLoad",
	ReplyGetRobotName:      "GetRobotName",
	ReplyGetRobotSerial:    "GetRobotSerial",
	ReplyGetContSettings:   "GetContSettings",
	ReplyGetHofs:           "GetHofs",
	ReplyGetHealthCont:     "GetHealthCont",
	ReplyGetPartWarning:    "GetPartWarning",
	ReplyGetHealthRB:       "GetHealthRB",
	ReplyGetRobotInfo:      "GetRobotInfo",
	ReplyGetStatus:         "GetStatus",
	ReplyGetErrFunc:        "GetErrFunc",
	ReplyGetMotor:          "GetMotor",
}

func (k ReplyKind) String() string {
	if k >= 0 && k < numReplyKinds {
		return replyNames[k]
	}
	return "ReplyKind(" + strconv.Itoa(int(k)) + ")"
}

type replyHandler func(*reply)

var replyHandlers [numReplyKinds]replyHandler

var replyByName map[string]ReplyKind

func init() {
	replyHandlers = [numReplyKinds]replyHandler{
		ReplyLogin:             func(r *reply) { r.st.LoggedIn = true },
		ReplyLogout:            func(r *reply) { r.st.LoggedIn = false },
		ReplyGetContName:       func(r *reply) { r.st.Controller.Name = r.field(1) },
		ReplyGetContNo:         func(r *reply) { r.st.Controller.Serial = r.field(1) },
		ReplyGetContVer:        func(r *reply) { r.st.Controller.Firmware = stripSpace(r.field(1)) },
		ReplyGetContType:       func(r *reply) { r.st.Controller.Model = r.field(1) },
		ReplyGetContDev:        func(r *reply) { r.st.Controller.ControlledBy = r.field(1) },
		ReplyGetSubnetMask:     func(r *reply) { r.st.Controller.Network.SubnetMask = r.field(1) },
		ReplyGetDefaultGateway: func(r *reply) { r.st.Controller.Network.DefaultGateway = r.field(1) },
		ReplyGetContMacAdd:     func(r *reply) { r.st.Controller.Network.MACAddress = r.field(1) },
		ReplyGetCameraModel:    func(r *reply) { r.st.Controller.Camera = r.field(1) },
		ReplyGetPrjName:        func(r *reply) { r.st.Controller.Project.Name = r.field(1) },
		ReplyGetErrMsg:         func(r *reply) { r.st.Controller.Status.ErrMsg = r.field(1) },
		ReplyGetCurRobot: func(r *reply) {
			v := r.number(1)
			r.st.Controller.Status.CurrentRobot = &v
		},
		ReplyGetCpuLoad: func(r *reply) {
			v := r.number(1)
			r.st.Controller.Status.CPULoad = &v
		},
		ReplyGetRobotName:    parseRobotName,
		ReplyGetRobotSerial:  parseRobotSerial,
		ReplyGetContSettings: parseContSettings,
		ReplyGetHofs:         parseHofs,
		ReplyGetHealthCont:   parseHealthCont,
		ReplyGetPartWarning:  parsePartWarning,
		ReplyGetHealthRB:     parseHealthRB,
		ReplyGetRobotInfo:    parseRobotInfo,
		ReplyGetStatus:       parseStatus,
		ReplyGetErrFunc:      parseErrFunc,
		ReplyGetMotor:        parseMotor,
	}

	replyByName = make(map[string]ReplyKind, numReplyKinds)
	for k, name := range replyNames {
		replyByName[name] = ReplyKind(k)
	}
}

// LookupReply returns the kind for a reply name such as "GetStatus".
func LookupReply(name string) (ReplyKind, bool) {
	k, ok := replyByName[name]
	return k, ok
}

// ReplyName returns the command name of a raw reply ("#GetStatus,..." gives
// "GetStatus"), or "" if the reply has no leading marker.
func ReplyName(res string) string {
	head, _, _ := strings.Cut(res, ",")
	if len(head) < 1 {
		return ""
	}
	return head[1:]
}

// reply is one parsed record bound to the state it mutates.
type reply struct {
	st     *State
	raw    string
	fields []string
	events []Event
}

func (r *reply) warn(format string, args ...any) {
	r.events = append(r.events, Warning(fmt.Sprintf(format, args...)))
}

// field returns field i, or "" when the reply is too short.
func (r *reply) field(i int) string {
	if i < 0 || i >= len(r.fields) {
		return ""
	}
	return r.fields[i]
}

// number parses field i as a float. Non-numeric fields warn and yield 0.
func (r *reply) number(i int) float64 {
	s := strings.TrimSpace(r.field(i))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		r.warn("Non-numeric field %d in response: %s", i, r.raw)
		return 0
	}
	return v
}

// flag is true when field i is a non-zero number.
func (r *reply) flag(i int) bool {
	v, err := strconv.ParseFloat(strings.TrimSpace(r.field(i)), 64)
	return err == nil && v != 0
}

// bits parses field i as a base-2 bit string.
func (r *reply) bits(i int) (uint64, bool) {
	v, err := strconv.ParseUint(strings.TrimSpace(r.field(i)), 2, 64)
	if err != nil {
		r.warn("Invalid bit string in response: %s", r.raw)
		return 0, false
	}
	return v, true
}

func (r *reply) date(i int) time.Time {
	t, err := ParseDateTime(r.field(i))
	if err != nil {
		r.warn("Invalid date in response: %s", r.raw)
	}
	return t
}

// robot returns the robot with 1-based number n, warning when absent.
func (r *reply) robot(n int) *Robot {
	if n < 1 || n > len(r.st.Robots) {
		r.warn("Robot number %d out of range in response: %s", n, r.raw)
		return nil
	}
	return &r.st.Robots[n-1]
}

// countMatches checks a count-prefixed reply against the known robots.
func (r *reply) countMatches() bool {
	n, err := strconv.Atoi(strings.TrimSpace(r.field(1)))
	if err != nil || n != len(r.st.Robots) {
		r.warn("Response %s and number of robots %d doesn't match.", r.field(1), len(r.st.Robots))
		return false
	}
	return true
}

// Parse applies one decoded reply to st. st.LastCommand must hold the
// command the reply answers. Recoverable anomalies are returned as warning
// events; a session-fatal '!' reply is returned as a *RemoteError.
func Parse(st *State, res string) ([]Event, error) {
	st.LastResponse = res
	fields := strings.Split(res, ",")
	head := fields[0]

	switch {
	case strings.HasPrefix(head, "#"):
	case strings.HasPrefix(head, "!"):
		rerr := &RemoteError{Code: errorCode(fields), Response: res}
		if rerr.Fatal() {
			return nil, rerr
		}
		return []Event{Warning(rerr.Error())}, nil
	default:
		return []Event{Warning("Invalid remote command response: " + res)}, nil
	}

	kind, ok := LookupReply(head[1:])
	if !ok {
		return []Event{Warning("Unsupported response: " + res)}, nil
	}
	r := &reply{st: st, raw: res, fields: fields}
	replyHandlers[kind](r)
	return r.events, nil
}

var digitRun = regexp.MustCompile(`\d+`)

// errorCode takes the code from the second field, falling back to the digits
// directly after the '!' marker.
func errorCode(fields []string) string {
	if len(fields) > 1 && strings.TrimSpace(fields[1]) != "" {
		return strings.TrimSpace(fields[1])
	}
	return digitRun.FindString(fields[0])
}

// commandNumbers extracts the integer arguments of a sent command.
func commandNumbers(cmd string) []int {
	var out []int
	for _, s := range digitRun.FindAllString(cmd, -1) {
		n, err := strconv.Atoi(s)
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}

// ParseDateTime converts the controller's "YYYY/MM/DD hh:mm:ss" UTC stamps.
func ParseDateTime(s string) (time.Time, error) {
	iso := strings.Replace(strings.ReplaceAll(strings.TrimSpace(s), "/", "-"), " ", "T", 1) + "Z"
	return time.Parse(time.RFC3339, iso)
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func parseRobotName(r *reply) {
	if !r.countMatches() {
		return
	}
	for i := range r.st.Robots {
		r.st.Robots[i].Name = r.field(i + 2)
	}
}

func parseRobotSerial(r *reply) {
	if !r.countMatches() {
		return
	}
	for i := range r.st.Robots {
		r.st.Robots[i].Serial = r.field(i + 2)
	}
}

func parseContSettings(r *reply) {
	b, ok := r.bits(1)
	if !ok {
		return
	}
	set := func(n uint) bool { return b&(1<<n) != 0 }
	r.st.Controller.Preferences = &Preferences{
		ResetCommandTurnsOffOutputs:                set(22),
		OutputsOffDuringEmergencyStop:              set(21),
		AllowMotionWithOneOrMoreJointsFree:         set(17),
		WalkStopsForOutputCommands:                 set(18),
		DryRun:                                     set(20),
		VirtualIO:                                  set(16),
		IncludeProjectFilesWhenStatusExported:      set(2),
		SafeguardOpenStopsAllTasks:                 set(15),
		IndependentMode:                            !set(1),
		ClearGlobalsWhenMainXXFunctionStarted:      !set(13),
		EnableBackgroundTasks:                      set(0),
		EnableAdvancedTaskCommands:                 set(14),
		EnableCpPtpConnectionWhenCpIsOn:            set(19),
		AutoLJM:                                    set(9),
		DisableLJMInTeachMode:                      set(7),
		DisablePointFlagsCheck:                     set(8),
		MotorOffWhenEnableSwitchOffInTeachMode:     set(11),
		EnableRobotMaintenanceData:                 set(6),
		ReversePolarityForForcePowerLowRemoteInput: set(5),
		TasksArePausedWhenForcePowerLowIsChanged:   set(4),
		DisableT2Test:                              set(3),
	}
}

func parseHofs(r *reply) {
	nums := commandNumbers(r.st.LastCommand)
	if len(nums) == 0 {
		r.warn("No robot number in command %s for response: %s", r.st.LastCommand, r.raw)
		return
	}
	rb := r.robot(nums[0])
	if rb == nil {
		return
	}
	n := len(r.fields) - 1
	if rb.Joints > 0 && rb.Joints < n {
		n = rb.Joints
	}
	hofs := make([]float64, n)
	for i := range hofs {
		hofs[i] = r.number(i + 1)
	}
	rb.Hofs = hofs
}

func parseHealthCont(r *reply) {
	if r.field(1) == "-1" {
		r.st.Controller.Health = ControllerHealth{}
		return
	}
	r.st.Controller.Health.BackupBattery = &PartHealth{
		Installed:       r.date(1),
		Consumption:     r.number(2),
		MonthsRemaining: r.number(3),
	}
}

func parsePartWarning(r *reply) {
	nums := commandNumbers(r.st.LastCommand)
	if len(nums) == 0 {
		r.warn("No robot number in command %s for response: %s", r.st.LastCommand, r.raw)
		return
	}
	rb := r.robot(nums[0])
	if rb == nil {
		return
	}
	rb.Warnings = &PartWarnings{
		BackupBattery: r.flag(1),
		Belt:          r.flag(2),
		Grease:        r.flag(3),
		Motor:         r.flag(4),
		Gear:          r.flag(5),
		BallScrew:     r.flag(6),
	}
}

// HealthParts maps GetHealthRB part type numbers to their names.
var HealthParts = map[int]string{
	1: "backupBattery",
	2: "belt",
	3: "grease",
	4: "motor",
	5: "gear",
	6: "ballScrew",
}

func parseHealthRB(r *reply) {
	if r.field(1) == "-1" {
		return
	}
	nums := commandNumbers(r.st.LastCommand)
	if len(nums) < 3 {
		r.warn("Incomplete health command %s for response: %s", r.st.LastCommand, r.raw)
		return
	}
	part, ok := HealthParts[nums[1]]
	if !ok {
		r.warn("Unknown part type %d in command %s", nums[1], r.st.LastCommand)
		return
	}
	rb := r.robot(nums[0])
	if rb == nil {
		return
	}
	joint := "joint" + strconv.Itoa(nums[2])
	if nums[1] == 1 {
		joint = "common"
	}
	if rb.Health == nil {
		rb.Health = map[string]map[string]PartHealth{}
	}
	if rb.Health[joint] == nil {
		rb.Health[joint] = map[string]PartHealth{}
	}
	rb.Health[joint][part] = PartHealth{
		Installed:       r.date(1),
		Consumption:     r.number(2),
		MonthsRemaining: r.number(3),
	}
}

func parseRobotInfo(r *reply) {
	n, err := strconv.Atoi(strings.TrimSpace(r.field(1)))
	if err != nil || n < 0 {
		r.warn("Invalid robot count in response: %s", r.raw)
		return
	}
	if n > (len(r.fields)-2)/2 {
		r.warn("Response %s is too short for %d robots", r.raw, n)
		return
	}
	robots := make([]Robot, n)
	for i := range robots {
		code := r.field(i*2 + 2)
		model := r.field(i*2 + 3)
		t, ok := robotTypeCodes[code]
		if !ok {
			t = RobotType("Unknown(" + code + ")")
		}
		robots[i] = Robot{
			Number: i + 1,
			Type:   t,
			Model:  model,
			Series: SeriesName(model),
			Joints: JointCount(t, model),
			Hofs:   []float64{},
			Health: map[string]map[string]PartHealth{},
		}
	}
	r.st.Robots = robots
}

// Status bits reported by GetStatus.
const (
	statusReady = 1 << iota
	statusRunning
	statusPaused
	statusError
	statusEStop
	statusSafeguard
	statusSError
	statusWarning
	statusAuto
	statusTeach
	statusTest
)

// PhaseOf maps the low three status bits to a phase.
func PhaseOf(bits uint64) Phase {
	switch bits & (statusReady | statusRunning | statusPaused) {
	case 0:
		return PhaseReset
	case statusReady:
		return PhaseReady
	case statusRunning:
		return PhaseRunning
	case statusPaused:
		return PhasePaused
	default:
		return PhaseUnknown
	}
}

func parseStatus(r *reply) {
	st := &r.st.Controller.Status
	st.ErrCode = r.field(2)
	b, ok := r.bits(1)
	if ok {
		st.Phase = PhaseOf(b)
		st.Signal = &Signals{
			Error:         b&statusError != 0,
			EmergencyStop: b&statusEStop != 0,
			Safeguard:     b&statusSafeguard != 0,
			SystemError:   b&statusSError != 0,
			Warning:       b&statusWarning != 0,
			Auto:          b&statusAuto != 0,
			Teach:         b&statusTeach != 0,
			Test:          b&statusTest != 0,
		}
	}
	if st.ErrCode == NoError {
		st.ErrMsg = ""
		st.ErrFunc = nil
	}
}

func parseErrFunc(r *reply) {
	st := &r.st.Controller.Status
	if r.field(1) == "0" {
		st.ErrFunc = nil
		return
	}
	st.ErrFunc = &ErrFunc{
		Name:     strings.TrimSpace(r.field(1)),
		LineNo:   r.number(2),
		TaskNo:   r.number(3),
		RobotNo:  r.number(4),
		Occurred: r.date(5),
	}
}

func parseMotor(r *reply) {
	if !r.countMatches() {
		return
	}
	for i := range r.st.Robots {
		excited := r.flag(i*2 + 2)
		high := r.flag(i*2 + 3)
		r.st.Robots[i].Status = RobotStatus{MotorExcitation: &excited, PowerHigh: &high}
	}
}
