// Package erc implements the robot controller's remote command protocol:
// the live state tree, the reply parser, and the single-flight command channel.
package erc

import "time"

// Phase is the coarse execution state of the controller.
type Phase string

const (
	PhaseReset   Phase = "Reset"
	PhaseReady   Phase = "Ready"
	PhaseRunning Phase = "Running"
	PhasePaused  Phase = "Paused"
	PhaseUnknown Phase = "Unknown"
)

// RobotType is the mechanical type reported by GetRobotInfo.
type RobotType string

const (
	RobotJoint     RobotType = "Joint"
	RobotCartesian RobotType = "Cartesian"
	RobotSCARA     RobotType = "SCARA"
	RobotSixAxis   RobotType = "6-axis"
	RobotRS        RobotType = "RS-series"
	RobotN         RobotType = "N-series"
)

var robotTypeCodes = map[string]RobotType{
	"1": RobotJoint,
	"2": RobotCartesian,
	"3": RobotSCARA,
	"5": RobotSixAxis,
	"6": RobotRS,
	"7": RobotN,
}

// NoError is the error code reported by GetStatus when no error is active.
const NoError = "0000"

// Session tracks the protocol session. It is reset on every socket close.
type Session struct {
	Connected    bool   `json:"connected"`
	LoggedIn     bool   `json:"loggedIn"`
	LastCommand  string `json:"lastCommand"`
	LastResponse string `json:"lastResponse"`
}

// Network holds the controller's network settings.
type Network struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Address        string `json:"address"`
	SubnetMask     string `json:"subnetMask"`
	DefaultGateway string `json:"defaultGateway"`
	MACAddress     string `json:"macAddress"`
}

// Preferences is the controller settings bitmask decoded by GetContSettings.
type Preferences struct {
	ResetCommandTurnsOffOutputs                bool `json:"resetCommandTurnsOffOutputs"`
	OutputsOffDuringEmergencyStop              bool `json:"outputsOffDuringEmergencyStop"`
	AllowMotionWithOneOrMoreJointsFree         bool `json:"allowMotionWithOneOrMoreJointsFree"`
	WalkStopsForOutputCommands                 bool `json:"walkStopsForOutputCommands"`
	DryRun                                     bool `json:"dryRun"`
	VirtualIO                                  bool `json:"virtualIO"`
	IncludeProjectFilesWhenStatusExported      bool `json:"includeProjectFilesWhenStatusExported"`
	SafeguardOpenStopsAllTasks                 bool `json:"safeguardOpenStopsAllTasks"`
	IndependentMode                            bool `json:"independentMode"`
	ClearGlobalsWhenMainXXFunctionStarted      bool `json:"clearGlobalsWhenMainXXFunctionStarted"`
	EnableBackgroundTasks                      bool `json:"enableBackgroundTasks"`
	EnableAdvancedTaskCommands                 bool `json:"enableAdvancedTaskCommands"`
	EnableCpPtpConnectionWhenCpIsOn            bool `json:"enableCpPtpConnectionWhenCpIsOn"`
	AutoLJM                                    bool `json:"autoLjm"`
	DisableLJMInTeachMode                      bool `json:"disableLjmInTeachMode"`
	DisablePointFlagsCheck                     bool `json:"disablePointFlagsCheck"`
	MotorOffWhenEnableSwitchOffInTeachMode     bool `json:"motorOffWhenEnableSwitchOffInTeachMode"`
	EnableRobotMaintenanceData                 bool `json:"enableRobotMaintenanceData"`
	ReversePolarityForForcePowerLowRemoteInput bool `json:"reversePolarityForForcePowerLowRemoteInput"`
	TasksArePausedWhenForcePowerLowIsChanged   bool `json:"tasksArePausedWhenForcePowerLowIsChanged"`
	DisableT2Test                              bool `json:"disableT2Test"`
}

// PartHealth is one maintenance record.
type PartHealth struct {
	Installed       time.Time `json:"installed"`
	Consumption     float64   `json:"consumption"`
	MonthsRemaining float64   `json:"monthsRemaining"`
}

// ControllerHealth holds controller-level maintenance data.
type ControllerHealth struct {
	BackupBattery *PartHealth `json:"backupBattery,omitempty"`
}

// Project is the project loaded on the controller.
type Project struct {
	Name string `json:"name,omitempty"`
}

// Signals are the named status bits decoded by GetStatus.
type Signals struct {
	Error         bool `json:"error"`
	EmergencyStop bool `json:"emergencyStop"`
	Safeguard     bool `json:"safeguard"`
	SystemError   bool `json:"systemError"`
	Warning       bool `json:"warning"`
	Auto          bool `json:"auto"`
	Teach         bool `json:"teach"`
	Test          bool `json:"test"`
}

// ErrFunc locates the function where the current error occurred.
type ErrFunc struct {
	Name     string    `json:"name"`
	LineNo   float64   `json:"lineNo"`
	TaskNo   float64   `json:"taskNo"`
	RobotNo  float64   `json:"robotNo"`
	Occurred time.Time `json:"occurred"`
}

// ControllerStatus is refreshed every periodic cycle.
type ControllerStatus struct {
	Signal       *Signals `json:"signal,omitempty"`
	Phase        Phase    `json:"phase"`
	ErrCode      string   `json:"errCode"`
	ErrMsg       string   `json:"errMsg"`
	ErrFunc      *ErrFunc `json:"errFunc,omitempty"`
	CurrentRobot *float64 `json:"currentRobot,omitempty"`
	CPULoad      *float64 `json:"cpuLoad,omitempty"`
}

// Controller is the controller half of the state tree.
type Controller struct {
	Name         string           `json:"name"`
	Model        string           `json:"model"`
	Serial       string           `json:"serial"`
	Firmware     string           `json:"firmware"`
	Camera       string           `json:"camera,omitempty"`
	Network      Network          `json:"network"`
	Preferences  *Preferences     `json:"preferences,omitempty"`
	Health       ControllerHealth `json:"health"`
	Project      Project          `json:"project"`
	ControlledBy string           `json:"controlledBy"`
	Status       ControllerStatus `json:"status"`
}

// NewerFirmware reports whether the controller answered GetContVer.
func (c *Controller) NewerFirmware() bool {
	return c.Firmware != ""
}

// MaintenanceDataEnabled reports whether the robot maintenance data
// preference is known and set.
func (c *Controller) MaintenanceDataEnabled() bool {
	return c.Preferences != nil && c.Preferences.EnableRobotMaintenanceData
}

// PartWarnings are the per-part alarms reported by GetPartWarning.
type PartWarnings struct {
	BackupBattery bool `json:"backupBattery"`
	Belt          bool `json:"belt"`
	Grease        bool `json:"grease"`
	Motor         bool `json:"motor"`
	Gear          bool `json:"gear"`
	BallScrew     bool `json:"ballScrew"`
}

// RobotStatus is the motor and power state reported by GetMotor.
type RobotStatus struct {
	MotorExcitation *bool `json:"motorExcitation,omitempty"`
	PowerHigh       *bool `json:"powerHigh,omitempty"`
}

// Robot is one manipulator attached to the controller. Number is the
// 1-based ordinal fixed at discovery. Joints is 0 when unknown.
type Robot struct {
	Number   int                              `json:"number"`
	Name     string                           `json:"name"`
	Type     RobotType                        `json:"type"`
	Model    string                           `json:"model"`
	Series   string                           `json:"series"`
	Joints   int                              `json:"joints,omitempty"`
	Serial   string                           `json:"serial"`
	Hofs     []float64                        `json:"hofs"`
	Warnings *PartWarnings                    `json:"warnings,omitempty"`
	Health   map[string]map[string]PartHealth `json:"health"`
	Status   RobotStatus                      `json:"status"`
}

// State is the full live-state tree published on every cycle.
type State struct {
	Session
	Locale     string     `json:"locale"`
	Controller Controller `json:"controller"`
	Robots     []Robot    `json:"robots"`
}

// NewState creates an empty state tree for a controller at host:port.
func NewState(host string, port int, locale string) *State {
	return &State{
		Locale: locale,
		Controller: Controller{
			Network: Network{Host: host, Port: port},
		},
		Robots: []Robot{},
	}
}

// ResetSession marks the session disconnected and logged out.
func (s *State) ResetSession() {
	s.Connected = false
	s.LoggedIn = false
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *State) Clone() *State {
	c := *s
	ctrl := &c.Controller
	if s.Controller.Preferences != nil {
		p := *s.Controller.Preferences
		ctrl.Preferences = &p
	}
	if s.Controller.Health.BackupBattery != nil {
		b := *s.Controller.Health.BackupBattery
		ctrl.Health.BackupBattery = &b
	}
	st := &ctrl.Status
	if s.Controller.Status.Signal != nil {
		v := *s.Controller.Status.Signal
		st.Signal = &v
	}
	if s.Controller.Status.ErrFunc != nil {
		v := *s.Controller.Status.ErrFunc
		st.ErrFunc = &v
	}
	if s.Controller.Status.CurrentRobot != nil {
		v := *s.Controller.Status.CurrentRobot
		st.CurrentRobot = &v
	}
	if s.Controller.Status.CPULoad != nil {
		v := *s.Controller.Status.CPULoad
		st.CPULoad = &v
	}

	c.Robots = make([]Robot, len(s.Robots))
	for i, r := range s.Robots {
		r.Hofs = append([]float64(nil), r.Hofs...)
		if r.Warnings != nil {
			w := *r.Warnings
			r.Warnings = &w
		}
		if r.Status.MotorExcitation != nil {
			v := *r.Status.MotorExcitation
			r.Status.MotorExcitation = &v
		}
		if r.Status.PowerHigh != nil {
			v := *r.Status.PowerHigh
			r.Status.PowerHigh = &v
		}
		health := make(map[string]map[string]PartHealth, len(r.Health))
		for joint, parts := range r.Health {
			m := make(map[string]PartHealth, len(parts))
			for name, ph := range parts {
				m[name] = ph
			}
			health[joint] = m
		}
		r.Health = health
		c.Robots[i] = r
	}
	return &c
}

// Snapshot is the output record emitted once per periodic cycle.
type Snapshot struct {
	Controller string `json:"controller"`
	Payload    *State `json:"payload"`
	Timestamp  int64  `json:"timestamp"`
}

// NewSnapshot copies the state and stamps it with t in epoch milliseconds.
func NewSnapshot(controller string, s *State, t time.Time) Snapshot {
	return Snapshot{
		Controller: controller,
		Payload:    s.Clone(),
		Timestamp:  t.UnixMilli(),
	}
}
