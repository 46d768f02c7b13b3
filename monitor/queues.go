package monitor

import (
	"fmt"

	"rcmon/erc"
)

// Run once after login on every firmware.
var queueOnceCommon = []string{
	"$GetContName",
	"$GetContNo",
	"$GetContVer", // old firmware answers !11 and firmware stays empty
	"$GetRobotInfo",
}

// Run once after login on newer firmware.
var queueOnceNewer = []string{
	"$GetContType",
	"$GetSubnetMask",
	"$GetDefaultGateway",
	"$GetContMacAdd",
	"$GetContSettings",
	"$GetContDev",
}

// Run once after login on newer firmware with robots attached.
var queueOnceNewerAndRobots = []string{
	"$GetRobotName,0",
	"$GetRobotSerial,0",
}

// Run every cycle.
var queuePeriodicCommon = []string{
	"$GetCurRobot",
	"$GetCpuLoad",
	"$GetPrjName",
	"$GetStatus",
}

// Run every cycle on newer firmware with robots attached.
var queuePeriodicNewerAndRobots = []string{
	"$GetMotor,0",
}

// GetHealthRB "<part>,<joint>" suffixes per arm layout. The first entry is
// the backup battery, whose joint argument is required but ignored.
var (
	partHealth3AxisScara = []string{
		"1,1",
		"3,1", "4,1", "5,1",
		"3,2", "4,2", "5,2",
		"2,3", "3,3", "4,3", "6,3",
	}
	partHealth4AxisScara = []string{
		"1,1",
		"2,1", "3,1", "4,1", "5,1",
		"2,2", "3,2", "4,2", "5,2",
		"2,3", "3,3", "4,3", "6,3",
		"2,4", "3,4", "4,4", "5,4",
	}
	partHealth6Axis = []string{
		"1,1",
		"2,1", "3,1", "4,1", "5,1",
		"2,2", "3,2", "4,2", "5,2",
		"2,3", "3,3", "4,3", "5,3",
		"2,4", "3,4", "4,4", "5,4",
		"2,5", "3,5", "4,5", "5,5",
		"2,6", "3,6", "4,6", "5,6",
	}
)

// OnceQueue returns the conditional discovery commands that follow the
// common discovery queue.
func OnceQueue(st *erc.State) []string {
	if !st.Controller.NewerFirmware() {
		return nil
	}
	q := append([]string(nil), queueOnceNewer...)
	if len(st.Robots) > 0 {
		q = append(q, queueOnceNewerAndRobots...)
		for i := range st.Robots {
			q = append(q, fmt.Sprintf("$GetHofs,%d", i+1))
		}
	}
	return q
}

// PeriodicQueue returns the commands run every cycle.
func PeriodicQueue(st *erc.State) []string {
	q := append([]string(nil), queuePeriodicCommon...)
	if st.Controller.NewerFirmware() && len(st.Robots) > 0 {
		q = append(q, queuePeriodicNewerAndRobots...)
	}
	return q
}

// DailyQueue returns the maintenance commands and a warning for every robot
// whose part health cannot be queried.
func DailyQueue(st *erc.State) ([]string, []erc.Event) {
	if !st.Controller.NewerFirmware() {
		return nil, nil
	}
	maintenance := st.Controller.MaintenanceDataEnabled()

	var q []string
	var warnings []erc.Event
	if maintenance {
		q = append(q, "$GetHealthCont")
	}
	for i, r := range st.Robots {
		n := i + 1
		q = append(q, fmt.Sprintf("$GetPartWarning,%d", n))
		if !maintenance {
			continue
		}

		var parts []string
		switch r.Type {
		case erc.RobotSCARA, erc.RobotRS:
			switch r.Joints {
			case 3:
				parts = partHealth3AxisScara
			case 4:
				parts = partHealth4AxisScara
			}
		case erc.RobotSixAxis, erc.RobotN:
			parts = partHealth6Axis
		case erc.RobotJoint, erc.RobotCartesian:
			warnings = append(warnings, erc.Warning(fmt.Sprintf(
				"Joint or Cartesian type robot was detected for robot number %d. Part health data is not available.", r.Number)))
		default:
			warnings = append(warnings, erc.Warning(fmt.Sprintf(
				"Unsupported robot type was detected for robot number %d. Part health data is not available.", r.Number)))
		}
		for _, p := range parts {
			q = append(q, fmt.Sprintf("$GetHealthRB,%d,%s", n, p))
		}
	}
	return q, warnings
}

// ErrorQueue returns the follow-up queries for an active error code.
func ErrorQueue(st *erc.State, localeNumber int) []string {
	code := st.Controller.Status.ErrCode
	if code == "" || code == erc.NoError {
		return nil
	}
	q := []string{fmt.Sprintf("$GetErrMsg,%s,%d", code, localeNumber)}
	if st.Controller.NewerFirmware() {
		q = append(q, "$GetErrFunc,"+code)
	}
	return q
}
