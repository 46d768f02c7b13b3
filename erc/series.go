package erc

import "regexp"

// UnknownSeries is reported for models that match no known series.
const UnknownSeries = "Unknown"

type seriesRule struct {
	re     *regexp.Regexp
	series string
}

// Rules are checked in order and the first match wins, so G10 precedes G1
// and the LS*-B rules precede the looser LS20 rule.
var seriesRules = []seriesRule{
	{regexp.MustCompile(`^C3`), "C3"},
	{regexp.MustCompile(`^C4-A6`), "C4"},
	{regexp.MustCompile(`^C4-A9`), "C4L"},
	{regexp.MustCompile(`^C8-A7`), "C8"},
	{regexp.MustCompile(`^C8-A9`), "C8L"},
	{regexp.MustCompile(`^C8-A14`), "C8XL"},
	{regexp.MustCompile(`^C12`), "C12"},
	{regexp.MustCompile(`^G10`), "G10"},
	{regexp.MustCompile(`^G1`), "G1"},
	{regexp.MustCompile(`^G3`), "G3"},
	{regexp.MustCompile(`^G6`), "G6"},
	{regexp.MustCompile(`^G20`), "G20"},
	{regexp.MustCompile(`^LS3-\d`), "LS3"},
	{regexp.MustCompile(`^LS3-B`), "LS3-B"},
	{regexp.MustCompile(`^LS6-\d`), "LS6"},
	{regexp.MustCompile(`^LS6-B`), "LS6-B"},
	{regexp.MustCompile(`^LS10-B`), "LS10-B"},
	{regexp.MustCompile(`^LS20-B`), "LS20-B"},
	{regexp.MustCompile(`^LS20-.`), "LS20"},
	{regexp.MustCompile(`^N2`), "N2"},
	{regexp.MustCompile(`^N6-A850`), "N6_A850"},
	{regexp.MustCompile(`^N6-A1000`), "N6_A1000"},
	{regexp.MustCompile(`^RS3`), "RS3"},
	{regexp.MustCompile(`^RS4`), "RS4"},
	{regexp.MustCompile(`^S5`), "S5"},
	{regexp.MustCompile(`^T3`), "T3"},
	{regexp.MustCompile(`^T6`), "T6"},
	{regexp.MustCompile(`^VT6`), "VT6"},
	{regexp.MustCompile(`^X5S`), "X5S"},
	{regexp.MustCompile(`^X5G.{7}[AD]$`), "X5G_A_D"},
	{regexp.MustCompile(`^X5G.{7}[BC]$`), "X5G_B_C"},
	{regexp.MustCompile(`^X5Z.{7}A$`), "X5Z_A"},
	{regexp.MustCompile(`^X5Z.{7}B$`), "X5Z_B"},
	{regexp.MustCompile(`^X5P.{7}[AD]$`), "X5P_A_D"},
	{regexp.MustCompile(`^X5P.{7}[BC]$`), "X5P_B_C"},
	{regexp.MustCompile(`^X5U.{7}[AD]$`), "X5U_A_D"},
	{regexp.MustCompile(`^X5U.{7}[BC]$`), "X5U_B_C"},
}

// SeriesName classifies a robot model string into its product series.
func SeriesName(model string) string {
	for _, r := range seriesRules {
		if r.re.MatchString(model) {
			return r.series
		}
	}
	return UnknownSeries
}

var (
	reG1ThreeAxis = regexp.MustCompile(`^G1-\d{3}.Z$`)
	reX5S         = regexp.MustCompile(`^X5S`)
	reX5GZ        = regexp.MustCompile(`^X5[GZ]`)
	reX5P         = regexp.MustCompile(`^X5P`)
	reX5U         = regexp.MustCompile(`^X5U`)
)

// JointCount returns the number of joints for a robot type and model, or 0
// when it cannot be determined.
func JointCount(t RobotType, model string) int {
	switch t {
	case RobotCartesian:
		switch {
		case reX5S.MatchString(model):
			return 1
		case reX5GZ.MatchString(model):
			return 2
		case reX5P.MatchString(model):
			return 3
		case reX5U.MatchString(model):
			return 4
		}
		return 0
	case RobotSCARA:
		if reG1ThreeAxis.MatchString(model) {
			return 3
		}
		return 4
	case RobotRS:
		return 4
	case RobotSixAxis, RobotN:
		return 6
	default:
		return 0
	}
}
