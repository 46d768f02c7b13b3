// Package tui provides the terminal user interface for rcmon.
package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"rcmon/erc"
	"rcmon/monitor"
)

// Theme holds the colors and tview color tags used across the UI.
type Theme struct {
	Name string

	Text      tcell.Color
	TextDim   tcell.Color
	Border    tcell.Color
	Accent    tcell.Color
	Selection tcell.Color

	TagText       string
	TagTextDim    string
	TagAccent     string
	TagPrimary    string
	TagSecondary  string
	TagSuccess    string
	TagWarning    string
	TagError      string
	TagHotkey     string
	TagActionText string
	TagReset      string
}

// Label formats a "key: value" line for info panels.
func (t Theme) Label(key, value string) string {
	return t.TagTextDim + key + ":" + t.TagReset + " " + t.TagText + value + t.TagReset
}

var themes = []Theme{
	{
		Name:          "default",
		Text:          tcell.ColorWhite,
		TextDim:       tcell.ColorGray,
		Border:        tcell.ColorSteelBlue,
		Accent:        tcell.ColorYellow,
		Selection:     tcell.ColorNavy,
		TagText:       "[#ffffff]",
		TagTextDim:    "[#808080]",
		TagAccent:     "[#ffff00]",
		TagPrimary:    "[#5f87ff]",
		TagSecondary:  "[#00afaf]",
		TagSuccess:    "[#00ff00]",
		TagWarning:    "[#ffaf00]",
		TagError:      "[#ff0000]",
		TagHotkey:     "[#ffff00]",
		TagActionText: "[#c0c0c0]",
		TagReset:      "[-]",
	},
	{
		Name:          "mono",
		Text:          tcell.ColorWhite,
		TextDim:       tcell.ColorGray,
		Border:        tcell.ColorWhite,
		Accent:        tcell.ColorWhite,
		Selection:     tcell.ColorDimGray,
		TagText:       "[#ffffff]",
		TagTextDim:    "[#808080]",
		TagAccent:     "[#ffffff]",
		TagPrimary:    "[#ffffff]",
		TagSecondary:  "[#c0c0c0]",
		TagSuccess:    "[#ffffff]",
		TagWarning:    "[#c0c0c0]",
		TagError:      "[#ffffff]",
		TagHotkey:     "[#ffffff]",
		TagActionText: "[#808080]",
		TagReset:      "[-]",
	},
	{
		Name:          "amber",
		Text:          tcell.NewHexColor(0xffb000),
		TextDim:       tcell.NewHexColor(0x996a00),
		Border:        tcell.NewHexColor(0xcc8c00),
		Accent:        tcell.NewHexColor(0xffd27f),
		Selection:     tcell.NewHexColor(0x4d3500),
		TagText:       "[#ffb000]",
		TagTextDim:    "[#996a00]",
		TagAccent:     "[#ffd27f]",
		TagPrimary:    "[#ffc340]",
		TagSecondary:  "[#cc8c00]",
		TagSuccess:    "[#ffd27f]",
		TagWarning:    "[#ff8c00]",
		TagError:      "[#ff5000]",
		TagHotkey:     "[#ffd27f]",
		TagActionText: "[#cc8c00]",
		TagReset:      "[-]",
	},
}

var themeIndex int

// CurrentTheme is the active theme.
var CurrentTheme = themes[0]

// SetTheme activates the named theme. Unknown names select the default.
func SetTheme(name string) {
	for i, th := range themes {
		if strings.EqualFold(th.Name, name) {
			themeIndex = i
			CurrentTheme = th
			return
		}
	}
	themeIndex = 0
	CurrentTheme = themes[0]
}

// NextTheme cycles to the next theme and returns its name.
func NextTheme() string {
	themeIndex = (themeIndex + 1) % len(themes)
	CurrentTheme = themes[themeIndex]
	return CurrentTheme.Name
}

// GetThemeName returns the active theme's name.
func GetThemeName() string {
	return CurrentTheme.Name
}

// ApplyTableTheme sets a table's selection style from the current theme.
func ApplyTableTheme(table *tview.Table) {
	th := CurrentTheme
	table.SetSelectedStyle(tcell.StyleDefault.Background(th.Selection).Foreground(th.Text))
}

// Tab labels
const (
	TabControllers = "Controllers"
	TabSinks       = "Sinks"
	TabDebug       = "Debug"
)

// Status indicator strings
const (
	StatusIndicatorConnected    = "[green]●[-]"
	StatusIndicatorDisconnected = "[gray]○[-]"
	StatusIndicatorConnecting   = "[yellow]◐[-]"
	StatusIndicatorError        = "[red]●[-]"
)

// stateIndicator picks the indicator for a monitor's connection state.
func stateIndicator(st monitor.Status) string {
	switch st.State {
	case monitor.StateConnected:
		return StatusIndicatorConnected
	case monitor.StateConnecting, monitor.StateClosing:
		return StatusIndicatorConnecting
	case monitor.StateReconnecting:
		return StatusIndicatorError
	}
	return StatusIndicatorDisconnected
}

// phaseColor maps a phase to its table cell color.
func phaseColor(p erc.Phase) tcell.Color {
	switch p {
	case erc.PhaseRunning:
		return tcell.ColorGreen
	case erc.PhasePaused:
		return tcell.ColorYellow
	case erc.PhaseReady:
		return tcell.ColorSteelBlue
	case erc.PhaseReset:
		return tcell.ColorGray
	}
	return CurrentTheme.TextDim
}

// stateText renders the state column: the status code plus any countdown.
func stateText(st monitor.Status) string {
	if st.State == monitor.StateReconnecting && st.Countdown > 0 {
		return fmt.Sprintf("%s (%ds)", st.Code, st.Countdown)
	}
	return string(st.Code)
}

// acceptDigits is a validation function for numeric input fields.
func acceptDigits(text string, lastChar rune) bool {
	if text == "" {
		return true
	}
	for _, c := range text {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// HelpText is shown by the ? key.
const HelpText = `[yellow]Global[-]
  Shift+Tab   next tab
  ?           this help
  F6          cycle theme
  Q           quit

[yellow]Controllers[-]
  a           activate
  i           idle
  n           add controller
  x           remove controller
  Enter       details

[yellow]Sinks[-]
  r           restart selected sink
  t           test-fire selected webhook or trigger

[yellow]Debug[-]
  c           clear log
  g / G       top / bottom
`

// HelpTextDaemon is shown by the ? key in remote sessions.
var HelpTextDaemon = strings.Replace(HelpText, "Q           quit", "Q           disconnect", 1)
