package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// DebugTab displays the debug log store.
type DebugTab struct {
	app       *App
	store     *DebugLogStore
	flex      *tview.Flex
	logView   *tview.TextView
	statusBar *tview.TextView
	buttonBar *tview.TextView
	shown     int
}

// NewDebugTab creates a new debug tab.
func NewDebugTab(app *App, store *DebugLogStore) *DebugTab {
	t := &DebugTab{app: app, store: store}
	t.setupUI()
	return t
}

func (t *DebugTab) setupUI() {
	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	t.updateButtonBar()

	t.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetTextColor(CurrentTheme.Text)
	t.logView.SetBorder(true).SetTitle(" Debug Log ").SetBorderColor(CurrentTheme.Border).SetTitleColor(CurrentTheme.Accent)

	t.logView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'c', 'C':
			t.Clear()
			return nil
		case 'G':
			t.logView.ScrollToEnd()
			return nil
		case 'g':
			t.logView.ScrollToBeginning()
			return nil
		}
		return event
	})

	t.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(CurrentTheme.Text)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(t.logView, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
}

// levelTag returns the colored prefix for a log level.
func levelTag(level string) string {
	th := CurrentTheme
	switch level {
	case "":
		return ""
	case LevelError:
		return th.TagError + level + ":" + th.TagReset + " "
	case LevelWarning:
		return th.TagWarning + level + ":" + th.TagReset + " "
	case LevelMonitor:
		return th.TagPrimary + level + ":" + th.TagReset + " "
	case LevelMQTT:
		return th.TagSuccess + level + ":" + th.TagReset + " "
	}
	return th.TagAccent + level + ":" + th.TagReset + " "
}

// formatMessages renders messages for the log view.
func formatMessages(msgs []LogMessage) string {
	th := CurrentTheme
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(th.TagTextDim)
		b.WriteString(m.Timestamp.Format("15:04:05.000"))
		b.WriteString(th.TagReset)
		b.WriteByte(' ')
		b.WriteString(levelTag(m.Level))
		b.WriteString(tview.Escape(m.Message))
		b.WriteByte('\n')
	}
	return b.String()
}

// Clear clears the debug log.
func (t *DebugTab) Clear() {
	t.store.Clear()
	t.shown = 0
	t.logView.SetText("")
	t.updateStatusBar(0)
}

// GetPrimitive returns the main primitive for this tab.
func (t *DebugTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *DebugTab) GetFocusable() tview.Primitive {
	return t.logView
}

// Refresh redraws the log if the store changed.
// Must be called from QueueUpdateDraw or main goroutine.
func (t *DebugTab) Refresh() {
	msgs := t.store.GetMessages()
	if len(msgs) == t.shown && len(msgs) < t.store.maxLines {
		return
	}
	t.shown = len(msgs)
	t.logView.SetText(formatMessages(msgs))
	t.logView.ScrollToEnd()
	t.updateStatusBar(len(msgs))
}

func (t *DebugTab) updateStatusBar(n int) {
	t.statusBar.SetText(fmt.Sprintf(" %d log lines (max %d)", n, t.store.maxLines))
}

func (t *DebugTab) updateButtonBar() {
	th := CurrentTheme
	buttonText := " " + th.TagHotkey + "c" + th.TagActionText + "lear  " +
		th.TagHotkey + "g" + th.TagActionText + " top  " +
		th.TagHotkey + "G" + th.TagActionText + " bottom  " +
		th.TagHotkey + "↑↓" + th.TagActionText + " scroll  " +
		th.TagActionText + "│  " +
		th.TagHotkey + "?" + th.TagActionText + " help  " +
		th.TagHotkey + "Shift+Tab" + th.TagActionText + " next tab " + th.TagReset
	t.buttonBar.SetText(buttonText)
}

// RefreshTheme updates theme-dependent UI elements.
func (t *DebugTab) RefreshTheme() {
	t.updateButtonBar()
	th := CurrentTheme
	t.logView.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.logView.SetTextColor(th.Text)
	t.statusBar.SetTextColor(th.Text)
	t.shown = -1
	t.Refresh()
}
