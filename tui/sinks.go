package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"rcmon/kafka"
	"rcmon/push"
	"rcmon/trigger"
)

// Sink kinds shown in the sinks table.
const (
	sinkMQTT    = "MQTT"
	sinkValkey  = "Valkey"
	sinkKafka   = "Kafka"
	sinkPush    = "Webhook"
	sinkTrigger = "Trigger"
)

// sinkRow is one publisher, store or cluster.
type sinkRow struct {
	Kind    string
	Name    string
	Address string
	Enabled bool
	Online  bool
	Status  string
}

// SinksTab shows every configured MQTT broker, Valkey server, Kafka
// cluster, webhook and trigger with its status.
type SinksTab struct {
	app        *App
	flex       *tview.Flex
	table      *tview.Table
	tableFrame *tview.Frame
	statusBar  *tview.TextView
	buttonBar  *tview.TextView
	rows       []sinkRow
}

var sinkHeaders = []string{"", "Type", "Name", "Address", "Enabled", "Status"}

// NewSinksTab creates the sinks tab.
func NewSinksTab(app *App) *SinksTab {
	t := &SinksTab{app: app}
	t.setupUI()
	t.Refresh()
	return t
}

func (t *SinksTab) setupUI() {
	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	t.updateButtonBar()

	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	ApplyTableTheme(t.table)
	t.table.SetInputCapture(t.handleKeys)
	t.setHeaders()

	t.tableFrame = tview.NewFrame(t.table).SetBorders(1, 0, 0, 0, 1, 1)
	t.tableFrame.SetBorder(true).SetTitle(" Sinks ").SetBorderColor(CurrentTheme.Border).SetTitleColor(CurrentTheme.Accent)

	t.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(CurrentTheme.Text)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(t.tableFrame, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
}

func (t *SinksTab) setHeaders() {
	for i, h := range sinkHeaders {
		t.table.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(CurrentTheme.Accent).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}
}

func (t *SinksTab) handleKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'r':
		t.restartSelected()
		return nil
	case 't':
		t.testSelected()
		return nil
	}
	return event
}

// GetPrimitive returns the main primitive for this tab.
func (t *SinksTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *SinksTab) GetFocusable() tview.Primitive {
	return t.table
}

// collectSinks gathers rows from every configured manager.
func (t *SinksTab) collectSinks() []sinkRow {
	var rows []sinkRow
	if m := t.app.mqttMgr; m != nil {
		for _, pub := range m.List() {
			cfg := pub.Config()
			row := sinkRow{Kind: sinkMQTT, Name: pub.Name(), Address: pub.Address(), Enabled: cfg.Enabled, Online: pub.IsRunning()}
			row.Status = onlineText(row.Online)
			rows = append(rows, row)
		}
	}
	if m := t.app.valkeyMgr; m != nil {
		for _, pub := range m.List() {
			cfg := pub.Config()
			row := sinkRow{Kind: sinkValkey, Name: pub.Name(), Address: pub.Address(), Enabled: cfg.Enabled, Online: pub.IsRunning()}
			row.Status = onlineText(row.Online)
			rows = append(rows, row)
		}
	}
	if m := t.app.kafkaMgr; m != nil {
		for _, name := range m.ListClusters() {
			p := m.GetProducer(name)
			if p == nil {
				continue
			}
			status, err := m.GetClusterStatus(name)
			row := sinkRow{
				Kind:    sinkKafka,
				Name:    name,
				Address: strings.Join(p.Config().Brokers, ","),
				Enabled: p.Config().Enabled,
				Online:  status == kafka.StatusConnected,
				Status:  status.String(),
			}
			if err != nil {
				row.Status += ": " + err.Error()
			}
			rows = append(rows, row)
		}
	}
	if m := t.app.pushMgr; m != nil {
		for _, info := range m.GetAllPushInfo() {
			row := sinkRow{
				Kind:    sinkPush,
				Name:    info.Name,
				Address: info.Method + " " + info.URL,
				Enabled: info.Enabled,
				Online:  info.Enabled && info.Status != push.StatusDisabled.String(),
				Status:  info.Status,
			}
			if info.SendCount > 0 {
				row.Status += fmt.Sprintf(" (%d sent, last HTTP %d)", info.SendCount, info.LastHTTPCode)
			}
			if info.Error != "" {
				row.Status += ": " + info.Error
			}
			rows = append(rows, row)
		}
	}
	if m := t.app.triggerMgr; m != nil {
		for _, info := range m.GetAllTriggerInfo() {
			addr := info.Controller + " " + info.Field
			if info.Topic != "" {
				addr += " -> " + info.Cluster + "/" + info.Topic
			}
			row := sinkRow{
				Kind:    sinkTrigger,
				Name:    info.Name,
				Address: addr,
				Enabled: info.Enabled,
				Online:  info.Enabled && info.Status != trigger.StatusDisabled.String(),
				Status:  info.Status,
			}
			if info.FireCount > 0 {
				row.Status += fmt.Sprintf(" (%d fired)", info.FireCount)
			}
			if info.Error != "" {
				row.Status += ": " + info.Error
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func onlineText(online bool) string {
	if online {
		return "Running"
	}
	return "Stopped"
}

// Refresh rebuilds the table.
// Must be called from QueueUpdateDraw or main goroutine.
func (t *SinksTab) Refresh() {
	row, _ := t.table.GetSelection()
	for r := t.table.GetRowCount() - 1; r > 0; r-- {
		t.table.RemoveRow(r)
	}

	th := CurrentTheme
	t.rows = t.collectSinks()
	online := 0
	for i, s := range t.rows {
		indicator := StatusIndicatorDisconnected
		if s.Online {
			indicator = StatusIndicatorConnected
			online++
		} else if s.Enabled {
			indicator = StatusIndicatorError
		}
		enabled := "no"
		if s.Enabled {
			enabled = "yes"
		}
		t.table.SetCell(i+1, 0, tview.NewTableCell(indicator))
		t.table.SetCell(i+1, 1, tview.NewTableCell(s.Kind).SetTextColor(th.TextDim))
		t.table.SetCell(i+1, 2, tview.NewTableCell(s.Name).SetTextColor(th.Text))
		t.table.SetCell(i+1, 3, tview.NewTableCell(s.Address).SetTextColor(th.TextDim))
		t.table.SetCell(i+1, 4, tview.NewTableCell(enabled).SetTextColor(th.Text))
		t.table.SetCell(i+1, 5, tview.NewTableCell(tview.Escape(s.Status)).SetTextColor(th.Text))
	}
	if row > 0 && row <= len(t.rows) {
		t.table.Select(row, 0)
	} else if len(t.rows) > 0 {
		t.table.Select(1, 0)
	}
	t.statusBar.SetText(fmt.Sprintf(" %d sinks, %d online", len(t.rows), online))
}

func (t *SinksTab) selected() (sinkRow, bool) {
	row, _ := t.table.GetSelection()
	if row <= 0 || row > len(t.rows) {
		return sinkRow{}, false
	}
	return t.rows[row-1], true
}

// restartSelected stops and restarts the selected sink in the background.
func (t *SinksTab) restartSelected() {
	s, ok := t.selected()
	if !ok {
		return
	}
	t.app.setStatus(fmt.Sprintf("Restarting %s %s...", s.Kind, s.Name))

	go func() {
		err := t.app.restartSink(s.Kind, s.Name)
		t.app.QueueUpdateDraw(func() {
			t.Refresh()
			if err != nil {
				t.app.setStatus(fmt.Sprintf("Restart %s %s: %v", s.Kind, s.Name, err))
				return
			}
			t.app.setStatus(fmt.Sprintf("Restarted %s %s", s.Kind, s.Name))
		})
	}()
}

// testSelected fires the selected webhook or trigger immediately.
func (t *SinksTab) testSelected() {
	s, ok := t.selected()
	var fire func(string) error
	switch {
	case !ok:
	case s.Kind == sinkPush && t.app.pushMgr != nil:
		fire = t.app.pushMgr.TestFirePush
	case s.Kind == sinkTrigger && t.app.triggerMgr != nil:
		fire = t.app.triggerMgr.TestFireTrigger
	}
	if fire == nil {
		t.app.setStatus("Select a webhook or trigger to test")
		return
	}
	t.app.setStatus(fmt.Sprintf("Testing %s %s...", s.Kind, s.Name))

	go func() {
		err := fire(s.Name)
		t.app.QueueUpdateDraw(func() {
			t.Refresh()
			if err != nil {
				t.app.setStatus(fmt.Sprintf("Test %s: %v", s.Name, err))
				return
			}
			t.app.setStatus(fmt.Sprintf("%s %s fired", s.Kind, s.Name))
		})
	}()
}

func (t *SinksTab) updateButtonBar() {
	th := CurrentTheme
	buttonText := " " + th.TagHotkey + "r" + th.TagActionText + "estart  " +
		th.TagHotkey + "t" + th.TagActionText + "est fire  " +
		th.TagActionText + "│  " +
		th.TagHotkey + "?" + th.TagActionText + " help  " +
		th.TagHotkey + "Shift+Tab" + th.TagActionText + " next tab " + th.TagReset
	t.buttonBar.SetText(buttonText)
}

// RefreshTheme updates theme-dependent UI elements.
func (t *SinksTab) RefreshTheme() {
	t.updateButtonBar()
	th := CurrentTheme
	ApplyTableTheme(t.table)
	t.setHeaders()
	t.tableFrame.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.statusBar.SetTextColor(th.Text)
	t.Refresh()
}
