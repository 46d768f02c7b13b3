package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"rcmon/config"
	"rcmon/erc"
	"rcmon/monitor"
)

// ControllersTab lists every monitored controller with its live status.
type ControllersTab struct {
	app        *App
	flex       *tview.Flex
	table      *tview.Table
	tableFrame *tview.Frame
	info       *tview.TextView
	statusBar  *tview.TextView
	buttonBar  *tview.TextView
}

var controllerHeaders = []string{"", "Name", "Address", "Status", "Phase", "Cycles", "Last Error"}

// NewControllersTab creates the controllers tab.
func NewControllersTab(app *App) *ControllersTab {
	t := &ControllersTab{app: app}
	t.setupUI()
	t.Refresh()
	return t
}

func (t *ControllersTab) setupUI() {
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
	t.table.SetSelectionChangedFunc(func(row, col int) {
		t.updateInfo(t.getSelectedName())
	})
	t.setHeaders()

	t.tableFrame = tview.NewFrame(t.table).SetBorders(1, 0, 0, 0, 1, 1)
	t.tableFrame.SetBorder(true).SetTitle(" Controllers ").SetBorderColor(CurrentTheme.Border).SetTitleColor(CurrentTheme.Accent)

	t.info = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetTextColor(CurrentTheme.Text)
	t.info.SetBorder(true).SetTitle(" Details ").SetBorderColor(CurrentTheme.Border).SetTitleColor(CurrentTheme.Accent)

	content := tview.NewFlex().
		AddItem(t.tableFrame, 0, 2, true).
		AddItem(t.info, 0, 1, false)

	t.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(CurrentTheme.Text)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(content, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
}

func (t *ControllersTab) setHeaders() {
	for i, h := range controllerHeaders {
		t.table.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(CurrentTheme.Accent).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}
}

func (t *ControllersTab) handleKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'a':
		t.setSelectedActive(true)
		return nil
	case 'i':
		t.setSelectedActive(false)
		return nil
	case 'n':
		t.showAddDialog()
		return nil
	case 'x':
		t.removeSelected()
		return nil
	}
	if event.Key() == tcell.KeyEnter {
		t.showSnapshotDialog()
		return nil
	}
	return event
}

func (t *ControllersTab) getSelectedName() string {
	row, _ := t.table.GetSelection()
	if row <= 0 {
		return ""
	}
	cell := t.table.GetCell(row, 1)
	if cell == nil {
		return ""
	}
	return cell.Text
}

// GetPrimitive returns the main primitive for this tab.
func (t *ControllersTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *ControllersTab) GetFocusable() tview.Primitive {
	return t.table
}

// Refresh rebuilds the table from the manager's statuses.
// Must be called from QueueUpdateDraw or main goroutine.
func (t *ControllersTab) Refresh() {
	selected := t.getSelectedName()

	for row := t.table.GetRowCount() - 1; row > 0; row-- {
		t.table.RemoveRow(row)
	}

	statuses := t.app.manager.Statuses()
	connected := 0
	selectRow := 0
	for i, st := range statuses {
		row := i + 1
		for col, cell := range controllerRow(st) {
			t.table.SetCell(row, col, cell)
		}
		if st.State == monitor.StateConnected {
			connected++
		}
		if st.Name == selected {
			selectRow = row
		}
	}

	if selectRow > 0 {
		t.table.Select(selectRow, 0)
	} else if len(statuses) > 0 {
		t.table.Select(1, 0)
	}
	t.updateInfo(t.getSelectedName())
	t.statusBar.SetText(fmt.Sprintf(" %d controllers, %d connected", len(statuses), connected))
}

// controllerRow builds the table cells for one status.
func controllerRow(st monitor.Status) []*tview.TableCell {
	th := CurrentTheme
	phase := ""
	if st.Code == erc.StatusConnectedWithPhase {
		phase = string(st.Phase)
	}
	lastErr := st.LastError
	if len(lastErr) > 40 {
		lastErr = lastErr[:37] + "..."
	}
	return []*tview.TableCell{
		tview.NewTableCell(stateIndicator(st)),
		tview.NewTableCell(st.Name).SetTextColor(th.Text),
		tview.NewTableCell(st.Address).SetTextColor(th.TextDim),
		tview.NewTableCell(stateText(st)).SetTextColor(th.Text),
		tview.NewTableCell(phase).SetTextColor(phaseColor(st.Phase)),
		tview.NewTableCell(strconv.FormatUint(st.Cycles, 10)).SetTextColor(th.Text).SetAlign(tview.AlignRight),
		tview.NewTableCell(tview.Escape(lastErr)).SetTextColor(tcell.ColorRed),
	}
}

func (t *ControllersTab) updateInfo(name string) {
	if name == "" {
		t.info.SetText("")
		return
	}
	st, ok := t.app.manager.Status(name)
	if !ok {
		t.info.SetText("")
		return
	}
	snap, _ := t.app.manager.Snapshot(name)
	t.info.SetText(controllerInfo(st, snap))
}

// controllerInfo renders the details panel for a controller.
func controllerInfo(st monitor.Status, snap erc.Snapshot) string {
	th := CurrentTheme
	var b strings.Builder
	line := func(k, v string) {
		b.WriteString(th.Label(k, tview.Escape(v)))
		b.WriteByte('\n')
	}
	line("Name", st.Name)
	line("Address", st.Address)
	line("State", st.State.String())
	line("Status", stateText(st))
	if st.LastWarning != "" {
		line("Warning", st.LastWarning)
	}
	if st.LastError != "" {
		line("Error", st.LastError)
	}
	if !st.LastSnapshot.IsZero() {
		line("Last cycle", st.LastSnapshot.Format(time.TimeOnly))
	}

	s := snap.Payload
	if s == nil {
		return b.String()
	}
	b.WriteByte('\n')
	c := s.Controller
	line("Controller", c.Name)
	line("Model", c.Model)
	line("Serial", c.Serial)
	if c.Firmware != "" {
		line("Firmware", c.Firmware)
	}
	if c.Project.Name != "" {
		line("Project", c.Project.Name)
	}
	if c.ControlledBy != "" {
		line("Control", c.ControlledBy)
	}
	if c.Status.ErrCode != "" && c.Status.ErrCode != erc.NoError {
		line("Ctrl error", c.Status.ErrCode+" "+c.Status.ErrMsg)
	}
	if sig := c.Status.Signal; sig != nil {
		var flags []string
		for _, f := range []struct {
			on   bool
			name string
		}{
			{sig.EmergencyStop, "E-Stop"},
			{sig.Safeguard, "Safeguard"},
			{sig.Error, "Error"},
			{sig.Warning, "Warning"},
			{sig.Auto, "Auto"},
			{sig.Teach, "Teach"},
			{sig.Test, "Test"},
		} {
			if f.on {
				flags = append(flags, f.name)
			}
		}
		if len(flags) > 0 {
			line("Signals", strings.Join(flags, " "))
		}
	}
	for _, r := range s.Robots {
		b.WriteByte('\n')
		line(fmt.Sprintf("Robot %d", r.Number), r.Name)
		line("  Model", r.Model)
		line("  Type", string(r.Type))
		if r.Warnings != nil {
			if w := partWarningList(r.Warnings); w != "" {
				b.WriteString(th.TagWarning + "  Parts: " + w + th.TagReset + "\n")
			}
		}
	}
	return b.String()
}

func partWarningList(w *erc.PartWarnings) string {
	var parts []string
	if w.BackupBattery {
		parts = append(parts, "battery")
	}
	if w.Belt {
		parts = append(parts, "belt")
	}
	if w.Grease {
		parts = append(parts, "grease")
	}
	if w.Motor {
		parts = append(parts, "motor")
	}
	if w.Gear {
		parts = append(parts, "gear")
	}
	if w.BallScrew {
		parts = append(parts, "ball screw")
	}
	return strings.Join(parts, ", ")
}

func (t *ControllersTab) setSelectedActive(active bool) {
	name := t.getSelectedName()
	if name == "" {
		return
	}
	verb := "Idling"
	if active {
		verb = "Activating"
	}
	if err := t.app.manager.SetActive(name, active); err != nil {
		t.app.showError("Error", err.Error())
		return
	}
	t.app.setStatus(fmt.Sprintf("%s %s...", verb, name))
}

func (t *ControllersTab) showSnapshotDialog() {
	name := t.getSelectedName()
	if name == "" {
		return
	}
	st, ok := t.app.manager.Status(name)
	if !ok {
		return
	}
	snap, _ := t.app.manager.Snapshot(name)

	const pageName = "snapshot"
	view := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetText(controllerInfo(st, snap))
	view.SetBorder(true).SetTitle(" " + name + " ").SetBorderColor(CurrentTheme.Border).SetTitleColor(CurrentTheme.Accent)
	view.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyEnter {
			t.app.closeModal(pageName)
			return nil
		}
		return event
	})
	t.app.showCenteredModal(pageName, view, 70, 30)
}

// controllerForm holds the add dialog's field values.
type controllerForm struct {
	name, host, port, password string
	terminator, locale         int
	interval                   string
	startActive                bool
}

var (
	terminatorOptions = []string{"CRLF", "CR", "LF"}
	localeOptions     = []string{"en", "ja", "de", "fr", "zh-CN", "zh-TW"}
)

// toConfig validates the form into a controller config.
func (f controllerForm) toConfig() (config.ControllerConfig, error) {
	cc := config.ControllerConfig{
		Name:       strings.TrimSpace(f.name),
		Host:       strings.TrimSpace(f.host),
		Password:   f.password,
		Terminator: terminatorOptions[f.terminator],
		Locale:     localeOptions[f.locale],
		Start:      config.StartIdle,
	}
	if f.startActive {
		cc.Start = config.StartActive
	}
	if f.port != "" {
		port, err := strconv.Atoi(f.port)
		if err != nil {
			return cc, fmt.Errorf("invalid port %q", f.port)
		}
		cc.Port = port
	}
	if f.interval != "" {
		d, err := time.ParseDuration(f.interval)
		if err != nil {
			return cc, fmt.Errorf("invalid interval %q", f.interval)
		}
		cc.Interval = d
	}
	cc.Defaults()
	return cc, cc.Validate()
}

func (t *ControllersTab) showAddDialog() {
	const pageName = "add"
	state := &controllerForm{port: strconv.Itoa(config.DefaultPort), interval: config.DefaultInterval.String()}

	form := tview.NewForm()
	form.SetBorder(true).SetTitle(" Add Controller ")
	form.AddInputField("Name:", "", 30, nil, func(s string) { state.name = s })
	form.AddInputField("Host:", "", 30, nil, func(s string) { state.host = s })
	form.AddInputField("Port:", state.port, 8, acceptDigits, func(s string) { state.port = s })
	form.AddPasswordField("Password:", "", 30, '*', func(s string) { state.password = s })
	form.AddDropDown("Terminator:", terminatorOptions, 0, func(_ string, i int) { state.terminator = i })
	form.AddDropDown("Locale:", localeOptions, 0, func(_ string, i int) { state.locale = i })
	form.AddInputField("Interval:", state.interval, 10, nil, func(s string) { state.interval = s })
	form.AddCheckbox("Start active:", false, func(b bool) { state.startActive = b })

	form.AddButton("Add", func() {
		cc, err := state.toConfig()
		if err != nil {
			t.app.showErrorWithFocus("Error", err.Error(), form)
			return
		}
		if err := t.app.manager.Add(cc); err != nil {
			t.app.showErrorWithFocus("Error", err.Error(), form)
			return
		}
		t.app.config.Lock()
		t.app.config.AddController(cc)
		if err := t.app.config.UnlockAndSave(t.app.configPath); err != nil {
			StoreLogError("save config: %v", err)
		}
		t.app.closeModal(pageName)
		t.Refresh()
		t.app.setStatus(fmt.Sprintf("Added controller: %s", cc.Name))
	})
	form.AddButton("Cancel", func() {
		t.app.closeModal(pageName)
	})

	t.app.showFormModal(pageName, form, 55, 21, func() {
		t.app.closeModal(pageName)
	})
}

func (t *ControllersTab) removeSelected() {
	name := t.getSelectedName()
	if name == "" {
		return
	}

	t.app.showConfirm("Remove Controller", fmt.Sprintf("Remove %s?", name), func() {
		t.app.config.Lock()
		t.app.config.RemoveController(name)
		if err := t.app.config.UnlockAndSave(t.app.configPath); err != nil {
			StoreLogError("save config: %v", err)
		}
		t.app.setStatus(fmt.Sprintf("Removing controller: %s...", name))

		// Remove waits for the monitor to log out.
		go func() {
			err := t.app.manager.Remove(name)
			t.app.QueueUpdateDraw(func() {
				t.Refresh()
				if err != nil {
					t.app.setStatus(fmt.Sprintf("Remove %s: %v", name, err))
					return
				}
				t.app.setStatus(fmt.Sprintf("Removed controller: %s", name))
			})
		}()
	})
}

func (t *ControllersTab) updateButtonBar() {
	th := CurrentTheme
	buttonText := " " + th.TagHotkey + "a" + th.TagActionText + "ctivate  " +
		th.TagHotkey + "i" + th.TagActionText + "dle  " +
		th.TagHotkey + "n" + th.TagActionText + "ew  " +
		th.TagHotkey + "x" + th.TagActionText + " remove  " +
		th.TagHotkey + "Enter" + th.TagActionText + " details  " +
		th.TagActionText + "│  " +
		th.TagHotkey + "?" + th.TagActionText + " help  " +
		th.TagHotkey + "Shift+Tab" + th.TagActionText + " next tab " + th.TagReset
	t.buttonBar.SetText(buttonText)
}

// RefreshTheme updates theme-dependent UI elements.
func (t *ControllersTab) RefreshTheme() {
	t.updateButtonBar()
	th := CurrentTheme
	ApplyTableTheme(t.table)
	t.setHeaders()
	t.tableFrame.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.info.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.info.SetTextColor(th.Text)
	t.statusBar.SetTextColor(th.Text)
	t.Refresh()
}
