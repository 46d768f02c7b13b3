package tui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"rcmon/api"
	"rcmon/config"
	"rcmon/erc"
	"rcmon/kafka"
	"rcmon/monitor"
	"rcmon/mqtt"
	"rcmon/push"
	"rcmon/trigger"
	"rcmon/valkey"
)

// App is the main TUI application.
type App struct {
	app            *tview.Application
	pages          *tview.Pages
	tabs           *tview.TextView
	statusBar      *tview.TextView
	themeIndicator *tview.TextView
	config         *config.Config
	configPath     string
	manager        *monitor.Manager
	apiServer      *api.Server
	mqttMgr        *mqtt.Manager
	valkeyMgr      *valkey.Manager
	kafkaMgr       *kafka.Manager
	pushMgr        *push.Manager
	triggerMgr     *trigger.Manager
	store          *DebugLogStore

	controllersTab *ControllersTab
	sinksTab       *SinksTab
	debugTab       *DebugTab

	tabNames   []string
	currentTab int
	busSub     int
	stopChan   chan struct{}

	daemonMode   bool
	onDisconnect func() // called when a remote session asks to disconnect
}

// Services bundles the running services the TUI displays and controls.
// Any sink manager and the API server may be nil.
type Services struct {
	Manager   *monitor.Manager
	APIServer *api.Server
	MQTT      *mqtt.Manager
	Valkey    *valkey.Manager
	Kafka     *kafka.Manager
	Push      *push.Manager
	Triggers  *trigger.Manager
}

// NewApp creates a new TUI application.
func NewApp(cfg *config.Config, configPath string, svc Services) *App {
	return newApp(cfg, configPath, svc, tview.NewApplication())
}

// NewAppWithScreen creates a TUI application drawing to screen.
func NewAppWithScreen(cfg *config.Config, configPath string, svc Services, screen tcell.Screen) *App {
	return newApp(cfg, configPath, svc, tview.NewApplication().SetScreen(screen))
}

func newApp(cfg *config.Config, configPath string, svc Services, tapp *tview.Application) *App {
	if cfg.UI.Theme != "" {
		SetTheme(cfg.UI.Theme)
	}
	InitDebugStore(1000)

	a := &App{
		app:        tapp,
		config:     cfg,
		configPath: configPath,
		manager:    svc.Manager,
		apiServer:  svc.APIServer,
		mqttMgr:    svc.MQTT,
		valkeyMgr:  svc.Valkey,
		kafkaMgr:   svc.Kafka,
		pushMgr:    svc.Push,
		triggerMgr: svc.Triggers,
		store:      GetDebugStore(),
		tabNames:   []string{TabControllers, TabSinks, TabDebug},
		stopChan:   make(chan struct{}),
	}
	a.setupUI()
	return a
}

// SetDaemonMode marks the app as one of several views onto services owned by
// the daemon. A daemon-mode app leaves the manager hooks alone and Q
// disconnects the session instead of quitting.
func (a *App) SetDaemonMode(daemon bool) {
	a.daemonMode = daemon
}

// SetOnDisconnect sets a callback for when the user requests disconnect in daemon mode.
func (a *App) SetOnDisconnect(fn func()) {
	a.onDisconnect = fn
}

// IsDaemonMode returns whether the app is running in daemon mode.
func (a *App) IsDaemonMode() bool {
	return a.daemonMode
}

func (a *App) setupUI() {
	a.tabs = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft).
		SetTextColor(CurrentTheme.Text)

	a.themeIndicator = tview.NewTextView().
		SetTextAlign(tview.AlignRight)
	a.updateThemeIndicator()

	a.pages = tview.NewPages()

	a.controllersTab = NewControllersTab(a)
	a.sinksTab = NewSinksTab(a)
	a.debugTab = NewDebugTab(a, a.store)

	a.pages.AddPage(TabControllers, a.controllersTab.GetPrimitive(), true, true)
	a.pages.AddPage(TabSinks, a.sinksTab.GetPrimitive(), true, false)
	a.pages.AddPage(TabDebug, a.debugTab.GetPrimitive(), true, false)

	bottomBar := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(a.statusBar, 0, 1, false).
		AddItem(a.themeIndicator, 22, 0, false)

	mainFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.tabs, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(bottomBar, 1, 0, false)

	a.app.SetInputCapture(a.handleGlobalKeys)
	a.app.SetRoot(mainFlex, true)
	a.updateTabsDisplay()
	a.setStatus("Ready. Press ? for help.")
	a.focusCurrentTab()
}

func (a *App) isMainTab(page string) bool {
	for _, name := range a.tabNames {
		if page == name {
			return true
		}
	}
	return false
}

func (a *App) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	if event == nil {
		return nil
	}

	// Modals and forms get every key.
	frontPage, _ := a.pages.GetFrontPage()
	if !a.isMainTab(frontPage) {
		return event
	}

	if event.Rune() == 'Q' {
		if a.daemonMode {
			if a.onDisconnect != nil {
				a.onDisconnect()
			}
			return nil
		}
		a.Shutdown()
		return nil
	}

	if event.Key() == tcell.KeyBacktab {
		a.nextTab()
		return nil
	}

	if event.Rune() == '?' {
		a.showHelp()
		return nil
	}

	if event.Key() == tcell.KeyF6 {
		themeName := NextTheme()
		a.updateTabsDisplay()
		a.updateThemeIndicator()
		a.refreshAllThemes()
		a.config.Lock()
		a.config.UI.Theme = themeName
		if err := a.config.UnlockAndSave(a.configPath); err != nil {
			a.store.Log(LevelError, "save config: %v", err)
		}
		a.app.Sync()
		return nil
	}

	return event
}

func (a *App) nextTab() {
	a.switchToTab((a.currentTab + 1) % len(a.tabNames))
}

func (a *App) switchToTab(index int) {
	a.currentTab = index
	a.pages.SwitchToPage(a.tabNames[index])
	a.updateTabsDisplay()
	a.focusCurrentTab()
}

func (a *App) focusCurrentTab() {
	switch a.tabNames[a.currentTab] {
	case TabControllers:
		a.app.SetFocus(a.controllersTab.GetFocusable())
	case TabSinks:
		a.app.SetFocus(a.sinksTab.GetFocusable())
	case TabDebug:
		a.app.SetFocus(a.debugTab.GetFocusable())
	}
}

func (a *App) updateTabsDisplay() {
	th := CurrentTheme
	text := ""
	for i, name := range a.tabNames {
		if i > 0 {
			text += th.TagTextDim + "  │  " + th.TagReset
		}
		if i == a.currentTab {
			// TagAccent is "[#RRGGBB]"; bold goes before the closing bracket.
			colorTag := th.TagAccent[:len(th.TagAccent)-1] + "::b]"
			text += colorTag + name + "[-::-]"
		} else {
			text += th.TagTextDim + name + th.TagReset
		}
	}
	a.tabs.SetText(text)
	a.tabs.SetTextColor(th.Text)
}

func (a *App) setStatus(msg string) {
	a.statusBar.SetText(" " + msg)
}

func (a *App) updateThemeIndicator() {
	th := CurrentTheme
	a.themeIndicator.SetText("Theme (F6): " + GetThemeName() + " ")
	a.themeIndicator.SetTextColor(th.TextDim)
	a.statusBar.SetTextColor(th.Text)
}

func (a *App) refreshAllThemes() {
	a.controllersTab.RefreshTheme()
	a.sinksTab.RefreshTheme()
	a.debugTab.RefreshTheme()
}

func (a *App) showHelp() {
	const pageName = "help"

	helpText := HelpText
	if a.daemonMode {
		helpText = HelpTextDaemon
	}
	if a.apiServer != nil {
		helpText += "\n[yellow]REST API[-]\n  " + a.apiServer.Address() + "/api\n"
	}
	textView := tview.NewTextView().
		SetText(helpText).
		SetDynamicColors(true)
	textView.SetBorder(true).SetTitle(" Help ")

	textView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyEnter || event.Rune() == '?' {
			a.closeModal(pageName)
			return nil
		}
		return event
	})

	a.showCenteredModal(pageName, textView, 45, 28)
}

func (a *App) showError(title, message string) {
	a.showErrorWithFocus(title, message, nil)
}

// showErrorWithFocus shows an error dialog and restores focus to the given
// primitive when dismissed. A nil focusTarget focuses the current tab.
func (a *App) showErrorWithFocus(title, message string, focusTarget tview.Primitive) {
	modal := tview.NewModal().
		SetText(title + "\n\n" + message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			a.pages.RemovePage("error")
			if focusTarget != nil {
				a.app.SetFocus(focusTarget)
			} else {
				a.focusCurrentTab()
			}
		})

	a.pages.AddPage("error", modal, true, true)
}

func (a *App) showConfirm(title, message string, onConfirm func()) {
	modal := tview.NewModal().
		SetText(title + "\n\n" + message).
		AddButtons([]string{"Yes", "No"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			a.pages.RemovePage("confirm")
			if buttonIndex == 0 {
				onConfirm()
			}
			a.focusCurrentTab()
		})

	a.pages.AddPage("confirm", modal, true, true)
}

// showCenteredModal displays content centered over the current tab.
func (a *App) showCenteredModal(pageName string, content tview.Primitive, width, height int) {
	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(content, height, 1, true).
			AddItem(nil, 0, 1, false), width, 1, true).
		AddItem(nil, 0, 1, false)

	a.pages.AddPage(pageName, modal, true, true)
	a.app.SetFocus(content)
}

// showFormModal displays a form in a centered modal. onEscape runs when
// Escape is pressed.
func (a *App) showFormModal(pageName string, form *tview.Form, width, height int, onEscape func()) {
	form.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			if onEscape != nil {
				onEscape()
			}
			return nil
		}
		return event
	})

	a.showCenteredModal(pageName, form, width, height)
}

// closeModal removes a modal and restores focus to the current tab.
func (a *App) closeModal(pageName string) {
	a.pages.RemovePage(pageName)
	a.focusCurrentTab()
}

// restartSink stops and restarts one sink.
func (a *App) restartSink(kind, name string) error {
	switch kind {
	case sinkMQTT:
		if a.mqttMgr == nil {
			break
		}
		pub := a.mqttMgr.Get(name)
		if pub == nil {
			break
		}
		pub.Stop()
		return pub.Start()
	case sinkValkey:
		if a.valkeyMgr == nil {
			break
		}
		pub := a.valkeyMgr.Get(name)
		if pub == nil {
			break
		}
		pub.Stop()
		return pub.Start()
	case sinkKafka:
		if a.kafkaMgr == nil {
			break
		}
		p := a.kafkaMgr.GetProducer(name)
		if p == nil {
			break
		}
		p.Disconnect()
		return a.kafkaMgr.Connect(name)
	case sinkPush:
		if a.pushMgr == nil {
			break
		}
		return a.pushMgr.RestartPush(name)
	case sinkTrigger:
		if a.triggerMgr == nil {
			break
		}
		return a.triggerMgr.RestartTrigger(name)
	}
	return fmt.Errorf("%s %s not found", kind, name)
}

// Run starts the TUI application and blocks until it exits.
func (a *App) Run() error {
	// Daemon-mode sessions share the store fed by the daemon and refresh
	// on the periodic tick.
	if !a.daemonMode {
		a.manager.SetOnChange(func() {
			a.app.QueueUpdateDraw(func() {
				a.controllersTab.Refresh()
			})
		})

		a.busSub = a.manager.Events().SubscribeKinds(a.store.LogEvent,
			erc.EventWarning, erc.EventFatal, erc.EventPhaseChanged, erc.EventConnection, erc.EventLog)
	}

	a.controllersTab.Refresh()
	a.sinksTab.Refresh()

	go a.periodicRefresh()

	return a.app.Run()
}

// periodicRefresh refreshes tabs fed by background goroutines.
func (a *App) periodicRefresh() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.app.QueueUpdateDraw(func() {
				if a.daemonMode {
					a.controllersTab.Refresh()
				}
				a.sinksTab.Refresh()
				a.debugTab.Refresh()
			})
		}
	}
}

// Shutdown stops the UI. The caller owns the services and stops them after
// Run returns.
func (a *App) Shutdown() {
	select {
	case <-a.stopChan:
		return
	default:
		close(a.stopChan)
	}

	if !a.daemonMode {
		a.manager.SetOnChange(nil)
		a.manager.Events().Unsubscribe(a.busSub)
	}
	a.app.Stop()
}

// QueueUpdateDraw queues a function to run on the UI thread.
func (a *App) QueueUpdateDraw(f func()) {
	a.app.QueueUpdateDraw(f)
}
