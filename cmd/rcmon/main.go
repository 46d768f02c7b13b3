// rcmon - robot controller status monitor
//
// Polls Epson-style robot controllers over their TCP remote command port,
// keeps a live state tree per controller, and republishes it via MQTT,
// Valkey, Kafka and a REST API, with a terminal UI or headless.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"rcmon/api"
	"rcmon/brokertest"
	"rcmon/config"
	"rcmon/erc"
	"rcmon/kafka"
	"rcmon/logging"
	"rcmon/monitor"
	"rcmon/mqtt"
	"rcmon/push"
	"rcmon/ssh"
	"rcmon/stream"
	"rcmon/trigger"
	"rcmon/tui"
	"rcmon/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

// StatusHeartbeat is how often every status is republished regardless of
// change detection.
const StatusHeartbeat = 30 * time.Second

// preprocessLogDebugFlag lets --log-debug be given without a value, meaning
// all protocols.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	noTUI       = flag.Bool("d", false, "Disable local TUI (headless mode)")
	noTUILong   = flag.Bool("no-tui", false, "Disable local TUI (headless mode)")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API (ephemeral)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log (optionally a comma-separated protocol filter)")
	hashPass    = flag.Bool("hash-password", false, "Read a password from stdin, print its bcrypt hash for web.users and exit")

	// SSH flags
	sshPort = flag.Int("ssh-port", 2222, "SSH listen port")
	sshPass = flag.String("ssh-pass", "", "SSH password for remote TUI access")
	sshKeys = flag.String("ssh-keys", "", "Path to authorized_keys file or directory")

	// Stress test flags
	testSinks       = flag.Bool("stress-test-sinks", false, "Run stress tests against the enabled sinks and exit")
	testDuration    = flag.Duration("test-duration", 10*time.Second, "Duration for each sink stress test")
	testControllers = flag.Int("test-controllers", 20, "Number of simulated controllers for the stress test")
	testRobots      = flag.Int("test-robots", 2, "Robots per simulated controller for the stress test")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("rcmon %s\n", Version)
		os.Exit(0)
	}

	if *hashPass {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
			os.Exit(1)
		}
		hash, err := api.HashPassword(strings.TrimRight(line, "\r\n"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		os.Exit(0)
	}

	headless := *noTUI || *noTUILong

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *namespace != "" {
		if !config.IsValidNamespace(*namespace) {
			fmt.Fprintf(os.Stderr, "Error: invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)\n", *namespace)
			os.Exit(1)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	}

	// In-memory overrides
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *noAPI {
		cfg.Web.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if *testSinks {
		runner := brokertest.NewRunner(cfg, brokertest.TestConfig{
			Duration:       *testDuration,
			NumControllers: *testControllers,
			NumRobots:      *testRobots,
		}, os.Stdout)
		if !brokertest.Passed(runner.Run()) {
			os.Exit(1)
		}
		return
	}

	run(cfg, headless)
}

// run is the startup flow shared by TUI and headless modes.
func run(cfg *config.Config, headless bool) {
	tui.InitDebugStore(1000)
	store := tui.GetDebugStore()

	var fileLogger *logging.FileLogger
	if *logFile != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		} else {
			store.SetFileLogger(fileLogger)
		}
	}

	var debugLogger *logging.DebugLogger
	if *logDebug != "" {
		var err error
		debugLogger, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLogger.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLogger)
			if filter == "" {
				store.Log(tui.LevelInfo, "Debug logging enabled (all protocols) - writing to debug.log")
			} else {
				store.Log(tui.LevelInfo, "Debug logging enabled (filter: %s) - writing to debug.log", filter)
			}
		}
	}

	manager := monitor.NewManager(monitor.ManagerOptions{
		Logger: store.Logger(tui.LevelMonitor),
	})
	manager.LoadFromConfig(cfg)

	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)

	valkeyMgr := valkey.NewManager()
	valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)

	kafkaMgr := kafka.NewManager()
	kafkaMgr.LoadFromConfig(cfg.Kafka, cfg.Namespace)

	pushMgr := push.NewManager(manager)
	pushMgr.SetLogFunc(func(format string, args ...interface{}) {
		logging.DebugLog("push", format, args...)
		store.Log(tui.LevelPush, format, args...)
	})
	pushMgr.LoadFromConfig(cfg.Push)

	triggerMgr := trigger.NewManager(kafkaMgr, manager)
	triggerMgr.SetLogFunc(func(format string, args ...interface{}) {
		logging.DebugLog("trigger", format, args...)
		store.Log(tui.LevelKafka, format, args...)
	})
	triggerMgr.LoadFromConfig(cfg.Triggers)

	var apiServer *api.Server
	if cfg.Web.Enabled {
		apiServer = api.NewServer(manager, &cfg.Web, &api.ConfigStore{Config: cfg, Path: *configPath})
		apiServer.SetWebhooks(pushMgr)
		apiServer.SetTriggers(triggerMgr)
	}

	var streamSrv *stream.Server
	if cfg.Stream.Enabled {
		streamSrv = stream.NewServer(manager, cfg.Namespace)
		streamSrv.SetLogFunc(func(format string, args ...interface{}) {
			store.Log(tui.LevelInfo, format, args...)
		})
		if err := streamSrv.Start(cfg.Stream.Address(), cfg.Stream.BufferSize); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			streamSrv = nil
		} else {
			busID := manager.Events().Subscribe(streamSrv.BroadcastEvent)
			defer manager.Events().Unsubscribe(busID)
		}
	}

	setupPublishing(manager, mqttMgr, valkeyMgr, kafkaMgr, apiServer, streamSrv)
	setupControlHandlers(manager, mqttMgr, valkeyMgr, kafkaMgr, store)

	valkeyMgr.SetOnConnectCallback(func() {
		publishAllToValkey(manager, valkeyMgr)
	})

	if apiServer != nil {
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			fmt.Fprintf(os.Stderr, "Continuing without REST API.\n")
			apiServer = nil
		} else {
			fmt.Printf("REST API at %s/api/\n", apiServer.Address())
		}
	}

	var sshServer *ssh.Server
	if *sshPass != "" || *sshKeys != "" {
		sshServer = ssh.NewServer(&ssh.Config{
			Port:           *sshPort,
			Password:       *sshPass,
			AuthorizedKeys: *sshKeys,
			HostKeyPath:    filepath.Join(filepath.Dir(*configPath), "host_key"),
		}, &ssh.Backend{
			Config:     cfg,
			ConfigPath: *configPath,
			Services: tui.Services{
				Manager:   manager,
				APIServer: apiServer,
				MQTT:      mqttMgr,
				Valkey:    valkeyMgr,
				Kafka:     kafkaMgr,
				Push:      pushMgr,
				Triggers:  triggerMgr,
			},
		})
		sshServer.SetOnSessionConnect(func(remoteAddr string) {
			store.Log(tui.LevelSSH, "Client connected from %s (total sessions: %d)", remoteAddr, sshServer.SessionCount())
		})
		sshServer.SetOnSessionDisconnect(func(remoteAddr string) {
			store.Log(tui.LevelSSH, "Client disconnected from %s (total sessions: %d)", remoteAddr, sshServer.SessionCount())
		})
		if err := sshServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start SSH server: %v\n", err)
			sshServer = nil
		} else {
			fmt.Printf("SSH server on port %d\n", *sshPort)
		}
	}

	manager.Start()
	pushMgr.Start()
	triggerMgr.Start()

	go func() {
		if started := mqttMgr.StartAll(); started > 0 {
			publishAllToMQTT(manager, mqttMgr)
		}
	}()
	go valkeyMgr.StartAll()
	go kafkaMgr.ConnectEnabled()

	stopHeartbeat := make(chan struct{})
	go statusHeartbeat(manager, mqttMgr, valkeyMgr, kafkaMgr, stopHeartbeat)

	shutdown := func() {
		close(stopHeartbeat)
		if sshServer != nil {
			sshServer.Stop()
		}
		done := make(chan struct{})
		go func() {
			pushMgr.Stop()
			triggerMgr.Stop()
			if streamSrv != nil {
				streamSrv.Stop()
			}
			mqttMgr.StopAll()
			valkeyMgr.StopAll()
			kafkaMgr.StopAll()
			if apiServer != nil {
				apiServer.Stop()
			}
			manager.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		if fileLogger != nil {
			fileLogger.Close()
		}
		if debugLogger != nil {
			debugLogger.Close()
		}
	}

	if headless {
		printID := store.Subscribe(func(m tui.LogMessage) {
			if m.Level != "" {
				fmt.Printf("%s %s: %s\n", m.Timestamp.Format("15:04:05.000"), m.Level, m.Message)
				return
			}
			fmt.Printf("%s %s\n", m.Timestamp.Format("15:04:05.000"), m.Message)
		})
		busID := manager.Events().Subscribe(store.LogEvent)

		if sshServer == nil {
			fmt.Println("Running headless with no SSH. Use --ssh-pass or --ssh-keys for a remote TUI.")
		}
		fmt.Println("Running in headless mode. Press Ctrl+C to stop.")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		fmt.Printf("\nReceived %v, shutting down...\n", sig)

		manager.Events().Unsubscribe(busID)
		store.Unsubscribe(printID)
		shutdown()
		fmt.Println("Stopped")
		return
	}

	// Keep runtime errors from corrupting the terminal display.
	stderrPath := filepath.Join(filepath.Dir(*configPath), "rcmon-crash.log")
	if f, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
		if err := redirectStderr(f); err != nil {
			store.Log(tui.LevelWarning, "stderr redirect: %v", err)
		}
		defer f.Close()
	}

	app := tui.NewApp(cfg, *configPath, tui.Services{
		Manager:   manager,
		APIServer: apiServer,
		MQTT:      mqttMgr,
		Valkey:    valkeyMgr,
		Kafka:     kafkaMgr,
		Push:      pushMgr,
		Triggers:  triggerMgr,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		app.QueueUpdateDraw(app.Shutdown)
	}()

	err := app.Run()
	shutdown()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupPublishing fans snapshots and status changes out to every sink.
func setupPublishing(manager *monitor.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager, apiServer *api.Server, streamSrv *stream.Server) {
	manager.SetOnSnapshot(func(snap erc.Snapshot) {
		if mqttMgr.AnyRunning() {
			mqttMgr.PublishSnapshot(snap)
		}
		if valkeyMgr.AnyRunning() {
			valkeyMgr.PublishSnapshot(snap)
		}
		if kafkaMgr.AnyPublishing() {
			kafkaMgr.PublishSnapshot(snap)
		}
		if apiServer != nil {
			apiServer.PublishSnapshot(snap)
		}
		if streamSrv != nil && streamSrv.HasClients() {
			streamSrv.BroadcastSnapshot(snap)
		}
	})

	manager.SetOnStatus(func(name string, st monitor.Status) {
		mqttMgr.PublishStatus(st, false)
		valkeyMgr.PublishStatus(st)
		kafkaMgr.PublishStatus(st, false)
		if streamSrv != nil {
			streamSrv.BroadcastStatus(st)
		}
	})
}

// setupControlHandlers routes remote activate/idle requests to the manager.
func setupControlHandlers(manager *monitor.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager, store *tui.DebugLogStore) {
	handler := func(source string) func(controller string, active bool) error {
		return func(controller string, active bool) error {
			verb := "idle"
			if active {
				verb = "activate"
			}
			store.Log(tui.LevelInfo, "%s control: %s %s", source, verb, controller)
			return manager.SetActive(controller, active)
		}
	}
	mqttMgr.SetControlHandler(handler("MQTT"))
	valkeyMgr.SetControlHandler(handler("Valkey"))
	kafkaMgr.SetControlHandler(handler("Kafka"))
}

// publishAllToMQTT republishes every known snapshot and status after the
// MQTT publishers connect.
func publishAllToMQTT(manager *monitor.Manager, mqttMgr *mqtt.Manager) {
	snaps := manager.Snapshots()
	tui.StoreLog("MQTT: publishing %d snapshots", len(snaps))
	for _, snap := range snaps {
		mqttMgr.PublishSnapshot(snap)
	}
	for _, st := range manager.Statuses() {
		mqttMgr.PublishStatus(st, true)
	}
}

// publishAllToValkey writes every known snapshot and status after a Valkey
// server connects.
func publishAllToValkey(manager *monitor.Manager, valkeyMgr *valkey.Manager) {
	snaps := manager.Snapshots()
	tui.StoreLog("Valkey: publishing %d snapshots", len(snaps))
	for _, snap := range snaps {
		valkeyMgr.PublishSnapshot(snap)
	}
	for _, st := range manager.Statuses() {
		valkeyMgr.PublishStatus(st)
	}
}

// statusHeartbeat republishes every status on a fixed interval so late
// subscribers and expired keys recover without waiting for a change.
func statusHeartbeat(manager *monitor.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager, stop <-chan struct{}) {
	ticker := time.NewTicker(StatusHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		for _, st := range manager.Statuses() {
			mqttMgr.PublishStatus(st, true)
			valkeyMgr.PublishStatus(st)
			kafkaMgr.PublishStatus(st, true)
		}
	}
}
