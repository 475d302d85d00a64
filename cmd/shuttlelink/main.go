// Shuttlelink - automation gateway between a warehouse management
// system and shuttle-rack PLCs.
//
// Accepts transport commands over REST, schedules them onto PLC slots,
// drives the handshake registers, and republishes results via MQTT,
// Valkey and Kafka.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"shuttlelink/api"
	"shuttlelink/config"
	"shuttlelink/engine"
	"shuttlelink/kafka"
	"shuttlelink/logging"
	"shuttlelink/mqtt"
	"shuttlelink/plc"
	"shuttlelink/strategy"
	"shuttlelink/task"
	"shuttlelink/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
// This allows users to use `--log-debug` alone to enable all subsystem logging.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		// Check for --log-debug or -log-debug without =
		if arg == "--log-debug" || arg == "-log-debug" {
			// Check if next arg exists and is not another flag
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				// No value provided, inject "all"
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		// If it has = sign, value is already provided
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	adminUser   = flag.String("admin-user", "", "Create/update admin user (saves to config)")
	adminPass   = flag.String("admin-pass", "", "Password for admin user (saves to config)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log")
)

func main() {
	// Pre-process args to handle --log-debug without a value
	preprocessLogDebugFlag()

	flag.Parse()

	if *showVersion {
		fmt.Printf("shuttlelink %s\n", Version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Handle --namespace flag: overwrite config and save
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

	// Override web config from flags (in memory only)
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}

	// Create/update admin user if credentials provided (persisted)
	if *adminUser != "" && *adminPass != "" {
		hash, err := api.HashPassword(*adminPass)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error hashing password: %v\n", err)
			os.Exit(1)
		}

		if existing := cfg.FindWebUser(*adminUser); existing != nil {
			existing.PasswordHash = hash
			existing.Role = config.RoleAdmin
			existing.MustChangePassword = false
		} else {
			cfg.AddWebUser(config.WebUser{
				Username:     *adminUser,
				PasswordHash: hash,
				Role:         config.RoleAdmin,
			})
		}

		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Admin user '%s' configured for the API\n", *adminUser)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	run(cfg)
}

// run is the gateway startup flow.
func run(cfg *config.Config) {
	// Set up file logging if specified
	var fileLogger *logging.FileLogger
	logPath := *logFile
	if logPath == "" {
		logPath = cfg.Log.File
	}
	if logPath != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		}
	}

	// Set up debug logging if specified
	var debugLoggerFile *logging.DebugLogger
	debugFilter := *logDebug
	if debugFilter == "" && cfg.Log.DebugFile != "" {
		debugFilter = strings.Join(cfg.Log.DebugFilters, ",")
		if debugFilter == "" {
			debugFilter = "all"
		}
	}
	if debugFilter != "" {
		debugPath := cfg.Log.DebugFile
		if debugPath == "" {
			debugPath = "debug.log"
		}
		var err error
		debugLoggerFile, err = logging.NewDebugLogger(debugPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			if debugFilter == "all" || debugFilter == "true" || debugFilter == "1" {
				debugFilter = ""
			}
			debugLoggerFile.SetFilter(debugFilter)
			logging.SetGlobalDebugLogger(debugLoggerFile)
		}
	}

	// Create the coordinator
	coord := engine.NewCoordinator(engine.Options{
		QueueSize:       cfg.Engine.QueueSize,
		DispatchStagger: cfg.Engine.DispatchStagger,
		Layout:          cfg.Layout,
	})

	// Register enabled devices
	registered := 0
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if !d.Enabled {
			continue
		}

		client, err := buildClient(d)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Device %s: %v\n", d.Name, err)
			os.Exit(1)
		}

		slots, err := buildSlots(d)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Device %s: %v\n", d.Name, err)
			os.Exit(1)
		}

		opts := engine.DeviceOptions{
			FailOnAlarm:      d.FailOnAlarm,
			CommandTimeout:   d.CommandTimeout,
			RecoveryMode:     engine.RecoveryMode(d.RecoveryMode),
			RecoveryInterval: d.RecoveryInterval,
		}

		if err := coord.RegisterDevice(d.Name, client, opts, slots); err != nil {
			fmt.Fprintf(os.Stderr, "Device %s: %v\n", d.Name, err)
			os.Exit(1)
		}
		registered++
	}
	if registered == 0 {
		fmt.Fprintf(os.Stderr, "No enabled devices in configuration.\n")
		os.Exit(1)
	}

	// Install the barcode validation webhook for inbound commands
	if cfg.Validator.URL != "" {
		timeout := cfg.Validator.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		coord.SetBarcodeValidator(strategy.HTTPValidator(cfg.Validator.URL, &http.Client{Timeout: timeout}))
	}

	// Create notifier managers
	mqttMgr := mqtt.NewManager()
	mqttMgr.Configure(cfg.MQTT, cfg.Namespace)

	valkeyMgr := valkey.NewManager()
	valkeyMgr.Configure(cfg.Valkey, cfg.Namespace)

	kafkaMgr := kafka.NewManager()
	kafkaMgr.Configure(cfg.Kafka, cfg.Namespace)

	// Start the engine
	if err := coord.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Engine start failed: %v\n", err)
		os.Exit(1)
	}

	// Connect notifiers in the background; publishers skip results
	// until their broker is reachable.
	go mqttMgr.StartAll()
	go valkeyMgr.StartAll()
	go kafkaMgr.StartAll()

	// Fan result notifications out to the notifier backends. Each
	// publisher bounds its own send with a timeout.
	results, cancelResults := coord.ObserveResults()
	fanoutDone := make(chan struct{})
	go func() {
		defer close(fanoutDone)
		for n := range results {
			mqttMgr.Publish(n)
			valkeyMgr.Publish(n)
			kafkaMgr.Publish(n)
		}
	}()

	// Start the API server
	var apiServer *api.Server
	if cfg.Web.Enabled && cfg.Web.API.Enabled {
		apiServer = api.NewServer(coord, cfg)
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start API server on port %d: %v\n", cfg.Web.Port, err)
			apiServer = nil
		} else {
			fmt.Printf("API server at %s\n", apiServer.Address())
		}
	}

	fmt.Printf("shuttlelink running with %d device(s). Press Ctrl+C to stop.\n", registered)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)

	// Graceful shutdown with a hard deadline
	shutdownDone := make(chan struct{})
	go func() {
		if apiServer != nil {
			apiServer.Stop()
		}
		coord.Stop()
		cancelResults()
		<-fanoutDone
		mqttMgr.StopAll()
		valkeyMgr.StopAll()
		kafkaMgr.StopAll()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(10 * time.Second):
	}

	if fileLogger != nil {
		fileLogger.Close()
	}
	if debugLoggerFile != nil {
		debugLoggerFile.Close()
	}

	fmt.Println("Stopped")
}

// buildClient constructs the PLC transport for a device config.
func buildClient(d *config.DeviceConfig) (plc.Client, error) {
	switch d.Kind {
	case config.KindS7:
		opts := []plc.S7Option{plc.WithRackSlot(d.Rack, d.Slot)}
		if d.OperationTimeout > 0 {
			opts = append(opts, plc.WithTimeout(d.OperationTimeout))
		} else if d.ConnectTimeout > 0 {
			opts = append(opts, plc.WithTimeout(d.ConnectTimeout))
		}
		return plc.NewS7Client(d.Address, opts...), nil
	case config.KindEmu:
		timeout := d.OperationTimeout
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		return plc.NewEmuClient(d.Address, d.Name, timeout), nil
	default:
		return nil, fmt.Errorf("unknown device kind %q", d.Kind)
	}
}

// buildSlots converts persisted slot configs to engine slot configs.
func buildSlots(d *config.DeviceConfig) ([]engine.SlotConfig, error) {
	slots := make([]engine.SlotConfig, 0, len(d.Slots))
	for _, sc := range d.Slots {
		caps := make([]task.CommandType, 0, len(sc.Capabilities))
		for _, name := range sc.Capabilities {
			t, err := task.ParseCommandType(name)
			if err != nil {
				return nil, fmt.Errorf("slot %d: %w", sc.ID, err)
			}
			caps = append(caps, t)
		}
		slots = append(slots, engine.SlotConfig{
			ID:           sc.ID,
			DBNumber:     sc.DB,
			Capabilities: caps,
		})
	}
	return slots, nil
}
