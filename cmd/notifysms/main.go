// notifysms - Keep the SMS sender running in the background
//
// Usage:
//
//	notifysms                          Show executor status
//	notifysms serve                    Export the command bridge on the session bus
//	notifysms call <method> [k=v...]   Invoke the command bridge
//	notifysms start [k=v...]           Same as call start
//	notifysms stop                     Same as call stop
//	notifysms status                   Show executor status
//	notifysms events                   Show lifecycle events
//	notifysms executor                 (internal) Run the executor under systemd
package main

import (
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/mbrock/notifysms/internal/bridge"
	"github.com/mbrock/notifysms/internal/config"
)

// Global flags
var (
	backendFlag string
	configFlag  string
	debugFlag   bool
	followFlag  bool
)

// cfg is loaded before any command runs.
var cfg config.Config

func main() {
	flag.StringVar(&backendFlag, "backend", "", "Backend: systemd, local (overrides NOTIFYSMS_BACKEND)")
	flag.StringVar(&configFlag, "config", config.Path(), "Config file")
	flag.BoolVar(&debugFlag, "debug", false, "Debug logging (same as NOTIFYSMS_DEBUG=1)")
	flag.BoolVarP(&followFlag, "follow", "f", false, "Keep printing events as they arrive")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `notifysms - Keep the SMS sender running in the background

Usage:
  notifysms                          Show executor status
  notifysms serve                    Export the command bridge on the session bus
  notifysms call <method> [k=v...]   Invoke the command bridge
  notifysms start [k=v...]           Same as call start
  notifysms stop                     Same as call stop
  notifysms status                   Show executor status
  notifysms events [--follow]        Show lifecycle events
  notifysms executor                 (internal) Run the executor under systemd

Flags:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	loadConfig()
	setupLogging()

	args := flag.Args()
	if len(args) == 0 {
		cmdStatus()
		return
	}

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "serve":
		cmdServe()
	case "call":
		if len(cmdArgs) == 0 {
			fatal("usage: notifysms call <method> [key=value...]")
		}
		os.Exit(cmdCall(cmdArgs[0], cmdArgs[1:]))
	case "start":
		os.Exit(cmdCall(bridge.MethodStart, cmdArgs))
	case "stop":
		os.Exit(cmdCall(bridge.MethodStop, cmdArgs))
	case "status":
		cmdStatus()
	case "events":
		cmdEvents()
	case "executor":
		cmdExecutor()
	default:
		fatal("unknown command: %s", cmd)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig() {
	var err error
	cfg, err = config.Load(configFlag)
	if err != nil {
		fatal("loading config: %v", err)
	}
	if backendFlag != "" {
		cfg.Backend = backendFlag
	}
	if debugFlag {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		fatal("%v", err)
	}
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}
