package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/mbrock/notifysms/internal/bridge"
	"github.com/mbrock/notifysms/internal/eventlog"
	"github.com/mbrock/notifysms/internal/eventlog/journald"
	"github.com/mbrock/notifysms/internal/platform/systemd"
	"github.com/mbrock/notifysms/internal/service"
	"github.com/mbrock/notifysms/internal/supervisor"
)

// Exit codes for call.
const (
	exitOK             = 0
	exitError          = 1
	exitNotImplemented = 2
)

const callTimeout = 30 * time.Second

// cmdCall invokes the bridge and returns the process exit code.
func cmdCall(method string, args []string) int {
	params, err := parseParams(args)
	if err != nil {
		fatal("%v", err)
	}

	client, err := bridge.Connect()
	if err != nil {
		fatal("%v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	res, err := client.Call(ctx, method, params)
	if err != nil {
		fatal("%v (is `notifysms serve` running?)", err)
	}

	if stdoutIsTerminal() {
		fmt.Println(res)
	} else {
		printJSON(res)
	}
	return resultExitCode(res)
}

// parseParams turns key=value arguments into call arguments.
func parseParams(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q, want key=value", arg)
		}
		params[k] = v
	}
	return params, nil
}

func resultExitCode(res bridge.Result) int {
	switch res.Outcome {
	case bridge.OutcomeSuccess:
		return exitOK
	case bridge.OutcomeNotImplemented:
		return exitNotImplemented
	default:
		return exitError
	}
}

func cmdStatus() {
	if selectKind() != supervisor.KindSystemd {
		fatal("status needs the systemd backend; the local host only lives inside `notifysms serve`")
	}

	ctx := context.Background()
	host, err := supervisor.Open(ctx, hostConfig(supervisor.KindSystemd))
	if err != nil {
		fatal("initializing systemd backend: %v", err)
	}
	defer host.Close()

	st, err := host.Status(ctx)
	if err != nil {
		fatal("getting status: %v", err)
	}

	if !stdoutIsTerminal() {
		printJSON(st)
		return
	}
	fmt.Printf("%s: %s", systemd.ExecutorUnit, st.State)
	if st.Detail != "" {
		fmt.Printf(" (%s)", st.Detail)
	}
	fmt.Printf(", %d restarts\n", st.Restarts)
}

func cmdEvents() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, err := journald.Open("")
	if err != nil {
		fatal("opening journal: %v", err)
	}
	defer events.Close()

	filters := []eventlog.EventFilter{eventlog.FilterByService(service.DefaultName)}

	if followFlag {
		for rec := range events.Follow(ctx, filters) {
			printEvent(rec)
		}
		return
	}

	records, _, err := events.Poll(ctx, filters, "")
	if err != nil {
		fatal("reading events: %v", err)
	}
	if len(records) == 0 {
		fmt.Println("no events")
		return
	}
	for _, rec := range records {
		printEvent(rec)
	}
}

func printEvent(rec eventlog.EventRecord) {
	if !stdoutIsTerminal() {
		printJSON(struct {
			Time    time.Time         `json:"time"`
			Event   string            `json:"event"`
			Message string            `json:"message"`
			Fields  map[string]string `json:"fields"`
		}{rec.Timestamp, rec.Fields[eventlog.FieldEvent], rec.Message, rec.Fields})
		return
	}

	line := fmt.Sprintf("%s %-16s %s", rec.Timestamp.Format(time.DateTime), rec.Fields[eventlog.FieldEvent], rec.Message)
	if id := rec.Fields[eventlog.FieldStartID]; id != "" {
		line += fmt.Sprintf(" start=%s request=%s flags=%s", id, rec.Fields[eventlog.FieldRequest], rec.Fields[eventlog.FieldFlags])
	}
	if e := rec.Fields[eventlog.FieldError]; e != "" {
		line += " error=" + e
	}
	fmt.Println(line)
}

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func printJSON(v any) {
	if err := json.NewEncoder(os.Stdout).Encode(v); err != nil {
		fatal("encoding output: %v", err)
	}
}
