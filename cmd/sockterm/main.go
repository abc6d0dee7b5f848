package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MakeNowJust/heredoc"

	"github.com/unkn0wn-root/sockterm/internal/config"
	"github.com/unkn0wn-root/sockterm/internal/logging"
	"github.com/unkn0wn-root/sockterm/internal/telemetry"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	exitOK       = 0
	exitFailures = 1
	exitUsage    = 2
)

var usageText = heredoc.Doc(`
	Usage: sockterm [flags]

	Run the test scripts of a request collection:
	  sockterm -collection requests.yaml -run

	Send one request and print what comes back:
	  sockterm -collection requests.yaml -send "ZeroMQ Example"
	  sockterm -collection requests.yaml -send ws-feed -listen 30s

	Serve the bridge for other sockterm processes, or use a remote one:
	  sockterm -agent 127.0.0.1:7070
	  sockterm -collection requests.yaml -run -bridge 127.0.0.1:7070

	Show the latest recorded results:
	  sockterm -history 20

	Settings are read from settings.toml or settings.json in $SOCKTERM_CONFIG_DIR
	(default: the user config directory). Flags override settings.

	Flags:
`)

type options struct {
	collection string
	run        bool
	send       string
	listen     time.Duration
	watch      bool
	agent      string
	bridgeAddr string
	history    int
	historyDB  string
	noHistory  bool
	logLevel   string
	showVer    bool

	connect     time.Duration
	sendTimeout time.Duration
	receive     time.Duration
	evaluate    time.Duration
	bridge      time.Duration
	streamReply time.Duration
	streamIdle  time.Duration
	concurrency int

	telemetry telemetry.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.Getenv)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	settings, _, err := config.LoadSettings(getenv)
	if err != nil {
		fmt.Fprintf(stderr, "settings: %v\n", err)
		return exitUsage
	}

	opts, err := parseFlags(args, settings, getenv, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}
	if opts.showVer {
		fmt.Fprintf(stdout, "sockterm %s\n", version)
		fmt.Fprintf(stdout, "  commit: %s\n", commit)
		fmt.Fprintf(stdout, "  built:  %s\n", date)
		return exitOK
	}

	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}
	logger := logging.New(stderr, level)

	inst, shutdown := startTelemetry(opts.telemetry, logger)
	defer shutdown()

	settings = applyFlags(settings, opts)
	app := &app{
		opts:     opts,
		settings: settings,
		stdout:   stdout,
		stderr:   stderr,
		logger:   logger,
		inst:     inst,
	}
	return app.main(ctx)
}

func parseFlags(args []string, settings config.Settings, getenv func(string) string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("sockterm", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usageText)
		fs.PrintDefaults()
	}

	var (
		opts        options
		otelHeaders string
	)
	opts.telemetry = telemetry.ConfigFromEnv(getenv)
	t := settings.Timeouts

	fs.StringVar(&opts.collection, "collection", "", "Path to a request collection (.yaml, .json, .toml)")
	fs.BoolVar(&opts.run, "run", false, "Run every request that has a test script")
	fs.StringVar(&opts.send, "send", "", "Dispatch one request by name or uuid and print the response")
	fs.DurationVar(
		&opts.listen,
		"listen",
		5*time.Second,
		"How long -send keeps printing frames of a stream request",
	)
	fs.BoolVar(&opts.watch, "watch", false, "Rerun the batch whenever the collection changes")
	fs.StringVar(&opts.agent, "agent", "", "Serve the bridge over gRPC on this address and wait")
	fs.StringVar(&opts.bridgeAddr, "bridge", "", "Use the bridge served by a sockterm agent at this address")
	fs.IntVar(&opts.history, "history", 0, "Print the N most recent recorded results and exit")
	fs.StringVar(&opts.historyDB, "history-db", settings.HistoryPath(), "History database path")
	fs.BoolVar(&opts.noHistory, "no-history", false, "Do not record results")
	fs.StringVar(&opts.logLevel, "log-level", settings.Log.Level, "Log level (debug, info, warn, error)")
	fs.BoolVar(&opts.showVer, "version", false, "Show sockterm version")

	fs.DurationVar(&opts.connect, "connect-timeout", t.Connect.Std(), "Socket connect timeout")
	fs.DurationVar(&opts.sendTimeout, "send-timeout", t.Send.Std(), "Socket send timeout")
	fs.DurationVar(&opts.receive, "receive-timeout", t.Receive.Std(), "Queue reply timeout")
	fs.DurationVar(&opts.evaluate, "evaluate-timeout", t.Evaluate.Std(), "Test script time limit")
	fs.DurationVar(&opts.bridge, "bridge-timeout", t.Bridge.Std(), "Limit for one bridge call")
	fs.DurationVar(
		&opts.streamReply,
		"stream-reply-timeout",
		t.StreamReply.Std(),
		"How long a stream test waits for its first frame",
	)
	fs.DurationVar(
		&opts.streamIdle,
		"stream-idle-timeout",
		t.StreamIdle.Std(),
		"Close idle stream sessions after this long (0 keeps them open)",
	)
	fs.IntVar(&opts.concurrency, "concurrency", settings.Runner.Concurrency, "Stream requests run at once")

	fs.StringVar(&opts.telemetry.Endpoint, "otel-endpoint", opts.telemetry.Endpoint, "OTLP collector endpoint")
	fs.BoolVar(&opts.telemetry.Insecure, "otel-insecure", opts.telemetry.Insecure, "Disable TLS for OTLP export")
	fs.StringVar(
		&opts.telemetry.ServiceName,
		"otel-service",
		opts.telemetry.ServiceName,
		"Override service.name for exported spans",
	)
	fs.StringVar(&otelHeaders, "otel-headers", "", "Extra OTLP headers (k=v,k2=v2)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if otelHeaders != "" {
		headers, err := telemetry.ParseHeaders(otelHeaders)
		if err != nil {
			return options{}, err
		}
		opts.telemetry.Headers = headers
	}
	opts.telemetry.Endpoint = strings.TrimSpace(opts.telemetry.Endpoint)
	opts.telemetry.ServiceName = strings.TrimSpace(opts.telemetry.ServiceName)
	opts.telemetry.Version = version
	return opts, opts.validate()
}

func (o options) validate() error {
	modes := 0
	for _, on := range []bool{o.run, o.send != "", o.agent != "", o.history > 0} {
		if on {
			modes++
		}
	}
	switch {
	case o.showVer:
		return nil
	case modes == 0:
		return errors.New("nothing to do: pass -run, -send, -agent or -history (see -h)")
	case modes > 1:
		return errors.New("-run, -send, -agent and -history are mutually exclusive")
	case (o.run || o.send != "") && strings.TrimSpace(o.collection) == "":
		return errors.New("-collection is required with -run and -send")
	case o.watch && !o.run:
		return errors.New("-watch only applies to -run")
	case o.agent != "" && o.bridgeAddr != "":
		return errors.New("-agent serves the bridge; it cannot also use -bridge")
	}
	return nil
}

func applyFlags(s config.Settings, o options) config.Settings {
	s.Timeouts.Connect = config.Duration(o.connect)
	s.Timeouts.Send = config.Duration(o.sendTimeout)
	s.Timeouts.Receive = config.Duration(o.receive)
	s.Timeouts.Evaluate = config.Duration(o.evaluate)
	s.Timeouts.Bridge = config.Duration(o.bridge)
	s.Timeouts.StreamReply = config.Duration(o.streamReply)
	s.Timeouts.StreamIdle = config.Duration(o.streamIdle)
	s.Runner.Concurrency = o.concurrency
	s.History.Path = o.historyDB
	s.Log.Level = o.logLevel
	return config.Normalise(s)
}

func startTelemetry(cfg telemetry.Config, logger *slog.Logger) (telemetry.Instrumenter, func()) {
	if !cfg.Enabled() {
		return telemetry.Noop(), func() {}
	}
	inst, err := telemetry.New(cfg)
	if err != nil {
		logger.Warn("telemetry init error", "err", err)
		return telemetry.Noop(), func() {}
	}
	return inst, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}
}
