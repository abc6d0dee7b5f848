// Command sockecho runs the development echo peers: a ZeroMQ REP socket
// and a websocket endpoint that send every message back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MakeNowJust/heredoc"

	"github.com/unkn0wn-root/sockterm/internal/echopeer"
	"github.com/unkn0wn-root/sockterm/internal/logging"
)

var usageText = heredoc.Doc(`
	Usage: sockecho [-queue ADDR] [-ws ADDR]

	Echo peers for trying sockterm without a real service:
	  sockecho -queue tcp://127.0.0.1:3000 -ws 127.0.0.1:8080

	The websocket peer answers on every path.

	Flags:
`)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, nil)
	stop()
	os.Exit(code)
}

// run blocks until ctx ends. ready, when set, receives the bound addresses
// once both peers are up.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, ready chan<- []string) int {
	fs := flag.NewFlagSet("sockecho", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usageText)
		fs.PrintDefaults()
	}
	var (
		queueAddr string
		wsAddr    string
		repeat    int
		silent    bool
		logLevel  string
	)
	fs.StringVar(&queueAddr, "queue", "", "ZeroMQ REP endpoint to bind (tcp://host:port or host:port)")
	fs.StringVar(&wsAddr, "ws", "", "host:port for the websocket echo")
	fs.IntVar(&repeat, "repeat", 1, "Copies of each websocket frame to send back")
	fs.BoolVar(&silent, "silent", false, "Accept messages but never reply")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if queueAddr == "" && wsAddr == "" {
		fmt.Fprintln(stderr, "pass -queue, -ws or both")
		return 2
	}
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger := logging.New(stderr, level)

	var bound []string
	if queueAddr != "" {
		reply := echopeer.Echo
		if silent {
			reply = echopeer.Silent
		}
		peer, err := echopeer.ListenQueue(ctx, queueAddr, reply, logger)
		if err != nil {
			fmt.Fprintf(stderr, "queue: %v\n", err)
			return 1
		}
		defer peer.Close()
		fmt.Fprintf(stdout, "queue echo on %s\n", peer.Endpoint())
		bound = append(bound, peer.Endpoint())
	}

	if wsAddr != "" {
		ln, err := net.Listen("tcp", wsAddr)
		if err != nil {
			fmt.Fprintf(stderr, "ws: %v\n", err)
			return 1
		}
		if silent {
			repeat = -1
		}
		srv := &http.Server{
			Handler:           echopeer.WebSocketHandler(echopeer.WebSocketOptions{Repeat: repeat, Logger: logger}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("websocket server stopped", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		fmt.Fprintf(stdout, "websocket echo on ws://%s\n", ln.Addr())
		bound = append(bound, ln.Addr().String())
	}

	if ready != nil {
		ready <- bound
	}
	<-ctx.Done()
	return 0
}
