package main

import (
	"bytes"
	"context"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/unkn0wn-root/sockterm/internal/config"
	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/echopeer"
	"github.com/unkn0wn-root/sockterm/internal/history"
	"github.com/unkn0wn-root/sockterm/internal/logging"
	"github.com/unkn0wn-root/sockterm/internal/telemetry"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func writeCollection(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "requests.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write collection: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr, func(string) string { return "" })
	return code, stdout.String(), stderr.String()
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SOCKTERM_CONFIG_DIR", dir)
	return filepath.Join(dir, "history.db")
}

func TestBatchRunReportsAndRecords(t *testing.T) {
	isolate(t)
	live := freeAddr(t)
	peer, err := echopeer.ListenQueue(context.Background(), live, echopeer.Echo, nil)
	if err != nil {
		t.Fatalf("queue peer: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })
	dead := freeAddr(t)

	path := writeCollection(t, `
requests:
  - uuid: ok
    name: echo
    protocol: tcp
    url: `+live+`
    message: Echo
    testScript: return response === 'Echo';
  - uuid: down
    name: nobody-home
    protocol: queue
    endpoint: `+dead+`
    payload: Echo
    testScript: "true"
  - uuid: untested
    protocol: queue
    endpoint: `+live+`
`)

	code, out, errOut := runCLI(t,
		"-collection", path, "-run",
		"-connect-timeout", "300ms",
		"-receive-timeout", "500ms",
		"-log-level", "error",
	)
	if code != exitFailures {
		t.Fatalf("expected exit %d, got %d (stderr %q)", exitFailures, code, errOut)
	}
	for _, want := range []string{"PASS", "echo", "FAIL", "nobody-home", "dispatch failed:", "1 passed, 1 failed, 1 skipped"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}

	code, out, errOut = runCLI(t, "-history", "10")
	if code != exitOK {
		t.Fatalf("history exit %d: %s", code, errOut)
	}
	if strings.Count(out, "\n") != 2 || !strings.Contains(out, "echo") || !strings.Contains(out, "nobody-home") {
		t.Fatalf("expected both recorded results, got:\n%s", out)
	}
}

func TestBatchAllPass(t *testing.T) {
	isolate(t)
	live := freeAddr(t)
	peer, err := echopeer.ListenQueue(context.Background(), live, echopeer.Echo, nil)
	if err != nil {
		t.Fatalf("queue peer: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	path := writeCollection(t, `
- {uuid: a, name: a, protocol: queue, endpoint: "`+live+`", payload: x, testScript: "response === 'x'"}
`)
	code, out, errOut := runCLI(t, "-collection", path, "-run", "-no-history", "-log-level", "error")
	if code != exitOK {
		t.Fatalf("expected success, got %d\n%s\n%s", code, out, errOut)
	}
}

func TestSendStreamPrintsFrames(t *testing.T) {
	isolate(t)
	srv := httptest.NewServer(echopeer.WebSocketHandler(echopeer.WebSocketOptions{Repeat: 2}))
	t.Cleanup(srv.Close)
	endpoint := strings.TrimPrefix(srv.URL, "http://")

	path := writeCollection(t, `
- uuid: ws
  name: feed
  protocol: ws
  endpoint: `+endpoint+`
  payload: hello
  testScript: response === 'hello'
`)
	code, out, errOut := runCLI(t, "-collection", path, "-send", "feed", "-listen", "300ms", "-log-level", "error")
	if code != exitOK {
		t.Fatalf("expected success, got %d (stderr %q)\n%s", code, errOut, out)
	}
	if strings.Count(out, "hello") < 2 {
		t.Fatalf("expected both echoed frames, got:\n%s", out)
	}
	if !strings.Contains(out, "PASS") {
		t.Fatalf("expected evaluation of first frame, got:\n%s", out)
	}
}

func TestUsageErrors(t *testing.T) {
	isolate(t)
	tests := []struct {
		name string
		args []string
	}{
		{"no mode", nil},
		{"run without collection", []string{"-run"}},
		{"two modes", []string{"-run", "-history", "3", "-collection", "x.yaml"}},
		{"watch without run", []string{"-watch", "-send", "a", "-collection", "x.yaml"}},
		{"agent with bridge", []string{"-agent", "127.0.0.1:0", "-bridge", "127.0.0.1:1"}},
		{"stray args", []string{"-run", "-collection", "x.yaml", "extra"}},
		{"unknown flag", []string{"-nope"}},
		{"bad log level", []string{"-history", "1", "-log-level", "chatty"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if code, _, _ := runCLI(t, tc.args...); code != exitUsage {
				t.Fatalf("expected usage exit, got %d", code)
			}
		})
	}
}

func TestMissingRequestForSend(t *testing.T) {
	isolate(t)
	path := writeCollection(t, "- {protocol: ws, endpoint: 127.0.0.1:1, name: a}\n")
	code, _, errOut := runCLI(t, "-collection", path, "-send", "b")
	if code != exitUsage || !strings.Contains(errOut, `no request named "b"`) {
		t.Fatalf("unexpected result %d %q", code, errOut)
	}
}

func TestVersionAndHelp(t *testing.T) {
	isolate(t)
	code, out, _ := runCLI(t, "-version")
	if code != exitOK || !strings.Contains(out, "sockterm dev") {
		t.Fatalf("unexpected version output %d %q", code, out)
	}
	code, _, errOut := runCLI(t, "-h")
	if code != exitOK || !strings.Contains(errOut, "Usage: sockterm") {
		t.Fatalf("unexpected help output %d %q", code, errOut)
	}
}

func TestBatchThroughAgent(t *testing.T) {
	isolate(t)
	live := freeAddr(t)
	peer, err := echopeer.ListenQueue(context.Background(), live, echopeer.Echo, nil)
	if err != nil {
		t.Fatalf("queue peer: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	agentAddr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	var agentOut, agentErr bytes.Buffer
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"-agent", agentAddr, "-log-level", "error"}, &agentOut, &agentErr, func(string) string { return "" })
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		conn, err := net.Dial("tcp4", agentAddr)
		if err == nil {
			_ = conn.Close()
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("agent never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	path := writeCollection(t, `
- {uuid: a, name: remote, protocol: queue, endpoint: "`+live+`", payload: Echo, testScript: "response === 'Echo'"}
`)
	code, out, errOut := runCLI(t, "-collection", path, "-run", "-bridge", agentAddr, "-no-history", "-log-level", "error")
	cancel()
	if agentCode := <-done; agentCode != exitOK {
		t.Fatalf("agent exit %d: %s", agentCode, agentErr.String())
	}
	if code != exitOK || !strings.Contains(out, "PASS") {
		t.Fatalf("remote batch failed %d\n%s\n%s", code, out, errOut)
	}
	if !strings.Contains(agentOut.String(), "agent listening on") {
		t.Fatalf("expected agent banner, got %q", agentOut.String())
	}
}

func TestBatchRecordsDraftsAgainstTheirOwnRequest(t *testing.T) {
	settings := config.DefaultSettings()
	settings.Timeouts.Connect = config.Duration(300 * time.Millisecond)
	settings.Timeouts.Receive = config.Duration(500 * time.Millisecond)
	settings = config.Normalise(settings)

	var stdout, stderr bytes.Buffer
	a := &app{
		settings: settings,
		stdout:   &stdout,
		stderr:   &stderr,
		logger:   logging.Discard(),
		inst:     telemetry.Noop(),
	}
	store, err := history.Open(":memory:", 10)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	caller, release, err := a.caller(ctx)
	if err != nil {
		t.Fatalf("caller: %v", err)
	}
	defer release()
	d := a.dispatcher(caller)
	defer d.Close()

	queueDraft := domain.Request{Protocol: domain.ProtocolQueue, Endpoint: "127.0.0.1:1", TestScript: "true"}
	streamDraft := domain.Request{Protocol: domain.ProtocolPlainStream, Endpoint: freeAddr(t), TestScript: "true"}
	summary := a.batch(ctx, d, store, []domain.Request{queueDraft, streamDraft})
	if summary.Failed != 2 {
		t.Fatalf("expected both drafts to fail at dispatch, got %+v\n%s", summary, stdout.String())
	}

	entries, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	want := map[string]domain.Protocol{
		queueDraft.Endpoint:  domain.ProtocolQueue,
		streamDraft.Endpoint: domain.ProtocolPlainStream,
	}
	for _, e := range entries {
		if e.RequestName != e.Endpoint {
			t.Fatalf("entry %q recorded against endpoint %q", e.RequestName, e.Endpoint)
		}
		if want[e.Endpoint] != e.Protocol {
			t.Fatalf("entry for %s recorded protocol %q", e.Endpoint, e.Protocol)
		}
	}
}
