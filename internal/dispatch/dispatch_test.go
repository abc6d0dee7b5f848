package dispatch

import (
	"bytes"
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/sockterm/internal/bridge"
	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/echopeer"
	"github.com/unkn0wn-root/sockterm/internal/errdef"
	"github.com/unkn0wn-root/sockterm/internal/host"
	"github.com/unkn0wn-root/sockterm/internal/transport"
)

var testTimeouts = transport.Timeouts{
	Connect: time.Second,
	Send:    time.Second,
	Receive: 300 * time.Millisecond,
}

func queuePeer(t *testing.T, reply echopeer.Reply) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	peer, err := echopeer.ListenQueue(context.Background(), addr, reply, nil)
	if err != nil {
		t.Fatalf("queue peer: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })
	return addr
}

func wsPeer(t *testing.T, repeat int) string {
	t.Helper()
	srv := httptest.NewServer(echopeer.WebSocketHandler(echopeer.WebSocketOptions{Repeat: repeat}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	h := host.New(host.Options{Timeouts: testTimeouts}, bridge.HostOptions{})
	stop := h.Start(context.Background())
	d := New(Options{Caller: h, Timeouts: testTimeouts, StreamReply: 300 * time.Millisecond})
	t.Cleanup(func() {
		_ = d.Close()
		stop()
	})
	return d
}

func TestQueueEchoScenario(t *testing.T) {
	addr := queuePeer(t, echopeer.Echo)
	d := newDispatcher(t)

	req := domain.Request{
		UUID:       "req-echo",
		Name:       "echo",
		Protocol:   domain.ProtocolQueue,
		Endpoint:   addr,
		Payload:    "Echo",
		Encoding:   domain.EncodingUTF8,
		TestScript: "return response === 'Echo';",
	}
	res, ok := d.Test(context.Background(), req)
	if !ok {
		t.Fatalf("expected a result for a request with a script")
	}
	if !res.IsSuccess || res.Stage != domain.StageEvaluate {
		t.Fatalf("expected passing evaluation, got %+v", res)
	}
	if res.RequestUUID != "req-echo" || res.RequestName != "echo" {
		t.Fatalf("result must point back at its request, got %+v", res)
	}
}

func TestQueueNoReplySkipsEvaluation(t *testing.T) {
	addr := queuePeer(t, echopeer.Silent)
	d := newDispatcher(t)

	req := domain.Request{
		UUID:       "req-silent",
		Protocol:   domain.ProtocolQueue,
		Endpoint:   addr,
		Payload:    "Echo",
		TestScript: "throw new Error('evaluate must not run');",
	}

	_, err := d.Exchange(context.Background(), req)
	if !errdef.IsKind(err, errdef.KindReceiveTimeout) {
		t.Fatalf("expected ReceiveTimeout, got %q (%v)", errdef.KindOf(err), err)
	}

	res, ok := d.Test(context.Background(), req)
	if !ok || res.IsSuccess {
		t.Fatalf("expected a failed result, got %+v (ok=%v)", res, ok)
	}
	if !res.DispatchFailed() {
		t.Fatalf("expected dispatch-stage failure, got stage %q", res.Stage)
	}
	if strings.Contains(res.Reason, "evaluate must not run") {
		t.Fatalf("script ran after a failed dispatch: %q", res.Reason)
	}
}

func TestEmptyScriptIsSkipped(t *testing.T) {
	d := newDispatcher(t)
	req := domain.Request{
		Protocol: domain.ProtocolQueue,
		Endpoint: "127.0.0.1:1",
		Payload:  "Echo",
	}
	if _, ok := d.Test(context.Background(), req); ok {
		t.Fatalf("request without a script must not produce a result")
	}
	if _, ok := d.Evaluate(context.Background(), req, domain.Response{Body: []byte("Echo")}); ok {
		t.Fatalf("evaluate must be skipped without a script")
	}
}

func TestDispatchQueueCallsHandler(t *testing.T) {
	addr := queuePeer(t, func(in []byte) []byte { return append([]byte("re:"), in...) })
	d := newDispatcher(t)

	var seen []string
	resp, err := d.Dispatch(context.Background(), domain.Request{
		UUID:     "q1",
		Protocol: domain.ProtocolQueue,
		Endpoint: addr,
		Payload:  "ping",
	}, func(r domain.Response) { seen = append(seen, r.Text()) })
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp == nil || resp.Text() != "re:ping" || resp.RequestUUID != "q1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(seen) != 1 || seen[0] != "re:ping" {
		t.Fatalf("handler should see the reply once, got %v", seen)
	}
}

func TestDispatchStreamSharesSession(t *testing.T) {
	endpoint := wsPeer(t, 1)
	d := newDispatcher(t)

	frames := make(chan string, 8)
	req := domain.Request{
		UUID:     "ws-shared",
		Protocol: domain.ProtocolPlainStream,
		Endpoint: endpoint,
		Payload:  "one",
	}
	handler := func(r domain.Response) { frames <- r.Text() }

	resp, err := d.Dispatch(context.Background(), req, handler)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if resp != nil {
		t.Fatalf("stream dispatch returns no response, got %+v", resp)
	}
	req.Payload = "two"
	if _, err := d.Dispatch(context.Background(), req, handler); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}

	var got []string
	for len(got) < 2 {
		select {
		case f := <-frames:
			got = append(got, f)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frames, got %v", got)
		}
	}
	if got[0] != "one" || got[1] != "two" {
		t.Fatalf("unexpected frames %v", got)
	}
	select {
	case extra := <-frames:
		t.Fatalf("handler registered twice, extra frame %q", extra)
	case <-time.After(100 * time.Millisecond):
	}

	if keys := d.Sessions(); len(keys) != 1 || keys[0] != "ws-shared" {
		t.Fatalf("expected one shared session, got %v", keys)
	}
	if err := d.CloseSession("ws-shared"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if keys := d.Sessions(); len(keys) != 0 {
		t.Fatalf("expected no sessions after close, got %v", keys)
	}
}

func TestStreamTestUsesFirstFrame(t *testing.T) {
	endpoint := wsPeer(t, 3)
	d := newDispatcher(t)

	res, ok := d.Test(context.Background(), domain.Request{
		UUID:       "ws-test",
		Protocol:   domain.ProtocolPlainStream,
		Endpoint:   endpoint,
		Payload:    "hello",
		TestScript: "response === 'hello'",
	})
	if !ok || !res.IsSuccess {
		t.Fatalf("expected passing stream test, got %+v", res)
	}
	if len(d.Sessions()) != 0 {
		t.Fatalf("one-shot exchanges must not leave sessions behind")
	}
}

func TestStreamTestSilentPeer(t *testing.T) {
	endpoint := wsPeer(t, -1)
	d := newDispatcher(t)

	res, ok := d.Test(context.Background(), domain.Request{
		Protocol:   domain.ProtocolPlainStream,
		Endpoint:   endpoint,
		Payload:    "hello",
		TestScript: "true",
	})
	if !ok || res.IsSuccess || !res.DispatchFailed() {
		t.Fatalf("expected dispatch failure, got %+v", res)
	}
}

func TestStreamOpenFailed(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	d := newDispatcher(t)
	_, err = d.Dispatch(context.Background(), domain.Request{
		Protocol: domain.ProtocolPlainStream,
		Endpoint: addr,
		Payload:  "x",
	}, nil)
	if !errdef.IsKind(err, errdef.KindOpenFailed) {
		t.Fatalf("expected OpenFailed, got %v", err)
	}
}

func TestDispatchAsyncQueue(t *testing.T) {
	addr := queuePeer(t, echopeer.Echo)
	d := newDispatcher(t)

	type result struct {
		resp domain.Response
		err  error
	}
	done := make(chan result, 1)
	d.DispatchAsync(context.Background(), domain.Request{
		Protocol: domain.ProtocolQueue,
		Endpoint: addr,
		Payload:  "async",
	}, func(resp domain.Response, err error) {
		done <- result{resp, err}
	})

	select {
	case r := <-done:
		if r.err != nil || r.resp.Text() != "async" {
			t.Fatalf("unexpected async result %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("callback never ran")
	}
}

func TestDispatchWithoutBridge(t *testing.T) {
	d := New(Options{})
	_, err := d.Exchange(context.Background(), domain.Request{
		Protocol: domain.ProtocolQueue,
		Endpoint: "127.0.0.1:1",
	})
	if !errdef.IsKind(err, errdef.KindNoHandler) {
		t.Fatalf("expected NoHandler without a bridge, got %v", err)
	}
}

func TestDispatchRejectsInvalidRequest(t *testing.T) {
	d := New(Options{})
	if _, err := d.Dispatch(context.Background(), domain.Request{Protocol: domain.ProtocolQueue}, nil); err == nil {
		t.Fatalf("expected missing endpoint to fail")
	}
	if _, err := d.Exchange(context.Background(), domain.Request{Endpoint: "x", Protocol: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected unknown protocol to fail")
	}
}

func TestQueueReplyBytesSurviveBridge(t *testing.T) {
	raw := []byte{0xff, 0xfe, 'o', 'k'}
	addr := queuePeer(t, func([]byte) []byte { return raw })
	d := newDispatcher(t)

	resp, err := d.Exchange(context.Background(), domain.Request{
		Protocol: domain.ProtocolQueue,
		Endpoint: addr,
		Payload:  "Echo",
		Encoding: domain.EncodingUTF8,
	})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !bytes.Equal(resp.Body, raw) {
		t.Fatalf("reply changed in transit: got % x, want % x", resp.Body, raw)
	}
}

// blackhole accepts TCP connections and never answers, so a websocket
// handshake against it waits for the connect timeout.
func blackhole(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestSlowStreamDialDoesNotBlockOtherSessions(t *testing.T) {
	stuck := blackhole(t)
	live := wsPeer(t, 1)
	timeouts := transport.Timeouts{Connect: 2 * time.Second, Send: time.Second, Receive: time.Second}
	d := New(Options{Timeouts: timeouts, StreamReply: time.Second})
	t.Cleanup(func() { _ = d.Close() })

	slowDone := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), domain.Request{
			UUID:     "stuck",
			Protocol: domain.ProtocolPlainStream,
			Endpoint: stuck,
			Payload:  "x",
		}, nil)
		slowDone <- err
	}()
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	frames := make(chan string, 1)
	_, err := d.Dispatch(context.Background(), domain.Request{
		UUID:     "live",
		Protocol: domain.ProtocolPlainStream,
		Endpoint: live,
		Payload:  "hi",
	}, func(r domain.Response) {
		select {
		case frames <- r.Text():
		default:
		}
	})
	if err != nil {
		t.Fatalf("live dispatch: %v", err)
	}
	_ = d.Sessions()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("live dispatch waited %s behind a stuck dial", elapsed)
	}
	select {
	case got := <-frames:
		if got != "hi" {
			t.Fatalf("unexpected frame %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("live session never delivered")
	}

	select {
	case err := <-slowDone:
		if !errdef.IsKind(err, errdef.KindOpenFailed) {
			t.Fatalf("expected OpenFailed from the stuck dial, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stuck dial never gave up")
	}
}

func TestConcurrentDialsShareOneSession(t *testing.T) {
	endpoint := wsPeer(t, 1)
	d := newDispatcher(t)
	req := domain.Request{
		UUID:     "ws-race",
		Protocol: domain.ProtocolPlainStream,
		Endpoint: endpoint,
		Payload:  "x",
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), req, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	if keys := d.Sessions(); len(keys) != 1 {
		t.Fatalf("expected one session after racing dials, got %v", keys)
	}
}
