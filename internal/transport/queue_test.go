package transport

import (
	"context"
	"encoding/base64"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/errdef"
)

func freeEndpoint(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatalf("close probe listener: %v", err)
	}
	return addr
}

// startRepPeer runs a REP socket that answers each request with reply(msg).
// A nil reply means the peer swallows the request and never answers.
func startRepPeer(t *testing.T, reply func([]byte) []byte) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rep := zmq4.NewRep(ctx)
	addr := freeEndpoint(t)
	if err := rep.Listen("tcp://" + addr); err != nil {
		cancel()
		t.Fatalf("rep listen: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = rep.Close()
	})

	go func() {
		for {
			msg, err := rep.Recv()
			if err != nil {
				return
			}
			var in []byte
			if len(msg.Frames) > 0 {
				in = msg.Frames[0]
			}
			out := reply(in)
			if out == nil {
				<-ctx.Done()
				return
			}
			if err := rep.Send(zmq4.NewMsg(out)); err != nil {
				return
			}
		}
	}()
	return addr
}

func echoReply(in []byte) []byte {
	return append([]byte(nil), in...)
}

func TestQueueExchangeEcho(t *testing.T) {
	addr := startRepPeer(t, echoReply)

	resp, err := QueueExchange(
		context.Background(),
		addr,
		"Echo",
		domain.EncodingUTF8,
		Timeouts{Connect: time.Second, Send: time.Second, Receive: 2 * time.Second},
		nil,
	)
	if err != nil {
		t.Fatalf("queue exchange: %v", err)
	}
	if resp.Text() != "Echo" {
		t.Fatalf("expected Echo, got %q", resp.Text())
	}
	if resp.Encoding != domain.EncodingUTF8 || resp.Binary {
		t.Fatalf("unexpected response flags %+v", resp)
	}
}

func TestQueueExchangeBase64(t *testing.T) {
	seen := make(chan []byte, 1)
	addr := startRepPeer(t, func(in []byte) []byte {
		seen <- append([]byte(nil), in...)
		return in
	})

	raw := []byte{0x00, 0x01, 0xfe, 0xff}
	payload := base64.StdEncoding.EncodeToString(raw)
	resp, err := QueueExchange(
		context.Background(),
		addr,
		payload,
		domain.EncodingBase64,
		Timeouts{Connect: time.Second, Send: time.Second, Receive: 2 * time.Second},
		nil,
	)
	if err != nil {
		t.Fatalf("queue exchange: %v", err)
	}
	if got := <-seen; string(got) != string(raw) {
		t.Fatalf("peer should receive decoded bytes, got %v", got)
	}
	if resp.Text() != payload || !resp.Binary {
		t.Fatalf("expected re-encoded reply %q, got %+v", payload, resp)
	}
}

func TestQueueReceiveTimeout(t *testing.T) {
	addr := startRepPeer(t, func([]byte) []byte { return nil })

	limit := 300 * time.Millisecond
	client := NewQueueClient(addr, QueueOptions{
		Timeouts: Timeouts{Connect: time.Second, Send: time.Second, Receive: limit},
	})
	start := time.Now()
	_, err := client.Send(context.Background(), []byte("Echo"))
	elapsed := time.Since(start)
	if err == nil {
		t.Fatalf("expected receive timeout")
	}
	if !errdef.IsKind(err, errdef.KindReceiveTimeout) {
		t.Fatalf("expected ReceiveTimeout, got %q (%v)", errdef.KindOf(err), err)
	}
	if elapsed < limit || elapsed > limit+time.Second {
		t.Fatalf("expected failure close to %s, took %s", limit, elapsed)
	}
}

func TestQueueRefused(t *testing.T) {
	client := NewQueueClient("127.0.0.1:1", QueueOptions{
		Timeouts: Timeouts{Connect: 300 * time.Millisecond, Send: time.Second, Receive: time.Second},
	})
	_, err := client.Send(context.Background(), []byte("Echo"))
	if !errdef.IsKind(err, errdef.KindRefused) {
		t.Fatalf("expected Refused, got %q (%v)", errdef.KindOf(err), err)
	}
	if errdef.CodeOf(err) != errdef.CodeTransport {
		t.Fatalf("expected transport code, got %q", errdef.CodeOf(err))
	}
}

// silentListener accepts TCP connections but never speaks ZMTP, so the
// greeting exchange stalls.
func silentListener(t *testing.T) string {
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

func TestQueueConnectTimeout(t *testing.T) {
	addr := silentListener(t)

	limit := 300 * time.Millisecond
	client := NewQueueClient(addr, QueueOptions{
		Timeouts: Timeouts{Connect: limit, Send: time.Second, Receive: time.Second},
	})
	start := time.Now()
	_, err := client.Send(context.Background(), []byte("Echo"))
	elapsed := time.Since(start)
	if !errdef.IsKind(err, errdef.KindConnectTimeout) {
		t.Fatalf("expected ConnectTimeout, got %q (%v)", errdef.KindOf(err), err)
	}
	if elapsed < limit || elapsed > limit+time.Second {
		t.Fatalf("expected failure close to %s, took %s", limit, elapsed)
	}
}

func TestQueueStepTimeoutKinds(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stalled := func() (struct{}, error) {
		<-block
		return struct{}{}, nil
	}

	cases := []struct {
		name string
		kind errdef.Kind
	}{
		{"connect", errdef.KindConnectTimeout},
		{"send", errdef.KindSendTimeout},
		{"receive", errdef.KindReceiveTimeout},
	}
	for _, tc := range cases {
		_, err := within(context.Background(), 50*time.Millisecond, stalled)
		err = classifyQueueErr(err, tc.kind, "%s step", tc.name)
		if !errdef.IsKind(err, tc.kind) {
			t.Fatalf("%s: expected %q, got %q (%v)", tc.name, tc.kind, errdef.KindOf(err), err)
		}
	}
}

func TestQueueObserverReceivesReply(t *testing.T) {
	addr := startRepPeer(t, func(in []byte) []byte { return append([]byte("re:"), in...) })

	client := NewQueueClient(addr, QueueOptions{RequestUUID: "req-1"})
	var observed []domain.Response
	cancel := client.OnMessage(func(resp domain.Response) {
		observed = append(observed, resp)
	})
	defer cancel()

	resp, err := client.Send(context.Background(), []byte("ping"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Text() != "re:ping" || resp.RequestUUID != "req-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(observed) != 1 || observed[0].Text() != "re:ping" {
		t.Fatalf("expected observer to see the single reply, got %+v", observed)
	}
}

func TestQueueEachSendOwnsConnection(t *testing.T) {
	addr := startRepPeer(t, echoReply)
	client := NewQueueClient(addr, QueueOptions{})

	for _, msg := range []string{"one", "two", "three"} {
		resp, err := client.Send(context.Background(), []byte(msg))
		if err != nil {
			t.Fatalf("send %q: %v", msg, err)
		}
		if resp.Text() != msg {
			t.Fatalf("expected %q, got %q", msg, resp.Text())
		}
	}
}

func TestQueueEndpoint(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:3000":      "tcp://127.0.0.1:3000",
		" tcp://host:1 ":      "tcp://host:1",
		"ipc:///tmp/sock.ipc": "ipc:///tmp/sock.ipc",
	}
	for in, want := range cases {
		if got := QueueEndpoint(in); got != want {
			t.Fatalf("QueueEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}
