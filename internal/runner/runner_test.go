package runner

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/sockterm/internal/bridge"
	"github.com/unkn0wn-root/sockterm/internal/dispatch"
	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/echopeer"
	"github.com/unkn0wn-root/sockterm/internal/host"
	"github.com/unkn0wn-root/sockterm/internal/transport"
)

type fakeTester struct {
	delays  map[string]time.Duration
	fail    map[string]bool
	panics  map[string]bool
	mu      sync.Mutex
	called  []string
	running atomic.Int32
	peak    atomic.Int32
}

func (f *fakeTester) Test(_ context.Context, req domain.Request) (domain.TestResult, bool) {
	if !req.HasTest() {
		return domain.TestResult{}, false
	}
	f.mu.Lock()
	f.called = append(f.called, req.UUID)
	f.mu.Unlock()

	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	time.Sleep(f.delays[req.UUID])
	if f.panics[req.UUID] {
		panic("tester exploded")
	}
	res := domain.TestResult{RequestUUID: req.UUID, Stage: domain.StageEvaluate, IsSuccess: !f.fail[req.UUID]}
	if !res.IsSuccess {
		res.Reason = "forced failure"
	}
	return res, true
}

func collect(ch <-chan domain.TestResult) []domain.TestResult {
	var out []domain.TestResult
	for res := range ch {
		out = append(out, res)
	}
	return out
}

func uuids(results []domain.TestResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.RequestUUID
	}
	return out
}

func queueReq(id string) domain.Request {
	return domain.Request{UUID: id, Protocol: domain.ProtocolQueue, Endpoint: "127.0.0.1:1", TestScript: "true"}
}

func streamReq(id string) domain.Request {
	return domain.Request{UUID: id, Protocol: domain.ProtocolPlainStream, Endpoint: "127.0.0.1:1", TestScript: "true"}
}

func TestRunQueueRequestsKeepInputOrder(t *testing.T) {
	tester := &fakeTester{delays: map[string]time.Duration{
		"q1": 60 * time.Millisecond,
		"q2": 5 * time.Millisecond,
		"q3": 30 * time.Millisecond,
	}}
	r := New(tester, Options{})

	got := uuids(collect(r.Run(context.Background(), []domain.Request{queueReq("q1"), queueReq("q2"), queueReq("q3")})))
	want := []string{"q1", "q2", "q3"}
	if len(got) != len(want) {
		t.Fatalf("expected %d results, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue results out of input order: %v", got)
		}
	}
	if tester.peak.Load() != 1 {
		t.Fatalf("queue requests must run one at a time, peak %d", tester.peak.Load())
	}
}

func TestRunStreamRequestsCompleteOutOfOrder(t *testing.T) {
	tester := &fakeTester{delays: map[string]time.Duration{
		"slow": 150 * time.Millisecond,
		"fast": 5 * time.Millisecond,
	}}
	r := New(tester, Options{})

	got := uuids(collect(r.Run(context.Background(), []domain.Request{streamReq("slow"), streamReq("fast")})))
	if len(got) != 2 || got[0] != "fast" || got[1] != "slow" {
		t.Fatalf("expected completion order [fast slow], got %v", got)
	}
}

func TestRunStreamConcurrencyIsBounded(t *testing.T) {
	tester := &fakeTester{delays: map[string]time.Duration{}}
	var reqs []domain.Request
	for i := 0; i < 12; i++ {
		id := "s" + strconv.Itoa(i)
		tester.delays[id] = 40 * time.Millisecond
		reqs = append(reqs, streamReq(id))
	}
	r := New(tester, Options{Concurrency: 3})

	got := collect(r.Run(context.Background(), reqs))
	if len(got) != 12 {
		t.Fatalf("expected 12 results, got %d", len(got))
	}
	if peak := tester.peak.Load(); peak > 3 || peak < 2 {
		t.Fatalf("expected concurrency capped at 3, peak %d", peak)
	}
}

func TestRunSkipsRequestsWithoutScript(t *testing.T) {
	tester := &fakeTester{}
	r := New(tester, Options{})

	noScript := queueReq("none")
	noScript.TestScript = "  "
	got := collect(r.Run(context.Background(), []domain.Request{noScript, queueReq("q1")}))
	if len(got) != 1 || got[0].RequestUUID != "q1" {
		t.Fatalf("expected only q1, got %v", uuids(got))
	}
	for _, id := range tester.called {
		if id == "none" {
			t.Fatalf("request without script must not be dispatched")
		}
	}
}

func TestRunFailureIsScopedToItsRequest(t *testing.T) {
	tester := &fakeTester{
		fail:   map[string]bool{"q2": true},
		panics: map[string]bool{"s2": true},
	}
	r := New(tester, Options{})

	reqs := []domain.Request{queueReq("q1"), queueReq("q2"), queueReq("q3"), streamReq("s1"), streamReq("s2")}
	results := collect(r.Run(context.Background(), reqs))
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}
	byID := make(map[string]domain.TestResult)
	for _, res := range results {
		byID[res.RequestUUID] = res
	}
	for _, id := range []string{"q1", "q3", "s1"} {
		if !byID[id].IsSuccess {
			t.Fatalf("%s should pass, got %+v", id, byID[id])
		}
	}
	if byID["q2"].IsSuccess || byID["q2"].Reason == "" {
		t.Fatalf("q2 should fail with a reason, got %+v", byID["q2"])
	}
	if byID["s2"].IsSuccess || byID["s2"].Reason == "" {
		t.Fatalf("panicking cycle should become a failed result, got %+v", byID["s2"])
	}
}

func TestRunEmptyBatch(t *testing.T) {
	r := New(&fakeTester{}, Options{})
	select {
	case _, ok := <-r.Run(context.Background(), nil):
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("empty batch should close immediately")
	}
}

func TestCollectOutcome(t *testing.T) {
	tester := &fakeTester{fail: map[string]bool{"b": true}}
	r := New(tester, Options{})

	outcome := r.Collect(context.Background(), []domain.Request{queueReq("a"), queueReq("b"), streamReq("c")})
	if outcome.Expected() != 3 {
		t.Fatalf("expected 3, got %d", outcome.Expected())
	}
	results := outcome.Wait()
	if len(results) != 3 || outcome.Len() != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if outcome.Passed() != 2 || outcome.Failed() != 1 {
		t.Fatalf("unexpected counts passed=%d failed=%d", outcome.Passed(), outcome.Failed())
	}
	select {
	case <-outcome.Done():
	default:
		t.Fatalf("Done should be closed after Wait")
	}
}

// One dead endpoint among live ones: the batch still produces every other result.
func TestBatchWithOneDeadTransport(t *testing.T) {
	free := func() string {
		ln, err := net.Listen("tcp4", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		addr := ln.Addr().String()
		_ = ln.Close()
		return addr
	}
	live := free()
	peer, err := echopeer.ListenQueue(context.Background(), live, echopeer.Echo, nil)
	if err != nil {
		t.Fatalf("queue peer: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })
	dead := free()

	timeouts := transport.Timeouts{Connect: 300 * time.Millisecond, Send: time.Second, Receive: time.Second}
	h := host.New(host.Options{Timeouts: timeouts}, bridge.HostOptions{})
	stop := h.Start(context.Background())
	t.Cleanup(stop)
	d := dispatch.New(dispatch.Options{Caller: h, Timeouts: timeouts})
	t.Cleanup(func() { _ = d.Close() })

	var reqs []domain.Request
	for i := 0; i < 4; i++ {
		endpoint := live
		if i == 2 {
			endpoint = dead
		}
		reqs = append(reqs, domain.Request{
			UUID:       "r" + strconv.Itoa(i),
			Protocol:   domain.ProtocolQueue,
			Endpoint:   endpoint,
			Payload:    "Echo",
			TestScript: "return response === 'Echo';",
		})
	}

	results := collect(New(d, Options{}).Run(context.Background(), reqs))
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for _, res := range results {
		if res.RequestUUID == "r2" {
			if res.IsSuccess || !res.DispatchFailed() || res.Reason == "" {
				t.Fatalf("dead endpoint should fail at dispatch, got %+v", res)
			}
			continue
		}
		if !res.IsSuccess {
			t.Fatalf("%s should pass, got %+v", res.RequestUUID, res)
		}
	}
}

func TestStreamPairsDraftsWithTheirRequest(t *testing.T) {
	r := New(&fakeTester{}, Options{})
	a := domain.Request{Protocol: domain.ProtocolQueue, Endpoint: "127.0.0.1:1", TestScript: "true"}
	b := domain.Request{Protocol: domain.ProtocolPlainStream, Endpoint: "127.0.0.1:2", TestScript: "true"}

	var got []Completed
	for c := range r.Stream(context.Background(), []domain.Request{a, b}) {
		got = append(got, c)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	endpoints := map[string]bool{}
	for _, c := range got {
		if c.Result.RequestUUID != "" {
			t.Fatalf("draft result should keep its empty uuid, got %q", c.Result.RequestUUID)
		}
		endpoints[c.Request.Endpoint] = true
	}
	if !endpoints[a.Endpoint] || !endpoints[b.Endpoint] {
		t.Fatalf("each result must carry its own request, got %+v", got)
	}
}
