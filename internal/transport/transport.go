package transport

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/errdef"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultSendTimeout    = 10 * time.Second
	DefaultReceiveTimeout = 10 * time.Second
)

// Observer receives every response a transport produces after registration.
type Observer func(domain.Response)

// Transport is the capability both socket kinds share. Queue transports
// return the reply from Send; streaming transports return nil and deliver
// inbound frames to observers.
type Transport interface {
	Send(ctx context.Context, payload []byte) (*domain.Response, error)
	OnMessage(fn Observer) (cancel func())
	Close() error
}

type Timeouts struct {
	Connect time.Duration
	Send    time.Duration
	Receive time.Duration
	// Idle closes a streaming connection after this long without traffic. Zero disables it.
	Idle time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: DefaultConnectTimeout,
		Send:    DefaultSendTimeout,
		Receive: DefaultReceiveTimeout,
	}
}

func (t Timeouts) Normalise() Timeouts {
	def := DefaultTimeouts()
	if t.Connect <= 0 {
		t.Connect = def.Connect
	}
	if t.Send <= 0 {
		t.Send = def.Send
	}
	if t.Receive <= 0 {
		t.Receive = def.Receive
	}
	if t.Idle < 0 {
		t.Idle = 0
	}
	return t
}

// QueueEndpoint turns host:port into a zmq tcp endpoint; explicit schemes are kept.
func QueueEndpoint(endpoint string) string {
	ep := strings.TrimSpace(endpoint)
	if strings.Contains(ep, "://") {
		return ep
	}
	return "tcp://" + ep
}

// StreamURL builds the websocket URL for a stream protocol. Endpoints that
// already carry a ws/wss/http/https scheme are used as is.
func StreamURL(protocol domain.Protocol, endpoint string) (string, error) {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		return "", errdef.NewKind(errdef.CodeTransport, errdef.KindOpenFailed, "stream endpoint is empty")
	}
	if !strings.Contains(ep, "://") {
		switch protocol {
		case domain.ProtocolSecureStream:
			ep = "wss://" + ep
		case domain.ProtocolPlainStream:
			ep = "ws://" + ep
		default:
			return "", errdef.NewKind(
				errdef.CodeTransport,
				errdef.KindOpenFailed,
				"protocol %q is not a stream protocol",
				protocol,
			)
		}
	}
	u, err := url.Parse(ep)
	if err != nil {
		return "", errdef.WrapKind(errdef.CodeTransport, errdef.KindOpenFailed, err, "parse stream url")
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return "", errdef.NewKind(
			errdef.CodeTransport,
			errdef.KindOpenFailed,
			"unsupported stream scheme %q",
			u.Scheme,
		)
	}
	return u.String(), nil
}

type observers struct {
	mu   sync.RWMutex
	next int
	fns  map[int]Observer
}

func (o *observers) add(fn Observer) func() {
	if fn == nil {
		return func() {}
	}
	o.mu.Lock()
	if o.fns == nil {
		o.fns = make(map[int]Observer)
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.fns, id)
			o.mu.Unlock()
		})
	}
}

// notify calls observers in registration order.
func (o *observers) notify(resp domain.Response) {
	o.mu.RLock()
	ids := make([]int, 0, len(o.fns))
	for id := range o.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Observer, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.fns[id])
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		fn(resp)
	}
}

// SendAndAwait sends payload and waits for the first response. Queue
// transports answer from Send directly; for streams the first inbound frame
// counts, bounded by limit.
func SendAndAwait(
	ctx context.Context,
	t Transport,
	payload []byte,
	limit time.Duration,
) (domain.Response, error) {
	first := make(chan domain.Response, 1)
	cancel := t.OnMessage(func(resp domain.Response) {
		select {
		case first <- resp:
		default:
		}
	})
	defer cancel()

	resp, err := t.Send(ctx, payload)
	if err != nil {
		return domain.Response{}, err
	}
	if resp != nil {
		return *resp, nil
	}

	if limit <= 0 {
		limit = DefaultReceiveTimeout
	}
	timer := time.NewTimer(limit)
	defer timer.Stop()

	var closed <-chan struct{}
	if d, ok := t.(interface{ Done() <-chan struct{} }); ok {
		closed = d.Done()
	}

	select {
	case resp := <-first:
		return resp, nil
	case <-closed:
		select {
		case resp := <-first:
			return resp, nil
		default:
		}
		return domain.Response{}, errdef.New(
			errdef.CodeTransport,
			"connection closed before a reply arrived",
		)
	case <-timer.C:
		return domain.Response{}, errdef.NewKind(
			errdef.CodeTransport,
			errdef.KindReceiveTimeout,
			"no reply within %s",
			limit,
		)
	case <-ctx.Done():
		return domain.Response{}, errdef.Wrap(errdef.CodeTransport, ctx.Err(), "await reply")
	}
}
