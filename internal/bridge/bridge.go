// Package bridge carries dispatch and evaluate calls from the caller side to
// the side that owns queue sockets and the script sandbox. Arguments and
// results cross as JSON only; errors cross as WireError so their kinds
// survive the trip.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/errdef"
)

type Channel string

const (
	ChannelDispatchQueue  Channel = "dispatch-queue"
	ChannelEvaluateScript Channel = "evaluate-script"
)

// DefaultTimeout bounds a whole bridge round trip. It sits above the
// queue socket's connect+send+receive budget so those fire first.
const DefaultTimeout = 30 * time.Second

type QueueArgs struct {
	Endpoint    string          `json:"endpoint"`
	Payload     string          `json:"payload"`
	Encoding    domain.Encoding `json:"encoding"`
	RequestUUID string          `json:"requestUuid,omitempty"`
	// Zero durations leave the host's configured timeouts in place.
	ConnectTimeout time.Duration `json:"connectTimeout,omitempty"`
	SendTimeout    time.Duration `json:"sendTimeout,omitempty"`
	ReceiveTimeout time.Duration `json:"receiveTimeout,omitempty"`
}

// QueueReply carries the reply bytes as received. JSON base64s them on the
// wire, so bodies that are not valid UTF-8 arrive unchanged.
type QueueReply struct {
	Body     []byte          `json:"body"`
	Encoding domain.Encoding `json:"encoding"`
	Binary   bool            `json:"binary,omitempty"`
}

type EvaluateArgs struct {
	Script   string `json:"script"`
	Response any    `json:"response"`
}

// Handler serves one channel. The returned value is marshalled as JSON.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Typed adapts a function over concrete argument and result types.
func Typed[A, R any](fn func(ctx context.Context, args A) (R, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, errdef.Wrap(errdef.CodeBridge, err, "decode arguments")
			}
		}
		return fn(ctx, args)
	}
}

// Registry maps channel names to handlers. It is filled once at startup and
// sealed when a Host takes it over.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Channel]Handler
	sealed   bool
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Channel]Handler)}
}

// Handle panics on nil handlers, duplicate channels and late registration;
// all three are wiring mistakes.
func (r *Registry) Handle(ch Channel, h Handler) {
	if h == nil {
		panic(fmt.Sprintf("bridge: nil handler for channel %q", ch))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic(fmt.Sprintf("bridge: registry sealed, cannot add %q", ch))
	}
	if _, dup := r.handlers[ch]; dup {
		panic(fmt.Sprintf("bridge: channel %q registered twice", ch))
	}
	r.handlers[ch] = h
}

func (r *Registry) Lookup(ch Channel) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[ch]
	r.mu.RUnlock()
	if !ok {
		return nil, errdef.NewKind(errdef.CodeBridge, errdef.KindNoHandler, "no handler for channel %q", ch)
	}
	return h, nil
}

func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.handlers))
	for ch := range r.handlers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// invoke runs the handler for ch and marshals its result. Handler panics
// become bridge errors.
func (r *Registry) invoke(ctx context.Context, ch Channel, args json.RawMessage) (out json.RawMessage, err error) {
	h, err := r.Lookup(ch)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = errdef.New(errdef.CodeBridge, "handler for %q panicked: %v", ch, rec)
		}
	}()
	res, err := h(ctx, args)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeBridge, err, "encode result for %q", ch)
	}
	return raw, nil
}

type WireError struct {
	Code    errdef.Code `json:"code,omitempty"`
	Kind    errdef.Kind `json:"kind,omitempty"`
	Message string      `json:"message"`
}

func ToWire(err error) *WireError {
	if err == nil {
		return nil
	}
	w := &WireError{Message: err.Error(), Code: errdef.CodeOf(err), Kind: errdef.KindOf(err)}
	if w.Code == "" {
		w.Code = errdef.CodeBridge
	}
	return w
}

func (w *WireError) Err() error {
	if w == nil {
		return nil
	}
	return &errdef.Error{Code: w.Code, Kind: w.Kind, Message: w.Message}
}

// Reply is what a caller gets back for one call, synchronously or through
// a Post callback.
type Reply struct {
	ID      string
	Channel Channel
	Result  json.RawMessage
	Err     error
}

func (r Reply) Decode(out any) error {
	if r.Err != nil {
		return r.Err
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return errdef.Wrap(errdef.CodeBridge, err, "decode %s result", r.Channel)
	}
	return nil
}

// Caller is the caller-side view of the bridge.
type Caller interface {
	// Call blocks until the callee replies, the bridge timeout passes or ctx ends.
	Call(ctx context.Context, ch Channel, args any, out any) error
	// Post returns immediately; callback runs once with the reply.
	Post(ctx context.Context, ch Channel, args any, callback func(Reply))
}

func marshalArgs(ch Channel, args any) (json.RawMessage, error) {
	if args == nil {
		return nil, nil
	}
	if raw, ok := args.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeBridge, err, "encode arguments for %q", ch)
	}
	return raw, nil
}

func timeoutErr(ch Channel, limit time.Duration) error {
	return errdef.NewKind(
		errdef.CodeBridge,
		errdef.KindBridgeTimeout,
		"no reply on %q within %s",
		ch,
		limit,
	)
}

func ctxErr(ch Channel, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errdef.WrapKind(errdef.CodeBridge, errdef.KindBridgeTimeout, err, "call %q", ch)
	}
	return errdef.Wrap(errdef.CodeBridge, err, "call %q", ch)
}
