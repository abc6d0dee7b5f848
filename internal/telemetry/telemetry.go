// Package telemetry traces dispatches, evaluations and bridge calls. With
// no collector configured every call is a no-op.
package telemetry

import (
	"context"
	"strings"

	"github.com/unkn0wn-root/sockterm/internal/domain"
)

type Operation string

const (
	OpDispatch Operation = "dispatch"
	OpEvaluate Operation = "evaluate"
	OpBridge   Operation = "bridge"
)

type Instrumenter interface {
	Start(ctx context.Context, info SpanStart) (context.Context, Span)
	Shutdown(ctx context.Context) error
}

type Span interface {
	End(result SpanResult)
}

type SpanStart struct {
	Operation   Operation
	RequestUUID string
	RequestName string
	Protocol    domain.Protocol
	Endpoint    string
	Channel     string
}

// StartFor fills the request fields of a SpanStart from req.
func StartFor(op Operation, req domain.Request) SpanStart {
	return SpanStart{
		Operation:   op,
		RequestUUID: req.UUID,
		RequestName: req.Name,
		Protocol:    req.Protocol,
		Endpoint:    req.Endpoint,
	}
}

// Name is "<operation> <subject>", where the subject is the bridge channel,
// the request name or the endpoint, whichever is set first.
func (s SpanStart) Name() string {
	op := string(s.Operation)
	if op == "" {
		op = "sockterm"
	}
	for _, subject := range []string{s.Channel, s.RequestName, s.Endpoint} {
		if subject = strings.TrimSpace(subject); subject != "" {
			return op + " " + subject
		}
	}
	return op
}

type SpanResult struct {
	Err   error
	Bytes int
	// Evaluated marks spans that ran an assertion; Passed is its verdict.
	Evaluated bool
	Passed    bool
}

func (r SpanResult) failed() (bool, string) {
	if r.Err != nil {
		return true, r.Err.Error()
	}
	if r.Evaluated && !r.Passed {
		return true, "assertion failed"
	}
	return false, ""
}

func Noop() Instrumenter {
	return noopInstrumenter{}
}

// OrNoop lets components accept a nil Instrumenter.
func OrNoop(inst Instrumenter) Instrumenter {
	if inst == nil {
		return Noop()
	}
	return inst
}

type noopInstrumenter struct{}

type noopSpan struct{}

func (noopInstrumenter) Start(ctx context.Context, _ SpanStart) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopInstrumenter) Shutdown(context.Context) error { return nil }

func (noopSpan) End(SpanResult) {}
