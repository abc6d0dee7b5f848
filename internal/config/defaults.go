package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	ConnectTimeoutDefault     = 5 * time.Second
	SendTimeoutDefault        = 10 * time.Second
	ReceiveTimeoutDefault     = 10 * time.Second
	EvaluateTimeoutDefault    = 10 * time.Second
	BridgeTimeoutDefault      = 30 * time.Second
	StreamReplyTimeoutDefault = 10 * time.Second

	RunnerConcurrencyDefault = 8
	RunnerConcurrencyMax     = 64

	HistoryMaxEntriesDefault = 500
	HistoryMaxEntriesMax     = 100000

	LogLevelDefault = "info"
)

// Duration is a time.Duration written as "5s" in settings files.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

func DefaultSettings() Settings {
	return Settings{
		Timeouts: TimeoutSettings{
			Connect:     Duration(ConnectTimeoutDefault),
			Send:        Duration(SendTimeoutDefault),
			Receive:     Duration(ReceiveTimeoutDefault),
			Evaluate:    Duration(EvaluateTimeoutDefault),
			Bridge:      Duration(BridgeTimeoutDefault),
			StreamReply: Duration(StreamReplyTimeoutDefault),
		},
		Runner:  RunnerSettings{Concurrency: RunnerConcurrencyDefault},
		History: HistorySettings{MaxEntries: HistoryMaxEntriesDefault},
		Log:     LogSettings{Level: LogLevelDefault},
	}
}

// Normalise replaces unset or nonsensical values with defaults. The bridge
// timeout is raised to cover a full queue exchange when it is set lower.
func Normalise(in Settings) Settings {
	def := DefaultSettings()
	out := in

	out.Timeouts.Connect = positive(in.Timeouts.Connect, def.Timeouts.Connect)
	out.Timeouts.Send = positive(in.Timeouts.Send, def.Timeouts.Send)
	out.Timeouts.Receive = positive(in.Timeouts.Receive, def.Timeouts.Receive)
	out.Timeouts.Evaluate = positive(in.Timeouts.Evaluate, def.Timeouts.Evaluate)
	out.Timeouts.StreamReply = positive(in.Timeouts.StreamReply, def.Timeouts.StreamReply)
	out.Timeouts.Bridge = positive(in.Timeouts.Bridge, def.Timeouts.Bridge)
	if in.Timeouts.StreamIdle < 0 {
		out.Timeouts.StreamIdle = 0
	}
	queueBudget := out.Timeouts.Connect + out.Timeouts.Send + out.Timeouts.Receive
	if out.Timeouts.Bridge < queueBudget {
		out.Timeouts.Bridge = queueBudget + Duration(time.Second)
	}

	out.Runner.Concurrency = clampInt(
		in.Runner.Concurrency,
		1,
		RunnerConcurrencyMax,
		RunnerConcurrencyDefault,
	)
	out.History.MaxEntries = clampInt(
		in.History.MaxEntries,
		1,
		HistoryMaxEntriesMax,
		HistoryMaxEntriesDefault,
	)
	out.History.Path = strings.TrimSpace(in.History.Path)
	out.Log.Level = normaliseLevel(in.Log.Level)
	return out
}

func normaliseLevel(in string) string {
	switch lvl := strings.ToLower(strings.TrimSpace(in)); lvl {
	case "debug", "info", "warn", "error":
		return lvl
	case "warning":
		return "warn"
	default:
		return LogLevelDefault
	}
}

func positive(value, fallback Duration) Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func clampInt(value, min, max, fallback int) int {
	if value == 0 {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
