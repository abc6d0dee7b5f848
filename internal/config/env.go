package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/unkn0wn-root/sockterm/internal/errdef"
	"github.com/unkn0wn-root/sockterm/internal/transport"
)

const (
	EnvConnectTimeout     = "SOCKTERM_CONNECT_TIMEOUT"
	EnvSendTimeout        = "SOCKTERM_SEND_TIMEOUT"
	EnvReceiveTimeout     = "SOCKTERM_RECEIVE_TIMEOUT"
	EnvEvaluateTimeout    = "SOCKTERM_EVALUATE_TIMEOUT"
	EnvBridgeTimeout      = "SOCKTERM_BRIDGE_TIMEOUT"
	EnvStreamReplyTimeout = "SOCKTERM_STREAM_REPLY_TIMEOUT"
	EnvStreamIdleTimeout  = "SOCKTERM_STREAM_IDLE_TIMEOUT"
	EnvConcurrency        = "SOCKTERM_CONCURRENCY"
	EnvHistoryPath        = "SOCKTERM_HISTORY_PATH"
	EnvLogLevel           = "SOCKTERM_LOG_LEVEL"
)

// ApplyEnv overlays SOCKTERM_* variables on top of settings. Unset or blank
// variables leave the value alone.
func ApplyEnv(settings Settings, getenv func(string) string) (Settings, error) {
	if getenv == nil {
		return settings, nil
	}
	durations := []struct {
		key string
		dst *Duration
	}{
		{EnvConnectTimeout, &settings.Timeouts.Connect},
		{EnvSendTimeout, &settings.Timeouts.Send},
		{EnvReceiveTimeout, &settings.Timeouts.Receive},
		{EnvEvaluateTimeout, &settings.Timeouts.Evaluate},
		{EnvBridgeTimeout, &settings.Timeouts.Bridge},
		{EnvStreamReplyTimeout, &settings.Timeouts.StreamReply},
		{EnvStreamIdleTimeout, &settings.Timeouts.StreamIdle},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(getenv(d.key))
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return Settings{}, errdef.Wrap(errdef.CodeConfig, err, "parse %s", d.key)
		}
		*d.dst = Duration(v)
	}

	if raw := strings.TrimSpace(getenv(EnvConcurrency)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Settings{}, errdef.Wrap(errdef.CodeConfig, err, "parse %s", EnvConcurrency)
		}
		settings.Runner.Concurrency = n
	}
	if raw := strings.TrimSpace(getenv(EnvHistoryPath)); raw != "" {
		settings.History.Path = raw
	}
	if raw := strings.TrimSpace(getenv(EnvLogLevel)); raw != "" {
		settings.Log.Level = raw
	}
	return settings, nil
}

// Transport converts the timeout settings into what the transports take.
func (t TimeoutSettings) Transport() transport.Timeouts {
	return transport.Timeouts{
		Connect: t.Connect.Std(),
		Send:    t.Send.Std(),
		Receive: t.Receive.Std(),
		Idle:    t.StreamIdle.Std(),
	}.Normalise()
}
