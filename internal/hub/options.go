package hub

import (
	"fmt"
	"time"

	"flowhub/internal/config"
)

// Disconnect policies for a robot's running jobs when its session drops.
const (
	DisconnectRequeue = "requeue"
	DisconnectFail    = "fail"
)

// Options is the resolved hub configuration. Durations are parsed and
// defaults are filled in, so the server never consults config strings.
type Options struct {
	Listen string
	Token  string

	HeartbeatInterval time.Duration
	HeartbeatMisses   int

	DispatchInterval    time.Duration
	TimeoutPollInterval time.Duration

	OnDisconnect  string
	LogRatePerSec int
}

// OptionsFromConfig resolves the hub section, applying defaults for
// everything left unset.
func OptionsFromConfig(hc *config.HubConfig) (Options, error) {
	if hc == nil {
		hc = &config.HubConfig{}
	}
	opts := Options{
		Listen:        hc.Listen,
		Token:         hc.Token,
		OnDisconnect:  hc.OnDisconnect,
		LogRatePerSec: hc.LogRatePerSec,
	}
	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:7420"
	}

	var err error
	opts.HeartbeatInterval, err = config.ParseDurationOrDefault("hub.heartbeat_interval", hc.HeartbeatInterval, 15*time.Second)
	if err != nil {
		return Options{}, err
	}
	opts.DispatchInterval, err = config.ParseDurationOrDefault("hub.dispatch_interval", hc.DispatchInterval, 250*time.Millisecond)
	if err != nil {
		return Options{}, err
	}
	opts.TimeoutPollInterval, err = config.ParseDurationOrDefault("hub.timeout_poll_interval", hc.TimeoutPollInterval, time.Second)
	if err != nil {
		return Options{}, err
	}

	opts.HeartbeatMisses = hc.HeartbeatMisses
	if opts.HeartbeatMisses <= 0 {
		opts.HeartbeatMisses = 3
	}
	if opts.LogRatePerSec <= 0 {
		opts.LogRatePerSec = 50
	}
	switch opts.OnDisconnect {
	case "":
		opts.OnDisconnect = DisconnectRequeue
	case DisconnectRequeue, DisconnectFail:
	default:
		return Options{}, fmt.Errorf("hub.on_disconnect: unknown policy %q", hc.OnDisconnect)
	}
	return opts, nil
}
