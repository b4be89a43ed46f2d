package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate sanity-checks the parts of the document both daemons rely on.
// Duration strings are parsed here so a bad file is rejected before any
// component sees it.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if _, err := ParseDurationField("queue.dedup_window", cfg.Queue.DedupWindow); err != nil {
		return err
	}
	if _, err := ParseDurationField("queue.default_job_timeout", cfg.Queue.DefaultJobTimeout); err != nil {
		return err
	}

	if h := cfg.Hub; h != nil {
		for path, raw := range map[string]string{
			"hub.heartbeat_interval":    h.HeartbeatInterval,
			"hub.dispatch_interval":     h.DispatchInterval,
			"hub.timeout_poll_interval": h.TimeoutPollInterval,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
		switch strings.ToLower(strings.TrimSpace(h.OnDisconnect)) {
		case "", "requeue", "fail":
		default:
			return fmt.Errorf("hub.on_disconnect: must be \"requeue\" or \"fail\", got %q", h.OnDisconnect)
		}
	}

	if r := cfg.Robot; r != nil {
		if strings.TrimSpace(r.ID) == "" {
			return errors.New("robot.id is required")
		}
		if strings.TrimSpace(r.Hub) == "" {
			return errors.New("robot.hub is required")
		}
		for path, raw := range map[string]string{
			"robot.heartbeat_interval": r.HeartbeatInterval,
			"robot.reconnect_interval": r.ReconnectInterval,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
		if r.MaxReconnectAttempts < 0 {
			return errors.New("robot.max_reconnect_attempts: must be >= 0")
		}
	}

	if s := cfg.Storage; s != nil {
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	for i, t := range cfg.Triggers {
		if strings.TrimSpace(t.WorkflowID) == "" {
			return fmt.Errorf("triggers[%d].workflow_id is required", i)
		}
		if strings.TrimSpace(t.Schedule) == "" {
			return fmt.Errorf("triggers[%d].schedule is required", i)
		}
		if _, err := ParseDurationField(fmt.Sprintf("triggers[%d].timeout", i), t.Timeout); err != nil {
			return err
		}
	}
	return nil
}
