package config

// Config is the root document for both daemons. All durations are Go
// duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Hub configures the orchestrator daemon (cmd/hub).
	Hub *HubConfig `json:"hub,omitempty"`

	// Robot configures the worker daemon (cmd/robot).
	Robot *RobotConfig `json:"robot,omitempty"`

	// Queue tunes the dispatch queue. Hub-side only.
	Queue QueueConfig `json:"queue"`

	// Storage enables optional job-event persistence. Hub-side only.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Triggers are cron-style workflow schedules. Hub-side only.
	Triggers []TriggerConfig `json:"triggers,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file"`
}

// HubConfig controls the orchestrator's listener and session policy.
//
// Defaults (when fields are omitted/zero):
//   - listen: "127.0.0.1:7420"
//   - heartbeat_interval: "15s"
//   - heartbeat_misses: 3
//   - dispatch_interval: "250ms"
//   - timeout_poll_interval: "1s"
//   - on_disconnect: "requeue"
//   - log_rate_per_sec: 50
type HubConfig struct {
	Listen string `json:"listen,omitempty"`

	// Token is the shared secret robots must present in REGISTER.
	// Empty disables the check.
	Token string `json:"token,omitempty"`

	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`

	// HeartbeatMisses marks a robot offline after this many missed beats.
	HeartbeatMisses int `json:"heartbeat_misses,omitempty"`

	DispatchInterval    string `json:"dispatch_interval,omitempty"`
	TimeoutPollInterval string `json:"timeout_poll_interval,omitempty"`

	// OnDisconnect decides what happens to a robot's running jobs when its
	// session drops: "requeue" (default) or "fail".
	OnDisconnect string `json:"on_disconnect,omitempty"`

	// LogRatePerSec bounds inbound log traffic per session.
	LogRatePerSec int `json:"log_rate_per_sec,omitempty"`
}

// RobotConfig identifies a worker and its connection behavior.
type RobotConfig struct {
	ID                string   `json:"id"`
	Name              string   `json:"name,omitempty"`
	Environment       string   `json:"environment,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs,omitempty"`

	Hub   string `json:"hub"`
	Token string `json:"token,omitempty"`

	HeartbeatInterval    string `json:"heartbeat_interval,omitempty"`
	ReconnectInterval    string `json:"reconnect_interval,omitempty"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts,omitempty"` // 0 = unlimited

	LogRatePerSec int `json:"log_rate_per_sec,omitempty"`
}

type QueueConfig struct {
	DedupWindow       string `json:"dedup_window,omitempty"`
	DefaultJobTimeout string `json:"default_job_timeout,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./flowhub.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// TriggerConfig schedules recurring workflow submissions. Schedule accepts
// a cron spec or an "@every <duration>" form.
type TriggerConfig struct {
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name,omitempty"`
	Schedule     string         `json:"schedule"`
	Priority     string         `json:"priority,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Timeout      string         `json:"timeout,omitempty"`
}
