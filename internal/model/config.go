package model

type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Assignment AssignmentConfig `yaml:"assignment"`
	Estimator  EstimatorConfig  `yaml:"estimator"`
	Intake     IntakeConfig     `yaml:"intake"`
	Limits     LimitsConfig     `yaml:"limits"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServiceConfig struct {
	Name string `yaml:"name"`
}

type AssignmentConfig struct {
	// DisconnectGraceSec is how long an assigned mentor may stay
	// disconnected before the task is re-queued. Seconds, not minutes:
	// it tolerates network blips, not absences.
	DisconnectGraceSec int `yaml:"disconnect_grace_sec"`
	// WaitCeilingMin expires a task nobody accepted in time so the
	// intake collaborator can page a supervisor.
	WaitCeilingMin int `yaml:"wait_ceiling_min"`
	// HeartbeatTimeoutSec marks a silent mentor disconnected.
	HeartbeatTimeoutSec int `yaml:"heartbeat_timeout_sec"`
	// RetainTerminalMin keeps withdrawn/expired records readable for
	// the dashboard before the sweep deletes them.
	RetainTerminalMin int `yaml:"retain_terminal_min"`
}

type EstimatorConfig struct {
	// DefaultAcceptSec seeds the per-risk moving average before any
	// acceptance has been observed.
	DefaultAcceptSec int `yaml:"default_accept_sec"`
	// Smoothing is the EWMA alpha in (0,1]; higher weighs recent
	// acceptances more.
	Smoothing float64 `yaml:"smoothing"`
}

type IntakeConfig struct {
	Enabled     bool    `yaml:"enabled"`
	DebounceSec float64 `yaml:"debounce_sec"`
}

type LimitsConfig struct {
	MaxOpenTasks         int `yaml:"max_open_tasks"`
	MaxContextEntryBytes int `yaml:"max_context_entry_bytes"`
	EventBufferSize      int `yaml:"event_buffer_size"`
}

type DaemonConfig struct {
	ScanIntervalSec    int `yaml:"scan_interval_sec"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}
