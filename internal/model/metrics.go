package model

type Metrics struct {
	SchemaVersion   int             `yaml:"schema_version"`
	FileType        string          `yaml:"file_type"`
	QueueDepth      QueueDepth      `yaml:"queue_depth"`
	Counters        MetricsCounters `yaml:"counters"`
	DaemonHeartbeat *string         `yaml:"daemon_heartbeat"`
	UpdatedAt       *string         `yaml:"updated_at"`
}

// QueueDepth breaks the open queue down by risk level for the
// dashboard stats panel.
type QueueDepth struct {
	Total    int `yaml:"total"`
	Low      int `yaml:"low"`
	Medium   int `yaml:"medium"`
	High     int `yaml:"high"`
	Critical int `yaml:"critical"`
}

type MetricsCounters struct {
	TasksCreated      int `yaml:"tasks_created"`
	TasksAssigned     int `yaml:"tasks_assigned"`
	TasksWithdrawn    int `yaml:"tasks_withdrawn"`
	TasksRequeued     int `yaml:"tasks_requeued"`
	TasksExpired      int `yaml:"tasks_expired"`
	AcceptsRejected   int `yaml:"accepts_rejected"`
	IntakeQuarantined int `yaml:"intake_quarantined"`
}
