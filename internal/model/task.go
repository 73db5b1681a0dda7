// Package model defines the data structures for dispatch configuration,
// task records, and mentor presence.
package model

// SessionType identifies the channel an escalated session runs on.
type SessionType string

const (
	SessionChat      SessionType = "chat"
	SessionVoice     SessionType = "voice"
	SessionEmergency SessionType = "emergency"
)

var validSessionTypes = map[SessionType]bool{
	SessionChat:      true,
	SessionVoice:     true,
	SessionEmergency: true,
}

func (s SessionType) IsValid() bool {
	return validSessionTypes[s]
}

// RiskLevel is the ordinal urgency classification supplied by the
// risk-detection collaborator. Critical is the highest urgency.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRanks = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Rank returns the ordinal position of the risk level. Unknown levels
// rank below low so malformed input never jumps the queue.
func (r RiskLevel) Rank() int {
	if rank, ok := riskRanks[r]; ok {
		return rank
	}
	return -1
}

func (r RiskLevel) IsValid() bool {
	_, ok := riskRanks[r]
	return ok
}

// TaskRecord is the canonical state of one open escalation.
//
// Priority uses the higher-value-is-more-urgent convention and acts as
// a tie-break under RiskLevel ordering. Context is an opaque payload
// from the intake collaborator (last message snippet, risk score,
// escalation reason); the core passes it through uninterpreted.
type TaskRecord struct {
	ID                string            `yaml:"id" json:"id"`
	ExternalSessionID string            `yaml:"external_session_id" json:"external_session_id"`
	UserAlias         string            `yaml:"user_alias" json:"user_alias"`
	UserID            string            `yaml:"user_id" json:"user_id"`
	SessionType       SessionType       `yaml:"session_type" json:"session_type"`
	RiskLevel         RiskLevel         `yaml:"risk_level" json:"risk_level"`
	Priority          int               `yaml:"priority" json:"priority"`
	Context           map[string]string `yaml:"context,omitempty" json:"context,omitempty"`
	State             TaskState         `yaml:"state" json:"state"`
	AssignedMentorID  *string           `yaml:"assigned_mentor_id" json:"assigned_mentor_id"`
	AcceptNotes       *string           `yaml:"accept_notes,omitempty" json:"accept_notes,omitempty"`
	WithdrawReason    *string           `yaml:"withdraw_reason,omitempty" json:"withdraw_reason,omitempty"`
	CreatedAt         string            `yaml:"created_at" json:"created_at"`
	UpdatedAt         string            `yaml:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy so callers can never mutate store state
// through a returned record.
func (t *TaskRecord) Clone() *TaskRecord {
	c := *t
	if t.Context != nil {
		c.Context = make(map[string]string, len(t.Context))
		for k, v := range t.Context {
			c.Context[k] = v
		}
	}
	if t.AssignedMentorID != nil {
		v := *t.AssignedMentorID
		c.AssignedMentorID = &v
	}
	if t.AcceptNotes != nil {
		v := *t.AcceptNotes
		c.AcceptNotes = &v
	}
	if t.WithdrawReason != nil {
		v := *t.WithdrawReason
		c.WithdrawReason = &v
	}
	return &c
}

// MentorPresence tracks one mentor's connection state. A mentor is a
// capacity-1 resource: CurrentAssignment holds at most one task id.
// Records are never deleted, only marked disconnected.
type MentorPresence struct {
	MentorID          string  `yaml:"mentor_id" json:"mentor_id"`
	Connected         bool    `yaml:"connected" json:"connected"`
	LastSeenAt        string  `yaml:"last_seen_at" json:"last_seen_at"`
	CurrentAssignment *string `yaml:"current_assignment" json:"current_assignment"`
}

// TaskFile is the on-disk snapshot of the task store.
type TaskFile struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	Tasks         []TaskRecord `yaml:"tasks"`
}

// IntakeRequest is the escalation request shape accepted from the
// risk-detection collaborator, over the socket or as a drop file.
type IntakeRequest struct {
	ExternalSessionID string            `yaml:"external_session_id" json:"external_session_id"`
	UserAlias         string            `yaml:"user_alias" json:"user_alias"`
	UserID            string            `yaml:"user_id" json:"user_id"`
	SessionType       SessionType       `yaml:"session_type" json:"session_type"`
	RiskLevel         RiskLevel         `yaml:"risk_level" json:"risk_level"`
	Priority          int               `yaml:"priority" json:"priority"`
	Context           map[string]string `yaml:"context,omitempty" json:"context,omitempty"`
}
