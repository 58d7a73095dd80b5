// Package engine implements the G3 orchestration core: the job state
// machine, the agent role executors, the verification loop and the
// provider-call gateway that feeds them.
package engine

import (
	"time"

	"github.com/google/uuid"
)

// Phase is a job's position in the generation pipeline.
type Phase string

const (
	PhasePending      Phase = "PENDING"
	PhaseArchitecting Phase = "ARCHITECTING"
	PhaseCoding       Phase = "CODING"
	PhaseVerifying    Phase = "VERIFYING"
	PhaseCoaching     Phase = "COACHING"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseFailed       Phase = "FAILED"
)

// Terminal reports whether the phase is final. Terminal jobs are immutable.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Role names a phase-specific agent.
type Role string

const (
	RoleArchitect Role = "architect"
	RoleCoder     Role = "coder"
	RoleCoach     Role = "coach"
	RoleSystem    Role = "system"
)

// Job is one end-to-end orchestration run. Mutated only by the
// orchestrator goroutine that owns it; persisted through the Store.
type Job struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Requirement   string    `gorm:"type:text;not null" json:"requirement"`
	Phase         Phase     `gorm:"index;default:PENDING" json:"phase"`
	Round         int       `json:"round"`
	MaxRounds     int       `json:"max_rounds"`
	FailureReason string    `json:"failure_reason,omitempty"`
	FailureRole   Role      `json:"failure_role,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Terminal reports whether the job reached a final phase.
func (j *Job) Terminal() bool { return j.Phase.Terminal() }

// Artifact is one generated output unit. Owned by the job until the job
// completes; afterwards the store is the system of record.
type Artifact struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID     uuid.UUID `gorm:"type:uuid;index;not null" json:"job_id"`
	Role      Role      `json:"role"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// LogLevel grades a log entry.
type LogLevel string

const (
	LevelInfo     LogLevel = "info"
	LevelWarn     LogLevel = "warn"
	LevelError    LogLevel = "error"
	LevelSuccess  LogLevel = "success"
	LevelThinking LogLevel = "thinking"
)

// LogEntry is an append-only observability record. Created by a role
// during execution, forwarded to subscribers immediately, never mutated.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Role      Role      `json:"role"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

func newEntry(role Role, level LogLevel, msg string) LogEntry {
	return LogEntry{Timestamp: time.Now(), Role: role, Level: level, Message: msg}
}

// Info builds an info-level entry.
func Info(role Role, msg string) LogEntry { return newEntry(role, LevelInfo, msg) }

// Warn builds a warn-level entry.
func Warn(role Role, msg string) LogEntry { return newEntry(role, LevelWarn, msg) }

// Error builds an error-level entry.
func Error(role Role, msg string) LogEntry { return newEntry(role, LevelError, msg) }

// Success builds a success-level entry.
func Success(role Role, msg string) LogEntry { return newEntry(role, LevelSuccess, msg) }

// Thinking builds a thinking-level entry, streamed as its own event type.
func Thinking(role Role, msg string) LogEntry { return newEntry(role, LevelThinking, msg) }
