// ABOUTME: Store interface and data types for orchestrator persistence.
// ABOUTME: Defines computers, profiles, warming scripts, and execution records.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/warmfleet/orchestrator/internal/protocol"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Computer status values persisted in the roster. Reconciled against the
// live connection registry on a slow interval.
const (
	ComputerOnline  = "online"
	ComputerOffline = "offline"
)

// Computer is a remote agent machine that runs browser sessions.
type Computer struct {
	ID           string
	Name         string
	Status       string
	AgentVersion string
	MaxBrowsers  int
	LastSeenAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Profile is a browser identity owned by exactly one computer. AutomationID
// is the identity the local automation API on the agent machine knows it by.
type Profile struct {
	ID           string
	ComputerID   string
	Name         string
	AutomationID string
	CreatedAt    time.Time
}

// Script status values.
const (
	ScriptDraft    = "draft"
	ScriptActive   = "active"
	ScriptArchived = "archived"
)

// Script is a reusable ordered list of warming actions plus metadata.
type Script struct {
	ID              string
	Name            string
	Description     string
	Category        string
	Actions         []protocol.Action
	DurationMinutes int
	RandomizeOrder  bool
	RepeatCount     int
	Status          string
	IsTemplate      bool
	Tags            []string
	SuccessRate     int
	TimesUsed       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ExecutionStatus is the lifecycle state of one execution record.
type ExecutionStatus string

// Execution lifecycle states. Completed, Failed, and Cancelled are terminal:
// once reached, only log appends are accepted.
const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether s is a frozen end state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Execution tracks one run of a script against one profile on one computer.
type Execution struct {
	ID               string
	BatchID          string
	ScriptID         string
	ProfileID        string
	ComputerID       string
	Status           ExecutionStatus
	Progress         int
	ActionsCompleted int
	ActionsFailed    int
	Log              []json.RawMessage
	Error            string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ExecutionUpdate carries one status-update event for an execution. Nil
// pointer fields are left untouched.
type ExecutionUpdate struct {
	Status           ExecutionStatus
	Progress         *int
	LogEntry         json.RawMessage
	Error            string
	ActionsCompleted *int
	ActionsFailed    *int
}

// Store defines the persistence operations the coordination core consumes.
type Store interface {
	// Computers (agent roster)
	CreateComputer(ctx context.Context, c *Computer) error
	GetComputer(ctx context.Context, id string) (*Computer, error)
	ListComputers(ctx context.Context) ([]*Computer, error)
	SetComputerStatus(ctx context.Context, id, status string) error

	// Profiles
	CreateProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
	ListProfilesByComputer(ctx context.Context, computerID string) ([]*Profile, error)

	// Scripts
	CreateScript(ctx context.Context, s *Script) error
	GetScript(ctx context.Context, id string) (*Script, error)
	ListScripts(ctx context.Context, limit int) ([]*Script, error)
	IncrementScriptUsage(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutionsByBatch(ctx context.Context, batchID string) ([]*Execution, error)
	UpdateExecutionStatus(ctx context.Context, id string, upd ExecutionUpdate) error

	// Close releases any resources held by the store.
	Close() error
}
