// ABOUTME: Wire messages exchanged between the orchestrator and warm agents.
// ABOUTME: JSON envelopes with a type discriminator; unknown kinds decode without error.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message kinds sent by agents to the orchestrator.
const (
	KindHeartbeat          = "heartbeat"
	KindStatusUpdate       = "status_update"
	KindExecutionProgress  = "execution_progress"
	KindExecutionCompleted = "execution_completed"
	KindExecutionFailed    = "execution_failed"
)

// Message kinds sent by the orchestrator to agents.
const (
	KindConnected      = "connected"
	KindExecuteWarming = "execute_warming"
	KindStopWarming    = "stop_warming"
	KindStatusRequest  = "status_request"
	KindHeartbeatAck   = "heartbeat_ack"
)

// AgentState is the runtime state an agent self-reports via status_update.
// The orchestrator replaces the previous state wholesale on every update.
type AgentState struct {
	ActiveBrowsers   int      `json:"active_browsers"`
	MaxBrowsers      int      `json:"max_browsers"`
	ActiveExecutions int      `json:"active_executions"`
	CPUUsage         float64  `json:"cpu_usage"`
	MemoryUsage      float64  `json:"memory_usage"`
	AgentVersion     string   `json:"agent_version,omitempty"`
	Capabilities     []string `json:"capabilities,omitempty"`
}

// Heartbeat keeps the connection's liveness timestamp fresh.
type Heartbeat struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusUpdate carries a full replacement of the agent's reported state.
type StatusUpdate struct {
	Type      string     `json:"type"`
	State     AgentState `json:"state"`
	Timestamp time.Time  `json:"timestamp"`
}

// ExecutionProgress reports progress of one execution. LogEntry is an
// opaque JSON object appended to the execution's step log as received.
type ExecutionProgress struct {
	Type        string          `json:"type"`
	ExecutionID string          `json:"execution_id"`
	Progress    int             `json:"progress"`
	LogEntry    json.RawMessage `json:"log_entry,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ExecutionCompleted is the terminal success report for one execution.
type ExecutionCompleted struct {
	Type        string          `json:"type"`
	ExecutionID string          `json:"execution_id"`
	Result      json.RawMessage `json:"result,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ExecutionFailed is the terminal failure report for one execution.
type ExecutionFailed struct {
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id"`
	Error       string    `json:"error"`
	Timestamp   time.Time `json:"timestamp"`
}

// Connected acknowledges a successful agent handshake.
type Connected struct {
	Type       string    `json:"type"`
	ComputerID string    `json:"computer_id"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// ExecuteWarming commands the agent to run a script against one profile.
type ExecuteWarming struct {
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id"`
	ProfileID   string    `json:"profile_id"`
	Actions     []Action  `json:"actions"`
	Timestamp   time.Time `json:"timestamp"`
}

// StopWarming commands the agent to cancel one running execution.
type StopWarming struct {
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// StatusRequest asks the agent to proactively emit a status_update.
type StatusRequest struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatAck is the orchestrator's reply to a heartbeat.
type HeartbeatAck struct {
	Type string `json:"type"`
}

// NewConnected builds the handshake acknowledgement for a computer.
func NewConnected(computerID string) *Connected {
	return &Connected{
		Type:       KindConnected,
		ComputerID: computerID,
		Message:    "Connected to orchestrator",
		Timestamp:  time.Now().UTC(),
	}
}

// NewExecuteWarming builds an execute command for one (execution, profile) pair.
func NewExecuteWarming(executionID, profileID string, actions []Action) *ExecuteWarming {
	return &ExecuteWarming{
		Type:        KindExecuteWarming,
		ExecutionID: executionID,
		ProfileID:   profileID,
		Actions:     actions,
		Timestamp:   time.Now().UTC(),
	}
}

// NewStopWarming builds a cancel command targeting one execution.
func NewStopWarming(executionID string) *StopWarming {
	return &StopWarming{
		Type:        KindStopWarming,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
	}
}

// NewStatusRequest builds a status_request command.
func NewStatusRequest() *StatusRequest {
	return &StatusRequest{Type: KindStatusRequest, Timestamp: time.Now().UTC()}
}

// NewHeartbeat builds an agent heartbeat message.
func NewHeartbeat() *Heartbeat {
	return &Heartbeat{Type: KindHeartbeat, Timestamp: time.Now().UTC()}
}

// NewStatusUpdate builds an agent status_update message.
func NewStatusUpdate(state AgentState) *StatusUpdate {
	return &StatusUpdate{Type: KindStatusUpdate, State: state, Timestamp: time.Now().UTC()}
}

// Inbound is a decoded agent-to-orchestrator message. Kind always holds the
// raw discriminator; exactly one payload pointer is non-nil for known kinds.
// Callers must treat unrecognized kinds as log-and-drop, never as errors.
type Inbound struct {
	Kind      string
	Heartbeat *Heartbeat
	Status    *StatusUpdate
	Progress  *ExecutionProgress
	Completed *ExecutionCompleted
	Failed    *ExecutionFailed
}

// envelope is used to peek at the discriminator before full decoding.
type envelope struct {
	Type string `json:"type"`
}

// DecodeInbound parses one agent-to-orchestrator envelope. Malformed JSON is
// an error; an unknown type discriminator is not.
func DecodeInbound(data []byte) (*Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	in := &Inbound{Kind: env.Type}
	var err error
	switch env.Type {
	case KindHeartbeat:
		in.Heartbeat = &Heartbeat{}
		err = json.Unmarshal(data, in.Heartbeat)
	case KindStatusUpdate:
		in.Status = &StatusUpdate{}
		err = json.Unmarshal(data, in.Status)
	case KindExecutionProgress:
		in.Progress = &ExecutionProgress{}
		err = json.Unmarshal(data, in.Progress)
	case KindExecutionCompleted:
		in.Completed = &ExecutionCompleted{}
		err = json.Unmarshal(data, in.Completed)
	case KindExecutionFailed:
		in.Failed = &ExecutionFailed{}
		err = json.Unmarshal(data, in.Failed)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
	}
	return in, nil
}

// Command is a decoded orchestrator-to-agent message, the agent-side mirror
// of Inbound.
type Command struct {
	Kind          string
	Connected     *Connected
	Execute       *ExecuteWarming
	Stop          *StopWarming
	StatusRequest *StatusRequest
	HeartbeatAck  *HeartbeatAck
}

// DecodeCommand parses one orchestrator-to-agent envelope.
func DecodeCommand(data []byte) (*Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	cmd := &Command{Kind: env.Type}
	var err error
	switch env.Type {
	case KindConnected:
		cmd.Connected = &Connected{}
		err = json.Unmarshal(data, cmd.Connected)
	case KindExecuteWarming:
		cmd.Execute = &ExecuteWarming{}
		err = json.Unmarshal(data, cmd.Execute)
	case KindStopWarming:
		cmd.Stop = &StopWarming{}
		err = json.Unmarshal(data, cmd.Stop)
	case KindStatusRequest:
		cmd.StatusRequest = &StatusRequest{}
		err = json.Unmarshal(data, cmd.StatusRequest)
	case KindHeartbeatAck:
		cmd.HeartbeatAck = &HeartbeatAck{Type: KindHeartbeatAck}
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
	}
	return cmd, nil
}
