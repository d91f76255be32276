// Package store implements the durable State Store: SQLite-backed
// persistence for agents, tasks, leases, transitions, and workflow runs,
// with optimistic concurrency on versioned rows and gzip-compressed
// snapshot/restore.
package store

import "time"

// AgentState is one of the Agent Runtime lifecycle DFA states.
type AgentState string

const (
	AgentCreated      AgentState = "created"
	AgentInitializing AgentState = "initializing"
	AgentRunning      AgentState = "running"
	AgentPaused       AgentState = "paused"
	AgentCompleted    AgentState = "completed"
	AgentFailed       AgentState = "failed"
	AgentTerminated   AgentState = "terminated"
)

// Agent is a durable record of a spawned process.
type Agent struct {
	ID        string
	Category  string
	Command   string
	Args      []string
	PID       int
	State     AgentState
	SessionID string
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int
}

// Transition is one recorded lifecycle move for an agent.
type Transition struct {
	ID        string
	AgentID   string
	From      AgentState
	To        AgentState
	Reason    string
	Timestamp time.Time
}

// TaskStatus is a SCUD-derived task's lifecycle status.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in-progress"
	TaskDone       TaskStatus = "done"
	TaskBlocked    TaskStatus = "blocked"
)

// TaskPriority ranks ready tasks for selection; Rank orders from
// highest to lowest so the scheduler can sort ascending by rank.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityMedium   TaskPriority = "medium"
	PriorityLow      TaskPriority = "low"
)

// Rank orders priorities from most to least urgent (0 is most urgent).
// Unknown priorities sort last.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// ComplexityBucket is an estimated size bucket for a task.
type ComplexityBucket string

const (
	ComplexityTrivial  ComplexityBucket = "trivial"
	ComplexitySimple   ComplexityBucket = "simple"
	ComplexityModerate ComplexityBucket = "moderate"
	ComplexityComplex  ComplexityBucket = "complex"
	ComplexityEpic     ComplexityBucket = "epic"
)

// Task is a unit of work tracked for readiness/dependency purposes.
type Task struct {
	ID               string
	SessionID        string
	Title            string
	Description      string
	Status           TaskStatus
	Priority         TaskPriority
	ComplexityBucket ComplexityBucket
	AssigneeAgentID  string
	DependsOn        []string
	Metadata         map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Version          int
}

// Event is the durable record of a published eventbus.Event, stored for
// search_events and replay-after-restart.
type Event struct {
	ID        string
	Timestamp time.Time
	Category  string
	Kind      string
	ActorID   string
	SessionID string
	Payload   map[string]any
}

// LeaseRecord is the durable mirror of an in-memory lease.Lease.
type LeaseRecord struct {
	ID           string
	PathKey      []byte
	AgentID      string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	TTLSeconds   int
	Status       string
	RenewalCount int
	MaxRenewals  int
}

// WorkflowRun is the durable record of a workflow execution.
type WorkflowRun struct {
	ID           string
	WorkflowName string
	CurrentStage string
	Status       string
	Context      map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Version      int
}

// Snapshot is a point-in-time compressed capture of session state.
type Snapshot struct {
	ID        string
	SessionID string
	CreatedAt time.Time
}
