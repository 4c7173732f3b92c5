package domain

import "time"

// ProcessStatus is the lifecycle state of a supervised worker process.
type ProcessStatus string

const (
	ProcessStatusStarting ProcessStatus = "starting"
	ProcessStatusRunning  ProcessStatus = "running"
	ProcessStatusStopping ProcessStatus = "stopping"
	ProcessStatusStopped  ProcessStatus = "stopped"
	ProcessStatusError    ProcessStatus = "error"
)

// Terminal reports whether the status releases the agent's process slot.
// An error record with a pending restart is still non-terminal; the
// supervisor only treats error as terminal once the restart budget is
// exhausted.
func (s ProcessStatus) Terminal() bool {
	return s == ProcessStatusStopped || s == ProcessStatusError
}

// ResourceUsage is a best-effort snapshot of a process's footprint.
// Platforms without support report zeros.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
}

// SpawnSpec describes how to launch a worker process for an agent.
type SpawnSpec struct {
	Command string   `json:"command"  yaml:"command"`
	Args    []string `json:"args,omitempty"     yaml:"args,omitempty"`
	WorkDir string   `json:"workdir,omitempty"  yaml:"workdir,omitempty"`
	Env     []string `json:"env,omitempty"      yaml:"env,omitempty"`
}

// ProcessRecord is the lifecycle-tracked representation of an OS-level
// worker bound to one agent. At most one non-terminal record exists per
// agent at any time.
type ProcessRecord struct {
	ID            string        `json:"id"`
	AgentID       string        `json:"agent_id"`
	PID           int           `json:"pid,omitempty"`
	Status        ProcessStatus `json:"status"`
	RestartCount  int           `json:"restart_count"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	StoppedAt     *time.Time    `json:"stopped_at,omitempty"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Usage         ResourceUsage `json:"usage"`
	TaskID        string        `json:"task_id,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}
