package domain

import "strings"

// AgentStatus is the availability state of an agent in the directory.
type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
)

// Workload bounds. UpdateWorkload clamps into this range.
const (
	WorkloadMin = 0
	WorkloadMax = 100
)

// Agent is a logical worker with skills and a workload, backed by at
// most one supervised process at a time. Agents are never deleted,
// only marked offline.
type Agent struct {
	ID         string      `json:"id"          yaml:"id"`
	Name       string      `json:"name"        yaml:"name"`
	Role       string      `json:"role"        yaml:"role"`
	Department string      `json:"department"  yaml:"department"`
	Skills     []string    `json:"skills"      yaml:"skills"`
	Workload   int         `json:"workload"    yaml:"workload"`
	Status     AgentStatus `json:"status"      yaml:"status"`
}

// HasSkill reports whether the agent's skill set contains skill,
// case-insensitively.
func (a Agent) HasSkill(skill string) bool {
	for _, s := range a.Skills {
		if strings.EqualFold(s, skill) {
			return true
		}
	}
	return false
}

// SkillOverlap counts how many of the required skills the agent has.
func (a Agent) SkillOverlap(required []string) int {
	n := 0
	for _, r := range required {
		if a.HasSkill(r) {
			n++
		}
	}
	return n
}
