// Package model defines the data structures for remedyd's commands, states, and configuration.
package model

import "time"

type ActionKind string

const (
	ActionConfigChange ActionKind = "config_change"
	ActionOSReconfig   ActionKind = "os_reconfig"
	ActionRestart      ActionKind = "restart"
)

var validActionKinds = map[ActionKind]bool{
	ActionConfigChange: true,
	ActionOSReconfig:   true,
	ActionRestart:      true,
}

func IsValidActionKind(k ActionKind) bool {
	return validActionKinds[k]
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for scheduling: lower rank dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

func IsValidPriority(p Priority) bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Command is the unit of work. ID and TargetResource are immutable once
// the command leaves the validator.
type Command struct {
	ID             string         `json:"id"`
	Kind           ActionKind     `json:"action_kind"`
	TargetResource string         `json:"target_resource"`
	Parameters     map[string]any `json:"parameters"`
	Priority       Priority       `json:"priority"`
	Approved       bool           `json:"approved"`
	Requester      string         `json:"requester,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	Advisory       *Advisory      `json:"advisory,omitempty"`
	ReceivedAt     time.Time      `json:"received_at"`

	// Seq is the monotonic arrival sequence assigned by the validator.
	// It breaks ties between commands with identical ReceivedAt values.
	Seq uint64 `json:"seq"`
}

// FollowUp is a template for a dependent command a handler requests after a
// successful execute (e.g. a restart mandated by a config change).
type FollowUp struct {
	Kind           ActionKind     `json:"action_kind"`
	TargetResource string         `json:"target_resource"`
	Parameters     map[string]any `json:"parameters"`
	Priority       Priority       `json:"priority"`
}

// Advisory is the optional external routing suggestion. It is consumed
// read-only for audit and risk estimation and never overrides the
// deterministic kind→handler mapping.
type Advisory struct {
	SuggestedHandler string `json:"suggested_handler"`
	Rationale        string `json:"rationale"`
	EstimatedRisk    Risk   `json:"estimated_risk"`
}
