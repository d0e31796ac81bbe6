package core

import (
	"context"
	"errors"
	"strings"
)

// ErrAdvisoryUnavailable is returned by policies that cannot answer.
var ErrAdvisoryUnavailable = errors.New("advisory policy unavailable")

// Action is the high-level hint an advisory policy returns for a searching
// agent.
type Action string

const (
	ActionTarget      Action = "target"
	ActionFollowTrail Action = "follow_trail"
	ActionExplore     Action = "explore"
	ActionReturn      Action = "return"
)

// Actions is the full advisory vocabulary.
var Actions = []Action{ActionTarget, ActionFollowTrail, ActionExplore, ActionReturn}

// ParseAction normalises a free-form reply into the action vocabulary.
func ParseAction(s string) (Action, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ".!\"'`")
	for _, a := range Actions {
		if s == string(a) {
			return a, true
		}
	}
	return "", false
}

// AgentSummary is the local view an advisory policy decides on.
type AgentSummary struct {
	AgentID       int     `json:"agent_id"`
	Position      Vec3    `json:"position"`
	Payload       float64 `json:"payload"`
	MaxPayload    float64 `json:"max_payload"`
	Deliveries    int     `json:"deliveries"`
	Oxygen        float64 `json:"oxygen"`
	Drug          float64 `json:"drug"`
	Trail         float64 `json:"trail"`
	Alarm         float64 `json:"alarm"`
	NearbyHypoxic int     `json:"nearby_hypoxic"`
}

// AdvisoryPolicy suggests an action for one agent. Implementations may be
// slow or fail; callers bound every call with a context deadline and fall
// back to chemotaxis on any error.
type AdvisoryPolicy interface {
	Decide(ctx context.Context, s AgentSummary) (Action, error)
}

// NoopAdvisor never answers.
type NoopAdvisor struct{}

func (NoopAdvisor) Decide(context.Context, AgentSummary) (Action, error) {
	return "", ErrAdvisoryUnavailable
}

// StaticAdvisor always returns the same action, or Err when set.
type StaticAdvisor struct {
	Action Action
	Err    error
}

func (s StaticAdvisor) Decide(context.Context, AgentSummary) (Action, error) {
	if s.Err != nil {
		return "", s.Err
	}
	return s.Action, nil
}

// AdvisorFunc adapts a function to AdvisoryPolicy.
type AdvisorFunc func(ctx context.Context, s AgentSummary) (Action, error)

func (f AdvisorFunc) Decide(ctx context.Context, s AgentSummary) (Action, error) {
	return f(ctx, s)
}
