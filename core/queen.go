package core

import (
	"fmt"
	"strings"
)

// QueenMode selects how the queen computes guidance.
type QueenMode int

const (
	QueenHeuristic QueenMode = iota
	// QueenAdvisory is reserved for an external policy and currently
	// produces exactly the heuristic guidance.
	QueenAdvisory
)

func (m QueenMode) String() string {
	if m == QueenAdvisory {
		return "advisory"
	}
	return "heuristic"
}

// ParseQueenMode accepts "heuristic" or "advisory"; empty means heuristic.
func ParseQueenMode(s string) (QueenMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "heuristic":
		return QueenHeuristic, nil
	case "advisory":
		return QueenAdvisory, nil
	default:
		return 0, fmt.Errorf("unknown queen mode %q", s)
	}
}

// DefaultQueenInterval is the number of ticks between guidance rounds.
const DefaultQueenInterval = 10

// Queen periodically steers idle, loaded agents toward hypoxic tissue.
// Guidance is recomputed from scratch every round and never carried over.
type Queen struct {
	Mode     QueenMode
	Interval int

	lastGuided  int
	lastHypoxic int
	rounds      int
}

// NewQueen returns a coordinator acting every interval ticks. A
// non-positive interval uses DefaultQueenInterval.
func NewQueen(mode QueenMode, interval int) *Queen {
	if interval <= 0 {
		interval = DefaultQueenInterval
	}
	return &Queen{Mode: mode, Interval: interval}
}

// ShouldAct reports whether tick (1-based) is a guidance tick.
func (q *Queen) ShouldAct(tick int) bool {
	return q.Interval > 0 && tick > 0 && tick%q.Interval == 0
}

// Guide maps the ID of every searching agent whose payload exceeds its
// GuidancePayload to a planar unit vector toward the nearest hypoxic cell.
func (q *Queen) Guide(agents []*NanobotAgent, g *TumorGeometry) map[int]Vec3 {
	// Advisory mode has no policy of its own yet.
	return q.guideHeuristic(agents, g)
}

func (q *Queen) guideHeuristic(agents []*NanobotAgent, g *TumorGeometry) map[int]Vec3 {
	guidance := make(map[int]Vec3)
	q.rounds++
	q.lastHypoxic = g.CountByPhase().Hypoxic
	q.lastGuided = 0
	if q.lastHypoxic == 0 {
		return guidance
	}
	for _, a := range agents {
		if a.State != StateSearching || a.Payload <= a.Params.GuidancePayload {
			continue
		}
		c := g.NearestCellInPhase(a.Position, PhaseHypoxic, 0)
		if c == nil {
			continue
		}
		if u, ok := c.Position.Sub(a.Position).XY().Unit(); ok {
			guidance[a.ID] = u
		}
	}
	q.lastGuided = len(guidance)
	return guidance
}

// Report summarises the most recent guidance round.
func (q *Queen) Report() string {
	if q.rounds == 0 {
		return fmt.Sprintf("queen (%s) idle", q.Mode)
	}
	return fmt.Sprintf("queen (%s) round %d: guided %d agents toward %d hypoxic cells",
		q.Mode, q.rounds, q.lastGuided, q.lastHypoxic)
}
