package core

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// BehaviorState is the nanobot behavior machine state.
type BehaviorState int

const (
	StateSearching BehaviorState = iota
	StateTargeting
	StateDelivering
	StateReturning
	StateReloading
)

// AllBehaviorStates lists states in machine order.
var AllBehaviorStates = []BehaviorState{StateSearching, StateTargeting, StateDelivering, StateReturning, StateReloading}

func (s BehaviorState) String() string {
	switch s {
	case StateSearching:
		return "searching"
	case StateTargeting:
		return "targeting"
	case StateDelivering:
		return "delivering"
	case StateReturning:
		return "returning"
	case StateReloading:
		return "reloading"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s BehaviorState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *BehaviorState) UnmarshalText(b []byte) error {
	for _, st := range AllBehaviorStates {
		if strings.EqualFold(string(b), st.String()) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown behavior state %q", string(b))
}

// NoTarget marks an empty cell or vessel reference.
const NoTarget = -1

// NanobotParams are the movement, payload and signalling constants of an
// agent. Distances are µm, amounts are drug units, rates are per tick.
type NanobotParams struct {
	Speed           float64
	MaxPayload      float64
	DeliveryPerTick float64
	MinPayload      float64
	SearchRadius    float64
	TargetProximity float64
	VesselProximity float64
	ReloadRate      float64
	ReloadFill      float64 // fraction of MaxPayload that ends reloading
	TrailDeposit    float64
	AlarmDeposit    float64
	// GuidancePayload is the payload above which the queen guides an agent.
	GuidancePayload float64
	StartOffset     float64 // σ of the spawn offset around a vessel
	AdvisoryRadius  float64 // neighbourhood for the advisory hypoxic count
	AdvisoryTarget  float64 // lock radius for an advisory "target" action
	HistoryLength   int
}

// DefaultNanobotParams returns the standard agent constants.
func DefaultNanobotParams() NanobotParams {
	return NanobotParams{
		Speed:           10,
		MaxPayload:      100,
		DeliveryPerTick: 20,
		MinPayload:      10,
		SearchRadius:    30,
		TargetProximity: 5,
		VesselProximity: 10,
		ReloadRate:      20,
		ReloadFill:      0.9,
		TrailDeposit:    3,
		AlarmDeposit:    5,
		GuidancePayload: 20,
		StartOffset:     20,
		AdvisoryRadius:  50,
		AdvisoryTarget:  100,
		HistoryLength:   50,
	}
}

// DefaultChemotaxisWeights steers agents down the oxygen gradient, along
// trail and recruitment pheromone and away from alarm pheromone.
func DefaultChemotaxisWeights() map[string]float64 {
	return map[string]float64{
		SubstrateOxygen:      -1.0,
		SubstrateTrail:       0.8,
		SubstrateAlarm:       -0.5,
		SubstrateRecruitment: 0.6,
	}
}

// AgentEnv is what an agent reads and writes during its step.
type AgentEnv struct {
	Micro           *Microenvironment
	Geometry        *TumorGeometry
	Advisor         AdvisoryPolicy
	AdvisoryTimeout time.Duration
	Rand            *rand.Rand
	// Report receives non-fatal problems for the per-tick error list.
	Report func(msg string)
}

func (env *AgentEnv) report(format string, args ...any) {
	if env.Report != nil {
		env.Report(fmt.Sprintf(format, args...))
	}
}

// StepReport describes what happened during one agent step.
// Completed is set when a delivery run ends and the agent heads back to a
// vessel; Cell is NoTarget unless a cell was dosed.
type StepReport struct {
	From      BehaviorState
	To        BehaviorState
	Delivered float64
	Cell      int
	Killed    bool
	Completed bool
	Reloaded  bool
	Advised   Action
	// AdvisoryFailed is set when the advisory policy errored or timed out.
	AdvisoryFailed bool
}

// NanobotAgent is one drug-carrying agent. Target references are IDs into
// the tumor geometry and are re-resolved every tick.
type NanobotAgent struct {
	ID       int
	Position Vec3
	State    BehaviorState
	Payload  float64
	Params   NanobotParams
	Weights  map[string]float64
	// Advisory agents consult the advisory policy while searching.
	Advisory bool

	TargetCell   int
	TargetVessel int

	Deliveries    int
	DrugDelivered float64
	AdvisoryCalls int

	history []Vec3
}

// NewNanobotAgent returns a full, searching agent at pos.
func NewNanobotAgent(id int, pos Vec3, params NanobotParams) *NanobotAgent {
	return &NanobotAgent{
		ID:           id,
		Position:     pos,
		State:        StateSearching,
		Payload:      params.MaxPayload,
		Params:       params,
		Weights:      DefaultChemotaxisWeights(),
		TargetCell:   NoTarget,
		TargetVessel: NoTarget,
	}
}

// SpawnNanobot places a new agent near a random vessel, offset by a normal
// draw of σ = StartOffset per axis. Without vessels it starts uniformly in
// the domain.
func SpawnNanobot(id int, params NanobotParams, env *AgentEnv) *NanobotAgent {
	lo, hi := env.Micro.Bounds()
	var pos Vec3
	if vessels := env.Geometry.Vessels(); len(vessels) > 0 {
		v := vessels[env.Rand.Intn(len(vessels))]
		pos = Vec3{
			X: v.Position.X + env.Rand.NormFloat64()*params.StartOffset,
			Y: v.Position.Y + env.Rand.NormFloat64()*params.StartOffset,
			Z: v.Position.Z,
		}
	} else {
		pos = Vec3{
			X: lo.X + env.Rand.Float64()*(hi.X-lo.X),
			Y: lo.Y + env.Rand.Float64()*(hi.Y-lo.Y),
			Z: env.Geometry.Center.Z,
		}
	}
	return NewNanobotAgent(id, env.Micro.ClampPosition(pos), params)
}

// DisablePheromones zeroes the pheromone chemotaxis weights so the agent
// follows oxygen alone.
func (a *NanobotAgent) DisablePheromones() {
	if a.Weights == nil {
		a.Weights = DefaultChemotaxisWeights()
	}
	for _, name := range []string{SubstrateTrail, SubstrateAlarm, SubstrateRecruitment} {
		a.Weights[name] = 0
	}
}

// History returns the recent positions, oldest first.
func (a *NanobotAgent) History() []Vec3 {
	out := make([]Vec3, len(a.history))
	copy(out, a.history)
	return out
}

// Step runs one tick of the behavior machine. guidance maps agent IDs to
// queen directions and may be nil.
func (a *NanobotAgent) Step(ctx context.Context, env *AgentEnv, guidance map[int]Vec3) StepReport {
	a.record()
	rep := StepReport{From: a.State, Cell: NoTarget}

	switch a.State {
	case StateReloading:
		a.reload(&rep)
	case StateDelivering:
		a.deliver(env, &rep)
	case StateReturning:
		a.returnToVessel(env)
	case StateTargeting:
		a.moveTowardTarget(env)
	default:
		a.search(ctx, env, guidance, &rep)
	}

	a.Payload = clampFloat(a.Payload, 0, a.Params.MaxPayload)
	a.Position = env.Micro.ClampPosition(a.Position)
	rep.To = a.State
	return rep
}

func (a *NanobotAgent) record() {
	if a.Params.HistoryLength <= 0 {
		return
	}
	if len(a.history) >= a.Params.HistoryLength {
		copy(a.history, a.history[1:])
		a.history = a.history[:len(a.history)-1]
	}
	a.history = append(a.history, a.Position)
}

func (a *NanobotAgent) search(ctx context.Context, env *AgentEnv, guidance map[int]Vec3, rep *StepReport) {
	if dir, ok := guidance[a.ID]; ok {
		if u, ok := dir.XY().Unit(); ok {
			a.move(env, u, a.Params.Speed)
			return
		}
	}

	if a.Advisory && env.Advisor != nil {
		action, err := a.consult(ctx, env)
		if err != nil {
			rep.AdvisoryFailed = true
			env.report("nanobot %d advisory call failed: %v", a.ID, err)
			if alarm := env.Micro.Field(SubstrateAlarm); alarm != nil {
				alarm.AddSource(env.Micro.PositionToVoxel(a.Position), a.Params.AlarmDeposit)
			}
		} else {
			rep.Advised = action
			if a.followAdvice(env, action) {
				return
			}
		}
	}

	if u, ok := a.chemotaxisDirection(env).Unit(); ok {
		a.move(env, u, a.Params.Speed)
	} else {
		angle := env.Rand.Float64() * 2 * math.Pi
		a.move(env, Vec3{X: math.Cos(angle), Y: math.Sin(angle)}, a.Params.Speed)
	}

	if a.Payload > a.Params.MinPayload {
		if c := env.Geometry.SelectTarget(a.Position, a.Params.SearchRadius); c != nil {
			a.TargetCell = c.ID
			a.State = StateTargeting
		}
	}
}

// followAdvice applies an advisory action and reports whether it consumed
// the step. Actions that cannot be carried out fall through to chemotaxis.
func (a *NanobotAgent) followAdvice(env *AgentEnv, action Action) bool {
	switch action {
	case ActionTarget:
		if a.Payload <= a.Params.MinPayload {
			return false
		}
		if c := env.Geometry.SelectTarget(a.Position, a.Params.AdvisoryTarget); c != nil {
			a.TargetCell = c.ID
			a.State = StateTargeting
			return true
		}
	case ActionFollowTrail:
		if u, ok := env.Micro.GradientAt(SubstrateTrail, a.Position).XY().Unit(); ok {
			a.move(env, u, a.Params.Speed)
			return true
		}
	case ActionReturn:
		a.TargetCell = NoTarget
		a.TargetVessel = NoTarget
		a.State = StateReturning
		return true
	}
	return false
}

func (a *NanobotAgent) consult(ctx context.Context, env *AgentEnv) (Action, error) {
	if env.AdvisoryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, env.AdvisoryTimeout)
		defer cancel()
	}
	a.AdvisoryCalls++
	action, err := env.Advisor.Decide(ctx, a.Summary(env))
	if err != nil {
		return "", err
	}
	if parsed, ok := ParseAction(string(action)); ok {
		return parsed, nil
	}
	return ActionExplore, nil
}

// Summary builds the advisory view of the agent's surroundings.
func (a *NanobotAgent) Summary(env *AgentEnv) AgentSummary {
	m := env.Micro
	return AgentSummary{
		AgentID:       a.ID,
		Position:      a.Position,
		Payload:       a.Payload,
		MaxPayload:    a.Params.MaxPayload,
		Deliveries:    a.Deliveries,
		Oxygen:        m.ConcentrationAt(SubstrateOxygen, a.Position),
		Drug:          m.ConcentrationAt(SubstrateDrug, a.Position),
		Trail:         m.ConcentrationAt(SubstrateTrail, a.Position),
		Alarm:         m.ConcentrationAt(SubstrateAlarm, a.Position),
		NearbyHypoxic: env.Geometry.CountHypoxicWithin(a.Position, a.Params.AdvisoryRadius),
	}
}

// chemotaxisDirection is the weighted sum of planar field gradients, summed
// in field registration order so results are reproducible.
func (a *NanobotAgent) chemotaxisDirection(env *AgentEnv) Vec3 {
	var dir Vec3
	for _, name := range env.Micro.FieldNames() {
		w := a.Weights[name]
		if w == 0 {
			continue
		}
		dir = dir.Add(env.Micro.GradientAt(name, a.Position).XY().Scale(w))
	}
	return dir
}

func (a *NanobotAgent) moveTowardTarget(env *AgentEnv) {
	c := env.Geometry.Cell(a.TargetCell)
	if c == nil || !c.Alive() {
		a.TargetCell = NoTarget
		a.State = StateSearching
		return
	}
	if a.approach(env, c.Position, a.Params.TargetProximity) {
		a.State = StateDelivering
	}
}

func (a *NanobotAgent) deliver(env *AgentEnv, rep *StepReport) {
	c := env.Geometry.Cell(a.TargetCell)
	if c == nil || !c.Alive() {
		a.TargetCell = NoTarget
		a.State = StateSearching
		return
	}

	if amount := math.Min(a.Payload, a.Params.DeliveryPerTick); amount > 0 {
		voxel := env.Micro.PositionToVoxel(a.Position)
		if drug := env.Micro.Field(SubstrateDrug); drug != nil {
			drug.AddSource(voxel, amount)
		}
		a.Payload -= amount
		a.DrugDelivered += amount
		rep.Delivered = amount
		rep.Cell = c.ID
		rep.Killed = c.AccumulateDrug(amount)
		if trail := env.Micro.Field(SubstrateTrail); trail != nil {
			trail.AddSource(voxel, a.Params.TrailDeposit)
		}
	}

	if a.Payload < a.Params.MinPayload || !c.Alive() {
		a.Deliveries++
		rep.Completed = true
		a.TargetCell = NoTarget
		a.TargetVessel = NoTarget
		if v := env.Geometry.FindNearestVessel(a.Position); v != nil {
			a.TargetVessel = v.ID
		}
		a.State = StateReturning
	}
}

func (a *NanobotAgent) returnToVessel(env *AgentEnv) {
	v := env.Geometry.Vessel(a.TargetVessel)
	if v == nil {
		v = env.Geometry.FindNearestVessel(a.Position)
	}
	if v == nil {
		a.TargetVessel = NoTarget
		a.State = StateSearching
		return
	}
	a.TargetVessel = v.ID
	if a.approach(env, v.Position, a.Params.VesselProximity) {
		a.State = StateReloading
	}
}

func (a *NanobotAgent) reload(rep *StepReport) {
	a.Payload = math.Min(a.Payload+a.Params.ReloadRate, a.Params.MaxPayload)
	if a.Payload >= a.Params.MaxPayload*a.Params.ReloadFill {
		a.TargetVessel = NoTarget
		a.State = StateSearching
		rep.Reloaded = true
	}
}

// approach reports arrival when within radius of dest; otherwise it moves
// toward dest by at most one step.
func (a *NanobotAgent) approach(env *AgentEnv, dest Vec3, radius float64) bool {
	delta := dest.Sub(a.Position).XY()
	dist := delta.Norm()
	if dist < radius {
		return true
	}
	if u, ok := delta.Unit(); ok {
		a.move(env, u, math.Min(a.Params.Speed, dist))
	}
	return false
}

func (a *NanobotAgent) move(env *AgentEnv, dir Vec3, distance float64) {
	a.Position = env.Micro.ClampPosition(a.Position.Add(dir.Scale(distance)))
}
