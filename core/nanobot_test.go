package core

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"
)

func newAgentTestEnv(t *testing.T) (*AgentEnv, *[]string) {
	t.Helper()
	m := newTestMicroenv(t, 200, 10, 2)
	mustField := func(_ *SubstrateField, err error) {
		if err != nil {
			t.Fatalf("register field: %v", err)
		}
	}
	mustField(m.AddOxygen(38))
	mustField(m.AddDrug(1e-7))
	mustField(m.AddPheromone(SubstrateTrail, 0.1))
	mustField(m.AddPheromone(SubstrateAlarm, 0.15))
	mustField(m.AddPheromone(SubstrateRecruitment, 0.12))

	errs := &[]string{}
	env := &AgentEnv{
		Micro:    m,
		Geometry: NewTumorGeometry(Vec3{X: 100, Y: 100}, 80, 20, 0),
		Rand:     rand.New(rand.NewSource(1)),
		Report:   func(msg string) { *errs = append(*errs, msg) },
	}
	return env, errs
}

func TestForcedKillByDose(t *testing.T) {
	env, errs := newAgentTestEnv(t)
	pos := Vec3{X: 50, Y: 50}
	cell := env.Geometry.AddCell(pos, PhaseHypoxic)

	params := DefaultNanobotParams()
	params.DeliveryPerTick = 100
	a := NewNanobotAgent(0, pos, params)
	a.State = StateDelivering
	a.TargetCell = cell

	rep := a.Step(context.Background(), env, nil)

	c := env.Geometry.Cell(cell)
	if c.Phase() != PhaseApoptotic || c.Alive() {
		t.Fatalf("cell phase = %v alive = %v, want apoptotic", c.Phase(), c.Alive())
	}
	if a.Deliveries != 1 {
		t.Fatalf("Deliveries = %d, want 1", a.Deliveries)
	}
	if !rep.Killed || !rep.Completed || rep.Delivered != 100 || rep.Cell != cell {
		t.Fatalf("StepReport = %+v", rep)
	}
	if a.State != StateReturning || a.TargetCell != NoTarget {
		t.Fatalf("state = %v target = %d, want returning with no target", a.State, a.TargetCell)
	}
	voxel := env.Micro.PositionToVoxel(pos)
	if got := env.Micro.Field(SubstrateDrug).SourceAt(voxel); got != 100 {
		t.Fatalf("drug source = %v, want 100", got)
	}
	if got := env.Micro.Field(SubstrateTrail).SourceAt(voxel); got != params.TrailDeposit {
		t.Fatalf("trail source = %v, want %v", got, params.TrailDeposit)
	}
	if len(*errs) != 0 {
		t.Fatalf("unexpected errors: %v", *errs)
	}
}

func TestDeliveringRepeatsUntilPayloadLow(t *testing.T) {
	env, _ := newAgentTestEnv(t)
	pos := Vec3{X: 50, Y: 50}
	cell := env.Geometry.AddCell(pos, PhaseViable)
	env.Geometry.Cell(cell).Params.LethalDose = 1e6

	a := NewNanobotAgent(0, pos, DefaultNanobotParams())
	a.State = StateDelivering
	a.TargetCell = cell

	for tick := 1; tick <= 4; tick++ {
		a.Step(context.Background(), env, nil)
		if a.State != StateDelivering {
			t.Fatalf("tick %d: state = %v, want delivering", tick, a.State)
		}
	}
	rep := a.Step(context.Background(), env, nil)
	if a.State != StateReturning || !rep.Completed || a.Deliveries != 1 {
		t.Fatalf("after 5 ticks: state=%v completed=%v deliveries=%d", a.State, rep.Completed, a.Deliveries)
	}
	if a.Payload != 0 || a.DrugDelivered != 100 {
		t.Fatalf("payload = %v delivered = %v, want 0 / 100", a.Payload, a.DrugDelivered)
	}
	if got := env.Geometry.Cell(cell).AccumulatedDrug(); got != 100 {
		t.Fatalf("cell dose = %v, want 100", got)
	}
}

func TestDeliveringToDeadTargetReturnsToSearching(t *testing.T) {
	env, _ := newAgentTestEnv(t)
	cell := env.Geometry.AddCell(Vec3{X: 50, Y: 50}, PhaseViable)
	env.Geometry.Cell(cell).AccumulateDrug(100)

	a := NewNanobotAgent(0, Vec3{X: 50, Y: 50}, DefaultNanobotParams())
	a.State = StateDelivering
	a.TargetCell = cell

	rep := a.Step(context.Background(), env, nil)
	if a.State != StateSearching || a.TargetCell != NoTarget || rep.Delivered != 0 {
		t.Fatalf("state=%v target=%d delivered=%v", a.State, a.TargetCell, rep.Delivered)
	}
	if a.Payload != a.Params.MaxPayload {
		t.Fatalf("payload = %v, want untouched", a.Payload)
	}
}

func TestReloadCycle(t *testing.T) {
	env, _ := newAgentTestEnv(t)
	vessel := env.Geometry.AddVessel(Vec3{X: 20, Y: 20})

	a := NewNanobotAgent(0, Vec3{X: 20, Y: 20}, DefaultNanobotParams())
	a.State = StateReloading
	a.TargetVessel = vessel
	a.Payload = 5

	reloaded := false
	for tick := 1; tick <= 5; tick++ {
		rep := a.Step(context.Background(), env, nil)
		if a.Payload < 0 || a.Payload > a.Params.MaxPayload {
			t.Fatalf("tick %d: payload %v out of bounds", tick, a.Payload)
		}
		if rep.Reloaded {
			reloaded = true
			break
		}
	}
	if !reloaded {
		t.Fatalf("agent did not finish reloading within 5 ticks (payload %v)", a.Payload)
	}
	if a.State != StateSearching || a.TargetVessel != NoTarget {
		t.Fatalf("state = %v vessel = %d, want searching with no vessel", a.State, a.TargetVessel)
	}
	if a.Payload < 90 {
		t.Fatalf("payload = %v, want >= 90", a.Payload)
	}
}

func TestReturningWithoutVesselsFallsBackToSearching(t *testing.T) {
	env, errs := newAgentTestEnv(t)
	a := NewNanobotAgent(0, Vec3{X: 100, Y: 100}, DefaultNanobotParams())
	a.State = StateReturning
	a.Payload = 0

	a.Step(context.Background(), env, nil)

	if a.State != StateSearching || a.TargetVessel != NoTarget {
		t.Fatalf("state = %v vessel = %d, want searching", a.State, a.TargetVessel)
	}
	if len(*errs) != 0 {
		t.Fatalf("unexpected errors: %v", *errs)
	}
}

func TestReturningMovesToVesselThenReloads(t *testing.T) {
	env, _ := newAgentTestEnv(t)
	env.Geometry.AddVessel(Vec3{X: 130, Y: 100})
	a := NewNanobotAgent(0, Vec3{X: 100, Y: 100}, DefaultNanobotParams())
	a.State = StateReturning
	a.Payload = 0

	for tick := 0; tick < 3; tick++ {
		a.Step(context.Background(), env, nil)
	}
	if got := a.Position.X; math.Abs(got-130) > 1e-9 {
		t.Fatalf("position x = %v, want 130 after three steps", got)
	}
	a.Step(context.Background(), env, nil)
	if a.State != StateReloading {
		t.Fatalf("state = %v, want reloading at the vessel", a.State)
	}
}

func TestTargetingApproachesAndDelivers(t *testing.T) {
	env, _ := newAgentTestEnv(t)
	cell := env.Geometry.AddCell(Vec3{X: 125, Y: 100}, PhaseHypoxic)
	a := NewNanobotAgent(0, Vec3{X: 100, Y: 100}, DefaultNanobotParams())
	a.State = StateTargeting
	a.TargetCell = cell

	a.Step(context.Background(), env, nil)
	if math.Abs(a.Position.X-110) > 1e-9 || a.State != StateTargeting {
		t.Fatalf("after one step: pos=%+v state=%v", a.Position, a.State)
	}
	a.Step(context.Background(), env, nil)
	a.Step(context.Background(), env, nil)
	a.Step(context.Background(), env, nil)
	if a.State != StateDelivering {
		t.Fatalf("state = %v, want delivering once within proximity", a.State)
	}

	env.Geometry.Cell(cell).AccumulateDrug(1000)
	a.State = StateTargeting
	a.Step(context.Background(), env, nil)
	if a.State != StateSearching || a.TargetCell != NoTarget {
		t.Fatalf("dead target: state=%v target=%d", a.State, a.TargetCell)
	}
}

func TestSearchingLocksTargetWithinRadius(t *testing.T) {
	env, _ := newAgentTestEnv(t)
	cell := env.Geometry.AddCell(Vec3{X: 100, Y: 100}, PhaseHypoxic)

	a := NewNanobotAgent(0, Vec3{X: 100, Y: 100}, DefaultNanobotParams())
	a.Step(context.Background(), env, nil)
	if a.State != StateTargeting || a.TargetCell != cell {
		t.Fatalf("state=%v target=%d, want targeting cell %d", a.State, a.TargetCell, cell)
	}

	empty := NewNanobotAgent(1, Vec3{X: 100, Y: 100}, DefaultNanobotParams())
	empty.Payload = 10
	empty.Step(context.Background(), env, nil)
	if empty.State != StateSearching {
		t.Fatalf("agent at minimum payload locked a target")
	}
}

func TestSearchingFollowsGuidance(t *testing.T) {
	env, _ := newAgentTestEnv(t)
	env.Geometry.AddCell(Vec3{X: 100, Y: 100}, PhaseHypoxic)
	a := NewNanobotAgent(7, Vec3{X: 100, Y: 100}, DefaultNanobotParams())

	a.Step(context.Background(), env, map[int]Vec3{7: {X: 3, Y: 4}})

	want := Vec3{X: 106, Y: 108}
	if a.Position.DistanceTo(want) > 1e-9 {
		t.Fatalf("position = %+v, want %+v", a.Position, want)
	}
	if a.State != StateSearching {
		t.Fatalf("guided agent changed state to %v", a.State)
	}
}

func TestSearchingChemotaxisMovesTowardLowOxygen(t *testing.T) {
	env, _ := newAgentTestEnv(t)
	oxygen := env.Micro.Field(SubstrateOxygen)
	nx, ny, _ := env.Micro.Shape()
	for i := 0; i < nx; i++ {
		for j := 0; j < ny; j++ {
			oxygen.Set(Voxel{I: i, J: j}, float64(i))
		}
	}
	a := NewNanobotAgent(0, Vec3{X: 100, Y: 100}, DefaultNanobotParams())
	a.Step(context.Background(), env, nil)

	want := Vec3{X: 90, Y: 100}
	if a.Position.DistanceTo(want) > 1e-9 {
		t.Fatalf("position = %+v, want %+v", a.Position, want)
	}
}

func TestSearchingRandomWalkWithoutGradient(t *testing.T) {
	env, _ := newAgentTestEnv(t)
	start := Vec3{X: 100, Y: 100}
	a := NewNanobotAgent(0, start, DefaultNanobotParams())
	a.Step(context.Background(), env, nil)

	if d := a.Position.DistanceTo(start); math.Abs(d-10) > 1e-9 {
		t.Fatalf("random step length = %v, want 10", d)
	}
}

func TestAdvisoryFailureDepositsAlarmAndFallsBack(t *testing.T) {
	env, errs := newAgentTestEnv(t)
	env.Advisor = StaticAdvisor{Err: errors.New("boom")}

	start := Vec3{X: 100, Y: 100}
	a := NewNanobotAgent(0, start, DefaultNanobotParams())
	a.Advisory = true
	a.Step(context.Background(), env, nil)

	if len(*errs) != 1 {
		t.Fatalf("errors = %v, want one advisory failure", *errs)
	}
	if got := env.Micro.Field(SubstrateAlarm).SourceAt(env.Micro.PositionToVoxel(start)); got != 5 {
		t.Fatalf("alarm source = %v, want 5", got)
	}
	if a.AdvisoryCalls != 1 {
		t.Fatalf("AdvisoryCalls = %d, want 1", a.AdvisoryCalls)
	}
	if d := a.Position.DistanceTo(start); math.Abs(d-10) > 1e-9 {
		t.Fatalf("fallback step length = %v, want 10", d)
	}
}

func TestAdvisoryTimeoutIsRecovered(t *testing.T) {
	env, errs := newAgentTestEnv(t)
	env.AdvisoryTimeout = 10 * time.Millisecond
	env.Advisor = AdvisorFunc(func(ctx context.Context, _ AgentSummary) (Action, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	a := NewNanobotAgent(0, Vec3{X: 100, Y: 100}, DefaultNanobotParams())
	a.Advisory = true
	a.Step(context.Background(), env, nil)

	if len(*errs) != 1 {
		t.Fatalf("errors = %v, want one timeout", *errs)
	}
	if a.State != StateSearching {
		t.Fatalf("state = %v, want searching", a.State)
	}
}

func TestAdvisoryActions(t *testing.T) {
	t.Run("return", func(t *testing.T) {
		env, _ := newAgentTestEnv(t)
		env.Advisor = StaticAdvisor{Action: ActionReturn}
		a := NewNanobotAgent(0, Vec3{X: 100, Y: 100}, DefaultNanobotParams())
		a.Advisory = true
		rep := a.Step(context.Background(), env, nil)
		if a.State != StateReturning || rep.Advised != ActionReturn {
			t.Fatalf("state = %v advised = %q, want returning", a.State, rep.Advised)
		}
	})

	t.Run("target", func(t *testing.T) {
		env, _ := newAgentTestEnv(t)
		cell := env.Geometry.AddCell(Vec3{X: 160, Y: 100}, PhaseHypoxic)
		env.Advisor = StaticAdvisor{Action: ActionTarget}
		a := NewNanobotAgent(0, Vec3{X: 100, Y: 100}, DefaultNanobotParams())
		a.Advisory = true
		a.Step(context.Background(), env, nil)
		if a.State != StateTargeting || a.TargetCell != cell {
			t.Fatalf("state = %v target = %d, want targeting %d", a.State, a.TargetCell, cell)
		}
		if a.Position != (Vec3{X: 100, Y: 100}) {
			t.Fatalf("target action should not move the agent")
		}
	})

	t.Run("follow trail", func(t *testing.T) {
		env, _ := newAgentTestEnv(t)
		env.Micro.Field(SubstrateTrail).Set(Voxel{I: 10, J: 11}, 50)
		env.Advisor = StaticAdvisor{Action: ActionFollowTrail}
		a := NewNanobotAgent(0, Vec3{X: 100, Y: 100}, DefaultNanobotParams())
		a.Advisory = true
		a.Step(context.Background(), env, nil)
		if want := (Vec3{X: 100, Y: 110}); a.Position.DistanceTo(want) > 1e-9 {
			t.Fatalf("position = %+v, want %+v", a.Position, want)
		}
	})

	t.Run("unknown reply explores", func(t *testing.T) {
		env, errs := newAgentTestEnv(t)
		env.Advisor = StaticAdvisor{Action: "dance"}
		a := NewNanobotAgent(0, Vec3{X: 100, Y: 100}, DefaultNanobotParams())
		a.Advisory = true
		rep := a.Step(context.Background(), env, nil)
		if rep.Advised != ActionExplore || len(*errs) != 0 {
			t.Fatalf("advised = %q errors = %v", rep.Advised, *errs)
		}
	})
}

func TestPositionStaysInDomain(t *testing.T) {
	env, _ := newAgentTestEnv(t)
	a := NewNanobotAgent(0, Vec3{X: 195, Y: 5}, DefaultNanobotParams())
	a.Step(context.Background(), env, map[int]Vec3{0: {X: 1, Y: -1}})
	if a.Position.X > 200 || a.Position.Y < 0 {
		t.Fatalf("position %+v escaped the domain", a.Position)
	}

	a.Position = Vec3{X: math.NaN(), Y: math.Inf(1)}
	a.Step(context.Background(), env, nil)
	if !a.Position.IsFinite() {
		t.Fatalf("position %+v not recovered", a.Position)
	}
}

func TestPayloadBoundsOverLongRun(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	m := newTestMicroenv(t, 600, 10, 2)
	m.AddOxygen(38)
	m.AddDrug(1e-7)
	m.AddPheromone(SubstrateTrail, 0.1)
	m.AddPheromone(SubstrateAlarm, 0.15)
	m.AddPheromone(SubstrateRecruitment, 0.12)
	g, err := NewSimpleTumor(rng, 600, 200, 0.001, 2)
	if err != nil {
		t.Fatalf("NewSimpleTumor: %v", err)
	}
	env := &AgentEnv{Micro: m, Geometry: g, Rand: rng}

	agents := make([]*NanobotAgent, 10)
	for i := range agents {
		agents[i] = SpawnNanobot(i, DefaultNanobotParams(), env)
	}
	queen := NewQueen(QueenHeuristic, 10)

	for tick := 1; tick <= 300; tick++ {
		m.ResetAllAccumulators()
		var guidance map[int]Vec3
		if queen.ShouldAct(tick) {
			guidance = queen.Guide(agents, g)
		}
		for _, a := range agents {
			a.Step(context.Background(), env, guidance)
			if a.Payload < 0 || a.Payload > a.Params.MaxPayload {
				t.Fatalf("tick %d agent %d: payload %v out of bounds", tick, a.ID, a.Payload)
			}
			if a.Position.X < 0 || a.Position.X > 600 || a.Position.Y < 0 || a.Position.Y > 600 {
				t.Fatalf("tick %d agent %d: position %+v outside domain", tick, a.ID, a.Position)
			}
		}
		m.Step()
	}
}

func TestSpawnNanobotNearVessel(t *testing.T) {
	env, _ := newAgentTestEnv(t)
	env.Geometry.AddVessel(Vec3{X: 100, Y: 100})

	a := SpawnNanobot(3, DefaultNanobotParams(), env)
	if a.ID != 3 || a.State != StateSearching || a.Payload != 100 {
		t.Fatalf("SpawnNanobot() = %+v", a)
	}
	if d := a.Position.DistanceTo(Vec3{X: 100, Y: 100}); d > 100 {
		t.Fatalf("spawned %v µm from the only vessel", d)
	}
}

func TestDisablePheromonesKeepsOxygen(t *testing.T) {
	a := NewNanobotAgent(0, Vec3{}, DefaultNanobotParams())
	a.DisablePheromones()
	if a.Weights[SubstrateOxygen] != -1 {
		t.Fatalf("oxygen weight = %v, want -1", a.Weights[SubstrateOxygen])
	}
	for _, name := range []string{SubstrateTrail, SubstrateAlarm, SubstrateRecruitment} {
		if a.Weights[name] != 0 {
			t.Fatalf("%s weight = %v, want 0", name, a.Weights[name])
		}
	}
}

func TestHistoryIsBounded(t *testing.T) {
	env, _ := newAgentTestEnv(t)
	params := DefaultNanobotParams()
	params.HistoryLength = 3
	a := NewNanobotAgent(0, Vec3{X: 100, Y: 100}, params)
	for i := 0; i < 5; i++ {
		a.Step(context.Background(), env, nil)
	}
	if got := len(a.History()); got != 3 {
		t.Fatalf("len(History()) = %d, want 3", got)
	}
}
