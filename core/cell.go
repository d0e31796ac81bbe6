package core

import (
	"fmt"
	"strings"
)

// CellPhase is the lifecycle phase of a tumor cell.
type CellPhase int

const (
	PhaseViable CellPhase = iota
	PhaseHypoxic
	PhaseNecrotic
	PhaseApoptotic
)

// AllPhases lists phases in display order.
var AllPhases = []CellPhase{PhaseViable, PhaseHypoxic, PhaseNecrotic, PhaseApoptotic}

func (p CellPhase) String() string {
	switch p {
	case PhaseViable:
		return "viable"
	case PhaseHypoxic:
		return "hypoxic"
	case PhaseNecrotic:
		return "necrotic"
	case PhaseApoptotic:
		return "apoptotic"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether the phase is a death phase.
func (p CellPhase) Terminal() bool {
	return p == PhaseNecrotic || p == PhaseApoptotic
}

// ParseCellPhase is the inverse of CellPhase.String.
func ParseCellPhase(s string) (CellPhase, error) {
	for _, p := range AllPhases {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown cell phase %q", s)
}

func (p CellPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *CellPhase) UnmarshalText(b []byte) error {
	v, err := ParseCellPhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// CauseOfDeath records why a cell died.
type CauseOfDeath int

const (
	CauseNone CauseOfDeath = iota
	CauseNecrosis
	CauseApoptosis
)

func (c CauseOfDeath) String() string {
	switch c {
	case CauseNecrosis:
		return "necrosis"
	case CauseApoptosis:
		return "apoptosis"
	default:
		return ""
	}
}

// CellParams holds the metabolic and drug-response constants of a cell.
type CellParams struct {
	Radius             float64 // µm
	OxygenUptake       float64 // mmHg/min for a viable cell
	HypoxicThreshold   float64 // mmHg
	NecroticTime       float64 // minutes of hypoxia before necrosis
	DrugSensitivity    float64
	AbsorptionFactor   float64 // fraction of local drug taken up per minute
	LethalDose         float64
	HypoxicConsumption float64 // fraction of OxygenUptake while hypoxic
}

// DefaultCellParams returns glioma-like defaults.
func DefaultCellParams() CellParams {
	return CellParams{
		Radius:             10,
		OxygenUptake:       10,
		HypoxicThreshold:   5,
		NecroticTime:       30,
		DrugSensitivity:    1,
		AbsorptionFactor:   0.1,
		LethalDose:         100,
		HypoxicConsumption: 0.3,
	}
}

// TumorCell is a stationary cell whose phase is driven by local oxygen and
// the drug dose it has accumulated. Death is terminal: once dead a cell
// ignores every further update.
type TumorCell struct {
	ID       int
	Position Vec3
	Params   CellParams

	phase           CellPhase
	hypoxicDuration float64
	accumulatedDrug float64
	alive           bool
	cause           CauseOfDeath
}

// NewTumorCell returns a living cell in the given starting phase. Terminal
// phases are not valid starting phases and fall back to Viable.
func NewTumorCell(id int, pos Vec3, phase CellPhase, params CellParams) TumorCell {
	if phase.Terminal() {
		phase = PhaseViable
	}
	return TumorCell{ID: id, Position: pos, Params: params, phase: phase, alive: true}
}

func (c *TumorCell) Phase() CellPhase { return c.phase }

func (c *TumorCell) Alive() bool { return c.alive }

func (c *TumorCell) Cause() CauseOfDeath { return c.cause }

func (c *TumorCell) HypoxicDuration() float64 { return c.hypoxicDuration }

func (c *TumorCell) AccumulatedDrug() float64 { return c.accumulatedDrug }

// IsHypoxic reports a living cell in the Hypoxic phase.
func (c *TumorCell) IsHypoxic() bool { return c.alive && c.phase == PhaseHypoxic }

// TreatmentProgress is the accumulated dose as a fraction of the lethal dose.
func (c *TumorCell) TreatmentProgress() float64 {
	if c.Params.LethalDose <= 0 {
		return 1
	}
	return clampFloat(c.accumulatedDrug/c.Params.LethalDose, 0, 1)
}

// UpdateOxygenStatus applies one tick of oxygen exposure. Below the hypoxic
// threshold the cell turns Hypoxic and accumulates dt; once the accumulated
// duration exceeds NecroticTime it dies of necrosis. Recovering above the
// threshold returns a Hypoxic cell to Viable and resets the duration.
// The return value reports whether this call killed the cell.
func (c *TumorCell) UpdateOxygenStatus(oxygen, dt float64) bool {
	if !c.alive || !isFinite(oxygen) {
		return false
	}
	if !(dt > 0) || !isFinite(dt) {
		dt = 0
	}
	if oxygen < c.Params.HypoxicThreshold {
		c.phase = PhaseHypoxic
		c.hypoxicDuration += dt
		if c.hypoxicDuration > c.Params.NecroticTime {
			c.die(PhaseNecrotic, CauseNecrosis)
			return true
		}
		return false
	}
	if c.phase == PhaseHypoxic {
		c.phase = PhaseViable
		c.hypoxicDuration = 0
	}
	return false
}

// AbsorbDrug takes up drug from the local concentration over dt.
func (c *TumorCell) AbsorbDrug(concentration, dt float64) bool {
	if !c.alive || !(concentration > 0) || !(dt > 0) {
		return false
	}
	return c.AccumulateDrug(concentration * c.Params.DrugSensitivity * dt * c.Params.AbsorptionFactor)
}

// AccumulateDrug adds a direct dose, bypassing the diffusive field. It
// reports whether the dose was lethal.
func (c *TumorCell) AccumulateDrug(amount float64) bool {
	if !c.alive || !(amount > 0) || !isFinite(amount) {
		return false
	}
	c.accumulatedDrug += amount
	if c.accumulatedDrug >= c.Params.LethalDose {
		c.die(PhaseApoptotic, CauseApoptosis)
		return true
	}
	return false
}

// OxygenConsumption is the per-minute uptake used as the oxygen sink.
func (c *TumorCell) OxygenConsumption() float64 {
	if !c.alive {
		return 0
	}
	switch c.phase {
	case PhaseViable:
		return c.Params.OxygenUptake
	case PhaseHypoxic:
		return c.Params.OxygenUptake * c.Params.HypoxicConsumption
	default:
		return 0
	}
}

func (c *TumorCell) die(phase CellPhase, cause CauseOfDeath) {
	c.phase = phase
	c.alive = false
	c.cause = cause
}

// VesselPoint is a stationary supply point on the vasculature.
type VesselPoint struct {
	ID           int
	Position     Vec3
	OxygenSupply float64 // mmHg
	DrugSupply   float64
	SupplyRadius float64 // µm
}
