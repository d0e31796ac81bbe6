package core

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	opensimplex "github.com/ojrac/opensimplex-go"
)

// ErrInvalidGeometry is returned when tumor dimensions cannot be generated.
var ErrInvalidGeometry = errors.New("invalid tumor geometry")

const (
	// Inner fraction of the viable annulus that starts hypoxic.
	hypoxicRimFraction = 0.3
	// Vessels are placed between these multiples of the tumor radius.
	vesselInnerFactor = 0.9
	vesselOuterFactor = 1.1

	defaultVesselOxygen  = 38.0
	defaultSupplyRadius  = 50.0
	defaultCoreFraction  = 0.25
	defaultVesselDensity = 0.01

	// Length scale (µm) of the vessel supply noise.
	heterogeneityScale = 100.0
)

// PhaseCounts tallies cells per phase.
type PhaseCounts struct {
	Viable    int `json:"viable"`
	Hypoxic   int `json:"hypoxic"`
	Necrotic  int `json:"necrotic"`
	Apoptotic int `json:"apoptotic"`
}

// Living is the number of cells not in a death phase.
func (pc PhaseCounts) Living() int { return pc.Viable + pc.Hypoxic }

// Total is the number of cells counted.
func (pc PhaseCounts) Total() int { return pc.Viable + pc.Hypoxic + pc.Necrotic + pc.Apoptotic }

func (pc *PhaseCounts) add(p CellPhase) {
	switch p {
	case PhaseViable:
		pc.Viable++
	case PhaseHypoxic:
		pc.Hypoxic++
	case PhaseNecrotic:
		pc.Necrotic++
	case PhaseApoptotic:
		pc.Apoptotic++
	}
}

// GeometryStatistics summarises the tumor population.
type GeometryStatistics struct {
	TotalCells   int         `json:"total_cells"`
	LivingCells  int         `json:"living_cells"`
	DeadCells    int         `json:"dead_cells"`
	SurvivalRate float64     `json:"survival_rate"`
	Phases       PhaseCounts `json:"phase_distribution"`
	Vessels      int         `json:"n_vessels"`
}

// TumorGeometry owns every tumor cell and vessel point. Records are kept in
// contiguous slices indexed by ID, so agents hold IDs rather than pointers.
type TumorGeometry struct {
	Center             Vec3
	TumorRadius        float64
	NecroticCoreRadius float64
	VesselDensity      float64 // vessels per µm of perimeter
	// Heterogeneity scales per-vessel oxygen supply by 1 + h·noise(x, y).
	// Zero keeps every vessel at the default supply.
	Heterogeneity float64
	NoiseSeed     int64
	CellParams    CellParams

	cells   []TumorCell
	vessels []VesselPoint
}

// NewTumorGeometry returns an empty geometry.
func NewTumorGeometry(center Vec3, tumorRadius, coreRadius, vesselDensity float64) *TumorGeometry {
	return &TumorGeometry{
		Center:             center,
		TumorRadius:        tumorRadius,
		NecroticCoreRadius: coreRadius,
		VesselDensity:      vesselDensity,
		CellParams:         DefaultCellParams(),
	}
}

// NewSimpleTumor centres a circular tumor in a square domain with a necrotic
// core of a quarter of the radius and generates it.
func NewSimpleTumor(rng *rand.Rand, domainSize, tumorRadius, cellDensity float64, dim int) (*TumorGeometry, error) {
	center := Vec3{X: domainSize / 2, Y: domainSize / 2}
	if dim == 3 {
		center.Z = domainSize / 2
	}
	g := NewTumorGeometry(center, tumorRadius, tumorRadius*defaultCoreFraction, defaultVesselDensity)
	if err := g.Generate(rng, cellDensity, dim); err != nil {
		return nil, err
	}
	return g, nil
}

// Generate populates cells uniformly in angle and radius over the annulus
// between the necrotic core and the tumor edge, then places vessels around
// the periphery. Any existing cells and vessels are replaced.
//
// 3-D tumors use the volume of the spherical shell for the cell count but,
// like 2-D ones, place every cell in the plane of the centre.
func (g *TumorGeometry) Generate(rng *rand.Rand, cellDensity float64, dim int) error {
	if rng == nil {
		return fmt.Errorf("%w: nil random source", ErrInvalidGeometry)
	}
	if !(g.TumorRadius > 0) || !isFinite(g.TumorRadius) {
		return fmt.Errorf("%w: tumor radius must be positive, got %v", ErrInvalidGeometry, g.TumorRadius)
	}
	if g.NecroticCoreRadius < 0 || g.NecroticCoreRadius >= g.TumorRadius {
		return fmt.Errorf("%w: necrotic core radius %v outside [0, %v)", ErrInvalidGeometry, g.NecroticCoreRadius, g.TumorRadius)
	}
	if cellDensity < 0 || g.VesselDensity < 0 {
		return fmt.Errorf("%w: densities must be non-negative", ErrInvalidGeometry)
	}
	if dim != 2 && dim != 3 {
		return fmt.Errorf("%w: dimensionality must be 2 or 3, got %d", ErrInvalidGeometry, dim)
	}

	R, r := g.TumorRadius, g.NecroticCoreRadius
	var n int
	if dim == 2 {
		n = int(math.Pi * (R*R - r*r) * cellDensity)
	} else {
		n = int(4.0 / 3.0 * math.Pi * (R*R*R - r*r*r) * cellDensity)
	}

	params := g.cellParams()
	g.cells = make([]TumorCell, 0, n)
	for i := 0; i < n; i++ {
		theta := rng.Float64() * 2 * math.Pi
		radius := r + rng.Float64()*(R-r)
		pos := Vec3{
			X: g.Center.X + radius*math.Cos(theta),
			Y: g.Center.Y + radius*math.Sin(theta),
			Z: g.Center.Z,
		}
		phase := PhaseViable
		if (radius-r)/(R-r) < hypoxicRimFraction {
			phase = PhaseHypoxic
		}
		g.cells = append(g.cells, NewTumorCell(i, pos, phase, params))
	}

	g.generateVessels(rng)
	return nil
}

func (g *TumorGeometry) generateVessels(rng *rand.Rand) {
	n := int(2 * math.Pi * g.TumorRadius * g.VesselDensity)
	g.vessels = make([]VesselPoint, 0, n)

	var noise opensimplex.Noise
	if g.Heterogeneity > 0 {
		noise = opensimplex.New(g.NoiseSeed)
	}

	lo, hi := vesselInnerFactor*g.TumorRadius, vesselOuterFactor*g.TumorRadius
	for i := 0; i < n; i++ {
		theta := rng.Float64() * 2 * math.Pi
		radius := lo + rng.Float64()*(hi-lo)
		pos := Vec3{
			X: g.Center.X + radius*math.Cos(theta),
			Y: g.Center.Y + radius*math.Sin(theta),
			Z: g.Center.Z,
		}
		supply := defaultVesselOxygen
		if noise != nil {
			v := noise.Eval2(pos.X/heterogeneityScale, pos.Y/heterogeneityScale)
			supply = math.Max(0, supply*(1+g.Heterogeneity*v))
		}
		g.vessels = append(g.vessels, VesselPoint{
			ID:           i,
			Position:     pos,
			OxygenSupply: supply,
			SupplyRadius: defaultSupplyRadius,
		})
	}
}

// Clone returns an independent copy of g. Engines update cells in place, so
// a geometry that seeds more than one run must be cloned per run.
func (g *TumorGeometry) Clone() *TumorGeometry {
	if g == nil {
		return nil
	}
	out := *g
	out.cells = append([]TumorCell(nil), g.cells...)
	out.vessels = append([]VesselPoint(nil), g.vessels...)
	return &out
}

// AddCell appends a cell and returns its ID.
func (g *TumorGeometry) AddCell(pos Vec3, phase CellPhase) int {
	id := len(g.cells)
	g.cells = append(g.cells, NewTumorCell(id, pos, phase, g.cellParams()))
	return id
}

func (g *TumorGeometry) cellParams() CellParams {
	if g.CellParams == (CellParams{}) {
		return DefaultCellParams()
	}
	return g.CellParams
}

// AddVessel appends a vessel with default supply and returns its ID.
func (g *TumorGeometry) AddVessel(pos Vec3) int {
	id := len(g.vessels)
	g.vessels = append(g.vessels, VesselPoint{
		ID:           id,
		Position:     pos,
		OxygenSupply: defaultVesselOxygen,
		SupplyRadius: defaultSupplyRadius,
	})
	return id
}

// Cells returns the backing cell slice. Callers may update cells in place.
func (g *TumorGeometry) Cells() []TumorCell { return g.cells }

// Vessels returns the backing vessel slice.
func (g *TumorGeometry) Vessels() []VesselPoint { return g.vessels }

// Cell resolves a cell ID, returning nil when out of range.
func (g *TumorGeometry) Cell(id int) *TumorCell {
	if id < 0 || id >= len(g.cells) {
		return nil
	}
	return &g.cells[id]
}

// Vessel resolves a vessel ID, returning nil when out of range.
func (g *TumorGeometry) Vessel(id int) *VesselPoint {
	if id < 0 || id >= len(g.vessels) {
		return nil
	}
	return &g.vessels[id]
}

// LivingCells returns pointers to every living cell in ID order.
func (g *TumorGeometry) LivingCells() []*TumorCell {
	out := make([]*TumorCell, 0, len(g.cells))
	for i := range g.cells {
		if g.cells[i].alive {
			out = append(out, &g.cells[i])
		}
	}
	return out
}

// CellsInPhase returns pointers to every cell currently in phase p.
func (g *TumorGeometry) CellsInPhase(p CellPhase) []*TumorCell {
	var out []*TumorCell
	for i := range g.cells {
		if g.cells[i].phase == p {
			out = append(out, &g.cells[i])
		}
	}
	return out
}

// CountByPhase tallies the current phase of every cell.
func (g *TumorGeometry) CountByPhase() PhaseCounts {
	var pc PhaseCounts
	for i := range g.cells {
		pc.add(g.cells[i].phase)
	}
	return pc
}

// Statistics summarises the current population.
func (g *TumorGeometry) Statistics() GeometryStatistics {
	pc := g.CountByPhase()
	st := GeometryStatistics{
		TotalCells:  len(g.cells),
		LivingCells: pc.Living(),
		Phases:      pc,
		Vessels:     len(g.vessels),
	}
	st.DeadCells = st.TotalCells - st.LivingCells
	if st.TotalCells > 0 {
		st.SurvivalRate = float64(st.LivingCells) / float64(st.TotalCells)
	}
	return st
}

// IsInsideTumor reports whether p lies within the tumor radius.
func (g *TumorGeometry) IsInsideTumor(p Vec3) bool {
	return p.DistanceTo(g.Center) <= g.TumorRadius
}

// IsInsideNecroticCore reports whether p lies within the necrotic core.
func (g *TumorGeometry) IsInsideNecroticCore(p Vec3) bool {
	return p.DistanceTo(g.Center) <= g.NecroticCoreRadius
}

// FindNearestVessel returns the closest vessel to p, or nil when the
// geometry has no vessels.
func (g *TumorGeometry) FindNearestVessel(p Vec3) *VesselPoint {
	best, bestDist := -1, math.Inf(1)
	for i := range g.vessels {
		if d := g.vessels[i].Position.DistanceTo(p); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return nil
	}
	return &g.vessels[best]
}

// NearestCellInPhase returns the closest living cell in phase p within
// maxDist (planar), or nil. A non-positive maxDist means unbounded.
func (g *TumorGeometry) NearestCellInPhase(pos Vec3, p CellPhase, maxDist float64) *TumorCell {
	best, bestDist := -1, math.Inf(1)
	for i := range g.cells {
		c := &g.cells[i]
		if !c.alive || c.phase != p {
			continue
		}
		if d := c.Position.PlanarDistance(pos); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 || (maxDist > 0 && bestDist > maxDist) {
		return nil
	}
	return &g.cells[best]
}

// CountHypoxicWithin counts living hypoxic cells strictly closer than r.
func (g *TumorGeometry) CountHypoxicWithin(pos Vec3, r float64) int {
	n := 0
	for i := range g.cells {
		c := &g.cells[i]
		if c.IsHypoxic() && c.Position.PlanarDistance(pos) < r {
			n++
		}
	}
	return n
}

// SelectTarget picks a delivery target within radius of pos. Hypoxic cells
// are preferred; if none are in range any living cell qualifies. Among the
// candidates the lowest distance/radius + treatment-progress score wins, so
// nearer and less-treated cells come first. Ties keep the lowest ID.
func (g *TumorGeometry) SelectTarget(pos Vec3, radius float64) *TumorCell {
	if !(radius > 0) {
		return nil
	}
	pick := func(hypoxicOnly bool) *TumorCell {
		best, bestScore := -1, math.Inf(1)
		for i := range g.cells {
			c := &g.cells[i]
			if !c.alive || (hypoxicOnly && c.phase != PhaseHypoxic) {
				continue
			}
			d := c.Position.PlanarDistance(pos)
			if d > radius {
				continue
			}
			if score := d/radius + c.TreatmentProgress(); score < bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 {
			return nil
		}
		return &g.cells[best]
	}
	if c := pick(true); c != nil {
		return c
	}
	return pick(false)
}
