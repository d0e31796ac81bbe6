package core

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/nanoswarm/internal/logging"
)

var (
	// ErrInvalidGrid is returned when the domain or spacing cannot form a grid.
	ErrInvalidGrid = errors.New("invalid microenvironment grid")
	// ErrUnknownField is returned when a named substrate is not registered.
	ErrUnknownField = errors.New("unknown substrate field")
	// ErrFieldExists is returned when a substrate name is registered twice.
	ErrFieldExists = errors.New("substrate field already exists")
)

const (
	// StabilitySafetyFactor scales the explicit-scheme stability bound.
	StabilitySafetyFactor = 0.25
	// DefaultMaxTimestep caps dt (minutes) for temporal resolution.
	DefaultMaxTimestep = 0.1
	// cm²/s → µm²/min: 1e8 µm²/cm² · 60 s/min.
	cm2PerSecToUm2PerMin = 6e9
)

// MicroenvironmentConfig describes the spatial domain in microns.
type MicroenvironmentConfig struct {
	Min            Vec3
	Max            Vec3
	Spacing        Vec3
	Dimensionality int // 2 or 3
}

// MicroenvironmentOption customises Microenvironment construction.
type MicroenvironmentOption func(*Microenvironment)

// WithMaxTimestep overrides the upper bound on dt.
func WithMaxTimestep(maxDt float64) MicroenvironmentOption {
	return func(m *Microenvironment) {
		if maxDt > 0 && isFinite(maxDt) {
			m.maxDt = maxDt
		}
	}
}

// WithMicroenvironmentLogger attaches a logger for field registration events.
func WithMicroenvironmentLogger(l logging.Logger) MicroenvironmentOption {
	return func(m *Microenvironment) {
		if l != nil {
			m.log = l
		}
	}
}

// Microenvironment owns every substrate field over one shared voxel grid and
// advances them with an explicit reaction-diffusion scheme.
type Microenvironment struct {
	min, max Vec3
	spacing  Vec3
	dim      int

	nx, ny, nz int

	fields []*SubstrateField
	byName map[string]*SubstrateField

	time  float64
	dt    float64
	maxDt float64

	log logging.Logger
}

// NewMicroenvironment validates cfg and builds an empty grid. Grid counts are
// int(extent/spacing)+1 per axis; 2-D grids have a single z layer.
func NewMicroenvironment(cfg MicroenvironmentConfig, opts ...MicroenvironmentOption) (*Microenvironment, error) {
	if cfg.Dimensionality != 2 && cfg.Dimensionality != 3 {
		return nil, fmt.Errorf("%w: dimensionality must be 2 or 3, got %d", ErrInvalidGrid, cfg.Dimensionality)
	}
	axes := []struct {
		name       string
		lo, hi, sp float64
	}{
		{"x", cfg.Min.X, cfg.Max.X, cfg.Spacing.X},
		{"y", cfg.Min.Y, cfg.Max.Y, cfg.Spacing.Y},
	}
	if cfg.Dimensionality == 3 {
		axes = append(axes, struct {
			name       string
			lo, hi, sp float64
		}{"z", cfg.Min.Z, cfg.Max.Z, cfg.Spacing.Z})
	}
	for _, a := range axes {
		if !(a.sp > 0) || !isFinite(a.sp) {
			return nil, fmt.Errorf("%w: %s spacing must be positive, got %v", ErrInvalidGrid, a.name, a.sp)
		}
		if !(a.hi > a.lo) || !isFinite(a.hi) || !isFinite(a.lo) {
			return nil, fmt.Errorf("%w: %s range [%v, %v] is empty", ErrInvalidGrid, a.name, a.lo, a.hi)
		}
	}

	m := &Microenvironment{
		min:     cfg.Min,
		max:     cfg.Max,
		spacing: cfg.Spacing,
		dim:     cfg.Dimensionality,
		byName:  make(map[string]*SubstrateField),
		dt:      DefaultMaxTimestep,
		maxDt:   DefaultMaxTimestep,
		log:     logging.Noop(),
	}
	m.nx = int((cfg.Max.X-cfg.Min.X)/cfg.Spacing.X) + 1
	m.ny = int((cfg.Max.Y-cfg.Min.Y)/cfg.Spacing.Y) + 1
	m.nz = 1
	if cfg.Dimensionality == 3 {
		m.nz = int((cfg.Max.Z-cfg.Min.Z)/cfg.Spacing.Z) + 1
	} else {
		m.spacing.Z = 1
		m.max.Z = m.min.Z
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.dt = m.maxDt
	return m, nil
}

// Shape returns the voxel counts per axis.
func (m *Microenvironment) Shape() (nx, ny, nz int) { return m.nx, m.ny, m.nz }

// Dimensionality is 2 or 3.
func (m *Microenvironment) Dimensionality() int { return m.dim }

// Bounds returns the domain corners.
func (m *Microenvironment) Bounds() (lo, hi Vec3) { return m.min, m.max }

// Spacing returns the voxel spacing per axis.
func (m *Microenvironment) Spacing() Vec3 { return m.spacing }

// Center returns the midpoint of the domain.
func (m *Microenvironment) Center() Vec3 {
	return m.min.Add(m.max).Scale(0.5)
}

// Time is the accumulated simulated time in minutes.
func (m *Microenvironment) Time() float64 { return m.time }

// Timestep is the current stability-limited dt in minutes.
func (m *Microenvironment) Timestep() float64 { return m.dt }

// AddField registers a substrate sized to the grid and recomputes dt.
// diffusion is in µm²/min.
func (m *Microenvironment) AddField(name string, diffusion, decay, initial float64, boundary Boundary) (*SubstrateField, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrUnknownField)
	}
	if _, ok := m.byName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrFieldExists, name)
	}
	if diffusion < 0 || !isFinite(diffusion) {
		diffusion = 0
	}
	if decay < 0 || !isFinite(decay) {
		decay = 0
	}
	f := newSubstrateField(name, m.nx, m.ny, m.nz, diffusion, decay, initial, boundary)
	m.fields = append(m.fields, f)
	m.byName[name] = f
	m.updateTimestep()

	m.log.Debug(context.Background(), "registered substrate",
		logging.String("field", name),
		logging.Float("diffusion_um2_per_min", diffusion),
		logging.Float("decay_per_min", decay),
		logging.String("boundary", boundary.Kind.String()),
		logging.Float("dt_min", m.dt),
	)
	return f, nil
}

// AddFieldCGS registers a substrate whose diffusion coefficient is given in
// cm²/s, converting it to µm²/min.
func (m *Microenvironment) AddFieldCGS(name string, diffusionCm2PerSec, decay, initial float64, boundary Boundary) (*SubstrateField, error) {
	return m.AddField(name, diffusionCm2PerSec*cm2PerSecToUm2PerMin, decay, initial, boundary)
}

// AddOxygen registers oxygen with tissue-typical parameters, starting at
// and held to boundaryValue (mmHg) on the edges.
func (m *Microenvironment) AddOxygen(boundaryValue float64) (*SubstrateField, error) {
	return m.AddFieldCGS(SubstrateOxygen, 1e-5, 0.1, boundaryValue, Dirichlet(boundaryValue))
}

// AddDrug registers the cytotoxic drug field, zero at the edges.
func (m *Microenvironment) AddDrug(diffusionCm2PerSec float64) (*SubstrateField, error) {
	return m.AddFieldCGS(SubstrateDrug, diffusionCm2PerSec, 0.05, 0, Dirichlet(0))
}

// AddPheromone registers a no-flux signalling field.
func (m *Microenvironment) AddPheromone(name string, decay float64) (*SubstrateField, error) {
	return m.AddFieldCGS(name, 1e-6, decay, 0, Neumann())
}

// updateTimestep applies dt = safety·min(spacing)²/(2·maxD·dim), capped at maxDt.
func (m *Microenvironment) updateTimestep() {
	maxD := 0.0
	for _, f := range m.fields {
		if f.Diffusion > maxD {
			maxD = f.Diffusion
		}
	}
	if maxD == 0 {
		m.dt = m.maxDt
		return
	}
	m.dt = math.Min(m.StabilityLimit(maxD), m.maxDt)
}

// StabilityLimit is the largest dt the explicit scheme tolerates for a field
// with diffusion coefficient d on this grid, including the safety factor.
func (m *Microenvironment) StabilityLimit(d float64) float64 {
	if d <= 0 {
		return math.Inf(1)
	}
	return StabilitySafetyFactor * m.minSpacing() * m.minSpacing() / (2 * d * float64(m.dim))
}

func (m *Microenvironment) minSpacing() float64 {
	s := math.Min(m.spacing.X, m.spacing.Y)
	if m.dim == 3 {
		s = math.Min(s, m.spacing.Z)
	}
	return s
}

// Step advances every field by the current dt. Call once per tick after all
// sources and sinks for that tick have been deposited.
func (m *Microenvironment) Step() {
	m.StepDt(m.dt)
}

// StepDt advances every field by dt; a non-positive or non-finite dt falls
// back to the stability-limited timestep.
func (m *Microenvironment) StepDt(dt float64) {
	if !(dt > 0) || !isFinite(dt) {
		dt = m.dt
	}
	threeD := m.dim == 3
	for _, f := range m.fields {
		f.advance(dt, m.spacing, threeD)
	}
	m.time += dt
}

// ResetAllAccumulators zeroes every field's source/sink buffer.
func (m *Microenvironment) ResetAllAccumulators() {
	for _, f := range m.fields {
		f.ResetAccumulator()
	}
}

// Field returns the named substrate or nil.
func (m *Microenvironment) Field(name string) *SubstrateField {
	return m.byName[name]
}

// FieldNames lists substrates in registration order.
func (m *Microenvironment) FieldNames() []string {
	names := make([]string, 0, len(m.fields))
	for _, f := range m.fields {
		names = append(names, f.Name)
	}
	return names
}

// ClampPosition pins p to the domain. Non-finite components recover to the
// domain centre.
func (m *Microenvironment) ClampPosition(p Vec3) Vec3 {
	c := m.Center()
	if !isFinite(p.X) {
		p.X = c.X
	}
	if !isFinite(p.Y) {
		p.Y = c.Y
	}
	if !isFinite(p.Z) {
		p.Z = c.Z
	}
	return Vec3{
		X: clampFloat(p.X, m.min.X, m.max.X),
		Y: clampFloat(p.Y, m.min.Y, m.max.Y),
		Z: clampFloat(p.Z, m.min.Z, m.max.Z),
	}
}

// PositionToVoxel maps a continuous position to the nearest grid voxel.
// Out-of-range coordinates clamp to the nearest valid index.
func (m *Microenvironment) PositionToVoxel(p Vec3) Voxel {
	p = m.ClampPosition(p)
	v := Voxel{
		I: clampInt(int(math.Round((p.X-m.min.X)/m.spacing.X)), 0, m.nx-1),
		J: clampInt(int(math.Round((p.Y-m.min.Y)/m.spacing.Y)), 0, m.ny-1),
	}
	if m.dim == 3 {
		v.K = clampInt(int(math.Round((p.Z-m.min.Z)/m.spacing.Z)), 0, m.nz-1)
	}
	return v
}

// VoxelToPosition returns the grid-node position of v. Indices outside the
// grid are clamped first.
func (m *Microenvironment) VoxelToPosition(v Voxel) Vec3 {
	v = Voxel{
		I: clampInt(v.I, 0, m.nx-1),
		J: clampInt(v.J, 0, m.ny-1),
		K: clampInt(v.K, 0, m.nz-1),
	}
	p := Vec3{
		X: m.min.X + float64(v.I)*m.spacing.X,
		Y: m.min.Y + float64(v.J)*m.spacing.Y,
		Z: m.min.Z,
	}
	if m.dim == 3 {
		p.Z = m.min.Z + float64(v.K)*m.spacing.Z
	}
	return p
}

// ConcentrationAt samples the named field at p (nearest voxel). Unknown
// fields read as zero.
func (m *Microenvironment) ConcentrationAt(name string, p Vec3) float64 {
	f := m.byName[name]
	if f == nil {
		return 0
	}
	return f.At(m.PositionToVoxel(p))
}

// GradientAt estimates ∇C at p with central differences over the neighbouring
// voxels. The sampling voxel is clamped inward so both neighbours exist; axes
// with fewer than three voxels report zero. 2-D grids return Z = 0.
func (m *Microenvironment) GradientAt(name string, p Vec3) Vec3 {
	f := m.byName[name]
	if f == nil {
		return Vec3{}
	}
	v := m.PositionToVoxel(p)
	var g Vec3
	if m.nx >= 3 {
		i := clampInt(v.I, 1, m.nx-2)
		g.X = (f.At(Voxel{i + 1, v.J, v.K}) - f.At(Voxel{i - 1, v.J, v.K})) / (2 * m.spacing.X)
	}
	if m.ny >= 3 {
		j := clampInt(v.J, 1, m.ny-2)
		g.Y = (f.At(Voxel{v.I, j + 1, v.K}) - f.At(Voxel{v.I, j - 1, v.K})) / (2 * m.spacing.Y)
	}
	if m.dim == 3 && m.nz >= 3 {
		k := clampInt(v.K, 1, m.nz-2)
		g.Z = (f.At(Voxel{v.I, v.J, k + 1}) - f.At(Voxel{v.I, v.J, k - 1})) / (2 * m.spacing.Z)
	}
	return g
}

// Summary reports statistics for every field keyed by name.
func (m *Microenvironment) Summary() map[string]FieldSummary {
	out := make(map[string]FieldSummary, len(m.fields))
	for _, f := range m.fields {
		out[f.Name] = f.Summary()
	}
	return out
}

// Grid2D returns the display plane of a field: z = 0 for 2-D grids and the
// mid-plane for 3-D grids.
func (m *Microenvironment) Grid2D(name string) ([][]float64, error) {
	f := m.byName[name]
	if f == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return f.Slice(m.nz / 2), nil
}
