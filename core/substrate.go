package core

import (
	"fmt"
	"math"
)

// Standard substrate names registered by the simulation engine.
const (
	SubstrateOxygen      = "oxygen"
	SubstrateDrug        = "drug"
	SubstrateTrail       = "trail"
	SubstrateAlarm       = "alarm"
	SubstrateRecruitment = "recruitment"
)

// BoundaryKind selects the edge condition applied by the solver.
type BoundaryKind int

const (
	// BoundaryNeumann is a no-flux edge: edge voxels copy their interior neighbour.
	BoundaryNeumann BoundaryKind = iota
	// BoundaryDirichlet pins edge voxels to a fixed concentration.
	BoundaryDirichlet
)

func (k BoundaryKind) String() string {
	switch k {
	case BoundaryDirichlet:
		return "dirichlet"
	default:
		return "neumann"
	}
}

// Boundary describes the edge condition of a field.
type Boundary struct {
	Kind  BoundaryKind
	Value float64 // only meaningful for Dirichlet
}

// Dirichlet returns a fixed-value boundary.
func Dirichlet(value float64) Boundary {
	return Boundary{Kind: BoundaryDirichlet, Value: value}
}

// Neumann returns a zero-gradient boundary.
func Neumann() Boundary {
	return Boundary{Kind: BoundaryNeumann}
}

// Voxel is an integer grid index.
type Voxel struct {
	I, J, K int
}

// FieldSummary holds whole-grid statistics for one substrate.
type FieldSummary struct {
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
	Min  float64 `json:"min"`
	Std  float64 `json:"std"`
}

// SubstrateField is one diffusible quantity over the shared voxel grid.
//
// Concentrations and the per-tick source/sink accumulator are stored in flat
// slices indexed i + nx*(j + ny*k). Collaborators only ever write the
// accumulator during a tick; the Microenvironment folds it into the
// concentration when it steps.
type SubstrateField struct {
	Name      string
	Diffusion float64 // µm²/min
	Decay     float64 // 1/min
	Boundary  Boundary

	nx, ny, nz int

	conc    []float64
	source  []float64
	scratch []float64
}

func newSubstrateField(name string, nx, ny, nz int, diffusion, decay, initial float64, boundary Boundary) *SubstrateField {
	n := nx * ny * nz
	f := &SubstrateField{
		Name:      name,
		Diffusion: diffusion,
		Decay:     decay,
		Boundary:  boundary,
		nx:        nx,
		ny:        ny,
		nz:        nz,
		conc:      make([]float64, n),
		source:    make([]float64, n),
		scratch:   make([]float64, n),
	}
	if initial < 0 || !isFinite(initial) {
		initial = 0
	}
	for i := range f.conc {
		f.conc[i] = initial
	}
	return f
}

// Shape returns the grid dimensions.
func (f *SubstrateField) Shape() (nx, ny, nz int) {
	return f.nx, f.ny, f.nz
}

func (f *SubstrateField) inBounds(v Voxel) bool {
	return v.I >= 0 && v.I < f.nx && v.J >= 0 && v.J < f.ny && v.K >= 0 && v.K < f.nz
}

func (f *SubstrateField) index(i, j, k int) int {
	return i + f.nx*(j+f.ny*k)
}

// AddSource adds production at voxel v for the current tick. Writes outside
// the grid or with non-finite amounts are dropped.
func (f *SubstrateField) AddSource(v Voxel, amount float64) {
	if !f.inBounds(v) || !isFinite(amount) {
		return
	}
	f.source[f.index(v.I, v.J, v.K)] += amount
}

// AddSink adds consumption at voxel v for the current tick.
func (f *SubstrateField) AddSink(v Voxel, amount float64) {
	f.AddSource(v, -amount)
}

// SourceAt returns the accumulated source/sink term at v.
func (f *SubstrateField) SourceAt(v Voxel) float64 {
	if !f.inBounds(v) {
		return 0
	}
	return f.source[f.index(v.I, v.J, v.K)]
}

// ResetAccumulator zeroes the source/sink buffer.
func (f *SubstrateField) ResetAccumulator() {
	for i := range f.source {
		f.source[i] = 0
	}
}

// At returns the concentration at v, or 0 outside the grid.
func (f *SubstrateField) At(v Voxel) float64 {
	if !f.inBounds(v) {
		return 0
	}
	return f.conc[f.index(v.I, v.J, v.K)]
}

// Set overwrites the concentration at v, clamping to >= 0.
func (f *SubstrateField) Set(v Voxel, value float64) {
	if !f.inBounds(v) {
		return
	}
	if value < 0 || !isFinite(value) {
		value = 0
	}
	f.conc[f.index(v.I, v.J, v.K)] = value
}

// Values returns a copy of the flat concentration grid.
func (f *SubstrateField) Values() []float64 {
	out := make([]float64, len(f.conc))
	copy(out, f.conc)
	return out
}

// Summary computes mean, extrema and population standard deviation.
func (f *SubstrateField) Summary() FieldSummary {
	if len(f.conc) == 0 {
		return FieldSummary{}
	}
	s := FieldSummary{Min: math.Inf(1), Max: math.Inf(-1)}
	sum := 0.0
	for _, c := range f.conc {
		sum += c
		if c < s.Min {
			s.Min = c
		}
		if c > s.Max {
			s.Max = c
		}
	}
	s.Mean = sum / float64(len(f.conc))
	variance := 0.0
	for _, c := range f.conc {
		d := c - s.Mean
		variance += d * d
	}
	s.Std = math.Sqrt(variance / float64(len(f.conc)))
	return s
}

// Slice returns the z = k plane as rows of y, columns of x.
func (f *SubstrateField) Slice(k int) [][]float64 {
	k = clampInt(k, 0, f.nz-1)
	rows := make([][]float64, f.ny)
	for j := 0; j < f.ny; j++ {
		row := make([]float64, f.nx)
		for i := 0; i < f.nx; i++ {
			row[i] = f.conc[f.index(i, j, k)]
		}
		rows[j] = row
	}
	return rows
}

// applyBoundary enforces the edge condition on the concentration grid. The z
// faces only exist for 3-D grids.
func (f *SubstrateField) applyBoundary(threeD bool) {
	nx, ny, nz := f.nx, f.ny, f.nz
	set := func(i, j, k int, v float64) { f.conc[f.index(i, j, k)] = v }
	get := func(i, j, k int) float64 { return f.conc[f.index(i, j, k)] }

	if f.Boundary.Kind == BoundaryDirichlet {
		v := f.Boundary.Value
		for k := 0; k < nz; k++ {
			for j := 0; j < ny; j++ {
				set(0, j, k, v)
				set(nx-1, j, k, v)
			}
			for i := 0; i < nx; i++ {
				set(i, 0, k, v)
				set(i, ny-1, k, v)
			}
		}
		if threeD {
			for j := 0; j < ny; j++ {
				for i := 0; i < nx; i++ {
					set(i, j, 0, v)
					set(i, j, nz-1, v)
				}
			}
		}
		return
	}

	// Neumann: copy the adjacent interior voxel. Grids thinner than three
	// voxels along an axis have no interior on that axis.
	for k := 0; k < nz; k++ {
		if nx >= 3 {
			for j := 0; j < ny; j++ {
				set(0, j, k, get(1, j, k))
				set(nx-1, j, k, get(nx-2, j, k))
			}
		}
		if ny >= 3 {
			for i := 0; i < nx; i++ {
				set(i, 0, k, get(i, 1, k))
				set(i, ny-1, k, get(i, ny-2, k))
			}
		}
	}
	if threeD && nz >= 3 {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				set(i, j, 0, get(i, j, 1))
				set(i, j, nz-1, get(i, j, nz-2))
			}
		}
	}
}

// advance performs one forward-Euler update C += dt*(D∇²C - λC + S) using a
// 5-point (2-D) or 7-point (3-D) Laplacian on interior voxels, then clamps
// the result to be non-negative.
func (f *SubstrateField) advance(dt float64, spacing Vec3, threeD bool) {
	f.applyBoundary(threeD)

	nx, ny, nz := f.nx, f.ny, f.nz
	idx2 := 1 / (spacing.X * spacing.X)
	idy2 := 1 / (spacing.Y * spacing.Y)
	idz2 := 0.0
	if threeD {
		idz2 = 1 / (spacing.Z * spacing.Z)
	}
	sx, sy, sz := 1, nx, nx*ny
	c := f.conc

	for k := 0; k < nz; k++ {
		interiorK := !threeD || (k > 0 && k < nz-1)
		for j := 0; j < ny; j++ {
			interiorJ := j > 0 && j < ny-1
			for i := 0; i < nx; i++ {
				p := f.index(i, j, k)
				lap := 0.0
				if interiorK && interiorJ && i > 0 && i < nx-1 {
					lap = (c[p+sx]-2*c[p]+c[p-sx])*idx2 + (c[p+sy]-2*c[p]+c[p-sy])*idy2
					if threeD {
						lap += (c[p+sz] - 2*c[p] + c[p-sz]) * idz2
					}
				}
				next := c[p] + dt*(f.Diffusion*lap-f.Decay*c[p]+f.source[p])
				if next < 0 || math.IsNaN(next) {
					next = 0
				}
				f.scratch[p] = next
			}
		}
	}

	f.conc, f.scratch = f.scratch, f.conc

	if f.Boundary.Kind == BoundaryDirichlet {
		f.applyBoundary(threeD)
	}
}

func (f *SubstrateField) String() string {
	return fmt.Sprintf("%s(D=%.3g, λ=%.3g, %s)", f.Name, f.Diffusion, f.Decay, f.Boundary.Kind)
}
