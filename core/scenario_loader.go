package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/signalsfoundry/nanoswarm/model"
)

// TumorScenario is a configuration plus an optional hand-placed tumor.
type TumorScenario struct {
	Config model.SimulationConfig
	// Geometry is nil when the scenario does not list cells; the engine
	// then generates the tumor from Config.
	Geometry *TumorGeometry
}

// internal JSON shapes – unexported so the file format can evolve.
type tumorScenarioJSON struct {
	Config json.RawMessage `json:"config"`
	Tumor  *tumorJSON      `json:"tumor"`
}

type tumorJSON struct {
	Center     positionJSON `json:"center"`
	Radius     float64      `json:"radius"`
	CoreRadius float64      `json:"core_radius"`
	Cells      []cellJSON   `json:"cells"`
	Vessels    []vesselJSON `json:"vessels"`
}

type positionJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type cellJSON struct {
	positionJSON
	Phase string `json:"phase"` // "viable" | "hypoxic"; defaults to viable
}

type vesselJSON struct {
	positionJSON
	OxygenSupply *float64 `json:"oxygen_supply"` // optional; defaults to 38
	DrugSupply   float64  `json:"drug_supply"`
}

// LoadSimulationConfig decodes a flat JSON config over
// model.DefaultSimulationConfig and validates the result. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func LoadSimulationConfig(r io.Reader) (model.SimulationConfig, error) {
	cfg := model.DefaultSimulationConfig()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, fmt.Errorf("LoadSimulationConfig: decode failed: %w", err)
	}
	return normaliseConfig(cfg)
}

func normaliseConfig(cfg model.SimulationConfig) (model.SimulationConfig, error) {
	at, err := model.ParseAgentType(string(cfg.AgentType))
	if err != nil {
		return cfg, err
	}
	cfg.AgentType = at
	cfg.QueenMode = strings.ToLower(strings.TrimSpace(cfg.QueenMode))
	if cfg.QueenMode == "" {
		cfg.QueenMode = model.QueenModeHeuristic
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadTumorScenario reads a scenario document: a "config" object decoded
// like LoadSimulationConfig and an optional "tumor" object placing cells
// and vessels explicitly.
func LoadTumorScenario(r io.Reader) (*TumorScenario, error) {
	var payload tumorScenarioJSON
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadTumorScenario: decode failed: %w", err)
	}

	cfg := model.DefaultSimulationConfig()
	var err error
	if len(payload.Config) > 0 {
		cfg, err = LoadSimulationConfig(bytes.NewReader(payload.Config))
	} else {
		cfg, err = normaliseConfig(cfg)
	}
	if err != nil {
		return nil, err
	}

	sc := &TumorScenario{Config: cfg}
	if payload.Tumor == nil || len(payload.Tumor.Cells) == 0 {
		return sc, nil
	}

	t := payload.Tumor
	radius := t.Radius
	if radius <= 0 {
		radius = cfg.TumorRadius
	}
	g := NewTumorGeometry(t.Center.vec(), radius, t.CoreRadius, cfg.VesselDensity)
	for i, c := range t.Cells {
		phase := PhaseViable
		if c.Phase != "" {
			p, err := ParseCellPhase(c.Phase)
			if err != nil {
				return nil, fmt.Errorf("LoadTumorScenario: cell %d: %w", i, err)
			}
			if p.Terminal() {
				return nil, fmt.Errorf("LoadTumorScenario: cell %d: %w: cannot start %s", i, ErrInvalidGeometry, p)
			}
			phase = p
		}
		g.AddCell(c.vec(), phase)
	}
	for _, v := range t.Vessels {
		id := g.AddVessel(v.vec())
		vp := g.Vessel(id)
		if v.OxygenSupply != nil {
			vp.OxygenSupply = *v.OxygenSupply
		}
		vp.DrugSupply = v.DrugSupply
	}
	sc.Geometry = g
	return sc, nil
}

func (p positionJSON) vec() Vec3 { return Vec3{X: p.X, Y: p.Y, Z: p.Z} }
