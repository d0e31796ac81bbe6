package model

// Point is a position in µm.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// AgentState is the serialised view of one nanobot.
type AgentState struct {
	ID            int     `json:"id"`
	Position      Point   `json:"position"`
	State         string  `json:"state"`
	Payload       float64 `json:"drug_payload"`
	TargetCell    int     `json:"target_cell_id"`
	Deliveries    int     `json:"deliveries_made"`
	DrugDelivered float64 `json:"total_drug_delivered"`
	Advisory      bool    `json:"advisory"`
}

// CellState is the serialised view of one tumor cell.
type CellState struct {
	ID              int     `json:"id"`
	Position        Point   `json:"position"`
	Phase           string  `json:"phase"`
	Alive           bool    `json:"is_alive"`
	AccumulatedDrug float64 `json:"accumulated_drug"`
	HypoxicDuration float64 `json:"hypoxic_duration"`
}

// VesselState is the serialised view of one vessel point.
type VesselState struct {
	ID           int     `json:"id"`
	Position     Point   `json:"position"`
	OxygenSupply float64 `json:"oxygen_supply"`
	SupplyRadius float64 `json:"supply_radius"`
}

// FieldGrid is a 2-D slice of one substrate, indexed [y][x].
type FieldGrid struct {
	Name   string      `json:"name"`
	Values [][]float64 `json:"values"`
	Max    float64     `json:"max"`
	Mean   float64     `json:"mean"`
}

// FieldSummary holds whole-grid statistics for one substrate.
type FieldSummary struct {
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
	Min  float64 `json:"min"`
	Std  float64 `json:"std"`
}

// Metrics are the aggregate counters after a tick.
type Metrics struct {
	Tick               int            `json:"tick"`
	Time               float64        `json:"time"`
	TotalDeliveries    int            `json:"total_deliveries"`
	TotalDrugDelivered float64        `json:"total_drug_delivered"`
	CellsKilled        int            `json:"cells_killed"`
	ViableCells        int            `json:"viable_cells"`
	HypoxicCells       int            `json:"hypoxic_cells"`
	NecroticCells      int            `json:"necrotic_cells"`
	ApoptoticCells     int            `json:"apoptotic_cells"`
	LivingCells        int            `json:"living_cells"`
	AdvisoryCalls      int            `json:"total_advisory_calls"`
	AgentsByState      map[string]int `json:"agents_by_state,omitempty"`
}

// StepSnapshot records one tick of a run. Cells and Fields are only filled
// on capture ticks, and Vessels only on the first snapshot.
type StepSnapshot struct {
	Step        int           `json:"step"`
	Time        float64       `json:"time"`
	Agents      []AgentState  `json:"nanobots"`
	Cells       []CellState   `json:"tumor_cells,omitempty"`
	Vessels     []VesselState `json:"vessels,omitempty"`
	Fields      []FieldGrid   `json:"substrates,omitempty"`
	Metrics     Metrics       `json:"metrics"`
	QueenReport string        `json:"queen_report,omitempty"`
	Errors      []string      `json:"errors,omitempty"`
}

// Field returns the named grid or nil.
func (s StepSnapshot) Field(name string) *FieldGrid {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}
