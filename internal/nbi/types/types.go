package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/nanoswarm/core"
	"github.com/signalsfoundry/nanoswarm/kb"
	"github.com/signalsfoundry/nanoswarm/model"
)

//
// The NBI speaks google.protobuf.Struct on the wire. Messages are the JSON
// shapes of the domain types in model and kb, so any client that can build
// a Struct (or plain JSON through a gateway) can drive the simulator.
//

// Struct is the wire message for every SimulationService call.
type Struct = structpb.Struct

// ErrDecode is returned when a Struct does not match the expected shape.
var ErrDecode = errors.New("decode message")

// ConfigFromStruct decodes a simulation config from s over the defaults,
// normalising and validating it. A nil or empty Struct yields the defaults.
// Validation failures wrap model.ErrInvalidConfig.
func ConfigFromStruct(s *Struct) (model.SimulationConfig, error) {
	if s == nil || len(s.GetFields()) == 0 {
		return core.LoadSimulationConfig(bytes.NewReader(nil))
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return model.DefaultSimulationConfig(), fmt.Errorf("%w: %v", ErrDecode, err)
	}
	cfg, err := core.LoadSimulationConfig(bytes.NewReader(raw))
	if err != nil && !errors.Is(err, model.ErrInvalidConfig) {
		return cfg, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return cfg, err
}

// ConfigToStruct encodes cfg with its JSON field names.
func ConfigToStruct(cfg model.SimulationConfig) (*Struct, error) {
	return ToStruct(cfg)
}

// RunResultToStruct encodes a finished run.
func RunResultToStruct(res *model.RunResult) (*Struct, error) {
	if res == nil {
		return nil, errors.New("nil RunResult")
	}
	return ToStruct(res)
}

// RunRecordToStruct encodes a stored run, including its snapshots.
func RunRecordToStruct(rec kb.RunRecord) (*Struct, error) {
	return ToStruct(rec)
}

// RunListToStruct encodes a run listing as {"runs": [...]}.
func RunListToStruct(runs []kb.RunSummary) (*Struct, error) {
	if runs == nil {
		runs = []kb.RunSummary{}
	}
	return ToStruct(struct {
		Runs []kb.RunSummary `json:"runs"`
	}{Runs: runs})
}

// ComparisonToStruct encodes a strategy comparison.
func ComparisonToStruct(res *model.ComparisonResult) (*Struct, error) {
	if res == nil {
		return nil, errors.New("nil ComparisonResult")
	}
	return ToStruct(res)
}

// Validation is the ValidateConfig response.
type Validation struct {
	Valid  bool                   `json:"valid"`
	Error  string                 `json:"error,omitempty"`
	Config model.SimulationConfig `json:"config"`
}

// ValidationToStruct encodes a ValidateConfig response.
func ValidationToStruct(v Validation) (*Struct, error) {
	return ToStruct(v)
}

// RunIDFromStruct reads the "run_id" string field.
func RunIDFromStruct(s *Struct) string {
	if s == nil {
		return ""
	}
	if v, ok := s.GetFields()["run_id"]; ok {
		return v.GetStringValue()
	}
	return ""
}

// RunIDToStruct builds a {"run_id": id} request.
func RunIDToStruct(id string) *Struct {
	return &Struct{Fields: map[string]*structpb.Value{"run_id": structpb.NewStringValue(id)}}
}

// ToStruct encodes any JSON-marshalable value whose encoding is an object.
func ToStruct(v any) (*Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := &Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// FromStruct decodes s into the JSON-tagged value pointed to by out.
func FromStruct(s *Struct, out any) error {
	if s == nil {
		return fmt.Errorf("%w: nil message", ErrDecode)
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}
