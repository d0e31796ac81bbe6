package nbi

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/nanoswarm/internal/nbi/types"
	"github.com/signalsfoundry/nanoswarm/kb"
	"github.com/signalsfoundry/nanoswarm/model"
)

// SimulationServiceClient is the client API for SimulationService.
type SimulationServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewSimulationServiceClient wraps cc. Dial with
// grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(MaxMessageBytes)) to
// receive full run results.
func NewSimulationServiceClient(cc grpc.ClientConnInterface) *SimulationServiceClient {
	return &SimulationServiceClient{cc: cc}
}

// Dial opens a plaintext connection to a SimulationService at target with
// client tracing and the message size limit results need. opts are applied
// after the defaults.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(MaxMessageBytes)),
	}
	return grpc.NewClient(target, append(base, opts...)...)
}

func (c *SimulationServiceClient) invoke(ctx context.Context, method string, in any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RunSimulation runs cfg on the server and decodes the result.
func (c *SimulationServiceClient) RunSimulation(ctx context.Context, cfg model.SimulationConfig, opts ...grpc.CallOption) (*model.RunResult, error) {
	req, err := types.ConfigToStruct(cfg)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, "RunSimulation", req, opts...)
	if err != nil {
		return nil, err
	}
	var res model.RunResult
	if err := types.FromStruct(out, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetRun fetches a stored run record.
func (c *SimulationServiceClient) GetRun(ctx context.Context, runID string, opts ...grpc.CallOption) (*kb.RunRecord, error) {
	out, err := c.invoke(ctx, "GetRun", types.RunIDToStruct(runID), opts...)
	if err != nil {
		return nil, err
	}
	var rec kb.RunRecord
	if err := types.FromStruct(out, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRuns lists every run the server knows about, oldest first.
func (c *SimulationServiceClient) ListRuns(ctx context.Context, opts ...grpc.CallOption) ([]kb.RunSummary, error) {
	out, err := c.invoke(ctx, "ListRuns", &emptypb.Empty{}, opts...)
	if err != nil {
		return nil, err
	}
	var list struct {
		Runs []kb.RunSummary `json:"runs"`
	}
	if err := types.FromStruct(out, &list); err != nil {
		return nil, err
	}
	return list.Runs, nil
}

// CompareStrategies runs the pheromone comparison for cfg.
func (c *SimulationServiceClient) CompareStrategies(ctx context.Context, cfg model.SimulationConfig, opts ...grpc.CallOption) (*model.ComparisonResult, error) {
	req, err := types.ConfigToStruct(cfg)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, "CompareStrategies", req, opts...)
	if err != nil {
		return nil, err
	}
	var res model.ComparisonResult
	if err := types.FromStruct(out, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ValidateConfig asks the server to normalise and validate a raw config.
func (c *SimulationServiceClient) ValidateConfig(ctx context.Context, raw *structpb.Struct, opts ...grpc.CallOption) (*types.Validation, error) {
	out, err := c.invoke(ctx, "ValidateConfig", raw, opts...)
	if err != nil {
		return nil, err
	}
	var v types.Validation
	if err := types.FromStruct(out, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
