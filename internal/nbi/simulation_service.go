package nbi

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/nanoswarm/internal/logging"
	"github.com/signalsfoundry/nanoswarm/internal/nbi/types"
	"github.com/signalsfoundry/nanoswarm/internal/runner"
	"github.com/signalsfoundry/nanoswarm/kb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "nanoswarm.v1.SimulationService"

// MaxMessageBytes is the message size limit servers and clients should
// configure; run results with field grids exceed gRPC's 4 MiB default.
const MaxMessageBytes = 64 << 20

// SimulationServiceServer is the server API for SimulationService.
type SimulationServiceServer interface {
	RunSimulation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRuns(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	CompareStrategies(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValidateConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// SimulationService implements SimulationServiceServer on top of a runner
// and the knowledge base it records into.
//
// Semantics:
//   - RunSimulation decodes the request as a config over the defaults, runs
//     it to completion and returns the full result.
//   - GetRun returns the stored record, snapshots included, for "run_id".
//   - CompareStrategies runs the pheromone comparison for the config.
//   - ValidateConfig never fails on a bad config; it reports it.
type SimulationService struct {
	runner *runner.Runner
	store  *kb.KnowledgeBase
	log    logging.Logger
}

var _ SimulationServiceServer = (*SimulationService)(nil)

// NewSimulationService binds the service to r. GetRun and ListRuns read
// from r's knowledge base.
func NewSimulationService(r *runner.Runner, log logging.Logger) *SimulationService {
	if log == nil {
		log = logging.Noop()
	}
	s := &SimulationService{runner: r, log: log}
	if r != nil {
		s.store = r.KnowledgeBase()
	}
	return s
}

func (s *SimulationService) RunSimulation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	log := logging.LoggerFromContext(ctx, s.log)

	cfg, err := types.ConfigFromStruct(req)
	if err != nil {
		return nil, ToStatusError(err)
	}

	res, err := s.runner.Run(ctx, cfg)
	if err != nil {
		log.Warn(ctx, "RunSimulation failed", logging.Err(err))
		return nil, ToStatusError(err)
	}

	out, err := types.RunResultToStruct(res)
	if err != nil {
		log.Error(ctx, "RunSimulation encode failed", logging.String("run_id", res.RunID), logging.Err(err))
		return nil, ToStatusError(err)
	}
	return out, nil
}

func (s *SimulationService) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureStore(); err != nil {
		return nil, err
	}
	id, err := ValidateRunID(types.RunIDFromStruct(req))
	if err != nil {
		return nil, ToStatusError(err)
	}

	rec, err := s.store.GetRun(id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	out, err := types.RunRecordToStruct(rec)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

func (s *SimulationService) ListRuns(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureStore(); err != nil {
		return nil, err
	}
	out, err := types.RunListToStruct(s.store.ListRuns())
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

func (s *SimulationService) CompareStrategies(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	cfg, err := types.ConfigFromStruct(req)
	if err != nil {
		return nil, ToStatusError(err)
	}

	res, err := s.runner.Compare(ctx, cfg)
	if err != nil {
		logging.LoggerFromContext(ctx, s.log).Warn(ctx, "CompareStrategies failed", logging.Err(err))
		return nil, ToStatusError(err)
	}
	out, err := types.ComparisonToStruct(res)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

func (s *SimulationService) ValidateConfig(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cfg, err := types.ConfigFromStruct(req)
	v := types.Validation{Valid: err == nil, Config: cfg}
	if err != nil {
		v.Error = err.Error()
	}
	out, encErr := types.ValidationToStruct(v)
	if encErr != nil {
		return nil, ToStatusError(encErr)
	}
	return out, nil
}

func (s *SimulationService) ensureReady() error {
	if s == nil || s.runner == nil {
		return ToStatusError(errors.New("simulation service not initialised"))
	}
	return nil
}

func (s *SimulationService) ensureStore() error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if s.store == nil {
		return ToStatusError(errors.New("simulation service has no knowledge base"))
	}
	return nil
}

// RegisterSimulationServiceServer registers srv on s.
func RegisterSimulationServiceServer(s grpc.ServiceRegistrar, srv SimulationServiceServer) {
	s.RegisterService(&SimulationServiceDesc, srv)
}

// SimulationServiceDesc describes SimulationService for grpc.Server. All
// messages are well-known protobuf types, so no generated code is needed.
var SimulationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SimulationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunSimulation", Handler: structHandler("RunSimulation", SimulationServiceServer.RunSimulation)},
		{MethodName: "GetRun", Handler: structHandler("GetRun", SimulationServiceServer.GetRun)},
		{MethodName: "ListRuns", Handler: listRunsHandler},
		{MethodName: "CompareStrategies", Handler: structHandler("CompareStrategies", SimulationServiceServer.CompareStrategies)},
		{MethodName: "ValidateConfig", Handler: structHandler("ValidateConfig", SimulationServiceServer.ValidateConfig)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nanoswarm/v1/simulation.proto",
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

type structMethod func(SimulationServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func structHandler(name string, call structMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SimulationServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(SimulationServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func listRunsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SimulationServiceServer).ListRuns(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("ListRuns")}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SimulationServiceServer).ListRuns(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
