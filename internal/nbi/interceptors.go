package nbi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/nanoswarm/internal/logging"
	"github.com/signalsfoundry/nanoswarm/internal/observability"
)

const requestIDMetadataKey = "x-request-id"

// simRequest is what the interceptors can learn about a simulation RPC from
// its structpb request without decoding it fully.
type simRequest struct {
	RunID     string
	AgentType string
	Seed      int64
	HasSeed   bool
	MaxSteps  int
	Nanobots  int
}

// simResponse carries the outcome fields worth logging and tracing.
type simResponse struct {
	RunID       string
	Winner      string
	Improvement int
	Valid       *bool
}

func inspectRequest(req any) simRequest {
	s, ok := req.(*structpb.Struct)
	if !ok || s == nil {
		return simRequest{}
	}
	var out simRequest
	out.RunID = stringField(s, "run_id")
	out.AgentType = stringField(s, "agent_type")
	if n, ok := numberField(s, "seed"); ok {
		out.Seed, out.HasSeed = int64(n), true
	}
	if n, ok := numberField(s, "max_steps"); ok {
		out.MaxSteps = int(n)
	}
	if n, ok := numberField(s, "n_nanobots"); ok {
		out.Nanobots = int(n)
	}
	return out
}

func inspectResponse(resp any) simResponse {
	s, ok := resp.(*structpb.Struct)
	if !ok || s == nil {
		return simResponse{}
	}
	out := simResponse{
		RunID:  stringField(s, "run_id"),
		Winner: stringField(s, "winner"),
	}
	if n, ok := numberField(s, "improvement"); ok {
		out.Improvement = int(n)
	}
	if v, ok := s.GetFields()["valid"]; ok {
		if b, ok := v.GetKind().(*structpb.Value_BoolValue); ok {
			valid := b.BoolValue
			out.Valid = &valid
		}
	}
	return out
}

func (r simRequest) fields() []logging.Field {
	var fields []logging.Field
	if r.RunID != "" {
		fields = append(fields, logging.String("run_id", r.RunID))
	}
	if r.HasSeed {
		fields = append(fields, logging.Int("seed", int(r.Seed)))
	}
	if r.AgentType != "" {
		fields = append(fields, logging.String("agent_type", r.AgentType))
	}
	if r.MaxSteps > 0 {
		fields = append(fields, logging.Int("max_steps", r.MaxSteps))
	}
	if r.Nanobots > 0 {
		fields = append(fields, logging.Int("n_nanobots", r.Nanobots))
	}
	return fields
}

func (r simResponse) fields() []logging.Field {
	var fields []logging.Field
	if r.RunID != "" {
		fields = append(fields, logging.String("run_id", r.RunID))
	}
	if r.Winner != "" {
		fields = append(fields, logging.String("winner", r.Winner), logging.Int("improvement", r.Improvement))
	}
	if r.Valid != nil {
		fields = append(fields, logging.Bool("config_valid", *r.Valid))
	}
	return fields
}

// RequestLoggingUnaryServerInterceptor gives each simulation RPC a request
// id (taken from x-request-id metadata when the caller sent one, and echoed
// back in the response header) and a logger carrying the RPC name plus the
// run id and config knobs found in the request. A GetRun request also tags
// the context with its run id. When the handler returns, one line records
// the gRPC code, the elapsed time and the run or comparison outcome.
func RequestLoggingUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if incoming := firstHeader(md, requestIDMetadataKey); incoming != "" {
				ctx = logging.ContextWithRequestID(ctx, incoming)
			}
		}

		_, method := observability.SplitMethod(info.FullMethod)
		sim := inspectRequest(req)
		if sim.RunID != "" {
			ctx = logging.ContextWithRunID(ctx, sim.RunID)
		}
		fields := append([]logging.Field{logging.String("rpc", method)}, sim.fields()...)
		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(fields...))
		ctx = logging.ContextWithLogger(ctx, reqLog)
		// Fails only outside a real gRPC transport.
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDMetadataKey, logging.RequestIDFromContext(ctx)))

		start := time.Now()
		resp, err := handler(ctx, req)

		outcome := []logging.Field{
			logging.String("code", status.Code(err).String()),
			logging.String("elapsed", time.Since(start).String()),
		}
		if err != nil {
			reqLog.Warn(ctx, "simulation rpc failed", append(outcome, logging.Err(err))...)
			return resp, err
		}
		out := inspectResponse(resp)
		if out.RunID == sim.RunID {
			out.RunID = ""
		}
		reqLog.Info(ctx, "simulation rpc completed", append(outcome, out.fields()...)...)
		return resp, nil
	}
}

func stringField(s *structpb.Struct, key string) string {
	v, ok := s.GetFields()[key]
	if !ok {
		return ""
	}
	if sv, ok := v.GetKind().(*structpb.Value_StringValue); ok {
		return sv.StringValue
	}
	return ""
}

func numberField(s *structpb.Struct, key string) (float64, bool) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, false
	}
	if nv, ok := v.GetKind().(*structpb.Value_NumberValue); ok {
		return nv.NumberValue, true
	}
	return 0, false
}

func firstHeader(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
