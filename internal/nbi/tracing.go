package nbi

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/nanoswarm/internal/logging"
	"github.com/signalsfoundry/nanoswarm/internal/observability"
)

// TracingOption configures TracingUnaryServerInterceptor.
type TracingOption func(*tracingConfig)

type tracingConfig struct {
	provider trace.TracerProvider
}

// WithTracerProvider uses tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) TracingOption {
	return func(c *tracingConfig) { c.provider = tp }
}

// TracingUnaryServerInterceptor names the RPC span SimulationRPC/<service>/<method>
// and tags it with the simulation being asked for (seed, agent type, step
// budget, swarm size, run id) and what came back (run id, comparison winner,
// config verdict). A server span is started when the otelgrpc stats handler
// has not already created one.
func TracingUnaryServerInterceptor(opts ...TracingOption) grpc.UnaryServerInterceptor {
	cfg := tracingConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	var tracer trace.Tracer
	if cfg.provider != nil {
		tracer = cfg.provider.Tracer(observability.TracerName)
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		service, method := observability.SplitMethod(info.FullMethod)
		spanName := fmt.Sprintf("SimulationRPC/%s/%s", service, method)
		span := trace.SpanFromContext(ctx)
		created := false
		if !span.SpanContext().IsValid() {
			t := tracer
			if t == nil {
				t = otel.Tracer(observability.TracerName)
			}
			ctx, span = t.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
			created = true
		} else {
			span.SetName(spanName)
		}

		attrs := []attribute.KeyValue{
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
			attribute.String("rpc.full_method", strings.TrimPrefix(info.FullMethod, "/")),
		}
		if reqID := logging.RequestIDFromContext(ctx); reqID != "" {
			attrs = append(attrs, attribute.String("request_id", reqID))
		}
		span.SetAttributes(append(attrs, inspectRequest(req).attributes()...)...)

		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, status.Convert(err).Message())
			span.SetAttributes(attribute.String("rpc.grpc.status_code", status.Code(err).String()))
		} else {
			span.SetAttributes(inspectResponse(resp).attributes()...)
		}

		if created {
			span.End()
		}
		return resp, err
	}
}

func (r simRequest) attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if r.RunID != "" {
		attrs = append(attrs, attribute.String("run.id", r.RunID))
	}
	if r.HasSeed {
		attrs = append(attrs, attribute.Int64("sim.seed", r.Seed))
	}
	if r.AgentType != "" {
		attrs = append(attrs, attribute.String("sim.agent_type", r.AgentType))
	}
	if r.MaxSteps > 0 {
		attrs = append(attrs, attribute.Int("sim.max_steps", r.MaxSteps))
	}
	if r.Nanobots > 0 {
		attrs = append(attrs, attribute.Int("sim.n_nanobots", r.Nanobots))
	}
	return attrs
}

func (r simResponse) attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if r.RunID != "" {
		attrs = append(attrs, attribute.String("run.id", r.RunID))
	}
	if r.Winner != "" {
		attrs = append(attrs,
			attribute.String("sim.winner", r.Winner),
			attribute.Int("sim.improvement", r.Improvement),
		)
	}
	if r.Valid != nil {
		attrs = append(attrs, attribute.Bool("sim.config_valid", *r.Valid))
	}
	return attrs
}
