package nbi

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/nanoswarm/internal/logging"
)

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var line map[string]any
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			t.Fatalf("log line %q: %v", raw, err)
		}
		lines = append(lines, line)
	}
	return lines
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("structpb.NewStruct: %v", err)
	}
	return s
}

func TestRequestLoggingInterceptorTagsSimulationRequest(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: "debug", Format: "json", Output: &buf})
	interceptor := RequestLoggingUnaryServerInterceptor(log)

	req := mustStruct(t, map[string]any{"seed": 7, "agent_type": "hybrid", "max_steps": 40, "n_nanobots": 6})
	info := &grpc.UnaryServerInfo{FullMethod: "/" + ServiceName + "/RunSimulation"}
	var handlerReqID string
	_, err := interceptor(context.Background(), req, info, func(ctx context.Context, _ any) (any, error) {
		handlerReqID = logging.RequestIDFromContext(ctx)
		logging.LoggerFromContext(ctx, nil).Info(ctx, "inside handler")
		return mustStruct(t, map[string]any{"run_id": "run-9", "total_steps": 40}), nil
	})
	if err != nil {
		t.Fatalf("interceptor error = %v", err)
	}
	if handlerReqID == "" {
		t.Fatalf("handler context has no request id")
	}

	lines := logLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2", len(lines))
	}
	for _, line := range lines {
		if line["rpc"] != "RunSimulation" || line["request_id"] != handlerReqID {
			t.Fatalf("log line missing rpc/request_id: %v", line)
		}
		if line["seed"] != float64(7) || line["agent_type"] != "hybrid" || line["max_steps"] != float64(40) || line["n_nanobots"] != float64(6) {
			t.Fatalf("log line missing config fields: %v", line)
		}
	}
	done := lines[1]
	if done["msg"] != "simulation rpc completed" || done["code"] != "OK" || done["run_id"] != "run-9" {
		t.Fatalf("completion line = %v", done)
	}
	if _, ok := done["elapsed"]; !ok {
		t.Fatalf("completion line has no elapsed: %v", done)
	}
}

func TestRequestLoggingInterceptorRunIDAndFailure(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Format: "json", Output: &buf})
	interceptor := RequestLoggingUnaryServerInterceptor(log)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(requestIDMetadataKey, "req-42"))
	info := &grpc.UnaryServerInfo{FullMethod: "/" + ServiceName + "/GetRun"}
	var runID string
	_, err := interceptor(ctx, mustStruct(t, map[string]any{"run_id": "missing"}), info, func(ctx context.Context, _ any) (any, error) {
		runID = logging.RunIDFromContext(ctx)
		return nil, status.Error(codes.NotFound, "run not found")
	})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("interceptor error = %v, want NotFound", err)
	}
	if runID != "missing" {
		t.Fatalf("RunIDFromContext = %q, want missing", runID)
	}

	lines := logLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("log lines = %d, want 1", len(lines))
	}
	line := lines[0]
	if line["level"] != "WARN" || line["code"] != "NotFound" || line["request_id"] != "req-42" || line["run_id"] != "missing" {
		t.Fatalf("failure line = %v", line)
	}
}

func TestRequestIDEchoedInResponseHeader(t *testing.T) {
	srv := startTestServer(t)
	ctx := metadata.AppendToOutgoingContext(testContext(t), requestIDMetadataKey, "req-7")

	var header metadata.MD
	if _, err := srv.client.ValidateConfig(ctx, mustStruct(t, map[string]any{"max_steps": 10}), grpc.Header(&header)); err != nil {
		t.Fatalf("ValidateConfig: %v", err)
	}
	if got := firstHeader(header, requestIDMetadataKey); got != "req-7" {
		t.Fatalf("response %s = %q, want req-7", requestIDMetadataKey, got)
	}

	header = nil
	if _, err := srv.client.ListRuns(testContext(t), grpc.Header(&header)); err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if got := firstHeader(header, requestIDMetadataKey); got == "" {
		t.Fatalf("no request id generated for a call without one")
	}
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestTracingInterceptorAddsSimulationAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	interceptor := TracingUnaryServerInterceptor(WithTracerProvider(tp))

	req := mustStruct(t, map[string]any{"seed": 3, "agent_type": "advisory", "max_steps": 50, "n_nanobots": 8})
	info := &grpc.UnaryServerInfo{FullMethod: "/" + ServiceName + "/CompareStrategies"}
	_, err := interceptor(context.Background(), req, info, func(context.Context, any) (any, error) {
		return mustStruct(t, map[string]any{"winner": "with_pheromones", "improvement": 4}), nil
	})
	if err != nil {
		t.Fatalf("interceptor error = %v", err)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "SimulationRPC/SimulationService/CompareStrategies" {
		t.Fatalf("span name = %q", spans[0].Name())
	}
	attrs := spanAttrs(spans[0])
	if attrs["sim.seed"].AsInt64() != 3 || attrs["sim.agent_type"].AsString() != "advisory" {
		t.Fatalf("request attributes = %v", attrs)
	}
	if attrs["sim.max_steps"].AsInt64() != 50 || attrs["sim.n_nanobots"].AsInt64() != 8 {
		t.Fatalf("request attributes = %v", attrs)
	}
	if attrs["sim.winner"].AsString() != "with_pheromones" || attrs["sim.improvement"].AsInt64() != 4 {
		t.Fatalf("response attributes = %v", attrs)
	}
}

func TestTracingInterceptorMarksFailedRuns(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	interceptor := TracingUnaryServerInterceptor(WithTracerProvider(tp))

	info := &grpc.UnaryServerInfo{FullMethod: "/" + ServiceName + "/GetRun"}
	_, err := interceptor(context.Background(), mustStruct(t, map[string]any{"run_id": "r-1"}), info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.NotFound, "run not found")
	})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("interceptor error = %v", err)
	}

	span := rec.Ended()[0]
	if span.Status().Code != otelcodes.Error || span.Status().Description != "run not found" {
		t.Fatalf("span status = %+v", span.Status())
	}
	attrs := spanAttrs(span)
	if attrs["run.id"].AsString() != "r-1" || attrs["rpc.grpc.status_code"].AsString() != "NotFound" {
		t.Fatalf("span attributes = %v", attrs)
	}
}
