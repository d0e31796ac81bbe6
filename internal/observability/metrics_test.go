package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/nanoswarm.v1.SimulationService/RunSimulation"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("SimulationService", "RunSimulation", "OK")); got != 1 {
		t.Fatalf("sim_rpc_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "sim_rpc_request_duration_seconds", map[string]string{
		"service": "SimulationService",
		"method":  "RunSimulation",
	}); count != 1 {
		t.Fatalf("sim_rpc_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/nanoswarm.v1.SimulationService/GetRun"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.InvalidArgument, "boom")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("SimulationService", "GetRun", "InvalidArgument")); got != 1 {
		t.Fatalf("sim_rpc_requests_total error label = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesRunGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}
	collector.SetRunCounts(map[string]int{"running": 3, "completed": 4})
	collector.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()
	collector.RPCDurations.WithLabelValues("svc", "method").Observe(0.01)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"sim_rpc_requests_total",
		"sim_rpc_request_duration_seconds",
		`sim_runs{status="running"} 3`,
		`sim_runs{status="completed"} 4`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}

	collector.SetRunCounts(map[string]int{"completed": 5})
	if got := testutil.ToFloat64(collector.Runs.WithLabelValues("running")); got != 0 {
		t.Fatalf("running gauge after reset = %v, want 0", got)
	}
}

func TestCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("first NewRPCCollector: %v", err)
	}
	second, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("second NewRPCCollector: %v", err)
	}
	first.RPCRequests.WithLabelValues("s", "m", "OK").Inc()
	if got := testutil.ToFloat64(second.RPCRequests.WithLabelValues("s", "m", "OK")); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestSplitMethod(t *testing.T) {
	cases := []struct {
		in      string
		service string
		method  string
	}{
		{in: "/nanoswarm.v1.SimulationService/ListRuns", service: "SimulationService", method: "ListRuns"},
		{in: "", service: "unknown", method: "unknown"},
		{in: "garbage", service: "unknown", method: "unknown"},
	}
	for _, tc := range cases {
		svc, method := SplitMethod(tc.in)
		if svc != tc.service || method != tc.method {
			t.Errorf("SplitMethod(%q) = %q, %q; want %q, %q", tc.in, svc, method, tc.service, tc.method)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
