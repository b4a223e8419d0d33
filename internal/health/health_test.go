package health

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type keepalives struct{ at time.Time }

func (k keepalives) LastKeepalive() (time.Time, int64) { return k.at, k.at.UnixMilli() }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestCheckAllHealthy(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	st := CheckAll(context.Background(), Probes{
		Worker:         keepalives{at: now.Add(-5 * time.Second)},
		KeepaliveStale: 30 * time.Second,
		ASR:            pinger{},
		LLMType:        "qwen",
		LLMAPIKey:      "sk",
		Now:            func() time.Time { return now },
	})
	if !st.OK || len(st.Checks) != 3 {
		t.Fatalf("expected healthy, got %s", st)
	}
	if !st.CheckedAt.Equal(now) {
		t.Fatalf("checked at %v", st.CheckedAt)
	}
}

func TestCheckAllFailures(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		p     Probes
		check string
		msg   string
	}{
		{"no keepalive", Probes{Worker: keepalives{}, LLMAPIKey: "k"}, "worker", "no keepalive"},
		{"stale keepalive", Probes{Worker: keepalives{at: now.Add(-time.Minute)}, KeepaliveStale: 30 * time.Second, LLMAPIKey: "k"}, "worker", "1m0s ago"},
		{"asr down", Probes{ASR: pinger{err: errors.New("connection refused")}, LLMAPIKey: "k"}, "asr", "connection refused"},
		{"llm key", Probes{LLMType: "deepseek"}, "llm", "LLM_API_KEY not set for deepseek"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.p.Now = func() time.Time { return now }
			st := CheckAll(context.Background(), tc.p)
			if st.OK {
				t.Fatalf("expected failure, got %s", st)
			}
			for _, c := range st.Checks {
				if c.Name == tc.check {
					if c.OK || !strings.Contains(c.Error, tc.msg) {
						t.Fatalf("check %s = %+v, want error containing %q", c.Name, c, tc.msg)
					}
					return
				}
			}
			t.Fatalf("check %s missing from %s", tc.check, st)
		})
	}
}

func TestStatusString(t *testing.T) {
	s := HealthStatus{OK: false, Checks: []CheckResult{{Name: "asr", Error: "down"}, {Name: "llm", OK: true}}}.String()
	if !strings.HasPrefix(s, "Health: FAIL") || !strings.Contains(s, "✗ asr") || !strings.Contains(s, "- down") || !strings.Contains(s, "✓ llm") {
		t.Fatalf("unexpected rendering:\n%s", s)
	}
}

func TestLatencyEncodedAsMilliseconds(t *testing.T) {
	st := HealthStatus{OK: true, Checks: []CheckResult{{Name: "asr", OK: true, Latency: 1500 * time.Millisecond}}}
	b, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"latency_ms":1500`) {
		t.Fatalf("latency not in milliseconds: %s", b)
	}

	var back HealthStatus
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back.Checks) != 1 || back.Checks[0].Latency != 1500*time.Millisecond || back.Checks[0].Name != "asr" {
		t.Fatalf("decoded %+v", back.Checks)
	}
}

func TestReporterPublishesGRPCStatus(t *testing.T) {
	ok := false
	r := NewReporter(func(context.Context) HealthStatus { return HealthStatus{OK: ok, CheckedAt: time.Now()} }, time.Second, nil)
	ctx := context.Background()

	serving := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		res, err := r.Server().Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("check %q: %v", service, err)
		}
		return res.GetStatus()
	}

	if got := serving(Service); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial status %v", got)
	}
	ok = true
	r.Refresh(ctx)
	if got := serving(""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status after healthy refresh %v", got)
	}
	if !r.Latest().OK {
		t.Fatal("Latest not updated")
	}
	ok = false
	r.Refresh(ctx)
	if got := serving(Service); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after failing refresh %v", got)
	}
}

func TestReporterRunStops(t *testing.T) {
	r := NewReporter(func(context.Context) HealthStatus { return HealthStatus{OK: true} }, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	res, err := r.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: Service})
	if err != nil || res.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after shutdown %v %v", res, err)
	}
}
