package health

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CheckResult is one probe outcome. Latency travels as whole milliseconds
// under latency_ms.
type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"-"`
	Error   string        `json:"error,omitempty"`
}

type checkResultJSON struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func (c CheckResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(checkResultJSON{Name: c.Name, OK: c.OK, LatencyMs: c.Latency.Milliseconds(), Error: c.Error})
}

func (c *CheckResult) UnmarshalJSON(b []byte) error {
	var j checkResultJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	*c = CheckResult{Name: j.Name, OK: j.OK, Latency: time.Duration(j.LatencyMs) * time.Millisecond, Error: j.Error}
	return nil
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

// Keepalives reports the last worker keepalive; the zero time means none.
type Keepalives interface {
	LastKeepalive() (time.Time, int64)
}

// Pinger checks that a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probes are the dependencies CheckAll looks at. Nil members are skipped.
type Probes struct {
	Worker         Keepalives
	KeepaliveStale time.Duration
	ASR            Pinger
	LLMType        string
	LLMAPIKey      string
	Now            func() time.Time
}

// CheckAll runs all health checks and returns combined status
func CheckAll(ctx context.Context, p Probes) HealthStatus {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	var checks []CheckResult
	if p.Worker != nil {
		checks = append(checks, checkWorker(p, now()))
	}
	if p.ASR != nil {
		checks = append(checks, checkASR(ctx, p.ASR))
	}
	checks = append(checks, checkLLM(p))

	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
		}
	}

	return HealthStatus{
		OK:        allOK,
		Checks:    checks,
		CheckedAt: now().UTC(),
	}
}

func checkWorker(p Probes, now time.Time) CheckResult {
	result := CheckResult{Name: "worker"}
	at, _ := p.Worker.LastKeepalive()
	if at.IsZero() {
		result.Error = "no keepalive received"
		return result
	}
	age := now.Sub(at)
	if p.KeepaliveStale > 0 && age > p.KeepaliveStale {
		result.Error = fmt.Sprintf("last keepalive %s ago", age.Round(time.Second))
		return result
	}
	result.OK = true
	return result
}

func checkASR(ctx context.Context, asr Pinger) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "asr"}
	err := asr.Ping(ctx)
	result.Latency = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.OK = true
	return result
}

func checkLLM(p Probes) CheckResult {
	result := CheckResult{Name: "llm"}
	if p.LLMAPIKey == "" {
		result.Error = "LLM_API_KEY not set"
		if p.LLMType != "" {
			result.Error += " for " + p.LLMType
		}
		return result
	}
	result.OK = true
	return result
}
