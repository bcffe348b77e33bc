package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestModuleMetricsObserve(t *testing.T) {
	m := ModuleMetrics()
	okBefore := testutil.ToFloat64(m.requests.WithLabelValues("dcad", "GET /v1/plans", "success"))
	errBefore := testutil.ToFloat64(m.errors.WithLabelValues("dcad", "POST /v1/plans", "409"))

	m.Observe("dcad", "GET /v1/plans", 200, 5*time.Millisecond)
	m.Observe("dcad", "POST /v1/plans", 409, time.Millisecond)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("dcad", "GET /v1/plans", "success")); got != okBefore+1 {
		t.Fatalf("expected success count %v, got %v", okBefore+1, got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("dcad", "POST /v1/plans", "409")); got != errBefore+1 {
		t.Fatalf("expected error count %v, got %v", errBefore+1, got)
	}
}

func TestModuleMetricsThrottleDefaults(t *testing.T) {
	m := ModuleMetrics()
	before := testutil.ToFloat64(m.throttles.WithLabelValues("unknown", "unspecified"))
	m.RecordThrottle("", "")
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("unknown", "unspecified")); got != before+1 {
		t.Fatalf("expected throttle count %v, got %v", before+1, got)
	}
}

func TestDCAMetricsExecutionAndDust(t *testing.T) {
	m := DCA()
	execBefore := testutil.ToFloat64(m.executions.WithLabelValues("secondary", "USDC", "WETH"))
	dustBefore := testutil.ToFloat64(m.dust.WithLabelValues("WETH"))

	m.RecordExecution("secondary", "usdc", " weth ", uint256.NewInt(5_319_600_000))
	m.RecordExecution("secondary", "USDC", "WETH", new(uint256.Int))

	if got := testutil.ToFloat64(m.executions.WithLabelValues("secondary", "USDC", "WETH")); got != execBefore+2 {
		t.Fatalf("expected execution count %v, got %v", execBefore+2, got)
	}
	if got := testutil.ToFloat64(m.dust.WithLabelValues("WETH")); got != dustBefore+5_319_600_000 {
		t.Fatalf("expected dust %v, got %v", dustBefore+5_319_600_000, got)
	}
}

func TestDCAMetricsGaugesAndNilSafety(t *testing.T) {
	m := DCA()
	m.SetStalled(3)
	if got := testutil.ToFloat64(m.stalled); got != 3 {
		t.Fatalf("expected 3 stalled plans, got %v", got)
	}
	before := testutil.ToFloat64(m.registrations.WithLabelValues("error"))
	m.RecordRegistration(errors.New("fee below estimate"))
	if got := testutil.ToFloat64(m.registrations.WithLabelValues("error")); got != before+1 {
		t.Fatalf("expected registration errors %v, got %v", before+1, got)
	}

	var disabled *DCAMetrics
	disabled.ObserveRun("executed", time.Second)
	disabled.RecordFailure("swap_failed")
	disabled.RecordLedgerFunding(uint256.NewInt(1))
	disabled.SetStalled(1)
}

func TestSchedulerMetricsFire(t *testing.T) {
	m := Scheduler()
	m.SetPending(7)
	if got := testutil.ToFloat64(m.pending); got != 7 {
		t.Fatalf("expected 7 pending, got %v", got)
	}
	before := testutil.ToFloat64(m.fired.WithLabelValues("success"))
	m.ObserveFire(-time.Second, nil)
	if got := testutil.ToFloat64(m.fired.WithLabelValues("success")); got != before+1 {
		t.Fatalf("expected fired count %v, got %v", before+1, got)
	}
}

func TestEventMetricsNormalisesType(t *testing.T) {
	m := Events()
	before := testutil.ToFloat64(m.emitted.WithLabelValues("dca.plan.created"))
	m.RecordEvent(" DCA.Plan.Created ")
	if got := testutil.ToFloat64(m.emitted.WithLabelValues("dca.plan.created")); got != before+1 {
		t.Fatalf("expected event count %v, got %v", before+1, got)
	}
}

func TestUintToFloat(t *testing.T) {
	if got := uintToFloat(nil); got != 0 {
		t.Fatalf("expected 0 for nil, got %v", got)
	}
	if got := uintToFloat(uint256.NewInt(42)); got != 42 {
		t.Fatalf("expected 42, got %v", got)
	}
}
