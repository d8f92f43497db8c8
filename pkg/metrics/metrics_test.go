package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndExposition(t *testing.T) {
	before := testutil.ToFloat64(tradesSettledFor("12"))

	TradeSettled("12", 40)
	TradeSettled("12", 10)
	PairingSkipped("invariant")
	CycleCompleted("ok", 3*time.Millisecond, 7)

	if got := testutil.ToFloat64(tradesSettledFor("12")) - before; got != 2 {
		t.Errorf("trades settled delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(outstanding); got != 7 {
		t.Errorf("outstanding gauge = %v, want 7", got)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"unitex_trades_settled_total", "unitex_pairings_skipped_total", "unitex_settlement_cycle_seconds"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("exposition missing %s", name)
		}
	}
}

func TestStoreUnavailableLeavesGauge(t *testing.T) {
	CycleCompleted("ok", time.Millisecond, 3)
	CycleCompleted("store_unavailable", time.Millisecond, 0)
	if got := testutil.ToFloat64(outstanding); got != 3 {
		t.Errorf("outstanding gauge = %v, want 3", got)
	}
}

func tradesSettledFor(asset string) prometheus.Counter {
	setup()
	return tradesSettled.WithLabelValues(asset)
}
