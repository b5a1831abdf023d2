package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func TestObserveOp(t *testing.T) {
	before := testutil.ToFloat64(LedgerOpsTotal.WithLabelValues("deposit", "ok"))
	ObserveOp("deposit", "ok", time.Now())
	after := testutil.ToFloat64(LedgerOpsTotal.WithLabelValues("deposit", "ok"))
	if after-before != 1 {
		t.Errorf("expected counter to increase by 1, got %v", after-before)
	}
}

func TestSetPool(t *testing.T) {
	SetPool("btc", decimal.NewFromFloat(49.5), decimal.NewFromInt(100))
	if got := testutil.ToFloat64(PoolCash.WithLabelValues("btc")); got != 49.5 {
		t.Errorf("pool cash gauge = %v, want 49.5", got)
	}
	if got := testutil.ToFloat64(PoolNetDeposits.WithLabelValues("btc")); got != 100 {
		t.Errorf("net deposits gauge = %v, want 100", got)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/coins/{coin}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest("GET", "/coins/btc", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/coins/{coin}", "418"))
	if got < 1 {
		t.Errorf("expected request counted under route pattern, got %v", got)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	ObserveOp("withdraw", "rejected", time.Now())

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), "capital_ledger_ops_total") {
		t.Error("metrics output missing capital_ledger_ops_total")
	}
}

func TestStatusWriter_Hijack(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: 200}
	if _, _, err := sw.Hijack(); err == nil {
		t.Error("expected an error when the underlying writer cannot hijack")
	}
}
