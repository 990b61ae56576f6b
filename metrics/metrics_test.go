package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

func TestCollector_Operations(t *testing.T) {
	c := New()

	c.ObserveOperation("pay_demand", "ok", 20*time.Millisecond)
	c.ObserveOperation("pay_demand", "ok", 10*time.Millisecond)
	c.ObserveOperation("pay_demand", string(billing.KindConcurrency), time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.operations.WithLabelValues("pay_demand", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("pay_demand", "concurrency")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.operationTime))
}

func TestCollector_Payments(t *testing.T) {
	c := New()

	c.ObservePayment(billing.KindDemand, billing.ModeCash, billing.MustMoney("250.50"))
	c.ObservePayment(billing.KindDemand, billing.ModeUPI, billing.MustMoney("100"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.payments.WithLabelValues("demand", "cash")))
	assert.InDelta(t, 350.50, testutil.ToFloat64(c.paymentAmount.WithLabelValues("demand")), 0.001)
}

func TestCollector_SweepAndHandler(t *testing.T) {
	c := New()
	c.ObserveSweep(&billing.SweepResult{Scanned: 5, Applied: 3, Failed: 1}, time.Second)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.sweepLastResult.WithLabelValues("applied")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "htcms_penalty_sweep_last")
	assert.Contains(t, string(body), "go_goroutines")
}
