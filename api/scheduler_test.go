package api

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DevXPanda/HTCMS-sub001/billing"
	"github.com/DevXPanda/HTCMS-sub001/billing/store"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls []billing.SweepResult
}

func (o *recordingObserver) ObserveSweep(res *billing.SweepResult, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, *res)
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func newSchedulerEngine(t *testing.T) (*billing.Engine, string) {
	t.Helper()
	ctx := context.Background()
	clock := billing.NewFixedClock(billing.Date(2024, time.June, 1))
	e := billing.NewEngine(store.NewMemory(), billing.Options{Clock: clock, Logger: zaptest.NewLogger(t)})

	s := &billing.BillingSubject{Kind: billing.SubjectProperty, Ward: "W-01", OwnerName: "S. Iyer"}
	require.NoError(t, e.RegisterSubject(ctx, s, billing.SystemActor))
	require.NoError(t, e.RegisterAssessment(ctx, &billing.Assessment{
		SubjectID: s.ID, Period: "2024-25", AnnualTaxAmount: billing.MustMoney("2000"), Status: billing.AssessmentApproved,
	}, billing.SystemActor))
	res, err := e.GenerateDemand(ctx, billing.GenerateDemandRequest{
		SubjectID: s.ID, ServiceType: billing.ServiceHouseTax, Period: "2024-25", Source: billing.AssessmentSource{}, Actor: billing.SystemActor,
	})
	require.NoError(t, err)
	return e, res.Demand.ID
}

func TestPenaltyScheduler_RunOnce(t *testing.T) {
	// GIVEN: a demand due 2024-06-30
	e, id := newSchedulerEngine(t)
	obs := &recordingObserver{}
	ps := NewPenaltyScheduler(e, zaptest.NewLogger(t))
	ps.Observer = obs
	assert.Nil(t, ps.LastRun())

	// WHEN: swept as of 2024-07-10
	res, err := ps.RunOnce(context.Background(), billing.Date(2024, time.July, 10))

	// THEN: the demand is penalised and the run is recorded
	require.NoError(t, err)
	assert.Equal(t, billing.SweepResult{Scanned: 1, Applied: 1}, *res)
	assert.Equal(t, 1, obs.count())
	last := ps.LastRun()
	require.NotNil(t, last)
	assert.Equal(t, *res, last.Result)
	assert.NoError(t, last.Err)

	d, err := e.GetDemand(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "100.00", d.PenaltyAmount.StringFixed(2))
	assert.Equal(t, "2.00", d.InterestAmount.StringFixed(2))

	// WHEN: the same day is swept again
	res, err = ps.RunOnce(context.Background(), billing.Date(2024, time.July, 10))

	// THEN: nothing changes
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
}

func TestPenaltyScheduler_StartStop(t *testing.T) {
	// GIVEN: an enabled scheduler with a long interval
	e, _ := newSchedulerEngine(t)
	obs := &recordingObserver{}
	ps := NewPenaltyScheduler(e, zaptest.NewLogger(t))
	ps.Observer = obs
	ps.Interval = time.Hour

	// WHEN: started
	ps.Start()

	// THEN: it sweeps immediately, and Stop returns
	assert.Eventually(t, func() bool { return obs.count() == 1 }, time.Second, 5*time.Millisecond)
	ps.Stop()
	ps.Stop()

	// AND: it can be started again
	ps.Start()
	assert.Eventually(t, func() bool { return obs.count() == 2 }, time.Second, 5*time.Millisecond)
	ps.Stop()
}

func TestPenaltyScheduler_Disabled(t *testing.T) {
	e, _ := newSchedulerEngine(t)
	obs := &recordingObserver{}
	ps := NewPenaltyScheduler(e, zaptest.NewLogger(t))
	ps.Observer = obs
	ps.Enabled = false

	ps.Start()
	ps.Stop()

	assert.Nil(t, ps.LastRun())
	assert.Equal(t, 0, obs.count())
}
