// Package store provides an in-memory billing.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// DefaultLockWait bounds how long WithTx waits for a running transaction.
const DefaultLockWait = 2 * time.Second

// Memory serialises transactions: one WithTx runs at a time, which stands
// in for the row locks of the SQL store. Waiting longer than LockWait
// returns billing.ErrConcurrentModification.
type Memory struct {
	gate     chan struct{}
	LockWait time.Duration

	mu   sync.RWMutex
	data *memoryData

	reserveMu sync.Mutex
	reserved  map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		gate:     make(chan struct{}, 1),
		LockWait: DefaultLockWait,
		data:     newMemoryData(),
		reserved: make(map[string]int64),
	}
}

type assessmentKey struct {
	subject billing.SubjectID
	period  string
}

type seqKey struct {
	prefix, scope string
}

type memoryData struct {
	subjects    map[billing.SubjectID]billing.BillingSubject
	assessments map[assessmentKey]billing.Assessment
	connections map[billing.ConnectionID]billing.WaterConnection
	nextSubject billing.SubjectID
	nextConn    billing.ConnectionID

	// Insertion order is the list order.
	demands   []billing.Demand
	demandIdx map[string]int
	bills     []billing.WaterBill
	billIdx   map[string]int
	payments  []billing.Payment
	notices   []billing.Notice
	noticeIdx map[string]int

	sequences map[seqKey]int64
}

func newMemoryData() *memoryData {
	return &memoryData{
		subjects:    make(map[billing.SubjectID]billing.BillingSubject),
		assessments: make(map[assessmentKey]billing.Assessment),
		connections: make(map[billing.ConnectionID]billing.WaterConnection),
		demandIdx:   make(map[string]int),
		billIdx:     make(map[string]int),
		noticeIdx:   make(map[string]int),
		sequences:   make(map[seqKey]int64),
	}
}

func (d *memoryData) clone() *memoryData {
	c := &memoryData{
		subjects:    make(map[billing.SubjectID]billing.BillingSubject, len(d.subjects)),
		assessments: make(map[assessmentKey]billing.Assessment, len(d.assessments)),
		connections: make(map[billing.ConnectionID]billing.WaterConnection, len(d.connections)),
		nextSubject: d.nextSubject,
		nextConn:    d.nextConn,
		demands:     append([]billing.Demand{}, d.demands...),
		demandIdx:   make(map[string]int, len(d.demandIdx)),
		bills:       append([]billing.WaterBill{}, d.bills...),
		billIdx:     make(map[string]int, len(d.billIdx)),
		payments:    append([]billing.Payment{}, d.payments...),
		notices:     append([]billing.Notice{}, d.notices...),
		noticeIdx:   make(map[string]int, len(d.noticeIdx)),
		sequences:   make(map[seqKey]int64, len(d.sequences)),
	}
	for k, v := range d.subjects {
		c.subjects[k] = v
	}
	for k, v := range d.assessments {
		c.assessments[k] = v
	}
	for k, v := range d.connections {
		c.connections[k] = v
	}
	for k, v := range d.demandIdx {
		c.demandIdx[k] = v
	}
	for k, v := range d.billIdx {
		c.billIdx[k] = v
	}
	for k, v := range d.noticeIdx {
		c.noticeIdx[k] = v
	}
	for k, v := range d.sequences {
		c.sequences[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONS - Snapshot + rollback on error
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	wait := time.NewTimer(m.LockWait)
	defer wait.Stop()
	select {
	case m.gate <- struct{}{}:
	case <-wait.C:
		return billing.ErrConcurrentModification
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.gate }()

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(txData{memoryData: m.data, parent: m}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// =============================================================================
// NON-TRANSACTIONAL ACCESS - Each call is its own short critical section
// =============================================================================

func (m *Memory) read() (*memoryData, func()) {
	m.mu.RLock()
	return m.data, m.mu.RUnlock
}

func (m *Memory) write() (*memoryData, func()) {
	m.mu.Lock()
	return m.data, m.mu.Unlock
}

func (m *Memory) GetSubject(ctx context.Context, id billing.SubjectID) (*billing.BillingSubject, error) {
	d, done := m.read()
	defer done()
	return d.GetSubject(ctx, id)
}

func (m *Memory) LockSubject(ctx context.Context, id billing.SubjectID) (*billing.BillingSubject, error) {
	return m.GetSubject(ctx, id)
}

func (m *Memory) GetAssessment(ctx context.Context, subject billing.SubjectID, period string) (*billing.Assessment, error) {
	d, done := m.read()
	defer done()
	return d.GetAssessment(ctx, subject, period)
}

func (m *Memory) GetConnection(ctx context.Context, id billing.ConnectionID) (*billing.WaterConnection, error) {
	d, done := m.read()
	defer done()
	return d.GetConnection(ctx, id)
}

func (m *Memory) LockConnection(ctx context.Context, id billing.ConnectionID) (*billing.WaterConnection, error) {
	return m.GetConnection(ctx, id)
}

func (m *Memory) SaveSubject(ctx context.Context, s *billing.BillingSubject) error {
	d, done := m.write()
	defer done()
	return d.SaveSubject(ctx, s)
}

func (m *Memory) SaveAssessment(ctx context.Context, a *billing.Assessment) error {
	d, done := m.write()
	defer done()
	return d.SaveAssessment(ctx, a)
}

func (m *Memory) SaveConnection(ctx context.Context, c *billing.WaterConnection) error {
	d, done := m.write()
	defer done()
	return d.SaveConnection(ctx, c)
}

func (m *Memory) GetDemand(ctx context.Context, id string) (*billing.Demand, error) {
	d, done := m.read()
	defer done()
	return d.GetDemand(ctx, id)
}

func (m *Memory) LockDemand(ctx context.Context, id string) (*billing.Demand, error) {
	return m.GetDemand(ctx, id)
}

func (m *Memory) FindOpenDemand(ctx context.Context, subject billing.SubjectID, service billing.ServiceType, period string) (*billing.Demand, error) {
	d, done := m.read()
	defer done()
	return d.FindOpenDemand(ctx, subject, service, period)
}

func (m *Memory) UnpaidDemands(ctx context.Context, subject billing.SubjectID, service billing.ServiceType, exclude string) ([]billing.Demand, error) {
	d, done := m.read()
	defer done()
	return d.UnpaidDemands(ctx, subject, service, exclude)
}

func (m *Memory) InsertDemand(ctx context.Context, dm *billing.Demand) error {
	d, done := m.write()
	defer done()
	return d.InsertDemand(ctx, dm)
}

func (m *Memory) UpdateDemand(ctx context.Context, dm *billing.Demand) error {
	d, done := m.write()
	defer done()
	return d.UpdateDemand(ctx, dm)
}

func (m *Memory) ListDemands(ctx context.Context, f billing.DemandFilter) ([]billing.Demand, error) {
	d, done := m.read()
	defer done()
	return d.ListDemands(ctx, f)
}

func (m *Memory) GetWaterBill(ctx context.Context, id string) (*billing.WaterBill, error) {
	d, done := m.read()
	defer done()
	return d.GetWaterBill(ctx, id)
}

func (m *Memory) LockWaterBill(ctx context.Context, id string) (*billing.WaterBill, error) {
	return m.GetWaterBill(ctx, id)
}

func (m *Memory) FindOpenWaterBill(ctx context.Context, conn billing.ConnectionID, period string) (*billing.WaterBill, error) {
	d, done := m.read()
	defer done()
	return d.FindOpenWaterBill(ctx, conn, period)
}

func (m *Memory) UnpaidWaterBills(ctx context.Context, conn billing.ConnectionID, exclude string) ([]billing.WaterBill, error) {
	d, done := m.read()
	defer done()
	return d.UnpaidWaterBills(ctx, conn, exclude)
}

func (m *Memory) InsertWaterBill(ctx context.Context, b *billing.WaterBill) error {
	d, done := m.write()
	defer done()
	return d.InsertWaterBill(ctx, b)
}

func (m *Memory) UpdateWaterBill(ctx context.Context, b *billing.WaterBill) error {
	d, done := m.write()
	defer done()
	return d.UpdateWaterBill(ctx, b)
}

func (m *Memory) ListWaterBills(ctx context.Context, f billing.WaterBillFilter) ([]billing.WaterBill, error) {
	d, done := m.read()
	defer done()
	return d.ListWaterBills(ctx, f)
}

func (m *Memory) InsertPayment(ctx context.Context, p *billing.Payment) error {
	d, done := m.write()
	defer done()
	return d.InsertPayment(ctx, p)
}

func (m *Memory) ListPayments(ctx context.Context, target billing.ChargeRef) ([]billing.Payment, error) {
	d, done := m.read()
	defer done()
	return d.ListPayments(ctx, target)
}

func (m *Memory) GetNotice(ctx context.Context, id string) (*billing.Notice, error) {
	d, done := m.read()
	defer done()
	return d.GetNotice(ctx, id)
}

func (m *Memory) LockNotice(ctx context.Context, id string) (*billing.Notice, error) {
	return m.GetNotice(ctx, id)
}

func (m *Memory) InsertNotice(ctx context.Context, n *billing.Notice) error {
	d, done := m.write()
	defer done()
	return d.InsertNotice(ctx, n)
}

func (m *Memory) UpdateNotice(ctx context.Context, n *billing.Notice) error {
	d, done := m.write()
	defer done()
	return d.UpdateNotice(ctx, n)
}

func (m *Memory) ListNotices(ctx context.Context, demandID string) ([]billing.Notice, error) {
	d, done := m.read()
	defer done()
	return d.ListNotices(ctx, demandID)
}

func (m *Memory) NextSequence(ctx context.Context, prefix, scope string) (int64, error) {
	d, done := m.write()
	defer done()
	return d.NextSequence(ctx, prefix, scope)
}

// =============================================================================
// DATA - billing.Store over plain maps, used directly inside WithTx
// =============================================================================

func (d *memoryData) GetSubject(_ context.Context, id billing.SubjectID) (*billing.BillingSubject, error) {
	s, ok := d.subjects[id]
	if !ok {
		return nil, billing.ErrSubjectNotFound
	}
	return &s, nil
}

func (d *memoryData) LockSubject(ctx context.Context, id billing.SubjectID) (*billing.BillingSubject, error) {
	return d.GetSubject(ctx, id)
}

func (d *memoryData) GetAssessment(_ context.Context, subject billing.SubjectID, period string) (*billing.Assessment, error) {
	a, ok := d.assessments[assessmentKey{subject, period}]
	if !ok {
		return nil, billing.ErrSourceNotFound
	}
	return &a, nil
}

func (d *memoryData) GetConnection(_ context.Context, id billing.ConnectionID) (*billing.WaterConnection, error) {
	c, ok := d.connections[id]
	if !ok {
		return nil, billing.ErrConnectionNotFound
	}
	return &c, nil
}

func (d *memoryData) LockConnection(ctx context.Context, id billing.ConnectionID) (*billing.WaterConnection, error) {
	return d.GetConnection(ctx, id)
}

func (d *memoryData) SaveSubject(_ context.Context, s *billing.BillingSubject) error {
	if s.ID == 0 {
		d.nextSubject++
		for d.subjects[d.nextSubject].ID != 0 {
			d.nextSubject++
		}
		s.ID = d.nextSubject
	}
	d.subjects[s.ID] = *s
	return nil
}

func (d *memoryData) SaveAssessment(_ context.Context, a *billing.Assessment) error {
	d.assessments[assessmentKey{a.SubjectID, a.Period}] = *a
	return nil
}

func (d *memoryData) SaveConnection(_ context.Context, c *billing.WaterConnection) error {
	if c.ID == 0 {
		d.nextConn++
		for d.connections[d.nextConn].ID != 0 {
			d.nextConn++
		}
		c.ID = d.nextConn
	}
	d.connections[c.ID] = *c
	return nil
}

func (d *memoryData) GetDemand(_ context.Context, id string) (*billing.Demand, error) {
	i, ok := d.demandIdx[id]
	if !ok {
		return nil, billing.ErrDemandNotFound
	}
	dm := d.demands[i]
	return &dm, nil
}

func (d *memoryData) LockDemand(ctx context.Context, id string) (*billing.Demand, error) {
	return d.GetDemand(ctx, id)
}

func (d *memoryData) FindOpenDemand(_ context.Context, subject billing.SubjectID, service billing.ServiceType, period string) (*billing.Demand, error) {
	for _, dm := range d.demands {
		if dm.SubjectID == subject && dm.ServiceType == service && dm.Period == period && dm.Status != billing.StatusCancelled {
			return &dm, nil
		}
	}
	return nil, billing.ErrDemandNotFound
}

func (d *memoryData) UnpaidDemands(_ context.Context, subject billing.SubjectID, service billing.ServiceType, exclude string) ([]billing.Demand, error) {
	var out []billing.Demand
	for _, dm := range d.demands {
		if dm.SubjectID == subject && dm.ServiceType == service && dm.Period != exclude && dm.Status.IsUnpaid() {
			out = append(out, dm)
		}
	}
	return out, nil
}

func (d *memoryData) InsertDemand(ctx context.Context, dm *billing.Demand) error {
	if _, err := d.FindOpenDemand(ctx, dm.SubjectID, dm.ServiceType, dm.Period); err == nil {
		return billing.ErrDuplicateDemand
	}
	for _, x := range d.demands {
		if x.Number == dm.Number {
			return billing.ErrDuplicateNumber
		}
	}
	d.demandIdx[dm.ID] = len(d.demands)
	d.demands = append(d.demands, *dm)
	return nil
}

func (d *memoryData) UpdateDemand(_ context.Context, dm *billing.Demand) error {
	i, ok := d.demandIdx[dm.ID]
	if !ok {
		return billing.ErrDemandNotFound
	}
	d.demands[i] = *dm
	return nil
}

func (d *memoryData) ListDemands(_ context.Context, f billing.DemandFilter) ([]billing.Demand, error) {
	var out []billing.Demand
	for _, dm := range d.demands {
		if !d.demandMatches(dm, f) {
			continue
		}
		out = append(out, dm)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (d *memoryData) demandMatches(dm billing.Demand, f billing.DemandFilter) bool {
	if len(f.SubjectIDs) > 0 && !containsSubject(f.SubjectIDs, dm.SubjectID) {
		return false
	}
	if f.Ward != "" && d.subjects[dm.SubjectID].Ward != f.Ward {
		return false
	}
	if f.ServiceType != "" && dm.ServiceType != f.ServiceType {
		return false
	}
	if f.Period != "" && dm.Period != f.Period {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, dm.Status) {
		return false
	}
	if !f.DueBefore.IsZero() && !dm.DueDate.Before(f.DueBefore) {
		return false
	}
	return true
}

func (d *memoryData) GetWaterBill(_ context.Context, id string) (*billing.WaterBill, error) {
	i, ok := d.billIdx[id]
	if !ok {
		return nil, billing.ErrWaterBillNotFound
	}
	b := d.bills[i]
	return &b, nil
}

func (d *memoryData) LockWaterBill(ctx context.Context, id string) (*billing.WaterBill, error) {
	return d.GetWaterBill(ctx, id)
}

func (d *memoryData) FindOpenWaterBill(_ context.Context, conn billing.ConnectionID, period string) (*billing.WaterBill, error) {
	for _, b := range d.bills {
		if b.ConnectionID == conn && b.BillingPeriod == period && b.Status != billing.StatusCancelled {
			return &b, nil
		}
	}
	return nil, billing.ErrWaterBillNotFound
}

func (d *memoryData) UnpaidWaterBills(_ context.Context, conn billing.ConnectionID, exclude string) ([]billing.WaterBill, error) {
	var out []billing.WaterBill
	for _, b := range d.bills {
		if b.ConnectionID == conn && b.BillingPeriod != exclude && b.Status.IsUnpaid() {
			out = append(out, b)
		}
	}
	return out, nil
}

func (d *memoryData) InsertWaterBill(ctx context.Context, b *billing.WaterBill) error {
	if _, err := d.FindOpenWaterBill(ctx, b.ConnectionID, b.BillingPeriod); err == nil {
		return billing.ErrDuplicateWaterBill
	}
	for _, x := range d.bills {
		if x.Number == b.Number {
			return billing.ErrDuplicateNumber
		}
	}
	d.billIdx[b.ID] = len(d.bills)
	d.bills = append(d.bills, *b)
	return nil
}

func (d *memoryData) UpdateWaterBill(_ context.Context, b *billing.WaterBill) error {
	i, ok := d.billIdx[b.ID]
	if !ok {
		return billing.ErrWaterBillNotFound
	}
	d.bills[i] = *b
	return nil
}

func (d *memoryData) ListWaterBills(_ context.Context, f billing.WaterBillFilter) ([]billing.WaterBill, error) {
	var out []billing.WaterBill
	for _, b := range d.bills {
		if f.ConnectionID != 0 && b.ConnectionID != f.ConnectionID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, b.Status) {
			continue
		}
		if !f.DueBefore.IsZero() && !b.DueDate.Before(f.DueBefore) {
			continue
		}
		out = append(out, b)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (d *memoryData) InsertPayment(_ context.Context, p *billing.Payment) error {
	for _, x := range d.payments {
		if x.PaymentNumber == p.PaymentNumber || x.ReceiptNumber == p.ReceiptNumber {
			return billing.ErrDuplicateNumber
		}
	}
	d.payments = append(d.payments, *p)
	return nil
}

func (d *memoryData) ListPayments(_ context.Context, target billing.ChargeRef) ([]billing.Payment, error) {
	var out []billing.Payment
	for _, p := range d.payments {
		if p.Target == target {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *memoryData) GetNotice(_ context.Context, id string) (*billing.Notice, error) {
	i, ok := d.noticeIdx[id]
	if !ok {
		return nil, billing.ErrNoticeNotFound
	}
	n := d.notices[i]
	return &n, nil
}

func (d *memoryData) LockNotice(ctx context.Context, id string) (*billing.Notice, error) {
	return d.GetNotice(ctx, id)
}

func (d *memoryData) InsertNotice(_ context.Context, n *billing.Notice) error {
	for _, x := range d.notices {
		if x.Number == n.Number {
			return billing.ErrDuplicateNumber
		}
	}
	d.noticeIdx[n.ID] = len(d.notices)
	d.notices = append(d.notices, *n)
	return nil
}

func (d *memoryData) UpdateNotice(_ context.Context, n *billing.Notice) error {
	i, ok := d.noticeIdx[n.ID]
	if !ok {
		return billing.ErrNoticeNotFound
	}
	d.notices[i] = *n
	return nil
}

func (d *memoryData) ListNotices(_ context.Context, demandID string) ([]billing.Notice, error) {
	var out []billing.Notice
	for _, n := range d.notices {
		if n.DemandID == demandID {
			out = append(out, n)
		}
	}
	return out, nil
}

// txData is the Store handed to a transaction.
type txData struct {
	*memoryData
	parent *Memory
}

func (t txData) ReserveSequence(ctx context.Context, prefix string) (int64, error) {
	return t.parent.ReserveSequence(ctx, prefix)
}

// ReserveSequence counts outside the snapshot, so rollback keeps the value.
func (m *Memory) ReserveSequence(_ context.Context, prefix string) (int64, error) {
	m.reserveMu.Lock()
	defer m.reserveMu.Unlock()
	m.reserved[prefix]++
	return m.reserved[prefix], nil
}

func (d *memoryData) NextSequence(_ context.Context, prefix, scope string) (int64, error) {
	k := seqKey{prefix, scope}
	d.sequences[k]++
	return d.sequences[k], nil
}

func containsSubject(ids []billing.SubjectID, id billing.SubjectID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func containsStatus(ss []billing.Status, s billing.Status) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

var (
	_ billing.TxStore = (*Memory)(nil)
	_ billing.Store   = txData{}
)
