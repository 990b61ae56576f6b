/*
notice.go - Notice escalation state machine

PURPOSE:
  Enforcement notices on a demand escalate strictly in severity. The chain is
  stored flat per demand; each notice points back at its predecessor through
  PreviousNoticeID.

SEVERITY:
  reminder(1) < demand(2) < penalty(3) < final_warrant(4)

STATUS TRANSITIONS:
  generated --send--> sent --view--> viewed
      |                 |               |
      +-----------------+---------------+--> escalated  (a newer notice was issued)
      +-----------------+---------------+--> resolved   (demand paid or cancelled)

ISSUE RULES (checked in this order):
  1. demand balance zero, paid or cancelled      -> AlreadyResolved
  2. no prior notice:
       severity <= 2                             -> ok
       severity > 2 and not past due             -> TooEarly
       severity > 2                              -> InvalidFirstNotice
  3. prior notices (max = highest issued):
       severity == max                           -> DuplicateNotice
       severity <  max                           -> NoDowngrade
       not past due                              -> TooEarly
       severity >  max + 1                       -> SkippedLevel

  At most one notice per demand is open (generated|sent|viewed) at a time.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// NOTICE TYPES
// =============================================================================

type NoticeType string

const (
	NoticeReminder     NoticeType = "reminder"
	NoticeDemand       NoticeType = "demand"
	NoticePenalty      NoticeType = "penalty"
	NoticeFinalWarrant NoticeType = "final_warrant"
)

// Severity returns 1-4, or 0 for an unknown type.
func (t NoticeType) Severity() int {
	switch t {
	case NoticeReminder:
		return 1
	case NoticeDemand:
		return 2
	case NoticePenalty:
		return 3
	case NoticeFinalWarrant:
		return 4
	}
	return 0
}

func ParseNoticeType(s string) (NoticeType, error) {
	t := NoticeType(s)
	if t.Severity() == 0 {
		return "", newError(ErrInvalidNoticeType, "unknown notice type %q", s)
	}
	return t, nil
}

type NoticeStatus string

const (
	NoticeGenerated NoticeStatus = "generated"
	NoticeSent      NoticeStatus = "sent"
	NoticeViewed    NoticeStatus = "viewed"
	NoticeEscalated NoticeStatus = "escalated"
	NoticeResolved  NoticeStatus = "resolved"
)

// Open reports whether the notice is in a non-terminal state.
func (s NoticeStatus) Open() bool {
	return s == NoticeGenerated || s == NoticeSent || s == NoticeViewed
}

type DeliveryMode string

const (
	DeliveryHand  DeliveryMode = "hand_delivery"
	DeliveryPost  DeliveryMode = "post"
	DeliveryEmail DeliveryMode = "email"
	DeliverySMS   DeliveryMode = "sms"
)

func ParseDeliveryMode(s string) (DeliveryMode, error) {
	m := DeliveryMode(s)
	switch m {
	case DeliveryHand, DeliveryPost, DeliveryEmail, DeliverySMS:
		return m, nil
	}
	return "", newError(ErrInvalidDelivery, "unknown delivery mode %q", s)
}

type Notice struct {
	ID               string
	Number           string
	DemandID         string
	NoticeType       NoticeType
	Status           NoticeStatus
	PreviousNoticeID string
	DeliveryMode     DeliveryMode
	GeneratedBy      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	SentAt           *time.Time
	ViewedAt         *time.Time
	ResolvedAt       *time.Time
}

// =============================================================================
// ESCALATION RULES - Pure, no I/O
// =============================================================================

// CheckEscalation decides whether requested may be issued on d given its
// existing chain. It returns the open notice that the new one supersedes,
// if any.
func CheckEscalation(d *Demand, chain []Notice, requested NoticeType, today time.Time) (*Notice, error) {
	sev := requested.Severity()
	if sev == 0 {
		return nil, newError(ErrInvalidNoticeType, "unknown notice type %q", requested)
	}
	if d.Status == StatusCancelled || d.IsSettled() {
		return nil, newError(ErrAlreadyResolved, "demand %s is %s with balance %s", d.Number, d.Status, d.BalanceAmount.StringFixed(2))
	}
	pastDue := daysBetween(d.DueDate, today) > 0

	if len(chain) == 0 {
		if sev <= NoticeDemand.Severity() {
			return nil, nil
		}
		if !pastDue {
			return nil, newError(ErrTooEarly, "%s notice before due date %s", requested, d.DueDate.Format("2006-01-02"))
		}
		return nil, newError(ErrInvalidFirstNotice, "cannot start with a %s notice", requested)
	}

	maxSev := 0
	var open *Notice
	for i := range chain {
		if s := chain[i].NoticeType.Severity(); s > maxSev {
			maxSev = s
		}
		if chain[i].Status.Open() {
			open = &chain[i]
		}
	}
	switch {
	case sev == maxSev:
		return nil, newError(ErrDuplicateNotice, "%s notice already issued", requested)
	case sev < maxSev:
		return nil, newError(ErrNoDowngrade, "%s is below the highest issued severity %d", requested, maxSev)
	case !pastDue:
		return nil, newError(ErrTooEarly, "%s notice before due date %s", requested, d.DueDate.Format("2006-01-02"))
	case sev > maxSev+1:
		return nil, newError(ErrSkippedLevel, "%s would skip from severity %d", requested, maxSev)
	}
	return open, nil
}

// resolveNotices moves every open notice on a demand to resolved. Escalated
// notices are history and stay as they are.
func resolveNotices(ctx context.Context, st Store, demandID string, at time.Time) error {
	chain, err := st.ListNotices(ctx, demandID)
	if err != nil {
		return err
	}
	for i := range chain {
		n := &chain[i]
		if !n.Status.Open() {
			continue
		}
		n.Status = NoticeResolved
		n.ResolvedAt = &at
		n.UpdatedAt = at
		if err := st.UpdateNotice(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// ENGINE OPERATIONS
// =============================================================================

type IssueNoticeRequest struct {
	DemandID   string
	NoticeType NoticeType
	Actor      Actor
}

// IssueNotice creates the first notice on a demand or escalates its chain.
func (e *Engine) IssueNotice(ctx context.Context, req IssueNoticeRequest) (*Notice, error) {
	if _, err := ParseNoticeType(string(req.NoticeType)); err != nil {
		return nil, err
	}

	var (
		issued   Notice
		demand   Demand
		replaced string
	)
	err := e.run(ctx, "issue_notice", func(st Store) error {
		// Demand lock serialises escalations and payments on the same demand
		d, err := st.LockDemand(ctx, req.DemandID)
		if err != nil {
			return err
		}
		chain, err := st.ListNotices(ctx, d.ID)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		prev, err := CheckEscalation(d, chain, req.NoticeType, now)
		if err != nil {
			return err
		}

		n := Notice{
			ID:          e.newID(),
			DemandID:    d.ID,
			NoticeType:  req.NoticeType,
			Status:      NoticeGenerated,
			GeneratedBy: req.Actor.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if prev != nil {
			prev.Status = NoticeEscalated
			prev.UpdatedAt = now
			if err := st.UpdateNotice(ctx, prev); err != nil {
				return err
			}
			n.PreviousNoticeID = prev.ID
			replaced = prev.ID
		} else if len(chain) > 0 {
			n.PreviousNoticeID = chain[len(chain)-1].ID
		}
		if n.Number, err = nextNumber(ctx, st, "NTC", now.Format("2006")); err != nil {
			return err
		}
		if err := st.InsertNotice(ctx, &n); err != nil {
			return err
		}
		issued, demand = n, *d
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("notice issued",
		zap.String("notice_id", issued.ID),
		zap.String("number", issued.Number),
		zap.String("demand_id", issued.DemandID),
		zap.String("type", string(issued.NoticeType)),
		zap.String("escalated", replaced))
	e.record(ctx, AuditEvent{
		Actor:       req.Actor.ID,
		Action:      ActionEscalate,
		EntityType:  "notice",
		EntityID:    issued.ID,
		After:       issued,
		Description: fmt.Sprintf("%s notice %s on demand %s", issued.NoticeType, issued.Number, demand.Number),
	})
	if err := e.renderer.Render(ctx, issued, demand); err != nil {
		e.log.Warn("notice render failed", zap.String("notice_id", issued.ID), zap.Error(err))
	}
	return &issued, nil
}

// SendNotice records delivery: generated -> sent.
func (e *Engine) SendNotice(ctx context.Context, id string, mode DeliveryMode, actor Actor) (*Notice, error) {
	if _, err := ParseDeliveryMode(string(mode)); err != nil {
		return nil, err
	}
	var before, after Notice
	err := e.run(ctx, "send_notice", func(st Store) error {
		n, err := st.LockNotice(ctx, id)
		if err != nil {
			return err
		}
		before = *n
		if n.Status != NoticeGenerated {
			return newError(ErrInvalidTransition, "notice %s is %s, only generated notices can be sent", n.Number, n.Status)
		}
		now := e.clock.Now()
		n.Status = NoticeSent
		n.DeliveryMode = mode
		n.SentAt = &now
		n.UpdatedAt = now
		if err := st.UpdateNotice(ctx, n); err != nil {
			return err
		}
		after = *n
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.record(ctx, AuditEvent{Actor: actor.ID, Action: ActionSend, EntityType: "notice", EntityID: id, Before: before, After: after, Description: "sent by " + string(mode)})
	return &after, nil
}

// ViewNotice records a citizen read: generated|sent -> viewed. Viewing an
// already viewed notice is a no-op.
func (e *Engine) ViewNotice(ctx context.Context, id string, actor Actor) (*Notice, error) {
	var (
		after   Notice
		changed bool
	)
	err := e.run(ctx, "view_notice", func(st Store) error {
		n, err := st.LockNotice(ctx, id)
		if err != nil {
			return err
		}
		switch n.Status {
		case NoticeViewed:
			after = *n
			return nil
		case NoticeGenerated, NoticeSent:
		default:
			return newError(ErrInvalidTransition, "notice %s is %s", n.Number, n.Status)
		}
		now := e.clock.Now()
		n.Status = NoticeViewed
		n.ViewedAt = &now
		n.UpdatedAt = now
		if err := st.UpdateNotice(ctx, n); err != nil {
			return err
		}
		after, changed = *n, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		e.record(ctx, AuditEvent{Actor: actor.ID, Action: ActionView, EntityType: "notice", EntityID: id, After: after})
	}
	return &after, nil
}

// NoticeChain returns a demand's notices in issue order.
func (e *Engine) NoticeChain(ctx context.Context, demandID string) ([]Notice, error) {
	if _, err := e.store.GetDemand(ctx, demandID); err != nil {
		return nil, err
	}
	return e.store.ListNotices(ctx, demandID)
}
