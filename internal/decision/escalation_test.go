package decision

import (
	"context"
	"testing"
	"time"

	"agrosentinel/internal/types"
)

type sweeperFixture struct {
	sweeper   *Sweeper
	store     *mockActionStore
	publisher *mockPublisher
	audit     *mockAudit
	clock     *fakeClock
}

func newSweeperFixture(timeout time.Duration) *sweeperFixture {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newMockActionStore()
	publisher := &mockPublisher{}
	audit := &mockAudit{}
	sweeper := NewSweeper(SweeperConfig{
		Store:     store,
		Publisher: publisher,
		Audit:     audit,
		Timeout:   timeout,
		Clock:     clock,
	})
	return &sweeperFixture{sweeper: sweeper, store: store, publisher: publisher, audit: audit, clock: clock}
}

func pendingAction(id string, issuedAt time.Time) *types.Action {
	return &types.Action{
		ID:        id,
		SubjectID: "field-7",
		Kind:      types.ActionAlert,
		Priority:  types.PriorityMedium,
		Status:    types.ActionPending,
		IssuedAt:  issuedAt,
	}
}

func TestSweepEscalatesAndRedeliversOnce(t *testing.T) {
	f := newSweeperFixture(5 * time.Minute)
	issued := f.clock.Now()
	if err := f.store.Insert(context.Background(), pendingAction("a1", issued)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Not yet past the timeout: untouched.
	f.clock.advance(time.Minute)
	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	if f.publisher.count() != 0 {
		t.Fatal("action inside the timeout must not be redelivered")
	}

	f.clock.advance(10 * time.Minute)
	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	a := f.store.get("a1")
	if a.Priority != types.PriorityHigh {
		t.Errorf("priority = %s, want one tier up from medium", a.Priority)
	}
	if a.EscalatedAt == nil {
		t.Error("EscalatedAt not stamped")
	}
	if a.Status != types.ActionPending {
		t.Errorf("status = %s, escalation keeps the action pending", a.Status)
	}
	if f.publisher.count() != 1 {
		t.Errorf("published = %d, want one redelivery", f.publisher.count())
	}
	if got := f.audit.byType(types.AuditActionEscalated); len(got) != 1 {
		t.Errorf("audit escalated events = %d, want 1", len(got))
	}
}

func TestSweepFailsActionStillPendingAfterEscalation(t *testing.T) {
	f := newSweeperFixture(5 * time.Minute)
	if err := f.store.Insert(context.Background(), pendingAction("a1", f.clock.Now())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	f.clock.advance(10 * time.Minute)
	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}

	f.clock.advance(10 * time.Minute)
	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	a := f.store.get("a1")
	if a.Status != types.ActionFailed {
		t.Errorf("status = %s, want failed after the redelivery went unexecuted", a.Status)
	}
	if a.FailureReason == "" {
		t.Error("failure reason not recorded")
	}
	if a.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}
	// No second redelivery: escalation is one tier up, once.
	if f.publisher.count() != 1 {
		t.Errorf("published = %d, want exactly 1", f.publisher.count())
	}
}

func TestSweepCriticalStaysCritical(t *testing.T) {
	f := newSweeperFixture(5 * time.Minute)
	a := pendingAction("a1", f.clock.Now())
	a.Priority = types.PriorityCritical
	if err := f.store.Insert(context.Background(), a); err != nil {
		t.Fatalf("insert: %v", err)
	}

	f.clock.advance(10 * time.Minute)
	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := f.store.get("a1").Priority; got != types.PriorityCritical {
		t.Errorf("priority = %s, critical has no higher tier", got)
	}
}
