package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"agrosentinel/internal/types"
)

// mockActionStore is an in-memory ActionStore.
type mockActionStore struct {
	mu        sync.Mutex
	actions   map[string]*types.Action
	insertErr error
}

func newMockActionStore() *mockActionStore {
	return &mockActionStore{actions: make(map[string]*types.Action)}
}

func (m *mockActionStore) Insert(_ context.Context, a *types.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	cp := *a
	m.actions[a.ID] = &cp
	return nil
}

func (m *mockActionStore) Get(_ context.Context, id string) (*types.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundAction, "action not found", nil)
	}
	cp := *a
	return &cp, nil
}

func (m *mockActionStore) UpdateStatus(_ context.Context, id string, from, to types.ActionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok || a.Status != from {
		return types.NewAppError(types.ErrCodeActionInvalidState,
			fmt.Sprintf("action %s is not %s", id, from), nil)
	}
	a.Status = to
	return nil
}

func (m *mockActionStore) MarkEscalated(_ context.Context, id string, priority types.Priority, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok || a.Status != types.ActionPending || a.EscalatedAt != nil {
		return types.NewAppError(types.ErrCodeActionInvalidState, "not escalatable", nil)
	}
	a.Priority = priority
	t := at
	a.EscalatedAt = &t
	return nil
}

func (m *mockActionStore) MarkFailed(_ context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok || (a.Status != types.ActionPending && a.Status != types.ActionExecuting) {
		return types.NewAppError(types.ErrCodeActionInvalidState, "not failable", nil)
	}
	a.Status = types.ActionFailed
	a.FailureReason = reason
	t := at
	a.CompletedAt = &t
	return nil
}

func (m *mockActionStore) ListPendingBefore(_ context.Context, cutoff time.Time) ([]types.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Action
	for _, a := range m.actions {
		if a.Status == types.ActionPending && !a.IssuedAt.After(cutoff) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockActionStore) get(id string) *types.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actions[id]
}

// mockPublisher records published actions.
type mockPublisher struct {
	mu        sync.Mutex
	published []*types.Action
	err       error
}

func (m *mockPublisher) Publish(_ context.Context, a *types.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, a)
	return nil
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

// mockAudit records audit events.
type mockAudit struct {
	mu     sync.Mutex
	events []*types.AuditEvent
}

func (m *mockAudit) Record(_ context.Context, e *types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *mockAudit) byType(eventType string) []*types.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.AuditEvent
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func testProfile() *types.ThresholdProfile {
	return &types.ThresholdProfile{
		ID:      "profile_v1",
		Version: 1,
		Thresholds: map[string]float64{
			types.ThresholdClassDefault: 0.8,
			types.SignalAuthFailure:     0.5,
		},
		SignalWeights: map[string]float64{},
	}
}

type engineFixture struct {
	engine    *Engine
	store     *mockActionStore
	publisher *mockPublisher
	audit     *mockAudit
	clock     *fakeClock
}

func newEngineFixture(limit int) *engineFixture {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newMockActionStore()
	publisher := &mockPublisher{}
	audit := &mockAudit{}
	engine := NewEngine(EngineConfig{
		Profiles:  NewProfileHolder(testProfile()),
		Limiter:   NewRateLimiter(limit, 10*time.Minute, clock),
		Store:     store,
		Audit:     audit,
		Publisher: publisher,
		Clock:     clock,
	})
	return &engineFixture{engine: engine, store: store, publisher: publisher, audit: audit, clock: clock}
}

func score(id string, value float64, at time.Time, signals ...string) *types.AnomalyScore {
	contributions := make(map[string]float64, len(signals))
	for _, s := range signals {
		contributions[s] = value
	}
	return &types.AnomalyScore{
		ID:                  id,
		SubjectID:           "field-7",
		Score:               value,
		ContributingSignals: contributions,
		ComputedAt:          at,
	}
}

func TestEvaluateBelowThresholdIssuesNothing(t *testing.T) {
	f := newEngineFixture(3)
	actions, err := f.engine.Evaluate(context.Background(),
		score("s1", 0.5, f.clock.Now(), types.SignalValueDeviation))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("issued %d actions below threshold, want 0", len(actions))
	}
}

func TestEvaluateIssuesActionAboveThreshold(t *testing.T) {
	f := newEngineFixture(3)
	actions, err := f.engine.Evaluate(context.Background(),
		score("s1", 0.9, f.clock.Now(), types.SignalValueDeviation))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("issued %d actions, want 1", len(actions))
	}

	a := actions[0]
	if a.Kind != types.ActionAlert {
		t.Errorf("kind = %s, want alert", a.Kind)
	}
	if a.Status != types.ActionPending {
		t.Errorf("status = %s, want pending", a.Status)
	}
	// 0.9 against 0.8 with headroom 0.2: excess 0.5 -> high.
	if a.Priority != types.PriorityHigh {
		t.Errorf("priority = %s, want high", a.Priority)
	}
	if a.TriggerScoreRef != "s1" {
		t.Errorf("trigger ref = %s, want s1", a.TriggerScoreRef)
	}
	if f.store.get(a.ID) == nil {
		t.Error("issued action was not persisted")
	}
	if f.publisher.count() != 1 {
		t.Errorf("published %d actions, want 1", f.publisher.count())
	}
	if got := f.audit.byType(types.AuditActionIssued); len(got) != 1 {
		t.Errorf("audit issued events = %d, want 1", len(got))
	}
}

func TestEvaluateRateLimitSuppressesExcess(t *testing.T) {
	f := newEngineFixture(2)
	at := f.clock.Now()

	var executed, suppressed int
	for i := 0; i < 5; i++ {
		actions, err := f.engine.Evaluate(context.Background(),
			score(fmt.Sprintf("s%d", i), 0.9, at.Add(time.Duration(i+1)*time.Minute), types.SignalValueDeviation))
		if err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
		for _, a := range actions {
			switch a.Status {
			case types.ActionPending:
				executed++
			case types.ActionSuppressed:
				suppressed++
			}
		}
	}

	if executed != 2 {
		t.Errorf("executed = %d, want rate limit of 2", executed)
	}
	if suppressed != 3 {
		t.Errorf("suppressed = %d, want 3", suppressed)
	}
	// Suppressed actions stay visible: persisted and audited, never published.
	if f.publisher.count() != 2 {
		t.Errorf("published = %d, want 2", f.publisher.count())
	}
	if got := f.audit.byType(types.AuditActionSuppressed); len(got) != 3 {
		t.Errorf("audit suppressed events = %d, want 3", len(got))
	}
}

func TestEvaluateRejectsOutOfOrderScores(t *testing.T) {
	f := newEngineFixture(3)
	at := f.clock.Now()

	if _, err := f.engine.Evaluate(context.Background(),
		score("s1", 0.3, at, types.SignalValueDeviation)); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}

	_, err := f.engine.Evaluate(context.Background(),
		score("s2", 0.9, at.Add(-time.Minute), types.SignalValueDeviation))
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeStaleSignal {
		t.Errorf("expected stale_signal for out-of-order score, got %v", err)
	}
}

func TestEvaluateMapsSignalClassesToKinds(t *testing.T) {
	f := newEngineFixture(10)
	actions, err := f.engine.Evaluate(context.Background(),
		score("s1", 0.9, f.clock.Now(),
			types.SignalValueDeviation, types.SignalAuthFailure, types.SignalFetchDegraded))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	kinds := make(map[types.ActionKind]types.Priority)
	for _, a := range actions {
		kinds[a.Kind] = a.Priority
	}
	if len(kinds) != 3 {
		t.Fatalf("issued kinds = %v, want alert, block_source and throttle", kinds)
	}
	// auth_failure has the lower class threshold 0.5: 0.9 is deep past it,
	// so the block outranks the alert.
	if kinds[types.ActionBlock].Rank() <= kinds[types.ActionAlert].Rank() {
		t.Errorf("block priority %s should outrank alert priority %s",
			kinds[types.ActionBlock], kinds[types.ActionAlert])
	}
}

func TestEvaluateProcessesHighestPriorityFirst(t *testing.T) {
	f := newEngineFixture(10)
	actions, err := f.engine.Evaluate(context.Background(),
		score("s1", 0.9, f.clock.Now(),
			types.SignalValueDeviation, types.SignalAuthFailure))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("issued %d actions, want 2", len(actions))
	}
	if actions[0].Priority.Rank() < actions[1].Priority.Rank() {
		t.Errorf("actions out of priority order: %s before %s",
			actions[0].Priority, actions[1].Priority)
	}
}

func TestOverrideSuppress(t *testing.T) {
	f := newEngineFixture(3)
	issued, err := f.engine.Evaluate(context.Background(),
		score("s1", 0.9, f.clock.Now(), types.SignalValueDeviation))
	if err != nil || len(issued) != 1 {
		t.Fatalf("setup: %v, %d actions", err, len(issued))
	}

	a, err := f.engine.Override(context.Background(), issued[0].ID, OverrideSuppress, "ops@local")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if a.Status != types.ActionSuppressed {
		t.Errorf("status = %s, want suppressed", a.Status)
	}
	if f.store.get(a.ID).Status != types.ActionSuppressed {
		t.Error("suppression not persisted")
	}
	if got := f.audit.byType(types.AuditActionOverridden); len(got) != 1 {
		t.Errorf("audit overridden events = %d, want 1", len(got))
	}

	// A second override hits a terminal action.
	_, err = f.engine.Override(context.Background(), a.ID, OverrideSuppress, "ops@local")
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeActionInvalidState {
		t.Errorf("expected action_invalid_state_transition, got %v", err)
	}
}

func TestOverrideForceRepublishes(t *testing.T) {
	f := newEngineFixture(3)
	issued, err := f.engine.Evaluate(context.Background(),
		score("s1", 0.9, f.clock.Now(), types.SignalValueDeviation))
	if err != nil || len(issued) != 1 {
		t.Fatalf("setup: %v, %d actions", err, len(issued))
	}

	before := f.publisher.count()
	if _, err := f.engine.Override(context.Background(), issued[0].ID, OverrideForce, "ops@local"); err != nil {
		t.Fatalf("force: %v", err)
	}
	if f.publisher.count() != before+1 {
		t.Error("force should redeliver the action to the executor")
	}
}

func TestOverrideUnknownMode(t *testing.T) {
	f := newEngineFixture(3)
	issued, err := f.engine.Evaluate(context.Background(),
		score("s1", 0.9, f.clock.Now(), types.SignalValueDeviation))
	if err != nil || len(issued) != 1 {
		t.Fatalf("setup: %v", err)
	}
	if _, err := f.engine.Override(context.Background(), issued[0].ID, "amplify", "ops@local"); err == nil {
		t.Error("unknown override mode should fail")
	}
}
