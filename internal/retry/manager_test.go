package retry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/repo"
	"github.com/conductor-labs/conductor-go/internal/repo/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func failedExecution(attempt int) domain.SequenceExecution {
	return domain.SequenceExecution{
		ID:                "exec-1",
		TenantID:          "t1",
		SequenceKey:       "post-meeting",
		DefinitionVersion: 1,
		IdempotencyKey:    "evt-1",
		InitiatedBy:       "trigger:webhook",
		Status:            domain.ExecutionStatusFailed,
		EventType:         "meeting.ended",
		TriggerPayload:    domain.Metadata{"meeting_id": "m-1"},
		Attempt:           attempt,
	}
}

type fakeRetrier struct {
	calls []string
}

func (f *fakeRetrier) Retry(_ context.Context, executionID string) (domain.SequenceExecution, error) {
	f.calls = append(f.calls, executionID)
	return domain.SequenceExecution{ID: executionID}, nil
}

type fakeEmitter struct {
	events []domain.TriggerEvent
	err    error
}

func (f *fakeEmitter) Emit(_ context.Context, event domain.TriggerEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

type fakeScheduler struct {
	delays []time.Duration
	fns    []func()
}

func (f *fakeScheduler) schedule(delay time.Duration, fn func()) {
	f.delays = append(f.delays, delay)
	f.fns = append(f.fns, fn)
}

type fakeArchiver struct {
	archived []domain.DeadLetterEntry
}

func (f *fakeArchiver) ArchivePayload(_ context.Context, entry domain.DeadLetterEntry) error {
	f.archived = append(f.archived, entry)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *memory.Store, *fakeRetrier, *fakeEmitter, *fakeScheduler) {
	t.Helper()
	store := memory.NewStore()
	mgr := New(store, DefaultPolicy(), testLogger())
	if mgr == nil {
		t.Fatal("manager must not be nil")
	}
	retrier := &fakeRetrier{}
	emitter := &fakeEmitter{}
	scheduler := &fakeScheduler{}
	mgr.SetRetrier(retrier)
	mgr.SetEmitter(emitter)
	mgr.SetScheduler(scheduler.schedule)
	return mgr, store, retrier, emitter, scheduler
}

func openEntries(t *testing.T, store *memory.Store) []domain.DeadLetterEntry {
	t.Helper()
	entries, err := store.ListEntries(context.Background(), repo.DeadLetterFilter{})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	return entries
}

func TestBackoffForGrowsExponentiallyAndCaps(t *testing.T) {
	policy := Policy{
		MaxRetries:        3,
		InitialBackoff:    10 * time.Second,
		MaxBackoff:        35 * time.Second,
		BackoffMultiplier: 2,
	}.Normalize()

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 35 * time.Second},
		{10, 35 * time.Second},
	}
	for _, tc := range cases {
		if got := policy.BackoffFor(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestOnFailureSchedulesRetryWithBackoff(t *testing.T) {
	mgr, store, retrier, _, scheduler := newTestManager(t)

	mgr.OnFailure(context.Background(), failedExecution(1), "update_crm",
		domain.NewTransientError(errors.New("crm 503")))

	if len(scheduler.delays) != 1 {
		t.Fatalf("expected one scheduled retry, got %d", len(scheduler.delays))
	}
	if scheduler.delays[0] != DefaultInitialBackoff {
		t.Fatalf("expected initial backoff %s, got %s", DefaultInitialBackoff, scheduler.delays[0])
	}
	if len(openEntries(t, store)) != 0 {
		t.Fatal("no dead letter before the budget is spent")
	}

	scheduler.fns[0]()
	if len(retrier.calls) != 1 || retrier.calls[0] != "exec-1" {
		t.Fatalf("expected engine retry for exec-1, got %v", retrier.calls)
	}
}

func TestOnFailureQuarantinesAfterExhaustedBudget(t *testing.T) {
	mgr, store, _, emitter, scheduler := newTestManager(t)
	archiver := &fakeArchiver{}
	mgr.SetArchiver(archiver)

	mgr.OnFailure(context.Background(), failedExecution(3), "update_crm",
		domain.NewTransientError(errors.New("crm 503")))

	if len(scheduler.delays) != 0 {
		t.Fatal("no further retry may be scheduled at max attempts")
	}
	entries := openEntries(t, store)
	if len(entries) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Status != domain.DeadLetterStatusPending {
		t.Fatalf("expected pending, got %s", entry.Status)
	}
	if entry.RetryCount != 3 || entry.MaxRetries != 3 {
		t.Fatalf("expected retry_count 3 of 3, got %d of %d", entry.RetryCount, entry.MaxRetries)
	}
	if entry.IdempotencyKey != "evt-1" || entry.FailedStep != "update_crm" {
		t.Fatalf("entry must carry replay identity, got %+v", entry)
	}
	if len(archiver.archived) != 1 {
		t.Fatal("payload must be archived on quarantine")
	}

	// A fourth automatic retry never fires; the entry waits for an operator.
	if err := mgr.SweepOnce(context.Background(), 10); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(emitter.events) != 0 {
		t.Fatal("exhausted entry must never auto-replay")
	}
	swept, err := store.GetEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if swept.Status != domain.DeadLetterStatusPending {
		t.Fatalf("expected pending, got %s", swept.Status)
	}
}

func TestOnFailureNonRetryableBusinessQuarantinesImmediately(t *testing.T) {
	mgr, store, _, _, scheduler := newTestManager(t)

	mgr.OnFailure(context.Background(), failedExecution(1), "send_email",
		domain.NewBusinessError(errors.New("recipient opted out"), false))

	if len(scheduler.delays) != 0 {
		t.Fatal("non-retryable failures must not schedule retries")
	}
	entries := openEntries(t, store)
	if len(entries) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(entries))
	}
	entry := entries[0]
	if !entry.Exhausted() {
		t.Fatalf("entry must enter with its budget spent, got %d of %d", entry.RetryCount, entry.MaxRetries)
	}
	if entry.NextRetryAt != nil {
		t.Fatalf("entry must carry no retry schedule, got %v", entry.NextRetryAt)
	}
}

func TestSweepNeverReplaysNonRetryableBusinessFailure(t *testing.T) {
	mgr, store, _, emitter, _ := newTestManager(t)

	mgr.OnFailure(context.Background(), failedExecution(1), "send_email",
		domain.NewBusinessError(errors.New("recipient opted out"), false))
	entry := openEntries(t, store)[0]

	for i := 0; i < 3; i++ {
		if err := mgr.SweepOnce(context.Background(), 10); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}
	if len(emitter.events) != 0 {
		t.Fatalf("non-retryable failure must never auto-replay, got %d events", len(emitter.events))
	}
	got, err := store.GetEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if got.Status != domain.DeadLetterStatusPending {
		t.Fatalf("entry must stay visible for retry or abandon, got %s", got.Status)
	}
}

func TestOnFailureConfigurationErrorsAreSurfacedOnly(t *testing.T) {
	mgr, store, _, _, scheduler := newTestManager(t)

	mgr.OnFailure(context.Background(), failedExecution(1), "ghost",
		domain.NewConfigurationError(errors.New("skill not registered")))

	if len(scheduler.delays) != 0 {
		t.Fatal("configuration failures must not be retried")
	}
	if len(openEntries(t, store)) != 0 {
		t.Fatal("configuration failures must not be dead-lettered")
	}
}

// quarantinedEntry builds a valid open entry so tests can place the queue in
// states the manager itself no longer produces, such as rows with automatic
// budget left.
func quarantinedEntry(retryCount int, nextRetryAt *time.Time) domain.DeadLetterEntry {
	return domain.DeadLetterEntry{
		ID:             "dl-1",
		ExecutionID:    "exec-1",
		TenantID:       "t1",
		InitiatedBy:    "trigger:webhook",
		EventType:      "meeting.ended",
		Payload:        domain.Metadata{"meeting_id": "m-1"},
		IdempotencyKey: "evt-1",
		Reason:         "crm 503",
		FailedStep:     "update_crm",
		RetryCount:     retryCount,
		MaxRetries:     DefaultMaxRetries,
		Status:         domain.DeadLetterStatusPending,
		NextRetryAt:    nextRetryAt,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestRetryEntryReplaysAndCounts(t *testing.T) {
	mgr, store, _, emitter, _ := newTestManager(t)

	entry := quarantinedEntry(1, nil)
	if err := store.CreateEntry(context.Background(), entry); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	updated, err := mgr.RetryEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("retry entry: %v", err)
	}
	if updated.Status != domain.DeadLetterStatusRetrying {
		t.Fatalf("expected retrying, got %s", updated.Status)
	}
	if updated.RetryCount != 2 {
		t.Fatalf("expected retry_count 2, got %d", updated.RetryCount)
	}
	if len(emitter.events) != 1 {
		t.Fatalf("expected one replay event, got %d", len(emitter.events))
	}
	event := emitter.events[0]
	if event.EventType != "meeting.ended" || event.IdempotencyKey != "evt-1" {
		t.Fatalf("replay must reuse trigger identity, got %+v", event)
	}
}

func TestRetryEntryExhaustedResolvesAfterManualReplay(t *testing.T) {
	mgr, store, _, emitter, _ := newTestManager(t)

	mgr.OnFailure(context.Background(), failedExecution(3), "update_crm",
		domain.NewTransientError(errors.New("crm 503")))
	entry := openEntries(t, store)[0]

	updated, err := mgr.RetryEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("retry entry: %v", err)
	}
	if updated.Status != domain.DeadLetterStatusResolved {
		t.Fatalf("expected resolved, got %s", updated.Status)
	}
	if updated.ResolvedAt == nil {
		t.Fatal("resolved_at must be set")
	}
	if len(emitter.events) != 1 {
		t.Fatal("manual replay must still emit the trigger")
	}

	if _, err := mgr.RetryEntry(context.Background(), entry.ID); !errors.Is(err, ErrEntryClosed) {
		t.Fatalf("expected ErrEntryClosed, got %v", err)
	}
}

func TestAbandonEntry(t *testing.T) {
	mgr, store, _, emitter, _ := newTestManager(t)

	mgr.OnFailure(context.Background(), failedExecution(1), "send_email",
		domain.NewBusinessError(errors.New("recipient opted out"), false))
	entry := openEntries(t, store)[0]

	updated, err := mgr.AbandonEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("abandon entry: %v", err)
	}
	if updated.Status != domain.DeadLetterStatusAbandoned {
		t.Fatalf("expected abandoned, got %s", updated.Status)
	}
	if len(emitter.events) != 0 {
		t.Fatal("abandon must not replay")
	}
	if _, err := mgr.AbandonEntry(context.Background(), entry.ID); !errors.Is(err, ErrEntryClosed) {
		t.Fatalf("expected ErrEntryClosed, got %v", err)
	}
}

func TestSweepOnceAutoRetriesScheduledEntries(t *testing.T) {
	mgr, store, _, emitter, _ := newTestManager(t)

	due := time.Now().UTC().Add(-time.Minute)
	entry := quarantinedEntry(1, &due)
	if err := store.CreateEntry(context.Background(), entry); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	if err := mgr.SweepOnce(context.Background(), 10); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(emitter.events) != 1 {
		t.Fatalf("expected one auto replay, got %d", len(emitter.events))
	}
	swept, err := store.GetEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if swept.Status != domain.DeadLetterStatusRetrying {
		t.Fatalf("expected retrying, got %s", swept.Status)
	}
	if swept.RetryCount != 2 {
		t.Fatalf("expected retry_count 2, got %d", swept.RetryCount)
	}
	if swept.NextRetryAt == nil || !swept.NextRetryAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatalf("expected next retry window recorded, got %v", swept.NextRetryAt)
	}
}

func TestSweepAbandonsScheduledEntryAtBudget(t *testing.T) {
	mgr, store, _, emitter, _ := newTestManager(t)

	due := time.Now().UTC().Add(-time.Minute)
	entry := quarantinedEntry(DefaultMaxRetries, &due)
	entry.Status = domain.DeadLetterStatusRetrying
	if err := store.CreateEntry(context.Background(), entry); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	if err := mgr.SweepOnce(context.Background(), 10); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(emitter.events) != 0 {
		t.Fatal("entry at budget must be abandoned, not replayed")
	}
	swept, err := store.GetEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if swept.Status != domain.DeadLetterStatusAbandoned {
		t.Fatalf("expected abandoned, got %s", swept.Status)
	}
	if swept.ResolvedAt == nil {
		t.Fatal("resolved_at must be set on automatic abandonment")
	}
}
