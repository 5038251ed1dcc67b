package consult

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/symptomlog/api/internal/domain/conversation"
	"github.com/symptomlog/api/internal/domain/patient"
	"github.com/symptomlog/api/internal/platform/websocket"
)

func TestHandleTurn_NoSentinel(t *testing.T) {
	f := newFixture()
	f.gen.replies = []string{"How long have you had the headache?"}
	m := f.manager(t)

	answer, ended, err := m.HandleTurn(context.Background(), "I have a headache")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ended {
		t.Error("expected ended=false")
	}
	if answer != "How long have you had the headache?" {
		t.Errorf("expected verbatim reply, got %q", answer)
	}
	if len(f.records.symptoms[f.id]) != 0 {
		t.Error("no entry should be stored before the dialogue ends")
	}
	if len(f.journal.docs) != 1 {
		t.Error("expected the turn to be journaled")
	}
}

func TestHandleTurn_SentinelInMiddleIsNotTermination(t *testing.T) {
	f := newFixture()
	reply := "I will say " + endToken + " when done. Anything else?"
	f.gen.replies = []string{reply}
	m := f.manager(t)

	answer, ended, err := m.HandleTurn(context.Background(), "hi")
	if err != nil || ended || answer != reply {
		t.Fatalf("expected unchanged reply, got %q ended=%v err=%v", answer, ended, err)
	}
}

func TestHandleTurn_SentinelEndsAndStores(t *testing.T) {
	f := newFixture()
	f.gen.replies = []string{
		"When did it start?",
		"Thank you, I have noted everything. " + endToken + "\n",
	}
	f.gen.generated = []string{"- Headache for 2 days", "Headache"}
	m := f.manager(t)
	ctx := context.Background()

	if _, ended, _ := m.HandleTurn(ctx, "I have a headache"); ended {
		t.Fatal("first turn should not end")
	}
	answer, ended, err := m.HandleTurn(ctx, "Two days ago, nothing else")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ended {
		t.Fatal("expected ended=true")
	}
	if answer != "Thank you, I have noted everything." {
		t.Errorf("expected sentinel stripped, got %q", answer)
	}

	stored := f.records.symptoms[f.id]
	if len(stored) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(stored))
	}
	if stored[0].Title != "Headache" || stored[0].Summary != "- Headache for 2 days" {
		t.Errorf("unexpected entry %+v", stored[0])
	}
	if !stored[0].Timestamp.Equal(fixedNow) || stored[0].Timestamp.Location() != time.UTC {
		t.Errorf("expected UTC stamp of now, got %v", stored[0].Timestamp)
	}
	if !strings.Contains(m.session.Context(), "Headache: - Headache for 2 days") {
		t.Errorf("expected context to include the new entry, got %q", m.session.Context())
	}

	if len(f.events.events) != 1 {
		t.Fatalf("expected one event, got %d", len(f.events.events))
	}
	ev := f.events.events[0]
	if ev.Type != EventSymptomSaved || ev.Topic != websocket.PatientTopic(f.id) || ev.PatientID != f.id.String() {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestHandleTurn_GenerationFailure(t *testing.T) {
	f := newFixture()
	f.gen.err = errors.New("upstream 503")
	m := f.manager(t)

	if _, _, err := m.HandleTurn(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	if len(m.Snapshot().Turns) != 0 {
		t.Error("failed turn must not be recorded")
	}
}

func TestFinalize_TwiceWritesOnce(t *testing.T) {
	f := newFixture()
	f.gen.replies = []string{"Anything else?"}
	f.gen.generated = []string{"- Sore throat", "Sore throat"}
	m := f.manager(t)
	ctx := context.Background()

	_, _, _ = m.HandleTurn(ctx, "sore throat")
	if err := m.Finalize(ctx); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if err := m.Finalize(ctx); err != nil {
		t.Fatalf("second finalize should be a no-op, got %v", err)
	}
	if n := len(f.records.symptoms[f.id]); n != 1 {
		t.Errorf("expected one store write, got %d", n)
	}
}

func TestFinalize_JournalFailureDoesNotDuplicateAfterRebuild(t *testing.T) {
	tests := []struct {
		name     string
		failFrom int
	}{
		{"checkpoint and later saves fail", 2},
		{"only the save after the store write fails", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.journal.failFrom = tt.failFrom
			f.gen.replies = []string{"How long?"}
			f.gen.generated = []string{"- Headache for 2 days", "Headache", "- duplicate", "Duplicate"}
			ctx := context.Background()

			m := f.manager(t)
			_, _, _ = m.HandleTurn(ctx, "I have a headache")
			if err := m.Finalize(ctx); err != nil {
				t.Fatalf("finalize: %v", err)
			}
			if n := len(f.records.symptoms[f.id]); n != 1 {
				t.Fatalf("expected 1 entry after finalize, got %d", n)
			}

			rebuilt := f.manager(t)
			if p := rebuilt.session.Pending(); p != 0 {
				t.Errorf("stored turns replayed as pending after rebuild: %d", p)
			}
			if err := rebuilt.Finalize(ctx); err != nil {
				t.Fatalf("finalize after rebuild: %v", err)
			}
			if n := len(f.records.symptoms[f.id]); n != 1 {
				t.Errorf("same turns stored %d times", n)
			}
		})
	}
}

func TestFinalize_CheckpointWithoutStoredEntryStaysPending(t *testing.T) {
	f := newFixture()
	f.gen.replies = []string{"ok"}
	f.gen.generated = []string{"- Rash", "Rash", "- Rash", "Rash"}
	ctx := context.Background()

	m := f.manager(t)
	_, _, _ = m.HandleTurn(ctx, "rash on my arm")
	f.records.addErr = errStoreDown
	if err := m.Finalize(ctx); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}

	f.records.addErr = nil
	rebuilt := f.manager(t)
	if p := rebuilt.session.Pending(); p != 2 {
		t.Fatalf("expected unstored turns pending after rebuild, got %d", p)
	}
	if err := rebuilt.Finalize(ctx); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if n := len(f.records.symptoms[f.id]); n != 1 {
		t.Errorf("expected exactly one entry, got %d", n)
	}
}

func TestFinalize_WithoutTurnsIsNoop(t *testing.T) {
	f := newFixture()
	m := f.manager(t)
	if err := m.Finalize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.gen.prompts) != 0 {
		t.Error("no generation call expected")
	}
}

func TestFinalize_StoreFailureRestoresContext(t *testing.T) {
	f := newFixture()
	f.gen.replies = []string{"ok"}
	f.gen.generated = []string{"- Rash", "Rash", "- Rash", "Rash"}
	m := f.manager(t)
	ctx := context.Background()
	_, _, _ = m.HandleTurn(ctx, "rash on my arm")

	f.records.addErr = errStoreDown
	before := m.session.Context()
	if err := m.Finalize(ctx); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}
	if m.session.Context() != before {
		t.Errorf("context should be restored, got %q", m.session.Context())
	}
	if m.session.Pending() == 0 {
		t.Error("turns should stay pending after a failed write")
	}

	f.records.addErr = nil
	if err := m.Finalize(ctx); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if len(f.records.symptoms[f.id]) != 1 {
		t.Error("expected the retry to store the entry")
	}
}

func TestFinalize_EmptySummaryPropagates(t *testing.T) {
	f := newFixture()
	f.gen.replies = []string{"ok"}
	f.gen.generated = []string{"   "}
	m := f.manager(t)
	ctx := context.Background()
	_, _, _ = m.HandleTurn(ctx, "tired")

	if err := m.Finalize(ctx); !errors.Is(err, conversation.ErrGenerationEmpty) {
		t.Fatalf("expected ErrGenerationEmpty, got %v", err)
	}
}

func TestBuildDoctorReport_NoHistory(t *testing.T) {
	f := newFixture()
	m := f.manager(t)

	_, err := m.BuildDoctorReport(context.Background(), "follow-up for cough")
	if !errors.Is(err, conversation.ErrMissingContext) {
		t.Fatalf("expected ErrMissingContext, got %v", err)
	}
}

func TestBuildDoctorReport_WithHistory(t *testing.T) {
	f := newFixture()
	f.seedEntry("Cough and Fever", "- Dry cough\n- Fever 38.5C", time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	f.gen.generated = []string{
		"Follow-up: cough",
		"- Dry cough since March\n- Fever 38.5C",
		"Patient reports a persisting dry cough with earlier fever.",
	}
	m := f.manager(t)

	report, err := m.BuildDoctorReport(context.Background(), "follow-up for cough")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Reason != "Follow-up: cough" {
		t.Errorf("unexpected reason %q", report.Reason)
	}
	lines := report.HPILines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 HPI lines, got %v", lines)
	}
	for _, l := range lines {
		if !strings.HasPrefix(l, conversation.BulletMarker) {
			t.Errorf("HPI line %q should start with bullet marker", l)
		}
	}
	if strings.Contains(strings.ToLower(report.Impression), "diagnosis") {
		t.Error("impression must not contain diagnostic language")
	}
	if !strings.Contains(f.gen.prompts[1], "Cough and Fever") {
		t.Error("HPI prompt should carry the stored history")
	}
}

func TestBuildDoctorReport_FinalizesPendingFirst(t *testing.T) {
	f := newFixture()
	f.gen.replies = []string{"noted"}
	f.gen.generated = []string{
		"- Knee pain after running", "Knee pain",
		"Knee pain", "- Knee pain after running", "Knee pain on exertion.",
	}
	m := f.manager(t)
	ctx := context.Background()
	_, _, _ = m.HandleTurn(ctx, "my knee hurts")

	report, err := m.BuildDoctorReport(ctx, "knee")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.records.symptoms[f.id]) != 1 {
		t.Error("pending dialogue should be stored before the report")
	}
	if report.Impression != "Knee pain on exertion." {
		t.Errorf("unexpected impression %q", report.Impression)
	}
}

func TestReset_ReloadsContextAndClearsJournal(t *testing.T) {
	f := newFixture()
	f.gen.replies = []string{"ok"}
	m := f.manager(t)
	ctx := context.Background()
	_, _, _ = m.HandleTurn(ctx, "hello")

	f.seedEntry("Migraine", "- Aura", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	if err := m.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(m.Snapshot().Turns) != 0 {
		t.Error("expected turns to be cleared")
	}
	if !strings.Contains(m.session.Context(), "Migraine") {
		t.Errorf("expected reloaded context, got %q", m.session.Context())
	}
	if _, ok := f.journal.docs[f.id]; ok {
		t.Error("expected journal entry to be deleted")
	}
}

func TestBuild_RestoresJournaledDialogue(t *testing.T) {
	f := newFixture()
	f.gen.replies = []string{"Where does it hurt?"}
	first := f.manager(t)
	_, _, _ = first.HandleTurn(context.Background(), "I feel pain")

	second := f.manager(t)
	snap := second.Snapshot()
	if len(snap.Turns) != 2 || snap.Turns[0].Text != "I feel pain" {
		t.Fatalf("expected replayed turns, got %+v", snap.Turns)
	}
	if snap.Summarized != 0 {
		t.Errorf("expected nothing summarized, got %d", snap.Summarized)
	}
}

func TestBuild_UnknownPatient(t *testing.T) {
	f := newFixture()
	_, err := f.builder.Build(context.Background(), uuid.New())
	if !errors.Is(err, patient.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_OneManagerPerPatient(t *testing.T) {
	f := newFixture()
	store := NewMemoryStore(f.builder, 0)

	var wg sync.WaitGroup
	got := make([]*Manager, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := store.GetOrCreate(context.Background(), f.id)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			got[i] = m
		}(i)
	}
	wg.Wait()

	for _, m := range got {
		if m != got[0] {
			t.Fatal("expected the same manager for every caller")
		}
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 session, got %d", store.Len())
	}
}

func TestMemoryStore_FailedBuildNotCached(t *testing.T) {
	f := newFixture()
	store := NewMemoryStore(f.builder, 0)
	missing := uuid.New()

	if _, err := store.GetOrCreate(context.Background(), missing); !errors.Is(err, patient.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if store.Len() != 0 {
		t.Error("failed build must not be cached")
	}
}

// gatedRecords holds GetPatient until release is closed and fails if the
// build context was cancelled meanwhile.
type gatedRecords struct {
	*fakeRecords
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (r *gatedRecords) GetPatient(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	r.once.Do(func() { close(r.started) })
	<-r.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.fakeRecords.GetPatient(ctx, id)
}

func TestMemoryStore_CancelledCallerDoesNotFailSharedBuild(t *testing.T) {
	f := newFixture()
	gated := &gatedRecords{fakeRecords: f.records, started: make(chan struct{}), release: make(chan struct{})}
	f.builder.Records = gated
	store := NewMemoryStore(f.builder, 0)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := store.GetOrCreate(ctxA, f.id)
		errA <- err
	}()
	<-gated.started

	errB := make(chan error, 1)
	go func() {
		_, err := store.GetOrCreate(context.Background(), f.id)
		errB <- err
	}()

	cancelA()
	close(gated.release)

	if err := <-errB; err != nil {
		t.Errorf("live caller failed: %v", err)
	}
	if err := <-errA; err != nil {
		t.Errorf("shared build saw the cancelled context: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("expected the built manager cached, got %d", store.Len())
	}
}

func TestMemoryStore_EvictsIdleManagers(t *testing.T) {
	f := newFixture()
	f.gen.replies = []string{"Where does it hurt?"}
	store := NewMemoryStore(f.builder, time.Minute)
	clock := fixedNow
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, f.id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_, _, _ = first.HandleTurn(ctx, "I feel pain")

	other := f.records.addPatient()
	clock = clock.Add(2 * time.Minute)
	if _, err := store.GetOrCreate(ctx, other); err != nil {
		t.Fatalf("get other: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected the idle manager evicted, got %d sessions", store.Len())
	}

	again, err := store.GetOrCreate(ctx, f.id)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again == first {
		t.Error("expected a rebuilt manager")
	}
	if n := len(again.Snapshot().Turns); n != 2 {
		t.Errorf("expected the dialogue restored from the journal, got %d turns", n)
	}
}

func TestMemoryStore_KeepsBusyManagers(t *testing.T) {
	f := newFixture()
	store := NewMemoryStore(f.builder, time.Minute)
	clock := fixedNow
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, f.id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.mu.Lock()
	other := f.records.addPatient()
	clock = clock.Add(2 * time.Minute)
	_, err = store.GetOrCreate(ctx, other)
	first.mu.Unlock()
	if err != nil {
		t.Fatalf("get other: %v", err)
	}
	if store.Len() != 2 {
		t.Errorf("a manager mid-request must not be evicted, got %d sessions", store.Len())
	}
}

func TestBuild_ReplayTurnsBoundsDialogue(t *testing.T) {
	f := newFixture()
	f.builder.ReplayTurns = 2
	f.gen.replies = []string{"Since when?", "Any fever?"}
	f.gen.generated = []string{"- Cough for a week", "Cough"}
	m := f.manager(t)
	ctx := context.Background()

	_, _, _ = m.HandleTurn(ctx, "I cough")
	_, _, _ = m.HandleTurn(ctx, "a week")
	if err := m.Finalize(ctx); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	snap := m.Snapshot()
	if len(snap.Turns) != 2 || snap.Turns[0].Text != "a week" {
		t.Errorf("expected only the last exchange kept, got %+v", snap.Turns)
	}
	if snap.Summarized != 2 {
		t.Errorf("expected kept turns marked summarized, got %d", snap.Summarized)
	}
}
