package consult

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/symptomlog/api/internal/domain/conversation"
	"github.com/symptomlog/api/internal/platform/llm"
)

// SessionStore hands out the one Manager for each patient.
type SessionStore interface {
	GetOrCreate(ctx context.Context, patientID uuid.UUID) (*Manager, error)
	Len() int
}

// Builder constructs managers from stored history, replaying a journaled
// dialogue when one exists.
type Builder struct {
	Records   RecordStore
	Generator llm.Generator
	EndToken  string
	Journal   Journal
	Events    Publisher
	Now       func() time.Time
	Logger    zerolog.Logger
	// ReplayTurns caps the summarized turns kept in each dialogue. Zero
	// keeps all of them.
	ReplayTurns int
}

// Build loads the patient and their symptom history. A missing patient
// surfaces as patient.ErrNotFound.
func (b *Builder) Build(ctx context.Context, id uuid.UUID) (*Manager, error) {
	if _, err := b.Records.GetPatient(ctx, id); err != nil {
		return nil, err
	}
	entries, err := loadEntries(ctx, b.Records, id)
	if err != nil {
		return nil, err
	}

	sess := conversation.NewSession(b.Generator, b.EndToken)
	sess.SetReplayLimit(b.ReplayTurns)
	restored := false
	if b.Journal != nil {
		var snap conversation.Snapshot
		found, err := b.Journal.Load(id, &snap)
		if err != nil {
			b.Logger.Warn().Err(err).Str("patient_id", id.String()).Msg("ignoring unreadable journal entry")
		} else if found {
			sess.Restore(entries, snap)
			restored = true
		}
	}
	if !restored {
		sess.Initialize(entries)
	}

	now := b.Now
	if now == nil {
		now = time.Now
	}
	b.Logger.Debug().Str("patient_id", id.String()).Bool("restored", restored).Int("entries", len(entries)).Msg("session opened")

	return &Manager{
		patientID: id,
		session:   sess,
		records:   b.Records,
		journal:   b.Journal,
		events:    b.Events,
		now:       now,
		logger:    b.Logger,
	}, nil
}

// MemoryStore keeps managers in process memory. Concurrent first requests
// for one patient share a single Build. Managers unused for longer than the
// idle TTL are evicted; their dialogue comes back from the journal on the
// next request.
type MemoryStore struct {
	builder *Builder
	group   singleflight.Group
	idleTTL time.Duration
	now     func() time.Time

	mu       sync.Mutex
	managers map[uuid.UUID]*storeEntry
	swept    time.Time
}

type storeEntry struct {
	manager  *Manager
	lastUsed time.Time
}

// NewMemoryStore returns an empty store. A zero idleTTL never evicts.
func NewMemoryStore(b *Builder, idleTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		builder:  b,
		idleTTL:  idleTTL,
		now:      time.Now,
		managers: make(map[uuid.UUID]*storeEntry),
	}
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, id uuid.UUID) (*Manager, error) {
	if m, ok := s.lookup(id); ok {
		return m, nil
	}

	// The build is shared, so one caller giving up must not fail the rest.
	buildCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(id.String(), func() (any, error) {
		if m, ok := s.lookup(id); ok {
			return m, nil
		}
		built, err := s.builder.Build(buildCtx, id)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.managers[id] = &storeEntry{manager: built, lastUsed: s.now()}
		s.mu.Unlock()
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Manager), nil
}

// lookup returns a cached manager and sweeps idle ones at most once per TTL.
func (s *MemoryStore) lookup(id uuid.UUID) (*Manager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.idleTTL > 0 && now.Sub(s.swept) > s.idleTTL {
		s.sweep(now)
	}
	e, ok := s.managers[id]
	if !ok {
		return nil, false
	}
	e.lastUsed = now
	return e.manager, true
}

// sweep skips managers that are mid-request. Caller holds s.mu.
func (s *MemoryStore) sweep(now time.Time) {
	for id, e := range s.managers {
		if now.Sub(e.lastUsed) <= s.idleTTL {
			continue
		}
		if !e.manager.mu.TryLock() {
			continue
		}
		e.manager.mu.Unlock()
		delete(s.managers, id)
		s.builder.Logger.Debug().Str("patient_id", id.String()).Msg("idle session evicted")
	}
	s.swept = now
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.managers)
}
