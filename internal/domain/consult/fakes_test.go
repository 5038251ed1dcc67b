package consult

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/symptomlog/api/internal/domain/patient"
	"github.com/symptomlog/api/internal/platform/llm"
	"github.com/symptomlog/api/internal/platform/websocket"
)

const endToken = "<END_REPORT>"

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))

// fakeGenerator returns queued outputs in order.
type fakeGenerator struct {
	mu        sync.Mutex
	generated []string
	replies   []string
	err       error
	prompts   []string
}

func (g *fakeGenerator) Generate(_ context.Context, _, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	if len(g.generated) == 0 {
		return "", nil
	}
	out := g.generated[0]
	g.generated = g.generated[1:]
	return out, nil
}

func (g *fakeGenerator) Chat(_ context.Context, _ string, _ []llm.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	if len(g.replies) == 0 {
		return "", nil
	}
	out := g.replies[0]
	g.replies = g.replies[1:]
	return out, nil
}

type fakeRecords struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*patient.Patient
	symptoms map[uuid.UUID][]*patient.Symptom
	addErr   error
	builds   int
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		patients: make(map[uuid.UUID]*patient.Patient),
		symptoms: make(map[uuid.UUID][]*patient.Symptom),
	}
}

func (r *fakeRecords) addPatient() uuid.UUID {
	id := uuid.New()
	r.patients[id] = &patient.Patient{ID: id, Email: "pat@example.com"}
	return id
}

func (r *fakeRecords) GetPatient(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds++
	p, ok := r.patients[id]
	if !ok {
		return nil, patient.ErrNotFound
	}
	return p, nil
}

func (r *fakeRecords) History(_ context.Context, id uuid.UUID) ([]*patient.Symptom, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*patient.Symptom(nil), r.symptoms[id]...), nil
}

func (r *fakeRecords) AddSymptom(_ context.Context, id uuid.UUID, ts time.Time, title, summary string) (*patient.Symptom, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addErr != nil {
		return nil, r.addErr
	}
	s := &patient.Symptom{ID: uuid.New(), PatientID: id, Timestamp: ts.UTC(), Title: title, Summary: summary}
	r.symptoms[id] = append(r.symptoms[id], s)
	return s, nil
}

type memJournal struct {
	mu   sync.Mutex
	docs map[uuid.UUID][]byte
	err  error
	// failFrom makes the failFrom-th Save and every later one fail.
	failFrom int
	saves    int
}

func newMemJournal() *memJournal { return &memJournal{docs: make(map[uuid.UUID][]byte)} }

func (j *memJournal) Save(id uuid.UUID, v any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.saves++
	if j.err != nil {
		return j.err
	}
	if j.failFrom > 0 && j.saves >= j.failFrom {
		return errJournalFull
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	j.docs[id] = data
	return nil
}

func (j *memJournal) Load(id uuid.UUID, v any) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	data, ok := j.docs[id]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func (j *memJournal) Delete(id uuid.UUID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.docs, id)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

var (
	errStoreDown   = errors.New("connection refused")
	errJournalFull = errors.New("leveldb: no space left on device")
)

type fixture struct {
	gen     *fakeGenerator
	records *fakeRecords
	journal *memJournal
	events  *recordingPublisher
	builder *Builder
	id      uuid.UUID
}

func newFixture() *fixture {
	f := &fixture{
		gen:     &fakeGenerator{},
		records: newFakeRecords(),
		journal: newMemJournal(),
		events:  &recordingPublisher{},
	}
	f.id = f.records.addPatient()
	f.builder = &Builder{
		Records:   f.records,
		Generator: f.gen,
		EndToken:  endToken,
		Journal:   f.journal,
		Events:    f.events,
		Now:       func() time.Time { return fixedNow },
		Logger:    zerolog.Nop(),
	}
	return f
}

func (f *fixture) manager(t interface{ Fatalf(string, ...any) }) *Manager {
	m, err := f.builder.Build(context.Background(), f.id)
	if err != nil {
		t.Fatalf("build manager: %v", err)
	}
	return m
}

func (f *fixture) seedEntry(title, summary string, ts time.Time) {
	f.records.symptoms[f.id] = append(f.records.symptoms[f.id], &patient.Symptom{
		ID: uuid.New(), PatientID: f.id, Timestamp: ts, Title: title, Summary: summary,
	})
}
