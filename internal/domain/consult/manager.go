// Package consult binds a patient's conversation session to their stored
// symptom record. It decides when a dialogue has ended, persists the
// summary and assembles doctor reports.
package consult

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/symptomlog/api/internal/domain/conversation"
	"github.com/symptomlog/api/internal/domain/patient"
	"github.com/symptomlog/api/internal/platform/websocket"
)

// EventSymptomSaved is published after a summary is stored.
const EventSymptomSaved = "symptom.saved"

// RecordStore is the slice of the patient service the manager needs.
type RecordStore interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	History(ctx context.Context, patientID uuid.UUID) ([]*patient.Symptom, error)
	AddSymptom(ctx context.Context, patientID uuid.UUID, ts time.Time, title, summary string) (*patient.Symptom, error)
}

// Journal persists dialogue snapshots between restarts.
type Journal interface {
	Save(id uuid.UUID, v any) error
	Load(id uuid.UUID, v any) (bool, error)
	Delete(id uuid.UUID) error
}

// Publisher receives symptom events.
type Publisher interface {
	Publish(ctx context.Context, event websocket.Event) error
}

// Manager is the per-patient facade. All methods serialize on the patient,
// so concurrent requests for the same id run one at a time.
type Manager struct {
	mu        sync.Mutex
	patientID uuid.UUID
	session   *conversation.Session
	records   RecordStore
	journal   Journal
	events    Publisher
	now       func() time.Time
	logger    zerolog.Logger
}

func (m *Manager) PatientID() uuid.UUID { return m.patientID }

// HandleTurn forwards one patient message. When the trimmed reply ends with
// the end token the token is stripped, the dialogue is finalized and ended
// is true. Otherwise the reply is returned unchanged.
func (m *Manager) HandleTurn(ctx context.Context, text string) (answer string, ended bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reply, err := m.session.Respond(ctx, text)
	if err != nil {
		return "", false, err
	}
	m.saveJournal()

	token := m.session.EndToken()
	trimmed := strings.TrimSpace(reply)
	if !strings.HasSuffix(trimmed, token) {
		return reply, false, nil
	}

	answer = strings.TrimSpace(strings.TrimSuffix(trimmed, token))
	if err := m.finalize(ctx); err != nil {
		return answer, true, err
	}
	return answer, true, nil
}

// Finalize summarizes and stores the turns since the last finalize. Having
// nothing new to summarize is not an error.
func (m *Manager) Finalize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalize(ctx)
}

func (m *Manager) finalize(ctx context.Context) error {
	summary, err := m.session.Summarize(ctx)
	if errors.Is(err, conversation.ErrNoHistory) {
		return nil
	}
	if err != nil {
		return err
	}

	ts := m.now().UTC().Truncate(time.Microsecond)

	// Journal the checkpoint before the store write so a rebuild can tell
	// whether these turns reached the store.
	snap := m.session.Snapshot()
	snap.Checkpoint = &conversation.Checkpoint{At: ts, Turns: len(snap.Turns)}
	if !m.writeJournal(snap) {
		m.dropJournal()
	}

	previous := m.session.Context()
	m.session.ExtendContext([]conversation.Entry{{Timestamp: ts, Title: summary.Title, Summary: summary.Summary}})

	sym, err := m.records.AddSymptom(ctx, m.patientID, ts, summary.Title, summary.Summary)
	if err != nil {
		m.session.ReplaceContext(previous)
		return err
	}
	m.session.MarkSummarized()
	m.saveJournal()

	m.logger.Info().Str("patient_id", m.patientID.String()).Str("title", sym.Title).Msg("symptom summary saved")
	m.publish(ctx, sym)
	return nil
}

// BuildDoctorReport finalizes any pending dialogue first so the report
// covers the latest turns.
func (m *Manager) BuildDoctorReport(ctx context.Context, visitReason string) (conversation.DoctorReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.finalize(ctx); err != nil {
		return conversation.DoctorReport{}, err
	}
	return m.session.BuildDoctorReport(ctx, visitReason)
}

// Reset drops the dialogue, reloads the context from the record store and
// clears the journal. Unsummarized turns are lost.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := loadEntries(ctx, m.records, m.patientID)
	if err != nil {
		return err
	}
	formatted := conversation.FormatEntries(entries)
	m.session.Reset(&formatted)

	m.dropJournal()
	return nil
}

// Snapshot returns the current dialogue state.
func (m *Manager) Snapshot() conversation.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Snapshot()
}

// saveJournal is best effort. The record store stays the source of truth.
func (m *Manager) saveJournal() {
	m.writeJournal(m.session.Snapshot())
}

func (m *Manager) writeJournal(snap conversation.Snapshot) bool {
	if m.journal == nil {
		return true
	}
	if err := m.journal.Save(m.patientID, snap); err != nil {
		m.logger.Warn().Err(err).Str("patient_id", m.patientID.String()).Msg("journal write failed")
		return false
	}
	return true
}

// dropJournal removes the entry so a rebuild starts from stored history
// alone. An older snapshot could replay turns that are already stored.
func (m *Manager) dropJournal() {
	if m.journal == nil {
		return
	}
	if err := m.journal.Delete(m.patientID); err != nil {
		m.logger.Warn().Err(err).Str("patient_id", m.patientID.String()).Msg("journal delete failed")
	}
}

func (m *Manager) publish(ctx context.Context, sym *patient.Symptom) {
	if m.events == nil {
		return
	}
	data, _ := json.Marshal(map[string]any{
		"timestamp": sym.Timestamp,
		"title":     sym.Title,
	})
	err := m.events.Publish(ctx, websocket.Event{
		Type:      EventSymptomSaved,
		Topic:     websocket.PatientTopic(m.patientID),
		PatientID: m.patientID.String(),
		Timestamp: sym.Timestamp,
		Data:      data,
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("publish symptom event failed")
	}
}

func loadEntries(ctx context.Context, records RecordStore, id uuid.UUID) ([]conversation.Entry, error) {
	history, err := records.History(ctx, id)
	if err != nil {
		return nil, err
	}
	entries := make([]conversation.Entry, 0, len(history))
	for _, s := range history {
		entries = append(entries, conversation.Entry{Timestamp: s.Timestamp, Title: s.Title, Summary: s.Summary})
	}
	return entries, nil
}
