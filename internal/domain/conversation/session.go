package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/symptomlog/api/internal/platform/llm"
)

// chat is the live dialogue: a system instruction fixed at creation plus the
// turns exchanged under it. Changing the instruction means building a new
// chat from the same turns.
type chat struct {
	instruction string
	turns       []Turn
}

func newChat(instruction string, turns []Turn) *chat {
	return &chat{instruction: instruction, turns: append([]Turn(nil), turns...)}
}

func (c *chat) messages() []llm.Message {
	out := make([]llm.Message, 0, len(c.turns))
	for _, t := range c.turns {
		role := llm.RoleUser
		if t.Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: t.Text})
	}
	return out
}

// Snapshot is everything needed to rebuild a session besides the stored
// entries: the dialogue so far and how much of it is already summarized.
type Snapshot struct {
	Turns      []Turn      `json:"turns"`
	Summarized int         `json:"summarized"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
}

// Checkpoint marks a summary that was being stored when the snapshot was
// written. The first Turns turns count as summarized once an entry stamped
// At appears in the stored history.
type Checkpoint struct {
	At    time.Time `json:"at"`
	Turns int       `json:"turns"`
}

// Session holds one symptom-gathering dialogue for a patient together with
// the formatted history it was started from. A Session is not safe for
// concurrent use.
type Session struct {
	gen        llm.Generator
	endToken   string
	context    string
	chat       *chat
	summarized int
	replay     int
}

// NewSession returns an uninitialized session. Respond fails until
// Initialize is called.
func NewSession(gen llm.Generator, endToken string) *Session {
	return &Session{gen: gen, endToken: endToken, context: NoContext}
}

// Initialize formats history into the context and opens an empty chat.
func (s *Session) Initialize(history []Entry) {
	s.context = FormatEntries(history)
	s.summarized = 0
	s.chat = newChat(buildSymptomInstruction(s.endToken, s.context), nil)
}

// Restore initializes the session from history and replays a saved dialogue.
// A checkpoint whose entry made it into history advances the summarized mark.
func (s *Session) Restore(history []Entry, snap Snapshot) {
	s.context = FormatEntries(history)
	s.chat = newChat(buildSymptomInstruction(s.endToken, s.context), snap.Turns)
	s.summarized = snap.Summarized
	if s.summarized < 0 || s.summarized > len(s.chat.turns) {
		s.summarized = len(s.chat.turns)
	}
	if cp := snap.Checkpoint; cp != nil && cp.Turns > s.summarized && cp.Turns <= len(s.chat.turns) && hasEntryAt(history, cp.At) {
		s.summarized = cp.Turns
	}
	s.trim()
}

// hasEntryAt compares at microsecond precision, which is what the record
// store keeps.
func hasEntryAt(history []Entry, at time.Time) bool {
	at = at.Truncate(time.Microsecond)
	for _, e := range history {
		if e.Timestamp.Truncate(time.Microsecond).Equal(at) {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the dialogue state.
func (s *Session) Snapshot() Snapshot {
	if s.chat == nil {
		return Snapshot{}
	}
	return Snapshot{Turns: append([]Turn(nil), s.chat.turns...), Summarized: s.summarized}
}

// SetReplayLimit caps how many already summarized turns are kept and sent
// back to the model. Their content lives on in the context. Zero keeps all.
func (s *Session) SetReplayLimit(turns int) {
	if turns < 0 {
		turns = 0
	}
	s.replay = turns + turns%2
	s.trim()
}

func (s *Session) Started() bool { return s.chat != nil }

func (s *Session) EndToken() string { return s.endToken }

// Context returns the formatted historical context.
func (s *Session) Context() string { return s.context }

// Instruction returns the system instruction the chat is bound to.
func (s *Session) Instruction() string {
	if s.chat == nil {
		return ""
	}
	return s.chat.instruction
}

// Turns returns a copy of the dialogue so far.
func (s *Session) Turns() []Turn {
	if s.chat == nil {
		return nil
	}
	return append([]Turn(nil), s.chat.turns...)
}

// Pending reports the number of turns not yet covered by a summary.
func (s *Session) Pending() int {
	if s.chat == nil {
		return 0
	}
	return len(s.chat.turns) - s.summarized
}

// Respond sends the patient's message and returns the assistant reply
// verbatim. Both turns are recorded only when the call succeeds.
func (s *Session) Respond(ctx context.Context, patientText string) (string, error) {
	if s.chat == nil {
		return "", ErrSessionNotStarted
	}

	history := append(s.chat.messages(), llm.Message{Role: llm.RoleUser, Content: patientText})
	reply, err := s.gen.Chat(ctx, s.chat.instruction, history)
	if err != nil {
		return "", fmt.Errorf("respond: %w", err)
	}
	if strings.TrimSpace(reply) == "" {
		return "", fmt.Errorf("respond: %w", ErrGenerationEmpty)
	}

	s.chat.turns = append(s.chat.turns,
		Turn{Role: RolePatient, Text: patientText},
		Turn{Role: RoleAssistant, Text: reply},
	)
	return reply, nil
}

// Summarize produces a summary and a title for the turns exchanged since the
// last call to MarkSummarized. The chat itself is left untouched.
func (s *Session) Summarize(ctx context.Context) (Summary, error) {
	if s.Pending() == 0 {
		return Summary{}, ErrNoHistory
	}

	summary, err := s.generate(ctx, summaryInstruction, summaryPrompt(s.chat.turns[s.summarized:]))
	if err != nil {
		return Summary{}, fmt.Errorf("summarize: %w", err)
	}
	title, err := s.generate(ctx, titleInstruction, summary)
	if err != nil {
		return Summary{}, fmt.Errorf("title: %w", err)
	}
	return Summary{Title: title, Summary: summary}, nil
}

// MarkSummarized records that every current turn is covered by a stored
// summary, so the next Summarize only sees newer turns.
func (s *Session) MarkSummarized() {
	if s.chat != nil {
		s.summarized = len(s.chat.turns)
		s.trim()
	}
}

// trim drops the oldest summarized turns beyond the replay limit.
func (s *Session) trim() {
	if s.replay == 0 || s.chat == nil || s.summarized <= s.replay {
		return
	}
	drop := s.summarized - s.replay
	s.chat.turns = append([]Turn(nil), s.chat.turns[drop:]...)
	s.summarized -= drop
}

// BuildDoctorReport derives reason, HPI and impression in three chained
// generation calls. It needs a visit reason and some stored history.
func (s *Session) BuildDoctorReport(ctx context.Context, visitReason string) (DoctorReport, error) {
	visitReason = strings.TrimSpace(visitReason)
	if visitReason == "" || s.context == "" || s.context == NoContext {
		return DoctorReport{}, ErrMissingContext
	}

	reason, err := s.generate(ctx, reasonInstruction, visitReason)
	if err != nil {
		return DoctorReport{}, fmt.Errorf("report reason: %w", err)
	}
	hpi, err := s.generate(ctx, hpiInstruction, hpiPrompt(reason, s.context))
	if err != nil {
		return DoctorReport{}, fmt.Errorf("report hpi: %w", err)
	}
	impression, err := s.generate(ctx, impressionInstruction, impressionPrompt(reason, hpi))
	if err != nil {
		return DoctorReport{}, fmt.Errorf("report impression: %w", err)
	}
	return DoctorReport{Reason: reason, HPI: hpi, Impression: impression}, nil
}

// ExtendContext appends entries to the context and rebinds the chat to the
// new instruction, replaying every turn. Entries that format to NoContext
// change nothing.
func (s *Session) ExtendContext(entries []Entry) {
	addition := FormatEntries(entries)
	if addition == NoContext {
		return
	}
	if s.context == "" || s.context == NoContext {
		s.context = addition
	} else {
		s.context += "\n" + addition
	}
	s.rebind()
}

// ReplaceContext swaps the whole context, keeping the dialogue.
func (s *Session) ReplaceContext(full string) {
	if strings.TrimSpace(full) == "" {
		full = NoContext
	}
	s.context = full
	s.rebind()
}

// Reset discards the dialogue and opens a fresh chat. A nil newContext keeps
// the current context.
func (s *Session) Reset(newContext *string) {
	if newContext != nil {
		s.context = *newContext
		if strings.TrimSpace(s.context) == "" {
			s.context = NoContext
		}
	}
	s.summarized = 0
	s.chat = newChat(buildSymptomInstruction(s.endToken, s.context), nil)
}

func (s *Session) rebind() {
	var turns []Turn
	if s.chat != nil {
		turns = s.chat.turns
	}
	s.chat = newChat(buildSymptomInstruction(s.endToken, s.context), turns)
}

func (s *Session) generate(ctx context.Context, instruction, prompt string) (string, error) {
	out, err := s.gen.Generate(ctx, instruction, prompt)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrGenerationEmpty
	}
	return out, nil
}
