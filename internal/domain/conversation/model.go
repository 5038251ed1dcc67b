package conversation

import (
	"strings"
	"time"
)

// Role identifies who produced a chat turn.
type Role string

const (
	RolePatient   Role = "patient"
	RoleAssistant Role = "assistant"
)

// Turn is one message in the symptom-gathering dialogue.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Entry is a stored symptom summary used as historical context.
type Entry struct {
	Timestamp time.Time
	Title     string
	Summary   string
}

// Summary is the result of summarizing the pending turns.
type Summary struct {
	Title   string
	Summary string
}

// DoctorReport is a three part clinical note. It is never persisted.
type DoctorReport struct {
	Reason     string
	HPI        string
	Impression string
}

// HPILines splits the HPI into non-empty trimmed lines.
func (r DoctorReport) HPILines() []string {
	return SplitLines(r.HPI)
}

// SplitLines breaks bullet formatted text into its non-empty lines.
func SplitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
