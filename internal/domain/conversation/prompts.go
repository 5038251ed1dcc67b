package conversation

import (
	"fmt"
	"strings"
	"time"
)

// NoContext stands in for the historical context when a patient has no
// stored symptom entries.
const NoContext = "No past medical summary provided."

// NoRelevantHistory is the HPI emitted when no past entry relates to the
// visit reason.
const NoRelevantHistory = "No relevant history found in previous symptom summaries."

// BulletMarker prefixes every HPI line.
const BulletMarker = "- "

const symptomInstruction = `You are an empathetic medical assistant. Your only job is to understand the patient's current symptoms by asking short clarifying questions.
Ask exactly one question at a time. Never offer a diagnosis or treatment advice.
Once a symptom is clear (usually after two to four questions), ask whether the patient has any other symptoms.
If the patient says there are no other symptoms, reply with nothing except this exact text: %s

Past symptom summaries for this patient:
%s`

const summaryInstruction = `Write a concise, factual bullet-point summary of the medical conversation below. Start every line with "- ".
Cover only the symptoms reported in this conversation and their onset, duration, severity and character, plus anything else the patient said that a clinician would need.
Leave out small talk and any history that was not discussed in this conversation.`

const titleInstruction = `Write a short title of at most six words for the symptom summary below.
Output only the title, without quotes and without a trailing period.`

const reasonInstruction = `Rewrite the patient's stated reason for visit as a short clinical-note heading of at most eight words.
Output only the heading.`

const hpiInstruction = `You write the History of Present Illness section of a clinical note for a physician.
Using the reason for visit and the patient's past symptom summaries, list only the findings relevant to the reason, one per line, each line starting with "- ".
Be factual and do not add information that is not in the summaries.
If none of the past summaries relate to the reason for visit, output exactly: ` + NoRelevantHistory

const impressionInstruction = `Write the Impression section of a clinical note in one to three sentences.
Synthesize the reason for visit and the history of present illness into a factual statement for a physician.
Do not name or suggest a diagnosis, do not speculate about causes and do not recommend treatment.`

func buildSymptomInstruction(endToken, context string) string {
	return fmt.Sprintf(symptomInstruction, endToken, context)
}

func summaryPrompt(turns []Turn) string {
	return "Conversation:\n" + transcript(turns)
}

func hpiPrompt(reason, context string) string {
	return fmt.Sprintf("Reason for visit: %s\n\nPast symptom summaries:\n%s", reason, context)
}

func impressionPrompt(reason, hpi string) string {
	return fmt.Sprintf("Reason for visit: %s\n\nHistory of present illness:\n%s", reason, hpi)
}

func transcript(turns []Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		speaker := "Patient"
		if t.Role == RoleAssistant {
			speaker = "Assistant"
		}
		lines = append(lines, speaker+": "+t.Text)
	}
	return strings.Join(lines, "\n")
}

// FormatEntries renders entries as "[timestamp] title: summary" lines. An
// empty slice formats to NoContext.
func FormatEntries(entries []Entry) string {
	if len(entries) == 0 {
		return NoContext
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s",
			e.Timestamp.UTC().Format(time.RFC3339), e.Title, e.Summary))
	}
	return strings.Join(lines, "\n")
}
