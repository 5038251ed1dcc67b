package conversation

import "errors"

var (
	ErrSessionNotStarted = errors.New("conversation session not started")
	ErrNoHistory         = errors.New("no new conversation turns to summarize")
	ErrGenerationEmpty   = errors.New("text service returned empty output")
	ErrMissingContext    = errors.New("doctor report requires a visit reason and past history")
)
