package patient

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

func (g Gender) Valid() bool {
	return g == GenderMale || g == GenderFemale
}

// Patient maps to the patients table. Age and Gender stay nil for a patient
// who signed in but has not completed signup.
type Patient struct {
	ID              uuid.UUID `json:"patient_id"`
	Email           string    `json:"mail"`
	Age             *int      `json:"age,omitempty"`
	Gender          *Gender   `json:"gender,omitempty"`
	Allergies       []string  `json:"allergies"`
	ChronicDiseases []string  `json:"chronic_diseases"`
	Medications     []string  `json:"medications"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ProfileComplete reports whether signup has been finished.
func (p *Patient) ProfileComplete() bool {
	return p.Age != nil && p.Gender != nil
}

// Symptom maps to the symptoms table. Rows are append-only.
type Symptom struct {
	ID        uuid.UUID `json:"-"`
	PatientID uuid.UUID `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
}

// Update carries a partial profile change. Nil fields are left alone; id
// and email cannot be changed.
type Update struct {
	Age             *int      `json:"age"`
	Gender          *Gender   `json:"gender"`
	Allergies       *[]string `json:"allergies"`
	ChronicDiseases *[]string `json:"chronic_diseases"`
	Medications     *[]string `json:"medications"`
}

func (u Update) Empty() bool {
	return u.Age == nil && u.Gender == nil && u.Allergies == nil &&
		u.ChronicDiseases == nil && u.Medications == nil
}

func (u Update) Validate() error {
	if u.Age != nil && *u.Age < 0 {
		return &ValidationError{Field: "age", Message: "must be a non-negative integer"}
	}
	if u.Gender != nil && !u.Gender.Valid() {
		return &ValidationError{Field: "gender", Message: fmt.Sprintf("must be %q or %q", GenderMale, GenderFemale)}
	}
	return nil
}

func (u Update) apply(p *Patient) {
	if u.Age != nil {
		age := *u.Age
		p.Age = &age
	}
	if u.Gender != nil {
		g := *u.Gender
		p.Gender = &g
	}
	if u.Allergies != nil {
		p.Allergies = cleanList(*u.Allergies)
	}
	if u.ChronicDiseases != nil {
		p.ChronicDiseases = cleanList(*u.ChronicDiseases)
	}
	if u.Medications != nil {
		p.Medications = cleanList(*u.Medications)
	}
}

// SignupRequest is the complete_signup payload.
type SignupRequest struct {
	Mail            string   `json:"mail"`
	Age             *int     `json:"age"`
	Gender          Gender   `json:"gender"`
	Allergies       []string `json:"allergies"`
	ChronicDiseases []string `json:"chronic_diseases"`
	Medications     []string `json:"medications"`
}

func (r SignupRequest) Validate() error {
	if r.Mail == "" || !strings.Contains(r.Mail, "@") {
		return &ValidationError{Field: "mail", Message: "a valid email address is required"}
	}
	if r.Age == nil {
		return &ValidationError{Field: "age", Message: "is required"}
	}
	if r.Gender == "" {
		return &ValidationError{Field: "gender", Message: "is required"}
	}
	return r.update().Validate()
}

func (r SignupRequest) update() Update {
	g := r.Gender
	return Update{
		Age:             r.Age,
		Gender:          &g,
		Allergies:       &r.Allergies,
		ChronicDiseases: &r.ChronicDiseases,
		Medications:     &r.Medications,
	}
}

// cleanList trims entries and drops blanks. The result is never nil so it
// stores as an empty array.
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var (
	ErrNotFound     = errors.New("patient not found")
	ErrEmailTaken   = errors.New("email already registered")
	ErrStoreFailure = errors.New("record store failure")
)

// ValidationError rejects input before anything is stored or generated.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
