package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/symptomlog/api/internal/platform/auth"
)

type Service struct {
	patients PatientRepository
	symptoms SymptomRepository
}

func NewService(patients PatientRepository, symptoms SymptomRepository) *Service {
	return &Service{patients: patients, symptoms: symptoms}
}

// storeErr passes domain sentinels through and marks anything else as a
// store failure.
func storeErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrEmailTaken) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreFailure, err)
}

// -- Patient --

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr("get patient", err)
	}
	return p, nil
}

func (s *Service) GetPatientByEmail(ctx context.Context, email string) (*Patient, error) {
	p, err := s.patients.GetByEmail(ctx, auth.NormalizeEmail(email))
	if err != nil {
		return nil, storeErr("get patient by email", err)
	}
	return p, nil
}

func (s *Service) Exists(ctx context.Context, email string) (bool, error) {
	_, err := s.GetPatientByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// EnsureForLogin returns the patient with this email, creating a bare record
// on first login. created reports whether a record was made.
func (s *Service) EnsureForLogin(ctx context.Context, email string) (p *Patient, created bool, err error) {
	email = auth.NormalizeEmail(email)
	if email == "" {
		return nil, false, &ValidationError{Field: "email", Message: "is required"}
	}
	p, err = s.GetPatientByEmail(ctx, email)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	p = &Patient{Email: email}
	if err := s.patients.Create(ctx, p); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			// lost a race with a concurrent first login
			p, err = s.GetPatientByEmail(ctx, email)
			return p, false, err
		}
		return nil, false, storeErr("create patient", err)
	}
	return p, true, nil
}

// Signup completes a profile. An existing email gets a partial update that
// keeps its id; otherwise a new patient with a fresh id is created.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (p *Patient, created bool, err error) {
	req.Mail = auth.NormalizeEmail(req.Mail)
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	existing, err := s.GetPatientByEmail(ctx, req.Mail)
	switch {
	case err == nil:
		p, err = s.UpdatePatient(ctx, existing.ID, req.update())
		return p, false, err
	case !errors.Is(err, ErrNotFound):
		return nil, false, err
	}

	p = &Patient{ID: uuid.New(), Email: req.Mail}
	req.update().apply(p)
	if err := s.patients.Create(ctx, p); err != nil {
		return nil, false, storeErr("create patient", err)
	}
	return p, true, nil
}

func (s *Service) UpdatePatient(ctx context.Context, id uuid.UUID, u Update) (*Patient, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	p, err := s.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Empty() {
		return p, nil
	}
	u.apply(p)
	if err := s.patients.Update(ctx, p); err != nil {
		return nil, storeErr("update patient", err)
	}
	return p, nil
}

// -- Symptoms --

// AddSymptom appends a new symptom entry stamped at ts (converted to UTC).
func (s *Service) AddSymptom(ctx context.Context, patientID uuid.UUID, ts time.Time, title, summary string) (*Symptom, error) {
	title, summary = strings.TrimSpace(title), strings.TrimSpace(summary)
	if title == "" {
		return nil, &ValidationError{Field: "title", Message: "is required"}
	}
	if summary == "" {
		return nil, &ValidationError{Field: "summary", Message: "is required"}
	}
	sym := &Symptom{
		ID:        uuid.New(),
		PatientID: patientID,
		Timestamp: ts.UTC(),
		Title:     title,
		Summary:   summary,
	}
	if err := s.symptoms.Add(ctx, sym); err != nil {
		return nil, storeErr("add symptom", err)
	}
	return sym, nil
}

func (s *Service) History(ctx context.Context, patientID uuid.UUID) ([]*Symptom, error) {
	out, err := s.symptoms.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, storeErr("list symptoms", err)
	}
	return out, nil
}

func (s *Service) HasHistory(ctx context.Context, patientID uuid.UUID) (bool, error) {
	n, err := s.symptoms.CountByPatient(ctx, patientID)
	if err != nil {
		return false, storeErr("count symptoms", err)
	}
	return n > 0, nil
}
