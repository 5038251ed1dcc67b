package patient

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	// Create inserts p, assigning an ID when p.ID is nil.
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByEmail(ctx context.Context, email string) (*Patient, error)
	// Update writes the mutable profile fields. ID and email are never written.
	Update(ctx context.Context, p *Patient) error
}

type SymptomRepository interface {
	Add(ctx context.Context, s *Symptom) error
	// ListByPatient returns entries ordered by timestamp ascending.
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Symptom, error)
	CountByPatient(ctx context.Context, patientID uuid.UUID) (int, error)
}
