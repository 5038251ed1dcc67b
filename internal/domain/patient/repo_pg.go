package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/symptomlog/api/internal/platform/phi"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const uniqueViolation = "23505"

// -- Patient Repository --

type patientRepoPG struct {
	db querier
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{db: pool}
}

const patientCols = `patient_id, email, age, gender, allergies, chronic_diseases, medications, created_at, updated_at`

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := r.db.Exec(ctx, `
		INSERT INTO patients (`+patientCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.Email, p.Age, genderArg(p.Gender),
		nonNil(p.Allergies), nonNil(p.ChronicDiseases), nonNil(p.Medications),
		p.CreatedAt, p.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrEmailTaken
	}
	return err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.db.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE patient_id = $1`, id))
}

func (r *patientRepoPG) GetByEmail(ctx context.Context, email string) (*Patient, error) {
	return scanPatient(r.db.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE email = $1`, email))
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	p.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, `
		UPDATE patients SET
			age = $2, gender = $3, allergies = $4, chronic_diseases = $5, medications = $6, updated_at = $7
		WHERE patient_id = $1`,
		p.ID, p.Age, genderArg(p.Gender),
		nonNil(p.Allergies), nonNil(p.ChronicDiseases), nonNil(p.Medications),
		p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var gender *string
	err := row.Scan(&p.ID, &p.Email, &p.Age, &gender,
		&p.Allergies, &p.ChronicDiseases, &p.Medications,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if gender != nil {
		g := Gender(*gender)
		p.Gender = &g
	}
	return &p, nil
}

func genderArg(g *Gender) *string {
	if g == nil {
		return nil
	}
	s := string(*g)
	return &s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// -- Symptom Repository --

type symptomRepoPG struct {
	db     querier
	cipher phi.FieldCipher
}

// NewSymptomRepo stores summaries through cipher. Pass phi.Passthrough{} to
// store plaintext.
func NewSymptomRepo(pool *pgxpool.Pool, cipher phi.FieldCipher) SymptomRepository {
	if cipher == nil {
		cipher = phi.Passthrough{}
	}
	return &symptomRepoPG{db: pool, cipher: cipher}
}

func (r *symptomRepoPG) Add(ctx context.Context, s *Symptom) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	sealed, err := r.cipher.Encrypt(s.Summary)
	if err != nil {
		return fmt.Errorf("symptom add: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO symptoms (id, patient_id, timestamp, title, summary)
		VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.PatientID, s.Timestamp, s.Title, sealed,
	)
	return err
}

func (r *symptomRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Symptom, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, patient_id, timestamp, title, summary
		FROM symptoms WHERE patient_id = $1
		ORDER BY timestamp ASC, id ASC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Symptom
	for rows.Next() {
		var s Symptom
		if err := rows.Scan(&s.ID, &s.PatientID, &s.Timestamp, &s.Title, &s.Summary); err != nil {
			return nil, err
		}
		if s.Summary, err = r.cipher.Decrypt(s.Summary); err != nil {
			return nil, fmt.Errorf("symptom %s: %w", s.ID, err)
		}
		s.Timestamp = s.Timestamp.UTC()
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *symptomRepoPG) CountByPatient(ctx context.Context, patientID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM symptoms WHERE patient_id = $1`, patientID).Scan(&n)
	return n, err
}
