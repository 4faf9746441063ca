package convention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository persists conventions. Every method runs inside the caller's
// transaction so a status update and its outbox events commit together.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const selectColumns = `
	id::text, status, status_justification, date_validation,
	date_submission, date_start, date_end, agency_id::text, siret, business_name,
	schedule, immersion_objective, beneficiary_is_minor, signatories,
	renewed_from::text, status_changed_at`

type signatoryRecord struct {
	Role      Role       `json:"role"`
	FirstName string     `json:"firstName"`
	LastName  string     `json:"lastName"`
	Email     string     `json:"email"`
	Phone     string     `json:"phone"`
	SignedAt  *time.Time `json:"signedAt,omitempty"`
}

type scheduleRecord struct {
	TotalHours float64 `json:"totalHours"`
	Summary    string  `json:"summary"`
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, c Convention) error {
	cols := EncodeStatus(c.Status)
	signatories, schedule, err := encodeDocuments(c)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO conventions (
			id, status, status_justification, date_validation,
			date_submission, date_start, date_end, agency_id, siret, business_name,
			schedule, immersion_objective, beneficiary_is_minor, signatories,
			renewed_from, status_changed_at
		) VALUES ($1::uuid,$2,$3,$4,$5,$6,$7,$8::uuid,$9,$10,$11::jsonb,$12,$13,$14::jsonb,$15::uuid,$16)
	`, c.ID, string(cols.Name), cols.Justification, cols.DateValidation,
		c.DateSubmission, c.DateStart, c.DateEnd, c.AgencyID, c.Siret, c.BusinessName,
		schedule, c.ImmersionObjective, c.BeneficiaryIsMinor, signatories,
		c.RenewedFrom, c.StatusChangedAt); err != nil {
		return fmt.Errorf("convention: insert: %w", err)
	}
	return nil
}

// GetForUpdate loads a convention and row-locks it until tx ends. Concurrent
// transitions on the same id queue here; other ids are unaffected.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Convention, error) {
	return scanConvention(tx.QueryRow(ctx, `SELECT`+selectColumns+` FROM conventions WHERE id=$1::uuid FOR UPDATE`, id))
}

func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id string) (Convention, error) {
	return scanConvention(tx.QueryRow(ctx, `SELECT`+selectColumns+` FROM conventions WHERE id=$1::uuid`, id))
}

func (r *Repository) Update(ctx context.Context, tx pgx.Tx, c Convention) error {
	cols := EncodeStatus(c.Status)
	signatories, schedule, err := encodeDocuments(c)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE conventions
		SET status=$2,
		    status_justification=$3,
		    date_validation=$4,
		    date_submission=$5,
		    agency_id=$6::uuid,
		    schedule=$7::jsonb,
		    signatories=$8::jsonb,
		    status_changed_at=$9,
		    updated_at=now()
		WHERE id=$1::uuid
	`, c.ID, string(cols.Name), cols.Justification, cols.DateValidation,
		c.DateSubmission, c.AgencyID, schedule, signatories, c.StatusChangedAt)
	if err != nil {
		return fmt.Errorf("convention: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListObsolete returns ids of conventions whose end date is before cutoff
// while still awaiting validation, oldest end date first.
func (r *Repository) ListObsolete(ctx context.Context, tx pgx.Tx, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := tx.Query(ctx, `
		SELECT id::text
		FROM conventions
		WHERE date_end < $1
		  AND status IN ('DRAFT','READY_TO_SIGN','PARTIALLY_SIGNED','IN_REVIEW','ACCEPTED_BY_COUNSELLOR')
		ORDER BY date_end ASC, id ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("convention: list obsolete: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convention: scan obsolete: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convention: iterate obsolete: %w", err)
	}
	return ids, nil
}

func scanConvention(row pgx.Row) (Convention, error) {
	var (
		c           Convention
		cols        StatusColumns
		status      string
		schedule    []byte
		signatories []byte
	)
	err := row.Scan(
		&c.ID, &status, &cols.Justification, &cols.DateValidation,
		&c.DateSubmission, &c.DateStart, &c.DateEnd, &c.AgencyID, &c.Siret, &c.BusinessName,
		&schedule, &c.ImmersionObjective, &c.BeneficiaryIsMinor, &signatories,
		&c.RenewedFrom, &c.StatusChangedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Convention{}, ErrNotFound
		}
		return Convention{}, fmt.Errorf("convention: scan: %w", err)
	}

	cols.Name = StatusName(status)
	if c.Status, err = DecodeStatus(cols); err != nil {
		return Convention{}, err
	}

	var sched scheduleRecord
	if err := json.Unmarshal(schedule, &sched); err != nil {
		return Convention{}, fmt.Errorf("convention: decode schedule: %w", err)
	}
	c.Schedule = Schedule(sched)

	var records []signatoryRecord
	if err := json.Unmarshal(signatories, &records); err != nil {
		return Convention{}, fmt.Errorf("convention: decode signatories: %w", err)
	}
	c.Signatories = make(map[Role]Signatory, len(records))
	for _, rec := range records {
		c.Signatories[rec.Role] = Signatory(rec)
	}
	return c, nil
}

func encodeDocuments(c Convention) (signatories string, schedule string, err error) {
	records := make([]signatoryRecord, 0, len(c.Signatories))
	for _, role := range sortedRoles(c.Signatories) {
		s := c.Signatories[role]
		s.Role = role
		records = append(records, signatoryRecord(s))
	}
	sb, err := json.Marshal(records)
	if err != nil {
		return "", "", fmt.Errorf("convention: encode signatories: %w", err)
	}
	schb, err := json.Marshal(scheduleRecord(c.Schedule))
	if err != nil {
		return "", "", fmt.Errorf("convention: encode schedule: %w", err)
	}
	return string(sb), string(schb), nil
}

func sortedRoles(m map[Role]Signatory) []Role {
	roles := make([]Role, 0, len(m))
	for _, r := range signatoryRoles {
		if _, ok := m[r]; ok {
			roles = append(roles, r)
		}
	}
	return roles
}
