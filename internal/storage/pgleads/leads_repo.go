package pgleads

import (
	"context"
	"encoding/json"

	"github.com/BearBump/TrackFunnel/internal/apperr"
	"github.com/BearBump/TrackFunnel/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const leadColumns = `
  id, name, email, phone, address, city, state, zip_code, product,
  current_stage_id, payment_status, checkpoints, created_at, updated_at`

func (s *Storage) Get(ctx context.Context, id string) (*models.Lead, error) {
	row := s.db.QueryRow(ctx, `SELECT`+leadColumns+` FROM leads WHERE id = $1`, id)
	l, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(apperr.ErrUnknownRecord, "lead %s", id)
	}
	if err != nil {
		return nil, apperr.StoreIO(errors.Wrap(err, "select lead"))
	}
	return l, nil
}

// Put inserts the lead or overwrites every column of the stored one.
func (s *Storage) Put(ctx context.Context, lead *models.Lead) error {
	if lead == nil || lead.ID == "" {
		return errors.Wrap(apperr.ErrInvalidInput, "lead id is required")
	}
	cps := lead.Checkpoints
	if cps == nil {
		cps = map[string]bool{}
	}
	cpJSON, err := json.Marshal(cps)
	if err != nil {
		return errors.Wrap(err, "encode checkpoints")
	}

	_, err = s.db.Exec(ctx, `
INSERT INTO leads (`+leadColumns+`
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  email = EXCLUDED.email,
  phone = EXCLUDED.phone,
  address = EXCLUDED.address,
  city = EXCLUDED.city,
  state = EXCLUDED.state,
  zip_code = EXCLUDED.zip_code,
  product = EXCLUDED.product,
  current_stage_id = EXCLUDED.current_stage_id,
  payment_status = EXCLUDED.payment_status,
  checkpoints = EXCLUDED.checkpoints,
  updated_at = EXCLUDED.updated_at
`, lead.ID, lead.Name, lead.Email, lead.Phone, lead.Address, lead.City, lead.State, lead.ZipCode, lead.Product,
		lead.CurrentStageID, string(lead.PaymentStatus), string(cpJSON), lead.CreatedAt.UTC(), lead.UpdatedAt.UTC())
	if err != nil {
		return apperr.StoreIO(errors.Wrap(err, "upsert lead"))
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM leads WHERE id = $1`, id)
	if err != nil {
		return apperr.StoreIO(errors.Wrap(err, "delete lead"))
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(apperr.ErrUnknownRecord, "lead %s", id)
	}
	return nil
}

func (s *Storage) ListAll(ctx context.Context) ([]*models.Lead, error) {
	rows, err := s.db.Query(ctx, `SELECT`+leadColumns+` FROM leads ORDER BY created_at, id`)
	if err != nil {
		return nil, apperr.StoreIO(errors.Wrap(err, "select leads"))
	}
	defer rows.Close()

	out := []*models.Lead{}
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, apperr.StoreIO(errors.Wrap(err, "scan lead"))
		}
		out = append(out, l)
	}
	if rows.Err() != nil {
		return nil, apperr.StoreIO(errors.Wrap(rows.Err(), "rows"))
	}
	return out, nil
}

func scanLead(row pgx.Row) (*models.Lead, error) {
	var l models.Lead
	var status string
	var cps []byte
	if err := row.Scan(
		&l.ID, &l.Name, &l.Email, &l.Phone, &l.Address, &l.City, &l.State, &l.ZipCode, &l.Product,
		&l.CurrentStageID, &status, &cps, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	l.PaymentStatus = models.PaymentStatus(status)
	if len(cps) > 0 {
		if err := json.Unmarshal(cps, &l.Checkpoints); err != nil {
			return nil, errors.Wrap(err, "decode checkpoints")
		}
	}
	if len(l.Checkpoints) == 0 {
		l.Checkpoints = nil
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}
