package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
)

// CaseRepository keeps one row per case. Tiles, the ROI selection and the
// analysis live in JSONB columns next to the case.
type CaseRepository struct {
	db *sql.DB
}

func NewCaseRepository(db *sql.DB) *CaseRepository {
	return &CaseRepository{db: db}
}

func (r *CaseRepository) Create(ctx context.Context, c *domain.Case) error {
	metaJSON, err := marshalNullable(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO cases (id, filename, storage_key, status, status_message, metadata, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, c.ID, c.Filename, c.StorageKey, string(c.Status), c.StatusMessage, metaJSON, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

func (r *CaseRepository) GetByID(ctx context.Context, id string) (*domain.Case, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, filename, storage_key, status, status_message, metadata, created_at, updated_at
FROM cases
WHERE id = $1
`, id)

	var c domain.Case
	var status string
	var metaRaw []byte
	err := row.Scan(&c.ID, &c.Filename, &c.StorageKey, &status, &c.StatusMessage, &metaRaw, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrCaseNotFound, "get case", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan case: %w", err)
	}
	c.Status = domain.CaseStatus(status)

	if hasJSON(metaRaw) {
		var meta domain.SlideMetadata
		if err := json.Unmarshal(metaRaw, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		c.Metadata = &meta
	}
	return &c, nil
}

func (r *CaseRepository) UpdateStatus(ctx context.Context, id string, status domain.CaseStatus, message string) error {
	return r.update(ctx, "update case status", `
UPDATE cases
SET status = $2, status_message = $3, updated_at = $4
WHERE id = $1
`, id, string(status), message, time.Now().UTC())
}

func (r *CaseRepository) SaveMetadata(ctx context.Context, id string, meta domain.SlideMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return r.update(ctx, "save metadata", `
UPDATE cases
SET metadata = $2, updated_at = $3
WHERE id = $1
`, id, raw, time.Now().UTC())
}

func (r *CaseRepository) SavePatches(ctx context.Context, id string, patches []domain.Patch) error {
	if patches == nil {
		patches = []domain.Patch{}
	}
	raw, err := json.Marshal(patches)
	if err != nil {
		return fmt.Errorf("marshal patches: %w", err)
	}
	// New tiles invalidate any earlier selection.
	return r.update(ctx, "save patches", `
UPDATE cases
SET patches = $2, roi = NULL, updated_at = $3
WHERE id = $1
`, id, raw, time.Now().UTC())
}

func (r *CaseRepository) ListPatches(ctx context.Context, id string) ([]domain.Patch, error) {
	raw, err := r.column(ctx, id, "patches")
	if err != nil {
		return nil, err
	}
	out := make([]domain.Patch, 0)
	if hasJSON(raw) {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("unmarshal patches: %w", err)
		}
	}
	return out, nil
}

func (r *CaseRepository) SaveROI(ctx context.Context, id string, roi domain.ROIResult) error {
	raw, err := json.Marshal(roi)
	if err != nil {
		return fmt.Errorf("marshal roi: %w", err)
	}
	return r.update(ctx, "save roi", `
UPDATE cases
SET roi = $2, updated_at = $3
WHERE id = $1
`, id, raw, time.Now().UTC())
}

func (r *CaseRepository) GetROI(ctx context.Context, id string) (*domain.ROIResult, error) {
	raw, err := r.column(ctx, id, "roi")
	if err != nil {
		return nil, err
	}
	if !hasJSON(raw) {
		return nil, nil
	}
	var roi domain.ROIResult
	if err := json.Unmarshal(raw, &roi); err != nil {
		return nil, fmt.Errorf("unmarshal roi: %w", err)
	}
	return &roi, nil
}

func (r *CaseRepository) SaveAnalysis(ctx context.Context, result domain.AnalysisResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	return r.update(ctx, "save analysis", `
UPDATE cases
SET analysis = $2, updated_at = $3
WHERE id = $1
`, result.CaseID, raw, time.Now().UTC())
}

func (r *CaseRepository) GetAnalysis(ctx context.Context, id string) (*domain.AnalysisResult, error) {
	raw, err := r.column(ctx, id, "analysis")
	if err != nil {
		return nil, err
	}
	if !hasJSON(raw) {
		return nil, domain.WrapError(domain.ErrAnalysisNotFound, "get analysis", fmt.Errorf("id=%s", id))
	}
	var result domain.AnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal analysis: %w", err)
	}
	return &result, nil
}

func (r *CaseRepository) update(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrCaseNotFound, op, fmt.Errorf("id=%v", args[0]))
	}
	return nil
}

// column reads one JSONB column; the name is always a constant from this file.
func (r *CaseRepository) column(ctx context.Context, id, name string) ([]byte, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT `+name+` FROM cases WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrCaseNotFound, "get "+name, fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("select %s: %w", name, err)
	}
	return raw, nil
}

func marshalNullable(v *domain.SlideMetadata) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func hasJSON(raw []byte) bool {
	return len(raw) > 0 && string(raw) != "null"
}
