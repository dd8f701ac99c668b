package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
)

func newRepoWithMock(t *testing.T) (*CaseRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return NewCaseRepository(db), mock, func() { _ = db.Close() }
}

func TestGetByIDReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, filename, storage_key").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetByIDDecodesMetadata(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	meta, _ := json.Marshal(domain.SlideMetadata{Width: 4096, Height: 2048, LevelCount: 3, Format: "tiff"})
	mock.ExpectQuery("SELECT id, filename, storage_key").
		WithArgs("case1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "filename", "storage_key", "status", "status_message", "metadata", "created_at", "updated_at"}).
			AddRow("case1", "s.tiff", "slides/case1_s.tiff", "roi_pending", "", meta, now, now))

	c, err := repo.GetByID(context.Background(), "case1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if c.Status != domain.CaseROIPending || c.Metadata == nil || c.Metadata.Width != 4096 {
		t.Fatalf("unexpected case %+v", c)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateStatusReturnsDomainNotFoundWhenNoRowsAffected(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE cases").
		WithArgs("missing", string(domain.CaseProcessing), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), "missing", domain.CaseProcessing, "")
	if !domain.IsKind(err, domain.ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSavePatchesClearsSelection(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec(`UPDATE cases\s+SET patches = \$2, roi = NULL`).
		WithArgs("case1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SavePatches(context.Background(), "case1", nil); err != nil {
		t.Fatalf("SavePatches() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListPatchesDecodesJSONB(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	raw, _ := json.Marshal([]domain.Patch{{ID: "case1_0_0_0", CaseID: "case1", VarianceScore: 0.4}})
	mock.ExpectQuery("SELECT patches FROM cases").
		WithArgs("case1").
		WillReturnRows(sqlmock.NewRows([]string{"patches"}).AddRow(raw))

	patches, err := repo.ListPatches(context.Background(), "case1")
	if err != nil {
		t.Fatalf("ListPatches() error = %v", err)
	}
	if len(patches) != 1 || patches[0].ID != "case1_0_0_0" || patches[0].VarianceScore != 0.4 {
		t.Fatalf("unexpected patches %+v", patches)
	}
}

func TestGetROIReturnsNilWhenUnset(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT roi FROM cases").
		WithArgs("case1").
		WillReturnRows(sqlmock.NewRows([]string{"roi"}).AddRow(nil))

	roi, err := repo.GetROI(context.Background(), "case1")
	if err != nil || roi != nil {
		t.Fatalf("expected nil roi, got %+v, %v", roi, err)
	}
}

func TestGetAnalysisDistinguishesMissingAnalysis(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT analysis FROM cases").
		WithArgs("case1").
		WillReturnRows(sqlmock.NewRows([]string{"analysis"}).AddRow(nil))
	mock.ExpectQuery("SELECT analysis FROM cases").
		WithArgs("gone").
		WillReturnError(sql.ErrNoRows)

	if _, err := repo.GetAnalysis(context.Background(), "case1"); !domain.IsKind(err, domain.ErrAnalysisNotFound) {
		t.Fatalf("expected ErrAnalysisNotFound, got %v", err)
	}
	if _, err := repo.GetAnalysis(context.Background(), "gone"); !domain.IsKind(err, domain.ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEnsureSchemaTakesAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WithArgs(schemaLockID).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cases`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
