package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ycmlab/academic-researcher/internal/engine"
)

// ErrReportNotFound is returned when no archived report exists for a job ID.
var ErrReportNotFound = errors.New("report not found")

// ArchivedReport is one row of the report archive.
type ArchivedReport struct {
	JobID      string          `json:"job_id"`
	Query      string          `json:"query"`
	ReportType string          `json:"report_type"`
	Body       string          `json:"report"`
	Sources    []engine.Source `json:"sources"`
	Persisted  bool            `json:"saved_to_vector_db"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ReportStore archives completed reports in postgres. The archive outlives
// the in-memory job cache and its TTL eviction.
type ReportStore struct {
	db *sql.DB
}

func NewReportStore(db *sql.DB) *ReportStore {
	return &ReportStore{db: db}
}

// Save upserts a report by job ID. Re-running the same research after
// eviction overwrites the previous archive row.
func (s *ReportStore) Save(ctx context.Context, jobID, query, reportType string, report *engine.Report) error {
	sources, err := json.Marshal(report.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (job_id, query, report_type, body, sources, persisted)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE SET
			body       = EXCLUDED.body,
			sources    = EXCLUDED.sources,
			persisted  = EXCLUDED.persisted,
			created_at = now()`,
		jobID, query, reportType, report.Text, sources, report.Persisted)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// GetByJobID returns one archived report.
func (s *ReportStore) GetByJobID(ctx context.Context, jobID string) (*ArchivedReport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, query, report_type, body, sources, persisted, created_at
		FROM reports WHERE job_id = $1`, jobID)

	report, err := scanReport(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to load report: %w", err)
	}
	return report, nil
}

// ListRecent returns the newest archived reports, most recent first.
func (s *ReportStore) ListRecent(ctx context.Context, limit int) ([]ArchivedReport, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, query, report_type, body, sources, persisted, created_at
		FROM reports ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	reports := make([]ArchivedReport, 0, limit)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, *report)
	}
	return reports, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*ArchivedReport, error) {
	var report ArchivedReport
	var sources []byte

	if err := row.Scan(&report.JobID, &report.Query, &report.ReportType,
		&report.Body, &sources, &report.Persisted, &report.CreatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(sources, &report.Sources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
	}
	return &report, nil
}
