package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const reportColumns = `report_id, type, title, description, status, format, parameters, file, generated_by, generated_on, error_message, created_on, expires_on`

type reportRow struct {
	reportID     string
	reportType   string
	title        string
	description  *string
	status       string
	format       string
	parameters   json.RawMessage
	file         json.RawMessage
	generatedBy  string
	generatedOn  *time.Time
	errorMessage *string
	createdOn    time.Time
	expiresOn    time.Time
}

func (r *reportRow) fields() []any {
	return []any{
		&r.reportID, &r.reportType, &r.title, &r.description, &r.status, &r.format,
		&r.parameters, &r.file, &r.generatedBy, &r.generatedOn, &r.errorMessage, &r.createdOn, &r.expiresOn,
	}
}

func (r reportRow) toReport() (types.Report, error) {
	report := types.Report{
		ID:          r.reportID,
		Type:        r.reportType,
		Title:       r.title,
		Status:      types.ReportStatus(r.status),
		Format:      r.format,
		GeneratedBy: r.generatedBy,
		GeneratedAt: r.generatedOn,
		CreatedAt:   r.createdOn,
		ExpiresAt:   r.expiresOn,
	}

	if r.description != nil {
		report.Description = *r.description
	}
	if r.errorMessage != nil {
		report.ErrorMessage = *r.errorMessage
	}

	if len(r.parameters) > 0 {
		err := json.Unmarshal(r.parameters, &report.Parameters)
		if err != nil {
			return types.Report{}, err
		}
	}

	if len(r.file) > 0 {
		var f types.ReportFile
		err := json.Unmarshal(r.file, &f)
		if err != nil {
			return types.Report{}, err
		}
		report.File = &f
	}

	return report, nil
}

func (s *Storage) AddReport(ctx context.Context, report types.Report) error {
	params, err := json.Marshal(report.Parameters)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO reports (report_id, type, title, description, status, format, parameters, generated_by, expires_on)
		VALUES (@report_id, @type, @title, @description, @status, @format, @parameters, @generated_by, @expires_on)
	`, pgx.NamedArgs{
		"report_id":    report.ID,
		"type":         report.Type,
		"title":        report.Title,
		"description":  report.Description,
		"status":       string(report.Status),
		"format":       report.Format,
		"parameters":   string(params),
		"generated_by": report.GeneratedBy,
		"expires_on":   report.ExpiresAt.UTC(),
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExist
		}
		return err
	}

	return nil
}

func (s *Storage) GetReport(ctx context.Context, conditions ...ConditionFunc) (types.Report, error) {
	condition := &Condition{IncludeDeleted: true}
	for _, f := range conditions {
		f(condition)
	}

	query := fmt.Sprintf(`SELECT %s FROM reports %s`, reportColumns, condition.Where())

	var row reportRow
	err := s.pool.QueryRow(ctx, query, condition.NamedArgs()).Scan(row.fields()...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Report{}, ErrNoRows
		}
		return types.Report{}, err
	}

	return row.toReport()
}

func (s *Storage) QueryReports(ctx context.Context, conditions ...ConditionFunc) (types.Collection[types.Report], error) {
	condition := &Condition{IncludeDeleted: true}
	for _, f := range conditions {
		f(condition)
	}

	var offsetLimit string
	if condition.offset != nil {
		offsetLimit += fmt.Sprintf("OFFSET %d ", condition.Offset())
	}
	if condition.limit != nil {
		offsetLimit += fmt.Sprintf("LIMIT %d ", condition.Limit())
	}

	query := fmt.Sprintf(`
		SELECT %s, count(*) OVER () AS count
		FROM reports
		%s
		ORDER BY %s %s
		%s
	`, reportColumns, condition.Where(), condition.SortBy(), condition.SortOrder(), offsetLimit)

	rows, err := s.pool.Query(ctx, query, condition.NamedArgs())
	if err != nil {
		return types.Collection[types.Report]{}, err
	}

	var row reportRow
	var count int64

	reports := make([]types.Report, 0)

	_, err = pgx.ForEachRow(rows, append(row.fields(), &count), func() error {
		report, err := row.toReport()
		if err != nil {
			return err
		}
		reports = append(reports, report)
		return nil
	})
	if err != nil {
		return types.Collection[types.Report]{}, err
	}

	return types.Collection[types.Report]{
		Data:       reports,
		Count:      uint64(len(reports)),
		Offset:     uint64(condition.Offset()),
		Limit:      uint64(condition.Limit()),
		TotalCount: uint64(count),
	}, nil
}

// CompleteReport attaches the generated file and flips the report to
// completed. Only a report still generating can complete.
func (s *Storage) CompleteReport(ctx context.Context, reportID string, file types.ReportFile, generatedOn time.Time) error {
	b, err := json.Marshal(file)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE reports
		SET status = 'completed', file = @file, generated_on = @generated_on, error_message = NULL
		WHERE report_id = @report_id AND status = 'generating'
	`, pgx.NamedArgs{
		"report_id":    reportID,
		"file":         string(b),
		"generated_on": generatedOn.UTC(),
	})
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}

	return nil
}

func (s *Storage) FailReport(ctx context.Context, reportID, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reports
		SET status = 'failed', error_message = @error_message
		WHERE report_id = @report_id AND status = 'generating'
	`, pgx.NamedArgs{
		"report_id":     reportID,
		"error_message": errorMessage,
	})
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}

	return nil
}

// DeleteReport removes the row outright. Reports are derived artifacts and
// carry no tombstone. The removed file descriptor, if any, is returned so
// the caller can reclaim the stored artifact.
func (s *Storage) DeleteReport(ctx context.Context, reportID string) (*types.ReportFile, error) {
	var fileJSON json.RawMessage

	err := s.pool.QueryRow(ctx, `
		DELETE FROM reports WHERE report_id = @report_id
		RETURNING file
	`, pgx.NamedArgs{"report_id": reportID}).Scan(&fileJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, err
	}

	if len(fileJSON) == 0 {
		return nil, nil
	}

	var f types.ReportFile
	err = json.Unmarshal(fileJSON, &f)
	if err != nil {
		return nil, err
	}

	return &f, nil
}

// DeleteExpiredReports sweeps reports past their expiry and returns the
// file descriptors of the removed artifacts.
func (s *Storage) DeleteExpiredReports(ctx context.Context, now time.Time) ([]types.ReportFile, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM reports WHERE expires_on < @now
		RETURNING file
	`, pgx.NamedArgs{"now": now.UTC()})
	if err != nil {
		return nil, err
	}

	var fileJSON json.RawMessage
	files := make([]types.ReportFile, 0)

	_, err = pgx.ForEachRow(rows, []any{&fileJSON}, func() error {
		if len(fileJSON) == 0 {
			return nil
		}
		var f types.ReportFile
		if err := json.Unmarshal(fileJSON, &f); err != nil {
			return err
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

func (s *Storage) CountReports(ctx context.Context, conditions ...ConditionFunc) (types.ReportStats, error) {
	condition := &Condition{IncludeDeleted: true}
	for _, f := range conditions {
		f(condition)
	}

	stats := types.ReportStats{
		ByStatus: map[string]int64{},
		ByType:   map[string]int64{},
	}

	query := fmt.Sprintf(`SELECT status, type, count(*) FROM reports %s GROUP BY status, type`, condition.Where())

	rows, err := s.pool.Query(ctx, query, condition.NamedArgs())
	if err != nil {
		return types.ReportStats{}, err
	}

	var status, reportType string
	var count int64

	_, err = pgx.ForEachRow(rows, []any{&status, &reportType, &count}, func() error {
		stats.Total += count
		stats.ByStatus[status] += count
		stats.ByType[reportType] += count
		return nil
	})
	if err != nil {
		return types.ReportStats{}, err
	}

	return stats, nil
}
