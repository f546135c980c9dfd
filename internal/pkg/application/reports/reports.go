package reports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aquawatch/water-quality-mgmt/internal/pkg/infrastructure/storage"
	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"
)

var ErrReportNotFound = fmt.Errorf("report not found")
var ErrReportNotReady = fmt.Errorf("report is not completed")
var ErrUnknownReportType = fmt.Errorf("unknown report type")

// ReportExpiry is how long a finished artifact stays downloadable.
const ReportExpiry = 30 * 24 * time.Hour

const (
	TypeWaterQuality = "water-quality"
	TypeDeviceStatus = "device-status"
	TypeCompliance   = "compliance"
	TypeAlertSummary = "alert-summary"
)

// Renderer turns an assembled data bundle into a document. Rendering is an
// external collaborator.
type Renderer interface {
	Render(ctx context.Context, format string, bundle any) ([]byte, string, error)
}

// ObjectStore keeps rendered artifacts outside the database.
type ObjectStore interface {
	Put(ctx context.Context, name string, contentType string, body []byte) (string, error)
	Get(ctx context.Context, handle string) (io.ReadCloser, error)
	Delete(ctx context.Context, handle string) error
}

type ReportService interface {
	Create(ctx context.Context, reportType, title, description, format string, parameters map[string]any, generatedBy string) (types.Report, error)
	Get(ctx context.Context, reportID string) (types.Report, error)
	Query(ctx context.Context, params map[string][]string) (types.Collection[types.Report], error)
	Download(ctx context.Context, reportID string) (io.ReadCloser, types.ReportFile, error)
	Delete(ctx context.Context, reportID string) error
	Statistics(ctx context.Context) (types.ReportStats, error)

	RemoveExpired(ctx context.Context) (int, error)

	Start(ctx context.Context) error
	Shutdown()
}

type ReportStorage interface {
	AddReport(ctx context.Context, report types.Report) error
	GetReport(ctx context.Context, conditions ...storage.ConditionFunc) (types.Report, error)
	QueryReports(ctx context.Context, conditions ...storage.ConditionFunc) (types.Collection[types.Report], error)
	CompleteReport(ctx context.Context, reportID string, file types.ReportFile, generatedOn time.Time) error
	FailReport(ctx context.Context, reportID, errorMessage string) error
	DeleteReport(ctx context.Context, reportID string) (*types.ReportFile, error)
	DeleteExpiredReports(ctx context.Context, now time.Time) ([]types.ReportFile, error)
	CountReports(ctx context.Context, conditions ...storage.ConditionFunc) (types.ReportStats, error)
}

type service struct {
	storage  ReportStorage
	builder  *builder
	renderer Renderer
	files    ObjectStore

	jobs chan string
	wg   sync.WaitGroup
	once sync.Once
}

const workerCount = 2

func New(s ReportStorage, b BundleSources, renderer Renderer, files ObjectStore) ReportService {
	return &service{
		storage:  s,
		builder:  newBuilder(b),
		renderer: renderer,
		files:    files,
		jobs:     make(chan string, 32),
	}
}

// Start launches the build workers. They drain the queue until the context
// is cancelled or Shutdown closes the queue.
func (s *service) Start(ctx context.Context) error {
	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	return nil
}

func (s *service) Shutdown() {
	s.once.Do(func() { close(s.jobs) })
	s.wg.Wait()
}

func (s *service) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case reportID, ok := <-s.jobs:
			if !ok {
				return
			}
			s.build(ctx, reportID)
		}
	}
}

func (s *service) Create(ctx context.Context, reportType, title, description, format string, parameters map[string]any, generatedBy string) (types.Report, error) {
	switch reportType {
	case TypeWaterQuality, TypeDeviceStatus, TypeCompliance, TypeAlertSummary:
	default:
		return types.Report{}, ErrUnknownReportType
	}

	if format == "" {
		format = "pdf"
	}

	now := time.Now().UTC()

	report := types.Report{
		ID:          uuid.NewString(),
		Type:        reportType,
		Title:       title,
		Description: description,
		Status:      types.ReportGenerating,
		Format:      format,
		Parameters:  parameters,
		GeneratedBy: generatedBy,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ReportExpiry),
	}

	err := s.storage.AddReport(ctx, report)
	if err != nil {
		return types.Report{}, err
	}

	select {
	case s.jobs <- report.ID:
	default:
		// queue full, fail fast instead of blocking the API
		_ = s.storage.FailReport(ctx, report.ID, "report queue is full")
		report.Status = types.ReportFailed
		report.ErrorMessage = "report queue is full"
	}

	return report, nil
}

func (s *service) build(ctx context.Context, reportID string) {
	log := logging.GetFromContext(ctx)

	report, err := s.storage.GetReport(ctx, storage.WithReportID(reportID))
	if err != nil {
		log.Error("could not load queued report", "report_id", reportID, "err", err.Error())
		return
	}

	fail := func(err error) {
		log.Error("report build failed", "report_id", reportID, "err", err.Error())
		failErr := s.storage.FailReport(ctx, reportID, err.Error())
		if failErr != nil {
			log.Error("could not mark report as failed", "report_id", reportID, "err", failErr.Error())
		}
	}

	bundle, err := s.builder.buildParams(ctx, report)
	if err != nil {
		fail(err)
		return
	}

	body, contentType, err := s.renderer.Render(ctx, report.Format, bundle)
	if err != nil {
		fail(err)
		return
	}

	filename := fmt.Sprintf("%s-%s.%s", report.Type, report.ID[:8], report.Format)

	handle, err := s.files.Put(ctx, filename, contentType, body)
	if err != nil {
		fail(err)
		return
	}

	file := types.ReportFile{
		Handle:      handle,
		Filename:    filename,
		Size:        int64(len(body)),
		ContentType: contentType,
	}

	err = s.storage.CompleteReport(ctx, reportID, file, time.Now().UTC())
	if err != nil {
		fail(err)
		return
	}

	log.Info("report completed", "report_id", reportID, "size", file.Size)
}

func (s *service) Get(ctx context.Context, reportID string) (types.Report, error) {
	report, err := s.storage.GetReport(ctx, storage.WithReportID(reportID))
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return types.Report{}, ErrReportNotFound
		}
		return types.Report{}, err
	}

	return report, nil
}

func (s *service) Query(ctx context.Context, params map[string][]string) (types.Collection[types.Report], error) {
	conditions := make([]storage.ConditionFunc, 0)

	for k, v := range params {
		switch strings.ToLower(k) {
		case "status":
			conditions = append(conditions, storage.WithStatus(v[0]))
		case "generated_by":
			conditions = append(conditions, storage.WithGeneratedBy(v[0]))
		case "limit":
			limit, _ := strconv.Atoi(v[0])
			conditions = append(conditions, storage.WithLimit(limit))
		case "offset":
			offset, _ := strconv.Atoi(v[0])
			conditions = append(conditions, storage.WithOffset(offset))
		case "sortby":
			conditions = append(conditions, storage.WithSortBy(v[0]))
		case "sortorder":
			conditions = append(conditions, storage.WithSortDesc(strings.EqualFold(v[0], "desc")))
		}
	}

	return s.storage.QueryReports(ctx, conditions...)
}

func (s *service) Download(ctx context.Context, reportID string) (io.ReadCloser, types.ReportFile, error) {
	report, err := s.Get(ctx, reportID)
	if err != nil {
		return nil, types.ReportFile{}, err
	}

	if report.Status != types.ReportCompleted || report.File == nil {
		return nil, types.ReportFile{}, ErrReportNotReady
	}

	body, err := s.files.Get(ctx, report.File.Handle)
	if err != nil {
		return nil, types.ReportFile{}, err
	}

	return body, *report.File, nil
}

func (s *service) Delete(ctx context.Context, reportID string) error {
	log := logging.GetFromContext(ctx)

	file, err := s.storage.DeleteReport(ctx, reportID)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return ErrReportNotFound
		}
		return err
	}

	if file != nil {
		err = s.files.Delete(ctx, file.Handle)
		if err != nil {
			log.Error("could not delete report artifact", "handle", file.Handle, "err", err.Error())
		}
	}

	return nil
}

func (s *service) Statistics(ctx context.Context) (types.ReportStats, error) {
	return s.storage.CountReports(ctx)
}

// RemoveExpired deletes reports past their expiry along with their stored
// artifacts.
func (s *service) RemoveExpired(ctx context.Context) (int, error) {
	log := logging.GetFromContext(ctx)

	files, err := s.storage.DeleteExpiredReports(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	for _, f := range files {
		err = s.files.Delete(ctx, f.Handle)
		if err != nil {
			log.Error("could not delete expired report artifact", "handle", f.Handle, "err", err.Error())
		}
	}

	return len(files), nil
}
