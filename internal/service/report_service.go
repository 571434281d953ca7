package service

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opencampus/registrar-api/internal/models"
	"github.com/opencampus/registrar-api/internal/repository"
	appErrors "github.com/opencampus/registrar-api/pkg/errors"
	"github.com/opencampus/registrar-api/pkg/jobs"
	"github.com/opencampus/registrar-api/pkg/storage"
)

type exportJobStore interface {
	Create(ctx context.Context, job *models.ExportJob) error
	GetByID(ctx context.Context, id string) (*models.ExportJob, error)
	Update(ctx context.Context, id string, params repository.UpdateExportJobParams) error
	ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

type transcriptRenderer interface {
	ExportTranscript(ctx context.Context, studentID string, format models.ExportFormat) ([]byte, string, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// ReportServiceConfig governs download URLs and result retention.
type ReportServiceConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ReportDownload aggregates resolved download data.
type ReportDownload struct {
	File        *os.File
	Filename    string
	ContentType string
	ExpiresAt   time.Time
}

// ReportService orchestrates asynchronous transcript exports: jobs are
// persisted, pushed through an in-memory worker queue, rendered, stored on
// disk and served back through signed download tokens.
type ReportService struct {
	repo    exportJobStore
	queue   jobDispatcher
	grading transcriptRenderer
	storage fileStorage
	signer  *storage.SignedURLSigner
	logger  *zap.Logger
	cfg     ReportServiceConfig
}

// NewReportService constructs the report service.
func NewReportService(repo exportJobStore, queue jobDispatcher, grading transcriptRenderer, files fileStorage, signer *storage.SignedURLSigner, cfg ReportServiceConfig, logger *zap.Logger) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	return &ReportService{
		repo:    repo,
		queue:   queue,
		grading: grading,
		storage: files,
		signer:  signer,
		logger:  logger,
		cfg:     cfg,
	}
}

// CreateJob persists a queued export job and hands it to the worker queue.
func (s *ReportService) CreateJob(ctx context.Context, studentID string, format models.ExportFormat, createdBy string) (*models.ExportJob, error) {
	if !format.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
	job := &models.ExportJob{
		StudentID: studentID,
		Format:    format,
		Status:    models.ExportStatusQueued,
		CreatedBy: createdBy,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create export job")
	}
	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: "transcript_export"}); err != nil {
		s.markFailed(ctx, job.ID, "failed to enqueue job")
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue export job")
	}
	return job, nil
}

// GetStatus returns job metadata. Students only see their own jobs.
func (s *ReportService) GetStatus(ctx context.Context, id string, claims *models.JWTClaims) (*models.ExportJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load export job")
	}
	if claims != nil && claims.Role == models.RoleStudent && job.StudentID != claims.StudentID {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
	}
	return job, nil
}

// Process is the queue handler: it renders and stores one export job.
func (s *ReportService) Process(ctx context.Context, queued jobs.Job) error {
	job, err := s.repo.GetByID(ctx, queued.ID)
	if err != nil {
		return fmt.Errorf("load export job %s: %w", queued.ID, err)
	}
	if job.Status != models.ExportStatusQueued && job.Status != models.ExportStatusProcessing {
		return nil
	}

	processing := models.ExportStatusProcessing
	if err := s.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{Status: &processing}); err != nil {
		return err
	}

	payload, _, err := s.grading.ExportTranscript(ctx, job.StudentID, job.Format)
	if err != nil {
		s.markFailed(ctx, job.ID, appErrors.FromError(err).Message)
		// Validation failures are terminal; retrying renders the same error.
		if appErr := appErrors.FromError(err); appErr.Status < 500 {
			return nil
		}
		return err
	}

	filename := fmt.Sprintf("transcript_%s_%s.%s", job.StudentID, time.Now().UTC().Format("20060102_150405"), job.Format)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		s.markFailed(ctx, job.ID, "failed to store export")
		return err
	}

	token, _, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		s.markFailed(ctx, job.ID, "failed to sign download url")
		return err
	}
	resultURL := fmt.Sprintf("%s/export/%s", strings.TrimRight(s.cfg.APIPrefix, "/"), token)

	completed := models.ExportStatusCompleted
	now := time.Now().UTC()
	if err := s.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{
		Status:     &completed,
		ResultURL:  &resultURL,
		FinishedAt: &now,
	}); err != nil {
		return err
	}
	s.logger.Info("export job completed",
		zap.String("job_id", job.ID),
		zap.String("student_id", job.StudentID),
		zap.String("format", string(job.Format)),
	)
	return nil
}

// Download resolves a signed token into an open file handle.
func (s *ReportService) Download(token string) (*ReportDownload, error) {
	_, relPath, expiresAt, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired download token")
	}
	file, err := s.storage.Open(relPath)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export file no longer available")
	}
	contentType := "text/csv"
	if strings.HasSuffix(relPath, ".pdf") {
		contentType = "application/pdf"
	}
	return &ReportDownload{
		File:        file,
		Filename:    relPath,
		ContentType: contentType,
		ExpiresAt:   expiresAt,
	}, nil
}

// RecoverQueued re-enqueues jobs that were queued before a restart.
func (s *ReportService) RecoverQueued(ctx context.Context, limit int) error {
	queued, err := s.repo.ListQueued(ctx, limit)
	if err != nil {
		return err
	}
	for _, job := range queued {
		if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: "transcript_export"}); err != nil {
			return err
		}
	}
	if len(queued) > 0 {
		s.logger.Info("recovered queued export jobs", zap.Int("count", len(queued)))
	}
	return nil
}

// Cleanup drops expired export files and their finished job rows.
func (s *ReportService) Cleanup(ctx context.Context) error {
	deleted, err := s.storage.CleanupOlderThan(s.cfg.ResultTTL)
	if err != nil {
		return err
	}
	removed, err := s.repo.DeleteFinishedBefore(ctx, time.Now().UTC().Add(-s.cfg.ResultTTL))
	if err != nil {
		return err
	}
	if len(deleted) > 0 || removed > 0 {
		s.logger.Info("export cleanup", zap.Int("files", len(deleted)), zap.Int64("jobs", removed))
	}
	return nil
}

func (s *ReportService) markFailed(ctx context.Context, id, message string) {
	failed := models.ExportStatusFailed
	now := time.Now().UTC()
	if err := s.repo.Update(ctx, id, repository.UpdateExportJobParams{
		Status:       &failed,
		ErrorMessage: &message,
		FinishedAt:   &now,
	}); err != nil {
		s.logger.Error("failed to mark export job failed", zap.String("job_id", id), zap.Error(err))
	}
}
