package service

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencampus/registrar-api/internal/models"
	"github.com/opencampus/registrar-api/internal/repository"
	appErrors "github.com/opencampus/registrar-api/pkg/errors"
	"github.com/opencampus/registrar-api/pkg/jobs"
	"github.com/opencampus/registrar-api/pkg/storage"
)

type fakeExportJobStore struct {
	jobs    map[string]*models.ExportJob
	nextID  int
	updates []repository.UpdateExportJobParams
}

func (f *fakeExportJobStore) Create(ctx context.Context, job *models.ExportJob) error {
	f.nextID++
	job.ID = fmt.Sprintf("job-%d", f.nextID)
	job.CreatedAt = time.Now().UTC()
	if f.jobs == nil {
		f.jobs = make(map[string]*models.ExportJob)
	}
	copied := *job
	f.jobs[job.ID] = &copied
	return nil
}

func (f *fakeExportJobStore) GetByID(ctx context.Context, id string) (*models.ExportJob, error) {
	if job, ok := f.jobs[id]; ok {
		copied := *job
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeExportJobStore) Update(ctx context.Context, id string, params repository.UpdateExportJobParams) error {
	f.updates = append(f.updates, params)
	job, ok := f.jobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	if params.Status != nil {
		job.Status = *params.Status
	}
	if params.ResultURL != nil {
		job.ResultURL = params.ResultURL
	}
	if params.ErrorMessage != nil {
		job.ErrorMessage = params.ErrorMessage
	}
	if params.FinishedAt != nil {
		job.FinishedAt = params.FinishedAt
	}
	return nil
}

func (f *fakeExportJobStore) ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error) {
	var queued []models.ExportJob
	for _, job := range f.jobs {
		if job.Status == models.ExportStatusQueued {
			queued = append(queued, *job)
		}
	}
	return queued, nil
}

func (f *fakeExportJobStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeDispatcher struct {
	enqueued []jobs.Job
	err      error
}

func (f *fakeDispatcher) Enqueue(job jobs.Job) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, job)
	return nil
}

type fakeRenderer struct {
	payload []byte
	err     error
}

func (f *fakeRenderer) ExportTranscript(ctx context.Context, studentID string, format models.ExportFormat) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.payload, "text/csv", nil
}

type fakeFileStorage struct {
	dir   string
	saved map[string][]byte
}

func (f *fakeFileStorage) Save(filename string, data []byte) (string, error) {
	if f.saved == nil {
		f.saved = make(map[string][]byte)
	}
	f.saved[filename] = data
	path := filepath.Join(f.dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return filename, nil
}

func (f *fakeFileStorage) Open(filename string) (*os.File, error) {
	return os.Open(filepath.Join(f.dir, filename))
}

func (f *fakeFileStorage) CleanupOlderThan(ttl time.Duration) ([]string, error) {
	return nil, nil
}

func newReportService(t *testing.T, store *fakeExportJobStore, queue *fakeDispatcher, renderer *fakeRenderer) (*ReportService, *fakeFileStorage) {
	t.Helper()
	files := &fakeFileStorage{dir: t.TempDir()}
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	svc := NewReportService(store, queue, renderer, files, signer,
		ReportServiceConfig{APIPrefix: "/api/v1", ResultTTL: time.Hour}, nil)
	return svc, files
}

func TestReportServiceCreateJob(t *testing.T) {
	store := &fakeExportJobStore{}
	queue := &fakeDispatcher{}
	svc, _ := newReportService(t, store, queue, &fakeRenderer{})

	job, err := svc.CreateJob(context.Background(), "stu-1", models.ExportFormatCSV, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusQueued, job.Status)
	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, job.ID, queue.enqueued[0].ID)
}

func TestReportServiceCreateJobInvalidFormat(t *testing.T) {
	store := &fakeExportJobStore{}
	queue := &fakeDispatcher{}
	svc, _ := newReportService(t, store, queue, &fakeRenderer{})

	_, err := svc.CreateJob(context.Background(), "stu-1", models.ExportFormat("xlsx"), "admin-1")
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
	assert.Empty(t, queue.enqueued)
}

func TestReportServiceCreateJobEnqueueFailureMarksFailed(t *testing.T) {
	store := &fakeExportJobStore{}
	queue := &fakeDispatcher{err: fmt.Errorf("queue full")}
	svc, _ := newReportService(t, store, queue, &fakeRenderer{})

	_, err := svc.CreateJob(context.Background(), "stu-1", models.ExportFormatCSV, "admin-1")
	require.Error(t, err)
	job := store.jobs["job-1"]
	require.NotNil(t, job)
	assert.Equal(t, models.ExportStatusFailed, job.Status)
}

func TestReportServiceProcess(t *testing.T) {
	store := &fakeExportJobStore{}
	queue := &fakeDispatcher{}
	renderer := &fakeRenderer{payload: []byte("Course Code,Grade\nCS101,A\n")}
	svc, files := newReportService(t, store, queue, renderer)

	job, err := svc.CreateJob(context.Background(), "stu-1", models.ExportFormatCSV, "admin-1")
	require.NoError(t, err)

	require.NoError(t, svc.Process(context.Background(), jobs.Job{ID: job.ID}))

	stored := store.jobs[job.ID]
	assert.Equal(t, models.ExportStatusCompleted, stored.Status)
	require.NotNil(t, stored.ResultURL)
	assert.Contains(t, *stored.ResultURL, "/api/v1/export/")
	require.NotNil(t, stored.FinishedAt)
	assert.Len(t, files.saved, 1)
}

func TestReportServiceProcessRenderFailureIsTerminal(t *testing.T) {
	store := &fakeExportJobStore{}
	queue := &fakeDispatcher{}
	renderer := &fakeRenderer{err: appErrors.Clone(appErrors.ErrNotFound, "student not found")}
	svc, _ := newReportService(t, store, queue, renderer)

	job, err := svc.CreateJob(context.Background(), "stu-9", models.ExportFormatCSV, "admin-1")
	require.NoError(t, err)

	// A 4xx render error must not be retried by the queue.
	require.NoError(t, svc.Process(context.Background(), jobs.Job{ID: job.ID}))

	stored := store.jobs[job.ID]
	assert.Equal(t, models.ExportStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "student not found", *stored.ErrorMessage)
}

func TestReportServiceProcessSkipsFinishedJob(t *testing.T) {
	store := &fakeExportJobStore{}
	queue := &fakeDispatcher{}
	renderer := &fakeRenderer{payload: []byte("data")}
	svc, files := newReportService(t, store, queue, renderer)

	job, err := svc.CreateJob(context.Background(), "stu-1", models.ExportFormatCSV, "admin-1")
	require.NoError(t, err)
	require.NoError(t, svc.Process(context.Background(), jobs.Job{ID: job.ID}))

	// A redelivered job for a completed export is a no-op.
	require.NoError(t, svc.Process(context.Background(), jobs.Job{ID: job.ID}))
	assert.Len(t, files.saved, 1)
}

func TestReportServiceDownload(t *testing.T) {
	store := &fakeExportJobStore{}
	queue := &fakeDispatcher{}
	renderer := &fakeRenderer{payload: []byte("Course Code,Grade\n")}
	svc, _ := newReportService(t, store, queue, renderer)

	job, err := svc.CreateJob(context.Background(), "stu-1", models.ExportFormatCSV, "admin-1")
	require.NoError(t, err)
	require.NoError(t, svc.Process(context.Background(), jobs.Job{ID: job.ID}))

	stored := store.jobs[job.ID]
	require.NotNil(t, stored.ResultURL)
	token := (*stored.ResultURL)[len("/api/v1/export/"):]

	download, err := svc.Download(token)
	require.NoError(t, err)
	defer download.File.Close()
	assert.Equal(t, "text/csv", download.ContentType)
}

func TestReportServiceDownloadBadToken(t *testing.T) {
	svc, _ := newReportService(t, &fakeExportJobStore{}, &fakeDispatcher{}, &fakeRenderer{})

	_, err := svc.Download("not-a-token")
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized))
}

func TestReportServiceGetStatusMasksForeignJob(t *testing.T) {
	store := &fakeExportJobStore{}
	queue := &fakeDispatcher{}
	svc, _ := newReportService(t, store, queue, &fakeRenderer{})

	job, err := svc.CreateJob(context.Background(), "stu-1", models.ExportFormatCSV, "stu-1")
	require.NoError(t, err)

	claims := &models.JWTClaims{Role: models.RoleStudent, StudentID: "stu-2"}
	_, err = svc.GetStatus(context.Background(), job.ID, claims)
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
}
