package nbi

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/openfroyo/cmimport/pkg/engine"
	"github.com/openfroyo/cmimport/pkg/telemetry"
)

// V1Name is the transport name of the NBI v1 import interface.
const V1Name = "nbi_v1"

const (
	v1JobsEndpoint = "/bulk/import/jobs"
	v1PollInterval = 60 * time.Second

	v1StatusCompleted = "COMPLETED"
	v1StatusFailed    = "FAILED"
)

// v1Job is an NBI v1 import job as returned by the jobs endpoint.
type v1Job struct {
	ID           ID     `json:"id"`
	Status       string `json:"status"`
	StatusReason string `json:"statusReason"`
	FileURI      string `json:"fileUri"`

	TotalCreated int `json:"totalManagedObjectCreated"`
	TotalUpdated int `json:"totalManagedObjectUpdated"`
	TotalDeleted int `json:"totalManagedObjectDeleted"`
}

// V1 imports change-sets through NBI v1.
type V1 struct {
	client *Client
}

var _ engine.Transport = (*V1)(nil)

// NewV1 creates an NBI v1 transport.
func NewV1(client *Client) *V1 { return &V1{client: client} }

// Name implements engine.Transport.
func (t *V1) Name() string { return V1Name }

// Reopen implements engine.SessionOpener.
func (t *V1) Reopen(ctx context.Context) error { return t.client.Reopen(ctx) }

// Import implements engine.Importer.
func (t *V1) Import(ctx context.Context, req *engine.ImportRequest) (*engine.ImportResult, error) {
	var result *engine.ImportResult
	err := telemetry.RecordTransportOperation(ctx, V1Name, "import", func(ctx context.Context) error {
		var err error
		result, err = t.importFile(ctx, req)
		return err
	})
	return result, err
}

func (t *V1) importFile(ctx context.Context, req *engine.ImportRequest) (*engine.ImportResult, error) {
	var created v1Job
	if err := t.client.doJSON(ctx, http.MethodPost, v1JobsEndpoint, newCreateJobRequest(req), &created,
		"Could not initiate import: "); err != nil {
		return nil, err
	}
	if created.FileURI == "" {
		return nil, fmt.Errorf("Could not initiate import: response has no file URI")
	}

	jobID, err := t.uploadFile(ctx, created.FileURI, req.FilePath)
	if err != nil {
		return nil, err
	}
	t.client.logger.Debug().Str("job", req.JobName).Str("job_id", jobID).Msg("Import job started")

	status, err := t.waitForCompletion(ctx, jobID)
	return &engine.ImportResult{JobID: jobID, Status: status}, err
}

// uploadFile PUTs the change-set to the job file URI and returns the job id.
func (t *V1) uploadFile(ctx context.Context, fileURI, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open change-set: %w", err)
	}
	defer f.Close()

	req, err := t.client.newRequest(ctx, http.MethodPut, fileURI, f)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")

	var job v1Job
	if err := t.client.do(req, "Could not upload file: ", &job); err != nil {
		return "", err
	}
	if job.ID == "" {
		return "", fmt.Errorf("Could not upload file: response has no job id")
	}
	return string(job.ID), nil
}

func (t *V1) waitForCompletion(ctx context.Context, jobID string) (string, error) {
	status := ""
	err := t.client.poll(ctx, jobID, v1PollInterval, v1StatusCompleted, func(ctx context.Context) (string, bool, error) {
		job, err := t.job(ctx, jobID)
		if err != nil {
			return status, false, err
		}
		status = job.Status
		switch job.Status {
		case v1StatusCompleted:
			return status, true, nil
		case v1StatusFailed:
			return status, false, fmt.Errorf("Job id %s failed. %s", jobID, job.StatusReason)
		}
		return status, false, nil
	})
	return status, err
}

func (t *V1) job(ctx context.Context, jobID string) (*v1Job, error) {
	var job v1Job
	if err := t.client.doJSON(ctx, http.MethodGet, v1JobsEndpoint+"/"+jobID, nil, &job, ""); err != nil {
		return nil, err
	}
	return &job, nil
}

// TotalChanges implements engine.HistoryReader. The total is the sum of the
// created, updated and deleted managed object counters of the job.
func (t *V1) TotalChanges(ctx context.Context, jobID string) (int, error) {
	var total int
	err := telemetry.RecordTransportOperation(ctx, V1Name, "history", func(ctx context.Context) error {
		job, err := t.job(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to read history of job %s: %w", jobID, err)
		}
		total = job.TotalCreated + job.TotalUpdated + job.TotalDeleted
		if total <= 0 {
			return fmt.Errorf("job %s: %w", jobID, engine.ErrTotalChangesUnidentified)
		}
		return nil
	})
	return total, err
}
