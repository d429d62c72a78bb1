package nbi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/openfroyo/cmimport/pkg/engine"
	"github.com/openfroyo/cmimport/pkg/telemetry"
)

// V2Name is the transport name of the NBI v2 import interface.
const V2Name = "nbi_v2"

const (
	v2JobsEndpoint = "/bulk-configuration/v1/import-jobs/jobs"

	flowValidate = "validate"
	flowExecute  = "execute"

	v2StatusValidated = "VALIDATED"
	v2StatusExecuted  = "EXECUTED"

	// DefaultExecutionPolicy is sent when a job names no execution policy.
	DefaultExecutionPolicy = "stop-on-error"

	v2PollInterval     = 60 * time.Second
	v2FastPollInterval = 500 * time.Millisecond
	v2RetryDelay       = 500 * time.Millisecond
	v2ExecuteDelay     = time.Second
)

// fastPollJobs are job name prefixes whose imports finish within seconds.
var fastPollJobs = []string{"cmimport_13", "cmimport_31", "cmimport_32", "cmimport_33"}

// PollInterval returns the NBI v2 status poll interval for a job.
func PollInterval(jobName string) time.Duration {
	for _, prefix := range fastPollJobs {
		if strings.HasPrefix(jobName, prefix) {
			return v2FastPollInterval
		}
	}
	return v2PollInterval
}

type v2Job struct {
	ID            ID     `json:"id"`
	Status        string `json:"status"`
	FailureReason string `json:"failureReason"`
}

type v2Summary struct {
	Summary struct {
		Total struct {
			Parsed   *int `json:"parsed"`
			Valid    *int `json:"valid"`
			Invalid  *int `json:"invalid"`
			Executed *int `json:"executed"`
		} `json:"total"`
	} `json:"summary"`
}

type invocation struct {
	InvocationFlow string `json:"invocationFlow"`
}

// V2 imports change-sets through NBI v2.
type V2 struct {
	client *Client
}

var _ engine.Transport = (*V2)(nil)

// NewV2 creates an NBI v2 transport.
func NewV2(client *Client) *V2 { return &V2{client: client} }

// Name implements engine.Transport.
func (t *V2) Name() string { return V2Name }

// Reopen implements engine.SessionOpener.
func (t *V2) Reopen(ctx context.Context) error { return t.client.Reopen(ctx) }

// Import implements engine.Importer. A change-set with no valid operations
// is not executed and the result skips the history check.
func (t *V2) Import(ctx context.Context, req *engine.ImportRequest) (*engine.ImportResult, error) {
	var result *engine.ImportResult
	err := telemetry.RecordTransportOperation(ctx, V2Name, "import", func(ctx context.Context) error {
		var err error
		result, err = t.importFile(ctx, req)
		return err
	})
	return result, err
}

func (t *V2) importFile(ctx context.Context, req *engine.ImportRequest) (*engine.ImportResult, error) {
	body := newCreateJobRequest(req)
	body.ExecutionPolicy = req.ExecutionPolicy
	if len(body.ExecutionPolicy) == 0 {
		body.ExecutionPolicy = []string{DefaultExecutionPolicy}
	}

	var created v2Job
	if err := t.client.doJSON(ctx, http.MethodPost, v2JobsEndpoint, body, &created,
		"Could not initiate import: "); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, fmt.Errorf("Could not initiate import: response has no job id")
	}
	jobID := string(created.ID)
	result := &engine.ImportResult{JobID: jobID}
	logger := t.client.logger.With().Str("job", req.JobName).Str("job_id", jobID).Logger()

	if err := t.uploadFile(ctx, jobID, req.FilePath, req.FileName); err != nil {
		return result, err
	}

	interval := PollInterval(req.JobName)
	if err := t.runFlow(ctx, jobID, flowValidate, v2StatusValidated, interval); err != nil {
		return result, err
	}
	result.Status = v2StatusValidated

	summary, err := t.summary(ctx, jobID)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("Could not read validation summary, executing anyway")
	case summary.Summary.Total.Valid != nil && *summary.Summary.Total.Valid == 0:
		logger.Info().Msg("No valid operations in change-set, skipping execution")
		result.SkipHistoryCheck = true
		return result, nil
	}

	if err := t.client.sleeper.Sleep(ctx, v2ExecuteDelay); err != nil {
		return result, err
	}
	if err := t.runFlow(ctx, jobID, flowExecute, v2StatusExecuted, interval); err != nil {
		return result, err
	}
	result.Status = v2StatusExecuted
	logger.Debug().Msg("Import job executed")
	return result, nil
}

// uploadFile posts the change-set as multipart form data.
func (t *V2) uploadFile(ctx context.Context, jobID, path, fileName string) error {
	if fileName == "" {
		fileName = filepath.Base(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open change-set: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to read change-set: %w", err)
	}
	if err := w.WriteField("filename", fileName); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := t.client.newRequest(ctx, http.MethodPost, v2JobsEndpoint+"/"+jobID+"/files", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return t.client.do(req, "Could not upload file: ", nil)
}

// runFlow invokes a flow and polls the job until it reports want.
func (t *V2) runFlow(ctx context.Context, jobID, flow, want string, interval time.Duration) error {
	endpoint := v2JobsEndpoint + "/" + jobID + "/invocations"
	if err := t.client.doJSON(ctx, http.MethodPost, endpoint, invocation{InvocationFlow: flow}, nil,
		fmt.Sprintf("Could not invoke %s: ", flow)); err != nil {
		return err
	}

	return t.client.poll(ctx, jobID, interval, want, func(ctx context.Context) (string, bool, error) {
		job, err := t.job(ctx, jobID)
		if err != nil {
			return "", false, err
		}
		if job.Status != want {
			return job.Status, false, nil
		}
		if want == v2StatusExecuted && job.FailureReason != "" {
			return job.Status, false, fmt.Errorf("Job id %s failed. %s", jobID, job.FailureReason)
		}
		return job.Status, true, nil
	})
}

// job reads the job status. A failed read is retried once.
func (t *V2) job(ctx context.Context, jobID string) (*v2Job, error) {
	return backoff.Retry(ctx, func() (*v2Job, error) {
		var job v2Job
		err := t.client.doJSON(ctx, http.MethodGet, v2JobsEndpoint+"/"+jobID, nil, &job, "")
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		return &job, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(v2RetryDelay)),
		backoff.WithMaxTries(2),
	)
}

func (t *V2) summary(ctx context.Context, jobID string) (*v2Summary, error) {
	var s v2Summary
	endpoint := v2JobsEndpoint + "/" + jobID + "/?expand=summary&expand=failures"
	if err := t.client.doJSON(ctx, http.MethodGet, endpoint, nil, &s, ""); err != nil {
		return nil, err
	}
	return &s, nil
}

// TotalChanges implements engine.HistoryReader using the executed operation count.
func (t *V2) TotalChanges(ctx context.Context, jobID string) (int, error) {
	var total int
	err := telemetry.RecordTransportOperation(ctx, V2Name, "history", func(ctx context.Context) error {
		s, err := t.summary(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to read summary of job %s: %w", jobID, err)
		}
		if s.Summary.Total.Executed == nil {
			return fmt.Errorf("job %s: %w", jobID, engine.ErrTotalChangesUnidentified)
		}
		total = *s.Summary.Total.Executed
		return nil
	})
	return total, err
}

// IsStatus reports whether err is a *StatusError with the given status code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
