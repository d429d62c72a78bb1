package nbi

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/openfroyo/cmimport/pkg/engine"
	"github.com/openfroyo/cmimport/pkg/telemetry"
)

const (
	undoJobType      = "UNDO_IMPORT_TO_LIVE"
	undoJobsEndpoint = "/configuration/jobs"
)

type undoJobRequest struct {
	ID   ID     `json:"id"`
	Type string `json:"type"`
}

// JobRemover removes undo jobs from the remote system. The REST interfaces
// have no removal endpoint; *cmedit.Transport implements it over the CLI.
type JobRemover interface {
	RemoveUndoJob(ctx context.Context, undoID string) error
}

// UndoService creates undo jobs over the REST session.
type UndoService struct {
	client  *Client
	remover JobRemover
}

var _ engine.UndoService = (*UndoService)(nil)

// NewUndoService creates an undo service.
func NewUndoService(client *Client, remover JobRemover) *UndoService {
	return &UndoService{client: client, remover: remover}
}

// CreateUndoJob implements engine.UndoService.
func (u *UndoService) CreateUndoJob(ctx context.Context, importJobID string) (string, error) {
	var undoID string
	err := telemetry.RecordTransportOperation(ctx, "nbi_undo", "create", func(ctx context.Context) error {
		var created v1Job
		body := undoJobRequest{ID: ID(importJobID), Type: undoJobType}
		if err := u.client.doJSON(ctx, http.MethodPost, undoJobsEndpoint+"?type="+undoJobType, body, &created,
			"Could not create undo job: "); err != nil {
			return err
		}
		if created.ID == "" {
			return fmt.Errorf("Could not create undo job: response has no job id")
		}
		undoID = string(created.ID)

		return u.client.poll(ctx, undoID, v1PollInterval, v1StatusCompleted, func(ctx context.Context) (string, bool, error) {
			job, err := u.undoJob(ctx, undoID)
			if err != nil {
				return "", false, err
			}
			switch job.Status {
			case v1StatusCompleted:
				return job.Status, true, nil
			case v1StatusFailed:
				return job.Status, false, fmt.Errorf("Job id %s failed. %s", undoID, job.StatusReason)
			}
			return job.Status, false, nil
		})
	})
	return undoID, err
}

func (u *UndoService) undoJob(ctx context.Context, undoID string) (*v1Job, error) {
	var job v1Job
	endpoint := undoJobsEndpoint + "/" + undoID + "?type=" + undoJobType
	if err := u.client.doJSON(ctx, http.MethodGet, endpoint, nil, &job, ""); err != nil {
		return nil, err
	}
	return &job, nil
}

// DownloadUndoFile implements engine.UndoService. The file is stored in dir
// under the name the server reports and located by its undo id suffix.
func (u *UndoService) DownloadUndoFile(ctx context.Context, undoID, dir string) (string, error) {
	var local string
	err := telemetry.RecordTransportOperation(ctx, "nbi_undo", "download", func(ctx context.Context) error {
		job, err := u.undoJob(ctx, undoID)
		if err != nil {
			return err
		}
		if job.FileURI == "" {
			return fmt.Errorf("undo job %s has no file URI", undoID)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create undo directory: %w", err)
		}
		if err := u.download(ctx, job.FileURI, undoID, dir); err != nil {
			return err
		}
		local, err = UndoFilePath(dir, undoID)
		return err
	})
	return local, err
}

func (u *UndoService) download(ctx context.Context, fileURI, undoID, dir string) error {
	req, err := u.client.newRequest(ctx, http.MethodGet, fileURI, nil)
	if err != nil {
		return err
	}
	resp, err := u.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download undo file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     req.Method,
			URL:        req.URL.Path,
			StatusCode: resp.StatusCode,
			Prefix:     "Could not download undo file: ",
			Body:       strings.TrimSpace(string(data)),
		}
	}

	name := downloadName(resp.Header.Get("Content-Disposition"), req.URL, undoID)
	target := filepath.Join(dir, name)
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create undo file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("failed to write undo file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	u.client.logger.Debug().Str("undo_id", undoID).Str("file", target).Msg("Undo file downloaded")
	return nil
}

// downloadName picks the local file name from the Content-Disposition header,
// then the URI path, then the undo id.
func downloadName(disposition string, u *url.URL, undoID string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := filepath.Base(params["filename"]); name != "." && name != "/" && params["filename"] != "" {
				return name
			}
		}
	}
	if base := path.Base(u.Path); base != "." && base != "/" && strings.Contains(base, ".") {
		return base
	}
	return fmt.Sprintf("undo_%s.txt", undoID)
}

// UndoFilePath returns the file in dir whose name, up to the first ".",
// ends with the undo id.
func UndoFilePath(dir, undoID string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list undo directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stem, _, _ := strings.Cut(e.Name(), ".")
		if strings.HasSuffix(stem, undoID) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no undo file for job %s in %s", undoID, dir)
}

// RemoveUndoFiles implements engine.UndoService by removing dir.
func (u *UndoService) RemoveUndoFiles(_ context.Context, dir string) error {
	if dir == "" || dir == "/" {
		return fmt.Errorf("refusing to remove undo directory %q", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove undo files: %w", err)
	}
	return nil
}

// RemoveUndoJob implements engine.UndoService.
func (u *UndoService) RemoveUndoJob(ctx context.Context, undoID string) error {
	if u.remover == nil {
		return fmt.Errorf("no remover configured for undo job %s", undoID)
	}
	return u.remover.RemoveUndoJob(ctx, undoID)
}
