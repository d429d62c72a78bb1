package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"

	"github.com/openfroyo/cmimport/pkg/telemetry"
)

// Upload copies a local change-set file into the remote working directory
// under its base name.
func (c *Client) Upload(ctx context.Context, localPath string) (*FileTransferResult, error) {
	var result *FileTransferResult
	err := telemetry.RecordTransportOperation(ctx, TransportName, "upload", func(ctx context.Context) error {
		var err error
		result, err = c.uploadFile(ctx, localPath, c.config.RemotePath(localPath))
		return err
	})
	return result, err
}

// Download copies a remote file to localPath, creating parent directories.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) (*FileTransferResult, error) {
	var result *FileTransferResult
	err := telemetry.RecordTransportOperation(ctx, TransportName, "download", func(ctx context.Context) error {
		var err error
		result, err = c.downloadFile(ctx, remotePath, localPath)
		return err
	})
	return result, err
}

// Remove deletes a remote file. A missing file is not an error.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	sftpClient, err := c.createSFTPClient(ctx)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return newError("remove", fmt.Errorf("failed to remove %s: %w", remotePath, err), false)
	}
	return nil
}

func (c *Client) createSFTPClient(ctx context.Context) (*sftp.Client, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, newError("sftp-init", fmt.Errorf("failed to create SFTP client: %w", err), true)
	}
	return sftpClient, nil
}

func (c *Client) uploadFile(ctx context.Context, localPath, remotePath string) (*FileTransferResult, error) {
	start := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return nil, newError("upload", fmt.Errorf("failed to open local file: %w", err), false)
	}
	defer localFile.Close()

	sftpClient, err := c.createSFTPClient(ctx)
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, newError("upload", fmt.Errorf("failed to create remote directory: %w", err), false)
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return nil, newError("upload", fmt.Errorf("failed to create remote file: %w", err), true)
	}
	defer remoteFile.Close()

	n, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return nil, newError("upload", fmt.Errorf("failed to copy file: %w", err), true)
	}

	result := &FileTransferResult{
		LocalPath:        localPath,
		RemotePath:       remotePath,
		BytesTransferred: n,
		Duration:         time.Since(start),
	}
	c.logger.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", n).
		Dur("duration", result.Duration).
		Msg("change-set uploaded")
	return result, nil
}

func (c *Client) downloadFile(ctx context.Context, remotePath, localPath string) (*FileTransferResult, error) {
	start := time.Now()

	sftpClient, err := c.createSFTPClient(ctx)
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, newError("download", fmt.Errorf("failed to open remote file: %w", err), false)
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, newError("download", fmt.Errorf("failed to create local directory: %w", err), false)
	}
	localFile, err := os.Create(localPath)
	if err != nil {
		return nil, newError("download", fmt.Errorf("failed to create local file: %w", err), false)
	}
	defer localFile.Close()

	n, err := copyWithContext(ctx, localFile, remoteFile)
	if err != nil {
		_ = os.Remove(localPath)
		return nil, newError("download", fmt.Errorf("failed to copy file: %w", err), true)
	}

	c.logger.Debug().Str("remote", remotePath).Str("local", localPath).Int64("bytes", n).Msg("file downloaded")
	return &FileTransferResult{
		LocalPath:        localPath,
		RemotePath:       remotePath,
		BytesTransferred: n,
		Duration:         time.Since(start),
	}, nil
}

// copyWithContext copies in 32KiB chunks and stops between chunks when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
