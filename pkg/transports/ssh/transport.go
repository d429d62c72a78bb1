// Package ssh provides the SSH session to the scripting host that runs
// cmedit commands, including SFTP upload of change-set files.
package ssh

import (
	"strings"
	"time"
)

// TransportName identifies this transport in logs, spans and metrics.
const TransportName = "ssh"

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	JumpHost     string
	ConnectedAt  time.Time
	LastActivity time.Time
	Reconnects   int
}

// ExecResult represents the result of a remote command.
type ExecResult struct {
	Command    string
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the total execution time.
func (r *ExecResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Lines returns stdout split into lines. cmedit reports errors on stdout,
// so stderr lines are appended after them.
func (r *ExecResult) Lines() []string {
	var lines []string
	for _, out := range []string{r.Stdout, r.Stderr} {
		if out == "" {
			continue
		}
		lines = append(lines, strings.Split(out, "\n")...)
	}
	return lines
}

// FileTransferResult represents the result of a file transfer.
type FileTransferResult struct {
	LocalPath        string
	RemotePath       string
	BytesTransferred int64
	Duration         time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload").
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary indicates the operation may succeed after a reconnect.
	IsTemporary bool

	// IsAuthError indicates the error is related to authentication.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the error is temporary.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

func newError(op string, err error, temporary bool) *TransportError {
	return &TransportError{Op: op, Err: err, IsTemporary: temporary}
}
