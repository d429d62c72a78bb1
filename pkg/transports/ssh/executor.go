package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/cmimport/pkg/telemetry"
)

// Run executes a command on the scripting host. A non-zero exit status is
// returned as a *TransportError together with the populated result.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	var result *ExecResult
	err := telemetry.RecordTransportOperation(ctx, TransportName, "exec", func(ctx context.Context) error {
		var err error
		result, err = c.run(ctx, cmd)
		return err
	})
	return result, err
}

// Execute runs a command and returns its output lines.
func (c *Client) Execute(ctx context.Context, cmd string) ([]string, error) {
	result, err := c.Run(ctx, cmd)
	if result == nil {
		return nil, err
	}
	return result.Lines(), err
}

func (c *Client) run(ctx context.Context, cmd string) (*ExecResult, error) {
	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, newError("exec", fmt.Errorf("failed to create session: %w", err), true)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	result := &ExecResult{Command: cmd, StartedAt: time.Now()}
	c.logger.Debug().Str("command", cmd).Msg("executing command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		execErr = ctx.Err()
	case execErr = <-done:
	}

	result.FinishedAt = time.Now()
	result.Stdout = strings.TrimSpace(stdoutBuf.String())
	result.Stderr = strings.TrimSpace(stderrBuf.String())

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration()).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, newError("exec", fmt.Errorf("command exited with code %d: %s", result.ExitCode, result.Stderr), false)
	}

	result.ExitCode = -1
	return result, newError("exec", execErr, true)
}
