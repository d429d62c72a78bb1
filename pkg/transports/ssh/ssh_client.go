package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is the session to the scripting host. It is safe for concurrent
// use; commands and transfers open their own channels on the shared
// connection.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu           sync.RWMutex
	client       *ssh.Client
	jump         *ssh.Client
	connectedAt  time.Time
	lastActivity time.Time
	reconnects   int
	stopKeep     chan struct{}
}

// NewClient creates a client for the scripting host. It does not connect.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: log.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Config returns the client configuration.
func (c *Client) Config() *Config { return c.config }

// Connect establishes the SSH connection. An existing healthy connection is kept.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if err := c.healthCheckLocked(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if c.config.JumpHost != "" {
		err = c.connectViaJumpHost(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	c.connectedAt = time.Now()
	c.lastActivity = c.connectedAt
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}
	return nil
}

// Reopen drops the current connection and dials a new one. The forward
// import job calls it at the start of every iteration.
func (c *Client) Reopen(ctx context.Context) error {
	c.mu.Lock()
	if c.client != nil {
		c.closeLocked()
		c.reconnects++
	}
	c.mu.Unlock()

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("failed to reopen session to %s: %w", c.config.Address(), err)
	}
	return nil
}

func (c *Client) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("establishing SSH connection")

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		done <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		// The dial goroutine closes whatever it eventually gets.
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return newError("connect", ctx.Err(), true)
	case r := <-done:
		if r.err != nil {
			return newError("connect", r.err, true)
		}
		c.client = r.client
		c.logger.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

func (c *Client) connectViaJumpHost(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	jumpAddress := c.config.JumpAddress()
	c.logger.Debug().Str("jump_host", jumpAddress).Msg("connecting to jump host")

	if err := ctx.Err(); err != nil {
		return newError("connect-jump", err, true)
	}

	jump, err := ssh.Dial("tcp", jumpAddress, targetConfig)
	if err != nil {
		return newError("connect-jump", err, true)
	}

	targetAddress := c.config.Address()
	conn, err := jump.Dial("tcp", targetAddress)
	if err != nil {
		_ = jump.Close()
		return newError("connect-via-jump", err, true)
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, targetAddress, targetConfig)
	if err != nil {
		_ = conn.Close()
		_ = jump.Close()
		return &TransportError{Op: "connect-via-jump", Err: err, IsTemporary: true, IsAuthError: true}
	}

	c.jump = jump
	c.client = ssh.NewClient(ncc, chans, reqs)
	c.logger.Info().Str("target", targetAddress).Str("jump_host", jumpAddress).Msg("SSH connection established via jump host")
	return nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	c.logger.Debug().Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return newError("disconnect", err, false)
	}
	return nil
}

func (c *Client) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	if c.jump != nil {
		_ = c.jump.Close()
		c.jump = nil
	}
	c.client = nil
	return err
}

// IsConnected returns true if the client has an active connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// HealthCheck runs a no-op command on the scripting host.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return newError("healthcheck", fmt.Errorf("not connected"), false)
	}
	return c.healthCheckLocked()
}

func (c *Client) healthCheckLocked() error {
	session, err := c.client.NewSession()
	if err != nil {
		return newError("healthcheck", err, true)
	}
	defer session.Close()
	if err := session.Run("true"); err != nil {
		return newError("healthcheck", err, true)
	}
	return nil
}

func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			c.logger.Warn().Err(err).Int("failures", failures).Msg("keep-alive failed")
			if failures >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("keep-alive failed too many times, next command will reconnect")
				return
			}
			continue
		}
		failures = 0
		c.touch()
	}
}

// Info returns information about the current connection.
func (c *Client) Info() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		JumpHost:     c.config.JumpHost,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
		Reconnects:   c.reconnects,
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// getClient returns the underlying connection, dialing one if the client
// has none yet.
func (c *Client) getClient(ctx context.Context) (*ssh.Client, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client != nil {
		c.touch()
		return client, nil
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, newError("get-client", fmt.Errorf("not connected"), true)
	}
	return c.client, nil
}
