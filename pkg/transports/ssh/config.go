package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password and keyboard-interactive authentication.
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication.
	AuthMethodKey AuthMethod = "key"
)

// DefaultWorkDir is where change-set files are uploaded on the scripting host
// when no working directory is configured.
const DefaultWorkDir = "/tmp/cmimport"

// Config holds the connection settings of the scripting host that runs
// cmedit commands.
type Config struct {
	// Host is the scripting host name or IP address.
	Host string

	// Port is the SSH port (default: 22).
	Port int

	// User is the SSH username.
	User string

	// AuthMethod specifies which authentication method to use.
	AuthMethod AuthMethod

	// Password for password-based authentication.
	Password string

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys.
	PrivateKeyPassphrase string

	// KnownHostsPath is the path to the known_hosts file.
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false any host key is accepted.
	StrictHostKeyChecking bool

	// ConnectionTimeout bounds the TCP dial and SSH handshake.
	ConnectionTimeout time.Duration

	// CommandTimeout bounds a single remote command. Zero means the
	// caller's context is the only limit.
	CommandTimeout time.Duration

	// KeepAliveInterval is the interval between keep-alive requests.
	// Zero disables keep-alive.
	KeepAliveInterval time.Duration

	// MaxKeepAliveRetries is the number of consecutive keep-alive failures
	// after which the connection is marked dead.
	MaxKeepAliveRetries int

	// WorkDir is the remote directory change-set files are uploaded to.
	WorkDir string

	// JumpHost is an optional bastion the scripting host is reached through.
	// The bastion uses the same credentials as the target.
	JumpHost string

	// JumpPort is the SSH port of the bastion.
	JumpPort int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        10 * time.Minute,
		MaxKeepAliveRetries:   3,
		WorkDir:               DefaultWorkDir,
		JumpPort:              22,
	}
}

// Validate checks if the configuration is valid. For key authentication
// without a key path it picks the first default key found in ~/.ssh.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultKeyPath()
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %q", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if c.CommandTimeout < 0 {
		return fmt.Errorf("command timeout must not be negative")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("remote working directory is required")
	}
	if c.JumpHost != "" && (c.JumpPort <= 0 || c.JumpPort > 65535) {
		return fmt.Errorf("invalid jump host port: %d", c.JumpPort)
	}

	return nil
}

func defaultKeyPath() string {
	home := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		// Many scripting hosts only answer the keyboard-interactive "Password:" prompt.
		authMethods = append(authMethods,
			ssh.Password(c.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			}),
		)

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))

	default:
		return nil, fmt.Errorf("unsupported auth method: %q", c.AuthMethod)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns the scripting host address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// JumpAddress returns the bastion address, or "" when none is configured.
func (c *Config) JumpAddress() string {
	if c.JumpHost == "" {
		return ""
	}
	return net.JoinHostPort(c.JumpHost, strconv.Itoa(c.JumpPort))
}

// RemotePath returns where a local file is stored in the working directory.
func (c *Config) RemotePath(localPath string) string {
	return c.WorkDir + "/" + filepath.Base(localPath)
}
