package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/cmimport/pkg/engine"
	"github.com/openfroyo/cmimport/pkg/stores"
	"github.com/openfroyo/cmimport/pkg/transports/cmedit"
	"github.com/openfroyo/cmimport/pkg/transports/nbi"
	"github.com/openfroyo/cmimport/pkg/transports/ssh"
	"github.com/rs/zerolog/log"
)

// remoteSession holds the connections opened for one command.
type remoteSession struct {
	iface engine.Interface
	ssh   *ssh.Client
	cli   *cmedit.Transport
	nbi   *nbi.Client
}

// sessionRequirements says which connections a command cannot do without.
type sessionRequirements struct {
	iface   engine.Interface
	timeout time.Duration

	// needSSH forces the SSH session even for REST interfaces.
	needSSH bool

	// needNBI forces the REST session even for the CLI interface.
	needNBI bool
}

// openSession connects the scripting host and the REST endpoint. A
// connection that is configured but not required is opened as well, so
// recovery and undo job removal are available whenever possible.
func openSession(ctx context.Context, req sessionRequirements) (*remoteSession, error) {
	s := &remoteSession{iface: req.iface}

	wantSSH := req.needSSH || req.iface == engine.InterfaceCLI
	if wantSSH && opts.sshHost == "" {
		return nil, fmt.Errorf("--ssh-host is required for the %s interface", req.iface)
	}
	if opts.sshHost != "" {
		cfg := sshConfig()
		client, err := ssh.NewClient(cfg)
		if err != nil {
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Address(), err)
		}
		s.ssh = client
		cliOpts := []cmedit.Option{}
		if req.timeout > 0 {
			cliOpts = append(cliOpts, cmedit.WithTimeout(req.timeout))
		}
		s.cli = cmedit.New(client, cliOpts...)
	}

	wantNBI := req.needNBI || req.iface == engine.InterfaceNBIv1 || req.iface == engine.InterfaceNBIv2
	if wantNBI && opts.nbiURL == "" {
		s.Close()
		return nil, fmt.Errorf("--nbi-url is required for the %s interface and for undo iterations", req.iface)
	}
	if opts.nbiURL != "" {
		client, err := nbi.NewClient(nbi.Config{
			BaseURL:            opts.nbiURL,
			Username:           opts.nbiUser,
			Password:           opts.nbiPassword,
			InsecureSkipVerify: opts.nbiInsecure,
			JobTimeout:         req.timeout,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := client.Login(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open REST session: %w", err)
		}
		s.nbi = client
	}
	return s, nil
}

func sshConfig() *ssh.Config {
	cfg := ssh.DefaultConfig(opts.sshHost, opts.sshUser)
	cfg.Port = opts.sshPort
	if opts.sshPassword != "" {
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = opts.sshPassword
	}
	cfg.PrivateKeyPath = opts.sshKey
	if opts.knownHosts != "" {
		cfg.KnownHostsPath = opts.knownHosts
	}
	cfg.StrictHostKeyChecking = !opts.insecureHostKey
	cfg.JumpHost = opts.jumpHost
	cfg.KeepAliveInterval = 30 * time.Second
	return cfg
}

// Transport returns the import transport of the session interface.
func (s *remoteSession) Transport() (engine.Transport, error) {
	switch s.iface {
	case engine.InterfaceCLI:
		if s.cli == nil {
			return nil, errors.New("no SSH session")
		}
		return s.cli, nil
	case engine.InterfaceNBIv1:
		if s.nbi == nil {
			return nil, errors.New("no REST session")
		}
		return nbi.NewV1(s.nbi), nil
	case engine.InterfaceNBIv2:
		if s.nbi == nil {
			return nil, errors.New("no REST session")
		}
		return nbi.NewV2(s.nbi), nil
	default:
		return nil, fmt.Errorf("unknown interface %q", s.iface)
	}
}

// Opener returns the session re-established when an import fails.
func (s *remoteSession) Opener() engine.SessionOpener {
	if s.iface == engine.InterfaceCLI {
		return s.cli
	}
	return s.nbi
}

// UndoService returns nil without a REST session. Undo jobs are removed
// through cmedit when the scripting host is connected.
func (s *remoteSession) UndoService() engine.UndoService {
	if s.nbi == nil {
		return nil
	}
	var remover nbi.JobRemover
	if s.cli != nil {
		remover = s.cli
	}
	return nbi.NewUndoService(s.nbi, remover)
}

// Runner returns the command runner used for recovery, or nil.
func (s *remoteSession) Runner() engine.CommandRunner {
	if s.cli == nil {
		return nil
	}
	return s.cli
}

func (s *remoteSession) Close() {
	if s.ssh != nil {
		if err := s.ssh.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close SSH session")
		}
	}
}

// openStore opens the state database and applies pending migrations.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: opts.dbPath})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}
