package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal scripting host answering exec and sftp requests.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	hostKey, err := generateHostKey()
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "administrator" && string(pass) == "TestPassw0rd" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			stdout, stderr, status := scriptingHostReply(command)
			_, _ = channel.Write([]byte(stdout))
			_, _ = channel.Stderr().Write([]byte(stderr))
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			_ = server.Close()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// scriptingHostReply returns canned cmedit output for a command.
func scriptingHostReply(command string) (stdout, stderr string, status uint32) {
	switch {
	case command == "true":
		return "", "", 0
	case strings.HasPrefix(command, "cmedit import -f"):
		return "Import job 4242 started\n", "", 0
	case strings.HasPrefix(command, "cmedit get"):
		return "", "Error 1017 : The parent MO does not exist\n", 0
	case command == "exit 1":
		return "", "boom\n", 1
	default:
		return "command: " + command + "\n", "", 0
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func generateHostKey() (ssh.Signer, error) {
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(privKey)
}

func newTestClient(t *testing.T, server *testSSHServer) *Client {
	t.Helper()

	host, port := parseAddress(server.addr)
	config := DefaultConfig(host, "administrator")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "TestPassw0rd"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	config.WorkDir = t.TempDir()

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}

	info := client.Info()
	if info.User != "administrator" {
		t.Errorf("expected user 'administrator', got '%s'", info.User)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("expected connect time to be set")
	}
}

func TestClientWrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)
	client.config.Password = "wrong"

	err := client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "connect" {
		t.Errorf("expected connect TransportError, got %v", err)
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)
	client.config.AuthMethod = AuthMethodKey
	client.config.PrivateKeyPath = writeTestKey(t)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
}

func TestClientReopen(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := client.Reopen(ctx); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if got := client.Info().Reconnects; got != 1 {
		t.Errorf("expected 1 reconnect, got %d", got)
	}
	if _, err := client.Run(ctx, "true"); err != nil {
		t.Errorf("command after reopen failed: %v", err)
	}
}

func TestClientClose(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after close")
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)
	ctx := context.Background()

	t.Run("connects lazily and captures stdout", func(t *testing.T) {
		result, err := client.Run(ctx, "cmedit import -f file:cmimport_01.xml --filetype 3GPP -t Live")
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if result.Stdout != "Import job 4242 started" {
			t.Errorf("unexpected stdout %q", result.Stdout)
		}
		if result.ExitCode != 0 {
			t.Errorf("expected exit code 0, got %d", result.ExitCode)
		}
	})

	t.Run("stderr lines follow stdout", func(t *testing.T) {
		lines, err := client.Execute(ctx, "cmedit get NetworkElement=LTE01")
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if len(lines) != 1 || lines[0] != "Error 1017 : The parent MO does not exist" {
			t.Errorf("unexpected lines %q", lines)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		result, err := client.Run(ctx, "exit 1")
		if err == nil {
			t.Fatal("expected error for non-zero exit")
		}
		if result == nil || result.ExitCode != 1 {
			t.Fatalf("expected exit code 1, got %+v", result)
		}
		var te *TransportError
		if !errors.As(err, &te) || te.Temporary() {
			t.Errorf("expected permanent TransportError, got %v", err)
		}
	})
}

func TestClientFileTransfer(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "cmimport_01.xml")
	content := "<bulkCmConfigDataFile/>\n"
	if err := os.WriteFile(local, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write change-set: %v", err)
	}

	uploaded, err := client.Upload(ctx, local)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if uploaded.RemotePath != filepath.Join(client.Config().WorkDir, "cmimport_01.xml") {
		t.Errorf("unexpected remote path %q", uploaded.RemotePath)
	}
	if uploaded.BytesTransferred != int64(len(content)) {
		t.Errorf("expected %d bytes, got %d", len(content), uploaded.BytesTransferred)
	}

	back := filepath.Join(t.TempDir(), "copy", "cmimport_01.xml")
	if _, err := client.Download(ctx, uploaded.RemotePath, back); err != nil {
		t.Fatalf("download failed: %v", err)
	}
	got, err := os.ReadFile(back)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(got) != content {
		t.Errorf("downloaded content mismatch: %q", got)
	}

	if err := client.Remove(ctx, uploaded.RemotePath); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := os.Stat(uploaded.RemotePath); !os.IsNotExist(err) {
		t.Errorf("expected remote file to be removed, stat err = %v", err)
	}
	if err := client.Remove(ctx, uploaded.RemotePath); err != nil {
		t.Errorf("removing a missing file should succeed: %v", err)
	}
}

func TestClientUploadMissingFile(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server)

	_, err := client.Upload(context.Background(), filepath.Join(t.TempDir(), "absent.xml"))
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "upload" {
		t.Fatalf("expected upload TransportError, got %v", err)
	}
}

func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
