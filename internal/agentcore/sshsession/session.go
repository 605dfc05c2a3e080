// Package sshsession opens an authenticated SSH channel into a guest microVM
// and exposes the narrow surface the activity runtime needs: command
// execution with streaming stdout/stderr, file and directory upload, and a
// disposal primitive that synchronously fails any in-flight Exec — the
// mechanism the prebuild task supervisor uses to deliver cancellation.
//
// Grounded on other_examples/chainguard-dev-melange__qemu_runner.go's
// sendSSHCommand/getHostKey/setupSSHClients, adapted from a single
// long-lived qemu debug session to a disposable per-task session pool.
package sshsession

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/zeitwork/zeitwork/internal/agentcore/agenterrors"
)

// AuthMethod abstracts how a Session authenticates: a private key
// (prebuild/workspace activities) or a username/password pair (initial-boot
// activities, per §6).
type AuthMethod struct {
	User       string
	Password   string
	PrivateKey []byte
}

// DialOptions configures how a Session connects.
type DialOptions struct {
	Address string // host:port
	Auth    AuthMethod
	Timeout time.Duration

	// KnownHostsPath, when non-empty, pins the host key via
	// golang.org/x/crypto/ssh/knownhosts; a host not yet listed has its key
	// appended to the file on first dial. When AllowInsecureHostKey is set,
	// host key verification is skipped entirely (see SPEC_FULL.md §9 open
	// question decision).
	KnownHostsPath       string
	AllowInsecureHostKey bool
}

// ExecOptions configures a single Exec call.
type ExecOptions struct {
	Cwd                  string
	Env                  map[string]string
	AllowNonZeroExitCode bool
	OnStdout             func([]byte)
	OnStderr             func([]byte)
	LogFilePath          string
}

// ExecResult is the outcome of a non-failing Exec call (or a tolerated
// non-zero exit when AllowNonZeroExitCode is set).
type ExecResult struct {
	Code   int
	Stdout []byte
	Stderr []byte
}

// Execer is the narrow surface the activity runtime drives a guest session
// through: command execution, file/directory upload, file download, and
// disposal. *Session satisfies it; unit tests substitute a fake in its
// place instead of mocking golang.org/x/crypto/ssh (§10.4).
type Execer interface {
	Exec(ctx context.Context, argv []string, opts ExecOptions) (*ExecResult, error)
	PutDirectory(localDir, remoteDir string) error
	WriteFile(path string, data []byte, mode os.FileMode) error
	ReadFile(path string) ([]byte, error)
	Dispose() error
}

// Session wraps one ssh.Client. A Session is disposable: Dispose closes the
// underlying connection, which causes any Exec currently blocked on I/O to
// fail with agenterrors.ErrSshDisposed.
type Session struct {
	client *ssh.Client

	mu       sync.Mutex
	disposed bool
}

// Dial opens a new authenticated SSH session.
func Dial(ctx context.Context, opts DialOptions) (*Session, error) {
	if opts.Auth.User == "" {
		return nil, fmt.Errorf("sshsession: Auth.User is required")
	}

	var authMethods []ssh.AuthMethod
	switch {
	case len(opts.Auth.PrivateKey) > 0:
		signer, err := ssh.ParsePrivateKey(opts.Auth.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("sshsession: parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	case opts.Auth.Password != "":
		authMethods = append(authMethods, ssh.Password(opts.Auth.Password))
	default:
		return nil, fmt.Errorf("sshsession: one of Auth.PrivateKey or Auth.Password is required")
	}

	hostKeyCallback, err := resolveHostKeyCallback(opts)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cfg := &ssh.ClientConfig{
		User:            opts.Auth.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("sshsession: dial %s: %w", opts.Address, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, opts.Address, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sshsession: handshake with %s: %w", opts.Address, err)
	}

	return &Session{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

func resolveHostKeyCallback(opts DialOptions) (ssh.HostKeyCallback, error) {
	if opts.AllowInsecureHostKey || opts.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if _, err := os.Stat(opts.KnownHostsPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(opts.KnownHostsPath), 0o755); err != nil {
			return nil, fmt.Errorf("sshsession: create known_hosts dir: %w", err)
		}
		f, err := os.OpenFile(opts.KnownHostsPath, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("sshsession: create known_hosts file: %w", err)
		}
		f.Close()
	}
	cb, err := knownhosts.New(opts.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("sshsession: load known_hosts: %w", err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		keyErr, ok := err.(*knownhosts.KeyError)
		if !ok || len(keyErr.Want) > 0 {
			return err
		}
		// Host not listed yet: record the key it presented on this first dial.
		f, openErr := os.OpenFile(opts.KnownHostsPath, os.O_APPEND|os.O_WRONLY, 0o600)
		if openErr != nil {
			return fmt.Errorf("sshsession: record host key: %w", openErr)
		}
		defer f.Close()
		_, writeErr := fmt.Fprintln(f, knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key))
		return writeErr
	}, nil
}

// Exec runs argv on the remote host, streaming raw stdout/stderr chunks to
// the configured callbacks as they arrive. A non-zero exit is reported as an
// *agenterrors.SshExecFailedError unless opts.AllowNonZeroExitCode is set.
func (s *Session) Exec(ctx context.Context, argv []string, opts ExecOptions) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("sshsession: Exec requires a non-empty argv")
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, agenterrors.ErrSshDisposed
	}
	client := s.client
	s.mu.Unlock()

	sess, err := client.NewSession()
	if err != nil {
		return nil, s.translateDialFailure(err)
	}
	defer sess.Close()

	for k, v := range opts.Env {
		if err := sess.Setenv(k, v); err != nil {
			// Most sshd configs reject arbitrary Setenv via AcceptEnv; fall
			// back to prefixing the command instead of failing the exec.
			argv = append([]string{"env", k + "=" + v}, argv...)
		}
	}

	cmd := buildCommandLine(argv, opts.Cwd)

	var logFile *os.File
	if opts.LogFilePath != "" {
		logFile, err = os.OpenFile(opts.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("sshsession: open log file %s: %w", opts.LogFilePath, err)
		}
		defer logFile.Close()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutWriters := []io.Writer{&stdoutBuf}
	stderrWriters := []io.Writer{&stderrBuf}
	if logFile != nil {
		stdoutWriters = append(stdoutWriters, logFile)
		stderrWriters = append(stderrWriters, logFile)
	}

	sess.Stdout = &callbackWriter{w: io.MultiWriter(stdoutWriters...), onChunk: opts.OnStdout}
	sess.Stderr = &callbackWriter{w: io.MultiWriter(stderrWriters...), onChunk: opts.OnStderr}

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		s.Dispose()
		<-done
		return nil, fmt.Errorf("sshsession: exec %q: %w", cmd, ctx.Err())
	case err := <-done:
		return s.finishExec(cmd, err, stdoutBuf.Bytes(), stderrBuf.Bytes(), opts.AllowNonZeroExitCode)
	}
}

func (s *Session) finishExec(cmd string, runErr error, stdout, stderr []byte, allowNonZero bool) (*ExecResult, error) {
	if runErr == nil {
		return &ExecResult{Code: 0, Stdout: stdout, Stderr: stderr}, nil
	}

	var exitErr *ssh.ExitError
	if ok := asExitError(runErr, &exitErr); ok {
		code := exitErr.ExitStatus()
		if allowNonZero {
			return &ExecResult{Code: code, Stdout: stdout, Stderr: stderr}, nil
		}
		return nil, &agenterrors.SshExecFailedError{Command: cmd, Code: code, Stderr: string(stderr)}
	}

	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return nil, agenterrors.ErrSshDisposed
	}
	return nil, fmt.Errorf("sshsession: exec %q: %w", cmd, runErr)
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func (s *Session) translateDialFailure(err error) error {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return agenterrors.ErrSshDisposed
	}
	return fmt.Errorf("sshsession: open channel: %w", err)
}

// Dispose closes the underlying connection. Any Exec currently blocked on
// I/O observes its ssh.Session.Run return an error, which finishExec
// translates to agenterrors.ErrSshDisposed. Dispose is idempotent.
func (s *Session) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	s.disposed = true
	return s.client.Close()
}

// PutDirectory recursively uploads localDir to remoteDir over SFTP.
func (s *Session) PutDirectory(localDir, remoteDir string) error {
	sftpClient, err := sftp.NewClient(s.client)
	if err != nil {
		return fmt.Errorf("sshsession: open sftp client: %w", err)
	}
	defer sftpClient.Close()

	return filepath.Walk(localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		remotePath := filepath.ToSlash(filepath.Join(remoteDir, rel))

		if info.IsDir() {
			return sftpClient.MkdirAll(remotePath)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("sshsession: read %s: %w", path, err)
		}
		if err := sftpClient.MkdirAll(filepath.ToSlash(filepath.Dir(remotePath))); err != nil {
			return fmt.Errorf("sshsession: mkdir %s: %w", filepath.Dir(remotePath), err)
		}
		remoteFile, err := sftpClient.Create(remotePath)
		if err != nil {
			return fmt.Errorf("sshsession: create %s: %w", remotePath, err)
		}
		defer remoteFile.Close()
		if _, err := remoteFile.Write(data); err != nil {
			return fmt.Errorf("sshsession: write %s: %w", remotePath, err)
		}
		return remoteFile.Chmod(info.Mode().Perm())
	})
}

// WriteFile writes bytes to path on the remote host over SFTP, creating
// parent directories as needed.
func (s *Session) WriteFile(path string, data []byte, mode os.FileMode) error {
	sftpClient, err := sftp.NewClient(s.client)
	if err != nil {
		return fmt.Errorf("sshsession: open sftp client: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(filepath.ToSlash(filepath.Dir(path))); err != nil {
		return fmt.Errorf("sshsession: mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := sftpClient.Create(path)
	if err != nil {
		return fmt.Errorf("sshsession: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("sshsession: write %s: %w", path, err)
	}
	return f.Chmod(mode)
}

// ReadFile reads the remote file at path over SFTP. Callers use this to load
// an optional project config; a not-exist error should be treated by the
// caller as "absent", not a failure.
func (s *Session) ReadFile(path string) ([]byte, error) {
	sftpClient, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("sshsession: open sftp client: %w", err)
	}
	defer sftpClient.Close()

	f, err := sftpClient.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

type callbackWriter struct {
	w       io.Writer
	onChunk func([]byte)
}

func (c *callbackWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if c.onChunk != nil && n > 0 {
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		c.onChunk(chunk)
	}
	return n, err
}

func buildCommandLine(argv []string, cwd string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	cmd := strings.Join(quoted, " ")
	if cwd != "" {
		cmd = fmt.Sprintf("cd %s && %s", shellQuote(cwd), cmd)
	}
	return cmd
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
