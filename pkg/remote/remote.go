package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/bramvdbogaerde/go-scp"
	"golang.org/x/crypto/ssh"

	"github.com/flotillahq/flotilla/pkg/types"
)

// maxLineBytes caps a single streamed output line so a misbehaving
// remote command cannot buffer unboundedly.
const maxLineBytes = 16 * 1024

// Target describes how to reach and authenticate to one host.
type Target struct {
	Address string
	Port    int
	User    string

	// Exactly one of Password or PrivateKeyPath is set.
	Password       string
	PrivateKeyPath string
}

func (t Target) addr() string {
	return net.JoinHostPort(t.Address, fmt.Sprintf("%d", t.Port))
}

// KeyStore persists pinned host keys. Implemented by the storage layer.
type KeyStore interface {
	GetHostKey(addr string) ([]byte, error)
	PutHostKey(addr string, key []byte) error
}

// Result is the outcome of one remote command. A non-zero exit code is
// data, not an error: callers classify it.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Elapsed  time.Duration
}

// Client is an authenticated SSH session to one host. Sessions are
// single-threaded; open multiple clients for parallel commands.
type Client struct {
	ssh  *ssh.Client
	scp  scp.Client
	addr string
}

// pinningCallback stores the host key on first contact and rejects any
// later mismatch.
func pinningCallback(keys KeyStore) ssh.HostKeyCallback {
	return func(hostport string, _ net.Addr, key ssh.PublicKey) error {
		wire := key.Marshal()
		pinned, err := keys.GetHostKey(hostport)
		if err != nil {
			return err
		}
		if pinned == nil {
			return keys.PutHostKey(hostport, wire)
		}
		if !bytes.Equal(pinned, wire) {
			return types.NewFault(types.ErrKindHostKeyChanged, "host key for %s does not match pinned key", hostport)
		}
		return nil
	}
}

func authMethods(t Target) ([]ssh.AuthMethod, error) {
	if t.PrivateKeyPath != "" {
		pem, err := os.ReadFile(t.PrivateKeyPath)
		if err != nil {
			return nil, types.WrapFault(types.ErrKindAuthFailed, err, "failed to read private key %s", t.PrivateKeyPath)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, types.WrapFault(types.ErrKindAuthFailed, err, "failed to parse private key %s", t.PrivateKeyPath)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if t.Password != "" {
		return []ssh.AuthMethod{ssh.Password(t.Password)}, nil
	}
	return nil, types.NewFault(types.ErrKindAuthFailed, "no credentials for %s@%s", t.User, t.Address)
}

// Dial opens an authenticated connection to the target. Failures are
// classified as Unreachable, AuthFailed, HostKeyChanged, or Timeout.
func Dial(ctx context.Context, target Target, keys KeyStore, connectTimeout time.Duration) (*Client, error) {
	methods, err := authMethods(target)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            target.User,
		Auth:            methods,
		HostKeyCallback: pinningCallback(keys),
		Timeout:         connectTimeout,
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", target.addr())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, types.WrapFault(types.ErrKindTimeout, err, "connect to %s timed out", target.addr())
		}
		return nil, types.WrapFault(types.ErrKindUnreachable, err, "failed to reach %s", target.addr())
	}

	conn, chans, reqs, err := ssh.NewClientConn(tcpConn, target.addr(), config)
	if err != nil {
		_ = tcpConn.Close()
		var fault *types.Fault
		if errors.As(err, &fault) && fault.Kind == types.ErrKindHostKeyChanged {
			return nil, err
		}
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "permission denied") {
			return nil, types.WrapFault(types.ErrKindAuthFailed, err, "authentication to %s rejected", target.addr())
		}
		return nil, types.WrapFault(types.ErrKindUnreachable, err, "ssh handshake with %s failed", target.addr())
	}

	sshClient := ssh.NewClient(conn, chans, reqs)
	return &Client{
		ssh:  sshClient,
		scp:  scp.NewConfigurer("", nil).SSHClient(sshClient).Create(),
		addr: target.addr(),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.ssh.Close()
}

// Addr returns the remote host:port the client is connected to.
func (c *Client) Addr() string {
	return c.addr
}

// Execute runs cmd on the remote host under a wall-clock timeout. It
// returns instead of hanging: on timeout the session is torn down and a
// Timeout fault returned.
func (c *Client) Execute(ctx context.Context, cmd string, timeout time.Duration) (Result, error) {
	session, err := c.ssh.NewSession()
	if err != nil {
		return Result{}, types.WrapFault(types.ErrKindUnreachable, err, "failed to open session on %s", c.addr)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	res, err := c.wait(ctx, session, cmd, timeout)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Elapsed = time.Since(start)
	return res, err
}

// ExecuteStream runs cmd and delivers stdout line by line to sink as
// output arrives. Lines longer than the per-line cap are split.
func (c *Client) ExecuteStream(ctx context.Context, cmd string, timeout time.Duration, sink func(line string)) (Result, error) {
	session, err := c.ssh.NewSession()
	if err != nil {
		return Result{}, types.WrapFault(types.ErrKindUnreachable, err, "failed to open session on %s", c.addr)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	session.Stderr = &stderr

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 4096), maxLineBytes)
		for scanner.Scan() {
			sink(scanner.Text())
		}
	}()

	start := time.Now()
	res, err := c.wait(ctx, session, cmd, timeout)
	<-scanDone
	res.Stderr = stderr.String()
	res.Elapsed = time.Since(start)
	return res, err
}

// wait starts cmd and waits for completion, the context, or the timeout,
// whichever comes first.
func (c *Client) wait(ctx context.Context, session *ssh.Session, cmd string, timeout time.Duration) (Result, error) {
	if err := session.Start(cmd); err != nil {
		return Result{}, types.WrapFault(types.ErrKindCommandFailed, err, "failed to start command on %s", c.addr)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return Result{ExitCode: exitErr.ExitStatus()}, nil
		}
		if err != nil {
			return Result{ExitCode: -1}, types.WrapFault(types.ErrKindCommandFailed, err, "command on %s aborted", c.addr)
		}
		return Result{}, nil
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		return Result{ExitCode: -1}, types.NewFault(types.ErrKindTimeout, "command on %s exceeded %s", c.addr, timeout)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{ExitCode: -1}, types.WrapFault(types.ErrKindTimeout, ctx.Err(), "command on %s cancelled", c.addr)
	}
}

// Upload writes content to remotePath with the given permissions
// (e.g. "0644").
func (c *Client) Upload(ctx context.Context, remotePath string, content []byte, mode string) error {
	if err := c.scp.Copy(ctx, bytes.NewReader(content), remotePath, mode, int64(len(content))); err != nil {
		return types.WrapFault(types.ErrKindCommandFailed, err, "failed to upload %s to %s", remotePath, c.addr)
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Quote escapes each argument with POSIX single quotes and joins them,
// so untrusted input can never break out of a command string.
func Quote(args ...string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
