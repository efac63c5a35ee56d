package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	ErrSSHConnection     = errors.New("ssh: connection failed")
	ErrSSHAuthentication = errors.New("ssh: authentication failed")
	ErrSSHCommandFailed  = errors.New("ssh: command execution failed")
	ErrSSHTimeout        = errors.New("ssh: connection timeout")
	ErrSFTPUpload        = errors.New("sftp: upload failed")
)

type SSHConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string
	// KnownHostsPath enables host key verification when set.
	KnownHostsPath string
	Timeout        time.Duration
	MaxRetries     int
}

// SSHClient keeps one connection to the cluster head node and reopens it
// when it breaks.
type SSHClient struct {
	config SSHConfig
	dial   func() (*ssh.Client, error)
	mu     sync.Mutex
	client *ssh.Client
}

func NewSSHClient(cfg SSHConfig) *SSHClient {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	c := &SSHClient{config: cfg}
	c.dial = c.ConnectWithRetry
	return c
}

func (c *SSHClient) Addr() string {
	return net.JoinHostPort(c.config.Host, fmt.Sprint(c.config.Port))
}

func (c *SSHClient) getAuthMethods() ([]ssh.AuthMethod, error) {
	var authMethods []ssh.AuthMethod

	if c.config.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(c.config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key", ErrSSHAuthentication)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if c.config.Password != "" {
		authMethods = append(authMethods, ssh.Password(c.config.Password))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("%w: no credentials provided", ErrSSHAuthentication)
	}

	return authMethods, nil
}

func (c *SSHClient) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.config.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.config.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: known_hosts: %v", ErrSSHConnection, err)
	}
	return cb, nil
}

// ConnectWithRetry dials the head node with linear backoff between attempts.
func (c *SSHClient) ConnectWithRetry() (*ssh.Client, error) {
	authMethods, err := c.getAuthMethods()
	if err != nil {
		return nil, err
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.config.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeys,
		Timeout:         c.config.Timeout,
	}

	addr := c.Addr()
	var connectErr error
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		dialer := net.Dialer{
			Timeout:   c.config.Timeout,
			KeepAlive: 60 * time.Second,
		}

		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			connectErr = err
		} else {
			conn.SetDeadline(time.Now().Add(c.config.Timeout))
			cc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
			if err != nil {
				conn.Close()
				connectErr = err
			} else {
				conn.SetDeadline(time.Time{})
				return ssh.NewClient(cc, chans, reqs), nil
			}
		}

		if attempt < c.config.MaxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	if connectErr != nil && (strings.Contains(connectErr.Error(), "timeout") || strings.Contains(connectErr.Error(), "deadline")) {
		return nil, fmt.Errorf("%w: %v (after %d attempts)", ErrSSHTimeout, connectErr, c.config.MaxRetries)
	}
	return nil, fmt.Errorf("%w: %v (after %d attempts)", ErrSSHConnection, connectErr, c.config.MaxRetries)
}

// conn returns the shared connection, dialing it on first use.
func (c *SSHClient) conn() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// drop forgets a broken connection so the next call redials.
func (c *SSHClient) drop(client *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == client {
		c.client.Close()
		c.client = nil
	}
}

// Run executes cmd on the head node and returns its stdout. Stderr is folded
// into the error when the command exits non-zero.
func (c *SSHClient) Run(ctx context.Context, cmd string, stdin io.Reader) (string, error) {
	client, err := c.conn()
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		c.drop(client)
		return "", fmt.Errorf("%w: failed to create session: %v", ErrSSHConnection, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	session.Stdin = stdin

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("%w: command timed out or cancelled", ctx.Err())
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if !errors.As(err, &exitErr) {
				c.drop(client)
			}
			errMsg := strings.TrimSpace(stderr.String())
			if errMsg == "" {
				errMsg = err.Error()
			}
			return stdout.String(), fmt.Errorf("%w: %s", ErrSSHCommandFailed, errMsg)
		}
	}
	return stdout.String(), nil
}

// Upload writes data to remotePath over SFTP, creating parent directories.
func (c *SSHClient) Upload(ctx context.Context, remotePath string, data []byte) error {
	client, err := c.conn()
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		c.drop(client)
		return fmt.Errorf("%w: failed to create sftp client: %v", ErrSFTPUpload, err)
	}
	defer sftpClient.Close()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrSFTPUpload, path.Dir(remotePath), err)
	}
	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("%w: failed to create remote file: %v", ErrSFTPUpload, err)
	}
	written, err := remoteFile.ReadFrom(bytes.NewReader(data))
	if err != nil {
		remoteFile.Close()
		return fmt.Errorf("%w: %v", ErrSFTPUpload, err)
	}
	if err := remoteFile.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrSFTPUpload, err)
	}
	if written != int64(len(data)) {
		return fmt.Errorf("%w: size mismatch: wrote %d of %d bytes", ErrSFTPUpload, written, len(data))
	}
	return sftpClient.Chmod(remotePath, 0o750)
}

func (c *SSHClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}
