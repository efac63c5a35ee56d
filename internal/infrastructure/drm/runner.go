package drm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var ErrCommandFailed = errors.New("drm: command failed")

// Runner executes scheduler commands on the host that can reach the DRM.
// remote.SSHClient satisfies it for head nodes reached over SSH.
type Runner interface {
	Run(ctx context.Context, cmd string, stdin io.Reader) (string, error)
	Upload(ctx context.Context, path string, data []byte) error
}

// LocalRunner runs commands through /bin/sh on this machine.
type LocalRunner struct {
	Shell string
}

func NewLocalRunner() *LocalRunner {
	return &LocalRunner{Shell: "/bin/sh"}
}

func (r *LocalRunner) Run(ctx context.Context, cmd string, stdin io.Reader) (string, error) {
	c := exec.CommandContext(ctx, r.Shell, "-c", cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.Stdin = stdin
	if err := c.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), fmt.Errorf("%w: %s", ErrCommandFailed, msg)
	}
	return stdout.String(), nil
}

func (r *LocalRunner) Upload(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o750)
}
