package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const stderrTail = 512

// ExecRunner runs plugin binaries from a local directory.
type ExecRunner struct {
	BinaryDir string
}

// NewExecRunner returns a runner resolving relative binary names under dir.
func NewExecRunner(dir string) *ExecRunner {
	return &ExecRunner{BinaryDir: dir}
}

// Run executes cmd and waits up to cmd.Timeout.
func (r *ExecRunner) Run(ctx context.Context, cmd ProcessCommand) (*ProcessResult, error) {
	binary, err := r.resolve(cmd.Binary)
	if err != nil {
		return nil, err
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultProcessTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(runCtx, binary, cmd.Args...)
	c.Dir = cmd.Dir
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	runErr := c.Run()
	result := &ProcessResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s after %s", ErrExternalProcessTimeout, filepath.Base(binary), timeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return nil, fmt.Errorf("%w: %s exited with code %d: %s",
				ErrExternalProcessError, filepath.Base(binary), result.ExitCode, tail(stderr.String()))
		}
		return nil, fmt.Errorf("%w: %v", ErrExternalProcessError, runErr)
	}
	return result, nil
}

func (r *ExecRunner) resolve(binary string) (string, error) {
	if binary == "" {
		return "", fmt.Errorf("%w: empty binary", ErrExternalProcessError)
	}
	if filepath.IsAbs(binary) || r.BinaryDir == "" {
		return binary, nil
	}
	path := filepath.Join(r.BinaryDir, binary)
	rel, err := filepath.Rel(r.BinaryDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: binary %q escapes binary directory", ErrExternalProcessError, binary)
	}
	return path, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= stderrTail {
		return s
	}
	return s[len(s)-stderrTail:]
}
