// Package command runs the external tools kiln delegates to (ostree,
// qemu-img, the size estimator, mkfs) behind an injectable Func so callers can
// be tested with stubs.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Func runs name with args. stdin may be nil; stdout and stderr may be nil to
// discard output.
type Func func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, name string, args ...string) error

// Exec is the default Func backed by os/exec. A non-zero exit is reported as
// a *ToolError carrying the tail of stderr.
func Exec(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, name string, args ...string) error {
	var captured tailBuffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	if stderr != nil {
		cmd.Stderr = io.MultiWriter(stderr, &captured)
	} else {
		cmd.Stderr = &captured
	}

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", name, ctxErr)
	}

	toolErr := &ToolError{
		Tool:     name,
		Args:     append([]string(nil), args...),
		ExitCode: -1,
		Stderr:   strings.TrimSpace(captured.String()),
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		toolErr.ExitCode = exitErr.ExitCode()
	} else {
		toolErr.Err = err
	}
	return toolErr
}

// Output runs the command and returns its trimmed stdout.
func Output(ctx context.Context, run Func, name string, args ...string) (string, error) {
	if run == nil {
		run = Exec
	}
	var stdout bytes.Buffer
	if err := run(ctx, nil, &stdout, nil, name, args...); err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Passthrough runs the command with its output attached to the process'
// stdout and stderr, the way long-running builders are shown to the operator.
func Passthrough(ctx context.Context, run Func, name string, args ...string) error {
	if run == nil {
		run = Exec
	}
	return run(ctx, nil, os.Stdout, os.Stderr, name, args...)
}

// tailBuffer keeps the last few KiB written to it.
type tailBuffer struct {
	buf []byte
}

const tailLimit = 4096

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailLimit {
		t.buf = t.buf[len(t.buf)-tailLimit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
