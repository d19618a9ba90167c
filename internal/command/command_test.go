package command

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestOutputTrimsStdout(t *testing.T) {
	t.Parallel()

	got, err := Output(context.Background(), Exec, "sh", "-c", "printf '  1234\\n'")
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if got != "1234" {
		t.Fatalf("Output() = %q, want %q", got, "1234")
	}
}

func TestExecReportsExitCode(t *testing.T) {
	t.Parallel()

	err := Exec(context.Background(), nil, io.Discard, nil, "sh", "-c", "echo first >&2; echo boom >&2; exit 3")
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("Exec() error = %v, want *ToolError", err)
	}
	if toolErr.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", toolErr.ExitCode)
	}
	if !strings.HasSuffix(toolErr.Error(), ": boom") {
		t.Fatalf("Error() = %q, want last stderr line", toolErr.Error())
	}
}

func TestExecMissingBinary(t *testing.T) {
	t.Parallel()

	err := Exec(context.Background(), nil, nil, nil, "kiln-no-such-tool")
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("Exec() error = %v, want *ToolError", err)
	}
	if toolErr.Err == nil {
		t.Fatalf("expected wrapped exec error for missing binary")
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	t.Parallel()

	var tb tailBuffer
	tb.Write([]byte(strings.Repeat("a", tailLimit)))
	tb.Write([]byte("end"))
	if got := tb.String(); len(got) != tailLimit || !strings.HasSuffix(got, "end") {
		t.Fatalf("tail buffer length %d, suffix %q", len(got), got[len(got)-3:])
	}
}
