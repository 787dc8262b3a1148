package subprocess

import (
	"context"
	"strings"
	"testing"

	"github.com/asheplyakov/vmbuilder/internal/vmerrors"
)

func TestRunSuccess(t *testing.T) {
	r := &Runner{}
	out, err := r.Run(context.Background(), "echo", "-n", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello" {
		t.Fatalf("got %q, want %q", out, "hello")
	}
}

func TestRunFailureSurfacesStderr(t *testing.T) {
	r := &Runner{}
	_, err := r.Run(context.Background(), "sh", "-c", "echo boom 1>&2; exit 3")
	if err == nil {
		t.Fatal("expected error")
	}
	sf, ok := err.(*vmerrors.SubprocessFailedError)
	if !ok {
		t.Fatalf("expected *SubprocessFailedError, got %T", err)
	}
	if sf.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", sf.ExitCode)
	}
	if !strings.Contains(sf.Stderr, "boom") {
		t.Errorf("stderr = %q, want to contain boom", sf.Stderr)
	}
}

func TestRunStdinFeedsProcess(t *testing.T) {
	r := &Runner{}
	out, err := r.RunStdin(context.Background(), []byte("hi there"), "cat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hi there" {
		t.Fatalf("got %q", out)
	}
}

func TestRunAllowExitTreatsListedCodeAsSuccess(t *testing.T) {
	r := &Runner{}
	_, err := r.RunAllowExit(context.Background(), []int{0, 1}, "sh", "-c", "exit 1")
	if err != nil {
		t.Fatalf("expected exit 1 to be tolerated, got %v", err)
	}
	_, err = r.RunAllowExit(context.Background(), []int{0, 1}, "sh", "-c", "exit 2")
	if err == nil {
		t.Fatal("expected exit 2 to fail")
	}
}
