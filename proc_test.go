package toolbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toolbus-io/toolbus"
)

func TestStartProcessUnknownCommand(t *testing.T) {
	_, err := toolbus.StartProcess(toolbus.LaunchSpec{Command: "/nonexistent-toolbus-binary"})
	if err == nil {
		t.Fatal("expected launch to fail for unknown command, got nil")
	}
	var launchErr *toolbus.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
}

func TestProcessLines(t *testing.T) {
	proc, err := toolbus.StartProcess(toolbus.LaunchSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", `printf 'first\nsecond\n\nthird\n'`},
	})
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	defer proc.Terminate(time.Second)

	var lines []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range proc.Lines() {
			lines = append(lines, string(line))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for process output")
	}

	// Empty lines are skipped.
	want := []string{"first", "second", "third"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %v", len(lines), len(want), lines)
	}
	for i, line := range want {
		if lines[i] != line {
			t.Errorf("line %d is %q, want %q", i, lines[i], line)
		}
	}
}

func TestProcessWriteLineRoundTrip(t *testing.T) {
	proc, err := toolbus.StartProcess(toolbus.LaunchSpec{
		Command: "/bin/cat",
	})
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	defer proc.Terminate(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoed := make(chan string, 1)
	go func() {
		for line := range proc.Lines() {
			echoed <- string(line)
			return
		}
	}()

	if err := proc.WriteLine(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping","params":{}}`)); err != nil {
		t.Fatalf("failed to write line: %v", err)
	}

	select {
	case line := <-echoed:
		if line != `{"jsonrpc":"2.0","id":1,"method":"ping","params":{}}` {
			t.Errorf("echoed line is %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for echoed line")
	}
}

func TestProcessEnvAndWorkingDir(t *testing.T) {
	dir := t.TempDir()
	proc, err := toolbus.StartProcess(toolbus.LaunchSpec{
		Command:    "/bin/sh",
		Args:       []string{"-c", `printf '%s %s\n' "$TOOLBUS_TEST_VAR" "$(pwd)"`},
		WorkingDir: dir,
		Env:        map[string]string{"TOOLBUS_TEST_VAR": "hello"},
	})
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	defer proc.Terminate(time.Second)

	output := make(chan string, 1)
	go func() {
		for line := range proc.Lines() {
			output <- string(line)
			return
		}
	}()

	select {
	case line := <-output:
		want := "hello " + dir
		if line != want {
			t.Errorf("output is %q, want %q", line, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for process output")
	}
}

func TestProcessTerminateKillsStubbornProcess(t *testing.T) {
	proc, err := toolbus.StartProcess(toolbus.LaunchSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", `trap '' TERM; while :; do sleep 1; done`},
	})
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	start := time.Now()
	if err := proc.Terminate(200 * time.Millisecond); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("terminate took %v, expected the grace period to force a kill", elapsed)
	}
}

func TestProcessWriteAfterTerminate(t *testing.T) {
	proc, err := toolbus.StartProcess(toolbus.LaunchSpec{Command: "/bin/cat"})
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	if err := proc.Terminate(time.Second); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := proc.WriteLine(ctx, []byte("too late")); err == nil {
		t.Fatal("expected write after terminate to fail, got nil")
	}
}

func TestProcessTerminateIdempotent(t *testing.T) {
	proc, err := toolbus.StartProcess(toolbus.LaunchSpec{Command: "/bin/cat"})
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	if err := proc.Terminate(time.Second); err != nil {
		t.Fatalf("first terminate failed: %v", err)
	}
	if err := proc.Terminate(time.Second); err != nil {
		t.Fatalf("second terminate failed: %v", err)
	}
}
