package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, ctx context.Context, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(ctx, args, &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func testArgs(t *testing.T) []string {
	t.Helper()
	return []string{"-log-level", "error", "-l2-path", filepath.Join(t.TempDir(), "l2.db")}
}

func TestRun_PersistsAcrossInvocations(t *testing.T) {
	ctx := context.Background()
	base := testArgs(t)

	if r := runCLI(t, ctx, append(base, "set", "-category", "query", "report:1", "hello")...); r.code != exitOK {
		t.Fatalf("set exit %d: %s", r.code, r.stderr)
	}

	// A new process starts with an empty L1; the value comes from L2.
	r := runCLI(t, ctx, append(base, "get", "report:1")...)
	if r.code != exitOK || strings.TrimSpace(r.stdout) != "hello" {
		t.Fatalf("get = %d %q, stderr %s", r.code, r.stdout, r.stderr)
	}

	r = runCLI(t, ctx, append(base, "keys")...)
	if strings.TrimSpace(r.stdout) != "report:1" {
		t.Errorf("keys = %q", r.stdout)
	}

	if r := runCLI(t, ctx, append(base, "set", "other", "x")...); r.code != exitOK {
		t.Fatalf("set exit %d: %s", r.code, r.stderr)
	}
	r = runCLI(t, ctx, append(base, "keys", "report:*")...)
	if r.code != exitOK || strings.TrimSpace(r.stdout) != "report:1" {
		t.Errorf("keys report:* = %d %q", r.code, r.stdout)
	}
	if r := runCLI(t, ctx, append(base, "keys", "[")...); r.code != exitError {
		t.Errorf("keys with bad pattern exit %d, want %d", r.code, exitError)
	}

	if r := runCLI(t, ctx, append(base, "delete", "report:1")...); r.code != exitOK {
		t.Errorf("delete exit %d", r.code)
	}
	if r := runCLI(t, ctx, append(base, "delete", "report:1")...); r.code != exitMiss {
		t.Errorf("second delete exit %d, want %d", r.code, exitMiss)
	}
	if r := runCLI(t, ctx, append(base, "get", "report:1")...); r.code != exitMiss {
		t.Errorf("get after delete exit %d, want %d", r.code, exitMiss)
	}
}

func TestRun_ClearAndCleanup(t *testing.T) {
	ctx := context.Background()
	base := testArgs(t)

	runCLI(t, ctx, append(base, "set", "a", "1")...)
	runCLI(t, ctx, append(base, "set", "-ttl", "1ns", "b", "2")...)

	r := runCLI(t, ctx, append(base, "cleanup")...)
	if r.code != exitOK || !strings.Contains(r.stdout, "removed 1 expired entries") {
		t.Errorf("cleanup = %d %q", r.code, r.stdout)
	}

	for i := 0; i < 2; i++ {
		if r := runCLI(t, ctx, append(base, "clear")...); r.code != exitOK {
			t.Errorf("clear #%d exit %d", i+1, r.code)
		}
	}
	if r := runCLI(t, ctx, append(base, "keys")...); r.stdout != "" {
		t.Errorf("keys after clear = %q", r.stdout)
	}
}

func TestRun_Stats(t *testing.T) {
	ctx := context.Background()
	base := testArgs(t)
	runCLI(t, ctx, append(base, "set", "a", "1")...)

	r := runCLI(t, ctx, append(base, "stats")...)
	if r.code != exitOK {
		t.Fatalf("stats exit %d: %s", r.code, r.stderr)
	}
	for _, want := range []string{"CACHE PERFORMANCE REPORT", "[L1]", "[L2]", "category default"} {
		if !strings.Contains(r.stdout, want) {
			t.Errorf("stats output missing %q:\n%s", want, r.stdout)
		}
	}

	r = runCLI(t, ctx, append(base, "stats", "-json")...)
	var s struct {
		L2Enabled bool   `json:"l2_enabled"`
		L2State   string `json:"l2_state"`
	}
	if err := json.Unmarshal([]byte(r.stdout), &s); err != nil {
		t.Fatalf("stats -json is not JSON: %v", err)
	}
	if !s.L2Enabled || s.L2State != "healthy" {
		t.Errorf("unexpected L2 status %+v", s)
	}
}

func TestRun_MemoryOnly(t *testing.T) {
	ctx := context.Background()
	r := runCLI(t, ctx, "-log-level", "error", "-no-l2", "stats", "-json")
	if r.code != exitOK || !strings.Contains(r.stdout, `"l2_state": "disabled"`) {
		t.Errorf("memory-only stats = %d %s", r.code, r.stdout)
	}
}

func TestRun_DegradedL2(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	r := runCLI(t, context.Background(), "-log-level", "error", "-l2-path", filepath.Join(blocker, "l2.db"), "set", "k", "v")
	if r.code != exitOK {
		t.Errorf("set should succeed on L1 alone, exit %d", r.code)
	}
	if !strings.Contains(r.stderr, "persistent tier unavailable") {
		t.Errorf("expected a degraded-mode warning, got %q", r.stderr)
	}
}

func TestRun_Serve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := runCLI(t, ctx, append(testArgs(t), "serve")...)
	if r.code != exitOK {
		t.Errorf("serve exit %d: %s", r.code, r.stderr)
	}
}

func TestRun_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		args []string
		code int
	}{
		{name: "no command", args: nil, code: exitError},
		{name: "unknown command", args: []string{"frobnicate"}, code: exitError},
		{name: "get without key", args: []string{"get"}, code: exitError},
		{name: "set without value", args: []string{"set", "k"}, code: exitError},
		{name: "bad ttl", args: []string{"set", "-ttl", "soon", "k", "v"}, code: exitError},
		{name: "bad log level", args: []string{"-log-level", "loud", "keys"}, code: exitError},
		{name: "missing config file", args: []string{"-config", "/nonexistent/tiercache.yaml", "keys"}, code: exitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"-l2-path", filepath.Join(t.TempDir(), "l2.db")}, tt.args...)
			if r := runCLI(t, ctx, args...); r.code != tt.code {
				t.Errorf("exit %d, want %d (stderr %s)", r.code, tt.code, r.stderr)
			}
		})
	}

	if r := runCLI(t, ctx, "-version"); r.code != exitOK || strings.TrimSpace(r.stdout) != progversion {
		t.Errorf("-version = %d %q", r.code, r.stdout)
	}
}
