package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// runCmd executes the root command with args, returning combined output.
func runCmd(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// writeTestConfig writes a config pointing at a file-backed SQLite database
// in a temp dir, so separate command invocations see the same data.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := `
database:
  driver: sqlite
  path: ` + filepath.Join(dir, "concourse.db") + `
transport:
  poll_interval: 5ms
`
	path := filepath.Join(dir, "concourse.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, nil, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "concourse dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestRootCmd_Help(t *testing.T) {
	out, err := runCmd(t, nil, "--help")
	if err != nil {
		t.Fatalf("--help failed: %v", err)
	}
	for _, sub := range []string{"db", "serve", "trip", "agents", "payments", "bookings", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help missing %q subcommand: %s", sub, out)
		}
	}
}

func TestExecute_ReturnsExitCode(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"no-such-command"})
	if code := execute(cmd); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}
