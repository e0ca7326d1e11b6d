package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestReadPID(t *testing.T) {
	t.Run("parses a written pid back", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), pidFileName)
		want := 12345
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", want)), 0644); err != nil {
			t.Fatalf("failed to write PID file: %v", err)
		}

		got, err := readPID(pidFile)
		if err != nil {
			t.Fatalf("readPID failed: %v", err)
		}
		if got != want {
			t.Errorf("expected PID %d, got %d", want, got)
		}
	})

	t.Run("missing file reports not-exist", func(t *testing.T) {
		_, err := readPID(filepath.Join(t.TempDir(), pidFileName))
		if !os.IsNotExist(err) {
			t.Errorf("expected not-exist error, got %v", err)
		}
	})

	t.Run("garbage content fails", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), pidFileName)
		if err := os.WriteFile(pidFile, []byte("not a pid\n"), 0644); err != nil {
			t.Fatalf("failed to write PID file: %v", err)
		}
		if _, err := readPID(pidFile); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestProcessAlive(t *testing.T) {
	t.Run("own process is alive", func(t *testing.T) {
		if !processAlive(os.Getpid()) {
			t.Error("expected own PID to be alive")
		}
	})

	t.Run("implausible pid is dead", func(t *testing.T) {
		// Linux pid_max tops out well below this.
		if processAlive(1 << 30) {
			t.Error("expected absurd PID to be dead")
		}
	})
}

func TestShutdown(t *testing.T) {
	// Repeat calls must not panic on the closed channel.
	Shutdown()
	Shutdown()
}
