// Package daemon manages the gateway's background process: the PID
// file, starting and stopping, and the foreground run loop that wires
// config, tmux, broker and HTTP server together.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	ps "github.com/mitchellh/go-ps"

	"github.com/tmuxmobile/gateway/internal/auth"
	"github.com/tmuxmobile/gateway/internal/broker"
	"github.com/tmuxmobile/gateway/internal/config"
	"github.com/tmuxmobile/gateway/internal/monitor"
	"github.com/tmuxmobile/gateway/internal/terminal"
	"github.com/tmuxmobile/gateway/internal/tmux"
	"github.com/tmuxmobile/gateway/internal/version"
	"github.com/tmuxmobile/gateway/internal/web"
)

const (
	pidFileName     = "daemon.pid"
	startedFileName = "daemon.started"

	// stopTimeout bounds how long Stop waits for the daemon to exit
	// after SIGTERM.
	stopTimeout = 5 * time.Second
)

var (
	shutdownChan = make(chan struct{})
	shutdownOnce sync.Once
)

// pidFilePath returns the PID file location under the gateway dir.
func pidFilePath() (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, pidFileName), nil
}

// readPID parses the PID file. A missing file returns os.ErrNotExist.
func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("failed to parse PID file %s: %w", pidFile, err)
	}
	return pid, nil
}

// processAlive reports whether pid names a live process. go-ps reads the
// process table without signalling; signal 0 is the fallback when the
// table read itself fails.
func processAlive(pid int) bool {
	if proc, err := ps.FindProcess(pid); err == nil {
		return proc != nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// Start launches the daemon in the background and returns once the
// child process is off the ground. Callers poll readiness over HTTP.
func Start() error {
	if err := tmux.TmuxChecker.Check(); err != nil {
		return err
	}

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create gateway directory: %w", err)
	}

	pidFile := filepath.Join(dir, pidFileName)
	if pid, err := readPID(pidFile); err == nil {
		if processAlive(pid) {
			return fmt.Errorf("daemon is already running (PID %d)", pid)
		}
		// Stale PID from a crashed run.
		os.Remove(pidFile)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	cmd := exec.Command(execPath, "run")
	cmd.Dir, _ = os.Getwd()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Give the child a moment to write its PID file.
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop sends SIGTERM to the daemon and waits for it to exit.
func Stop() error {
	pidFile, err := pidFilePath()
	if err != nil {
		return err
	}

	pid, err := readPID(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("daemon is not running")
		}
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	// The daemon is not our child, so Wait does not apply; poll the
	// process table instead.
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("timeout waiting for daemon to stop")
}

// Status reports whether the daemon is running, its URL and when it
// started.
func Status() (running bool, url string, startedAt string, err error) {
	dir, err := config.Dir()
	if err != nil {
		return false, "", "", err
	}

	pid, err := readPID(filepath.Join(dir, pidFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return false, "", "", nil
		}
		return false, "", "", err
	}
	if !processAlive(pid) {
		return false, "", "", nil
	}

	port := config.DefaultPort
	if path, findErr := config.Find(); findErr == nil {
		if cfg, loadErr := config.Load(path); loadErr == nil {
			port = cfg.Port
		}
	}
	url = fmt.Sprintf("http://localhost:%d", port)

	if data, readErr := os.ReadFile(filepath.Join(dir, startedFileName)); readErr == nil {
		startedAt = strings.TrimSpace(string(data))
	}
	return true, url, startedAt, nil
}

// Run runs the daemon in the foreground: the entry point for the child
// process Start launches, and for `tmuxmobile run` during development.
func Run() error {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "tmuxmobile",
	})

	if err := tmux.TmuxChecker.Check(); err != nil {
		return err
	}

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create gateway directory: %w", err)
	}

	pidFile := filepath.Join(dir, pidFileName)
	if pid, err := readPID(pidFile); err == nil && processAlive(pid) && pid != os.Getpid() {
		return fmt.Errorf("daemon is already running (PID %d)", pid)
	}
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(pidFile)

	startedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if err := os.WriteFile(filepath.Join(dir, startedFileName), []byte(startedAt+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write daemon start time: %w", err)
	}

	cfg, created, err := config.EnsureExists()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if created {
		logger.Info("created default config", "path", cfg.Path())
	}

	gateway := tmux.NewCLI(logger.WithPrefix("tmux"))
	authService := auth.NewService(cfg.Token, cfg.Password)
	mon := monitor.New(gateway, cfg.PollInterval(), logger.WithPrefix("monitor"))
	factory := terminal.NewAttachFactory()
	brk := broker.New(gateway, mon, authService, factory, broker.Options{
		DefaultSession:  cfg.DefaultSession,
		ScrollbackLines: cfg.ScrollbackLines,
	}, logger.WithPrefix("broker"))
	server := web.NewServer(cfg, brk, logger.WithPrefix("web"))

	watcher, err := config.NewWatcher(cfg, func(fresh *config.Config) {
		mon.SetInterval(fresh.PollInterval())
		brk.SetScrollback(fresh.ScrollbackLines)
		server.ApplyConfig(fresh)
	}, logger.WithPrefix("config"))
	if err != nil {
		logger.Warn("config hot-reload disabled", "err", err)
		watcher = nil
	}

	if err := server.Listen(); err != nil {
		return err
	}
	mon.Start()
	if watcher != nil {
		watcher.Start()
	}

	logger.Info("gateway started",
		"version", version.Version,
		"addr", server.Addr(),
		"pollInterval", cfg.PollInterval())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.Serve()
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-serverErrChan:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case <-shutdownChan:
		logger.Info("shutdown requested")
	}

	if watcher != nil {
		watcher.Stop()
	}
	brk.Stop()
	if err := server.Stop(); err != nil {
		logger.Warn("server shutdown", "err", err)
	}

	logger.Info("gateway stopped")
	return runErr
}

// Shutdown triggers a graceful shutdown of a daemon running in this
// process. Safe to call more than once.
func Shutdown() {
	shutdownOnce.Do(func() {
		close(shutdownChan)
	})
}
