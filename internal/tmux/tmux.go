// Package tmux shells out to the tmux binary and turns its tab-delimited
// output into typed records. Commands are always run with an argument
// vector, never through a shell, and each invocation is bounded by a
// timeout.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultCommandTimeout bounds each tmux invocation.
const DefaultCommandTimeout = 5 * time.Second

var (
	// ErrNoServer is returned when no tmux server is running.
	ErrNoServer = errors.New("no tmux server running")
	// ErrNoClient is returned when a command needs an attached tmux client
	// and none exists.
	ErrNoClient = errors.New("no current tmux client")
)

// CommandError wraps a failed tmux invocation with the arguments used and
// whatever tmux printed to stderr.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("tmux %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("tmux %s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Gateway is the capability surface the broker and state monitor use to
// drive tmux. CLI is the production implementation; tests substitute fakes.
type Gateway interface {
	ListSessions(ctx context.Context) ([]SessionSummary, error)
	ListWindows(ctx context.Context, session string) ([]WindowState, error)
	ListPanes(ctx context.Context, session string, windowIndex int) ([]PaneState, error)
	CreateSession(ctx context.Context, name string) error
	CreateGroupedSession(ctx context.Context, name, targetSession string) error
	KillSession(ctx context.Context, name string) error
	SwitchClient(ctx context.Context, session string) error
	NewWindow(ctx context.Context, session string) error
	KillWindow(ctx context.Context, session string, windowIndex int) error
	SelectWindow(ctx context.Context, session string, windowIndex int) error
	SplitWindow(ctx context.Context, paneID, orientation string) error
	KillPane(ctx context.Context, paneID string) error
	SelectPane(ctx context.Context, paneID string) error
	ZoomPane(ctx context.Context, paneID string) error
	IsPaneZoomed(ctx context.Context, paneID string) (bool, error)
	CapturePane(ctx context.Context, paneID string, lines int) (string, error)
}

type runFunc func(ctx context.Context, args []string) (stdout, stderr string, err error)

// CLI runs tmux commands through the local binary.
type CLI struct {
	bin     string
	timeout time.Duration
	logger  *log.Logger
	run     runFunc
}

// NewCLI returns a Gateway backed by the tmux binary on PATH.
func NewCLI(logger *log.Logger) *CLI {
	if logger == nil {
		logger = log.Default()
	}
	c := &CLI{
		bin:     "tmux",
		timeout: DefaultCommandTimeout,
		logger:  logger,
	}
	c.run = c.execTmux
	return c
}

// execTmux runs one tmux command with a bounded timeout and with the
// enclosing-multiplexer environment stripped from the child.
func (c *CLI) execTmux(ctx context.Context, args []string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Env = FilterEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (c *CLI) command(ctx context.Context, args ...string) (string, error) {
	c.logger.Debug("running tmux command", "args", strings.Join(args, " "))
	stdout, stderr, err := c.run(ctx, args)
	if err != nil {
		return "", classifyCommandError(args, stderr, err)
	}
	return stdout, nil
}

// classifyCommandError maps tmux stderr onto the sentinel errors callers
// branch on; everything else becomes a CommandError.
func classifyCommandError(args []string, stderr string, err error) error {
	msg := strings.ToLower(strings.TrimSpace(stderr))
	switch {
	case strings.Contains(msg, "no server running"),
		strings.Contains(msg, "error connecting to"):
		return ErrNoServer
	case strings.Contains(msg, "no current client"):
		return ErrNoClient
	}
	return &CommandError{Args: args, Output: strings.TrimSpace(stderr), Err: err}
}

// FilterEnv removes variables that would make a child process believe it
// is running inside the enclosing tmux client. Both the CLI and the PTY
// adapter strip these; the broker may itself be running under tmux.
func FilterEnv(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, v := range env {
		if strings.HasPrefix(v, "TMUX=") || strings.HasPrefix(v, "TMUX_PANE=") {
			continue
		}
		filtered = append(filtered, v)
	}
	return filtered
}

// exactTarget prefixes a session name with "=" so tmux matches it exactly
// instead of by prefix.
func exactTarget(session string) string {
	return "=" + session
}

// windowTarget addresses one window inside a session.
func windowTarget(session string, index int) string {
	return fmt.Sprintf("=%s:%d", session, index)
}

// ListSessions returns every session known to the tmux server. A missing
// server is reported as zero sessions, not an error.
func (c *CLI) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	out, err := c.command(ctx, "list-sessions", "-F", sessionFormat)
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return []SessionSummary{}, nil
		}
		return nil, fmt.Errorf("failed to list tmux sessions: %w", err)
	}
	sessions := []SessionSummary{}
	for _, line := range splitRecordLines(out) {
		s, err := parseSessionLine(line)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// ListWindows returns the windows of one session, panes not populated.
func (c *CLI) ListWindows(ctx context.Context, session string) ([]WindowState, error) {
	out, err := c.command(ctx, "list-windows", "-t", exactTarget(session), "-F", windowFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to list tmux windows: %w", err)
	}
	windows := []WindowState{}
	for _, line := range splitRecordLines(out) {
		w, err := parseWindowLine(line)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, nil
}

// ListPanes returns the panes of one window.
func (c *CLI) ListPanes(ctx context.Context, session string, windowIndex int) ([]PaneState, error) {
	out, err := c.command(ctx, "list-panes", "-t", windowTarget(session, windowIndex), "-F", paneFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to list tmux panes: %w", err)
	}
	panes := []PaneState{}
	for _, line := range splitRecordLines(out) {
		p, err := parsePaneLine(line)
		if err != nil {
			return nil, err
		}
		panes = append(panes, p)
	}
	return panes, nil
}

// CreateSession creates a detached session.
func (c *CLI) CreateSession(ctx context.Context, name string) error {
	if _, err := c.command(ctx, "new-session", "-d", "-s", name); err != nil {
		return fmt.Errorf("failed to create tmux session: %w", err)
	}
	return nil
}

// CreateGroupedSession creates a detached session sharing the target
// session's window set. The two sessions see the same windows but keep
// independent active-pane and zoom state.
func (c *CLI) CreateGroupedSession(ctx context.Context, name, targetSession string) error {
	if _, err := c.command(ctx, "new-session", "-d", "-s", name, "-t", exactTarget(targetSession)); err != nil {
		return fmt.Errorf("failed to create grouped tmux session: %w", err)
	}
	return nil
}

// KillSession terminates a session.
func (c *CLI) KillSession(ctx context.Context, name string) error {
	if _, err := c.command(ctx, "kill-session", "-t", exactTarget(name)); err != nil {
		return fmt.Errorf("failed to kill tmux session: %w", err)
	}
	return nil
}

// SwitchClient points the current tmux client at another session. Fails
// with ErrNoClient when the process is not running under a tmux client;
// callers with their own attach path treat that as non-fatal.
func (c *CLI) SwitchClient(ctx context.Context, session string) error {
	if _, err := c.command(ctx, "switch-client", "-t", exactTarget(session)); err != nil {
		if errors.Is(err, ErrNoClient) {
			return err
		}
		return fmt.Errorf("failed to switch tmux client: %w", err)
	}
	return nil
}

// NewWindow opens a window at the next free index of a session.
func (c *CLI) NewWindow(ctx context.Context, session string) error {
	if _, err := c.command(ctx, "new-window", "-t", exactTarget(session)+":"); err != nil {
		return fmt.Errorf("failed to create tmux window: %w", err)
	}
	return nil
}

// KillWindow closes one window.
func (c *CLI) KillWindow(ctx context.Context, session string, windowIndex int) error {
	if _, err := c.command(ctx, "kill-window", "-t", windowTarget(session, windowIndex)); err != nil {
		return fmt.Errorf("failed to kill tmux window: %w", err)
	}
	return nil
}

// SelectWindow makes one window the session's active window.
func (c *CLI) SelectWindow(ctx context.Context, session string, windowIndex int) error {
	if _, err := c.command(ctx, "select-window", "-t", windowTarget(session, windowIndex)); err != nil {
		return fmt.Errorf("failed to select tmux window: %w", err)
	}
	return nil
}

// SplitWindow splits a pane horizontally ("h") or vertically ("v"). Pane
// ids are globally unique so no session qualifier is needed.
func (c *CLI) SplitWindow(ctx context.Context, paneID, orientation string) error {
	var flag string
	switch orientation {
	case "h":
		flag = "-h"
	case "v":
		flag = "-v"
	default:
		return fmt.Errorf("invalid split orientation %q", orientation)
	}
	if _, err := c.command(ctx, "split-window", flag, "-t", paneID); err != nil {
		return fmt.Errorf("failed to split tmux pane: %w", err)
	}
	return nil
}

// KillPane closes one pane.
func (c *CLI) KillPane(ctx context.Context, paneID string) error {
	if _, err := c.command(ctx, "kill-pane", "-t", paneID); err != nil {
		return fmt.Errorf("failed to kill tmux pane: %w", err)
	}
	return nil
}

// SelectPane makes one pane the active pane of its window.
func (c *CLI) SelectPane(ctx context.Context, paneID string) error {
	if _, err := c.command(ctx, "select-pane", "-t", paneID); err != nil {
		return fmt.Errorf("failed to select tmux pane: %w", err)
	}
	return nil
}

// ZoomPane toggles zoom on the window containing the pane.
func (c *CLI) ZoomPane(ctx context.Context, paneID string) error {
	if _, err := c.command(ctx, "resize-pane", "-Z", "-t", paneID); err != nil {
		return fmt.Errorf("failed to zoom tmux pane: %w", err)
	}
	return nil
}

// IsPaneZoomed reports whether the window containing the pane is zoomed.
func (c *CLI) IsPaneZoomed(ctx context.Context, paneID string) (bool, error) {
	out, err := c.command(ctx, "display-message", "-p", "-t", paneID, "#{window_zoomed_flag}")
	if err != nil {
		return false, fmt.Errorf("failed to query tmux zoom state: %w", err)
	}
	return parseFlag(strings.TrimSpace(out)), nil
}

// CapturePane returns the last N lines of a pane including scrollback.
// -e keeps escape sequences so colors survive; -S with a negative value
// starts that many lines above the visible screen. capture-pane does not
// support the = target prefix.
func (c *CLI) CapturePane(ctx context.Context, paneID string, lines int) (string, error) {
	if lines < 1 {
		return "", fmt.Errorf("invalid scrollback line count %d", lines)
	}
	out, err := c.command(ctx, "capture-pane", "-p", "-e", "-S", fmt.Sprintf("-%d", lines), "-t", paneID)
	if err != nil {
		return "", fmt.Errorf("failed to capture tmux pane: %w", err)
	}
	return out, nil
}
