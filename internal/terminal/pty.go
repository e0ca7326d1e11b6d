// Package terminal owns the per-client PTY attachment to a tmux session.
// Each connected client gets its own Runtime; bytes from one client's PTY
// never reach another client.
package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/tmuxmobile/gateway/internal/tmux"
)

// Default terminal dimensions applied at spawn, before the client reports
// its real viewport.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// Process is one attach-session child running under a pseudo-terminal.
type Process interface {
	Write(data []byte) error
	Resize(cols, rows int) error
	Kill()
}

// Factory spawns attach processes. onData receives every chunk the PTY
// emits; onExit fires once when the child ends, whether killed or not.
type Factory interface {
	SpawnAttach(session string, onData func([]byte), onExit func(error)) (Process, error)
}

// AttachFactory spawns `tmux attach-session` children with creack/pty.
type AttachFactory struct{}

// NewAttachFactory returns the production PTY factory.
func NewAttachFactory() *AttachFactory {
	return &AttachFactory{}
}

// SpawnAttach starts `tmux attach-session -t =<session>` under a fresh PTY
// sized 80x24. The session name is passed as a distinct argument, never
// through a shell, and the enclosing tmux environment is stripped so the
// child does not think it is nested.
func (f *AttachFactory) SpawnAttach(session string, onData func([]byte), onExit func(error)) (Process, error) {
	cmd := exec.Command("tmux", "attach-session", "-t", "="+session)
	cmd.Env = tmux.FilterEnv(os.Environ())

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: DefaultCols, Rows: DefaultRows})
	if err != nil {
		return nil, fmt.Errorf("failed to start attach pty: %w", err)
	}

	p := &ptyProcess{cmd: cmd, ptmx: ptmx}
	go p.readLoop(onData, onExit)
	return p, nil
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	waitOnce sync.Once
	waitErr  error
}

// readLoop pumps PTY output until the child exits. Reads against a closed
// or exited PTY fail with EIO on Linux; that is the exit signal.
func (p *ptyProcess) readLoop(onData func([]byte), onExit func(error)) {
	buf := make([]byte, 8192)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			onExit(p.wait())
			return
		}
	}
}

// wait reaps the child exactly once; both Kill and the read loop funnel
// through it.
func (p *ptyProcess) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

func (p *ptyProcess) Write(data []byte) error {
	_, err := p.ptmx.Write(data)
	return err
}

func (p *ptyProcess) Resize(cols, rows int) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (p *ptyProcess) Kill() {
	_ = p.ptmx.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.wait()
}
