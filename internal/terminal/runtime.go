package terminal

import (
	"fmt"
	"math"
	"sync"

	"github.com/charmbracelet/log"
)

// Runtime owns a single attached PTY for one client. It remembers the last
// requested terminal size and replays it whenever a new process is spawned,
// so a reattach lands at the client's real viewport instead of 80x24.
type Runtime struct {
	factory Factory
	logger  *log.Logger

	mu         sync.Mutex
	generation int
	session    string
	proc       Process
	cols       int
	rows       int
	onData     func([]byte)
	onExit     func()
}

// NewRuntime returns a detached runtime. Callers register OnData/OnExit
// before the first Attach.
func NewRuntime(factory Factory, logger *log.Logger) *Runtime {
	if logger == nil {
		logger = log.Default()
	}
	return &Runtime{
		factory: factory,
		logger:  logger,
		cols:    DefaultCols,
		rows:    DefaultRows,
	}
}

// OnData registers the sink for PTY output.
func (r *Runtime) OnData(fn func([]byte)) {
	r.mu.Lock()
	r.onData = fn
	r.mu.Unlock()
}

// OnExit registers the handler invoked when the attach process ends on its
// own. Deliberate kills during reattach or shutdown do not fire it.
func (r *Runtime) OnExit(fn func()) {
	r.mu.Lock()
	r.onExit = fn
	r.mu.Unlock()
}

// Attach points the runtime at a session. Reattaching to the current
// session while its process is alive is a no-op; anything else kills the
// old process, spawns a fresh one and replays the last known size.
func (r *Runtime) Attach(session string) error {
	r.mu.Lock()
	if r.proc != nil && r.session == session {
		r.mu.Unlock()
		return nil
	}
	r.generation++
	gen := r.generation
	old := r.proc
	r.proc = nil
	r.mu.Unlock()

	if old != nil {
		old.Kill()
	}

	proc, err := r.factory.SpawnAttach(session,
		func(data []byte) { r.forwardData(gen, data) },
		func(exitErr error) { r.forwardExit(gen, exitErr) },
	)
	if err != nil {
		return fmt.Errorf("failed to attach terminal to session %q: %w", session, err)
	}

	r.mu.Lock()
	if r.generation != gen {
		// Shutdown raced the spawn; the new process is already obsolete.
		r.mu.Unlock()
		proc.Kill()
		return fmt.Errorf("terminal runtime shut down during attach")
	}
	r.session = session
	r.proc = proc
	cols, rows := r.cols, r.rows
	r.mu.Unlock()

	if err := proc.Resize(cols, rows); err != nil {
		r.logger.Warn("failed to apply terminal size after attach", "session", session, "err", err)
	}
	return nil
}

// Write forwards input bytes to the attached process. Without a process it
// is a no-op.
func (r *Runtime) Write(data []byte) error {
	r.mu.Lock()
	proc := r.proc
	r.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Write(data)
}

// Resize stores and applies new dimensions. Values arrive as JSON numbers,
// so they may be fractional; they are truncated. Non-finite values or
// anything below 2 in either axis is rejected and the stored size keeps
// its previous value.
func (r *Runtime) Resize(cols, rows float64) error {
	if math.IsNaN(cols) || math.IsInf(cols, 0) || math.IsNaN(rows) || math.IsInf(rows, 0) {
		return fmt.Errorf("non-finite terminal size")
	}
	c, w := int(cols), int(rows)
	if c < 2 || w < 2 {
		return fmt.Errorf("terminal size %dx%d too small", c, w)
	}

	r.mu.Lock()
	r.cols, r.rows = c, w
	proc := r.proc
	r.mu.Unlock()

	if proc == nil {
		return nil
	}
	return proc.Resize(c, w)
}

// Shutdown kills the attached process and forgets the session.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	r.generation++
	proc := r.proc
	r.proc = nil
	r.session = ""
	r.mu.Unlock()

	if proc != nil {
		proc.Kill()
	}
}

// forwardData relays PTY output to the registered sink, dropping chunks
// from processes that have since been replaced.
func (r *Runtime) forwardData(gen int, data []byte) {
	r.mu.Lock()
	if gen != r.generation {
		r.mu.Unlock()
		return
	}
	fn := r.onData
	r.mu.Unlock()

	if fn != nil {
		fn(data)
	}
}

// forwardExit handles a spontaneous process exit. The runtime stays
// pointed at its session so a later Attach respawns; only the process is
// forgotten.
func (r *Runtime) forwardExit(gen int, exitErr error) {
	r.mu.Lock()
	if gen != r.generation {
		r.mu.Unlock()
		return
	}
	r.proc = nil
	fn := r.onExit
	session := r.session
	r.mu.Unlock()

	if exitErr != nil {
		r.logger.Debug("attach process exited", "session", session, "err", exitErr)
	}
	if fn != nil {
		fn()
	}
}
