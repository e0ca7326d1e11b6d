// Package monitor polls tmux and publishes state snapshots to the broker
// whenever the session tree changes.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tmuxmobile/gateway/internal/tmux"
)

// DefaultPollInterval is how often the session tree is re-read when no
// mutation forces an earlier refresh.
const DefaultPollInterval = 2500 * time.Millisecond

// Monitor owns the poll loop. Ticks never overlap: the next wait starts
// only after the previous snapshot resolved. ForcePublish bypasses the
// equality check and, through a monotone generation counter, invalidates
// every snapshot whose build started earlier. In-flight tmux calls cannot
// be cancelled, so stale results are dropped rather than interrupted.
type Monitor struct {
	gateway tmux.Gateway
	logger  *log.Logger

	// kick tells the loop a ForcePublish took over the pending tick;
	// the loop drops its timer and re-arms a full interval out.
	kick chan struct{}

	mu          sync.Mutex
	interval    time.Duration
	running     bool
	cancel      context.CancelFunc
	generation  uint64
	fingerprint string
	onUpdate    func(tmux.StateSnapshot)
	onError     func(error)
}

// New returns a stopped monitor. Register OnUpdate/OnError, then Start.
func New(gateway tmux.Gateway, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		gateway:  gateway,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		interval: interval,
	}
}

// OnUpdate registers the snapshot sink.
func (m *Monitor) OnUpdate(fn func(tmux.StateSnapshot)) {
	m.mu.Lock()
	m.onUpdate = fn
	m.mu.Unlock()
}

// OnError registers the sink for tick failures. Tick errors are never
// fatal to the loop; ForcePublish errors go to its caller instead.
func (m *Monitor) OnError(fn func(error)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

// Interval returns the current poll interval.
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// SetInterval changes the poll interval. Takes effect after the wait in
// progress; non-positive values are ignored.
func (m *Monitor) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
}

// Start launches the poll loop. Starting a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	go m.loop(ctx)
}

// Stop cancels the loop. A tick in flight will finish its tmux calls but
// its snapshot is not delivered.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
}

func (m *Monitor) loop(ctx context.Context) {
	for {
		timer := time.NewTimer(m.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.kick:
			// A ForcePublish owns the publication that was due; the
			// next poll starts a full interval after it.
			timer.Stop()
			continue
		case <-timer.C:
		}
		m.tick(ctx)
	}
}

// tick builds a snapshot and publishes it if the session tree changed.
// The generation captured before the build detects an intervening
// ForcePublish; a stale tick's snapshot is silently dropped.
func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()

	snap, err := m.BuildSnapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.emitError(err)
		return
	}

	fp, err := Fingerprint(snap.Sessions)
	if err != nil {
		m.emitError(err)
		return
	}

	m.mu.Lock()
	if gen != m.generation || !m.running || fp == m.fingerprint {
		m.mu.Unlock()
		return
	}
	m.fingerprint = fp
	fn := m.onUpdate
	m.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
}

// ForcePublish rebuilds the snapshot and delivers it regardless of whether
// it changed. If another ForcePublish starts while this one is building,
// this one's snapshot is discarded; the newer call owns the publication.
// Build failures are returned to the caller instead of going to OnError.
func (m *Monitor) ForcePublish(ctx context.Context) error {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	// Cancel the pending tick so the loop does not race this build with
	// one of its own; the buffered send also covers an overlapping force,
	// whose higher generation already supersedes this one.
	select {
	case m.kick <- struct{}{}:
	default:
	}

	snap, err := m.BuildSnapshot(ctx)
	if err != nil {
		return err
	}
	fp, err := Fingerprint(snap.Sessions)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return nil
	}
	m.fingerprint = fp
	fn := m.onUpdate
	m.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return nil
}

// BuildSnapshot reads the full session tree: every session, its windows,
// their panes. A window is zoomed when any of its panes reports the
// active-zoom flag.
func (m *Monitor) BuildSnapshot(ctx context.Context) (tmux.StateSnapshot, error) {
	sessions, err := m.gateway.ListSessions(ctx)
	if err != nil {
		return tmux.StateSnapshot{}, err
	}

	states := make([]tmux.SessionState, 0, len(sessions))
	for _, s := range sessions {
		windows, err := m.gateway.ListWindows(ctx, s.Name)
		if err != nil {
			return tmux.StateSnapshot{}, err
		}
		for i := range windows {
			panes, err := m.gateway.ListPanes(ctx, s.Name, windows[i].Index)
			if err != nil {
				return tmux.StateSnapshot{}, err
			}
			windows[i].Panes = panes
			for _, p := range panes {
				if p.Zoomed {
					windows[i].Zoomed = true
					break
				}
			}
		}
		states = append(states, tmux.SessionState{
			Name:     s.Name,
			Attached: s.Attached,
			Windows:  windows,
		})
	}

	return tmux.StateSnapshot{
		Sessions:   states,
		CapturedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// Fingerprint serializes the sessions sequence for change detection.
// CapturedAt never participates, so two snapshots of an unchanged tree
// compare equal.
func Fingerprint(sessions []tmux.SessionState) (string, error) {
	b, err := json.Marshal(sessions)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (m *Monitor) emitError(err error) {
	m.mu.Lock()
	fn := m.onError
	m.mu.Unlock()

	if fn != nil {
		fn(err)
		return
	}
	m.logger.Warn("state poll failed", "err", err)
}
