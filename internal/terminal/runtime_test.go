package terminal

import (
	"bytes"
	"errors"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
)

// fakeProcess records every interaction and lets tests drive the data and
// exit callbacks the factory captured.
type fakeProcess struct {
	session string
	onData  func([]byte)
	onExit  func(error)

	mu      sync.Mutex
	writes  [][]byte
	resizes [][2]int
	killed  bool
}

func (p *fakeProcess) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	chunk := make([]byte, len(data))
	copy(chunk, data)
	p.writes = append(p.writes, chunk)
	return nil
}

func (p *fakeProcess) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]int{cols, rows})
	return nil
}

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) lastResize() [2]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.resizes) == 0 {
		return [2]int{}
	}
	return p.resizes[len(p.resizes)-1]
}

type fakeFactory struct {
	mu    sync.Mutex
	procs []*fakeProcess
	err   error
}

func (f *fakeFactory) SpawnAttach(session string, onData func([]byte), onExit func(error)) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakeProcess{session: session, onData: onData, onExit: onExit}
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeFactory) spawned() []*fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeProcess(nil), f.procs...)
}

func newTestRuntime(f *fakeFactory) *Runtime {
	return NewRuntime(f, log.New(io.Discard))
}

func TestAttach(t *testing.T) {
	t.Run("first attach spawns and applies default size", func(t *testing.T) {
		f := &fakeFactory{}
		r := newTestRuntime(f)
		if err := r.Attach("tmux-mobile-client-a"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		procs := f.spawned()
		if len(procs) != 1 {
			t.Fatalf("expected 1 spawn, got %d", len(procs))
		}
		if procs[0].session != "tmux-mobile-client-a" {
			t.Errorf("spawned session = %q", procs[0].session)
		}
		if got := procs[0].lastResize(); got != [2]int{DefaultCols, DefaultRows} {
			t.Errorf("initial size = %v, want %dx%d", got, DefaultCols, DefaultRows)
		}
	})

	t.Run("reattach to same session with live process is a no-op", func(t *testing.T) {
		f := &fakeFactory{}
		r := newTestRuntime(f)
		if err := r.Attach("s"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		if err := r.Attach("s"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		if got := len(f.spawned()); got != 1 {
			t.Errorf("expected 1 spawn after reattach, got %d", got)
		}
	})

	t.Run("attach to another session kills the old process and replays size", func(t *testing.T) {
		f := &fakeFactory{}
		r := newTestRuntime(f)
		if err := r.Attach("a"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		if err := r.Resize(120, 40); err != nil {
			t.Fatalf("Resize() error = %v", err)
		}
		if err := r.Attach("b"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		procs := f.spawned()
		if len(procs) != 2 {
			t.Fatalf("expected 2 spawns, got %d", len(procs))
		}
		if !procs[0].wasKilled() {
			t.Error("expected first process to be killed")
		}
		if got := procs[1].lastResize(); got != [2]int{120, 40} {
			t.Errorf("replayed size = %v, want 120x40", got)
		}
	})

	t.Run("spawn failure is reported", func(t *testing.T) {
		f := &fakeFactory{err: errors.New("no such session")}
		r := newTestRuntime(f)
		if err := r.Attach("gone"); err == nil {
			t.Error("Attach() error = nil, want spawn failure")
		}
	})
}

func TestResize(t *testing.T) {
	t.Run("fractional values are truncated", func(t *testing.T) {
		f := &fakeFactory{}
		r := newTestRuntime(f)
		if err := r.Attach("s"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		if err := r.Resize(100.9, 31.2); err != nil {
			t.Fatalf("Resize() error = %v", err)
		}
		if got := f.spawned()[0].lastResize(); got != [2]int{100, 31} {
			t.Errorf("size = %v, want 100x31", got)
		}
	})

	t.Run("rejected values keep the previous dimensions", func(t *testing.T) {
		nan := math.NaN()
		f := &fakeFactory{}
		r := newTestRuntime(f)
		if err := r.Attach("s"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		if err := r.Resize(90, 30); err != nil {
			t.Fatalf("Resize() error = %v", err)
		}
		for _, tc := range []struct{ cols, rows float64 }{
			{nan, 30},
			{90, nan},
			{1, 30},
			{90, 1},
			{0, 0},
		} {
			if err := r.Resize(tc.cols, tc.rows); err == nil {
				t.Errorf("Resize(%v, %v) error = nil, want rejection", tc.cols, tc.rows)
			}
		}
		// A reattach must still replay the last accepted size.
		if err := r.Attach("other"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		procs := f.spawned()
		if got := procs[len(procs)-1].lastResize(); got != [2]int{90, 30} {
			t.Errorf("replayed size = %v, want 90x30", got)
		}
	})
}

func TestWrite(t *testing.T) {
	t.Run("forwards to the attached process", func(t *testing.T) {
		f := &fakeFactory{}
		r := newTestRuntime(f)
		if err := r.Attach("s"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		if err := r.Write([]byte("ls\r")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		p := f.spawned()[0]
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.writes) != 1 || !bytes.Equal(p.writes[0], []byte("ls\r")) {
			t.Errorf("writes = %q, want [ls\\r]", p.writes)
		}
	})

	t.Run("without a process it is a no-op", func(t *testing.T) {
		r := newTestRuntime(&fakeFactory{})
		if err := r.Write([]byte("x")); err != nil {
			t.Errorf("Write() error = %v, want nil", err)
		}
	})
}

func TestShutdown(t *testing.T) {
	f := &fakeFactory{}
	r := newTestRuntime(f)
	if err := r.Attach("s"); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	r.Shutdown()
	if !f.spawned()[0].wasKilled() {
		t.Error("expected process to be killed on shutdown")
	}
	// The session is forgotten, so attaching again spawns fresh.
	if err := r.Attach("s"); err != nil {
		t.Fatalf("Attach() after shutdown error = %v", err)
	}
	if got := len(f.spawned()); got != 2 {
		t.Errorf("expected 2 spawns, got %d", got)
	}
}

func TestProcessEvents(t *testing.T) {
	t.Run("data is forwarded to the registered sink", func(t *testing.T) {
		f := &fakeFactory{}
		r := newTestRuntime(f)
		var got [][]byte
		r.OnData(func(b []byte) { got = append(got, b) })
		if err := r.Attach("s"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		f.spawned()[0].onData([]byte("hello"))
		if len(got) != 1 || string(got[0]) != "hello" {
			t.Errorf("forwarded data = %q, want [hello]", got)
		}
	})

	t.Run("data from a replaced process is dropped", func(t *testing.T) {
		f := &fakeFactory{}
		r := newTestRuntime(f)
		var got [][]byte
		r.OnData(func(b []byte) { got = append(got, b) })
		if err := r.Attach("a"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		stale := f.spawned()[0]
		if err := r.Attach("b"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		stale.onData([]byte("late"))
		if len(got) != 0 {
			t.Errorf("stale data forwarded: %q", got)
		}
	})

	t.Run("spontaneous exit fires the handler and allows reattach", func(t *testing.T) {
		f := &fakeFactory{}
		r := newTestRuntime(f)
		exits := 0
		r.OnExit(func() { exits++ })
		if err := r.Attach("s"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		f.spawned()[0].onExit(errors.New("exit status 1"))
		if exits != 1 {
			t.Fatalf("exit handler fired %d times, want 1", exits)
		}
		// Same session, but the process is gone, so attach respawns.
		if err := r.Attach("s"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		if got := len(f.spawned()); got != 2 {
			t.Errorf("expected respawn after exit, got %d spawns", got)
		}
	})

	t.Run("exit of a replaced process does not fire the handler", func(t *testing.T) {
		f := &fakeFactory{}
		r := newTestRuntime(f)
		exits := 0
		r.OnExit(func() { exits++ })
		if err := r.Attach("a"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		stale := f.spawned()[0]
		if err := r.Attach("b"); err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		stale.onExit(nil)
		if exits != 0 {
			t.Errorf("exit handler fired %d times for a replaced process", exits)
		}
	})
}
