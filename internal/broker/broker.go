// Package broker pairs remote clients with tmux over two WebSocket
// planes: a control plane carrying JSON messages (auth, session and
// window management, state pushes) and a data plane carrying raw PTY
// bytes. Each authenticated client gets a dedicated grouped tmux
// session so its viewport and window focus never fight with anyone
// else's.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/tmuxmobile/gateway/internal/auth"
	"github.com/tmuxmobile/gateway/internal/monitor"
	"github.com/tmuxmobile/gateway/internal/terminal"
	"github.com/tmuxmobile/gateway/internal/tmux"
)

// mobileSessionPrefix names the per-client grouped sessions. Sessions
// carrying it are infrastructure: hidden from pickers, killed when
// their client disconnects.
const mobileSessionPrefix = "tmux-mobile-client-"

// maxClientIDLength caps client-supplied identities; longer ids are
// replaced with minted ones.
const maxClientIDLength = 128

// forcePublishTimeout bounds the post-mutation state refresh.
const forcePublishTimeout = 10 * time.Second

// Options carries the broker's configuration-derived tunables.
type Options struct {
	// DefaultSession is created and attached when no base session
	// exists at all.
	DefaultSession string
	// ScrollbackLines is the capture depth when a scrollback request
	// does not name one.
	ScrollbackLines int
}

// Broker owns every live websocket and the per-client tmux plumbing
// behind them.
type Broker struct {
	gateway tmux.Gateway
	monitor *monitor.Monitor
	auth    *auth.Service
	factory terminal.Factory
	logger  *log.Logger

	defaultSession  string
	scrollbackLines int

	reconnect *reconnectRegistry

	mu       sync.RWMutex
	contexts map[*controlContext]struct{}
	byClient map[string]*controlContext
	pending  map[*dataContext]struct{}
	stopping bool

	stopOnce sync.Once
	done     chan struct{}
}

// New wires a broker to its collaborators and registers it as the
// monitor's snapshot sink.
func New(gateway tmux.Gateway, mon *monitor.Monitor, authsvc *auth.Service, factory terminal.Factory, opts Options, logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.Default()
	}
	if opts.DefaultSession == "" {
		opts.DefaultSession = "main"
	}
	if opts.ScrollbackLines < 1 {
		opts.ScrollbackLines = 1000
	}
	b := &Broker{
		gateway:         gateway,
		monitor:         mon,
		auth:            authsvc,
		factory:         factory,
		logger:          logger,
		defaultSession:  opts.DefaultSession,
		scrollbackLines: opts.ScrollbackLines,
		reconnect:       newReconnectRegistry(),
		contexts:        make(map[*controlContext]struct{}),
		byClient:        make(map[string]*controlContext),
		pending:         make(map[*dataContext]struct{}),
		done:            make(chan struct{}),
	}
	mon.OnUpdate(b.broadcastState)
	mon.OnError(func(err error) {
		b.logger.Debug("state poll failed", "err", err)
	})
	return b
}

// Stop dismantles the broker: polling stops, every control context is
// torn down (its data sockets closed, its PTY killed, its mobile
// session removed) and unbound data sockets are dropped. Concurrent and
// repeat calls wait for the first to finish and return quietly.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		defer close(b.done)

		b.mu.Lock()
		b.stopping = true
		contexts := make([]*controlContext, 0, len(b.contexts))
		for cc := range b.contexts {
			contexts = append(contexts, cc)
		}
		pending := make([]*dataContext, 0, len(b.pending))
		for dc := range b.pending {
			pending = append(pending, dc)
		}
		b.mu.Unlock()

		b.monitor.Stop()

		g := new(errgroup.Group)
		for _, cc := range contexts {
			g.Go(func() error {
				return b.teardownControl(cc, websocket.CloseGoingAway, "shutting down")
			})
		}
		if err := g.Wait(); err != nil {
			b.logger.Warn("session cleanup during stop", "err", err)
		}

		for _, dc := range pending {
			dc.conn.close(websocket.CloseGoingAway, "shutting down")
		}
		b.logger.Info("broker stopped", "connections", len(contexts))
	})
	<-b.done
}

// broadcastState fans one snapshot out to every authenticated control
// socket. Writes happen outside the registry lock; a socket that fails
// its write is dropped and the rest still get the update.
func (b *Broker) broadcastState(snapshot tmux.StateSnapshot) {
	msg := newTmuxState(snapshot)
	for _, cc := range b.authedContexts() {
		cc.send(msg)
	}
}

// forcePublish refreshes every client's state view after a mutation.
// Failures are logged; the mutation's own reply already went out.
func (b *Broker) forcePublish() {
	ctx, cancel := context.WithTimeout(context.Background(), forcePublishTimeout)
	defer cancel()
	if err := b.monitor.ForcePublish(ctx); err != nil {
		b.logger.Debug("state publish failed", "err", err)
	}
}

func (b *Broker) isStopping() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopping
}

// SetScrollback replaces the default capture depth used when a
// scrollback request does not name one. Values below 1 are ignored.
func (b *Broker) SetScrollback(lines int) {
	if lines < 1 {
		return
	}
	b.mu.Lock()
	b.scrollbackLines = lines
	b.mu.Unlock()
}

func (b *Broker) defaultScrollback() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scrollbackLines
}

// trackControl registers a fresh control context. It refuses once the
// broker is stopping so shutdown cannot leak a context it never saw.
func (b *Broker) trackControl(cc *controlContext) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		return false
	}
	b.contexts[cc] = struct{}{}
	return true
}

func (b *Broker) untrackControl(cc *controlContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.contexts, cc)
}

func (b *Broker) trackPending(dc *dataContext) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		return false
	}
	b.pending[dc] = struct{}{}
	return true
}

func (b *Broker) untrackPending(dc *dataContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, dc)
}

// adoptClient claims clientID for cc and returns the previous holder,
// if any. The caller evicts the previous holder outside the lock.
func (b *Broker) adoptClient(clientID string, cc *controlContext) *controlContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.byClient[clientID]
	if prev == cc {
		return nil
	}
	b.byClient[clientID] = cc
	return prev
}

// releaseClient removes the clientID entry, but only while cc still
// owns it; an adopter that took the id over keeps its registration.
func (b *Broker) releaseClient(cc *controlContext, clientID string) {
	if clientID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.byClient[clientID] == cc {
		delete(b.byClient, clientID)
	}
}

func (b *Broker) lookupClient(clientID string) (*controlContext, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cc, ok := b.byClient[clientID]
	return cc, ok
}

func (b *Broker) authedContexts() []*controlContext {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*controlContext, 0, len(b.byClient))
	for _, cc := range b.byClient {
		out = append(out, cc)
	}
	return out
}

// mintClientID returns a fresh 96-bit random identity in hex.
func mintClientID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate client id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// shortID returns a compact per-connection id for log correlation.
func shortID() string {
	return uuid.New().String()[:8]
}

// HandleControl upgrades a control-plane websocket and runs its read
// pump until the socket dies or the broker stops.
func (b *Broker) HandleControl(w http.ResponseWriter, r *http.Request) {
	if b.isStopping() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("control upgrade failed", "err", err)
		return
	}
	cc := newControlContext(b, newWSConn(conn), r.URL.Query().Get("session"))
	if !b.trackControl(cc) {
		cc.conn.close(websocket.CloseGoingAway, "shutting down")
		return
	}
	b.logger.Info("control socket connected", "conn", cc.id, "remote", r.RemoteAddr)
	go pingLoop(cc.conn, cc.done)
	cc.readPump()
}

// HandleData upgrades a terminal-plane websocket. The socket stays
// pending until it authenticates against a live control context.
func (b *Broker) HandleData(w http.ResponseWriter, r *http.Request) {
	if b.isStopping() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("data upgrade failed", "err", err)
		return
	}
	dc := newDataContext(newWSConn(conn))
	if !b.trackPending(dc) {
		dc.conn.close(websocket.CloseGoingAway, "shutting down")
		return
	}
	b.logger.Debug("data socket connected", "conn", dc.id, "remote", r.RemoteAddr)
	go pingLoop(dc.conn, dc.done)
	b.dataPump(dc)
}
