package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tmuxmobile/gateway/internal/auth"
	"github.com/tmuxmobile/gateway/internal/terminal"
	"github.com/tmuxmobile/gateway/internal/tmux"
)

// controlContext is the server half of one control socket. Messages are
// handled one at a time on the socket's read pump, so handler code
// never races against other mutations of the same connection; the
// mutex guards the fields that other goroutines read (PTY fan-out,
// data-socket binding, eviction, stop).
type controlContext struct {
	id     string
	broker *Broker
	conn   *wsConn

	// forceSession pins the first attach to one session. It comes from
	// the upgrade request's ?session= query parameter.
	forceSession string

	mu              sync.Mutex
	authenticated   bool
	clientID        string
	baseSession     string
	attachedSession string
	runtime         *terminal.Runtime
	dataSockets     map[*dataContext]struct{}
	closed          bool

	teardownOnce sync.Once
	done         chan struct{}
}

func newControlContext(b *Broker, conn *wsConn, forceSession string) *controlContext {
	return &controlContext{
		id:           shortID(),
		broker:       b,
		conn:         conn,
		forceSession: forceSession,
		dataSockets:  make(map[*dataContext]struct{}),
		done:         make(chan struct{}),
	}
}

// send writes one message to the client. A failed write drops the
// connection; the read pump picks the failure up and tears down.
func (cc *controlContext) send(v any) error {
	if err := cc.conn.writeJSON(v); err != nil {
		cc.broker.logger.Debug("control write failed", "conn", cc.id, "err", err)
		cc.conn.abort()
		return err
	}
	return nil
}

func (cc *controlContext) isAuthenticated() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.authenticated
}

func (cc *controlContext) isClosed() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.closed
}

func (cc *controlContext) currentClientID() string {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.clientID
}

func (cc *controlContext) currentBase() string {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.baseSession
}

// attached returns the mobile session this context drives, if any.
func (cc *controlContext) attached() (string, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.attachedSession, cc.attachedSession != ""
}

func (cc *controlContext) currentRuntime() *terminal.Runtime {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.runtime
}

// addDataSocket binds a data socket to this context. It refuses once
// teardown has begun.
func (cc *controlContext) addDataSocket(dc *dataContext) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.closed {
		return false
	}
	cc.dataSockets[dc] = struct{}{}
	return true
}

func (cc *controlContext) removeDataSocket(dc *dataContext) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	delete(cc.dataSockets, dc)
}

func (cc *controlContext) snapshotDataSockets() []*dataContext {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	out := make([]*dataContext, 0, len(cc.dataSockets))
	for dc := range cc.dataSockets {
		out = append(out, dc)
	}
	return out
}

// broadcastData fans PTY output to every data socket bound to this
// context. A socket that fails its write is dropped on the spot.
func (cc *controlContext) broadcastData(data []byte) {
	for _, dc := range cc.snapshotDataSockets() {
		if err := dc.conn.writeBinary(data); err != nil {
			cc.broker.logger.Debug("data write failed", "conn", dc.id, "err", err)
			dc.conn.abort()
		}
	}
}

// notifyExit tells the client its attach process died on its own.
func (cc *controlContext) notifyExit() {
	cc.send(newInfo("tmux client exited"))
}

// readPump consumes the socket until it closes, handling each message
// inline so one connection's mutations stay serialized.
func (cc *controlContext) readPump() {
	cc.conn.configureRead(maxControlMessageSize)
	for {
		_, raw, err := cc.conn.readMessage()
		if err != nil {
			break
		}
		cc.handleMessage(raw)
	}
	cc.broker.teardownControl(cc, websocket.CloseNormalClosure, "socket closed")
}

// handleMessage decodes and dispatches one inbound control message.
func (cc *controlContext) handleMessage(raw []byte) {
	var req controlRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Type == "" {
		cc.send(newError("invalid message format"))
		return
	}

	if !cc.isAuthenticated() {
		if req.Type != "auth" {
			cc.send(newAuthError("auth required"))
			return
		}
		cc.handleAuth(req)
		return
	}

	if req.Type == "auth" {
		// Already authenticated; nothing to redo.
		return
	}

	if cc.handleMutation(req) {
		cc.broker.forcePublish()
	}
}

// handleAuth verifies credentials, settles the client identity and runs
// the initial attach. An attach failure leaves the context authenticated
// but unattached; the client can still pick a session.
func (cc *controlContext) handleAuth(req controlRequest) {
	b := cc.broker

	if err := b.auth.Verify(req.Token, req.Password); err != nil {
		reason := "unauthorized"
		switch {
		case errors.Is(err, auth.ErrInvalidToken):
			reason = "invalid token"
		case errors.Is(err, auth.ErrInvalidPassword):
			reason = "invalid password"
		}
		b.logger.Warn("control auth rejected", "conn", cc.id, "reason", reason)
		cc.send(newAuthError(reason))
		return
	}

	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" || len(clientID) > maxClientIDLength {
		minted, err := mintClientID()
		if err != nil {
			b.logger.Error("client id generation failed", "err", err)
			cc.send(newAuthError("internal error"))
			return
		}
		clientID = minted
	}

	cc.mu.Lock()
	cc.authenticated = true
	cc.clientID = clientID
	cc.mu.Unlock()

	b.logger.Info("control socket authenticated", "conn", cc.id, "client", clientID)

	// auth_ok goes out before the context joins the broadcast registry
	// so no state push can beat it onto the wire.
	if err := cc.send(newAuthOK(clientID, b.auth.RequiresPassword())); err != nil {
		return
	}

	if prev := b.adoptClient(clientID, cc); prev != nil {
		b.logger.Info("evicting previous connection for client", "client", clientID, "conn", prev.id)
		b.teardownControl(prev, closeCodeReconnected, "reconnected")
	}

	if rs, ok := b.reconnect.get(clientID); ok && rs.BaseSession != "" {
		cc.mu.Lock()
		cc.baseSession = rs.BaseSession
		cc.mu.Unlock()
	}

	if err := b.ensureAttachedSession(context.Background(), cc); err != nil {
		b.logger.Warn("initial attach failed", "client", clientID, "err", err)
		cc.send(newError(err.Error()))
	}
	b.forcePublish()
}

// handleMutation runs one authenticated control message. It reports
// whether the message was recognized; recognized messages trigger a
// state publish even when the operation itself failed, so every client
// sees whatever the attempt did to the tmux tree.
func (cc *controlContext) handleMutation(req controlRequest) bool {
	b := cc.broker
	ctx := context.Background()

	fail := func(err error) {
		cc.send(newError(err.Error()))
	}

	switch req.Type {
	case "select_session":
		if req.Session == "" {
			cc.send(newError("invalid message format"))
			return false
		}
		if err := b.attachControlToBase(ctx, cc, req.Session); err != nil {
			fail(err)
		}

	case "new_session":
		if req.Name == "" {
			cc.send(newError("invalid message format"))
			return false
		}
		if err := b.gateway.CreateSession(ctx, req.Name); err != nil {
			fail(err)
			return true
		}
		if err := b.attachControlToBase(ctx, cc, req.Name); err != nil {
			fail(err)
		}

	case "new_window":
		session, ok := cc.attached()
		if !ok {
			cc.send(newError("no attached session"))
			return true
		}
		if err := b.gateway.NewWindow(ctx, session); err != nil {
			fail(err)
		}

	case "select_window":
		if req.WindowIndex == nil {
			cc.send(newError("invalid message format"))
			return false
		}
		session, ok := cc.attached()
		if !ok {
			cc.send(newError("no attached session"))
			return true
		}
		if err := b.gateway.SelectWindow(ctx, session, *req.WindowIndex); err != nil {
			fail(err)
		}

	case "kill_window":
		if req.WindowIndex == nil {
			cc.send(newError("invalid message format"))
			return false
		}
		session, ok := cc.attached()
		if !ok {
			cc.send(newError("no attached session"))
			return true
		}
		if err := b.gateway.KillWindow(ctx, session, *req.WindowIndex); err != nil {
			fail(err)
		}

	case "select_pane":
		if req.PaneID == "" {
			cc.send(newError("invalid message format"))
			return false
		}
		if err := b.gateway.SelectPane(ctx, req.PaneID); err != nil {
			fail(err)
			return true
		}
		b.reconnect.setPane(cc.currentClientID(), req.PaneID)

	case "split_pane":
		if req.PaneID == "" || (req.Orientation != "h" && req.Orientation != "v") {
			cc.send(newError("invalid message format"))
			return false
		}
		if err := b.gateway.SplitWindow(ctx, req.PaneID, req.Orientation); err != nil {
			fail(err)
		}

	case "kill_pane":
		if req.PaneID == "" {
			cc.send(newError("invalid message format"))
			return false
		}
		if err := b.gateway.KillPane(ctx, req.PaneID); err != nil {
			fail(err)
		}

	case "zoom_pane":
		if req.PaneID == "" {
			cc.send(newError("invalid message format"))
			return false
		}
		if err := b.gateway.ZoomPane(ctx, req.PaneID); err != nil {
			fail(err)
			return true
		}
		b.reconnect.toggleZoom(cc.currentClientID())

	case "capture_scrollback":
		if req.PaneID == "" {
			cc.send(newError("invalid message format"))
			return false
		}
		lines := b.defaultScrollback()
		if req.Lines != nil && *req.Lines > 0 {
			lines = *req.Lines
		}
		text, err := b.gateway.CapturePane(ctx, req.PaneID, lines)
		if err != nil {
			fail(err)
			return true
		}
		cc.send(newScrollback(req.PaneID, text, lines))

	case "send_compose":
		rt := cc.currentRuntime()
		if rt == nil {
			cc.send(newError("no attached session"))
			return true
		}
		if err := rt.Write([]byte(req.Text + "\r")); err != nil {
			fail(err)
		}

	default:
		cc.send(newError("invalid message format"))
		return false
	}
	return true
}

// ensureAttachedSession lands a freshly authenticated context on a base
// session. The forced session from the upgrade URL wins, then the
// remembered base, then the obvious choice when only zero or one base
// exists; with several candidates the client gets a picker instead.
func (b *Broker) ensureAttachedSession(ctx context.Context, cc *controlContext) error {
	if cc.forceSession != "" {
		return b.attachControlToBase(ctx, cc, cc.forceSession)
	}

	sessions, err := b.gateway.ListSessions(ctx)
	if err != nil {
		return err
	}
	bases := filterBaseSessions(sessions)

	if base := cc.currentBase(); base != "" {
		for _, s := range bases {
			if s.Name == base {
				return b.attachControlToBase(ctx, cc, base)
			}
		}
	}

	switch len(bases) {
	case 0:
		if err := b.gateway.CreateSession(ctx, b.defaultSession); err != nil {
			return err
		}
		return b.attachControlToBase(ctx, cc, b.defaultSession)
	case 1:
		return b.attachControlToBase(ctx, cc, bases[0].Name)
	default:
		return cc.send(newSessionPicker(bases))
	}
}

// filterBaseSessions drops the per-client mobile sessions so pickers
// and attach decisions only ever see real sessions.
func filterBaseSessions(sessions []tmux.SessionSummary) []tmux.SessionSummary {
	bases := make([]tmux.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		if !strings.HasPrefix(s.Name, mobileSessionPrefix) {
			bases = append(bases, s)
		}
	}
	return bases
}

// attachControlToBase binds the context to base through its dedicated
// grouped session, points the PTY at it and replays any remembered pane
// selection. The attached message goes out only after the PTY is live
// and sized.
func (b *Broker) attachControlToBase(ctx context.Context, cc *controlContext, base string) error {
	if cc.isClosed() {
		return errors.New("connection closed")
	}
	clientID := cc.currentClientID()
	mobile := mobileSessionPrefix + clientID

	sessions, err := b.gateway.ListSessions(ctx)
	if err != nil {
		return err
	}
	mobileExists := false
	for _, s := range sessions {
		if s.Name == mobile {
			mobileExists = true
			break
		}
	}

	// A mobile session grouped against some other base cannot be
	// re-pointed; it is rebuilt.
	if mobileExists && cc.currentBase() != base {
		if err := b.gateway.KillSession(ctx, mobile); err != nil {
			return err
		}
		mobileExists = false
	}
	if !mobileExists {
		if err := b.gateway.CreateGroupedSession(ctx, mobile, base); err != nil {
			return err
		}
	}

	cc.mu.Lock()
	cc.baseSession = base
	cc.attachedSession = mobile
	rt := cc.runtime
	if rt == nil {
		rt = terminal.NewRuntime(b.factory, b.logger)
		rt.OnData(cc.broadcastData)
		rt.OnExit(cc.notifyExit)
		cc.runtime = rt
	}
	cc.mu.Unlock()

	memory := b.reconnect.rebase(clientID, base)

	// Point an interactive tmux client at the mobile session if one is
	// around; without one this fails and the PTY attach below is the
	// path that matters.
	if err := b.gateway.SwitchClient(ctx, mobile); err != nil && !errors.Is(err, tmux.ErrNoClient) {
		b.logger.Debug("switch-client failed", "session", mobile, "err", err)
	}

	// A failed spawn leaves the context authenticated but unattached,
	// with the half-built session removed so a retry starts clean.
	if err := rt.Attach(mobile); err != nil {
		cc.mu.Lock()
		cc.attachedSession = ""
		cc.mu.Unlock()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), tmux.DefaultCommandTimeout)
		if killErr := b.gateway.KillSession(cleanupCtx, mobile); killErr != nil {
			b.logger.Warn("failed to remove session after spawn failure", "session", mobile, "err", killErr)
		}
		cancel()
		return err
	}

	if memory.PaneID != "" {
		b.restorePaneState(ctx, memory)
	}

	// An eviction that raced this attach has already run its cleanup,
	// which cannot see the session and process created above. Undo them
	// here rather than leak.
	if cc.isClosed() {
		rt.Shutdown()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), tmux.DefaultCommandTimeout)
		if err := b.gateway.KillSession(cleanupCtx, mobile); err != nil {
			b.logger.Warn("failed to clean up session after eviction race", "session", mobile, "err", err)
		}
		cancel()
		return errors.New("connection closed")
	}

	b.logger.Info("client attached", "client", clientID, "base", base, "session", mobile)
	return cc.send(newAttached(mobile))
}

// restorePaneState re-selects the pane a reconnecting client had
// focused and re-applies zoom when the window disagrees with what it
// remembers. Every step is best-effort; a pane that disappeared while
// the client was away just leaves nothing to restore.
func (b *Broker) restorePaneState(ctx context.Context, memory reconnectState) {
	if err := b.gateway.SelectPane(ctx, memory.PaneID); err != nil {
		b.logger.Debug("pane restore skipped", "pane", memory.PaneID, "err", err)
		return
	}
	zoomed, err := b.gateway.IsPaneZoomed(ctx, memory.PaneID)
	if err != nil {
		b.logger.Debug("zoom check failed", "pane", memory.PaneID, "err", err)
		return
	}
	if zoomed != memory.Zoomed {
		if err := b.gateway.ZoomPane(ctx, memory.PaneID); err != nil {
			b.logger.Debug("zoom restore failed", "pane", memory.PaneID, "err", err)
		}
	}
}

// teardownControl dismantles a control context exactly once: its data
// sockets close, its PTY dies, its mobile session is killed and its
// reconnect memory is stamped. The close frame carries code and reason
// so the client can tell eviction apart from shutdown. The returned
// error reports a failed mobile-session kill.
func (b *Broker) teardownControl(cc *controlContext, code int, reason string) error {
	var killErr error
	cc.teardownOnce.Do(func() {
		close(cc.done)

		cc.mu.Lock()
		cc.closed = true
		clientID := cc.clientID
		attachedSession := cc.attachedSession
		rt := cc.runtime
		sockets := make([]*dataContext, 0, len(cc.dataSockets))
		for dc := range cc.dataSockets {
			sockets = append(sockets, dc)
		}
		cc.dataSockets = nil
		cc.mu.Unlock()

		b.untrackControl(cc)
		b.releaseClient(cc, clientID)

		cc.conn.close(code, reason)
		for _, dc := range sockets {
			dc.conn.close(code, reason)
		}

		if rt != nil {
			rt.Shutdown()
		}
		if attachedSession != "" {
			ctx, cancel := context.WithTimeout(context.Background(), tmux.DefaultCommandTimeout)
			if err := b.gateway.KillSession(ctx, attachedSession); err != nil {
				killErr = fmt.Errorf("failed to clean up session %q: %w", attachedSession, err)
			}
			cancel()
		}
		if clientID != "" {
			b.reconnect.touch(clientID)
		}
		b.logger.Info("control socket closed", "conn", cc.id, "client", clientID, "reason", reason)
	})
	return killErr
}
