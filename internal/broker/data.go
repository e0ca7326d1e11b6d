package broker

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// dataContext is one terminal byte-stream socket. Before auth the only
// acceptable frame is a JSON auth message; after auth every frame is
// either a resize or raw input for the bound control context's PTY.
type dataContext struct {
	id   string
	conn *wsConn
	done chan struct{}

	mu      sync.Mutex
	control *controlContext
}

func newDataContext(conn *wsConn) *dataContext {
	return &dataContext{
		id:   shortID(),
		conn: conn,
		done: make(chan struct{}),
	}
}

func (dc *dataContext) bind(cc *controlContext) {
	dc.mu.Lock()
	dc.control = cc
	dc.mu.Unlock()
}

func (dc *dataContext) boundControl() *controlContext {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.control
}

// dataPump consumes one data socket until it closes.
func (b *Broker) dataPump(dc *dataContext) {
	defer b.finishData(dc)
	dc.conn.configureRead(maxDataMessageSize)
	for {
		msgType, raw, err := dc.conn.readMessage()
		if err != nil {
			return
		}
		cc := dc.boundControl()
		if cc == nil {
			if !b.authenticateData(dc, msgType, raw) {
				return
			}
			continue
		}
		b.forwardData(cc, msgType, raw)
	}
}

// authenticateData handles the pre-auth state. Raw bytes before auth
// are a hard error; a JSON auth frame must verify and name a client
// that holds a live, authenticated control socket.
func (b *Broker) authenticateData(dc *dataContext, msgType int, raw []byte) bool {
	if msgType != websocket.TextMessage {
		b.logger.Warn("data socket sent bytes before auth", "conn", dc.id)
		dc.conn.close(closeCodeUnauthorized, "auth required")
		return false
	}
	var req dataRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Type != "auth" {
		dc.conn.close(closeCodeUnauthorized, "auth required")
		return false
	}
	if err := b.auth.Verify(req.Token, req.Password); err != nil {
		b.logger.Warn("data auth rejected", "conn", dc.id, "err", err)
		dc.conn.close(closeCodeUnauthorized, "unauthorized")
		return false
	}
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		dc.conn.close(closeCodeUnauthorized, "unauthorized")
		return false
	}
	cc, ok := b.lookupClient(clientID)
	if !ok || !cc.addDataSocket(dc) {
		b.logger.Warn("data auth for unknown client", "conn", dc.id, "client", clientID)
		dc.conn.close(closeCodeUnauthorized, "unauthorized")
		return false
	}
	dc.bind(cc)
	b.untrackPending(dc)
	b.logger.Info("data socket bound", "conn", dc.id, "client", clientID)
	return true
}

// forwardData routes one authenticated frame. Text frames that parse as
// a resize message are consumed; repeated auth frames are dropped;
// everything else, including JSON-looking text of any other shape, goes
// to the PTY verbatim.
func (b *Broker) forwardData(cc *controlContext, msgType int, raw []byte) {
	if msgType == websocket.TextMessage && len(raw) > 0 && raw[0] == '{' {
		var req dataRequest
		if err := json.Unmarshal(raw, &req); err == nil {
			switch req.Type {
			case "resize":
				rt := cc.currentRuntime()
				if rt == nil {
					return
				}
				if err := rt.Resize(req.Cols, req.Rows); err != nil {
					b.logger.Debug("resize rejected", "cols", req.Cols, "rows", req.Rows, "err", err)
				}
				return
			case "auth":
				return
			}
		}
	}

	rt := cc.currentRuntime()
	if rt == nil {
		return
	}
	if err := rt.Write(raw); err != nil {
		b.logger.Debug("terminal write failed", "err", err)
	}
}

// finishData unbinds and drops a data socket after its pump exits.
func (b *Broker) finishData(dc *dataContext) {
	close(dc.done)
	if cc := dc.boundControl(); cc != nil {
		cc.removeDataSocket(dc)
	} else {
		b.untrackPending(dc)
	}
	dc.conn.abort()
	b.logger.Debug("data socket closed", "conn", dc.id)
}
