package broker

import (
	"github.com/tmuxmobile/gateway/internal/tmux"
)

// controlRequest is the envelope for every inbound control-plane message.
// Type selects the variant; the other fields are per-variant payload.
// Unknown types and missing required fields are protocol errors.
type controlRequest struct {
	Type        string `json:"type"`
	Token       string `json:"token,omitempty"`
	Password    string `json:"password,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	Session     string `json:"session,omitempty"`
	Name        string `json:"name,omitempty"`
	WindowIndex *int   `json:"windowIndex,omitempty"`
	PaneID      string `json:"paneId,omitempty"`
	Orientation string `json:"orientation,omitempty"`
	Lines       *int   `json:"lines,omitempty"`
	Text        string `json:"text,omitempty"`
}

// dataRequest covers the two JSON messages the data plane understands:
// auth and resize. Anything else on that socket is raw terminal input.
type dataRequest struct {
	Type     string  `json:"type"`
	Token    string  `json:"token,omitempty"`
	Password string  `json:"password,omitempty"`
	ClientID string  `json:"clientId,omitempty"`
	Cols     float64 `json:"cols,omitempty"`
	Rows     float64 `json:"rows,omitempty"`
}

type authOKMessage struct {
	Type             string `json:"type"`
	ClientID         string `json:"clientId"`
	RequiresPassword bool   `json:"requiresPassword"`
}

func newAuthOK(clientID string, requiresPassword bool) authOKMessage {
	return authOKMessage{Type: "auth_ok", ClientID: clientID, RequiresPassword: requiresPassword}
}

type authErrorMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func newAuthError(reason string) authErrorMessage {
	return authErrorMessage{Type: "auth_error", Reason: reason}
}

type attachedMessage struct {
	Type    string `json:"type"`
	Session string `json:"session"`
}

func newAttached(session string) attachedMessage {
	return attachedMessage{Type: "attached", Session: session}
}

type sessionPickerMessage struct {
	Type     string                `json:"type"`
	Sessions []tmux.SessionSummary `json:"sessions"`
}

func newSessionPicker(sessions []tmux.SessionSummary) sessionPickerMessage {
	return sessionPickerMessage{Type: "session_picker", Sessions: sessions}
}

type tmuxStateMessage struct {
	Type  string             `json:"type"`
	State tmux.StateSnapshot `json:"state"`
}

func newTmuxState(state tmux.StateSnapshot) tmuxStateMessage {
	return tmuxStateMessage{Type: "tmux_state", State: state}
}

type scrollbackMessage struct {
	Type   string `json:"type"`
	PaneID string `json:"paneId"`
	Text   string `json:"text"`
	Lines  int    `json:"lines"`
}

func newScrollback(paneID, text string, lines int) scrollbackMessage {
	return scrollbackMessage{Type: "scrollback", PaneID: paneID, Text: text, Lines: lines}
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newError(message string) errorMessage {
	return errorMessage{Type: "error", Message: message}
}

type infoMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newInfo(message string) infoMessage {
	return infoMessage{Type: "info", Message: message}
}
