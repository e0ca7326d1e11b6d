package tmux

import (
	"fmt"
	"strconv"
	"strings"
)

// SessionSummary describes one tmux session as shown in the session picker.
// Windows is the window count, not the window list.
type SessionSummary struct {
	Name     string `json:"name"`
	Attached bool   `json:"attached"`
	Windows  int    `json:"windows"`
}

// PaneState describes one pane. ID is the tmux pane id and always starts
// with "%". Zoomed is true only when the enclosing window is zoomed AND this
// pane is the active one.
type PaneState struct {
	Index          int    `json:"index"`
	ID             string `json:"id"`
	CurrentCommand string `json:"currentCommand"`
	Active         bool   `json:"active"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Zoomed         bool   `json:"zoomed"`
}

// WindowState describes one window and its panes.
type WindowState struct {
	Index     int         `json:"index"`
	Name      string      `json:"name"`
	Active    bool        `json:"active"`
	Zoomed    bool        `json:"zoomed"`
	PaneCount int         `json:"paneCount"`
	Panes     []PaneState `json:"panes"`
}

// SessionState is a session with its full window tree.
type SessionState struct {
	Name     string        `json:"name"`
	Attached bool          `json:"attached"`
	Windows  []WindowState `json:"windows"`
}

// StateSnapshot is the full state of the tmux server at one point in time.
// Equality between snapshots is defined over Sessions only; CapturedAt is
// informational.
type StateSnapshot struct {
	Sessions   []SessionState `json:"sessions"`
	CapturedAt string         `json:"capturedAt"`
}

// Format strings passed to tmux -F. Field order matches the parsers below;
// boolean flags come back as "1"/"0".
const (
	sessionFormat = "#{session_name}\t#{session_attached}\t#{session_windows}"
	windowFormat  = "#{window_index}\t#{window_name}\t#{window_active}\t#{window_panes}"
	paneFormat    = "#{pane_index}\t#{pane_id}\t#{pane_current_command}\t#{pane_active}\t#{pane_width}x#{pane_height}\t#{?#{&&:#{window_zoomed_flag},#{pane_active}},1,0}"
)

// parseSessionLine parses one "name\tattached\twindows" record.
func parseSessionLine(line string) (SessionSummary, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 3 {
		return SessionSummary{}, fmt.Errorf("malformed session record %q", line)
	}
	windows, err := strconv.Atoi(fields[2])
	if err != nil {
		return SessionSummary{}, fmt.Errorf("malformed session window count %q: %w", fields[2], err)
	}
	return SessionSummary{
		Name:     fields[0],
		Attached: parseFlag(fields[1]),
		Windows:  windows,
	}, nil
}

// parseWindowLine parses one "index\tname\tactive\tpaneCount" record.
// Panes are not populated here; ListPanes fills them in.
func parseWindowLine(line string) (WindowState, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 4 {
		return WindowState{}, fmt.Errorf("malformed window record %q", line)
	}
	index, err := strconv.Atoi(fields[0])
	if err != nil {
		return WindowState{}, fmt.Errorf("malformed window index %q: %w", fields[0], err)
	}
	paneCount, err := strconv.Atoi(fields[3])
	if err != nil {
		return WindowState{}, fmt.Errorf("malformed window pane count %q: %w", fields[3], err)
	}
	return WindowState{
		Index:     index,
		Name:      fields[1],
		Active:    parseFlag(fields[2]),
		PaneCount: paneCount,
	}, nil
}

// parsePaneLine parses one "index\tid\tcommand\tactive\tWxH\tactiveZoom"
// record. The activeZoom flag is computed by tmux itself (window zoomed AND
// pane active) so no second query is needed per pane.
func parsePaneLine(line string) (PaneState, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 6 {
		return PaneState{}, fmt.Errorf("malformed pane record %q", line)
	}
	index, err := strconv.Atoi(fields[0])
	if err != nil {
		return PaneState{}, fmt.Errorf("malformed pane index %q: %w", fields[0], err)
	}
	if !strings.HasPrefix(fields[1], "%") {
		return PaneState{}, fmt.Errorf("malformed pane id %q", fields[1])
	}
	width, height, err := parseDimensions(fields[4])
	if err != nil {
		return PaneState{}, err
	}
	return PaneState{
		Index:          index,
		ID:             fields[1],
		CurrentCommand: fields[2],
		Active:         parseFlag(fields[3]),
		Width:          width,
		Height:         height,
		Zoomed:         parseFlag(fields[5]),
	}, nil
}

// parseDimensions parses a "WxH" size field.
func parseDimensions(s string) (width, height int, err error) {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return 0, 0, fmt.Errorf("malformed pane size %q", s)
	}
	width, err = strconv.Atoi(w)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed pane width %q: %w", w, err)
	}
	height, err = strconv.Atoi(h)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed pane height %q: %w", h, err)
	}
	return width, height, nil
}

// parseFlag interprets a tmux boolean field. tmux emits "1" for true; any
// other value (usually "0") is false.
func parseFlag(s string) bool {
	return s == "1"
}

// formatFlag renders a boolean the way tmux does.
func formatFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// formatSessionLine renders a session record in the tab-delimited wire shape.
// Inverse of parseSessionLine.
func formatSessionLine(s SessionSummary) string {
	return s.Name + "\t" + formatFlag(s.Attached) + "\t" + strconv.Itoa(s.Windows)
}

// formatWindowLine renders a window record. Inverse of parseWindowLine.
func formatWindowLine(w WindowState) string {
	return strconv.Itoa(w.Index) + "\t" + w.Name + "\t" + formatFlag(w.Active) + "\t" + strconv.Itoa(w.PaneCount)
}

// formatPaneLine renders a pane record. Inverse of parsePaneLine.
func formatPaneLine(p PaneState) string {
	return strings.Join([]string{
		strconv.Itoa(p.Index),
		p.ID,
		p.CurrentCommand,
		formatFlag(p.Active),
		fmt.Sprintf("%dx%d", p.Width, p.Height),
		formatFlag(p.Zoomed),
	}, "\t")
}

// splitRecordLines splits raw tmux output into records, dropping empty lines.
func splitRecordLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
