package tmux

import (
	"reflect"
	"testing"
)

func TestParseSessionLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    SessionSummary
		wantErr bool
	}{
		{
			name:  "attached session",
			input: "work\t1\t3",
			want:  SessionSummary{Name: "work", Attached: true, Windows: 3},
		},
		{
			name:  "detached session",
			input: "dev\t0\t1",
			want:  SessionSummary{Name: "dev", Attached: false, Windows: 1},
		},
		{
			name:  "mobile session name with dashes",
			input: "tmux-mobile-client-a1b2c3\t1\t2",
			want:  SessionSummary{Name: "tmux-mobile-client-a1b2c3", Attached: true, Windows: 2},
		},
		{
			name:    "missing field",
			input:   "work\t1",
			wantErr: true,
		},
		{
			name:    "non-numeric window count",
			input:   "work\t1\tmany",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSessionLine(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseSessionLine(%q) error = nil, want failure", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSessionLine(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("parseSessionLine(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseWindowLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    WindowState
		wantErr bool
	}{
		{
			name:  "active window",
			input: "0\tvim\t1\t2",
			want:  WindowState{Index: 0, Name: "vim", Active: true, PaneCount: 2},
		},
		{
			name:  "window name with spaces",
			input: "3\tlong running job\t0\t1",
			want:  WindowState{Index: 3, Name: "long running job", Active: false, PaneCount: 1},
		},
		{
			name:    "non-numeric index",
			input:   "x\tvim\t1\t2",
			wantErr: true,
		},
		{
			name:    "too many fields",
			input:   "0\tvim\t1\t2\textra",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseWindowLine(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseWindowLine(%q) error = nil, want failure", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseWindowLine(%q) error = %v", tt.input, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseWindowLine(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParsePaneLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    PaneState
		wantErr bool
	}{
		{
			name:  "active zoomed pane",
			input: "0\t%5\tvim\t1\t181x49\t1",
			want:  PaneState{Index: 0, ID: "%5", CurrentCommand: "vim", Active: true, Width: 181, Height: 49, Zoomed: true},
		},
		{
			name:  "inactive pane never reports zoom",
			input: "1\t%6\tbash\t0\t90x49\t0",
			want:  PaneState{Index: 1, ID: "%6", CurrentCommand: "bash", Active: false, Width: 90, Height: 49, Zoomed: false},
		},
		{
			name:    "pane id without percent prefix",
			input:   "0\t5\tvim\t1\t80x24\t0",
			wantErr: true,
		},
		{
			name:    "malformed size",
			input:   "0\t%5\tvim\t1\t80by24\t0",
			wantErr: true,
		},
		{
			name:    "non-numeric width",
			input:   "0\t%5\tvim\t1\twx24\t0",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePaneLine(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parsePaneLine(%q) error = nil, want failure", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePaneLine(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("parsePaneLine(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

// Formatting a record and parsing it back must return the original value.
func TestRecordRoundTrip(t *testing.T) {
	t.Run("session", func(t *testing.T) {
		for _, s := range []SessionSummary{
			{Name: "main", Attached: true, Windows: 1},
			{Name: "a session with spaces", Attached: false, Windows: 12},
		} {
			got, err := parseSessionLine(formatSessionLine(s))
			if err != nil {
				t.Fatalf("round trip error = %v", err)
			}
			if got != s {
				t.Errorf("round trip = %+v, want %+v", got, s)
			}
		}
	})

	t.Run("window", func(t *testing.T) {
		w := WindowState{Index: 4, Name: "build", Active: true, PaneCount: 3}
		got, err := parseWindowLine(formatWindowLine(w))
		if err != nil {
			t.Fatalf("round trip error = %v", err)
		}
		if !reflect.DeepEqual(got, w) {
			t.Errorf("round trip = %+v, want %+v", got, w)
		}
	})

	t.Run("pane", func(t *testing.T) {
		p := PaneState{Index: 2, ID: "%11", CurrentCommand: "htop", Active: true, Width: 204, Height: 51, Zoomed: true}
		got, err := parsePaneLine(formatPaneLine(p))
		if err != nil {
			t.Fatalf("round trip error = %v", err)
		}
		if got != p {
			t.Errorf("round trip = %+v, want %+v", got, p)
		}
	})
}

func TestSplitRecordLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "trailing newline dropped",
			input: "a\t1\t1\nb\t0\t2\n",
			want:  []string{"a\t1\t1", "b\t0\t2"},
		},
		{
			name:  "interior blank lines dropped",
			input: "a\t1\t1\n\n\nb\t0\t2",
			want:  []string{"a\t1\t1", "b\t0\t2"},
		},
		{
			name:  "empty output",
			input: "",
			want:  nil,
		},
		{
			name:  "whitespace only",
			input: "  \n\t\n",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitRecordLines(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitRecordLines(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
