package tmux

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// minSupportedVersion is the oldest tmux this gateway supports. Grouped
// sessions, the "=" exact-match target prefix and the window_zoomed_flag
// format all predate it.
var minSupportedVersion = semver.MustParse("2.1")

// Checker reports whether a usable tmux binary is available.
type Checker interface {
	Check() error
}

// TmuxChecker is the package-level checker. Tests swap it out.
var TmuxChecker Checker = &defaultChecker{}

type defaultChecker struct{}

// Check verifies tmux is on PATH and new enough. Version strings that do
// not parse, such as development builds reporting "tmux next-3.6" or
// "tmux master", are allowed through.
func (d *defaultChecker) Check() error {
	out, err := exec.Command("tmux", "-V").Output()
	if err != nil {
		return fmt.Errorf("tmux is not installed or not accessible: %w", err)
	}
	raw := strings.TrimSpace(string(out))
	if raw == "" {
		return fmt.Errorf("tmux command produced no output")
	}
	v, ok := parseVersion(raw)
	if !ok {
		return nil
	}
	if v.LessThan(minSupportedVersion) {
		return fmt.Errorf("%s is too old, need tmux %s or newer", raw, minSupportedVersion)
	}
	return nil
}

// parseVersion extracts a comparable version from `tmux -V` output such as
// "tmux 3.4", "tmux 3.3a" or "tmux next-3.6". Patch letters are dropped;
// they never change feature availability we care about.
func parseVersion(raw string) (*semver.Version, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "tmux")
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "next-")
	s = strings.TrimRightFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if s == "" {
		return nil, false
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, false
	}
	return v, true
}
