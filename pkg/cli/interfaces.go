// Package cli is the thin HTTP client the command-line front end uses
// to talk to a running gateway daemon.
package cli

import "time"

// DaemonClient is the interface for communicating with the gateway daemon.
type DaemonClient interface {
	// IsRunning checks if the daemon is running.
	IsRunning() bool

	// WaitReady blocks until the daemon answers its health endpoint.
	WaitReady(timeout time.Duration) error

	// GetConfig fetches the client-visible daemon configuration.
	GetConfig() (*Config, error)
}

// Config mirrors the daemon's GET /api/config response: the subset of
// configuration a client may see before authenticating.
type Config struct {
	PasswordRequired bool `json:"passwordRequired"`
	ScrollbackLines  int  `json:"scrollbackLines"`
	PollIntervalMs   int  `json:"pollIntervalMs"`
}
