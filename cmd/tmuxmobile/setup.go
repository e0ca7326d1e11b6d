package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/tmuxmobile/gateway/internal/config"
)

// runSetup walks through the config interactively and writes the
// result. Existing values are the form defaults, so re-running setup
// only changes what the user edits.
func runSetup() error {
	style := newTermStyle()
	style.Header("tmuxmobile setup")

	cfg, created, err := config.EnsureExists()
	if err != nil {
		return err
	}
	if created {
		style.Hint("created " + cfg.Path())
	}

	host := cfg.Host
	port := strconv.Itoa(cfg.Port)
	password := ""
	defaultSession := cfg.DefaultSession
	scrollback := strconv.Itoa(cfg.ScrollbackLines)
	pollInterval := strconv.Itoa(cfg.PollIntervalMs)
	frontendDir := cfg.FrontendDir

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bind host").
				Description("0.0.0.0 exposes the gateway to your local network; 127.0.0.1 keeps it on this machine").
				Value(&host).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("host is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Port").
				Value(&port).
				Validate(validatePort),
			huh.NewInput().
				Title("Password (optional)").
				Description("A second factor on top of the token; leave empty to keep the current setting").
				EchoMode(huh.EchoModePassword).
				Value(&password),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Default session name").
				Description("Created and attached when no tmux session exists yet").
				Value(&defaultSession).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("session name is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Scrollback lines").
				Value(&scrollback).
				Validate(validatePositiveInt("scrollback lines")),
			huh.NewInput().
				Title("Poll interval (ms)").
				Description("How often the tmux tree is re-read for state pushes").
				Value(&pollInterval).
				Validate(validatePollInterval),
			huh.NewInput().
				Title("Frontend directory").
				Value(&frontendDir),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Host = strings.TrimSpace(host)
	cfg.Port, _ = strconv.Atoi(strings.TrimSpace(port))
	if strings.TrimSpace(password) != "" {
		cfg.Password = strings.TrimSpace(password)
	}
	cfg.DefaultSession = strings.TrimSpace(defaultSession)
	cfg.ScrollbackLines, _ = strconv.Atoi(strings.TrimSpace(scrollback))
	cfg.PollIntervalMs, _ = strconv.Atoi(strings.TrimSpace(pollInterval))
	cfg.FrontendDir = strings.TrimSpace(frontendDir)

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return err
	}

	style.Blank()
	style.Success("config saved to " + cfg.Path())
	style.Hint("restart the daemon to apply: tmuxmobile stop && tmuxmobile start")
	return nil
}

func validatePort(s string) error {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if v < 1 || v > 65535 {
		return fmt.Errorf("must be between 1 and 65535")
	}
	return nil
}

func validatePositiveInt(what string) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("must be a number")
		}
		if v < 1 {
			return fmt.Errorf("%s must be at least 1", what)
		}
		return nil
	}
}

func validatePollInterval(s string) error {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if v < config.MinPollIntervalMs {
		return fmt.Errorf("must be at least %dms", config.MinPollIntervalMs)
	}
	return nil
}
