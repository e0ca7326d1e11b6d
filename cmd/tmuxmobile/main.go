package main

import (
	"fmt"
	"os"
	"time"

	"github.com/tmuxmobile/gateway/internal/auth"
	"github.com/tmuxmobile/gateway/internal/config"
	"github.com/tmuxmobile/gateway/internal/daemon"
	"github.com/tmuxmobile/gateway/internal/version"
	"github.com/tmuxmobile/gateway/pkg/cli"
)

// startReadyTimeout bounds how long `start` waits for the freshly
// launched daemon to answer its health endpoint.
const startReadyTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "start":
		if err := runStart(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "stop":
		if err := daemon.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("tmuxmobile daemon stopped")

	case "status":
		if err := runStatus(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "run":
		// Foreground entry point; also what Start re-execs.
		if err := daemon.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon error: %v\n", err)
			os.Exit(1)
		}

	case "setup":
		if err := runSetup(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "token":
		if err := runToken(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "schema":
		schema, err := config.Schema()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(schema)

	case "version", "-v", "--version":
		fmt.Printf("tmuxmobile %s\n", version.Version)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runStart() error {
	style := newTermStyle()

	cfg, created, err := config.EnsureExists()
	if err != nil {
		return err
	}
	if created {
		style.Success("created default config at " + cfg.Path())
		style.Hint("run 'tmuxmobile setup' to customize it")
	}

	if err := daemon.Start(); err != nil {
		return err
	}

	client := cli.NewDaemonClient(cli.DefaultURL(cfg.Port))
	if err := client.WaitReady(startReadyTimeout); err != nil {
		return fmt.Errorf("daemon started but is not answering: %w", err)
	}

	style.Success("tmuxmobile daemon started")
	style.KeyValue("URL", style.URL(cli.DefaultURL(cfg.Port)))
	style.Hint("connect with ?token=" + cfg.Token)
	return nil
}

func runStatus() error {
	style := newTermStyle()

	running, url, startedAt, err := daemon.Status()
	if err != nil {
		return err
	}
	if !running {
		style.Println("tmuxmobile daemon is not running")
		os.Exit(1)
	}

	style.Success("tmuxmobile daemon is running")
	style.KeyValue("URL", style.URL(url))
	if startedAt != "" {
		style.KeyValue("Started", startedAt)
	}

	client := cli.NewDaemonClient(url)
	if dc, err := client.GetConfig(); err == nil {
		if dc.PasswordRequired {
			style.KeyValue("Password", "required")
		} else {
			style.KeyValue("Password", "not set")
		}
		style.KeyValue("Poll interval", fmt.Sprintf("%dms", dc.PollIntervalMs))
	}
	return nil
}

// runToken prints the configured token, or mints a fresh one with
// --rotate. Rotation invalidates every outstanding client URL.
func runToken(args []string) error {
	cfg, _, err := config.EnsureExists()
	if err != nil {
		return err
	}

	if len(args) > 0 && args[0] == "--rotate" {
		token, err := auth.GenerateToken()
		if err != nil {
			return err
		}
		cfg.Token = token
		if err := cfg.Save(); err != nil {
			return err
		}
		style := newTermStyle()
		style.Success("token rotated; restart the daemon to apply")
	}

	fmt.Println(cfg.Token)
	return nil
}

func printUsage() {
	fmt.Println("tmuxmobile - remote-control gateway for tmux")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  tmuxmobile <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  start    Start the daemon in background")
	fmt.Println("  stop     Stop the daemon")
	fmt.Println("  status   Show daemon status and URL")
	fmt.Println("  run      Run the daemon in foreground (for debugging)")
	fmt.Println("  setup    Interactive configuration")
	fmt.Println("  token    Print the access token (--rotate mints a new one)")
	fmt.Println("  schema   Print the config file JSON Schema")
	fmt.Println("  version  Print the version")
	fmt.Println("  help     Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  tmuxmobile start    # Start the daemon")
	fmt.Println("  tmuxmobile status   # Check if the daemon is running")
	fmt.Println("  tmuxmobile token    # Print the token clients connect with")
}
