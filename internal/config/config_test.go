package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "config.json", `{"token":"abc123"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Host != DefaultHost {
		t.Errorf("Host = %q, want %q", cfg.Host, DefaultHost)
	}
	if cfg.DefaultSession != DefaultSession {
		t.Errorf("DefaultSession = %q, want %q", cfg.DefaultSession, DefaultSession)
	}
	if cfg.ScrollbackLines != DefaultScrollbackLines {
		t.Errorf("ScrollbackLines = %d, want %d", cfg.ScrollbackLines, DefaultScrollbackLines)
	}
	if cfg.PollIntervalMs != DefaultPollIntervalMs {
		t.Errorf("PollIntervalMs = %d, want %d", cfg.PollIntervalMs, DefaultPollIntervalMs)
	}
	if cfg.FrontendDir != DefaultFrontendDir {
		t.Errorf("FrontendDir = %q, want %q", cfg.FrontendDir, DefaultFrontendDir)
	}
	if cfg.Token != "abc123" {
		t.Errorf("Token = %q, want %q", cfg.Token, "abc123")
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"port": 9000,
		"host": "127.0.0.1",
		"password": "hunter2",
		"defaultSession": "work",
		"scrollbackLines": 5000,
		"pollIntervalMs": 500,
		"token": "tok-1",
		"frontendDir": "/srv/ui"
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != 9000 || cfg.Host != "127.0.0.1" {
		t.Errorf("bind = %s, want 127.0.0.1:9000", cfg.Addr())
	}
	if cfg.Password != "hunter2" {
		t.Errorf("Password = %q", cfg.Password)
	}
	if cfg.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q", cfg.DefaultSession)
	}
	if cfg.ScrollbackLines != 5000 {
		t.Errorf("ScrollbackLines = %d", cfg.ScrollbackLines)
	}
	if cfg.PollIntervalMs != 500 {
		t.Errorf("PollIntervalMs = %d", cfg.PollIntervalMs)
	}
	if cfg.FrontendDir != "/srv/ui" {
		t.Errorf("FrontendDir = %q", cfg.FrontendDir)
	}
}

func TestLoadYAML(t *testing.T) {
	body := strings.Join([]string{
		"port: 8080",
		"host: 192.168.1.10",
		"defaultSession: dev",
		"token: yaml-token",
	}, "\n")

	for _, name := range []string{"config.yaml", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, name, body)
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if cfg.Port != 8080 {
				t.Errorf("Port = %d, want 8080", cfg.Port)
			}
			if cfg.Host != "192.168.1.10" {
				t.Errorf("Host = %q", cfg.Host)
			}
			if cfg.DefaultSession != "dev" {
				t.Errorf("DefaultSession = %q", cfg.DefaultSession)
			}
			if cfg.Token != "yaml-token" {
				t.Errorf("Token = %q", cfg.Token)
			}
			// Absent fields still pick up defaults.
			if cfg.ScrollbackLines != DefaultScrollbackLines {
				t.Errorf("ScrollbackLines = %d, want %d", cfg.ScrollbackLines, DefaultScrollbackLines)
			}
		})
	}
}

func TestLoadMintsMissingToken(t *testing.T) {
	path := writeConfig(t, "config.json", `{"port": 7788}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Token == "" {
		t.Fatal("expected a generated token")
	}
	if !isURLSafe(cfg.Token) {
		t.Errorf("generated token %q is not URL-safe", cfg.Token)
	}

	// The minted token is persisted so it survives restarts.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("second Load() failed: %v", err)
	}
	if again.Token != cfg.Token {
		t.Errorf("token changed across loads: %q then %q", cfg.Token, again.Token)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "config.json"))
		if !errors.Is(err, ErrConfigNotFound) {
			t.Errorf("err = %v, want ErrConfigNotFound", err)
		}
	})

	t.Run("malformed json reports position", func(t *testing.T) {
		path := writeConfig(t, "config.json", "{\n  \"port\": 7788,\n}")
		_, err := Load(path)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("err = %v, want ErrInvalidConfig", err)
		}
		if !strings.Contains(err.Error(), "line") {
			t.Errorf("err = %v, want line info", err)
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "config.yaml", "port: [unclosed")
		_, err := Load(path)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("err = %v, want ErrInvalidConfig", err)
		}
	})

	t.Run("port out of range", func(t *testing.T) {
		path := writeConfig(t, "config.json", `{"port": 70000, "token": "t"}`)
		if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("err = %v, want ErrInvalidConfig", err)
		}
	})

	t.Run("poll interval too small", func(t *testing.T) {
		path := writeConfig(t, "config.json", `{"pollIntervalMs": 100, "token": "t"}`)
		if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("err = %v, want ErrInvalidConfig", err)
		}
	})

	t.Run("negative scrollback", func(t *testing.T) {
		path := writeConfig(t, "config.json", `{"scrollbackLines": -1, "token": "t"}`)
		if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("err = %v, want ErrInvalidConfig", err)
		}
	})

	t.Run("token with unsafe characters", func(t *testing.T) {
		path := writeConfig(t, "config.json", `{"token": "has space!"}`)
		if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("err = %v, want ErrInvalidConfig", err)
		}
	})
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := CreateDefault(path)
	cfg.Token = "round-trip-token"
	cfg.Password = "secret"

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file mode = %o, want 0600", perm)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.Token != cfg.Token {
		t.Errorf("Token = %q, want %q", loaded.Token, cfg.Token)
	}
	if loaded.Password != cfg.Password {
		t.Errorf("Password = %q, want %q", loaded.Password, cfg.Password)
	}
	if loaded.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", loaded.Port, DefaultPort)
	}
}

func TestSaveYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := CreateDefault(path)
	cfg.Token = "yaml-save"

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(data), "defaultSession: main") {
		t.Errorf("yaml output missing camelCase keys:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.Token != "yaml-save" {
		t.Errorf("Token = %q", loaded.Token)
	}
}

func TestAccessors(t *testing.T) {
	cfg := &Config{Port: 7788, Host: "0.0.0.0", PollIntervalMs: 2500}

	if got := cfg.Addr(); got != "0.0.0.0:7788" {
		t.Errorf("Addr() = %q, want %q", got, "0.0.0.0:7788")
	}
	if got := cfg.PollInterval(); got != 2500*time.Millisecond {
		t.Errorf("PollInterval() = %v, want 2.5s", got)
	}
	if cfg.PasswordRequired() {
		t.Error("PasswordRequired() = true with no password")
	}
	cfg.Password = "pw"
	if !cfg.PasswordRequired() {
		t.Error("PasswordRequired() = false with a password set")
	}
}

func TestEnsureExists(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, created, err := EnsureExists()
	if err != nil {
		t.Fatalf("EnsureExists() failed: %v", err)
	}
	if !created {
		t.Error("expected first call to create the config")
	}
	if cfg.Token == "" {
		t.Error("expected a generated token")
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Errorf("config file missing: %v", err)
	}

	again, created, err := EnsureExists()
	if err != nil {
		t.Fatalf("second EnsureExists() failed: %v", err)
	}
	if created {
		t.Error("second call should load, not create")
	}
	if again.Token != cfg.Token {
		t.Errorf("token changed: %q then %q", cfg.Token, again.Token)
	}
}

func TestFindPrefersJSON(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".tmuxmobile")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("token: y"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"token":"j"}`), 0600); err != nil {
		t.Fatal(err)
	}

	path, err := Find()
	if err != nil {
		t.Fatalf("Find() failed: %v", err)
	}
	if filepath.Base(path) != "config.json" {
		t.Errorf("Find() = %q, want config.json first", path)
	}
}

func TestSchema(t *testing.T) {
	schema, err := Schema()
	if err != nil {
		t.Fatalf("Schema() failed: %v", err)
	}
	for _, field := range []string{"port", "host", "defaultSession", "scrollbackLines", "pollIntervalMs", "token", "frontendDir"} {
		if !strings.Contains(schema, field) {
			t.Errorf("schema missing field %q", field)
		}
	}
}

func TestWatcherAppliesSafeFields(t *testing.T) {
	path := writeConfig(t, "config.json", `{"token":"w","pollIntervalMs":1000,"scrollbackLines":800}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	changes := make(chan *Config, 4)
	w, err := NewWatcher(cfg, func(fresh *Config) { changes <- fresh }, testLogger())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	w.Start()
	defer w.Stop()

	// Rewrite through Save so the change lands the same way the CLI
	// writes it (tmp file + rename).
	cfg2 := *cfg
	cfg2.PollIntervalMs = 3000
	if err := cfg2.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	select {
	case fresh := <-changes:
		if fresh.PollIntervalMs != 3000 {
			t.Errorf("PollIntervalMs = %d, want 3000", fresh.PollIntervalMs)
		}
		if fresh.ScrollbackLines != 800 {
			t.Errorf("ScrollbackLines = %d, want 800", fresh.ScrollbackLines)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := writeConfig(t, "config.json", `{"token":"w"}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	w, err := NewWatcher(cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	w.Start()
	w.Stop()
	w.Stop()
}

func TestRestartFields(t *testing.T) {
	prev := CreateDefault("x.json")
	next := *prev
	next.Port = 9999
	next.Password = "new"
	next.PollIntervalMs = 9000 // safe, not listed

	fields := restartFields(prev, &next)
	want := map[string]bool{"port": true, "password": true}
	if len(fields) != len(want) {
		t.Fatalf("restartFields = %v, want port and password", fields)
	}
	for _, f := range fields {
		if !want[f] {
			t.Errorf("unexpected restart field %q", f)
		}
	}
}
