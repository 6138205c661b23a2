package main

import (
	"context"
	"os"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

// fixtureHost is a device fixture served without network access.
const fixtureHost = "../../internal/device/testdata/gen2_shellyplus1pm.json"

// setConfigEnv points SHELLYCORE_CONFIG at path for the duration of the test.
func setConfigEnv(t *testing.T, path string) {
	t.Helper()
	original, had := os.LookupEnv(configEnv)
	t.Cleanup(func() {
		if had {
			os.Setenv(configEnv, original)
		} else {
			os.Unsetenv(configEnv)
		}
	})
	if path == "" {
		os.Unsetenv(configEnv)
		return
	}
	os.Setenv(configEnv, path)
}

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// writeConfig writes a config with every network transport disabled.
func writeConfig(t *testing.T, dbPath string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
shelly:
  data_path: "` + filepath.Join(tmpDir, "devices") + `"
  enable_mdns: false
  enable_coiot: false
  enable_ws_server: false
  poll_interval: 3600
  hosts:
    - "` + fixtureHost + `"
    - "` + filepath.Join(tmpDir, "missing.json") + `"

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

api:
  enabled: true
  host: "127.0.0.1"
  port: ` + strconv.Itoa(freePort(t)) + `

mqtt:
  enabled: false

logging:
  level: debug
  format: text
  output: stdout
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	setConfigEnv(t, "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	setConfigEnv(t, writeConfig(t, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	setConfigEnv(t, "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	setConfigEnv(t, expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestRun_SuccessfulStartupAndShutdown starts with a fixture host and no
// network transports, then shuts down when the context expires.
func TestRun_SuccessfulStartupAndShutdown(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	setConfigEnv(t, writeConfig(t, dbPath))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

// TestRun_ContextCancelledDuringStartup verifies run returns cleanly when
// the context is already cancelled.
func TestRun_ContextCancelledDuringStartup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	setConfigEnv(t, writeConfig(t, dbPath))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	select {
	case <-done:
		// Either a clean shutdown or a startup error is acceptable; run
		// must not hang on a cancelled context.
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not return after context cancellation")
	}
}

// TestRegistryOptions verifies the configuration mapping.
func TestRegistryOptions(t *testing.T) {
	setConfigEnv(t, writeConfig(t, filepath.Join(t.TempDir(), "test.db")))
	cfg, _, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	opts := registryOptions(cfg, nil, nil)
	if opts.EnableMDNS || opts.EnableCoIoT || opts.EnableWsServer {
		t.Errorf("transports enabled: mdns=%v coiot=%v ws=%v", opts.EnableMDNS, opts.EnableCoIoT, opts.EnableWsServer)
	}
	if opts.PollInterval != time.Hour {
		t.Errorf("PollInterval = %v, want 1h", opts.PollInterval)
	}
	if opts.Credentials.Username != "admin" {
		t.Errorf("Credentials.Username = %q, want admin", opts.Credentials.Username)
	}
	if opts.WsMaxMessageSize != int64(cfg.WebSocket.MaxMessageSize) {
		t.Errorf("WsMaxMessageSize = %d, want %d", opts.WsMaxMessageSize, cfg.WebSocket.MaxMessageSize)
	}
}
