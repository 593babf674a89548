//go:build integration

package integration

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

var (
	buildOnce sync.Once
	binary    string
	buildErr  error
)

// binaryPath builds the CLI once per test run
func binaryPath(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "batch-orch-bin")
		if err != nil {
			buildErr = err
			return
		}
		binary = filepath.Join(dir, "batch-orch")
		cmd := exec.Command("go", "build", "-o", binary, "../cmd/batch-orch")
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("%v\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("Failed to build binary: %v", buildErr)
	}
	return binary
}

// TestConfig describes the knobs tests change in the generated config
type TestConfig struct {
	Backend   string
	LatencyMS int
	Port      int
}

// WriteConfig writes a config that keeps all data inside a temp dir and
// returns its path
func WriteConfig(t *testing.T, tc TestConfig) string {
	t.Helper()
	dir := t.TempDir()
	if tc.Backend == "" {
		tc.Backend = "file"
	}
	if tc.Port == 0 {
		tc.Port = 8080
	}

	config := fmt.Sprintf(`[general]
data_dir = %q
store_backend = %q
log_level = "warn"

[provisioning]
register_url = "https://example.com/register"
default_password = "hunter2"
channel = "guerrillamail"
count = 3
delay_seconds = 0
simulated_latency_ms = %d

[joining]
delay_seconds = 0
success_rate = 1.0

[notifications]
desktop = false

[web]
port = %d
host = "127.0.0.1"
`, filepath.Join(dir, "data"), tc.Backend, tc.LatencyMS, tc.Port)

	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// FreePort asks the kernel for an unused local port
func FreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
