//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
)

// FixturesDir returns the path to the fixtures directory
func FixturesDir(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	return filepath.Join(filepath.Dir(filename), "fixtures")
}

// TaskFilesDir returns the path to the sample task files
func TaskFilesDir(t *testing.T) string {
	t.Helper()
	return filepath.Join(FixturesDir(t), "tasks")
}

var (
	buildOnce sync.Once
	builtPath string
	buildErr  error
	buildOut  []byte
)

// binaryPath builds the CLI once per test run
func binaryPath(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "agent-queue-bin")
		if err != nil {
			buildErr = err
			return
		}
		builtPath = filepath.Join(dir, "agent-queue")
		cmd := exec.Command("go", "build", "-o", builtPath, "../cmd/agent-queue")
		buildOut, buildErr = cmd.CombinedOutput()
	})
	if buildErr != nil {
		t.Fatalf("Failed to build binary: %v\n%s", buildErr, buildOut)
	}
	return builtPath
}

// testEnv is an isolated data directory, config file and project
type testEnv struct {
	binary     string
	configPath string
	dataDir    string
	projectDir string
}

func newTestEnv(t *testing.T, extraConfig string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		binary:     binaryPath(t),
		configPath: filepath.Join(dir, "config.toml"),
		dataDir:    filepath.Join(dir, "data"),
		projectDir: filepath.Join(dir, "webshop"),
	}
	if err := os.MkdirAll(env.projectDir, 0755); err != nil {
		t.Fatal(err)
	}

	config := `[general]
data_dir = "` + env.dataDir + `"
database_path = "` + filepath.Join(env.dataDir, "queue.db") + `"
schedule_path = "` + filepath.Join(dir, "schedule.toml") + `"

[execution]
max_concurrent = 2
kill_grace_period = "2s"

[notifications]
desktop = false
` + extraConfig

	if err := os.WriteFile(env.configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return env
}

// run executes the CLI and fails the test on a non-zero exit
func (e *testEnv) run(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.exec(args...)
	if err != nil {
		t.Fatalf("agent-queue %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func (e *testEnv) exec(args ...string) (string, error) {
	cmd := exec.Command(e.binary, append(args, "--config", e.configPath)...)
	cmd.Env = append(os.Environ(), "NO_COLOR=1", "CLAUDE_CONFIG_DIR="+filepath.Dir(e.configPath))
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// addedID extracts the short id from "Added <id> ..." output
func addedID(t *testing.T, out string) string {
	t.Helper()
	fields := strings.Fields(out)
	for i, f := range fields {
		if f == "Added" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	t.Fatalf("no task id in output: %s", out)
	return ""
}
