package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/consentgate/internal/config"
	"github.com/ppiankov/consentgate/internal/scenario"
)

func TestRunInit_UserMode(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	initMode = "user"
	initForce = false

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	configDir := filepath.Join(tmpDir, ".consentgate")

	configFile := filepath.Join(configDir, "config.yaml")
	cfg, err := config.Load(configFile)
	if err != nil {
		t.Fatalf("generated config.yaml does not load: %v", err)
	}
	if cfg.Store.DSN != filepath.Join(tmpDir, ".consentgate", "ledger.db") {
		t.Errorf("expected ledger under home, got %s", cfg.Store.DSN)
	}

	// The example scenario must pass against the built-in rules.
	r, err := scenario.LoadAndRun(filepath.Join(configDir, "scenarios", "example.yaml"))
	if err != nil {
		t.Fatalf("example scenario: %v", err)
	}
	if r.Failed != 0 {
		t.Errorf("example scenario has %d failing cases: %+v", r.Failed, r.Cases)
	}
}

func TestRunInit_NoOverwriteWithoutForce(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configDir := filepath.Join(tmpDir, ".consentgate")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}

	// Pre-create config.yaml with sentinel content.
	sentinel := "# sentinel content\n"
	configFile := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configFile, []byte(sentinel), 0o644); err != nil {
		t.Fatal(err)
	}

	initMode = "user"
	initForce = false

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	// config.yaml should NOT be overwritten.
	data, _ := os.ReadFile(configFile)
	if string(data) != sentinel {
		t.Error("config.yaml was overwritten without --force")
	}
}

func TestRunInit_ForceOverwrites(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configDir := filepath.Join(tmpDir, ".consentgate")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}

	sentinel := "# sentinel content\n"
	configFile := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configFile, []byte(sentinel), 0o644); err != nil {
		t.Fatal(err)
	}

	initMode = "user"
	initForce = true
	defer func() { initForce = false }()

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	// config.yaml SHOULD be overwritten.
	data, _ := os.ReadFile(configFile)
	if string(data) == sentinel {
		t.Error("config.yaml was NOT overwritten with --force")
	}
}

func TestRunInit_InvalidMode(t *testing.T) {
	initMode = "invalid"
	initForce = false
	defer func() { initMode = "user" }()

	err := runInit(nil, nil)
	if err == nil {
		t.Fatal("expected error for invalid mode")
	}
	if !strings.Contains(err.Error(), "unknown mode") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestInitConfigDir(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	defer func() { initMode = "user" }()

	tests := []struct {
		mode    string
		want    string
		wantErr bool
	}{
		{"user", filepath.Join(tmpDir, ".consentgate"), false},
		{"system", "/etc/consentgate", false},
		{"invalid", "", true},
	}

	for _, tt := range tests {
		initMode = tt.mode
		got, err := initConfigDir()
		if tt.wantErr {
			if err == nil {
				t.Errorf("mode=%q: expected error", tt.mode)
			}
			continue
		}
		if err != nil {
			t.Errorf("mode=%q: unexpected error: %v", tt.mode, err)
			continue
		}
		if got != tt.want {
			t.Errorf("mode=%q: got %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestWriteIfMissing(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "test.txt")

	// First write should succeed and create the directory.
	initForce = false
	wrote, err := writeIfMissing(path, "hello")
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if !wrote {
		t.Error("first write should return true")
	}

	// Second write without force should skip.
	wrote, err = writeIfMissing(path, "world")
	if err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if wrote {
		t.Error("second write should return false without force")
	}
	data, _ := os.ReadFile(path)
	if string(data) != "hello" {
		t.Errorf("expected original content, got %q", data)
	}
}
