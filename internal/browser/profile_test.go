package browser

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareProfileFreshDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profile")
	if err := prepareProfile(dir); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "Default")); err != nil {
		t.Errorf("Default dir not created: %v", err)
	}
}

func TestPrepareProfilePatchesExitMarkers(t *testing.T) {
	dir := t.TempDir()
	defaultDir := filepath.Join(dir, "Default")
	if err := os.MkdirAll(defaultDir, 0o755); err != nil {
		t.Fatal(err)
	}
	prefs := `{"profile":{"exit_type":"Crashed","exited_cleanly":false},"other":1}`
	prefsPath := filepath.Join(defaultDir, "Preferences")
	if err := os.WriteFile(prefsPath, []byte(prefs), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := prepareProfile(dir); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	data, err := os.ReadFile(prefsPath)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("patched prefs not valid JSON: %v", err)
	}
	profile := out["profile"].(map[string]any)
	if profile["exit_type"] != "Normal" {
		t.Errorf("exit_type = %v", profile["exit_type"])
	}
	if profile["exited_cleanly"] != true {
		t.Errorf("exited_cleanly = %v", profile["exited_cleanly"])
	}
	if out["other"] != float64(1) {
		t.Error("unrelated preference lost")
	}
}
