package browser

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// prepareProfile readies a Chrome user-data dir for an unattended launch.
// Chrome shows a "restore pages?" bubble after an unclean exit, which steals
// focus from the join flow, so the exit markers in Default/Preferences are
// patched to a clean state before every start. A missing Preferences file is
// fine (fresh profile).
func prepareProfile(dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, "Default"), 0o755); err != nil {
		return err
	}

	prefsPath := filepath.Join(dir, "Default", "Preferences")
	data, err := os.ReadFile(prefsPath)
	if err != nil {
		return nil
	}

	var prefs map[string]any
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil // unparseable prefs; let Chrome deal with it
	}

	profile, _ := prefs["profile"].(map[string]any)
	if profile == nil {
		profile = make(map[string]any)
	}
	profile["exit_type"] = "Normal"
	profile["exited_cleanly"] = true
	prefs["profile"] = profile

	out, err := json.Marshal(prefs)
	if err != nil {
		return nil
	}
	return os.WriteFile(prefsPath, out, 0o644)
}
