// Package delivery persists finalized recording artifacts. The artifact
// arrives as a base64 data URI; delivery decodes it and writes the binary
// container to the recordings directory. Failures are reported to the
// caller, never retried here.
package delivery

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileSaver writes artifacts under a single recordings directory.
type FileSaver struct {
	dir string
}

func NewFileSaver(dir string) *FileSaver {
	return &FileSaver{dir: dir}
}

// Save decodes the artifact and writes it as filename inside the recordings
// directory. The filename is flattened to its base so a malformed name can't
// escape the directory. Returns the final path.
func (s *FileSaver) Save(dataURI, filename string) (string, error) {
	blob, err := DecodeDataURI(dataURI)
	if err != nil {
		return "", fmt.Errorf("decode artifact: %w", err)
	}

	name := filepath.Base(filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("save: invalid filename %q", filename)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create recordings dir: %w", err)
	}

	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return "", fmt.Errorf("write recording: %w", err)
	}

	slog.Info("recording written", "path", path, "bytes", len(blob))
	return path, nil
}

// DecodeDataURI extracts the binary payload from a data URI. Bare base64
// without the data: scheme is accepted too.
func DecodeDataURI(s string) ([]byte, error) {
	payload := s
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ";base64,")
		if i < 0 {
			return nil, fmt.Errorf("data URI is not base64-encoded")
		}
		payload = s[i+len(";base64,"):]
	}
	blob, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("base64 payload: %w", err)
	}
	return blob, nil
}
