package capture

import (
	"encoding/base64"
	"strings"
	"time"
)

// DefaultMimeType is the preferred codec path; the page recorder falls back
// to plain audio/webm when Opus isn't supported.
const DefaultMimeType = "audio/webm;codecs=opus"

// Artifact is the finalized output of one session: the encoded audio blob in
// its transport representation plus the derived filename. Immutable once
// built; ownership moves worker → coordinator → delivery.
type Artifact struct {
	DataURI  string
	Filename string
	Size     int
}

// NewArtifact encodes blob as a base64 data URI. Raw binary hand-off across
// the context boundary isn't assumed available, so the artifact travels as a
// self-describing textual encoding that delivery decodes before persisting.
func NewArtifact(blob []byte, mime, filename string) Artifact {
	if mime == "" {
		mime = "audio/webm"
	}
	// Strip codec parameters for the URI; the container bytes are what matter.
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return Artifact{
		DataURI:  "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(blob),
		Filename: filename,
		Size:     len(blob),
	}
}

// RecordingFilename derives the output filename from a timestamp, with
// colons and periods replaced so it is safe on every filesystem, e.g.
// meeting-recording-2026-08-23T14-05-09Z.webm.
func RecordingFilename(ts time.Time) string {
	stamp := ts.UTC().Format(time.RFC3339)
	stamp = strings.ReplaceAll(stamp, ":", "-")
	stamp = strings.ReplaceAll(stamp, ".", "-")
	return "meeting-recording-" + stamp + ".webm"
}
