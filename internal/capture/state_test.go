package capture

import (
	"strings"
	"testing"
	"time"
)

func startEvent(tracks int) Event {
	return Event{Kind: EventStarted, Tracks: tracks, Mime: DefaultMimeType}
}

func chunkEvent(n int) Event {
	return Event{Kind: EventChunk, Chunk: Chunk{Data: make([]byte, n)}}
}

func hasEffect(effects []Effect, want Effect) bool {
	for _, e := range effects {
		if e == want {
			return true
		}
	}
	return false
}

func TestStartTransition(t *testing.T) {
	st, effects := Apply(NewRecordingState(), startEvent(2))
	if st.Status != StatusRecording {
		t.Fatalf("status = %s, want recording", st.Status)
	}
	if st.LiveTracks != 2 {
		t.Errorf("liveTracks = %d, want 2", st.LiveTracks)
	}
	if !hasEffect(effects, EffectEmitStarted) {
		t.Error("missing EmitStarted effect")
	}
	if !hasEffect(effects, EffectStartHealthMonitor) {
		t.Error("missing StartHealthMonitor effect")
	}
}

func TestDuplicateStartIgnored(t *testing.T) {
	st, _ := Apply(NewRecordingState(), startEvent(1))
	st, _ = Apply(st, chunkEvent(100))

	st2, effects := Apply(st, startEvent(3))
	if len(effects) != 0 {
		t.Errorf("duplicate start produced effects: %v", effects)
	}
	if st2.LiveTracks != st.LiveTracks || len(st2.Chunks) != len(st.Chunks) {
		t.Error("duplicate start altered state")
	}
}

func TestStartWithZeroTracks(t *testing.T) {
	st, effects := Apply(NewRecordingState(), startEvent(0))
	if st.Status != StatusIdle {
		t.Errorf("status = %s, want idle", st.Status)
	}
	if !hasEffect(effects, EffectFatalNoTracks) {
		t.Error("missing FatalNoTracks effect")
	}
	if hasEffect(effects, EffectEmitStarted) {
		t.Error("EmitStarted must not fire when the stream has no tracks")
	}
}

func TestChunkAccounting(t *testing.T) {
	st, _ := Apply(NewRecordingState(), startEvent(1))
	sizes := []int{1000, 0, 2048}
	for _, n := range sizes {
		st, _ = Apply(st, chunkEvent(n))
	}
	if len(st.Chunks) != 3 {
		t.Fatalf("chunks = %d, want 3 (zero-length chunk must still count)", len(st.Chunks))
	}
	if st.TotalBytes != 3048 {
		t.Errorf("totalBytes = %d, want 3048", st.TotalBytes)
	}

	var sum int64
	for _, c := range st.Chunks {
		sum += int64(c.Size())
	}
	if sum != st.TotalBytes {
		t.Errorf("totalBytes %d != sum of chunk sizes %d", st.TotalBytes, sum)
	}
}

func TestChunkIgnoredWhenNotRecording(t *testing.T) {
	st, _ := Apply(NewRecordingState(), chunkEvent(512))
	if len(st.Chunks) != 0 || st.TotalBytes != 0 {
		t.Error("chunk accepted while idle")
	}
}

func TestStopWhileRecording(t *testing.T) {
	st, _ := Apply(NewRecordingState(), startEvent(1))
	st, effects := Apply(st, Event{Kind: EventStopRequested})
	if st.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", st.Status)
	}
	if !hasEffect(effects, EffectSignalStop) {
		t.Error("missing SignalStop effect")
	}
	if !hasEffect(effects, EffectReleaseTracks) {
		t.Error("missing ReleaseTracks effect")
	}
	if !hasEffect(effects, EffectStopHealthMonitor) {
		t.Error("missing StopHealthMonitor effect")
	}
	if hasEffect(effects, EffectFinalize) {
		t.Error("finalize must wait for the recorder's own stopped event")
	}
}

func TestChunkAcceptedAfterStopRequested(t *testing.T) {
	// The recorder's final flush lands between the stop signal and its
	// stopped confirmation; it must still count toward the artifact.
	st, _ := Apply(NewRecordingState(), startEvent(1))
	st, _ = Apply(st, chunkEvent(100))
	st, _ = Apply(st, Event{Kind: EventStopRequested})
	st, _ = Apply(st, chunkEvent(50))
	if len(st.Chunks) != 2 {
		t.Fatalf("chunks = %d, want 2 (post-stop flush dropped)", len(st.Chunks))
	}
	if st.TotalBytes != 150 {
		t.Errorf("totalBytes = %d, want 150", st.TotalBytes)
	}
}

func TestRecorderStoppedWhileIdleIsQuiet(t *testing.T) {
	// A stop confirmation straggling in after a timed-out stop already
	// finalized must not finalize a second time.
	st, effects := Apply(NewRecordingState(), Event{Kind: EventRecorderStopped})
	if len(effects) != 0 {
		t.Errorf("recorderStopped while idle produced effects: %v", effects)
	}
	if st.Status != StatusIdle {
		t.Errorf("status = %s, want idle", st.Status)
	}
}

func TestStopWhileIdleStillFinalizes(t *testing.T) {
	_, effects := Apply(NewRecordingState(), Event{Kind: EventStopRequested})
	if !hasEffect(effects, EffectFinalize) {
		t.Error("stop while idle must still run finalize")
	}
}

func TestTrackEndedStopsCapture(t *testing.T) {
	st, _ := Apply(NewRecordingState(), startEvent(1))
	st, _ = Apply(st, chunkEvent(100))

	st, effects := Apply(st, Event{Kind: EventTrackEnded})
	if st.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", st.Status)
	}
	if st.LiveTracks != 0 {
		t.Errorf("liveTracks = %d, want 0", st.LiveTracks)
	}
	if !hasEffect(effects, EffectSignalStop) {
		t.Error("track end mid-capture must signal stop")
	}
	if hasEffect(effects, EffectReportError) {
		t.Error("track end is a normal completion, not an error")
	}
}

func TestTrackEndedAfterStopIsQuiet(t *testing.T) {
	st, _ := Apply(NewRecordingState(), startEvent(2))
	st, _ = Apply(st, Event{Kind: EventStopRequested})
	st, effects := Apply(st, Event{Kind: EventTrackEnded})
	if len(effects) != 0 {
		t.Errorf("track end after stop produced effects: %v", effects)
	}
	if st.LiveTracks != 1 {
		t.Errorf("liveTracks = %d, want 1", st.LiveTracks)
	}
}

func TestRecorderErrorFinalizesBufferedData(t *testing.T) {
	st, _ := Apply(NewRecordingState(), startEvent(1))
	st, _ = Apply(st, chunkEvent(64))

	st, effects := Apply(st, Event{Kind: EventRecorderError, Err: "encoder died"})
	if st.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", st.Status)
	}
	if !hasEffect(effects, EffectReportError) {
		t.Error("missing ReportError effect")
	}
	if !hasEffect(effects, EffectSignalStop) {
		t.Error("recorder error must still attempt a flush")
	}
	if len(st.Chunks) != 1 {
		t.Error("buffered chunks lost on recorder error")
	}
}

func TestRecorderStoppedTriggersFinalize(t *testing.T) {
	st, _ := Apply(NewRecordingState(), startEvent(1))
	st, _ = Apply(st, Event{Kind: EventStopRequested})
	_, effects := Apply(st, Event{Kind: EventRecorderStopped})
	if !hasEffect(effects, EffectFinalize) {
		t.Error("recorderStopped must trigger finalize")
	}
}

func TestFinalizeAssemblesChunksInOrder(t *testing.T) {
	st, _ := Apply(NewRecordingState(), startEvent(1))
	st, _ = Apply(st, Event{Kind: EventChunk, Chunk: Chunk{Data: []byte("abc")}})
	st, _ = Apply(st, Event{Kind: EventChunk, Chunk: Chunk{Data: []byte{}}})
	st, _ = Apply(st, Event{Kind: EventChunk, Chunk: Chunk{Data: []byte("defg")}})

	st, res, err := Finalize(st, "meeting-recording-test.webm")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !res.HasData {
		t.Fatal("hasData = false, want true")
	}
	if res.Artifact.Size != 7 {
		t.Errorf("size = %d, want 7", res.Artifact.Size)
	}
	if res.Artifact.Filename != "meeting-recording-test.webm" {
		t.Errorf("filename = %q", res.Artifact.Filename)
	}
	if st.Status != StatusIdle {
		t.Errorf("post-finalize status = %s, want idle", st.Status)
	}
}

func TestFinalizeScenario(t *testing.T) {
	// Three chunks of 1000, 0 and 2048 bytes must yield a 3048-byte artifact.
	st, _ := Apply(NewRecordingState(), startEvent(1))
	for _, n := range []int{1000, 0, 2048} {
		st, _ = Apply(st, chunkEvent(n))
	}
	_, res, err := Finalize(st, "meeting-recording-scenario.webm")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !res.HasData {
		t.Fatal("hasData = false, want true")
	}
	if res.Artifact.Size != 3048 {
		t.Errorf("artifact size = %d, want 3048", res.Artifact.Size)
	}
}

func TestFinalizeZeroChunks(t *testing.T) {
	st, _ := Apply(NewRecordingState(), startEvent(1))
	_, res, err := Finalize(st, "meeting-recording-empty.webm")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.HasData {
		t.Error("hasData = true for zero chunks, want false")
	}
	if res.Artifact.DataURI != "" {
		t.Error("no artifact expected for zero chunks")
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	st, _ := Apply(NewRecordingState(), startEvent(1))
	st, _ = Apply(st, chunkEvent(256))

	st, first, err := Finalize(st, "meeting-recording-a.webm")
	if err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	st2, second, err := Finalize(st, "meeting-recording-b.webm")
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if second.HasData != first.HasData {
		t.Error("repeat finalize changed hasData outcome")
	}
	if second.Artifact.DataURI != "" {
		t.Error("repeat finalize rebuilt the artifact")
	}
	if !st2.Finalized {
		t.Error("finalized latch cleared by repeat call")
	}
}

func TestFinalizeAccountingMismatch(t *testing.T) {
	st := NewRecordingState()
	st.Chunks = []Chunk{{Data: []byte("abc")}}
	st.TotalBytes = 99

	_, _, err := Finalize(st, "meeting-recording-bad.webm")
	if err == nil {
		t.Fatal("expected accounting-mismatch error")
	}
	if !strings.Contains(err.Error(), "finalize:") {
		t.Errorf("error missing context: %v", err)
	}
}

func TestRecordingFilename(t *testing.T) {
	ts := time.Date(2026, 8, 23, 14, 5, 9, 0, time.UTC)
	got := RecordingFilename(ts)
	want := "meeting-recording-2026-08-23T14-05-09Z.webm"
	if got != want {
		t.Errorf("filename = %q, want %q", got, want)
	}
	if strings.Contains(got, ":") {
		t.Errorf("filename contains a colon: %q", got)
	}
	if strings.Contains(strings.TrimSuffix(got, ".webm"), ".") {
		t.Errorf("timestamp portion contains a period: %q", got)
	}
}
