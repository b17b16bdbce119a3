// Package capture owns the recorder state machine and chunk buffer for one
// recording attempt. The recorder's callback events (data available, track
// ended, errors, stop) are modeled as explicit events fed through a pure
// transition function, so the whole lifecycle is deterministic and can be
// replayed in tests with synthetic sequences.
package capture

import "fmt"

// Status is the worker-local recording status.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
	StatusStopped   Status = "stopped"
)

// Chunk is one opaque buffer emitted by the recorder on its fixed cadence.
// A zero-length chunk is a normal outcome (silence) and still counts.
type Chunk struct {
	Data []byte
}

func (c Chunk) Size() int { return len(c.Data) }

// RecordingState is the worker's private record of one recording attempt.
// It is mutated only through Apply; the coordinator never touches it.
type RecordingState struct {
	Status     Status
	Chunks     []Chunk
	TotalBytes int64
	LiveTracks int
	MimeType   string

	// Finalized latches once finalize has run so a repeat call yields the
	// same outcome without rebuilding the artifact.
	Finalized    bool
	FinalHasData bool
}

// NewRecordingState returns the idle starting state.
func NewRecordingState() RecordingState {
	return RecordingState{Status: StatusIdle}
}

// EventKind identifies a recorder or control event.
type EventKind string

const (
	// EventStarted reports the media stream was acquired: Tracks carries the
	// audio track count, Mime the negotiated container.
	EventStarted EventKind = "started"
	// EventChunk carries one emitted chunk.
	EventChunk EventKind = "chunk"
	// EventStopRequested is the external stop signal.
	EventStopRequested EventKind = "stopRequested"
	// EventTrackEnded reports one live track went away.
	EventTrackEnded EventKind = "trackEnded"
	// EventRecorderError reports a mid-capture encoder failure.
	EventRecorderError EventKind = "recorderError"
	// EventRecorderStopped is the recorder's own stop notification, emitted
	// after a stop signal once buffered data has been flushed.
	EventRecorderStopped EventKind = "recorderStopped"
)

// Event is one input to the state machine.
type Event struct {
	Kind   EventKind
	Chunk  Chunk  // EventChunk
	Tracks int    // EventStarted
	Mime   string // EventStarted
	Err    string // EventRecorderError
}

// Effect is an action the worker must carry out after a transition. The
// transition function itself never performs I/O.
type Effect int

const (
	// EffectEmitStarted: tell the coordinator recording began.
	EffectEmitStarted Effect = iota
	// EffectFatalNoTracks: acquired stream carries no audio; report and stay idle.
	EffectFatalNoTracks
	// EffectSignalStop: ask the recorder to stop (its own stop event follows).
	EffectSignalStop
	// EffectReleaseTracks: release all stream tracks.
	EffectReleaseTracks
	// EffectStopHealthMonitor: cancel the periodic health snapshot.
	EffectStopHealthMonitor
	// EffectStartHealthMonitor: begin the periodic health snapshot.
	EffectStartHealthMonitor
	// EffectReportError: surface a non-fatal recorder error upward.
	EffectReportError
	// EffectFinalize: assemble buffered chunks into the artifact.
	EffectFinalize
)

// Apply advances the state machine:
//
//	idle --started--> recording --(stop|trackEnded|recorderError)--> stopped --recorderStopped--> finalize
//
// It returns the new state plus the effects the worker must execute, in order.
func Apply(st RecordingState, ev Event) (RecordingState, []Effect) {
	switch ev.Kind {
	case EventStarted:
		if st.Status == StatusRecording {
			// Duplicate start; ignore.
			return st, nil
		}
		if ev.Tracks == 0 {
			return st, []Effect{EffectFatalNoTracks}
		}
		next := NewRecordingState()
		next.Status = StatusRecording
		next.LiveTracks = ev.Tracks
		next.MimeType = ev.Mime
		return next, []Effect{EffectEmitStarted, EffectStartHealthMonitor}

	case EventChunk:
		// Stopped still accepts chunks: the recorder's final flush arrives
		// between the stop signal and its stopped confirmation.
		if st.Status != StatusRecording && st.Status != StatusStopped {
			return st, nil
		}
		st.Chunks = append(st.Chunks, ev.Chunk)
		st.TotalBytes += int64(ev.Chunk.Size())
		return st, nil

	case EventStopRequested:
		if st.Status != StatusRecording {
			// Not capturing: still finalize — there may be buffered data from
			// a prior partial run, and finalize is safe on zero chunks.
			return st, []Effect{EffectFinalize, EffectReleaseTracks, EffectStopHealthMonitor}
		}
		st.Status = StatusStopped
		return st, []Effect{EffectSignalStop, EffectReleaseTracks, EffectStopHealthMonitor}

	case EventTrackEnded:
		if st.LiveTracks > 0 {
			st.LiveTracks--
		}
		if st.Status != StatusRecording {
			return st, nil
		}
		// Track ending mid-capture means the monitored source went away
		// (tab navigated, call torn down). Stop and finalize, not an error.
		st.Status = StatusStopped
		return st, []Effect{EffectSignalStop, EffectReleaseTracks, EffectStopHealthMonitor}

	case EventRecorderError:
		if st.Status != StatusRecording {
			return st, nil
		}
		// Non-fatal: report, then best-effort finalize of what's buffered.
		st.Status = StatusStopped
		return st, []Effect{EffectReportError, EffectSignalStop, EffectReleaseTracks, EffectStopHealthMonitor}

	case EventRecorderStopped:
		if st.Status == StatusIdle {
			// Late confirmation after a timed-out stop already finalized.
			return st, nil
		}
		if st.Status == StatusRecording {
			// Recorder stopped without us asking (shouldn't happen, but the
			// flush already happened so treat it as a stop).
			st.Status = StatusStopped
		}
		return st, []Effect{EffectFinalize}

	default:
		return st, nil
	}
}

// FinalizeResult is the outcome of assembling buffered chunks.
type FinalizeResult struct {
	HasData  bool
	Artifact Artifact
}

// Finalize concatenates buffered chunks in arrival order and builds the
// artifact. Zero chunks or zero total bytes is a normal "no data" completion,
// not an error. Calling it again without new chunks returns the latched
// outcome and does not rebuild the artifact.
func Finalize(st RecordingState, filename string) (RecordingState, FinalizeResult, error) {
	if st.Finalized {
		return st, FinalizeResult{HasData: st.FinalHasData}, nil
	}

	st.Status = StatusIdle
	st.Finalized = true

	if len(st.Chunks) == 0 || st.TotalBytes == 0 {
		st.FinalHasData = false
		return st, FinalizeResult{HasData: false}, nil
	}

	blob := make([]byte, 0, st.TotalBytes)
	for _, c := range st.Chunks {
		blob = append(blob, c.Data...)
	}
	if len(blob) == 0 {
		// Chunk accounting said we had bytes but the blob is empty.
		st.FinalHasData = false
		return st, FinalizeResult{HasData: false}, nil
	}
	if int64(len(blob)) != st.TotalBytes {
		return st, FinalizeResult{}, fmt.Errorf("finalize: blob size %d != accounted bytes %d", len(blob), st.TotalBytes)
	}

	st.FinalHasData = true
	return st, FinalizeResult{
		HasData:  true,
		Artifact: NewArtifact(blob, st.MimeType, filename),
	}, nil
}
