package capture

import (
	"context"
	"log/slog"
	"time"

	"github.com/vivek-mule/persona-meet/internal/bus"
)

// AcquireInfo describes the media stream obtained for a capture token.
type AcquireInfo struct {
	Tracks int
	Mime   string
}

// MediaSource is the host media-acquisition facility the worker records
// from. The production implementation drives the in-page recorder over CDP;
// tests substitute a synthetic source.
type MediaSource interface {
	// Acquire exchanges a one-time capture token for a live audio stream and
	// begins chunked recording. The token is consumed even on failure.
	Acquire(ctx context.Context, token string) (AcquireInfo, error)
	// SignalStop asks the recorder to stop; the recorder's own stopped event
	// follows on Events once buffered data has been flushed.
	SignalStop(ctx context.Context) error
	// Release releases all stream tracks.
	Release(ctx context.Context) error
	// Events delivers recorder events (chunks, track-end, errors, stopped)
	// in emission order.
	Events() <-chan Event
}

// Snapshot is the worker's diagnostic state, emitted on the health cadence
// and served from the status endpoint.
type Snapshot struct {
	Status     Status `json:"status"`
	Chunks     int    `json:"chunks"`
	TotalBytes int64  `json:"totalBytes"`
	LiveTracks int    `json:"liveTracks"`
}

// Worker runs the capture side of the pipeline: it owns the RecordingState,
// consumes startCapture/stopCapture messages from the coordinator, feeds
// recorder events through the state machine, and reports results back over
// the bus. It never lets an error escape the loop; everything is converted
// to a message.
//
// All fields below are owned by the Run goroutine; Snapshot crosses in via
// a request channel.
type Worker struct {
	src    MediaSource
	inbox  *bus.Queue // coordinator → worker
	outbox *bus.Queue // worker → coordinator

	healthEvery time.Duration
	flushAfter  time.Duration
	now         func() time.Time

	state     RecordingState
	sessionID string
	health    *time.Ticker
	healthC   <-chan time.Time
	flush     *time.Timer
	flushC    <-chan time.Time
	snapshot  chan chan Snapshot
}

func NewWorker(src MediaSource, inbox, outbox *bus.Queue, healthEvery time.Duration) *Worker {
	if healthEvery <= 0 {
		healthEvery = 20 * time.Second
	}
	return &Worker{
		src:         src,
		inbox:       inbox,
		outbox:      outbox,
		healthEvery: healthEvery,
		flushAfter:  6 * time.Second,
		now:         time.Now,
		state:       NewRecordingState(),
		snapshot:    make(chan chan Snapshot),
	}
}

// Snapshot returns the worker's current diagnostic state. Safe to call from
// other goroutines; answered by the worker's own loop.
func (w *Worker) Snapshot(ctx context.Context) (Snapshot, bool) {
	resp := make(chan Snapshot, 1)
	select {
	case w.snapshot <- resp:
	case <-ctx.Done():
		return Snapshot{}, false
	}
	select {
	case s := <-resp:
		return s, true
	case <-ctx.Done():
		return Snapshot{}, false
	}
}

// Run is the worker's event loop. It exits when ctx is done or the inbox
// closes; on the way out it stops whatever is still running so buffered
// audio is not lost.
func (w *Worker) Run(ctx context.Context) {
	defer w.stopHealthMonitor()
	defer w.stopFlushTimer()

	events := w.src.Events()

	for {
		select {
		case <-ctx.Done():
			if w.state.Status == StatusRecording {
				w.handleEvent(ctx, Event{Kind: EventStopRequested})
			}
			if w.state.Status == StatusStopped {
				// No more loop turns to wait for the stopped confirmation.
				w.finalize()
			}
			return

		case msg, ok := <-w.inbox.Receive():
			if !ok {
				return
			}
			w.handleMessage(ctx, msg)

		case ev, ok := <-events:
			if !ok {
				events = nil // source closed; stop selecting on it
				continue
			}
			w.handleEvent(ctx, ev)

		case <-w.flushC:
			// Stop was signaled but the recorder never confirmed, most likely
			// because its page navigated or closed. Finalize what we buffered.
			slog.Warn("recorder stop unconfirmed; finalizing buffered data",
				"chunks", len(w.state.Chunks), "totalBytes", w.state.TotalBytes)
			w.finalize()

		case <-w.healthC:
			slog.Info("capture health",
				"chunks", len(w.state.Chunks),
				"totalBytes", w.state.TotalBytes,
				"liveTracks", w.state.LiveTracks)

		case resp := <-w.snapshot:
			resp <- Snapshot{
				Status:     w.state.Status,
				Chunks:     len(w.state.Chunks),
				TotalBytes: w.state.TotalBytes,
				LiveTracks: w.state.LiveTracks,
			}
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg bus.Message) {
	if msg.Target != bus.TargetWorker {
		return // not addressed to us
	}
	switch msg.Action {
	case bus.ActionStartCapture:
		w.startCapture(ctx, msg)
	case bus.ActionStopCapture:
		w.handleEvent(ctx, Event{Kind: EventStopRequested})
		msg.Ack(true)
	default:
		// Unrecognized action on a shared channel: drop it.
	}
}

func (w *Worker) startCapture(ctx context.Context, msg bus.Message) {
	if w.state.Status == StatusRecording {
		slog.Warn("startCapture while already capturing; ignored")
		msg.Ack(true)
		return
	}

	// Reports from this attempt onward belong to the requesting session.
	w.sessionID = msg.SessionID

	info, err := w.src.Acquire(ctx, msg.Token)
	if err != nil {
		slog.Error("media acquisition failed", "err", err)
		w.report(bus.Message{
			Target: bus.TargetCoordinator,
			Action: bus.ActionRecordingError,
			Error:  err.Error(),
		})
		msg.Ack(false)
		return
	}

	next, effects := Apply(w.state, Event{Kind: EventStarted, Tracks: info.Tracks, Mime: info.Mime})
	w.state = next
	ok := true
	for _, eff := range effects {
		if eff == EffectFatalNoTracks {
			ok = false
		}
		w.runEffect(ctx, eff)
	}
	msg.Ack(ok)
}

func (w *Worker) handleEvent(ctx context.Context, ev Event) {
	next, effects := Apply(w.state, ev)
	w.state = next
	for _, eff := range effects {
		w.runEffect(ctx, eff)
	}
}

func (w *Worker) runEffect(ctx context.Context, eff Effect) {
	switch eff {
	case EffectEmitStarted:
		slog.Info("recording started", "mime", w.state.MimeType, "tracks", w.state.LiveTracks)
		w.report(bus.Message{Target: bus.TargetCoordinator, Action: bus.ActionRecordingStarted})

	case EffectFatalNoTracks:
		slog.Error("acquired stream has no audio tracks")
		w.report(bus.Message{
			Target: bus.TargetCoordinator,
			Action: bus.ActionRecordingError,
			Error:  "no audio tracks in capture stream",
		})
		if err := w.src.Release(ctx); err != nil {
			slog.Debug("release after no-tracks", "err", err)
		}

	case EffectStartHealthMonitor:
		w.stopHealthMonitor()
		w.health = time.NewTicker(w.healthEvery)
		w.healthC = w.health.C

	case EffectStopHealthMonitor:
		w.stopHealthMonitor()

	case EffectSignalStop:
		if err := w.src.SignalStop(ctx); err != nil {
			// Recorder unreachable (page navigated or closed); its stopped
			// confirmation will never come, so flush what we buffered now.
			slog.Warn("recorder stop signal failed; finalizing buffered data", "err", err)
			w.finalize()
			return
		}
		w.armFlushTimer()

	case EffectReleaseTracks:
		if err := w.src.Release(ctx); err != nil {
			slog.Debug("release tracks", "err", err)
		}

	case EffectReportError:
		slog.Warn("recorder error mid-capture; finalizing buffered data")
		w.report(bus.Message{
			Target: bus.TargetCoordinator,
			Action: bus.ActionRecordingError,
			Error:  "recorder error during capture",
		})

	case EffectFinalize:
		w.finalize()
	}
}

// stopHealthMonitor cancels the periodic snapshot; a nil channel never fires.
func (w *Worker) stopHealthMonitor() {
	if w.health != nil {
		w.health.Stop()
		w.health = nil
		w.healthC = nil
	}
}

// armFlushTimer bounds the wait for the recorder's stopped confirmation. If
// it fires the worker finalizes on its own so buffered audio is not lost.
func (w *Worker) armFlushTimer() {
	w.stopFlushTimer()
	w.flush = time.NewTimer(w.flushAfter)
	w.flushC = w.flush.C
}

func (w *Worker) stopFlushTimer() {
	if w.flush != nil {
		w.flush.Stop()
		w.flush = nil
		w.flushC = nil
	}
}

func (w *Worker) finalize() {
	w.stopFlushTimer()
	filename := RecordingFilename(w.now())
	next, res, err := Finalize(w.state, filename)
	w.state = next
	if err != nil {
		slog.Error("finalize failed", "err", err)
		w.report(bus.Message{
			Target: bus.TargetCoordinator,
			Action: bus.ActionRecordingError,
			Error:  err.Error(),
		})
		w.state = NewRecordingState()
		return
	}

	if !res.HasData {
		slog.Info("finalize: no audio captured")
		w.report(bus.Message{
			Target:  bus.TargetCoordinator,
			Action:  bus.ActionRecordingComplete,
			HasData: false,
		})
	} else {
		slog.Info("finalize: artifact ready", "filename", res.Artifact.Filename, "bytes", res.Artifact.Size)
		w.report(bus.Message{
			Target:   bus.TargetCoordinator,
			Action:   bus.ActionArtifactReady,
			Artifact: res.Artifact.DataURI,
			Filename: res.Artifact.Filename,
			HasData:  true,
		})
	}

	// One recording attempt per state: reset for the next session.
	w.state = NewRecordingState()
}

func (w *Worker) report(m bus.Message) {
	m.SessionID = w.sessionID
	if err := w.outbox.Send(m); err != nil {
		// Coordinator gone or busy; nothing useful to do but note it.
		slog.Debug("report dropped", "action", m.Action, "err", err)
	}
}
