// Package session holds the long-lived orchestrator for one recording
// attempt at a time: it acquires the one-time capture token while the
// pre-navigation permission window is still open, brings up the capture
// worker's hosting context, drives start/stop over the bus, and hands the
// finalized artifact to delivery.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vivek-mule/persona-meet/internal/bus"
)

// Status is the coordinator-held session status.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusTokenAcquired Status = "token-acquired"
	StatusCapturing     Status = "capturing"
	StatusStopping      Status = "stopping"
	StatusFinalized     Status = "finalized"
	StatusError         Status = "error"
)

// EventKind is a session lifecycle signal from the automation layer.
type EventKind string

const (
	EventJoined       EventKind = "joined"
	EventEnded        EventKind = "ended"
	EventStopped      EventKind = "stopped"
	EventSourceClosed EventKind = "sourceClosed"
)

// ErrWorkerExists is returned by WorkerHost.EnsureWorker when the hosting
// context is already up. The coordinator treats it the same as success.
var ErrWorkerExists = errors.New("worker context already exists")

// CaptureSession is the record of one recording attempt. At most one session
// is capturing at any time; opening a new one stops the old one first.
type CaptureSession struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"sourceId"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	WorkerReady bool      `json:"workerReady"`
	TokenError  string    `json:"tokenError,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	LastOutcome string    `json:"lastOutcome,omitempty"`
	SavedPath   string    `json:"savedPath,omitempty"`

	// CaptureDeferred marks a pre-join start attempt that found no media yet;
	// the joined event retries it. Errors from that attempt are expected and
	// kept out of LastError.
	CaptureDeferred bool `json:"captureDeferred,omitempty"`

	// token is held only between acquisition and hand-off to the worker;
	// it is cleared the moment it is placed on the bus so no retry path can
	// resend a consumed token.
	token string
}

// TokenIssuer is the host capture-authorization facility. Issue must be
// called while the caller still holds the ambient permission window on the
// source; the returned token stays valid after the window lapses, until
// first consumed.
type TokenIssuer interface {
	Issue(ctx context.Context, sourceID string) (string, error)
}

// WorkerHost creates and destroys the capture worker's hosting context.
type WorkerHost interface {
	// EnsureWorker is idempotent: ErrWorkerExists counts as success.
	EnsureWorker(ctx context.Context, sourceID string) error
	DestroyWorker(ctx context.Context, sourceID string) error
}

// Navigator moves the captured source to its final destination.
type Navigator interface {
	Navigate(ctx context.Context, sourceID, url string) error
}

// Saver persists a finalized artifact. The artifact arrives in its data-URI
// transport encoding; Save decodes and writes it.
type Saver interface {
	Save(dataURI, filename string) (path string, err error)
}

// Config carries the coordinator's timing knobs.
type Config struct {
	// SettleDelay is the fixed wait after creating the worker context for
	// its message listener to attach.
	SettleDelay time.Duration
	// TokenTimeout bounds the token acquisition round trip.
	TokenTimeout time.Duration
	// AckTimeout bounds the wait for the worker's startCapture reply.
	AckTimeout time.Duration
	// StatusEvery is the periodic status-monitor cadence while capturing.
	StatusEvery time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SettleDelay <= 0 {
		out.SettleDelay = 500 * time.Millisecond
	}
	if out.TokenTimeout <= 0 {
		out.TokenTimeout = 10 * time.Second
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = 5 * time.Second
	}
	if out.StatusEvery <= 0 {
		out.StatusEvery = 3 * time.Second
	}
	return out
}

// Coordinator routes session lifecycle events to the capture pipeline.
// Local failures (token refusal, delivery failure) update session state and
// are surfaced to the status layer; they never crash the coordinator, which
// must stay ready for the next OpenSession.
type Coordinator struct {
	issuer TokenIssuer
	host   WorkerHost
	nav    Navigator
	saver  Saver

	toWorker   *bus.Queue // coordinator → worker
	fromWorker *bus.Queue // worker → coordinator

	cfg Config

	mu          sync.Mutex
	sess        CaptureSession
	monitorStop chan struct{}
}

func NewCoordinator(issuer TokenIssuer, host WorkerHost, nav Navigator, saver Saver, toWorker, fromWorker *bus.Queue, cfg Config) *Coordinator {
	return &Coordinator{
		issuer:     issuer,
		host:       host,
		nav:        nav,
		saver:      saver,
		toWorker:   toWorker,
		fromWorker: fromWorker,
		cfg:        cfg.withDefaults(),
		sess:       CaptureSession{Status: StatusIdle},
	}
}

// Session returns a copy of the current session record.
func (c *Coordinator) Session() CaptureSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// OpenSession begins a new recording attempt on sourceID. If a prior session
// is still capturing it is stopped first. The capture token is requested
// before any navigation, because navigating the source revokes the ambient
// permission that authorizes issuance; the issued token itself survives the
// navigation. Token failure is non-fatal: the session proceeds without
// capture and the joined-event fallback may retry later.
func (c *Coordinator) OpenSession(ctx context.Context, sourceID, navigateTo string) (CaptureSession, error) {
	c.mu.Lock()

	if c.sess.Status == StatusCapturing {
		slog.Info("open session: stopping previous session first", "prev", c.sess.ID)
		c.stopLocked(ctx)
	}

	c.sess = CaptureSession{
		ID:       uuid.NewString(),
		SourceID: sourceID,
		Status:   StatusIdle,
	}

	tctx, tcancel := context.WithTimeout(ctx, c.cfg.TokenTimeout)
	token, err := c.issuer.Issue(tctx, sourceID)
	tcancel()
	if err != nil {
		// Proceed without capture; record for later reporting. A retry via
		// the joined fallback will likely fail too once the permission
		// window has lapsed, but it costs nothing to leave the door open.
		c.sess.TokenError = err.Error()
		slog.Warn("capture token acquisition failed; continuing without capture", "err", err)
	} else {
		c.sess.token = token
		c.sess.Status = StatusTokenAcquired
		c.startPipelineLocked(ctx)
	}

	snapshot := c.sess
	c.mu.Unlock()

	// Only now move the source to its destination; the token (if any) is
	// already ours and stays valid across the navigation.
	if navigateTo != "" {
		if err := c.nav.Navigate(ctx, sourceID, navigateTo); err != nil {
			return snapshot, err
		}
	}
	return snapshot, nil
}

// startPipelineLocked brings up the worker context and hands it the token.
// Caller holds c.mu and guarantees c.sess.token is set.
func (c *Coordinator) startPipelineLocked(ctx context.Context) {
	if err := c.host.EnsureWorker(ctx, c.sess.SourceID); err != nil && !errors.Is(err, ErrWorkerExists) {
		c.sess.LastError = err.Error()
		slog.Error("worker context create failed", "err", err)
		return
	}

	// Give the worker's message listener a moment to attach.
	select {
	case <-time.After(c.cfg.SettleDelay):
	case <-ctx.Done():
		return
	}

	msg := bus.Message{
		Target:    bus.TargetWorker,
		Action:    bus.ActionStartCapture,
		SessionID: c.sess.ID,
		Token:     c.sess.token,
	}
	// Single-use discipline: the token is spent the moment it goes on the
	// bus. Clear it before we know the outcome so no path can resend it.
	c.sess.token = ""

	actx, acancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
	reply, err := c.toWorker.Request(actx, msg)
	acancel()
	if err != nil || !reply.OK {
		// Before joining there is usually no media to capture yet; defer and
		// let the joined event retry with a fresh token. The worker reports
		// errors independently over the bus.
		c.sess.CaptureDeferred = true
		slog.Info("startCapture not confirmed; deferring until joined", "err", err, "ok", reply.OK)
		return
	}

	c.sess.Status = StatusCapturing
	c.sess.StartedAt = time.Now()
	c.sess.WorkerReady = true
	c.sess.CaptureDeferred = false
	c.startMonitorLocked()
	slog.Info("capture started", "session", c.sess.ID, "source", c.sess.SourceID)
}

// NotifySessionEvent routes a lifecycle signal. joined triggers the
// late-start fallback only when capture isn't already active; ended, stopped
// and sourceClosed all stop the pipeline.
func (c *Coordinator) NotifySessionEvent(ctx context.Context, kind EventKind) {
	switch kind {
	case EventJoined:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.sess.Status == StatusCapturing {
			// Status confirmation, not a new start.
			slog.Debug("joined while capturing; no-op")
			return
		}
		c.lateStartLocked(ctx)

	case EventEnded, EventStopped, EventSourceClosed:
		slog.Info("session event", "kind", kind)
		c.StopCapture(ctx)

	default:
		slog.Debug("unknown session event ignored", "kind", kind)
	}
}

// lateStartLocked retries capture after joining, covering the case where
// pre-navigation token acquisition failed. Without the ambient permission
// window this will usually fail; that is expected and non-fatal.
func (c *Coordinator) lateStartLocked(ctx context.Context) {
	if c.sess.SourceID == "" {
		return
	}
	if c.sess.token == "" {
		tctx, tcancel := context.WithTimeout(ctx, c.cfg.TokenTimeout)
		token, err := c.issuer.Issue(tctx, c.sess.SourceID)
		tcancel()
		if err != nil {
			c.sess.TokenError = err.Error()
			slog.Warn("late-start token acquisition failed", "err", err)
			return
		}
		c.sess.token = token
		c.sess.Status = StatusTokenAcquired
	}
	slog.Info("late-start capture attempt", "session", c.sess.ID)
	c.startPipelineLocked(ctx)
}

// StopCapture signals the worker to stop and clears the local capturing
// state. The worker being absent is tolerated: it self-finalizes on its own
// track-end detection, so a failed send is swallowed.
func (c *Coordinator) StopCapture(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(ctx)
}

func (c *Coordinator) stopLocked(_ context.Context) {
	if c.sess.WorkerReady {
		if err := c.toWorker.Send(bus.Message{
			Target: bus.TargetWorker,
			Action: bus.ActionStopCapture,
		}); err != nil {
			slog.Debug("stop message not delivered", "err", err)
		}
	}
	if c.sess.Status == StatusCapturing {
		c.sess.Status = StatusStopping
	}
	c.stopMonitorLocked()
}

// Run consumes worker reports until ctx is done or the queue closes.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.fromWorker.Receive():
			if !ok {
				return
			}
			c.handleWorkerMessage(ctx, msg)
		}
	}
}

func (c *Coordinator) handleWorkerMessage(ctx context.Context, msg bus.Message) {
	if msg.Target != bus.TargetCoordinator {
		return
	}
	switch msg.Action {
	case bus.ActionRecordingStarted:
		c.mu.Lock()
		if c.staleLocked(msg) {
			slog.Debug("recordingStarted from superseded session ignored", "session", msg.SessionID)
		} else {
			slog.Info("worker reports recording started")
			c.sess.WorkerReady = true
		}
		c.mu.Unlock()

	case bus.ActionRecordingError:
		c.mu.Lock()
		switch {
		case c.staleLocked(msg):
			slog.Debug("recordingError from superseded session ignored", "session", msg.SessionID, "err", msg.Error)
		case c.sess.CaptureDeferred && c.sess.Status != StatusCapturing:
			// Expected failure of the pre-join attempt; the joined retry is
			// the real start, so don't surface it as a session error.
			slog.Info("pre-join capture attempt failed; retrying after join", "err", msg.Error)
		default:
			slog.Error("worker reports recording error", "err", msg.Error)
			c.sess.LastError = msg.Error
			if c.sess.Status != StatusCapturing {
				c.sess.Status = StatusError
			}
		}
		c.mu.Unlock()

	case bus.ActionArtifactReady:
		c.onArtifactReady(ctx, msg)

	case bus.ActionRecordingComplete:
		if !msg.HasData {
			c.onArtifactEmpty(ctx, msg)
		}

	default:
		// Shared channel: drop combinations we don't recognize.
	}
}

// staleLocked reports whether msg belongs to a session that has since been
// replaced. Untagged messages are treated as current-session traffic.
func (c *Coordinator) staleLocked(msg bus.Message) bool {
	return msg.SessionID != "" && msg.SessionID != c.sess.ID
}

// onArtifactReady persists the artifact, then tears the worker context down
// and resets to idle regardless of delivery outcome. An artifact from a
// superseded session is still saved, but the current session is left alone.
func (c *Coordinator) onArtifactReady(ctx context.Context, msg bus.Message) {
	path, err := c.saver.Save(msg.Artifact, msg.Filename)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.staleLocked(msg) {
		if err != nil {
			slog.Error("late artifact delivery failed", "session", msg.SessionID, "filename", msg.Filename, "err", err)
		} else {
			slog.Info("late artifact saved", "session", msg.SessionID, "path", path)
		}
		return
	}

	if err != nil {
		c.sess.LastError = err.Error()
		c.sess.LastOutcome = "delivery failed"
		slog.Error("artifact delivery failed", "filename", msg.Filename, "err", err)
	} else {
		c.sess.SavedPath = path
		c.sess.LastOutcome = "saved"
		slog.Info("recording saved", "path", path)
	}
	c.sess.Status = StatusFinalized
	c.teardownLocked(ctx)
}

// onArtifactEmpty ends the session with a "no audio captured" outcome.
func (c *Coordinator) onArtifactEmpty(ctx context.Context, msg bus.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staleLocked(msg) {
		slog.Debug("empty completion from superseded session ignored", "session", msg.SessionID)
		return
	}
	slog.Info("session complete: no audio captured")
	c.sess.LastOutcome = "no audio captured"
	c.sess.Status = StatusFinalized
	c.teardownLocked(ctx)
}

func (c *Coordinator) teardownLocked(ctx context.Context) {
	if err := c.host.DestroyWorker(ctx, c.sess.SourceID); err != nil {
		slog.Debug("worker teardown", "err", err)
	}
	c.sess.WorkerReady = false
	c.sess.token = ""
	c.sess.Status = StatusIdle
	c.stopMonitorLocked()
}

// startMonitorLocked runs the periodic status monitor for the life of the
// capture; StopCapture and teardown cancel it.
func (c *Coordinator) startMonitorLocked() {
	c.stopMonitorLocked()
	stop := make(chan struct{})
	c.monitorStop = stop
	id := c.sess.ID
	started := c.sess.StartedAt
	every := c.cfg.StatusEvery

	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				status := c.sess.Status
				c.mu.Unlock()
				slog.Debug("session status",
					"session", id,
					"status", status,
					"elapsed", time.Since(started).Round(time.Second))
			}
		}
	}()
}

func (c *Coordinator) stopMonitorLocked() {
	if c.monitorStop != nil {
		close(c.monitorStop)
		c.monitorStop = nil
	}
}
