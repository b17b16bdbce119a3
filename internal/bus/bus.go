// Package bus is the message channel between the session coordinator and the
// capture worker. The two run as independent event loops with no shared
// state; everything crosses as a Message tagged with a target and an action.
// Messages a receiver doesn't recognize are dropped, not errored, so several
// listeners can share one channel safely.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type Target string

const (
	TargetWorker      Target = "worker"
	TargetCoordinator Target = "coordinator"
)

type Action string

const (
	ActionStartCapture      Action = "startCapture"
	ActionStopCapture       Action = "stopCapture"
	ActionRecordingStarted  Action = "recordingStarted"
	ActionRecordingError    Action = "recordingError"
	ActionArtifactReady     Action = "artifactReady"
	ActionRecordingComplete Action = "recordingComplete"
)

var (
	// ErrClosed means the queue was shut down (receiver context destroyed).
	ErrClosed = errors.New("bus: queue closed")
	// ErrBusy means the receiver's mailbox is full and the message was dropped.
	ErrBusy = errors.New("bus: queue full")
)

// Message is one envelope on the bus. Payload fields are a union across all
// actions; only the ones relevant to the action are set.
type Message struct {
	Target Target
	Action Action

	// SessionID attributes the message to one capture session. The worker
	// echoes it on reports so a reply arriving after the session was replaced
	// can be told apart from the current session's traffic.
	SessionID string

	Token    string // startCapture
	Error    string // recordingError
	Artifact string // artifactReady: base64 data URI
	Filename string // artifactReady
	HasData  bool   // recordingComplete

	reply chan Reply
}

// Reply is the single acknowledgement for request messages.
type Reply struct {
	OK bool
}

// Ack sends the single reply for a request message. Safe to call on
// fire-and-forget messages (no-op) and safe to call at most once per message.
func (m *Message) Ack(ok bool) {
	if m.reply == nil {
		return
	}
	select {
	case m.reply <- Reply{OK: ok}:
	default:
		// Requester already gave up; drop the ack.
	}
}

// Queue is one direction of the bus: an ordered mailbox from a single sender
// to a single receiver. Sends from the same sender arrive in order; nothing
// is guaranteed across different queues.
type Queue struct {
	ch     chan Message
	mu     sync.Mutex
	closed bool
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 16
	}
	return &Queue{ch: make(chan Message, size)}
}

// Send delivers m fire-and-forget. Delivery is at-most-once: if the receiver
// is gone or its mailbox is full, the message is dropped and an error
// returned for the sender to log or swallow.
func (q *Queue) Send(m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- m:
		return nil
	default:
		return ErrBusy
	}
}

// Request delivers m and waits for its single acknowledgement. The wait is
// bounded by ctx; a receiver that hasn't attached yet surfaces as a deadline
// error, which callers treat as recoverable.
func (q *Queue) Request(ctx context.Context, m Message) (Reply, error) {
	m.reply = make(chan Reply, 1)
	if err := q.Send(m); err != nil {
		return Reply{}, fmt.Errorf("request %s/%s: %w", m.Target, m.Action, err)
	}
	select {
	case r := <-m.reply:
		return r, nil
	case <-ctx.Done():
		return Reply{}, fmt.Errorf("request %s/%s: %w", m.Target, m.Action, ctx.Err())
	}
}

// Receive exposes the mailbox for the receiver's event loop.
func (q *Queue) Receive() <-chan Message {
	return q.ch
}

// Close shuts the queue down. Subsequent sends fail with ErrClosed; messages
// already queued remain readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
