package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/tidwall/gjson"

	"github.com/vivek-mule/persona-meet/internal/capture"
	"github.com/vivek-mule/persona-meet/internal/session"
)

// PageSource adapts one meeting tab into the capture pipeline's media source
// and the coordinator's token, worker-host and navigation facilities. The
// in-page recorder delivers its events through a CDP binding; PageSource
// decodes them and forwards them on a single long-lived channel that the
// capture worker consumes across sessions.
type PageSource struct {
	bridge    *Bridge
	timeslice time.Duration

	events chan capture.Event

	mu       sync.Mutex
	tabID    string
	attached bool
}

func NewPageSource(bridge *Bridge, timeslice time.Duration) *PageSource {
	if timeslice <= 0 {
		timeslice = 3 * time.Second
	}
	return &PageSource{
		bridge:    bridge,
		timeslice: timeslice,
		events:    make(chan capture.Event, 64),
	}
}

// Issue mints a one-time capture token in the page. Must run before the tab
// navigates away from the document holding the permission window; the token
// itself survives navigation because the recorder script reinstalls on every
// new document with the token set intact held in the tab context.
func (p *PageSource) Issue(ctx context.Context, sourceID string) (string, error) {
	tabCtx, _, err := p.bridge.TabContext(sourceID)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}

	var token string
	if err := chromedp.Run(tabCtx,
		chromedp.Evaluate(`window.__meetRecorder.issueToken()`, &token),
	); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	if token == "" {
		return "", errors.New("issue token: empty token")
	}
	return token, nil
}

// EnsureWorker attaches the recorder event binding to the tab. Idempotent:
// a second attach on the same tab reports session.ErrWorkerExists.
func (p *PageSource) EnsureWorker(ctx context.Context, sourceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attached && p.tabID == sourceID {
		return session.ErrWorkerExists
	}

	tabCtx, tabID, err := p.bridge.TabContext(sourceID)
	if err != nil {
		return fmt.Errorf("ensure worker: %w", err)
	}

	if err := chromedp.Run(tabCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return runtime.AddBinding(bindingName).Do(ctx)
		}),
	); err != nil {
		return fmt.Errorf("ensure worker: add binding: %w", err)
	}

	chromedp.ListenTarget(tabCtx, func(ev any) {
		bc, ok := ev.(*runtime.EventBindingCalled)
		if !ok || bc.Name != bindingName {
			return
		}
		p.deliver(bc.Payload)
	})

	p.tabID = tabID
	p.attached = true
	return nil
}

// DestroyWorker releases the page recorder and detaches the source from the
// tab. The event channel stays open for the next session.
func (p *PageSource) DestroyWorker(ctx context.Context, sourceID string) error {
	p.mu.Lock()
	tabID := p.tabID
	p.attached = false
	p.tabID = ""
	p.mu.Unlock()

	if tabID == "" {
		return nil
	}
	tabCtx, _, err := p.bridge.TabContext(tabID)
	if err != nil {
		return nil // tab already gone
	}
	if err := chromedp.Run(tabCtx,
		chromedp.Evaluate(`window.__meetRecorder.release()`, nil),
	); err != nil {
		slog.Debug("recorder release", "err", err)
	}
	return nil
}

// Navigate moves the tab to url.
func (p *PageSource) Navigate(ctx context.Context, sourceID, url string) error {
	tabCtx, _, err := p.bridge.TabContext(sourceID)
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := chromedp.Run(tabCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

// Acquire hands the token to the in-page recorder and starts chunked
// recording. The recorder consumes the token even when it then fails.
func (p *PageSource) Acquire(ctx context.Context, token string) (capture.AcquireInfo, error) {
	p.mu.Lock()
	tabID := p.tabID
	attached := p.attached
	p.mu.Unlock()

	if !attached {
		return capture.AcquireInfo{}, errors.New("acquire: no worker attached")
	}
	tabCtx, _, err := p.bridge.TabContext(tabID)
	if err != nil {
		return capture.AcquireInfo{}, fmt.Errorf("acquire: %w", err)
	}

	expr := fmt.Sprintf(`window.__meetRecorder.start(%q, %d)`, token, p.timeslice.Milliseconds())
	var raw string
	if err := chromedp.Run(tabCtx, chromedp.Evaluate(expr, &raw)); err != nil {
		return capture.AcquireInfo{}, fmt.Errorf("acquire: %w", err)
	}

	res := gjson.Parse(raw)
	if !res.Get("ok").Bool() {
		msg := res.Get("error").String()
		if msg == "" {
			msg = "recorder start failed"
		}
		return capture.AcquireInfo{}, errors.New(msg)
	}
	return capture.AcquireInfo{
		Tracks: int(res.Get("tracks").Int()),
		Mime:   res.Get("mime").String(),
	}, nil
}

// SignalStop asks the recorder to stop; its own stopped event follows on
// Events once buffered data is flushed.
func (p *PageSource) SignalStop(ctx context.Context) error {
	return p.evalOnTab(`window.__meetRecorder.stop()`)
}

// Release drops all mixed tracks and closes the page audio graph.
func (p *PageSource) Release(ctx context.Context) error {
	return p.evalOnTab(`window.__meetRecorder.release()`)
}

// Events delivers decoded recorder events in emission order.
func (p *PageSource) Events() <-chan capture.Event {
	return p.events
}

func (p *PageSource) evalOnTab(expr string) error {
	p.mu.Lock()
	tabID := p.tabID
	p.mu.Unlock()
	if tabID == "" {
		return errors.New("no tab attached")
	}
	tabCtx, _, err := p.bridge.TabContext(tabID)
	if err != nil {
		return err
	}
	return chromedp.Run(tabCtx, chromedp.Evaluate(expr, nil))
}

// deliver decodes one binding payload and forwards it. A full event buffer
// drops the event rather than blocking the CDP dispatch goroutine.
func (p *PageSource) deliver(payload string) {
	ev, ok := parseRecorderEvent(payload)
	if !ok {
		slog.Debug("unparseable recorder event", "payload", payload)
		return
	}
	select {
	case p.events <- ev:
	default:
		slog.Warn("recorder event dropped, buffer full", "kind", ev.Kind)
	}
}

// parseRecorderEvent maps a recorder binding payload onto a capture event.
func parseRecorderEvent(payload string) (capture.Event, bool) {
	res := gjson.Parse(payload)
	switch res.Get("kind").String() {
	case "chunk":
		data, err := base64.StdEncoding.DecodeString(res.Get("data").String())
		if err != nil {
			return capture.Event{}, false
		}
		return capture.Event{Kind: capture.EventChunk, Chunk: capture.Chunk{Data: data}}, true
	case "trackEnded":
		return capture.Event{Kind: capture.EventTrackEnded}, true
	case "recorderError":
		return capture.Event{Kind: capture.EventRecorderError, Err: res.Get("error").String()}, true
	case "recorderStopped":
		return capture.Event{Kind: capture.EventRecorderStopped}, true
	default:
		return capture.Event{}, false
	}
}
