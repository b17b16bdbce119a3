package browser

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/vivek-mule/persona-meet/internal/session"
)

var meetCodeRe = regexp.MustCompile(`^[a-z]{3}-[a-z]{4}-[a-z]{3}$`)

// NormalizeMeetURL accepts a full meeting URL or a bare meeting code
// (xxx-yyyy-zzz) and returns the canonical https URL.
func NormalizeMeetURL(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty meeting url")
	}
	if meetCodeRe.MatchString(s) {
		return "https://meet.google.com/" + s, nil
	}
	if strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://") {
		if !strings.Contains(s, "meet.google.com/") {
			return "", fmt.Errorf("not a meet url: %s", s)
		}
		return s, nil
	}
	if strings.HasPrefix(s, "meet.google.com/") {
		return "https://" + s, nil
	}
	return "", fmt.Errorf("unrecognized meeting url or code: %s", s)
}

// Meet drives the join flow and end detection on a meeting tab.
type Meet struct {
	bridge *Bridge

	// PollEvery is the cadence for UI polling during the join flow.
	PollEvery time.Duration
	// JoinTimeout bounds the wait for the pre-join screen and for admission.
	JoinTimeout time.Duration
}

func NewMeet(b *Bridge) *Meet {
	return &Meet{
		bridge:      b,
		PollEvery:   2 * time.Second,
		JoinTimeout: 90 * time.Second,
	}
}

// Join walks the pre-join flow: wait for the lobby UI, turn the mic and
// camera off, fill the guest name, press join, then wait for admission.
func (m *Meet) Join(ctx context.Context, tabID, botName string) error {
	tabCtx, _, err := m.bridge.TabContext(tabID)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}

	if err := m.waitFor(ctx, tabCtx, detectPreJoinScript, "pre-join screen"); err != nil {
		return err
	}

	var dismissed int
	if err := chromedp.Run(tabCtx, chromedp.Evaluate(dismissPopupsScript, &dismissed)); err == nil && dismissed > 0 {
		slog.Debug("dismissed popups", "count", dismissed)
	}

	// Toggles can re-render after a click, so retry a few times until the
	// script finds nothing left to turn off.
	for attempt := 0; attempt < 3; attempt++ {
		var clicked int
		if err := chromedp.Run(tabCtx, chromedp.Evaluate(disableMediaScript, &clicked)); err != nil {
			slog.Debug("disable media", "attempt", attempt, "err", err)
		}
		if clicked == 0 && attempt > 0 {
			break
		}
		m.pause(ctx, 500*time.Millisecond)
	}

	if botName != "" {
		var ok bool
		expr := setNameScript + fmt.Sprintf("(%q)", botName)
		if err := chromedp.Run(tabCtx, chromedp.Evaluate(expr, &ok)); err != nil || !ok {
			slog.Debug("guest name not set", "err", err)
		}
	}

	var joined bool
	for attempt := 0; attempt < 5 && !joined; attempt++ {
		if err := chromedp.Run(tabCtx, chromedp.Evaluate(clickJoinScript, &joined)); err != nil {
			slog.Debug("click join", "attempt", attempt, "err", err)
		}
		if !joined {
			m.pause(ctx, m.PollEvery)
		}
	}
	if !joined {
		return fmt.Errorf("join: join button never appeared")
	}
	slog.Info("join requested", "tab", tabID, "name", botName)

	// Admission can take a while when a human has to let us in.
	if err := m.waitFor(ctx, tabCtx, detectInCallScript, "admission"); err != nil {
		return err
	}
	slog.Info("joined meeting", "tab", tabID)
	return nil
}

// MonitorEnd polls the tab until the meeting ends or the tab goes away, then
// reports once through notify and returns.
func (m *Meet) MonitorEnd(ctx context.Context, tabID string, every time.Duration, notify func(session.EventKind)) {
	tabCtx, _, err := m.bridge.TabContext(tabID)
	if err != nil {
		notify(session.EventSourceClosed)
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	errStreak := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var ended bool
		if err := chromedp.Run(tabCtx, chromedp.Evaluate(detectEndScript, &ended)); err != nil {
			errStreak++
			if errStreak >= 3 {
				// Tab closed or navigated somewhere we can't evaluate.
				slog.Info("meeting tab unreachable", "tab", tabID, "err", err)
				notify(session.EventSourceClosed)
				return
			}
			continue
		}
		errStreak = 0

		if ended {
			slog.Info("meeting ended", "tab", tabID)
			notify(session.EventEnded)
			return
		}
	}
}

// waitFor polls script until it evaluates true, bounded by JoinTimeout.
func (m *Meet) waitFor(ctx context.Context, tabCtx context.Context, script, what string) error {
	deadline := time.Now().Add(m.JoinTimeout)
	for {
		var ok bool
		if err := chromedp.Run(tabCtx, chromedp.Evaluate(script, &ok)); err != nil {
			slog.Debug("poll", "what", what, "err", err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("join: timed out waiting for %s", what)
		}
		if err := m.pause(ctx, m.PollEvery); err != nil {
			return err
		}
	}
}

func (m *Meet) pause(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
