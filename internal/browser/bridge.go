// Package browser drives the Chrome instance that hosts the meeting page:
// launching or attaching over CDP, keeping a registry of tab contexts,
// injecting the stealth and recorder scripts before page scripts run, and
// implementing the media-source and join-automation surfaces on top.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cdp "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

const targetTypePage = "page"

type tabEntry struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Options configures the Chrome connection.
type Options struct {
	// CDPURL attaches to a running Chrome instead of launching one.
	CDPURL string
	// ProfileDir is the user-data dir for the launched instance.
	ProfileDir string
	Headless   bool
}

// Bridge owns the browser connection and the per-tab context registry. Tab
// contexts are created lazily and reused; the recorder init scripts are
// injected once per context so they run on every subsequent document.
type Bridge struct {
	allocCtx     context.Context
	allocCancel  context.CancelFunc
	browserCtx   context.Context
	browserStop  context.CancelFunc
	tabs         map[string]*tabEntry
	mu           sync.RWMutex
}

// Start connects to Chrome. With a CDP URL it attaches remotely; otherwise
// it launches a local instance with the media flags a bot session needs
// (fake media-permission UI, autoplay without gesture, automation hints off).
func Start(ctx context.Context, opts Options) (*Bridge, error) {
	b := &Bridge{tabs: make(map[string]*tabEntry)}

	if opts.CDPURL != "" {
		slog.Info("attaching to Chrome", "cdp", opts.CDPURL)
		b.allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(ctx, opts.CDPURL)
	} else {
		if opts.ProfileDir != "" {
			if err := prepareProfile(opts.ProfileDir); err != nil {
				slog.Warn("profile preparation failed", "err", err)
			}
		}
		slog.Info("launching Chrome", "profile", opts.ProfileDir, "headless", opts.Headless)

		execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.UserDataDir(opts.ProfileDir),
			chromedp.Flag("no-first-run", true),
			chromedp.Flag("disable-popup-blocking", true),
			chromedp.Flag("use-fake-ui-for-media-stream", true),
			chromedp.Flag("use-fake-device-for-media-stream", true),
			chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.WindowSize(1280, 720),
		)
		if opts.Headless {
			execOpts = append(execOpts, chromedp.Headless)
		} else {
			execOpts = append(execOpts, chromedp.Flag("headless", false))
		}
		b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(ctx, execOpts...)
	}

	browserCtx, browserStop := chromedp.NewContext(b.allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserStop()
		b.allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	b.browserCtx = browserCtx
	b.browserStop = browserStop

	// Register the initial tab.
	initID := string(chromedp.FromContext(browserCtx).Target.TargetID)
	b.injectInit(browserCtx)
	b.tabs[initID] = &tabEntry{ctx: browserCtx}
	slog.Info("browser ready", "initialTab", initID)

	return b, nil
}

// Stop tears the browser connection down.
func (b *Bridge) Stop() {
	b.mu.Lock()
	for id, entry := range b.tabs {
		if entry.cancel != nil {
			entry.cancel()
		}
		delete(b.tabs, id)
	}
	b.mu.Unlock()
	if b.browserStop != nil {
		b.browserStop()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
}

// injectInit registers the stealth and recorder scripts to run on every new
// document in this tab context, then evaluates them against the current
// document too so an already-loaded page gets the same API.
func (b *Bridge) injectInit(ctx context.Context) {
	for _, script := range []string{stealthScript, recorderScript} {
		script := script
		if err := chromedp.Run(ctx,
			chromedp.ActionFunc(func(ctx context.Context) error {
				if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
					return err
				}
				return chromedp.Evaluate(script, nil).Do(ctx)
			}),
		); err != nil {
			slog.Warn("init script injection failed", "err", err)
		}
	}
}

// TabContext returns (creating if needed) the chromedp context for tabID.
// An empty tabID resolves to the first open page.
func (b *Bridge) TabContext(tabID string) (context.Context, string, error) {
	if tabID == "" {
		targets, err := b.ListTargets()
		if err != nil {
			return nil, "", fmt.Errorf("list targets: %w", err)
		}
		if len(targets) == 0 {
			return nil, "", fmt.Errorf("no tabs open")
		}
		tabID = string(targets[0].TargetID)
	}

	b.mu.RLock()
	if entry, ok := b.tabs[tabID]; ok && entry.ctx != nil {
		b.mu.RUnlock()
		return entry.ctx, tabID, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if entry, ok := b.tabs[tabID]; ok && entry.ctx != nil {
		return entry.ctx, tabID, nil
	}
	if b.browserCtx == nil {
		return nil, "", fmt.Errorf("no browser connection")
	}

	ctx, cancel := chromedp.NewContext(b.browserCtx,
		chromedp.WithTargetID(target.ID(tabID)),
	)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, "", fmt.Errorf("tab %s not found: %w", tabID, err)
	}

	b.injectInit(ctx)
	b.tabs[tabID] = &tabEntry{ctx: ctx, cancel: cancel}
	return ctx, tabID, nil
}

// CreateTab opens a new tab, already carrying the init scripts, and
// navigates it to url (about:blank when empty).
func (b *Bridge) CreateTab(url string) (string, error) {
	if b.browserCtx == nil {
		return "", fmt.Errorf("no browser context available")
	}
	ctx, cancel := chromedp.NewContext(b.browserCtx)

	navURL := "about:blank"
	if url != "" {
		navURL = url
	}
	if err := chromedp.Run(ctx, chromedp.Navigate(navURL)); err != nil {
		cancel()
		return "", fmt.Errorf("new tab: %w", err)
	}
	b.injectInit(ctx)

	tabID := string(chromedp.FromContext(ctx).Target.TargetID)
	b.mu.Lock()
	b.tabs[tabID] = &tabEntry{ctx: ctx, cancel: cancel}
	b.mu.Unlock()

	return tabID, nil
}

// CloseTab closes the target and drops it from the registry.
func (b *Bridge) CloseTab(tabID string) error {
	b.mu.Lock()
	entry, tracked := b.tabs[tabID]
	b.mu.Unlock()

	if tracked && entry.cancel != nil {
		entry.cancel()
	}

	closeCtx, closeCancel := context.WithTimeout(b.browserCtx, 5*time.Second)
	defer closeCancel()

	if err := target.CloseTarget(target.ID(tabID)).Do(cdp.WithExecutor(closeCtx, chromedp.FromContext(closeCtx).Browser)); err != nil {
		if !tracked {
			return nil
		}
		slog.Debug("close target CDP", "tabId", tabID, "err", err)
	}

	b.mu.Lock()
	delete(b.tabs, tabID)
	b.mu.Unlock()
	return nil
}

// ListTargets returns the open page targets.
func (b *Bridge) ListTargets() ([]*target.Info, error) {
	if b.browserCtx == nil {
		return nil, fmt.Errorf("no browser connection")
	}
	var targets []*target.Info
	if err := chromedp.Run(b.browserCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			targets, err = target.GetTargets().Do(ctx)
			return err
		}),
	); err != nil {
		return nil, fmt.Errorf("get targets: %w", err)
	}

	pages := make([]*target.Info, 0)
	for _, t := range targets {
		if t.Type == targetTypePage {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// CleanStaleTabs drops registry entries whose targets are gone. Runs until
// ctx is done.
func (b *Bridge) CleanStaleTabs(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		targets, err := b.ListTargets()
		if err != nil {
			continue
		}
		alive := make(map[string]bool, len(targets))
		for _, t := range targets {
			alive[string(t.TargetID)] = true
		}

		b.mu.Lock()
		for id, entry := range b.tabs {
			if !alive[id] {
				if entry.cancel != nil {
					entry.cancel()
				}
				delete(b.tabs, id)
				slog.Info("cleaned stale tab", "id", id)
			}
		}
		b.mu.Unlock()
	}
}
