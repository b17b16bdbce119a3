// Package app assembles the pipeline: browser bridge, page media source,
// capture worker, session coordinator, delivery, and the HTTP control plane.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vivek-mule/persona-meet/internal/browser"
	"github.com/vivek-mule/persona-meet/internal/bus"
	"github.com/vivek-mule/persona-meet/internal/capture"
	"github.com/vivek-mule/persona-meet/internal/config"
	"github.com/vivek-mule/persona-meet/internal/delivery"
	"github.com/vivek-mule/persona-meet/internal/server"
	"github.com/vivek-mule/persona-meet/internal/session"
)

type App struct {
	Cfg         *config.Config
	Bridge      *browser.Bridge
	Source      *browser.PageSource
	Meet        *browser.Meet
	Worker      *capture.Worker
	Coordinator *session.Coordinator
	Server      *server.Server
}

// New connects to Chrome and wires the pipeline. The returned App still
// needs Run to start its event loops.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	bridge, err := browser.Start(ctx, browser.Options{
		CDPURL:     cfg.CDPURL,
		ProfileDir: cfg.ProfileDir,
		Headless:   cfg.Headless,
	})
	if err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}

	source := browser.NewPageSource(bridge, cfg.ChunkEvery)
	meet := browser.NewMeet(bridge)

	toWorker := bus.NewQueue(16)
	fromWorker := bus.NewQueue(16)

	worker := capture.NewWorker(source, toWorker, fromWorker, cfg.HealthEvery)
	saver := delivery.NewFileSaver(cfg.RecordingsDir)

	coord := session.NewCoordinator(source, source, source, saver, toWorker, fromWorker, session.Config{
		SettleDelay:  cfg.SettleDelay,
		TokenTimeout: cfg.TokenTimeout,
		StatusEvery:  cfg.EndCheckEvery,
	})

	srv := server.New(ctx, coord, worker, bridge, meet, cfg.AuthToken, cfg.BotName, cfg.EndCheckEvery)

	return &App{
		Cfg:         cfg,
		Bridge:      bridge,
		Source:      source,
		Meet:        meet,
		Worker:      worker,
		Coordinator: coord,
		Server:      srv,
	}, nil
}

// StartLoops launches the worker, coordinator and tab-janitor loops.
func (a *App) StartLoops(ctx context.Context) {
	go a.Worker.Run(ctx)
	go a.Coordinator.Run(ctx)
	go a.Bridge.CleanStaleTabs(ctx, a.Cfg.TabCleanupEvery)
}

// Serve runs the HTTP control plane until ctx is done, then shuts it down
// gracefully and tears the browser down.
func (a *App) Serve(ctx context.Context) error {
	a.StartLoops(ctx)

	httpSrv := &http.Server{
		Addr:    ":" + a.Cfg.Port,
		Handler: a.Server.Handler(),
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
		a.Bridge.Stop()
	}()

	slog.Info("control plane listening", "port", a.Cfg.Port, "auth", a.Cfg.AuthToken != "")
	if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// JoinAndRecord drives one full session from the CLI: open a fresh tab,
// open the session (token first, then navigation), walk the join flow, and
// block until the meeting ends and the recording is finalized.
func (a *App) JoinAndRecord(ctx context.Context, meetingURL string) error {
	a.StartLoops(ctx)
	defer a.Bridge.Stop()

	url, err := browser.NormalizeMeetURL(meetingURL)
	if err != nil {
		return err
	}

	tabID, err := a.Bridge.CreateTab("")
	if err != nil {
		return fmt.Errorf("create tab: %w", err)
	}

	sess, err := a.Coordinator.OpenSession(ctx, tabID, url)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	slog.Info("session opened", "session", sess.ID, "url", url)

	if err := a.Meet.Join(ctx, tabID, a.Cfg.BotName); err != nil {
		a.Coordinator.NotifySessionEvent(ctx, session.EventStopped)
		return fmt.Errorf("join: %w", err)
	}
	a.Coordinator.NotifySessionEvent(ctx, session.EventJoined)

	a.Meet.MonitorEnd(ctx, tabID, a.Cfg.EndCheckEvery, func(kind session.EventKind) {
		a.Coordinator.NotifySessionEvent(ctx, kind)
	})

	return a.waitForFinalize(ctx, 30*time.Second)
}

// waitForFinalize polls until the coordinator returns to idle, meaning the
// artifact was delivered (or the session ended without data).
func (a *App) waitForFinalize(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		sess := a.Coordinator.Session()
		if sess.Status == session.StatusIdle || sess.Status == session.StatusError {
			if sess.SavedPath != "" {
				slog.Info("done", "recording", sess.SavedPath)
			} else {
				slog.Info("done", "outcome", sess.LastOutcome)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("recording never finalized (status %s)", sess.Status)
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
