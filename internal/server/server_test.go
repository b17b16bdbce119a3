package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vivek-mule/persona-meet/internal/capture"
	"github.com/vivek-mule/persona-meet/internal/session"
)

type fakeCoord struct {
	mu      sync.Mutex
	sess    session.CaptureSession
	opened  []string
	stopped int
	events  []session.EventKind
}

func (f *fakeCoord) OpenSession(_ context.Context, sourceID, navigateTo string) (session.CaptureSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, navigateTo)
	f.sess = session.CaptureSession{ID: "s-1", SourceID: sourceID, Status: session.StatusCapturing}
	return f.sess, nil
}

func (f *fakeCoord) StopCapture(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeCoord) NotifySessionEvent(_ context.Context, kind session.EventKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, kind)
}

func (f *fakeCoord) Session() session.CaptureSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sess
}

type fakeWorker struct{ snap capture.Snapshot }

func (f *fakeWorker) Snapshot(context.Context) (capture.Snapshot, bool) { return f.snap, true }

type fakeTabs struct {
	mu      sync.Mutex
	created int
}

func (f *fakeTabs) CreateTab(string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return "tab-new", nil
}

type fakeJoiner struct {
	mu     sync.Mutex
	joined []string
	end    session.EventKind
	done   chan struct{}
}

func (f *fakeJoiner) Join(_ context.Context, tabID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, tabID)
	return nil
}

func (f *fakeJoiner) MonitorEnd(_ context.Context, _ string, _ time.Duration, notify func(session.EventKind)) {
	if f.end != "" {
		notify(f.end)
	}
	close(f.done)
}

func newTestServer(t *testing.T, authToken string) (*Server, *fakeCoord, *fakeTabs, *fakeJoiner) {
	t.Helper()
	coord := &fakeCoord{}
	tabs := &fakeTabs{}
	joiner := &fakeJoiner{done: make(chan struct{})}
	srv := New(context.Background(), coord, &fakeWorker{snap: capture.Snapshot{Status: capture.StatusIdle}}, tabs, joiner, authToken, "Notetaker", time.Second)
	return srv, coord, tabs, joiner
}

func doReq(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _, _ := newTestServer(t, "")
	rec := doReq(t, srv.Handler(), "GET", "/health", "")
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStatusIncludesSessionAndCapture(t *testing.T) {
	srv, coord, _, _ := newTestServer(t, "")
	coord.sess = session.CaptureSession{ID: "s-9", Status: session.StatusCapturing}

	rec := doReq(t, srv.Handler(), "GET", "/status", "")
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Session session.CaptureSession `json:"session"`
		Capture *capture.Snapshot      `json:"capture"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Session.ID != "s-9" {
		t.Errorf("session id = %q", out.Session.ID)
	}
	if out.Capture == nil {
		t.Error("capture snapshot missing")
	}
}

func TestOpenSessionValidation(t *testing.T) {
	srv, _, _, _ := newTestServer(t, "")
	h := srv.Handler()

	cases := []struct {
		name string
		body string
		code int
	}{
		{"bad json", "{", 400},
		{"missing url", `{}`, 400},
		{"bad meet url", `{"url":"https://example.com/x"}`, 400},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doReq(t, h, "POST", "/sessions", tc.body)
			if rec.Code != tc.code {
				t.Errorf("status = %d, want %d: %s", rec.Code, tc.code, rec.Body.String())
			}
		})
	}
}

func TestOpenSessionWithMeetCode(t *testing.T) {
	srv, coord, tabs, joiner := newTestServer(t, "")
	joiner.end = session.EventEnded

	rec := doReq(t, srv.Handler(), "POST", "/sessions", `{"url":"abc-defg-hij"}`)
	if rec.Code != 200 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var out struct {
		SessionID string `json:"sessionId"`
		SourceID  string `json:"sourceId"`
		URL       string `json:"url"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.URL != "https://meet.google.com/abc-defg-hij" {
		t.Errorf("url = %q", out.URL)
	}
	if out.SourceID != "tab-new" {
		t.Errorf("sourceId = %q", out.SourceID)
	}

	tabs.mu.Lock()
	if tabs.created != 1 {
		t.Errorf("tabs created = %d, want 1", tabs.created)
	}
	tabs.mu.Unlock()

	// Join flow runs async; wait for the monitor to finish.
	select {
	case <-joiner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("join flow never ran")
	}

	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.events) != 2 || coord.events[0] != session.EventJoined || coord.events[1] != session.EventEnded {
		t.Errorf("events = %v, want [joined ended]", coord.events)
	}
}

func TestOpenSessionReusesProvidedTab(t *testing.T) {
	srv, _, tabs, joiner := newTestServer(t, "")
	joiner.end = ""

	rec := doReq(t, srv.Handler(), "POST", "/sessions", `{"url":"abc-defg-hij","tabId":"tab-7"}`)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	tabs.mu.Lock()
	defer tabs.mu.Unlock()
	if tabs.created != 0 {
		t.Errorf("tab created despite tabId in request")
	}

	select {
	case <-joiner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("join flow never ran")
	}
	joiner.mu.Lock()
	defer joiner.mu.Unlock()
	if len(joiner.joined) != 1 || joiner.joined[0] != "tab-7" {
		t.Errorf("joined tabs = %v", joiner.joined)
	}
}

func TestStopSession(t *testing.T) {
	srv, coord, _, _ := newTestServer(t, "")
	rec := doReq(t, srv.Handler(), "POST", "/sessions/stop", "")
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	coord.mu.Lock()
	defer coord.mu.Unlock()
	if coord.stopped != 1 {
		t.Errorf("stopCapture calls = %d, want 1", coord.stopped)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _, _ := newTestServer(t, "secret")
	h := srv.Handler()

	rec := doReq(t, h, "GET", "/health", "")
	if rec.Code != 401 {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != 200 {
		t.Errorf("authenticated status = %d, want 200", rec2.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _, _ := newTestServer(t, "secret")
	rec := doReq(t, srv.Handler(), "OPTIONS", "/sessions", "")
	if rec.Code != 204 {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
