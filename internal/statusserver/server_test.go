package statusserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/updater/internal/health"
	"github.com/breeze-rmm/updater/internal/semver"
	"github.com/breeze-rmm/updater/internal/state"
	"github.com/breeze-rmm/updater/internal/updater"
)

type fakeController struct {
	mu       sync.Mutex
	session  updater.Session
	busy     bool
	subs     []chan updater.Session
	started  chan string
	checks   int
	rollback int
}

func newFakeController() *fakeController {
	return &fakeController{
		session: updater.Session{State: updater.StateNone, CurrentVersion: semver.MustParse("1.0.0")},
		started: make(chan string, 4),
	}
}

func (f *fakeController) Status() updater.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session.Clone()
}

func (f *fakeController) InProgress() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeController) CheckForUpdate(ctx context.Context) updater.Session {
	f.mu.Lock()
	f.checks++
	f.session.State = updater.StateUpdateAvailable
	v := semver.MustParse("2.0.0")
	f.session.AvailableVersion = &v
	f.mu.Unlock()
	return f.Status()
}

func (f *fakeController) StartUpdateProcess(ctx context.Context) updater.Session {
	f.started <- "update"
	return f.Status()
}

func (f *fakeController) RollbackUpdate(ctx context.Context) updater.Session {
	f.mu.Lock()
	f.rollback++
	f.mu.Unlock()
	f.started <- "rollback"
	return f.Status()
}

func (f *fakeController) Subscribe() (<-chan updater.Session, func()) {
	ch := make(chan updater.Session, 4)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeController) publish(s updater.Session) {
	f.mu.Lock()
	f.session = s
	subs := append([]chan updater.Session(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- s
	}
}

func (f *fakeController) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakeHistory struct {
	limit int
	err   error
}

func (f *fakeHistory) History(ctx context.Context, limit int) ([]state.HistoryEntry, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return []state.HistoryEntry{{ID: 1, AttemptID: "a", Outcome: "RestartRequired"}}, nil
}

func newTestServer(t *testing.T, opts Options) (*Server, *Client) {
	t.Helper()
	s := New(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	addr, err := ParseAddress("tcp://" + strings.TrimPrefix(ts.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	return s, NewClient(addr)
}

func TestStatusEndpoint(t *testing.T) {
	ctrl := newFakeController()
	_, client := newTestServer(t, Options{Controller: ctrl, Version: "0.9.0"})

	resp, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.State != updater.StateNone || resp.CurrentVersion.String() != "1.0.0" {
		t.Fatalf("unexpected status %+v", resp)
	}
	if resp.Version != "0.9.0" {
		t.Fatalf("expected updater version, got %q", resp.Version)
	}
}

func TestHealthEndpoint(t *testing.T) {
	mon := health.NewMonitor()
	mon.Update(health.ComponentAPI, health.Healthy, "")
	_, client := newTestServer(t, Options{Controller: newFakeController(), Health: mon})

	resp, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.Status != health.Healthy || len(resp.Checks) != 1 {
		t.Fatalf("unexpected health %+v", resp)
	}

	mon.Update(health.ComponentInstaller, health.Unhealthy, "rollback failed")
	resp, err = client.Health(context.Background())
	if err != nil {
		t.Fatalf("unhealthy response should still decode: %v", err)
	}
	if resp.Status != health.Unhealthy {
		t.Fatalf("expected unhealthy, got %s", resp.Status)
	}
}

func TestHealthWithoutMonitorIsUnknown(t *testing.T) {
	_, client := newTestServer(t, Options{Controller: newFakeController()})
	resp, err := client.Health(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != health.Unknown {
		t.Fatalf("expected unknown, got %s", resp.Status)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	hist := &fakeHistory{}
	s, client := newTestServer(t, Options{Controller: newFakeController(), History: hist})

	rows, err := client.History(context.Background(), 5000)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 || hist.limit != maxLimit {
		t.Fatalf("expected clamped limit and one row, got %d rows limit %d", len(rows), hist.limit)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/history?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}

	hist.err = errors.New("database is locked")
	if _, err := client.History(context.Background(), 10); err == nil || !strings.Contains(err.Error(), "history unavailable") {
		t.Fatalf("expected history error, got %v", err)
	}
}

func TestCheckEndpoint(t *testing.T) {
	ctrl := newFakeController()
	_, client := newTestServer(t, Options{Controller: ctrl})

	resp, err := client.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.State != updater.StateUpdateAvailable || resp.AvailableVersion.String() != "2.0.0" {
		t.Fatalf("unexpected check result %+v", resp)
	}
}

func TestWorkflowEndpointsRunInBackground(t *testing.T) {
	ctrl := newFakeController()
	s, client := newTestServer(t, Options{Controller: ctrl})

	if _, err := client.Update(context.Background()); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := client.Rollback(context.Background()); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	got := map[string]bool{}
	for range 2 {
		select {
		case name := <-ctrl.started:
			got[name] = true
		case <-time.After(5 * time.Second):
			t.Fatal("workflow never started")
		}
	}
	if !got["update"] || !got["rollback"] {
		t.Fatalf("unexpected workflows %v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestBusyReturnsConflict(t *testing.T) {
	ctrl := newFakeController()
	ctrl.busy = true
	_, client := newTestServer(t, Options{Controller: ctrl})

	if _, err := client.Update(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := client.Check(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for check, got %v", err)
	}
	if ctrl.checks != 0 {
		t.Fatal("check must not run while busy")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := New(Options{Controller: newFakeController()})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/update", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestWatchStreamsSnapshots(t *testing.T) {
	ctrl := newFakeController()
	_, client := newTestServer(t, Options{Controller: ctrl})

	conn, _, err := client.Dialer().Dial(client.WatchURL(), nil)
	if err != nil {
		t.Fatalf("dial watch: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first StatusResponse
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if first.State != updater.StateNone {
		t.Fatalf("unexpected initial state %s", first.State)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ctrl.subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watch never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	next := ctrl.Status()
	next.State = updater.StateDownloading
	next.Metadata.Set(updater.MetaDownloadAttempts, "1")
	ctrl.publish(next)

	var second StatusResponse
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if second.State != updater.StateDownloading || second.Metadata.Value(updater.MetaDownloadAttempts) != "1" {
		t.Fatalf("unexpected update %+v", second)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func TestUnixSocketListener(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets not used on windows")
	}
	addr := Address{Network: "unix", Path: filepath.Join(t.TempDir(), "u.sock")}
	l, err := Listen(addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := New(Options{Controller: newFakeController()})
	go s.Serve(l)
	defer s.Shutdown(context.Background())

	resp, err := NewClient(addr).Status(context.Background())
	if err != nil {
		t.Fatalf("status over unix socket: %v", err)
	}
	if resp.CurrentVersion.String() != "1.0.0" {
		t.Fatalf("unexpected version %s", resp.CurrentVersion)
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		network string
		path    string
		wantErr bool
	}{
		{"unix:///var/run/breeze-updater.sock", "unix", "/var/run/breeze-updater.sock", false},
		{`npipe://\\.\pipe\breeze-updater`, "npipe", `\\.\pipe\breeze-updater`, false},
		{"tcp://127.0.0.1:7070", "tcp", "127.0.0.1:7070", false},
		{"tcp://[::1]:7070", "tcp", "[::1]:7070", false},
		{"tcp://0.0.0.0:7070", "", "", true},
		{"tcp://10.0.0.5:7070", "", "", true},
		{"http://127.0.0.1", "", "", true},
		{"/var/run/x.sock", "", "", true},
		{"unix://", "", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAddress(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAddress(%q): %v", tt.in, err)
			continue
		}
		if got.Network != tt.network || got.Path != tt.path {
			t.Errorf("ParseAddress(%q) = %+v", tt.in, got)
		}
	}
}

func TestControlRequestsAreRateLimited(t *testing.T) {
	s := New(Options{Controller: newFakeController()})
	var last int
	for range controlRequestsPerMinute + 1 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/check", nil)
		req.RemoteAddr = "127.0.0.1:50000"
		s.Handler().ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d requests, got %d", controlRequestsPerMinute, last)
	}

	// Reads are not limited.
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for status, got %d", rec.Code)
	}
}
