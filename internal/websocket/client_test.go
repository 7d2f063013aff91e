package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/updater/internal/statusserver"
	"github.com/breeze-rmm/updater/internal/updater"
)

func watchServer(t *testing.T, snapshots []string, hold bool) *statusserver.Client {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/watch" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, s := range snapshots {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
				return
			}
		}
		if hold {
			// Wait for the client to close.
			conn.ReadMessage()
			return
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	t.Cleanup(ts.Close)

	addr, err := statusserver.ParseAddress("tcp://" + strings.TrimPrefix(ts.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	return statusserver.NewClient(addr)
}

func TestWatcherDeliversSnapshots(t *testing.T) {
	client := watchServer(t, []string{
		`{"state":"Downloading","currentVersion":"1.0.0","metadata":{},"inProgress":true}`,
		`not json`,
		`{"state":"RestartRequired","currentVersion":"2.0.0","metadata":{"installerExitCode":"0"},"inProgress":false}`,
	}, false)

	var mu sync.Mutex
	var got []statusserver.StatusResponse
	w := New(client, func(s statusserver.StatusResponse) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})
	w.Reconnect = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(got))
	}
	if got[0].State != updater.StateDownloading || !got[0].InProgress {
		t.Fatalf("unexpected first snapshot %+v", got[0])
	}
	if got[1].CurrentVersion.String() != "2.0.0" || got[1].Metadata.Value(updater.MetaInstallerExitCode) != "0" {
		t.Fatalf("unexpected second snapshot %+v", got[1])
	}
}

func TestWatcherStopsOnContextCancel(t *testing.T) {
	client := watchServer(t, []string{`{"state":"None","currentVersion":"1.0.0","metadata":{}}`}, true)

	received := make(chan struct{}, 1)
	w := New(client, func(statusserver.StatusResponse) {
		select {
		case received <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot received")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil after cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherGivesUpWithoutReconnect(t *testing.T) {
	addr, _ := statusserver.ParseAddress("tcp://127.0.0.1:1")
	w := New(statusserver.NewClient(addr), func(statusserver.StatusResponse) {})
	w.Reconnect = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Run(ctx); err == nil {
		t.Fatal("expected connection error")
	}
}
