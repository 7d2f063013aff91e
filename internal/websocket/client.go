// Package websocket follows a running updater's /v1/watch stream,
// reconnecting with jittered backoff when the service restarts.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/statusserver"
)

var log = logging.L("websocket")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 512 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// SnapshotHandler receives every session snapshot the service sends.
type SnapshotHandler func(snap statusserver.StatusResponse)

// Watcher streams session snapshots from a status endpoint.
type Watcher struct {
	client  *statusserver.Client
	handler SnapshotHandler

	// Reconnect keeps the watcher retrying after the stream drops.
	Reconnect bool

	connMu   sync.Mutex
	conn     *websocket.Conn
	done     chan struct{}
	stopOnce sync.Once
}

func New(client *statusserver.Client, handler SnapshotHandler) *Watcher {
	return &Watcher{
		client:    client,
		handler:   handler,
		Reconnect: true,
		done:      make(chan struct{}),
	}
}

// Run streams until ctx is cancelled, Stop is called, or the stream ends
// with Reconnect unset. It returns the last connection error when it gives
// up without being stopped.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Stop()
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.done:
		}
	}()

	backoff := initialBackoff
	for {
		select {
		case <-w.done:
			return nil
		default:
		}

		err := w.connect(ctx)
		if err == nil {
			backoff = initialBackoff
			err = w.readPump()
		}
		select {
		case <-w.done:
			return nil
		default:
		}
		if !w.Reconnect {
			return err
		}

		jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
		sleep := backoff + jitter
		if sleep < 0 {
			sleep = backoff
		}
		log.Info("watch stream lost, retrying", logging.KeyError, fmt.Sprint(err), "delay", sleep.String())
		select {
		case <-w.done:
			return nil
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Stop closes the stream.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)

		w.connMu.Lock()
		if w.conn != nil {
			w.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			w.conn.Close()
			w.conn = nil
		}
		w.connMu.Unlock()
	})
}

func (w *Watcher) connect(ctx context.Context) error {
	conn, _, err := w.client.Dialer().DialContext(ctx, w.client.WatchURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()
	return nil
}

// readPump decodes snapshots until the connection fails. The server pings
// periodically; the default ping handler answers and the deadline moves.
func (w *Watcher) readPump() error {
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()
	if conn == nil {
		return nil
	}
	defer func() {
		w.connMu.Lock()
		if w.conn == conn {
			w.conn.Close()
			w.conn = nil
		}
		w.connMu.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	defaultPing := conn.PingHandler()
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return defaultPing(data)
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err.Error())
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var snap statusserver.StatusResponse
		if err := json.Unmarshal(message, &snap); err != nil {
			log.Warn("failed to parse snapshot", logging.KeyError, err.Error())
			continue
		}
		w.handler(snap)
	}
}
