// Package statusserver exposes the update session to local tooling over a
// unix socket, a Windows named pipe or loopback TCP.
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/updater/internal/health"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/state"
	"github.com/breeze-rmm/updater/internal/updater"
)

var log = logging.L("statusserver")

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	defaultLimit = 20
	maxLimit     = 1000

	controlRequestsPerMinute = 10
)

// Controller is the part of the orchestrator the endpoint drives.
type Controller interface {
	Status() updater.Session
	InProgress() bool
	CheckForUpdate(ctx context.Context) updater.Session
	StartUpdateProcess(ctx context.Context) updater.Session
	RollbackUpdate(ctx context.Context) updater.Session
	Subscribe() (<-chan updater.Session, func())
}

// HistorySource lists finished attempts, newest first.
type HistorySource interface {
	History(ctx context.Context, limit int) ([]state.HistoryEntry, error)
}

// Options configures a Server. History and Health are optional.
type Options struct {
	Controller Controller
	History    HistorySource
	Health     *health.Monitor
	Version    string
}

// StatusResponse is the body of GET /v1/status and of the workflow POSTs.
type StatusResponse struct {
	updater.Session
	InProgress bool   `json:"inProgress"`
	Version    string `json:"updaterVersion,omitempty"`
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status health.Status  `json:"status"`
	Checks []health.Check `json:"checks"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	opts     Options
	router   *mux.Router
	upgrader websocket.Upgrader

	// ctx bounds workflows started by POST /v1/update and /v1/rollback.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	limiter *RateLimiter

	mu      sync.Mutex
	httpSrv *http.Server
}

func New(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:   opts,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		ctx:     ctx,
		cancel:  cancel,
		limiter: NewRateLimiter(controlRequestsPerMinute, time.Minute),
	}

	// watch sits outside the subrouter so the upgrade gets the raw
	// ResponseWriter rather than the logging wrapper.
	s.router.HandleFunc("/v1/watch", s.handleWatch).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(logRequests)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/check", s.guard(s.handleCheck)).Methods(http.MethodPost)
	v1.HandleFunc("/update", s.guard(s.handleUpdate)).Methods(http.MethodPost)
	v1.HandleFunc("/rollback", s.guard(s.handleRollback)).Methods(http.MethodPost)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ConnContext:       connContext,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	log.Info("status endpoint listening", "addr", l.Addr().String())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, cancels workflows started through the
// endpoint and waits for them until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("timed out waiting for endpoint-started workflow")
	}
	return err
}

func (s *Server) status() StatusResponse {
	return StatusResponse{
		Session:    s.opts.Controller.Status(),
		InProgress: s.opts.Controller.InProgress(),
		Version:    s.opts.Version,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: health.Unknown, Checks: []health.Check{}}
	if s.opts.Health != nil {
		resp.Status = s.opts.Health.Overall()
		resp.Checks = s.opts.Health.All()
	}
	code := http.StatusOK
	if resp.Status == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLimit)
	}
	if s.opts.History == nil {
		writeJSON(w, http.StatusOK, []state.HistoryEntry{})
		return
	}
	rows, err := s.opts.History.History(r.Context(), limit)
	if err != nil {
		log.Error("history query failed", logging.KeyError, err.Error())
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if rows == nil {
		rows = []state.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleCheck runs the check inline; it only talks to the update API.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if s.opts.Controller.InProgress() {
		writeJSON(w, http.StatusConflict, s.status())
		return
	}
	s.opts.Controller.CheckForUpdate(r.Context())
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	s.startWorkflow(w, "update", s.opts.Controller.StartUpdateProcess)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	s.startWorkflow(w, "rollback", s.opts.Controller.RollbackUpdate)
}

// startWorkflow runs fn in the background and answers 202 right away. The
// workflow outlives the request; progress is visible on /v1/watch.
func (s *Server) startWorkflow(w http.ResponseWriter, name string, fn func(context.Context) updater.Session) {
	if s.opts.Controller.InProgress() {
		writeJSON(w, http.StatusConflict, s.status())
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		snap := fn(s.ctx)
		log.Info("workflow finished", "workflow", name, logging.KeyState, string(snap.State))
	}()
	writeJSON(w, http.StatusAccepted, s.status())
}

// handleWatch streams a snapshot on connect and after every session change.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("watch upgrade failed", logging.KeyError, err.Error())
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.opts.Controller.Subscribe()
	defer unsubscribe()

	// The read loop only services pongs and notices the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("watch read error", logging.KeyError, err.Error())
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	send := func(v StatusResponse) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v) == nil
	}
	if !send(s.status()) {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-s.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if !send(StatusResponse{Session: snap, InProgress: s.opts.Controller.InProgress(), Version: s.opts.Version}) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response failed", logging.KeyError, err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			logging.KeyDurationMs, time.Since(start).Milliseconds(),
		)
	})
}
