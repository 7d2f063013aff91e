package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/updater/internal/state"
)

// ErrBusy is returned when the service refused a request because a
// workflow is already running.
var ErrBusy = errors.New("update workflow already running")

// Client talks to a running status endpoint.
type Client struct {
	addr Address
	base string
	http *http.Client
}

func NewClient(addr Address) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		return Dial(ctx, addr)
	}
	base := "http://breeze-updater"
	if addr.Network == "tcp" {
		base = "http://" + addr.Path
	}
	return &Client{
		addr: addr,
		base: base,
		http: &http.Client{
			Timeout:   2 * time.Minute,
			Transport: &http.Transport{DialContext: dial},
		},
	}
}

// Reachable reports whether something accepts connections at the address.
func (c *Client) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, c.addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/status", &out)
	return out, err
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/health", &out)
	return out, err
}

func (c *Client) History(ctx context.Context, limit int) ([]state.HistoryEntry, error) {
	var out []state.HistoryEntry
	err := c.do(ctx, http.MethodGet, "/v1/history?limit="+strconv.Itoa(limit), &out)
	return out, err
}

// Check runs a check in the service and returns the resulting session.
func (c *Client) Check(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodPost, "/v1/check", &out)
	return out, err
}

// Update starts a full update pass in the service. It returns once the
// service has accepted the request.
func (c *Client) Update(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodPost, "/v1/update", &out)
	return out, err
}

func (c *Client) Rollback(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodPost, "/v1/rollback", &out)
	return out, err
}

// WatchURL and Dialer open the /v1/watch stream.
func (c *Client) WatchURL() string {
	if c.addr.Network == "tcp" {
		return "ws://" + c.addr.Path + "/v1/watch"
	}
	return "ws://breeze-updater/v1/watch"
}

func (c *Client) Dialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return Dial(ctx, c.addr)
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("status endpoint %s: %w", c.addr, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusServiceUnavailable:
	case http.StatusConflict:
		json.NewDecoder(resp.Body).Decode(out)
		return ErrBusy
	default:
		var e errorResponse
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
