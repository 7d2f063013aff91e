package statusserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
)

// Peer is the kernel-verified identity of a unix socket client.
type Peer struct {
	PID        int
	UID        uint32
	GID        uint32
	BinaryPath string
}

// IdentityKey is the UID as a string.
func (p *Peer) IdentityKey() string {
	return strconv.FormatUint(uint64(p.UID), 10)
}

type peerKey struct{}

// connContext attaches the peer of unix socket connections to the request
// context.
func connContext(ctx context.Context, c net.Conn) context.Context {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return ctx
	}
	p, err := peerCredentials(uc)
	if err != nil {
		log.Debug("peer credentials unavailable", "error", err.Error())
		return ctx
	}
	return context.WithValue(ctx, peerKey{}, p)
}

// PeerFromContext returns the unix socket peer, if known.
func PeerFromContext(ctx context.Context) (*Peer, bool) {
	p, ok := ctx.Value(peerKey{}).(*Peer)
	return p, ok
}

// identity keys rate limiting: the peer UID on unix sockets, otherwise the
// remote host.
func identity(r *http.Request) string {
	if p, ok := PeerFromContext(r.Context()); ok {
		return "uid:" + p.IdentityKey()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// guard rate-limits control requests per caller and logs who made them.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identity(r)
		if !s.limiter.Allow(id) {
			log.Warn("control request rate limited", "path", r.URL.Path, "caller", id)
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		attrs := []any{"path", r.URL.Path, "caller", id}
		if p, ok := PeerFromContext(r.Context()); ok {
			attrs = append(attrs, "pid", p.PID, "binary", p.BinaryPath)
		}
		log.Info("control request", attrs...)
		next(w, r)
	}
}
