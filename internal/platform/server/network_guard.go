package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rxd90/CommandBridge/internal/platform/clock"
)

const maxGuardActivities = 1000

type GuardActivity struct {
	Timestamp string
	SourceIP  string
	Path      string
	Method    string
	Allowed   bool
	Reason    string
}

// NetworkGuard restricts the admin surface to trusted source networks. Other
// paths pass through untouched.
type NetworkGuard struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
	// TrustForwardedFor takes the source address from X-Forwarded-For. Only
	// enable it behind a proxy that overwrites the header.
	TrustForwardedFor bool

	trusted  []*net.IPNet
	prefixes []string

	mu   sync.Mutex
	logs []GuardActivity
}

// NewNetworkGuard parses cidrs; an empty list trusts loopback only. Empty
// prefixes protect /admin/.
func NewNetworkGuard(clk clock.Clock, cidrs, prefixes []string) (*NetworkGuard, error) {
	trusted := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		trusted = append(trusted, ipnet)
	}
	if len(trusted) == 0 {
		for _, c := range []string{"127.0.0.1/32", "::1/128"} {
			_, ipnet, _ := net.ParseCIDR(c)
			trusted = append(trusted, ipnet)
		}
	}
	if len(prefixes) == 0 {
		prefixes = []string{"/admin/"}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &NetworkGuard{Clock: clk, Logger: slog.Default(), trusted: trusted, prefixes: prefixes}, nil
}

func (g *NetworkGuard) protected(path string) bool {
	for _, p := range g.prefixes {
		if strings.HasPrefix(path, p) || path+"/" == p {
			return true
		}
	}
	return false
}

func (g *NetworkGuard) sourceIP(r *http.Request) string {
	if g.TrustForwardedFor {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func (g *NetworkGuard) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *NetworkGuard) record(r *http.Request, ip string, allowed bool, reason string) {
	g.Metrics.ObserveGuardDecision(allowed)
	entry := GuardActivity{
		Timestamp: g.Clock.Now().UTC().Format(time.RFC3339Nano),
		SourceIP:  ip,
		Path:      r.URL.Path,
		Method:    r.Method,
		Allowed:   allowed,
		Reason:    reason,
	}
	g.mu.Lock()
	if len(g.logs) == maxGuardActivities {
		g.logs = append(g.logs[:0], g.logs[1:]...)
	}
	g.logs = append(g.logs, entry)
	g.mu.Unlock()
}

// Activities returns the most recent guard decisions, oldest first.
func (g *NetworkGuard) Activities() []GuardActivity {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GuardActivity, len(g.logs))
	copy(out, g.logs)
	return out
}

func (g *NetworkGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.protected(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ip := g.sourceIP(r)
		if !g.isTrusted(ip) {
			const reason = "source ip outside trusted network"
			g.record(r, ip, false, reason)
			g.Logger.Warn("guard: admin request denied",
				slog.String("source_ip", ip),
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method))
			writeJSON(w, http.StatusForbidden, messageBody{Message: "remote access denied"})
			return
		}
		g.record(r, ip, true, "")
		next.ServeHTTP(w, r)
	})
}
