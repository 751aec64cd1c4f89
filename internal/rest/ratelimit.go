package rest

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/polarmesh/veriduct/internal/apierror"
)

// trustedNets is the set of proxy networks whose forwarded headers are
// believed.
type trustedNets []*net.IPNet

// parseCIDRs builds the trusted proxy set from config strings. A bare IP
// counts as a single-host network. Invalid entries are skipped with a
// warning log.
func parseCIDRs(cidrs []string, logger *slog.Logger) trustedNets {
	if logger == nil {
		logger = slog.Default()
	}
	nets := make(trustedNets, 0, len(cidrs))
	for _, c := range cidrs {
		if _, ipNet, err := net.ParseCIDR(c); err == nil {
			nets = append(nets, ipNet)
			continue
		}
		ip := net.ParseIP(c)
		if ip == nil {
			logger.Warn("skipping invalid trusted proxy CIDR", "cidr", c)
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

func (t trustedNets) contains(ip net.IP) bool {
	for _, n := range t {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// resolveClient returns the IP the limiter keys on. Forwarded headers
// (X-Real-IP, then the first X-Forwarded-For hop) only count when the
// direct peer is a trusted proxy, otherwise a client could mint fresh
// buckets by rotating headers.
func (t trustedNets) resolveClient(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}

	parsed := net.ParseIP(peer)
	if parsed == nil || !t.contains(parsed) {
		return peer
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return peer
}

// visitorTable holds one token bucket per client IP. Stale buckets are
// swept inline on the request path rather than by a background
// goroutine, so the table needs no shutdown hook.
type visitorTable struct {
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

const (
	sweepInterval = time.Minute
	visitorTTL    = 10 * time.Minute
)

func newVisitorTable(rps float64, burst int) *visitorTable {
	return &visitorTable{
		rps:       rate.Limit(rps),
		burst:     burst,
		visitors:  make(map[string]*visitor),
		lastSweep: time.Now(),
	}
}

// allow takes one token from ip's bucket, creating the bucket on first
// sight.
func (vt *visitorTable) allow(ip string) bool {
	now := time.Now()

	vt.mu.Lock()
	if now.Sub(vt.lastSweep) > sweepInterval {
		for key, v := range vt.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(vt.visitors, key)
			}
		}
		vt.lastSweep = now
	}

	v, ok := vt.visitors[ip]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(vt.rps, vt.burst)}
		vt.visitors[ip] = v
	}
	v.lastSeen = now
	vt.mu.Unlock()

	return v.bucket.Allow()
}

// rateLimitByIP limits each client IP to rps sustained requests with the
// given burst. Allocation is the expensive entry point on a miner, so it
// gets a tight per-IP allowance while the rest of the surface stays
// open. State is in-memory and per-process, which matches the one daemon
// per host deployment model.
func rateLimitByIP(rps float64, burst int, proxies trustedNets) func(http.Handler) http.Handler {
	table := newVisitorTable(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !table.allow(proxies.resolveClient(r)) {
				apierror.Respond(w, apierror.KindRateLimited, "too many requests, slow down", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
