package ingress

import (
	"errors"
	"testing"
	"time"

	"github.com/kestrel-tts/runtime/internal/errs"
)

func TestCheckAllowsHappyPath(t *testing.T) {
	g := New(DefaultConfig())
	d := g.Check("203.0.113.5", "/v1/audio/speech", "my-client/1.0")
	if !d.Allowed {
		t.Fatalf("expected allowed, got %+v", d)
	}
}

func TestCheckLocalhostOnlyRejectsNonLocal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalhostOnly = true
	g := New(cfg)

	d := g.Check("203.0.113.5", "/v1/audio/speech", "my-client/1.0")
	if d.Allowed || !errors.Is(d.Err, errs.ErrAccessDenied) {
		t.Fatalf("expected non-local access denied, got %+v", d)
	}
}

func TestCheckLocalhostOnlyAllowsPrivateRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalhostOnly = true
	g := New(cfg)

	d := g.Check("192.168.1.10", "/v1/audio/speech", "my-client/1.0")
	if !d.Allowed {
		t.Fatalf("expected private-range access allowed, got %+v", d)
	}
}

func TestCheckDenyListBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DenyList = []string{"198.51.100.1"}
	g := New(cfg)

	d := g.Check("198.51.100.1", "/v1/audio/speech", "my-client/1.0")
	if d.Allowed {
		t.Fatal("expected deny-listed IP to be rejected")
	}
}

func TestCheckMaliciousPathRejected(t *testing.T) {
	g := New(DefaultConfig())
	d := g.Check("203.0.113.6", "/../../etc/passwd", "my-client/1.0")
	if d.Allowed || !errors.Is(d.Err, errs.ErrMaliciousPattern) {
		t.Fatalf("expected malicious pattern rejection, got %+v", d)
	}
}

func TestCheckPentestUserAgentRejected(t *testing.T) {
	g := New(DefaultConfig())
	d := g.Check("203.0.113.7", "/v1/audio/speech", "sqlmap/1.6")
	if d.Allowed || !errors.Is(d.Err, errs.ErrMaliciousPattern) {
		t.Fatalf("expected pentest UA rejection, got %+v", d)
	}
}

func TestCheckRateLimitEnforced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerMinuteLimit = 2
	cfg.PerHourLimit = 100
	g := New(cfg)

	ip := "203.0.113.8"
	for i := 0; i < 2; i++ {
		d := g.Check(ip, "/v1/audio/speech", "my-client/1.0")
		if !d.Allowed {
			t.Fatalf("request %d unexpectedly rejected: %+v", i, d)
		}
	}
	d := g.Check(ip, "/v1/audio/speech", "my-client/1.0")
	if d.Allowed || !errors.Is(d.Err, errs.ErrRateLimited) {
		t.Fatalf("expected rate limit rejection on 3rd request, got %+v", d)
	}
}

func TestCheckBenchmarkUAExemptFromRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerMinuteLimit = 1
	cfg.PerHourLimit = 100
	g := New(cfg)

	ip := "203.0.113.9"
	for i := 0; i < 5; i++ {
		d := g.Check(ip, "/v1/audio/speech", "kestrel-benchmark/1.0")
		if !d.Allowed {
			t.Fatalf("benchmark UA request %d unexpectedly rejected: %+v", i, d)
		}
	}
}

func TestMarkSuspiciousPromotesToBlockList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuspiciousThreshold = 2
	cfg.BlockDuration = time.Hour
	g := New(cfg)

	ip := "203.0.113.10"
	g.Check(ip, "/../etc/passwd", "my-client/1.0")
	d := g.Check(ip, "/../etc/passwd", "my-client/1.0")
	if d.Allowed {
		t.Fatal("expected second suspicious hit to still be rejected for pattern")
	}

	// Third request should now be blocked outright (promoted), even with a
	// clean path.
	d2 := g.Check(ip, "/v1/audio/speech", "my-client/1.0")
	if d2.Allowed {
		t.Fatal("expected IP to be blocked after crossing suspicious threshold")
	}
}

func TestBlockExpiresAfterDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuspiciousThreshold = 1
	cfg.BlockDuration = time.Minute
	g := New(cfg)

	fixed := time.Now()
	g.now = func() time.Time { return fixed }

	ip := "203.0.113.11"
	g.Check(ip, "/../etc/passwd", "my-client/1.0")

	d := g.Check(ip, "/v1/audio/speech", "my-client/1.0")
	if d.Allowed {
		t.Fatal("expected IP blocked immediately after promotion")
	}

	g.now = func() time.Time { return fixed.Add(2 * time.Minute) }
	d2 := g.Check(ip, "/v1/audio/speech", "my-client/1.0")
	if !d2.Allowed {
		t.Fatal("expected block to be lazily swept after expiry")
	}
}

func TestIsLocalOrPrivate(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.5", true},
		{"192.168.0.1", true},
		{"8.8.8.8", false},
	}
	for _, c := range cases {
		if got := isLocalOrPrivate(c.ip); got != c.want {
			t.Fatalf("isLocalOrPrivate(%q) = %v, want %v", c.ip, got, c.want)
		}
	}
}
