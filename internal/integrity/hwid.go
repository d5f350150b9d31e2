package integrity

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/google/uuid"
)

// hwidCacheTTL bounds how long a verdict from HWIDGate is trusted
// before a fresh check is required, so a ban issued out-of-band (e.g.
// by an external anti-cheat service) takes effect within one TTL
// window instead of never being rechecked for the life of a process.
const hwidCacheTTL = 5 * time.Minute

// HWIDGate is the contract for hardware-id admission (spec.md §4.7
// treats HWID verification as an external system this transport only
// consults, never implements — grounded on the spec's own framing of
// HWID gating as outside the wire protocol's responsibility). Callers
// supply a concrete implementation that talks to whatever anti-cheat
// or licensing backend owns HWID records.
type HWIDGate interface {
	// CheckHWID reports whether hwid is currently permitted to connect.
	CheckHWID(ctx context.Context, hwid string) (bool, error)
}

// AllowAllGate is the default HWIDGate used when no external service
// is configured: every hardware id is accepted. Swap it for a real
// HWIDGate in production deployments.
type AllowAllGate struct{}

func (AllowAllGate) CheckHWID(context.Context, string) (bool, error) { return true, nil }

// CachedGate wraps an HWIDGate with a short-lived verdict cache so a
// busy listener doesn't hammer the external service once per
// reconnect attempt.
type CachedGate struct {
	upstream HWIDGate
	verdicts *cache.Cache
}

// NewCachedGate wraps upstream with an in-memory TTL cache.
func NewCachedGate(upstream HWIDGate) *CachedGate {
	return NewCachedGateWithTTL(upstream, hwidCacheTTL)
}

// NewCachedGateWithTTL wraps upstream with an in-memory verdict cache
// held for ttl, rather than the fixed hwidCacheTTL NewCachedGate uses.
// A deployment that bans HWIDs for a spec-configured hwidBanDuration
// passes that duration here so a banned hardware id is rejected for
// exactly as long as the ban is meant to last.
func NewCachedGateWithTTL(upstream HWIDGate, ttl time.Duration) *CachedGate {
	return &CachedGate{
		upstream: upstream,
		verdicts: cache.New(ttl, ttl/2),
	}
}

// CheckHWID consults the cache before falling through to upstream.
func (g *CachedGate) CheckHWID(ctx context.Context, hwid string) (bool, error) {
	if v, ok := g.verdicts.Get(hwid); ok {
		return v.(bool), nil
	}
	ok, err := g.upstream.CheckHWID(ctx, hwid)
	if err != nil {
		return false, err
	}
	g.verdicts.Set(hwid, ok, cache.DefaultExpiration)
	return ok, nil
}

// TraceID mints an internal correlation id for a handshake attempt, so
// log lines for one connect sequence can be joined without exposing
// the client's HWID in logs.
func TraceID() string {
	return uuid.NewString()
}
