package admission

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/ventosilenzioso/bae0net/internal/logging"
)

// banRecord is what Gate.bans stores per banned address: when the ban
// expires, why it was issued, and how many times this address has
// earned a ban (the escalation counter).
type banRecord struct {
	ExpiresAt time.Time
	Reason    string
	Count     int
}

// Ban bans addr (ip:port, the sender address spec.md §4.6 bans),
// escalating linearly on repeat offenses: BaseBan * banCount. The
// strike counter persists for StrikeMemory past the ban's own expiry,
// so a repeat offender is punished harder even after serving out the
// previous ban.
func (g *Gate) Ban(addr, reason string, now time.Time) time.Duration {
	count := 1
	if v, ok := g.strikes.Get(addr); ok {
		count = v.(int) + 1
	}
	g.strikes.Set(addr, count, cache.DefaultExpiration)

	duration := g.cfg.BaseBan * time.Duration(count)
	// The record outlives the ban by RecentlyUnbannedWindow so a lookup
	// after expiry still finds it and opens the cooldown in Banned.
	g.bans.Set(addr, banRecord{ExpiresAt: now.Add(duration), Reason: reason, Count: count}, duration+g.cfg.RecentlyUnbannedWindow)
	logging.Warn("address banned", logging.Fields{"addr": addr, "reason": reason, "count": count, "duration": duration.String()})
	return duration
}

// Unban clears an active ban without resetting the strike count.
func (g *Gate) Unban(addr string) {
	g.bans.Delete(addr)
}

// Banned reports whether addr is currently banned. A lookup that finds
// an expired ban clears it and opens addr's recently-unbanned cooldown
// window (spec.md §4.6 step 1), during which Check halves its rate
// limit for that address.
func (g *Gate) Banned(addr string, now time.Time) bool {
	v, ok := g.bans.Get(addr)
	if !ok {
		return false
	}
	rec := v.(banRecord)
	if now.Before(rec.ExpiresAt) {
		return true
	}
	g.bans.Delete(addr)
	g.recentlyUnbanned.Set(addr, struct{}{}, g.cfg.RecentlyUnbannedWindow)
	return false
}
