package admission

import "golang.org/x/time/rate"

// secondLimiterFor returns ip's sustained-rate token bucket (spec.md
// §4.6 step 4's first bucket: maxPacketsPerSecond), creating one on
// first sight. Its limit is adjusted on every call by Check to account
// for the recently-unbanned halving, so the burst size is fixed at
// creation but the refill rate is not.
func (g *Gate) secondLimiterFor(ip string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.secondLimiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), int(g.cfg.RatePerSecond))
		g.secondLimiters[ip] = l
	}
	return l
}

// burstLimiterFor returns ip's short-window burst bucket (spec.md
// §4.6 step 4's second bucket): PacketBurstLimit tokens refilled over
// PacketBurstWindow, independent of the sustained-rate bucket above.
func (g *Gate) burstLimiterFor(ip string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.burstLimiters[ip]
	if !ok {
		refill := rate.Limit(float64(g.cfg.PacketBurstLimit) / g.cfg.PacketBurstWindow.Seconds())
		l = rate.NewLimiter(refill, g.cfg.PacketBurstLimit)
		g.burstLimiters[ip] = l
	}
	return l
}

// bumpConnectionAttempts increments ip's new-connection counter within
// the current connection-burst window, opening the window on first
// sight.
func (g *Gate) bumpConnectionAttempts(ip string) int {
	if _, found := g.connectionAttempts.Get(ip); !found {
		g.connectionAttempts.Set(ip, 1, g.cfg.ConnectionBurstWindow)
		return 1
	}
	n, _ := g.connectionAttempts.IncrementInt(ip, 1)
	return n
}
