// Package admission implements the dispatcher's front-door gating
// pipeline: ban enforcement, size ceilings, per-IP connection-burst
// and packet-rate limiting, per-connection queue caps, and pluggable
// payload rejection, run ahead of the wire codec so abusive traffic
// never reaches the reliability layer (spec.md §4.6). Grounded on
// firestige's FragmentRateLimiter (per-IP counters, window rotation,
// rejected counter) generalized from a fixed fragment cap to token
// buckets via golang.org/x/time/rate, with ban/strike state carried in
// patrickmn/go-cache the way minor-way's slipstream-go holds its
// session tables.
package admission

import (
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Decision is the outcome of a Gate.Check call.
type Decision int

const (
	Allow Decision = iota
	RejectBanned
	RejectOversized
	RejectRateLimited
	RejectQueueOverflow
	RejectFiltered
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case RejectBanned:
		return "banned"
	case RejectOversized:
		return "oversized"
	case RejectRateLimited:
		return "rate_limited"
	case RejectQueueOverflow:
		return "queue_overflow"
	case RejectFiltered:
		return "filtered"
	default:
		return "unknown"
	}
}

// PayloadFilter inspects a raw datagram before admission and returns
// false to reject it. Filters run after every other check, in the
// order they were registered (SPEC_FULL §12 supplemented feature: the
// pluggable payload predicate hook).
type PayloadFilter func(remoteIP string, payload []byte) bool

// Config tunes the admission gate. Zero values fall back to the
// defaults spec.md §6 lists for the reference server.
type Config struct {
	MaxPacketSize int // oversized datagrams ban the sender outright

	RatePerSecond     float64       // sustained datagrams/sec permitted per IP (maxPacketsPerSecond)
	PacketBurstLimit  int           // second token bucket: datagrams allowed per PacketBurstWindow
	PacketBurstWindow time.Duration // refill window for PacketBurstLimit

	ConnectionBurstLimit  int           // new connections a single IP may open per ConnectionBurstWindow
	ConnectionBurstWindow time.Duration // window ConnectionBurstLimit is measured over
	MaxConnectionsPerIP   int           // concurrent connections a single IP may hold open at once

	MaxPacketQueueSize      int           // per-connection reliable-queue depth ceiling
	MaxPacketProcessingTime time.Duration // per-datagram processing deadline

	BaseBan                time.Duration // ban duration multiplied by the offender's strike count
	RecentlyUnbannedWindow time.Duration // cooldown after a ban expires during which the rate is halved
	StrikeMemory           time.Duration // how long a strike count survives after a ban expires
}

func (c Config) withDefaults() Config {
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = 1024
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 1000
	}
	if c.PacketBurstLimit <= 0 {
		c.PacketBurstLimit = 100
	}
	if c.PacketBurstWindow <= 0 {
		c.PacketBurstWindow = time.Second
	}
	if c.ConnectionBurstLimit <= 0 {
		c.ConnectionBurstLimit = 10
	}
	if c.ConnectionBurstWindow <= 0 {
		c.ConnectionBurstWindow = 5 * time.Second
	}
	if c.MaxConnectionsPerIP <= 0 {
		c.MaxConnectionsPerIP = 3
	}
	if c.MaxPacketQueueSize <= 0 {
		c.MaxPacketQueueSize = 1000
	}
	if c.MaxPacketProcessingTime <= 0 {
		c.MaxPacketProcessingTime = 100 * time.Millisecond
	}
	if c.BaseBan <= 0 {
		c.BaseBan = time.Hour
	}
	if c.RecentlyUnbannedWindow <= 0 {
		c.RecentlyUnbannedWindow = 5 * time.Second
	}
	if c.StrikeMemory <= 0 {
		c.StrikeMemory = 7 * 24 * time.Hour
	}
	return c
}

// Gate is the admission-control front door for inbound datagrams. One
// Gate serves the whole listener. Bans and the recently-unbanned
// cooldown are keyed by the full client address (ip:port, the
// connection identity spec.md §9 settles on); the rate, burst, and
// connection-attempt tables are keyed by bare IP, since those exist to
// bound how hard one source address can hammer the listener
// regardless of which port it sends from.
type Gate struct {
	cfg Config

	mu             sync.Mutex
	secondLimiters map[string]*rate.Limiter // ip -> sustained-rate bucket
	burstLimiters  map[string]*rate.Limiter // ip -> short-window burst bucket
	connCounts     map[string]int          // ip -> currently open connections

	bans               *cache.Cache // addr -> banRecord
	strikes            *cache.Cache // addr -> int (escalation counter)
	recentlyUnbanned   *cache.Cache // addr -> struct{}
	connectionAttempts *cache.Cache // ip -> int

	filtersMu sync.RWMutex
	filters   []PayloadFilter

	rejected uint64
}

// NewGate returns a gate ready to check traffic. The ban cache is
// swept every 5 minutes regardless of any individual ban's duration,
// matching spec.md §4.8's cleanup cadence for expired bans.
func NewGate(cfg Config) *Gate {
	cfg = cfg.withDefaults()
	return &Gate{
		cfg:                cfg,
		secondLimiters:     make(map[string]*rate.Limiter),
		burstLimiters:      make(map[string]*rate.Limiter),
		connCounts:         make(map[string]int),
		bans:               cache.New(time.Hour, 5*time.Minute),
		strikes:            cache.New(cfg.StrikeMemory, cfg.StrikeMemory/2),
		recentlyUnbanned:   cache.New(cfg.RecentlyUnbannedWindow, cfg.RecentlyUnbannedWindow),
		connectionAttempts: cache.New(cfg.ConnectionBurstWindow, cfg.ConnectionBurstWindow),
	}
}

// AddFilter registers a payload filter, run in registration order
// after every built-in check passes.
func (g *Gate) AddFilter(f PayloadFilter) {
	g.filtersMu.Lock()
	defer g.filtersMu.Unlock()
	g.filters = append(g.filters, f)
}

// Check runs addr through the per-datagram admission pipeline (spec.md
// §4.6 steps 1, 2, 4, plus registered filters): ban lookup, the size
// ceiling, the dual per-IP token buckets, then filters, in that order.
// The per-new-connection burst check (step 3) and the per-connection
// queue cap (step 5) depend on connection-table state the gate doesn't
// own and are exposed separately as CheckNewConnection and CheckQueue.
func (g *Gate) Check(addr *net.UDPAddr, payload []byte, now time.Time) Decision {
	clientID := addr.String()
	ip := addr.IP.String()

	if g.Banned(clientID, now) {
		g.bump()
		return RejectBanned
	}

	if len(payload) > g.cfg.MaxPacketSize {
		g.Ban(clientID, "Oversized packet", now)
		g.bump()
		return RejectOversized
	}

	rps := g.cfg.RatePerSecond
	if _, recentlyUnbanned := g.recentlyUnbanned.Get(clientID); recentlyUnbanned {
		rps /= 2
	}
	second := g.secondLimiterFor(ip)
	second.SetLimit(rate.Limit(rps))
	if !second.AllowN(now, 1) || !g.burstLimiterFor(ip).AllowN(now, 1) {
		g.Ban(clientID, "Rate limit exceeded", now)
		g.bump()
		return RejectRateLimited
	}

	g.filtersMu.RLock()
	filters := g.filters
	g.filtersMu.RUnlock()
	for _, f := range filters {
		if !f(ip, payload) {
			g.bump()
			return RejectFiltered
		}
	}

	return Allow
}

// CheckNewConnection enforces the per-IP new-connection burst limit
// (spec.md §4.6 step 3). Call it once per freshly created connection
// record, never for datagrams on an already-established connection.
func (g *Gate) CheckNewConnection(addr *net.UDPAddr, now time.Time) Decision {
	ip := addr.IP.String()
	if g.bumpConnectionAttempts(ip) > g.cfg.ConnectionBurstLimit {
		g.Ban(addr.String(), "Connection burst exceeded", now)
		g.bump()
		return RejectRateLimited
	}
	return Allow
}

// CheckQueue enforces the per-connection queued-packet cap (spec.md
// §4.6 step 5). clientID is the owning connection's address (ip:port)
// and queued is that connection's current reliable-send queue depth.
func (g *Gate) CheckQueue(clientID string, queued int, now time.Time) Decision {
	if queued >= g.cfg.MaxPacketQueueSize {
		g.Ban(clientID, "Packet queue overflow", now)
		g.bump()
		return RejectQueueOverflow
	}
	return Allow
}

// OnConnectionOpened counts a newly created connection against ip's
// concurrent-connection total and reports whether that total now
// exceeds MaxConnectionsPerIP (spec.md §6's maxConnectionsPerIp). The
// caller is responsible for banning and dropping the connection when
// it does.
func (g *Gate) OnConnectionOpened(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connCounts[ip]++
	return g.connCounts[ip] > g.cfg.MaxConnectionsPerIP
}

// OnConnectionClosed releases one of ip's counted connections.
func (g *Gate) OnConnectionClosed(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connCounts[ip] <= 1 {
		delete(g.connCounts, ip)
		return
	}
	g.connCounts[ip]--
}

// MaxProcessingTime is the per-datagram processing deadline (spec.md
// §4.6 step 6). The dispatcher times its own handling against this and
// drops the packet's downstream delivery if the deadline is blown.
func (g *Gate) MaxProcessingTime() time.Duration {
	return g.cfg.MaxPacketProcessingTime
}

func (g *Gate) bump() {
	g.mu.Lock()
	g.rejected++
	g.mu.Unlock()
}

// Rejected returns the total number of datagrams this gate has turned
// away since creation.
func (g *Gate) Rejected() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rejected
}

// ActiveLimiters reports how many distinct IPs currently hold a
// sustained-rate token bucket, for diagnostics.
func (g *Gate) ActiveLimiters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.secondLimiters)
}
