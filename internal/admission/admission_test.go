package admission

import (
	"net"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testAddr(ip string) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: 5000}
}

func TestGateAllowsWithinRate(t *testing.T) {
	g := NewGate(Config{RatePerSecond: 10, PacketBurstLimit: 10, PacketBurstWindow: time.Second})
	now := time.Now()
	for i := 0; i < 5; i++ {
		if d := g.Check(testAddr("1.2.3.4"), []byte("x"), now); d != Allow {
			t.Fatalf("packet %d: got %v, want Allow", i, d)
		}
	}
}

func TestGateRejectsOverBurst(t *testing.T) {
	g := NewGate(Config{RatePerSecond: 100, PacketBurstLimit: 3, PacketBurstWindow: time.Minute})
	now := time.Now()
	for i := 0; i < 3; i++ {
		g.Check(testAddr("5.6.7.8"), []byte("x"), now)
	}
	if d := g.Check(testAddr("5.6.7.8"), []byte("x"), now); d != RejectRateLimited {
		t.Errorf("got %v, want RejectRateLimited", d)
	}
	if g.Rejected() != 1 {
		t.Errorf("Rejected() = %d, want 1", g.Rejected())
	}
}

func TestGateRateLimitIndependentPerIP(t *testing.T) {
	g := NewGate(Config{RatePerSecond: 1, PacketBurstLimit: 1, PacketBurstWindow: time.Minute})
	now := time.Now()
	g.Check(testAddr("1.1.1.1"), nil, now)
	if d := g.Check(testAddr("2.2.2.2"), nil, now); d != Allow {
		t.Errorf("second IP's first packet got %v, want Allow", d)
	}
}

func TestGateOversizedPacketBans(t *testing.T) {
	g := NewGate(Config{MaxPacketSize: 4, BaseBan: time.Second})
	now := time.Now()
	addr := testAddr("6.6.6.6")
	if d := g.Check(addr, []byte("toolong"), now); d != RejectOversized {
		t.Fatalf("got %v, want RejectOversized", d)
	}
	if d := g.Check(addr, []byte("x"), now); d != RejectBanned {
		t.Errorf("subsequent packet got %v, want RejectBanned", d)
	}
}

func TestGateBanRejectsUntilExpiry(t *testing.T) {
	g := NewGate(Config{RatePerSecond: 100, PacketBurstLimit: 100, BaseBan: time.Second})
	now := time.Now()
	addr := testAddr("9.9.9.9")
	g.Ban(addr.String(), "test", now)

	if d := g.Check(addr, nil, now); d != RejectBanned {
		t.Errorf("got %v, want RejectBanned", d)
	}
	if d := g.Check(addr, nil, now.Add(2*time.Second)); d != Allow {
		t.Errorf("after ban expiry: got %v, want Allow", d)
	}
}

func TestGateBanEscalatesLinearly(t *testing.T) {
	g := NewGate(Config{BaseBan: time.Second})
	now := time.Now()
	addr := "10.0.0.1:5000"

	d1 := g.Ban(addr, "test", now)
	d2 := g.Ban(addr, "test", now)
	d3 := g.Ban(addr, "test", now)

	if d1 != time.Second || d2 != 2*time.Second || d3 != 3*time.Second {
		t.Errorf("ban durations = %v, %v, %v; want linear 1s, 2s, 3s", d1, d2, d3)
	}
}

func TestGateUnban(t *testing.T) {
	g := NewGate(Config{})
	now := time.Now()
	g.Ban("8.8.8.8:5000", "test", now)
	g.Unban("8.8.8.8:5000")
	if g.Banned("8.8.8.8:5000", now) {
		t.Error("expected address to be unbanned")
	}
}

func TestGateRecentlyUnbannedHalvesRate(t *testing.T) {
	g := NewGate(Config{RatePerSecond: 10, PacketBurstLimit: 100, PacketBurstWindow: time.Minute, BaseBan: time.Millisecond})
	now := time.Now()
	addr := testAddr("7.7.7.7")

	g.Ban(addr.String(), "test", now)
	// Ban expires immediately; the next Check clears it and opens the
	// recently-unbanned cooldown, which should halve the allowed rate.
	later := now.Add(10 * time.Millisecond)
	if d := g.Check(addr, []byte("x"), later); d != Allow {
		t.Fatalf("first packet after ban expiry got %v, want Allow", d)
	}
	if limit := g.secondLimiterFor(addr.IP.String()).Limit(); limit != rate.Limit(5) {
		t.Errorf("secondLimiter rate = %v, want halved to 5", limit)
	}
}

func TestGateCheckNewConnectionBurstLimit(t *testing.T) {
	g := NewGate(Config{ConnectionBurstLimit: 2, ConnectionBurstWindow: time.Minute, BaseBan: time.Second})
	now := time.Now()
	addr := testAddr("12.0.0.1")

	for i := 0; i < 2; i++ {
		if d := g.CheckNewConnection(addr, now); d != Allow {
			t.Fatalf("connection %d: got %v, want Allow", i, d)
		}
	}
	if d := g.CheckNewConnection(addr, now); d != RejectRateLimited {
		t.Errorf("got %v, want RejectRateLimited", d)
	}
	if !g.Banned(addr.String(), now) {
		t.Error("expected address to be banned after exceeding the connection burst limit")
	}
}

func TestGateCheckQueueOverflow(t *testing.T) {
	g := NewGate(Config{MaxPacketQueueSize: 3, BaseBan: time.Second})
	now := time.Now()

	if d := g.CheckQueue("13.0.0.1:5000", 2, now); d != Allow {
		t.Errorf("got %v, want Allow", d)
	}
	if d := g.CheckQueue("13.0.0.1:5000", 3, now); d != RejectQueueOverflow {
		t.Errorf("got %v, want RejectQueueOverflow", d)
	}
}

func TestGateFilterRejectsPayload(t *testing.T) {
	g := NewGate(Config{RatePerSecond: 100, PacketBurstLimit: 100})
	g.AddFilter(MaxPayloadSizeFilter(4))
	now := time.Now()

	if d := g.Check(testAddr("3.3.3.3"), []byte("ok"), now); d != Allow {
		t.Errorf("short payload: got %v, want Allow", d)
	}
	if d := g.Check(testAddr("3.3.3.3"), []byte("toolong"), now); d != RejectFiltered {
		t.Errorf("long payload: got %v, want RejectFiltered", d)
	}
}

func TestDenyIPFilter(t *testing.T) {
	g := NewGate(Config{RatePerSecond: 100, PacketBurstLimit: 100})
	g.AddFilter(DenyIPFilter(map[string]bool{"4.4.4.4": true}))
	now := time.Now()

	if d := g.Check(testAddr("4.4.4.4"), nil, now); d != RejectFiltered {
		t.Errorf("denylisted ip: got %v, want RejectFiltered", d)
	}
	if d := g.Check(testAddr("1.2.3.5"), nil, now); d != Allow {
		t.Errorf("unlisted ip: got %v, want Allow", d)
	}
}

func TestGateActiveLimiters(t *testing.T) {
	g := NewGate(Config{RatePerSecond: 100, PacketBurstLimit: 100})
	now := time.Now()
	g.Check(testAddr("1.0.0.1"), nil, now)
	g.Check(testAddr("1.0.0.2"), nil, now)
	if g.ActiveLimiters() != 2 {
		t.Errorf("ActiveLimiters() = %d, want 2", g.ActiveLimiters())
	}
}
