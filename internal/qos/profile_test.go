package qos

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCatalogGetFallsBackToDefault(t *testing.T) {
	c := NewCatalog()
	p := c.Get("NOT_A_REAL_PROFILE")
	if p.Name != NameDefault {
		t.Errorf("Get(unknown) = %q, want %q", p.Name, NameDefault)
	}
}

func TestCatalogBuiltins(t *testing.T) {
	c := NewCatalog()
	for _, name := range []string{NameDefault, NameRealtime, NameSystem, NameBulk, NameChat} {
		p := c.Get(name)
		if p.Name != name {
			t.Errorf("Get(%q).Name = %q", name, p.Name)
		}
	}
	if c.Get(NameRealtime).Reliability.IsReliable() {
		t.Error("REALTIME should not be reliable")
	}
	if !c.Get(NameDefault).Reliability.IsReliable() {
		t.Error("DEFAULT should be reliable")
	}
}

func TestCatalogWithFragmentSizeOverridesDefaults(t *testing.T) {
	c := NewCatalogWithFragmentSize(256)
	if got := c.Get(NameDefault).FragmentSize; got != 256 {
		t.Errorf("DEFAULT FragmentSize = %d, want 256", got)
	}
	if got := c.Get(NameBulk).FragmentSize; got != 8*1024 {
		t.Errorf("BULK FragmentSize = %d, want unaffected 8192", got)
	}
	if got := c.Get(NameKeepAlive).FragmentSize; got != 64 {
		t.Errorf("KEEPALIVE FragmentSize = %d, want unaffected 64", got)
	}
}

func TestCatalogAddAndRemove(t *testing.T) {
	c := NewCatalog()
	custom := Profile{Reliability: Reliable, Priority: PriorityLow, RetryDelayMs: 50, FragmentSize: 256}
	if err := c.Add("CUSTOM", custom); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got := c.Get("CUSTOM")
	if got.Name != "CUSTOM" || got.RetryDelayMs != 50 {
		t.Errorf("Get(CUSTOM) = %+v", got)
	}
	if err := c.Remove("CUSTOM"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if c.Get("CUSTOM").Name != NameDefault {
		t.Error("expected CUSTOM to fall back to DEFAULT after removal")
	}
}

func TestCatalogPermanentProfilesProtected(t *testing.T) {
	c := NewCatalog()
	if err := c.Add(NameDefault, Profile{}); err == nil {
		t.Error("expected error replacing DEFAULT")
	}
	if err := c.Add(NameSystem, Profile{}); err == nil {
		t.Error("expected error replacing SYSTEM")
	}
	if err := c.Remove(NameDefault); err == nil {
		t.Error("expected error removing DEFAULT")
	}
	if err := c.Remove(NameSystem); err == nil {
		t.Error("expected error removing SYSTEM")
	}
}

func TestProfileRetryDelayExponentialBackoff(t *testing.T) {
	p := Profile{RetryDelayMs: 100}
	cases := []struct {
		attempts int
		want     int
	}{
		{0, 100},
		{1, 200},
		{2, 400},
		{3, 800},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, p.RetryDelay(c.attempts), "RetryDelay(%d)", c.attempts)
	}
}

func TestProfileFragmentCount(t *testing.T) {
	p := Profile{FragmentSize: 512}
	cases := []struct {
		payloadLen int
		want       int
	}{
		{0, 0},
		{1, 1},
		{512, 1},
		{513, 2},
		{1024, 2},
		{1025, 3},
	}
	for _, c := range cases {
		if got := p.FragmentCount(c.payloadLen); got != c.want {
			t.Errorf("FragmentCount(%d) = %d, want %d", c.payloadLen, got, c.want)
		}
		if got := p.ShouldFragment(c.payloadLen); got != (c.payloadLen > p.FragmentSize) {
			t.Errorf("ShouldFragment(%d) = %v", c.payloadLen, got)
		}
	}
}
