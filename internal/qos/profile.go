// Package qos holds the reliability/priority profile catalog: the
// immutable descriptors that every send(payload, profile) call consults
// for retry policy, fragmentation threshold, and the optional
// compress/encrypt transforms (spec.md §3/§4.5).
package qos

import (
	"fmt"
	"sync"
)

// Reliability selects how a connection's reliability layer treats a send.
type Reliability uint8

const (
	Unreliable Reliability = iota
	UnreliableSequenced
	Reliable
	ReliableOrdered
	ReliableSequenced
)

func (r Reliability) String() string {
	switch r {
	case Unreliable:
		return "UNRELIABLE"
	case UnreliableSequenced:
		return "UNRELIABLE_SEQUENCED"
	case Reliable:
		return "RELIABLE"
	case ReliableOrdered:
		return "RELIABLE_ORDERED"
	case ReliableSequenced:
		return "RELIABLE_SEQUENCED"
	default:
		return fmt.Sprintf("Reliability(%d)", uint8(r))
	}
}

// IsReliable reports whether this class requires retransmission tracking.
func (r Reliability) IsReliable() bool {
	return r == Reliable || r == ReliableOrdered || r == ReliableSequenced
}

// Priority is a profile's send priority, stamped into each frame's header.
// Nothing in this tree reorders outbound sends by it.
type Priority uint8

const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
	PrioritySystem
)

// Profile is an immutable QoS descriptor. Built-ins are published once at
// startup and never mutated in place — Catalog.Add replaces the value
// held for a name instead.
type Profile struct {
	Name              string
	Reliability       Reliability
	Priority          Priority
	MaxRetries        int
	RetryDelayMs      int
	TimeoutMs         int
	Compression       bool
	Encryption        bool
	FragmentSize      int
	OrderingChannel   uint8
	SequencingChannel uint8
}

// RetryDelay returns the exponential backoff delay in ms for the given
// attempt count, per spec.md §4.5: retryDelayMs · 2^attempts.
func (p Profile) RetryDelay(attempts int) int {
	return p.RetryDelayMs << attempts
}

// ShouldFragment reports whether a payload of this length must be split
// under this profile's fragment size.
func (p Profile) ShouldFragment(payloadLen int) bool {
	return payloadLen > p.FragmentSize
}

// FragmentCount returns ceil(payloadLen / fragmentSize).
func (p Profile) FragmentCount(payloadLen int) int {
	if payloadLen == 0 {
		return 0
	}
	return (payloadLen + p.FragmentSize - 1) / p.FragmentSize
}

// Built-in profile names (spec.md §3). Of these, only DEFAULT and SYSTEM
// are permanent: they can never be replaced or removed.
const (
	NameDefault   = "DEFAULT"
	NameSystem    = "SYSTEM"
	NameRealtime  = "REALTIME"
	NameBulk      = "BULK"
	NameChat      = "CHAT"
	NameKeepAlive = "KEEPALIVE"
)

// defaultFragmentSize is the fragmentSize builtins() bakes into every
// profile that doesn't call for a size of its own (spec.md §6).
const defaultFragmentSize = 512

func builtins() map[string]Profile {
	return builtinsWithFragmentSize(defaultFragmentSize)
}

// builtinsWithFragmentSize returns the built-in catalog with fragSize in
// place of the profiles that otherwise default to defaultFragmentSize.
// BULK and KEEPALIVE keep their own sizes: BULK is deliberately coarser
// for throughput, KEEPALIVE deliberately finer since it never carries a
// real payload.
func builtinsWithFragmentSize(fragSize int) map[string]Profile {
	return map[string]Profile{
		NameDefault: {
			Name: NameDefault, Reliability: Reliable, Priority: PriorityNormal,
			MaxRetries: 10, RetryDelayMs: 100, TimeoutMs: 15000,
			Compression: true, FragmentSize: fragSize,
		},
		NameRealtime: {
			Name: NameRealtime, Reliability: UnreliableSequenced, Priority: PriorityHigh,
			MaxRetries: 0, RetryDelayMs: 0, TimeoutMs: 1000,
			FragmentSize: fragSize,
		},
		NameSystem: {
			Name: NameSystem, Reliability: ReliableOrdered, Priority: PrioritySystem,
			MaxRetries: 5, RetryDelayMs: 100, TimeoutMs: 10000,
			Encryption: true, FragmentSize: fragSize,
		},
		NameBulk: {
			Name: NameBulk, Reliability: Reliable, Priority: PriorityLow,
			MaxRetries: 10, RetryDelayMs: 250, TimeoutMs: 30000,
			FragmentSize: 8 * 1024,
		},
		NameChat: {
			Name: NameChat, Reliability: ReliableOrdered, Priority: PriorityNormal,
			MaxRetries: 10, RetryDelayMs: 100, TimeoutMs: 15000,
			Encryption: true, FragmentSize: fragSize,
		},
		NameKeepAlive: {
			Name: NameKeepAlive, Reliability: Unreliable, Priority: PriorityLowest,
			MaxRetries: 0, RetryDelayMs: 0, TimeoutMs: 1000,
			FragmentSize: 64,
		},
	}
}

// permanent names may never be replaced or removed via Catalog.Add/Remove.
var permanent = map[string]bool{NameDefault: true, NameSystem: true}

// ErrPermanentProfile is returned when the caller tries to replace or
// remove DEFAULT or SYSTEM.
var ErrPermanentProfile = fmt.Errorf("qos: profile is permanent")

// Catalog is the process-wide profile registry (spec.md §4.5). Get falls
// back to DEFAULT for unknown names so a caller can never hand a
// connection a nil profile.
type Catalog struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewCatalog returns a catalog seeded with the built-in profiles at
// their default fragment size.
func NewCatalog() *Catalog {
	return &Catalog{profiles: builtins()}
}

// NewCatalogWithFragmentSize is NewCatalog with fragSize (spec.md §6's
// fragmentSize key) in place of defaultFragmentSize for every built-in
// profile that doesn't call for a size of its own.
func NewCatalogWithFragmentSize(fragSize int) *Catalog {
	if fragSize <= 0 {
		fragSize = defaultFragmentSize
	}
	return &Catalog{profiles: builtinsWithFragmentSize(fragSize)}
}

// Get returns the named profile, or DEFAULT if name is unknown.
func (c *Catalog) Get(name string) Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.profiles[name]; ok {
		return p
	}
	return c.profiles[NameDefault]
}

// Add registers or replaces a named profile. DEFAULT and SYSTEM cannot be
// replaced this way.
func (c *Catalog) Add(name string, p Profile) error {
	if permanent[name] {
		return fmt.Errorf("qos: add %q: %w", name, ErrPermanentProfile)
	}
	p.Name = name
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[name] = p
	return nil
}

// Remove deletes a named profile. DEFAULT and SYSTEM cannot be removed;
// an unknown name is a no-op (Get already falls back to DEFAULT).
func (c *Catalog) Remove(name string) error {
	if permanent[name] {
		return fmt.Errorf("qos: remove %q: %w", name, ErrPermanentProfile)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.profiles, name)
	return nil
}
