// Package fragment implements outbound splitting and inbound reassembly
// of oversized payloads (spec.md §4.3). A fragment group is identified
// by the upper 16 bits of a packet's sequence number (wire.Header's
// FragmentGroup); the lower 16 bits are the fragment's 1-based index
// within that group, capped at wire.MaxFragmentIndex — the same bound
// firestige's IP reassembler enforces per flow via MaxFragments.
package fragment

import (
	"fmt"
	"sync"
	"time"

	"github.com/ventosilenzioso/bae0net/internal/wire"
)

// TTL bounds how long an incomplete group is held before eviction,
// mirroring the Otus reassembler's per-flow Timeout.
const TTL = 30 * time.Second

// Split divides payload into chunks of at most fragmentSize bytes,
// returning them in order. The caller stamps each chunk's group id and
// 1-based index into its sequence number with EncodeSequence.
func Split(payload []byte, fragmentSize int) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	n := (len(payload) + fragmentSize - 1) / fragmentSize
	chunks := make([][]byte, 0, n)
	for off := 0; off < len(payload); off += fragmentSize {
		end := off + fragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks
}

// EncodeSequence packs a fragment group id and 1-based index into the
// composite sequence number the wire header carries for fragments.
func EncodeSequence(group uint16, index int) uint32 {
	return uint32(group)<<16 | uint32(index)
}

var errTooManyFragments = fmt.Errorf("fragment: group exceeds %d fragments", wire.MaxFragmentIndex)
var errGroupComplete = fmt.Errorf("fragment: group already completed")

// group accumulates fragments for one (connection, group-id) pair.
type group struct {
	parts    map[uint16][]byte
	total    uint16 // 0 until the LastFragment-tagged piece arrives
	touched  time.Time
	complete bool
}

// Reassembler reassembles fragment groups per connection key. One
// instance is shared by a connection's receive path; keys are the
// fragment group id (spec.md never multiplexes more than 65536
// concurrent groups per connection, matching the 16-bit group field).
type Reassembler struct {
	mu     sync.Mutex
	groups map[uint16]*group
}

// NewReassembler returns an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{groups: make(map[uint16]*group)}
}

// Add feeds one fragment into its group. It returns the reassembled
// payload and true once the group's final fragment has arrived and
// every index 1..total has been seen; otherwise it returns (nil, false).
func (r *Reassembler) Add(h wire.Header, payload []byte) ([]byte, bool, error) {
	gid := h.FragmentGroup()
	idx := h.FragmentIndex()
	if idx == 0 || idx > wire.MaxFragmentIndex {
		return nil, false, errTooManyFragments
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[gid]
	if !ok {
		g = &group{parts: make(map[uint16][]byte)}
		r.groups[gid] = g
	}
	if g.complete {
		return nil, false, errGroupComplete
	}
	g.touched = time.Now()

	if _, dup := g.parts[idx]; !dup {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		g.parts[idx] = buf
	}
	if h.Flags.Has(wire.LastFragment) {
		g.total = idx
	}

	if g.total == 0 || len(g.parts) < int(g.total) {
		return nil, false, nil
	}
	for i := uint16(1); i <= g.total; i++ {
		if _, ok := g.parts[i]; !ok {
			return nil, false, nil
		}
	}

	size := 0
	for i := uint16(1); i <= g.total; i++ {
		size += len(g.parts[i])
	}
	out := make([]byte, 0, size)
	for i := uint16(1); i <= g.total; i++ {
		out = append(out, g.parts[i]...)
	}
	g.complete = true
	delete(r.groups, gid)
	return out, true, nil
}

// Sweep evicts groups that have not received a fragment since before
// now.Add(-TTL), returning how many were dropped.
func (r *Reassembler) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for gid, g := range r.groups {
		if now.Sub(g.touched) > TTL {
			delete(r.groups, gid)
			n++
		}
	}
	return n
}

// Pending reports how many incomplete groups are currently buffered,
// for metrics/diagnostics.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}
