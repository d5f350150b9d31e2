package fragment

import (
	"bytes"
	"testing"
	"time"

	"github.com/ventosilenzioso/bae0net/internal/wire"
)

func TestSplitEvenDivision(t *testing.T) {
	payload := bytes.Repeat([]byte{1}, 1024)
	chunks := Split(payload, 512)
	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	if len(chunks[0]) != 512 || len(chunks[1]) != 512 {
		t.Errorf("chunk sizes = %d, %d", len(chunks[0]), len(chunks[1]))
	}
}

func TestSplitRemainder(t *testing.T) {
	payload := bytes.Repeat([]byte{2}, 1025)
	chunks := Split(payload, 512)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	if len(chunks[2]) != 1 {
		t.Errorf("last chunk len = %d, want 1", len(chunks[2]))
	}
}

func TestSplitEmpty(t *testing.T) {
	if chunks := Split(nil, 512); chunks != nil {
		t.Errorf("Split(nil) = %v, want nil", chunks)
	}
}

func fragHeader(group uint16, index int, last bool) wire.Header {
	h := wire.Header{
		Sequence: EncodeSequence(group, index),
		Flags:    wire.IsFragment,
	}
	if last {
		h.Flags = h.Flags.Set(wire.LastFragment)
	}
	return h
}

func TestReassemblerInOrder(t *testing.T) {
	r := NewReassembler()
	payload := []byte("hello world, this is a fragmented message")
	chunks := Split(payload, 10)

	var out []byte
	var done bool
	for i, c := range chunks {
		last := i == len(chunks)-1
		h := fragHeader(1, i+1, last)
		var err error
		out, done, err = r.Add(h, c)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if last && !done {
			t.Fatal("expected completion on last fragment")
		}
		if !last && done {
			t.Fatal("unexpected early completion")
		}
	}
	if string(out) != string(payload) {
		t.Errorf("reassembled = %q, want %q", out, payload)
	}
}

func TestReassemblerOutOfOrder(t *testing.T) {
	r := NewReassembler()
	payload := []byte("abcdefghijklmnopqrstuvwxyz")
	chunks := Split(payload, 5)

	order := []int{2, 0, 5, 4, 1, 3} // shuffled indexes into the six chunks
	var out []byte
	var done bool
	for _, ci := range order {
		last := ci == len(chunks)-1
		h := fragHeader(7, ci+1, last)
		var err error
		out, done, err = r.Add(h, chunks[ci])
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if !done {
		t.Fatal("expected completion after all fragments delivered")
	}
	if string(out) != string(payload) {
		t.Errorf("reassembled = %q, want %q", out, payload)
	}
}

func TestReassemblerDuplicateFragmentIgnored(t *testing.T) {
	r := NewReassembler()
	h1 := fragHeader(3, 1, false)
	r.Add(h1, []byte("aa"))
	if _, _, err := r.Add(h1, []byte("zz")); err != nil {
		t.Fatalf("Add duplicate: %v", err)
	}
	h2 := fragHeader(3, 2, true)
	out, done, err := r.Add(h2, []byte("bb"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !done {
		t.Fatal("expected completion")
	}
	if string(out) != "aabb" {
		t.Errorf("reassembled = %q, want %q (first copy of duplicate fragment wins)", out, "aabb")
	}
}

func TestReassemblerIndexOutOfRange(t *testing.T) {
	r := NewReassembler()
	h := fragHeader(1, int(wire.MaxFragmentIndex)+1, false)
	if _, _, err := r.Add(h, []byte("x")); err == nil {
		t.Fatal("expected error for fragment index beyond MaxFragmentIndex")
	}
}

func TestReassemblerSweepEvictsStale(t *testing.T) {
	r := NewReassembler()
	r.Add(fragHeader(9, 1, false), []byte("partial"))
	if r.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", r.Pending())
	}
	n := r.Sweep(time.Now().Add(TTL + time.Second))
	if n != 1 {
		t.Errorf("Sweep evicted %d groups, want 1", n)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() after sweep = %d, want 0", r.Pending())
	}
}

func TestReassemblerSweepKeepsFresh(t *testing.T) {
	r := NewReassembler()
	r.Add(fragHeader(9, 1, false), []byte("partial"))
	if n := r.Sweep(time.Now()); n != 0 {
		t.Errorf("Sweep evicted %d groups too early", n)
	}
}
