package reliability

import (
	"testing"
	"time"
)

func TestSequenceMonotonicityWraps(t *testing.T) {
	p := NewPeer("1.2.3.4:1", time.Now())
	for i := 0; i < 300; i++ {
		got := p.NextSequence(0)
		want := uint8(i % 256)
		if got != want {
			t.Fatalf("NextSequence iteration %d = %d, want %d", i, got, want)
		}
	}
}

func TestIsNewerHalfWindow(t *testing.T) {
	cases := []struct {
		w, s uint8
		want bool
	}{
		{200, 50, true},
		{10, 138, true},
		{10, 139, false},
	}
	for _, c := range cases {
		if got := IsNewer(c.s, c.w, true); got != c.want {
			t.Fatalf("IsNewer(%d, %d) = %v, want %v", c.s, c.w, got, c.want)
		}
	}
}

func TestIsNewerNoWatermarkAcceptsAnything(t *testing.T) {
	if !IsNewer(200, 0, false) {
		t.Fatal("expected any candidate to be newer with no prior watermark")
	}
}

func TestOrderedReorderPermutation(t *testing.T) {
	p := NewPeer("peer", time.Now())
	seqs := []uint8{3, 1, 2, 0}
	payloads := map[uint8][]byte{0: {0}, 1: {1}, 2: {2}, 3: {3}}

	var delivered [][]byte
	for _, s := range seqs {
		p.InsertReorder(7, s, payloads[s])
		delivered = append(delivered, p.DrainOrdered(7)...)
	}

	want := []byte{0, 1, 2, 3}
	if len(delivered) != len(want) {
		t.Fatalf("delivered %d payloads, want %d: %v", len(delivered), len(want), delivered)
	}
	for i, b := range delivered {
		if b[0] != want[i] {
			t.Fatalf("delivered[%d] = %d, want %d", i, b[0], want[i])
		}
	}
}

func TestOrderedReorderLeavesBufferEmpty(t *testing.T) {
	p := NewPeer("peer", time.Now())
	for _, s := range []uint8{3, 1, 2, 0} {
		p.InsertReorder(7, s, []byte{s})
		p.DrainOrdered(7)
	}
	if got := len(p.reorderBuf[7]); got != 0 {
		t.Fatalf("reorder buffer has %d leftover entries, want 0", got)
	}
}

func TestOrderedWrapAround(t *testing.T) {
	p := NewPeer("peer", time.Now())
	p.AdvanceWatermark(0, 254)

	seqs := []uint8{255, 0, 1}
	var delivered []uint8
	for _, s := range seqs {
		p.InsertReorder(0, s, []byte{s})
		for _, payload := range p.DrainOrdered(0) {
			delivered = append(delivered, payload[0])
		}
	}

	want := []uint8{255, 0, 1}
	if len(delivered) != len(want) {
		t.Fatalf("delivered = %v, want %v", delivered, want)
	}
	for i, s := range want {
		if delivered[i] != s {
			t.Fatalf("delivered[%d] = %d, want %d", i, delivered[i], s)
		}
	}
}

func TestAckIdempotent(t *testing.T) {
	p := NewPeer("peer", time.Now())
	p.RecordUnacked(2, 5, 2, []byte("payload"), time.Now())
	if p.UnackedCount() != 1 {
		t.Fatalf("expected 1 unacked entry")
	}

	p.Ack(2, 5)
	if p.UnackedCount() != 0 {
		t.Fatalf("expected ack to clear the entry")
	}

	p.Ack(2, 5) // second ack for the same (channel, seq) is a no-op
	if p.UnackedCount() != 0 {
		t.Fatalf("second ack must not resurrect or error")
	}
}

func TestRetryCapSendsAtMostSixTimes(t *testing.T) {
	p := NewPeer("peer", time.Now())
	start := time.Now()
	p.RecordUnacked(2, 1, 2, []byte("x"), start)

	sends := 0
	now := start
	for i := 0; i < 8; i++ {
		now = now.Add(RetryInterval)
		p.RunRetries(now, func(ch, seq, kind uint8, payload []byte) {
			sends++
		})
	}

	if sends != RetryCap {
		t.Fatalf("sends = %d, want %d retries after the initial send", sends, RetryCap)
	}
	if p.UnackedCount() != 0 {
		t.Fatalf("entry should have been dropped after the retry cap")
	}
}

func TestTimeoutIdleSince(t *testing.T) {
	start := time.Now()
	p := NewPeer("peer", start)
	later := start.Add(DefaultPeerTimeout + time.Second)
	if p.IdleSince(later) < DefaultPeerTimeout {
		t.Fatal("expected peer to be idle beyond the timeout")
	}
}
