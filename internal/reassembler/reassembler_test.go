package reassembler

import "testing"

func TestInOrderDelivery(t *testing.T) {
	r := New(65000)
	r.PushSubstring([]byte("abc"), 0, false)
	if got := string(r.Output().Read(3)); got != "abc" {
		t.Fatalf("got %q, want abc", got)
	}
	if !r.IsEmpty() {
		t.Fatalf("expected empty after in-order delivery")
	}
}

func TestOutOfOrderThenFill(t *testing.T) {
	r := New(65000)
	r.PushSubstring([]byte("bc"), 1, false)
	if r.Output().BufferSize() != 0 {
		t.Fatalf("expected nothing delivered yet")
	}
	if r.UnassembledBytes() != 2 {
		t.Fatalf("unassembled = %d, want 2", r.UnassembledBytes())
	}
	r.PushSubstring([]byte("a"), 0, false)
	if got := string(r.Output().Read(3)); got != "abc" {
		t.Fatalf("got %q, want abc", got)
	}
	if r.UnassembledBytes() != 0 {
		t.Fatalf("unassembled = %d, want 0", r.UnassembledBytes())
	}
}

func TestOverlappingSubstringsCoalesce(t *testing.T) {
	r := New(65000)
	r.PushSubstring([]byte("abc"), 0, false)
	r.PushSubstring([]byte("bcdef"), 1, false)
	if got := string(r.Output().Read(6)); got != "abcdef" {
		t.Fatalf("got %q, want abcdef", got)
	}
}

// TestIdempotentResubmission locks in P2 from spec.md §8: pushing the same
// substring twice does not duplicate or corrupt already-buffered bytes.
func TestIdempotentResubmission(t *testing.T) {
	r := New(65000)
	r.PushSubstring([]byte("hello"), 0, false)
	r.PushSubstring([]byte("hello"), 0, false)
	if got := string(r.Output().Read(10)); got != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}

func TestCapacityBoundsUnassembledPlusAssembled(t *testing.T) {
	r := New(4)
	// Push far-future bytes beyond the acceptable window; must be dropped.
	r.PushSubstring([]byte("z"), 100, false)
	if r.UnassembledBytes() != 0 {
		t.Fatalf("expected out-of-window bytes dropped, got %d pending", r.UnassembledBytes())
	}
}

func TestEOFOnlyAfterAllBytesAssembled(t *testing.T) {
	r := New(65000)
	r.PushSubstring([]byte("bc"), 1, true)
	if r.Output().EOF() {
		t.Fatalf("EOF signalled before prefix complete")
	}
	r.PushSubstring([]byte("a"), 0, false)
	if !r.Output().EOF() {
		t.Fatalf("expected EOF once contiguous prefix including eof segment is assembled")
	}
}

func TestDuplicateBytesAlreadyDeliveredAreIgnored(t *testing.T) {
	r := New(65000)
	r.PushSubstring([]byte("abc"), 0, false)
	r.Output().Read(3)
	r.PushSubstring([]byte("abc"), 0, false)
	if r.UnassembledBytes() != 0 {
		t.Fatalf("expected already-delivered bytes to be discarded, got %d pending", r.UnassembledBytes())
	}
}
