package agentmsg

import "testing"

func TestRingBuffer_EvictsOldestBeyondCapacity(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Append(i)
	}
	got := r.Items()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("items[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if r.Len() != 3 {
		t.Errorf("len = %d, want 3", r.Len())
	}
}

func TestRingBuffer_TailCapsAtCurrentLength(t *testing.T) {
	r := NewRingBuffer[string](10)
	r.Append("a")
	r.Append("b")
	tail := r.Tail(5)
	if len(tail) != 2 {
		t.Fatalf("tail = %v, want length 2", tail)
	}
	if tail[0] != "a" || tail[1] != "b" {
		t.Errorf("tail = %v, want [a b]", tail)
	}
}

func TestRingBuffer_ItemsReturnsIndependentCopy(t *testing.T) {
	r := NewRingBuffer[int](5)
	r.Append(1)
	out := r.Items()
	out[0] = 999
	if r.Items()[0] == 999 {
		t.Errorf("mutating the returned slice must not affect the buffer's internal state")
	}
}
