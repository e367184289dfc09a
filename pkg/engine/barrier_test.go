package engine

import (
	"testing"

	"github.com/flowmill/flowmill/pkg/protocol"
)

func TestJoinBarrierOrderedRelease(t *testing.T) {
	b := newJoinBarrier("merge", "split-1", 3, true)

	// Arrivals out of order must still release in index order.
	for _, index := range []int{2, 0, 1} {
		if b.satisfied() {
			t.Fatal("Expected barrier to not be satisfied yet")
		}
		err := b.arrive(index, protocol.InputRef{Step: "process", TaskID: "t", Index: index})
		if err != nil {
			t.Fatalf("Unexpected arrival error at index %d: %v", index, err)
		}
	}
	if !b.satisfied() {
		t.Fatal("Expected barrier to be satisfied")
	}

	inputs, err := b.orderedInputs()
	if err != nil {
		t.Fatalf("Unexpected error ordering inputs: %v", err)
	}
	for i, input := range inputs {
		if input.Index != i {
			t.Errorf("Expected input %d at position %d, got %d", i, i, input.Index)
		}
	}
}

func TestJoinBarrierDuplicateArrival(t *testing.T) {
	b := newJoinBarrier("merge", "split-1", 2, false)
	if err := b.arrive(0, protocol.InputRef{Step: "a", TaskID: "t1", Index: 0}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	err := b.arrive(0, protocol.InputRef{Step: "a", TaskID: "t2", Index: 0})
	if err == nil {
		t.Fatal("Expected a duplicate arrival to error")
	}
	ferr := asFlowError(err)
	if ferr.Code != ErrCodeJoinInputMismatch {
		t.Errorf("Expected code %s, got %s", ErrCodeJoinInputMismatch, ferr.Code)
	}
}

func TestJoinBarrierOutOfRangeArrival(t *testing.T) {
	b := newJoinBarrier("merge", "split-1", 2, true)
	if err := b.arrive(5, protocol.InputRef{Step: "p", TaskID: "t", Index: 5}); err == nil {
		t.Fatal("Expected an out of range arrival to error")
	}
	if err := b.arrive(-1, protocol.InputRef{Step: "p", TaskID: "t", Index: -1}); err == nil {
		t.Fatal("Expected a negative arrival to error")
	}
}
