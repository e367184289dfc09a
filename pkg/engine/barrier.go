package engine

import (
	"fmt"

	"github.com/flowmill/flowmill/pkg/protocol"
)

// joinBarrier tracks, for one fan-out, the predecessor tasks that must
// complete before the closing join runs. A barrier is created when the split
// task's result announces its width (static target count for branch,
// announced cardinality for foreach) and destroyed once the join task is
// spawned.
type joinBarrier struct {
	// join is the step the barrier releases.
	join string

	// key is the split task's ID; it scopes the barrier so sibling
	// fan-outs over the same join (nested foreach, resumed runs) never
	// share arrivals.
	key string

	// expected is the number of predecessors the barrier waits for.
	expected int

	// foreach distinguishes an indexed foreach barrier from a branch
	// barrier; only the error messages differ.
	foreach bool

	// arrived maps arrival index (branch slot or foreach index) to the
	// completed predecessor.
	arrived map[int]protocol.InputRef
}

func newJoinBarrier(join, key string, expected int, foreach bool) *joinBarrier {
	return &joinBarrier{
		join:     join,
		key:      key,
		expected: expected,
		foreach:  foreach,
		arrived:  make(map[int]protocol.InputRef),
	}
}

// arrive records one completed predecessor. A duplicate or out-of-range
// index means the run's bookkeeping and the announced width disagree.
func (b *joinBarrier) arrive(index int, input protocol.InputRef) error {
	if index < 0 || index >= b.expected {
		return NewProtocolError(
			fmt.Sprintf("join %q received input index %d outside announced width %d", b.join, index, b.expected),
			nil,
		).WithStep(b.join).WithCode(ErrCodeJoinInputMismatch).
			WithRemediation("the fan-out's announced cardinality and its completed tasks disagree; do not mutate the iteration artifact after calling the foreach transition")
	}
	if _, dup := b.arrived[index]; dup {
		return NewProtocolError(
			fmt.Sprintf("join %q received a duplicate input at index %d", b.join, index),
			nil,
		).WithStep(b.join).WithCode(ErrCodeJoinInputMismatch).
			WithRemediation("two predecessor tasks claimed the same join slot; this is an engine bookkeeping fault, please report it")
	}
	b.arrived[index] = input
	return nil
}

// satisfied reports whether every expected predecessor has arrived.
func (b *joinBarrier) satisfied() bool {
	return len(b.arrived) == b.expected
}

// orderedInputs returns the arrivals ordered by slot. It errors if a slot
// never arrived, which satisfied() should have prevented.
func (b *joinBarrier) orderedInputs() ([]protocol.InputRef, error) {
	inputs := make([]protocol.InputRef, 0, b.expected)
	for i := 0; i < b.expected; i++ {
		in, ok := b.arrived[i]
		if !ok {
			kind := "branch arm"
			if b.foreach {
				kind = "foreach child"
			}
			return nil, NewProtocolError(
				fmt.Sprintf("join %q is missing %s %d of %d", b.join, kind, i, b.expected),
				nil,
			).WithStep(b.join).WithCode(ErrCodeJoinInputMismatch)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// barrierKey identifies a barrier in the scheduler's table.
func barrierKey(join, key string) string {
	return join + "\x00" + key
}
