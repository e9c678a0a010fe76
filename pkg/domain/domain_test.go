package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotIsDetachedFromSource(t *testing.T) {
	src := Slots{"a": 1}
	snap := NewSnapshot(src)
	src["a"] = 2
	src["b"] = 3

	v, ok := snap.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.False(t, snap.Has("b"))
	assert.Equal(t, 1, snap.Len())

	m := snap.ToMap()
	m["a"] = 99
	v, _ = snap.Get("a")
	assert.Equal(t, 1, v)
}

func TestSlotsKeysSorted(t *testing.T) {
	s := Slots{"c": nil, "a": nil, "b": nil}
	assert.Equal(t, []SlotID{"a", "b", "c"}, s.Keys())
	assert.Equal(t, []SlotID{"a", "b", "c"}, NewSnapshot(s).Keys())
}

func TestTypedKey(t *testing.T) {
	count := NewKey[int]("count")
	out := Slots{}
	count.Put(out, 4)

	v, ok := count.Of(out)
	assert.True(t, ok)
	assert.Equal(t, 4, v)

	v, ok = count.From(NewSnapshot(out))
	assert.True(t, ok)
	assert.Equal(t, 4, v)

	name := NewKey[string]("count")
	_, ok = name.Of(out)
	assert.False(t, ok, "wrong type must not match")

	_, ok = NewKey[int]("missing").From(NewSnapshot(out))
	assert.False(t, ok)
}

func TestStageErrorMatchesSentinel(t *testing.T) {
	cause := errors.New("boom")
	err := &StageError{Kind: ReasonExecutionError, StageID: "s1", Slots: []SlotID{"x"}, Cause: cause}

	assert.ErrorIs(t, err, ErrExecution)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrIsolation)
	assert.Equal(t, `EXECUTION_ERROR in stage "s1" [x]: boom`, err.Error())
	assert.True(t, ReasonTimeout.Valid())
	assert.False(t, ReasonKind("NOPE").Valid())
}

func TestPipelineErrorWrapsReason(t *testing.T) {
	reason := &StageError{Kind: ReasonSlotMismatch, StageID: "s1"}
	res := PipelineResult{Failure: &PipelineFailure{Kind: FailureStageFailed, StageID: "s1", Reason: reason}}

	err := res.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageFailed)
	assert.ErrorIs(t, err, ErrSlotMismatch)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageID("s1"), se.StageID)

	assert.NoError(t, PipelineResult{OK: true}.Err())
}

func TestStageStateTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatePending, StateRunning))
	assert.True(t, CanTransition(StateRunning, StateFailed))
	assert.True(t, CanTransition(StateFailed, StateRecovered))
	assert.True(t, CanTransition(StateFailed, StateAborted))
	assert.False(t, CanTransition(StateSucceeded, StateFailed))
	assert.False(t, CanTransition(StatePending, StateSucceeded))
	assert.True(t, CanTransition(StateRunning, StateDiscarded))
	assert.False(t, CanTransition(StatePending, StateDiscarded))
	assert.True(t, StateSkipped.Terminal())
	assert.True(t, StateDiscarded.Terminal())
	assert.False(t, StateRunning.Terminal())
}

func TestCancelSource(t *testing.T) {
	src := NewCancelSource()
	assert.False(t, src.Aborted())
	src.Abort()
	src.Abort()
	assert.True(t, src.Aborted())
	select {
	case <-src.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestContextToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tok := ContextToken(ctx)
	assert.False(t, tok.Aborted())
	cancel()
	assert.True(t, tok.Aborted())
}
