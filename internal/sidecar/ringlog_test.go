package sidecar

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingLog_AddAndGetAll(t *testing.T) {
	rl := NewRingLog(4)

	for i := 0; i < 3; i++ {
		rl.Add(LogLine{Stream: "stdout", Content: fmt.Sprintf("line-%d", i)})
	}

	all := rl.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, "line-0", all[0].Content)
	assert.Equal(t, "line-2", all[2].Content)
}

func TestRingLog_WrapsAtCapacity(t *testing.T) {
	rl := NewRingLog(3)

	for i := 0; i < 5; i++ {
		rl.Add(LogLine{Stream: "stderr", Content: fmt.Sprintf("line-%d", i)})
	}

	all := rl.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, "line-2", all[0].Content)
	assert.Equal(t, "line-4", all[2].Content)
	assert.Equal(t, 3, rl.Count())
}

func TestRingLog_SequenceSurvivesEviction(t *testing.T) {
	rl := NewRingLog(2)

	for i := 0; i < 5; i++ {
		rl.Add(LogLine{Content: fmt.Sprintf("line-%d", i)})
	}

	all := rl.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, uint64(3), all[0].Seq)
	assert.Equal(t, uint64(4), all[1].Seq)
}

func TestRingLog_GetLast(t *testing.T) {
	rl := NewRingLog(10)

	for i := 0; i < 6; i++ {
		rl.Add(LogLine{Content: fmt.Sprintf("line-%d", i)})
	}

	last := rl.GetLast(2)
	require.Len(t, last, 2)
	assert.Equal(t, "line-4", last[0].Content)
	assert.Equal(t, "line-5", last[1].Content)

	assert.Len(t, rl.GetLast(100), 6)
}

func TestRingLog_TailFiltersByStream(t *testing.T) {
	rl := NewRingLog(10)
	rl.Add(LogLine{Stream: "stdout", Content: "out-0"})
	rl.Add(LogLine{Stream: "stderr", Content: "err-0"})
	rl.Add(LogLine{Stream: "stdout", Content: "out-1"})

	errs := rl.Tail("stderr", 10)
	require.Len(t, errs, 1)
	assert.Equal(t, "err-0", errs[0].Content)

	outs := rl.Tail("stdout", 1)
	require.Len(t, outs, 1)
	assert.Equal(t, "out-1", outs[0].Content)

	assert.Len(t, rl.Tail("", 10), 3)
}

func TestRingLog_Subscribe(t *testing.T) {
	rl := NewRingLog(10)

	sub := rl.Subscribe()
	defer rl.Unsubscribe(sub)

	rl.Add(LogLine{Stream: "stdout", Content: "streamed"})

	select {
	case line := <-sub.C():
		assert.Equal(t, "streamed", line.Content)
		assert.Equal(t, uint64(0), line.Seq)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive line")
	}
}

func TestRingLog_SlowSubscriberDropsAreCounted(t *testing.T) {
	rl := NewRingLog(10)
	sub := rl.Subscribe()
	defer rl.Unsubscribe(sub)

	// The subscriber buffer holds 100 lines; everything past that is
	// dropped while nobody reads.
	for i := 0; i < 105; i++ {
		rl.Add(LogLine{Content: fmt.Sprintf("line-%d", i)})
	}

	assert.Equal(t, uint64(5), sub.Dropped())

	first := <-sub.C()
	assert.Equal(t, uint64(0), first.Seq)
}

func TestRingLog_UnsubscribeTwice(t *testing.T) {
	rl := NewRingLog(10)
	sub := rl.Subscribe()

	rl.Unsubscribe(sub)
	// Second call must be a no-op, not a double close.
	rl.Unsubscribe(sub)
}

func TestRingLog_Clear(t *testing.T) {
	rl := NewRingLog(10)
	rl.Add(LogLine{Content: "a"})
	rl.Add(LogLine{Content: "b"})

	rl.Clear()
	assert.Equal(t, 0, rl.Count())
	assert.Empty(t, rl.GetAll())

	// Sequence numbering continues across the clear.
	rl.Add(LogLine{Content: "c"})
	all := rl.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, uint64(2), all[0].Seq)
}
