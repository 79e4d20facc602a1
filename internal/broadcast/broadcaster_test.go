package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"browser-task-orchestrator/internal/task"
)

func collect(sub *Subscription, n int) []Event {
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, <-sub.Events())
	}
	return out
}

func TestSubscriberReceivesEventsInOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe("t1", 0)
	defer sub.Close()

	b.PublishStatus("t1", task.StatusRunning, "")
	b.PublishStep("t1", task.NewThinkingStep("t1", 1, "first"))
	b.PublishStep("t1", task.NewActionStep("t1", 2, "navigate", nil))

	events := collect(sub, 3)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
	assert.Equal(t, KindStatus, events[0].Kind)
	assert.Equal(t, KindStep, events[1].Kind)
	assert.Equal(t, "first", events[1].Step.Payload.Thinking.Text)
}

func TestLateSubscriberReplaysFromZero(t *testing.T) {
	b := New()
	b.PublishStep("t1", task.NewThinkingStep("t1", 1, "a"))
	b.PublishStep("t1", task.NewActionStep("t1", 2, "click", nil))
	b.PublishStep("t1", task.NewObservationStep("t1", 3, "clicked", ""))

	sub := b.Subscribe("t1", 0)
	defer sub.Close()

	events := collect(sub, 3)
	var prev uint64
	for _, ev := range events {
		assert.Greater(t, ev.Sequence, prev, "no reordering, no gaps")
		prev = ev.Sequence
	}
	assert.Equal(t, uint64(3), prev)

	// Live events continue after replay with no gap.
	b.PublishStatus("t1", task.StatusCompleted, "")
	ev := <-sub.Events()
	assert.Equal(t, uint64(4), ev.Sequence)
}

func TestSubscribeFromCursor(t *testing.T) {
	b := New()
	for i := 0; i < 5; i++ {
		b.PublishStep("t1", task.NewThinkingStep("t1", uint64(i+1), "s"))
	}
	sub := b.Subscribe("t1", 4)
	defer sub.Close()

	events := collect(sub, 2)
	assert.Equal(t, uint64(4), events[0].Sequence)
	assert.Equal(t, uint64(5), events[1].Sequence)
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	b := New()
	slow := b.Subscribe("t1", 0)

	// Never read from slow; overflow its buffer.
	for i := 0; i < DefaultSubscriberBuffer+10; i++ {
		b.PublishStep("t1", task.NewThinkingStep("t1", uint64(i+1), "x"))
	}

	assert.Equal(t, 0, b.SubscriberCount("t1"), "slow subscriber must be dropped")

	// Its channel is closed after draining the buffered prefix.
	n := 0
	for range slow.Events() {
		n++
	}
	assert.Equal(t, DefaultSubscriberBuffer, n)
}

func TestSecondSubscriberUnaffectedByDisconnect(t *testing.T) {
	b := New()
	a := b.Subscribe("t1", 0)
	c := b.Subscribe("t1", 0)

	b.PublishStep("t1", task.NewThinkingStep("t1", 1, "one"))
	<-a.Events()
	<-c.Events()

	a.Close()

	b.PublishStep("t1", task.NewThinkingStep("t1", 2, "two"))
	ev := <-c.Events()
	require.NotNil(t, ev.Step)
	assert.Equal(t, uint64(2), ev.Step.Sequence)
	assert.Equal(t, 1, b.SubscriberCount("t1"))

	// Closed subscription's channel is closed; double close is safe.
	a.Close()
	_, open := <-a.Events()
	assert.False(t, open)
}

func TestReleaseDisconnectsAndDropsHistory(t *testing.T) {
	b := New()
	sub := b.Subscribe("t1", 0)
	b.PublishStep("t1", task.NewThinkingStep("t1", 1, "x"))
	b.Release("t1")

	// Buffered event is still drained, then the channel closes.
	ev, open := <-sub.Events()
	assert.True(t, open)
	assert.Equal(t, uint64(1), ev.Sequence)
	_, open = <-sub.Events()
	assert.False(t, open)

	// History is gone: a fresh subscriber starts a new stream.
	fresh := b.Subscribe("t1", 0)
	defer fresh.Close()
	select {
	case <-fresh.Events():
		t.Fatal("released stream must not replay old events")
	default:
	}
}

func TestStreamsAreIndependentAcrossTasks(t *testing.T) {
	b := New()
	s1 := b.Subscribe("t1", 0)
	s2 := b.Subscribe("t2", 0)
	defer s1.Close()
	defer s2.Close()

	b.PublishStep("t1", task.NewThinkingStep("t1", 1, "x"))
	b.PublishStep("t2", task.NewThinkingStep("t2", 1, "y"))

	ev1 := <-s1.Events()
	ev2 := <-s2.Events()
	assert.Equal(t, "t1", ev1.TaskID)
	assert.Equal(t, "t2", ev2.TaskID)
	assert.Equal(t, uint64(1), ev1.Sequence)
	assert.Equal(t, uint64(1), ev2.Sequence, "sequences are per task")
}
