package pioneeravr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestQueue() *Queue {
	registry := NewDefaultCodeRegistry()
	conn := NewConnection("127.0.0.1", 1)
	params := NewParams()
	resp := NewResponder(conn, registry, NewProperties(), params)
	return NewQueue(registry, conn, resp, params)
}

func TestQueueDedupSharesResultChannel(t *testing.T) {
	q := newTestQueue()

	ch1 := q.Enqueue(LaneUser, &CommandItem{Name: "volume_up", Zone: ZoneMain, Dedup: "volume_up"})
	ch2 := q.Enqueue(LaneUser, &CommandItem{Name: "volume_up", Zone: ZoneMain, Dedup: "volume_up"})

	assert.True(t, ch1 == ch2, "duplicate enqueue should return the existing item's result channel")
}

func TestQueueDedupDoesNotMergeAcrossZones(t *testing.T) {
	q := newTestQueue()

	ch1 := q.Enqueue(LaneUser, &CommandItem{Name: "volume_up", Zone: ZoneMain, Dedup: "volume_up"})
	ch2 := q.Enqueue(LaneUser, &CommandItem{Name: "zone2_volume_up", Zone: ZoneZ2, Dedup: "volume_up"})

	assert.False(t, ch1 == ch2)
}

func TestQueuePopNextPrefersUserLaneOverPollLane(t *testing.T) {
	q := newTestQueue()

	q.Enqueue(LanePoll, &CommandItem{Name: "power_query", Zone: ZoneMain})
	q.Enqueue(LaneUser, &CommandItem{Name: "power_on", Zone: ZoneMain})

	lane, item := q.popNext()
	if assert.NotNil(t, item) {
		assert.Equal(t, LaneUser, lane)
		assert.Equal(t, "power_on", item.Name)
	}

	lane, item = q.popNext()
	if assert.NotNil(t, item) {
		assert.Equal(t, LanePoll, lane)
		assert.Equal(t, "power_query", item.Name)
	}
}

func TestQueuePopNextEmpty(t *testing.T) {
	q := newTestQueue()
	_, item := q.popNext()
	assert.Nil(t, item)
}

func TestQueueSkipIfQueuedCollapsesIdenticalArgs(t *testing.T) {
	q := newTestQueue()
	yes := true

	ch1 := q.Enqueue(LaneUser, &CommandItem{Name: "power_on", Zone: ZoneMain, SkipIfQueued: &yes})
	ch2 := q.Enqueue(LaneUser, &CommandItem{Name: "power_on", Zone: ZoneMain, SkipIfQueued: &yes})

	assert.True(t, ch1 == ch2, "two power_on(Main) calls with skip_if_queued should collapse to one outbound frame")
}

func TestQueueSkipIfQueuedDoesNotCollapseDifferentArgs(t *testing.T) {
	q := newTestQueue()
	yes := true

	ch1 := q.Enqueue(LaneUser, &CommandItem{Name: "volume_set", Zone: ZoneMain, Args: []any{50}, SkipIfQueued: &yes})
	ch2 := q.Enqueue(LaneUser, &CommandItem{Name: "volume_set", Zone: ZoneMain, Args: []any{60}, SkipIfQueued: &yes})

	assert.False(t, ch1 == ch2, "skip_if_queued must compare args, not just name+zone")
}

func TestQueueSkipIfStartingDropsItem(t *testing.T) {
	q := newTestQueue()
	q.SetStartingProbe(func() bool { return true })
	yes := true

	ch := q.Enqueue(LaneUser, &CommandItem{Name: "power_on", Zone: ZoneMain, SkipIfStarting: &yes})
	res := <-ch
	assert.NoError(t, res.err)
	assert.Equal(t, 0, countPending(q))
}

func TestQueueLocalCommandDispatchesWithoutTouchingWire(t *testing.T) {
	q := newTestQueue()
	called := false
	q.RegisterLocalCommand("_full_refresh", func(ctx context.Context, item *CommandItem) commandResult {
		called = true
		return commandResult{}
	})

	item := &CommandItem{Name: "_full_refresh"}
	item.resultCh = make(chan commandResult, 1)
	q.execute(context.Background(), item)

	res := <-item.resultCh
	assert.NoError(t, res.err)
	assert.True(t, called)
}

func TestQueueInsertAtNegativeOnePushesToHead(t *testing.T) {
	q := newTestQueue()
	q.Enqueue(LaneUser, &CommandItem{Name: "power_on", Zone: ZoneMain})
	q.Enqueue(LaneUser, &CommandItem{Name: "volume_up", Zone: ZoneMain, InsertAt: -1})

	lane, item := q.popNext()
	assert.Equal(t, LaneUser, lane)
	assert.Equal(t, "volume_up", item.Name)
}

func TestQueueUnknownCommandFailsWithValidationError(t *testing.T) {
	q := newTestQueue()
	item := &CommandItem{Name: "not_a_real_command", Zone: ZoneMain}
	item.resultCh = make(chan commandResult, 1)

	q.execute(nil, item)

	res := <-item.resultCh
	var ve *ValidationError
	assert.ErrorAs(t, res.err, &ve)
}
