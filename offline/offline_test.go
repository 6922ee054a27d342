package offline

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePayload(t *testing.T) {
	merged, err := MergePayload(json.RawMessage(`{"a":1,"b":"x"}`), json.RawMessage(`{"b":"y","c":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":"y","c":true}`, string(merged))

	merged, err = MergePayload(nil, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(merged))

	_, err = MergePayload(json.RawMessage(`[1,2]`), json.RawMessage(`{"a":1}`))
	assert.Error(t, err)
}

func TestValidatePayload(t *testing.T) {
	assert.NoError(t, ValidatePayload(nil))
	assert.NoError(t, ValidatePayload(json.RawMessage(`{"k":"v"}`)))
	assert.Error(t, ValidatePayload(json.RawMessage(`"scalar"`)))
}

func TestTempIDs(t *testing.T) {
	id := NewTempID()
	assert.True(t, IsTempID(id))
	assert.False(t, IsTempID("9001"))
	assert.NotEqual(t, NewTempID(), id)
	assert.NotEqual(t, NewIdempotencyKey(), NewIdempotencyKey())
}

func TestOperationClass(t *testing.T) {
	assert.Equal(t, ClassRecord, OpCreate.Class())
	assert.Equal(t, ClassRecord, OpUpdate.Class())
	assert.Equal(t, ClassRecord, OpDelete.Class())
	assert.Equal(t, ClassMedia, OpUploadMedia.Class())
	assert.False(t, Operation("patch").Valid())
}

func TestQueueEntryCoalescible(t *testing.T) {
	e := QueueEntry{State: EntryQueued}
	assert.True(t, e.Coalescible())
	e.AttemptCount = 1
	assert.False(t, e.Coalescible())
	e = QueueEntry{State: EntryRetryScheduled}
	assert.False(t, e.Coalescible())
	// a manually retried entry was attempted before even with a reset count
	e = QueueEntry{State: EntryQueued, LastAttemptAt: time.Now()}
	assert.False(t, e.Coalescible())
}

func TestQueueEntryCloneIsDeep(t *testing.T) {
	e := QueueEntry{ID: "q-1", PayloadSnapshot: json.RawMessage(`{"a":1}`)}
	c := e.Clone()
	c.PayloadSnapshot[2] = 'b'
	assert.Equal(t, `{"a":1}`, string(e.PayloadSnapshot))
}

func TestBusSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus()
	var got atomic.Int32
	unsub := bus.Subscribe(func(e Event) {
		assert.False(t, e.At.IsZero())
		got.Add(1)
	})
	bus.Publish(Event{Type: EventQueueDrained})
	assert.Equal(t, int32(1), got.Load())

	unsub()
	unsub()
	bus.Publish(Event{Type: EventQueueDrained})
	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, 0, bus.Len())
}

func TestCounterMetrics(t *testing.T) {
	m := NewCounterMetrics()
	m.RecordEntryOutcome(OpCreate, "acknowledged")
	m.RecordEntryOutcome(OpCreate, "acknowledged")
	m.RecordEvictions(3)
	m.RecordConflict("adopt_server")

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap["entry.create.acknowledged"])
	assert.Equal(t, int64(3), snap["cache.evicted"])
	assert.Equal(t, int64(1), snap["conflict.adopt_server"])
	assert.Equal(t, int64(0), snap["drain.count"])
}
