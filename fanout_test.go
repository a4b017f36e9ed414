package rediscluster

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCore builds a Core with a discarding logger: background goroutines
// triggered by redirect handling (see request.go's triggerSlotRefreshAsync)
// can outlive the test, and a logger writing through t.Logf would panic
// once the test has finished.
func newTestCore(t *testing.T) *Core {
	t.Helper()
	params, err := NewClusterParams()
	require.NoError(t, err)
	return NewCore(nil, params, log.New(io.Discard, "", 0))
}

func TestFanOutAllMastersAggregateSum(t *testing.T) {
	core := newTestCore(t)
	a := newFakeConn().withReply("DBSIZE", int64(3))
	b := newFakeConn().withReply("DBSIZE", int64(4))
	core.Container().ReplaceOrAdd("a:1", &ClusterNode{Addr: "a:1", User: a})
	core.Container().ReplaceOrAdd("b:1", &ClusterNode{Addr: "b:1", User: b})

	sm := NewSlotMap(AlwaysFromPrimary)
	require.NoError(t, sm.Build([]SlotEntry{
		{Start: 0, End: 8000, Addrs: SlotAddrs{Primary: "a:1"}},
		{Start: 8001, End: 16383, Addrs: SlotAddrs{Primary: "b:1"}},
	}))
	core.Container().SetSlots(sm)

	reply, err := core.Execute(context.Background(), "DBSIZE")
	require.NoError(t, err)
	assert.EqualValues(t, 7, reply)
}

func TestFanOutAllMastersFailsOnAnyError(t *testing.T) {
	core := newTestCore(t)
	a := newFakeConn().withReply("FLUSHALL", "OK")
	b := newFakeConn().withError("FLUSHALL", assertError{"boom"})
	core.Container().ReplaceOrAdd("a:1", &ClusterNode{Addr: "a:1", User: a})
	core.Container().ReplaceOrAdd("b:1", &ClusterNode{Addr: "b:1", User: b})

	sm := NewSlotMap(AlwaysFromPrimary)
	require.NoError(t, sm.Build([]SlotEntry{
		{Start: 0, End: 8000, Addrs: SlotAddrs{Primary: "a:1"}},
		{Start: 8001, End: 16383, Addrs: SlotAddrs{Primary: "b:1"}},
	}))
	core.Container().SetSlots(sm)

	_, err := core.Execute(context.Background(), "FLUSHALL")
	assert.Error(t, err)
}

func TestFanOutMultiSlotReturnsOneValuePerKey(t *testing.T) {
	core := newTestCore(t)
	sm := NewSlotMap(AlwaysFromPrimary)
	require.NoError(t, sm.Build([]SlotEntry{
		{Start: 0, End: 16383, Addrs: SlotAddrs{Primary: "a:1"}},
	}))
	core.Container().SetSlots(sm)
	conn := newFakeConn().withReply("MGET", []interface{}{[]byte("v1"), []byte("v2")})
	core.Container().ReplaceOrAdd("a:1", &ClusterNode{Addr: "a:1", User: conn})

	reply, err := core.Execute(context.Background(), "MGET", "k1", "k2")
	require.NoError(t, err)
	values, ok := reply.([]interface{})
	require.True(t, ok)
	assert.Len(t, values, 2)
}

func TestFanOutAllMastersFailsWhenANodeHasNoConnection(t *testing.T) {
	core := newTestCore(t)
	a := newFakeConn().withReply("FLUSHALL", "OK")
	core.Container().ReplaceOrAdd("a:1", &ClusterNode{Addr: "a:1", User: a})
	// "b:1" is a known primary with no registered node at all: ConnectionForAddress
	// will fail for it, the way a dropped (actionReconnect'd) node would.

	sm := NewSlotMap(AlwaysFromPrimary)
	require.NoError(t, sm.Build([]SlotEntry{
		{Start: 0, End: 8000, Addrs: SlotAddrs{Primary: "a:1"}},
		{Start: 8001, End: 16383, Addrs: SlotAddrs{Primary: "b:1"}},
	}))
	core.Container().SetSlots(sm)

	_, err := core.Execute(context.Background(), "FLUSHALL")
	assert.Error(t, err, "a primary with no lendable connection must fail AllSucceeded, not be silently skipped")
}

func TestFanOutAllMastersAggregateSumFailsWhenANodeHasNoConnection(t *testing.T) {
	core := newTestCore(t)
	a := newFakeConn().withReply("DBSIZE", int64(3))
	core.Container().ReplaceOrAdd("a:1", &ClusterNode{Addr: "a:1", User: a})

	sm := NewSlotMap(AlwaysFromPrimary)
	require.NoError(t, sm.Build([]SlotEntry{
		{Start: 0, End: 8000, Addrs: SlotAddrs{Primary: "a:1"}},
		{Start: 8001, End: 16383, Addrs: SlotAddrs{Primary: "b:1"}},
	}))
	core.Container().SetSlots(sm)

	_, err := core.Execute(context.Background(), "DBSIZE")
	assert.Error(t, err, "AggregateSum must fail rather than silently sum over only the reachable nodes")
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
