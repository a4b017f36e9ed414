package rediscluster

import (
	"testing"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChnSlotAgreesOnSameSlot(t *testing.T) {
	slot, err := ChnSlot("{shard}a", "{shard}b")
	require.NoError(t, err)
	assert.Equal(t, Slot("{shard}a"), slot)
}

func TestChnSlotRejectsMismatchedSlots(t *testing.T) {
	_, err := ChnSlot("{tagA}a", "{tagB}b")
	assert.Error(t, err)
}

func TestShardedPubSubSubscribeAndReceive(t *testing.T) {
	core := newTestCore(t)

	sm := NewSlotMap(AlwaysFromPrimary)
	require.NoError(t, sm.Build([]SlotEntry{
		{Start: 0, End: 16383, Addrs: SlotAddrs{Primary: "a:1"}},
	}))
	core.Container().SetSlots(sm)

	conn := newFakeConn().withReply("SSUBSCRIBE", []interface{}{
		[]byte("ssubscribe"), []byte("{shard}chan"), int64(1),
	})
	core.Container().ReplaceOrAdd("a:1", &ClusterNode{Addr: "a:1", User: conn})

	ps := NewShardedPubSubConn(core)
	require.NoError(t, ps.SSubscribe("{shard}chan"))

	msg := ps.Receive()
	sub, ok := msg.(redis.Subscription)
	require.True(t, ok, "expected redis.Subscription, got %#v", msg)
	assert.Equal(t, "ssubscribe", sub.Kind)
	assert.Equal(t, "{shard}chan", sub.Channel)
	assert.Equal(t, 1, sub.Count)

	require.NoError(t, ps.Close())
}

func TestShardedPubSubReceiveWithoutSubscribeErrors(t *testing.T) {
	ps := NewShardedPubSubConn(nil)
	msg := ps.Receive()
	assert.Error(t, msg.(error))
}
