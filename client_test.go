package rediscluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoSuchHost = errors.New("no such host (test double)")

// timeoutTrackingConn wraps fakeConn to record SetReadTimeout/SetWriteTimeout
// calls, verifying Core.dispatch applies a Conn-level override (spec.md §6).
type timeoutTrackingConn struct {
	*fakeConn
	lastRead, lastWrite time.Duration
}

func (c *timeoutTrackingConn) SetReadTimeout(d time.Duration)  { c.lastRead = d }
func (c *timeoutTrackingConn) SetWriteTimeout(d time.Duration) { c.lastWrite = d }

var _ ConnectionLike = (*timeoutTrackingConn)(nil)
var _ timeoutSetter = (*timeoutTrackingConn)(nil)

func TestConnSetReadTimeoutAppliesToDispatch(t *testing.T) {
	core := newTestCore(t)
	sm := NewSlotMap(AlwaysFromPrimary)
	require.NoError(t, sm.Build([]SlotEntry{
		{Start: 0, End: 16383, Addrs: SlotAddrs{Primary: "a:1"}},
	}))
	core.Container().SetSlots(sm)

	conn := &timeoutTrackingConn{fakeConn: newFakeConn().withReply("GET", []byte("v"))}
	core.Container().ReplaceOrAdd("a:1", &ClusterNode{Addr: "a:1", User: conn})

	c := &Conn{core: core}
	c.SetReadTimeout(250 * time.Millisecond)
	c.SetWriteTimeout(100 * time.Millisecond)

	_, err := c.Do(context.Background(), "GET", "foo")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, conn.lastRead)
	assert.Equal(t, 100*time.Millisecond, conn.lastWrite)
}

func TestConnSetAutoReconnectDisabledSurfacesIOErrorImmediately(t *testing.T) {
	core := newTestCore(t)
	core.Params.Retry.NumberOfRetries = 5
	sm := NewSlotMap(AlwaysFromPrimary)
	require.NoError(t, sm.Build([]SlotEntry{
		{Start: 0, End: 16383, Addrs: SlotAddrs{Primary: "a:1"}},
	}))
	core.Container().SetSlots(sm)

	conn := newFakeConn().withError("GET", assertError{"connection reset"})
	core.Container().ReplaceOrAdd("a:1", &ClusterNode{Addr: "a:1", User: conn})

	c := &Conn{core: core}
	c.SetAutoReconnect(false)

	_, err := c.Do(context.Background(), "GET", "foo")
	assert.Error(t, err)
	assert.Len(t, conn.calls, 1, "with auto-reconnect disabled, an I/O error must surface on the first attempt")
}

func TestConnAutoReconnectEnabledByDefaultRedialsAndRetries(t *testing.T) {
	core := newTestCore(t)
	core.Params.Retry.NumberOfRetries = 2
	sm := NewSlotMap(AlwaysFromPrimary)
	require.NoError(t, sm.Build([]SlotEntry{
		{Start: 0, End: 16383, Addrs: SlotAddrs{Primary: "a:1"}},
	}))
	core.Container().SetSlots(sm)

	stale := newFakeConn().withError("GET", assertError{"connection reset"})
	core.Container().ReplaceOrAdd("a:1", &ClusterNode{Addr: "a:1", User: stale})

	fresh := newFakeConn().withReply("GET", []byte("reconnected-value"))
	core.Factory.Dial = func(ctx context.Context, addr string) (redis.Conn, error) {
		return fresh, nil
	}
	// Avoid a real DNS lookup from resolvedIP/dnsDrifted during the test.
	core.Factory.LookupHost = func(host string) ([]string, error) { return nil, errNoSuchHost }

	c := &Conn{core: core}
	reply, err := c.Do(context.Background(), "GET", "foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("reconnected-value"), reply)
	assert.Len(t, stale.calls, 1, "the broken connection must be abandoned, not retried in place")
	assert.Contains(t, fresh.calls, "GET")
}
