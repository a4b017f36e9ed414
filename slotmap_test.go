package rediscluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullCoverageEntries() []SlotEntry {
	return []SlotEntry{
		{Start: 0, End: 5460, Addrs: SlotAddrs{Primary: "10.0.0.1:6379", Replicas: []string{"10.0.0.1:6380"}}},
		{Start: 5461, End: 10922, Addrs: SlotAddrs{Primary: "10.0.0.2:6379"}},
		{Start: 10923, End: 16383, Addrs: SlotAddrs{Primary: "10.0.0.3:6379", Replicas: []string{"10.0.0.3:6380", "10.0.0.3:6381"}}},
	}
}

func TestSlotMapBuildFullCoverage(t *testing.T) {
	sm := NewSlotMap(AlwaysFromPrimary)
	require.NoError(t, sm.Build(fullCoverageEntries()))
	assert.True(t, sm.IsValid())

	addr, err := sm.Lookup(Route{Slot: 0, Kind: SlotAddrMaster}, func(replicas []string) string { return replicas[0] })
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:6379", addr)

	addr, err = sm.Lookup(Route{Slot: 16383, Kind: SlotAddrMaster}, func(replicas []string) string { return replicas[0] })
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3:6379", addr)
}

func TestSlotMapBuildRejectsGap(t *testing.T) {
	entries := []SlotEntry{
		{Start: 0, End: 100, Addrs: SlotAddrs{Primary: "a:1"}},
		{Start: 200, End: 16383, Addrs: SlotAddrs{Primary: "b:1"}},
	}
	sm := NewSlotMap(AlwaysFromPrimary)
	err := sm.Build(entries)
	require.Error(t, err)
	assert.False(t, sm.IsValid())
}

func TestSlotMapBuildRejectsOverlap(t *testing.T) {
	entries := []SlotEntry{
		{Start: 0, End: 100, Addrs: SlotAddrs{Primary: "a:1"}},
		{Start: 50, End: 16383, Addrs: SlotAddrs{Primary: "b:1"}},
	}
	sm := NewSlotMap(AlwaysFromPrimary)
	err := sm.Build(entries)
	require.Error(t, err)
}

func TestSlotMapBuildRejectsMissingZero(t *testing.T) {
	entries := []SlotEntry{
		{Start: 1, End: 16383, Addrs: SlotAddrs{Primary: "a:1"}},
	}
	sm := NewSlotMap(AlwaysFromPrimary)
	require.Error(t, sm.Build(entries))
}

func TestSlotMapLookupReplicaOptionalFallsBackToPrimary(t *testing.T) {
	sm := NewSlotMap(AlwaysFromPrimary)
	require.NoError(t, sm.Build(fullCoverageEntries()))

	addr, err := sm.Lookup(Route{Slot: 0, Kind: SlotAddrReplicaOptional}, func(replicas []string) string { return replicas[0] })
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:6379", addr, "AlwaysFromPrimary must never pick a replica")
}

func TestSlotMapLookupReplicaOptionalUsesReplicaWhenEnabled(t *testing.T) {
	sm := NewSlotMap(RoundRobinReplicas)
	require.NoError(t, sm.Build(fullCoverageEntries()))

	addr, err := sm.Lookup(Route{Slot: 0, Kind: SlotAddrReplicaOptional}, func(replicas []string) string { return replicas[0] })
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:6380", addr)
}

func TestSlotMapLookupReplicaRequiredFailsWithoutReplica(t *testing.T) {
	sm := NewSlotMap(RoundRobinReplicas)
	require.NoError(t, sm.Build(fullCoverageEntries()))

	_, err := sm.Lookup(Route{Slot: 5461, Kind: SlotAddrReplicaRequired}, func(replicas []string) string { return replicas[0] })
	assert.Error(t, err)
}

func TestSlotHashtag(t *testing.T) {
	a := Slot("user:{1000}:profile")
	b := Slot("user:{1000}:followers")
	assert.Equal(t, a, b, "keys sharing a hashtag must land in the same slot")

	whole := Slot("user:{}:profile") // empty hashtag is ignored, whole key hashed
	assert.Equal(t, int(crc16XModem("user:{}:profile")%TotalSlots), whole)
}

func TestSlotRange(t *testing.T) {
	for _, key := range []string{"a", "hello", "{tag}rest", "user:1000"} {
		s := Slot(key)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, TotalSlots)
	}
}

func TestAllPrimariesAndAllNodes(t *testing.T) {
	sm := NewSlotMap(AlwaysFromPrimary)
	require.NoError(t, sm.Build(fullCoverageEntries()))

	assert.ElementsMatch(t, []string{"10.0.0.1:6379", "10.0.0.2:6379", "10.0.0.3:6379"}, sm.AllPrimaries())
	assert.ElementsMatch(t, []string{
		"10.0.0.1:6379", "10.0.0.1:6380",
		"10.0.0.2:6379",
		"10.0.0.3:6379", "10.0.0.3:6380", "10.0.0.3:6381",
	}, sm.AllNodes())
}

func TestParseAddrIPv6(t *testing.T) {
	host, port, err := parseAddr("[::1]:6379")
	require.NoError(t, err)
	assert.Equal(t, "::1", host)
	assert.Equal(t, 6379, port)
}

func TestParseAddrInvalid(t *testing.T) {
	_, _, err := parseAddr("not-an-address")
	assert.Error(t, err)
}
