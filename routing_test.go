package rediscluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRouteSingleKeyWrite(t *testing.T) {
	ri, err := ResolveRoute("SET", []interface{}{"foo", "bar"})
	require.NoError(t, err)
	assert.False(t, ri.IsMulti())
	assert.Equal(t, RoutingSingleSpecific, ri.Single)
	assert.Equal(t, SlotAddrMaster, ri.SpecificRoute.Kind)
	assert.Equal(t, Slot("foo"), ri.SpecificRoute.Slot)
}

func TestResolveRouteSingleKeyReadAllowsReplica(t *testing.T) {
	ri, err := ResolveRoute("GET", []interface{}{"foo"})
	require.NoError(t, err)
	assert.Equal(t, SlotAddrReplicaOptional, ri.SpecificRoute.Kind)
}

func TestResolveRouteRandomForPing(t *testing.T) {
	ri, err := ResolveRoute("PING", nil)
	require.NoError(t, err)
	assert.Equal(t, RoutingSingleRandom, ri.Single)
}

func TestResolveRouteDBSizeFansOutToAllMasters(t *testing.T) {
	ri, err := ResolveRoute("DBSIZE", nil)
	require.NoError(t, err)
	assert.True(t, ri.IsMulti())
	assert.Equal(t, MultiAllMasters, ri.Multi)
	assert.Equal(t, PolicyAggregateSum, ri.Policy)
}

func TestResolveRouteShutdownIsUnroutable(t *testing.T) {
	_, err := ResolveRoute("SHUTDOWN", nil)
	assert.ErrorIs(t, err, ErrUnroutable)
}

func TestResolveRouteEvalUsesThirdArgAsKey(t *testing.T) {
	ri, err := ResolveRoute("EVAL", []interface{}{"return 1", "1", "mykey"})
	require.NoError(t, err)
	assert.Equal(t, Slot("mykey"), ri.SpecificRoute.Slot)
	assert.Equal(t, SlotAddrMaster, ri.SpecificRoute.Kind)
}

func TestResolveRouteMGetBucketsBySlot(t *testing.T) {
	ri, err := ResolveRoute("MGET", []interface{}{"a", "b", "{a}c"})
	require.NoError(t, err)
	assert.True(t, ri.IsMulti())
	assert.Equal(t, MultiSlot, ri.Multi)
	assert.Equal(t, PolicyCombineArrays, ri.Policy)

	total := 0
	var bucketOf0, bucketOf2 []int
	for _, target := range ri.Targets {
		total += len(target.Indices)
		for _, idx := range target.Indices {
			if idx == 0 {
				bucketOf0 = target.Indices
			}
			if idx == 2 {
				bucketOf2 = target.Indices
			}
		}
	}
	assert.Equal(t, 3, total)
	assert.ElementsMatch(t, bucketOf0, bucketOf2, "\"a\" and \"{a}c\" share a hashtag and must land in the same bucket")
}

func TestResolveRouteMSetBucketsKeyValuePairs(t *testing.T) {
	ri, err := ResolveRoute("MSET", []interface{}{"k1", "v1", "k2", "v2"})
	require.NoError(t, err)
	require.True(t, ri.IsMulti())
	total := 0
	for _, target := range ri.Targets {
		total += len(target.Indices)
	}
	assert.Equal(t, 4, total)
}

func TestResolvePipelineRouteSameSlotUpgradesToMaster(t *testing.T) {
	cmds := []PipelineCmd{
		{Name: "GET", Args: []interface{}{"k"}},
		{Name: "SET", Args: []interface{}{"k", "v"}},
	}
	ri, err := ResolvePipelineRoute(cmds)
	require.NoError(t, err)
	assert.Equal(t, SlotAddrMaster, ri.SpecificRoute.Kind, "write in the pipeline must upgrade the whole route to master")
}

func TestResolvePipelineRouteCrossSlotRejected(t *testing.T) {
	require.NotEqual(t, Slot("{tagA}"), Slot("{tagB}"), "test fixture needs two keys in different slots")
	cmds := []PipelineCmd{
		{Name: "GET", Args: []interface{}{"{tagA}k1"}},
		{Name: "GET", Args: []interface{}{"{tagB}k2"}},
	}
	_, err := ResolvePipelineRoute(cmds)
	assert.ErrorIs(t, err, ErrCrossSlot)
}

func TestResolvePipelineRouteIgnoresRandomRoutedCommands(t *testing.T) {
	cmds := []PipelineCmd{
		{Name: "PING", Args: nil},
		{Name: "GET", Args: []interface{}{"k1"}},
	}
	ri, err := ResolvePipelineRoute(cmds)
	require.NoError(t, err)
	assert.Equal(t, Slot("k1"), ri.SpecificRoute.Slot)
}
