package rediscluster

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/gomodule/redigo/redis"
)

// TLSMode is the tls_mode option of ClusterParams, per spec.md §3/§6. The
// core never dials TLS itself, and it does not consult this value when
// parsing, formatting or dialing addresses.
type TLSMode int

const (
	TLSNone TLSMode = iota
	TLSSecure
	TLSInsecure
)

// rawTopologyView is one sampled node's raw CLUSTER SLOTS reply together
// with the address it was queried from (needed to resolve "blank IP means
// this node", per spec.md §4.4/kevwan-radix.v2's resetInner).
type rawTopologyView struct {
	queriedAddr string
	reply       interface{}
}

// parseSlots parses one CLUSTER SLOTS reply into SlotEntry values, per
// spec.md §4.4's parsing rules: a node entry with an empty IP is taken to
// mean the queried node's own host; entries with too few elements or
// malformed integers are skipped; a range with no usable nodes is dropped.
// Grounded on teacher's updateSlotMap and original_source's parse_slots.
func parseSlots(reply interface{}, queriedAddr string, readFromReplicas bool) ([]SlotEntry, error) {
	rows, err := redis.Values(reply, nil)
	if err != nil {
		return nil, err
	}
	var entries []SlotEntry
	for _, row := range rows {
		fields, err := redis.Values(row, nil)
		if err != nil || len(fields) < 3 {
			continue
		}
		start, okS := fields[0].(int64)
		end, okE := fields[1].(int64)
		if !okS || !okE {
			continue
		}

		var addrs []string
		for _, nodeField := range fields[2:] {
			nodeParts, err := redis.Values(nodeField, nil)
			if err != nil || len(nodeParts) < 2 {
				continue
			}
			ipRaw, ok := nodeParts[0].([]byte)
			if !ok {
				continue
			}
			ip := string(ipRaw)
			if ip == "" {
				host, _, perr := parseAddr(queriedAddr)
				if perr != nil {
					continue
				}
				ip = host
			}
			port, ok := nodeParts[1].(int64)
			if !ok {
				continue
			}
			addrs = append(addrs, fmt.Sprintf("%s:%d", ip, port))
		}
		if len(addrs) == 0 {
			continue
		}
		entries = append(entries, SlotEntry{
			Start: int(start),
			End:   int(end),
			Addrs: SlotAddrs{Primary: addrs[0], Replicas: addrs[1:]},
		})
	}
	return entries, nil
}

// structuralHash computes a stable hash of a raw CLUSTER SLOTS reply, used
// to vote on the authoritative topology view and to detect topology change
// in the Periodic Supervisor, per spec.md §4.4/§4.7.
func structuralHash(reply interface{}) uint64 {
	h := fnv.New64a()
	hashValue(h, reply)
	return h.Sum64()
}

type hashWriter interface {
	Write([]byte) (int, error)
}

func hashValue(h hashWriter, v interface{}) {
	switch t := v.(type) {
	case []byte:
		h.Write(t)
	case int64:
		fmt.Fprintf(h, "%d", t)
	case []interface{}:
		for _, e := range t {
			hashValue(h, e)
		}
	case nil:
		h.Write([]byte{0})
	default:
		fmt.Fprintf(h, "%v", t)
	}
}

// topologyVote tallies one distinct structural hash seen across samples.
type topologyVote struct {
	hash  uint64
	view  rawTopologyView
	count int
}

// TopologyResult is the outcome of a successful CalculateTopology call.
type TopologyResult struct {
	Slots *SlotMap
	Hash  uint64
}

const minAccuracyRate = 0.2

// CalculateTopology runs the quorum-like selection algorithm of spec.md
// §4.4 over a set of sampled raw CLUSTER SLOTS views, then builds and
// returns the winning SlotMap. Grounded directly on original_source's
// calculate_topology/parse_slots/build_slot_map.
func CalculateTopology(
	views []rawTopologyView,
	retriesRemaining int,
	isLastRetry bool,
	readFromReplicas bool,
	strategy ReadFromReplicasStrategy,
	numQueried int,
) (*TopologyResult, error) {
	if len(views) == 0 {
		return nil, newErr(KindResponseError, "slot refresh error: all CLUSTER SLOTS results are errors")
	}

	votes := make(map[uint64]*topologyVote)
	var order []uint64
	for _, v := range views {
		h := structuralHash(v.reply)
		vote, ok := votes[h]
		if !ok {
			vote = &topologyVote{hash: h, view: v}
			votes[h] = vote
			order = append(order, h)
		}
		vote.count++
	}

	var best *topologyVote
	tied := false
	for _, h := range order {
		v := votes[h]
		switch {
		case best == nil:
			best = v
		case v.count > best.count:
			best = v
			tied = false
		case v.count == best.count:
			tied = true
		}
	}

	if tied {
		if isLastRetry || numQueried < 3 {
			sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
			var lastErr error
			for i, h := range order {
				v := votes[h]
				result, err := buildFromView(v.view, readFromReplicas, strategy)
				if err == nil {
					return result, nil
				}
				lastErr = err
				if i == len(order)-1 {
					return nil, lastErr
				}
			}
			return nil, lastErr
		}
		return nil, newErr(KindResponseError, "slot refresh error: couldn't get a majority in topology views")
	}

	accuracy := float64(best.count) / float64(numQueried)
	if accuracy < minAccuracyRate {
		return nil, newErr(KindResponseError, "slot refresh error: the accuracy of the topology view is too low")
	}
	return buildFromView(best.view, readFromReplicas, strategy)
}

func buildFromView(view rawTopologyView, readFromReplicas bool, strategy ReadFromReplicasStrategy) (*TopologyResult, error) {
	entries, err := parseSlots(view.reply, view.queriedAddr, readFromReplicas)
	if err != nil {
		return nil, err
	}
	sm := NewSlotMap(strategy)
	if err := sm.Build(entries); err != nil {
		return nil, err
	}
	h := structuralHash(view.reply)
	sm.SetTopologyHash(h)
	return &TopologyResult{Slots: sm, Hash: h}, nil
}
