package rediscluster

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
)

// ConnectionContainer owns the addr -> ClusterNode mapping and lends out
// connections by identifier or by route, per spec.md §4.3.
//
// Leases are valid only while the read guard is held; callers must
// materialize (copy the ConnectionLike handle) before releasing, per
// spec.md §5 — the methods below do exactly that: they extract the handle
// under the lock and release before returning.
type ConnectionContainer struct {
	mu    sync.RWMutex
	nodes map[string]*ClusterNode

	slotsMu sync.RWMutex
	slots   *SlotMap

	rndMu sync.Mutex
	rnd   *rand.Rand

	rrCounter uint64 // atomic; next RoundRobinReplicas offset
}

// NewConnectionContainer builds an empty container bound to slots.
func NewConnectionContainer(slots *SlotMap, seed int64) *ConnectionContainer {
	return &ConnectionContainer{
		nodes: make(map[string]*ClusterNode),
		slots: slots,
		rnd:   rand.New(rand.NewSource(seed)),
	}
}

func (c *ConnectionContainer) randIntn(n int) int {
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.rnd.Intn(n)
}

// SetSlots swaps the SlotMap the container consults for route lookups,
// called by Core whenever a topology refresh installs a new generation.
func (c *ConnectionContainer) SetSlots(s *SlotMap) {
	c.slotsMu.Lock()
	c.slots = s
	c.slotsMu.Unlock()
}

func (c *ConnectionContainer) curSlots() *SlotMap {
	c.slotsMu.RLock()
	defer c.slotsMu.RUnlock()
	return c.slots
}

// ConnectionForRoute consults the SlotMap then returns the user connection
// (or management, per kind) for the resolved address.
func (c *ConnectionContainer) ConnectionForRoute(route Route, kind NodeConnKind) (ConnectionLike, string, error) {
	addr, err := c.curSlots().Lookup(route, c.pickReplica)
	if err != nil {
		return nil, "", err
	}
	conn, err := c.ConnectionForAddress(addr, kind)
	return conn, addr, err
}

// pickReplica chooses among a route's known replica addresses according to
// the SlotMap's configured read_from_replicas strategy, per spec.md §7.
func (c *ConnectionContainer) pickReplica(replicas []string) string {
	if len(replicas) == 1 {
		return replicas[0]
	}
	switch c.curSlots().Strategy() {
	case LowestLatencyReplica:
		return c.lowestLatencyReplica(replicas)
	case RoundRobinReplicas:
		idx := atomic.AddUint64(&c.rrCounter, 1)
		return replicas[idx%uint64(len(replicas))]
	default:
		return replicas[c.randIntn(len(replicas))]
	}
}

// lowestLatencyReplica picks the candidate with the smallest last-recorded
// round trip, per spec.md §7. Grounded on go-redis's clusterNode.Latency,
// fed here by the Periodic Supervisor's CLUSTER SLOTS probes rather than a
// dedicated per-node ping loop. Unprobed nodes sort last, so a freshly
// joined replica doesn't win by default over ones with real samples; ties
// (including "nothing probed yet") fall back to the first candidate.
func (c *ConnectionContainer) lowestLatencyReplica(replicas []string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	best := replicas[0]
	bestLatency := uint32(math.MaxUint32)
	for _, addr := range replicas {
		node, ok := c.nodes[addr]
		if !ok {
			continue
		}
		if lat := node.LatencyMicros(); lat < bestLatency {
			bestLatency = lat
			best = addr
		}
	}
	return best
}

// ConnectionForAddress returns a connection by address directly — used for
// redirects, where the target isn't (yet) reflected in the slot map.
func (c *ConnectionContainer) ConnectionForAddress(addr string, kind NodeConnKind) (ConnectionLike, error) {
	c.mu.RLock()
	node, ok := c.nodes[addr]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNoConnectionsAvailable
	}
	conn := node.connOfKind(kind)
	if conn == nil {
		return nil, ErrNoConnectionsAvailable
	}
	return conn, nil
}

// RandomConnections samples up to n distinct nodes without replacement, per
// spec.md §4.3.
func (c *ConnectionContainer) RandomConnections(n int, kind NodeConnKind) ([]ConnectionLike, []string, error) {
	c.mu.RLock()
	addrs := make([]string, 0, len(c.nodes))
	for a := range c.nodes {
		addrs = append(addrs, a)
	}
	c.mu.RUnlock()

	if len(addrs) == 0 {
		return nil, nil, ErrNoConnectionsAvailable
	}
	if n > len(addrs) {
		n = len(addrs)
	}
	c.rndMu.Lock()
	c.rnd.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
	c.rndMu.Unlock()

	var conns []ConnectionLike
	var picked []string
	for _, a := range addrs {
		if len(picked) == n {
			break
		}
		conn, err := c.ConnectionForAddress(a, kind)
		if err != nil {
			continue
		}
		conns = append(conns, conn)
		picked = append(picked, a)
	}
	if len(conns) == 0 {
		return nil, nil, ErrNoConnectionsAvailable
	}
	return conns, picked, nil
}

// RandomAddress returns one random known node address, for SingleNode(Random)
// routing.
func (c *ConnectionContainer) RandomAddress() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.nodes) == 0 {
		return "", ErrNoConnectionsAvailable
	}
	idx := c.randIntn(len(c.nodes))
	i := 0
	for a := range c.nodes {
		if i == idx {
			return a, nil
		}
		i++
	}
	return "", ErrNoConnectionsAvailable
}

// ReplaceOrAdd atomically swaps the node at addr, closing and dropping the
// prior node, per spec.md §4.3.
func (c *ConnectionContainer) ReplaceOrAdd(addr string, node *ClusterNode) {
	c.mu.Lock()
	prior := c.nodes[addr]
	c.nodes[addr] = node
	c.mu.Unlock()
	if prior != nil && prior != node {
		prior.Close()
	}
}

// Remove drops and closes the node at addr, if any.
func (c *ConnectionContainer) Remove(addr string) {
	c.mu.Lock()
	prior := c.nodes[addr]
	delete(c.nodes, addr)
	c.mu.Unlock()
	if prior != nil {
		prior.Close()
	}
}

// Get returns the node at addr, if known.
func (c *ConnectionContainer) Get(addr string) (*ClusterNode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[addr]
	return n, ok
}

// Addrs returns every known node address.
func (c *ConnectionContainer) Addrs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.nodes))
	for a := range c.nodes {
		out = append(out, a)
	}
	return out
}

// Reconcile drops nodes whose address is no longer present in keep, closing
// their connections — used after a topology refresh installs a new
// generation of addresses (spec.md §3 ClusterNode lifecycle).
func (c *ConnectionContainer) Reconcile(keep map[string]bool) {
	c.mu.Lock()
	var dropped []*ClusterNode
	for addr, node := range c.nodes {
		if !keep[addr] {
			dropped = append(dropped, node)
			delete(c.nodes, addr)
		}
	}
	c.mu.Unlock()
	for _, n := range dropped {
		n.Close()
	}
}

// AllPrimaryConnections returns one (addr, ConnectionLike) pair per known
// primary, for fan-out, per spec.md §4.3. The second return is every
// primary address that has no lendable connection right now — the caller
// must still treat these as failed targets, not silently-absent ones.
func (c *ConnectionContainer) AllPrimaryConnections() (map[string]ConnectionLike, []string) {
	primaries := c.curSlots().AllPrimaries()
	return c.connectionsFor(primaries)
}

// AllNodeConnections returns one (addr, ConnectionLike) pair per known
// primary and replica, for fan-out, per spec.md §4.3. See
// AllPrimaryConnections for the second return value's meaning.
func (c *ConnectionContainer) AllNodeConnections() (map[string]ConnectionLike, []string) {
	return c.connectionsFor(c.curSlots().AllNodes())
}

func (c *ConnectionContainer) connectionsFor(addrs []string) (map[string]ConnectionLike, []string) {
	out := make(map[string]ConnectionLike, len(addrs))
	var failed []string
	for _, a := range addrs {
		conn, err := c.ConnectionForAddress(a, ConnUser)
		if err != nil {
			failed = append(failed, a)
			continue
		}
		out[a] = conn
	}
	return out, failed
}

// CloseAll closes and drops every node, for client shutdown.
func (c *ConnectionContainer) CloseAll() {
	c.mu.Lock()
	nodes := c.nodes
	c.nodes = make(map[string]*ClusterNode)
	c.mu.Unlock()
	for _, n := range nodes {
		n.Close()
	}
}
