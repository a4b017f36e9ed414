package rediscluster

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Core is the shared state driving both the blocking and multiplexed
// variants, per spec.md §5: it owns the SlotMap and ConnectionContainer
// behind the reader-writer discipline described there, plus the Connection
// Factory used to (re)establish nodes. Cyclic references are avoided by
// keying everything off address strings, per design note §9.
type Core struct {
	Params  ClusterParams
	Factory *ConnectionFactory
	Logger  *log.Logger

	mu        sync.RWMutex
	slots     *SlotMap
	container *ConnectionContainer

	seedAddrs []string

	refreshInProgress atomic.Bool
	shutdown          atomic.Bool
	autoReconnectOff  atomic.Bool

	connMu       sync.Mutex
	readTimeout  time.Duration
	writeTimeout time.Duration

	rndMu sync.Mutex
}

// NewCore builds a Core from a seed address list and params, performing no
// I/O — call Bootstrap to connect and fetch the initial topology.
func NewCore(seedAddrs []string, params ClusterParams, logger *log.Logger) *Core {
	if logger == nil {
		logger = log.Default()
	}
	slots := NewSlotMap(params.ReadFromReplicas)
	return &Core{
		Params:    params,
		Factory:   NewConnectionFactory(params, logger),
		Logger:    logger,
		slots:     slots,
		container: NewConnectionContainer(slots, time.Now().UnixNano()),
		seedAddrs: seedAddrs,
	}
}

func (c *Core) Slots() *SlotMap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slots
}

func (c *Core) Container() *ConnectionContainer { return c.container }

// Bootstrap connects to the seed nodes and performs the initial slot
// refresh, per spec.md §2's data-flow description.
func (c *Core) Bootstrap(ctx context.Context) error {
	for _, addr := range c.seedAddrs {
		node, err := c.Factory.ConnectAndCheck(ctx, addr, ConnKindUserOnly, nil)
		if err != nil {
			continue
		}
		c.container.ReplaceOrAdd(addr, node)
	}
	if len(c.container.Addrs()) == 0 {
		return newErr(KindIO, "failed to connect to any seed node")
	}
	return c.RefreshSlots(ctx, len(c.seedAddrs))
}

// RefreshSlots samples up to sampleSize known nodes, runs the Topology
// Engine, and installs the winning SlotMap, per spec.md §4.4/§4.7. Only one
// refresh may run at a time (spec.md §4.7's concurrency guard); a redundant
// call while one is in flight is a no-op.
func (c *Core) RefreshSlots(ctx context.Context, sampleSize int) error {
	if !c.refreshInProgress.CompareAndSwap(false, true) {
		return nil
	}
	defer c.refreshInProgress.Store(false)

	addrs := c.container.Addrs()
	if len(addrs) == 0 {
		addrs = c.seedAddrs
	}
	if sampleSize <= 0 || sampleSize > len(addrs) {
		sampleSize = len(addrs)
	}

	views, queried := c.sampleTopology(ctx, addrs, sampleSize)
	if len(views) == 0 {
		return newErr(KindResponseError, "slot refresh error: all CLUSTER SLOTS results are errors")
	}

	result, err := CalculateTopology(views, c.Params.Retry.NumberOfRetries, true, c.Params.ReadFromReplicas != AlwaysFromPrimary, c.Params.ReadFromReplicas, queried)
	if err != nil {
		return err
	}

	c.installSlotMap(ctx, result)
	return nil
}

// sampleTopology queries CLUSTER SLOTS on up to sampleSize addresses,
// establishing connections as needed, and returns the raw views obtained.
// Grounded on fanout.go's fanOutUniform shape: one goroutine per sampled
// node via golang.org/x/sync/errgroup, each writing its own result slot so
// no lock is needed to merge them back.
func (c *Core) sampleTopology(ctx context.Context, addrs []string, sampleSize int) ([]rawTopologyView, int) {
	if sampleSize > len(addrs) {
		sampleSize = len(addrs)
	}
	picked := addrs[:sampleSize]

	results := make([]*rawTopologyView, len(picked))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range picked {
		i, addr := i, addr
		g.Go(func() error {
			conn, err := c.container.ConnectionForAddress(addr, ConnPreferManagement)
			if err != nil {
				node, derr := c.Factory.ConnectAndCheck(gctx, addr, ConnKindUserOnly, nil)
				if derr != nil {
					return nil
				}
				c.container.ReplaceOrAdd(addr, node)
				conn = node.User
			}
			reply, err := conn.Do("CLUSTER", "SLOTS")
			if err != nil {
				return nil
			}
			results[i] = &rawTopologyView{queriedAddr: addr, reply: reply}
			return nil
		})
	}
	_ = g.Wait()

	var views []rawTopologyView
	for _, r := range results {
		if r != nil {
			views = append(views, *r)
		}
	}
	return views, len(picked)
}

// installSlotMap swaps in a freshly built SlotMap and reconciles the
// ConnectionContainer to match, connecting newly-discovered addresses and
// dropping ones that left the topology, per spec.md §3's ClusterNode
// lifecycle.
func (c *Core) installSlotMap(ctx context.Context, result *TopologyResult) {
	c.mu.Lock()
	c.slots = result.Slots
	c.mu.Unlock()
	c.container.SetSlots(result.Slots)

	keep := make(map[string]bool)
	for _, addr := range result.Slots.AllNodes() {
		keep[addr] = true
		if _, ok := c.container.Get(addr); !ok {
			node, err := c.Factory.ConnectAndCheck(ctx, addr, ConnKindUserOnly, nil)
			if err != nil {
				c.Logger.Printf("cluster: failed to connect to new node %s: %v", addr, err)
				continue
			}
			c.container.ReplaceOrAdd(addr, node)
		}
	}
	c.container.Reconcile(keep)
}

// SetReadTimeout overrides the per-call read deadline applied to every
// dispatched command, per spec.md §6's Handle::set_read_timeout.
func (c *Core) SetReadTimeout(d time.Duration) {
	c.connMu.Lock()
	c.readTimeout = d
	c.connMu.Unlock()
}

// SetWriteTimeout records the per-call write deadline passed to connections
// on dispatch, per spec.md §6's Handle::set_write_timeout (redigo-backed
// connections ignore it).
func (c *Core) SetWriteTimeout(d time.Duration) {
	c.connMu.Lock()
	c.writeTimeout = d
	c.connMu.Unlock()
}

func (c *Core) timeouts() (read, write time.Duration) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.readTimeout, c.writeTimeout
}

// SetAutoReconnect toggles whether an I/O error reconnects and retries
// (the default) or is surfaced immediately, per spec.md §6's
// Handle::set_auto_reconnect.
func (c *Core) SetAutoReconnect(enabled bool) {
	c.autoReconnectOff.Store(!enabled)
}

// Shutdown stops background activity (the Periodic Supervisor checks this
// flag on each wake, per spec.md §5) and closes all connections.
func (c *Core) Shutdown() {
	c.shutdown.Store(true)
	c.container.CloseAll()
}

func (c *Core) isShutdown() bool { return c.shutdown.Load() }
