package rediscluster

import (
	"context"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Supervisor runs the Periodic Supervisor loop of spec.md §4.7/§5: it wakes
// on a jittered ticker, samples a log2(n) subset of known nodes over their
// management connections, and triggers a slot refresh when the sampled
// topology hash disagrees with the installed one. It belongs to the
// multiplexed variant only (AsyncClient); the blocking Conn refreshes only
// from the Request State Machine's MOVED handling instead, which starts the
// refresh in a background goroutine (triggerSlotRefreshAsync).
// Grounded on teacher's own background reload goroutine in clusterpool.go,
// generalized from "reload on error" to "reload on a schedule", with the
// sampling/backoff shape taken from original_source's periodic checker.
type Supervisor struct {
	core *Core

	interval time.Duration
	limiter  *rate.Limiter

	stop chan struct{}
	done chan struct{}

	rnd *rand.Rand
}

// NewSupervisor builds a Supervisor bound to core, using core.Params'
// TopologyChecksInterval as the base tick. The rate limiter lets at most
// one tick per half interval proceed to sampling; it gates only the
// supervisor's own ticks, and MOVED-driven refreshes (see request.go)
// neither consult nor consume it. Grounded on boomballa-df2redis's use of
// golang.org/x/time/rate to pace its own periodic reconnect-scan loop.
func NewSupervisor(core *Core) *Supervisor {
	interval := core.Params.TopologyChecksInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Supervisor{
		core:     core,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval/2), 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start runs the supervisor loop until Stop is called or ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop signals the loop to exit and blocks until it has.
func (s *Supervisor) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.jitteredInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
			ticker.Reset(s.jitteredInterval())
		}
	}
}

// jitteredInterval perturbs the configured interval by +/-20%, so that many
// AsyncClients started at once don't all poll their clusters in lockstep.
func (s *Supervisor) jitteredInterval() time.Duration {
	factor := 0.8 + s.rnd.Float64()*0.4
	return time.Duration(float64(s.interval) * factor)
}

func (s *Supervisor) tick(ctx context.Context) {
	if s.core.isShutdown() {
		return
	}
	if !s.limiter.Allow() {
		return
	}

	addrs := s.core.Container().Addrs()
	if len(addrs) == 0 {
		return
	}
	sampleSize := log2Sample(len(addrs))

	views, queried := s.sampleManagement(ctx, addrs, sampleSize)
	if len(views) == 0 {
		s.reconnectManagement(ctx, addrs)
		return
	}

	// Run the Topology Engine's quorum vote over the sample instead of
	// reacting to any single disagreeing view, per spec.md §4.7 step 3: a
	// lone stale or partitioned node (or a disagreeing minority real quorum
	// voting would reject) must not spuriously trigger a full refresh, and
	// the numQueried-based accuracy threshold must gate this decision too.
	result, err := CalculateTopology(views, s.core.Params.Retry.NumberOfRetries, true, s.core.Params.ReadFromReplicas != AlwaysFromPrimary, s.core.Params.ReadFromReplicas, queried)
	if err != nil {
		s.core.Logger.Printf("cluster: periodic topology sample inconclusive: %v", err)
		return
	}
	if result.Hash == s.core.Slots().TopologyHash() {
		return
	}

	s.core.Logger.Printf("cluster: topology change detected, triggering full refresh")
	// A change was observed: widen the sample for the authoritative refresh,
	// per spec.md §4.7's "full refresh samples more broadly" rule.
	full := len(addrs)
	if full > 50 {
		full = 50
	}
	if err := s.core.RefreshSlots(ctx, full); err != nil {
		s.core.Logger.Printf("cluster: periodic slot refresh failed: %v", err)
	}
}

// sampleManagement queries CLUSTER SLOTS over management connections where
// available, falling back to the user connection, per spec.md §4.7/§4.8.
// Grounded on fanout.go's fanOutUniform shape: one goroutine per sampled
// node via golang.org/x/sync/errgroup, each writing its own result slot so
// no lock is needed to merge them back.
func (s *Supervisor) sampleManagement(ctx context.Context, addrs []string, sampleSize int) ([]rawTopologyView, int) {
	if sampleSize > len(addrs) {
		sampleSize = len(addrs)
	}
	s.rnd.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
	picked := addrs[:sampleSize]

	results := make([]*rawTopologyView, len(picked))
	var g errgroup.Group
	for i, addr := range picked {
		i, addr := i, addr
		g.Go(func() error {
			conn, err := s.core.Container().ConnectionForAddress(addr, ConnPreferManagement)
			if err != nil {
				return nil
			}
			start := time.Now()
			reply, err := conn.Do("CLUSTER", "SLOTS")
			if err != nil {
				return nil
			}
			if node, ok := s.core.Container().Get(addr); ok {
				// Grounded on go-redis's updateLatency probe, but piggybacked on the
				// CLUSTER SLOTS round trip this tick already makes rather than a
				// dedicated per-node PING goroutine — feeds LowestLatencyReplica
				// selection in container.go, per spec.md §7's read_from_replicas.
				node.RecordLatency(time.Since(start))
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

// reconnectManagement re-establishes management connections for nodes whose
// management link has gone bad, per spec.md §4.8's non-fatal-setup-failure
// handling: a dead management connection shouldn't take the node's user
// connection down with it.
func (s *Supervisor) reconnectManagement(ctx context.Context, addrs []string) {
	for _, addr := range addrs {
		node, ok := s.core.Container().Get(addr)
		if !ok || node.Management != nil {
			continue
		}
		// existing is passed as nil: this repairs only the management side,
		// and must never risk closing the node's live user connection via
		// ConnectAndCheck's DNS-drift check.
		if repaired, err := s.core.Factory.ConnectAndCheck(ctx, addr, ConnKindManagementOnly, nil); err == nil && repaired.Management != nil {
			node.Management = repaired.Management
		}
	}
}

// log2Sample returns ceil(log2(n)), floored at 1, per spec.md §4.7's
// sampling rule.
func log2Sample(n int) int {
	if n <= 1 {
		return 1
	}
	return int(math.Ceil(math.Log2(float64(n))))
}
