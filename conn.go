package rediscluster

import (
	"math"
	"net"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"
)

// ConnectionLike is the abstract wire-connection contract the core drives,
// per spec.md §9's "Dynamic dispatch over connection kinds" design note.
// The RESP wire codec itself (framing, RESP2/RESP3 parsing) lives outside
// this core; github.com/gomodule/redigo/redis.Conn already satisfies this
// shape and is the concrete implementation wired in by the Connection
// Factory.
type ConnectionLike interface {
	Do(cmd string, args ...interface{}) (interface{}, error)
	Send(cmd string, args ...interface{}) error
	Flush() error
	Receive() (interface{}, error)
	Close() error
	Err() error
}

// timeoutSetter is an optional capability a ConnectionLike may implement,
// mirroring redigo's ConnWithTimeout pattern — consulted by Core.dispatch to
// apply the overrides set through Conn.SetReadTimeout/SetWriteTimeout
// (spec.md §6).
type timeoutSetter interface {
	SetReadTimeout(time.Duration)
	SetWriteTimeout(time.Duration)
}

// redigoConn adapts a redigo redis.Conn to ConnectionLike. A pointer receiver
// is required because SetReadTimeout mutates per-call timeout state that Do
// then consults via redis.ConnWithTimeout.
type redigoConn struct {
	redis.Conn
	readTimeout time.Duration
}

func (c *redigoConn) Err() error { return c.Conn.Err() }

// SetReadTimeout overrides the per-call read deadline for subsequent Do
// calls, per spec.md §6's Handle::set_read_timeout. redigo has no distinct
// per-call write deadline, so SetWriteTimeout is accepted for interface
// symmetry but only the read side is enforced, via redis.ConnWithTimeout.
func (c *redigoConn) SetReadTimeout(d time.Duration) { c.readTimeout = d }

func (c *redigoConn) SetWriteTimeout(time.Duration) {}

func (c *redigoConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	if c.readTimeout > 0 {
		if wt, ok := c.Conn.(redis.ConnWithTimeout); ok {
			return wt.DoWithTimeout(c.readTimeout, cmd, args...)
		}
	}
	return c.Conn.Do(cmd, args...)
}

var _ ConnectionLike = (*redigoConn)(nil)
var _ timeoutSetter = (*redigoConn)(nil)

// ClusterNode owns one user connection and, in the multiplexed variant, an
// optional management connection, per spec.md §3. It records the resolved
// IP for DNS-drift detection (spec.md §4.8).
type ClusterNode struct {
	Addr         string
	ResolvedIP   string
	User         ConnectionLike
	Management   ConnectionLike // nil if management setup failed or wasn't requested
	establishedAt time.Time

	latencyMicros uint32 // atomic; 0 until the supervisor's first probe
}

// RecordLatency stores the most recent round-trip sample for this node,
// consulted by ConnectionContainer's LowestLatencyReplica selection, per
// spec.md §7's read_from_replicas. Grounded on go-redis's clusterNode.Latency.
func (n *ClusterNode) RecordLatency(d time.Duration) {
	atomic.StoreUint32(&n.latencyMicros, uint32(d.Microseconds()))
}

// LatencyMicros returns the last recorded round-trip latency in
// microseconds, or math.MaxUint32 if no sample has been taken yet so an
// unprobed node never wins a LowestLatencyReplica comparison.
func (n *ClusterNode) LatencyMicros() uint32 {
	if v := atomic.LoadUint32(&n.latencyMicros); v != 0 {
		return v
	}
	return math.MaxUint32
}

// NodeConnKind selects which of a ClusterNode's connections to use, per
// spec.md §4.3.
type NodeConnKind int

const (
	ConnUser NodeConnKind = iota
	ConnManagement
	ConnPreferManagement
)

func (n *ClusterNode) connOfKind(kind NodeConnKind) ConnectionLike {
	switch kind {
	case ConnManagement:
		return n.Management
	case ConnPreferManagement:
		if n.Management != nil {
			return n.Management
		}
		return n.User
	default:
		return n.User
	}
}

// Close closes both connections held by the node.
func (n *ClusterNode) Close() {
	if n.User != nil {
		n.User.Close()
	}
	if n.Management != nil {
		n.Management.Close()
	}
}

// dnsDrifted reports whether addr's current DNS resolution no longer
// contains n.ResolvedIP, per spec.md §4.8's connect_and_check rule.
func (n *ClusterNode) dnsDrifted(lookup func(host string) ([]string, error)) bool {
	if n.ResolvedIP == "" {
		return false
	}
	host, _, err := parseAddr(n.Addr)
	if err != nil {
		return false
	}
	if net.ParseIP(host) != nil {
		return host != n.ResolvedIP
	}
	ips, err := lookup(host)
	if err != nil {
		return false
	}
	for _, ip := range ips {
		if ip == n.ResolvedIP {
			return false
		}
	}
	return true
}
