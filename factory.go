package rediscluster

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/gomodule/redigo/redis"
)

// ConnKind selects which of a node's connections connectAndCheck should
// establish, per spec.md §4.8.
type ConnKind int

const (
	ConnKindUserOnly ConnKind = iota
	ConnKindManagementOnly
	ConnKindAll
)

// ConnectionFactory establishes user and management connections, per
// spec.md §4.8. Grounded on teacher's defaultDial/getRedisConnByAddrContext
// and its CreateConnPool hook.
type ConnectionFactory struct {
	Params ClusterParams

	// Dial is the underlying dialer. Overridable for tests; defaults to
	// redis.DialContext with the teacher's DialOption set.
	Dial func(ctx context.Context, addr string) (redis.Conn, error)

	// LookupHost resolves DNS for drift detection; defaults to net.LookupHost.
	LookupHost func(host string) ([]string, error)

	Logger *log.Logger
}

// NewConnectionFactory builds a factory with the standard redigo dialer,
// matching the dial options the teacher's test harness uses
// (DialConnectTimeout/DialReadTimeout/DialWriteTimeout).
func NewConnectionFactory(params ClusterParams, logger *log.Logger) *ConnectionFactory {
	if logger == nil {
		logger = log.Default()
	}
	f := &ConnectionFactory{Params: params, LookupHost: net.LookupHost, Logger: logger}
	f.Dial = func(ctx context.Context, addr string) (redis.Conn, error) {
		opts := []redis.DialOption{
			redis.DialConnectTimeout(params.ConnectionTimeout),
		}
		if params.ResponseTimeout > 0 {
			opts = append(opts, redis.DialReadTimeout(params.ResponseTimeout), redis.DialWriteTimeout(params.ResponseTimeout))
		}
		if params.Username != "" || params.Password != "" {
			opts = append(opts, redis.DialUsername(params.Username), redis.DialPassword(params.Password))
		}
		return redis.DialContext(ctx, "tcp", addr, opts...)
	}
	return f
}

// resolvedIP returns the IP a connection to addr actually used, for
// DNS-drift detection, per spec.md §4.8.
func (f *ConnectionFactory) resolvedIP(addr string) string {
	host, _, err := parseAddr(addr)
	if err != nil {
		return ""
	}
	if net.ParseIP(host) != nil {
		return host
	}
	ips, err := f.LookupHost(host)
	if err != nil || len(ips) == 0 {
		return ""
	}
	return ips[0]
}

// createUser connects with ConnectionTimeout, applies AUTH (handled by the
// dialer's DialOption) and issues READONLY when replica reads are enabled,
// per spec.md §4.8.
func (f *ConnectionFactory) createUser(ctx context.Context, addr string) (ConnectionLike, string, error) {
	c, err := f.Dial(ctx, addr)
	if err != nil {
		return nil, "", wrapErr(KindIO, "failed to connect user connection to "+addr, err)
	}
	if f.Params.ReadFromReplicas != AlwaysFromPrimary {
		if _, err := c.Do("READONLY"); err != nil {
			c.Close()
			return nil, "", wrapErr(KindIO, "READONLY failed for "+addr, err)
		}
	}
	return &redigoConn{Conn: c}, f.resolvedIP(addr), nil
}

// createManagement connects and issues CLIENT SETNAME "management", per
// spec.md §4.8/glossary. Failures here are non-fatal to the caller — the
// Connection Factory itself returns the error, but connectAndCheck treats
// it as "management is None" rather than propagating.
func (f *ConnectionFactory) createManagement(ctx context.Context, addr string) (ConnectionLike, string, error) {
	c, err := f.Dial(ctx, addr)
	if err != nil {
		return nil, "", wrapErr(KindIO, "failed to connect management connection to "+addr, err)
	}
	if _, err := c.Do("CLIENT", "SETNAME", "management"); err != nil {
		c.Close()
		return nil, "", wrapErr(KindIO, "CLIENT SETNAME failed for "+addr, err)
	}
	return &redigoConn{Conn: c}, f.resolvedIP(addr), nil
}

// ConnectAndCheck builds (or repairs) a ClusterNode for addr, per spec.md
// §4.8's connect_and_check algorithm.
func (f *ConnectionFactory) ConnectAndCheck(ctx context.Context, addr string, kind ConnKind, existing *ClusterNode) (*ClusterNode, error) {
	if existing != nil && existing.dnsDrifted(f.LookupHost) {
		existing.Close()
		existing = nil
	}

	switch kind {
	case ConnKindUserOnly:
		user, ip, err := f.createUser(ctx, addr)
		if err != nil {
			return nil, err
		}
		return &ClusterNode{Addr: addr, ResolvedIP: ip, User: user, establishedAt: time.Now()}, nil

	case ConnKindManagementOnly:
		mgmt, _, err := f.createManagement(ctx, addr)
		if err != nil {
			f.Logger.Printf("cluster: management connection setup failed for %s: %v", addr, err)
			return &ClusterNode{Addr: addr, establishedAt: time.Now()}, nil
		}
		return &ClusterNode{Addr: addr, Management: mgmt, establishedAt: time.Now()}, nil

	default: // ConnKindAll
		return f.connectBoth(ctx, addr)
	}
}

// dualConnectOutcome is the result of reconciling a user and a management
// connection that both dialed successfully but may disagree on addr's IP.
type dualConnectOutcome int

const (
	dualConnectKeepBoth dualConnectOutcome = iota
	dualConnectPromoteManagement
	dualConnectDropManagement
)

// reconcileDualConnect decides how to reconcile a user and management
// connection that both succeeded, per spec.md §4.8: keep both if the two
// connections observed the same IP (or DNS couldn't be resolved, so there's
// nothing to compare against); promote the management connection to the
// user role if *its* IP is the one that matches current DNS; otherwise drop
// the management connection and keep the user one (either the user IP is
// the match, or neither observation is better-grounded than the other).
func reconcileDualConnect(userIP, mgmtIP, currentIP string) dualConnectOutcome {
	if userIP == mgmtIP || currentIP == "" {
		return dualConnectKeepBoth
	}
	if mgmtIP == currentIP {
		return dualConnectPromoteManagement
	}
	return dualConnectDropManagement
}

// connectBoth opens user and management connections in parallel (spec.md
// §4.8): if both succeed and agree on IP, one is used for each role; if
// IPs differ, whichever one's observed IP matches current DNS is promoted
// to the user role and the other is discarded (both are kept when current
// DNS can't be resolved); if only one succeeds, it
// serves as the user connection and management is left nil.
func (f *ConnectionFactory) connectBoth(ctx context.Context, addr string) (*ClusterNode, error) {
	type result struct {
		conn ConnectionLike
		ip   string
		err  error
	}
	userCh := make(chan result, 1)
	mgmtCh := make(chan result, 1)

	go func() {
		c, ip, err := f.createUser(ctx, addr)
		userCh <- result{c, ip, err}
	}()
	go func() {
		c, ip, err := f.createManagement(ctx, addr)
		mgmtCh <- result{conn: c, ip: ip, err: err}
	}()

	userRes := <-userCh
	mgmtRes := <-mgmtCh

	node := &ClusterNode{Addr: addr, establishedAt: time.Now()}

	switch {
	case userRes.err == nil && mgmtRes.err == nil:
		currentIP := f.resolvedIP(addr)
		switch reconcileDualConnect(userRes.ip, mgmtRes.ip, currentIP) {
		case dualConnectKeepBoth:
			node.User = userRes.conn
			node.Management = mgmtRes.conn
			node.ResolvedIP = userRes.ip
		case dualConnectPromoteManagement:
			// The user connection's observed IP is stale but the management
			// connection's matches current DNS: promote it to the user role
			// rather than always keeping the user connection, per spec.md
			// §4.8's "choose the one whose IP matches current DNS."
			node.User = mgmtRes.conn
			node.ResolvedIP = mgmtRes.ip
			userRes.conn.Close()
			f.Logger.Printf("cluster: dropping user connection for %s: IP drift detected", addr)
		default: // dualConnectDropManagement
			node.User = userRes.conn
			node.ResolvedIP = userRes.ip
			mgmtRes.conn.Close()
			f.Logger.Printf("cluster: dropping management connection for %s: IP drift detected", addr)
		}
		return node, nil

	case userRes.err == nil:
		f.Logger.Printf("cluster: management connection setup failed for %s: %v", addr, mgmtRes.err)
		node.User = userRes.conn
		node.ResolvedIP = userRes.ip
		return node, nil

	case mgmtRes.err == nil:
		// No user connection: surface the error, but still close the
		// management connection we did establish since the node is unusable.
		mgmtRes.conn.Close()
		return nil, userRes.err

	default:
		return nil, userRes.err
	}
}

// HealthCheck sends PING bounded by ConnectionTimeout (on the redigo-backed
// connections this factory dials; other ConnectionLike values are pinged
// with a plain Do); any failure classifies the connection as broken, per
// spec.md §4.8.
func (f *ConnectionFactory) HealthCheck(conn ConnectionLike) error {
	var err error
	if rc, ok := conn.(*redigoConn); ok {
		_, err = redis.DoWithTimeout(rc.Conn, f.Params.ConnectionTimeout, "PING")
	} else {
		_, err = conn.Do("PING")
	}
	if err != nil {
		return wrapErr(KindIO, "health check failed", err)
	}
	return nil
}
