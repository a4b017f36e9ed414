package rediscluster

import (
	"context"
	"errors"
	"time"

	"github.com/gomodule/redigo/redis"
)

// ShardedPubSubConn wraps a single node connection with the sharded PubSub
// convenience API (SSUBSCRIBE/SUNSUBSCRIBE), routed through the Core's
// SlotMap/ConnectionContainer instead of a direct per-slot dial. Grounded
// on teacher's spubsub.go, adapted from ClusterPool.getRedisConnBySlot to
// Core.Container().ConnectionForRoute.
type ShardedPubSubConn struct {
	core *Core
	conn ConnectionLike
}

// NewShardedPubSubConn builds an unsubscribed ShardedPubSubConn bound to core.
func NewShardedPubSubConn(core *Core) *ShardedPubSubConn {
	return &ShardedPubSubConn{core: core}
}

// ChnSlot computes the common slot for a set of sharded channel names,
// failing if they don't all hash to the same slot, per spec.md §4.1's
// hashtag rule applied to SSUBSCRIBE.
func ChnSlot(channels ...interface{}) (int, error) {
	slot := -1
	for _, ch := range channels {
		name, err := redis.String(ch, nil)
		if err != nil {
			return -1, err
		}
		if name == "" {
			continue
		}
		s := Slot(name)
		if slot < 0 {
			slot = s
		} else if s != slot {
			return -1, errors.New("rediscluster: sharded channels must be in the same slot")
		}
	}
	return slot, nil
}

// Close closes the underlying connection.
func (c *ShardedPubSubConn) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// SSubscribe subscribes to the given sharded channels on the user connection
// the Connection Container lends for the primary that currently owns their
// slot; a connection held from an earlier SSubscribe is closed first.
func (c *ShardedPubSubConn) SSubscribe(channels ...interface{}) error {
	slot, err := ChnSlot(channels...)
	if err != nil {
		return err
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	conn, _, err := c.core.Container().ConnectionForRoute(Route{Slot: slot, Kind: SlotAddrMaster}, ConnUser)
	if err != nil {
		return err
	}
	c.conn = conn
	if err := c.conn.Send("SSUBSCRIBE", channels...); err != nil {
		return err
	}
	return c.conn.Flush()
}

// SUnsubscribe unsubscribes from the given sharded channels, or all of
// them if none is given.
func (c *ShardedPubSubConn) SUnsubscribe(channels ...interface{}) error {
	if c.conn == nil {
		return errors.New("rediscluster: not subscribed")
	}
	if err := c.conn.Send("SUNSUBSCRIBE", channels...); err != nil {
		return err
	}
	return c.conn.Flush()
}

// Ping sends a PING to the server with the specified data. The connection
// must already be subscribed to at least one channel.
func (c *ShardedPubSubConn) Ping(data string) error {
	if c.conn == nil {
		return errors.New("rediscluster: not subscribed")
	}
	if err := c.conn.Send("PING", data); err != nil {
		return err
	}
	return c.conn.Flush()
}

// Receive returns a pushed message as a redis.Subscription, redis.Message,
// redis.Pong, or error, intended for use in a type switch.
func (c *ShardedPubSubConn) Receive() interface{} {
	if c.conn == nil {
		return errors.New("rediscluster: not subscribed")
	}
	return c.receiveInternal(c.conn.Receive())
}

// ReceiveWithTimeout is like Receive but overrides the connection's default
// timeout, when the underlying ConnectionLike supports it.
func (c *ShardedPubSubConn) ReceiveWithTimeout(timeout time.Duration) interface{} {
	if c.conn == nil {
		return errors.New("rediscluster: not subscribed")
	}
	if rc, ok := c.conn.(*redigoConn); ok {
		return c.receiveInternal(redis.ReceiveWithTimeout(rc.Conn, timeout))
	}
	return c.receiveInternal(c.conn.Receive())
}

// ReceiveContext is like Receive but terminates early if ctx is done,
// closing the underlying connection in that case.
func (c *ShardedPubSubConn) ReceiveContext(ctx context.Context) interface{} {
	if c.conn == nil {
		return errors.New("rediscluster: not subscribed")
	}
	if rc, ok := c.conn.(*redigoConn); ok {
		return c.receiveInternal(redis.ReceiveContext(rc.Conn, ctx))
	}
	return c.receiveInternal(c.conn.Receive())
}

func (c *ShardedPubSubConn) receiveInternal(replyArg interface{}, errArg error) interface{} {
	reply, err := redis.Values(replyArg, errArg)
	if err != nil {
		return err
	}

	var kind string
	reply, err = redis.Scan(reply, &kind)
	if err != nil {
		return err
	}

	switch kind {
	case "smessage":
		var m redis.Message
		if _, err := redis.Scan(reply, &m.Channel, &m.Data); err != nil {
			return err
		}
		return m
	case "ssubscribe", "sunsubscribe":
		s := redis.Subscription{Kind: kind}
		if _, err := redis.Scan(reply, &s.Channel, &s.Count); err != nil {
			return err
		}
		return s
	case "pong":
		var p redis.Pong
		if _, err := redis.Scan(reply, &p.Data); err != nil {
			return err
		}
		return p
	}
	return errors.New("rediscluster: unknown pubsub notification")
}
