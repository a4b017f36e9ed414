package rediscluster

import (
	"context"
	"log"
	"time"
)

// Conn is the blocking, single-threaded cluster client variant of spec.md
// §5: every call blocks the caller's goroutine for the duration of routing,
// dispatch, and any retries. It is the direct descendant of the teacher's
// redirconn type, generalized from "one MOVED-following connection per
// slot" to "drive every command through the shared Core".
type Conn struct {
	core *Core
}

// Dial builds and bootstraps a blocking Conn against the given seed
// addresses, per spec.md §6.
func Dial(ctx context.Context, seedAddrs []string, opts ...Option) (*Conn, error) {
	params, err := NewClusterParams(opts...)
	if err != nil {
		return nil, err
	}
	core := NewCore(seedAddrs, params, log.Default())
	if err := core.Bootstrap(ctx); err != nil {
		return nil, err
	}
	return &Conn{core: core}, nil
}

// Do routes and executes a single command through the Request State
// Machine, per spec.md §4.5.
func (c *Conn) Do(ctx context.Context, cmdName string, args ...interface{}) (interface{}, error) {
	return c.core.Execute(ctx, cmdName, args...)
}

// Route executes cmdName against an explicit routing override, bypassing
// the command table, per spec.md §6's Handle::route.
func (c *Conn) Route(ctx context.Context, cmdName string, routing RoutingInfo, args ...interface{}) (interface{}, error) {
	return c.core.Route(ctx, cmdName, routing, args...)
}

// ExecutePipeline runs cmds against the single node their combined routes
// resolve to, failing with ErrCrossSlot if they don't agree, per spec.md
// §4.2/§4.5. Grounded on teacher's pipeLiner, narrowed from "split across
// many nodes" (now the Fan-out Executor's job for true multi-node routes)
// to the pipeline-specific single-slot invariant.
func (c *Conn) ExecutePipeline(ctx context.Context, cmds []PipelineCmd) ([]interface{}, error) {
	routing, err := ResolvePipelineRoute(cmds)
	if err != nil {
		return nil, err
	}
	req := &RequestInfo{CmdName: "PIPELINE"}
	for {
		conn, addr, asking, rerr := c.core.resolveTarget(req, routing)
		if rerr != nil {
			return nil, rerr
		}
		reply, execErr := c.runPipeline(ctx, conn, asking, cmds)
		if execErr == nil {
			return reply, nil
		}

		outcome := c.core.classify(execErr)
		switch outcome.action {
		case actionDeliver:
			return nil, execErr
		case actionRedirectMoved:
			req.Redirect = &Redirect{Kind: RedirectMoved, Addr: outcome.addr}
			go c.core.triggerSlotRefreshAsync()
		case actionRedirectAsk:
			req.Redirect = &Redirect{Kind: RedirectAsk, Addr: outcome.addr}
		case actionReconnect:
			c.core.Container().Remove(addr)
		case actionSleepRetry:
			c.core.sleep(ctx, c.core.waitTimeForRetry(req.Retry))
		}

		req.Retry++
		if req.Retry > c.core.Params.Retry.NumberOfRetries {
			return nil, execErr
		}
	}
}

// runPipeline sends every command with Send/Flush then drains replies with
// Receive, per spec.md §4.5, surfacing the first error encountered (any
// later command's reply is abandoned, matching teacher's pipeLiner
// behavior on partial failure).
func (c *Conn) runPipeline(ctx context.Context, conn ConnectionLike, asking bool, cmds []PipelineCmd) ([]interface{}, error) {
	if asking {
		if err := conn.Send("ASKING"); err != nil {
			return nil, err
		}
	}
	for _, cmd := range cmds {
		if err := conn.Send(cmd.Name, cmd.Args...); err != nil {
			return nil, err
		}
	}
	if err := conn.Flush(); err != nil {
		return nil, err
	}
	if asking {
		if _, err := conn.Receive(); err != nil {
			return nil, err
		}
	}
	out := make([]interface{}, len(cmds))
	for i := range cmds {
		reply, err := conn.Receive()
		if err != nil {
			return nil, err
		}
		out[i] = reply
	}
	return out, nil
}

// SetReadTimeout overrides the per-call read deadline for every command
// this Conn dispatches henceforth through Do and Route, per spec.md §6.
// ExecutePipeline does not apply it.
func (c *Conn) SetReadTimeout(d time.Duration) { c.core.SetReadTimeout(d) }

// SetWriteTimeout records a per-call write deadline, per spec.md §6. It is
// passed to each connection's SetWriteTimeout on Do and Route; the
// redigo-backed connections this package dials ignore it.
func (c *Conn) SetWriteTimeout(d time.Duration) { c.core.SetWriteTimeout(d) }

// SetAutoReconnect toggles whether an I/O error triggers reconnect-and-retry
// (the default) or is surfaced to the caller immediately, per spec.md §6.
func (c *Conn) SetAutoReconnect(enabled bool) { c.core.SetAutoReconnect(enabled) }

// PubSub returns a sharded PubSub connection (SSUBSCRIBE/SUNSUBSCRIBE) bound
// to this Conn's underlying Core, per spec.md §4.1's sharded pub/sub surface.
func (c *Conn) PubSub() *ShardedPubSubConn { return NewShardedPubSubConn(c.core) }

// Close shuts down the underlying Core, closing every connection.
func (c *Conn) Close() { c.core.Shutdown() }
