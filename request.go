package rediscluster

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
)

// RequestInfo is the state carried for the duration of one logical request,
// per spec.md §3/§4.5.
type RequestInfo struct {
	ID       string
	CmdName  string
	Args     []interface{}
	Redirect *Redirect
	Retry    int
}

// Execute drives one logical command through the Request State Machine of
// spec.md §4.5: Resolve -> Execute -> Classify -> (redirect | retry |
// reconnect | refresh-slots | fail). Grounded on teacher's
// redirconn.DoContext and kevwan-radix.v2's clientCmd bounded-retry shape.
func (c *Core) Execute(ctx context.Context, cmdName string, args ...interface{}) (interface{}, error) {
	req := &RequestInfo{ID: uuid.NewString(), CmdName: cmdName, Args: args}
	return c.executeRequest(ctx, req)
}

// Route executes cmd against an explicit RoutingInfo override, per spec.md
// §6's Handle::route.
func (c *Core) Route(ctx context.Context, cmdName string, routing RoutingInfo, args ...interface{}) (interface{}, error) {
	if routing.IsMulti() {
		return c.fanOut(ctx, cmdName, args, routing)
	}
	req := &RequestInfo{ID: uuid.NewString(), CmdName: cmdName, Args: args}
	return c.runLoop(ctx, req, routing)
}

func (c *Core) executeRequest(ctx context.Context, req *RequestInfo) (interface{}, error) {
	routing, err := ResolveRoute(req.CmdName, req.Args)
	if err != nil {
		return nil, err
	}
	if routing.IsMulti() {
		return c.fanOut(ctx, req.CmdName, req.Args, routing)
	}
	return c.runLoop(ctx, req, routing)
}

// runLoop is the single-node Resolve/Execute/Classify/retry-guard cycle.
func (c *Core) runLoop(ctx context.Context, req *RequestInfo, initial RoutingInfo) (interface{}, error) {
	routing := initial
	var lastErr error

	for {
		conn, addr, asking, err := c.resolveTarget(req, routing)
		if err != nil {
			return nil, err
		}

		reply, execErr := c.dispatch(ctx, conn, asking, req.CmdName, req.Args)
		if execErr == nil {
			return reply, nil
		}
		lastErr = execErr

		outcome := c.classify(execErr)
		switch outcome.action {
		case actionDeliver:
			return nil, execErr
		case actionRedirectMoved:
			req.Redirect = &Redirect{Kind: RedirectMoved, Addr: outcome.addr}
			go c.triggerSlotRefreshAsync()
		case actionRedirectAsk:
			req.Redirect = &Redirect{Kind: RedirectAsk, Addr: outcome.addr}
		case actionReconnect:
			c.Container().Remove(addr)
		case actionSleepRetry:
			c.sleep(ctx, c.waitTimeForRetry(req.Retry))
		case actionRetry:
			// fall through to retry guard
		}

		req.Retry++
		if req.Retry > c.Params.Retry.NumberOfRetries {
			return nil, lastErr
		}
	}
}

// resolveTarget implements the Resolve state: redirect target takes
// priority over routing; Ask prepends ASKING for this attempt only.
func (c *Core) resolveTarget(req *RequestInfo, routing RoutingInfo) (conn ConnectionLike, addr string, asking bool, err error) {
	if req.Redirect != nil {
		addr = req.Redirect.Addr
		asking = req.Redirect.Kind == RedirectAsk
		if asking {
			req.Redirect = nil
		}
		conn, err = c.Container().ConnectionForAddress(addr, ConnUser)
		if err != nil {
			// Redirected-to node isn't known yet; connect fresh.
			node, derr := c.Factory.ConnectAndCheck(context.Background(), addr, ConnKindUserOnly, nil)
			if derr != nil {
				return nil, "", false, derr
			}
			c.Container().ReplaceOrAdd(addr, node)
			conn = node.User
		}
		return conn, addr, asking, nil
	}

	switch routing.Single {
	case RoutingSingleRandom:
		addr, err = c.Container().RandomAddress()
		if err != nil {
			return nil, "", false, err
		}
		conn, err = c.Container().ConnectionForAddress(addr, ConnUser)
		return conn, addr, false, err
	default:
		conn, addr, err = c.Container().ConnectionForRoute(routing.SpecificRoute, ConnUser)
		if err != nil {
			// The slot is known but its node was dropped (actionReconnect on a
			// prior attempt, or a refresh race): reconnect fresh rather than
			// failing the whole request, per spec.md §4.5's Reconnect state.
			return c.reconnectForRoute(routing.SpecificRoute)
		}
		return conn, addr, false, nil
	}
}

// reconnectForRoute re-resolves route's address from the current SlotMap and
// dials a fresh connection for it, used when the Connection Container has no
// lendable connection for an otherwise-known slot.
func (c *Core) reconnectForRoute(route Route) (ConnectionLike, string, bool, error) {
	addr, err := c.Slots().Lookup(route, func(replicas []string) string { return replicas[0] })
	if err != nil {
		return nil, "", false, err
	}
	node, derr := c.Factory.ConnectAndCheck(context.Background(), addr, ConnKindUserOnly, nil)
	if derr != nil {
		return nil, "", false, derr
	}
	c.Container().ReplaceOrAdd(addr, node)
	return node.User, addr, false, nil
}

// dispatch sends (optionally ASKING-prefixed) the command to conn, applying
// any Conn.SetReadTimeout/SetWriteTimeout override first.
func (c *Core) dispatch(ctx context.Context, conn ConnectionLike, asking bool, cmdName string, args []interface{}) (interface{}, error) {
	if ts, ok := conn.(timeoutSetter); ok {
		read, write := c.timeouts()
		if read > 0 {
			ts.SetReadTimeout(read)
		}
		if write > 0 {
			ts.SetWriteTimeout(write)
		}
	}
	if asking {
		if _, err := conn.Do("ASKING"); err != nil {
			return nil, err
		}
	}
	return conn.Do(cmdName, args...)
}

type actionKind int

const (
	actionDeliver actionKind = iota
	actionRedirectMoved
	actionRedirectAsk
	actionReconnect
	actionSleepRetry
	actionRetry
)

type classifyOutcome struct {
	action actionKind
	addr   string
}

// classify implements the Classify state of spec.md §4.5.
func (c *Core) classify(err error) classifyOutcome {
	if redirect, _, ok := parseRedirect(err); ok {
		if redirect.Kind == RedirectMoved {
			return classifyOutcome{action: actionRedirectMoved, addr: redirect.Addr}
		}
		return classifyOutcome{action: actionRedirectAsk, addr: redirect.Addr}
	}

	if isIOError(err) {
		if c.autoReconnectOff.Load() {
			return classifyOutcome{action: actionDeliver}
		}
		return classifyOutcome{action: actionReconnect}
	}

	kind := classifyServerError(err)
	switch kind {
	case KindTryAgain, KindClusterDown:
		return classifyOutcome{action: actionSleepRetry}
	case KindResponseError:
		if retryableResponseError(err) {
			return classifyOutcome{action: actionRetry}
		}
		return classifyOutcome{action: actionDeliver}
	default:
		return classifyOutcome{action: actionDeliver}
	}
}

// isIOError reports whether err looks like a transport/timeout failure
// rather than a server-returned RESP error. redigo represents server
// errors (MOVED, TRYAGAIN, WRONGTYPE, ...) via its redis.Error string
// type; anything else reaching here (net errors, timeouts, closed
// connections) is classified as I/O, per spec.md §4.5.
func isIOError(err error) bool {
	_, isServerErr := err.(redis.Error)
	return !isServerErr
}

// waitTimeForRetry computes the exponential-backoff-with-jitter delay for
// retry attempt n, per spec.md §4.5. Built on
// github.com/cenkalti/backoff/v5's ExponentialBackOff, the retry curve
// zalando-skipper's Redis client reaches for in the pack, configured from
// RetryParams rather than the library's own defaults so behavior stays
// governed by ClusterParams.
func (c *Core) waitTimeForRetry(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	b := c.retryBackoff()
	d := c.Params.Retry.MaxWait
	for i := 0; i < n; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			// The caller's retry budget (not the backoff policy) owns the
			// "stop retrying" decision here, so a Stop result is treated as
			// "wait at the ceiling" rather than aborting the sleep.
			d = c.Params.Retry.MaxWait
			break
		}
		d = next
	}
	return d
}

func (c *Core) retryBackoff() *backoff.ExponentialBackOff {
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Params.Retry.BaseWait
	b.MaxInterval = c.Params.Retry.MaxWait
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

func (c *Core) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *Core) triggerSlotRefreshAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), c.Params.ConnectionTimeout*4)
	defer cancel()
	if err := c.RefreshSlots(ctx, 0); err != nil {
		c.Logger.Printf("cluster: slot refresh after MOVED failed: %v", err)
	}
}
