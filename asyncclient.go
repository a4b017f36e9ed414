package rediscluster

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
)

func newRequestID() string { return uuid.NewString() }

// asyncJob is one unit of mailbox work: a request to execute plus the sink
// the dispatcher delivers its outcome to, per design note §9's "mailbox +
// in-flight set + driver" framing.
type asyncJob struct {
	id     string
	run    func() (interface{}, error)
	result chan asyncResult
}

type asyncResult struct {
	reply interface{}
	err   error
}

// AsyncClient is the multiplexed cluster client variant of spec.md §5: a
// single dispatcher goroutine reads off a mailbox channel and hands each
// job to its own worker goroutine, tracking in-flight requests in a map
// guarded by its own mutex so Close can drain outstanding work. Grounded on
// kevwan-radix.v2's Cluster.callCh single-actor-goroutine pattern, adapted
// from "one function per call" to "one job struct carrying its own result
// channel", and wired to Supervisor for background topology refresh.
type AsyncClient struct {
	core       *Core
	supervisor *Supervisor

	mailbox chan asyncJob

	inFlightMu sync.Mutex
	inFlight   map[string]chan asyncResult

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// DialAsync builds, bootstraps and starts the multiplexed client variant,
// including its Periodic Supervisor, per spec.md §5/§6.
func DialAsync(ctx context.Context, seedAddrs []string, opts ...Option) (*AsyncClient, error) {
	params, err := NewClusterParams(opts...)
	if err != nil {
		return nil, err
	}
	core := NewCore(seedAddrs, params, log.Default())
	if err := core.Bootstrap(ctx); err != nil {
		return nil, err
	}

	ac := &AsyncClient{
		core:     core,
		mailbox:  make(chan asyncJob, 256),
		inFlight: make(map[string]chan asyncResult),
		closed:   make(chan struct{}),
	}
	ac.supervisor = NewSupervisor(core)
	ac.supervisor.Start(ctx)

	ac.wg.Add(1)
	go ac.dispatch(ctx)
	return ac, nil
}

// dispatch is the single mailbox-reading goroutine; it never itself blocks
// on I/O, handing each job to its own worker so one slow node can't stall
// the rest of the in-flight set.
func (ac *AsyncClient) dispatch(ctx context.Context) {
	defer ac.wg.Done()
	for {
		select {
		case <-ctx.Done():
			ac.drain(ctx.Err())
			return
		case <-ac.closed:
			ac.drain(ErrNoConnectionsAvailable)
			return
		case job := <-ac.mailbox:
			ac.trackInFlight(job.id, job.result)
			go ac.runWorker(job)
		}
	}
}

func (ac *AsyncClient) trackInFlight(id string, ch chan asyncResult) {
	ac.inFlightMu.Lock()
	ac.inFlight[id] = ch
	ac.inFlightMu.Unlock()
}

func (ac *AsyncClient) untrackInFlight(id string) {
	ac.inFlightMu.Lock()
	delete(ac.inFlight, id)
	ac.inFlightMu.Unlock()
}

// runWorker executes one job's request and delivers the outcome into the
// job's result channel. The job runs even if its caller has already stopped
// waiting; the result is then left unread in the channel.
func (ac *AsyncClient) runWorker(job asyncJob) {
	defer ac.untrackInFlight(job.id)
	reply, err := job.run()
	select {
	case job.result <- asyncResult{reply: reply, err: err}:
	default:
		// The channel is buffered with capacity 1 (see submit), so the send
		// above succeeds whether or not the caller is still waiting; this
		// branch fires only when drain has already filled the buffer.
	}
}

func (ac *AsyncClient) drain(cause error) {
	ac.inFlightMu.Lock()
	pending := make([]chan asyncResult, 0, len(ac.inFlight))
	for _, ch := range ac.inFlight {
		pending = append(pending, ch)
	}
	ac.inFlight = make(map[string]chan asyncResult)
	ac.inFlightMu.Unlock()
	for _, ch := range pending {
		select {
		case ch <- asyncResult{err: cause}:
		default:
		}
	}
}

// Do submits cmdName for execution and blocks the caller until a reply or
// ctx is done, per spec.md §5: the submission itself is non-blocking from
// the dispatcher's perspective, but this convenience wrapper waits for the
// matching result before returning, matching the ergonomics of the
// teacher's synchronous call sites layered over redirconn.
func (ac *AsyncClient) Do(ctx context.Context, cmdName string, args ...interface{}) (interface{}, error) {
	return ac.submit(ctx, func() (interface{}, error) {
		return ac.core.Execute(ctx, cmdName, args...)
	})
}

// Route executes cmdName against an explicit routing override via the
// mailbox, per spec.md §6's Handle::route.
func (ac *AsyncClient) Route(ctx context.Context, cmdName string, routing RoutingInfo, args ...interface{}) (interface{}, error) {
	return ac.submit(ctx, func() (interface{}, error) {
		return ac.core.Route(ctx, cmdName, routing, args...)
	})
}

func (ac *AsyncClient) submit(ctx context.Context, run func() (interface{}, error)) (interface{}, error) {
	job := asyncJob{id: newRequestID(), run: run, result: make(chan asyncResult, 1)}
	select {
	case ac.mailbox <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ac.closed:
		return nil, ErrNoConnectionsAvailable
	}

	select {
	case res := <-job.result:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PubSub returns a sharded PubSub connection (SSUBSCRIBE/SUNSUBSCRIBE) bound
// to this AsyncClient's underlying Core. The returned connection is used
// directly, outside the mailbox: sharded pub/sub is a long-lived streaming
// session, not a one-shot request the dispatcher can hand to a worker.
func (ac *AsyncClient) PubSub() *ShardedPubSubConn { return NewShardedPubSubConn(ac.core) }

// Close stops the supervisor and dispatcher, draining any in-flight
// requests with ErrNoConnectionsAvailable, then closes the Core.
func (ac *AsyncClient) Close() {
	ac.closeOnce.Do(func() {
		close(ac.closed)
		ac.supervisor.Stop()
		ac.wg.Wait()
		ac.core.Shutdown()
	})
}
