package rediscluster

import "sync"

// fakeConn is a minimal in-memory ConnectionLike double for unit tests,
// grounded on the teacher's own test harness style (table of canned
// replies keyed by command) without requiring a live cluster.
type fakeConn struct {
	mu      sync.Mutex
	replies map[string]interface{}
	errs    map[string]error
	calls   []string
	closed  bool

	sendQueue []sendCall
}

type sendCall struct {
	cmd  string
	args []interface{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{replies: make(map[string]interface{}), errs: make(map[string]error)}
}

func (f *fakeConn) withReply(cmd string, reply interface{}) *fakeConn {
	f.replies[cmd] = reply
	return f
}

func (f *fakeConn) withError(cmd string, err error) *fakeConn {
	f.errs[cmd] = err
	return f
}

func (f *fakeConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	if err, ok := f.errs[cmd]; ok {
		return nil, err
	}
	return f.replies[cmd], nil
}

func (f *fakeConn) Send(cmd string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendQueue = append(f.sendQueue, sendCall{cmd: cmd, args: args})
	return nil
}

func (f *fakeConn) Flush() error { return nil }

func (f *fakeConn) Receive() (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendQueue) == 0 {
		return nil, nil
	}
	next := f.sendQueue[0]
	f.sendQueue = f.sendQueue[1:]
	if err, ok := f.errs[next.cmd]; ok {
		return nil, err
	}
	return f.replies[next.cmd], nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) Err() error { return nil }

var _ ConnectionLike = (*fakeConn)(nil)
