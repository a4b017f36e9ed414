package rediscluster

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomodule/redigo/redis"
)

// Kind classifies an error surfaced by the cluster core, per the recovery
// policy in spec.md §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindIO
	KindAuthenticationFailed
	KindResponseError
	KindClusterDown
	KindTryAgain
	KindMoved
	KindAsk
	KindCrossSlot
	KindInvalidClientConfig
	KindClientError
	KindNoConnectionsAvailable
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IoError"
	case KindAuthenticationFailed:
		return "AuthenticationFailed"
	case KindResponseError:
		return "ResponseError"
	case KindClusterDown:
		return "ClusterDown"
	case KindTryAgain:
		return "TryAgain"
	case KindMoved:
		return "Moved"
	case KindAsk:
		return "Ask"
	case KindCrossSlot:
		return "CrossSlot"
	case KindInvalidClientConfig:
		return "InvalidClientConfig"
	case KindClientError:
		return "ClientError"
	case KindNoConnectionsAvailable:
		return "NoConnectionsAvailable"
	default:
		return "Unknown"
	}
}

// ClusterError is the typed error surfaced to callers of the core.
type ClusterError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *ClusterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *ClusterError) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string) *ClusterError {
	return &ClusterError{Kind: kind, Msg: msg}
}

func wrapErr(kind Kind, msg string, err error) *ClusterError {
	return &ClusterError{Kind: kind, Msg: msg, Err: err}
}

// ErrNoConnectionsAvailable is returned instead of panicking when the
// container or slot map has nothing to lend out (spec.md §9 Open Question).
var ErrNoConnectionsAvailable = newErr(KindNoConnectionsAvailable, "no connections available")

// ErrCrossSlot is returned when a pipeline's commands resolve to more than
// one slot.
var ErrCrossSlot = newErr(KindCrossSlot, "command keys don't belong to the same slot")

// ErrUnroutable is returned for a pipeline containing a command this core
// cannot safely route in cluster mode.
var ErrUnroutable = newErr(KindClientError, "this command cannot be safely routed in cluster mode")

// Redirect is a transient server-driven hint attached to a retried request.
type Redirect struct {
	Kind RedirectKind
	Addr string
}

type RedirectKind int

const (
	RedirectNone RedirectKind = iota
	RedirectMoved
	RedirectAsk
)

// parseRedirect parses a MOVED/ASK server error into a Redirect, per
// spec.md §6. Grounded on teacher's ParseRedirInfo.
func parseRedirect(err error) (*Redirect, int, bool) {
	re, ok := err.(redis.Error)
	if !ok {
		return nil, 0, false
	}
	parts := strings.Fields(re.Error())
	if len(parts) != 3 || (parts[0] != "MOVED" && parts[0] != "ASK") {
		return nil, 0, false
	}
	slot, convErr := strconv.Atoi(parts[1])
	if convErr != nil {
		return nil, 0, false
	}
	kind := RedirectMoved
	if parts[0] == "ASK" {
		kind = RedirectAsk
	}
	return &Redirect{Kind: kind, Addr: parts[2]}, slot, true
}

// classifyServerError inspects a non-redirect server error and decides
// whether the Request State Machine should retry it locally.
func classifyServerError(err error) Kind {
	re, ok := err.(redis.Error)
	if !ok {
		return KindUnknown
	}
	msg := re.Error()
	switch {
	case strings.HasPrefix(msg, "TRYAGAIN"):
		return KindTryAgain
	case strings.HasPrefix(msg, "CLUSTERDOWN"):
		return KindClusterDown
	case strings.HasPrefix(msg, "LOADING"):
		return KindResponseError
	default:
		return KindResponseError
	}
}

// retryableResponseError reports whether a classified ResponseError kind
// should be retried (e.g. LOADING) rather than surfaced, per spec.md §7.
func retryableResponseError(err error) bool {
	re, ok := err.(redis.Error)
	if !ok {
		return false
	}
	return strings.HasPrefix(re.Error(), "LOADING")
}
