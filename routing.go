package rediscluster

import (
	"fmt"
	"strings"
)

// RoutingKind discriminates the RoutingInfo variants of spec.md §3.
type RoutingKind int

const (
	RoutingSingleRandom RoutingKind = iota
	RoutingSingleSpecific
	RoutingMulti
)

// MultiRoutingKind discriminates multi-node routing shapes.
type MultiRoutingKind int

const (
	MultiAllMasters MultiRoutingKind = iota
	MultiAllNodes
	MultiSlot
)

// ResponsePolicy determines how per-node fan-out responses collapse into
// one value, per spec.md §3.
type ResponsePolicy int

const (
	PolicyNone ResponsePolicy = iota
	PolicyAllSucceeded
	PolicyOneSucceeded
	PolicyOneSucceededNonEmpty
	PolicyAggregateSum
	PolicyAggregateLogicalAnd
	PolicyAggregateLogicalOr
	PolicyCombineArrays
	PolicySpecial
)

// SlotTarget pairs a Route with the indices, into the caller's original
// argument list, of the arguments it owns (its keys, and for MSET each key's
// value) — used to reorder CombineArrays
// results back into submission order (spec.md §4.6).
type SlotTarget struct {
	Route   Route
	Indices []int
}

// RoutingInfo is the resolved target(s) for a command, per spec.md §3.
type RoutingInfo struct {
	Kind MultiRoutingKindOrSingle

	// Single-node fields, valid when Kind == routingIsSingle.
	Single       RoutingKind
	SpecificRoute Route

	// Multi-node fields, valid when Kind == routingIsMulti.
	Multi    MultiRoutingKind
	Targets  []SlotTarget // populated for MultiSlot
	Policy   ResponsePolicy
}

// MultiRoutingKindOrSingle disambiguates whether a RoutingInfo is
// single-node or multi-node without resorting to an interface{} variant,
// keeping RoutingInfo a plain comparable-ish struct.
type MultiRoutingKindOrSingle int

const (
	routingIsSingle MultiRoutingKindOrSingle = iota
	routingIsMulti
)

func singleRandom() RoutingInfo {
	return RoutingInfo{Kind: routingIsSingle, Single: RoutingSingleRandom}
}

func singleSpecific(r Route) RoutingInfo {
	return RoutingInfo{Kind: routingIsSingle, Single: RoutingSingleSpecific, SpecificRoute: r}
}

func multiRouting(kind MultiRoutingKind, targets []SlotTarget, policy ResponsePolicy) RoutingInfo {
	return RoutingInfo{Kind: routingIsMulti, Multi: kind, Targets: targets, Policy: policy}
}

// IsMulti reports whether this RoutingInfo fans out to more than one node.
func (r RoutingInfo) IsMulti() bool { return r.Kind == routingIsMulti }

// cmdRule describes how a single command name resolves to a route.
type cmdRule struct {
	multi     MultiRoutingKind // zero value (MultiAllMasters) unless isMulti
	isMulti   bool
	policy    ResponsePolicy
	single    RoutingKind // for single-node commands
	role      SlotAddrKind
	keyOffset int // argument index (0-based) of the first key, -1 if none
	multiKey  bool
	unroutable bool
}

// commandTable is the static per-command routing table of spec.md §4.2.
// Every command name is upper-cased before lookup.
var commandTable = map[string]cmdRule{
	"PING":          {single: RoutingSingleRandom, keyOffset: -1},
	"ECHO":          {single: RoutingSingleRandom, keyOffset: -1},
	"INFO":          {single: RoutingSingleRandom, keyOffset: -1},
	"CLUSTER":       {single: RoutingSingleRandom, keyOffset: -1},
	"SCAN":          {isMulti: true, multi: MultiAllMasters, policy: PolicySpecial, keyOffset: -1},
	"DBSIZE":        {isMulti: true, multi: MultiAllMasters, policy: PolicyAggregateSum, keyOffset: -1},
	"FLUSHALL":      {isMulti: true, multi: MultiAllMasters, policy: PolicyAllSucceeded, keyOffset: -1},
	"FLUSHDB":       {isMulti: true, multi: MultiAllMasters, policy: PolicyAllSucceeded, keyOffset: -1},
	"SCRIPT":        {isMulti: true, multi: MultiAllMasters, policy: PolicyAllSucceeded, keyOffset: -1},
	"KEYS":          {isMulti: true, multi: MultiAllMasters, policy: PolicyCombineArrays, keyOffset: -1},
	"SHUTDOWN":      {unroutable: true},
	"GET":           {single: RoutingSingleSpecific, role: SlotAddrReplicaOptional, keyOffset: 0},
	"STRLEN":        {single: RoutingSingleSpecific, role: SlotAddrReplicaOptional, keyOffset: 0},
	"EXISTS":        {single: RoutingSingleSpecific, role: SlotAddrReplicaOptional, keyOffset: 0},
	"TTL":           {single: RoutingSingleSpecific, role: SlotAddrReplicaOptional, keyOffset: 0},
	"LRANGE":        {single: RoutingSingleSpecific, role: SlotAddrReplicaOptional, keyOffset: 0},
	"HGETALL":       {single: RoutingSingleSpecific, role: SlotAddrReplicaOptional, keyOffset: 0},
	"SMEMBERS":      {single: RoutingSingleSpecific, role: SlotAddrReplicaOptional, keyOffset: 0},
	"SET":           {single: RoutingSingleSpecific, role: SlotAddrMaster, keyOffset: 0},
	"SETEX":         {single: RoutingSingleSpecific, role: SlotAddrMaster, keyOffset: 0},
	"DEL":           {single: RoutingSingleSpecific, role: SlotAddrMaster, keyOffset: 0},
	"EXPIRE":        {single: RoutingSingleSpecific, role: SlotAddrMaster, keyOffset: 0},
	"RPUSH":         {single: RoutingSingleSpecific, role: SlotAddrMaster, keyOffset: 0},
	"LPUSH":         {single: RoutingSingleSpecific, role: SlotAddrMaster, keyOffset: 0},
	"LTRIM":         {single: RoutingSingleSpecific, role: SlotAddrMaster, keyOffset: 0},
	"SADD":          {single: RoutingSingleSpecific, role: SlotAddrMaster, keyOffset: 0},
	"HSET":          {single: RoutingSingleSpecific, role: SlotAddrMaster, keyOffset: 0},
	"INCR":          {single: RoutingSingleSpecific, role: SlotAddrMaster, keyOffset: 0},
	"MGET":          {multiKey: true, policy: PolicyCombineArrays, role: SlotAddrReplicaOptional},
	"MSET":          {multiKey: true, policy: PolicyCombineArrays, role: SlotAddrMaster},
	"EVAL":          {single: RoutingSingleSpecific, role: SlotAddrMaster, keyOffset: 2},
	"EVAL_RO":       {single: RoutingSingleSpecific, role: SlotAddrReplicaOptional, keyOffset: 2},
	"EVALSHA":       {single: RoutingSingleSpecific, role: SlotAddrMaster, keyOffset: 2},
	"EVALSHA_RO":    {single: RoutingSingleSpecific, role: SlotAddrReplicaOptional, keyOffset: 2},
}

// ResolveRoute computes the RoutingInfo for a single command, per spec.md
// §4.2. args does not include the command name itself.
func ResolveRoute(cmdName string, args []interface{}) (RoutingInfo, error) {
	name := strings.ToUpper(cmdName)
	rule, ok := commandTable[name]
	if !ok {
		// Unknown commands default to a single specific-key write route
		// when a key-shaped first argument is present, else Random.
		if len(args) == 0 {
			return singleRandom(), nil
		}
		return singleSpecific(Route{Slot: Slot(argString(args[0])), Kind: SlotAddrMaster}), nil
	}
	if rule.unroutable {
		return RoutingInfo{}, ErrUnroutable
	}
	if rule.multiKey {
		return resolveMultiKey(args, rule.policy, rule.role)
	}
	if rule.isMulti {
		return multiRouting(rule.multi, nil, rule.policy), nil
	}
	switch rule.single {
	case RoutingSingleRandom:
		return singleRandom(), nil
	case RoutingSingleSpecific:
		if rule.keyOffset < 0 || rule.keyOffset >= len(args) {
			return singleRandom(), nil
		}
		slot := Slot(argString(args[rule.keyOffset]))
		return singleSpecific(Route{Slot: slot, Kind: rule.role}), nil
	default:
		return singleRandom(), nil
	}
}

// resolveMultiKey builds a MultiSlot RoutingInfo for MGET/MSET-shaped
// commands, grouping argument indices by the slot their key hashes to.
func resolveMultiKey(args []interface{}, policy ResponsePolicy, role SlotAddrKind) (RoutingInfo, error) {
	step := 1
	if policy == PolicyCombineArrays && role == SlotAddrMaster {
		step = 2 // MSET: key, value, key, value, ...
	}
	bySlot := make(map[int][]int)
	var order []int
	for i := 0; i < len(args); i += step {
		slot := Slot(argString(args[i]))
		if _, ok := bySlot[slot]; !ok {
			order = append(order, slot)
		}
		bySlot[slot] = append(bySlot[slot], i)
		if step == 2 && i+1 < len(args) {
			bySlot[slot] = append(bySlot[slot], i+1) // the key's value travels with it
		}
	}
	targets := make([]SlotTarget, 0, len(order))
	for _, slot := range order {
		targets = append(targets, SlotTarget{
			Route:   Route{Slot: slot, Kind: role},
			Indices: bySlot[slot],
		})
	}
	return multiRouting(MultiSlot, targets, policy), nil
}

func argString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// PipelineCmd is one command within a pipeline submitted to ResolvePipelineRoute.
type PipelineCmd struct {
	Name string
	Args []interface{}
}

// ResolvePipelineRoute implements spec.md §4.2's pipeline routing: the
// route is the first command's route, upgraded from ReplicaOptional to
// Master if a later command writes to the same slot; two commands
// resolving to different slots fail with ErrCrossSlot.
func ResolvePipelineRoute(cmds []PipelineCmd) (RoutingInfo, error) {
	if len(cmds) == 0 {
		return singleRandom(), nil
	}
	var chosen *RoutingInfo
	var chosenSlot int
	hasSlot := false

	for _, c := range cmds {
		ri, err := ResolveRoute(c.Name, c.Args)
		if err != nil {
			return RoutingInfo{}, err
		}
		if ri.IsMulti() {
			return RoutingInfo{}, ErrUnroutable
		}
		if ri.Single == RoutingSingleRandom {
			continue
		}
		if !hasSlot {
			hasSlot = true
			chosenSlot = ri.SpecificRoute.Slot
			r := ri
			chosen = &r
			continue
		}
		if ri.SpecificRoute.Slot != chosenSlot {
			return RoutingInfo{}, ErrCrossSlot
		}
		if ri.SpecificRoute.Kind == SlotAddrMaster {
			chosen.SpecificRoute.Kind = SlotAddrMaster
		}
	}
	if chosen == nil {
		return singleRandom(), nil
	}
	return *chosen, nil
}
