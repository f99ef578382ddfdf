// Package qos implements the DDS policy lattice (spec.md §4.6/§6): the
// per-entity QoS record, the request-vs-offered compatibility check SEDP
// matching relies on, mutable-vs-immutable enforcement, and the
// ownership-strength tiebreak.
package qos

import (
	"fmt"
	"time"

	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/rtps/types"
)

// ReliabilityKind orders BestEffort < Reliable.
type ReliabilityKind int

const (
	BestEffort ReliabilityKind = iota
	Reliable
)

type Reliability struct {
	Kind            ReliabilityKind
	MaxBlockingTime time.Duration
}

// DurabilityKind orders Volatile < TransientLocal.
type DurabilityKind int

const (
	Volatile DurabilityKind = iota
	TransientLocal
)

type Durability struct{ Kind DurabilityKind }

type Deadline struct{ Period time.Duration }

type LatencyBudget struct{ Duration time.Duration }

// LivelinessKind orders Automatic < ManualByParticipant < ManualByTopic.
type LivelinessKind int

const (
	Automatic LivelinessKind = iota
	ManualByParticipant
	ManualByTopic
)

type Liveliness struct {
	Kind          LivelinessKind
	LeaseDuration time.Duration
}

// DestinationOrderKind orders ByReceptionTimestamp < BySourceTimestamp.
type DestinationOrderKind int

const (
	ByReceptionTimestamp DestinationOrderKind = iota
	BySourceTimestamp
)

type DestinationOrder struct{ Kind DestinationOrderKind }

type HistoryKind int

const (
	KeepLast HistoryKind = iota
	KeepAll
)

type History struct {
	Kind  HistoryKind
	Depth int32 // meaningful only when Kind == KeepLast
}

// Unlimited is the sentinel ResourceLimits/History value meaning "no bound".
const Unlimited = -1

type ResourceLimits struct {
	MaxSamples             int32
	MaxInstances           int32
	MaxSamplesPerInstance  int32
}

type OwnershipKind int

const (
	Shared OwnershipKind = iota
	Exclusive
)

type Ownership struct{ Kind OwnershipKind }

type OwnershipStrength struct{ Value int32 }

type AccessScopeKind int

const (
	InstanceScope AccessScopeKind = iota
	TopicScope
	GroupScope
)

type Presentation struct {
	AccessScope     AccessScopeKind
	CoherentAccess  bool
	OrderedAccess   bool
}

type Lifespan struct{ Duration time.Duration }

type TimeBasedFilter struct{ MinimumSeparation time.Duration }

type Partition struct{ Names []string }

type UserData struct{ Value []byte }
type TopicData struct{ Value []byte }
type GroupData struct{ Value []byte }

// mutability classes per spec.md §4.6.
const (
	mutable   = true
	immutable = false
)

// policyMutability names every policy the writer/reader record carries and
// whether changing it after Enable is permitted.
var policyMutability = map[string]bool{
	"UserData":          mutable,
	"Deadline":           mutable,
	"LatencyBudget":      mutable,
	"Partition":          mutable,
	"TopicData":          mutable,
	"GroupData":          mutable,
	"Lifespan":           mutable,
	"OwnershipStrength":  mutable,
	"Reliability":        immutable,
	"Durability":         immutable,
	"History":            immutable,
	"ResourceLimits":     immutable,
	"Ownership":          immutable,
	"DestinationOrder":   immutable,
	"Presentation":       immutable,
	"TimeBasedFilter":    immutable,
}

// CheckMutable returns ImmutablePolicy if policyName may not be changed on
// an already-enabled entity.
func CheckMutable(policyName string, enabled bool) error {
	if !enabled {
		return nil
	}
	if mutableOK, known := policyMutability[policyName]; known && !mutableOK {
		return fmt.Errorf("%w: %s cannot change after enable", ddserror.ImmutablePolicy, policyName)
	}
	return nil
}

// EndpointQos is the subset of DataWriterQos/DataReaderQos that participates
// in SEDP compatibility matching (spec.md §4.5), plus the endpoint-local
// policies (History, ResourceLimits, OwnershipStrength, Lifespan,
// TimeBasedFilter, UserData) that never enter the compatibility check but do
// govern one endpoint's own cache and timers. TopicData/GroupData are
// entity-level (Topic/Publisher/Subscriber), not endpoint-level, so they are
// not carried here.
type EndpointQos struct {
	Reliability       Reliability
	Durability        Durability
	Deadline          Deadline
	LatencyBudget     LatencyBudget
	Liveliness        Liveliness
	DestinationOrder  DestinationOrder
	Ownership         Ownership
	OwnershipStrength OwnershipStrength
	Presentation      Presentation
	Partition         Partition
	History           History
	ResourceLimits    ResourceLimits
	Lifespan          Lifespan
	TimeBasedFilter   TimeBasedFilter
	UserData          UserData
}

// OrDefault fills a zero-value History (Kind: KeepLast, Depth: 0) with the
// KeepLast(1) default every endpoint had before History was configurable, so
// a caller that never set this policy keeps the old behavior instead of
// silently disabling KeepLast eviction.
func (h History) OrDefault() History {
	if h.Kind == KeepLast && h.Depth <= 0 {
		h.Depth = 1
	}
	return h
}

// OrDefault fills a zero-value ResourceLimits (all fields 0) with Unlimited,
// so a caller that never set this policy keeps the pre-existing unbounded
// behavior instead of every AddChange being rejected (0 means "at most
// zero", not "no bound").
func (l ResourceLimits) OrDefault() ResourceLimits {
	if l.MaxSamples == 0 {
		l.MaxSamples = Unlimited
	}
	if l.MaxInstances == 0 {
		l.MaxInstances = Unlimited
	}
	if l.MaxSamplesPerInstance == 0 {
		l.MaxSamplesPerInstance = Unlimited
	}
	return l
}

// IncompatiblePolicy names one policy id that failed the compatibility
// check, for RequestedIncompatibleQos reporting (spec.md §4.7).
type IncompatiblePolicy struct {
	Name string
}

// CompatibleQos implements spec.md §4.5's compatible_qos: reader is the
// request side, writer is the offered side. It returns every failing
// policy rather than stopping at the first, since RequestedIncompatibleQos
// reports the full policies list.
func CompatibleQos(reader, writer EndpointQos) []IncompatiblePolicy {
	var bad []IncompatiblePolicy

	if reader.Reliability.Kind == Reliable && writer.Reliability.Kind != Reliable {
		bad = append(bad, IncompatiblePolicy{"Reliability"})
	}
	if reader.Durability.Kind == TransientLocal && writer.Durability.Kind != TransientLocal {
		bad = append(bad, IncompatiblePolicy{"Durability"})
	}
	// Deadline: offered <= requested (writer promises at least as often as asked).
	if reader.Deadline.Period > 0 && (writer.Deadline.Period == 0 || writer.Deadline.Period > reader.Deadline.Period) {
		bad = append(bad, IncompatiblePolicy{"Deadline"})
	}
	// LatencyBudget: offered <= requested.
	if writer.LatencyBudget.Duration > reader.LatencyBudget.Duration {
		bad = append(bad, IncompatiblePolicy{"LatencyBudget"})
	}
	if writer.Liveliness.Kind < reader.Liveliness.Kind {
		bad = append(bad, IncompatiblePolicy{"Liveliness"})
	}
	if reader.Liveliness.LeaseDuration > 0 && writer.Liveliness.LeaseDuration > reader.Liveliness.LeaseDuration {
		bad = append(bad, IncompatiblePolicy{"Liveliness"})
	}
	if reader.DestinationOrder.Kind == BySourceTimestamp && writer.DestinationOrder.Kind != BySourceTimestamp {
		bad = append(bad, IncompatiblePolicy{"DestinationOrder"})
	}
	if reader.Ownership.Kind != writer.Ownership.Kind {
		bad = append(bad, IncompatiblePolicy{"Ownership"})
	}
	if reader.Presentation.AccessScope > writer.Presentation.AccessScope {
		bad = append(bad, IncompatiblePolicy{"Presentation"})
	}
	if reader.Presentation.CoherentAccess && !writer.Presentation.CoherentAccess {
		bad = append(bad, IncompatiblePolicy{"Presentation"})
	}
	if reader.Presentation.OrderedAccess && !writer.Presentation.OrderedAccess {
		bad = append(bad, IncompatiblePolicy{"Presentation"})
	}
	if !PartitionIntersects(reader.Partition, writer.Partition) {
		bad = append(bad, IncompatiblePolicy{"Partition"})
	}
	return bad
}

// PartitionIntersects implements spec.md §4.5's partition_intersects: an
// empty partition list means the implicit "" partition, so two endpoints
// with no configured partitions always intersect.
func PartitionIntersects(r, w Partition) bool {
	rn, wn := r.Names, w.Names
	if len(rn) == 0 {
		rn = []string{""}
	}
	if len(wn) == 0 {
		wn = []string{""}
	}
	for _, a := range rn {
		for _, b := range wn {
			if a == b {
				return true
			}
		}
	}
	return false
}

// ArbitrateOwnership resolves spec.md §9's open question: among
// candidate writers of equal OwnershipStrength for one instance, the
// deterministic tiebreak is an ascending lexicographic compare of the
// 12-byte GuidPrefix, then the 4-byte EntityId. Returns true if a is
// strictly the stronger (or, on a strength tie, the tie-break winner)
// of the two writers.
func ArbitrateOwnership(aStrength int32, aGuid types.Guid, bStrength int32, bGuid types.Guid) bool {
	if aStrength != bStrength {
		return aStrength > bStrength
	}
	if aGuid.Prefix.Less(bGuid.Prefix) {
		return true
	}
	if bGuid.Prefix.Less(aGuid.Prefix) {
		return false
	}
	for i := range aGuid.Entity.EntityKey {
		if aGuid.Entity.EntityKey[i] != bGuid.Entity.EntityKey[i] {
			return aGuid.Entity.EntityKey[i] < bGuid.Entity.EntityKey[i]
		}
	}
	return aGuid.Entity.EntityKind < bGuid.Entity.EntityKind
}
