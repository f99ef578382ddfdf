package qos

import (
	"testing"
	"time"

	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/rtps/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompatibleQosReliabilityMismatch(t *testing.T) {
	reader := EndpointQos{Reliability: Reliability{Kind: Reliable}}
	writer := EndpointQos{Reliability: Reliability{Kind: BestEffort}}
	bad := CompatibleQos(reader, writer)
	require.Len(t, bad, 1)
	assert.Equal(t, "Reliability", bad[0].Name)
}

func TestCompatibleQosAllMatch(t *testing.T) {
	q := EndpointQos{
		Reliability: Reliability{Kind: Reliable},
		Durability:  Durability{Kind: TransientLocal},
	}
	bad := CompatibleQos(q, q)
	assert.Empty(t, bad)
}

func TestCompatibleQosDeadlineOfferedLoosrThanRequested(t *testing.T) {
	reader := EndpointQos{Deadline: Deadline{Period: time.Second}}
	writer := EndpointQos{Deadline: Deadline{Period: 2 * time.Second}}
	bad := CompatibleQos(reader, writer)
	require.Len(t, bad, 1)
	assert.Equal(t, "Deadline", bad[0].Name)
}

func TestCompatibleQosOwnershipKindMustMatch(t *testing.T) {
	reader := EndpointQos{Ownership: Ownership{Kind: Exclusive}}
	writer := EndpointQos{Ownership: Ownership{Kind: Shared}}
	bad := CompatibleQos(reader, writer)
	require.Len(t, bad, 1)
	assert.Equal(t, "Ownership", bad[0].Name)
}

func TestPartitionIntersectsDefaultsToEmptyString(t *testing.T) {
	assert.True(t, PartitionIntersects(Partition{}, Partition{}))
	assert.False(t, PartitionIntersects(Partition{Names: []string{"a"}}, Partition{}))
	assert.True(t, PartitionIntersects(Partition{Names: []string{"a", "b"}}, Partition{Names: []string{"b", "c"}}))
}

func TestCheckMutableRejectsImmutablePolicyWhenEnabled(t *testing.T) {
	err := CheckMutable("Reliability", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ddserror.ImmutablePolicy)

	assert.NoError(t, CheckMutable("Reliability", false))
	assert.NoError(t, CheckMutable("Deadline", true))
}

func TestArbitrateOwnershipStrengthWins(t *testing.T) {
	a := types.Guid{Prefix: types.GuidPrefix{1}, Entity: types.EntityId{EntityKey: [3]byte{0, 0, 1}}}
	b := types.Guid{Prefix: types.GuidPrefix{2}, Entity: types.EntityId{EntityKey: [3]byte{0, 0, 2}}}
	assert.True(t, ArbitrateOwnership(10, a, 5, b))
	assert.False(t, ArbitrateOwnership(5, a, 10, b))
}

func TestArbitrateOwnershipTiesOnGuidPrefix(t *testing.T) {
	a := types.Guid{Prefix: types.GuidPrefix{1}, Entity: types.EntityId{EntityKey: [3]byte{0, 0, 1}}}
	b := types.Guid{Prefix: types.GuidPrefix{2}, Entity: types.EntityId{EntityKey: [3]byte{0, 0, 0}}}
	assert.True(t, ArbitrateOwnership(5, a, 5, b))
	assert.False(t, ArbitrateOwnership(5, b, 5, a))
}
