package message

import (
	"testing"

	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/rtps/cdr"
	"github.com/linkerd/godds/internal/rtps/plist"
	"github.com/linkerd/godds/internal/rtps/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader() Header {
	return Header{
		Version:    types.ProtocolVersion24,
		VendorId:   types.VendorIdGodds,
		GuidPrefix: types.GuidPrefix{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
	}
}

func testEntityId(kind byte) types.EntityId {
	return types.EntityId{EntityKey: [3]byte{0xaa, 0xbb, 0xcc}, EntityKind: kind}
}

func packOne(t *testing.T, body Body, endian cdr.Endian) (Header, ParsedSubmessage) {
	t.Helper()
	a := NewAssembler(testHeader(), endian, 0)
	datagrams := a.Pack([]Body{body})
	require.Len(t, datagrams, 1)
	hdr, parsed, err := Parse(datagrams[0].Bytes)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	return hdr, parsed[0]
}

func TestHeartbeatRoundtrip(t *testing.T) {
	for _, endian := range []cdr.Endian{cdr.LittleEndian, cdr.BigEndian} {
		hb := Heartbeat{
			ReaderId:   testEntityId(types.EntityKindUserDefinedReaderWithKey),
			WriterId:   testEntityId(types.EntityKindUserDefinedWriterWithKey),
			FirstSN:    1,
			LastSN:     42,
			Count:      7,
			Final:      true,
			Liveliness: false,
		}
		hdr, parsed := packOne(t, hb, endian)
		assert.Equal(t, testHeader(), hdr)
		assert.Equal(t, SubmessageIdHeartbeat, parsed.SubmessageHeader.SubmessageId)
		got, ok := parsed.Body.(Heartbeat)
		require.True(t, ok)
		assert.Equal(t, hb, got)
	}
}

func TestAckNackRoundtripWithMissingSet(t *testing.T) {
	missing := []types.SequenceNumber{5, 6, 9}
	set := NewSequenceNumberSetFromSorted(5, missing)
	an := AckNack{
		ReaderId:      testEntityId(types.EntityKindUserDefinedReaderWithKey),
		WriterId:      testEntityId(types.EntityKindUserDefinedWriterWithKey),
		ReaderSNState: set,
		Count:         3,
		Final:         false,
	}
	_, parsed := packOne(t, an, cdr.LittleEndian)
	got, ok := parsed.Body.(AckNack)
	require.True(t, ok)
	assert.Equal(t, missing, got.ReaderSNState.Members())
	assert.False(t, got.Final)
	assert.Equal(t, int32(3), got.Count)
}

func TestDataRoundtripWithInlineQosAndPayload(t *testing.T) {
	qw := cdr.NewWriter(cdr.LittleEndian)
	pw := plist.NewWriter(qw)
	require.NoError(t, pw.WriteParameter(plist.PIDTopicName, func(w *cdr.Writer) error {
		return w.WriteString("Square")
	}))
	pw.Sentinel()
	d := Data{
		ReaderId:          types.EntityIdUnknown,
		WriterId:          testEntityId(types.EntityKindUserDefinedWriterWithKey),
		WriterSN:          types.SequenceNumber(10),
		InlineQos:         qw.Bytes(),
		SerializedPayload: []byte{1, 2, 3, 4},
		KeyOnly:           false,
	}
	_, parsed := packOne(t, d, cdr.LittleEndian)
	got, ok := parsed.Body.(Data)
	require.True(t, ok)
	assert.Equal(t, d.WriterSN, got.WriterSN)
	assert.Equal(t, d.SerializedPayload, got.SerializedPayload)
	assert.False(t, got.KeyOnly)
	assert.NotEmpty(t, got.InlineQos)
}

func TestDataKeyOnlyFlag(t *testing.T) {
	d := Data{
		ReaderId:          types.EntityIdUnknown,
		WriterId:          testEntityId(types.EntityKindUserDefinedWriterWithKey),
		WriterSN:          types.SequenceNumber(2),
		SerializedPayload: []byte{0xaa},
		KeyOnly:           true,
	}
	_, parsed := packOne(t, d, cdr.LittleEndian)
	got, ok := parsed.Body.(Data)
	require.True(t, ok)
	assert.True(t, got.KeyOnly)
}

func TestHeartbeatFirstGreaterThanLastPlusOneIsInvalidData(t *testing.T) {
	hb := Heartbeat{
		ReaderId: testEntityId(types.EntityKindUserDefinedReaderWithKey),
		WriterId: testEntityId(types.EntityKindUserDefinedWriterWithKey),
		FirstSN:  10,
		LastSN:   1,
		Count:    1,
	}
	a := NewAssembler(testHeader(), cdr.LittleEndian, 0)
	datagrams := a.Pack([]Body{hb})
	require.Len(t, datagrams, 1)
	_, parsed, err := Parse(datagrams[0].Bytes)
	require.NoError(t, err) // datagram-level parse succeeds; the bad submessage is dropped
	require.Len(t, parsed, 1)
	assert.Nil(t, parsed[0].Body)
}

func TestSequenceNumberSetRejectsOversizedBitmap(t *testing.T) {
	w := cdr.NewWriter(cdr.LittleEndian)
	w.WriteI32(0)
	w.WriteU32(1)
	w.WriteU32(MaxBitmapBits + 1)
	r := cdr.NewReader(w.Bytes(), cdr.LittleEndian)
	_, err := ParseSequenceNumberSet(r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ddserror.InvalidData)
}

func TestAssemblerSplitsAcrossMultipleDatagramsWhenMTUExceeded(t *testing.T) {
	a := NewAssembler(testHeader(), cdr.LittleEndian, HeaderLength+40)
	var bodies []Body
	for i := 0; i < 8; i++ {
		bodies = append(bodies, Heartbeat{
			ReaderId: testEntityId(types.EntityKindUserDefinedReaderWithKey),
			WriterId: testEntityId(types.EntityKindUserDefinedWriterWithKey),
			FirstSN:  types.SequenceNumber(i),
			LastSN:   types.SequenceNumber(i + 1),
			Count:    int32(i),
		})
	}
	datagrams := a.Pack(bodies)
	require.Greater(t, len(datagrams), 1)

	var total int
	for _, dg := range datagrams {
		_, parsed, err := Parse(dg.Bytes)
		require.NoError(t, err)
		total += len(parsed)
	}
	assert.Equal(t, len(bodies), total)
}

func TestInfoTimestampInvalidateRoundtrip(t *testing.T) {
	_, parsed := packOne(t, InfoTimestamp{Invalidate: true}, cdr.BigEndian)
	got, ok := parsed.Body.(InfoTimestamp)
	require.True(t, ok)
	assert.True(t, got.Invalidate)
}

func TestGapRoundtrip(t *testing.T) {
	g := Gap{
		ReaderId: testEntityId(types.EntityKindUserDefinedReaderWithKey),
		WriterId: testEntityId(types.EntityKindUserDefinedWriterWithKey),
		GapStart: 5,
		GapList:  NewSequenceNumberSetFromSorted(5, []types.SequenceNumber{5, 6, 7}),
	}
	_, parsed := packOne(t, g, cdr.LittleEndian)
	got, ok := parsed.Body.(Gap)
	require.True(t, ok)
	assert.Equal(t, g.GapStart, got.GapStart)
	assert.Equal(t, []types.SequenceNumber{5, 6, 7}, got.GapList.Members())
}

func TestUnrecognizedSubmessageIdIsSkippedNotFatal(t *testing.T) {
	w := cdr.NewWriter(cdr.LittleEndian)
	testHeader().Marshal(w)
	w.SetOrigin()
	w.WriteByte(0x7f) // unassigned submessage id
	w.WriteByte(FlagEndiannessBit)
	w.WriteU16(0)
	_, parsed, err := Parse(w.Bytes())
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Nil(t, parsed[0].Body)
}
