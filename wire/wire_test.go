package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	m := Message{
		Kind:        KindSyncPoint,
		Instance:    1,
		Seq:         42,
		Point:       3,
		Fingerprint: "x=1.0 y=2.0",
	}
	buf, err := Marshal(m)
	require.Nil(t, err)
	assert.Equal(t, RecordSize, len(buf))
	decoded, err := Unmarshal(buf)
	require.Nil(t, err)
	assert.Equal(t, m, decoded)
}

func TestMarshalResultCarriesPeer(t *testing.T) {
	m := Message{Kind: KindResult, Instance: -1, Seq: 7, Passed: true, Detail: "x=1.0"}
	buf, err := Marshal(m)
	require.Nil(t, err)
	decoded, err := Unmarshal(buf)
	require.Nil(t, err)
	assert.True(t, decoded.Passed)
	assert.Equal(t, "x=1.0", decoded.Detail)
	assert.Equal(t, int32(-1), decoded.Instance)
}

func TestMarshalRejectsOversizedFingerprint(t *testing.T) {
	long := make([]byte, MaxFingerprint)
	for i := range long {
		long[i] = 'a'
	}
	_, err := Marshal(Message{Kind: KindSyncPoint, Fingerprint: string(long)})
	assert.NotNil(t, err)
}

func TestUnmarshalRejectsUnknownKind(t *testing.T) {
	buf, err := Marshal(Message{Kind: KindShutdown})
	require.Nil(t, err)
	buf[0] = 0xff
	_, err = Unmarshal(buf)
	assert.NotNil(t, err)
}

func TestReaderCompleteRecord(t *testing.T) {
	local, remote := net.Pipe()
	defer func() { _ = local.Close() }()
	go func() {
		_ = Send(remote, Message{Kind: KindRegister, Instance: 2})
	}()
	reader := NewReader(local)
	var (
		m   Message
		err error
	)
	for i := 0; i < 50; i++ {
		m, err = reader.Poll(20 * time.Millisecond)
		if err != ErrNoData {
			break
		}
	}
	require.Nil(t, err)
	assert.Equal(t, KindRegister, m.Kind)
	assert.Equal(t, int32(2), m.Instance)
}

func TestReaderNoData(t *testing.T) {
	local, remote := net.Pipe()
	defer func() { _ = local.Close() }()
	defer func() { _ = remote.Close() }()
	reader := NewReader(local)
	_, err := reader.Poll(10 * time.Millisecond)
	assert.Equal(t, ErrNoData, err)
}

func TestReaderPeerClosedOnEmptyBuffer(t *testing.T) {
	local, remote := net.Pipe()
	defer func() { _ = local.Close() }()
	_ = remote.Close()
	reader := NewReader(local)
	_, err := reader.Poll(10 * time.Millisecond)
	assert.Equal(t, ErrPeerClosed, err)
}

func TestReaderShortRecordIsViolation(t *testing.T) {
	local, remote := net.Pipe()
	defer func() { _ = local.Close() }()
	buf, err := Marshal(Message{Kind: KindSyncPoint, Instance: 1, Fingerprint: "x=1"})
	require.Nil(t, err)
	go func() {
		_, _ = remote.Write(buf[:RecordSize/2])
		_ = remote.Close()
	}()
	reader := NewReader(local)
	for i := 0; i < 50; i++ {
		_, err = reader.Poll(20 * time.Millisecond)
		if err != ErrNoData {
			break
		}
	}
	assert.Equal(t, ErrShortRecord, err)
}

func TestReaderAccumulatesAcrossPolls(t *testing.T) {
	local, remote := net.Pipe()
	defer func() { _ = local.Close() }()
	buf, err := Marshal(Message{Kind: KindSyncPoint, Instance: 1, Seq: 9, Fingerprint: "a=1"})
	require.Nil(t, err)
	go func() {
		_, _ = remote.Write(buf[:100])
		time.Sleep(50 * time.Millisecond)
		_, _ = remote.Write(buf[100:])
	}()
	reader := NewReader(local)
	var m Message
	for i := 0; i < 100; i++ {
		m, err = reader.Poll(20 * time.Millisecond)
		if err != ErrNoData {
			break
		}
	}
	require.Nil(t, err)
	assert.Equal(t, int64(9), m.Seq)
	assert.Equal(t, "a=1", m.Fingerprint)
}
