// Package wire implements the fixed-layout binary records exchanged between
// participants and the coordinator, and the partial-I/O tolerant primitives
// that move them over a connection.
//
// Every record kind shares one fixed size so that a receiver always knows how
// many bytes complete the current record. The layout carries no version field:
// all participants in one run must share it.
package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

type Kind uint32

const (
	// KindRegister announces a participant's instance id after connecting.
	KindRegister Kind = iota
	// KindSyncPoint submits a fingerprint for one sync point.
	KindSyncPoint
	// KindResult broadcasts a barrier outcome back to participants.
	KindResult
	// KindShutdown announces an orderly participant teardown.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindSyncPoint:
		return "sync-point"
	case KindResult:
		return "result"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

const (
	// MaxInstances bounds the cooperating set; instance ids live in [0, MaxInstances).
	MaxInstances = 16
	// MaxFingerprint bounds the fingerprint field, terminator included.
	MaxFingerprint = 256
	maxDetail      = 512

	kindOff        = 0
	instanceOff    = 4
	seqOff         = 8
	pointOff       = 16
	passedOff      = 20
	fingerprintOff = 24
	detailOff      = fingerprintOff + MaxFingerprint

	// RecordSize is the size of every record on the wire, regardless of kind.
	RecordSize = detailOff + maxDetail
)

// Message is the decoded form of one wire record, a tagged variant dispatched
// on Kind. Unused fields are zero for kinds that do not carry them.
type Message struct {
	Kind     Kind
	Instance int32
	//Seq is the per-session submission sequence the barrier is keyed by.
	Seq   int64
	Point int32
	//Passed is meaningful on KindResult only.
	Passed bool
	//Fingerprint carries the submitted snapshot on KindSyncPoint.
	Fingerprint string
	//Detail carries the peer fingerprint (two-instance runs) or the mismatch
	//detail on KindResult.
	Detail string
}

// Marshal encodes m into a fixed RecordSize buffer. String fields are
// zero-padded; they must leave room for at least one padding byte.
func Marshal(m Message) ([]byte, error) {
	if len(m.Fingerprint) >= MaxFingerprint {
		return nil, errors.Errorf("fingerprint length %d exceeds %d", len(m.Fingerprint), MaxFingerprint-1)
	}
	if len(m.Detail) >= maxDetail {
		return nil, errors.Errorf("detail length %d exceeds %d", len(m.Detail), maxDetail-1)
	}
	buf := make([]byte, RecordSize)
	binary.BigEndian.PutUint32(buf[kindOff:], uint32(m.Kind))
	binary.BigEndian.PutUint32(buf[instanceOff:], uint32(m.Instance))
	binary.BigEndian.PutUint64(buf[seqOff:], uint64(m.Seq))
	binary.BigEndian.PutUint32(buf[pointOff:], uint32(m.Point))
	if m.Passed {
		binary.BigEndian.PutUint32(buf[passedOff:], 1)
	}
	copy(buf[fingerprintOff:], m.Fingerprint)
	copy(buf[detailOff:], m.Detail)
	return buf, nil
}

// Unmarshal decodes a complete record. It rejects records that can't have
// been produced by Marshal, so a desynchronized stream surfaces as a protocol
// violation instead of garbage state.
func Unmarshal(buf []byte) (Message, error) {
	if len(buf) != RecordSize {
		return Message{}, errors.Errorf("record size %d, want %d", len(buf), RecordSize)
	}
	m := Message{
		Kind:        Kind(binary.BigEndian.Uint32(buf[kindOff:])),
		Instance:    int32(binary.BigEndian.Uint32(buf[instanceOff:])),
		Seq:         int64(binary.BigEndian.Uint64(buf[seqOff:])),
		Point:       int32(binary.BigEndian.Uint32(buf[pointOff:])),
		Passed:      binary.BigEndian.Uint32(buf[passedOff:]) == 1,
		Fingerprint: cString(buf[fingerprintOff:detailOff]),
		Detail:      cString(buf[detailOff:]),
	}
	if m.Kind > KindShutdown {
		return Message{}, errors.Errorf("unknown record kind %d", uint32(m.Kind))
	}
	if m.Instance < -1 || m.Instance >= MaxInstances {
		return Message{}, errors.Errorf("instance id %d out of range", m.Instance)
	}
	return m, nil
}

func cString(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf)
}
