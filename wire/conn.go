package wire

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNoData reports that no complete record is currently available; the
	// connection is healthy and should stay open.
	ErrNoData = errors.New("wire: no data available")
	// ErrPeerClosed reports an orderly close with nothing buffered.
	ErrPeerClosed = errors.New("wire: peer closed")
	// ErrShortRecord reports a close in the middle of a record; the record can
	// never be completed, so this is a protocol violation.
	ErrShortRecord = errors.New("wire: peer closed mid record")
)

// writeBackoff is how long Send sleeps when the transport reports would-block
// before retrying, so a full socket buffer doesn't busy-spin.
const writeBackoff = 10 * time.Millisecond

// Send writes the whole record for m before returning success. Interrupted
// and short writes are retried immediately; would-block is retried after a
// short backoff.
func Send(conn net.Conn, m Message) error {
	buf, err := Marshal(m)
	if err != nil {
		return errors.WithMessagef(err, "failed to marshal %s record", m.Kind)
	}
	sent := 0
	for sent < len(buf) {
		n, err := conn.Write(buf[sent:])
		sent += n
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(writeBackoff)
				continue
			}
			return errors.WithMessagef(err, "failed to send %s record", m.Kind)
		}
	}
	return nil
}

// Reader accumulates bytes from one connection until a full record is
// available. It never yields a partially-valid record: bytes stay buffered
// across polls until the record completes or the peer goes away.
type Reader struct {
	conn    net.Conn
	buf     []byte
	scratch [RecordSize]byte
}

func NewReader(conn net.Conn) *Reader {
	return &Reader{conn: conn, buf: make([]byte, 0, RecordSize)}
}

// Poll tries to complete one record, blocking at most wait. It returns
// ErrNoData when nothing (or only part of a record) is available yet,
// ErrPeerClosed on an orderly close with an empty accumulation buffer, and
// ErrShortRecord when the peer closed after some bytes of a record arrived.
func (r *Reader) Poll(wait time.Duration) (Message, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return Message{}, errors.WithMessage(err, "failed to arm read deadline")
	}
	for len(r.buf) < RecordSize {
		n, err := r.conn.Read(r.scratch[:RecordSize-len(r.buf)])
		if n > 0 {
			r.buf = append(r.buf, r.scratch[:n]...)
		}
		if len(r.buf) == RecordSize {
			break
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return Message{}, ErrNoData
			}
			if err == io.EOF {
				if len(r.buf) == 0 {
					return Message{}, ErrPeerClosed
				}
				return Message{}, ErrShortRecord
			}
			return Message{}, err
		}
	}
	m, err := Unmarshal(r.buf)
	r.buf = r.buf[:0]
	return m, err
}
