// Package shm is the same-host alternative transport: one fixed-layout
// memory-mapped segment shared by every participant, guarded by a
// non-blocking file lock instead of a coordinator connection.
//
// The barrier here is best effort by design. A participant that loses the
// lock race skips the round entirely rather than wait, so the instrumented
// fast path is never serialized behind another participant. Mismatches set a
// shared flag that callers poll; this variant never aborts the process.
package shm

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xujiajun/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/replicheck/replicheck/fingerprint"
	"github.com/replicheck/replicheck/log"
	"github.com/replicheck/replicheck/wire"
)

// Segment layout, all integers big-endian:
//
//	 0  instances  int32
//	 4  arrived    int32
//	 8  failed     int32
//	12  (pad)
//	16  seq        int64
//	24  ids        [MaxInstances]int32
//	88  prints     [MaxInstances][MaxFingerprint]byte
//	...  detail     [detailLen]byte
const (
	instancesOff = 0
	arrivedOff   = 4
	failedOff    = 8
	seqOff       = 16
	idsOff       = 24
	printsOff    = idsOff + wire.MaxInstances*4
	detailOff    = printsOff + wire.MaxInstances*wire.MaxFingerprint
	detailLen    = 512

	// SegmentSize is the full mapped size, identical for every participant.
	SegmentSize = detailOff + detailLen
)

const (
	openAttempts = 50
	openBackoff  = 100 * time.Millisecond
)

// Segment is one participant's mapping of the shared state. The mutex
// serializes local access against Close, which unmaps the segment; cross
// process exclusion is the file lock in Offer.
type Segment struct {
	logger   log.Logger
	mu       sync.Mutex
	f        *os.File
	m        mmap.MMap
	path     string
	instance int32
	expected int
	owner    bool
}

// Create maps the segment at path. Instance 0 creates and initializes it;
// everyone else opens the existing file, retrying briefly since the owner may
// not have created it yet.
func Create(path string, instance int32, instances int) (*Segment, error) {
	if instances < 1 || instances > wire.MaxInstances {
		return nil, errors.Errorf("instance count %d out of range [1, %d]", instances, wire.MaxInstances)
	}
	logger := log.Named("shm").With("instance", instance)
	s := &Segment{
		logger:   logger,
		path:     path,
		instance: instance,
		expected: instances,
		owner:    instance == 0,
	}
	if s.owner {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create segment %s", path)
		}
		if err := f.Truncate(SegmentSize); err != nil {
			_ = f.Close()
			return nil, errors.WithMessagef(err, "failed to size segment %s", path)
		}
		s.f = f
	} else {
		var (
			f   *os.File
			err error
		)
		for attempt := 0; attempt < openAttempts; attempt++ {
			f, err = os.OpenFile(path, os.O_RDWR, 0644)
			if err == nil {
				break
			}
			time.Sleep(openBackoff)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to open segment %s after %d attempts", path, openAttempts)
		}
		s.f = f
	}
	m, err := mmap.Map(s.f, mmap.RDWR, 0)
	if err != nil {
		_ = s.f.Close()
		return nil, errors.WithMessagef(err, "failed to map segment %s", path)
	}
	s.m = m
	if s.owner {
		binary.BigEndian.PutUint32(s.m[instancesOff:], uint32(instances))
		_ = s.m.Flush()
		logger.Infof("created segment %s for %d instance(s)", path, instances)
	} else {
		stored := int(binary.BigEndian.Uint32(s.m[instancesOff:]))
		if stored != instances {
			_ = s.close()
			return nil, errors.Errorf("segment %s holds %d instance(s), want %d", path, stored, instances)
		}
		logger.Infof("opened segment %s", path)
	}
	return s, nil
}

// Offer contributes one fingerprint to the current round. The lock is
// acquired with a single non-blocking attempt: on contention the call returns
// contributed=false and the round simply misses this participant.
func (s *Segment) Offer(seq int64, point int32, fp string) (contributed bool, err error) {
	if len(fp) >= wire.MaxFingerprint {
		return false, errors.Errorf("fingerprint length %d exceeds %d", len(fp), wire.MaxFingerprint-1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		return false, nil
	}
	if err := unix.Flock(int(s.f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			s.logger.Debugf("segment busy, skipping sync point %d", seq)
			return false, nil
		}
		return false, errors.WithMessagef(err, "failed to lock segment %s", s.path)
	}
	defer func() {
		if unlockErr := unix.Flock(int(s.f.Fd()), unix.LOCK_UN); unlockErr != nil && err == nil {
			err = errors.WithMessagef(unlockErr, "failed to unlock segment %s", s.path)
		}
	}()

	storedSeq := int64(binary.BigEndian.Uint64(s.m[seqOff:]))
	arrived := int(binary.BigEndian.Uint32(s.m[arrivedOff:]))
	if storedSeq != seq {
		//new sync point: reset the round, dropping any stragglers
		binary.BigEndian.PutUint64(s.m[seqOff:], uint64(seq))
		arrived = 0
	}
	if arrived >= s.expected {
		//round already resolved for this point
		return false, nil
	}

	binary.BigEndian.PutUint32(s.m[idsOff+arrived*4:], uint32(s.instance))
	slot := s.m[printsOff+arrived*wire.MaxFingerprint : printsOff+(arrived+1)*wire.MaxFingerprint]
	for i := range slot {
		slot[i] = 0
	}
	copy(slot, fp)
	arrived++
	binary.BigEndian.PutUint32(s.m[arrivedOff:], uint32(arrived))
	s.logger.Debugf("sync point %d: %d/%d arrived", seq, arrived, s.expected)

	if arrived == s.expected {
		s.resolve(seq)
	}
	if flushErr := s.m.Flush(); flushErr != nil {
		return true, errors.WithMessagef(flushErr, "failed to flush segment %s", s.path)
	}
	return true, nil
}

// resolve compares every slot against the first, mirroring the socket
// tracker, and records a mismatch in the shared failed flag.
func (s *Segment) resolve(seq int64) {
	first := s.slotFingerprint(0)
	firstID := s.slotID(0)
	for i := 1; i < s.expected; i++ {
		other := s.slotFingerprint(i)
		if fingerprint.Equal(first, other) {
			continue
		}
		detail := fingerprint.Describe(seq, firstID, first, s.slotID(i), other)
		binary.BigEndian.PutUint32(s.m[failedOff:], 1)
		buf := s.m[detailOff : detailOff+detailLen]
		for j := range buf {
			buf[j] = 0
		}
		copy(buf, detail)
		s.logger.Errorw("cross-instance state diverged", "syncPoint", seq, "detail", detail)
		return
	}
	s.logger.Debugf("sync point %d matched across %d instance(s)", seq, s.expected)
}

func (s *Segment) slotID(i int) int32 {
	return int32(binary.BigEndian.Uint32(s.m[idsOff+i*4:]))
}

func (s *Segment) slotFingerprint(i int) string {
	return cString(s.m[printsOff+i*wire.MaxFingerprint : printsOff+(i+1)*wire.MaxFingerprint])
}

// Failed reports whether any round resolved to a mismatch, with its detail.
// Callers poll this; the shared-memory variant never aborts on its own.
func (s *Segment) Failed() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil || binary.BigEndian.Uint32(s.m[failedOff:]) == 0 {
		return false, ""
	}
	return true, cString(s.m[detailOff : detailOff+detailLen])
}

// Close unmaps the segment; the owner also removes the backing file.
func (s *Segment) Close() error {
	s.mu.Lock()
	err := s.close()
	s.mu.Unlock()
	if s.owner {
		if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}

func (s *Segment) close() error {
	var err error
	if s.m != nil {
		err = s.m.Unmap()
		s.m = nil
	}
	if closeErr := s.f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func cString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
