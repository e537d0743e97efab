// Package journal persists resolved barrier outcomes to an append-only
// nutsdb database, one bucket per run. It exists for post-mortem diagnostics;
// the protocol itself never reads it back.
package journal

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/xujiajun/nutsdb"

	"github.com/replicheck/replicheck/barrier"
	"github.com/replicheck/replicheck/fingerprint"
	"github.com/replicheck/replicheck/log"
)

type Journal struct {
	logger log.Logger
	db     *nutsdb.DB
	bucket string
}

// Open creates or reopens the journal database under dir. The run id keys the
// bucket so successive runs against one directory stay separate.
func Open(dir string, run string, logger log.Logger) (*Journal, error) {
	opts := nutsdb.DefaultOptions
	opts.Dir = dir
	db, err := nutsdb.Open(opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to open journal db in %s", dir)
	}
	return &Journal{
		logger: logger,
		db:     db,
		bucket: "run-" + run,
	}, nil
}

// Record is one journaled outcome.
type Record struct {
	Seq   int64
	Value string
}

func formatSeq(seq int64) []byte {
	return []byte(strconv.FormatInt(seq, 10))
}

func parseSeq(key []byte) int64 {
	seq, _ := strconv.ParseInt(string(key), 10, 64)
	return seq
}

// Append stores one resolved outcome keyed by its sequence number.
func (j *Journal) Append(o barrier.Outcome) error {
	value := fmt.Sprintf("point=%d passed=%t digest=%016x detail=%s",
		o.Point, o.Passed, digestOf(o), o.Detail)
	if err := j.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(j.bucket, formatSeq(o.Seq), []byte(value), 0)
	}); err != nil {
		return errors.WithMessagef(err, "failed to journal outcome for sync point %d", o.Seq)
	}
	return nil
}

func digestOf(o barrier.Outcome) uint64 {
	if len(o.Arrived) == 0 {
		return 0
	}
	return fingerprint.Digest(o.Arrived[0].Fingerprint)
}

// Entries returns every record of this run, for diagnostics and tests.
func (j *Journal) Entries() ([]Record, error) {
	var records []Record
	if err := j.db.View(func(tx *nutsdb.Tx) error {
		entries, err := tx.GetAll(j.bucket)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			records = append(records, Record{
				Seq:   parseSeq(entry.Key),
				Value: string(entry.Value),
			})
		}
		return nil
	}); err != nil {
		if errors.Is(err, nutsdb.ErrBucketEmpty) {
			return nil, nil
		}
		return nil, errors.WithMessagef(err, "failed to read journal bucket %s", j.bucket)
	}
	return records, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
