// Package persistent records leader and failure-estimate ticks in a bolt file.
package persistent

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/banditelect/leaderelect/common"
	"github.com/boltdb/bolt"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

var (
	runsBucketName      = []byte("runs")
	leaderBucketName    = []byte("leader")
	estimatesBucketName = []byte("estimates")
	startedKey          = []byte("started")
)

// ErrUnknownRun is returned when reading a run that was never recorded.
var ErrUnknownRun = errors.New("unknown run")

// RunInfo describes one recorded run.
type RunInfo struct {
	ID      uuid.UUID
	Started time.Time
}

// TickStore is a common.Recorder backed by a Bolt DB. Every run gets its own
// bucket, keyed by a uuid, holding the leader and estimate ticks in arrival order.
// It is safe for concurrent use by all the nodes of an in-process cluster.
type TickStore struct {
	db  *bolt.DB
	run uuid.UUID
}

var _ common.Recorder = &TickStore{}

// NewTickStore opens (or creates) the database at path and starts recording
// under run. A nil run gets a fresh random id.
func NewTickStore(path string, run uuid.UUID) (*TickStore, error) {
	// It will be created if it doesn't exist.
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if run == uuid.Nil {
		run = uuid.New()
	}
	err = db.Update(func(tx *bolt.Tx) error {
		runs, err := tx.CreateBucketIfNotExists(runsBucketName)
		if err != nil {
			return err
		}
		bucket, err := runs.CreateBucketIfNotExists(runKey(run))
		if err != nil {
			return err
		}
		if _, err := bucket.CreateBucketIfNotExists(leaderBucketName); err != nil {
			return err
		}
		if _, err := bucket.CreateBucketIfNotExists(estimatesBucketName); err != nil {
			return err
		}
		if bucket.Get(startedKey) == nil {
			return bucket.Put(startedKey, uint64ToBytes(uint64(time.Now().UnixNano())))
		}
		return nil
	})
	if err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	return &TickStore{db: db, run: run}, nil
}

// OpenReadOnly opens an existing database for reading histories. Recording
// through the returned store fails.
func OpenReadOnly(path string) (*TickStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return &TickStore{db: db}, nil
}

func runKey(run uuid.UUID) []byte {
	return []byte(run.String())
}

// Run returns the id ticks are recorded under.
func (store *TickStore) Run() uuid.UUID {
	return store.run
}

func (store *TickStore) RecordLeader(event common.LeaderEvent) error {
	return store.append(leaderBucketName, event)
}

func (store *TickStore) RecordEstimates(event common.EstimateEvent) error {
	return store.append(estimatesBucketName, event)
}

func (store *TickStore) append(name []byte, event interface{}) error {
	val, err := encodeToBytes(event)
	if err != nil {
		return err
	}
	return store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(runsBucketName).Bucket(runKey(store.run)).Bucket(name)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(uint64ToBytes(seq), val)
	})
}

// LeaderHistory returns every leader tick of run in the order it was recorded.
func (store *TickStore) LeaderHistory(run uuid.UUID) ([]common.LeaderEvent, error) {
	var events []common.LeaderEvent
	err := store.scan(run, leaderBucketName, func(val []byte) error {
		var event common.LeaderEvent
		if err := decodeFromBytes(val, &event); err != nil {
			return err
		}
		events = append(events, event)
		return nil
	})
	return events, err
}

// EstimateHistory returns the estimate ticks of run emitted by node, in order.
func (store *TickStore) EstimateHistory(run uuid.UUID, node int) ([]common.EstimateEvent, error) {
	var events []common.EstimateEvent
	err := store.scan(run, estimatesBucketName, func(val []byte) error {
		var event common.EstimateEvent
		if err := decodeFromBytes(val, &event); err != nil {
			return err
		}
		if event.Node == node {
			events = append(events, event)
		}
		return nil
	})
	return events, err
}

func (store *TickStore) scan(run uuid.UUID, name []byte, fn func(val []byte) error) error {
	return store.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(runsBucketName)
		if runs == nil || runs.Bucket(runKey(run)) == nil {
			return fmt.Errorf("%w: %s", ErrUnknownRun, run)
		}
		bucket := runs.Bucket(runKey(run))
		return bucket.Bucket(name).ForEach(func(_, val []byte) error {
			return fn(val)
		})
	})
}

// Runs lists every run in the database, oldest first.
func (store *TickStore) Runs() ([]RunInfo, error) {
	var runs []RunInfo
	err := store.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(runsBucketName)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(key, val []byte) error {
			if val != nil {
				return nil
			}
			id, err := uuid.ParseBytes(key)
			if err != nil {
				return fmt.Errorf("bad run key %q: %w", key, err)
			}
			info := RunInfo{ID: id}
			if started := bucket.Bucket(key).Get(startedKey); started != nil {
				info.Started = time.Unix(0, int64(bytesToUint64(started)))
			}
			runs = append(runs, info)
			return nil
		})
	})
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Started.Before(runs[j].Started) })
	return runs, err
}

func (store *TickStore) Close() error {
	return store.db.Close()
}
