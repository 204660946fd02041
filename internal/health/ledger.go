package health

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketRestarts = []byte("restarts")

// restartRecord is the persisted slice of a WorkerHealth survived across a
// controller process crash: just enough to keep restart cooldowns and the
// exhausted-restarts terminal state honest, not a durable audit trail.
type restartRecord struct {
	RestartAttempts  int   `json:"restartAttempts"`
	LastRestartEpoch int64 `json:"lastRestartEpoch"`
}

// Ledger is a bbolt-backed store of per-worker restart counters, so a
// restart cooldown or an exhausted-restarts terminal error survives a
// controller restart even though worker health itself is in-memory.
type Ledger struct {
	db *bbolt.DB
}

// OpenLedger opens (creating if necessary) the restart ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("health: open ledger: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRestarts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("health: create bucket: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database file.
func (l *Ledger) Close() error { return l.db.Close() }

// Record persists the current restart counters for workerID.
func (l *Ledger) Record(workerID string, attempts int, lastRestartEpoch int64) error {
	data, err := json.Marshal(restartRecord{RestartAttempts: attempts, LastRestartEpoch: lastRestartEpoch})
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRestarts).Put([]byte(workerID), data)
	})
}

// Load returns the persisted restart counters for workerID, or ok=false if
// no record exists (a worker never restarted since the ledger was created).
func (l *Ledger) Load(workerID string) (attempts int, lastRestartEpoch int64, ok bool) {
	l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRestarts).Get([]byte(workerID))
		if data == nil {
			return nil
		}
		var rec restartRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil
		}
		attempts, lastRestartEpoch, ok = rec.RestartAttempts, rec.LastRestartEpoch, true
		return nil
	})
	return
}

// Clear removes workerID's ledger entry, used when an external operator
// clears a terminal error state.
func (l *Ledger) Clear(workerID string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRestarts).Delete([]byte(workerID))
	})
}
