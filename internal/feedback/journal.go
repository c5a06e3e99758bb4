// Package feedback turns user ratings into per-tenant rerank weights. Events
// land in an append-only badger journal and fold into an in-memory weight
// table with exponential half-life decay; the retrieval path reads the table,
// never the journal.
package feedback

import (
	"encoding/json"
	"fmt"

	"github.com/agentmart/agentmart/query-engine/pkg/models"
	badger "github.com/dgraph-io/badger/v4"
)

const journalPrefix = "fb:"

// Journal is the append-only feedback event log. Events are never deleted;
// the weight table can always be rebuilt by replaying a tenant's prefix.
type Journal struct {
	db  *badger.DB
	seq *badger.Sequence
}

// OpenJournal opens the badger-backed journal at dir. An empty dir opens an
// in-memory journal for tests.
func OpenJournal(dir string) (*Journal, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open feedback journal: %w", err)
	}

	seq, err := db.GetSequence([]byte("fb_seq"), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("feedback journal sequence: %w", err)
	}

	return &Journal{db: db, seq: seq}, nil
}

// journalKey builds fb:<tenant>:<seq>. The sequence is zero-padded so
// lexicographic prefix iteration replays a tenant's events in append order.
func journalKey(tenantID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", journalPrefix, tenantID, seq))
}

// Append durably writes one event and returns its journal sequence.
func (j *Journal) Append(event *models.FeedbackEvent) (uint64, error) {
	seq, err := j.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("feedback seq: %w", err)
	}

	val, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal feedback event: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(event.TenantID, seq), val)
	})
	if err != nil {
		return 0, fmt.Errorf("append feedback event: %w", err)
	}
	return seq, nil
}

// Replay iterates a tenant's events in append order. fn returning an error
// stops the replay.
func (j *Journal) Replay(tenantID string, fn func(*models.FeedbackEvent) error) error {
	prefix := []byte(journalPrefix + tenantID + ":")
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var event models.FeedbackEvent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			})
			if err != nil {
				return fmt.Errorf("decode feedback event: %w", err)
			}
			if err := fn(&event); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the sequence and the database.
func (j *Journal) Close() error {
	if err := j.seq.Release(); err != nil {
		return err
	}
	return j.db.Close()
}
