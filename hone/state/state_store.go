package state

import (
	"fmt"
	"sync/atomic"

	hclog "github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"
)

// IndexEntry is used with the "index" table for tracking the latest write
// index affecting a table.
type IndexEntry struct {
	Key   string
	Value uint64
}

// StateStore is the in-memory source of truth for skills and everything they
// own. It is safe for concurrent access: memdb serializes writers and gives
// readers a consistent snapshot.
//
// Every committed write transaction is stamped with a strictly monotonic
// index. The index doubles as the fencing token handed out by the skill lock
// operations, so "newer write" and "newer token" are the same ordering.
//
// Read methods return copies. Callers own what they get back and may mutate
// it freely before handing it to an update method.
type StateStore struct {
	logger hclog.Logger
	db     *memdb.MemDB

	// index is the last issued write index. Writers are serialized by memdb
	// but LatestIndex is read concurrently, hence the atomic.
	index atomic.Uint64
}

// NewStateStore constructs a state store with all tables empty.
func NewStateStore(logger hclog.Logger) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %v", err)
	}

	return &StateStore{
		logger: logger.Named("state_store"),
		db:     db,
	}, nil
}

// nextIndex issues the index for a write transaction about to commit.
func (s *StateStore) nextIndex() uint64 {
	return s.index.Add(1)
}

// LatestIndex returns the most recently issued write index.
func (s *StateStore) LatestIndex() uint64 {
	return s.index.Load()
}

// Index returns the latest index affecting the given table.
func (s *StateStore) Index(table string) (uint64, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	out, err := txn.First(tableIndex, indexID, table)
	if err != nil {
		return 0, fmt.Errorf("index lookup failed: %v", err)
	}
	if out == nil {
		return 0, nil
	}
	return out.(*IndexEntry).Value, nil
}

// indexEntryTxn records the table's latest index. It is the responsibility
// of every write path to call this before commit.
func indexEntryTxn(txn *memdb.Txn, table string, index uint64) error {
	if err := txn.Insert(tableIndex, &IndexEntry{table, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	return nil
}
