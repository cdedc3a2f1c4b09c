package wal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

const (
	entryPrefix    = "wal:"
	sequencePrefix = "wal-seq:"
)

// BadgerOptions configures a Badger-backed WAL.
type BadgerOptions struct {
	// SyncWrites fsyncs every append. Only used by OpenBadger.
	SyncWrites bool
	// InMemory keeps the database off disk. Only used by OpenBadger.
	InMemory bool
	// ValueLogFileSize caps value log files in bytes. Zero keeps Badger's default.
	ValueLogFileSize int64
}

// BadgerWAL implements WAL on Badger. Entry keys are
// wal:{tx}:{sequence as 20 digits} so a prefix scan returns them in order.
type BadgerWAL struct {
	db     *badger.DB
	ownsDB bool

	mu     sync.Mutex
	closed bool
}

// OpenDB opens a Badger database the caller may share between the WAL
// and the record store.
func OpenDB(path string, opts BadgerOptions) (*badger.DB, error) {
	bopts := badger.DefaultOptions(path).WithLogger(nil).WithSyncWrites(opts.SyncWrites)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if opts.ValueLogFileSize > 0 {
		bopts = bopts.WithValueLogFileSize(opts.ValueLogFileSize)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// OpenBadger opens a dedicated Badger database at path.
func OpenBadger(path string, opts BadgerOptions) (*BadgerWAL, error) {
	db, err := OpenDB(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open badger wal: %w", err)
	}
	w := NewBadger(db)
	w.ownsDB = true
	return w, nil
}

// NewBadger wraps a database owned by the caller.
func NewBadger(db *badger.DB) *BadgerWAL {
	return &BadgerWAL{db: db}
}

// Append assigns the next sequence and writes the entry in one transaction.
func (w *BadgerWAL) Append(ctx context.Context, entry Entry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validate(&entry); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}

	err := w.db.Update(func(txn *badger.Txn) error {
		seqKey := []byte(sequencePrefix + entry.TxID)
		var current uint64
		item, err := txn.Get(seqKey)
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error {
				if len(v) != 8 {
					return fmt.Errorf("corrupt sequence for %s", entry.TxID)
				}
				current = binary.BigEndian.Uint64(v)
				return nil
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}

		entry.Sequence = current + 1
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal wal entry: %w", err)
		}
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], entry.Sequence)
		if err := txn.Set(seqKey, seq[:]); err != nil {
			return err
		}
		return txn.Set([]byte(entryKey(entry.TxID, entry.Sequence)), data)
	})
	if err != nil {
		return 0, fmt.Errorf("append wal entry: %w", err)
	}
	return entry.Sequence, nil
}

func (w *BadgerWAL) List(ctx context.Context, txID string) ([]Entry, error) {
	var entries []Entry
	err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(txPrefix(txID))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &e)
			}); err != nil {
				return fmt.Errorf("decode wal entry: %w", err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// TxIDs scans the sequence keys, one per transaction.
func (w *BadgerWAL) TxIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sequencePrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), sequencePrefix))
		}
		return nil
	})
	return ids, err
}

func (w *BadgerWAL) Delete(ctx context.Context, txID string) error {
	var keys [][]byte
	if err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(txPrefix(txID))
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	}); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(sequencePrefix + txID))
	})
}

func (w *BadgerWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.ownsDB {
		return w.db.Close()
	}
	return nil
}

func txPrefix(txID string) string {
	return entryPrefix + txID + ":"
}

func entryKey(txID string, sequence uint64) string {
	return fmt.Sprintf("%s%s:%020d", entryPrefix, txID, sequence)
}
