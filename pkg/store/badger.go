package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	recordPrefix = "txn:rec:"
	orderPrefix  = "txn:idx:"
)

// BadgerStore stores records at txn:rec:{id} and keeps a creation-ordered
// index at txn:idx:{created}:{id}.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps a database owned by the caller.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("badger db cannot be nil")
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Save(ctx context.Context, record *Record) error {
	if err := checkRecord(record); err != nil {
		return err
	}
	r := record.Clone()
	now := time.Now().UTC()
	r.UpdatedAt = now

	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		prev, err := getInTxn(txn, r.TxID)
		switch {
		case err == nil:
			r.CreatedAt = prev.CreatedAt
		case errors.Is(err, ErrNotFound):
			if r.CreatedAt.IsZero() {
				r.CreatedAt = now
			}
		default:
			return err
		}

		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if err := txn.Set([]byte(recordPrefix+r.TxID), data); err != nil {
			return err
		}
		return txn.Set([]byte(orderPrefix+orderKey(r)), []byte(r.TxID))
	})
}

func (s *BadgerStore) Get(ctx context.Context, txID string) (*Record, error) {
	var out *Record
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := getInTxn(txn, txID)
		out = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) List(ctx context.Context, filter Filter) ([]*Record, int, error) {
	var matched []*Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(orderPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var txID string
			if err := it.Item().Value(func(v []byte) error {
				txID = string(v)
				return nil
			}); err != nil {
				return err
			}
			r, err := getInTxn(txn, txID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if filter.matches(r) {
				matched = append(matched, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	start, end := filter.window(len(matched))
	return matched[start:end], len(matched), nil
}

func (s *BadgerStore) Delete(ctx context.Context, txID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := getInTxn(txn, txID)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(orderPrefix + orderKey(r))); err != nil {
			return err
		}
		return txn.Delete([]byte(recordPrefix + txID))
	})
}

func getInTxn(txn *badger.Txn, txID string) (*Record, error) {
	item, err := txn.Get([]byte(recordPrefix + txID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &r) }); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", txID, err)
	}
	return &r, nil
}
