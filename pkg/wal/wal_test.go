package wal

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func walImplementations(t *testing.T) map[string]func(t *testing.T) WAL {
	return map[string]func(t *testing.T) WAL{
		"memory": func(t *testing.T) WAL {
			return NewMemoryWAL()
		},
		"badger": func(t *testing.T) WAL {
			w, err := OpenBadger(t.TempDir(), BadgerOptions{})
			if err != nil {
				t.Fatalf("OpenBadger() error = %v", err)
			}
			return w
		},
		"badger-inmemory": func(t *testing.T) WAL {
			w, err := OpenBadger("", BadgerOptions{InMemory: true})
			if err != nil {
				t.Fatalf("OpenBadger() error = %v", err)
			}
			return w
		},
	}
}

func TestWAL_AppendAndList(t *testing.T) {
	for name, open := range walImplementations(t) {
		t.Run(name, func(t *testing.T) {
			w := open(t)
			defer w.Close()
			ctx := context.Background()

			for i, typ := range []EntryType{EntryTxStarted, EntryStepStarted, EntryStepCompleted} {
				seq, err := w.Append(ctx, Entry{TxID: "tx-1", Type: typ, StepID: "A"})
				if err != nil {
					t.Fatalf("Append() error = %v", err)
				}
				if seq != uint64(i+1) {
					t.Fatalf("sequence = %d, want %d", seq, i+1)
				}
			}
			if _, err := w.Append(ctx, Entry{TxID: "tx-2", Type: EntryTxStarted}); err != nil {
				t.Fatalf("Append(tx-2) error = %v", err)
			}

			entries, err := w.List(ctx, "tx-1")
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(entries) != 3 {
				t.Fatalf("List() returned %d entries", len(entries))
			}
			for i, e := range entries {
				if e.Sequence != uint64(i+1) || e.TxID != "tx-1" || e.Timestamp.IsZero() {
					t.Fatalf("entry %d = %+v", i, e)
				}
			}
			if entries[2].Type != EntryStepCompleted {
				t.Fatalf("last entry type = %s", entries[2].Type)
			}

			ids, err := w.TxIDs(ctx)
			if err != nil {
				t.Fatalf("TxIDs() error = %v", err)
			}
			if !reflect.DeepEqual(ids, []string{"tx-1", "tx-2"}) {
				t.Fatalf("TxIDs() = %v", ids)
			}
		})
	}
}

func TestWAL_OrderBeyondNineEntries(t *testing.T) {
	for name, open := range walImplementations(t) {
		t.Run(name, func(t *testing.T) {
			w := open(t)
			defer w.Close()
			ctx := context.Background()
			for i := range 12 {
				if _, err := w.Append(ctx, Entry{TxID: "tx", Type: EntryStepCompleted, StepID: fmt.Sprintf("s%02d", i)}); err != nil {
					t.Fatalf("Append() error = %v", err)
				}
			}
			entries, _ := w.List(ctx, "tx")
			for i, e := range entries {
				if e.StepID != fmt.Sprintf("s%02d", i) {
					t.Fatalf("entry %d = %s, order lost", i, e.StepID)
				}
			}
		})
	}
}

func TestWAL_Delete(t *testing.T) {
	for name, open := range walImplementations(t) {
		t.Run(name, func(t *testing.T) {
			w := open(t)
			defer w.Close()
			ctx := context.Background()
			_, _ = w.Append(ctx, Entry{TxID: "tx", Type: EntryTxStarted})
			_, _ = w.Append(ctx, Entry{TxID: "tx", Type: EntryTxFinished})

			if err := w.Delete(ctx, "tx"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			entries, _ := w.List(ctx, "tx")
			if len(entries) != 0 {
				t.Fatalf("entries after delete = %v", entries)
			}
			seq, err := w.Append(ctx, Entry{TxID: "tx", Type: EntryTxStarted})
			if err != nil || seq != 1 {
				t.Fatalf("Append after delete = %d, %v; want sequence restart", seq, err)
			}
		})
	}
}

func TestWAL_Validation(t *testing.T) {
	for name, open := range walImplementations(t) {
		t.Run(name, func(t *testing.T) {
			w := open(t)
			ctx := context.Background()
			if _, err := w.Append(ctx, Entry{Type: EntryTxStarted}); !errors.Is(err, ErrEmptyTxID) {
				t.Fatalf("missing tx id error = %v", err)
			}
			if _, err := w.Append(ctx, Entry{TxID: "tx"}); !errors.Is(err, ErrEmptyType) {
				t.Fatalf("missing type error = %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
			if _, err := w.Append(ctx, Entry{TxID: "tx", Type: EntryTxStarted}); !errors.Is(err, ErrClosed) {
				t.Fatalf("append after close error = %v", err)
			}
		})
	}
}

func TestBadgerWAL_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	w, err := OpenBadger(dir, BadgerOptions{SyncWrites: true})
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	_, _ = w.Append(ctx, Entry{TxID: "tx", Type: EntryStepCompleted, StepID: "A"})
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	w, err = OpenBadger(dir, BadgerOptions{})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer w.Close()
	seq, err := w.Append(ctx, Entry{TxID: "tx", Type: EntryStepCompleted, StepID: "B"})
	if err != nil || seq != 2 {
		t.Fatalf("Append after reopen = %d, %v", seq, err)
	}
	entries, _ := w.List(ctx, "tx")
	if r := Fold(entries); !reflect.DeepEqual(r.Completed, []string{"A", "B"}) {
		t.Fatalf("replayed history = %v", r.Completed)
	}
}

func TestFold(t *testing.T) {
	r := Fold([]Entry{
		{Type: EntryTxStarted},
		{Type: EntryStepCompleted, StepID: "A"},
		{Type: EntryStepCompleted, StepID: "C"},
		{Type: EntryStepFailed, StepID: "B"},
		{Type: EntryCompensationCompleted, StepID: "C"},
		{Type: EntryDecisionAbort},
	})
	if !r.Started || r.Finished {
		t.Fatalf("Started/Finished = %v/%v", r.Started, r.Finished)
	}
	if !reflect.DeepEqual(r.Completed, []string{"A", "C"}) {
		t.Fatalf("Completed = %v", r.Completed)
	}
	if !r.Compensated["C"] || r.Compensated["A"] {
		t.Fatalf("Compensated = %v", r.Compensated)
	}
	if r.Decision != EntryDecisionAbort {
		t.Fatalf("Decision = %s", r.Decision)
	}
}
