// Package abort carries cooperative cancellation requests to running
// transactions. A cancelled transaction is never interrupted mid-call; the
// coordinator observes the request at its next checkpoint.
package abort

import (
	"sync"
	"sync/atomic"
)

// Token is the cancellation flag of one transaction.
type Token struct {
	txID      string
	cancelled atomic.Bool
	once      sync.Once
	done      chan struct{}
	reason    atomic.Value
}

// NewToken creates an uncancelled token.
func NewToken(txID string) *Token {
	return &Token{txID: txID, done: make(chan struct{})}
}

// TxID returns the transaction the token belongs to.
func (t *Token) TxID() string { return t.txID }

// Cancel raises the flag. It reports whether this call raised it.
func (t *Token) Cancel(reason string) bool {
	first := false
	t.once.Do(func() {
		first = true
		t.reason.Store(reason)
		t.cancelled.Store(true)
		close(t.done)
	})
	return first
}

// Cancelled reports whether Cancel was called. Safe to call from any goroutine.
func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Done is closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Reason returns the reason passed to the first Cancel.
func (t *Token) Reason() string {
	r, _ := t.reason.Load().(string)
	return r
}
