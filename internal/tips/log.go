// Package tips keeps the running feed of received tips: an append-only,
// most-recent-first log of transfer notifications.
package tips

import (
	"math/big"
	"sync"

	"github.com/tipstream/tipstream/internal/domain"
)

// Log is the tip feed. Records are immutable once appended.
type Log struct {
	mu    sync.Mutex
	feed  []domain.TipTransaction
	onTip func(domain.TipTransaction)
}

// NewLog creates an empty feed.
func NewLog() *Log {
	return &Log{}
}

// OnTip registers a callback invoked for every appended tip, in append
// order.
func (l *Log) OnTip(fn func(domain.TipTransaction)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTip = fn
}

// Append prepends the transactions to the feed (most recent first).
func (l *Log) Append(txs []domain.TipTransaction) {
	if len(txs) == 0 {
		return
	}
	l.mu.Lock()
	feed := make([]domain.TipTransaction, 0, len(txs)+len(l.feed))
	// Newest batch goes in front, preserving the batch's own order.
	feed = append(feed, txs...)
	feed = append(feed, l.feed...)
	l.feed = feed
	fn := l.onTip
	l.mu.Unlock()

	if fn != nil {
		for _, tx := range txs {
			fn(tx)
		}
	}
}

// All returns a snapshot of the feed, most recent first.
func (l *Log) All() []domain.TipTransaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.TipTransaction, len(l.feed))
	copy(out, l.feed)
	return out
}

// Len returns the number of recorded tips.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.feed)
}

// Total sums the recorded amounts for one asset, in the asset's smallest
// unit. Unparsable amounts are skipped.
func (l *Log) Total(asset string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := new(big.Int)
	for _, tx := range l.feed {
		if tx.Asset != asset {
			continue
		}
		amt, ok := new(big.Int).SetString(tx.Amount, 10)
		if !ok || amt.Sign() < 0 {
			continue
		}
		total.Add(total, amt)
	}
	return total
}
