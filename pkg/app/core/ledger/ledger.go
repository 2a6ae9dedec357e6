package ledger

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Holding is one row of a subject's cap table.
type Holding struct {
	Holder common.Address `json:"holder"`
	Units  int64          `json:"units"`
}

// Ledger owns the share-ownership mapping for every auction subject.
// It is the single source of truth: the primary offering writes it during
// settlement and the secondary market transfers against it as a client.
//
// Per subject it keeps a unit-count map plus an ordered holder slice so the
// holder set can be enumerated. Removal uses swap-with-last, so enumeration
// order is not stable after removals and callers must not depend on it.
type Ledger struct {
	mu      sync.RWMutex
	units   map[string]map[common.Address]int64
	holders map[string][]common.Address
}

func New() *Ledger {
	return &Ledger{
		units:   make(map[string]map[common.Address]int64),
		holders: make(map[string][]common.Address),
	}
}

// Credit adds units to a holder, inserting it into the holder set if absent.
func (l *Ledger) Credit(subject string, holder common.Address, n int64) error {
	if n <= 0 {
		return fmt.Errorf("credit units must be positive: %d", n)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.creditLocked(subject, holder, n)
	return nil
}

func (l *Ledger) creditLocked(subject string, holder common.Address, n int64) {
	m, ok := l.units[subject]
	if !ok {
		m = make(map[common.Address]int64)
		l.units[subject] = m
	}
	if _, held := m[holder]; !held {
		l.holders[subject] = append(l.holders[subject], holder)
	}
	m[holder] += n
}

// Transfer moves units between holders of the same subject. The sender must
// hold at least n units; a sender drained to zero leaves the holder set.
func (l *Ledger) Transfer(subject string, from, to common.Address, n int64) error {
	if n <= 0 {
		return fmt.Errorf("transfer units must be positive: %d", n)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.units[subject]
	if !ok || m[from] < n {
		return fmt.Errorf("insufficient units: %s holds %d of %s, need %d", from.Hex(), m[from], subject, n)
	}

	m[from] -= n
	if m[from] == 0 {
		delete(m, from)
		l.removeHolderLocked(subject, from)
	}

	l.creditLocked(subject, to, n)
	return nil
}

// removeHolderLocked drops an address from the holder slice via swap-with-last.
func (l *Ledger) removeHolderLocked(subject string, holder common.Address) {
	hs := l.holders[subject]
	for i, h := range hs {
		if h == holder {
			hs[i] = hs[len(hs)-1]
			l.holders[subject] = hs[:len(hs)-1]
			return
		}
	}
}

// Wipe zeroes and removes every holding of a subject. The allocation pass of
// a successful primary closure performs a full cap-table replacement, not an
// incremental update.
func (l *Ledger) Wipe(subject string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.units, subject)
	delete(l.holders, subject)
}

// BalanceOf returns the unit count a holder has in a subject.
func (l *Ledger) BalanceOf(subject string, holder common.Address) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.units[subject][holder]
}

// Holders returns a snapshot of the subject's cap table.
func (l *Ledger) Holders(subject string) []Holding {
	l.mu.RLock()
	defer l.mu.RUnlock()

	hs := l.holders[subject]
	out := make([]Holding, 0, len(hs))
	for _, h := range hs {
		out = append(out, Holding{Holder: h, Units: l.units[subject][h]})
	}
	return out
}

// HolderCount returns the number of distinct holders of a subject.
func (l *Ledger) HolderCount(subject string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.holders[subject])
}

// Issued returns the total units currently held across all holders of a subject.
func (l *Ledger) Issued(subject string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := int64(0)
	for _, n := range l.units[subject] {
		total += n
	}
	return total
}

// Snapshot captures a subject's cap table for rollback during settlement.
func (l *Ledger) Snapshot(subject string) []Holding {
	return l.Holders(subject)
}

// Restore replaces a subject's cap table with a previously taken snapshot.
// Used when a settlement aborts after partial ledger mutation.
func (l *Ledger) Restore(subject string, snap []Holding) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.units, subject)
	delete(l.holders, subject)
	for _, h := range snap {
		l.creditLocked(subject, h.Holder, h.Units)
	}
}
