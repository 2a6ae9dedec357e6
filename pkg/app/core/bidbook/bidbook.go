package bidbook

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lotshare/lotshare/pkg/util"
)

// State tracks what settlement has decided about a bid.
// A bid is visited at most once per closure: once Allocated or Refunded it is
// never re-evaluated.
type State int8

const (
	Pending State = iota
	Allocated
	Refunded
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Allocated:
		return "allocated"
	case Refunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Bid is a sealed bid against a subject's share supply.
//
// UnitPrice is implied, not declared: Deposit / Quantity with truncating
// integer division. The truncation remainder (Deposit - Quantity*UnitPrice)
// is donated dust and is accounted to the subject's owner at settlement.
type Bid struct {
	ID      string         `json:"id"`
	Subject string         `json:"subject"`
	Bidder  common.Address `json:"bidder"`

	Quantity  int64 `json:"quantity"`  // units requested
	Deposit   int64 `json:"deposit"`   // value escrowed at submission
	UnitPrice int64 `json:"unitPrice"` // Deposit / Quantity, truncated

	State State  `json:"state"`
	Seq   uint64 `json:"seq"` // submission order; load-bearing tie-break

	CreatedAt int64 `json:"createdAt"` // unix ms
}

// Value returns the chargeable value of the bid, excluding dust.
func (b *Bid) Value() int64 { return b.Quantity * b.UnitPrice }

// Dust returns the truncation remainder donated at submission.
func (b *Bid) Dust() int64 { return b.Deposit - b.Value() }

var (
	ErrInvalidQuantity = errors.New("bid quantity must be positive")
	ErrInvalidDeposit  = errors.New("bid deposit must be positive")
	ErrBookFull        = errors.New("bid limit reached for subject")
)

// Book holds the per-subject bid collections. Bids never merge; a bidder may
// submit any number of independent bids against the same subject.
//
// maxPerSubject bounds the bid count so the O(n) closure sweeps stay bounded.
// This is a deployment constraint, not a tuning knob: an unbounded book makes
// closure cost unbounded.
type Book struct {
	mu            sync.RWMutex
	bids          map[string][]*Bid
	seq           uint64
	maxPerSubject int
	nowMs         func() int64
}

// DefaultMaxBids bounds bids per subject when no explicit limit is configured.
const DefaultMaxBids = 10_000

func New(maxPerSubject int, nowMs func() int64) *Book {
	if maxPerSubject <= 0 {
		maxPerSubject = DefaultMaxBids
	}
	return &Book{
		bids:          make(map[string][]*Bid),
		maxPerSubject: maxPerSubject,
		nowMs:         nowMs,
	}
}

// Submit appends a new bid. Quantity and deposit must be strictly positive;
// subject state and deadline gating belong to the caller (the engine).
func (bk *Book) Submit(subject string, bidder common.Address, quantity, deposit int64) (*Bid, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	if deposit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDeposit, deposit)
	}

	bk.mu.Lock()
	defer bk.mu.Unlock()

	if len(bk.bids[subject]) >= bk.maxPerSubject {
		return nil, fmt.Errorf("%w: %d", ErrBookFull, bk.maxPerSubject)
	}

	bk.seq++
	b := &Bid{
		ID:        util.DeriveID(subject, bidder.Bytes(), bk.seq),
		Subject:   subject,
		Bidder:    bidder,
		Quantity:  quantity,
		Deposit:   deposit,
		UnitPrice: deposit / quantity,
		State:     Pending,
		Seq:       bk.seq,
		CreatedAt: bk.nowMs(),
	}
	bk.bids[subject] = append(bk.bids[subject], b)
	return b, nil
}

// Ranked returns the subject's bids ordered by unit price descending.
// Equal prices keep their original submission order (stable sort); the
// tie-break decides who clears at the margin, so it must never change.
func (bk *Book) Ranked(subject string) []*Bid {
	bk.mu.RLock()
	defer bk.mu.RUnlock()

	src := bk.bids[subject]
	out := make([]*Bid, len(src))
	copy(out, src)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UnitPrice > out[j].UnitPrice
	})
	return out
}

// Bids returns a snapshot of the subject's bids in submission order.
func (bk *Book) Bids(subject string) []*Bid {
	bk.mu.RLock()
	defer bk.mu.RUnlock()

	src := bk.bids[subject]
	out := make([]*Bid, len(src))
	copy(out, src)
	return out
}

// Count returns the number of bids recorded against a subject.
func (bk *Book) Count(subject string) int {
	bk.mu.RLock()
	defer bk.mu.RUnlock()
	return len(bk.bids[subject])
}

// Discard removes a bid whose submission aborted before it became durable.
// Sequence numbers of later bids are unaffected.
func (bk *Book) Discard(subject, id string) {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	bids := bk.bids[subject]
	for i, b := range bids {
		if b.ID == id {
			bk.bids[subject] = append(bids[:i], bids[i+1:]...)
			return
		}
	}
}

// Adopt reinstates loaded bids for a subject (startup recovery path). The
// sequence counter advances past the highest adopted sequence so new bids
// keep strictly increasing.
func (bk *Book) Adopt(subject string, bids []*Bid) {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	bk.bids[subject] = bids
	for _, b := range bids {
		if b.Seq > bk.seq {
			bk.seq = b.Seq
		}
	}
}

// Restore reinstates a bid's state, used when a settlement aborts.
func (bk *Book) Restore(states map[string]State, subject string) {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	for _, b := range bk.bids[subject] {
		if st, ok := states[b.ID]; ok {
			b.State = st
		}
	}
}

// States captures the current state flag of every bid on a subject.
func (bk *Book) States(subject string) map[string]State {
	bk.mu.RLock()
	defer bk.mu.RUnlock()

	out := make(map[string]State, len(bk.bids[subject]))
	for _, b := range bk.bids[subject] {
		out[b.ID] = b.State
	}
	return out
}
