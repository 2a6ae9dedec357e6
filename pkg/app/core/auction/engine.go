package auction

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lotshare/lotshare/pkg/app/core/bidbook"
	"github.com/lotshare/lotshare/pkg/app/core/escrow"
	"github.com/lotshare/lotshare/pkg/app/core/ledger"
	"github.com/lotshare/lotshare/pkg/util"
)

// Store is the persistence hook the engine writes through. Implemented by
// pkg/storage; nil disables persistence (tests, ephemeral deployments).
type Store interface {
	SaveOffering(o *Offering) error
	SaveBid(b *bidbook.Bid) error
	SaveHoldings(subject string, hs []ledger.Holding) error
	SaveClaimables(balances map[common.Address]int64) error
	SaveListing(l *Listing) error
	SaveListingBid(listing string, b *ListingBid) error
}

// Config wires the engine's collaborators. Book, Ledger and Vault are
// required; the rest default to no-ops (nil Payer selects the pull-payment
// model, where settlement credits claimable balances instead of pushing).
type Config struct {
	Book   *bidbook.Book
	Ledger *ledger.Ledger
	Vault  *escrow.Vault
	Payer  escrow.Payer
	Clock  util.Clock
	Store  Store
	Log    *zap.SugaredLogger
}

// Engine runs primary offerings: bid intake while open, then the sealed-bid
// uniform-settlement closure. Execution is serialized per subject by a
// re-entrancy guard; state is always committed before external value moves.
type Engine struct {
	mu        sync.RWMutex
	offerings map[string]*Offering

	guards *guardSet

	book   *bidbook.Book
	ledger *ledger.Ledger
	vault  *escrow.Vault
	payer  escrow.Payer
	clock  util.Clock
	store  Store
	log    *zap.SugaredLogger

	// OnClosed fires after a closure fully commits (broadcast hook).
	OnClosed func(o Offering, out *Outcome)
	// OnBid fires after a bid is accepted and escrowed.
	OnBid func(o Offering, b bidbook.Bid)
}

func NewEngine(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		offerings: make(map[string]*Offering),
		guards:    newGuardSet(),
		book:      cfg.Book,
		ledger:    cfg.Ledger,
		vault:     cfg.Vault,
		payer:     cfg.Payer,
		clock:     clock,
		store:     cfg.Store,
		log:       log,
	}
}

func (e *Engine) nowMs() int64 { return e.clock.Now().UnixMilli() }

// CreateOffering registers a new primary offering. The creator starts holding
// the full supply; all of it is available for allocation at closure.
func (e *Engine) CreateOffering(creator common.Address, name string, totalUnits, reserve, deadlineMs int64) (*Offering, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if totalUnits <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSupply, totalUnits)
	}
	if reserve < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidReserve, reserve)
	}
	now := e.nowMs()
	if deadlineMs < 0 || (deadlineMs > 0 && deadlineMs <= now) {
		return nil, fmt.Errorf("%w: %d", ErrDeadlinePast, deadlineMs)
	}

	o := &Offering{
		ID:             "lot-" + uuid.NewString()[:8],
		Name:           name,
		Creator:        creator,
		TotalUnits:     totalUnits,
		UnitsRemaining: totalUnits,
		ReservePrice:   reserve,
		Deadline:       deadlineMs,
		State:          Open,
		CreatedAt:      now,
	}

	if err := e.ledger.Credit(o.ID, creator, totalUnits); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.offerings[o.ID] = o
	e.mu.Unlock()

	if err := e.persistOffering(o); err != nil {
		e.mu.Lock()
		delete(e.offerings, o.ID)
		e.mu.Unlock()
		e.ledger.Wipe(o.ID)
		return nil, err
	}

	e.log.Infow("offering_created",
		"id", o.ID, "name", name, "creator", creator.Hex(),
		"units", totalUnits, "reserve", reserve, "deadline_ms", deadlineMs)

	cp := *o
	return &cp, nil
}

// SubmitBid accepts a sealed bid and escrows its deposit. The implied unit
// price is deposit/quantity with truncating division; the remainder is dust.
func (e *Engine) SubmitBid(subject string, bidder common.Address, quantity, deposit int64) (*bidbook.Bid, error) {
	if err := e.guards.enter(subject); err != nil {
		return nil, err
	}
	defer e.guards.exit(subject)

	o, err := e.offering(subject)
	if err != nil {
		return nil, err
	}
	if o.State != Open {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, subject)
	}
	if o.Deadline > 0 && e.nowMs() >= o.Deadline {
		return nil, fmt.Errorf("%w: %s", ErrBiddingEnded, subject)
	}

	b, err := e.book.Submit(subject, bidder, quantity, deposit)
	if err != nil {
		return nil, err
	}
	if err := e.vault.Deposit(deposit); err != nil {
		return nil, err
	}

	if e.store != nil {
		if err := e.store.SaveBid(b); err != nil {
			// A bid that never became durable never happened: the book entry
			// and the escrowed deposit are both unwound.
			e.book.Discard(subject, b.ID)
			if rerr := e.vault.Release(deposit); rerr != nil {
				e.log.Errorw("bid_unwind_failed", "subject", subject, "bid", b.ID, "err", rerr)
			}
			return nil, err
		}
	}

	e.log.Infow("bid_submitted",
		"subject", subject, "bid", b.ID, "bidder", bidder.Hex(),
		"quantity", quantity, "deposit", deposit, "unit_price", b.UnitPrice)

	if e.OnBid != nil {
		e.OnBid(*o, *b)
	}
	return b, nil
}

// Close settles an offering. The creator may close early; anyone may close a
// deadline-gated offering once the deadline has passed. Closing is one-way:
// the second call fails with ErrAlreadyClosed and changes nothing.
//
// Two-pass clearing: a read-only valuation pass walks ranked bids to compute
// achievable proceeds, the reserve decides success, and only then does the
// allocation pass replace the cap table and move value. Bids the allocation
// pass never reaches are refunded by a final sweep, successful or not.
func (e *Engine) Close(subject string, caller common.Address) (*Outcome, error) {
	if err := e.guards.enter(subject); err != nil {
		return nil, err
	}
	defer e.guards.exit(subject)

	o, err := e.offering(subject)
	if err != nil {
		return nil, err
	}
	if o.State != Open {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClosed, subject)
	}

	now := e.nowMs()
	if caller != o.Creator {
		if o.Deadline == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotCreator, subject)
		}
		if now < o.Deadline {
			return nil, fmt.Errorf("%w: %s", ErrDeadlineNotReached, subject)
		}
	}

	ranked := e.book.Ranked(subject)

	// Valuation pass: reserve units greedily without mutating anything.
	remaining := o.UnitsRemaining
	totalBidValue := int64(0)
	for _, b := range ranked {
		if remaining == 0 {
			break
		}
		alloc := min64(b.Quantity, remaining)
		totalBidValue += alloc * b.UnitPrice
		remaining -= alloc
	}

	// Value-based reserve: aggregate proceeds decide, not a per-unit floor.
	// No bids at all is never a successful clearing, whatever the reserve.
	successful := len(ranked) > 0 && totalBidValue >= o.ReservePrice

	// Snapshots for atomic rollback if a push payment or the write-through
	// fails mid-settlement.
	offSnap := *o
	ledSnap := e.ledger.Snapshot(subject)
	vltSnap := e.vault.Snapshot()
	bidSnap := e.book.States(subject)

	// Effects before interactions: the terminal state is committed before
	// any value leaves the vault.
	o.State = Closed
	o.Successful = successful
	o.ClosedAt = now

	out := &Outcome{Subject: subject, Successful: successful, TotalBidValue: totalBidValue}

	err = e.settle(o, ranked, successful, out)
	if err == nil {
		err = e.sweepDust(o, ranked, out)
	}
	if err == nil {
		err = e.persistClosure(o, ranked)
	}
	if err != nil {
		*o = offSnap
		e.ledger.Restore(subject, ledSnap)
		e.vault.Restore(vltSnap)
		e.book.Restore(bidSnap, subject)
		e.log.Errorw("closure_aborted", "subject", subject, "err", err)
		return nil, err
	}

	e.log.Infow("offering_closed",
		"subject", subject, "successful", successful,
		"total_bid_value", totalBidValue, "proceeds", out.Proceeds,
		"refunds", len(out.Refunds), "dust", out.Dust)

	if e.OnClosed != nil {
		e.OnClosed(*o, out)
	}
	return out, nil
}

// settle runs the allocation pass (successful) or the failure refund path,
// then the final sweep that refunds every bid still pending. The sweep closes
// the gap where a successful allocation pass exhausts supply before reaching
// lower-ranked bids.
func (e *Engine) settle(o *Offering, ranked []*bidbook.Bid, successful bool, out *Outcome) error {
	if successful {
		// Full cap-table replacement: previous holders are zeroed and the
		// winning bidders become the new holder set.
		e.ledger.Wipe(o.ID)

		remaining := o.TotalUnits
		for _, b := range ranked {
			if remaining == 0 {
				break
			}
			alloc := min64(b.Quantity, remaining)
			b.State = bidbook.Allocated

			charged := alloc * b.UnitPrice
			refund := b.Value() - charged

			if alloc > 0 {
				if err := e.ledger.Credit(o.ID, b.Bidder, alloc); err != nil {
					return err
				}
			}
			remaining -= alloc
			o.UnitsRemaining = remaining

			// Proceeds go to the creator per bid, not batched.
			if err := e.disburse(o.Creator, charged); err != nil {
				return err
			}
			out.Proceeds += charged
			out.Allocations = append(out.Allocations, Allocation{
				BidID: b.ID, Bidder: b.Bidder, Units: alloc, Charged: charged,
			})

			// Partial fill still refunds the unfilled remainder.
			if refund > 0 {
				if err := e.disburse(b.Bidder, refund); err != nil {
					return err
				}
				out.Refunds = append(out.Refunds, Refund{BidID: b.ID, Bidder: b.Bidder, Amount: refund})
			}
		}

		// Units no bidder took stay with the creator, keeping the cap table
		// summing to the full supply.
		if remaining > 0 {
			if err := e.ledger.Credit(o.ID, o.Creator, remaining); err != nil {
				return err
			}
		}
	} else {
		o.UnitsRemaining = o.TotalUnits
	}

	// Final refund sweep, both branches: anything still pending gets its full
	// chargeable value back.
	for _, b := range ranked {
		if b.State != bidbook.Pending {
			continue
		}
		b.State = bidbook.Refunded
		if err := e.disburse(b.Bidder, b.Value()); err != nil {
			return err
		}
		if b.Value() > 0 {
			out.Refunds = append(out.Refunds, Refund{BidID: b.ID, Bidder: b.Bidder, Amount: b.Value()})
		}
	}
	return nil
}

// sweepDust sends the accumulated integer-division remainders to the creator.
// Dust is donated at submission time and must never be stranded in escrow.
func (e *Engine) sweepDust(o *Offering, ranked []*bidbook.Bid, out *Outcome) error {
	dust := int64(0)
	for _, b := range ranked {
		dust += b.Dust()
	}
	if dust == 0 {
		return nil
	}
	if err := e.disburse(o.Creator, dust); err != nil {
		return err
	}
	out.Dust = dust
	return nil
}

// Cancel is the creator-only early termination: every bid is refunded in full
// and the offering reaches its terminal state unsuccessful-by-cancellation.
func (e *Engine) Cancel(subject string, caller common.Address) (*Outcome, error) {
	if err := e.guards.enter(subject); err != nil {
		return nil, err
	}
	defer e.guards.exit(subject)

	o, err := e.offering(subject)
	if err != nil {
		return nil, err
	}
	if o.State != Open {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClosed, subject)
	}
	if caller != o.Creator {
		return nil, fmt.Errorf("%w: %s", ErrNotCreator, subject)
	}

	ranked := e.book.Ranked(subject)

	offSnap := *o
	vltSnap := e.vault.Snapshot()
	bidSnap := e.book.States(subject)

	o.State = Closed
	o.Cancelled = true
	o.ClosedAt = e.nowMs()

	out := &Outcome{Subject: subject, Cancelled: true}

	err = e.settle(o, ranked, false, out)
	if err == nil {
		err = e.sweepDust(o, ranked, out)
	}
	if err == nil {
		err = e.persistClosure(o, ranked)
	}
	if err != nil {
		*o = offSnap
		e.vault.Restore(vltSnap)
		e.book.Restore(bidSnap, subject)
		return nil, err
	}

	e.log.Infow("offering_cancelled", "subject", subject, "refunds", len(out.Refunds))

	if e.OnClosed != nil {
		e.OnClosed(*o, out)
	}
	return out, nil
}

// disburse settles value out of escrow: claimable credit in the pull model,
// immediate push when a payer is configured. Push failure aborts the caller.
func (e *Engine) disburse(to common.Address, amount int64) error {
	if amount == 0 {
		return nil
	}
	if e.payer != nil {
		return e.vault.PayOut(to, amount, e.payer)
	}
	return e.vault.Credit(to, amount)
}

// Offering returns a copy of an offering's current record.
func (e *Engine) Offering(id string) (Offering, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	o, ok := e.offerings[id]
	if !ok {
		return Offering{}, fmt.Errorf("%w: %s", ErrUnknownSubject, id)
	}
	return *o, nil
}

// Offerings returns a snapshot of every offering.
func (e *Engine) Offerings() []Offering {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Offering, 0, len(e.offerings))
	for _, o := range e.offerings {
		out = append(out, *o)
	}
	return out
}

// Bids returns the subject's bids in submission order.
func (e *Engine) Bids(subject string) []*bidbook.Bid { return e.book.Bids(subject) }

// Holders returns the subject's current cap table.
func (e *Engine) Holders(subject string) []ledger.Holding { return e.ledger.Holders(subject) }

// RestoreOffering reinstates a loaded offering (startup recovery path).
func (e *Engine) RestoreOffering(o *Offering) {
	e.mu.Lock()
	e.offerings[o.ID] = o
	e.mu.Unlock()
}

func (e *Engine) offering(id string) (*Offering, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	o, ok := e.offerings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubject, id)
	}
	return o, nil
}

func (e *Engine) persistOffering(o *Offering) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveOffering(o); err != nil {
		return err
	}
	return e.store.SaveHoldings(o.ID, e.ledger.Holders(o.ID))
}

func (e *Engine) persistClosure(o *Offering, bids []*bidbook.Bid) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveOffering(o); err != nil {
		return err
	}
	for _, b := range bids {
		if err := e.store.SaveBid(b); err != nil {
			return err
		}
	}
	if err := e.store.SaveHoldings(o.ID, e.ledger.Holders(o.ID)); err != nil {
		return err
	}
	return e.store.SaveClaimables(e.vault.ClaimableBalances())
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
