package auction

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lotshare/lotshare/pkg/app/core/escrow"
	"github.com/lotshare/lotshare/pkg/app/core/ledger"
	"github.com/lotshare/lotshare/pkg/app/core/token"
	"github.com/lotshare/lotshare/pkg/util"
)

// ListingKind selects what a secondary listing sells: one ledger share of a
// fractionalized subject, or one whole ERC721 token.
type ListingKind int8

const (
	ShareListing ListingKind = iota
	TokenListing
)

func (k ListingKind) String() string {
	switch k {
	case ShareListing:
		return "share"
	case TokenListing:
		return "token"
	default:
		return "unknown"
	}
}

// ListingState is the lifecycle phase of a secondary listing.
type ListingState int8

const (
	ListingActive ListingState = iota
	ListingCompleted
	// ListingPoisoned marks a listing whose token handover could not be
	// reversed after an aborted settlement: registry and escrow disagree and
	// the listing is frozen until resolved out of band.
	ListingPoisoned
)

func (s ListingState) String() string {
	switch s {
	case ListingActive:
		return "active"
	case ListingCompleted:
		return "completed"
	case ListingPoisoned:
		return "poisoned"
	default:
		return "unknown"
	}
}

// Listing is a single-unit secondary auction: highest bid wins against a
// per-unit reserve. Execute and Cancel are both terminal.
type Listing struct {
	ID     string         `json:"id"`
	Kind   ListingKind    `json:"kind"`
	Seller common.Address `json:"seller"`

	Subject string `json:"subject,omitempty"` // share listings
	TokenID uint64 `json:"tokenId,omitempty"` // token listings

	Reserve  int64 `json:"reserve"` // minimum acceptable sale price
	Deadline int64 `json:"deadline,omitempty"`

	State      ListingState `json:"state"`
	Successful bool         `json:"successful"`
	Cancelled  bool         `json:"cancelled"`

	CreatedAt   int64 `json:"createdAt"`
	CompletedAt int64 `json:"completedAt,omitempty"`
}

// ListingBid is a plain (bidder, amount) bid; no quantity, no implied price.
type ListingBid struct {
	ID     string         `json:"id"`
	Bidder common.Address `json:"bidder"`
	Amount int64          `json:"amount"`
	Active bool           `json:"active"`
	Seq    uint64         `json:"seq"`

	CreatedAt int64 `json:"createdAt"`
}

// ListingOutcome reports what an execution or cancellation disbursed.
type ListingOutcome struct {
	Listing    string         `json:"listing"`
	Successful bool           `json:"successful"`
	Cancelled  bool           `json:"cancelled"`
	Winner     common.Address `json:"winner,omitempty"`
	SalePrice  int64          `json:"salePrice,omitempty"`
	Refunds    []Refund       `json:"refunds,omitempty"`
}

// ResaleConfig wires the secondary market. The ledger is the single source of
// truth for share ownership; the resale market is a client of it, never a
// shadow copy. Operator is the market's own identity for token approvals.
type ResaleConfig struct {
	Ledger   *ledger.Ledger
	Tokens   token.Registry
	Vault    *escrow.Vault
	Payer    escrow.Payer
	Clock    util.Clock
	Store    Store
	Log      *zap.SugaredLogger
	Operator common.Address
}

// Resale runs single-unit secondary auctions over ledger shares and tokens.
type Resale struct {
	mu       sync.RWMutex
	listings map[string]*Listing
	bids     map[string][]*ListingBid
	seq      uint64

	guards *guardSet

	ledger   *ledger.Ledger
	tokens   token.Registry
	vault    *escrow.Vault
	payer    escrow.Payer
	clock    util.Clock
	store    Store
	log      *zap.SugaredLogger
	operator common.Address

	// OnCompleted fires after an execution or cancellation fully commits.
	OnCompleted func(l Listing, out *ListingOutcome)
}

func NewResale(cfg ResaleConfig) *Resale {
	clock := cfg.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Resale{
		listings: make(map[string]*Listing),
		bids:     make(map[string][]*ListingBid),
		guards:   newGuardSet(),
		ledger:   cfg.Ledger,
		tokens:   cfg.Tokens,
		vault:    cfg.Vault,
		payer:    cfg.Payer,
		clock:    clock,
		store:    cfg.Store,
		log:      log,
		operator: cfg.Operator,
	}
}

func (r *Resale) nowMs() int64 { return r.clock.Now().UnixMilli() }

// ListShare lists one unit of a fractionalized subject for resale.
func (r *Resale) ListShare(seller common.Address, subject string, reserve, deadlineMs int64) (*Listing, error) {
	if r.ledger.BalanceOf(subject, seller) < 1 {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotHolder, seller.Hex(), subject)
	}
	return r.list(&Listing{
		Kind:    ShareListing,
		Seller:  seller,
		Subject: subject,
		Reserve: reserve,
	}, deadlineMs)
}

// ListToken lists an ERC721 token. The seller must own it and the market must
// be approved to transfer it, per token or for all.
func (r *Resale) ListToken(seller common.Address, tokenID uint64, reserve, deadlineMs int64) (*Listing, error) {
	owner, err := r.tokens.OwnerOf(tokenID)
	if err != nil {
		return nil, err
	}
	if owner != seller {
		return nil, fmt.Errorf("%w: token %d", token.ErrNotTokenOwner, tokenID)
	}
	approved, err := r.tokens.GetApproved(tokenID)
	if err != nil {
		return nil, err
	}
	if approved != r.operator && !r.tokens.IsApprovedForAll(seller, r.operator) {
		return nil, fmt.Errorf("%w: token %d", ErrNotApproved, tokenID)
	}
	return r.list(&Listing{
		Kind:    TokenListing,
		Seller:  seller,
		TokenID: tokenID,
		Reserve: reserve,
	}, deadlineMs)
}

func (r *Resale) list(l *Listing, deadlineMs int64) (*Listing, error) {
	if l.Reserve <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidReserve, l.Reserve)
	}
	now := r.nowMs()
	if deadlineMs < 0 || (deadlineMs > 0 && deadlineMs <= now) {
		return nil, fmt.Errorf("%w: %d", ErrDeadlinePast, deadlineMs)
	}

	l.ID = "lst-" + uuid.NewString()[:8]
	l.Deadline = deadlineMs
	l.State = ListingActive
	l.CreatedAt = now

	r.mu.Lock()
	r.listings[l.ID] = l
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveListing(l); err != nil {
			r.mu.Lock()
			delete(r.listings, l.ID)
			r.mu.Unlock()
			return nil, err
		}
	}

	r.log.Infow("listing_created",
		"id", l.ID, "kind", l.Kind.String(), "seller", l.Seller.Hex(),
		"reserve", l.Reserve)

	cp := *l
	return &cp, nil
}

// Bid places a plain-amount bid on an active listing and escrows it.
func (r *Resale) Bid(listingID string, bidder common.Address, amount int64) (*ListingBid, error) {
	if err := r.guards.enter(listingID); err != nil {
		return nil, err
	}
	defer r.guards.exit(listingID)

	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	l, err := r.listing(listingID)
	if err != nil {
		return nil, err
	}
	if l.State != ListingActive {
		return nil, fmt.Errorf("%w: %s", ErrListingCompleted, listingID)
	}
	if l.Deadline > 0 && r.nowMs() >= l.Deadline {
		return nil, fmt.Errorf("%w: %s", ErrBiddingEnded, listingID)
	}

	r.mu.Lock()
	r.seq++
	b := &ListingBid{
		ID:        util.DeriveID(listingID, bidder.Bytes(), r.seq),
		Bidder:    bidder,
		Amount:    amount,
		Active:    true,
		Seq:       r.seq,
		CreatedAt: r.nowMs(),
	}
	r.bids[listingID] = append(r.bids[listingID], b)
	r.mu.Unlock()

	if err := r.vault.Deposit(amount); err != nil {
		return nil, err
	}

	if r.store != nil {
		if err := r.store.SaveListingBid(listingID, b); err != nil {
			// A bid that never became durable never happened.
			r.dropBid(listingID, b.ID)
			if rerr := r.vault.Release(amount); rerr != nil {
				r.log.Errorw("listing_bid_unwind_failed", "listing", listingID, "bid", b.ID, "err", rerr)
			}
			return nil, err
		}
	}

	r.log.Infow("listing_bid",
		"listing", listingID, "bid", b.ID, "bidder", bidder.Hex(), "amount", amount)

	cp := *b
	return &cp, nil
}

// Execute settles a listing: the single highest active bid wins if it meets
// the reserve. The scan keeps strictly greater amounts only, so the earliest
// submitted of equal bids wins. Terminal either way.
func (r *Resale) Execute(listingID string, caller common.Address) (*ListingOutcome, error) {
	if err := r.guards.enter(listingID); err != nil {
		return nil, err
	}
	defer r.guards.exit(listingID)

	l, err := r.listing(listingID)
	if err != nil {
		return nil, err
	}
	if l.State != ListingActive {
		return nil, fmt.Errorf("%w: %s", ErrListingCompleted, listingID)
	}

	now := r.nowMs()
	if caller != l.Seller {
		if l.Deadline == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotSeller, listingID)
		}
		if now < l.Deadline {
			return nil, fmt.Errorf("%w: %s", ErrDeadlineNotReached, listingID)
		}
	}

	bids := r.listingBids(listingID)

	// Highest active bid, first-seen wins ties.
	var best *ListingBid
	for _, b := range bids {
		if !b.Active {
			continue
		}
		if best == nil || b.Amount > best.Amount {
			best = b
		}
	}

	successful := best != nil && best.Amount >= l.Reserve

	lSnap := *l
	vltSnap := r.vault.Snapshot()
	bidSnap := r.bidStates(listingID)
	var ledSnap []ledger.Holding
	if l.Kind == ShareListing {
		ledSnap = r.ledger.Snapshot(l.Subject)
	}

	l.State = ListingCompleted
	l.Successful = successful
	l.CompletedAt = now

	out := &ListingOutcome{Listing: listingID, Successful: successful}

	err = r.settle(l, bids, best, successful, out)
	if err == nil {
		err = r.persistCompletion(l, bids)
	}
	if err != nil {
		*l = lSnap
		r.vault.Restore(vltSnap)
		r.restoreBids(listingID, bidSnap)
		switch {
		case l.Kind == ShareListing:
			r.ledger.Restore(l.Subject, ledSnap)
		case l.Kind == TokenListing && successful:
			r.reverseTokenTransfer(l, best)
		}
		r.log.Errorw("listing_execution_aborted", "listing", listingID, "err", err)
		return nil, err
	}

	r.log.Infow("listing_executed",
		"listing", listingID, "successful", successful,
		"winner", out.Winner.Hex(), "price", out.SalePrice)

	if r.OnCompleted != nil {
		r.OnCompleted(*l, out)
	}
	return out, nil
}

func (r *Resale) settle(l *Listing, bids []*ListingBid, best *ListingBid, successful bool, out *ListingOutcome) error {
	if successful {
		best.Active = false
		out.Winner = best.Bidder
		out.SalePrice = best.Amount

		// Asset moves first; a later payment failure reverses it with the
		// rest of the rollback.
		switch l.Kind {
		case ShareListing:
			if err := r.ledger.Transfer(l.Subject, l.Seller, best.Bidder, 1); err != nil {
				return err
			}
		case TokenListing:
			if err := r.tokens.SafeTransfer(l.Seller, best.Bidder, l.TokenID); err != nil {
				return err
			}
		}

		if err := r.disburse(l.Seller, best.Amount); err != nil {
			return err
		}
	}

	// Refund every remaining active bid in full.
	for _, b := range bids {
		if !b.Active {
			continue
		}
		b.Active = false
		if err := r.disburse(b.Bidder, b.Amount); err != nil {
			return err
		}
		out.Refunds = append(out.Refunds, Refund{BidID: b.ID, Bidder: b.Bidder, Amount: b.Amount})
	}
	return nil
}

// Cancel terminates a listing before execution, refunding every active bid.
// Seller-only; terminal.
func (r *Resale) Cancel(listingID string, caller common.Address) (*ListingOutcome, error) {
	if err := r.guards.enter(listingID); err != nil {
		return nil, err
	}
	defer r.guards.exit(listingID)

	l, err := r.listing(listingID)
	if err != nil {
		return nil, err
	}
	if l.State != ListingActive {
		return nil, fmt.Errorf("%w: %s", ErrListingCompleted, listingID)
	}
	if caller != l.Seller {
		return nil, fmt.Errorf("%w: %s", ErrNotSeller, listingID)
	}

	bids := r.listingBids(listingID)

	lSnap := *l
	vltSnap := r.vault.Snapshot()
	bidSnap := r.bidStates(listingID)

	l.State = ListingCompleted
	l.Cancelled = true
	l.CompletedAt = r.nowMs()

	out := &ListingOutcome{Listing: listingID, Cancelled: true}

	err = r.settle(l, bids, nil, false, out)
	if err == nil {
		err = r.persistCompletion(l, bids)
	}
	if err != nil {
		*l = lSnap
		r.vault.Restore(vltSnap)
		r.restoreBids(listingID, bidSnap)
		return nil, err
	}

	r.log.Infow("listing_cancelled", "listing", listingID, "refunds", len(out.Refunds))

	if r.OnCompleted != nil {
		r.OnCompleted(*l, out)
	}
	return out, nil
}

// reverseTokenTransfer undoes a token handover after the settlement around it
// aborted. If the handover never landed there is nothing to do; if it cannot
// be undone the listing is poisoned so no further operation touches it.
func (r *Resale) reverseTokenTransfer(l *Listing, winner *ListingBid) {
	owner, err := r.tokens.OwnerOf(l.TokenID)
	if err == nil && owner != winner.Bidder {
		return
	}
	if err == nil {
		err = r.tokens.SafeTransfer(winner.Bidder, l.Seller, l.TokenID)
	}
	if err != nil {
		l.State = ListingPoisoned
		if r.store != nil {
			if serr := r.store.SaveListing(l); serr != nil {
				r.log.Errorw("poisoned_listing_persist_failed", "listing", l.ID, "err", serr)
			}
		}
		r.log.Errorw("token_reversal_failed",
			"listing", l.ID, "token", l.TokenID, "holder", winner.Bidder.Hex(), "err", err)
	}
}

func (r *Resale) dropBid(listingID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bids := r.bids[listingID]
	for i, b := range bids {
		if b.ID == id {
			r.bids[listingID] = append(bids[:i], bids[i+1:]...)
			return
		}
	}
}

func (r *Resale) disburse(to common.Address, amount int64) error {
	if amount == 0 {
		return nil
	}
	if r.payer != nil {
		return r.vault.PayOut(to, amount, r.payer)
	}
	return r.vault.Credit(to, amount)
}

// Listing returns a copy of a listing's current record.
func (r *Resale) Listing(id string) (Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.listings[id]
	if !ok {
		return Listing{}, fmt.Errorf("%w: %s", ErrUnknownListing, id)
	}
	return *l, nil
}

// Listings returns a snapshot of every listing.
func (r *Resale) Listings() []Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Listing, 0, len(r.listings))
	for _, l := range r.listings {
		out = append(out, *l)
	}
	return out
}

// Bids returns a listing's bids in submission order.
func (r *Resale) Bids(listingID string) []ListingBid {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.bids[listingID]
	out := make([]ListingBid, 0, len(src))
	for _, b := range src {
		out = append(out, *b)
	}
	return out
}

// RestoreListing reinstates a loaded listing (startup recovery path).
func (r *Resale) RestoreListing(l *Listing, bids []*ListingBid) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listings[l.ID] = l
	r.bids[l.ID] = bids
	for _, b := range bids {
		if b.Seq > r.seq {
			r.seq = b.Seq
		}
	}
}

func (r *Resale) listing(id string) (*Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.listings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownListing, id)
	}
	return l, nil
}

func (r *Resale) listingBids(id string) []*ListingBid {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.bids[id]
	out := make([]*ListingBid, len(src))
	copy(out, src)
	return out
}

func (r *Resale) bidStates(id string) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool)
	for _, b := range r.bids[id] {
		out[b.ID] = b.Active
	}
	return out
}

func (r *Resale) restoreBids(id string, states map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.bids[id] {
		if active, ok := states[b.ID]; ok {
			b.Active = active
		}
	}
}

func (r *Resale) persistCompletion(l *Listing, bids []*ListingBid) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveListing(l); err != nil {
		return err
	}
	for _, b := range bids {
		if err := r.store.SaveListingBid(l.ID, b); err != nil {
			return err
		}
	}
	return r.store.SaveClaimables(r.vault.ClaimableBalances())
}
