package auction

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lotshare/lotshare/pkg/app/core/escrow"
	"github.com/lotshare/lotshare/pkg/app/core/ledger"
	"github.com/lotshare/lotshare/pkg/app/core/token"
	"github.com/lotshare/lotshare/pkg/util"
)

var marketOp = common.HexToAddress("0x00000000000000000000000000000000000000ee")

type testResale struct {
	resale *Resale
	ledger *ledger.Ledger
	tokens *token.MemoryRegistry
	vault  *escrow.Vault
	clock  *util.FakeClock
}

func newTestResale(payer escrow.Payer) *testResale {
	return newTestResaleWithStore(payer, nil)
}

func newTestResaleWithStore(payer escrow.Payer, store Store) *testResale {
	clock := util.NewFakeClock(time.UnixMilli(1_000_000))
	led := ledger.New()
	tokens := token.NewMemoryRegistry()
	vault := escrow.NewVault()
	r := NewResale(ResaleConfig{
		Ledger:   led,
		Tokens:   tokens,
		Vault:    vault,
		Payer:    payer,
		Clock:    clock,
		Store:    store,
		Operator: marketOp,
	})
	return &testResale{resale: r, ledger: led, tokens: tokens, vault: vault, clock: clock}
}

func TestShareListingLifecycle(t *testing.T) {
	m := newTestResale(nil)
	if err := m.ledger.Credit("lot-1", alice, 5); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	l, err := m.resale.ListShare(alice, "lot-1", 50_00, 0)
	if err != nil {
		t.Fatalf("ListShare: %v", err)
	}

	if _, err := m.resale.Bid(l.ID, bob, 100_00); err != nil {
		t.Fatalf("bob bid: %v", err)
	}
	if _, err := m.resale.Bid(l.ID, carol, 80_00); err != nil {
		t.Fatalf("carol bid: %v", err)
	}

	out, err := m.resale.Execute(l.ID, alice)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Successful || out.Winner != bob || out.SalePrice != 100_00 {
		t.Fatalf("outcome = %+v, want bob winning at 10000", out)
	}

	if got := m.ledger.BalanceOf("lot-1", bob); got != 1 {
		t.Fatalf("bob units = %d, want 1", got)
	}
	if got := m.ledger.BalanceOf("lot-1", alice); got != 4 {
		t.Fatalf("alice units = %d, want 4", got)
	}
	if got := m.vault.Claimable(alice); got != 100_00 {
		t.Fatalf("seller proceeds = %d, want 10000", got)
	}
	if got := m.vault.Claimable(carol); got != 80_00 {
		t.Fatalf("loser refund = %d, want 8000", got)
	}
	if got := m.vault.Held(); got != 0 {
		t.Fatalf("held = %d, want 0", got)
	}
}

func TestListShareRequiresHolding(t *testing.T) {
	m := newTestResale(nil)
	if _, err := m.resale.ListShare(alice, "lot-1", 50_00, 0); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("err = %v, want ErrNotHolder", err)
	}
}

func TestListingReserveRequired(t *testing.T) {
	m := newTestResale(nil)
	if err := m.ledger.Credit("lot-1", alice, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.resale.ListShare(alice, "lot-1", 0, 0); !errors.Is(err, ErrInvalidReserve) {
		t.Fatalf("err = %v, want ErrInvalidReserve", err)
	}
}

func TestListingReserveNotMet(t *testing.T) {
	m := newTestResale(nil)
	if err := m.ledger.Credit("lot-1", alice, 1); err != nil {
		t.Fatal(err)
	}
	l, err := m.resale.ListShare(alice, "lot-1", 50_00, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.resale.Bid(l.ID, bob, 40_00); err != nil {
		t.Fatal(err)
	}

	out, err := m.resale.Execute(l.ID, alice)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Successful {
		t.Fatal("bid below reserve must not clear")
	}
	if got := m.ledger.BalanceOf("lot-1", alice); got != 1 {
		t.Fatalf("alice keeps her unit, got %d", got)
	}
	if got := m.vault.Claimable(bob); got != 40_00 {
		t.Fatalf("bob refund = %d", got)
	}

	// Execution is terminal even when unsuccessful.
	if _, err := m.resale.Bid(l.ID, carol, 60_00); !errors.Is(err, ErrListingCompleted) {
		t.Fatalf("bid after execute err = %v, want ErrListingCompleted", err)
	}
}

func TestListingTieFirstSeenWins(t *testing.T) {
	m := newTestResale(nil)
	if err := m.ledger.Credit("lot-1", alice, 1); err != nil {
		t.Fatal(err)
	}
	l, err := m.resale.ListShare(alice, "lot-1", 10_00, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.resale.Bid(l.ID, carol, 75_00); err != nil {
		t.Fatal(err)
	}
	if _, err := m.resale.Bid(l.ID, bob, 75_00); err != nil {
		t.Fatal(err)
	}

	out, err := m.resale.Execute(l.ID, alice)
	if err != nil {
		t.Fatal(err)
	}
	if out.Winner != carol {
		t.Fatalf("winner = %s, want carol (earlier equal bid)", out.Winner.Hex())
	}
}

func TestTokenListingLifecycle(t *testing.T) {
	m := newTestResale(nil)
	if err := m.tokens.Mint(alice, 7); err != nil {
		t.Fatal(err)
	}

	// Unapproved listing rejected.
	if _, err := m.resale.ListToken(alice, 7, 50_00, 0); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("err = %v, want ErrNotApproved", err)
	}

	if err := m.tokens.Approve(alice, marketOp, 7); err != nil {
		t.Fatal(err)
	}
	l, err := m.resale.ListToken(alice, 7, 50_00, 0)
	if err != nil {
		t.Fatalf("ListToken: %v", err)
	}

	if _, err := m.resale.Bid(l.ID, bob, 60_00); err != nil {
		t.Fatal(err)
	}
	out, err := m.resale.Execute(l.ID, alice)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Successful {
		t.Fatal("expected sale")
	}
	owner, err := m.tokens.OwnerOf(7)
	if err != nil {
		t.Fatal(err)
	}
	if owner != bob {
		t.Fatalf("token owner = %s, want bob", owner.Hex())
	}
	if got := m.vault.Claimable(alice); got != 60_00 {
		t.Fatalf("seller proceeds = %d", got)
	}
}

func TestTokenListingOwnershipChecked(t *testing.T) {
	m := newTestResale(nil)
	if err := m.tokens.Mint(bob, 9); err != nil {
		t.Fatal(err)
	}
	if _, err := m.resale.ListToken(alice, 9, 50_00, 0); !errors.Is(err, token.ErrNotTokenOwner) {
		t.Fatalf("err = %v, want ErrNotTokenOwner", err)
	}
	if _, err := m.resale.ListToken(alice, 404, 50_00, 0); !errors.Is(err, token.ErrUnknownToken) {
		t.Fatalf("err = %v, want ErrUnknownToken", err)
	}
}

func TestListingCancelRefunds(t *testing.T) {
	m := newTestResale(nil)
	if err := m.ledger.Credit("lot-1", alice, 1); err != nil {
		t.Fatal(err)
	}
	l, err := m.resale.ListShare(alice, "lot-1", 10_00, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.resale.Bid(l.ID, bob, 30_00); err != nil {
		t.Fatal(err)
	}

	if _, err := m.resale.Cancel(l.ID, bob); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("non-seller cancel err = %v, want ErrNotSeller", err)
	}

	out, err := m.resale.Cancel(l.ID, alice)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !out.Cancelled {
		t.Fatalf("outcome = %+v, want cancelled", out)
	}
	if got := m.vault.Claimable(bob); got != 30_00 {
		t.Fatalf("bob refund = %d", got)
	}
	if got := m.ledger.BalanceOf("lot-1", alice); got != 1 {
		t.Fatalf("alice balance = %d, want 1", got)
	}
}

func TestListingExecuteAuthorization(t *testing.T) {
	m := newTestResale(nil)
	if err := m.ledger.Credit("lot-1", alice, 1); err != nil {
		t.Fatal(err)
	}

	// No deadline: seller-only.
	l, err := m.resale.ListShare(alice, "lot-1", 10_00, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.resale.Execute(l.ID, bob); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("err = %v, want ErrNotSeller", err)
	}

	// Deadline-gated: anyone after expiry.
	l2, err := m.resale.ListShare(alice, "lot-1", 10_00, 2_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.resale.Execute(l2.ID, bob); !errors.Is(err, ErrDeadlineNotReached) {
		t.Fatalf("err = %v, want ErrDeadlineNotReached", err)
	}
	m.clock.Advance(2_000 * time.Second)
	if _, err := m.resale.Execute(l2.ID, bob); err != nil {
		t.Fatalf("post-deadline execute: %v", err)
	}
}

func TestShareListingRollbackOnPushFailure(t *testing.T) {
	payer := &failingPayer{failAfter: 0}
	m := newTestResale(payer)
	if err := m.ledger.Credit("lot-1", alice, 2); err != nil {
		t.Fatal(err)
	}
	l, err := m.resale.ListShare(alice, "lot-1", 10_00, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.resale.Bid(l.ID, bob, 30_00); err != nil {
		t.Fatal(err)
	}

	_, err = m.resale.Execute(l.ID, alice)
	if !errors.Is(err, escrow.ErrPayFailed) {
		t.Fatalf("err = %v, want ErrPayFailed", err)
	}

	rec, err := m.resale.Listing(l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != ListingActive {
		t.Fatalf("state = %v, want active after rollback", rec.State)
	}
	if got := m.ledger.BalanceOf("lot-1", alice); got != 2 {
		t.Fatalf("alice units = %d, want 2 restored", got)
	}
	if got := m.ledger.BalanceOf("lot-1", bob); got != 0 {
		t.Fatalf("bob units = %d, want 0 after rollback", got)
	}
	if got := m.vault.Held(); got != 30_00 {
		t.Fatalf("held = %d, want escrow intact", got)
	}
}

func TestTokenListingRollbackReversesTransfer(t *testing.T) {
	payer := &failingPayer{failAfter: 0}
	m := newTestResale(payer)
	if err := m.tokens.Mint(alice, 3); err != nil {
		t.Fatal(err)
	}
	m.tokens.SetApprovalForAll(alice, marketOp, true)

	l, err := m.resale.ListToken(alice, 3, 10_00, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.resale.Bid(l.ID, bob, 30_00); err != nil {
		t.Fatal(err)
	}

	if _, err := m.resale.Execute(l.ID, alice); !errors.Is(err, escrow.ErrPayFailed) {
		t.Fatalf("err = %v, want ErrPayFailed", err)
	}

	owner, err := m.tokens.OwnerOf(3)
	if err != nil {
		t.Fatal(err)
	}
	if owner != alice {
		t.Fatalf("token owner = %s, want alice after rollback", owner.Hex())
	}
}

func TestListingBidStoreFailureRollsBack(t *testing.T) {
	st := &flakyStore{}
	m := newTestResaleWithStore(nil, st)
	if err := m.ledger.Credit("lot-1", alice, 1); err != nil {
		t.Fatal(err)
	}
	l, err := m.resale.ListShare(alice, "lot-1", 10_00, 0)
	if err != nil {
		t.Fatal(err)
	}

	st.listingBidErr = errors.New("disk full")
	if _, err := m.resale.Bid(l.ID, bob, 20_00); err == nil {
		t.Fatal("expected store error")
	}
	if got := len(m.resale.Bids(l.ID)); got != 0 {
		t.Fatalf("bids = %d, want 0 after unwind", got)
	}
	if got := m.vault.Held(); got != 0 {
		t.Fatalf("held = %d, want 0 after unwind", got)
	}

	st.listingBidErr = nil
	if _, err := m.resale.Bid(l.ID, bob, 20_00); err != nil {
		t.Fatalf("resubmitted bid: %v", err)
	}
}

func TestListingExecuteStoreFailureRollsBack(t *testing.T) {
	st := &flakyStore{}
	m := newTestResaleWithStore(nil, st)
	if err := m.ledger.Credit("lot-1", alice, 2); err != nil {
		t.Fatal(err)
	}
	l, err := m.resale.ListShare(alice, "lot-1", 10_00, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.resale.Bid(l.ID, bob, 20_00); err != nil {
		t.Fatal(err)
	}

	st.claimablesErr = errors.New("disk full")
	if _, err := m.resale.Execute(l.ID, alice); err == nil {
		t.Fatal("expected store error")
	}

	rec, err := m.resale.Listing(l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != ListingActive {
		t.Fatalf("state = %v, want active after rollback", rec.State)
	}
	if got := m.ledger.BalanceOf("lot-1", alice); got != 2 {
		t.Fatalf("alice units = %d, want 2 restored", got)
	}
	if got := m.vault.Held(); got != 20_00 {
		t.Fatalf("held = %d, want escrow intact", got)
	}
	if bids := m.resale.Bids(l.ID); len(bids) != 1 || !bids[0].Active {
		t.Fatalf("bids = %+v, want one active bid", bids)
	}

	st.claimablesErr = nil
	out, err := m.resale.Execute(l.ID, alice)
	if err != nil {
		t.Fatalf("retry Execute: %v", err)
	}
	if !out.Successful || out.Winner != bob {
		t.Fatalf("outcome = %+v, want bob winning", out)
	}
}

// haltingRegistry lets one transfer through, then refuses, so a settlement
// abort cannot undo its own handover.
type haltingRegistry struct {
	*token.MemoryRegistry
	transfers int
}

func (r *haltingRegistry) SafeTransfer(from, to common.Address, tokenID uint64) error {
	r.transfers++
	if r.transfers > 1 {
		return errors.New("registry halted")
	}
	return r.MemoryRegistry.SafeTransfer(from, to, tokenID)
}

func TestTokenReversalFailurePoisonsListing(t *testing.T) {
	reg := &haltingRegistry{MemoryRegistry: token.NewMemoryRegistry()}
	payer := &failingPayer{failAfter: 0}
	clock := util.NewFakeClock(time.UnixMilli(1_000_000))
	vault := escrow.NewVault()
	r := NewResale(ResaleConfig{
		Ledger:   ledger.New(),
		Tokens:   reg,
		Vault:    vault,
		Payer:    payer,
		Clock:    clock,
		Operator: marketOp,
	})

	if err := reg.Mint(alice, 7); err != nil {
		t.Fatal(err)
	}
	reg.SetApprovalForAll(alice, marketOp, true)

	l, err := r.ListToken(alice, 7, 10_00, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Bid(l.ID, bob, 20_00); err != nil {
		t.Fatal(err)
	}

	// The handover lands, the payment fails, and the reversal is refused.
	if _, err := r.Execute(l.ID, alice); !errors.Is(err, escrow.ErrPayFailed) {
		t.Fatalf("err = %v, want ErrPayFailed", err)
	}

	rec, err := r.Listing(l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != ListingPoisoned {
		t.Fatalf("state = %v, want poisoned", rec.State)
	}
	owner, err := reg.OwnerOf(7)
	if err != nil {
		t.Fatal(err)
	}
	if owner != bob {
		t.Fatalf("token owner = %s, the stuck handover stands", owner.Hex())
	}
	if got := vault.Held(); got != 20_00 {
		t.Fatalf("held = %d, want escrow still intact", got)
	}

	// The listing is frozen: no further bids or executions run against it.
	if _, err := r.Bid(l.ID, carol, 30_00); !errors.Is(err, ErrListingCompleted) {
		t.Fatalf("bid on poisoned listing: err = %v, want rejection", err)
	}
	if _, err := r.Execute(l.ID, alice); !errors.Is(err, ErrListingCompleted) {
		t.Fatalf("execute on poisoned listing: err = %v, want rejection", err)
	}
}
