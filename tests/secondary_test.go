package tests

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lotshare/lotshare/pkg/app/market"
	"github.com/lotshare/lotshare/pkg/util"
)

var operator = common.HexToAddress("0x00000000000000000000000000000000000000ee")

func newAppWithOperator(t *testing.T) *market.App {
	t.Helper()
	app, err := market.New(market.Config{
		Clock:          util.NewFakeClock(time.UnixMilli(1_000_000)),
		MarketOperator: operator,
	})
	if err != nil {
		t.Fatalf("market.New: %v", err)
	}
	t.Cleanup(func() { app.Close() })
	return app
}

func TestPrimaryThenSecondaryFlow(t *testing.T) {
	// A share won in a primary clearing gets flipped on the secondary market.
	app, _ := newApp(t)

	o, err := app.Engine.CreateOffering(seller, "lot", 4, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := app.Engine.SubmitBid(o.ID, alice, 4, 40_00); err != nil {
		t.Fatal(err)
	}
	if _, err := app.Engine.Close(o.ID, seller); err != nil {
		t.Fatal(err)
	}

	l, err := app.Resale.ListShare(alice, o.ID, 5_00, 0)
	if err != nil {
		t.Fatalf("ListShare: %v", err)
	}
	if _, err := app.Resale.Bid(l.ID, bob, 100_00); err != nil {
		t.Fatal(err)
	}
	if _, err := app.Resale.Bid(l.ID, carol, 80_00); err != nil {
		t.Fatal(err)
	}

	out, err := app.Resale.Execute(l.ID, alice)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Successful || out.Winner != bob || out.SalePrice != 100_00 {
		t.Fatalf("outcome = %+v, want bob at 10000", out)
	}

	if got := app.Ledger.BalanceOf(o.ID, bob); got != 1 {
		t.Fatalf("bob units = %d, want 1", got)
	}
	if got := app.Ledger.BalanceOf(o.ID, alice); got != 3 {
		t.Fatalf("alice units = %d, want 3", got)
	}
	if got := app.Vault.Claimable(alice); got != 100_00 {
		t.Fatalf("alice sale proceeds = %d, want 10000", got)
	}
	if got := app.Vault.Claimable(carol); got != 80_00 {
		t.Fatalf("carol refund = %d, want 8000", got)
	}

	// The subject's cap table still sums to the primary supply.
	total := int64(0)
	for _, h := range app.Engine.Holders(o.ID) {
		total += h.Units
	}
	if total != 4 {
		t.Fatalf("cap table sums to %d, want 4", total)
	}
}

func TestTokenBackedSecondaryFlow(t *testing.T) {
	app := newAppWithOperator(t)

	if err := app.Tokens.Mint(alice, 42); err != nil {
		t.Fatal(err)
	}
	app.Tokens.SetApprovalForAll(alice, operator, true)

	l, err := app.Resale.ListToken(alice, 42, 50_00, 0)
	if err != nil {
		t.Fatalf("ListToken: %v", err)
	}
	if _, err := app.Resale.Bid(l.ID, bob, 75_00); err != nil {
		t.Fatal(err)
	}

	out, err := app.Resale.Execute(l.ID, alice)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Successful {
		t.Fatal("expected sale")
	}

	owner, err := app.Tokens.OwnerOf(42)
	if err != nil {
		t.Fatal(err)
	}
	if owner != bob {
		t.Fatalf("token owner = %s, want bob", owner.Hex())
	}
	if got := app.Vault.Claimable(alice); got != 75_00 {
		t.Fatalf("alice proceeds = %d, want 7500", got)
	}
}
