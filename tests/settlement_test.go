package tests

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lotshare/lotshare/pkg/app/market"
	"github.com/lotshare/lotshare/pkg/util"
)

var (
	seller = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol  = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	dave   = common.HexToAddress("0x00000000000000000000000000000000000000d4")
)

func newApp(t *testing.T) (*market.App, *util.FakeClock) {
	t.Helper()
	clock := util.NewFakeClock(time.UnixMilli(1_000_000))
	app, err := market.New(market.Config{Clock: clock})
	if err != nil {
		t.Fatalf("market.New: %v", err)
	}
	t.Cleanup(func() { app.Close() })
	return app, clock
}

func TestSettlementEndToEnd(t *testing.T) {
	app, _ := newApp(t)

	o, err := app.Engine.CreateOffering(seller, "1963 daytona", 8, 0, 0)
	if err != nil {
		t.Fatalf("CreateOffering: %v", err)
	}

	// Alice and Bob at $10/unit, Carol at $9/unit. Supply 8: Alice takes 5,
	// Bob 3 of his 5, Carol nothing.
	if _, err := app.Engine.SubmitBid(o.ID, alice, 5, 50_00); err != nil {
		t.Fatal(err)
	}
	if _, err := app.Engine.SubmitBid(o.ID, bob, 5, 50_00); err != nil {
		t.Fatal(err)
	}
	if _, err := app.Engine.SubmitBid(o.ID, carol, 10, 90_00); err != nil {
		t.Fatal(err)
	}

	out, err := app.Engine.Close(o.ID, seller)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !out.Successful {
		t.Fatal("expected successful clearing")
	}

	wantUnits := map[common.Address]int64{alice: 5, bob: 3, carol: 0}
	for addr, want := range wantUnits {
		if got := app.Ledger.BalanceOf(o.ID, addr); got != want {
			t.Fatalf("units for %s = %d, want %d", addr.Hex(), got, want)
		}
	}

	// Cap table sums to the full supply.
	total := int64(0)
	for _, h := range app.Engine.Holders(o.ID) {
		total += h.Units
	}
	if total != 8 {
		t.Fatalf("cap table sums to %d, want 8", total)
	}

	if got := app.Vault.Claimable(seller); got != 80_00 {
		t.Fatalf("seller proceeds = %d, want 8000", got)
	}
	if got := app.Vault.Claimable(bob); got != 20_00 {
		t.Fatalf("bob partial-fill refund = %d, want 2000", got)
	}
	if got := app.Vault.Claimable(carol); got != 90_00 {
		t.Fatalf("carol sweep refund = %d, want 9000", got)
	}
}

func TestValueConservation(t *testing.T) {
	// Every deposited unit of value must end up in someone's claimable
	// balance; the vault never strands value.
	app, _ := newApp(t)

	o, err := app.Engine.CreateOffering(seller, "lot", 7, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	deposits := int64(0)
	for _, bid := range []struct {
		bidder       common.Address
		qty, deposit int64
	}{
		{alice, 3, 31_01},
		{bob, 5, 45_07},
		{carol, 2, 13},
		{dave, 4, 3}, // unit price truncates to 0, all dust
	} {
		if _, err := app.Engine.SubmitBid(o.ID, bid.bidder, bid.qty, bid.deposit); err != nil {
			t.Fatal(err)
		}
		deposits += bid.deposit
	}

	if _, err := app.Engine.Close(o.ID, seller); err != nil {
		t.Fatalf("Close: %v", err)
	}

	claimed := int64(0)
	for _, amount := range app.Vault.ClaimableBalances() {
		claimed += amount
	}
	if claimed != deposits {
		t.Fatalf("claimable total = %d, want all deposits %d", claimed, deposits)
	}
	if got := app.Vault.Held(); got != 0 {
		t.Fatalf("held = %d, want 0", got)
	}
}

func TestReserveFailureEndToEnd(t *testing.T) {
	app, _ := newApp(t)

	o, err := app.Engine.CreateOffering(seller, "lot", 10, 1_000_00, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := app.Engine.SubmitBid(o.ID, alice, 10, 500_00); err != nil {
		t.Fatal(err)
	}

	out, err := app.Engine.Close(o.ID, seller)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if out.Successful {
		t.Fatal("500 below reserve 1000 must not clear")
	}
	if got := app.Ledger.BalanceOf(o.ID, seller); got != 10 {
		t.Fatalf("seller balance = %d, want full supply kept", got)
	}
	if got := app.Vault.Claimable(alice); got != 500_00 {
		t.Fatalf("alice refund = %d, want full deposit", got)
	}
}

func TestWithdrawDrainsClaimable(t *testing.T) {
	app, _ := newApp(t)

	o, err := app.Engine.CreateOffering(seller, "lot", 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := app.Engine.SubmitBid(o.ID, alice, 2, 20_00); err != nil {
		t.Fatal(err)
	}
	if _, err := app.Engine.Close(o.ID, seller); err != nil {
		t.Fatal(err)
	}

	amount, err := app.Withdraw(seller)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if amount != 20_00 {
		t.Fatalf("withdrawn = %d, want 2000", amount)
	}
	if got := app.Vault.Claimable(seller); got != 0 {
		t.Fatalf("claimable after withdraw = %d, want 0", got)
	}

	// Second withdraw is a no-op.
	amount, err = app.Withdraw(seller)
	if err != nil || amount != 0 {
		t.Fatalf("repeat withdraw = (%d, %v), want (0, nil)", amount, err)
	}
}

func TestDeadlineGatedLifecycle(t *testing.T) {
	app, clock := newApp(t)

	o, err := app.Engine.CreateOffering(seller, "lot", 5, 0, 2_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := app.Engine.SubmitBid(o.ID, alice, 5, 25_00); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2_000 * time.Second)

	// Bidding is over; anyone may settle now.
	if _, err := app.Engine.SubmitBid(o.ID, bob, 1, 100); err == nil {
		t.Fatal("bid after deadline must fail")
	}
	out, err := app.Engine.Close(o.ID, bob)
	if err != nil {
		t.Fatalf("stranger close after deadline: %v", err)
	}
	if !out.Successful {
		t.Fatal("expected clearing")
	}
	if got := app.Ledger.BalanceOf(o.ID, alice); got != 5 {
		t.Fatalf("alice units = %d, want 5", got)
	}
}
