package market

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/lotshare/lotshare/pkg/app/core/auction"
	"github.com/lotshare/lotshare/pkg/app/core/bidbook"
	"github.com/lotshare/lotshare/pkg/app/core/escrow"
	"github.com/lotshare/lotshare/pkg/app/core/ledger"
	"github.com/lotshare/lotshare/pkg/app/core/token"
	"github.com/lotshare/lotshare/pkg/storage"
	"github.com/lotshare/lotshare/pkg/util"
)

// Config carries the daemon-level knobs the app needs.
type Config struct {
	DataDir        string
	MaxBidsPerLot  int
	Payer          escrow.Payer
	Clock          util.Clock
	Log            *zap.SugaredLogger
	MarketOperator common.Address
}

// App wires the market's components together: bid book, share ledger, escrow
// vault, token registry, primary engine and secondary resale market, all
// backed by one Pebble store. It is the single entry point the API serves.
type App struct {
	Engine *auction.Engine
	Resale *auction.Resale
	Book   *bidbook.Book
	Ledger *ledger.Ledger
	Vault  *escrow.Vault
	Tokens *token.MemoryRegistry

	store *storage.PebbleStore
	payer escrow.Payer
	log   *zap.SugaredLogger
}

// New builds the app and recovers persisted state from the data directory.
// An empty DataDir runs fully in memory (tests, demos).
func New(cfg Config) (*App, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var store *storage.PebbleStore
	if cfg.DataDir != "" {
		var err error
		store, err = storage.NewPebbleStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	book := bidbook.New(cfg.MaxBidsPerLot, func() int64 { return clock.Now().UnixMilli() })
	led := ledger.New()
	vault := escrow.NewVault()
	tokens := token.NewMemoryRegistry()

	// auction.Store is an interface; a plain nil *PebbleStore inside it
	// would not compare equal to nil.
	var engineStore auction.Store
	if store != nil {
		engineStore = store
	}

	engine := auction.NewEngine(auction.Config{
		Book:   book,
		Ledger: led,
		Vault:  vault,
		Payer:  cfg.Payer,
		Clock:  clock,
		Store:  engineStore,
		Log:    log,
	})
	resale := auction.NewResale(auction.ResaleConfig{
		Ledger:   led,
		Tokens:   tokens,
		Vault:    vault,
		Payer:    cfg.Payer,
		Clock:    clock,
		Store:    engineStore,
		Log:      log,
		Operator: cfg.MarketOperator,
	})

	app := &App{
		Engine: engine,
		Resale: resale,
		Book:   book,
		Ledger: led,
		Vault:  vault,
		Tokens: tokens,
		store:  store,
		payer:  cfg.Payer,
		log:    log,
	}

	if store != nil {
		if err := app.recover(); err != nil {
			store.Close()
			return nil, fmt.Errorf("recover state: %w", err)
		}
	}
	return app, nil
}

// recover rebuilds in-memory state from the store: offerings with their bids
// and cap tables, listings with their bids, and the claimable-balance table.
// The vault's held balance is recomputed from still-pending escrow.
func (a *App) recover() error {
	held := int64(0)

	offerings, err := a.store.LoadOfferings()
	if err != nil {
		return err
	}
	for _, o := range offerings {
		a.Engine.RestoreOffering(o)

		bids, err := a.store.LoadBids(o.ID)
		if err != nil {
			return err
		}
		a.Book.Adopt(o.ID, bids)

		holdings, err := a.store.LoadHoldings(o.ID)
		if err != nil {
			return err
		}
		a.Ledger.Restore(o.ID, holdings)

		if o.State == auction.Open {
			for _, b := range bids {
				held += b.Deposit
			}
		}
	}

	listings, err := a.store.LoadListings()
	if err != nil {
		return err
	}
	for _, l := range listings {
		bids, err := a.store.LoadListingBids(l.ID)
		if err != nil {
			return err
		}
		a.Resale.RestoreListing(l, bids)

		// Poisoned listings keep their deposits escrowed too; only a
		// completed listing has fully settled its escrow.
		if l.State != auction.ListingCompleted {
			for _, b := range bids {
				if b.Active {
					held += b.Amount
				}
			}
		}
	}

	claimables, err := a.store.LoadClaimables()
	if err != nil {
		return err
	}
	a.Vault.Restore(escrow.Snapshot{Held: held, Claimable: claimables})

	a.log.Infow("state_recovered",
		"offerings", len(offerings), "listings", len(listings),
		"held", held, "claimable_rows", len(claimables))
	return nil
}

// Withdraw drains an address's claimable balance and persists the new table.
func (a *App) Withdraw(addr common.Address) (int64, error) {
	amount, err := a.Vault.Withdraw(addr, a.payer)
	if err != nil {
		return 0, err
	}
	if amount > 0 && a.store != nil {
		if err := a.store.SaveClaimables(a.Vault.ClaimableBalances()); err != nil {
			return amount, err
		}
	}
	return amount, nil
}

// Close releases the underlying store.
func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
