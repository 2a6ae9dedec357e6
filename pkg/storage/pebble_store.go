package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/lotshare/lotshare/pkg/app/core/auction"
	"github.com/lotshare/lotshare/pkg/app/core/bidbook"
	"github.com/lotshare/lotshare/pkg/app/core/ledger"
)

// PebbleStore persists market state to Pebble. It implements auction.Store
// and carries the load-side methods the daemon uses to rebuild in-memory
// state on startup.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

var _ auction.Store = (*PebbleStore)(nil)

// SaveOffering persists an offering record.
func (s *PebbleStore) SaveOffering(o *auction.Offering) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal offering: %w", err)
	}
	if err := s.db.Set(offeringKey(o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save offering: %w", err)
	}
	return nil
}

// LoadOfferings loads every offering record.
func (s *PebbleStore) LoadOfferings() ([]*auction.Offering, error) {
	prefix := []byte(prefixOffering)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*auction.Offering
	for iter.First(); iter.Valid(); iter.Next() {
		var o auction.Offering
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue // skip invalid entries
		}
		out = append(out, &o)
	}
	return out, nil
}

// SaveBid persists a bid under its subject, ordered by sequence.
func (s *PebbleStore) SaveBid(b *bidbook.Bid) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bid: %w", err)
	}
	if err := s.db.Set(bidKey(b.Subject, b.Seq), data, pebble.Sync); err != nil {
		return fmt.Errorf("save bid: %w", err)
	}
	return nil
}

// LoadBids loads a subject's bids in submission order.
func (s *PebbleStore) LoadBids(subject string) ([]*bidbook.Bid, error) {
	prefix := bidPrefix(subject)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*bidbook.Bid
	for iter.First(); iter.Valid(); iter.Next() {
		var b bidbook.Bid
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			continue
		}
		out = append(out, &b)
	}
	return out, nil
}

// holdingRow is the stored shape of one cap-table entry.
type holdingRow struct {
	Holder common.Address `json:"holder"`
	Units  int64          `json:"units"`
}

// SaveHoldings replaces a subject's entire stored cap table. The closure
// replaces the in-memory table wholesale, so the stored copy is replaced
// wholesale too: stale rows from the previous holder set must not survive.
func (s *PebbleStore) SaveHoldings(subject string, hs []ledger.Holding) error {
	prefix := holdingPrefix(subject)

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange(prefix, keyUpperBound(prefix), nil); err != nil {
		return fmt.Errorf("clear holdings: %w", err)
	}
	for _, h := range hs {
		data, err := json.Marshal(holdingRow{Holder: h.Holder, Units: h.Units})
		if err != nil {
			return fmt.Errorf("marshal holding: %w", err)
		}
		if err := batch.Set(holdingKey(subject, h.Holder), data, nil); err != nil {
			return fmt.Errorf("save holding: %w", err)
		}
	}
	return batch.Commit(pebble.Sync)
}

// LoadHoldings loads a subject's stored cap table.
func (s *PebbleStore) LoadHoldings(subject string) ([]ledger.Holding, error) {
	prefix := holdingPrefix(subject)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []ledger.Holding
	for iter.First(); iter.Valid(); iter.Next() {
		var row holdingRow
		if err := json.Unmarshal(iter.Value(), &row); err != nil {
			continue
		}
		out = append(out, ledger.Holding{Holder: row.Holder, Units: row.Units})
	}
	return out, nil
}

// SaveListing persists a secondary listing record.
func (s *PebbleStore) SaveListing(l *auction.Listing) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal listing: %w", err)
	}
	if err := s.db.Set(listingKey(l.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save listing: %w", err)
	}
	return nil
}

// LoadListings loads every listing record.
func (s *PebbleStore) LoadListings() ([]*auction.Listing, error) {
	prefix := []byte(prefixListing)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*auction.Listing
	for iter.First(); iter.Valid(); iter.Next() {
		var l auction.Listing
		if err := json.Unmarshal(iter.Value(), &l); err != nil {
			continue
		}
		out = append(out, &l)
	}
	return out, nil
}

// SaveListingBid persists a bid on a secondary listing.
func (s *PebbleStore) SaveListingBid(listing string, b *auction.ListingBid) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal listing bid: %w", err)
	}
	if err := s.db.Set(listingBidKey(listing, b.Seq), data, pebble.Sync); err != nil {
		return fmt.Errorf("save listing bid: %w", err)
	}
	return nil
}

// LoadListingBids loads a listing's bids in submission order.
func (s *PebbleStore) LoadListingBids(listing string) ([]*auction.ListingBid, error) {
	prefix := listingBidPrefix(listing)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*auction.ListingBid
	for iter.First(); iter.Valid(); iter.Next() {
		var b auction.ListingBid
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			continue
		}
		out = append(out, &b)
	}
	return out, nil
}

// SaveClaimables replaces the stored claimable-balance table.
func (s *PebbleStore) SaveClaimables(balances map[common.Address]int64) error {
	prefix := []byte(prefixClaimable)

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange(prefix, keyUpperBound(prefix), nil); err != nil {
		return fmt.Errorf("clear claimables: %w", err)
	}
	for addr, amount := range balances {
		data, err := json.Marshal(amount)
		if err != nil {
			return fmt.Errorf("marshal claimable: %w", err)
		}
		if err := batch.Set(claimableKey(addr), data, nil); err != nil {
			return fmt.Errorf("save claimable: %w", err)
		}
	}
	return batch.Commit(pebble.Sync)
}

// LoadClaimables loads the stored claimable-balance table.
func (s *PebbleStore) LoadClaimables() (map[common.Address]int64, error) {
	prefix := []byte(prefixClaimable)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make(map[common.Address]int64)
	for iter.First(); iter.Valid(); iter.Next() {
		var amount int64
		if err := json.Unmarshal(iter.Value(), &amount); err != nil {
			continue
		}
		addr := common.HexToAddress(string(iter.Key())[len(prefixClaimable):])
		out[addr] = amount
	}
	return out, nil
}
