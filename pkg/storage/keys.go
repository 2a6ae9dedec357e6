package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema for Pebble storage. Each record class gets its own prefix so
// prefix scans stay cheap:
//
//   off:<offeringID>                 → Offering
//   bid:<offeringID>:<seq>           → Bid (seq zero-padded for ordering)
//   hold:<offeringID>:<address>      → holder units
//   lst:<listingID>                  → Listing
//   lbid:<listingID>:<seq>           → ListingBid
//   clm:<address>                    → claimable balance
const (
	prefixOffering   = "off:"
	prefixBid        = "bid:"
	prefixHolding    = "hold:"
	prefixListing    = "lst:"
	prefixListingBid = "lbid:"
	prefixClaimable  = "clm:"
)

func offeringKey(id string) []byte {
	return []byte(prefixOffering + id)
}

// bidKey zero-pads the sequence to 20 digits so iteration returns bids in
// submission order.
func bidKey(subject string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixBid, subject, seq))
}

func bidPrefix(subject string) []byte {
	return []byte(prefixBid + subject + ":")
}

func holdingKey(subject string, addr common.Address) []byte {
	return []byte(prefixHolding + subject + ":" + addr.Hex())
}

func holdingPrefix(subject string) []byte {
	return []byte(prefixHolding + subject + ":")
}

func listingKey(id string) []byte {
	return []byte(prefixListing + id)
}

func listingBidKey(listing string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixListingBid, listing, seq))
}

func listingBidPrefix(listing string) []byte {
	return []byte(prefixListingBid + listing + ":")
}

func claimableKey(addr common.Address) []byte {
	return []byte(prefixClaimable + addr.Hex())
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
