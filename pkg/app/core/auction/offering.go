package auction

import (
	"github.com/ethereum/go-ethereum/common"
)

// OfferingState is the lifecycle phase of a primary offering.
// Open → Closed is monotonic; an offering never reopens.
type OfferingState int8

const (
	Open OfferingState = iota
	Closed
)

func (s OfferingState) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Offering is a primary fractional-share offering of a physical asset.
// The creator holds the full supply while bidding is open; a successful
// closure replaces the cap table with the winning bidders.
type Offering struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Creator common.Address `json:"creator"`

	TotalUnits     int64 `json:"totalUnits"`
	UnitsRemaining int64 `json:"unitsRemaining"` // units not taken up by bidders

	// ReservePrice is the minimum aggregate proceeds for a successful
	// clearing, not a per-unit floor. Zero means any bid value clears.
	ReservePrice int64 `json:"reservePrice"`

	// Deadline in unix ms; zero means the offering closes only by creator
	// action. Expiry is a precondition checked at call time, never a
	// background event.
	Deadline int64 `json:"deadline,omitempty"`

	State      OfferingState `json:"state"`
	Successful bool          `json:"successful"`
	Cancelled  bool          `json:"cancelled"`

	CreatedAt int64 `json:"createdAt"`
	ClosedAt  int64 `json:"closedAt,omitempty"`
}

// Allocation is one winning bid's share of a closed offering.
type Allocation struct {
	BidID   string         `json:"bidId"`
	Bidder  common.Address `json:"bidder"`
	Units   int64          `json:"units"`
	Charged int64          `json:"charged"`
}

// Refund is value returned to a bidder for an unfilled or partially filled bid.
type Refund struct {
	BidID  string         `json:"bidId"`
	Bidder common.Address `json:"bidder"`
	Amount int64          `json:"amount"`
}

// Outcome reports everything a closure decided and disbursed.
type Outcome struct {
	Subject       string       `json:"subject"`
	Successful    bool         `json:"successful"`
	Cancelled     bool         `json:"cancelled"`
	TotalBidValue int64        `json:"totalBidValue"`
	Allocations   []Allocation `json:"allocations,omitempty"`
	Refunds       []Refund     `json:"refunds,omitempty"`
	Proceeds      int64        `json:"proceeds"`
	Dust          int64        `json:"dust"`
}
