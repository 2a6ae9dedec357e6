package api

// Request and response shapes for the REST endpoints and WebSocket messages.

// CreateOfferingRequest is the payload for POST /api/v1/offerings.
type CreateOfferingRequest struct {
	Creator    string `json:"creator"`
	Name       string `json:"name"`
	TotalUnits int64  `json:"totalUnits"`
	Reserve    int64  `json:"reserve"`
	Deadline   int64  `json:"deadline,omitempty"` // unix ms, 0 = creator-close only
}

// OfferingInfo is the REST shape of an offering.
type OfferingInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Creator        string `json:"creator"`
	TotalUnits     int64  `json:"totalUnits"`
	UnitsRemaining int64  `json:"unitsRemaining"`
	Reserve        int64  `json:"reserve"`
	Deadline       int64  `json:"deadline,omitempty"`
	State          string `json:"state"`
	Successful     bool   `json:"successful"`
	Cancelled      bool   `json:"cancelled"`
	BidCount       int    `json:"bidCount"`
	CreatedAt      int64  `json:"createdAt"`
	ClosedAt       int64  `json:"closedAt,omitempty"`
}

// SubmitBidRequest is the payload for POST /api/v1/offerings/{id}/bids.
type SubmitBidRequest struct {
	Bidder   string `json:"bidder"`
	Quantity int64  `json:"quantity"`
	Deposit  int64  `json:"deposit"`
}

// BidInfo is the REST shape of a sealed bid.
type BidInfo struct {
	ID        string `json:"id"`
	Bidder    string `json:"bidder"`
	Quantity  int64  `json:"quantity"`
	Deposit   int64  `json:"deposit"`
	UnitPrice int64  `json:"unitPrice"`
	State     string `json:"state"`
	CreatedAt int64  `json:"createdAt"`
}

// CallerRequest carries the acting address for close/cancel/execute calls.
type CallerRequest struct {
	Caller string `json:"caller"`
}

// HolderInfo is one cap-table row.
type HolderInfo struct {
	Holder string `json:"holder"`
	Units  int64  `json:"units"`
}

// AllocationInfo is one winning allocation in a closure outcome.
type AllocationInfo struct {
	BidID   string `json:"bidId"`
	Bidder  string `json:"bidder"`
	Units   int64  `json:"units"`
	Charged int64  `json:"charged"`
}

// RefundInfo is one refund in a closure outcome.
type RefundInfo struct {
	BidID  string `json:"bidId"`
	Bidder string `json:"bidder"`
	Amount int64  `json:"amount"`
}

// OutcomeInfo is the REST shape of a primary closure outcome.
type OutcomeInfo struct {
	Subject       string           `json:"subject"`
	Successful    bool             `json:"successful"`
	Cancelled     bool             `json:"cancelled"`
	TotalBidValue int64            `json:"totalBidValue"`
	Proceeds      int64            `json:"proceeds"`
	Dust          int64            `json:"dust"`
	Allocations   []AllocationInfo `json:"allocations,omitempty"`
	Refunds       []RefundInfo     `json:"refunds,omitempty"`
}

// CreateListingRequest is the payload for POST /api/v1/listings. Kind is
// "share" (subject required) or "token" (tokenId required).
type CreateListingRequest struct {
	Seller   string `json:"seller"`
	Kind     string `json:"kind"`
	Subject  string `json:"subject,omitempty"`
	TokenID  uint64 `json:"tokenId,omitempty"`
	Reserve  int64  `json:"reserve"`
	Deadline int64  `json:"deadline,omitempty"`
}

// ListingInfo is the REST shape of a secondary listing.
type ListingInfo struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Seller      string `json:"seller"`
	Subject     string `json:"subject,omitempty"`
	TokenID     uint64 `json:"tokenId,omitempty"`
	Reserve     int64  `json:"reserve"`
	Deadline    int64  `json:"deadline,omitempty"`
	State       string `json:"state"`
	Successful  bool   `json:"successful"`
	Cancelled   bool   `json:"cancelled"`
	BidCount    int    `json:"bidCount"`
	CreatedAt   int64  `json:"createdAt"`
	CompletedAt int64  `json:"completedAt,omitempty"`
}

// ListingBidRequest is the payload for POST /api/v1/listings/{id}/bids.
type ListingBidRequest struct {
	Bidder string `json:"bidder"`
	Amount int64  `json:"amount"`
}

// ListingBidInfo is the REST shape of a listing bid.
type ListingBidInfo struct {
	ID        string `json:"id"`
	Bidder    string `json:"bidder"`
	Amount    int64  `json:"amount"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"createdAt"`
}

// ListingOutcomeInfo is the REST shape of a listing execution outcome.
type ListingOutcomeInfo struct {
	Listing    string       `json:"listing"`
	Successful bool         `json:"successful"`
	Cancelled  bool         `json:"cancelled"`
	Winner     string       `json:"winner,omitempty"`
	SalePrice  int64        `json:"salePrice,omitempty"`
	Refunds    []RefundInfo `json:"refunds,omitempty"`
}

// ClaimableInfo reports an address's withdrawable balance.
type ClaimableInfo struct {
	Address   string `json:"address"`
	Claimable int64  `json:"claimable"`
}

// WithdrawResponse reports a completed withdrawal.
type WithdrawResponse struct {
	Address   string `json:"address"`
	Withdrawn int64  `json:"withdrawn"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is sent by a client to manage channel subscriptions,
// e.g. {"op":"subscribe","channels":["offerings","listings"]}.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// OfferingUpdate is broadcast on the "offerings" channel when an offering is
// created, receives a bid, or closes.
type OfferingUpdate struct {
	Type     string       `json:"type"` // "offering_created" | "bid" | "closed"
	Offering OfferingInfo `json:"offering"`
	Bid      *BidInfo     `json:"bid,omitempty"`
	Outcome  *OutcomeInfo `json:"outcome,omitempty"`
}

// ListingUpdate is broadcast on the "listings" channel when a listing
// completes.
type ListingUpdate struct {
	Type    string              `json:"type"` // "completed"
	Listing ListingInfo         `json:"listing"`
	Outcome *ListingOutcomeInfo `json:"outcome,omitempty"`
}
