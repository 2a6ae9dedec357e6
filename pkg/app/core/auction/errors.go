package auction

import "errors"

// Error taxonomy: validation and authorization errors reject a call before any
// state change; state errors reject calls illegal in the subject's current
// lifecycle phase; transfer failures abort and roll back the whole operation.
var (
	// Validation
	ErrInvalidName    = errors.New("name must not be empty")
	ErrInvalidSupply  = errors.New("total units must be positive")
	ErrInvalidReserve = errors.New("reserve price is invalid")
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrDeadlinePast   = errors.New("deadline is in the past")

	// Authorization
	ErrNotCreator  = errors.New("caller is not the offering creator")
	ErrNotSeller   = errors.New("caller is not the listing seller")
	ErrNotHolder   = errors.New("seller holds no units of the subject")
	ErrNotApproved = errors.New("market is not approved to transfer the token")

	// State
	ErrUnknownSubject     = errors.New("unknown offering")
	ErrUnknownListing     = errors.New("unknown listing")
	ErrAlreadyClosed      = errors.New("offering already closed")
	ErrNotOpen            = errors.New("offering is not open for bids")
	ErrBiddingEnded       = errors.New("bidding deadline has passed")
	ErrDeadlineNotReached = errors.New("deadline not reached and caller is not the creator")
	ErrListingCompleted   = errors.New("listing already completed")

	// Re-entrancy
	ErrReentrant = errors.New("subject is mid-operation, nested call rejected")
)
