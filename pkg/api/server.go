package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/lotshare/lotshare/pkg/app/core/auction"
	"github.com/lotshare/lotshare/pkg/app/core/bidbook"
	"github.com/lotshare/lotshare/pkg/app/core/escrow"
	"github.com/lotshare/lotshare/pkg/app/market"
)

// Server exposes the market over REST and WebSocket.
type Server struct {
	app     *market.App
	router  *mux.Router
	hub     *Hub
	log     *zap.SugaredLogger
	origins []string
}

// NewServer builds the server and hooks market events into the WebSocket hub.
func NewServer(app *market.App, log *zap.SugaredLogger, allowedOrigins []string) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		app:     app,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		log:     log,
		origins: allowedOrigins,
	}
	s.setupRoutes()
	s.setupBroadcasts()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Primary offerings
	api.HandleFunc("/offerings", s.handleCreateOffering).Methods("POST")
	api.HandleFunc("/offerings", s.handleListOfferings).Methods("GET")
	api.HandleFunc("/offerings/{id}", s.handleGetOffering).Methods("GET")
	api.HandleFunc("/offerings/{id}/bids", s.handleSubmitBid).Methods("POST")
	api.HandleFunc("/offerings/{id}/bids", s.handleGetBids).Methods("GET")
	api.HandleFunc("/offerings/{id}/holders", s.handleGetHolders).Methods("GET")
	api.HandleFunc("/offerings/{id}/close", s.handleCloseOffering).Methods("POST")
	api.HandleFunc("/offerings/{id}/cancel", s.handleCancelOffering).Methods("POST")

	// Secondary listings
	api.HandleFunc("/listings", s.handleCreateListing).Methods("POST")
	api.HandleFunc("/listings", s.handleListListings).Methods("GET")
	api.HandleFunc("/listings/{id}", s.handleGetListing).Methods("GET")
	api.HandleFunc("/listings/{id}/bids", s.handleListingBid).Methods("POST")
	api.HandleFunc("/listings/{id}/bids", s.handleGetListingBids).Methods("GET")
	api.HandleFunc("/listings/{id}/execute", s.handleExecuteListing).Methods("POST")
	api.HandleFunc("/listings/{id}/cancel", s.handleCancelListing).Methods("POST")

	// Accounts
	api.HandleFunc("/accounts/{address}/claimable", s.handleGetClaimable).Methods("GET")
	api.HandleFunc("/accounts/{address}/withdraw", s.handleWithdraw).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *Server) setupBroadcasts() {
	s.app.Engine.OnBid = func(o auction.Offering, b bidbook.Bid) {
		s.hub.BroadcastToChannel("offerings", OfferingUpdate{
			Type:     "bid",
			Offering: s.offeringInfo(o),
			Bid:      bidInfoPtr(b),
		})
	}
	s.app.Engine.OnClosed = func(o auction.Offering, out *auction.Outcome) {
		s.hub.BroadcastToChannel("offerings", OfferingUpdate{
			Type:     "closed",
			Offering: s.offeringInfo(o),
			Outcome:  outcomeInfo(out),
		})
	}
	s.app.Resale.OnCompleted = func(l auction.Listing, out *auction.ListingOutcome) {
		s.hub.BroadcastToChannel("listings", ListingUpdate{
			Type:    "completed",
			Listing: s.listingInfo(l),
			Outcome: listingOutcomeInfo(out),
		})
	}
}

// Start runs the hub and serves HTTP until the listener fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ==============================
// Offering handlers
// ==============================

func (s *Server) handleCreateOffering(w http.ResponseWriter, r *http.Request) {
	var req CreateOfferingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	creator, ok := parseAddress(w, req.Creator)
	if !ok {
		return
	}

	o, err := s.app.Engine.CreateOffering(creator, req.Name, req.TotalUnits, req.Reserve, req.Deadline)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	info := s.offeringInfo(*o)
	s.hub.BroadcastToChannel("offerings", OfferingUpdate{Type: "offering_created", Offering: info})
	respondJSON(w, info)
}

func (s *Server) handleListOfferings(w http.ResponseWriter, r *http.Request) {
	offerings := s.app.Engine.Offerings()
	out := make([]OfferingInfo, len(offerings))
	for i, o := range offerings {
		out[i] = s.offeringInfo(o)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOffering(w http.ResponseWriter, r *http.Request) {
	o, err := s.app.Engine.Offering(mux.Vars(r)["id"])
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, s.offeringInfo(o))
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var req SubmitBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	bidder, ok := parseAddress(w, req.Bidder)
	if !ok {
		return
	}

	b, err := s.app.Engine.SubmitBid(mux.Vars(r)["id"], bidder, req.Quantity, req.Deposit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, bidInfo(*b))
}

func (s *Server) handleGetBids(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["id"]
	if _, err := s.app.Engine.Offering(subject); err != nil {
		respondDomainError(w, err)
		return
	}

	bids := s.app.Engine.Bids(subject)
	out := make([]BidInfo, len(bids))
	for i, b := range bids {
		out[i] = bidInfo(*b)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetHolders(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["id"]
	if _, err := s.app.Engine.Offering(subject); err != nil {
		respondDomainError(w, err)
		return
	}

	holders := s.app.Engine.Holders(subject)
	out := make([]HolderInfo, len(holders))
	for i, h := range holders {
		out[i] = HolderInfo{Holder: h.Holder.Hex(), Units: h.Units}
	}
	respondJSON(w, out)
}

func (s *Server) handleCloseOffering(w http.ResponseWriter, r *http.Request) {
	caller, ok := decodeCaller(w, r)
	if !ok {
		return
	}
	out, err := s.app.Engine.Close(mux.Vars(r)["id"], caller)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, outcomeInfo(out))
}

func (s *Server) handleCancelOffering(w http.ResponseWriter, r *http.Request) {
	caller, ok := decodeCaller(w, r)
	if !ok {
		return
	}
	out, err := s.app.Engine.Cancel(mux.Vars(r)["id"], caller)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, outcomeInfo(out))
}

// ==============================
// Listing handlers
// ==============================

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	seller, ok := parseAddress(w, req.Seller)
	if !ok {
		return
	}

	var l *auction.Listing
	var err error
	switch req.Kind {
	case "share":
		l, err = s.app.Resale.ListShare(seller, req.Subject, req.Reserve, req.Deadline)
	case "token":
		l, err = s.app.Resale.ListToken(seller, req.TokenID, req.Reserve, req.Deadline)
	default:
		respondError(w, http.StatusBadRequest, "invalid kind", "expected share or token")
		return
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, s.listingInfo(*l))
}

func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	listings := s.app.Resale.Listings()
	out := make([]ListingInfo, len(listings))
	for i, l := range listings {
		out[i] = s.listingInfo(l)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.app.Resale.Listing(mux.Vars(r)["id"])
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, s.listingInfo(l))
}

func (s *Server) handleListingBid(w http.ResponseWriter, r *http.Request) {
	var req ListingBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	bidder, ok := parseAddress(w, req.Bidder)
	if !ok {
		return
	}

	b, err := s.app.Resale.Bid(mux.Vars(r)["id"], bidder, req.Amount)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, listingBidInfo(*b))
}

func (s *Server) handleGetListingBids(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.app.Resale.Listing(id); err != nil {
		respondDomainError(w, err)
		return
	}

	bids := s.app.Resale.Bids(id)
	out := make([]ListingBidInfo, len(bids))
	for i, b := range bids {
		out[i] = listingBidInfo(b)
	}
	respondJSON(w, out)
}

func (s *Server) handleExecuteListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := decodeCaller(w, r)
	if !ok {
		return
	}
	out, err := s.app.Resale.Execute(mux.Vars(r)["id"], caller)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, listingOutcomeInfo(out))
}

func (s *Server) handleCancelListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := decodeCaller(w, r)
	if !ok {
		return
	}
	out, err := s.app.Resale.Cancel(mux.Vars(r)["id"], caller)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, listingOutcomeInfo(out))
}

// ==============================
// Account handlers
// ==============================

func (s *Server) handleGetClaimable(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	respondJSON(w, ClaimableInfo{
		Address:   addr.Hex(),
		Claimable: s.app.Vault.Claimable(addr),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	amount, err := s.app.Withdraw(addr)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, WithdrawResponse{Address: addr.Hex(), Withdrawn: amount})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Conversions
// ==============================

func (s *Server) offeringInfo(o auction.Offering) OfferingInfo {
	return OfferingInfo{
		ID:             o.ID,
		Name:           o.Name,
		Creator:        o.Creator.Hex(),
		TotalUnits:     o.TotalUnits,
		UnitsRemaining: o.UnitsRemaining,
		Reserve:        o.ReservePrice,
		Deadline:       o.Deadline,
		State:          o.State.String(),
		Successful:     o.Successful,
		Cancelled:      o.Cancelled,
		BidCount:       s.app.Book.Count(o.ID),
		CreatedAt:      o.CreatedAt,
		ClosedAt:       o.ClosedAt,
	}
}

func (s *Server) listingInfo(l auction.Listing) ListingInfo {
	return ListingInfo{
		ID:          l.ID,
		Kind:        l.Kind.String(),
		Seller:      l.Seller.Hex(),
		Subject:     l.Subject,
		TokenID:     l.TokenID,
		Reserve:     l.Reserve,
		Deadline:    l.Deadline,
		State:       l.State.String(),
		Successful:  l.Successful,
		Cancelled:   l.Cancelled,
		BidCount:    len(s.app.Resale.Bids(l.ID)),
		CreatedAt:   l.CreatedAt,
		CompletedAt: l.CompletedAt,
	}
}

func bidInfo(b bidbook.Bid) BidInfo {
	return BidInfo{
		ID:        b.ID,
		Bidder:    b.Bidder.Hex(),
		Quantity:  b.Quantity,
		Deposit:   b.Deposit,
		UnitPrice: b.UnitPrice,
		State:     b.State.String(),
		CreatedAt: b.CreatedAt,
	}
}

func bidInfoPtr(b bidbook.Bid) *BidInfo {
	info := bidInfo(b)
	return &info
}

func listingBidInfo(b auction.ListingBid) ListingBidInfo {
	return ListingBidInfo{
		ID:        b.ID,
		Bidder:    b.Bidder.Hex(),
		Amount:    b.Amount,
		Active:    b.Active,
		CreatedAt: b.CreatedAt,
	}
}

func outcomeInfo(out *auction.Outcome) *OutcomeInfo {
	info := &OutcomeInfo{
		Subject:       out.Subject,
		Successful:    out.Successful,
		Cancelled:     out.Cancelled,
		TotalBidValue: out.TotalBidValue,
		Proceeds:      out.Proceeds,
		Dust:          out.Dust,
	}
	for _, a := range out.Allocations {
		info.Allocations = append(info.Allocations, AllocationInfo{
			BidID: a.BidID, Bidder: a.Bidder.Hex(), Units: a.Units, Charged: a.Charged,
		})
	}
	for _, r := range out.Refunds {
		info.Refunds = append(info.Refunds, RefundInfo{
			BidID: r.BidID, Bidder: r.Bidder.Hex(), Amount: r.Amount,
		})
	}
	return info
}

func listingOutcomeInfo(out *auction.ListingOutcome) *ListingOutcomeInfo {
	info := &ListingOutcomeInfo{
		Listing:    out.Listing,
		Successful: out.Successful,
		Cancelled:  out.Cancelled,
		SalePrice:  out.SalePrice,
	}
	if out.Successful {
		info.Winner = out.Winner.Hex()
	}
	for _, r := range out.Refunds {
		info.Refunds = append(info.Refunds, RefundInfo{
			BidID: r.BidID, Bidder: r.Bidder.Hex(), Amount: r.Amount,
		})
	}
	return info
}

// ==============================
// Helpers
// ==============================

func parseAddress(w http.ResponseWriter, raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func decodeCaller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return common.Address{}, false
	}
	return parseAddress(w, req.Caller)
}

// respondDomainError maps market errors onto HTTP statuses: unknown subjects
// are 404, authorization failures 403, lifecycle violations 409, everything
// else a 400.
func respondDomainError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, auction.ErrUnknownSubject), errors.Is(err, auction.ErrUnknownListing):
		status = http.StatusNotFound
	case errors.Is(err, auction.ErrNotCreator), errors.Is(err, auction.ErrNotSeller),
		errors.Is(err, auction.ErrDeadlineNotReached), errors.Is(err, auction.ErrNotApproved):
		status = http.StatusForbidden
	case errors.Is(err, auction.ErrAlreadyClosed), errors.Is(err, auction.ErrNotOpen),
		errors.Is(err, auction.ErrBiddingEnded), errors.Is(err, auction.ErrListingCompleted),
		errors.Is(err, auction.ErrReentrant):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrPayFailed):
		status = http.StatusBadGateway
	}
	respondError(w, status, err.Error(), "")
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: message})
}
