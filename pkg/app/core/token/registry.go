package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry is the token/identity collaborator the secondary market consumes
// for NFT-backed listings. It mirrors the ERC721 surface the market needs and
// nothing more; minting and metadata live with the collaborator.
type Registry interface {
	OwnerOf(tokenID uint64) (common.Address, error)
	GetApproved(tokenID uint64) (common.Address, error)
	IsApprovedForAll(owner, operator common.Address) bool
	TotalSupply() uint64
	SafeTransfer(from, to common.Address, tokenID uint64) error
}

var (
	ErrUnknownToken  = errors.New("unknown token")
	ErrNotTokenOwner = errors.New("not token owner")
)

// MemoryRegistry is an in-process Registry used by the daemon and tests.
type MemoryRegistry struct {
	mu        sync.RWMutex
	owners    map[uint64]common.Address
	approved  map[uint64]common.Address
	operators map[common.Address]map[common.Address]bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		owners:    make(map[uint64]common.Address),
		approved:  make(map[uint64]common.Address),
		operators: make(map[common.Address]map[common.Address]bool),
	}
}

// Mint assigns a fresh token to an owner. Returns error if the ID is taken.
func (r *MemoryRegistry) Mint(owner common.Address, tokenID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.owners[tokenID]; exists {
		return fmt.Errorf("token %d already minted", tokenID)
	}
	r.owners[tokenID] = owner
	return nil
}

func (r *MemoryRegistry) OwnerOf(tokenID uint64) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.owners[tokenID]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %d", ErrUnknownToken, tokenID)
	}
	return owner, nil
}

// Approve grants a single-token transfer approval.
func (r *MemoryRegistry) Approve(owner, operator common.Address, tokenID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owners[tokenID] != owner {
		return fmt.Errorf("%w: %s does not own token %d", ErrNotTokenOwner, owner.Hex(), tokenID)
	}
	r.approved[tokenID] = operator
	return nil
}

func (r *MemoryRegistry) GetApproved(tokenID uint64) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.owners[tokenID]; !ok {
		return common.Address{}, fmt.Errorf("%w: %d", ErrUnknownToken, tokenID)
	}
	return r.approved[tokenID], nil
}

// SetApprovalForAll grants or revokes operator rights over all of owner's tokens.
func (r *MemoryRegistry) SetApprovalForAll(owner, operator common.Address, approved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.operators[owner]
	if !ok {
		m = make(map[common.Address]bool)
		r.operators[owner] = m
	}
	if approved {
		m[operator] = true
	} else {
		delete(m, operator)
	}
}

func (r *MemoryRegistry) IsApprovedForAll(owner, operator common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operators[owner][operator]
}

func (r *MemoryRegistry) TotalSupply() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.owners))
}

// SafeTransfer moves a token between owners, clearing single-token approval.
func (r *MemoryRegistry) SafeTransfer(from, to common.Address, tokenID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[tokenID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownToken, tokenID)
	}
	if owner != from {
		return fmt.Errorf("%w: token %d owned by %s, not %s", ErrNotTokenOwner, tokenID, owner.Hex(), from.Hex())
	}

	r.owners[tokenID] = to
	delete(r.approved, tokenID)
	return nil
}
