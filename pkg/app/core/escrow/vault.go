package escrow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Payer is the external value-transfer collaborator. A push payment may fail
// (or run arbitrary recipient code); the caller must treat failure as fatal
// for the enclosing operation and roll it back entirely.
type Payer interface {
	Pay(to common.Address, amount int64) error
}

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrInsufficient  = errors.New("insufficient escrowed value")
	ErrPayFailed     = errors.New("push payment failed")
)

// Vault tracks value held in escrow for open auctions and value already
// settled into claimable balances.
//
// Settlement prefers the pull model: Credit moves held value into a
// recipient's claimable balance without running external code, which is what
// makes effects-before-interactions cheap to uphold. PayOut is the push
// variant for deployments that disburse immediately; it restores the held
// balance when the transfer fails so the caller can abort cleanly.
type Vault struct {
	mu        sync.RWMutex
	held      int64
	claimable map[common.Address]int64
}

func NewVault() *Vault {
	return &Vault{claimable: make(map[common.Address]int64)}
}

// Deposit records value accepted from a bidder into escrow.
func (v *Vault) Deposit(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.held += amount
	return nil
}

// Release returns escrowed value to its depositor, used when the operation
// that escrowed it aborts before settlement.
func (v *Vault) Release(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.held < amount {
		return fmt.Errorf("%w: held %d, need %d", ErrInsufficient, v.held, amount)
	}
	v.held -= amount
	return nil
}

// Credit settles escrowed value into a claimable balance (pull payment).
func (v *Vault) Credit(to common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if amount == 0 {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.held < amount {
		return fmt.Errorf("%w: held %d, need %d", ErrInsufficient, v.held, amount)
	}
	v.held -= amount
	v.claimable[to] += amount
	return nil
}

// PayOut settles escrowed value by pushing it to the recipient immediately.
// On transfer failure the held balance is restored and the error surfaced so
// the enclosing settlement can roll back.
func (v *Vault) PayOut(to common.Address, amount int64, p Payer) error {
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if amount == 0 {
		return nil
	}

	v.mu.Lock()
	if v.held < amount {
		v.mu.Unlock()
		return fmt.Errorf("%w: held %d, need %d", ErrInsufficient, v.held, amount)
	}
	v.held -= amount
	v.mu.Unlock()

	// External call outside the vault lock: the recipient may re-enter the
	// market, which the engine's per-subject guard rejects.
	if err := p.Pay(to, amount); err != nil {
		v.mu.Lock()
		v.held += amount
		v.mu.Unlock()
		return fmt.Errorf("%w: to %s amount %d: %v", ErrPayFailed, to.Hex(), amount, err)
	}
	return nil
}

// Withdraw drains a claimable balance. With a payer, the amount is pushed and
// the balance restored on failure; with a nil payer the caller settles the
// value out of band and the vault just records it gone.
func (v *Vault) Withdraw(addr common.Address, p Payer) (int64, error) {
	v.mu.Lock()
	amount := v.claimable[addr]
	if amount == 0 {
		v.mu.Unlock()
		return 0, nil
	}
	delete(v.claimable, addr)
	v.mu.Unlock()

	if p != nil {
		if err := p.Pay(addr, amount); err != nil {
			v.mu.Lock()
			v.claimable[addr] += amount
			v.mu.Unlock()
			return 0, fmt.Errorf("%w: to %s amount %d: %v", ErrPayFailed, addr.Hex(), amount, err)
		}
	}
	return amount, nil
}

// Claimable returns the settled balance an address can withdraw.
func (v *Vault) Claimable(addr common.Address) int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.claimable[addr]
}

// Held returns the value still escrowed for open auctions.
func (v *Vault) Held() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.held
}

// Snapshot captures held and claimable balances for settlement rollback.
type Snapshot struct {
	Held      int64
	Claimable map[common.Address]int64
}

func (v *Vault) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	c := make(map[common.Address]int64, len(v.claimable))
	for a, n := range v.claimable {
		c[a] = n
	}
	return Snapshot{Held: v.held, Claimable: c}
}

func (v *Vault) Restore(s Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.held = s.Held
	v.claimable = make(map[common.Address]int64, len(s.Claimable))
	for a, n := range s.Claimable {
		v.claimable[a] = n
	}
}

// ClaimableBalances returns a copy of every claimable row, for persistence.
func (v *Vault) ClaimableBalances() map[common.Address]int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make(map[common.Address]int64, len(v.claimable))
	for a, n := range v.claimable {
		out[a] = n
	}
	return out
}
