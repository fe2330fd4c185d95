package token

import (
	"math/big"
	"strings"
	"sync"
)

// Minter is implemented by assets that can create new supply. The simulated
// yield pool uses it to materialize accrued interest.
type Minter interface {
	Mint(to string, amount *big.Int) error
}

// Mock is an in-memory fungible token with standard transfer/approve
// semantics. It is the development and test asset; every failure mode is a
// named error so callers can assert on exact conditions.
type Mock struct {
	mu         sync.RWMutex
	balances   map[string]*big.Int
	allowances map[string]map[string]*big.Int // owner -> spender -> amount
	supply     *big.Int
}

// NewMock creates an empty mock token.
func NewMock() *Mock {
	return &Mock{
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]map[string]*big.Int),
		supply:     big.NewInt(0),
	}
}

// Mint creates amount new units and credits them to to.
func (m *Mock) Mint(to string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.credit(strings.ToLower(to), amount)
	m.supply.Add(m.supply, amount)
	return nil
}

// TotalSupply returns the total minted supply.
func (m *Mock) TotalSupply() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.supply)
}

// BalanceOf returns the balance of account. Unknown accounts have balance 0.
func (m *Mock) BalanceOf(account string) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[strings.ToLower(account)]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Transfer moves amount from caller to to.
func (m *Mock) Transfer(caller, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	from := strings.ToLower(caller)
	if m.balance(from).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	m.debit(from, amount)
	m.credit(strings.ToLower(to), amount)
	return nil
}

// TransferFrom moves amount from from to to, consuming caller's allowance.
func (m *Mock) TransferFrom(caller, from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	from = strings.ToLower(from)
	spender := strings.ToLower(caller)

	allowed := m.allowance(from, spender)
	if allowed.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if m.balance(from).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}

	allowed.Sub(allowed, amount)
	m.debit(from, amount)
	m.credit(strings.ToLower(to), amount)
	return nil
}

// Approve sets spender's allowance over caller's balance to exactly amount.
func (m *Mock) Approve(caller, spender string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	owner := strings.ToLower(caller)
	if m.allowances[owner] == nil {
		m.allowances[owner] = make(map[string]*big.Int)
	}
	m.allowances[owner][strings.ToLower(spender)] = new(big.Int).Set(amount)
	return nil
}

// Allowance returns the remaining allowance of spender over owner's balance.
func (m *Mock) Allowance(owner, spender string) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.allowance(strings.ToLower(owner), strings.ToLower(spender)))
}

// --- internal, callers hold the lock ---

func (m *Mock) balance(addr string) *big.Int {
	if bal, ok := m.balances[addr]; ok {
		return bal
	}
	return big.NewInt(0)
}

func (m *Mock) allowance(owner, spender string) *big.Int {
	if byOwner, ok := m.allowances[owner]; ok {
		if a, ok := byOwner[spender]; ok {
			return a
		}
	}
	return big.NewInt(0)
}

func (m *Mock) credit(addr string, amount *big.Int) {
	if bal, ok := m.balances[addr]; ok {
		bal.Add(bal, amount)
		return
	}
	m.balances[addr] = new(big.Int).Set(amount)
}

func (m *Mock) debit(addr string, amount *big.Int) {
	m.balances[addr].Sub(m.balances[addr], amount)
}
