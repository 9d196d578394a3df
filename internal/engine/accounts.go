package engine

import (
	"fmt"
	"sync"

	"exchange_simulator/pkg/errors"

	"github.com/shopspring/decimal"
)

// Balance is the free/locked pair for one asset
type Balance struct {
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Total returns free plus locked
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Account holds per-session balances. The engine lock serializes all
// mutation; Account carries no lock of its own.
type Account struct {
	SessionID string
	balances  map[string]*Balance
}

func newAccount(sessionID string, defaults map[string]decimal.Decimal) *Account {
	a := &Account{
		SessionID: sessionID,
		balances:  make(map[string]*Balance, len(defaults)),
	}
	for asset, amount := range defaults {
		a.balances[asset] = &Balance{Free: amount}
	}
	return a
}

func (a *Account) balance(asset string) *Balance {
	b, ok := a.balances[asset]
	if !ok {
		b = &Balance{}
		a.balances[asset] = b
	}
	return b
}

// Balance returns a copy of the asset balance
func (a *Account) Balance(asset string) Balance {
	if b, ok := a.balances[asset]; ok {
		return *b
	}
	return Balance{}
}

// Balances returns a copy of all asset balances
func (a *Account) Balances() map[string]Balance {
	out := make(map[string]Balance, len(a.balances))
	for asset, b := range a.balances {
		out[asset] = *b
	}
	return out
}

// HasFree reports whether at least amount of the asset is free
func (a *Account) HasFree(asset string, amount decimal.Decimal) bool {
	return a.Balance(asset).Free.GreaterThanOrEqual(amount)
}

// Lock moves amount from free to locked, failing when free is short
func (a *Account) Lock(asset string, amount decimal.Decimal) error {
	b := a.balance(asset)
	if b.Free.LessThan(amount) {
		return fmt.Errorf("%w: need %s %s, have %s free",
			apperrors.ErrInsufficientFunds, amount, asset, b.Free)
	}
	b.Free = b.Free.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return nil
}

// Unlock returns amount from locked to free
func (a *Account) Unlock(asset string, amount decimal.Decimal) {
	b := a.balance(asset)
	b.Locked = b.Locked.Sub(amount)
	b.Free = b.Free.Add(amount)
}

// SpendLocked consumes amount from the locked portion
func (a *Account) SpendLocked(asset string, amount decimal.Decimal) {
	b := a.balance(asset)
	b.Locked = b.Locked.Sub(amount)
}

// SpendFree consumes amount from the free portion, failing when short
func (a *Account) SpendFree(asset string, amount decimal.Decimal) error {
	b := a.balance(asset)
	if b.Free.LessThan(amount) {
		return fmt.Errorf("%w: need %s %s, have %s free",
			apperrors.ErrInsufficientFunds, amount, asset, b.Free)
	}
	b.Free = b.Free.Sub(amount)
	return nil
}

// Credit adds amount to the free portion
func (a *Account) Credit(asset string, amount decimal.Decimal) {
	b := a.balance(asset)
	b.Free = b.Free.Add(amount)
}

// NonNegative reports whether every balance component is >= 0
func (a *Account) NonNegative() bool {
	for _, b := range a.balances {
		if b.Free.IsNegative() || b.Locked.IsNegative() {
			return false
		}
	}
	return true
}

// AccountManager creates accounts lazily and keeps them for the life of
// the process. Accounts survive session disconnects.
type AccountManager struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	defaults map[string]decimal.Decimal
}

// NewAccountManager creates a manager seeding new accounts with defaults
func NewAccountManager(defaults map[string]decimal.Decimal) *AccountManager {
	return &AccountManager{
		accounts: make(map[string]*Account),
		defaults: defaults,
	}
}

// GetOrCreate returns the session account, creating it with the default
// balances on first use.
func (m *AccountManager) GetOrCreate(sessionID string) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[sessionID]; ok {
		return a
	}
	a := newAccount(sessionID, m.defaults)
	m.accounts[sessionID] = a
	return a
}

// Get returns the session account or nil
func (m *AccountManager) Get(sessionID string) *Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[sessionID]
}

// Count returns the number of live accounts
func (m *AccountManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// TotalPerAsset sums free+locked over all accounts, per asset. Used by
// conservation checks in tests.
func (m *AccountManager) TotalPerAsset() map[string]decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	totals := make(map[string]decimal.Decimal)
	for _, a := range m.accounts {
		for asset, b := range a.balances {
			totals[asset] = totals[asset].Add(b.Total())
		}
	}
	return totals
}
