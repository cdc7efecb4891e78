package main

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/conduit-ai/conduit/gateway/errs"
)

// VirtualKey is the caller identity a task executes under. Balance truth
// lives in the external ledger; the gateway only checks the snapshot it is
// given.
type VirtualKey struct {
	ID       string
	Disabled bool
	Balance  decimal.Decimal
}

// KeyValidator is the virtual-key collaborator contract. The production
// implementation fronts the ledger service; tests and dev runs use the
// in-memory one.
type KeyValidator interface {
	// Validate returns errs.ErrInvalidKey for unknown or disabled keys and
	// errs.ErrInsufficientFunds when the balance cannot cover new work.
	Validate(ctx context.Context, keyID string) (*VirtualKey, error)
}

// MemoryKeyValidator holds keys in process memory.
type MemoryKeyValidator struct {
	mu   sync.RWMutex
	keys map[string]VirtualKey
}

func NewMemoryKeyValidator() *MemoryKeyValidator {
	return &MemoryKeyValidator{keys: make(map[string]VirtualKey)}
}

// Put inserts or replaces a key.
func (v *MemoryKeyValidator) Put(key VirtualKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[key.ID] = key
}

func (v *MemoryKeyValidator) Validate(ctx context.Context, keyID string) (*VirtualKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	key, ok := v.keys[keyID]
	if !ok || key.Disabled {
		return nil, errs.ErrInvalidKey
	}
	if key.Balance.IsNegative() || key.Balance.IsZero() {
		return nil, errs.ErrInsufficientFunds
	}
	cp := key
	return &cp, nil
}

var _ KeyValidator = (*MemoryKeyValidator)(nil)
