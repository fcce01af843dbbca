package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

func (s AccountScope) String() string {
	switch s {
	case AccountScopeUser:
		return "user"
	case AccountScopeSystem:
		return "system"
	case AccountScopeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// AccountKey is the in-memory key for balance tracking. There is a single
// underlying asset, so an account is identified by scope and address.
type AccountKey struct {
	Scope   AccountScope
	Address common.Address
}

// ExternalAccount is the boundary account that funds minted underlying.
// Its balance is the negative of everything issued into the ledger.
var ExternalAccount = AccountKey{Scope: AccountScopeExternal}

// NewUserAccountKey creates a key for end-user accounts
func NewUserAccountKey(addr common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Address: addr}
}

// NewSystemAccountKey creates a key for protocol-held accounts (pool, splitter)
func NewSystemAccountKey(addr common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, Address: addr}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s", strings.ToLower(k.Address.Hex()))
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", strings.ToLower(k.Address.Hex()))
	case AccountScopeExternal:
		return "external:boundary"
	}
	return "unknown"
}
