package ledger

import (
	"fmt"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeAccount AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Customer account sub-types
	SubTypeAvailable AccountSubType = iota

	// System sub-types
	SubTypeSystemFees

	// External sub-types
	SubTypeExternalDeposits
)

// AccountKey identifies one balance in the ledger
type AccountKey struct {
	Scope    AccountScope
	EntityID string // account id for customer accounts, empty otherwise
	SubType  AccountSubType
	Asset    string
}

// NewAccountKey creates a key for a customer account
func NewAccountKey(accountID string, subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:    AccountScopeAccount,
		EntityID: accountID,
		SubType:  subType,
		Asset:    asset,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeAccount:
		return fmt.Sprintf("account:%s:%s:%s", k.EntityID, subTypeName(k.SubType), k.Asset)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", subTypeName(k.SubType), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", subTypeName(k.SubType), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) String() string {
	return k.AccountPath()
}

func (k AccountKey) MarshalText() ([]byte, error) {
	return []byte(k.AccountPath()), nil
}

func (k *AccountKey) UnmarshalText(b []byte) error {
	parsed, err := ParseAccountPath(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 4 && parts[0] == "account":
		st, ok := parseSubType(parts[2])
		if !ok || parts[1] == "" {
			break
		}
		return NewAccountKey(parts[1], st, parts[3]), nil
	case len(parts) == 3 && parts[0] == "system":
		st, ok := parseSubType(parts[1])
		if !ok {
			break
		}
		return NewSystemAccountKey(st, parts[2]), nil
	case len(parts) == 3 && parts[0] == "external":
		st, ok := parseSubType(parts[1])
		if !ok {
			break
		}
		return NewExternalAccountKey(st, parts[2]), nil
	}
	return AccountKey{}, fmt.Errorf("invalid account path %q", path)
}

func subTypeName(st AccountSubType) string {
	switch st {
	case SubTypeAvailable:
		return "available"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeExternalDeposits:
		return "deposits"
	default:
		return "unknown"
	}
}

func parseSubType(s string) (AccountSubType, bool) {
	switch s {
	case "available":
		return SubTypeAvailable, true
	case "fees":
		return SubTypeSystemFees, true
	case "deposits":
		return SubTypeExternalDeposits, true
	}
	return 0, false
}
