package state

import "github.com/shopspring/decimal"

// Account is the engine's read-only view of a customer account. Balance and
// MinimumFunding are in the unit of the deposits made into it.
type Account struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Balance        decimal.Decimal `json:"balance"`
	MinimumFunding decimal.Decimal `json:"minimum_funding"`
}
