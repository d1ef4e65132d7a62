// Package statement holds the typed statement record together with the
// Normalizer that builds it from raw JSON and the Validator that checks its
// business rules.
package statement

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type is the statement period.
type Type string

const (
	TypeMonthly   Type = "monthly"
	TypeQuarterly Type = "quarterly"
	TypeAnnual    Type = "annual"
	TypeCustom    Type = "custom"
)

// Valid reports whether t is a known statement type.
func (t Type) Valid() bool {
	switch t {
	case TypeMonthly, TypeQuarterly, TypeAnnual, TypeCustom:
		return true
	}
	return false
}

// Record is the normalized statement. Every field listed as required in the
// inbound schema is populated; optional fields are zero or nil.
type Record struct {
	StatementID   string
	CustomerID    string
	StatementDate time.Time
	StatementType Type
	CustomerInfo  CustomerInfo
	Transactions  []Transaction
	Balances      Balances
	Totals        Totals
	Metadata      Metadata
}

type CustomerInfo struct {
	ID      string
	Name    string
	Address Address
	Email   string
	Phone   string
}

type Address struct {
	Street     string
	City       string
	State      string
	PostalCode string
	Country    string
}

// Transaction is a single ledger line. Amount is signed: credits positive,
// debits negative.
type Transaction struct {
	ID             string
	Date           time.Time
	Description    string
	Amount         decimal.Decimal
	RunningBalance *decimal.Decimal
	Category       string
	Reference      string
}

// Balances carries the statement-level opening and closing balance and, when
// supplied, the per-account breakdown.
type Balances struct {
	Opening  decimal.Decimal
	Closing  decimal.Decimal
	Accounts map[string]AccountBalance
}

type AccountBalance struct {
	AccountType string
	Opening     decimal.Decimal
	Closing     decimal.Decimal
	Currency    string
}

// Totals holds the figures printed on the statement. Opening and Closing are
// required; the aggregates are optional and checked when present.
type Totals struct {
	Opening          decimal.Decimal
	Closing          decimal.Decimal
	TotalCredits     *decimal.Decimal
	TotalDebits      *decimal.Decimal
	NetChange        *decimal.Decimal
	TransactionCount *int
}

// Metadata selects the template and currency used to render the statement.
type Metadata struct {
	TemplateName    string
	TemplateVersion string
	Currency        string
}

// TransactionSum returns the sum of all transaction amounts.
func (r *Record) TransactionSum() decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range r.Transactions {
		sum = sum.Add(tx.Amount)
	}
	return sum
}

// Credits returns the sum of positive amounts and Debits the absolute sum of
// negative ones.
func (r *Record) Credits() decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range r.Transactions {
		if tx.Amount.IsPositive() {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum
}

func (r *Record) Debits() decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range r.Transactions {
		if tx.Amount.IsNegative() {
			sum = sum.Add(tx.Amount.Abs())
		}
	}
	return sum
}
