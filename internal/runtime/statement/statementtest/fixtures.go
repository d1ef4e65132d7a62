// Package statementtest builds statement payloads for tests.
package statementtest

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/drblury/stmtflow/internal/runtime/jsoncodec"
)

// sample is the reference monthly statement: opening 1000.00 and three
// transactions summing to 3285.25.
const sample = `{
  "statement_id": "STMT-2024-001",
  "customer_id": "CUST-12345",
  "statement_date": "2024-01-31T00:00:00Z",
  "statement_type": "monthly",
  "customer_info": {
    "customer_id": "CUST-12345",
    "name": "John Doe",
    "address": {"street": "123 Main St", "city": "Anytown", "state": "CA", "zip": "12345", "country": "US"},
    "email": "john.doe@example.com",
    "phone": "+1-555-123-4567"
  },
  "transactions": [
    {"transaction_id": "TXN-001", "date": "2024-01-05T10:30:00Z", "description": "Salary Deposit", "amount": 3500.00, "category": "income", "reference": "PAY-2024-01"},
    {"transaction_id": "TXN-002", "date": "2024-01-10T14:22:00Z", "description": "Grocery Store", "amount": -125.50, "category": "groceries"},
    {"transaction_id": "TXN-003", "date": "2024-01-15T09:15:00Z", "description": "Electric Bill", "amount": -89.25, "category": "utilities"}
  ],
  "balances": {"opening": 1000.00, "closing": 4285.25},
  "totals": {"opening": 1000.00, "closing": 4285.25, "total_credits": 3500.00, "total_debits": 214.75, "net_change": 3285.25, "transaction_count": 3},
  "metadata": {"template_name": "monthly", "template_version": "1.0", "currency": "USD"}
}`

// Mutator edits the decoded payload before it is re-encoded.
type Mutator func(doc map[string]any)

// Payload returns the reference statement with the mutators applied.
func Payload(mutators ...Mutator) []byte {
	var doc map[string]any
	if err := jsoncodec.UnmarshalUseNumber([]byte(sample), &doc); err != nil {
		panic(err)
	}
	for _, m := range mutators {
		m(doc)
	}
	out, err := jsoncodec.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return out
}

// Simple returns a consistent statement with the given opening balance and
// transaction amounts and no optional aggregates.
func Simple(opening string, amounts ...string) []byte {
	sum := decimal.RequireFromString(opening)
	txs := make([]any, len(amounts))
	for i, a := range amounts {
		sum = sum.Add(decimal.RequireFromString(a))
		txs[i] = map[string]any{
			"transaction_id": fmt.Sprintf("TXN-%03d", i+1),
			"date":           "2024-01-10T12:00:00Z",
			"description":    fmt.Sprintf("Transaction %d", i+1),
			"amount":         json.Number(a),
		}
	}
	closing := json.Number(sum.StringFixed(2))
	return Payload(
		Set("transactions", txs),
		Set("balances", map[string]any{"opening": json.Number(opening), "closing": closing}),
		Set("totals", map[string]any{"opening": json.Number(opening), "closing": closing}),
	)
}

// Set replaces a top-level key.
func Set(key string, value any) Mutator {
	return func(doc map[string]any) { doc[key] = value }
}

// Delete removes a top-level key.
func Delete(key string) Mutator {
	return func(doc map[string]any) { delete(doc, key) }
}

// SetIn replaces key inside the top-level object parent.
func SetIn(parent, key string, value any) Mutator {
	return func(doc map[string]any) {
		obj, ok := doc[parent].(map[string]any)
		if !ok {
			obj = map[string]any{}
			doc[parent] = obj
		}
		obj[key] = value
	}
}

// SetTransaction replaces key on the i-th transaction.
func SetTransaction(i int, key string, value any) Mutator {
	return func(doc map[string]any) {
		txs := doc["transactions"].([]any)
		txs[i].(map[string]any)[key] = value
	}
}

// Version selects the template version.
func Version(v string) Mutator {
	return SetIn("metadata", "template_version", v)
}
