package statement

import (
	"slices"
	"strings"
)

var fieldPaths = []string{
	"statement_id",
	"customer_id",
	"statement_date",
	"statement_type",
	"customer_info",
	"customer_info.customer_id",
	"customer_info.name",
	"customer_info.address",
	"customer_info.address.street",
	"customer_info.address.city",
	"customer_info.address.state",
	"customer_info.address.postal_code",
	"customer_info.address.country",
	"customer_info.email",
	"customer_info.phone",
	"transactions",
	"transactions.transaction_id",
	"transactions.date",
	"transactions.description",
	"transactions.amount",
	"transactions.running_balance",
	"transactions.category",
	"transactions.reference",
	"balances",
	"balances.opening",
	"balances.closing",
	"balances.accounts",
	"totals",
	"totals.opening",
	"totals.closing",
	"totals.total_credits",
	"totals.total_debits",
	"totals.net_change",
	"totals.transaction_count",
	"metadata",
	"metadata.template_name",
	"metadata.template_version",
	"metadata.currency",
}

// FieldPaths lists every dotted path a template may declare as consumed.
// Paths below "transactions" apply to each transaction.
func FieldPaths() []string {
	return slices.Clone(fieldPaths)
}

// IsFieldPath reports whether path is one of FieldPaths.
func IsFieldPath(path string) bool {
	return slices.Contains(fieldPaths, path)
}

// View returns the record as the nested map templates bind against. Keys
// follow the inbound JSON names. Optional aggregates and running balances
// that the producer left out are filled with their derived values.
func (r *Record) View() map[string]any {
	txs := make([]map[string]any, len(r.Transactions))
	balance := r.Totals.Opening
	for i, tx := range r.Transactions {
		balance = balance.Add(tx.Amount)
		running := balance
		if tx.RunningBalance != nil {
			running = *tx.RunningBalance
		}
		txs[i] = map[string]any{
			"transaction_id":  tx.ID,
			"date":            tx.Date,
			"description":     tx.Description,
			"amount":          tx.Amount,
			"running_balance": running,
			"category":        tx.Category,
			"reference":       tx.Reference,
		}
	}

	accounts := make(map[string]any, len(r.Balances.Accounts))
	for name, acct := range r.Balances.Accounts {
		accounts[name] = map[string]any{
			"account_type":    acct.AccountType,
			"opening_balance": acct.Opening,
			"closing_balance": acct.Closing,
			"currency":        acct.Currency,
		}
	}

	totals := map[string]any{
		"opening":           r.Totals.Opening,
		"closing":           r.Totals.Closing,
		"total_credits":     r.Credits(),
		"total_debits":      r.Debits(),
		"net_change":        r.TransactionSum(),
		"transaction_count": len(r.Transactions),
	}
	if r.Totals.TotalCredits != nil {
		totals["total_credits"] = *r.Totals.TotalCredits
	}
	if r.Totals.TotalDebits != nil {
		totals["total_debits"] = r.Totals.TotalDebits.Abs()
	}
	if r.Totals.NetChange != nil {
		totals["net_change"] = *r.Totals.NetChange
	}
	if r.Totals.TransactionCount != nil {
		totals["transaction_count"] = *r.Totals.TransactionCount
	}

	return map[string]any{
		"statement_id":   r.StatementID,
		"customer_id":    r.CustomerID,
		"statement_date": r.StatementDate,
		"statement_type": string(r.StatementType),
		"customer_info": map[string]any{
			"customer_id": r.CustomerInfo.ID,
			"name":        r.CustomerInfo.Name,
			"address": map[string]any{
				"street":      r.CustomerInfo.Address.Street,
				"city":        r.CustomerInfo.Address.City,
				"state":       r.CustomerInfo.Address.State,
				"postal_code": r.CustomerInfo.Address.PostalCode,
				"country":     r.CustomerInfo.Address.Country,
			},
			"email": r.CustomerInfo.Email,
			"phone": r.CustomerInfo.Phone,
		},
		"transactions": txs,
		"balances": map[string]any{
			"opening":  r.Balances.Opening,
			"closing":  r.Balances.Closing,
			"accounts": accounts,
		},
		"totals": totals,
		"metadata": map[string]any{
			"template_name":    r.Metadata.TemplateName,
			"template_version": r.Metadata.TemplateVersion,
			"currency":         r.Metadata.Currency,
		},
	}
}

// Project copies only the given dotted paths out of view. A path whose
// ancestor is also listed is already covered by the ancestor.
func Project(view map[string]any, paths []string) map[string]any {
	sorted := slices.Clone(paths)
	slices.Sort(sorted)

	out := make(map[string]any)
	var whole []string
	for _, p := range sorted {
		if coveredBy(p, whole) {
			continue
		}
		projectInto(out, view, strings.Split(p, "."))
		whole = append(whole, p)
	}
	return out
}

func coveredBy(path string, ancestors []string) bool {
	for _, a := range ancestors {
		if strings.HasPrefix(path, a+".") {
			return true
		}
	}
	return false
}

func projectInto(dst, src map[string]any, segs []string) {
	key := segs[0]
	val, ok := src[key]
	if !ok {
		return
	}
	if len(segs) == 1 {
		dst[key] = val
		return
	}
	switch v := val.(type) {
	case map[string]any:
		child, _ := dst[key].(map[string]any)
		if child == nil {
			child = make(map[string]any)
			dst[key] = child
		}
		projectInto(child, v, segs[1:])
	case []map[string]any:
		children, _ := dst[key].([]map[string]any)
		if children == nil {
			children = make([]map[string]any, len(v))
			for i := range children {
				children[i] = make(map[string]any)
			}
			dst[key] = children
		}
		for i := range v {
			projectInto(children[i], v[i], segs[1:])
		}
	}
}
