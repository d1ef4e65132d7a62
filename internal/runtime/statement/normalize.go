package statement

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/jsoncodec"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// Normalize parses a raw JSON payload into a Record. It is pure: the same
// bytes always yield the same Record or the same *SchemaError.
//
// The payload root must be a JSON object. Missing or mistyped required fields
// are reported with their dotted path, for example "transactions[2].amount".
func Normalize(data []byte) (*Record, error) {
	var root any
	if err := jsoncodec.UnmarshalUseNumber(data, &root); err != nil {
		return nil, &errspkg.SchemaError{Reason: "payload is not valid JSON: " + err.Error()}
	}
	obj, ok := root.(map[string]any)
	if !ok {
		return nil, &errspkg.SchemaError{Reason: "payload root must be an object, got " + typeName(root)}
	}

	n := &normalizer{}
	rec := n.record(obj)
	if n.err != nil {
		return nil, n.err
	}
	return rec, nil
}

// normalizer records the first schema error and turns every later call into
// a no-op, so record() reads top to bottom without error plumbing.
type normalizer struct {
	err *errspkg.SchemaError
}

func (n *normalizer) fail(path, reason string) {
	if n.err == nil {
		n.err = &errspkg.SchemaError{Path: path, Reason: reason}
	}
}

func (n *normalizer) record(obj map[string]any) *Record {
	rec := &Record{
		StatementID:   n.requiredString(obj, "", "statement_id"),
		CustomerID:    n.requiredString(obj, "", "customer_id"),
		StatementDate: n.requiredTime(obj, "", "statement_date"),
	}

	typ := Type(strings.ToLower(n.requiredString(obj, "", "statement_type")))
	if n.err == nil && !typ.Valid() {
		n.fail("statement_type", fmt.Sprintf("unknown statement type %q", typ))
	}
	rec.StatementType = typ

	if info := n.requiredObject(obj, "", "customer_info"); info != nil {
		rec.CustomerInfo = n.customerInfo(info, "customer_info")
	}
	rec.Transactions = n.transactions(obj)
	if bal := n.requiredObject(obj, "", "balances"); bal != nil {
		rec.Balances = n.balances(bal, "balances")
	}
	if tot := n.requiredObject(obj, "", "totals"); tot != nil {
		rec.Totals = n.totals(tot, "totals")
	}
	if md := n.requiredObject(obj, "", "metadata"); md != nil {
		rec.Metadata = Metadata{
			TemplateName:    n.requiredString(md, "metadata", "template_name"),
			TemplateVersion: n.requiredText(md, "metadata", "template_version"),
			Currency:        strings.ToUpper(n.requiredString(md, "metadata", "currency")),
		}
	}
	return rec
}

func (n *normalizer) customerInfo(obj map[string]any, path string) CustomerInfo {
	info := CustomerInfo{
		ID:    n.requiredString(obj, path, "customer_id"),
		Name:  n.requiredString(obj, path, "name"),
		Email: n.optionalString(obj, path, "email"),
		Phone: n.optionalString(obj, path, "phone"),
	}
	if info.Email != "" {
		if _, err := mail.ParseAddress(info.Email); err != nil {
			n.fail(join(path, "email"), "not a valid email address")
		}
	}
	if addr := n.optionalObject(obj, path, "address"); addr != nil {
		p := join(path, "address")
		info.Address = Address{
			Street:     n.optionalString(addr, p, "street"),
			City:       n.optionalString(addr, p, "city"),
			State:      n.optionalString(addr, p, "state"),
			PostalCode: firstNonEmpty(n.optionalString(addr, p, "postal_code"), n.optionalString(addr, p, "zip")),
			Country:    n.optionalString(addr, p, "country"),
		}
	}
	return info
}

func (n *normalizer) transactions(obj map[string]any) []Transaction {
	raw, ok := obj["transactions"]
	if !ok || raw == nil {
		n.fail("transactions", "required field is missing")
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		n.fail("transactions", "expected array, got "+typeName(raw))
		return nil
	}
	out := make([]Transaction, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("transactions[%d]", i)
		txObj, ok := item.(map[string]any)
		if !ok {
			n.fail(path, "expected object, got "+typeName(item))
			return nil
		}
		out = append(out, Transaction{
			ID:             n.requiredString(txObj, path, "transaction_id"),
			Date:           n.requiredTime(txObj, path, "date"),
			Description:    n.requiredString(txObj, path, "description"),
			Amount:         n.requiredDecimal(txObj, path, "amount"),
			RunningBalance: n.optionalDecimal(txObj, path, "running_balance"),
			Category:       n.optionalString(txObj, path, "category"),
			Reference:      n.optionalString(txObj, path, "reference"),
		})
	}
	return out
}

func (n *normalizer) balances(obj map[string]any, path string) Balances {
	bal := Balances{
		Opening: n.requiredDecimal(obj, path, "opening"),
		Closing: n.requiredDecimal(obj, path, "closing"),
	}
	accounts := n.optionalObject(obj, path, "accounts")
	if len(accounts) == 0 {
		return bal
	}
	bal.Accounts = make(map[string]AccountBalance, len(accounts))
	for _, name := range slices.Sorted(maps.Keys(accounts)) {
		raw := accounts[name]
		p := join(join(path, "accounts"), name)
		acct, ok := raw.(map[string]any)
		if !ok {
			n.fail(p, "expected object, got "+typeName(raw))
			return bal
		}
		bal.Accounts[name] = AccountBalance{
			AccountType: n.optionalString(acct, p, "account_type"),
			Opening:     n.requiredDecimal(acct, p, "opening_balance"),
			Closing:     n.requiredDecimal(acct, p, "closing_balance"),
			Currency:    strings.ToUpper(n.optionalString(acct, p, "currency")),
		}
	}
	return bal
}

func (n *normalizer) totals(obj map[string]any, path string) Totals {
	return Totals{
		Opening:          n.requiredDecimal(obj, path, "opening"),
		Closing:          n.requiredDecimal(obj, path, "closing"),
		TotalCredits:     n.optionalDecimal(obj, path, "total_credits"),
		TotalDebits:      n.optionalDecimal(obj, path, "total_debits"),
		NetChange:        n.optionalDecimal(obj, path, "net_change"),
		TransactionCount: n.optionalInt(obj, path, "transaction_count"),
	}
}

func (n *normalizer) requiredObject(obj map[string]any, parent, key string) map[string]any {
	raw, ok := obj[key]
	if !ok || raw == nil {
		n.fail(join(parent, key), "required field is missing")
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		n.fail(join(parent, key), "expected object, got "+typeName(raw))
		return nil
	}
	return m
}

func (n *normalizer) optionalObject(obj map[string]any, parent, key string) map[string]any {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		n.fail(join(parent, key), "expected object, got "+typeName(raw))
		return nil
	}
	return m
}

func (n *normalizer) requiredString(obj map[string]any, parent, key string) string {
	raw, ok := obj[key]
	if !ok || raw == nil {
		n.fail(join(parent, key), "required field is missing")
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		n.fail(join(parent, key), "expected string, got "+typeName(raw))
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		n.fail(join(parent, key), "must not be empty")
	}
	return s
}

// requiredText accepts a string or a bare number, for fields such as a
// template version that producers sometimes emit as 1.0.
func (n *normalizer) requiredText(obj map[string]any, parent, key string) string {
	if num, ok := obj[key].(json.Number); ok {
		return num.String()
	}
	return n.requiredString(obj, parent, key)
}

func (n *normalizer) optionalString(obj map[string]any, parent, key string) string {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		n.fail(join(parent, key), "expected string, got "+typeName(raw))
		return ""
	}
	return strings.TrimSpace(s)
}

func (n *normalizer) requiredTime(obj map[string]any, parent, key string) time.Time {
	s := n.requiredString(obj, parent, key)
	if s == "" {
		return time.Time{}
	}
	t, err := parseTime(s)
	if err != nil {
		n.fail(join(parent, key), fmt.Sprintf("%q is not an ISO-8601 date or timestamp", s))
	}
	return t
}

func (n *normalizer) requiredDecimal(obj map[string]any, parent, key string) decimal.Decimal {
	raw, ok := obj[key]
	if !ok || raw == nil {
		n.fail(join(parent, key), "required field is missing")
		return decimal.Zero
	}
	d, err := toDecimal(raw)
	if err != nil {
		n.fail(join(parent, key), err.Error())
		return decimal.Zero
	}
	return d
}

func (n *normalizer) optionalDecimal(obj map[string]any, parent, key string) *decimal.Decimal {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return nil
	}
	d, err := toDecimal(raw)
	if err != nil {
		n.fail(join(parent, key), err.Error())
		return nil
	}
	return &d
}

func (n *normalizer) optionalInt(obj map[string]any, parent, key string) *int {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return nil
	}
	num, ok := raw.(json.Number)
	if !ok {
		n.fail(join(parent, key), "expected integer, got "+typeName(raw))
		return nil
	}
	v, err := strconv.Atoi(num.String())
	if err != nil {
		n.fail(join(parent, key), "expected integer, got "+num.String())
		return nil
	}
	return &v
}

func toDecimal(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Zero, fmt.Errorf("%q is not a decimal number", v)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("expected number, got %s", typeName(raw))
	}
}

func parseTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func join(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}
