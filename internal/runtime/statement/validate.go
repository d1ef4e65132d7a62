package statement

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
)

// Rule names reported in BusinessRuleError.Rule.
const (
	RuleRequiredFields      = "required_fields"
	RuleTotalsReconcile     = "totals_reconcile"
	RuleDateNotFuture       = "statement_date_not_future"
	RuleCurrencyRecognized  = "currency_recognized"
	RuleTransactionsPresent = "transactions_present"
	RuleCustomerIDMatch     = "customer_id_match"
	RuleBalancesMatchTotals = "balances_match_totals"
	RuleAggregatesMatch     = "aggregates_match"
	RuleRunningBalance      = "running_balance"
)

// ValidatorConfig tunes the business rules.
type ValidatorConfig struct {
	// AmountTolerance is the largest accepted absolute difference between a
	// stated and a computed amount.
	AmountTolerance decimal.Decimal
	// FutureSkew is how far past now a statement date may be.
	FutureSkew time.Duration
	// EmptyTransactionTypes lists statement types allowed to carry no
	// transactions (zero-activity statements).
	EmptyTransactionTypes []Type
	// AllowedCurrencies optionally narrows the ISO-4217 set further.
	AllowedCurrencies []string
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Validator applies the business rules to a Record in a fixed order and stops
// at the first violation.
type Validator struct {
	cfg   ValidatorConfig
	rules []rule
}

type rule struct {
	name  string
	check func(*Record) map[string]string
}

// NewValidator builds a Validator. A zero tolerance defaults to 0.01 and a
// zero skew to five minutes.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.AmountTolerance.IsZero() {
		cfg.AmountTolerance = decimal.New(1, -2)
	}
	if cfg.FutureSkew == 0 {
		cfg.FutureSkew = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	codes := make([]string, 0, len(cfg.AllowedCurrencies))
	for _, c := range cfg.AllowedCurrencies {
		codes = append(codes, strings.ToUpper(strings.TrimSpace(c)))
	}
	cfg.AllowedCurrencies = codes

	v := &Validator{cfg: cfg}
	v.rules = []rule{
		{RuleRequiredFields, v.requiredFields},
		{RuleTotalsReconcile, v.totalsReconcile},
		{RuleDateNotFuture, v.dateNotFuture},
		{RuleCurrencyRecognized, v.currencyRecognized},
		{RuleTransactionsPresent, v.transactionsPresent},
		{RuleCustomerIDMatch, v.customerIDMatch},
		{RuleBalancesMatchTotals, v.balancesMatchTotals},
		{RuleAggregatesMatch, v.aggregatesMatch},
		{RuleRunningBalance, v.runningBalance},
	}
	return v
}

// Validate returns nil or the first *BusinessRuleError. It performs no I/O;
// ctx is only checked for cancellation before the rules run.
func (v *Validator) Validate(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return &errspkg.BusinessRuleError{Rule: RuleRequiredFields, Values: map[string]string{"record": "nil"}}
	}
	for _, r := range v.rules {
		if values := r.check(rec); values != nil {
			return &errspkg.BusinessRuleError{Rule: r.name, Values: values}
		}
	}
	return nil
}

// Rules lists the rule names in evaluation order.
func (v *Validator) Rules() []string {
	names := make([]string, len(v.rules))
	for i, r := range v.rules {
		names[i] = r.name
	}
	return names
}

func (v *Validator) requiredFields(rec *Record) map[string]string {
	missing := []string{}
	check := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}
	check("statement_id", rec.StatementID)
	check("customer_id", rec.CustomerID)
	check("statement_type", string(rec.StatementType))
	check("customer_info.customer_id", rec.CustomerInfo.ID)
	check("customer_info.name", rec.CustomerInfo.Name)
	check("metadata.template_name", rec.Metadata.TemplateName)
	check("metadata.template_version", rec.Metadata.TemplateVersion)
	check("metadata.currency", rec.Metadata.Currency)
	if rec.StatementDate.IsZero() {
		missing = append(missing, "statement_date")
	}
	if len(missing) == 0 {
		return nil
	}
	return map[string]string{"missing": strings.Join(missing, ",")}
}

func (v *Validator) totalsReconcile(rec *Record) map[string]string {
	expected := rec.Totals.Opening.Add(rec.TransactionSum())
	if v.within(rec.Totals.Closing, expected) {
		return nil
	}
	return map[string]string{
		"opening":  rec.Totals.Opening.StringFixed(2),
		"closing":  rec.Totals.Closing.StringFixed(2),
		"expected": expected.StringFixed(2),
	}
}

func (v *Validator) dateNotFuture(rec *Record) map[string]string {
	limit := v.cfg.Now().Add(v.cfg.FutureSkew)
	if !rec.StatementDate.After(limit) {
		return nil
	}
	return map[string]string{
		"statement_date": rec.StatementDate.Format(time.RFC3339),
		"limit":          limit.UTC().Format(time.RFC3339),
	}
}

func (v *Validator) currencyRecognized(rec *Record) map[string]string {
	code := rec.Metadata.Currency
	if len(code) != 3 {
		return map[string]string{"currency": code}
	}
	if _, err := currency.ParseISO(code); err != nil {
		return map[string]string{"currency": code}
	}
	if len(v.cfg.AllowedCurrencies) > 0 && !slices.Contains(v.cfg.AllowedCurrencies, code) {
		return map[string]string{"currency": code, "allowed": strings.Join(v.cfg.AllowedCurrencies, ",")}
	}
	return nil
}

func (v *Validator) transactionsPresent(rec *Record) map[string]string {
	if len(rec.Transactions) > 0 || slices.Contains(v.cfg.EmptyTransactionTypes, rec.StatementType) {
		return nil
	}
	return map[string]string{"statement_type": string(rec.StatementType), "transactions": "0"}
}

func (v *Validator) customerIDMatch(rec *Record) map[string]string {
	if rec.CustomerID == rec.CustomerInfo.ID {
		return nil
	}
	return map[string]string{"customer_id": rec.CustomerID, "customer_info.customer_id": rec.CustomerInfo.ID}
}

func (v *Validator) balancesMatchTotals(rec *Record) map[string]string {
	if v.within(rec.Balances.Opening, rec.Totals.Opening) && v.within(rec.Balances.Closing, rec.Totals.Closing) {
		return nil
	}
	return map[string]string{
		"balances.opening": rec.Balances.Opening.StringFixed(2),
		"balances.closing": rec.Balances.Closing.StringFixed(2),
		"totals.opening":   rec.Totals.Opening.StringFixed(2),
		"totals.closing":   rec.Totals.Closing.StringFixed(2),
	}
}

func (v *Validator) aggregatesMatch(rec *Record) map[string]string {
	t := rec.Totals
	if t.TotalCredits != nil && !v.within(*t.TotalCredits, rec.Credits()) {
		return map[string]string{"total_credits": t.TotalCredits.StringFixed(2), "expected": rec.Credits().StringFixed(2)}
	}
	if t.TotalDebits != nil && !v.within(t.TotalDebits.Abs(), rec.Debits()) {
		return map[string]string{"total_debits": t.TotalDebits.StringFixed(2), "expected": rec.Debits().StringFixed(2)}
	}
	if t.NetChange != nil && !v.within(*t.NetChange, rec.TransactionSum()) {
		return map[string]string{"net_change": t.NetChange.StringFixed(2), "expected": rec.TransactionSum().StringFixed(2)}
	}
	if t.TransactionCount != nil && *t.TransactionCount != len(rec.Transactions) {
		return map[string]string{"transaction_count": strconv.Itoa(*t.TransactionCount), "expected": strconv.Itoa(len(rec.Transactions))}
	}
	return nil
}

func (v *Validator) runningBalance(rec *Record) map[string]string {
	balance := rec.Totals.Opening
	for i, tx := range rec.Transactions {
		balance = balance.Add(tx.Amount)
		if tx.RunningBalance != nil && !v.within(*tx.RunningBalance, balance) {
			return map[string]string{
				"transaction":     strconv.Itoa(i),
				"running_balance": tx.RunningBalance.StringFixed(2),
				"expected":        balance.StringFixed(2),
			}
		}
	}
	return nil
}

func (v *Validator) within(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(v.cfg.AmountTolerance)
}
