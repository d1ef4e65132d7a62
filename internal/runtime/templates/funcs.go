package templates

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var printer = message.NewPrinter(language.English)

func funcMap() template.FuncMap {
	return template.FuncMap{
		"money":   money,
		"amount":  amount,
		"date":    formatDate,
		"mask":    mask,
		"percent": percent,
		"upper":   strings.ToUpper,
	}
}

// amount renders v grouped with exactly two decimals: 1234.5 -> "1,234.50".
func amount(v any) (string, error) {
	d, err := asDecimal(v)
	if err != nil {
		return "", err
	}
	return printer.Sprint(number.Decimal(d.Round(2).InexactFloat64(), number.Scale(2))), nil
}

// money is amount followed by the currency code.
func money(v any, currency string) (string, error) {
	s, err := amount(v)
	if err != nil {
		return "", err
	}
	return s + " " + currency, nil
}

// formatDate accepts "short", "long", "iso" or a Go layout.
func formatDate(v any, layout string) (string, error) {
	t, ok := v.(time.Time)
	if !ok {
		return "", fmt.Errorf("date: expected time, got %T", v)
	}
	switch layout {
	case "short":
		layout = "01/02/2006"
	case "long":
		layout = "January 2, 2006"
	case "iso", "":
		layout = time.DateOnly
	}
	return t.Format(layout), nil
}

// mask keeps the last four characters: "1234567890" -> "******7890".
func mask(s string) string {
	r := []rune(s)
	if len(r) <= 4 {
		return s
	}
	return strings.Repeat("*", len(r)-4) + string(r[len(r)-4:])
}

// percent renders part/whole as a percentage with one decimal.
func percent(part, whole any) (string, error) {
	p, err := asDecimal(part)
	if err != nil {
		return "", err
	}
	w, err := asDecimal(whole)
	if err != nil {
		return "", err
	}
	if w.IsZero() {
		return "0.0%", nil
	}
	return p.Div(w).Mul(decimal.NewFromInt(100)).StringFixed(1) + "%", nil
}

func asDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case *decimal.Decimal:
		if n == nil {
			return decimal.Zero, nil
		}
		return *n, nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		return decimal.NewFromString(n)
	case fmt.Stringer:
		return decimal.NewFromString(n.String())
	default:
		return decimal.Zero, fmt.Errorf("expected number, got %T", v)
	}
}
