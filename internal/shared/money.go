package shared

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var moneyPrinter = message.NewPrinter(language.AmericanEnglish)

// FormatUSD renders a monetary amount for summaries and audit log lines.
func FormatUSD(d decimal.Decimal) string {
	f, _ := d.Float64()
	return moneyPrinter.Sprintf("$%v", number.Decimal(f, number.MinFractionDigits(2), number.MaxFractionDigits(2)))
}
