package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InvoicePeriod is the span of local days an invoice covers, both ends
// inclusive. Start and End are local midnight.
type InvoicePeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ParseInvoicePeriod parses two 2006-01-02 dates.
func ParseInvoicePeriod(start, end string) (InvoicePeriod, error) {
	s, err := time.ParseInLocation(time.DateOnly, start, Madrid)
	if err != nil {
		return InvoicePeriod{}, fmt.Errorf("invalid invoice start %q: %w", start, err)
	}
	e, err := time.ParseInLocation(time.DateOnly, end, Madrid)
	if err != nil {
		return InvoicePeriod{}, fmt.Errorf("invalid invoice end %q: %w", end, err)
	}
	if e.Before(s) {
		return InvoicePeriod{}, fmt.Errorf("invoice end %s is before start %s", end, start)
	}
	return InvoicePeriod{Start: s, End: e}, nil
}

// Days is the number of days covered.
func (p InvoicePeriod) Days() int {
	return DaysBetween(p.Start, p.End) + 1
}

// DaysBetween counts local calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	a, b = StartOfDay(a), StartOfDay(b)
	n := 0
	for d := a; d.Before(b); d = d.AddDate(0, 0, 1) {
		n++
	}
	for d := b; d.Before(a); d = d.AddDate(0, 0, 1) {
		n--
	}
	return n
}

// InvoiceEstimate projects the invoice of the billing period in progress.
// Amounts are in € and rounded to cents.
type InvoiceEstimate struct {
	Period        InvoicePeriod `json:"period"`
	DaysElapsed   int           `json:"daysElapsed"`
	DaysRemaining int           `json:"daysRemaining"`
	// ConsumedKWH is what was consumed so far in the period.
	ConsumedKWH decimal.Decimal `json:"consumedKWH"`

	ActualEnergyCost    decimal.Decimal `json:"actualEnergyCost"`
	ProjectedEnergyCost decimal.Decimal `json:"projectedEnergyCost"`
	SurplusCredit       decimal.Decimal `json:"surplusCredit"`
	PowerCost           decimal.Decimal `json:"powerCost"`
	ManagementFee       decimal.Decimal `json:"managementFee"`
	OtherConcepts       decimal.Decimal `json:"otherConcepts"`
	BaseTotal           decimal.Decimal `json:"baseTotal"`
	ElectricityTax      decimal.Decimal `json:"electricityTax"`
	VAT                 decimal.Decimal `json:"vat"`
	Total               decimal.Decimal `json:"total"`

	// UnpricedHours counts consumed hours priced at the average price
	// because their own price was not held.
	UnpricedHours int `json:"unpricedHours"`
}
