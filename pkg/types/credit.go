package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Credit reason codes reported by the supplier.
const (
	CreditReasonSunClub        = "SUN_CLUB"
	CreditReasonSunClubPowerUp = "SUN_CLUB_POWER_UP"
)

// BillingPeriod identifies a calendar month, formatted as 2006-01.
type BillingPeriod string

// BillingPeriodOf returns the local month containing t.
func BillingPeriodOf(t time.Time) BillingPeriod {
	return BillingPeriod(t.In(Madrid).Format("2006-01"))
}

// ParseBillingPeriod validates a 2006-01 period string.
func ParseBillingPeriod(s string) (BillingPeriod, error) {
	if _, err := time.ParseInLocation("2006-01", s, Madrid); err != nil {
		return "", fmt.Errorf("invalid billing period %q: %w", s, err)
	}
	return BillingPeriod(s), nil
}

// Bounds returns local midnight of the first day of the month and of the
// following month.
func (p BillingPeriod) Bounds() (time.Time, time.Time, error) {
	start, err := time.ParseInLocation("2006-01", string(p), Madrid)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid billing period %q: %w", p, err)
	}
	return start, start.AddDate(0, 1, 0), nil
}

// CreditActual is the supplier's postfactum credit figure for a period.
type CreditActual struct {
	Period          BillingPeriod              `json:"period"`
	Amount          decimal.Decimal            `json:"amount"`
	ReasonBreakdown map[string]decimal.Decimal `json:"reason_breakdown"`
}

// Equal returns true if both actuals carry the same amounts.
func (a CreditActual) Equal(o CreditActual) bool {
	if a.Period != o.Period || !a.Amount.Equal(o.Amount) || len(a.ReasonBreakdown) != len(o.ReasonBreakdown) {
		return false
	}
	for k, v := range a.ReasonBreakdown {
		ov, ok := o.ReasonBreakdown[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// CreditRecord is one entry of a period's append-only history.
type CreditRecord struct {
	EstimatedAmount decimal.Decimal `json:"estimated_amount"`
	Actual          *CreditActual   `json:"actual,omitempty"`
	RecordedAt      time.Time       `json:"recorded_at"`
}

// CreditEstimate is the estimate of a period's discount credit along with the
// supplier's actual figure once it arrives.
type CreditEstimate struct {
	Period          BillingPeriod              `json:"period"`
	EstimatedAmount decimal.Decimal            `json:"estimated_amount"`
	ActualAmount    *decimal.Decimal           `json:"actual_amount,omitempty"`
	ReasonBreakdown map[string]decimal.Decimal `json:"reason_breakdown,omitempty"`
	// EstimateBreakdown is the estimate split by reason code.
	EstimateBreakdown map[string]decimal.Decimal `json:"estimate_breakdown,omitempty"`
	History           []CreditRecord             `json:"history,omitempty"`
	UpdatedAt         time.Time                  `json:"updated_at"`
}

// Reconciled returns true once the supplier's figure has been attached.
func (e CreditEstimate) Reconciled() bool {
	return e.ActualAmount != nil
}

// SupplierCredit is a single credit line as listed by the supplier.
type SupplierCredit struct {
	ID         string    `json:"id"`
	ReasonCode string    `json:"reasonCode"`
	CreatedAt  time.Time `json:"createdAt"`
	// AmountCents is the credit in euro cents, as the supplier reports it.
	AmountCents int64 `json:"amount"`
}

// CreditTotals summarises a list of supplier credits.
type CreditTotals struct {
	ByReasonCode   map[string]decimal.Decimal `json:"by_reason_code"`
	SunClub        decimal.Decimal            `json:"sun_club"`
	SunClubPowerUp decimal.Decimal            `json:"sun_club_power_up"`
	CurrentMonth   decimal.Decimal            `json:"current_month"`
	LastMonth      decimal.Decimal            `json:"last_month"`
	Total          decimal.Decimal            `json:"total"`
}
