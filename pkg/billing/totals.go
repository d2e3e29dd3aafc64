package billing

import (
	"slices"
	"strings"
	"time"

	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

const unknownReason = "UNKNOWN"

// MergeCredits combines the recent and historical credit lists. Credits are
// keyed by ID, or by creation time when the supplier left the ID out, and the
// recent list wins. The result is sorted by creation time.
func MergeCredits(recent, historical []types.SupplierCredit) []types.SupplierCredit {
	key := func(c types.SupplierCredit) string {
		if c.ID != "" {
			return c.ID
		}
		return c.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	merged := make(map[string]types.SupplierCredit, len(recent)+len(historical))
	for _, c := range historical {
		merged[key(c)] = c
	}
	for _, c := range recent {
		merged[key(c)] = c
	}

	out := make([]types.SupplierCredit, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b types.SupplierCredit) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// SummarizeCredits totals credits in euros by reason code and by local month
// relative to now.
func SummarizeCredits(credits []types.SupplierCredit, now time.Time) types.CreditTotals {
	local := now.In(types.Madrid)
	thisMonth := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, types.Madrid)
	lastMonth := thisMonth.AddDate(0, -1, 0)

	t := types.CreditTotals{
		ByReasonCode:   make(map[string]decimal.Decimal),
		SunClub:        decimal.Zero,
		SunClubPowerUp: decimal.Zero,
		CurrentMonth:   decimal.Zero,
		LastMonth:      decimal.Zero,
		Total:          decimal.Zero,
	}
	for _, c := range credits {
		amount := decimal.New(c.AmountCents, -2)
		reason := c.ReasonCode
		if reason == "" {
			reason = unknownReason
		}
		t.ByReasonCode[reason] = t.ByReasonCode[reason].Add(amount)
		t.Total = t.Total.Add(amount)

		switch {
		case reason == types.CreditReasonSunClub:
			t.SunClub = t.SunClub.Add(amount)
		case strings.HasPrefix(reason, types.CreditReasonSunClubPowerUp):
			t.SunClubPowerUp = t.SunClubPowerUp.Add(amount)
		}

		if c.CreatedAt.IsZero() {
			continue
		}
		switch {
		case !c.CreatedAt.Before(thisMonth):
			t.CurrentMonth = t.CurrentMonth.Add(amount)
		case !c.CreatedAt.Before(lastMonth):
			t.LastMonth = t.LastMonth.Add(amount)
		}
	}
	return t
}
