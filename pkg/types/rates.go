package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateSource records how a fixed rate set was obtained.
type RateSource string

const (
	RateSourceScraped RateSource = "scraped"
	RateSourceManual  RateSource = "manual"
)

// CachedRate is a set of per-period €/kWh rates for a tariff kind.
type CachedRate struct {
	Kind      TariffKind                 `json:"kind" yaml:"kind"`
	Rates     map[string]decimal.Decimal `json:"rates" yaml:"rates"`
	FetchedAt time.Time                  `json:"fetchedAt" yaml:"fetchedAt"`
	Source    RateSource                 `json:"source" yaml:"source"`
}
