package market

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/raterudder/tarifa/pkg/log"
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

var tariffPages = map[types.TariffKind]string{
	types.TariffKindRelax: "/en/precios/tarifa-relax",
	types.TariffKindSolar: "/en/precios/tarifa-solar",
	types.TariffKindGo:    "/en/precios/tarifa-ev",
}

var (
	tagRE      = regexp.MustCompile(`(?s)<script.*?</script>|<style.*?</style>|<[^>]+>`)
	spaceRE    = regexp.MustCompile(`\s+`)
	flatRateRE = regexp.MustCompile(`(\d+[.,]\d+)\s*€/kWh`)
	periodRE   = map[string]*regexp.Regexp{
		types.PeriodP1: regexp.MustCompile(`(?i)P1[:\s]+(\d+[.,]\d+)\s*€/kWh`),
		types.PeriodP2: regexp.MustCompile(`(?i)P2[:\s]+(\d+[.,]\d+)\s*€/kWh`),
		types.PeriodP3: regexp.MustCompile(`(?i)P3[:\s]+(\d+[.,]\d+)\s*€/kWh`),
	}
)

// TariffPageScraper reads the published fixed rates from the supplier's
// tariff pages. It implements ratecache.Scraper.
type TariffPageScraper struct {
	baseURL string
	client  *http.Client
}

// NewTariffPageScraper returns a scraper for the site at baseURL.
func NewTariffPageScraper(baseURL string, client *http.Client) *TariffPageScraper {
	return &TariffPageScraper{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

// ScrapeRates returns the per-period rates published for kind. Relax has a
// single ALL rate; Solar and Go need all of P1, P2 and P3.
func (s *TariffPageScraper) ScrapeRates(ctx context.Context, kind types.TariffKind) (map[string]decimal.Decimal, error) {
	path, ok := tariffPages[kind]
	if !ok {
		return nil, fmt.Errorf("%s has no published fixed rates", kind)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "scraping tariff page", slog.String("url", req.URL.String()))
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tariff page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tariff page returned status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read tariff page: %w", err)
	}
	text := pageText(string(body))

	if kind == types.TariffKindRelax {
		m := flatRateRE.FindStringSubmatch(text)
		if m == nil {
			return nil, fmt.Errorf("no relax rate found on tariff page")
		}
		rate, err := parseRate(m[1])
		if err != nil {
			return nil, err
		}
		return map[string]decimal.Decimal{types.PeriodAll: rate}, nil
	}

	rates := make(map[string]decimal.Decimal, len(periodRE))
	for period, re := range periodRE {
		m := re.FindStringSubmatch(text)
		if m == nil {
			return nil, fmt.Errorf("no %s rate for %s found on tariff page", period, kind)
		}
		rate, err := parseRate(m[1])
		if err != nil {
			return nil, err
		}
		rates[period] = rate
	}
	return rates, nil
}

func pageText(body string) string {
	text := tagRE.ReplaceAllString(body, " ")
	return spaceRE.ReplaceAllString(html.UnescapeString(text), " ")
}

func parseRate(s string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	return rate, nil
}
