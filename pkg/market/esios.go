package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/raterudder/tarifa/pkg/log"
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

// ESIOS fetches a day-ahead price indicator from Red Eléctrica's ESIOS API.
// Values are published in €/MWh.
type ESIOS struct {
	apiURL    string
	token     string
	indicator int
	geoID     int
	client    *http.Client
}

// NewESIOS returns an ESIOS source. A zero geoID accepts every geography.
func NewESIOS(apiURL, token string, indicator, geoID int, client *http.Client) *ESIOS {
	return &ESIOS{
		apiURL:    strings.TrimSuffix(apiURL, "/"),
		token:     token,
		indicator: indicator,
		geoID:     geoID,
		client:    client,
	}
}

// Name implements Source.
func (e *ESIOS) Name() string {
	return "esios"
}

// Validate ensures the configuration is valid.
func (e *ESIOS) Validate() error {
	if e.apiURL == "" {
		return fmt.Errorf("esios-api-url is required")
	}
	if _, err := url.Parse(e.apiURL); err != nil {
		return fmt.Errorf("failed to parse esios url (%s): %w", e.apiURL, err)
	}
	if e.indicator <= 0 {
		return fmt.Errorf("esios-indicator must be positive")
	}
	return nil
}

type esiosValue struct {
	Value    decimal.Decimal `json:"value"`
	Datetime string          `json:"datetime"`
	GeoID    int             `json:"geo_id"`
}

type esiosResponse struct {
	Indicator struct {
		ID     int          `json:"id"`
		Values []esiosValue `json:"values"`
	} `json:"indicator"`
	Values []esiosValue `json:"values"`
}

// Prices implements Source. A 404 means the date isn't published yet.
func (e *ESIOS) Prices(ctx context.Context, date time.Time) ([]types.RawPricePoint, error) {
	u, err := url.Parse(fmt.Sprintf("%s/indicators/%d", e.apiURL, e.indicator))
	if err != nil {
		return nil, fmt.Errorf("invalid esios url: %w", err)
	}
	day := date.In(types.Madrid).Format(time.DateOnly)
	q := u.Query()
	q.Set("start_date", day)
	q.Set("end_date", day)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json; application/vnd.esios-api-v1+json")
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("x-api-key", e.token)
	}

	log.Ctx(ctx).DebugContext(ctx, "fetching esios prices", slog.String("url", u.String()))
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch esios prices: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		log.Ctx(ctx).DebugContext(ctx, "esios prices not yet available", slog.String("date", day))
		return nil, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("esios rejected the api token: status %d", resp.StatusCode)
	default:
		return nil, fmt.Errorf("esios api returned status: %d", resp.StatusCode)
	}

	var res esiosResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode esios response: %w", err)
	}

	values := res.Indicator.Values
	if len(values) == 0 {
		values = res.Values
	}

	points := make([]types.RawPricePoint, 0, len(values))
	for _, v := range values {
		if e.geoID != 0 && v.GeoID != 0 && v.GeoID != e.geoID {
			continue
		}
		t, err := time.Parse(time.RFC3339, v.Datetime)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse esios datetime", slog.String("value", v.Datetime), slog.Any("error", err))
			continue
		}
		points = append(points, types.RawPricePoint{
			StartTime: t.In(types.Madrid),
			// €/MWh to €/kWh
			PricePerKWH: v.Value.Shift(-3),
		})
	}
	return points, nil
}
