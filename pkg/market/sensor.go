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

// SensorSource reads hourly prices from a pricing entity exposed by the home
// automation host's REST API.
type SensorSource struct {
	apiURL string
	token  string
	entity string
	client *http.Client
	now    func() time.Time
}

// NewSensorSource returns a source reading entity from the host at apiURL.
func NewSensorSource(apiURL, token, entity string, client *http.Client) *SensorSource {
	return &SensorSource{
		apiURL: strings.TrimSuffix(apiURL, "/"),
		token:  token,
		entity: entity,
		client: client,
		now:    time.Now,
	}
}

// Name implements Source.
func (s *SensorSource) Name() string {
	return "sensor"
}

// Validate ensures the configuration is valid.
func (s *SensorSource) Validate() error {
	if s.apiURL == "" {
		return fmt.Errorf("host-api-url is required")
	}
	if _, err := url.Parse(s.apiURL); err != nil {
		return fmt.Errorf("failed to parse host api url (%s): %w", s.apiURL, err)
	}
	if s.entity == "" {
		return fmt.Errorf("pvpc-entity is required")
	}
	return nil
}

type entityState struct {
	EntityID   string                     `json:"entity_id"`
	State      string                     `json:"state"`
	Attributes map[string]json.RawMessage `json:"attributes"`
}

type sensorDataPoint struct {
	Start       string           `json:"start"`
	StartTime   string           `json:"start_time"`
	Price       *decimal.Decimal `json:"price"`
	PricePerKWH *decimal.Decimal `json:"price_per_kwh"`
}

// Prices implements Source. The entity either carries a data array of
// {start, price} objects or flattened price_00h..price_23h attributes for
// today and price_next_day_00h.. for tomorrow.
func (s *SensorSource) Prices(ctx context.Context, date time.Time) ([]types.RawPricePoint, error) {
	u := fmt.Sprintf("%s/api/states/%s", s.apiURL, url.PathEscape(s.entity))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	req.Header.Set("Accept", "application/json")

	log.Ctx(ctx).DebugContext(ctx, "fetching pricing entity", slog.String("entity", s.entity))
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entity %s: %w", s.entity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("entity %s not found", s.entity)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("host api returned status: %d", resp.StatusCode)
	}

	var state entityState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode entity state: %w", err)
	}

	if raw, ok := state.Attributes["data"]; ok {
		var data []sensorDataPoint
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("failed to decode data attribute: %w", err)
		}
		if len(data) > 0 {
			return parseDataArray(ctx, data), nil
		}
	}

	today := types.StartOfDay(s.now())
	points := parseHourAttributes(ctx, state.Attributes, today, "price_", "Price ")
	points = append(points, parseHourAttributes(ctx, state.Attributes, today.AddDate(0, 0, 1), "price_next_day_", "Price next day ")...)
	return points, nil
}

func parseDataArray(ctx context.Context, data []sensorDataPoint) []types.RawPricePoint {
	points := make([]types.RawPricePoint, 0, len(data))
	for _, d := range data {
		start := d.Start
		if start == "" {
			start = d.StartTime
		}
		price := d.Price
		if price == nil {
			price = d.PricePerKWH
		}
		if start == "" || price == nil {
			continue
		}
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse sensor start time", slog.String("value", start), slog.Any("error", err))
			continue
		}
		points = append(points, types.RawPricePoint{StartTime: t.In(types.Madrid), PricePerKWH: *price})
	}
	return points
}

func parseHourAttributes(ctx context.Context, attrs map[string]json.RawMessage, day time.Time, prefixes ...string) []types.RawPricePoint {
	var points []types.RawPricePoint
	for h := 0; h < 24; h++ {
		var raw json.RawMessage
		for _, prefix := range prefixes {
			if v, ok := attrs[fmt.Sprintf("%s%02dh", prefix, h)]; ok {
				raw = v
				break
			}
		}
		if raw == nil {
			continue
		}
		var price decimal.Decimal
		if err := json.Unmarshal(raw, &price); err != nil {
			log.Ctx(ctx).DebugContext(ctx, "invalid hourly price attribute", slog.Int("hour", h), slog.Any("error", err))
			continue
		}
		t := time.Date(day.Year(), day.Month(), day.Day(), h, 0, 0, 0, types.Madrid)
		// the skipped spring hour normalizes into the next one
		if t.Hour() != h {
			continue
		}
		points = append(points, types.RawPricePoint{StartTime: t, PricePerKWH: price})
	}
	return points
}
