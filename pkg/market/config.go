package market

import (
	"fmt"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/tarifa/pkg/common"
)

// Sources are the configured upstreams for prices and fixed rates.
type Sources struct {
	Sensor  *SensorSource
	ESIOS   *ESIOS
	Scraper *TariffPageScraper
}

// Configured sets up the market sources based on flags.
func Configured() *Sources {
	s := &Sources{}

	hostURL := lflag.String("host-api-url", "http://supervisor/core", "Base URL of the home automation host REST API")
	hostToken := lflag.String("host-api-token", "", "Bearer token for the host REST API")
	entity := lflag.String("pvpc-entity", "sensor.pvpc", "Entity exposing hourly market prices")
	esiosURL := lflag.String("esios-api-url", "https://api.esios.ree.es", "URL for the ESIOS API")
	esiosToken := lflag.String("esios-token", "", "ESIOS API token (optional)")
	esiosIndicator := lflag.String("esios-indicator", "1001", "ESIOS indicator id holding hourly prices")
	esiosGeoID := lflag.String("esios-geo-id", "8741", "ESIOS geography to keep, empty for all")
	tariffSiteURL := lflag.String("tariff-site-url", "https://octopusenergy.es", "Supplier site publishing fixed tariff rates")
	timeout := lflag.Duration("upstream-timeout", 15*time.Second, "Timeout for upstream HTTP requests")

	lflag.Do(func() {
		indicator, err := strconv.Atoi(*esiosIndicator)
		if err != nil {
			panic(fmt.Sprintf("invalid esios-indicator: %v", err))
		}
		var geoID int
		if *esiosGeoID != "" {
			if geoID, err = strconv.Atoi(*esiosGeoID); err != nil {
				panic(fmt.Sprintf("invalid esios-geo-id: %v", err))
			}
		}

		client := common.HTTPClient(*timeout)
		s.Sensor = NewSensorSource(*hostURL, *hostToken, *entity, client)
		s.ESIOS = NewESIOS(*esiosURL, *esiosToken, indicator, geoID, client)
		s.Scraper = NewTariffPageScraper(*tariffSiteURL, client)
	})

	return s
}

// Validate ensures every configured source is usable.
func (s *Sources) Validate() error {
	if err := s.Sensor.Validate(); err != nil {
		return err
	}
	return s.ESIOS.Validate()
}
