package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestESIOS(t *testing.T) {
	date := local(2024, time.June, 12, 0)

	t.Run("indicator values", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/indicators/1001", r.URL.Path)
			assert.Equal(t, "2024-06-12", r.URL.Query().Get("start_date"))
			assert.Equal(t, "2024-06-12", r.URL.Query().Get("end_date"))
			assert.Equal(t, "token", r.Header.Get("x-api-key"))
			_, _ = w.Write([]byte(`{"indicator": {"id": 1001, "values": [
				{"value": 123.45, "datetime": "2024-06-12T00:00:00.000+02:00", "geo_id": 8741},
				{"value": 999, "datetime": "2024-06-12T00:00:00.000+02:00", "geo_id": 8742},
				{"value": 100, "datetime": "2024-06-12T01:00:00.000+02:00", "geo_id": 8741}
			]}}`))
		}))
		defer ts.Close()

		e := NewESIOS(ts.URL, "token", 1001, 8741, ts.Client())
		points, err := e.Prices(context.Background(), date)
		require.NoError(t, err)
		require.Len(t, points, 2)
		assert.True(t, date.Equal(points[0].StartTime))
		assert.True(t, decimal.RequireFromString("0.12345").Equal(points[0].PricePerKWH))
		assert.True(t, decimal.RequireFromString("0.1").Equal(points[1].PricePerKWH))
	})

	t.Run("top level values", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get("x-api-key"))
			_, _ = w.Write([]byte(`{"values": [{"value": 50, "datetime": "2024-06-11T22:00:00Z"}]}`))
		}))
		defer ts.Close()

		e := NewESIOS(ts.URL, "", 1001, 0, ts.Client())
		points, err := e.Prices(context.Background(), date)
		require.NoError(t, err)
		require.Len(t, points, 1)
		assert.True(t, date.Equal(points[0].StartTime))
		assert.True(t, decimal.RequireFromString("0.05").Equal(points[0].PricePerKWH))
	})

	t.Run("not published", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		defer ts.Close()

		points, err := NewESIOS(ts.URL, "", 1001, 0, ts.Client()).Prices(context.Background(), date)
		require.NoError(t, err)
		assert.Empty(t, points)
	})

	t.Run("rejected token", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer ts.Close()

		_, err := NewESIOS(ts.URL, "bad", 1001, 0, ts.Client()).Prices(context.Background(), date)
		assert.ErrorContains(t, err, "token")
	})

	t.Run("validate", func(t *testing.T) {
		assert.Error(t, NewESIOS("", "", 1001, 0, nil).Validate())
		assert.Error(t, NewESIOS("http://esios", "", 0, 0, nil).Validate())
		assert.NoError(t, NewESIOS("http://esios", "", 1001, 0, nil).Validate())
	})
}
