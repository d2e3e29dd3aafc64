package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/raterudder/tarifa/pkg/engine"
	"github.com/raterudder/tarifa/pkg/log"
	"github.com/raterudder/tarifa/pkg/market"
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 4 << 20

type refreshPricesResponse struct {
	types.PriceSeries
	// Error explains why the series is pending or stale.
	Error string `json:"error,omitempty"`
}

// handleRefreshPrices fetches and resolves the series of ?day=today|tomorrow.
// Missing data is not a server failure: the pending series is returned with
// the reason.
func (s *Server) handleRefreshPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	day, err := market.ParseDay(r.URL.Query().Get("day"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	series, err := s.engine.RefreshPrices(ctx, day)
	resp := refreshPricesResponse{PriceSeries: series}
	if err != nil {
		if !errors.Is(err, types.ErrDataUnavailable) {
			log.Ctx(ctx).ErrorContext(ctx, "failed to refresh prices", slog.String("day", string(day)), slog.Any("error", err))
			writeJSONError(w, "failed to refresh prices", http.StatusInternalServerError)
			return
		}
		resp.Error = err.Error()
	}
	writeJSON(w, resp, http.StatusOK)
}

func (s *Server) handleRefreshConsumption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var samples []types.ConsumptionSample
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&samples); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.UpdateConsumption(ctx, samples); err != nil {
		if errors.Is(err, engine.ErrInvalidInput) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to update consumption", slog.Any("error", err))
		writeJSONError(w, "failed to update consumption", http.StatusInternalServerError)
		return
	}
	reports, err := s.engine.Consumption()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to report consumption", slog.Any("error", err))
		writeJSONError(w, "failed to report consumption", http.StatusInternalServerError)
		return
	}
	writeJSON(w, reports, http.StatusOK)
}

type refreshCreditsResponse struct {
	engine.CreditsResult
	Error string `json:"error,omitempty"`
}

func (s *Server) handleRefreshCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var update engine.CreditsUpdate
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&update); err != nil {
			writeJSONError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if update.EstimatePeriod != "" {
		if _, err := types.ParseBillingPeriod(string(update.EstimatePeriod)); err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	for _, actual := range update.Actuals {
		if _, err := types.ParseBillingPeriod(string(actual.Period)); err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	res, err := s.engine.RefreshCredits(ctx, update)
	resp := refreshCreditsResponse{CreditsResult: res}
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		code = http.StatusInternalServerError
	}
	writeJSON(w, resp, code)
}

type addRatesRequest struct {
	Kind  types.TariffKind           `json:"kind"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (s *Server) handleAddRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req addRatesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = s.engine.Config().Kind
	}
	if err := s.engine.AddRates(ctx, req.Kind, req.Rates); err != nil {
		if errors.Is(err, engine.ErrInvalidInput) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to add rates", slog.Any("error", err))
		writeJSONError(w, "failed to add rates", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.engine.Rates(), http.StatusOK)
}

func (s *Server) handleGetRates(w http.ResponseWriter, r *http.Request) {
	rates := s.engine.Rates()
	if rates == nil {
		rates = []types.CachedRate{}
	}
	writeJSON(w, rates, http.StatusOK)
}

func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Prices(), http.StatusOK)
}

func (s *Server) handleGetConsumption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reports, err := s.engine.Consumption()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to report consumption", slog.Any("error", err))
		writeJSONError(w, "failed to report consumption", http.StatusInternalServerError)
		return
	}
	writeJSON(w, reports, http.StatusOK)
}

func (s *Server) handleGetCosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	costs, err := s.engine.Costs()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to compute costs", slog.Any("error", err))
		writeJSONError(w, "failed to compute costs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, costs, http.StatusOK)
}

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := s.engine.Credits(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list credits", slog.Any("error", err))
		writeJSONError(w, "failed to list credits", http.StatusInternalServerError)
		return
	}
	writeJSON(w, view, http.StatusOK)
}

// handleGetInvoice estimates the invoice following the one given by
// ?lastStart=2006-01-02&lastEnd=2006-01-02. ?exportedKWH is optional.
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	last, err := types.ParseInvoicePeriod(q.Get("lastStart"), q.Get("lastEnd"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := engine.InvoiceRequest{LastInvoice: last}
	if v := q.Get("exportedKWH"); v != "" {
		if req.ExportedKWH, err = decimal.NewFromString(v); err != nil {
			writeJSONError(w, "invalid exportedKWH", http.StatusBadRequest)
			return
		}
	}

	est, err := s.engine.Invoice(ctx, req)
	switch {
	case err == nil:
		writeJSON(w, est, http.StatusOK)
	case errors.Is(err, engine.ErrInvalidInput):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, types.ErrDataUnavailable), errors.Is(err, types.ErrPriceUnavailable):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	default:
		log.Ctx(ctx).ErrorContext(ctx, "failed to estimate invoice", slog.Any("error", err))
		writeJSONError(w, "failed to estimate invoice", http.StatusInternalServerError)
	}
}
