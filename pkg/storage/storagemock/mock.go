package storagemock

import (
	"context"
	"time"

	"github.com/raterudder/tarifa/pkg/storage"
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetCachedRate(ctx context.Context, kind types.TariffKind) (types.CachedRate, error) {
	args := m.Called(ctx, kind)
	if len(args) > 0 {
		return args.Get(0).(types.CachedRate), args.Error(1)
	}
	return types.CachedRate{}, nil
}

func (m *MockDatabase) PutCachedRate(ctx context.Context, rate types.CachedRate) error {
	args := m.Called(ctx, rate)
	return args.Error(0)
}

func (m *MockDatabase) GetCreditEstimate(ctx context.Context, period types.BillingPeriod) (types.CreditEstimate, error) {
	args := m.Called(ctx, period)
	if len(args) > 0 {
		return args.Get(0).(types.CreditEstimate), args.Error(1)
	}
	return types.CreditEstimate{}, nil
}

func (m *MockDatabase) PutCreditEstimate(ctx context.Context, estimate types.CreditEstimate) error {
	args := m.Called(ctx, estimate)
	return args.Error(0)
}

func (m *MockDatabase) ListCreditEstimates(ctx context.Context) ([]types.CreditEstimate, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		estimates, _ := args.Get(0).([]types.CreditEstimate)
		return estimates, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertPriceSeries(ctx context.Context, series types.RawSeries) error {
	args := m.Called(ctx, series)
	return args.Error(0)
}

func (m *MockDatabase) GetPriceSeries(ctx context.Context, date time.Time) (types.RawSeries, error) {
	args := m.Called(ctx, date)
	if len(args) > 0 {
		return args.Get(0).(types.RawSeries), args.Error(1)
	}
	return types.RawSeries{}, nil
}

func (m *MockDatabase) UpsertConsumption(ctx context.Context, samples []types.ConsumptionSample) error {
	args := m.Called(ctx, samples)
	return args.Error(0)
}

func (m *MockDatabase) GetConsumption(ctx context.Context, start, end time.Time) ([]types.ConsumptionSample, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		samples, _ := args.Get(0).([]types.ConsumptionSample)
		return samples, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertSupplierCredits(ctx context.Context, credits []types.SupplierCredit) error {
	args := m.Called(ctx, credits)
	return args.Error(0)
}

func (m *MockDatabase) ListSupplierCredits(ctx context.Context) ([]types.SupplierCredit, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		credits, _ := args.Get(0).([]types.SupplierCredit)
		return credits, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	if len(args) > 0 {
		return args.Error(0)
	}
	return nil
}
