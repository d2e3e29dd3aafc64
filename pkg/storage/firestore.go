package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/tarifa/pkg/billing"
	"github.com/raterudder/tarifa/pkg/log"
	"github.com/raterudder/tarifa/pkg/ratecache"
	"github.com/raterudder/tarifa/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collRates       = "rates"
	collEstimates   = "credit_estimates"
	collPrices      = "price_series"
	collConsumption = "consumption"
	collCredits     = "supplier_credits"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Every record is stored as a JSON blob under the configured
// entry so several installations can share a database.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	entryID   string
}

var _ Database = (*FirestoreProvider)(nil)

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	entryID := lflag.String("entry-id", "default", "Installation entry that all records are stored under")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.entryID = *entryID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.entryID == "" {
		return fmt.Errorf("entry-id is required")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) collection(name string) *firestore.CollectionRef {
	return f.client.Collection("entries").Doc(f.entryID).Collection(name)
}

func (f *FirestoreProvider) set(ctx context.Context, doc *firestore.DocumentRef, v any, extra map[string]any) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", doc.ID, err)
	}
	data := map[string]any{"json": string(jsonBytes)}
	for k, v := range extra {
		data[k] = v
	}
	if _, err := doc.Set(ctx, data); err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", doc.Parent.ID, doc.ID, err)
	}
	return nil
}

// decodeDoc unmarshals the json blob of a document into v.
func decodeDoc(ctx context.Context, doc *firestore.DocumentSnapshot, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("doc %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("doc %s 'json' field is not string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal doc (id=%s): %w", doc.Ref.ID, err)
	}
	return nil
}

// GetCachedRate retrieves the stored rates for kind from the "rates"
// collection.
func (f *FirestoreProvider) GetCachedRate(ctx context.Context, kind types.TariffKind) (types.CachedRate, error) {
	doc, err := f.collection(collRates).Doc(string(kind)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.CachedRate{}, ratecache.ErrNotStored
		}
		return types.CachedRate{}, fmt.Errorf("failed to fetch rate doc: %w", err)
	}
	var rate types.CachedRate
	if err := decodeDoc(ctx, doc, &rate); err != nil {
		return types.CachedRate{}, err
	}
	return rate, nil
}

// PutCachedRate saves rate keyed by its tariff kind.
func (f *FirestoreProvider) PutCachedRate(ctx context.Context, rate types.CachedRate) error {
	if !rate.Kind.Valid() {
		return fmt.Errorf("invalid tariff kind: %q", rate.Kind)
	}
	return f.set(ctx, f.collection(collRates).Doc(string(rate.Kind)), rate, map[string]any{
		"fetchedAt": rate.FetchedAt,
	})
}

// GetCreditEstimate retrieves the ledger record of period.
func (f *FirestoreProvider) GetCreditEstimate(ctx context.Context, period types.BillingPeriod) (types.CreditEstimate, error) {
	doc, err := f.collection(collEstimates).Doc(string(period)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.CreditEstimate{}, billing.ErrNotStored
		}
		return types.CreditEstimate{}, fmt.Errorf("failed to fetch credit estimate doc: %w", err)
	}
	var est types.CreditEstimate
	if err := decodeDoc(ctx, doc, &est); err != nil {
		return types.CreditEstimate{}, err
	}
	return est, nil
}

// PutCreditEstimate saves est keyed by its billing period.
func (f *FirestoreProvider) PutCreditEstimate(ctx context.Context, est types.CreditEstimate) error {
	if _, err := types.ParseBillingPeriod(string(est.Period)); err != nil {
		return err
	}
	return f.set(ctx, f.collection(collEstimates).Doc(string(est.Period)), est, map[string]any{
		"updatedAt": est.UpdatedAt,
	})
}

// ListCreditEstimates returns every ledger record ordered by period.
func (f *FirestoreProvider) ListCreditEstimates(ctx context.Context) ([]types.CreditEstimate, error) {
	iter := f.collection(collEstimates).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []types.CreditEstimate
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating credit estimates: %w", err)
		}
		var est types.CreditEstimate
		if err := decodeDoc(ctx, doc, &est); err != nil {
			return nil, err
		}
		out = append(out, est)
	}
	return out, nil
}

// UpsertPriceSeries saves the raw series of a day. The document ID is the
// local date so a later fetch for the same day replaces it.
func (f *FirestoreProvider) UpsertPriceSeries(ctx context.Context, series types.RawSeries) error {
	if series.Date.IsZero() {
		return fmt.Errorf("price series missing date")
	}
	return f.set(ctx, f.collection(collPrices).Doc(types.DateKey(series.Date)), series, map[string]any{
		"source":    series.Source,
		"fetchedAt": series.FetchedAt,
	})
}

// GetPriceSeries retrieves the raw series stored for the local date of date.
func (f *FirestoreProvider) GetPriceSeries(ctx context.Context, date time.Time) (types.RawSeries, error) {
	doc, err := f.collection(collPrices).Doc(types.DateKey(date)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.RawSeries{}, ErrPriceSeriesNotFound
		}
		return types.RawSeries{}, fmt.Errorf("failed to fetch price series doc: %w", err)
	}
	var series types.RawSeries
	if err := decodeDoc(ctx, doc, &series); err != nil {
		return types.RawSeries{}, err
	}
	return series, nil
}

// UpsertConsumption adds or updates samples in the "consumption" collection.
// The document ID is the UTC timestamp to the nanosecond, fixed width so
// range queries stay ordered.
func (f *FirestoreProvider) UpsertConsumption(ctx context.Context, samples []types.ConsumptionSample) error {
	coll := f.collection(collConsumption)
	for _, s := range samples {
		if s.Timestamp.IsZero() {
			return fmt.Errorf("consumption sample missing timestamp")
		}
		if err := f.set(ctx, coll.Doc(consumptionKey(s.Timestamp)), s, map[string]any{"timestamp": s.Timestamp}); err != nil {
			return err
		}
	}
	return nil
}

// GetConsumption retrieves samples within [start, end) using document ID
// range queries.
func (f *FirestoreProvider) GetConsumption(ctx context.Context, start, end time.Time) ([]types.ConsumptionSample, error) {
	coll := f.collection(collConsumption)
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(consumptionKey(start))).
		Where(firestore.DocumentID, "<", coll.Doc(consumptionKey(end))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []types.ConsumptionSample
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating consumption: %w", err)
		}
		var s types.ConsumptionSample
		if err := decodeDoc(ctx, doc, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// UpsertSupplierCredits adds or updates supplier credits keyed by their ID,
// escaped to a valid document ID.
func (f *FirestoreProvider) UpsertSupplierCredits(ctx context.Context, credits []types.SupplierCredit) error {
	coll := f.collection(collCredits)
	for _, c := range credits {
		if err := f.set(ctx, coll.Doc(docID(creditKey(c))), c, map[string]any{"createdAt": c.CreatedAt}); err != nil {
			return err
		}
	}
	return nil
}

// ListSupplierCredits returns every stored credit ordered by creation time.
func (f *FirestoreProvider) ListSupplierCredits(ctx context.Context) ([]types.SupplierCredit, error) {
	iter := f.collection(collCredits).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []types.SupplierCredit
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating supplier credits: %w", err)
		}
		var c types.SupplierCredit
		if err := decodeDoc(ctx, doc, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
