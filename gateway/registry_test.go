package gateway

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	x402 "github.com/tempo-x402/x402-go"
)

const testOwner = "0x1111111111111111111111111111111111111111"

func openRegistry(t *testing.T) *Registry {
	t.Helper()

	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/gateway.db")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	r := NewRegistry(db)
	require.NoError(t, r.Migrate(context.Background()))
	return r
}

func testParams(slug string) RegisterParams {
	return RegisterParams{
		Slug:         slug,
		OwnerAddress: testOwner,
		TargetURL:    "https://api.example.com/v1",
		PriceUSD:     "$0.01",
		PriceAmount:  "10000",
		Description:  "test endpoint",
	}
}

func register(t *testing.T, r *Registry, slug string) {
	t.Helper()
	id, err := r.ReserveSlug(context.Background(), testParams(slug))
	require.NoError(t, err)
	require.NoError(t, r.Activate(context.Background(), id))
}

func TestRegistryReserveActivate(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	id, err := r.ReserveSlug(ctx, testParams("weather"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Pending reservations are invisible to lookups.
	_, err = r.Get(ctx, "weather")
	require.Error(t, err)

	require.NoError(t, r.Activate(ctx, id))

	ep, err := r.Get(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, "weather", ep.Slug)
	assert.Equal(t, testOwner, ep.OwnerAddress)
	assert.Equal(t, StatusActive, ep.Status)
	assert.Equal(t, "10000", ep.PriceAmount)
}

func TestRegistrySlugTaken(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	_, err := r.ReserveSlug(ctx, testParams("weather"))
	require.NoError(t, err)

	// A second reservation loses even before the first activates.
	_, err = r.ReserveSlug(ctx, testParams("weather"))
	require.Error(t, err)
	var paymentErr *x402.PaymentError
	require.ErrorAs(t, err, &paymentErr)
	assert.Equal(t, x402.ErrCodeSlugTaken, paymentErr.Code)
}

func TestRegistryConcurrentReservations(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.ReserveSlug(ctx, testParams("contested")); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one reservation must win")
}

func TestRegistryReleaseReservation(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	id, err := r.ReserveSlug(ctx, testParams("weather"))
	require.NoError(t, err)

	// Payment failed: roll back, the slug frees up immediately.
	require.NoError(t, r.ReleaseReservation(ctx, id))

	id2, err := r.ReserveSlug(ctx, testParams("weather"))
	require.NoError(t, err)
	require.NoError(t, r.Activate(ctx, id2))

	// Releasing an activated endpoint is a no-op.
	require.NoError(t, r.ReleaseReservation(ctx, id2))
	_, err = r.Get(ctx, "weather")
	assert.NoError(t, err)
}

func TestRegistryActivateUnknownReservation(t *testing.T) {
	r := openRegistry(t)
	err := r.Activate(context.Background(), "no-such-reservation")
	require.Error(t, err)
}

func TestRegistryPurgeStaleReservations(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	r.now = func() time.Time { return time.Now().Add(-time.Hour) }
	_, err := r.ReserveSlug(ctx, testParams("stale"))
	require.NoError(t, err)

	r.now = time.Now
	id, err := r.ReserveSlug(ctx, testParams("fresh"))
	require.NoError(t, err)

	purged, err := r.PurgeStaleReservations(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	// The fresh reservation still activates.
	assert.NoError(t, r.Activate(ctx, id))
}

func TestRegistrySlugReuseAfterDeactivation(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	register(t, r, "weather")
	require.NoError(t, r.Deactivate(ctx, "weather", testOwner))

	_, err := r.Get(ctx, "weather")
	require.Error(t, err, "deactivated endpoint must not resolve")

	// The slug is free again; the old row keeps its history.
	register(t, r, "weather")
	ep, err := r.Get(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, ep.Status)
}

func TestRegistryOwnerChecks(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()
	register(t, r, "weather")

	other := "0x9999999999999999999999999999999999999999"

	t.Run("update by non-owner", func(t *testing.T) {
		desc := "hijacked"
		_, err := r.Update(ctx, "weather", other, UpdateParams{Description: &desc})
		var paymentErr *x402.PaymentError
		require.ErrorAs(t, err, &paymentErr)
		assert.Equal(t, x402.ErrCodeUnauthorized, paymentErr.Code)
	})

	t.Run("deactivate by non-owner", func(t *testing.T) {
		err := r.Deactivate(ctx, "weather", other)
		var paymentErr *x402.PaymentError
		require.ErrorAs(t, err, &paymentErr)
		assert.Equal(t, x402.ErrCodeUnauthorized, paymentErr.Code)
	})

	t.Run("owner address match is case-insensitive", func(t *testing.T) {
		desc := "updated"
		ep, err := r.Update(ctx, "weather", "0X1111111111111111111111111111111111111111", UpdateParams{Description: &desc})
		require.NoError(t, err)
		assert.Equal(t, "updated", ep.Description)
	})
}

func TestRegistryUpdateFields(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()
	register(t, r, "weather")

	target := "https://api2.example.com/v2"
	priceUSD := "$0.05"
	priceAmount := "50000"
	ep, err := r.Update(ctx, "weather", testOwner, UpdateParams{
		TargetURL:   &target,
		PriceUSD:    &priceUSD,
		PriceAmount: &priceAmount,
	})
	require.NoError(t, err)
	assert.Equal(t, target, ep.TargetURL)
	assert.Equal(t, "$0.05", ep.PriceUSD)
	assert.Equal(t, "50000", ep.PriceAmount)
	assert.Equal(t, "test endpoint", ep.Description, "untouched fields stay")
}

func TestRegistryList(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	register(t, r, "alpha")
	register(t, r, "beta")
	id, err := r.ReserveSlug(ctx, testParams("pending-one"))
	require.NoError(t, err)
	_ = id

	eps, err := r.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, eps, 2, "pending rows are not listed")
}

func TestRegistryRecordSettledCall(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()
	register(t, r, "weather")

	require.NoError(t, r.RecordSettledCall(ctx, "weather", "10000"))
	require.NoError(t, r.RecordSettledCall(ctx, "weather", "10000"))

	ep, err := r.Stats(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ep.RequestCount)
	assert.Equal(t, int64(2), ep.PaymentCount)
	assert.Equal(t, "20000", ep.RevenueTotal)
	assert.NotZero(t, ep.LastAccessedAt)

	assert.Error(t, r.RecordSettledCall(ctx, "weather", "-5"))
	assert.Error(t, r.RecordSettledCall(ctx, "weather", "1.5"))
}

func TestRegistryTotalStats(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()

	register(t, r, "alpha")
	register(t, r, "beta")
	require.NoError(t, r.RecordSettledCall(ctx, "alpha", "10000"))
	require.NoError(t, r.RecordSettledCall(ctx, "beta", "1500000"))

	stats, err := r.TotalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Endpoints)
	assert.Equal(t, int64(2), stats.RequestCount)
	assert.Equal(t, int64(2), stats.PaymentCount)
	assert.Equal(t, "1510000", stats.RevenueTotal)
	assert.Equal(t, "$1.51", stats.RevenueUSD)
}

func TestRegistryDatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewRegistry(db)
	ctx := context.Background()

	t.Run("reserve surfaces non-constraint errors", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO endpoints").
			WillReturnError(errors.New("disk I/O error"))

		_, err := r.ReserveSlug(ctx, testParams("weather"))
		require.Error(t, err)
		var paymentErr *x402.PaymentError
		assert.False(t, errors.As(err, &paymentErr))
	})

	t.Run("record settled call surfaces errors", func(t *testing.T) {
		mock.ExpectExec("UPDATE endpoints").
			WillReturnError(errors.New("database is locked"))

		err := r.RecordSettledCall(ctx, "weather", "10000")
		assert.Error(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
