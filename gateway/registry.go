package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	x402 "github.com/tempo-x402/x402-go"
)

// Endpoint statuses. A deactivated row stays for bookkeeping; its slug is
// free for re-registration because the live-slug index ignores it.
const (
	StatusPending     = "pending"
	StatusActive      = "active"
	StatusDeactivated = "deactivated"
)

// Schema creates the endpoints table. The partial unique index is the
// heart of slug reservation: among non-deactivated rows a slug exists at
// most once, and the database enforces it no matter how many gateway
// processes race an INSERT.
const Schema = `
CREATE TABLE IF NOT EXISTS endpoints (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    slug             TEXT NOT NULL,
    owner_address    TEXT NOT NULL,
    target_url       TEXT NOT NULL,
    price_usd        TEXT NOT NULL,
    price_amount     TEXT NOT NULL,
    description      TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'pending',
    reservation_id   TEXT NOT NULL,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    request_count    INTEGER NOT NULL DEFAULT 0,
    payment_count    INTEGER NOT NULL DEFAULT 0,
    revenue_total    INTEGER NOT NULL DEFAULT 0,
    last_accessed_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_endpoints_slug_live
    ON endpoints (slug) WHERE status != 'deactivated';
CREATE UNIQUE INDEX IF NOT EXISTS idx_endpoints_reservation
    ON endpoints (reservation_id);
`

// Endpoint is a registered paid endpoint.
type Endpoint struct {
	Slug           string `json:"slug"`
	OwnerAddress   string `json:"ownerAddress"`
	TargetURL      string `json:"targetUrl"`
	PriceUSD       string `json:"priceUsd"`
	PriceAmount    string `json:"priceAmount"`
	Description    string `json:"description,omitempty"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
	RequestCount   int64  `json:"requestCount"`
	PaymentCount   int64  `json:"paymentCount"`
	RevenueTotal   string `json:"revenueTotal"`
	LastAccessedAt int64  `json:"lastAccessedAt,omitempty"`
}

// RegisterParams are the validated inputs of a reservation.
type RegisterParams struct {
	Slug         string
	OwnerAddress string
	TargetURL    string
	PriceUSD     string
	PriceAmount  string
	Description  string
}

// UpdateParams carry the owner-editable fields of an endpoint. Nil fields
// are left untouched.
type UpdateParams struct {
	TargetURL   *string
	PriceUSD    *string
	PriceAmount *string
	Description *string
}

// GlobalStats aggregates usage across all endpoints.
type GlobalStats struct {
	Endpoints    int64  `json:"endpoints"`
	RequestCount int64  `json:"requestCount"`
	PaymentCount int64  `json:"paymentCount"`
	RevenueTotal string `json:"revenueTotal"`
	RevenueUSD   string `json:"revenueUsd"`
}

// Registry is the SQL-backed endpoint store.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// NewRegistry wraps an open database handle.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// Migrate applies the endpoints schema.
func (r *Registry) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate registry: %w", err)
	}
	return nil
}

// ReserveSlug inserts a pending row for the slug and returns the
// reservation ID. Under concurrent registration of the same slug exactly
// one caller gets a reservation; the rest get slug_taken. Nothing is
// charged at this point.
func (r *Registry) ReserveSlug(ctx context.Context, params RegisterParams) (string, error) {
	reservationID := uuid.NewString()
	now := r.now().Unix()

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO endpoints
            (slug, owner_address, target_url, price_usd, price_amount,
             description, status, reservation_id, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		params.Slug, strings.ToLower(params.OwnerAddress), params.TargetURL,
		params.PriceUSD, params.PriceAmount, params.Description,
		StatusPending, reservationID, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", x402.NewPaymentError(x402.ErrCodeSlugTaken, "slug is already registered", nil)
		}
		return "", fmt.Errorf("failed to reserve slug: %w", err)
	}
	return reservationID, nil
}

// Activate flips a pending reservation to active, completing registration
// after its payment settled.
func (r *Registry) Activate(ctx context.Context, reservationID string) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE endpoints SET status = ?, updated_at = ?
        WHERE reservation_id = ? AND status = ?`,
		StatusActive, r.now().Unix(), reservationID, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to activate reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return x402.NewPaymentError(x402.ErrCodeEndpointNotFound, "reservation not found", nil)
	}
	return nil
}

// ReleaseReservation rolls back a pending reservation whose payment did
// not settle, freeing the slug immediately.
func (r *Registry) ReleaseReservation(ctx context.Context, reservationID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM endpoints WHERE reservation_id = ? AND status = ?`,
		reservationID, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// PurgeStaleReservations drops pending rows older than the cutoff. Covers
// the crash window between reserve and activate-or-release.
func (r *Registry) PurgeStaleReservations(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM endpoints WHERE status = ? AND created_at < ?`,
		StatusPending, cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge reservations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const endpointColumns = `
    slug, owner_address, target_url, price_usd, price_amount, description,
    status, created_at, updated_at, request_count, payment_count,
    revenue_total, COALESCE(last_accessed_at, 0)`

func scanEndpoint(row interface{ Scan(...interface{}) error }) (*Endpoint, error) {
	var ep Endpoint
	var revenue int64
	err := row.Scan(
		&ep.Slug, &ep.OwnerAddress, &ep.TargetURL, &ep.PriceUSD,
		&ep.PriceAmount, &ep.Description, &ep.Status, &ep.CreatedAt,
		&ep.UpdatedAt, &ep.RequestCount, &ep.PaymentCount,
		&revenue, &ep.LastAccessedAt,
	)
	if err != nil {
		return nil, err
	}
	ep.RevenueTotal = strconv.FormatInt(revenue, 10)
	return &ep, nil
}

// Get returns the active endpoint for the slug.
func (r *Registry) Get(ctx context.Context, slug string) (*Endpoint, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE slug = ? AND status = ?`,
		slug, StatusActive,
	)
	ep, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return nil, x402.NewPaymentError(x402.ErrCodeEndpointNotFound, "endpoint not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoint: %w", err)
	}
	return ep, nil
}

// List returns active endpoints, newest first.
func (r *Registry) List(ctx context.Context, limit, offset int) ([]*Endpoint, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE status = ?
         ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		StatusActive, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

// Owner returns the owner address of the active endpoint. Used to reject
// non-owner mutations before any payment is taken from them.
func (r *Registry) Owner(ctx context.Context, slug string) (string, error) {
	var owner string
	err := r.db.QueryRowContext(ctx,
		`SELECT owner_address FROM endpoints WHERE slug = ? AND status = ?`,
		slug, StatusActive,
	).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", x402.NewPaymentError(x402.ErrCodeEndpointNotFound, "endpoint not found", nil)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load endpoint owner: %w", err)
	}
	return owner, nil
}

// Update applies owner-editable fields. The owner must match the stored
// owner address; callers are expected to have proven control of it.
func (r *Registry) Update(ctx context.Context, slug, owner string, params UpdateParams) (*Endpoint, error) {
	storedOwner, err := r.Owner(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(storedOwner, owner) {
		return nil, x402.NewPaymentError(x402.ErrCodeUnauthorized, "caller does not own this endpoint", nil)
	}

	sets := []string{"updated_at = ?"}
	args := []interface{}{r.now().Unix()}
	if params.TargetURL != nil {
		sets = append(sets, "target_url = ?")
		args = append(args, *params.TargetURL)
	}
	if params.PriceUSD != nil {
		sets = append(sets, "price_usd = ?")
		args = append(args, *params.PriceUSD)
	}
	if params.PriceAmount != nil {
		sets = append(sets, "price_amount = ?")
		args = append(args, *params.PriceAmount)
	}
	if params.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *params.Description)
	}
	args = append(args, slug, StatusActive)

	_, err = r.db.ExecContext(ctx,
		`UPDATE endpoints SET `+strings.Join(sets, ", ")+` WHERE slug = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update endpoint: %w", err)
	}
	return r.Get(ctx, slug)
}

// Deactivate soft-deletes the endpoint. The row and its stats remain; the
// slug becomes available for a fresh registration.
func (r *Registry) Deactivate(ctx context.Context, slug, owner string) error {
	storedOwner, err := r.Owner(ctx, slug)
	if err != nil {
		return err
	}
	if !strings.EqualFold(storedOwner, owner) {
		return x402.NewPaymentError(x402.ErrCodeUnauthorized, "caller does not own this endpoint", nil)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE endpoints SET status = ?, updated_at = ? WHERE slug = ? AND status = ?`,
		StatusDeactivated, r.now().Unix(), slug, StatusActive,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate endpoint: %w", err)
	}
	return nil
}

// RecordSettledCall bumps the endpoint's usage counters after a settled,
// forwarded call. A single UPDATE so concurrent settlements never lose
// increments.
func (r *Registry) RecordSettledCall(ctx context.Context, slug, amount string) error {
	value, err := strconv.ParseInt(amount, 10, 64)
	if err != nil || value < 0 {
		return fmt.Errorf("invalid settled amount: %s", amount)
	}

	_, err = r.db.ExecContext(ctx, `
        UPDATE endpoints SET
            request_count = request_count + 1,
            payment_count = payment_count + 1,
            revenue_total = revenue_total + ?,
            last_accessed_at = ?
        WHERE slug = ? AND status = ?`,
		value, r.now().Unix(), slug, StatusActive,
	)
	if err != nil {
		return fmt.Errorf("failed to record settled call: %w", err)
	}
	return nil
}

// Stats returns the usage counters of one endpoint.
func (r *Registry) Stats(ctx context.Context, slug string) (*Endpoint, error) {
	return r.Get(ctx, slug)
}

// TotalStats aggregates usage across active endpoints. Revenue is summed
// in smallest units and formatted to USD with integer math.
func (r *Registry) TotalStats(ctx context.Context) (*GlobalStats, error) {
	var stats GlobalStats
	var revenue int64
	err := r.db.QueryRowContext(ctx, `
        SELECT COUNT(*),
               COALESCE(SUM(request_count), 0),
               COALESCE(SUM(payment_count), 0),
               COALESCE(SUM(revenue_total), 0)
        FROM endpoints WHERE status = ?`,
		StatusActive,
	).Scan(&stats.Endpoints, &stats.RequestCount, &stats.PaymentCount, &revenue)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}

	stats.RevenueTotal = strconv.FormatInt(revenue, 10)
	usd, err := x402.FormatUSD(stats.RevenueTotal, x402.TokenDecimals)
	if err != nil {
		return nil, err
	}
	stats.RevenueUSD = usd
	return &stats, nil
}

// isUniqueViolation detects a unique-constraint failure without binding to
// a single driver's error type.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}
