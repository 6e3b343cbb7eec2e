package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hooksmith/hooksmith/internal/domain"
)

const subscriptionColumns = `id, target_class, events, endpoint_url, kind, watched_properties,
	secret_key, verify_hmac, require_timestamp, source_cidr, status, trigger_count,
	last_triggered_at, last_error_message, last_error_code, last_error_at,
	created_at, updated_at, archived_at, deleted_at`

// ListFilter narrows ListSubscriptions. Zero values mean "no constraint".
// Deleted rows are excluded unless IncludeDeleted is set.
type ListFilter struct {
	Status         string
	TargetClass    string
	Kind           string
	HasErrors      bool
	CreatedAfter   *time.Time
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// FleetCounts are the aggregates the health evaluator works from.
type FleetCounts struct {
	Total         int   `json:"total"`
	Active        int   `json:"active"`
	Inactive      int   `json:"inactive"`
	WithErrors    int   `json:"with_errors"`
	Stale         int   `json:"stale"`
	TotalTriggers int64 `json:"total_triggers"`
}

// DailyActivity is one day of subscription activity for trend analytics.
type DailyActivity struct {
	Day       time.Time `json:"day"`
	Created   int       `json:"created"`
	Triggered int       `json:"triggered"`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var (
		sub          domain.Subscription
		errMsg       *string
		errCode      *string
		errAt        *time.Time
	)
	err := row.Scan(
		&sub.ID, &sub.TargetClass, &sub.Events, &sub.EndpointURL, &sub.Kind,
		&sub.WatchedProperties, &sub.SecretKey, &sub.VerifyHMAC, &sub.RequireTimestamp,
		&sub.SourceCIDR, &sub.Status, &sub.TriggerCount, &sub.LastTriggeredAt,
		&errMsg, &errCode, &errAt, &sub.CreatedAt, &sub.UpdatedAt,
		&sub.ArchivedAt, &sub.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if errMsg != nil && errAt != nil {
		code := ""
		if errCode != nil {
			code = *errCode
		}
		sub.LastError = &domain.DeliveryError{Message: *errMsg, Code: code, OccurredAt: *errAt}
	}
	return &sub, nil
}

// Subscribe inserts a subscription, or updates the existing one in place if
// a non-deleted row already holds the same (endpoint_url, kind). The update
// preserves id, created_at and secret_key, reactivates the row and clears
// the last error — the idempotency contract for workflow-node re-activation.
// The partial unique index makes this atomic under concurrent subscribes.
func (s *PostgresStore) Subscribe(ctx context.Context, req domain.SubscribeRequest) (*domain.Subscription, error) {
	secretKey, err := generateSecretKey()
	if err != nil {
		return nil, fmt.Errorf("generating secret key: %w", err)
	}

	kind := req.Kind
	if kind == "" {
		kind = domain.KindModel
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (id, target_class, events, endpoint_url, kind,
			watched_properties, secret_key, verify_hmac, require_timestamp, source_cidr, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'active')
		ON CONFLICT (endpoint_url, kind) WHERE status <> 'deleted' DO UPDATE SET
			target_class = EXCLUDED.target_class,
			events = EXCLUDED.events,
			watched_properties = EXCLUDED.watched_properties,
			verify_hmac = EXCLUDED.verify_hmac,
			require_timestamp = EXCLUDED.require_timestamp,
			source_cidr = EXCLUDED.source_cidr,
			status = 'active',
			archived_at = NULL,
			last_error_message = NULL,
			last_error_code = NULL,
			last_error_at = NULL,
			updated_at = NOW()
		RETURNING `+subscriptionColumns,
		uuid.NewString(), req.TargetClass, req.Events, req.EndpointURL, kind,
		req.WatchedProperties, secretKey, req.VerifyHMAC, req.RequireTimestamp, req.SourceCIDR,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("upserting subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription returns the subscription or nil when the id is unknown.
func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return sub, nil
}

// FindByEndpoint returns the non-deleted subscription for an endpoint within
// a kind namespace, or nil.
func (s *PostgresStore) FindByEndpoint(ctx context.Context, endpointURL, kind string) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE endpoint_url = $1 AND kind = $2 AND status <> 'deleted'
	`, endpointURL, kind)
	sub, err := scanSubscription(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscription by endpoint: %w", err)
	}
	return sub, nil
}

// UpdateSubscription applies partial updates, returning nil if the id is
// unknown or deleted.
func (s *PostgresStore) UpdateSubscription(ctx context.Context, id string, req domain.UpdateRequest) (*domain.Subscription, error) {
	setClauses := []string{}
	args := []any{}
	argIdx := 1

	add := func(clause string, val any) {
		setClauses = append(setClauses, fmt.Sprintf(clause, argIdx))
		args = append(args, val)
		argIdx++
	}

	if req.TargetClass != nil {
		add("target_class = $%d", *req.TargetClass)
	}
	if req.Events != nil {
		add("events = $%d", *req.Events)
	}
	if req.EndpointURL != nil {
		add("endpoint_url = $%d", *req.EndpointURL)
	}
	if req.WatchedProperties != nil {
		add("watched_properties = $%d", *req.WatchedProperties)
	}
	if req.VerifyHMAC != nil {
		add("verify_hmac = $%d", *req.VerifyHMAC)
	}
	if req.RequireTimestamp != nil {
		add("require_timestamp = $%d", *req.RequireTimestamp)
	}
	if req.SourceCIDR != nil {
		add("source_cidr = $%d", *req.SourceCIDR)
	}
	if req.Status != nil {
		add("status = $%d", *req.Status)
		if *req.Status == domain.StatusArchived {
			setClauses = append(setClauses, "archived_at = NOW()")
		}
	}

	if len(setClauses) == 0 {
		return s.GetSubscription(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = NOW()")

	query := fmt.Sprintf(`
		UPDATE subscriptions SET %s
		WHERE id = $%d AND status <> 'deleted'
		RETURNING `+subscriptionColumns,
		strings.Join(setClauses, ", "), argIdx)
	args = append(args, id)

	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicateEndpoint
		}
		return nil, fmt.Errorf("updating subscription: %w", err)
	}
	return sub, nil
}

// SoftDelete marks a subscription deleted, retaining the row for audit.
func (s *PostgresStore) SoftDelete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET status = 'deleted', deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status <> 'deleted'
	`, id)
	if err != nil {
		return fmt.Errorf("soft-deleting subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// HardDelete removes the row permanently.
func (s *PostgresStore) HardDelete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("hard-deleting subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Archive soft-disables a subscription and stamps the archival time.
func (s *PostgresStore) Archive(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET status = 'archived', archived_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status <> 'deleted'
	`, id)
	if err != nil {
		return fmt.Errorf("archiving subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetStatus transitions a subscription to the given status.
func (s *PostgresStore) SetStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status <> 'deleted'
	`, id, status)
	if err != nil {
		return fmt.Errorf("setting subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListSubscriptions returns subscriptions matching the filter, newest first.
func (s *PostgresStore) ListSubscriptions(ctx context.Context, f ListFilter) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	conditions := []string{}
	args := []any{}
	argIdx := 1

	if !f.IncludeDeleted {
		conditions = append(conditions, "status <> 'deleted'")
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, f.Status)
		argIdx++
	}
	if f.TargetClass != "" {
		conditions = append(conditions, fmt.Sprintf("target_class = $%d", argIdx))
		args = append(args, f.TargetClass)
		argIdx++
	}
	if f.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argIdx))
		args = append(args, f.Kind)
		argIdx++
	}
	if f.HasErrors {
		conditions = append(conditions, "last_error_at IS NOT NULL")
	}
	if f.CreatedAfter != nil {
		conditions = append(conditions, fmt.Sprintf("created_at > $%d", argIdx))
		args = append(args, *f.CreatedAfter)
		argIdx++
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	return s.querySubscriptions(ctx, query, args...)
}

// ForModelEvent returns active subscriptions watching the exact target class
// whose event set contains the given event kind.
func (s *PostgresStore) ForModelEvent(ctx context.Context, targetClass, event, kind string) ([]domain.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'active' AND target_class = $1 AND kind = $2 AND events @> ARRAY[$3]::text[]
		ORDER BY created_at
	`, targetClass, kind, event)
}

// Stale returns non-deleted subscriptions whose most recent successful
// delivery (or creation, if never delivered) is older than the threshold.
// This is the single staleness definition used everywhere.
func (s *PostgresStore) Stale(ctx context.Context, hours int) ([]domain.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status <> 'deleted' AND (
			(last_triggered_at IS NULL AND created_at < NOW() - ($1 || ' hours')::interval)
			OR last_triggered_at < NOW() - ($1 || ' hours')::interval
		)
		ORDER BY created_at DESC
	`, hours)
}

// WithErrors returns non-deleted subscriptions carrying a last delivery error.
func (s *PostgresStore) WithErrors(ctx context.Context) ([]domain.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status <> 'deleted' AND last_error_at IS NOT NULL
		ORDER BY last_error_at DESC
	`)
}

// InactiveOlderThan returns inactive/archived subscriptions last touched
// before the cutoff. Cleanup predicate.
func (s *PostgresStore) InactiveOlderThan(ctx context.Context, days int) ([]domain.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN ('inactive', 'archived') AND updated_at < NOW() - ($1 || ' days')::interval
		ORDER BY updated_at
	`, days)
}

// ErrorOlderThan returns subscriptions whose last delivery error is older
// than the cutoff. Cleanup predicate.
func (s *PostgresStore) ErrorOlderThan(ctx context.Context, days int) ([]domain.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status <> 'deleted' AND last_error_at IS NOT NULL
			AND last_error_at < NOW() - ($1 || ' days')::interval
		ORDER BY last_error_at
	`, days)
}

// NeverTriggeredOlderThan returns subscriptions created before the cutoff
// that have never delivered successfully. Cleanup predicate.
func (s *PostgresStore) NeverTriggeredOlderThan(ctx context.Context, days int) ([]domain.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status <> 'deleted' AND last_triggered_at IS NULL
			AND created_at < NOW() - ($1 || ' days')::interval
		ORDER BY created_at
	`, days)
}

// RecordTrigger registers a successful delivery: bumps the counter, stamps
// the time and clears any previous error.
func (s *PostgresStore) RecordTrigger(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			trigger_count = trigger_count + 1,
			last_triggered_at = NOW(),
			last_error_message = NULL,
			last_error_code = NULL,
			last_error_at = NULL,
			updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("recording trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordError registers a failed delivery on the subscription row.
func (s *PostgresStore) RecordError(ctx context.Context, id string, derr domain.DeliveryError) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			last_error_message = $2,
			last_error_code = $3,
			last_error_at = $4,
			updated_at = NOW()
		WHERE id = $1
	`, id, derr.Message, derr.Code, derr.OccurredAt)
	if err != nil {
		return fmt.Errorf("recording delivery error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FleetCounts returns the aggregates driving fleet health classification.
func (s *PostgresStore) FleetCounts(ctx context.Context, staleHours int) (*FleetCounts, error) {
	var c FleetCounts
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status <> 'deleted') AS total,
			COUNT(*) FILTER (WHERE status = 'active') AS active,
			COUNT(*) FILTER (WHERE status IN ('inactive', 'archived')) AS inactive,
			COUNT(*) FILTER (WHERE status <> 'deleted' AND last_error_at IS NOT NULL) AS with_errors,
			COUNT(*) FILTER (WHERE status <> 'deleted' AND (
				(last_triggered_at IS NULL AND created_at < NOW() - ($1 || ' hours')::interval)
				OR last_triggered_at < NOW() - ($1 || ' hours')::interval
			)) AS stale,
			COALESCE(SUM(trigger_count) FILTER (WHERE status <> 'deleted'), 0) AS total_triggers
		FROM subscriptions
	`, staleHours).Scan(&c.Total, &c.Active, &c.Inactive, &c.WithErrors, &c.Stale, &c.TotalTriggers)
	if err != nil {
		return nil, fmt.Errorf("querying fleet counts: %w", err)
	}
	return &c, nil
}

// DailyActivity returns per-day created/triggered counts for the last N days.
func (s *PostgresStore) DailyActivity(ctx context.Context, days int) ([]DailyActivity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.day,
			COUNT(DISTINCT s1.id) AS created,
			COUNT(DISTINCT s2.id) AS triggered
		FROM generate_series(
			date_trunc('day', NOW()) - ($1 - 1 || ' days')::interval,
			date_trunc('day', NOW()),
			'1 day'
		) AS d(day)
		LEFT JOIN subscriptions s1 ON date_trunc('day', s1.created_at) = d.day AND s1.status <> 'deleted'
		LEFT JOIN subscriptions s2 ON date_trunc('day', s2.last_triggered_at) = d.day AND s2.status <> 'deleted'
		GROUP BY d.day
		ORDER BY d.day
	`, days)
	if err != nil {
		return nil, fmt.Errorf("querying daily activity: %w", err)
	}
	defer rows.Close()

	var activity []DailyActivity
	for rows.Next() {
		var a DailyActivity
		if err := rows.Scan(&a.Day, &a.Created, &a.Triggered); err != nil {
			return nil, fmt.Errorf("scanning daily activity: %w", err)
		}
		activity = append(activity, a)
	}
	if activity == nil {
		activity = []DailyActivity{}
	}
	return activity, nil
}

// InsertRecord inserts a subscription with an explicit id, used by restore
// and import. The caller decides what to do about endpoint collisions.
func (s *PostgresStore) InsertRecord(ctx context.Context, sub domain.Subscription) error {
	secretKey := sub.SecretKey
	if secretKey == "" {
		var err error
		secretKey, err = generateSecretKey()
		if err != nil {
			return fmt.Errorf("generating secret key: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (id, target_class, events, endpoint_url, kind,
			watched_properties, secret_key, verify_hmac, require_timestamp, source_cidr,
			status, trigger_count, last_triggered_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, sub.ID, sub.TargetClass, sub.Events, sub.EndpointURL, sub.Kind,
		sub.WatchedProperties, secretKey, sub.VerifyHMAC, sub.RequireTimestamp, sub.SourceCIDR,
		sub.Status, sub.TriggerCount, sub.LastTriggeredAt, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting subscription record: %w", err)
	}
	return nil
}

// ReplaceAll atomically swaps the whole table for the given records. Used by
// restore with replace_existing: any failure rolls the entire batch back.
func (s *PostgresStore) ReplaceAll(ctx context.Context, subs []domain.Subscription) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM subscriptions`); err != nil {
		return fmt.Errorf("clearing subscriptions: %w", err)
	}

	for _, sub := range subs {
		secretKey := sub.SecretKey
		if secretKey == "" {
			secretKey, err = generateSecretKey()
			if err != nil {
				return fmt.Errorf("generating secret key: %w", err)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO subscriptions (id, target_class, events, endpoint_url, kind,
				watched_properties, secret_key, verify_hmac, require_timestamp, source_cidr,
				status, trigger_count, last_triggered_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, sub.ID, sub.TargetClass, sub.Events, sub.EndpointURL, sub.Kind,
			sub.WatchedProperties, secretKey, sub.VerifyHMAC, sub.RequireTimestamp, sub.SourceCIDR,
			sub.Status, sub.TriggerCount, sub.LastTriggeredAt, sub.CreatedAt, sub.UpdatedAt)
		if err != nil {
			return fmt.Errorf("inserting subscription %s: %w", sub.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// CountAll counts non-deleted subscriptions.
func (s *PostgresStore) CountAll(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE status <> 'deleted'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting subscriptions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) querySubscriptions(ctx context.Context, query string, args ...any) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if subs == nil {
		subs = []domain.Subscription{}
	}
	return subs, rows.Err()
}

func generateSecretKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(bytes), nil
}
