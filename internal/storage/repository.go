package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

const (
	insertAlertSQL = `INSERT INTO alerts (
        triggered_at,
        window_name,
        threshold,
        local_aqi,
        regional_aqi,
        rate_per_min,
        trigger_metric
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        triggered_at,
        window_name,
        threshold,
        local_aqi,
        regional_aqi,
        rate_per_min,
        trigger_metric,
        created_at
    FROM alerts
    ORDER BY triggered_at DESC
    LIMIT $1;`

	insertDeliverySQL = `INSERT INTO deliveries (
        alert_id,
        subscriber_id,
        channel,
        attempted_at,
        status,
        provider_id,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, created_at;`

	listRecentDeliveriesSQL = `SELECT
        id,
        alert_id,
        subscriber_id,
        channel,
        attempted_at,
        status,
        provider_id,
        error,
        created_at
    FROM deliveries
    ORDER BY attempted_at DESC
    LIMIT $1;`

	listPendingTextSQL = `SELECT
        id,
        alert_id,
        subscriber_id,
        channel,
        attempted_at,
        status,
        provider_id,
        error,
        created_at
    FROM deliveries
    WHERE channel = 'text'
      AND provider_id IS NOT NULL
      AND status IN ('sent', 'queued', 'accepted', 'sending')
    ORDER BY attempted_at
    LIMIT $1;`

	updateDeliveryStatusSQL = `UPDATE deliveries
    SET status = $2
    WHERE provider_id = $1;`

	upsertCooldownSQL = `INSERT INTO cooldowns (subscriber_id, last_notified_at)
    VALUES ($1, $2)
    ON CONFLICT (subscriber_id) DO UPDATE
    SET last_notified_at = EXCLUDED.last_notified_at;`

	listCooldownsSQL = `SELECT subscriber_id, last_notified_at FROM cooldowns;`

	upsertTrendSampleSQL = `INSERT INTO trend_samples (
        entity,
        bucket_ts,
        mean_aqi,
        rate_per_min,
        samples,
        computable
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (entity, bucket_ts) DO UPDATE
    SET mean_aqi     = EXCLUDED.mean_aqi,
        rate_per_min = EXCLUDED.rate_per_min,
        samples      = EXCLUDED.samples,
        computable   = EXCLUDED.computable;`

	listSamplesBetweenSQL = `SELECT
        entity,
        bucket_ts,
        mean_aqi,
        rate_per_min,
        samples,
        computable,
        created_at
    FROM trend_samples
    WHERE entity = $1
      AND bucket_ts >= $2
      AND bucket_ts < $3
    ORDER BY bucket_ts;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

// DeliveryStore defines operations for the append-only delivery log.
type DeliveryStore interface {
	InsertDelivery(ctx context.Context, delivery DeliveryRecord) (DeliveryRecord, error)
	ListRecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)
	ListPendingTextDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)
	UpdateDeliveryStatus(ctx context.Context, providerID, status string) error
}

// CooldownStore persists per-subscriber cooldown state across restarts.
type CooldownStore interface {
	UpsertCooldown(ctx context.Context, record CooldownRecord) error
	ListCooldowns(ctx context.Context) ([]CooldownRecord, error)
}

// TrendSampleStore persists per-tick aggregates.
type TrendSampleStore interface {
	UpsertTrendSample(ctx context.Context, sample TrendSample) error
	ListSamplesBetween(ctx context.Context, entity string, from, to time.Time) ([]TrendSample, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to alerts, deliveries, cooldowns and samples.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// InsertAlert appends one alert audit row.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.TriggeredAt,
		alert.WindowName,
		alert.Threshold,
		alert.LocalAQI.String(),
		alert.RegionalAQI.String(),
		alert.RatePerMinute.String(),
		alert.Trigger,
	)
	if err := row.Scan(&alert.ID, &alert.CreatedAt); err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return alert, nil
}

// ListRecentAlerts lists the most recent alerts, newest first.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// InsertDelivery appends one delivery log row.
func (s *Store) InsertDelivery(ctx context.Context, delivery DeliveryRecord) (DeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return DeliveryRecord{}, err
	}

	var alertID interface{}
	if delivery.AlertID != nil {
		alertID = *delivery.AlertID
	}
	var providerID interface{}
	if delivery.ProviderID != nil {
		providerID = *delivery.ProviderID
	}
	var errMsg interface{}
	if delivery.Error != nil {
		errMsg = *delivery.Error
	}

	row := pool.QueryRow(ctx, insertDeliverySQL,
		alertID,
		delivery.SubscriberID,
		delivery.Channel,
		delivery.AttemptedAt,
		delivery.Status,
		providerID,
		errMsg,
	)
	if err := row.Scan(&delivery.ID, &delivery.CreatedAt); err != nil {
		return DeliveryRecord{}, fmt.Errorf("insert delivery: %w", err)
	}
	return delivery, nil
}

// ListRecentDeliveries lists the most recent delivery attempts.
func (s *Store) ListRecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	return s.queryDeliveries(ctx, listRecentDeliveriesSQL, limit)
}

// ListPendingTextDeliveries lists text deliveries still awaiting a final
// provider confirmation.
func (s *Store) ListPendingTextDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	return s.queryDeliveries(ctx, listPendingTextSQL, limit)
}

func (s *Store) queryDeliveries(ctx context.Context, sql string, limit int) ([]DeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, sql, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list deliveries: %w", queryErr)
	}
	defer rows.Close()

	deliveries := make([]DeliveryRecord, 0, limit)
	for rows.Next() {
		delivery, scanErr := scanDelivery(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		deliveries = append(deliveries, delivery)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return deliveries, nil
}

// UpdateDeliveryStatus reconciles a provider confirmation into the log.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, providerID, status string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, updateDeliveryStatusSQL, providerID, status); execErr != nil {
		return fmt.Errorf("update delivery status: %w", execErr)
	}
	return nil
}

// UpsertCooldown persists a subscriber's last dispatch attempt.
func (s *Store) UpsertCooldown(ctx context.Context, record CooldownRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertCooldownSQL, record.SubscriberID, record.LastNotifiedAt); execErr != nil {
		return fmt.Errorf("upsert cooldown: %w", execErr)
	}
	return nil
}

// ListCooldowns loads the full cooldown state, used once at startup.
func (s *Store) ListCooldowns(ctx context.Context) ([]CooldownRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCooldownsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list cooldowns: %w", queryErr)
	}
	defer rows.Close()

	var records []CooldownRecord
	for rows.Next() {
		var rec CooldownRecord
		if err := rows.Scan(&rec.SubscriberID, &rec.LastNotifiedAt); err != nil {
			return nil, fmt.Errorf("scan cooldown: %w", err)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// UpsertTrendSample persists or updates one per-tick aggregate.
func (s *Store) UpsertTrendSample(ctx context.Context, sample TrendSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertTrendSampleSQL,
		sample.Entity,
		sample.Bucket,
		sample.MeanAQI.String(),
		sample.RatePerMinute.String(),
		sample.Samples,
		sample.Computable,
	)
	if execErr != nil {
		return fmt.Errorf("upsert trend sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists one entity's aggregates within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, entity string, from, to time.Time) ([]TrendSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, entity, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]TrendSample, 0)
	for rows.Next() {
		sample, scanErr := scanTrendSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var alert AlertRecord
	var localAQI, regionalAQI, rate string
	if err := row.Scan(
		&alert.ID,
		&alert.TriggeredAt,
		&alert.WindowName,
		&alert.Threshold,
		&localAQI,
		&regionalAQI,
		&rate,
		&alert.Trigger,
		&alert.CreatedAt,
	); err != nil {
		return AlertRecord{}, fmt.Errorf("scan alert: %w", err)
	}

	var err error
	if alert.LocalAQI, err = decimal.NewFromString(localAQI); err != nil {
		return AlertRecord{}, fmt.Errorf("parse local_aqi: %w", err)
	}
	if alert.RegionalAQI, err = decimal.NewFromString(regionalAQI); err != nil {
		return AlertRecord{}, fmt.Errorf("parse regional_aqi: %w", err)
	}
	if alert.RatePerMinute, err = decimal.NewFromString(rate); err != nil {
		return AlertRecord{}, fmt.Errorf("parse rate_per_min: %w", err)
	}
	return alert, nil
}

func scanDelivery(row pgx.Row) (DeliveryRecord, error) {
	var delivery DeliveryRecord
	if err := row.Scan(
		&delivery.ID,
		&delivery.AlertID,
		&delivery.SubscriberID,
		&delivery.Channel,
		&delivery.AttemptedAt,
		&delivery.Status,
		&delivery.ProviderID,
		&delivery.Error,
		&delivery.CreatedAt,
	); err != nil {
		return DeliveryRecord{}, fmt.Errorf("scan delivery: %w", err)
	}
	return delivery, nil
}

func scanTrendSample(row pgx.Row) (TrendSample, error) {
	var sample TrendSample
	var mean, rate string
	if err := row.Scan(
		&sample.Entity,
		&sample.Bucket,
		&mean,
		&rate,
		&sample.Samples,
		&sample.Computable,
		&sample.CreatedAt,
	); err != nil {
		return TrendSample{}, fmt.Errorf("scan trend sample: %w", err)
	}

	var err error
	if sample.MeanAQI, err = decimal.NewFromString(mean); err != nil {
		return TrendSample{}, fmt.Errorf("parse mean_aqi: %w", err)
	}
	if sample.RatePerMinute, err = decimal.NewFromString(rate); err != nil {
		return TrendSample{}, fmt.Errorf("parse rate_per_min: %w", err)
	}
	return sample, nil
}
