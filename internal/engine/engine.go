// Package engine drives the per-tick sample/evaluate/notify cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"air-quality-alerts/internal/aqi"
	"air-quality-alerts/internal/fetcher"
	"air-quality-alerts/internal/metrics"
	"air-quality-alerts/internal/notify"
	"air-quality-alerts/internal/sampling"
	"air-quality-alerts/internal/schedule"
	"air-quality-alerts/internal/storage"
)

// Entity identifiers used in buffers and persisted samples.
const (
	EntityLocal    = "local"
	EntityRegional = "regional"

	regionalEntityPrefix = "region/"
)

// reconcileBatchSize bounds provider status polling per tick.
const reconcileBatchSize = 20

// TextStatusFetcher polls the text provider for a final delivery status.
type TextStatusFetcher interface {
	FetchStatus(ctx context.Context, providerID string) (string, error)
}

// Deps are the engine's collaborators. Stores may be nil when persistence
// is not configured; the engine then runs with process-lifetime state only.
type Deps struct {
	Clock         *schedule.Clock
	Fetcher       fetcher.SensorFetcher
	Dispatcher    *notify.Dispatcher
	Subscribers   []notify.Subscriber
	AlertStore    storage.AlertStore
	DeliveryStore storage.DeliveryStore
	CooldownStore storage.CooldownStore
	SampleStore   storage.TrendSampleStore
	Locker        storage.AdvisoryLocker
	StatusFetcher TextStatusFetcher
	Metrics       *metrics.Metrics
}

// Options tune engine behaviour.
type Options struct {
	AlertsEnabled bool
	Retention     time.Duration
	MinTrendSpan  time.Duration
	Cooldown      time.Duration
	FetchTimeout  time.Duration
	LockKey       int64
}

// Engine owns all mutable tick state: the rolling buffers and the
// per-subscriber cooldown map. Both are touched only by the single tick
// loop, so no locking is needed inside the engine.
type Engine struct {
	deps Deps
	opts Options

	buffers   *sampling.Buffer
	cooldowns notify.CooldownState

	logger zerolog.Logger
}

// New constructs the engine with empty state.
func New(deps Deps, opts Options, logger zerolog.Logger) *Engine {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 8 * time.Hour
	}
	return &Engine{
		deps:      deps,
		opts:      opts,
		buffers:   sampling.NewBuffer(opts.Retention),
		cooldowns: make(notify.CooldownState),
		logger:    logger.With().Str("component", "engine").Logger(),
	}
}

// SeedCooldowns preloads persisted cooldown state, called once at startup
// before the tick loop begins.
func (e *Engine) SeedCooldowns(records []storage.CooldownRecord) {
	for _, rec := range records {
		e.cooldowns[rec.SubscriberID] = rec.LastNotifiedAt
	}
}

// ProcessTick runs one full sampling/decision/notification cycle.
func (e *Engine) ProcessTick(ctx context.Context, now time.Time) error {
	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		e.logger.Debug().Time("tick", now).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return e.executeTick(ctx, now)
}

func (e *Engine) executeTick(ctx context.Context, now time.Time) error {
	localSample, regionalSamples, localErr, regionalErr := e.fetchAll(ctx)

	if localErr != nil && regionalErr != nil {
		if e.deps.Metrics != nil {
			e.deps.Metrics.TickFailures.Inc()
		}
		return fmt.Errorf("total sampling failure: local: %v; regional: %v", localErr, regionalErr)
	}

	if localErr != nil {
		e.noteFetchFailure(EntityLocal, localErr)
	} else {
		e.recordSample(EntityLocal, localSample)
	}
	if regionalErr != nil {
		e.noteFetchFailure(EntityRegional, regionalErr)
	} else {
		for _, sample := range regionalSamples {
			e.recordSample(fmt.Sprintf("%s%d", regionalEntityPrefix, sample.SensorIndex), sample)
		}
	}

	localTrend := sampling.ComputeTrend(e.buffers.Snapshot(EntityLocal, now), e.opts.MinTrendSpan)
	localTrend.Entity = EntityLocal
	regionalTrend := e.regionalAggregate(now)

	e.persistTrendSamples(ctx, now, localTrend, regionalTrend)
	e.reconcileTextDeliveries(ctx)

	if e.deps.Metrics != nil {
		e.deps.Metrics.TicksTotal.Inc()
	}

	cls := e.deps.Clock.Classify(now)
	threshold, inWindow := cls.Threshold()
	if !inWindow {
		e.logger.Debug().Time("local", cls.Local).Msg("outside alert windows; no evaluation")
		return nil
	}

	localHit := localTrend.Samples > 0 && localTrend.Mean >= float64(threshold)
	regionalHit := regionalTrend.Samples > 0 && regionalTrend.Mean >= float64(threshold)
	if !localHit && !regionalHit {
		e.logger.Info().
			Float64("local_mean", localTrend.Mean).
			Float64("regional_mean", regionalTrend.Mean).
			Int("threshold", threshold).
			Str("window", cls.Window.Name).
			Msg("thresholds not met")
		return nil
	}

	trigger := "both"
	switch {
	case localHit && !regionalHit:
		trigger = EntityLocal
	case regionalHit && !localHit:
		trigger = EntityRegional
	}

	alert := notify.Alert{
		At:            cls.Local,
		WindowName:    cls.Window.Name,
		Threshold:     threshold,
		LocalAQI:      localTrend.Mean,
		RegionalAQI:   regionalTrend.Mean,
		RatePerMinute: localTrend.RatePerMinute,
		RateComputed:  localTrend.Computable,
		Trigger:       trigger,
	}

	e.logger.Warn().
		Str("window", alert.WindowName).
		Int("threshold", threshold).
		Float64("local_mean", alert.LocalAQI).
		Float64("regional_mean", alert.RegionalAQI).
		Str("trigger", trigger).
		Msg("alert condition met")

	if e.deps.Metrics != nil {
		e.deps.Metrics.AlertsTotal.WithLabelValues(alert.WindowName).Inc()
	}

	alertID := e.persistAlert(ctx, now, alert)

	if !e.opts.AlertsEnabled || e.deps.Dispatcher == nil {
		e.logger.Info().Msg("alerting disabled; skipping dispatch")
		return nil
	}

	eligible := make([]notify.Subscriber, 0, len(e.deps.Subscribers))
	for _, sub := range e.deps.Subscribers {
		last, seen := e.cooldowns[sub.ID]
		if notify.Eligible(now, last, seen, e.opts.Cooldown) {
			eligible = append(eligible, sub)
		}
	}
	if len(eligible) == 0 {
		e.logger.Info().Msg("all subscribers inside cooldown; nothing to dispatch")
		return nil
	}

	attempts := e.deps.Dispatcher.Dispatch(ctx, alert, eligible)
	e.consumeCooldowns(ctx, now, attempts)
	e.persistDeliveries(ctx, alertID, attempts)

	return nil
}

// fetchAll issues the local and regional fetches concurrently, each under
// its own timeout so a slow regional query cannot stall the local path.
func (e *Engine) fetchAll(ctx context.Context) (fetcher.Sample, []fetcher.Sample, error, error) {
	var (
		wg              sync.WaitGroup
		localSample     fetcher.Sample
		regionalSamples []fetcher.Sample
		localErr        error
		regionalErr     error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		fctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
		defer cancel()
		localSample, localErr = e.deps.Fetcher.FetchLocal(fctx)
	}()
	go func() {
		defer wg.Done()
		fctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
		defer cancel()
		regionalSamples, regionalErr = e.deps.Fetcher.FetchRegional(fctx)
	}()
	wg.Wait()

	return localSample, regionalSamples, localErr, regionalErr
}

func (e *Engine) noteFetchFailure(entity string, err error) {
	kind := "unreachable"
	if fetchErrIsMalformed(err) {
		kind = "malformed"
	}
	e.logger.Warn().Err(err).Str("entity", entity).Msg("sensor fetch failed; skipping for this tick")
	if e.deps.Metrics != nil {
		e.deps.Metrics.FetchFailures.WithLabelValues(entity, kind).Inc()
	}
}

// recordSample converts one raw sample and appends it to the entity's
// window. Implausible or malformed samples are skipped without failing the
// tick.
func (e *Engine) recordSample(entity string, sample fetcher.Sample) {
	pm, ok := aqi.CombineChannels(sample.PM25A, sample.PM25B)
	if !ok {
		e.logger.Debug().
			Str("entity", entity).
			Float64("pm_a", sample.PM25A).
			Float64("pm_b", sample.PM25B).
			Msg("discarding reading with disagreeing channels")
		return
	}

	corrected := aqi.Correct(pm, sample.Humidity)
	index, err := aqi.FromConcentration(corrected)
	if err != nil {
		e.logger.Warn().Err(err).Str("entity", entity).Msg("invalid concentration; reading discarded")
		return
	}

	reading := sampling.Reading{
		Entity:        entity,
		Timestamp:     sample.Timestamp,
		Concentration: corrected,
		AQI:           index,
	}
	if err := e.buffers.Record(reading); err != nil {
		e.logger.Warn().Err(err).Str("entity", entity).Time("ts", sample.Timestamp).Msg("reading rejected")
		return
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.ReadingsRecorded.WithLabelValues(entity).Inc()
	}
}

// regionalAggregate treats the region as one pseudo-sensor: the mean of the
// per-sensor window means, over however many sensors have data within
// retention of now. A sensor that stopped reporting drops out of the
// aggregate once its last reading ages past the window.
func (e *Engine) regionalAggregate(now time.Time) sampling.Trend {
	agg := sampling.Trend{Entity: EntityRegional}

	var meanSum, rateSum float64
	var rates int
	for _, entity := range e.buffers.Entities() {
		if !strings.HasPrefix(entity, regionalEntityPrefix) {
			continue
		}
		trend := sampling.ComputeTrend(e.buffers.Snapshot(entity, now), e.opts.MinTrendSpan)
		if trend.Samples == 0 {
			continue
		}
		meanSum += trend.Mean
		agg.Samples++
		if trend.Computable {
			rateSum += trend.RatePerMinute
			rates++
		}
	}

	if agg.Samples > 0 {
		agg.Mean = meanSum / float64(agg.Samples)
	}
	if rates > 0 {
		agg.RatePerMinute = rateSum / float64(rates)
		agg.Computable = true
	}
	return agg
}

func (e *Engine) persistTrendSamples(ctx context.Context, now time.Time, trends ...sampling.Trend) {
	if e.deps.SampleStore == nil {
		return
	}
	for _, trend := range trends {
		sample := storage.TrendSample{
			Entity:        trend.Entity,
			Bucket:        now.UTC(),
			MeanAQI:       decimal.NewFromFloat(trend.Mean).Round(2),
			RatePerMinute: decimal.NewFromFloat(trend.RatePerMinute).Round(3),
			Samples:       trend.Samples,
			Computable:    trend.Computable,
		}
		if err := e.deps.SampleStore.UpsertTrendSample(ctx, sample); err != nil {
			e.logger.Error().Err(err).Str("entity", trend.Entity).Msg("failed to persist trend sample")
		}
	}
}

func (e *Engine) persistAlert(ctx context.Context, now time.Time, alert notify.Alert) *int64 {
	if e.deps.AlertStore == nil {
		return nil
	}
	record := storage.AlertRecord{
		TriggeredAt:   now.UTC(),
		WindowName:    alert.WindowName,
		Threshold:     alert.Threshold,
		LocalAQI:      decimal.NewFromFloat(alert.LocalAQI).Round(2),
		RegionalAQI:   decimal.NewFromFloat(alert.RegionalAQI).Round(2),
		RatePerMinute: decimal.NewFromFloat(alert.RatePerMinute).Round(3),
		Trigger:       alert.Trigger,
	}
	inserted, err := e.deps.AlertStore.InsertAlert(ctx, record)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to persist alert record")
		return nil
	}
	return &inserted.ID
}

// consumeCooldowns marks every attempted subscriber as notified now. The
// cooldown is spent on attempt, not on confirmed delivery.
func (e *Engine) consumeCooldowns(ctx context.Context, now time.Time, attempts []notify.Attempt) {
	touched := make(map[string]bool, len(attempts))
	for _, attempt := range attempts {
		if touched[attempt.SubscriberID] {
			continue
		}
		touched[attempt.SubscriberID] = true
		e.cooldowns[attempt.SubscriberID] = now

		if e.deps.CooldownStore != nil {
			rec := storage.CooldownRecord{SubscriberID: attempt.SubscriberID, LastNotifiedAt: now.UTC()}
			if err := e.deps.CooldownStore.UpsertCooldown(ctx, rec); err != nil {
				e.logger.Error().Err(err).Str("subscriber", attempt.SubscriberID).Msg("failed to persist cooldown")
			}
		}
	}
}

func (e *Engine) persistDeliveries(ctx context.Context, alertID *int64, attempts []notify.Attempt) {
	for _, attempt := range attempts {
		if e.deps.Metrics != nil {
			e.deps.Metrics.DeliveryAttempts.WithLabelValues(string(attempt.Channel), string(attempt.Status)).Inc()
		}
		if e.deps.DeliveryStore == nil {
			continue
		}

		record := storage.DeliveryRecord{
			AlertID:      alertID,
			SubscriberID: attempt.SubscriberID,
			Channel:      string(attempt.Channel),
			AttemptedAt:  attempt.At,
			Status:       string(attempt.Status),
		}
		if attempt.ProviderID != "" {
			id := attempt.ProviderID
			record.ProviderID = &id
		}
		if attempt.Err != nil {
			msg := attempt.Err.Error()
			record.Error = &msg
		}
		if _, err := e.deps.DeliveryStore.InsertDelivery(ctx, record); err != nil {
			e.logger.Error().Err(err).
				Str("subscriber", attempt.SubscriberID).
				Str("channel", string(attempt.Channel)).
				Msg("failed to persist delivery record")
		}
	}
}

// reconcileTextDeliveries polls the text provider for final statuses of
// recent deliveries and folds them into the log.
func (e *Engine) reconcileTextDeliveries(ctx context.Context) {
	if e.deps.StatusFetcher == nil || e.deps.DeliveryStore == nil {
		return
	}

	pending, err := e.deps.DeliveryStore.ListPendingTextDeliveries(ctx, reconcileBatchSize)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list pending text deliveries")
		return
	}

	for _, delivery := range pending {
		if delivery.ProviderID == nil {
			continue
		}
		status, err := e.deps.StatusFetcher.FetchStatus(ctx, *delivery.ProviderID)
		if err != nil {
			e.logger.Warn().Err(err).Str("provider_id", *delivery.ProviderID).Msg("status poll failed")
			continue
		}
		if status == delivery.Status {
			continue
		}
		if err := e.deps.DeliveryStore.UpdateDeliveryStatus(ctx, *delivery.ProviderID, status); err != nil {
			e.logger.Error().Err(err).Str("provider_id", *delivery.ProviderID).Msg("failed to reconcile delivery status")
		}
	}
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.opts.LockKey == 0 || e.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.deps.Locker.TryAdvisoryLock(ctx, e.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func fetchErrIsMalformed(err error) bool {
	return errors.Is(err, fetcher.ErrMalformedPayload)
}
