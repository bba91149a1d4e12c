package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"air-quality-alerts/internal/config"
	"air-quality-alerts/internal/engine"
	"air-quality-alerts/internal/fetcher"
	"air-quality-alerts/internal/metrics"
	"air-quality-alerts/internal/notify"
	"air-quality-alerts/internal/schedule"
	"air-quality-alerts/internal/scheduler"
	"air-quality-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher() fetcher.SensorFetcher {
	return fetcher.NewPurpleAir(fetcher.PurpleAirOptions{
		APIKey:           a.Config.PurpleAir.APIKey,
		BaseURL:          a.Config.PurpleAir.BaseURL,
		LocalSensorIndex: a.Config.PurpleAir.LocalSensorIndex,
		BBox:             a.Config.PurpleAir.BBox,
		MaxSampleAge:     a.Config.PurpleAir.MaxSampleAge,
		Timeout:          a.Config.PurpleAir.RequestTimeout,
		UserAgent:        a.Config.PurpleAir.UserAgent,
	}, a.Logger)
}

func (a *App) newTextClient() *notify.TwilioClient {
	if !a.Config.Notify.Twilio.Enabled {
		return nil
	}
	cfg := a.Config.Notify.Twilio
	return notify.NewTwilioClient(notify.TwilioOptions{
		AccountSID: cfg.AccountSID,
		AuthToken:  cfg.AuthToken,
		FromNumber: cfg.FromNumber,
		APIBase:    cfg.APIBase,
		Timeout:    cfg.RequestTimeout,
	}, a.Logger)
}

func (a *App) newEmailClient() *notify.SMTPClient {
	if !a.Config.Notify.SMTP.Enabled {
		return nil
	}
	cfg := a.Config.Notify.SMTP
	return notify.NewSMTPClient(notify.SMTPOptions{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	}, a.Logger)
}

// newDispatcher returns the dispatcher plus the text client for delivery
// status reconciliation. Both may be nil when no channel is enabled.
func (a *App) newDispatcher() (*notify.Dispatcher, *notify.TwilioClient) {
	text := a.newTextClient()
	email := a.newEmailClient()
	if text == nil && email == nil {
		return nil, nil
	}

	var textSender notify.TextSender
	if text != nil {
		textSender = text
	}
	var emailSender notify.EmailSender
	if email != nil {
		emailSender = email
	}
	return notify.NewDispatcher(textSender, emailSender, a.Logger), text
}

func (a *App) subscribers() []notify.Subscriber {
	subs := make([]notify.Subscriber, 0, len(a.Config.Notify.Subscribers))
	for _, s := range a.Config.Notify.Subscribers {
		channels := make([]notify.Channel, 0, len(s.Channels))
		for _, ch := range s.Channels {
			channels = append(channels, notify.Channel(ch))
		}
		subs = append(subs, notify.Subscriber{
			ID:       s.ID,
			Phone:    s.Phone,
			Email:    s.Email,
			Channels: channels,
		})
	}
	return subs
}

func (a *App) newClock() (*schedule.Clock, error) {
	windows := make([]schedule.Window, 0, len(a.Config.Alerting.Windows))
	for _, w := range a.Config.Alerting.Windows {
		start, err := schedule.ParseClockTime(w.Start)
		if err != nil {
			return nil, err
		}
		end, err := schedule.ParseClockTime(w.End)
		if err != nil {
			return nil, err
		}
		windows = append(windows, schedule.Window{
			Name:      w.Name,
			Start:     start,
			End:       end,
			Threshold: w.Threshold,
		})
	}
	return schedule.NewClock(a.Config.Alerting.Timezone, windows, a.Config.Alerting.WeekdaysOnly)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitoring daemon.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	clock, err := a.newClock()
	if err != nil {
		return err
	}

	dispatcher, textClient := a.newDispatcher()
	if dispatcher == nil && a.Config.Alerting.Enabled {
		a.Logger.Warn().Msg("no notification channel enabled; alerts will be logged only")
	}

	m := metrics.New()
	if a.Config.Metrics.Enabled {
		a.serveMetrics(ctx, m)
	}

	deps := engine.Deps{
		Clock:       clock,
		Fetcher:     a.newFetcher(),
		Dispatcher:  dispatcher,
		Subscribers: a.subscribers(),
		Metrics:     m,
	}
	if store != nil {
		deps.AlertStore = store
		deps.DeliveryStore = store
		deps.CooldownStore = store
		deps.SampleStore = store
		deps.Locker = store
	}
	if textClient != nil {
		deps.StatusFetcher = textClient
	}

	eng := engine.New(deps, engine.Options{
		AlertsEnabled: a.Config.Alerting.Enabled,
		Retention:     a.Config.Sampling.RetentionWindow,
		MinTrendSpan:  a.Config.Sampling.MinTrendSpan,
		Cooldown:      a.Config.Alerting.Cooldown,
		FetchTimeout:  a.Config.PurpleAir.RequestTimeout,
		LockKey:       a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)

	if store != nil {
		cooldowns, err := store.ListCooldowns(ctx)
		if err != nil {
			a.Logger.Error().Err(err).Msg("failed to preload cooldown state")
		} else {
			eng.SeedCooldowns(cooldowns)
			a.Logger.Info().Int("subscribers", len(cooldowns)).Msg("cooldown state restored")
		}
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToTick,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	a.Logger.Info().Msg("starting air quality monitoring daemon")
	err = sched.Run(ctx, eng.ProcessTick)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("daemon terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring daemon stopped")
	return nil
}

func (a *App) serveMetrics(ctx context.Context, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: a.Config.Metrics.Addr, Handler: mux}

	go func() {
		a.Logger.Info().Str("addr", a.Config.Metrics.Addr).Msg("metrics listener starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

// ExportOptions hold parameters for exporting historical trend samples.
type ExportOptions struct {
	Entity    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit      int
	Deliveries bool
}

// TestAlertOptions configure the synthetic alert command.
type TestAlertOptions struct {
	LocalAQI    float64
	RegionalAQI float64
}
