package app

import (
	"context"
	"errors"
	"time"

	"air-quality-alerts/internal/notify"
)

// TestAlert pushes a synthetic alert through the real notification channels
// so operators can verify credentials and subscriber routing end to end.
// Cooldown state is neither consulted nor consumed.
func (a *App) TestAlert(ctx context.Context, opts TestAlertOptions) error {
	dispatcher, _ := a.newDispatcher()
	if dispatcher == nil {
		return errors.New("no notification channel enabled")
	}

	subscribers := a.subscribers()
	if len(subscribers) == 0 {
		return errors.New("no subscribers configured")
	}

	clock, err := a.newClock()
	if err != nil {
		return err
	}

	cls := clock.Classify(time.Now())
	windowName := "test"
	threshold := 0
	if t, ok := cls.Threshold(); ok {
		windowName = cls.Window.Name
		threshold = t
	} else if len(a.Config.Alerting.Windows) > 0 {
		windowName = a.Config.Alerting.Windows[0].Name
		threshold = a.Config.Alerting.Windows[0].Threshold
	}

	alert := notify.Alert{
		At:          cls.Local,
		WindowName:  windowName,
		Threshold:   threshold,
		LocalAQI:    opts.LocalAQI,
		RegionalAQI: opts.RegionalAQI,
		Trigger:     "test",
	}

	attempts := dispatcher.Dispatch(ctx, alert, subscribers)

	failed := 0
	for _, attempt := range attempts {
		if attempt.Status == notify.StatusFailed {
			failed++
		}
	}

	a.Logger.Info().Int("attempts", len(attempts)).Int("failed", failed).Msg("test alert dispatched")
	if failed == len(attempts) {
		return errors.New("every delivery attempt failed")
	}
	return nil
}
