package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TextSender delivers a text message and returns the provider's message
// identifier for later confirmation reconciliation.
type TextSender interface {
	SendText(ctx context.Context, toPhone, body string) (providerID string, err error)
}

// EmailSender delivers an email message.
type EmailSender interface {
	SendEmail(ctx context.Context, toEmail, subject, body string) error
}

// Dispatcher fans one alert out to every eligible (subscriber, channel)
// pair. Each attempt is independent: one failure never blocks the others,
// and every attempt produces a result for the delivery log.
type Dispatcher struct {
	text   TextSender
	email  EmailSender
	logger zerolog.Logger
}

// NewDispatcher wires the channel clients. Either sender may be nil, in
// which case attempts on that channel fail with a configuration error
// rather than being silently dropped.
func NewDispatcher(text TextSender, email EmailSender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		text:   text,
		email:  email,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

var errChannelNotConfigured = errors.New("notify: channel client not configured")

// Dispatch sends the alert to each subscriber over each of their subscribed
// channels, concurrently, and returns one Attempt per dispatch. The caller
// consumes the cooldown for every subscriber that appears in the result,
// regardless of outcome: the cooldown bounds message volume under channel
// flakiness, so it is spent on attempt, not on confirmed delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert, subscribers []Subscriber) []Attempt {
	type task struct {
		sub     Subscriber
		channel Channel
	}

	var tasks []task
	for _, sub := range subscribers {
		for _, ch := range sub.Channels {
			tasks = append(tasks, task{sub: sub, channel: ch})
		}
	}
	if len(tasks) == 0 {
		return nil
	}

	attempts := make([]Attempt, len(tasks))
	var wg sync.WaitGroup
	for i, tk := range tasks {
		wg.Add(1)
		go func(i int, tk task) {
			defer wg.Done()
			attempts[i] = d.attempt(ctx, alert, tk.sub, tk.channel)
		}(i, tk)
	}
	wg.Wait()

	for _, a := range attempts {
		evt := d.logger.Info()
		if a.Status == StatusFailed {
			evt = d.logger.Error().Err(a.Err)
		}
		evt.Str("subscriber", a.SubscriberID).
			Str("channel", string(a.Channel)).
			Str("status", string(a.Status)).
			Msg("alert dispatch attempt")
	}

	return attempts
}

func (d *Dispatcher) attempt(ctx context.Context, alert Alert, sub Subscriber, ch Channel) Attempt {
	attempt := Attempt{
		SubscriberID: sub.ID,
		Channel:      ch,
		At:           time.Now().UTC(),
		Status:       StatusSent,
	}

	var err error
	switch ch {
	case ChannelText:
		if d.text == nil {
			err = errChannelNotConfigured
			break
		}
		attempt.ProviderID, err = d.text.SendText(ctx, sub.Phone, renderText(alert))
	case ChannelEmail:
		if d.email == nil {
			err = errChannelNotConfigured
			break
		}
		err = d.email.SendEmail(ctx, sub.Email, renderSubject(alert), renderEmailBody(alert))
	default:
		err = fmt.Errorf("notify: unknown channel %q", ch)
	}

	if err != nil {
		attempt.Status = StatusFailed
		attempt.Err = err
	}
	return attempt
}

func renderSubject(alert Alert) string {
	return fmt.Sprintf("Air quality alert: AQI threshold %d exceeded", alert.Threshold)
}

func renderText(alert Alert) string {
	b := strings.Builder{}
	b.WriteString("[Air Quality Alert]\n")
	fmt.Fprintf(&b, "Local AQI: %.0f\n", alert.LocalAQI)
	fmt.Fprintf(&b, "Regional AQI: %.0f\n", alert.RegionalAQI)
	fmt.Fprintf(&b, "Threshold: %d (%s window)\n", alert.Threshold, alert.WindowName)
	if alert.RateComputed {
		fmt.Fprintf(&b, "Trend: %+.1f AQI/min\n", alert.RatePerMinute)
	}
	fmt.Fprintf(&b, "At: %s", alert.At.Format("Mon 15:04 MST"))
	return b.String()
}

func renderEmailBody(alert Alert) string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "Air quality exceeded the %s-window alert threshold at %s.\n\n",
		alert.WindowName, alert.At.Format(time.RFC1123))
	fmt.Fprintf(&b, "Local sensor mean AQI:    %.1f\n", alert.LocalAQI)
	fmt.Fprintf(&b, "Regional mean AQI:        %.1f\n", alert.RegionalAQI)
	fmt.Fprintf(&b, "Alert threshold:          %d\n", alert.Threshold)
	if alert.RateComputed {
		fmt.Fprintf(&b, "Rate of change:           %+.2f AQI/min\n", alert.RatePerMinute)
	}
	fmt.Fprintf(&b, "Triggering metric:        %s\n", alert.Trigger)
	return b.String()
}
