// Package notify fans alert notifications out to subscribers over the
// configured channels, subject to a per-subscriber cooldown.
package notify

import (
	"time"
)

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelText  Channel = "text"
	ChannelEmail Channel = "email"
)

// Subscriber is one alert recipient. Loaded from configuration, never
// mutated by the core.
type Subscriber struct {
	ID       string
	Phone    string
	Email    string
	Channels []Channel
}

// Subscribed reports whether the subscriber holds the given channel.
func (s Subscriber) Subscribed(ch Channel) bool {
	for _, c := range s.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// CooldownState tracks the last dispatch attempt per subscriber. Owned and
// mutated exclusively by the tick loop.
type CooldownState map[string]time.Time

// Eligible is the pure cooldown check: a subscriber with no recorded last
// notification, or one whose last notification is at least cooldown old,
// may receive this alert. Evaluated independently per subscriber.
func Eligible(now, last time.Time, seen bool, cooldown time.Duration) bool {
	if !seen {
		return true
	}
	return now.Sub(last) >= cooldown
}

// Alert carries the context of one triggered alert condition.
type Alert struct {
	At            time.Time
	WindowName    string
	Threshold     int
	LocalAQI      float64
	RegionalAQI   float64
	RatePerMinute float64
	RateComputed  bool
	// Trigger names which metric crossed the threshold: "local",
	// "regional", or "both".
	Trigger string
}

// AttemptStatus is the outcome of a single dispatch attempt.
type AttemptStatus string

const (
	StatusSent   AttemptStatus = "sent"
	StatusFailed AttemptStatus = "failed"
)

// Attempt records one (subscriber, channel) dispatch outcome.
type Attempt struct {
	SubscriberID string
	Channel      Channel
	At           time.Time
	Status       AttemptStatus
	// ProviderID is the message identifier returned by the text channel,
	// used to reconcile the delivery confirmation later.
	ProviderID string
	Err        error
}
