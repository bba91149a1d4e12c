package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"air-quality-alerts/internal/aqi"
	"air-quality-alerts/internal/fetcher"
	"air-quality-alerts/internal/notify"
	"air-quality-alerts/internal/schedule"
)

// tickTime is 06:00 PDT on a Tuesday, inside the morning window.
var tickTime = time.Date(2024, 6, 11, 13, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	local       fetcher.Sample
	localErr    error
	regional    []fetcher.Sample
	regionalErr error
}

func (f *fakeFetcher) FetchLocal(context.Context) (fetcher.Sample, error) {
	return f.local, f.localErr
}

func (f *fakeFetcher) FetchRegional(context.Context) ([]fetcher.Sample, error) {
	return f.regional, f.regionalErr
}

type stubText struct {
	mu   sync.Mutex
	sent []string
}

func (s *stubText) SendText(_ context.Context, toPhone, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, toPhone)
	return "SM1", nil
}

func (s *stubText) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *stubText) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func sample(idx int, ts time.Time, pm float64) fetcher.Sample {
	return fetcher.Sample{
		SensorIndex: idx,
		Name:        "test sensor",
		Timestamp:   ts,
		PM25A:       pm,
		PM25B:       pm,
		Humidity:    40,
	}
}

// indexFor computes the AQI a raw reading produces after channel merge and
// humidity correction, so assertions track the conversion pipeline exactly.
func indexFor(t *testing.T, pm, humidity float64) int {
	t.Helper()
	idx, err := aqi.FromConcentration(aqi.Correct(pm, humidity))
	if err != nil {
		t.Fatalf("FromConcentration: %v", err)
	}
	return idx
}

func morningClock(t *testing.T, threshold int) *schedule.Clock {
	t.Helper()
	clock, err := schedule.NewClock("America/Los_Angeles", []schedule.Window{
		{
			Name:      "morning",
			Start:     schedule.ClockTime{Hour: 5, Minute: 30},
			End:       schedule.ClockTime{Hour: 7, Minute: 59, Second: 59},
			Threshold: threshold,
		},
	}, true)
	if err != nil {
		t.Fatalf("NewClock: %v", err)
	}
	return clock
}

func subscribers() []notify.Subscriber {
	return []notify.Subscriber{
		{ID: "alice", Phone: "+15550001111", Channels: []notify.Channel{notify.ChannelText}},
		{ID: "bob", Phone: "+15550002222", Channels: []notify.Channel{notify.ChannelText}},
	}
}

func newTestEngine(t *testing.T, threshold int, f fetcher.SensorFetcher, text *stubText) *Engine {
	t.Helper()
	return New(Deps{
		Clock:       morningClock(t, threshold),
		Fetcher:     f,
		Dispatcher:  notify.NewDispatcher(text, nil, zerolog.Nop()),
		Subscribers: subscribers(),
	}, Options{
		AlertsEnabled: true,
		Retention:     30 * time.Minute,
		MinTrendSpan:  2 * time.Minute,
		Cooldown:      8 * time.Hour,
		FetchTimeout:  time.Second,
	}, zerolog.Nop())
}

func TestTickAlertsAtThresholdBoundary(t *testing.T) {
	const pm, humidity = 50, 40
	index := indexFor(t, pm, humidity)

	t.Run("mean equal to threshold triggers", func(t *testing.T) {
		text := &stubText{}
		f := &fakeFetcher{local: sample(9338, tickTime, pm)}
		eng := newTestEngine(t, index, f, text)

		if err := eng.ProcessTick(context.Background(), tickTime); err != nil {
			t.Fatalf("ProcessTick: %v", err)
		}
		if got := text.count(); got != 2 {
			t.Fatalf("sent %d texts, want 2 (one per subscriber)", got)
		}
	})

	t.Run("mean one below threshold stays quiet", func(t *testing.T) {
		text := &stubText{}
		f := &fakeFetcher{local: sample(9338, tickTime, pm)}
		eng := newTestEngine(t, index+1, f, text)

		if err := eng.ProcessTick(context.Background(), tickTime); err != nil {
			t.Fatalf("ProcessTick: %v", err)
		}
		if got := text.count(); got != 0 {
			t.Fatalf("sent %d texts, want 0", got)
		}
	})
}

func TestRegionalAloneCanTrigger(t *testing.T) {
	const cleanPM, smokyPM = 5, 120
	cleanIdx := indexFor(t, cleanPM, 40)
	smokyIdx := indexFor(t, smokyPM, 40)
	if cleanIdx >= smokyIdx {
		t.Fatalf("test setup: clean index %d not below smoky index %d", cleanIdx, smokyIdx)
	}

	text := &stubText{}
	f := &fakeFetcher{
		local: sample(9338, tickTime, cleanPM),
		regional: []fetcher.Sample{
			sample(101, tickTime, smokyPM),
			sample(102, tickTime, smokyPM),
		},
	}
	eng := newTestEngine(t, smokyIdx, f, text)

	if err := eng.ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if got := text.count(); got != 2 {
		t.Fatalf("sent %d texts, want 2: regional mean alone should trigger", got)
	}
}

func TestRegionalFetchFailureStillAllowsLocalAlert(t *testing.T) {
	const pm = 120
	index := indexFor(t, pm, 40)

	text := &stubText{}
	f := &fakeFetcher{
		local:       sample(9338, tickTime, pm),
		regionalErr: fetcher.ErrUnreachable,
	}
	eng := newTestEngine(t, index, f, text)

	if err := eng.ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if got := text.count(); got != 2 {
		t.Fatalf("sent %d texts, want 2: local path must survive regional failure", got)
	}
}

func TestTotalSamplingFailureAbortsTick(t *testing.T) {
	text := &stubText{}
	f := &fakeFetcher{
		localErr:    fetcher.ErrUnreachable,
		regionalErr: errors.New("dial tcp: connection refused"),
	}
	eng := newTestEngine(t, 100, f, text)

	if err := eng.ProcessTick(context.Background(), tickTime); err == nil {
		t.Fatal("ProcessTick returned nil, want error when both fetches fail")
	}
	if got := text.count(); got != 0 {
		t.Fatalf("sent %d texts, want 0", got)
	}
}

func TestOutsideWindowNoDispatch(t *testing.T) {
	const pm = 120
	index := indexFor(t, pm, 40)

	// 02:00 PDT, before any window opens.
	nightTick := time.Date(2024, 6, 11, 9, 0, 0, 0, time.UTC)

	text := &stubText{}
	f := &fakeFetcher{local: sample(9338, nightTick, pm)}
	eng := newTestEngine(t, index, f, text)

	if err := eng.ProcessTick(context.Background(), nightTick); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if got := text.count(); got != 0 {
		t.Fatalf("sent %d texts, want 0 outside the alert windows", got)
	}
}

func TestCooldownSuppressesRepeatAlerts(t *testing.T) {
	const pm = 120
	index := indexFor(t, pm, 40)

	text := &stubText{}
	f := &fakeFetcher{local: sample(9338, tickTime, pm)}
	eng := newTestEngine(t, index, f, text)

	if err := eng.ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if got := text.count(); got != 2 {
		t.Fatalf("first tick sent %d texts, want 2", got)
	}

	// Five minutes later the condition still holds, but every subscriber
	// is inside the cooldown.
	later := tickTime.Add(5 * time.Minute)
	f.local = sample(9338, later, pm)
	if err := eng.ProcessTick(context.Background(), later); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if got := text.count(); got != 2 {
		t.Fatalf("after second tick sent %d texts total, want still 2", got)
	}
}

func TestCooldownIsPerSubscriber(t *testing.T) {
	const pm = 120
	index := indexFor(t, pm, 40)

	text := &stubText{}
	f := &fakeFetcher{local: sample(9338, tickTime, pm)}
	eng := newTestEngine(t, index, f, text)

	// alice was notified recently, bob long ago.
	eng.cooldowns["alice"] = tickTime.Add(-time.Hour)
	eng.cooldowns["bob"] = tickTime.Add(-9 * time.Hour)

	if err := eng.ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	got := text.recipients()
	if len(got) != 1 || got[0] != "+15550002222" {
		t.Fatalf("recipients = %v, want only bob's number", got)
	}
}

func TestImplausibleReadingsDoNotTrigger(t *testing.T) {
	text := &stubText{}
	// A/B channels disagree wildly, so the reading is discarded and no
	// trend exists to evaluate.
	f := &fakeFetcher{local: fetcher.Sample{
		SensorIndex: 9338,
		Timestamp:   tickTime,
		PM25A:       400,
		PM25B:       20,
		Humidity:    40,
	}}
	eng := newTestEngine(t, 10, f, text)

	if err := eng.ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if got := text.count(); got != 0 {
		t.Fatalf("sent %d texts, want 0 when the only reading was discarded", got)
	}
}

func TestRegionalAggregateMeansAcrossSensors(t *testing.T) {
	eng := newTestEngine(t, 100, &fakeFetcher{}, &stubText{})

	eng.recordSample("region/101", sample(101, tickTime, 50))
	eng.recordSample("region/102", sample(102, tickTime, 120))
	eng.recordSample(EntityLocal, sample(9338, tickTime, 50))

	trend := eng.regionalAggregate(tickTime)
	if trend.Samples != 2 {
		t.Fatalf("Samples = %d, want 2 contributing sensors", trend.Samples)
	}

	lo := float64(indexFor(t, 50, 40))
	hi := float64(indexFor(t, 120, 40))
	want := (lo + hi) / 2
	if trend.Mean != want {
		t.Fatalf("Mean = %v, want %v", trend.Mean, want)
	}

	// Sensors that stopped reporting age out of the aggregate.
	stale := eng.regionalAggregate(tickTime.Add(3 * time.Hour))
	if stale.Samples != 0 {
		t.Fatalf("aggregate 3h after the last reading counts %d sensors, want 0", stale.Samples)
	}
}

func TestStaleReadingsDoNotAlertAfterDataGap(t *testing.T) {
	const pm = 180
	index := indexFor(t, pm, 40)

	text := &stubText{}
	f := &fakeFetcher{local: sample(9338, tickTime.Add(-3*time.Hour), pm)}
	eng := newTestEngine(t, index, f, text)

	// 03:00 local: the high reading is recorded, but no window applies.
	if err := eng.ProcessTick(context.Background(), tickTime.Add(-3*time.Hour)); err != nil {
		t.Fatalf("early tick: %v", err)
	}
	if got := text.count(); got != 0 {
		t.Fatalf("early tick sent %d texts, want 0", got)
	}

	// 06:00 local: the sensor has gone quiet and the region is clean.
	// The three-hour-old reading must not produce a full-strength mean.
	f.localErr = fetcher.ErrUnreachable
	f.regional = []fetcher.Sample{sample(101, tickTime, 5)}
	if err := eng.ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("morning tick: %v", err)
	}
	if got := text.count(); got != 0 {
		t.Fatalf("sent %d texts, want 0: stale readings must age out of the window", got)
	}
}

type failingText struct {
	mu    sync.Mutex
	calls int
}

func (s *failingText) SendText(context.Context, string, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "", errors.New("provider rejected message")
}

func (s *failingText) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestFailedAttemptStillConsumesCooldown(t *testing.T) {
	const pm = 120
	index := indexFor(t, pm, 40)

	text := &failingText{}
	f := &fakeFetcher{local: sample(9338, tickTime, pm)}
	eng := New(Deps{
		Clock:       morningClock(t, index),
		Fetcher:     f,
		Dispatcher:  notify.NewDispatcher(text, nil, zerolog.Nop()),
		Subscribers: subscribers(),
	}, Options{
		AlertsEnabled: true,
		Retention:     30 * time.Minute,
		MinTrendSpan:  2 * time.Minute,
		Cooldown:      8 * time.Hour,
		FetchTimeout:  time.Second,
	}, zerolog.Nop())

	if err := eng.ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if got := text.count(); got != 2 {
		t.Fatalf("first tick attempted %d sends, want 2", got)
	}

	// Every attempt failed, yet the cooldown is spent on attempt: the next
	// tick must not retry either subscriber.
	later := tickTime.Add(5 * time.Minute)
	f.local = sample(9338, later, pm)
	if err := eng.ProcessTick(context.Background(), later); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if got := text.count(); got != 2 {
		t.Fatalf("after second tick %d sends total, want still 2", got)
	}
}
