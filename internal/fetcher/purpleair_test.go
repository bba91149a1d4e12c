package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"air-quality-alerts/internal/config"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testBBox() config.BoundingBox {
	return config.BoundingBox{NWLng: -117.5298, NWLat: 33.8188, SELng: -117.4166, SELat: 33.7180}
}

func TestFetchLocalSuccess(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		if r.URL.Path != "/sensors/9338" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sensor": map[string]any{
				"sensor_index": 9338,
				"name":         "Temescal Valley",
				"last_seen":    1718110800,
				"humidity":     41.0,
				"pm2.5_cf_1_a": 12.4,
				"pm2.5_cf_1_b": 13.1,
			},
		})
	}))
	defer srv.Close()

	p := NewPurpleAir(PurpleAirOptions{
		APIKey:           "test-key",
		BaseURL:          srv.URL,
		LocalSensorIndex: 9338,
		Timeout:          time.Second,
	}, noopLogger())

	sample, err := p.FetchLocal(context.Background())
	if err != nil {
		t.Fatalf("FetchLocal: %v", err)
	}
	if gotKey != "test-key" {
		t.Errorf("X-API-Key = %q", gotKey)
	}
	if sample.SensorIndex != 9338 || sample.Name != "Temescal Valley" {
		t.Errorf("unexpected sample identity: %+v", sample)
	}
	if sample.PM25A != 12.4 || sample.PM25B != 13.1 || sample.Humidity != 41.0 {
		t.Errorf("unexpected sample values: %+v", sample)
	}
	if !sample.Timestamp.Equal(time.Unix(1718110800, 0)) {
		t.Errorf("timestamp = %v", sample.Timestamp)
	}
}

func TestFetchLocalUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	srv.Close() // refuse connections

	p := NewPurpleAir(PurpleAirOptions{
		APIKey:           "k",
		BaseURL:          srv.URL,
		LocalSensorIndex: 1,
		Timeout:          time.Second,
	}, noopLogger())

	_, err := p.FetchLocal(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestFetchLocalMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sensor": {"sensor_index": "not-a-number"}}`))
	}))
	defer srv.Close()

	p := NewPurpleAir(PurpleAirOptions{
		APIKey:           "k",
		BaseURL:          srv.URL,
		LocalSensorIndex: 1,
		Timeout:          time.Second,
	}, noopLogger())

	_, err := p.FetchLocal(context.Background())
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestFetchRegionalParsesColumnarData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("location_type") != "0" {
			t.Errorf("location_type = %q", q.Get("location_type"))
		}
		if q.Get("nwlng") == "" || q.Get("selat") == "" {
			t.Error("bounding box params missing")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"fields": []string{"sensor_index", "name", "last_seen", "humidity", "pm2.5_cf_1_a", "pm2.5_cf_1_b"},
			"data": []any{
				[]any{9182, "Glen Eden Rec Area", 1718110800, 40.0, 10.0, 10.5},
				[]any{9356, "Oz Terramor", 1718110860, 38.0, 22.0, 21.2},
				// Malformed row: missing particulate channel.
				[]any{9404, "Retreat", 1718110820, 35.0, nil, 12.0},
			},
		})
	}))
	defer srv.Close()

	p := NewPurpleAir(PurpleAirOptions{
		APIKey:  "k",
		BaseURL: srv.URL,
		BBox:    testBBox(),
		Timeout: time.Second,
	}, noopLogger())

	samples, err := p.FetchRegional(context.Background())
	if err != nil {
		t.Fatalf("FetchRegional: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 parseable samples, got %d", len(samples))
	}
	if samples[0].SensorIndex != 9182 || samples[1].SensorIndex != 9356 {
		t.Errorf("unexpected sensor indexes: %+v", samples)
	}
}

func TestFetchRegionalAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "ApiKeyInvalidError", "description": "invalid key"})
	}))
	defer srv.Close()

	p := NewPurpleAir(PurpleAirOptions{
		APIKey:  "bad",
		BaseURL: srv.URL,
		BBox:    testBBox(),
		Timeout: time.Second,
	}, noopLogger())

	_, err := p.FetchRegional(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable for HTTP 403, got %v", err)
	}
}

func TestFetchRegionalMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	p := NewPurpleAir(PurpleAirOptions{
		APIKey:  "k",
		BaseURL: srv.URL,
		BBox:    testBBox(),
		Timeout: time.Second,
	}, noopLogger())

	_, err := p.FetchRegional(context.Background())
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}
