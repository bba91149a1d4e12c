package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"air-quality-alerts/internal/config"
)

// sensorFields is the column set requested from the API. Only the CF=1
// particulate channels feed the EPA correction.
const sensorFields = "sensor_index,name,last_seen,humidity,pm2.5_cf_1_a,pm2.5_cf_1_b"

// PurpleAirOptions parameterise the sensor API client.
type PurpleAirOptions struct {
	APIKey           string
	BaseURL          string
	LocalSensorIndex int
	BBox             config.BoundingBox
	MaxSampleAge     time.Duration
	Timeout          time.Duration
	UserAgent        string
}

// PurpleAir fetches outdoor sensor data from the PurpleAir API.
type PurpleAir struct {
	opts    PurpleAirOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewPurpleAir constructs a sensor API client.
func NewPurpleAir(opts PurpleAirOptions, logger zerolog.Logger) *PurpleAir {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.purpleair.com/v1"
	}

	return &PurpleAir{
		opts:    opts,
		logger:  logger.With().Str("component", "purpleair_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchLocal retrieves the latest sample for the designated local sensor.
func (p *PurpleAir) FetchLocal(ctx context.Context) (Sample, error) {
	if p.opts.LocalSensorIndex <= 0 {
		return Sample{}, errors.New("local sensor index not configured")
	}

	endpoint := fmt.Sprintf("%s/sensors/%d?fields=%s", p.baseURL, p.opts.LocalSensorIndex, url.QueryEscape(sensorFields))
	payload, err := p.get(ctx, endpoint)
	if err != nil {
		return Sample{}, err
	}

	var res struct {
		Sensor map[string]json.RawMessage `json:"sensor"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return Sample{}, fmt.Errorf("%w: decode local sensor: %v", ErrMalformedPayload, err)
	}
	if res.Sensor == nil {
		return Sample{}, fmt.Errorf("%w: response missing sensor object", ErrMalformedPayload)
	}

	sample, err := sampleFromFields(res.Sensor)
	if err != nil {
		return Sample{}, err
	}
	return sample, nil
}

// FetchRegional retrieves the latest sample for every outdoor sensor inside
// the configured bounding box.
func (p *PurpleAir) FetchRegional(ctx context.Context) ([]Sample, error) {
	bbox := p.opts.BBox
	if bbox.NWLng == 0 && bbox.SELat == 0 && bbox.SELng == 0 && bbox.NWLat == 0 {
		return nil, errors.New("regional bounding box not configured")
	}

	maxAge := p.opts.MaxSampleAge
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}

	query := url.Values{}
	query.Set("fields", sensorFields)
	query.Set("location_type", "0")
	query.Set("max_age", strconv.Itoa(int(maxAge.Seconds())))
	query.Set("nwlng", formatCoord(bbox.NWLng))
	query.Set("nwlat", formatCoord(bbox.NWLat))
	query.Set("selng", formatCoord(bbox.SELng))
	query.Set("selat", formatCoord(bbox.SELat))

	endpoint := p.baseURL + "/sensors?" + query.Encode()
	payload, err := p.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var res struct {
		Fields []string            `json:"fields"`
		Data   [][]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("%w: decode regional response: %v", ErrMalformedPayload, err)
	}
	if len(res.Fields) == 0 {
		return nil, fmt.Errorf("%w: response missing fields list", ErrMalformedPayload)
	}

	columns := make(map[string]int, len(res.Fields))
	for i, name := range res.Fields {
		columns[name] = i
	}

	samples := make([]Sample, 0, len(res.Data))
	for _, row := range res.Data {
		values := make(map[string]json.RawMessage, len(res.Fields))
		for name, idx := range columns {
			if idx < len(row) {
				values[name] = row[idx]
			}
		}
		sample, err := sampleFromFields(values)
		if err != nil {
			// One bad row should not discard the region.
			p.logger.Warn().Err(err).Msg("skipping malformed sensor row")
			continue
		}
		samples = append(samples, sample)
	}

	return samples, nil
}

func (p *PurpleAir) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", p.opts.APIKey)
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, payload)
	}
	return payload, nil
}

func sampleFromFields(values map[string]json.RawMessage) (Sample, error) {
	idx, err := intField(values, "sensor_index")
	if err != nil {
		return Sample{}, err
	}
	lastSeen, err := intField(values, "last_seen")
	if err != nil {
		return Sample{}, err
	}
	pmA, err := floatField(values, "pm2.5_cf_1_a")
	if err != nil {
		return Sample{}, err
	}
	pmB, err := floatField(values, "pm2.5_cf_1_b")
	if err != nil {
		return Sample{}, err
	}
	humidity, err := floatField(values, "humidity")
	if err != nil {
		return Sample{}, err
	}

	sample := Sample{
		SensorIndex: idx,
		Timestamp:   time.Unix(int64(lastSeen), 0).UTC(),
		PM25A:       pmA,
		PM25B:       pmB,
		Humidity:    humidity,
	}
	if raw, ok := values["name"]; ok {
		_ = json.Unmarshal(raw, &sample.Name)
	}
	return sample, nil
}

func intField(values map[string]json.RawMessage, name string) (int, error) {
	raw, ok := values[name]
	if !ok || string(raw) == "null" {
		return 0, fmt.Errorf("%w: missing field %q", ErrMalformedPayload, name)
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: field %q: %v", ErrMalformedPayload, name, err)
	}
	return v, nil
}

func floatField(values map[string]json.RawMessage, name string) (float64, error) {
	raw, ok := values[name]
	if !ok || string(raw) == "null" {
		return 0, fmt.Errorf("%w: missing field %q", ErrMalformedPayload, name)
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: field %q: %v", ErrMalformedPayload, name, err)
	}
	return v, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"description"`
}

func apiError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("%w: api error (%d): %s", ErrUnreachable, status, apiErr.Description)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%w: api error (%d): %s", ErrUnreachable, status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%w: api error (%d): %s", ErrUnreachable, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%w: api error (%d)", ErrUnreachable, status)
}

var _ SensorFetcher = (*PurpleAir)(nil)
