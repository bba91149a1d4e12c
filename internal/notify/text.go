package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TwilioOptions parameterise the text channel client.
type TwilioOptions struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	APIBase    string
	Timeout    time.Duration
}

// TwilioClient sends text messages through the Twilio message API and polls
// delivery confirmations by message SID.
type TwilioClient struct {
	opts    TwilioOptions
	client  *http.Client
	baseURL string
	logger  zerolog.Logger
}

// NewTwilioClient constructs the text channel client.
func NewTwilioClient(opts TwilioOptions, logger zerolog.Logger) *TwilioClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.APIBase, "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}

	return &TwilioClient{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		logger:  logger.With().Str("component", "text_channel").Logger(),
	}
}

type messageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SendText submits one message and returns the provider SID. The initial
// status is typically "queued"; the final delivery status arrives later via
// FetchStatus.
func (t *TwilioClient) SendText(ctx context.Context, toPhone, body string) (string, error) {
	if toPhone == "" {
		return "", fmt.Errorf("notify: subscriber has no phone number")
	}

	form := url.Values{}
	form.Set("To", toPhone)
	form.Set("From", t.opts.FromNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, t.opts.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create text request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.opts.AccountSID, t.opts.AuthToken)

	res, err := t.do(req)
	if err != nil {
		return "", err
	}

	t.logger.Info().Str("sid", res.SID).Str("status", res.Status).Msg("text message submitted")
	return res.SID, nil
}

// FetchStatus polls the provider for the current delivery status of a
// previously submitted message.
func (t *TwilioClient) FetchStatus(ctx context.Context, sid string) (string, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages/%s.json", t.baseURL, t.opts.AccountSID, sid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create status request: %w", err)
	}
	req.SetBasicAuth(t.opts.AccountSID, t.opts.AuthToken)

	res, err := t.do(req)
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

func (t *TwilioClient) do(req *http.Request) (*messageResponse, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("text channel request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read text channel response: %w", err)
	}

	var res messageResponse
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if err := json.Unmarshal(payload, &res); err == nil && res.Message != "" {
			return nil, fmt.Errorf("text channel error (%d): %s", resp.StatusCode, res.Message)
		}
		return nil, fmt.Errorf("text channel error (%d)", resp.StatusCode)
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode text channel response: %w", err)
	}
	return &res, nil
}

var _ TextSender = (*TwilioClient)(nil)
