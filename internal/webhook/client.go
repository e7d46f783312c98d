// Package webhook talks to the messaging platform's Bot API to point its
// webhook at the current tunnel URL, and receives the updates it delivers.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultAPIBaseURL is the public Bot API endpoint.
const DefaultAPIBaseURL = "https://api.telegram.org"

const maxResponseBytes = 1 << 20

// Client is the webhook registration API consumed by the tunnel lifecycle.
type Client interface {
	SetWebhook(ctx context.Context, url, secretToken string) error
	GetWebhookInfo(ctx context.Context) (*Info, error)
	DeleteWebhook(ctx context.Context) error
}

// Info mirrors the Bot API WebhookInfo object.
type Info struct {
	URL                  string   `json:"url"`
	HasCustomCertificate bool     `json:"has_custom_certificate"`
	PendingUpdateCount   int      `json:"pending_update_count"`
	IPAddress            string   `json:"ip_address,omitempty"`
	LastErrorDate        int64    `json:"last_error_date,omitempty"`
	LastErrorMessage     string   `json:"last_error_message,omitempty"`
	MaxConnections       int      `json:"max_connections,omitempty"`
	AllowedUpdates       []string `json:"allowed_updates,omitempty"`
}

// LastError returns the time of the last delivery error, or the zero time.
func (i *Info) LastError() time.Time {
	if i.LastErrorDate == 0 {
		return time.Time{}
	}
	return time.Unix(i.LastErrorDate, 0)
}

// APIError is a request the Bot API answered with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bot api %s: %d %s", e.Method, e.Code, e.Description)
}

// BotAPIConfig configures a BotAPIClient.
type BotAPIConfig struct {
	BaseURL            string
	Token              string
	Timeout            time.Duration
	RetryMax           int
	MaxConnections     int
	AllowedUpdates     []string
	DropPendingUpdates bool
	// Logger receives retryablehttp request logs with the token redacted.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// BotAPIClient implements Client over HTTP. Transport errors, 429 and 5xx
// responses are retried by go-retryablehttp.
type BotAPIClient struct {
	cfg  BotAPIConfig
	http *retryablehttp.Client
}

var _ Client = (*BotAPIClient)(nil)

// NewBotAPIClient creates a client. The token is required.
func NewBotAPIClient(cfg BotAPIConfig) (*BotAPIClient, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("bot token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAPIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.RetryMax
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 5 * time.Second
	hc.HTTPClient.Timeout = cfg.Timeout
	hc.Logger = &redactingLogger{log: cfg.Logger, token: cfg.Token}
	// Hand back the last response so its description can be decoded.
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &BotAPIClient{cfg: cfg, http: hc}, nil
}

type setWebhookRequest struct {
	URL                string   `json:"url"`
	SecretToken        string   `json:"secret_token,omitempty"`
	MaxConnections     int      `json:"max_connections,omitempty"`
	AllowedUpdates     []string `json:"allowed_updates,omitempty"`
	DropPendingUpdates bool     `json:"drop_pending_updates,omitempty"`
}

type deleteWebhookRequest struct {
	DropPendingUpdates bool `json:"drop_pending_updates,omitempty"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

func (c *BotAPIClient) SetWebhook(ctx context.Context, url, secretToken string) error {
	req := setWebhookRequest{
		URL:                url,
		SecretToken:        secretToken,
		MaxConnections:     c.cfg.MaxConnections,
		AllowedUpdates:     c.cfg.AllowedUpdates,
		DropPendingUpdates: c.cfg.DropPendingUpdates,
	}
	if _, err := c.call(ctx, "setWebhook", req); err != nil {
		return err
	}
	slog.Info("webhook registered", "url", url)
	return nil
}

func (c *BotAPIClient) GetWebhookInfo(ctx context.Context) (*Info, error) {
	result, err := c.call(ctx, "getWebhookInfo", nil)
	if err != nil {
		return nil, err
	}

	var info Info
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("decoding webhook info: %w", err)
	}
	return &info, nil
}

func (c *BotAPIClient) DeleteWebhook(ctx context.Context) error {
	req := deleteWebhookRequest{DropPendingUpdates: c.cfg.DropPendingUpdates}
	if _, err := c.call(ctx, "deleteWebhook", req); err != nil {
		return err
	}
	slog.Info("webhook deleted")
	return nil
}

// call POSTs payload (or nothing) to method and returns the result field.
func (c *BotAPIClient) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.cfg.BaseURL, c.cfg.Token, method)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, c.redact(fmt.Errorf("creating %s request: %w", method, err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.redact(fmt.Errorf("calling %s: %w", method, err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", method, err)
	}

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return nil, &APIError{
			Method:      method,
			Code:        resp.StatusCode,
			Description: fmt.Sprintf("unexpected response: %s", truncate(string(raw), 200)),
		}
	}
	if !ar.OK {
		code := ar.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return nil, &APIError{Method: method, Code: code, Description: ar.Description}
	}
	return ar.Result, nil
}

// redact strips the bot token from errors that embed the request URL.
func (c *BotAPIClient) redact(err error) error {
	msg := err.Error()
	if !strings.Contains(msg, c.cfg.Token) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, c.cfg.Token, "<redacted>"))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// redactingLogger adapts slog to retryablehttp.LeveledLogger. retryablehttp
// logs the request URL, which carries the bot token in its path.
type redactingLogger struct {
	log   *slog.Logger
	token string
}

var _ retryablehttp.LeveledLogger = (*redactingLogger)(nil)

func (l *redactingLogger) Error(msg string, kv ...any) { l.log.Error(msg, l.clean(kv)...) }
func (l *redactingLogger) Warn(msg string, kv ...any)  { l.log.Warn(msg, l.clean(kv)...) }
func (l *redactingLogger) Info(msg string, kv ...any)  { l.log.Info(msg, l.clean(kv)...) }
func (l *redactingLogger) Debug(msg string, kv ...any) { l.log.Debug(msg, l.clean(kv)...) }

func (l *redactingLogger) clean(kv []any) []any {
	out := make([]any, len(kv))
	for i, v := range kv {
		switch val := v.(type) {
		case string:
			out[i] = l.scrub(val)
		case error:
			out[i] = l.scrub(val.Error())
		case fmt.Stringer:
			out[i] = l.scrub(val.String())
		default:
			out[i] = v
		}
	}
	return out
}

func (l *redactingLogger) scrub(s string) string {
	return strings.ReplaceAll(s, l.token, "<redacted>")
}
