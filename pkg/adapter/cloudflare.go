package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/urlanalyzer/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const cloudflareHTTPTimeout = 30 * time.Second

// Client is a minimal Cloudflare API v4 client shared by the adapters.
// Credentials are passed in explicitly; nothing is read from the
// environment here.
type Client struct {
	log        logrus.FieldLogger
	httpClient *http.Client
	baseURL    string
	accountID  string
	apiToken   string
	limiter    *rate.Limiter
	maxBytes   int64
}

// NewClient creates a Cloudflare API client from cfg.
func NewClient(log logrus.FieldLogger, cfg *config.CloudflareConfig) (*Client, error) {
	maxBytes, err := cfg.MaxResponseBytes()
	if err != nil {
		return nil, err
	}

	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = config.DefaultRequestsPerMinute
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = config.DefaultCloudflareBaseURL
	}

	return &Client{
		log:        log.WithField("component", "cloudflare"),
		httpClient: &http.Client{Timeout: cloudflareHTTPTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountID:  cfg.AccountID,
		apiToken:   cfg.APIToken,
		limiter: rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(perMinute)),
			perMinute/10+1,
		),
		maxBytes: maxBytes,
	}, nil
}

// envelope is the standard Cloudflare API v4 response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Errors  []apiMessage    `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func joinMessages(msgs []apiMessage) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, fmt.Sprintf("%d: %s", m.Code, m.Message))
	}

	return strings.Join(parts, "; ")
}

// request describes one API call relative to the account.
type request struct {
	op        string
	method    string
	path      string
	query     url.Values
	body      any
	enveloped bool
}

// do performs req and decodes the response into out. For enveloped
// endpoints out receives the "result" field.
func (c *Client) do(ctx context.Context, req request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &TransientError{Err: fmt.Errorf("%s: waiting for rate limiter: %w", req.op, err)}
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/%s",
		c.baseURL, url.PathEscape(c.accountID), strings.TrimLeft(req.path, "/"))
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}

	var body io.Reader

	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return &PermanentError{Err: fmt.Errorf("%s: encoding request: %w", req.op, err)}
		}

		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("%s: creating request: %w", req.op, err)}
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)
	httpReq.Header.Set("Accept", "application/json")

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("%s: %w", req.op, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("%s: reading response: %w", req.op, err)}
	}

	c.log.WithFields(logrus.Fields{
		"op":       req.op,
		"status":   resp.StatusCode,
		"size":     units.HumanSize(float64(len(data))),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("Cloudflare API call")

	if int64(len(data)) > c.maxBytes {
		return &PermanentError{Err: fmt.Errorf(
			"%s: response exceeds %s", req.op, units.HumanSize(float64(c.maxBytes)),
		)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(req.op, resp.StatusCode, errorDetail(data))
	}

	if !req.enveloped {
		if err := json.Unmarshal(data, out); err != nil {
			return &PermanentError{Err: fmt.Errorf("%s: decoding response: %w", req.op, err)}
		}

		return nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &PermanentError{Err: fmt.Errorf("%s: decoding response: %w", req.op, err)}
	}

	if !env.Success {
		return &PermanentError{Err: fmt.Errorf("%s: api error: %s", req.op, joinMessages(env.Errors))}
	}

	if len(env.Result) == 0 || string(env.Result) == "null" {
		return &PermanentError{Err: fmt.Errorf("%s: empty result", req.op)}
	}

	if err := json.Unmarshal(env.Result, out); err != nil {
		return &PermanentError{Err: fmt.Errorf("%s: decoding result: %w", req.op, err)}
	}

	return nil
}

// errorDetail extracts the API error messages from an error body, if any.
func errorDetail(data []byte) string {
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && len(env.Errors) > 0 {
		return joinMessages(env.Errors)
	}

	var raw struct {
		Message string `json:"message"`
	}

	if err := json.Unmarshal(data, &raw); err == nil {
		return raw.Message
	}

	return ""
}
