package hookdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultMaxUpstreamBody = 32 << 20

type UpstreamClientOptions struct {
	HTTPClient   *http.Client
	UserAgent    string
	MaxBodyBytes int64
}

// UpstreamClient performs third-party API calls for backfill, enrichment and
// feed fetches. It never retries: a non-2xx response is an *UpstreamError and
// the job layer decides whether the whole job runs again.
type UpstreamClient struct {
	httpClient   *http.Client
	userAgent    string
	maxBodyBytes int64
}

func NewUpstreamClient(opts UpstreamClientOptions) *UpstreamClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "hookdb/1.0"
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxUpstreamBody
	}
	return &UpstreamClient{
		httpClient:   httpClient,
		userAgent:    userAgent,
		maxBodyBytes: maxBody,
	}
}

type UpstreamRequest struct {
	Method   string
	URL      string
	Query    url.Values
	Header   http.Header
	Username string
	Password string
}

// Do sends the request and returns the body of a 2xx response.
func (c *UpstreamClient) Do(ctx context.Context, r UpstreamRequest) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("upstream client is nil")
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	target := r.URL
	if len(r.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + r.Query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build upstream request: %v", ErrInvalidInput, err)
	}
	for k, values := range r.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)
	if r.Username != "" || r.Password != "" {
		req.SetBasicAuth(r.Username, r.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, redactURL(r.URL), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", redactURL(r.URL), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{
			Method:     method,
			URL:        redactURL(r.URL),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}

func (c *UpstreamClient) GetJSON(ctx context.Context, r UpstreamRequest, out any) error {
	body, err := c.Do(ctx, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", redactURL(r.URL), err)
	}
	return nil
}

func (c *UpstreamClient) GetPayload(ctx context.Context, r UpstreamRequest) (Payload, error) {
	body, err := c.Do(ctx, r)
	if err != nil {
		return nil, err
	}
	p, err := DecodePayload(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", redactURL(r.URL), err)
	}
	return p, nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.Redacted()
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sleep waits for delay unless ctx ends first.
func Sleep(ctx context.Context, delay time.Duration) error {
	return sleepContext(ctx, delay)
}
