package smartsheet

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/curtbushko/smartsheet-attachments/internal/config"
	"github.com/curtbushko/smartsheet-attachments/internal/logging"
)

// RequestIDHeader carries a per-request correlation ID
const RequestIDHeader = "X-Request-ID"

// AssumeUserHeader selects the user an admin token acts as
const AssumeUserHeader = "Assume-User"

// HTTPClientConfig holds configuration for the retry HTTP client
type HTTPClientConfig struct {
	Timeout         time.Duration     // Request timeout
	MaxRetries      int               // Maximum number of retries
	RetryWaitMin    time.Duration     // Minimum wait time between retries
	RetryWaitMax    time.Duration     // Maximum wait time between retries
	RetryableStatus []int             // HTTP status codes that should trigger retries
	Transport       http.RoundTripper // Base transport, usually the oauth2 transport
}

// HTTPClientConfigFromSmartsheetConfig creates HTTPClientConfig from SmartsheetConfig
func HTTPClientConfigFromSmartsheetConfig(cfg config.SmartsheetConfig) HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:         cfg.TimeoutDuration(),
		MaxRetries:      cfg.MaxRetries,
		RetryWaitMin:    500 * time.Millisecond,
		RetryWaitMax:    30 * time.Second,
		RetryableStatus: []int{429, 500, 502, 503, 504},
	}
}

// RetryHTTPClient is an HTTP client with retry logic and exponential backoff.
// Rate limiting (429) and server errors are retried; every other non-2xx
// response is returned as *APIError or *HTTPError.
type RetryHTTPClient struct {
	client *http.Client
	config HTTPClientConfig
	logger logging.Logger
}

// NewRetryHTTPClient creates a new HTTP client with retry logic
func NewRetryHTTPClient(config HTTPClientConfig, logger logging.Logger) *RetryHTTPClient {
	if config.RetryWaitMin == 0 {
		config.RetryWaitMin = 500 * time.Millisecond
	}
	if config.RetryWaitMax == 0 {
		config.RetryWaitMax = 30 * time.Second
	}
	if len(config.RetryableStatus) == 0 {
		config.RetryableStatus = []int{429, 500, 502, 503, 504}
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &RetryHTTPClient{
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		config: config,
		logger: logger,
	}
}

// Do executes an HTTP request with retry logic. The caller closes the body of
// a successful response.
func (c *RetryHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get(RequestIDHeader) == "" {
		req.Header.Set(RequestIDHeader, uuid.NewString())
	}
	requestID := req.Header.Get(RequestIDHeader)

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		reqClone := req.Clone(req.Context())

		c.logger.LogAPIRequest(logging.APIRequest{
			Method:     req.Method,
			URL:        req.URL.Redacted(),
			Headers:    headerValues(req.Header),
			RequestID:  requestID,
			AssumeUser: req.Header.Get(AssumeUserHeader),
		})

		start := time.Now()
		resp, err := c.client.Do(reqClone)
		if err != nil {
			lastErr = fmt.Errorf("request failed after %d attempts: %w", attempt+1, err)
			if req.Context().Err() != nil {
				return nil, req.Context().Err()
			}
			if attempt < c.config.MaxRetries {
				if werr := c.waitForRetry(req.Context(), attempt, 0); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, lastErr
		}

		c.logger.LogAPIResponse(logging.APIResponse{
			StatusCode: resp.StatusCode,
			RequestID:  requestID,
			Duration:   time.Since(start),
			Success:    resp.StatusCode < 400,
		})

		if resp.StatusCode < 400 {
			return resp, nil
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		lastErr = responseError(resp, body)

		if c.shouldRetry(resp.StatusCode) && attempt < c.config.MaxRetries {
			c.logger.Warn("Retrying %s %s after HTTP %d (attempt %d of %d)", req.Method, req.URL.Path, resp.StatusCode, attempt+1, c.config.MaxRetries+1)
			if werr := c.waitForRetry(req.Context(), attempt, parseRetryAfter(resp)); werr != nil {
				return nil, werr
			}
			continue
		}

		return nil, lastErr
	}

	return nil, lastErr
}

func responseError(resp *http.Response, body []byte) error {
	if apiErr := parseAPIError(resp.StatusCode, body); apiErr != nil {
		return apiErr
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
}

// shouldRetry determines if a request should be retried based on status code
func (c *RetryHTTPClient) shouldRetry(statusCode int) bool {
	for _, retryableStatus := range c.config.RetryableStatus {
		if statusCode == retryableStatus {
			return true
		}
	}
	return false
}

// parseRetryAfter parses the Retry-After header and returns the wait duration
func parseRetryAfter(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

// waitForRetry sleeps with exponential backoff and jitter, or for the server's
// Retry-After when given. Both are capped at RetryWaitMax.
func (c *RetryHTTPClient) waitForRetry(ctx context.Context, attempt int, retryAfter time.Duration) error {
	var waitTime time.Duration

	if retryAfter > 0 {
		waitTime = retryAfter
	} else {
		base := float64(c.config.RetryWaitMin)
		exponential := base * math.Pow(2, float64(attempt))
		jitter := exponential * 0.25 * (rand.Float64()*2 - 1)
		waitTime = time.Duration(exponential + jitter)
		if waitTime < c.config.RetryWaitMin {
			waitTime = c.config.RetryWaitMin
		}
	}
	if waitTime > c.config.RetryWaitMax {
		waitTime = c.config.RetryWaitMax
	}

	timer := time.NewTimer(waitTime)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// headerValues flattens h for logging. The logger masks Authorization.
func headerValues(h http.Header) map[string]string {
	values := make(map[string]string, len(h))
	for key := range h {
		values[key] = h.Get(key)
	}
	return values
}
