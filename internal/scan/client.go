// Package scan is the HTTP client for the Canton scan API's backfilling and
// updates endpoints. All calls are POST JSON with an explicit per-request
// wall-clock timeout, bounded retry on transient faults, and latency/outcome
// accounting that feeds the fetch auto-tuner.
package scan

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"cantonscan-ingest/internal/models"
)

// ErrMigrationNotFound terminates migration discovery: the probed id does not
// exist on the remote.
var ErrMigrationNotFound = errors.New("scan: migration not found")

// HTTPStatusError is a non-2xx response after body read.
type HTTPStatusError struct {
	Status int
	URL    string
	Body   string
}

func (e *HTTPStatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("scan: %s returned %d: %s", e.URL, e.Status, body)
}

// IsRetryable classifies transport faults the retry wrapper may re-attempt:
// connection reset / timeout / refused / broken pipe, and the retryable HTTP
// statuses. Everything else fails immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "eof")
}

// isThrottle reports whether the fault should count into the tuner's 503/429
// bucket rather than the generic error bucket.
func isThrottle(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status == http.StatusServiceUnavailable ||
			statusErr.Status == http.StatusTooManyRequests
	}
	return false
}

// Options configures a Client. Zero values take the documented defaults.
type Options struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RPS            float64 // 0 disables the limiter
	Burst          int
	InsecureTLS    bool
}

// Client is safe for concurrent use by all slice fetchers.
type Client struct {
	baseURL        string
	http           *http.Client
	limiter        *rate.Limiter
	requestTimeout time.Duration
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	stats          *Stats
}

func NewClient(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 32
	if opts.InsecureTLS {
		log.Printf("[scan] Warn: TLS verification DISABLED (INSECURE_TLS=true)")
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var limiter *rate.Limiter
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = int(opts.RPS)
		}
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}

	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		http:           &http.Client{Transport: transport},
		limiter:        limiter,
		requestTimeout: opts.RequestTimeout,
		maxRetries:     opts.MaxRetries,
		baseDelay:      opts.BaseDelay,
		maxDelay:       opts.MaxDelay,
		stats:          NewStats(100),
	}
}

// Stats exposes the latency window and outcome counters for the tuner and the
// status endpoint.
func (c *Client) Stats() *Stats { return c.stats }

// MigrationInfo probes one migration id. Returns ErrMigrationNotFound when the
// remote answers 404 (the discovery loop's terminator).
func (c *Client) MigrationInfo(ctx context.Context, migrationID int) (*models.MigrationInfo, error) {
	req := map[string]interface{}{"migration_id": migrationID}
	var resp models.MigrationInfo
	err := c.post(ctx, "/v0/backfilling/migration-info", req, &resp)
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound {
			return nil, ErrMigrationNotFound
		}
		return nil, err
	}
	resp.MigrationID = migrationID
	return &resp, nil
}

type updatesPage struct {
	Transactions []models.RawTransaction `json:"transactions"`
}

// UpdatesBefore fetches up to count transactions strictly before `before` and
// no earlier than atOrAfter, newest first.
func (c *Client) UpdatesBefore(ctx context.Context, migrationID int, synchronizerID string, before, atOrAfter time.Time, count int) ([]models.RawTransaction, error) {
	if count <= 0 || count > 1000 {
		count = 1000
	}
	req := map[string]interface{}{
		"migration_id":    migrationID,
		"synchronizer_id": synchronizerID,
		"before":          isoTime(before),
		"at_or_after":     isoTime(atOrAfter),
		"count":           count,
	}
	var resp updatesPage
	if err := c.post(ctx, "/v0/backfilling/updates-before", req, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// UpdatesForward fetches transactions strictly after (afterMigrationID,
// afterRecordTime), ascending. A zero afterRecordTime sends the probe form.
func (c *Client) UpdatesForward(ctx context.Context, afterMigrationID int, afterRecordTime time.Time, pageSize int) ([]models.RawTransaction, error) {
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 1000
	}
	req := map[string]interface{}{"page_size": pageSize}
	if !afterRecordTime.IsZero() {
		req["after"] = map[string]interface{}{
			"after_migration_id": afterMigrationID,
			"after_record_time":  isoTime(afterRecordTime),
		}
		req["daml_value_encoding"] = "compact_json"
	}
	var resp updatesPage
	if err := c.post(ctx, "/v2/updates", req, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// post runs one logical call: up to maxRetries+1 attempts with exponential
// backoff (base*2^n capped at maxDelay, 30% jitter). Non-retryable faults
// abort immediately; exhaustion surfaces the last error — there is no silent
// success-with-zero.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.RandomizationFactor = 0.3
	bo.Multiplier = 2
	bo.MaxInterval = c.maxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := 0
	op := func() error {
		attempts++
		err := c.doOnce(ctx, path, body, out)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if attempts <= c.maxRetries {
			log.Printf("[scan] transient error on %s (attempt %d/%d): %v", path, attempts, c.maxRetries+1, err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(c.maxRetries)))
	if err != nil {
		return fmt.Errorf("scan: %s failed after %d attempt(s): %w", path, attempts, err)
	}
	return nil
}

// doOnce performs a single attempt and records its latency and outcome.
// The wall-clock timeout is enforced with a context deadline so a wedged
// connection is abandoned even if the transport's own timeouts never fire.
func (c *Client) doOnce(ctx context.Context, path string, body, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.stats.Record(elapsed, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &HTTPStatusError{Status: resp.StatusCode, URL: url, Body: string(respBody)}
		// A 404 probe response is an expected outcome, not a fault.
		if resp.StatusCode == http.StatusNotFound {
			c.stats.Record(elapsed, nil)
		} else {
			c.stats.Record(elapsed, statusErr)
		}
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		decodeErr := fmt.Errorf("decode %s response: %w", path, err)
		c.stats.Record(elapsed, decodeErr)
		return decodeErr
	}
	c.stats.Record(elapsed, nil)
	return nil
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
