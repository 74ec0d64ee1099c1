// Package regulatory provides a client for the FDA device data API. Every
// call runs through the resilience pipeline under the "fda_api" service
// key, so callers get circuit breaking, retries, request deduplication,
// and cache-backed fallback without composing those pieces themselves.
package regulatory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/waghostel/medregagent/pkg/config"
	"github.com/waghostel/medregagent/pkg/errors"
	"github.com/waghostel/medregagent/pkg/logging"
	"github.com/waghostel/medregagent/pkg/metrics"
	"github.com/waghostel/medregagent/pkg/resilience"
	"github.com/waghostel/medregagent/pkg/tracing"
)

// ServiceName is the circuit breaker and rate limiter key for the upstream
// regulatory data API
const ServiceName = "fda_api"

// Operation names used for degradation capability routing and telemetry
const (
	Op510KSearch           = "510k_search"
	Op510KLookup           = "510k_lookup"
	OpClassificationSearch = "classification_search"
	OpRecallSearch         = "recall_search"
	OpEventSearch          = "event_search"
)

const (
	endpoint510K           = "/device/510k.json"
	endpointClassification = "/device/classification.json"
	endpointRecall         = "/device/recall.json"
	endpointEvent          = "/device/event.json"
)

// Client calls the regulatory data API through the resilience pipeline
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	manager    *resilience.ResilienceManager
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

// NewClient creates a regulatory API client. The tracer and meter may be
// nil when tracing or metrics are disabled.
func NewClient(cfg config.RegulatoryAPIConfig, manager *resilience.ResilienceManager, tracer *tracing.TracingService, meter *metrics.Metrics) *Client {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if tracer != nil {
		httpClient = tracer.InstrumentHTTPClient(httpClient)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		userAgent:  cfg.UserAgent,
		httpClient: httpClient,
		manager:    manager,
		metrics:    meter,
		logger:     logging.GetLogger(),
	}
}

// Search510K searches premarket notification clearance records
func (c *Client) Search510K(ctx context.Context, query SearchQuery) (*DeviceSearchResult[Device510K], error) {
	return search[Device510K](ctx, c, endpoint510K, Op510KSearch, query)
}

// SearchClassifications searches device classification records
func (c *Client) SearchClassifications(ctx context.Context, query SearchQuery) (*DeviceSearchResult[DeviceClassification], error) {
	return search[DeviceClassification](ctx, c, endpointClassification, OpClassificationSearch, query)
}

// SearchRecalls searches device recall records
func (c *Client) SearchRecalls(ctx context.Context, query SearchQuery) (*DeviceSearchResult[DeviceRecall], error) {
	return search[DeviceRecall](ctx, c, endpointRecall, OpRecallSearch, query)
}

// SearchAdverseEvents searches medical device adverse event reports
func (c *Client) SearchAdverseEvents(ctx context.Context, query SearchQuery) (*DeviceSearchResult[AdverseEvent], error) {
	return search[AdverseEvent](ctx, c, endpointEvent, OpEventSearch, query)
}

// Lookup510K fetches a single 510(k) record by its K number
func (c *Client) Lookup510K(ctx context.Context, kNumber string) (*Device510K, error) {
	kNumber = strings.ToUpper(strings.TrimSpace(kNumber))
	if kNumber == "" {
		return nil, errors.NewValidationError("k_number is required")
	}

	result, err := search[Device510K](ctx, c, endpoint510K, Op510KLookup, SearchQuery{
		Search: fmt.Sprintf("k_number:%q", kNumber),
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(result.Results) == 0 {
		return nil, errors.NewNotFoundError(fmt.Sprintf("510(k) submission %s", kNumber))
	}

	device := result.Results[0]
	return &device, nil
}

// search runs one paged search through the resilience pipeline. Identical
// concurrent searches share a single upstream request, and results are
// written through to the fallback cache for stale serving during outages.
func search[T any](ctx context.Context, c *Client, endpoint, operation string, query SearchQuery) (*DeviceSearchResult[T], error) {
	query = query.normalized()
	params := query.params()

	value, result, err := resilience.Execute(ctx, c.manager, ServiceName, operation,
		func(ctx context.Context) (*DeviceSearchResult[T], error) {
			return fetchPage[T](ctx, c, endpoint, operation, params)
		},
		resilience.WithDedupKey(http.MethodGet, endpoint, params),
		resilience.WithCacheKey(searchCacheKey(endpoint, params)),
	)
	if err != nil {
		return nil, err
	}

	value.Stale = result.Stale
	value.Age = result.Age
	return value, nil
}

// fetchPage performs one upstream HTTP attempt and maps the outcome onto
// the error taxonomy. An upstream 404 means the query matched nothing and
// decodes to an empty page rather than an error.
func fetchPage[T any](ctx context.Context, c *Client, endpoint, operation string, params map[string]string) (*DeviceSearchResult[T], error) {
	u, err := url.Parse(c.baseURL + endpoint)
	if err != nil {
		return nil, errors.NewInternalError("invalid regulatory API base URL").WithCause(err)
	}

	q := u.Query()
	for key, value := range params {
		q.Set(key, value)
	}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.NewInternalError("failed to build upstream request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamRequest(ServiceName, operation, "network_error", time.Since(start))
		return nil, errors.NewTransientNetworkError(
			fmt.Sprintf("request to %s failed", endpoint)).WithCause(err)
	}
	defer resp.Body.Close()

	c.logger.LogUpstreamCall(ctx, ServiceName, operation, resp.StatusCode, time.Since(start), nil)
	c.metrics.RecordUpstreamRequest(ServiceName, operation, strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode == http.StatusNotFound {
		return &DeviceSearchResult[T]{Results: []T{}}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var page DeviceSearchResult[T]
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errors.NewUpstreamError(ServiceName, "failed to decode upstream response").WithCause(err)
	}
	if page.Results == nil {
		page.Results = []T{}
	}
	return &page, nil
}

// statusError maps a non-200 upstream response onto the error taxonomy.
// Server-side statuses stay retryable, client-side statuses are terminal.
func (c *Client) statusError(resp *http.Response) error {
	upstream := decodeUpstreamError(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err := errors.NewRateLimitError(upstream.message("regulatory API rate limit exceeded"))
		if retryAfter, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			err = err.WithRetryAfter(retryAfter)
		}
		return err
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.NewInternalError("regulatory API rejected the configured credentials").
			WithDetail("status_code", strconv.Itoa(resp.StatusCode))
	case resp.StatusCode >= http.StatusInternalServerError:
		return errors.NewUpstreamStatusError(ServiceName, resp.StatusCode)
	default:
		return errors.NewValidationError(upstream.message(
			fmt.Sprintf("regulatory API rejected the request with status %d", resp.StatusCode))).
			WithDetail("status_code", strconv.Itoa(resp.StatusCode))
	}
}

// upstreamError is the error envelope returned by the regulatory API
type upstreamError struct {
	Err struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e upstreamError) message(fallback string) string {
	if e.Err.Message != "" {
		return e.Err.Message
	}
	return fallback
}

func decodeUpstreamError(body io.Reader) upstreamError {
	var envelope upstreamError
	payload, err := io.ReadAll(io.LimitReader(body, 4096))
	if err == nil {
		_ = json.Unmarshal(payload, &envelope)
	}
	return envelope
}

// parseRetryAfter reads a Retry-After header given either as delay seconds
// or as an HTTP date
func parseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(header); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait, true
		}
	}
	return 0, false
}

// searchCacheKey builds a deterministic fallback cache key from the
// endpoint and its canonicalized parameters
func searchCacheKey(endpoint string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+params[key])
	}
	return "fda" + endpoint + "?" + strings.Join(pairs, "&")
}
