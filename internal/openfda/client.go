package openfda

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ukuqala/medguard/internal/domain/safety"
	"github.com/ukuqala/medguard/internal/observability/metrics"
	"github.com/ukuqala/medguard/pkg/circuitbreaker"
)

const (
	endpointEvents      = "/drug/event.json"
	endpointLabel       = "/drug/label.json"
	endpointNDC         = "/drug/ndc.json"
	endpointEnforcement = "/drug/enforcement.json"
)

// Config holds gateway configuration.
type Config struct {
	// BaseURL of the regulatory data API
	BaseURL string
	// APIKey is the caller-supplied credential; empty means anonymous quota
	APIKey string
	// Timeout bounds each HTTP request
	Timeout time.Duration
	// PerMinuteLimit and PerDayLimit are the externally imposed ceilings
	PerMinuteLimit int
	PerDayLimit    int
	// CacheTTL is the default response cache lifetime; per-call override via WithTTL
	CacheTTL time.Duration
	// InteractionHighSerious and InteractionMediumSerious are the serious
	// co-occurrence counts above which the pairwise signal classifies as
	// high or medium. Heuristic thresholds, not clinically validated.
	InteractionHighSerious   int
	InteractionMediumSerious int
}

// DefaultConfig returns the documented quotas for a keyed client.
func DefaultConfig() Config {
	return Config{
		BaseURL:                  "https://api.fda.gov",
		Timeout:                  10 * time.Second,
		PerMinuteLimit:           240,
		PerDayLimit:              120000,
		CacheTTL:                 60 * time.Minute,
		InteractionHighSerious:   5,
		InteractionMediumSerious: 2,
	}
}

// Client is the rate-limited, cached gateway to the data source. A cache hit
// bypasses both the admission counters and the network. All operations return
// their error only to the immediate caller; higher layers treat a failure for
// one medication as non-fatal and continue their batch.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *limiter
	cache   *responseCache
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// New creates a gateway client.
func New(cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.PerMinuteLimit <= 0 || cfg.PerDayLimit <= 0 {
		return nil, fmt.Errorf("rate-limit ceilings must be positive")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("openfda"), logger)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: newLimiter(cfg.PerMinuteLimit, cfg.PerDayLimit),
		cache:   newResponseCache(),
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("openfda-gateway"),
		metrics: m,
	}, nil
}

// QueryOption adjusts a single gateway call.
type QueryOption func(*queryOpts)

type queryOpts struct {
	ttl time.Duration
}

// WithTTL overrides the cache TTL for one call.
func WithTTL(d time.Duration) QueryOption {
	return func(o *queryOpts) { o.ttl = d }
}

// SearchAdverseEvents returns up to limit adverse-event reports naming the
// medication.
func (c *Client) SearchAdverseEvents(ctx context.Context, medication string, limit int, opts ...QueryOption) ([]AdverseEventReport, error) {
	params := url.Values{}
	params.Set("search", fmt.Sprintf(`patient.drug.medicinalproduct:%q`, medication))
	params.Set("limit", strconv.Itoa(clampLimit(limit)))

	body, err := c.query(ctx, endpointEvents, params, opts...)
	if err != nil {
		return nil, err
	}
	return decodeResults[AdverseEventReport](body)
}

// FetchDrugLabel returns the single best label match for a brand or generic
// name, or nil when the source has no label for it.
func (c *Client) FetchDrugLabel(ctx context.Context, medication string, opts ...QueryOption) (*DrugLabel, error) {
	params := url.Values{}
	params.Set("search", fmt.Sprintf(`openfda.brand_name:%q+openfda.generic_name:%q`, medication, medication))
	params.Set("limit", "1")

	body, err := c.query(ctx, endpointLabel, params, opts...)
	if err != nil {
		return nil, err
	}
	labels, err := decodeResults[DrugLabel](body)
	if err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, nil
	}
	return &labels[0], nil
}

// SearchProducts queries the NDC product directory by generic or brand name.
func (c *Client) SearchProducts(ctx context.Context, name string, limit int, opts ...QueryOption) ([]NDCProduct, error) {
	params := url.Values{}
	params.Set("search", fmt.Sprintf(`generic_name:%q+brand_name:%q`, name, name))
	params.Set("limit", strconv.Itoa(clampLimit(limit)))

	body, err := c.query(ctx, endpointNDC, params, opts...)
	if err != nil {
		return nil, err
	}
	return decodeResults[NDCProduct](body)
}

// FetchRecalls returns recall enforcement records, optionally filtered by
// product description.
func (c *Client) FetchRecalls(ctx context.Context, product string, limit int, opts ...QueryOption) ([]RecallRecord, error) {
	params := url.Values{}
	if product != "" {
		params.Set("search", fmt.Sprintf(`product_description:%q`, product))
	}
	params.Set("limit", strconv.Itoa(clampLimit(limit)))

	body, err := c.query(ctx, endpointEnforcement, params, opts...)
	if err != nil {
		return nil, err
	}
	return decodeResults[RecallRecord](body)
}

// CheckInteractions queries for reports that jointly name every supplied
// medication and classifies the co-occurrence signal by its serious-event
// count. At least two medications are required.
func (c *Client) CheckInteractions(ctx context.Context, medications []string, opts ...QueryOption) (*InteractionSignal, error) {
	if len(medications) < 2 {
		return nil, fmt.Errorf("interaction check needs at least two medications, got %d", len(medications))
	}

	clauses := make([]string, 0, len(medications))
	for _, med := range medications {
		clauses = append(clauses, fmt.Sprintf(`patient.drug.medicinalproduct:%q`, med))
	}

	params := url.Values{}
	params.Set("search", strings.Join(clauses, "+AND+"))
	params.Set("limit", "100")

	body, err := c.query(ctx, endpointEvents, params, opts...)
	if err != nil {
		return nil, err
	}
	reports, err := decodeResults[AdverseEventReport](body)
	if err != nil {
		return nil, err
	}

	serious := 0
	for i := range reports {
		if reports[i].IsSerious() {
			serious++
		}
	}

	risk := InteractionLow
	switch {
	case serious > c.cfg.InteractionHighSerious:
		risk = InteractionHigh
	case serious > c.cfg.InteractionMediumSerious:
		risk = InteractionMedium
	}

	return &InteractionSignal{
		Medications:  medications,
		Risk:         risk,
		ReportCount:  len(reports),
		SeriousCount: serious,
	}, nil
}

// Remaining exposes the calls left in each admission window.
func (c *Client) Remaining() (minute, day int) {
	return c.limiter.remaining()
}

// BreakerState exposes the upstream circuit state for the status surface.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}

// query is the single request path: cache, admission counters, circuit
// breaker, HTTP.
func (c *Client) query(ctx context.Context, endpoint string, params url.Values, opts ...QueryOption) ([]byte, error) {
	qo := queryOpts{ttl: c.cfg.CacheTTL}
	for _, opt := range opts {
		opt(&qo)
	}

	key := cacheKey(endpoint, params)
	if body, ok := c.cache.get(key); ok {
		c.metrics.IncCache(true)
		return body, nil
	}
	c.metrics.IncCache(false)

	if err := c.limiter.allow(); err != nil {
		c.metrics.IncRateLimited()
		c.metrics.IncUpstream(endpoint, "rate_limited")
		c.logger.Warn("gateway admission denied", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "openfda_query",
		trace.WithAttributes(attribute.String("endpoint", endpoint)))
	defer span.End()

	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		return c.fetch(ctx, endpoint, params)
	})
	if err != nil {
		c.metrics.IncUpstream(endpoint, "error")
		span.RecordError(err)
		c.logger.Error("upstream query failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, fmt.Errorf("%w: %s", safety.ErrUpstreamUnavailable, err.Error())
	}

	body := result.([]byte)
	c.cache.put(key, body, qo.ttl)
	c.metrics.IncUpstream(endpoint, "ok")
	return body, nil
}

// emptyResults is what the source means by HTTP 404: no records matched.
var emptyResults = []byte(`{"results":[]}`)

func (c *Client) fetch(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	query := params
	if c.cfg.APIKey != "" {
		query = url.Values{}
		for k, v := range params {
			query[k] = v
		}
		query.Set("api_key", c.cfg.APIKey)
	}

	reqURL := c.cfg.BaseURL + endpoint + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	// The source answers 404 for a valid query with zero matches.
	if resp.StatusCode == http.StatusNotFound {
		return emptyResults, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func decodeResults[T any](body []byte) ([]T, error) {
	var envelope resultEnvelope[T]
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return envelope.Results, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > 100 {
		return 100
	}
	return limit
}
