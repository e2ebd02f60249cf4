// Package huggingface fetches model, dataset and paper metadata from the
// Hugging Face Hub REST API.
package huggingface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/OFFIS-RIT/modelgraph/internal/util"
	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
	"github.com/OFFIS-RIT/modelgraph/pkg/source"
)

const DefaultBaseURL = "https://huggingface.co"

// ErrAccessDenied is wrapped by permanent failures for gated or private repos.
var ErrAccessDenied = errors.New("access denied")

// Client is a source.Client for the Hub. Requests are rate limited and
// retried with backoff on 429, 5xx and network errors; 4xx answers are
// permanent failures. Licenses and keywords have no Hub endpoint and are
// synthesized from their id.
type Client struct {
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	group      singleflight.Group
}

// NewClientParams configures a Client.
//
// RequestsPerSecond <= 0 disables rate limiting. MaxRetries is the number
// of extra attempts after a transient failure.
type NewClientParams struct {
	BaseURL           string
	Token             string
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	Backoff           time.Duration
	Timeout           time.Duration
	Transport         http.RoundTripper
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	return t.rt.RoundTrip(r)
}

func NewClient(params NewClientParams) (*Client, error) {
	base := strings.TrimSuffix(params.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid hub url %q: %w", params.BaseURL, err)
	}

	rt := params.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	headers := map[string]string{
		"Accept":     "application/json",
		"User-Agent": "modelgraph-harvester",
	}
	if params.Token != "" {
		headers["Authorization"] = "Bearer " + params.Token
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	backoff := params.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	maxRetries := params.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if params.RequestsPerSecond > 0 {
		burst := params.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(params.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL: base,
		http: &http.Client{
			Timeout:   timeout,
			Transport: &headerTransport{headers: headers, rt: rt},
		},
		limiter:    limiter,
		maxRetries: maxRetries,
		backoff:    backoff,
	}, nil
}

// Fetch returns the raw record of one entity. Concurrent fetches of the same
// id share one request.
func (c *Client) Fetch(ctx context.Context, kind common.EntityKind, id string) (common.RawRecord, error) {
	eid := common.NewEntityID(kind, id)
	switch kind.FetchKind() {
	case common.KindLicense, common.KindKeyword:
		return synthesize(kind.FetchKind(), id), nil
	}

	endpoint, err := c.endpoint(kind.FetchKind(), id)
	if err != nil {
		return common.RawRecord{}, source.Permanent(eid, err)
	}

	v, err, _ := c.group.Do(eid.String(), func() (any, error) {
		var fields map[string]any
		err := c.getJSON(ctx, eid, endpoint, &fields)
		if err != nil {
			return nil, err
		}
		return fields, nil
	})
	if err != nil {
		return common.RawRecord{}, err
	}
	fields := v.(map[string]any)
	return toRecord(kind.FetchKind(), id, fields), nil
}

func (c *Client) endpoint(kind common.EntityKind, id string) (string, error) {
	segment := ""
	switch kind {
	case common.KindModel:
		segment = "models"
	case common.KindDataset:
		segment = "datasets"
	case common.KindPaper:
		segment = "papers"
	default:
		return "", fmt.Errorf("unsupported entity kind %q", kind)
	}
	parts := strings.Split(strings.Trim(id, "/"), "/")
	for i, p := range parts {
		if p == "" || p == "." || p == ".." {
			return "", fmt.Errorf("invalid id %q", id)
		}
		parts[i] = url.PathEscape(p)
	}
	return c.baseURL + "/api/" + segment + "/" + strings.Join(parts, "/"), nil
}

// getJSON performs a rate-limited GET with retries and decodes the body.
func (c *Client) getJSON(ctx context.Context, id common.EntityID, endpoint string, out any) error {
	body, err := util.RetryWithBackoff(ctx, c.maxRetries+1, c.backoff, source.IsTransient, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, id, endpoint)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return source.Permanent(id, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) get(ctx context.Context, id common.EntityID, endpoint string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, source.Transient(id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, source.Permanent(id, fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, source.Transient(id, fmt.Errorf("%w: %v", source.ErrUnreachable, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, source.Transient(id, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, source.Permanent(id, source.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, source.Permanent(id, ErrAccessDenied)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		logger.Debug("[HF] Retryable response", "url", endpoint, "status", resp.StatusCode)
		return nil, source.Transient(id, fmt.Errorf("hub returned %s", resp.Status))
	default:
		return nil, source.Permanent(id, fmt.Errorf("hub returned %s", resp.Status))
	}
}

var _ source.Client = (*Client)(nil)
