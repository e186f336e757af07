package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"crmbridge.io/internal/obs"
)

const remainingQuotaHeader = "X-Ratelimit-Remaining"

// TokenSource provides bearer tokens for upstream calls. force requests a
// refresh regardless of the cached token's remaining lifetime.
type TokenSource interface {
	AccessToken(ctx context.Context, tenantID, locationID string, force bool) (string, error)
}

// StaticTokenSource always returns the same token. Used by tests and one-off
// tooling.
type StaticTokenSource string

func (s StaticTokenSource) AccessToken(context.Context, string, string, bool) (string, error) {
	if s == "" {
		return "", errors.New("crm: static token is empty")
	}
	return string(s), nil
}

// Options configures the upstream API client.
type Options struct {
	BaseURL     string
	APIVersion  string
	UserAgent   string
	TokenSource TokenSource
	Limiter     *Limiter
	HTTPClient  *http.Client
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Client is the rate-limited, retrying upstream API client. All typed
// resource methods funnel through request.
type Client struct {
	baseURL    string
	apiVersion string
	userAgent  string
	tokens     TokenSource
	limiter    *Limiter
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu        sync.Mutex
	remaining map[string]int
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://services.leadconnectorhq.com"
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2021-07-28"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewLimiter(Limits{})
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 15 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiVersion: apiVersion,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		tokens:     opts.TokenSource,
		limiter:    limiter,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		remaining:  make(map[string]int),
	}
}

// RemainingQuota reports the last remaining-quota value the upstream sent
// for the scope's rate key.
func (c *Client) RemainingQuota(scope Scope) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.remaining[scope.RateKey()]
	return n, ok
}

func (c *Client) recordRemaining(key string, h http.Header) {
	raw := strings.TrimSpace(h.Get(remainingQuotaHeader))
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.remaining[key] = n
	c.mu.Unlock()
}

func (c *Client) request(ctx context.Context, scope Scope, method, path string, params url.Values, body, out any) error {
	if c.tokens == nil {
		return errors.New("crm: token source is required")
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	key := scope.RateKey()

	force := false
	var lastErr *APIError

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Acquire(ctx, key); err != nil {
			return err
		}
		token, err := c.tokens.AccessToken(ctx, scope.TenantID, scope.LocationID, force)
		if err != nil {
			return err
		}
		force = false

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Version", c.apiVersion)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			obs.ObserveUpstreamRequest(method, 0)
			lastErr = &APIError{Message: "transport failure", Err: err}
			if attempt < c.maxRetries {
				if werr := sleepContext(ctx, c.linearDelay(attempt+1)); werr != nil {
					return werr
				}
				continue
			}
			return lastErr
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		c.recordRemaining(key, resp.Header)
		obs.ObserveUpstreamRequest(method, resp.StatusCode)
		if readErr != nil {
			lastErr = &APIError{Message: "read response body", Err: readErr}
			if attempt < c.maxRetries {
				if werr := sleepContext(ctx, c.linearDelay(attempt+1)); werr != nil {
					return werr
				}
				continue
			}
			return lastErr
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("crm: decode %s %s: %w", method, path, err)
				}
			}
			return nil

		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = newAPIError(resp.StatusCode, respBody)
			if attempt < c.maxRetries {
				delay := parseRetryAfterSeconds(resp.Header.Get("Retry-After"))
				if delay <= 0 {
					delay = c.baseDelay
				}
				if delay > c.maxDelay {
					delay = c.maxDelay
				}
				if werr := sleepContext(ctx, delay); werr != nil {
					return werr
				}
				continue
			}
			return lastErr

		case resp.StatusCode == http.StatusUnauthorized:
			lastErr = newAPIError(resp.StatusCode, respBody)
			if attempt < c.maxRetries {
				force = true
				continue
			}
			return lastErr

		case resp.StatusCode >= 500:
			lastErr = newAPIError(resp.StatusCode, respBody)
			if attempt < c.maxRetries {
				if werr := sleepContext(ctx, c.linearDelay(attempt+1)); werr != nil {
					return werr
				}
				continue
			}
			return lastErr

		default:
			return newAPIError(resp.StatusCode, respBody)
		}
	}
}

func (c *Client) linearDelay(attempt int) time.Duration {
	delay := time.Duration(attempt) * c.baseDelay
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func newAPIError(status int, body []byte) *APIError {
	msg := strings.TrimSpace(string(body))
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			msg = parsed.Message
		} else if parsed.Error != "" {
			msg = parsed.Error
		}
	}
	return &APIError{StatusCode: status, Message: msg, Body: string(body)}
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// --- typed resource listings ---

func (c *Client) ListContacts(ctx context.Context, scope Scope, page PageRequest) (ListResult, error) {
	var env struct {
		Contacts []json.RawMessage `json:"contacts"`
		Meta     PageMeta          `json:"meta"`
	}
	params := page.values()
	params.Set("locationId", scope.LocationID)
	if err := c.request(ctx, scope, http.MethodGet, "/contacts/", params, nil, &env); err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: env.Contacts, Meta: env.Meta}, nil
}

func (c *Client) ListOpportunities(ctx context.Context, scope Scope, page PageRequest) (ListResult, error) {
	var env struct {
		Opportunities []json.RawMessage `json:"opportunities"`
		Meta          PageMeta          `json:"meta"`
	}
	params := page.values()
	params.Set("location_id", scope.LocationID)
	if err := c.request(ctx, scope, http.MethodGet, "/opportunities/search", params, nil, &env); err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: env.Opportunities, Meta: env.Meta}, nil
}

func (c *Client) ListAppointments(ctx context.Context, scope Scope, page PageRequest) (ListResult, error) {
	var env struct {
		Events []json.RawMessage `json:"events"`
	}
	params := page.values()
	params.Set("locationId", scope.LocationID)
	if err := c.request(ctx, scope, http.MethodGet, "/calendars/events", params, nil, &env); err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: env.Events, Meta: PageMeta{Total: len(env.Events)}}, nil
}

func (c *Client) ListCalendars(ctx context.Context, scope Scope, page PageRequest) (ListResult, error) {
	var env struct {
		Calendars []json.RawMessage `json:"calendars"`
	}
	params := page.values()
	params.Set("locationId", scope.LocationID)
	if err := c.request(ctx, scope, http.MethodGet, "/calendars/", params, nil, &env); err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: env.Calendars, Meta: PageMeta{Total: len(env.Calendars)}}, nil
}

func (c *Client) ListPipelines(ctx context.Context, scope Scope, page PageRequest) (ListResult, error) {
	var env struct {
		Pipelines []json.RawMessage `json:"pipelines"`
	}
	params := page.values()
	params.Set("locationId", scope.LocationID)
	if err := c.request(ctx, scope, http.MethodGet, "/opportunities/pipelines", params, nil, &env); err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: env.Pipelines, Meta: PageMeta{Total: len(env.Pipelines)}}, nil
}

func (c *Client) ListUsers(ctx context.Context, scope Scope, page PageRequest) (ListResult, error) {
	var env struct {
		Users []json.RawMessage `json:"users"`
	}
	params := page.values()
	params.Set("locationId", scope.LocationID)
	if err := c.request(ctx, scope, http.MethodGet, "/users/", params, nil, &env); err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: env.Users, Meta: PageMeta{Total: len(env.Users)}}, nil
}

func (c *Client) ListInvoices(ctx context.Context, scope Scope, page PageRequest) (ListResult, error) {
	var env struct {
		Invoices []json.RawMessage `json:"invoices"`
		Total    int               `json:"total"`
	}
	params := page.values()
	params.Set("altId", scope.LocationID)
	params.Set("altType", "location")
	if err := c.request(ctx, scope, http.MethodGet, "/invoices/", params, nil, &env); err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: env.Invoices, Meta: PageMeta{Total: env.Total}}, nil
}

func (c *Client) ListConversations(ctx context.Context, scope Scope, page PageRequest) (ListResult, error) {
	var env struct {
		Conversations []json.RawMessage `json:"conversations"`
		Total         int               `json:"total"`
	}
	params := page.values()
	params.Set("locationId", scope.LocationID)
	if err := c.request(ctx, scope, http.MethodGet, "/conversations/search", params, nil, &env); err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: env.Conversations, Meta: PageMeta{Total: env.Total}}, nil
}

// GetLocation fetches the location profile itself.
func (c *Client) GetLocation(ctx context.Context, scope Scope) (json.RawMessage, error) {
	var env struct {
		Location json.RawMessage `json:"location"`
	}
	if err := c.request(ctx, scope, http.MethodGet, "/locations/"+scope.LocationID, nil, nil, &env); err != nil {
		return nil, err
	}
	return env.Location, nil
}

// ListEntity dispatches to the typed listing for et. The scheduler and the
// initial-sync orchestrator both iterate entity types through this.
func (c *Client) ListEntity(ctx context.Context, scope Scope, et string, page PageRequest) (ListResult, error) {
	switch et {
	case "contacts":
		return c.ListContacts(ctx, scope, page)
	case "opportunities":
		return c.ListOpportunities(ctx, scope, page)
	case "appointments":
		return c.ListAppointments(ctx, scope, page)
	case "calendars":
		return c.ListCalendars(ctx, scope, page)
	case "pipelines":
		return c.ListPipelines(ctx, scope, page)
	case "users":
		return c.ListUsers(ctx, scope, page)
	case "invoices":
		return c.ListInvoices(ctx, scope, page)
	case "conversations":
		return c.ListConversations(ctx, scope, page)
	case "location":
		loc, err := c.GetLocation(ctx, scope)
		if err != nil {
			return ListResult{}, err
		}
		if len(loc) == 0 {
			return ListResult{}, nil
		}
		return ListResult{Items: []json.RawMessage{loc}, Meta: PageMeta{Total: 1}}, nil
	default:
		return ListResult{}, fmt.Errorf("crm: unknown entity type %q", et)
	}
}
