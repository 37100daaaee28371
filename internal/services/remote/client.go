package remote

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

	"github.com/inkwell-go/pkg/logger"
	"github.com/inkwell-go/pkg/metrics"
	"github.com/inkwell-go/pkg/ratelimit"
)

// Endpoint classes. List endpoints are throttled far harder by the
// remote service than everything else, so each class gets its own
// adaptive limiter.
const (
	ClassList    = "list"
	ClassDefault = "default"
)

const maxThrottleRetries = 5

type Config struct {
	BaseURL      string
	ListDelay    time.Duration
	DefaultDelay time.Duration
	MaxDelay     time.Duration
	PageCap      int
}

// APIError is a non-2xx response from the remote API. Throttling never
// surfaces as an APIError; the client retries 429s internally.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote api returned status %d: %s", e.Status, e.Body)
}

// Page is one page of a cursor-paginated list response.
type Page struct {
	Count   int               `json:"count"`
	Next    string            `json:"next"`
	Results []json.RawMessage `json:"results"`
}

type RemoteTag struct {
	Name string `json:"name"`
}

type RemoteBook struct {
	ID              int64      `json:"id"`
	Title           string     `json:"title"`
	Author          string     `json:"author"`
	Category        string     `json:"category"`
	SourceURL       string     `json:"source_url"`
	CoverImageURL   string     `json:"cover_image_url"`
	NumHighlights   int        `json:"num_highlights"`
	LastHighlightAt *time.Time `json:"last_highlight_at"`
	Updated         *time.Time `json:"updated"`
}

type RemoteHighlight struct {
	ID            int64       `json:"id"`
	BookID        int64       `json:"book_id"`
	Text          string      `json:"text"`
	Note          string      `json:"note"`
	Location      int         `json:"location"`
	HighlightedAt *time.Time  `json:"highlighted_at"`
	Updated       *time.Time  `json:"updated"`
	Tags          []RemoteTag `json:"tags"`
}

// Client is a rate-limited Readwise API client scoped to one tenant's
// token. Delays adapt to the remaining-quota header and 429 responses.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiters   map[string]*ratelimit.AdaptiveLimiter
	pageCap    int
	logger     logger.Logger
}

func NewClient(cfg Config, token string, log logger.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiters: map[string]*ratelimit.AdaptiveLimiter{
			ClassList:    ratelimit.NewAdaptiveLimiter(cfg.ListDelay, cfg.MaxDelay),
			ClassDefault: ratelimit.NewAdaptiveLimiter(cfg.DefaultDelay, cfg.MaxDelay),
		},
		pageCap: cfg.PageCap,
		logger:  log,
	}
}

// classFor maps a request path to its endpoint class.
func classFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ClassDefault
	}
	path := strings.TrimSuffix(u.Path, "/")
	if strings.HasSuffix(path, "/books") || strings.HasSuffix(path, "/highlights") {
		return ClassList
	}
	return ClassDefault
}

// FetchPage performs one rate-limited GET, transparently retrying
// throttled responses.
func (c *Client) FetchPage(ctx context.Context, rawURL string) (*Page, error) {
	body, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode page: %w", err)
	}
	return &page, nil
}

// FetchAllPages walks the cursor chain starting at firstURL. The walk
// stops at the page cap so a runaway cursor cannot spin forever.
func (c *Client) FetchAllPages(ctx context.Context, firstURL string) ([]json.RawMessage, error) {
	var results []json.RawMessage

	next := firstURL
	for pages := 0; next != ""; pages++ {
		if pages >= c.pageCap {
			c.logger.Warn("Page cap reached while paginating", "url", firstURL, "pages", pages)
			break
		}

		page, err := c.FetchPage(ctx, next)
		if err != nil {
			return nil, err
		}
		results = append(results, page.Results...)
		next = page.Next
	}

	return results, nil
}

// ProbeAuth verifies the token against the auth endpoint. The remote
// answers 204 for a valid token.
func (c *Client) ProbeAuth(ctx context.Context) error {
	class := ClassDefault
	limiter := c.limiters[class]

	waited, err := limiter.Wait(ctx)
	if err != nil {
		return err
	}
	metrics.RemoteThrottleDelay.WithLabelValues(class).Observe(waited.Seconds())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/auth/", nil)
	if err != nil {
		return fmt.Errorf("failed to build auth request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		limiter.ReportFailure()
		metrics.RemoteRequestsTotal.WithLabelValues(class, "error").Inc()
		return fmt.Errorf("auth probe failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.RemoteRequestsTotal.WithLabelValues(class, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusNoContent {
		limiter.ReportSuccess(remainingQuota(resp))
		return &APIError{Status: resp.StatusCode, Body: "auth probe rejected"}
	}
	limiter.ReportSuccess(remainingQuota(resp))
	return nil
}

// FetchBooks lists the tenant's books, optionally filtered to records
// updated after the given time.
func (c *Client) FetchBooks(ctx context.Context, updatedAfter *time.Time) ([]RemoteBook, error) {
	raw, err := c.FetchAllPages(ctx, c.listURL("/v2/books/", updatedAfter))
	if err != nil {
		return nil, err
	}

	books := make([]RemoteBook, 0, len(raw))
	for _, item := range raw {
		var book RemoteBook
		if err := json.Unmarshal(item, &book); err != nil {
			return nil, fmt.Errorf("failed to decode book: %w", err)
		}
		books = append(books, book)
	}
	return books, nil
}

func (c *Client) FetchHighlights(ctx context.Context, updatedAfter *time.Time) ([]RemoteHighlight, error) {
	raw, err := c.FetchAllPages(ctx, c.listURL("/v2/highlights/", updatedAfter))
	if err != nil {
		return nil, err
	}

	highlights := make([]RemoteHighlight, 0, len(raw))
	for _, item := range raw {
		var highlight RemoteHighlight
		if err := json.Unmarshal(item, &highlight); err != nil {
			return nil, fmt.Errorf("failed to decode highlight: %w", err)
		}
		highlights = append(highlights, highlight)
	}
	return highlights, nil
}

// CountBooks reads the total from the first page without walking the
// whole list.
func (c *Client) CountBooks(ctx context.Context) (int, error) {
	page, err := c.FetchPage(ctx, c.baseURL+"/v2/books/?page_size=1")
	if err != nil {
		return 0, err
	}
	return page.Count, nil
}

func (c *Client) listURL(path string, updatedAfter *time.Time) string {
	u := c.baseURL + path + "?page_size=1000"
	if updatedAfter != nil {
		u += "&updated__gt=" + url.QueryEscape(updatedAfter.UTC().Format(time.RFC3339))
	}
	return u
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	class := classFor(rawURL)
	limiter := c.limiters[class]

	for attempt := 0; ; attempt++ {
		waited, err := limiter.Wait(ctx)
		if err != nil {
			return nil, err
		}
		metrics.RemoteThrottleDelay.WithLabelValues(class).Observe(waited.Seconds())

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Authorization", "Token "+c.token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			limiter.ReportFailure()
			metrics.RemoteRequestsTotal.WithLabelValues(class, "error").Inc()
			return nil, fmt.Errorf("remote request failed: %w", err)
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		metrics.RemoteRequestsTotal.WithLabelValues(class, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusTooManyRequests {
			if attempt >= maxThrottleRetries {
				return nil, &APIError{Status: resp.StatusCode, Body: "throttle retries exhausted"}
			}
			retryAfter := retryAfterDuration(resp)
			c.logger.Warn("Remote API throttled request",
				"class", class, "retryAfter", retryAfter, "attempt", attempt+1)
			if err := limiter.ReportThrottled(ctx, retryAfter); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read response: %w", readErr)
		}

		limiter.ReportSuccess(remainingQuota(resp))
		return body, nil
	}
}

// remainingQuota parses the quota header; -1 means the header was
// absent, which the limiter treats as healthy.
func remainingQuota(resp *http.Response) int {
	header := resp.Header.Get("X-RateLimit-Remaining")
	if header == "" {
		return -1
	}
	remaining, err := strconv.Atoi(header)
	if err != nil {
		return -1
	}
	return remaining
}

func retryAfterDuration(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return time.Second
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return time.Second
	}
	return time.Duration(seconds) * time.Second
}
