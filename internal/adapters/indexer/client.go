// Package indexer queries the ledger's indexer/mirror API: a read-only
// service that ingests chain state with small replication lag. All reads the
// service performs against ledger history go through here, fronted by Cache
// to respect the indexer's call-volume limits.
package indexer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ff4f/yieldharvest-sub002/internal/domain"
)

// Client is the raw HTTP querier. Resources are indexer paths relative to
// /api/v1 (e.g. "escrows", "topics/0.0.4851/messages").
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 8 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (c *Client) Query(ctx context.Context, resource string, params map[string]string) ([]byte, error) {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	u := c.baseURL + "/api/v1/" + strings.TrimLeft(resource, "/")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build indexer query: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: indexer: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: indexer read: %v", domain.ErrTransient, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("indexer %s: %w", resource, domain.ErrNotFound)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: indexer %s: status %d", domain.ErrTransient, resource, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("indexer %s: status %d: %s", resource, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// CacheKey builds the canonical cache key for a resource+params query so
// cache entries and invalidations agree on naming.
func CacheKey(resource string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("indexer:")
	b.WriteString(strings.TrimLeft(resource, "/"))
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(params[k])
	}
	return b.String()
}
