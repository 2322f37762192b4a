// Package remote implements syncer.Remote against the conference backend,
// either over its REST API or directly against PostgreSQL.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/filter"
	"github.com/wolfeidau/offline-cache/syncer"
	"github.com/wolfeidau/offline-cache/telemetry"
)

const (
	// DefaultTimeout is the default timeout for remote requests.
	DefaultTimeout = 30 * time.Second

	// SourceHTTP labels REST fetch metrics.
	SourceHTTP = "postgrest"

	// DefaultUpdatedColumn is the column probed for the last change.
	DefaultUpdatedColumn = "updated_at"

	restPrefix = "/rest/v1/"
)

// ErrNotFound is returned when the remote has no such table.
var ErrNotFound = errors.New("not found")

var _ syncer.Remote = (*HTTP)(nil)

// HTTP fetches tables from a PostgREST style API.
type HTTP struct {
	baseURL       string
	apiKey        string
	updatedColumn string
	client        *http.Client
	cache         *backend.Filesystem
	filters       map[string]*filter.Filter
	logger        *slog.Logger

	mu    sync.RWMutex
	token string
}

// HTTPOption configures an HTTP remote.
type HTTPOption func(*HTTP)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTP) {
		h.client = client
	}
}

// WithAPIKey sets the apikey header sent with every request.
func WithAPIKey(key string) HTTPOption {
	return func(h *HTTP) {
		h.apiKey = key
	}
}

// WithBearerToken sets the initial bearer token.
func WithBearerToken(token string) HTTPOption {
	return func(h *HTTP) {
		h.token = token
	}
}

// WithResponseCache keeps the last response per table in fs and
// revalidates it with If-None-Match.
func WithResponseCache(fs *backend.Filesystem) HTTPOption {
	return func(h *HTTP) {
		h.cache = fs
	}
}

// WithTableFilter applies f to table responses before they are written to
// the response cache, so confidential fields never reach the disk.
func WithTableFilter(table string, f *filter.Filter) HTTPOption {
	return func(h *HTTP) {
		if f == nil {
			return
		}
		if h.filters == nil {
			h.filters = make(map[string]*filter.Filter)
		}
		h.filters[table] = f
	}
}

// WithUpdatedColumn sets the column used by ProbeLastModified.
func WithUpdatedColumn(col string) HTTPOption {
	return func(h *HTTP) {
		h.updatedColumn = col
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(h *HTTP) {
		h.logger = logger
	}
}

// NewHTTP creates a REST remote rooted at baseURL.
func NewHTTP(baseURL string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		updatedColumn: DefaultUpdatedColumn,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(telemetry.NewInstrumentedTransport(nil, SourceHTTP)),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "remote", "source", SourceHTTP)
	return h
}

// SetToken replaces the bearer token, typically after login.
func (h *HTTP) SetToken(token string) {
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
}

func (h *HTTP) setAuth(req *http.Request) {
	if h.apiKey != "" {
		req.Header.Set("apikey", h.apiKey)
	}
	h.mu.RLock()
	token := h.token
	h.mu.RUnlock()
	if token == "" {
		token = h.apiKey
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (h *HTTP) tableURL(table string, query url.Values) string {
	return h.baseURL + restPrefix + url.PathEscape(table) + "?" + query.Encode()
}

func cacheKey(table string) string {
	return "rest/" + table
}

// FetchTable returns every row of table. With a response cache configured
// an unchanged table is served from the cache on 304.
func (h *HTTP) FetchTable(ctx context.Context, table string) ([]offlinecache.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.tableURL(table, url.Values{"select": {"*"}}), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	h.setAuth(req)

	f := h.filters[table]

	var cached []byte
	if h.cache != nil {
		hdr, body, err := h.cache.GetBlob(ctx, cacheKey(table))
		switch {
		case err == nil && reusable(hdr, table, f):
			cached = body
			req.Header.Set("If-None-Match", hdr.ETag)
		case err != nil && !errors.Is(err, backend.ErrNotFound):
			h.logger.Warn("reading cached response failed", "table", table, "error", err)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body []byte
	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		h.logger.Debug("table not modified", "table", table)
		body = cached
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("table %s: %w", table, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("remote returned %d: %s", resp.StatusCode, string(msg))
	default:
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
	}

	recs, err := decodeRecords(body)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", table, err)
	}

	if h.cache != nil && resp.StatusCode == http.StatusOK {
		if etag := resp.Header.Get("ETag"); etag != "" {
			h.storeResponse(ctx, table, f, recs, body, &backend.BlobHeader{
				Table:       table,
				ETag:        etag,
				ContentType: resp.Header.Get("Content-Type"),
			})
		}
	}
	return recs, nil
}

// storeResponse caches body for revalidation. Filtered tables store the
// re-encoded safe projection of recs instead of the raw body.
func (h *HTTP) storeResponse(ctx context.Context, table string, f *filter.Filter, recs []offlinecache.Record, body []byte, hdr *backend.BlobHeader) {
	hdr.Records = len(recs)
	if f != nil {
		safe, err := f.FilterMany(recs)
		if err != nil {
			h.logger.Warn("filtering response failed, not caching", "table", table, "error", err)
			return
		}
		if body, err = json.Marshal(safe); err != nil {
			h.logger.Warn("encoding filtered response failed, not caching", "table", table, "error", err)
			return
		}
		hdr.Filter = f.Name()
	}
	if err := h.cache.SetBlob(ctx, cacheKey(table), body, hdr); err != nil {
		h.logger.Warn("caching response failed", "table", table, "error", err)
	}
}

// reusable reports whether a cached response may answer a 304 for table.
// A response cached without the table's current filter is never reused.
func reusable(hdr *backend.BlobHeader, table string, f *filter.Filter) bool {
	if hdr == nil || hdr.ETag == "" {
		return false
	}
	if hdr.Table != "" && hdr.Table != table {
		return false
	}
	want := ""
	if f != nil {
		want = f.Name()
	}
	return hdr.Filter == want
}

// ProbeLastModified returns the newest value of the updated column in
// table, or the zero time for an empty table.
func (h *HTTP) ProbeLastModified(ctx context.Context, table string) (time.Time, error) {
	q := url.Values{
		"select": {h.updatedColumn},
		"order":  {h.updatedColumn + ".desc.nullslast"},
		"limit":  {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.tableURL(table, q), nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	h.setAuth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return time.Time{}, fmt.Errorf("table %s: %w", table, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return time.Time{}, fmt.Errorf("remote returned %d: %s", resp.StatusCode, string(msg))
	}

	var rows []map[string]*time.Time
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return time.Time{}, fmt.Errorf("decoding probe: %w", err)
	}
	if len(rows) == 0 || rows[0][h.updatedColumn] == nil {
		return time.Time{}, nil
	}
	return rows[0][h.updatedColumn].UTC(), nil
}

func decodeRecords(body []byte) ([]offlinecache.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var recs []offlinecache.Record
	if err := dec.Decode(&recs); err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []offlinecache.Record{}
	}
	return recs, nil
}
