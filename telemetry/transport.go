package telemetry

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// restPrefix is where PostgREST mounts tables.
const restPrefix = "/rest/v1/"

// FetchTransport records a remote fetch metric per round trip, labelled with
// the table named by the request path. Successful responses are recorded
// when their body is closed so the byte count covers the whole body.
type FetchTransport struct {
	next   http.RoundTripper
	source string
}

// NewInstrumentedTransport wraps next, or http.DefaultTransport when nil.
func NewInstrumentedTransport(next http.RoundTripper, source string) *FetchTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &FetchTransport{next: next, source: source}
}

func (t *FetchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	table := TableFromPath(req.URL.Path)
	start := time.Now()

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "canceled"
		}
		RecordRemoteFetch(ctx, t.source, table, time.Since(start), 0, outcome)
		return nil, err
	}

	outcome := StatusOutcome(resp.StatusCode)
	resp.Body = &countingBody{
		ReadCloser: resp.Body,
		onClose: func(n int64) {
			RecordRemoteFetch(ctx, t.source, table, time.Since(start), n, outcome)
		},
	}
	return resp, nil
}

// TableFromPath returns the table addressed by a PostgREST path, or "".
func TableFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, restPrefix)
	if !ok {
		return ""
	}
	table, _, _ := strings.Cut(rest, "/")
	return table
}

// StatusOutcome maps a response status to a fetch outcome label.
func StatusOutcome(code int) string {
	switch {
	case code == http.StatusNotModified:
		return "not_modified"
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "success"
	}
}

type countingBody struct {
	io.ReadCloser
	n       int64
	once    sync.Once
	onClose func(n int64)
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	b.once.Do(func() { b.onClose(b.n) })
	return b.ReadCloser.Close()
}
