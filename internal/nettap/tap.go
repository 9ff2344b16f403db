// Package nettap intercepts the process's outbound HTTP traffic and emits
// uniform, sanitized request records onto the session stream.
package nettap

import (
	"bytes"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perceptr/perceptr-go/internal/domain"
)

const (
	// DefaultMaxBodySize caps captured request/response bodies.
	DefaultMaxBodySize = 100 << 10
	// DefaultMaxRequests bounds the in-tap record ring.
	DefaultMaxRequests = 1000

	// ingestPathSegment is the SDK's own upload path; requests containing it
	// are never recorded, preventing a feedback loop with the uploader.
	ingestPathSegment = "/api/v1/per/"
)

// Options configures a Tap.
type Options struct {
	ExcludeURLs        []string // regex patterns; matching URLs are not recorded
	SanitizeParams     []string
	SanitizeHeaders    []string
	SanitizeBodyFields []string
	MaxBodySize        int
	MaxRequests        int
	CaptureBodies      bool
}

// Tap wraps the process's two global request dispatchers
// (http.DefaultTransport and http.DefaultClient.Transport). The original
// handles are captured at construction, not at enable time, so Disable
// always restores the exact pre-existing state even if other code rewraps
// the globals in between.
type Tap struct {
	origDefaultTransport http.RoundTripper
	origClientTransport  http.RoundTripper

	exclude  []*regexp.Regexp
	san      sanitizer
	capture  bool
	maxReqs  int
	now      func() time.Time
	newReqID func() string

	mu       sync.Mutex
	enabled  bool
	ring     []domain.NetworkRecord
	onRecord func(domain.NetworkRecord)
}

func New(opts Options) *Tap {
	exclude := make([]*regexp.Regexp, 0, len(opts.ExcludeURLs))
	for _, pattern := range opts.ExcludeURLs {
		re, err := regexp.Compile(pattern)
		if err != nil {
			log.Warn().Str("pattern", pattern).Err(err).Msg("nettap: invalid exclude pattern skipped")
			continue
		}
		exclude = append(exclude, re)
	}

	params := opts.SanitizeParams
	if params == nil {
		params = DefaultSanitizeParams
	}
	headers := opts.SanitizeHeaders
	if headers == nil {
		headers = DefaultSanitizeHeaders
	}
	bodyFields := opts.SanitizeBodyFields
	if bodyFields == nil {
		bodyFields = DefaultSanitizeBodyFields
	}
	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	maxReqs := opts.MaxRequests
	if maxReqs <= 0 {
		maxReqs = DefaultMaxRequests
	}

	return &Tap{
		origDefaultTransport: http.DefaultTransport,
		origClientTransport:  http.DefaultClient.Transport,
		exclude:              exclude,
		san: sanitizer{
			params:      params,
			headers:     headers,
			bodyFields:  bodyFields,
			maxBodySize: maxBody,
		},
		capture:  opts.CaptureBodies,
		maxReqs:  maxReqs,
		now:      time.Now,
		newReqID: uuid.NewString,
	}
}

// SetClock overrides the time source. Test hook.
func (t *Tap) SetClock(now func() time.Time) { t.now = now }

// Subscribe installs the callback that receives each record synchronously.
// The in-tap ring remains a bounded safety net behind it.
func (t *Tap) Subscribe(fn func(domain.NetworkRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRecord = fn
}

// Enable wraps both global dispatchers. Idempotent.
func (t *Tap) Enable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		return
	}
	t.enabled = true
	http.DefaultTransport = &roundTripper{tap: t, base: t.origDefaultTransport}

	// The client's transport is usually nil (falling through to the
	// default); wrap its effective dispatcher but remember the nil for
	// exact restoration.
	clientBase := t.origClientTransport
	if clientBase == nil {
		clientBase = t.origDefaultTransport
	}
	http.DefaultClient.Transport = &roundTripper{tap: t, base: clientBase}
}

// Disable restores both dispatchers to the handles captured at
// construction. Idempotent.
func (t *Tap) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.enabled = false
	http.DefaultTransport = t.origDefaultTransport
	http.DefaultClient.Transport = t.origClientTransport
}

// OriginalTransport returns the dispatcher handle captured at
// construction. The SDK's own uploader rides on it so the tap never
// records the pipeline's own traffic.
func (t *Tap) OriginalTransport() http.RoundTripper {
	return t.origDefaultTransport
}

// Transport wraps an arbitrary RoundTripper, for clients that do not use
// the global dispatchers. A nil base uses the original default transport.
func (t *Tap) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = t.origDefaultTransport
	}
	return &roundTripper{tap: t, base: base}
}

// Records returns the retained record ring, oldest first.
func (t *Tap) Records() []domain.NetworkRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.NetworkRecord(nil), t.ring...)
}

// skip reports whether the URL is excluded from recording.
func (t *Tap) skip(url string) bool {
	if strings.Contains(url, ingestPathSegment) {
		return true
	}
	for _, re := range t.exclude {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// deliver appends the record to the ring (evicting the oldest on overflow)
// and hands it to the subscriber.
func (t *Tap) deliver(rec domain.NetworkRecord) {
	t.mu.Lock()
	if !t.enabled {
		t.mu.Unlock()
		return
	}
	t.ring = append(t.ring, rec)
	if len(t.ring) > t.maxReqs {
		t.ring = t.ring[len(t.ring)-t.maxReqs:]
	}
	fn := t.onRecord
	t.mu.Unlock()

	if fn != nil {
		fn(rec)
	}
}

// roundTripper is the interception shim installed over a dispatcher.
type roundTripper struct {
	tap  *Tap
	base http.RoundTripper
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	tap := rt.tap
	url := req.URL.String()
	if tap.skip(url) {
		return rt.base.RoundTrip(req)
	}

	start := tap.now()
	rec := domain.NetworkRecord{
		Type:           domain.EventNetwork,
		ID:             tap.newReqID(),
		Timestamp:      start.UnixMilli(),
		Method:         req.Method,
		URL:            tap.san.sanitizeURL(url),
		RequestHeaders: tap.san.sanitizeHeaders(req.Header),
	}

	if tap.capture && req.Body != nil {
		if body, restored := readAndRestoreBody(req); body != nil {
			rec.RequestBody = tap.san.sanitizeBody(body, req.Header.Get("Content-Type"))
			req.Body = restored
		}
	}

	resp, err := rt.base.RoundTrip(req)
	rec.Duration = tap.now().Sub(start).Milliseconds()

	if err != nil {
		rec.Error = err.Error()
		tap.deliver(rec)
		return resp, err
	}

	rec.Status = resp.StatusCode
	rec.StatusText = statusText(resp)
	rec.ResponseHeaders = tap.san.sanitizeHeaders(resp.Header)

	if tap.capture && resp.Body != nil && capturableContentType(resp.Header.Get("Content-Type")) {
		if body, restored := readAndRestoreResponse(resp); body != nil {
			rec.ResponseBody = tap.san.sanitizeBody(body, resp.Header.Get("Content-Type"))
			resp.Body = restored
		}
	}

	tap.deliver(rec)
	return resp, nil
}

// statusText extracts the reason phrase from the raw status line.
func statusText(resp *http.Response) string {
	parts := strings.SplitN(resp.Status, " ", 2)
	if len(parts) == 2 && parts[1] != "" {
		return parts[1]
	}
	return http.StatusText(resp.StatusCode)
}

func capturableContentType(contentType string) bool {
	return strings.Contains(contentType, "json") ||
		strings.Contains(contentType, "text") ||
		strings.Contains(contentType, "x-www-form-urlencoded")
}

// readAndRestoreBody drains the request body and hands back a replacement
// reader so the request can still be sent.
func readAndRestoreBody(req *http.Request) ([]byte, io.ReadCloser) {
	raw, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, io.NopCloser(bytes.NewReader(nil))
	}
	return raw, io.NopCloser(bytes.NewReader(raw))
}

func readAndRestoreResponse(resp *http.Response) ([]byte, io.ReadCloser) {
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, io.NopCloser(bytes.NewReader(nil))
	}
	return raw, io.NopCloser(bytes.NewReader(raw))
}
