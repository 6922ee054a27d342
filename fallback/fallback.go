// Package fallback renders the degraded response served when neither the
// network nor the cache can answer a request. Responses never carry
// business data.
package fallback

import (
	"bytes"
	"encoding/json"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/errors"
)

// HeaderFallback marks a response produced by the presenter.
const HeaderFallback = "X-Offline-Fallback"

// DefaultRetryAfter is the retry hint used when none is configured.
const DefaultRetryAfter = 30 * time.Second

// Retry tells the client whether and when the request may be repeated.
type Retry struct {
	Available    bool   `json:"available"`
	AfterSeconds int    `json:"afterSeconds"`
	Method       string `json:"method"`
	URL          string `json:"url"`
}

// Body is the JSON document returned to API clients.
type Body struct {
	Offline  bool   `json:"offline"`
	Degraded bool   `json:"degraded"`
	Retry    Retry  `json:"retry"`
	Reason   string `json:"reason"`
}

var page = template.Must(template.New("offline").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>This page is not available without a connection. Your changes are kept on this device and will be sent when the connection returns.</p>
<p><a href="{{.Retry.URL}}">Try again</a> in {{.Retry.AfterSeconds}} seconds.</p>
<!-- {{.Reason}} -->
</body>
</html>
`))

// Presenter builds fallback responses. The zero value is usable.
type Presenter struct {
	RetryAfter time.Duration
}

// New returns a presenter with the given retry hint.
func New(retryAfter time.Duration) *Presenter {
	return &Presenter{RetryAfter: retryAfter}
}

func (p *Presenter) retryAfter() int {
	d := DefaultRetryAfter
	if p != nil && p.RetryAfter > 0 {
		d = p.RetryAfter
	}
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// WantsHTML reports whether r is a browser navigation rather than an API call.
func WantsHTML(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return false
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// BodyFor returns the JSON document describing the fallback for r.
func (p *Presenter) BodyFor(r *http.Request, reason errors.ErrorCode) Body {
	return Body{
		Offline:  true,
		Degraded: true,
		Retry: Retry{
			Available:    true,
			AfterSeconds: p.retryAfter(),
			Method:       r.Method,
			// The query string can carry identifiers; only the path is echoed.
			URL: r.URL.Path,
		},
		Reason: string(reason),
	}
}

func (p *Presenter) render(r *http.Request, reason errors.ErrorCode) (http.Header, []byte) {
	body := p.BodyFor(r, reason)
	h := http.Header{}
	h.Set("Retry-After", strconv.Itoa(body.Retry.AfterSeconds))
	h.Set(HeaderFallback, "1")
	h.Set("Cache-Control", "no-store")

	var buf bytes.Buffer
	if WantsHTML(r) {
		h.Set("Content-Type", "text/html; charset=utf-8")
		_ = page.Execute(&buf, body)
	} else {
		h.Set("Content-Type", "application/json")
		_ = json.NewEncoder(&buf).Encode(body)
	}
	return h, buf.Bytes()
}

// Response builds the fallback as a client-side response to r.
func (p *Presenter) Response(r *http.Request, reason errors.ErrorCode) *http.Response {
	h, b := p.render(r, reason)
	return &http.Response{
		Status:        strconv.Itoa(http.StatusServiceUnavailable) + " " + http.StatusText(http.StatusServiceUnavailable),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(b)),
		ContentLength: int64(len(b)),
		Request:       r,
	}
}

// Write serves the fallback on w.
func (p *Presenter) Write(w http.ResponseWriter, r *http.Request, reason errors.ErrorCode) {
	h, b := p.render(r, reason)
	for k, v := range h {
		w.Header()[k] = v
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	if r.Method != http.MethodHead {
		_, _ = w.Write(b)
	}
}

// IsFallback reports whether resp was produced by a presenter.
func IsFallback(resp *http.Response) bool {
	return resp != nil && resp.Header.Get(HeaderFallback) == "1"
}
