package fallback

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-kit/errors"
)

func TestJSONFallbackForAPIClients(t *testing.T) {
	p := New(45 * time.Second)
	req := httptest.NewRequest(http.MethodGet, "/api/interventions/42?vin=WVW123", nil)
	req.Header.Set("Accept", "application/json")

	resp := p.Response(req, errors.ErrCodeTransientNetwork)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "45", resp.Header.Get("Retry-After"))
	assert.Equal(t, "1", resp.Header.Get(HeaderFallback))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.True(t, IsFallback(resp))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "WVW123")

	var body Body
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.True(t, body.Offline)
	assert.True(t, body.Degraded)
	assert.Equal(t, Retry{Available: true, AfterSeconds: 45, Method: http.MethodGet, URL: "/api/interventions/42"}, body.Retry)
	assert.Equal(t, "TRANSIENT_NETWORK_FAILURE", body.Reason)
}

func TestHTMLFallbackForNavigations(t *testing.T) {
	var p Presenter
	req := httptest.NewRequest(http.MethodGet, "/vehicles", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	rec := httptest.NewRecorder()
	p.Write(rec, req, errors.ErrCodeTransientNetwork)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "You are offline")
	assert.Contains(t, rec.Body.String(), `href="/vehicles"`)
}

func TestWantsHTML(t *testing.T) {
	tests := []struct {
		method, path, accept, mode string
		want                       bool
	}{
		{http.MethodGet, "/", "text/html", "", true},
		{http.MethodGet, "/dashboard", "*/*", "navigate", true},
		{http.MethodGet, "/api/interventions", "text/html", "", false},
		{http.MethodPost, "/login", "text/html", "", false},
		{http.MethodGet, "/static/app.js", "*/*", "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		req.Header.Set("Accept", tt.accept)
		if tt.mode != "" {
			req.Header.Set("Sec-Fetch-Mode", tt.mode)
		}
		assert.Equal(t, tt.want, WantsHTML(req), "%s %s", tt.method, tt.path)
	}
}

func TestHeadRequestHasNoBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodHead, "/api/interventions", nil)
	rec := httptest.NewRecorder()
	New(time.Second).Write(rec, req, errors.ErrCodeConnectivityRequired)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}
