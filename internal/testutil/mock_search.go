// Package testutil provides a mock search API server for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines a canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// mockSong mirrors the search API result fields.
type mockSong struct {
	TrackID        int64  `json:"trackId"`
	TrackName      string `json:"trackName"`
	ArtistName     string `json:"artistName"`
	CollectionName string `json:"collectionName"`
	PreviewURL     string `json:"previewUrl"`
	ArtworkURL     string `json:"artworkUrl100"`
}

// MockSearch is a configurable mock search API server.
// Terms registered with SetCatalog answer with that many generated songs,
// paged by the limit and offset query parameters. Unknown terms have no results.
type MockSearch struct {
	server *httptest.Server

	mu       sync.RWMutex
	catalog  map[string]int
	failures []MockResponse
	delay    time.Duration
	maxAge   int

	// Tracking
	RequestCount      int
	ConditionalCount  int
	LastRequestHeader http.Header
	LastQuery         url.Values
}

// NewMockSearch creates and starts a mock search server.
func NewMockSearch() *MockSearch {
	mock := &MockSearch{
		catalog: make(map[string]int),
		maxAge:  60,
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockSearch) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockSearch) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockSearch) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ConditionalCount = 0
	m.LastRequestHeader = nil
	m.LastQuery = nil
}

// SetCatalog makes term answer with total songs.
func (m *MockSearch) SetCatalog(term string, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog[term] = total
}

// SetDelay delays every successful response.
func (m *MockSearch) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetMaxAge sets the Cache-Control max-age of successful responses.
// Zero sends no-store.
func (m *MockSearch) SetMaxAge(seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxAge = seconds
}

// FailNext queues resp to be returned by the next request instead of results.
// Queued failures are consumed in order.
func (m *MockSearch) FailNext(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, resp)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSearch) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockSearch) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

// GetLastQuery returns the query parameters of the last request.
func (m *MockSearch) GetLastQuery() url.Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastQuery
}

func (m *MockSearch) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.LastRequestHeader = r.Header.Clone()
	m.LastQuery = r.URL.Query()
	if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
		m.ConditionalCount++
	}

	var failure *MockResponse
	if len(m.failures) > 0 {
		failure = &m.failures[0]
		m.failures = m.failures[1:]
	}
	delay := m.delay
	maxAge := m.maxAge
	m.mu.Unlock()

	if failure != nil {
		writeMockResponse(w, *failure)
		return
	}

	if r.URL.Path != "/search" {
		http.NotFound(w, r)
		return
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	query := r.URL.Query()
	term := query.Get("term")
	limit, err := strconv.Atoi(query.Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(query.Get("offset"))

	etag := fmt.Sprintf(`"%s-%d-%d"`, url.QueryEscape(term), offset, limit)
	if r.Header.Get("If-None-Match") == etag {
		setCacheHeaders(w, maxAge)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	m.mu.RLock()
	total := m.catalog[term]
	m.mu.RUnlock()

	songs := []mockSong{}
	for i := offset; i < total && i < offset+limit; i++ {
		songs = append(songs, mockSong{
			TrackID:        int64(i + 1),
			TrackName:      fmt.Sprintf("%s song %d", term, i),
			ArtistName:     fmt.Sprintf("%s artist", term),
			CollectionName: fmt.Sprintf("%s album", term),
			PreviewURL:     fmt.Sprintf("https://audio.example.com/%d.m4a", i+1),
			ArtworkURL:     fmt.Sprintf("https://art.example.com/%d/100x100bb.jpg", i+1),
		})
	}

	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("ETag", etag)
	setCacheHeaders(w, maxAge)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"resultCount": len(songs),
		"results":     songs,
	})
}

func setCacheHeaders(w http.ResponseWriter, maxAge int) {
	if maxAge > 0 {
		w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", maxAge))
	} else {
		w.Header().Set("Cache-Control", "no-store")
	}
}

func writeMockResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfterSeconds int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"errorMessage": "Too many requests"}`,
		Headers: map[string]string{
			"Retry-After":  strconv.Itoa(retryAfterSeconds),
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewForbiddenResponse creates the 403 the API answers when a client keeps
// exceeding its quota.
func NewForbiddenResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"errorMessage": "Forbidden"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"errorMessage": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewBadRequestResponse creates a 400 Bad Request response.
func NewBadRequestResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       `{"errorMessage": "Invalid value(s) for key(s): [media]"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}
