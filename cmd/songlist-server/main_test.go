package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Sternrassler/songlist-pager/internal/config"
	"github.com/Sternrassler/songlist-pager/internal/testutil"
	"github.com/Sternrassler/songlist-pager/pkg/client"
	"github.com/Sternrassler/songlist-pager/pkg/pagination"
)

func fastRetry(client.ErrorClass) client.RetryConfig {
	return client.RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// newTestServer serves a server without Redis backed by mock.
func newTestServer(t *testing.T, mock *testutil.MockSearch, maxSessions int) (*server, *httptest.Server) {
	t.Helper()

	cfg := client.DefaultConfig(nil, "SonglistTest/1.0")
	cfg.BaseURL = mock.URL()
	cfg.Retry = fastRetry

	searchClient, err := client.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	srv := newServer(searchClient, nil, serverOptions{
		Loader:      pagination.Config{FetchTimeout: 5 * time.Second},
		MaxSessions: maxSessions,
	})
	ts := httptest.NewServer(srv.routes())

	t.Cleanup(func() {
		ts.Close()
		srv.closeAll()
		searchClient.Close()
	})
	return srv, ts
}

func doRequest(t *testing.T, method, url string) (int, sessionView) {
	t.Helper()

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	var view sessionView
	if resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode, view
}

func TestHealthEndpoint(t *testing.T) {
	mock := testutil.NewMockSearch()
	defer mock.Close()
	srv, _ := newTestServer(t, mock, 0)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	srv.handleHealth(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint_WithoutRedis(t *testing.T) {
	mock := testutil.NewMockSearch()
	defer mock.Close()
	_, ts := newTestServer(t, mock, 0)

	resp, err := http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mock := testutil.NewMockSearch()
	defer mock.Close()
	_, ts := newTestServer(t, mock, 0)

	if status, _ := doRequest(t, http.MethodPost, ts.URL+"/sessions?q=jay"); status != http.StatusCreated {
		t.Fatalf("POST /sessions status = %d, want 201", status)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"songlist_sessions_open", "songlist_fetch_prepared_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.SetCatalog("jay", 150)
	_, ts := newTestServer(t, mock, 0)

	status, view := doRequest(t, http.MethodPost, ts.URL+"/sessions?q=jay")
	if status != http.StatusCreated {
		t.Fatalf("POST /sessions status = %d, want 201", status)
	}
	if view.ID == "" || !view.Fetched {
		t.Fatalf("created view = %+v, want id and fetched", view)
	}
	if view.Summary != "1 F 100 T" {
		t.Errorf("Summary after create = %q, want %q", view.Summary, "1 F 100 T")
	}

	first := view.Items[0]
	want := songView{
		ID:         1,
		Title:      "jay song 0",
		Subtitle:   "jay artist",
		ArtworkURL: "https://art.example.com/1/100x100bb.jpg",
		PreviewURL: "https://audio.example.com/1.m4a",
	}
	if diff := cmp.Diff(want, first); diff != "" {
		t.Errorf("first item mismatch (-want +got):\n%s", diff)
	}

	sessionURL := ts.URL + "/sessions/" + view.ID

	summaries := []string{"2 F 150 T", "3 F 150 F"}
	for _, expected := range summaries {
		status, view = doRequest(t, http.MethodPost, sessionURL+"/more")
		if status != http.StatusOK || !view.Fetched {
			t.Fatalf("POST more = %d fetched=%v", status, view.Fetched)
		}
		if view.Summary != expected {
			t.Errorf("Summary = %q, want %q", view.Summary, expected)
		}
	}

	// The list ended; further load-more requests are refused without a fetch.
	requests := mock.GetRequestCount()
	_, view = doRequest(t, http.MethodPost, sessionURL+"/more")
	if view.Fetched {
		t.Error("load-more after end should not fetch")
	}
	if mock.GetRequestCount() != requests {
		t.Errorf("request count changed from %d to %d", requests, mock.GetRequestCount())
	}

	status, view = doRequest(t, http.MethodGet, sessionURL)
	if status != http.StatusOK || view.Query != "jay" || len(view.Items) != 150 {
		t.Errorf("GET session = %d query=%q items=%d", status, view.Query, len(view.Items))
	}

	if status, _ = doRequest(t, http.MethodDelete, sessionURL); status != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", status)
	}
	if status, _ = doRequest(t, http.MethodGet, sessionURL); status != http.StatusNotFound {
		t.Errorf("GET after delete status = %d, want 404", status)
	}
}

func TestRefresh_NewQueryReplacesList(t *testing.T) {
	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.SetCatalog("jay", 150)
	mock.SetCatalog("eason", 30)
	_, ts := newTestServer(t, mock, 0)

	_, view := doRequest(t, http.MethodPost, ts.URL+"/sessions?q=jay")
	sessionURL := ts.URL + "/sessions/" + view.ID

	status, view := doRequest(t, http.MethodPost, sessionURL+"/refresh?q=eason")
	if status != http.StatusOK || !view.Fetched {
		t.Fatalf("refresh = %d fetched=%v", status, view.Fetched)
	}
	if view.Query != "eason" || len(view.Items) != 30 {
		t.Errorf("after refresh query=%q items=%d, want eason/30", view.Query, len(view.Items))
	}
	if view.State.RefreshGeneration != pagination.InitialGeneration+2 {
		t.Errorf("RefreshGeneration = %d, want %d", view.State.RefreshGeneration, pagination.InitialGeneration+2)
	}
}

func TestLoadMore_ErrorBlocksUntilRefresh(t *testing.T) {
	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.SetCatalog("jay", 150)
	_, ts := newTestServer(t, mock, 0)

	_, view := doRequest(t, http.MethodPost, ts.URL+"/sessions?q=jay")
	sessionURL := ts.URL + "/sessions/" + view.ID

	mock.FailNext(testutil.NewBadRequestResponse())
	_, view = doRequest(t, http.MethodPost, sessionURL+"/more")
	if !view.Fetched || !view.State.IsError || view.Error == "" {
		t.Fatalf("failed load-more view = %+v, want error recorded", view)
	}
	if view.LoadNextPageAvailable {
		t.Error("LoadNextPageAvailable should be false after an error")
	}

	_, view = doRequest(t, http.MethodPost, sessionURL+"/more")
	if view.Fetched {
		t.Error("load-more should be refused while in error")
	}

	_, view = doRequest(t, http.MethodPost, sessionURL+"/refresh")
	if !view.Fetched || view.State.IsError || view.Error != "" {
		t.Errorf("refresh view = %+v, want error cleared", view)
	}
}

func TestLoadMore_ClientDisconnectDoesNotFailList(t *testing.T) {
	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.SetCatalog("jay", 150)
	_, ts := newTestServer(t, mock, 0)

	_, view := doRequest(t, http.MethodPost, ts.URL+"/sessions?q=jay")
	sessionURL := ts.URL + "/sessions/" + view.ID

	mock.SetDelay(300 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sessionURL+"/more", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if resp, err := http.DefaultClient.Do(req); err == nil {
		resp.Body.Close()
		t.Fatal("request should have been cancelled by the client")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, view = doRequest(t, http.MethodGet, sessionURL)
		if !view.State.IsLoading {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("load-more never completed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if view.State.IsError || view.Error != "" {
		t.Errorf("state after disconnect = %+v (error %q), want no error", view.State, view.Error)
	}
	if view.Summary != "2 F 150 T" {
		t.Errorf("Summary = %q, want %q", view.Summary, "2 F 150 T")
	}
}

func TestCreateSession_Limit(t *testing.T) {
	mock := testutil.NewMockSearch()
	defer mock.Close()
	_, ts := newTestServer(t, mock, 1)

	if status, _ := doRequest(t, http.MethodPost, ts.URL+"/sessions"); status != http.StatusCreated {
		t.Fatalf("first POST /sessions status = %d, want 201", status)
	}
	if status, _ := doRequest(t, http.MethodPost, ts.URL+"/sessions"); status != http.StatusServiceUnavailable {
		t.Errorf("second POST /sessions status = %d, want 503", status)
	}
}

func TestUnknownSession(t *testing.T) {
	mock := testutil.NewMockSearch()
	defer mock.Close()
	_, ts := newTestServer(t, mock, 0)

	for _, tt := range []struct{ method, path string }{
		{http.MethodGet, "/sessions/nope"},
		{http.MethodPost, "/sessions/nope/more"},
		{http.MethodPost, "/sessions/nope/refresh"},
		{http.MethodDelete, "/sessions/nope"},
	} {
		if status, _ := doRequest(t, tt.method, ts.URL+tt.path); status != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", tt.method, tt.path, status)
		}
	}
}

func TestEventsStream(t *testing.T) {
	mock := testutil.NewMockSearch()
	defer mock.Close()
	mock.SetCatalog("jay", 150)
	_, ts := newTestServer(t, mock, 0)

	_, view := doRequest(t, http.MethodPost, ts.URL+"/sessions?q=jay")
	sessionURL := ts.URL + "/sessions/" + view.ID

	resp, err := http.Get(sessionURL + "/events")
	if err != nil {
		t.Fatalf("GET events failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	events := make(chan sessionView, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var v sessionView
			if json.Unmarshal([]byte(data), &v) == nil {
				events <- v
			}
		}
	}()

	next := func() sessionView {
		t.Helper()
		select {
		case v, ok := <-events:
			if !ok {
				t.Fatal("event stream closed")
			}
			return v
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
		}
		return sessionView{}
	}

	if initial := next(); initial.Summary != "1 F 100 T" {
		t.Errorf("initial event summary = %q, want %q", initial.Summary, "1 F 100 T")
	}

	go func() {
		if resp, err := http.Post(sessionURL+"/more", "", nil); err == nil {
			resp.Body.Close()
		}
	}()

	// Snapshots may be coalesced; wait for the completed load-more.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("never observed the completed load-more")
		default:
		}
		if v := next(); v.Summary == "2 F 150 T" {
			return
		}
	}
}

func TestConnectRedis_Unreachable(t *testing.T) {
	_, err := connectRedis(t.Context(), config.RedisConfig{URL: "redis://127.0.0.1:1/0"})
	if err == nil {
		t.Error("connectRedis() expected error for unreachable redis")
	}

	if _, err := connectRedis(t.Context(), config.RedisConfig{}); err == nil {
		t.Error("connectRedis() expected error for empty url")
	}
}
