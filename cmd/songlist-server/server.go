package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/songlist-pager/pkg/client"
	"github.com/Sternrassler/songlist-pager/pkg/logging"
	"github.com/Sternrassler/songlist-pager/pkg/metrics"
	"github.com/Sternrassler/songlist-pager/pkg/pagination"
)

var sessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "songlist_sessions_open",
	Help: "Number of open list sessions",
})

var errTooManySessions = errors.New("too many open sessions")

type serverOptions struct {
	Loader      pagination.Config
	MaxSessions int
}

// session is one paginated song list, the server-side twin of a list view.
type session struct {
	id     string
	loader *pagination.Loader[client.Song]
	logger zerolog.Logger

	// Fetches run under ctx rather than the request context, so a client
	// hanging up mid-fetch does not fail the list. cancel aborts them when
	// the session is closed; FetchTimeout bounds them otherwise.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	lastErr string
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.lastErr = ""
		return
	}
	s.lastErr = err.Error()
}

func (s *session) errText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

type server struct {
	fetcher pagination.PageFetcher[client.Song]
	redis   *redis.Client
	opts    serverOptions
	logger  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

func newServer(fetcher pagination.PageFetcher[client.Song], redisClient *redis.Client, opts serverOptions) *server {
	return &server{
		fetcher:  fetcher,
		redis:    redisClient,
		opts:     opts,
		logger:   logging.NewLogger("server"),
		sessions: make(map[string]*session),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /sessions", s.handleCreate)
	mux.HandleFunc("GET /sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDelete)
	mux.HandleFunc("POST /sessions/{id}/refresh", s.handleRefresh)
	mux.HandleFunc("POST /sessions/{id}/more", s.handleMore)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	return mux
}

func (s *server) open() (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.MaxSessions > 0 && len(s.sessions) >= s.opts.MaxSessions {
		return nil, errTooManySessions
	}

	id := uuid.NewString()
	logger := logging.WithSession(logging.NewLogger("loader"), id)
	ctx, cancel := context.WithCancel(context.Background())

	sess := &session{
		id:     id,
		loader: pagination.NewLoader(s.fetcher, s.opts.Loader, logger),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.sessions[id] = sess
	sessionsOpen.Inc()

	logger.Info().Msg("Session opened")
	return sess, nil
}

func (s *server) lookup(id string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *server) close(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return false
	}
	sess.cancel()
	sessionsOpen.Dec()
	sess.logger.Info().Msg("Session closed")
	return true
}

func (s *server) closeAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.close(id)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReady reports whether Redis answers. Without Redis the server is
// ready but runs uncached.
func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("redis: %w", err))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.open()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	fetched := false
	if q := r.URL.Query().Get("q"); q != "" {
		fetched, err = sess.loader.Refresh(sess.ctx, q)
		sess.setErr(err)
	}

	writeJSON(w, http.StatusCreated, newSessionView(sess, fetched))
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess, false))
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.close(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	fetched, err := sess.loader.Refresh(sess.ctx, r.URL.Query().Get("q"))
	if fetched {
		sess.setErr(err)
	}
	writeJSON(w, http.StatusOK, newSessionView(sess, fetched))
}

func (s *server) handleMore(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	fetched, err := sess.loader.LoadMore(sess.ctx)
	if fetched {
		sess.setErr(err)
	}
	writeJSON(w, http.StatusOK, newSessionView(sess, fetched))
}

// handleEvents streams a view of the session on every state change as
// server-sent events, starting with the current one.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	// Observers must not block the coordinator; slow readers skip snapshots
	// and catch up with the next one.
	changed := make(chan struct{}, 1)
	unsubscribe := sess.loader.Subscribe(func(pagination.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func() error {
		data, err := json.Marshal(newSessionView(sess, false))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.ctx.Done():
			return
		case <-changed:
			if err := send(); err != nil {
				sess.logger.Debug().Err(err).Msg("Event stream closed")
				return
			}
		}
	}
}

func (s *server) sessionFor(w http.ResponseWriter, r *http.Request) (*session, bool) {
	sess, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
	}
	return sess, ok
}

type songView struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	Subtitle   string `json:"subtitle"`
	ArtworkURL string `json:"artwork_url,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
}

type sessionView struct {
	ID                    string           `json:"id"`
	Query                 string           `json:"query"`
	State                 pagination.State `json:"state"`
	LoadNextPageAvailable bool             `json:"load_next_page_available"`
	Summary               string           `json:"summary"`
	Items                 []songView       `json:"items"`
	Error                 string           `json:"error,omitempty"`
	Fetched               bool             `json:"fetched"`
}

func newSessionView(sess *session, fetched bool) sessionView {
	state := sess.loader.State()
	songs := sess.loader.Items()

	items := make([]songView, 0, len(songs))
	for _, song := range songs {
		items = append(items, songView{
			ID:         song.TrackID,
			Title:      song.Title(),
			Subtitle:   song.Subtitle(),
			ArtworkURL: song.ArtworkURL,
			PreviewURL: song.PreviewURL,
		})
	}

	return sessionView{
		ID:                    sess.id,
		Query:                 sess.loader.Query(),
		State:                 state,
		LoadNextPageAvailable: state.LoadNextPageAvailable(),
		Summary:               sess.loader.Summary(),
		Items:                 items,
		Error:                 sess.errText(),
		Fetched:               fetched,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
