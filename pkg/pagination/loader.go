package pagination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/songlist-pager/pkg/logging"
)

// ErrFetchFailed wraps every error returned by a PageFetcher.
var ErrFetchFailed = errors.New("fetch failed")

// PageFetcher is the data source a Loader pulls pages from.
// An empty, successful page marks the end of the list.
type PageFetcher[T any] interface {
	FetchPage(ctx context.Context, page int, query string) ([]T, error)
}

// PageFetcherFunc adapts a plain function to PageFetcher.
type PageFetcherFunc[T any] func(ctx context.Context, page int, query string) ([]T, error)

// FetchPage implements PageFetcher.
func (f PageFetcherFunc[T]) FetchPage(ctx context.Context, page int, query string) ([]T, error) {
	return f(ctx, page, query)
}

// Config holds loader configuration.
type Config struct {
	// FetchTimeout bounds a single page fetch. A fetch that times out
	// completes as a failure, so busy flags never stay set forever.
	FetchTimeout time.Duration
}

// DefaultConfig returns the default loader configuration.
func DefaultConfig() Config {
	return Config{
		FetchTimeout: 15 * time.Second,
	}
}

// Loader drives a Coordinator against a PageFetcher and accumulates the
// fetched items, the way a list view's refresh and load-more triggers do.
type Loader[T any] struct {
	coord   *Coordinator
	fetcher PageFetcher[T]
	config  Config
	logger  zerolog.Logger

	// commitMu serialises the generation check, the item update and
	// CompleteFetch of successful fetches.
	commitMu sync.Mutex

	// prepareMu makes PrepareFetch and the epoch bump of a refresh atomic.
	// epoch changes when a refresh is prepared, not when it completes, so a
	// load-more landing while a refresh is in flight is discarded too.
	prepareMu sync.Mutex
	epoch     uint64

	mu    sync.RWMutex
	items []T
	query string
}

// NewLoader creates a loader with its own coordinator.
func NewLoader[T any](fetcher PageFetcher[T], config Config, logger zerolog.Logger) *Loader[T] {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultConfig().FetchTimeout
	}

	return &Loader[T]{
		coord:   NewCoordinator(logger),
		fetcher: fetcher,
		config:  config,
		logger:  logger,
	}
}

// Coordinator returns the coordinator backing this loader.
func (l *Loader[T]) Coordinator() *Coordinator {
	return l.coord
}

// State returns a snapshot of the pagination state.
func (l *Loader[T]) State() State {
	return l.coord.State()
}

// Subscribe registers an observer on the underlying coordinator.
// Items are already updated when the observer runs.
func (l *Loader[T]) Subscribe(fn Observer) func() {
	return l.coord.Subscribe(fn)
}

// Items returns a copy of the accumulated items.
func (l *Loader[T]) Items() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

// Query returns the query used by the current list.
func (l *Loader[T]) Query() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.query
}

// Summary renders the one-line status shown above the list:
// "<page> <loading T|F> <item count> <load-next available T|F>".
func (l *Loader[T]) Summary() string {
	state := l.coord.State()

	l.mu.RLock()
	count := len(l.items)
	l.mu.RUnlock()

	return fmt.Sprintf("%d %s %d %s", state.CurrentPage, flag(state.IsLoading), count, flag(state.LoadNextPageAvailable()))
}

// Refresh restarts the list from page 0. A non-blank query replaces the
// current query and clears the list before fetching; a blank query
// re-fetches the current one.
//
// It reports whether a fetch was performed. A refresh already in flight
// makes it a no-op.
func (l *Loader[T]) Refresh(ctx context.Context, query string) (bool, error) {
	return l.fetch(ctx, true, query)
}

// LoadMore fetches the next page if the list is ready for it
// (LoadNextPageAvailable). It reports whether a fetch was performed.
func (l *Loader[T]) LoadMore(ctx context.Context) (bool, error) {
	if !l.coord.State().LoadNextPageAvailable() {
		return false, nil
	}
	return l.fetch(ctx, false, "")
}

func (l *Loader[T]) fetch(ctx context.Context, isRefresh bool, query string) (bool, error) {
	l.prepareMu.Lock()
	ticket := l.coord.PrepareFetch(isRefresh)
	if !ticket.ShouldFetch {
		l.prepareMu.Unlock()
		return false, nil
	}
	if isRefresh {
		l.epoch++
	}
	epoch := l.epoch

	l.mu.Lock()
	if q := strings.TrimSpace(query); q != "" {
		l.items = nil
		l.query = q
	}
	activeQuery := l.query
	l.mu.Unlock()
	l.prepareMu.Unlock()

	kind := kindOf(isRefresh)
	start := time.Now()

	fetchCtx, cancel := context.WithTimeout(ctx, l.config.FetchTimeout)
	page, err := l.fetcher.FetchPage(fetchCtx, ticket.Page, activeQuery)
	cancel()

	if err != nil {
		l.logger.Warn().
			Err(err).
			Str(logging.FieldKind, string(kind)).
			Str(logging.FieldQuery, activeQuery).
			Int(logging.FieldPage, ticket.Page).
			Dur(logging.FieldDuration, time.Since(start)).
			Msg("Page fetch failed")

		l.coord.CompleteFetch(ticket.Generation, isRefresh, true, false)
		return true, fmt.Errorf("%w: page %d: %w", ErrFetchFailed, ticket.Page, err)
	}

	ended := len(page) == 0

	// Items are committed before CompleteFetch so observers already see them.
	// prepareMu is held across the epoch check and the append so no refresh
	// can clear the items in between.
	l.commitMu.Lock()
	l.prepareMu.Lock()
	if l.epoch == epoch && l.coord.State().RefreshGeneration == ticket.Generation {
		l.mu.Lock()
		if isRefresh {
			l.items = append([]T(nil), page...)
		} else {
			l.items = append(l.items, page...)
		}
		l.mu.Unlock()
	}
	l.prepareMu.Unlock()
	applied := l.coord.CompleteFetch(ticket.Generation, isRefresh, false, ended)
	l.commitMu.Unlock()

	l.logger.Debug().
		Str(logging.FieldKind, string(kind)).
		Str(logging.FieldQuery, activeQuery).
		Int(logging.FieldPage, ticket.Page).
		Int(logging.FieldItems, len(page)).
		Bool(logging.FieldEnded, ended).
		Bool("applied", applied).
		Dur(logging.FieldDuration, time.Since(start)).
		Msg("Page fetched")

	return true, nil
}

func flag(b bool) string {
	if b {
		return "T"
	}
	return "F"
}
