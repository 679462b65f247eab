package pagination

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/songlist-pager/pkg/logging"
)

// Observer receives a snapshot after every state change.
type Observer func(State)

type subscription struct {
	id int
	fn Observer
}

// Coordinator owns the pagination state of one list and decides when a fetch
// may start. Every fetch is bracketed by PrepareFetch and CompleteFetch.
// At most one fetch is active at a time, and completions belonging to a
// superseded refresh generation are dropped.
//
// Coordinator is safe for concurrent use.
type Coordinator struct {
	mu    sync.Mutex
	state State

	// published is assigned under mu; delivered advances as snapshots reach
	// observers, so deliveries happen in mutation order.
	published  uint64
	delivered  uint64
	notifyMu   sync.Mutex
	notifyCond *sync.Cond

	obsMu     sync.Mutex
	observers []subscription
	nextID    int

	logger zerolog.Logger
}

// NewCoordinator creates a coordinator in its initial state:
// page 0, generation 1, all flags cleared.
func NewCoordinator(logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		state: State{
			CurrentPage:       0,
			RefreshGeneration: InitialGeneration,
		},
		logger: logger,
	}
	c.notifyCond = sync.NewCond(&c.notifyMu)
	return c
}

// State returns a snapshot of the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn to be called synchronously after every state change.
// Observers may read State but must not call PrepareFetch or CompleteFetch
// from inside the callback. The returned func removes the subscription.
func (c *Coordinator) Subscribe(fn Observer) (unsubscribe func()) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()

	c.nextID++
	id := c.nextID
	c.observers = append(c.observers, subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.obsMu.Lock()
			defer c.obsMu.Unlock()
			for i, s := range c.observers {
				if s.id == id {
					c.observers = append(c.observers[:i], c.observers[i+1:]...)
					break
				}
			}
		})
	}
}

// PrepareFetch decides whether a new fetch may start and, if so, reserves the
// state for it. A refresh in flight blocks everything, including a second
// refresh. A load-more is additionally blocked once the list ended or while
// another load-more is in flight.
//
// PrepareFetch does not consult IsError. Callers triggering automatic
// load-more must check State().LoadNextPageAvailable() first.
func (c *Coordinator) PrepareFetch(isRefresh bool) Ticket {
	kind := kindOf(isRefresh)

	c.mu.Lock()
	if c.state.IsRefreshing {
		c.mu.Unlock()
		c.reject(kind, "refresh in flight")
		return rejected
	}

	if isRefresh {
		c.state.IsRefreshing = true
		// A refresh supersedes any load-more still in flight.
		c.state.IsLoading = false
		c.state.IsError = false
		c.state.IsEnded = false
	} else {
		if c.state.IsEnded {
			c.mu.Unlock()
			c.reject(kind, "list ended")
			return rejected
		}
		if c.state.IsLoading {
			c.mu.Unlock()
			c.reject(kind, "load-more in flight")
			return rejected
		}
		c.state.IsLoading = true
	}

	ticket := Ticket{
		ShouldFetch: true,
		Generation:  c.state.RefreshGeneration,
		Page:        c.state.CurrentPage,
	}
	if isRefresh {
		ticket.Page = 0
	}

	fetchPreparedTotal.WithLabelValues(string(kind)).Inc()
	c.logger.Debug().
		Str(logging.FieldKind, string(kind)).
		Int(logging.FieldGeneration, ticket.Generation).
		Int(logging.FieldPage, ticket.Page).
		Msg("Fetch prepared")

	c.publishAndUnlock()
	return ticket
}

// CompleteFetch applies the outcome of a fetch previously permitted by
// PrepareFetch. generation and isRefresh must be taken from that ticket.
//
// An error always lands, whatever its generation: IsError is set and both busy
// flags are cleared. Successful outcomes are applied only while generation is
// still the current refresh generation; otherwise they are dropped.
// Observers are notified in every case.
//
// The return value reports whether the outcome was applied.
func (c *Coordinator) CompleteFetch(generation int, isRefresh, isError, isEnded bool) bool {
	kind := kindOf(isRefresh)
	applied := true
	outcome := outcomeOK

	c.mu.Lock()
	switch {
	case isError:
		c.state.IsError = true
		c.state.IsRefreshing = false
		c.state.IsLoading = false
		outcome = outcomeError

	case generation != c.state.RefreshGeneration:
		applied = false
		outcome = outcomeStale

	case isRefresh:
		c.state.CurrentPage = 1
		c.state.RefreshGeneration++
		c.state.IsRefreshing = false
		c.state.IsLoading = false
		c.state.IsEnded = isEnded

	default:
		c.state.CurrentPage++
		c.state.IsLoading = false
		c.state.IsEnded = isEnded
	}

	if applied && !isError && isEnded {
		outcome = outcomeEnded
	}
	fetchCompletedTotal.WithLabelValues(string(kind), outcome).Inc()

	event := c.logger.Debug()
	if outcome == outcomeStale {
		event = c.logger.Info().Int("current_generation", c.state.RefreshGeneration)
	}
	event.
		Str(logging.FieldKind, string(kind)).
		Int(logging.FieldGeneration, generation).
		Str("outcome", outcome).
		Int(logging.FieldPage, c.state.CurrentPage).
		Msg("Fetch completed")

	c.publishAndUnlock()
	return applied
}

func (c *Coordinator) reject(kind FetchKind, reason string) {
	fetchRejectedTotal.WithLabelValues(string(kind)).Inc()
	c.logger.Debug().
		Str(logging.FieldKind, string(kind)).
		Str("reason", reason).
		Msg("Fetch rejected")
}

// publishAndUnlock snapshots the state, releases c.mu and delivers the
// snapshot to all observers. It must be called with c.mu held.
func (c *Coordinator) publishAndUnlock() {
	snapshot := c.state
	seq := c.published
	c.published++
	c.mu.Unlock()

	c.notifyMu.Lock()
	for c.delivered != seq {
		c.notifyCond.Wait()
	}
	c.notifyMu.Unlock()

	defer func() {
		c.notifyMu.Lock()
		c.delivered++
		c.notifyCond.Broadcast()
		c.notifyMu.Unlock()
	}()

	c.obsMu.Lock()
	observers := make([]subscription, len(c.observers))
	copy(observers, c.observers)
	c.obsMu.Unlock()

	for _, s := range observers {
		s.fn(snapshot)
	}
}
