package pagination

// InitialGeneration is the refresh generation of a freshly created coordinator.
const InitialGeneration = 1

// State is an immutable snapshot of the pagination state of one list.
// Snapshots are handed to observers and callers by value; mutating a
// snapshot never affects the coordinator that produced it.
type State struct {
	// CurrentPage is the next page index to request on load-more.
	CurrentPage int `json:"current_page"`

	// IsLoading is true while a load-more fetch is in flight.
	IsLoading bool `json:"is_loading"`

	// IsRefreshing is true while a refresh fetch is in flight.
	IsRefreshing bool `json:"is_refreshing"`

	// IsEnded is true once the data source reported no more pages.
	IsEnded bool `json:"is_ended"`

	// IsError is true when the last fetch failed. Only a refresh clears it.
	IsError bool `json:"is_error"`

	// RefreshGeneration identifies the current refresh epoch.
	// It is incremented by every applied refresh completion.
	RefreshGeneration int `json:"refresh_generation"`
}

// LoadNextPageAvailable reports whether an automatic load-more may be triggered.
func (s State) LoadNextPageAvailable() bool {
	return !s.IsEnded && !s.IsLoading && !s.IsRefreshing && !s.IsError
}

// Busy reports whether any fetch is in flight.
func (s State) Busy() bool {
	return s.IsLoading || s.IsRefreshing
}

// Ticket is the decision returned by PrepareFetch. A permitted ticket carries
// the generation and page the caller must fetch, and must be handed back to
// CompleteFetch once the fetch finished.
type Ticket struct {
	ShouldFetch bool `json:"should_fetch"`
	Generation  int  `json:"generation"`
	Page        int  `json:"page"`
}

// rejected is returned whenever a fetch may not start.
var rejected = Ticket{ShouldFetch: false, Generation: -1, Page: -1}

// FetchKind distinguishes a refresh from a load-more.
type FetchKind string

const (
	// KindRefresh is a pull-to-refresh or new query, always fetching page 0.
	KindRefresh FetchKind = "refresh"

	// KindLoadMore fetches the next sequential page.
	KindLoadMore FetchKind = "load_more"
)

func kindOf(isRefresh bool) FetchKind {
	if isRefresh {
		return KindRefresh
	}
	return KindLoadMore
}
