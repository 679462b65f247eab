// Package pagination coordinates infinite-scroll pagination for a list fed by
// a remote, page-index based search source.
//
// A Coordinator owns the state of one list (current page, busy flags, end and
// error markers, refresh generation). Every fetch is bracketed:
//
//	ticket := coord.PrepareFetch(false)
//	if !ticket.ShouldFetch {
//		return
//	}
//	items, err := source.FetchPage(ctx, ticket.Page, query)
//	coord.CompleteFetch(ticket.Generation, false, err != nil, len(items) == 0)
//
// Rules enforced by the coordinator:
//   - A refresh in flight blocks every other fetch, including another refresh
//   - A load-more is blocked while another load-more runs or after the list ended
//   - A refresh clears the error and end markers and always fetches page 0
//   - Successful completions from a superseded refresh generation are dropped
//   - Errors always land, whatever their generation
//
// Observers registered with Subscribe receive a State snapshot after every
// change. PrepareFetch does not gate on IsError; triggers for automatic
// load-more must check State.LoadNextPageAvailable first. Loader does this and
// also keeps the fetched items, bounding each fetch by a timeout.
//
// Metrics:
//   - songlist_fetch_prepared_total{kind}
//   - songlist_fetch_rejected_total{kind}
//   - songlist_fetch_completed_total{kind, outcome}
package pagination
