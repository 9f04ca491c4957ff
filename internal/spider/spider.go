package spider

import (
	"context"

	"github.com/seopages/spiderworker/internal/domain"
)

// Yield is one element produced by a callback: either a follow-up Request or
// an Item. Exactly one field is non-nil.
type Yield struct {
	Request *Request
	Item    *domain.Item
}

// YieldRequest wraps a request for a callback result slice.
func YieldRequest(r *Request) Yield {
	return Yield{Request: r}
}

// YieldItem wraps an item for a callback result slice.
func YieldItem(it *domain.Item) Yield {
	return Yield{Item: it}
}

// Callback handles one downloaded response and yields items and follow-up
// requests in order.
type Callback func(ctx context.Context, req *Request, resp *Response) ([]Yield, error)

// RequestIterator pulls start requests one at a time. It returns false once
// exhausted; the consumer never calls it again after that.
type RequestIterator func() (*Request, bool)

// Spider is the contract a crawl project implements. StartRequests is pulled
// lazily by the consumer; Callbacks maps callback names (as referenced by
// Request.Callback) to handlers and must contain "parse".
type Spider interface {
	Name() string
	StartRequests(ctx context.Context) RequestIterator
	Callbacks() map[string]Callback
}

// Optional lifecycle hooks. The consumer checks for these with type
// assertions, mirroring how optional interfaces are used elsewhere.

// DownloadMidware rewrites a request before download. Returning nil skips
// the request without retrying it.
type DownloadMidware interface {
	DownloadMidware(req *Request) *Request
}

// Validator rejects a response before callback dispatch. Returning false is
// treated as a fetch failure, with the usual retry semantics.
type Validator interface {
	Validate(req *Request, resp *Response) bool
}

// FailedRequestHook observes a request after its retries are exhausted.
type FailedRequestHook interface {
	FailedRequest(req *Request, fetchErr error)
}

// ExceptionRequestHook observes a request whose callback raised an error.
type ExceptionRequestHook interface {
	ExceptionRequest(req *Request, callbackErr error)
}

// Closer runs after the consumer finishes, on every exit path.
type Closer interface {
	Close(ctx context.Context) error
}

// CustomSettings exposes per-spider setting overrides. The runner recognizes
// CONCURRENT_REQUESTS and maps it to the consumer concurrency.
type CustomSettings interface {
	CustomSettings() map[string]any
}

// SliceIterator returns a RequestIterator over a fixed slice, for spiders
// whose start requests are known up front.
func SliceIterator(reqs []*Request) RequestIterator {
	i := 0
	return func() (*Request, bool) {
		if i >= len(reqs) {
			return nil, false
		}
		r := reqs[i]
		i++
		return r, true
	}
}
