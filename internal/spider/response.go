package spider

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html"
)

// Response is the downloaded result of a Request. Selector helpers parse the
// body lazily and cache the parsed document across calls.
type Response struct {
	URL      string
	Body     []byte
	Status   int
	Headers  http.Header
	Request  *Request // originating request, read-only
	Encoding string

	docOnce sync.Once
	doc     *goquery.Document
	docErr  error

	nodeOnce sync.Once
	node     *html.Node
	nodeErr  error
}

// Text returns the body decoded as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Document returns the lazily parsed goquery document.
func (r *Response) Document() (*goquery.Document, error) {
	r.docOnce.Do(func() {
		r.doc, r.docErr = goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	})
	if r.docErr != nil {
		return nil, fmt.Errorf("parse response body: %w", r.docErr)
	}
	return r.doc, nil
}

// CSS returns the nodes matching a CSS selector. A parse failure yields an
// empty selection; callers that need the error should use Document.
func (r *Response) CSS(selector string) *goquery.Selection {
	doc, err := r.Document()
	if err != nil {
		empty, _ := goquery.NewDocumentFromReader(bytes.NewReader(nil))
		return empty.Find(selector)
	}
	return doc.Find(selector)
}

// XPath returns the nodes matching an XPath expression.
func (r *Response) XPath(expr string) ([]*html.Node, error) {
	r.nodeOnce.Do(func() {
		r.node, r.nodeErr = htmlquery.Parse(bytes.NewReader(r.Body))
	})
	if r.nodeErr != nil {
		return nil, fmt.Errorf("parse response body: %w", r.nodeErr)
	}
	nodes, err := htmlquery.QueryAll(r.node, expr)
	if err != nil {
		return nil, fmt.Errorf("xpath %q: %w", expr, err)
	}
	return nodes, nil
}

// JSON looks up a gjson path in the response body.
func (r *Response) JSON(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}

// Follow builds a new request to a possibly relative URL, dispatched to the
// named callback. The new request inherits the originating request's meta.
func (r *Response) Follow(href, callback string) *Request {
	target := href
	if base, err := url.Parse(r.URL); err == nil {
		if ref, refErr := url.Parse(href); refErr == nil {
			target = base.ResolveReference(ref).String()
		}
	}

	req := NewRequest(target)
	req.Callback = callback
	if r.Request != nil && r.Request.Meta != nil {
		req.Meta = make(map[string]any, len(r.Request.Meta))
		for k, v := range r.Request.Meta {
			req.Meta[k] = v
		}
	}
	return req
}
