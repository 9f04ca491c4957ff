// Package spider defines the request/response types and the Spider contract
// that crawl projects implement.
package spider

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Default retry knobs applied to new requests.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 1.0 // seconds, base for exponential backoff
)

// scoreTimeDivisor folds the enqueue timestamp into the score's fractional
// part so equal priorities pop in insertion order.
const scoreTimeDivisor = 1e10

// Request describes one HTTP fetch to perform, including its dispatch
// callback and retry bookkeeping. Requests are serialized whole into the
// pending queue, so every field must survive a JSON round trip.
type Request struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Callback   string            `json:"callback"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	Meta       map[string]any    `json:"meta,omitempty"`
	Priority   int               `json:"priority"`
	DontFilter bool              `json:"dont_filter,omitempty"`
	Cookies    map[string]string `json:"cookies,omitempty"`
	Timeout    float64           `json:"timeout,omitempty"` // seconds, 0 = client default
	MaxRetries int               `json:"max_retries"`
	RetryCount int               `json:"retry_count"`
	RetryDelay float64           `json:"retry_delay"` // seconds
}

// NewRequest creates a GET request with default retry settings.
func NewRequest(url string) *Request {
	return &Request{
		URL:        url,
		Method:     "GET",
		Callback:   "parse",
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// Fingerprint returns the stable dedup hash of (url, METHOD, body).
func (r *Request) Fingerprint() string {
	h := sha1.New()
	fmt.Fprintf(h, "%s\n%s\n%s", r.URL, strings.ToUpper(r.Method), r.Body)
	return hex.EncodeToString(h.Sum(nil))
}

// Score computes the pending-queue ordering score at time now.
// Lower scores pop first: higher priority wins, ties break by enqueue time.
func (r *Request) Score(now time.Time) float64 {
	return float64(-r.Priority) + float64(now.UnixNano())/1e9/scoreTimeDivisor
}

// Serialize encodes the request as a self-contained JSON blob.
func (r *Request) Serialize() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("serialize request: %w", err)
	}
	return string(data), nil
}

// Deserialize decodes a request from its queue blob.
func Deserialize(blob string) (*Request, error) {
	var r Request
	if err := json.Unmarshal([]byte(blob), &r); err != nil {
		return nil, fmt.Errorf("deserialize request: %w", err)
	}
	if r.Method == "" {
		r.Method = "GET"
	}
	return &r, nil
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	clone := *r
	if r.Headers != nil {
		clone.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			clone.Headers[k] = v
		}
	}
	if r.Cookies != nil {
		clone.Cookies = make(map[string]string, len(r.Cookies))
		for k, v := range r.Cookies {
			clone.Cookies[k] = v
		}
	}
	if r.Meta != nil {
		clone.Meta = make(map[string]any, len(r.Meta))
		for k, v := range r.Meta {
			clone.Meta[k] = v
		}
	}
	return &clone
}

// RetryClone returns a copy with the retry counter advanced.
func (r *Request) RetryClone() *Request {
	clone := r.Clone()
	clone.RetryCount++
	return clone
}

// BackoffDelay returns the exponential backoff delay before processing a
// retried request: retry_delay * 2^(retry_count-1).
func (r *Request) BackoffDelay() time.Duration {
	if r.RetryCount <= 0 {
		return 0
	}
	base := r.RetryDelay
	if base <= 0 {
		base = DefaultRetryDelay
	}
	return time.Duration(base*float64(int(1)<<(r.RetryCount-1)) * float64(time.Second))
}
