// Package request defines the transport-neutral request, response and
// per-request context passed through handler pipelines.
package request

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/vyrodovalexey/avaserve/internal/router"
	"github.com/vyrodovalexey/avaserve/internal/util"
)

// Cache status values recorded on the context by the response cache.
const (
	CacheStatusNone   = ""
	CacheStatusHit    = "HIT"
	CacheStatusMiss   = "MISS"
	CacheStatusBypass = "BYPASS"
)

// Request is an incoming request, independent of the front end that
// received it.
type Request struct {
	Method     string
	Host       string
	Path       string
	Header     http.Header
	Query      url.Values
	Body       io.Reader
	RemoteAddr string
}

// FromHTTP converts an *http.Request.
func FromHTTP(r *http.Request) *Request {
	return &Request{
		Method:     r.Method,
		Host:       r.Host,
		Path:       r.URL.Path,
		Header:     r.Header,
		Query:      r.URL.Query(),
		Body:       r.Body,
		RemoteAddr: r.RemoteAddr,
	}
}

// Response is the result of a pipeline. Either Body or Stream carries the
// payload; Stream is closed by whoever writes the response out.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
}

// NewResponse creates a response with the given status and body.
func NewResponse(status int, body []byte) *Response {
	return &Response{
		Status: status,
		Header: make(http.Header),
		Body:   body,
	}
}

// Clone returns a copy of a buffered response that can be modified
// without affecting the original. Streams are not copied.
func (r *Response) Clone() *Response {
	out := &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Stream: r.Stream,
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// Context is the per-request scratch state shared by the stages and the
// handler of one pipeline run. It is owned by a single request.
type Context struct {
	Request    *Request
	Rule       *router.Rule
	Params     map[string]string
	Generation uint64

	// Identity is set by authentication stages.
	Identity string

	// Claims holds attributes of the authenticated identity, such as JWT
	// claims, for authorization stages.
	Claims map[string]any

	mu          sync.RWMutex
	values      map[string]any
	cacheStatus string
	ctx         context.Context
}

// NewContext creates a request context for a resolved rule.
func NewContext(ctx context.Context, req *Request, rule *router.Rule, params map[string]string, generation uint64) *Context {
	if params == nil {
		params = map[string]string{}
	}
	if ctx != nil {
		if rule != nil {
			ctx = util.ContextWithRuleID(ctx, rule.ID)
		}
		ctx = util.ContextWithGeneration(ctx, generation)
		ctx = util.ContextWithPathParams(ctx, params)
	}
	return &Context{
		Request:    req,
		Rule:       rule,
		Params:     params,
		Generation: generation,
		ctx:        ctx,
	}
}

// Context returns the cancellable context of the request.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// SetContext replaces the request context, for instance to add a
// deadline.
func (c *Context) SetContext(ctx context.Context) {
	c.ctx = ctx
}

// Set stores a stage output under key.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
}

// Value returns the stage output stored under key.
func (c *Context) Value(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// SetCacheStatus records how the response cache served the request.
func (c *Context) SetCacheStatus(status string) {
	c.mu.Lock()
	c.cacheStatus = status
	c.mu.Unlock()
}

// CacheStatus returns the recorded cache status.
func (c *Context) CacheStatus() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cacheStatus
}

// RuleID returns the identifier of the matched rule, or "" for none.
func (c *Context) RuleID() string {
	if c.Rule == nil {
		return ""
	}
	return c.Rule.ID
}
