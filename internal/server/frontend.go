package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avaserve/internal/observability"
	"github.com/vyrodovalexey/avaserve/internal/request"
	"github.com/vyrodovalexey/avaserve/internal/router"
	"github.com/vyrodovalexey/avaserve/internal/util"
)

// Resolver matches requests against the live route table.
type Resolver interface {
	Resolve(method, host, path string) (*router.Match, error)
}

// Executor runs the pipeline of a matched rule.
type Executor interface {
	Execute(rc *request.Context) (*request.Response, error)
}

// New creates the front end server. Every request, whatever its path or
// method, is resolved against the route table and run through the
// pipeline of the matched rule.
func New(cfg Config, resolver Resolver, executor Executor, opts ...Option) *Server {
	o := newOptions(opts)
	s := newServer("frontend", cfg, o.logger)

	f := &frontend{
		resolver: resolver,
		executor: executor,
		logger:   s.logger,
	}

	s.engine.Use(
		RequestID(),
		Tracing(),
		AccessLog(s.logger, o.metrics),
		Recovery(s.logger),
	)
	if cfg.MaxRequestBodySize > 0 {
		s.engine.Use(maxBodySize(cfg.MaxRequestBodySize))
	}
	s.engine.NoRoute(f.serve)
	return s
}

type frontend struct {
	resolver Resolver
	executor Executor
	logger   observability.Logger
}

func (f *frontend) serve(c *gin.Context) {
	req := request.FromHTTP(c.Request)
	ctx := c.Request.Context()

	var (
		resp *request.Response
		err  error
	)
	// A rule retired by a reload between resolving and starting its
	// handler is resolved again against the new table once. A handler
	// torn down while running is not retried.
	for attempt := 0; attempt < 2; attempt++ {
		var m *router.Match
		m, err = f.resolver.Resolve(req.Method, req.Host, req.Path)
		if err != nil {
			break
		}
		c.Set(RuleIDKey, m.Rule.ID)

		rc := request.NewContext(ctx, req, m.Rule, m.Params, m.Generation)
		resp, err = f.executor.Execute(rc)
		if !errors.Is(err, util.ErrRuleRetired) {
			break
		}
	}

	if err != nil {
		f.fail(c, err)
		return
	}
	if resp == nil {
		f.fail(c, util.ErrHandlerFailed)
		return
	}
	f.write(c, resp)
}

func (f *frontend) fail(c *gin.Context, err error) {
	ctx := c.Request.Context()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		f.logger.WithContext(ctx).Debug("client closed request",
			observability.String("path", c.Request.URL.Path),
			observability.Error(err))
		c.Status(StatusClientClosedRequest)
		c.Abort()
		return
	}

	status := util.StatusCode(err)
	var notAllowed *util.MethodNotAllowedError
	if errors.As(err, &notAllowed) {
		c.Header("Allow", strings.Join(notAllowed.Allowed, ", "))
	}

	body := gin.H{"error": http.StatusText(status)}
	if util.IsClientError(err) {
		body["message"] = err.Error()
	} else {
		_ = c.Error(err)
		f.logger.WithContext(ctx).Error("request failed",
			observability.String("rule", c.GetString(RuleIDKey)),
			observability.Int("status", status),
			observability.Error(err))
	}
	if id := GetRequestID(c); id != "" {
		body["requestID"] = id
	}
	c.AbortWithStatusJSON(status, body)
}

func (f *frontend) write(c *gin.Context, resp *request.Response) {
	header := c.Writer.Header()
	for k, v := range resp.Header {
		header[k] = v
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	if resp.Stream != nil {
		defer resp.Stream.Close()
		c.Status(status)
		c.Writer.WriteHeaderNow()
		if _, err := io.Copy(c.Writer, resp.Stream); err != nil {
			_ = c.Error(err)
			f.logger.WithContext(c.Request.Context()).Debug("response stream interrupted",
				observability.String("rule", c.GetString(RuleIDKey)),
				observability.Error(err))
		}
		return
	}

	if header.Get("Content-Length") == "" && bodyAllowed(c.Request.Method, status) {
		header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	c.Status(status)
	c.Writer.WriteHeaderNow()
	if len(resp.Body) > 0 && bodyAllowed(c.Request.Method, status) {
		_, _ = c.Writer.Write(resp.Body)
	}
}

func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	switch {
	case status >= 100 && status < 200,
		status == http.StatusNoContent,
		status == http.StatusNotModified:
		return false
	}
	return true
}
