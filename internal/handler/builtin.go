package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/avaserve/internal/request"
	"github.com/vyrodovalexey/avaserve/internal/util"
)

// RegisterBuiltins registers the handler types shipped with the server.
func RegisterBuiltins(r *Registry) error {
	for _, t := range []Type{EchoType{}, HealthType{}, RedirectType{}, FileType{}} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// EchoConfig parameterizes the echo handler.
type EchoConfig struct {
	Status      int               `mapstructure:"status"`
	Body        string            `mapstructure:"body"`
	JSON        any               `mapstructure:"json"`
	ContentType string            `mapstructure:"contentType"`
	Headers     map[string]string `mapstructure:"headers"`
}

func (c *EchoConfig) validate() error {
	if c.Status == 0 {
		c.Status = http.StatusOK
	}
	if err := util.ValidateHTTPStatusCode(c.Status); err != nil {
		return err
	}
	if c.Body != "" && c.JSON != nil {
		return fmt.Errorf("body and json are mutually exclusive")
	}
	for name := range c.Headers {
		if err := util.ValidateHeaderName(name); err != nil {
			return err
		}
	}
	return nil
}

// EchoType answers with a fixed body, a fixed JSON document, or, when
// neither is configured, a JSON description of the request.
type EchoType struct{}

// Name implements Type.
func (EchoType) Name() string { return "echo" }

// Shareable implements Shareable.
func (EchoType) Shareable() bool { return true }

// Validate implements ParamValidator.
func (EchoType) Validate(params Params) error {
	var cfg EchoConfig
	if err := DecodeParams(params, &cfg); err != nil {
		return err
	}
	return cfg.validate()
}

// Setup implements Type.
func (EchoType) Setup(_ context.Context, params Params) (Handler, error) {
	var cfg EchoConfig
	if err := DecodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var static []byte
	contentType := cfg.ContentType
	switch {
	case cfg.JSON != nil:
		data, err := json.Marshal(cfg.JSON)
		if err != nil {
			return nil, fmt.Errorf("json parameter: %w", err)
		}
		static = data
		if contentType == "" {
			contentType = "application/json"
		}
	case cfg.Body != "":
		static = []byte(cfg.Body)
		if contentType == "" {
			contentType = "text/plain; charset=utf-8"
		}
	}

	return Func(func(rc *request.Context) (*request.Response, error) {
		body := static
		ct := contentType
		if body == nil {
			data, err := json.Marshal(describe(rc))
			if err != nil {
				return nil, err
			}
			body = data
			ct = "application/json"
		}

		resp := request.NewResponse(cfg.Status, body)
		resp.Header.Set("Content-Type", ct)
		for name, value := range cfg.Headers {
			resp.Header.Set(name, value)
		}
		return resp, nil
	}), nil
}

type requestDescription struct {
	Method     string              `json:"method"`
	Host       string              `json:"host,omitempty"`
	Path       string              `json:"path"`
	Rule       string              `json:"rule"`
	Params     map[string]string   `json:"params"`
	Query      map[string][]string `json:"query,omitempty"`
	Identity   string              `json:"identity,omitempty"`
	Generation uint64              `json:"generation"`
}

func describe(rc *request.Context) requestDescription {
	d := requestDescription{
		Rule:       rc.RuleID(),
		Params:     rc.Params,
		Identity:   rc.Identity,
		Generation: rc.Generation,
	}
	if req := rc.Request; req != nil {
		d.Method = req.Method
		d.Host = req.Host
		d.Path = req.Path
		d.Query = req.Query
	}
	return d
}

// HealthType reports that the server is up, with the generation of the
// table that served the request.
type HealthType struct{}

// Name implements Type.
func (HealthType) Name() string { return "health" }

// Shareable implements Shareable.
func (HealthType) Shareable() bool { return true }

// Validate implements ParamValidator.
func (HealthType) Validate(params Params) error {
	var cfg struct{}
	return DecodeParams(params, &cfg)
}

// Setup implements Type.
func (HealthType) Setup(_ context.Context, _ Params) (Handler, error) {
	return Func(func(rc *request.Context) (*request.Response, error) {
		body, err := json.Marshal(map[string]any{
			"status":     "ok",
			"generation": rc.Generation,
		})
		if err != nil {
			return nil, err
		}
		resp := request.NewResponse(http.StatusOK, body)
		resp.Header.Set("Content-Type", "application/json")
		resp.Header.Set("Cache-Control", "no-store")
		return resp, nil
	}), nil
}

// RedirectConfig parameterizes the redirect handler. "{name}" in URL is
// replaced by the captured path parameter of that name.
type RedirectConfig struct {
	URL       string `mapstructure:"url"`
	Status    int    `mapstructure:"status"`
	KeepQuery bool   `mapstructure:"keepQuery"`
}

func (c *RedirectConfig) validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.Status == 0 {
		c.Status = http.StatusFound
	}
	if c.Status < 300 || c.Status > 399 {
		return fmt.Errorf("redirect status must be 3xx, got %d", c.Status)
	}
	return nil
}

// RedirectType redirects to a configured URL.
type RedirectType struct{}

// Name implements Type.
func (RedirectType) Name() string { return "redirect" }

// Validate implements ParamValidator.
func (RedirectType) Validate(params Params) error {
	var cfg RedirectConfig
	if err := DecodeParams(params, &cfg); err != nil {
		return err
	}
	return cfg.validate()
}

// Setup implements Type.
func (RedirectType) Setup(_ context.Context, params Params) (Handler, error) {
	var cfg RedirectConfig
	if err := DecodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return Func(func(rc *request.Context) (*request.Response, error) {
		target := expandParams(cfg.URL, rc.Params)
		if cfg.KeepQuery && rc.Request != nil && len(rc.Request.Query) > 0 {
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + rc.Request.Query.Encode()
		}
		resp := request.NewResponse(cfg.Status, nil)
		resp.Header.Set("Location", target)
		return resp, nil
	}), nil
}

func expandParams(s string, params map[string]string) string {
	if len(params) == 0 || !strings.Contains(s, "{") {
		return s
	}
	pairs := make([]string, 0, len(params)*2)
	for name, value := range params {
		pairs = append(pairs, "{"+name+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
