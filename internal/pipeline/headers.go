package pipeline

import (
	"encoding/json"
	"net/http"

	"github.com/vyrodovalexey/avaserve/internal/handler"
	"github.com/vyrodovalexey/avaserve/internal/request"
	"github.com/vyrodovalexey/avaserve/internal/util"
)

func builtinStageTypes() []StageType {
	return []StageType{
		basicAuthType{},
		apiKeyType{},
		jwtType{},
		authorizeType{},
		rateLimitType{},
		concurrencyType{},
		circuitBreakerType{},
		timeoutType{},
		headersType{},
	}
}

// errorResponse builds the JSON error document sent for rejected
// requests.
func errorResponse(status int, message string) *request.Response {
	body, _ := json.Marshal(map[string]any{
		"error":  message,
		"status": status,
	})
	resp := request.NewResponse(status, body)
	resp.Header.Set("Content-Type", "application/json")
	return resp
}

// HeadersConfig parameterizes the headers stage, which edits response
// headers after the handler ran.
type HeadersConfig struct {
	Set    map[string]string `mapstructure:"set"`
	Add    map[string]string `mapstructure:"add"`
	Remove []string          `mapstructure:"remove"`
}

type headersType struct{}

func (headersType) Name() string { return "headers" }

func (headersType) Build(params handler.Params) (Stage, error) {
	var cfg HeadersConfig
	if err := handler.DecodeParams(params, &cfg); err != nil {
		return nil, err
	}
	for _, names := range [][]string{keys(cfg.Set), keys(cfg.Add), cfg.Remove} {
		for _, name := range names {
			if err := util.ValidateHeaderName(name); err != nil {
				return nil, err
			}
		}
	}
	return &headersStage{cfg: cfg}, nil
}

type headersStage struct {
	cfg HeadersConfig
}

func (s *headersStage) Before(_ *request.Context) (*request.Response, error) {
	return nil, nil
}

func (s *headersStage) Finish(_ *request.Context, resp *request.Response, err error) (*request.Response, error) {
	if resp == nil {
		return resp, err
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	for _, name := range s.cfg.Remove {
		resp.Header.Del(name)
	}
	for name, value := range s.cfg.Set {
		resp.Header.Set(name, value)
	}
	for name, value := range s.cfg.Add {
		resp.Header.Add(name, value)
	}
	return resp, err
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
