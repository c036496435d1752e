package pipeline

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/vyrodovalexey/avaserve/internal/handler"
	"github.com/vyrodovalexey/avaserve/internal/request"
)

// AuthorizeConfig parameterizes the authorize stage. Expression is a CEL
// expression over identity, claims, params, request and now that must
// evaluate to true for the request to continue.
type AuthorizeConfig struct {
	Expression string `mapstructure:"expression"`
	Status     int    `mapstructure:"status"`
	Message    string `mapstructure:"message"`
}

type authorizeType struct{}

func (authorizeType) Name() string { return "authorize" }

func (authorizeType) Build(params handler.Params) (Stage, error) {
	var cfg AuthorizeConfig
	if err := handler.DecodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Expression) == "" {
		return nil, fmt.Errorf("expression is required")
	}
	if cfg.Status == 0 {
		cfg.Status = http.StatusForbidden
	}
	if cfg.Message == "" {
		cfg.Message = "forbidden"
	}

	env, err := newPolicyEnv()
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	ast, iss := env.Compile(cfg.Expression)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile expression: %w", iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build program: %w", err)
	}
	return &authorizeStage{cfg: cfg, program: prg}, nil
}

func newPolicyEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("identity", cel.StringType),
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("params", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
		cel.Function("ip_in_range",
			cel.Overload("ip_in_range_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(ipInRangeBinding),
			),
		),
	)
}

// ipInRangeBinding reports whether an IP lies in a CIDR range.
func ipInRangeBinding(ip, cidr ref.Val) ref.Val {
	ipStr, ok := ip.Value().(string)
	if !ok {
		return types.False
	}
	cidrStr, ok := cidr.Value().(string)
	if !ok {
		return types.False
	}

	parsedIP := net.ParseIP(ipStr)
	if parsedIP == nil {
		return types.False
	}
	_, network, err := net.ParseCIDR(cidrStr)
	if err != nil {
		return types.False
	}
	return types.Bool(network.Contains(parsedIP))
}

type authorizeStage struct {
	cfg     AuthorizeConfig
	program cel.Program
}

func (s *authorizeStage) Before(rc *request.Context) (*request.Response, error) {
	claims := rc.Claims
	if claims == nil {
		claims = map[string]any{}
	}
	out, _, err := s.program.ContextEval(rc.Context(), map[string]any{
		"identity": rc.Identity,
		"claims":   claims,
		"params":   rc.Params,
		"request":  requestAttributes(rc.Request),
		"now":      time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate expression: %w", err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("expression returned %T, want bool", out.Value())
	}
	if !allowed {
		return errorResponse(s.cfg.Status, s.cfg.Message), nil
	}
	return nil, nil
}

// requestAttributes exposes the request to expressions. Header names are
// lower-cased; only the first value of each header and query parameter
// is kept.
func requestAttributes(req *request.Request) map[string]any {
	attrs := map[string]any{
		"method":  "",
		"host":    "",
		"path":    "",
		"ip":      "",
		"headers": map[string]string{},
		"query":   map[string]string{},
	}
	if req == nil {
		return attrs
	}
	attrs["method"] = req.Method
	attrs["host"] = req.Host
	attrs["path"] = req.Path
	attrs["ip"] = clientIP(req)

	headers := make(map[string]string, len(req.Header))
	for name, values := range req.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	attrs["headers"] = headers

	query := make(map[string]string, len(req.Query))
	for name, values := range req.Query {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}
	attrs["query"] = query
	return attrs
}

// clientIP returns the host part of the remote address.
func clientIP(req *request.Request) string {
	if req == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
