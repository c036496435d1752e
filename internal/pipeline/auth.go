package pipeline

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/crypto/bcrypt"

	"github.com/vyrodovalexey/avaserve/internal/handler"
	"github.com/vyrodovalexey/avaserve/internal/request"
)

// BasicAuthConfig parameterizes the basicauth stage. Users maps user
// names to bcrypt hashes.
type BasicAuthConfig struct {
	Users map[string]string `mapstructure:"users"`
	Realm string            `mapstructure:"realm"`
}

type basicAuthType struct{}

func (basicAuthType) Name() string { return "basicauth" }

func (basicAuthType) Build(params handler.Params) (Stage, error) {
	var cfg BasicAuthConfig
	if err := handler.DecodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Users) == 0 {
		return nil, fmt.Errorf("users must not be empty")
	}
	for user, hash := range cfg.Users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %q: invalid bcrypt hash: %w", user, err)
		}
	}
	if cfg.Realm == "" {
		cfg.Realm = "avaserve"
	}
	return &basicAuthStage{cfg: cfg}, nil
}

type basicAuthStage struct {
	cfg BasicAuthConfig
}

// dummyHash is compared against for unknown users so that they take as
// long to reject as wrong passwords.
var dummyHash = sync.OnceValue(func() []byte {
	hash, _ := bcrypt.GenerateFromPassword([]byte("avaserve"), bcrypt.DefaultCost)
	return hash
})

func (s *basicAuthStage) Before(rc *request.Context) (*request.Response, error) {
	user, password, ok := basicAuth(rc.Request)
	if ok {
		hash, known := s.cfg.Users[user]
		if !known {
			hash = string(dummyHash())
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil && known {
			rc.Identity = user
			return nil, nil
		}
	}

	resp := errorResponse(http.StatusUnauthorized, "invalid credentials")
	resp.Header.Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", s.cfg.Realm))
	return resp, nil
}

func basicAuth(req *request.Request) (user, password string, ok bool) {
	if req == nil || req.Header == nil {
		return "", "", false
	}
	return (&http.Request{Header: req.Header}).BasicAuth()
}

// APIKeyConfig parameterizes the apikey stage. Keys maps identities to
// the hex encoded SHA-256 of their key.
type APIKeyConfig struct {
	Keys   map[string]string `mapstructure:"keys"`
	Header string            `mapstructure:"header"`
	Query  string            `mapstructure:"query"`
}

type apiKeyType struct{}

func (apiKeyType) Name() string { return "apikey" }

func (apiKeyType) Build(params handler.Params) (Stage, error) {
	var cfg APIKeyConfig
	if err := handler.DecodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("keys must not be empty")
	}
	if cfg.Header == "" {
		cfg.Header = "X-API-Key"
	}

	s := &apiKeyStage{header: cfg.Header, query: cfg.Query}
	for identity, digest := range cfg.Keys {
		raw, err := hex.DecodeString(digest)
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("key of %q must be a hex encoded SHA-256 digest", identity)
		}
		s.keys = append(s.keys, apiKey{identity: identity, digest: raw})
	}
	return s, nil
}

type apiKey struct {
	identity string
	digest   []byte
}

type apiKeyStage struct {
	header string
	query  string
	keys   []apiKey
}

func (s *apiKeyStage) Before(rc *request.Context) (*request.Response, error) {
	provided := s.extract(rc.Request)
	if provided == "" {
		return errorResponse(http.StatusUnauthorized, "missing API key"), nil
	}

	sum := sha256.Sum256([]byte(provided))
	var identity string
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(sum[:], k.digest) == 1 {
			identity = k.identity
		}
	}
	if identity == "" {
		return errorResponse(http.StatusUnauthorized, "invalid API key"), nil
	}
	rc.Identity = identity
	return nil, nil
}

func (s *apiKeyStage) extract(req *request.Request) string {
	if req == nil {
		return ""
	}
	if req.Header != nil {
		if v := req.Header.Get(s.header); v != "" {
			return v
		}
	}
	if s.query != "" && req.Query != nil {
		return req.Query.Get(s.query)
	}
	return ""
}

// JWTConfig parameterizes the jwt stage. HMAC algorithms use Secret;
// asymmetric ones use a PEM encoded PublicKey or an inline JWKS document.
type JWTConfig struct {
	Algorithm     string        `mapstructure:"algorithm"`
	Secret        string        `mapstructure:"secret"`
	PublicKey     string        `mapstructure:"publicKey"`
	JWKS          string        `mapstructure:"jwks"`
	Issuer        string        `mapstructure:"issuer"`
	Audience      string        `mapstructure:"audience"`
	Leeway        time.Duration `mapstructure:"leeway"`
	IdentityClaim string        `mapstructure:"identityClaim"`
}

type jwtType struct{}

func (jwtType) Name() string { return "jwt" }

func (jwtType) Build(params handler.Params) (Stage, error) {
	var cfg JWTConfig
	if err := handler.DecodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = jwa.HS256.String()
	}
	if cfg.IdentityClaim == "" {
		cfg.IdentityClaim = jwt.SubjectKey
	}

	var alg jwa.SignatureAlgorithm
	if err := alg.Accept(cfg.Algorithm); err != nil {
		return nil, fmt.Errorf("algorithm: %w", err)
	}

	var keyOpt jwt.ParseOption
	switch {
	case cfg.JWKS != "":
		set, err := jwk.Parse([]byte(cfg.JWKS))
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		keyOpt = jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true))
	case cfg.PublicKey != "":
		key, err := jwk.ParseKey([]byte(cfg.PublicKey), jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("publicKey: %w", err)
		}
		keyOpt = jwt.WithKey(alg, key)
	case cfg.Secret != "":
		if !strings.HasPrefix(cfg.Algorithm, "HS") {
			return nil, fmt.Errorf("secret requires an HMAC algorithm, got %s", cfg.Algorithm)
		}
		keyOpt = jwt.WithKey(alg, []byte(cfg.Secret))
	default:
		return nil, fmt.Errorf("one of secret, publicKey or jwks is required")
	}

	opts := []jwt.ParseOption{keyOpt, jwt.WithValidate(true), jwt.WithAcceptableSkew(cfg.Leeway)}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &jwtStage{opts: opts, identityClaim: cfg.IdentityClaim}, nil
}

type jwtStage struct {
	opts          []jwt.ParseOption
	identityClaim string
}

func (s *jwtStage) Before(rc *request.Context) (*request.Response, error) {
	raw := bearerToken(rc.Request)
	if raw == "" {
		return unauthorizedBearer("missing bearer token"), nil
	}

	tok, err := jwt.ParseString(raw, s.opts...)
	if err != nil {
		return unauthorizedBearer("invalid token"), nil
	}

	claims, err := tok.AsMap(rc.Context())
	if err != nil {
		return nil, fmt.Errorf("read token claims: %w", err)
	}
	identity, _ := claims[s.identityClaim].(string)
	if identity == "" {
		return unauthorizedBearer("token has no identity claim"), nil
	}

	rc.Identity = identity
	rc.Claims = claims
	return nil, nil
}

func bearerToken(req *request.Request) string {
	if req == nil || req.Header == nil {
		return ""
	}
	auth := req.Header.Get("Authorization")
	const prefix = "bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func unauthorizedBearer(msg string) *request.Response {
	resp := errorResponse(http.StatusUnauthorized, msg)
	resp.Header.Set("WWW-Authenticate", "Bearer")
	return resp
}
