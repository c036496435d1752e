package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/avaserve/internal/util"
)

// EnvFunc looks up an environment variable.
type EnvFunc func(name string) (string, bool)

// SecretSource reads one key of a stored secret.
type SecretSource interface {
	Secret(ctx context.Context, path, key string) (any, error)
}

const (
	envPrefix   = "env:"
	vaultPrefix = "vault:"
)

// Resolve expands references in every string of the merged tree and
// returns a new tree.
//
//   - ${a.b.c} is replaced by the value at that dotted path. Keys that
//     themselves contain dots are kept as is but cannot be referenced.
//   - ${env:NAME} and ${env:NAME:-default} read the environment.
//   - ${vault:path#key} reads key of the secret at path, see ResolveWith.
//   - $$ produces a literal $.
//
// A string consisting of exactly one reference takes the referenced
// value, type included. Missing references and reference cycles fail
// with an UnresolvedReference ConfigError.
func Resolve(root *Node, env EnvFunc) (*Node, error) {
	return ResolveWith(context.Background(), root, env, nil)
}

// ResolveWith is Resolve with a secret source for ${vault:...}
// references. Without one such references fail.
func ResolveWith(ctx context.Context, root *Node, env EnvFunc, secrets SecretSource) (*Node, error) {
	if root == nil {
		return NewNode(), nil
	}
	if env == nil {
		env = os.LookupEnv
	}

	r := &resolver{
		ctx:      ctx,
		root:     root,
		env:      env,
		secrets:  secrets,
		fetched:  make(map[string]any),
		done:     make(map[string]any),
		visiting: make(map[string]bool),
	}

	out := NewNode()
	for _, key := range root.keys {
		v, err := r.resolveAt([]string{key}, root.values[key])
		if err != nil {
			return nil, err
		}
		out.set(key, v)
	}
	return out, nil
}

// resolver memoizes resolved values by segment path. Mapping keys may
// contain dots, so the memo key joins segments with NUL.
type resolver struct {
	ctx      context.Context
	root     *Node
	env      EnvFunc
	secrets  SecretSource
	fetched  map[string]any
	done     map[string]any
	visiting map[string]bool
	chain    []string
}

const segSep = "\x00"

func (r *resolver) resolveAt(segs []string, raw any) (any, error) {
	id := strings.Join(segs, segSep)
	if v, ok := r.done[id]; ok {
		return v, nil
	}
	path := strings.Join(segs, ".")
	if r.visiting[id] {
		return nil, util.NewConfigError(util.ConfigUnresolvedReference, "", path,
			"reference cycle: "+strings.Join(append(r.chain, path), " -> "))
	}

	r.visiting[id] = true
	r.chain = append(r.chain, path)
	v, err := r.resolveValue(raw, segs, path)
	r.chain = r.chain[:len(r.chain)-1]
	delete(r.visiting, id)
	if err != nil {
		return nil, err
	}

	r.done[id] = v
	return v, nil
}

func (r *resolver) resolveValue(v any, segs []string, path string) (any, error) {
	switch t := v.(type) {
	case string:
		return r.resolveString(t, path)
	case *Node:
		out := NewNode()
		for _, key := range t.keys {
			child, err := r.resolveAt(append(segs[:len(segs):len(segs)], key), t.values[key])
			if err != nil {
				return nil, err
			}
			out.set(key, child)
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i := range t {
			item, err := r.resolveAt(append(segs[:len(segs):len(segs)], strconv.Itoa(i)), t[i])
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	default:
		return v, nil
	}
}

// token is one piece of a scanned string: literal text or a reference.
type token struct {
	text string
	ref  bool
}

func scan(s, path string) ([]token, error) {
	var (
		tokens []token
		lit    strings.Builder
	)
	flush := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, token{text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		if s[i] != '$' || i+1 >= len(s) {
			lit.WriteByte(s[i])
			continue
		}
		switch s[i+1] {
		case '$':
			lit.WriteByte('$')
			i++
		case '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return nil, util.NewConfigError(util.ConfigMalformed, "", path,
					fmt.Sprintf("unterminated reference in %q", s))
			}
			flush()
			tokens = append(tokens, token{text: strings.TrimSpace(s[i+2 : i+2+end]), ref: true})
			i += end + 2
		default:
			lit.WriteByte('$')
		}
	}
	flush()
	return tokens, nil
}

func (r *resolver) resolveString(s, path string) (any, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	tokens, err := scan(s, path)
	if err != nil {
		return nil, err
	}

	if len(tokens) == 1 && tokens[0].ref {
		return r.lookupRef(tokens[0].text, path)
	}

	var b strings.Builder
	for _, tok := range tokens {
		if !tok.ref {
			b.WriteString(tok.text)
			continue
		}
		v, err := r.lookupRef(tok.text, path)
		if err != nil {
			return nil, err
		}
		switch v.(type) {
		case *Node, []any:
			return nil, util.NewConfigError(util.ConfigUnresolvedReference, "", path,
				fmt.Sprintf("${%s} is not a scalar and cannot be embedded in text", tok.text))
		case nil:
		default:
			b.WriteString(fmt.Sprint(v))
		}
	}
	return b.String(), nil
}

func (r *resolver) lookupRef(ref, path string) (any, error) {
	if ref == "" {
		return nil, util.NewConfigError(util.ConfigMalformed, "", path, "empty reference ${}")
	}

	if name, ok := strings.CutPrefix(ref, envPrefix); ok {
		name, def, hasDefault := strings.Cut(name, ":-")
		if v, found := r.env(name); found {
			return v, nil
		}
		if hasDefault {
			return def, nil
		}
		return nil, util.NewConfigError(util.ConfigUnresolvedReference, "", path,
			fmt.Sprintf("environment variable %s is not set", name))
	}

	if spec, ok := strings.CutPrefix(ref, vaultPrefix); ok {
		return r.secret(spec, path)
	}

	segs := strings.Split(ref, ".")
	raw, ok := r.root.Lookup(ref)
	if !ok {
		return nil, util.NewConfigError(util.ConfigUnresolvedReference, "", path,
			fmt.Sprintf("reference ${%s} does not exist", ref))
	}
	return r.resolveAt(segs, raw)
}

// secret reads a ${vault:path#key} reference. Each reference is fetched
// once per resolution.
func (r *resolver) secret(spec, path string) (any, error) {
	secretPath, key, ok := strings.Cut(spec, "#")
	if !ok || secretPath == "" || key == "" {
		return nil, util.NewConfigError(util.ConfigMalformed, "", path,
			fmt.Sprintf("secret reference ${%s%s} must have the form path#key", vaultPrefix, spec))
	}
	if v, ok := r.fetched[spec]; ok {
		return v, nil
	}
	if r.secrets == nil {
		return nil, util.NewConfigError(util.ConfigUnresolvedReference, "", path,
			fmt.Sprintf("no secret source configured for ${%s%s}", vaultPrefix, spec))
	}

	v, err := r.secrets.Secret(r.ctx, secretPath, key)
	if err != nil {
		return nil, util.NewConfigErrorWithCause(util.ConfigUnresolvedReference, "", path,
			fmt.Sprintf("cannot read secret ${%s%s}", vaultPrefix, spec), err)
	}
	r.fetched[spec] = v
	return v, nil
}
