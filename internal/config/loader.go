package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/avaserve/internal/observability"
	"github.com/vyrodovalexey/avaserve/internal/util"
)

const (
	// importKey is the top-level key listing files merged underneath the
	// declaring file.
	importKey = "import"

	// DefaultMaxImportDepth bounds the import chain.
	DefaultMaxImportDepth = 10

	yamlPathVar = "$YAMLPATH"
	yamlFileVar = "$YAMLFILE"
)

// Loader reads YAML configuration sources, follows their imports and
// merges them into one resolved tree.
type Loader struct {
	schema   Schema
	env      EnvFunc
	secrets  SecretSource
	maxDepth int
	logger   observability.Logger
}

// LoaderOption is a functional option for configuring the loader.
type LoaderOption func(*Loader)

// WithSchema sets the merge schema.
func WithSchema(schema Schema) LoaderOption {
	return func(l *Loader) {
		l.schema = schema
	}
}

// WithEnv sets the environment lookup used for ${env:...} references.
func WithEnv(env EnvFunc) LoaderOption {
	return func(l *Loader) {
		l.env = env
	}
}

// WithSecrets sets the source of ${vault:path#key} references.
func WithSecrets(source SecretSource) LoaderOption {
	return func(l *Loader) {
		l.secrets = source
	}
}

// WithMaxImportDepth bounds how deep imports may nest.
func WithMaxImportDepth(depth int) LoaderOption {
	return func(l *Loader) {
		l.maxDepth = depth
	}
}

// WithLoaderLogger sets the logger for the loader.
func WithLoaderLogger(logger observability.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a new configuration loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		schema:   DefaultSchema(),
		env:      os.LookupEnv,
		maxDepth: DefaultMaxImportDepth,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the given sources in precedence order (later overrides
// earlier), merges them and resolves references. It returns the
// resolved tree and every file that was read, imports included.
func (l *Loader) Load(sources ...string) (*Node, []string, error) {
	st := &loadState{
		loader:  l,
		onStack: make(map[string]bool),
		seen:    make(map[string]bool),
	}

	merged := NewNode()
	for _, src := range sources {
		abs, err := filepath.Abs(src)
		if err != nil {
			return nil, st.files, util.NewConfigErrorWithCause(util.ConfigUnreadable, src, "", "cannot resolve path", err)
		}

		node, err := st.loadFile(abs, 0)
		if err != nil {
			return nil, st.files, err
		}

		merged, err = mergeFrom(merged, node, l.schema, abs)
		if err != nil {
			return nil, st.files, err
		}
	}

	resolved, err := ResolveWith(context.Background(), merged, l.env, l.secrets)
	if err != nil {
		return nil, st.files, err
	}

	l.logger.Debug("configuration loaded",
		observability.Strings("files", st.files),
		observability.Int("keys", resolved.Len()),
	)

	return resolved, st.files, nil
}

// LoadBytes parses a single in-memory document, without import support.
// name is used in error messages and for $YAMLFILE.
func (l *Loader) LoadBytes(name string, data []byte) (*Node, error) {
	node, err := parseDocument(name, data)
	if err != nil {
		return nil, err
	}
	node.remove(importKey)
	return ResolveWith(context.Background(), node, l.env, l.secrets)
}

type loadState struct {
	loader  *Loader
	onStack map[string]bool
	seen    map[string]bool
	files   []string
}

func (st *loadState) loadFile(path string, depth int) (*Node, error) {
	if st.onStack[path] {
		return nil, util.NewConfigError(util.ConfigImportCycle, path, "", "file imports itself")
	}
	if depth > st.loader.maxDepth {
		return nil, util.NewConfigError(util.ConfigImportCycle, path, "",
			fmt.Sprintf("maximum import depth (%d) exceeded", st.loader.maxDepth))
	}

	data, err := os.ReadFile(path) //nolint:gosec // configuration paths come from the operator
	if err != nil {
		return nil, util.NewConfigErrorWithCause(util.ConfigUnreadable, path, "", "cannot read file", err)
	}

	if !st.seen[path] {
		st.seen[path] = true
		st.files = append(st.files, path)
	}

	node, err := parseDocument(path, data)
	if err != nil {
		return nil, err
	}

	imports, err := importPaths(node, path)
	if err != nil {
		return nil, err
	}
	node.remove(importKey)

	if len(imports) == 0 {
		return node, nil
	}

	st.onStack[path] = true
	defer delete(st.onStack, path)

	base := NewNode()
	for _, imp := range imports {
		child, err := st.loadFile(imp, depth+1)
		if err != nil {
			return nil, err
		}
		base, err = mergeFrom(base, child, st.loader.schema, imp)
		if err != nil {
			return nil, err
		}
	}

	return mergeFrom(base, node, st.loader.schema, path)
}

// mergeFrom merges override onto base and attributes conflicts to source.
func mergeFrom(base, override *Node, schema Schema, source string) (*Node, error) {
	merged, err := Merge(base, override, schema)
	if err != nil {
		if cfgErr, ok := err.(*util.ConfigError); ok && cfgErr.Source == "" {
			cfgErr.Source = source
		}
		return nil, err
	}
	return merged, nil
}

// importPaths returns the absolute, glob-expanded files named by the
// import key of node.
func importPaths(node *Node, declaringFile string) ([]string, error) {
	raw, ok := node.Get(importKey)
	if !ok || raw == nil {
		return nil, nil
	}

	var patterns []string
	switch v := raw.(type) {
	case string:
		patterns = append(patterns, v)
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, util.NewConfigError(util.ConfigMalformed, declaringFile, importKey,
					fmt.Sprintf("import entries must be paths, got %T", item))
			}
			patterns = append(patterns, s)
		}
	case *Node:
		for _, name := range v.Keys() {
			item, _ := v.Get(name)
			s, ok := item.(string)
			if !ok {
				return nil, util.NewConfigError(util.ConfigMalformed, declaringFile, importKey+"."+name,
					fmt.Sprintf("import entries must be paths, got %T", item))
			}
			patterns = append(patterns, s)
		}
	default:
		return nil, util.NewConfigError(util.ConfigMalformed, declaringFile, importKey,
			fmt.Sprintf("import must be a path, a list or a mapping, got %T", raw))
	}

	dir := filepath.Dir(declaringFile)
	var files []string
	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(dir, pattern)
		}

		if !hasGlobMeta(pattern) {
			files = append(files, filepath.Clean(pattern))
			continue
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, util.NewConfigErrorWithCause(util.ConfigMalformed, declaringFile, importKey,
				"invalid import pattern "+pattern, err)
		}
		files = append(files, matches...)
	}
	return files, nil
}

func hasGlobMeta(path string) bool {
	return strings.ContainsAny(path, `*?[`)
}

// parseDocument decodes YAML into a Node, keeping key order and tags.
func parseDocument(name string, data []byte) (*Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, util.NewConfigErrorWithCause(util.ConfigMalformed, name, "", "invalid YAML", err)
	}

	if doc.Kind == 0 || len(doc.Content) == 0 {
		return NewNode(), nil
	}

	root := doc.Content[0]
	if root.Kind == yaml.ScalarNode && root.Tag == "!!null" {
		return NewNode(), nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, util.NewConfigError(util.ConfigMalformed, name, "", "top level must be a mapping")
	}

	c := &converter{
		source: name,
		dir:    filepath.Dir(name),
	}
	v, err := c.convert(root, "")
	if err != nil {
		return nil, err
	}
	return v.(*Node), nil
}

type converter struct {
	source string
	dir    string
}

func (c *converter) convert(n *yaml.Node, path string) (any, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return c.convert(n.Alias, path)
	case yaml.MappingNode:
		return c.convertMapping(n, path)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for i, item := range n.Content {
			v, err := c.convert(item, fmt.Sprintf("%s.%d", path, i))
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.ScalarNode:
		return c.convertScalar(n, path)
	default:
		return nil, util.NewConfigError(util.ConfigMalformed, c.source, path,
			fmt.Sprintf("unsupported YAML node at line %d", n.Line))
	}
}

func (c *converter) convertMapping(n *yaml.Node, path string) (*Node, error) {
	out := NewNode()
	for i := 0; i+1 < len(n.Content); i += 2 {
		keyNode, valNode := n.Content[i], n.Content[i+1]

		if keyNode.Tag == "!!merge" {
			if err := c.mergeKey(out, valNode, path); err != nil {
				return nil, err
			}
			continue
		}

		if keyNode.Kind != yaml.ScalarNode {
			return nil, util.NewConfigError(util.ConfigMalformed, c.source, path,
				fmt.Sprintf("mapping keys must be scalars (line %d)", keyNode.Line))
		}

		key := keyNode.Value
		childPath := joinPath(path, key)
		v, err := c.convert(valNode, childPath)
		if err != nil {
			return nil, err
		}
		out.set(key, v)
		if valNode.Kind == yaml.SequenceNode && valNode.Tag == AppendTag {
			out.markAppend(key)
		}
	}
	return out, nil
}

// mergeKey applies a YAML "<<" merge key: entries of the referenced
// mappings are added unless the mapping already declares them.
func (c *converter) mergeKey(out *Node, valNode *yaml.Node, path string) error {
	sources := []*yaml.Node{valNode}
	if valNode.Kind == yaml.SequenceNode {
		sources = valNode.Content
	}
	for _, src := range sources {
		v, err := c.convert(src, path)
		if err != nil {
			return err
		}
		m, ok := v.(*Node)
		if !ok {
			return util.NewConfigError(util.ConfigMalformed, c.source, path, "merge key must reference a mapping")
		}
		for _, k := range m.keys {
			if _, exists := out.values[k]; !exists {
				out.set(k, m.values[k])
			}
		}
	}
	return nil
}

func (c *converter) convertScalar(n *yaml.Node, path string) (any, error) {
	if n.Tag == "!!str" || n.Style&(yaml.DoubleQuotedStyle|yaml.SingleQuotedStyle|yaml.LiteralStyle|yaml.FoldedStyle) != 0 {
		return c.expandPathVars(n.Value), nil
	}

	var v any
	if err := n.Decode(&v); err != nil {
		return nil, util.NewConfigErrorWithCause(util.ConfigMalformed, c.source, path,
			fmt.Sprintf("invalid scalar at line %d", n.Line), err)
	}
	if s, ok := v.(string); ok {
		return c.expandPathVars(s), nil
	}
	return v, nil
}

// expandPathVars substitutes the per-file $YAMLPATH and $YAMLFILE
// variables. They depend on the declaring file, so they are replaced at
// load time rather than during resolution.
func (c *converter) expandPathVars(s string) string {
	if !strings.Contains(s, "$YAML") {
		return s
	}
	s = strings.ReplaceAll(s, yamlFileVar, filepath.ToSlash(c.source))
	return strings.ReplaceAll(s, yamlPathVar, filepath.ToSlash(c.dir))
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
