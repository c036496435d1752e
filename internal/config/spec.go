package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/vyrodovalexey/avaserve/internal/observability"
	"github.com/vyrodovalexey/avaserve/internal/util"
)

// Default values applied when the configuration leaves a setting out.
const (
	DefaultListen          = ":8080"
	DefaultAdminListen     = ":9090"
	DefaultDrainTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultCacheType       = "memory"
	DefaultCacheMaxEntries = 10000
	DefaultCacheTTL        = time.Minute
)

// Spec is the typed view of a resolved configuration tree.
type Spec struct {
	App     AppSpec
	Cache   CacheSpec
	Log     observability.LogConfig
	Tracing observability.TracerConfig

	// Rules are the url entries in declaration order.
	Rules []RuleSpec

	// Tasks are the schedule entries in declaration order.
	Tasks []TaskSpec
}

// AppSpec configures listeners and lifecycle timeouts.
type AppSpec struct {
	Listen          string        `mapstructure:"listen"`
	AdminListen     string        `mapstructure:"adminListen"`
	DrainTimeout    time.Duration `mapstructure:"drainTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
}

// CacheSpec configures the response cache store.
type CacheSpec struct {
	Type       string        `mapstructure:"type"`
	MaxEntries int           `mapstructure:"maxEntries"`
	DefaultTTL time.Duration `mapstructure:"defaultTTL"`
	Redis      RedisSpec     `mapstructure:"redis"`
}

// RedisSpec configures the redis cache store.
type RedisSpec struct {
	URL       string  `mapstructure:"url"`
	KeyPrefix string  `mapstructure:"keyPrefix"`
	TTLJitter float64 `mapstructure:"ttlJitter"`
}

// RuleSpec is one url entry as declared.
type RuleSpec struct {
	ID    string `mapstructure:"-"`
	Order int    `mapstructure:"-"`

	Pattern  string         `mapstructure:"pattern"`
	Methods  []string       `mapstructure:"methods"`
	Host     string         `mapstructure:"host"`
	Priority *int           `mapstructure:"priority"`
	Handler  string         `mapstructure:"handler"`
	Kwargs   map[string]any `mapstructure:"kwargs"`
	Stages   []StageSpec    `mapstructure:"stages"`
	Cache    *RuleCacheSpec `mapstructure:"cache"`
}

// StageSpec declares one pipeline stage. Type defaults to Name.
type StageSpec struct {
	Name   string         `mapstructure:"name"`
	Type   string         `mapstructure:"type"`
	Kwargs map[string]any `mapstructure:"kwargs"`
}

// RuleCacheSpec declares response caching for a rule.
type RuleCacheSpec struct {
	TTL     time.Duration `mapstructure:"ttl"`
	Vary    VarySpec      `mapstructure:"vary"`
	Methods []string      `mapstructure:"methods"`
}

// VarySpec lists the request inputs that take part in the cache key.
type VarySpec struct {
	Query   []string `mapstructure:"query"`
	Headers []string `mapstructure:"headers"`
}

// TaskSpec is one schedule entry as declared.
type TaskSpec struct {
	ID    string `mapstructure:"-"`
	Order int    `mapstructure:"-"`

	Every   time.Duration  `mapstructure:"every"`
	Cron    string         `mapstructure:"cron"`
	Startup bool           `mapstructure:"startup"`
	Handler string         `mapstructure:"handler"`
	Kwargs  map[string]any `mapstructure:"kwargs"`
	Stages  []StageSpec    `mapstructure:"stages"`
	Timeout time.Duration  `mapstructure:"timeout"`
}

// Decode converts a resolved tree into a Spec. Unknown keys inside rule
// and task declarations are rejected.
func Decode(root *Node) (*Spec, error) {
	spec := &Spec{
		App: AppSpec{
			Listen:          DefaultListen,
			AdminListen:     DefaultAdminListen,
			DrainTimeout:    DefaultDrainTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Cache: CacheSpec{
			Type:       DefaultCacheType,
			MaxEntries: DefaultCacheMaxEntries,
			DefaultTTL: DefaultCacheTTL,
		},
		Log: observability.DefaultLogConfig(),
		Tracing: observability.TracerConfig{
			ServiceName:  "avaserve",
			SamplingRate: 1.0,
		},
	}

	sections := []struct {
		key    string
		target any
	}{
		{"app", &spec.App},
		{"cache", &spec.Cache},
		{"log", &spec.Log},
		{"tracing", &spec.Tracing},
	}
	for _, s := range sections {
		if err := decodeSection(root, s.key, s.target, false); err != nil {
			return nil, err
		}
	}
	for path, addr := range map[string]string{"app.listen": spec.App.Listen, "app.adminListen": spec.App.AdminListen} {
		if err := util.ValidateListenAddress(addr); err != nil {
			return nil, util.NewConfigErrorWithCause(util.ConfigMalformed, "", path, "invalid listen address", err)
		}
	}

	rules, err := decodeEntries(root, "url", func(id string, order int, n *Node) (RuleSpec, error) {
		r := RuleSpec{ID: id, Order: order}
		err := decodeValue(n.ToMap(), &r, true)
		return r, err
	})
	if err != nil {
		return nil, err
	}
	spec.Rules = rules

	tasks, err := decodeEntries(root, "schedule", func(id string, order int, n *Node) (TaskSpec, error) {
		t := TaskSpec{ID: id, Order: order}
		err := decodeValue(n.ToMap(), &t, true)
		return t, err
	})
	if err != nil {
		return nil, err
	}
	spec.Tasks = tasks

	return spec, nil
}

func decodeSection(root *Node, key string, target any, exact bool) error {
	raw, ok := root.Get(key)
	if !ok || raw == nil {
		return nil
	}
	n, ok := raw.(*Node)
	if !ok {
		return util.NewConfigError(util.ConfigMalformed, "", key, "must be a mapping")
	}
	if err := decodeValue(n.ToMap(), target, exact); err != nil {
		return util.NewConfigErrorWithCause(util.ConfigMalformed, "", key, "cannot decode section", err)
	}
	return nil
}

// decodeEntries decodes a keyed section (url, schedule) in declaration
// order. A null entry disables the declaration from an earlier layer.
func decodeEntries[T any](root *Node, key string, decode func(id string, order int, n *Node) (T, error)) ([]T, error) {
	raw, ok := root.Get(key)
	if !ok || raw == nil {
		return nil, nil
	}
	section, ok := raw.(*Node)
	if !ok {
		return nil, util.NewConfigError(util.ConfigMalformed, "", key, "must be a mapping of identifiers to declarations")
	}

	out := make([]T, 0, section.Len())
	for _, id := range section.Keys() {
		v, _ := section.Get(id)
		if v == nil {
			continue
		}
		n, ok := v.(*Node)
		if !ok {
			return nil, util.NewConfigError(util.ConfigMalformed, "", key+"."+id,
				fmt.Sprintf("declaration must be a mapping, got %T", v))
		}
		entry, err := decode(id, len(out), n)
		if err != nil {
			return nil, util.NewConfigErrorWithCause(util.ConfigMalformed, "", key+"."+id, "cannot decode declaration", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func decodeValue(input, target any, exact bool) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      exact,
		Result:           target,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
