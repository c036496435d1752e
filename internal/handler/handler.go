package handler

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/vyrodovalexey/avaserve/internal/request"
)

// Params are the handler parameters declared on a rule (its kwargs).
type Params = map[string]any

// Handler serves requests for one rule, or for every rule sharing the
// instance when its type is shareable.
type Handler interface {
	Handle(rc *request.Context) (*request.Response, error)

	// Release frees the resources of the instance. It is called exactly
	// once, after the last in-flight request finished or the drain
	// timeout expired.
	Release() error
}

// Type creates handler instances from rule parameters.
type Type interface {
	Name() string
	Setup(ctx context.Context, params Params) (Handler, error)
}

// Shareable is implemented by types whose instances depend only on
// their parameters, so rules with equal parameters can share one.
type Shareable interface {
	Shareable() bool
}

// Eager is implemented by types whose instances should be set up during
// reload rather than on first use.
type Eager interface {
	Eager() bool
}

// ParamValidator is implemented by types that can check parameters
// without creating an instance.
type ParamValidator interface {
	Validate(params Params) error
}

// Func adapts a function to a Handler without resources to release.
type Func func(rc *request.Context) (*request.Response, error)

// Handle calls f.
func (f Func) Handle(rc *request.Context) (*request.Response, error) {
	return f(rc)
}

// Release does nothing.
func (f Func) Release() error {
	return nil
}

func isShareable(t Type) bool {
	s, ok := t.(Shareable)
	return ok && s.Shareable()
}

func isEager(t Type) bool {
	e, ok := t.(Eager)
	return ok && e.Eager()
}

// DecodeParams decodes handler parameters into target. Unknown
// parameters are rejected and durations may be given as strings.
func DecodeParams(params Params, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(params); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}
