package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vyrodovalexey/avaserve/internal/handler"
	"github.com/vyrodovalexey/avaserve/internal/request"
	"github.com/vyrodovalexey/avaserve/internal/util"
)

// Stage runs before the handler of a rule.
//
// Before returning (nil, nil) lets the request continue. A non-nil
// response short-circuits the pipeline and is sent as is; an error aborts
// it with a StageError.
type Stage interface {
	Before(rc *request.Context) (*request.Response, error)
}

// Finisher is implemented by stages that post-process the outcome. Finish
// runs in reverse declaration order for every stage whose Before passed
// and may replace the response or the error.
type Finisher interface {
	Finish(rc *request.Context, resp *request.Response, err error) (*request.Response, error)
}

// StageType builds stages from declared parameters.
type StageType interface {
	Name() string
	Build(params handler.Params) (Stage, error)
}

// StageRegistry holds the known stage types.
type StageRegistry struct {
	mu    sync.RWMutex
	types map[string]StageType
}

// NewStageRegistry creates an empty stage registry.
func NewStageRegistry() *StageRegistry {
	return &StageRegistry{types: make(map[string]StageType)}
}

// DefaultStageRegistry returns a registry holding the built-in stage
// types.
func DefaultStageRegistry() *StageRegistry {
	r := NewStageRegistry()
	for _, t := range builtinStageTypes() {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a stage type.
func (r *StageRegistry) Register(t StageType) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("stage type name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[name]; ok {
		return fmt.Errorf("stage type %q already registered", name)
	}
	r.types[name] = t
	return nil
}

// Types returns the registered type names, sorted.
func (r *StageRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates a stage of the named type.
func (r *StageRegistry) Build(stageType string, params handler.Params) (Stage, error) {
	r.mu.RLock()
	t, ok := r.types[stageType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stage type %q: %w", stageType, util.ErrUnknownType)
	}
	return t.Build(params)
}

// ValidateStage checks that the type exists and the parameters build a
// stage.
func (r *StageRegistry) ValidateStage(stageType string, params map[string]any) error {
	_, err := r.Build(stageType, params)
	return err
}
