// ============================================================================
// Handler registry
// Responsibility: static command table populated at startup, mapping a
// command name to its category, handler, default timeout, and parameter
// specification. Lookup is by exact command string.
// ============================================================================

package registry

import (
	"sort"
	"time"

	"github.com/redunix/computed/pkg/types"
)

// Context is everything a handler may touch while executing: validated
// parameters, the absolute deadline, the cooperative cancel token, the
// progress sink, and the data directory for file commands.
type Context struct {
	Params   map[string]string
	Deadline time.Time
	Cancel   *types.CancelToken
	Progress types.ProgressSink
	DataDir  string
}

// HandlerFunc executes one command. The returned value is rendered as
// the JSON response body. Errors should be *types.ErrorInfo where the
// kind matters; anything else becomes ServerError.
type HandlerFunc func(ctx *Context) (any, error)

// ParamSpec describes one query parameter: its name, whether it is
// required, and an optional validator run before dispatch.
type ParamSpec struct {
	Name     string
	Required bool
	Validate func(value string) error
}

// Spec is one registered command.
type Spec struct {
	Command string
	Category types.Category
	Handler HandlerFunc
	Timeout time.Duration
	Params  []ParamSpec
}

// Registry is the command table. Populated at startup, read-only after;
// no internal locking is needed.
type Registry struct {
	specs map[string]Spec
}

func New() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds a command. Later registrations of the same name win;
// startup code is expected to register each command once.
func (r *Registry) Register(spec Spec) {
	r.specs[spec.Command] = spec
}

// Lookup resolves a command by exact name.
func (r *Registry) Lookup(command string) (Spec, bool) {
	spec, ok := r.specs[command]
	return spec, ok
}

// ValidateParams checks the given params against a spec. Missing
// required parameters and failed validations are BadRequest.
func (r *Registry) ValidateParams(spec Spec, params map[string]string) *types.ErrorInfo {
	for _, p := range spec.Params {
		value, present := params[p.Name]
		if !present || value == "" {
			if p.Required {
				return types.NewError(types.KindBadRequest, "missing required parameter: %s", p.Name)
			}
			continue
		}
		if p.Validate != nil {
			if err := p.Validate(value); err != nil {
				return types.NewError(types.KindBadRequest, "parameter %q: %v", p.Name, err)
			}
		}
	}
	return nil
}

// Commands returns all registered command names, sorted.
func (r *Registry) Commands() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns all registered specs sorted by command name.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, 0, len(r.specs))
	for _, name := range r.Commands() {
		out = append(out, r.specs[name])
	}
	return out
}
