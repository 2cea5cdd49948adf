// Package skill implements the skill registry: built-in programmatic
// skills plus SKILL.md content skills, invokable by slash command or by
// LLM tool selection.
package skill

import (
	"context"
	"fmt"
)

// Source distinguishes a programmatic built-in skill from one loaded
// from a SKILL.md file.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceSkillMD Source = "skillmd"
)

// ExecContext selects how a skill's execution relates to the invoking
// conversation: "fork" runs in an isolated sub-context, "inherit" shares
// the calling conversation's history.
type ExecContext string

const (
	ContextFork    ExecContext = "fork"
	ContextInherit ExecContext = "inherit"
)

// Result is what an Executor or instructions-based skill invocation
// produces.
type Result struct {
	Text    string
	Handled bool
}

// Executor is a built-in skill's programmatic behaviour. It is installed
// after construction (see Install) to break the cyclic dependency between
// the Agent Service and the Skill Registry: a builtin often needs the
// Agent Service's own dependencies (history store, channel manager) which
// do not exist yet when builtins are first registered.
type Executor func(ctx context.Context, args map[string]any) (Result, error)

// Definition describes one registered skill.
type Definition struct {
	Name                   string
	Description            string
	UserInvocable          bool
	ArgumentHint           string
	DisableModelInvocation bool
	AllowedTools           []string
	Context                ExecContext
	Instructions           string // content body, for skillmd and instructions-driven builtins
	Source                 Source

	execute Executor
}

// Registry stores skill definitions keyed by name.
type Registry struct {
	skills map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{skills: map[string]*Definition{}}
}

// Register adds or replaces a skill definition.
func (r *Registry) Register(def Definition) {
	d := def
	r.skills[d.Name] = &d
}

// Install attaches an Executor to an already-registered skill, resolving
// the late-binding dependency described above. It is an error to install
// onto a name that was never registered.
func (r *Registry) Install(name string, exec Executor) error {
	d, ok := r.skills[name]
	if !ok {
		return fmt.Errorf("skill: cannot install executor onto unregistered skill %q", name)
	}
	d.execute = exec
	return nil
}

// Get looks up a skill definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	d, ok := r.skills[name]
	return d, ok
}

// All returns every registered definition, in no particular order.
func (r *Registry) All() []*Definition {
	out := make([]*Definition, 0, len(r.skills))
	for _, d := range r.skills {
		out = append(out, d)
	}
	return out
}

// UserInvocable returns every skill flagged for slash-command dispatch.
func (r *Registry) UserInvocable() []*Definition {
	var out []*Definition
	for _, d := range r.skills {
		if d.UserInvocable {
			out = append(out, d)
		}
	}
	return out
}

// ModelInvocable returns every skill eligible for LLM tool selection,
// namespaced as "skill__<name>" the way the tool-use loop expects
// (see internal/pipeline).
func (r *Registry) ModelInvocable() []*Definition {
	var out []*Definition
	for _, d := range r.skills {
		if !d.DisableModelInvocation {
			out = append(out, d)
		}
	}
	return out
}

// Execute runs a skill's installed Executor. It returns an error if the
// skill has no executor installed (a builtin whose late-bound executor
// was never installed, or a skillmd skill with no programmatic behaviour
// — those are driven by Instructions at the pipeline layer instead).
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	d, ok := r.skills[name]
	if !ok {
		return Result{}, fmt.Errorf("skill %s not found", name)
	}
	if d.execute == nil {
		return Result{}, fmt.Errorf("skill %s has no executor installed", name)
	}
	return d.execute(ctx, args)
}
