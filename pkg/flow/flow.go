package flow

import (
	"fmt"
	"sort"
	"time"
)

// StartStep and EndStep are the reserved names of the unique entry and
// terminal steps every flow must declare.
const (
	StartStep = "start"
	EndStep   = "end"
)

// Body is a step implementation. It reads and writes artifacts through the
// step context and, unless it is the terminal step, must declare its
// transition exactly once via one of the context's Next methods.
type Body func(ctx *StepContext) error

// RetrySpec configures the retry decorator: up to Times additional attempts,
// waiting Backoff between attempts. Backoff is waiting state of the task,
// not a blocking sleep of the scheduler.
type RetrySpec struct {
	Times   int
	Backoff time.Duration
}

// CatchSpec configures the catch decorator. A failure outcome of the inner
// layers is written as an error-envelope artifact named Var and the task is
// reported successful with a fallback transition: OnError if declared, else
// the step's default linear target.
type CatchSpec struct {
	Var     string
	OnError string
}

// TimeoutSpec configures the timeout decorator: a wall-clock deadline per
// attempt, enforced by the parent process.
type TimeoutSpec struct {
	Duration time.Duration
}

// transitionDecl is the statically declared transition shape of a step.
type transitionDecl struct {
	kind    TransitionKind
	targets []string
	// foreachVar names the slice artifact a foreach iterates over.
	foreachVar string
	// switchCases maps switch keys to target steps.
	switchCases map[string]string
}

type stepDef struct {
	name       string
	body       Body
	isJoin     bool
	decl       *transitionDecl
	declCount  int // how many transition options were applied
	retry      *RetrySpec
	catch      *CatchSpec
	onError    string
	timeout    *TimeoutSpec
}

// StepOption configures a step at registration time.
type StepOption func(*stepDef)

// To declares a linear transition to a single next step.
func To(next string) StepOption {
	return func(s *stepDef) {
		s.decl = &transitionDecl{kind: TransitionLinear, targets: []string{next}}
		s.declCount++
	}
}

// ToBranch declares a parallel fan-out to all listed steps. The targets'
// sub-graphs must converge at a single join step.
func ToBranch(targets ...string) StepOption {
	return func(s *stepDef) {
		s.decl = &transitionDecl{kind: TransitionBranch, targets: append([]string(nil), targets...)}
		s.declCount++
	}
}

// ToForeach declares a foreach fan-out: the named slice artifact is iterated
// at run time and next runs once per element, indexed. The body's own
// transition must lead to the matching join.
func ToForeach(next, varName string) StepOption {
	return func(s *stepDef) {
		s.decl = &transitionDecl{
			kind:       TransitionForeach,
			targets:    []string{next},
			foreachVar: varName,
		}
		s.declCount++
	}
}

// ToSwitch declares a key-routed transition. The body selects one of the
// declared keys at run time; an undeclared key is a transition protocol
// violation.
func ToSwitch(cases map[string]string) StepOption {
	return func(s *stepDef) {
		copied := make(map[string]string, len(cases))
		targets := make([]string, 0, len(cases))
		for k, v := range cases {
			copied[k] = v
		}
		for _, k := range sortedKeys(copied) {
			targets = append(targets, copied[k])
		}
		s.decl = &transitionDecl{
			kind:        TransitionSwitch,
			targets:     targets,
			switchCases: copied,
		}
		s.declCount++
	}
}

// WithRetry attaches a retry decorator to the step.
func WithRetry(times int, backoff time.Duration) StepOption {
	return func(s *stepDef) {
		s.retry = &RetrySpec{Times: times, Backoff: backoff}
	}
}

// WithCatch attaches a catch decorator: failures of the step are written to
// the artifact named varName and the task is reported successful.
func WithCatch(varName string) StepOption {
	return func(s *stepDef) {
		s.catch = &CatchSpec{Var: varName}
	}
}

// WithOnError declares the target the catch decorator transitions to when it
// suppresses a failure. Requires WithCatch.
func WithOnError(step string) StepOption {
	return func(s *stepDef) {
		s.onError = step
	}
}

// WithTimeout attaches a wall-clock deadline to each attempt of the step.
func WithTimeout(d time.Duration) StepOption {
	return func(s *stepDef) {
		s.timeout = &TimeoutSpec{Duration: d}
	}
}

// Flow accumulates step registrations and compiles them into an immutable
// Graph. Registration errors are deferred and reported by Compile.
type Flow struct {
	name  string
	order []string
	steps map[string]*stepDef
	errs  []*ValidationError
}

// New creates an empty flow with the given name.
func New(name string) *Flow {
	return &Flow{
		name:  name,
		steps: make(map[string]*stepDef),
	}
}

// Name returns the flow name.
func (f *Flow) Name() string {
	return f.name
}

// Step registers a step and its declared transition and decorators.
// Registration order is significant only for deterministic iteration.
func (f *Flow) Step(name string, body Body, opts ...StepOption) *Flow {
	return f.register(name, body, false, opts...)
}

// Join registers a join step: a step that becomes ready only once all of its
// predecessor tasks have completed, and receives them as ordered inputs.
func (f *Flow) Join(name string, body Body, opts ...StepOption) *Flow {
	return f.register(name, body, true, opts...)
}

func (f *Flow) register(name string, body Body, isJoin bool, opts ...StepOption) *Flow {
	if _, exists := f.steps[name]; exists {
		f.errs = append(f.errs, &ValidationError{
			Flow:        f.name,
			Step:        name,
			Reason:      "step registered twice",
			Remediation: "give each step a unique name",
		})
		return f
	}
	def := &stepDef{name: name, body: body, isJoin: isJoin}
	for _, opt := range opts {
		opt(def)
	}
	f.steps[name] = def
	f.order = append(f.order, name)
	return f
}

// Compile builds the immutable graph and runs all build-time validation.
// It must be called once per flow definition, before any task is created.
func (f *Flow) Compile() (*Graph, error) {
	if len(f.errs) > 0 {
		return nil, f.errs[0]
	}
	return compile(f)
}

// Registry maps flow names to compiled graphs. The child side of the process
// isolation executor resolves the step body to run through a registry, so
// the same registry must be available in every binary that dispatches or
// executes tasks.
type Registry struct {
	graphs map[string]*Graph
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{graphs: make(map[string]*Graph)}
}

// Register compiles the flow and adds it to the registry.
func (r *Registry) Register(f *Flow) error {
	g, err := f.Compile()
	if err != nil {
		return err
	}
	if _, exists := r.graphs[g.FlowName]; exists {
		return fmt.Errorf("flow %q already registered", g.FlowName)
	}
	r.graphs[g.FlowName] = g
	return nil
}

// Lookup returns the compiled graph for a flow name.
func (r *Registry) Lookup(name string) (*Graph, bool) {
	g, ok := r.graphs[name]
	return g, ok
}

// Names returns the registered flow names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.graphs))
	for name := range r.graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
